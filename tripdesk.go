package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tripdesk/tripdesk/admin"
	"github.com/tripdesk/tripdesk/auth"
	"github.com/tripdesk/tripdesk/cfg"
	"github.com/tripdesk/tripdesk/feed"
	"github.com/tripdesk/tripdesk/notify"
	"github.com/tripdesk/tripdesk/sync"
	"github.com/tripdesk/tripdesk/telemetry"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("session_id", cfg.Config.SessionID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("TripDesk Sync - Real-time CRM change feed")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	// Change-feed transport
	provider, err := buildProvider()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize change-feed provider")
		return
	}
	defer provider.Close()

	// User-facing notification channel
	emitter, err := buildEmitter()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize notification emitter")
		return
	}

	watcher := auth.NewWatcher()
	dispatcher := notify.NewDispatcher(
		emitter,
		time.Duration(cfg.Config.Sync.DedupWindowMS)*time.Millisecond,
		cfg.Config.Sync.DedupCacheEntries,
	)

	controller := sync.NewController(sync.Options{
		Provider:       provider,
		Identity:       watcher,
		Dispatcher:     dispatcher,
		BaseDelay:      time.Duration(cfg.Config.Sync.BaseDelayMS) * time.Millisecond,
		MaxDelay:       time.Duration(cfg.Config.Sync.MaxDelayMS) * time.Millisecond,
		StaleThreshold: time.Duration(cfg.Config.Sync.StaleThresholdMS) * time.Millisecond,
		HealthInterval: time.Duration(cfg.Config.Sync.HealthIntervalMS) * time.Millisecond,
		InboxSize:      cfg.Config.Sync.InboxBufferSize,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go controller.Run(ctx)

	// Admin API, pprof and metrics
	if cfg.Config.Admin.Enabled {
		adminServer := admin.NewServer(
			cfg.Config.Admin.BindAddress,
			cfg.Config.Admin.Port,
			admin.NewAdminHandlers(controller, dispatcher),
		)
		if err := adminServer.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start admin server")
			return
		}
		defer adminServer.Stop()
	}

	// The session identity normally arrives from the auth collaborator; the
	// environment override exists for smoke testing a deployment.
	if id := os.Getenv("TRIPDESK_IDENTITY"); id != "" {
		applyIdentityOverride(watcher, id)
	}

	log.Info().
		Str("provider", string(cfg.Config.Feed.Provider)).
		Int("admin_port", cfg.Config.Admin.Port).
		Msg("TripDesk Sync started successfully")

	<-ctx.Done()
	log.Info().Msg("Shutting down")
}

func buildProvider() (feed.Provider, error) {
	codec, err := feed.NewCodec(cfg.Config.Feed.CompressionLevel)
	if err != nil {
		return nil, err
	}

	switch cfg.Config.Feed.Provider {
	case cfg.FeedNats:
		return feed.NewNatsProvider(cfg.Config.Feed.NatsURL, cfg.Config.Feed.SubjectPrefix, codec)
	case cfg.FeedKafka:
		return feed.NewKafkaProvider(
			cfg.Config.Feed.Brokers,
			cfg.Config.Feed.TopicPrefix,
			"tripdesk-sync-"+strconv.FormatUint(cfg.Config.SessionID, 10),
			codec,
		)
	default:
		return nil, fmt.Errorf("unknown feed provider: %s", cfg.Config.Feed.Provider)
	}
}

func buildEmitter() (notify.Emitter, error) {
	switch cfg.Config.Notifications.Emitter {
	case cfg.EmitterNats:
		url := cfg.Config.Notifications.NatsURL
		if url == "" {
			url = cfg.Config.Feed.NatsURL
		}
		return notify.NewNatsEmitter(url, cfg.Config.Notifications.SubjectPrefix)
	default:
		return notify.LogEmitter{}, nil
	}
}

// applyIdentityOverride parses "user:role" and logs in immediately.
func applyIdentityOverride(watcher *auth.Watcher, raw string) {
	userID, roleStr, ok := strings.Cut(raw, ":")
	if !ok || userID == "" || roleStr == "" {
		log.Warn().Str("identity", raw).Msg("Ignoring malformed identity override, expected user:role")
		return
	}

	role, err := auth.ParseRole(roleStr)
	if err != nil {
		log.Warn().Err(err).Msg("Ignoring identity override")
		return
	}

	watcher.Set(auth.Identity{ID: userID, Role: role})
}
