package cfg

import (
	"flag"
	"fmt"
	"hash/fnv"
	"os"

	"github.com/BurntSushi/toml"
	"github.com/denisbrodbeck/machineid"
	"github.com/rs/zerolog/log"
)

// FeedProviderType selects the change-feed transport
type FeedProviderType string

const (
	FeedNats  FeedProviderType = "nats"  // NATS subjects, server-side scope filtering
	FeedKafka FeedProviderType = "kafka" // Kafka CDC topics, client-side scope filtering
)

// EmitterType selects where user-facing notifications are delivered
type EmitterType string

const (
	EmitterLog  EmitterType = "log"  // Structured log output (development)
	EmitterNats EmitterType = "nats" // Published to a NATS subject for the UI push channel
)

// FeedConfiguration controls the change-feed transport
type FeedConfiguration struct {
	Provider         FeedProviderType `toml:"provider"`
	NatsURL          string           `toml:"nats_url"`
	Brokers          []string         `toml:"brokers"`
	SubjectPrefix    string           `toml:"subject_prefix"`
	TopicPrefix      string           `toml:"topic_prefix"`
	CompressionLevel int              `toml:"compression_level"` // 0 = disabled
}

// SyncConfiguration controls reconnection and staleness behavior
type SyncConfiguration struct {
	BaseDelayMS       int `toml:"base_delay_ms"`       // Initial reconnect backoff
	MaxDelayMS        int `toml:"max_delay_ms"`        // Backoff cap
	StaleThresholdMS  int `toml:"stale_threshold_ms"`  // Silence before a connection is stale
	HealthIntervalMS  int `toml:"health_interval_ms"`  // Staleness check period
	DedupWindowMS     int `toml:"dedup_window_ms"`     // Duplicate event suppression window
	InboxBufferSize   int `toml:"inbox_buffer_size"`   // Controller inbox depth
	DedupCacheEntries int `toml:"dedup_cache_entries"` // Bounded seen-set size
}

// NotificationConfiguration controls the user-facing notification emitter
type NotificationConfiguration struct {
	Emitter       EmitterType `toml:"emitter"`
	NatsURL       string      `toml:"nats_url"`
	SubjectPrefix string      `toml:"subject_prefix"`
}

// AdminConfiguration for the status/introspection HTTP API
type AdminConfiguration struct {
	Enabled     bool   `toml:"enabled"`
	BindAddress string `toml:"bind_address"`
	Port        int    `toml:"port"`
	Secret      string `toml:"secret"` // Empty disables auth
}

// LoggingConfiguration controls logging behavior
type LoggingConfiguration struct {
	Verbose bool   `toml:"verbose"`
	Format  string `toml:"format"` // "console" or "json"
}

// PrometheusConfiguration for metrics
type PrometheusConfiguration struct {
	Enabled bool `toml:"enabled"`
}

// Configuration is the main configuration structure
type Configuration struct {
	SessionID uint64 `toml:"session_id"` // 0 = derive from machine ID

	Feed          FeedConfiguration         `toml:"feed"`
	Sync          SyncConfiguration         `toml:"sync"`
	Notifications NotificationConfiguration `toml:"notifications"`
	Admin         AdminConfiguration        `toml:"admin"`
	Logging       LoggingConfiguration      `toml:"logging"`
	Prometheus    PrometheusConfiguration   `toml:"prometheus"`
}

// Command line flags
var (
	ConfigPathFlag = flag.String("config", "config.toml", "Path to configuration file")
	NatsURLFlag    = flag.String("nats-url", "", "NATS server URL (overrides config)")
	AdminPortFlag  = flag.Int("admin-port", 0, "Admin API port (overrides config)")
	VerboseFlag    = flag.Bool("verbose", false, "Enable debug logging (overrides config)")
)

// Default configuration
var Config = &Configuration{
	SessionID: 0, // Auto-generate

	Feed: FeedConfiguration{
		Provider:         FeedNats,
		NatsURL:          "nats://127.0.0.1:4222",
		SubjectPrefix:    "tripdesk.feed",
		TopicPrefix:      "tripdesk.cdc",
		CompressionLevel: 0,
	},

	Sync: SyncConfiguration{
		BaseDelayMS:       1000,  // 1s initial backoff
		MaxDelayMS:        30000, // 30s cap
		StaleThresholdMS:  60000, // 1 minute of silence marks the feed stale
		HealthIntervalMS:  30000, // Check twice per stale window
		DedupWindowMS:     5000,
		InboxBufferSize:   256,
		DedupCacheEntries: 1024,
	},

	Notifications: NotificationConfiguration{
		Emitter:       EmitterLog,
		SubjectPrefix: "tripdesk.notify",
	},

	Admin: AdminConfiguration{
		Enabled:     true,
		BindAddress: "0.0.0.0",
		Port:        8090,
	},

	Logging: LoggingConfiguration{
		Verbose: false,
		Format:  "console",
	},

	Prometheus: PrometheusConfiguration{
		Enabled: true,
	},
}

// Load loads configuration from file and applies CLI overrides
func Load(configPath string) error {
	// Load from file if it exists
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			log.Info().Str("path", configPath).Msg("Loading configuration")
			if _, err := toml.DecodeFile(configPath, Config); err != nil {
				return fmt.Errorf("failed to decode config: %w", err)
			}
		} else {
			log.Warn().Str("path", configPath).Msg("Config file not found, using defaults")
		}
	}

	// Apply CLI overrides
	if *NatsURLFlag != "" {
		Config.Feed.NatsURL = *NatsURLFlag
		if Config.Notifications.NatsURL == "" {
			Config.Notifications.NatsURL = *NatsURLFlag
		}
	}
	if *AdminPortFlag != 0 {
		Config.Admin.Port = *AdminPortFlag
	}
	if *VerboseFlag {
		Config.Logging.Verbose = true
	}

	// Notification emitter follows the feed broker unless configured separately
	if Config.Notifications.NatsURL == "" {
		Config.Notifications.NatsURL = Config.Feed.NatsURL
	}

	// Auto-generate session ID if not set
	if Config.SessionID == 0 {
		var err error
		Config.SessionID, err = generateSessionID()
		if err != nil {
			return fmt.Errorf("failed to generate session ID: %w", err)
		}
		log.Info().Uint64("session_id", Config.SessionID).Msg("Auto-generated session ID")
	}

	return nil
}

// generateSessionID creates a stable session ID based on machine ID
func generateSessionID() (uint64, error) {
	id, err := machineid.ProtectedID("tripdesk")
	if err != nil {
		return 0, err
	}

	h := fnv.New64a()
	h.Write([]byte(id))
	return h.Sum64(), nil
}

// Validate checks configuration for errors
func Validate() error {
	switch Config.Feed.Provider {
	case FeedNats:
		if Config.Feed.NatsURL == "" {
			return fmt.Errorf("feed.nats_url is required for the nats provider")
		}
	case FeedKafka:
		if len(Config.Feed.Brokers) == 0 {
			return fmt.Errorf("feed.brokers is required for the kafka provider")
		}
	default:
		return fmt.Errorf("invalid feed provider: %s", Config.Feed.Provider)
	}

	switch Config.Notifications.Emitter {
	case EmitterLog:
	case EmitterNats:
		if Config.Notifications.NatsURL == "" {
			return fmt.Errorf("notifications.nats_url is required for the nats emitter")
		}
	default:
		return fmt.Errorf("invalid notification emitter: %s", Config.Notifications.Emitter)
	}

	if Config.Sync.BaseDelayMS < 1 {
		return fmt.Errorf("sync base delay must be >= 1ms")
	}

	if Config.Sync.MaxDelayMS < Config.Sync.BaseDelayMS {
		return fmt.Errorf("sync max delay must be >= base delay")
	}

	if Config.Sync.StaleThresholdMS < 1 {
		return fmt.Errorf("sync stale threshold must be >= 1ms")
	}

	if Config.Sync.HealthIntervalMS < 1 {
		return fmt.Errorf("sync health interval must be >= 1ms")
	}

	if Config.Sync.DedupWindowMS < 0 {
		return fmt.Errorf("sync dedup window must be >= 0")
	}

	if Config.Sync.InboxBufferSize < 1 {
		return fmt.Errorf("sync inbox buffer size must be >= 1")
	}

	if Config.Sync.DedupCacheEntries < 1 {
		return fmt.Errorf("sync dedup cache entries must be >= 1")
	}

	if Config.Feed.CompressionLevel < 0 || Config.Feed.CompressionLevel > 4 {
		return fmt.Errorf("feed compression level must be between 0 and 4")
	}

	if Config.Admin.Enabled && (Config.Admin.Port < 1 || Config.Admin.Port > 65535) {
		return fmt.Errorf("invalid admin port: %d", Config.Admin.Port)
	}

	return nil
}

// IsAdminAuthEnabled reports whether the admin API requires a secret
func IsAdminAuthEnabled() bool {
	return Config.Admin.Secret != ""
}

// GetAdminSecret returns the admin API secret
func GetAdminSecret() string {
	return Config.Admin.Secret
}
