package admin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tripdesk/tripdesk/telemetry"
)

// Server hosts the admin API, pprof and the optional metrics endpoint on a
// single HTTP listener.
type Server struct {
	addr     string
	handlers *AdminHandlers

	httpServer *http.Server
}

// NewServer wires the admin HTTP server.
func NewServer(bindAddress string, port int, handlers *AdminHandlers) *Server {
	return &Server{
		addr:     fmt.Sprintf("%s:%d", bindAddress, port),
		handlers: handlers,
	}
}

// Start begins serving. Returns once the listener is bound; serving continues
// in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to bind admin listener on %s: %w", s.addr, err)
	}

	mux := http.NewServeMux()

	// Register pprof handlers for profiling
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	// Optionally add metrics handler
	if metricsHandler := telemetry.GetMetricsHandler(); metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
		log.Info().Msg("Metrics endpoint enabled at /metrics")
	}

	RegisterRoutes(mux, s.handlers)

	s.httpServer = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Info().Str("address", s.addr).Msg("Starting admin HTTP server")

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Admin HTTP server failed")
		}
	}()

	return nil
}

// Stop gracefully stops the admin server.
func (s *Server) Stop() {
	if s.httpServer == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Admin HTTP server shutdown failed")
	}
}
