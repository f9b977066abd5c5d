// Package server exposes chanarr's HTTP surface: the MPEG-TS stream
// endpoint, the HDHomeRun-compatible tuner discovery endpoints, the
// XMLTV guide, health, and metrics.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmylchreest/chanarr/internal/config"
	"github.com/jmylchreest/chanarr/internal/epg"
	"github.com/jmylchreest/chanarr/internal/relay"
	"github.com/jmylchreest/chanarr/internal/repository"
	"github.com/jmylchreest/chanarr/internal/resolver"
	"github.com/jmylchreest/chanarr/internal/session"
	"github.com/jmylchreest/chanarr/internal/watchdog"
)

// Server is the HTTP front-end.
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	channels *repository.ChannelRepository
	relay    *relay.Manager
	sessions *session.Manager
	registry *resolver.Registry
	dog      *watchdog.Watchdog
	guide    *epg.Generator
	metrics  *Metrics

	http *http.Server
}

// New creates the HTTP server.
func New(
	cfg *config.Config,
	logger *slog.Logger,
	channels *repository.ChannelRepository,
	relayMgr *relay.Manager,
	sessions *session.Manager,
	registry *resolver.Registry,
	dog *watchdog.Watchdog,
	guide *epg.Generator,
	metrics *Metrics,
) *Server {
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		channels: channels,
		relay:    relayMgr,
		sessions: sessions,
		registry: registry,
		dog:      dog,
		guide:    guide,
		metrics:  metrics,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/stream/{number}", s.handleStream)

	r.Get("/discover.json", s.handleDiscover)
	r.Get("/lineup.json", s.handleLineup)
	r.Get("/lineup_status.json", s.handleLineupStatus)
	r.Get("/device.xml", s.handleDeviceXML)

	r.Get("/epg.xml", s.handleGuide)
	r.Get("/xmltv.xml", s.handleGuide)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	s.http = &http.Server{
		Addr:        cfg.Server.ListenAddr(),
		Handler:     r,
		ReadTimeout: cfg.Server.ReadTimeout,
		// WriteTimeout defaults to zero: stream responses are open-ended.
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", slog.String("addr", s.http.Addr))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	<-errCh
	s.logger.Info("http server stopped")
	return ctx.Err()
}

// baseURL returns the externally visible base URL for discovery payloads.
func (s *Server) baseURL(r *http.Request) string {
	if s.cfg.Tuner.BaseURL != "" {
		return s.cfg.Tuner.BaseURL
	}
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s", scheme, r.Host)
}
