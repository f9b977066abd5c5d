// Package daemon is the composition root: it builds the core context
// from configuration and runs every long-lived worker under one
// errgroup with graceful shutdown.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/jmylchreest/chanarr/internal/config"
	"github.com/jmylchreest/chanarr/internal/database"
	"github.com/jmylchreest/chanarr/internal/epg"
	"github.com/jmylchreest/chanarr/internal/ffmpeg"
	"github.com/jmylchreest/chanarr/internal/httpclient"
	"github.com/jmylchreest/chanarr/internal/observability"
	"github.com/jmylchreest/chanarr/internal/playout"
	"github.com/jmylchreest/chanarr/internal/relay"
	"github.com/jmylchreest/chanarr/internal/repository"
	"github.com/jmylchreest/chanarr/internal/resolver"
	"github.com/jmylchreest/chanarr/internal/scheduler"
	"github.com/jmylchreest/chanarr/internal/server"
	"github.com/jmylchreest/chanarr/internal/session"
	"github.com/jmylchreest/chanarr/internal/watchdog"
)

// Daemon wires the streaming core together. No hidden globals: every
// component is constructed here and threaded through explicitly.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger

	db        *database.DB
	channels  *repository.ChannelRepository
	playoutDB *repository.PlayoutRepository
	registry  *resolver.Registry
	trans     *ffmpeg.Transcoder
	screens   *ffmpeg.ScreenGenerator
	dog       *watchdog.Watchdog
	sessions  *session.Manager
	relayMgr  *relay.Manager
	sched     *scheduler.Scheduler
	srv       *server.Server
}

// New builds the daemon from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Daemon, error) {
	db, err := database.New(cfg.Database, observability.WithComponent(logger, "database"))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Migrate(); err != nil {
		return nil, fmt.Errorf("migrating database: %w", err)
	}

	channels := repository.NewChannelRepository(db.DB)
	playoutRepo := repository.NewPlayoutRepository(db.DB)
	queue := playout.NewQueue(playoutRepo)

	client := httpclient.New(httpclient.Config{
		Timeout:          cfg.Resolver.MetadataTimeout,
		RetryAttempts:    httpclient.DefaultRetryAttempts,
		RetryDelay:       httpclient.DefaultRetryDelay,
		RetryMaxDelay:    httpclient.DefaultRetryMaxDelay,
		CircuitThreshold: httpclient.DefaultCircuitThreshold,
		CircuitTimeout:   httpclient.DefaultCircuitTimeout,
		UserAgent:        httpclient.DefaultUserAgent,
		Logger:           observability.WithComponent(logger, "httpclient"),
	})

	resolverLogger := observability.WithComponent(logger, "resolver")
	registry := resolver.NewRegistry(resolverLogger,
		resolver.NewLocalResolver(cfg.Resolver.Local),
		resolver.NewYouTubeResolver(cfg.Resolver.YouTube, resolverLogger),
		resolver.NewArchiveOrgResolver(resolverLogger),
		resolver.NewPlexResolver(cfg.Resolver.Plex, client, resolverLogger),
		resolver.NewJellyfinResolver(cfg.Resolver.Jellyfin),
		resolver.NewEmbyResolver(cfg.Resolver.Emby),
	)

	trans := ffmpeg.NewTranscoder(cfg.FFmpeg, observability.WithComponent(logger, "transcoder"))
	screens := ffmpeg.NewScreenGenerator(cfg.FFmpeg.BinaryPath, cfg.Channels.ErrorScreen,
		observability.WithComponent(logger, "errscreen"))
	dog := watchdog.New(cfg.Watchdog, observability.WithComponent(logger, "watchdog"))

	relayMgr := relay.NewManager(relay.SupervisorDeps{
		Channels: cfg.Channels,
		Resolver: cfg.Resolver,
		Queue:    queue,
		Registry: registry,
		Trans:    trans,
		Screens:  screens,
		Watchdog: dog,
		ChanRepo: channels,
		Logger:   observability.WithComponent(logger, "supervisor"),
	}, cfg.Channels.IdleGrace)

	sessions := session.NewManager(cfg.Session,
		observability.WithComponent(logger, "sessions"),
		session.Callbacks{
			OnChannelEmpty: relayMgr.NotifyChannelEmpty,
		})

	sched, err := scheduler.New(cfg.Scheduler, cfg.Resolver, registry, playoutRepo,
		observability.WithComponent(logger, "scheduler"))
	if err != nil {
		return nil, fmt.Errorf("building scheduler: %w", err)
	}

	guide := epg.NewGenerator(channels, playoutRepo, cfg.Scheduler.GuideDays)
	metrics := server.NewMetrics()
	dog.SetKillHook(metrics.WatchdogKills.Inc)

	srv := server.New(cfg, observability.WithComponent(logger, "http"),
		channels, relayMgr, sessions, registry, dog, guide, metrics)

	return &Daemon{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		channels:  channels,
		playoutDB: playoutRepo,
		registry:  registry,
		trans:     trans,
		screens:   screens,
		dog:       dog,
		sessions:  sessions,
		relayMgr:  relayMgr,
		sched:     sched,
		srv:       srv,
	}, nil
}

// Run starts every worker and blocks until ctx is cancelled or a worker
// fails. Shutdown order: the HTTP server, watchdog, session manager and
// scheduler share one errgroup and stop together; once all have returned,
// the channel supervisors are stopped and the database is closed.
func (d *Daemon) Run(ctx context.Context) error {
	// Warm always-on channels before accepting clients.
	alwaysOn, err := d.channels.ListAlwaysOn(ctx)
	if err != nil {
		return fmt.Errorf("listing always-on channels: %w", err)
	}
	for _, ch := range alwaysOn {
		d.relayMgr.Start(ctx, ch)
		d.logger.Info("warmed always-on channel", slog.Int("number", ch.Number))
	}

	g, groupCtx := errgroup.WithContext(ctx)

	g.Go(func() error { return d.srv.Run(groupCtx) })
	g.Go(func() error { return d.dog.Run(groupCtx) })
	g.Go(func() error { return d.sessions.Run(groupCtx) })
	g.Go(func() error { return d.sched.Run(groupCtx) })

	err = g.Wait()

	d.relayMgr.StopAll()
	if cerr := d.db.Close(); cerr != nil {
		d.logger.Warn("closing database failed", slog.String("error", cerr.Error()))
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}
