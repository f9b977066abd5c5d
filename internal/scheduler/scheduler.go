// Package scheduler runs chanarr's recurring background jobs on cron
// schedules: the proactive URL refresh sweep and the consumed playout
// item prune.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jmylchreest/chanarr/internal/config"
	"github.com/jmylchreest/chanarr/internal/repository"
	"github.com/jmylchreest/chanarr/internal/resolver"
)

// Scheduler owns the cron runner. Cron expressions use the 6-field
// format (sec min hour dom month dow).
type Scheduler struct {
	cfg      config.SchedulerConfig
	resCfg   config.ResolverConfig
	registry *resolver.Registry
	playout  *repository.PlayoutRepository
	logger   *slog.Logger

	cron *cron.Cron
}

// New creates the scheduler and registers its jobs.
func New(
	cfg config.SchedulerConfig,
	resCfg config.ResolverConfig,
	registry *resolver.Registry,
	playout *repository.PlayoutRepository,
	logger *slog.Logger,
) (*Scheduler, error) {
	s := &Scheduler{
		cfg:      cfg,
		resCfg:   resCfg,
		registry: registry,
		playout:  playout,
		logger:   logger,
		cron: cron.New(cron.WithParser(cron.NewParser(
			cron.Second | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
		))),
	}

	if cfg.RefreshCron != "" {
		if _, err := s.cron.AddFunc(cfg.RefreshCron, s.refreshSweep); err != nil {
			return nil, fmt.Errorf("registering refresh job: %w", err)
		}
	}
	if cfg.PruneCron != "" {
		if _, err := s.cron.AddFunc(cfg.PruneCron, s.pruneConsumed); err != nil {
			return nil, fmt.Errorf("registering prune job: %w", err)
		}
	}

	return s, nil
}

// Run starts the cron runner and blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started",
		slog.String("refresh_cron", s.cfg.RefreshCron),
		slog.String("prune_cron", s.cfg.PruneCron))

	s.cron.Start()
	<-ctx.Done()

	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-time.After(30 * time.Second):
		s.logger.Warn("scheduler jobs still running at shutdown")
	}
	s.logger.Info("scheduler stopped")
	return ctx.Err()
}

// refreshSweep re-resolves cached URLs nearing expiry.
func (s *Scheduler) refreshSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), s.resCfg.ResolveTimeout)
	defer cancel()

	refreshed, failed := s.registry.RefreshExpiring(ctx, s.resCfg.ExpiryThreshold)
	if refreshed > 0 || failed > 0 {
		s.logger.Info("url refresh sweep finished",
			slog.Int("refreshed", refreshed),
			slog.Int("failed", failed))
	}
}

// pruneConsumed removes consumed playout items older than the rolling
// window.
func (s *Scheduler) pruneConsumed() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cutoff := time.Now().AddDate(0, 0, -s.cfg.GuideDays)
	pruned, err := s.playout.PruneConsumed(ctx, cutoff)
	if err != nil {
		s.logger.Warn("prune failed", slog.String("error", err.Error()))
		return
	}
	if pruned > 0 {
		s.logger.Info("pruned consumed playout items", slog.Int64("count", pruned))
	}
}
