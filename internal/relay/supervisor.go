package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jmylchreest/chanarr/internal/config"
	"github.com/jmylchreest/chanarr/internal/ffmpeg"
	"github.com/jmylchreest/chanarr/internal/models"
	"github.com/jmylchreest/chanarr/internal/playout"
	"github.com/jmylchreest/chanarr/internal/repository"
	"github.com/jmylchreest/chanarr/internal/resolver"
	"github.com/jmylchreest/chanarr/internal/streamerr"
	"github.com/jmylchreest/chanarr/internal/watchdog"
)

// State is the supervisor lifecycle state.
type State string

// Supervisor states.
const (
	StateIdle      State = "idle"
	StateStarting  State = "starting"
	StatePlaying   State = "playing"
	StateBuffering State = "buffering"
	StateError     State = "error"
	StateEnded     State = "ended"
)

// maxConsecutiveRestarts is the hard cap on channel restarts before the
// channel is pinned to the error screen for the configured cooldown.
const maxConsecutiveRestarts = 10

// offAirPollInterval is how often an off-air channel re-checks the queue.
const offAirPollInterval = 30 * time.Second

// upcomingSlack is how far in the future a successor may start and still
// be waited for on the technical-difficulties screen after an abandoned item.
const upcomingSlack = 5 * time.Minute

// Supervisor drives one channel: it walks the playout queue, resolves
// media, runs the transcoder, reacts to watchdog kills, and broadcasts
// the byte stream to subscribers. One supervisor goroutine per channel.
type Supervisor struct {
	channel  models.Channel
	cfg      config.ChannelsConfig
	resCfg   config.ResolverConfig
	queue    *playout.Queue
	registry *resolver.Registry
	trans    *ffmpeg.Transcoder
	screens  *ffmpeg.ScreenGenerator
	dog      *watchdog.Watchdog
	chanRepo *repository.ChannelRepository
	logger   *slog.Logger
	now      func() time.Time

	broadcaster *Broadcaster

	mu                  sync.Mutex
	state               State
	currentItem         *models.PlayoutItem
	consecutiveRestarts int
	fillerIndex         int

	wdTimeout  atomic.Bool
	lastOutput atomic.Int64 // unix nanos
}

// SupervisorDeps carries the collaborators a supervisor needs.
type SupervisorDeps struct {
	Channels  config.ChannelsConfig
	Resolver  config.ResolverConfig
	Queue     *playout.Queue
	Registry  *resolver.Registry
	Trans     *ffmpeg.Transcoder
	Screens   *ffmpeg.ScreenGenerator
	Watchdog  *watchdog.Watchdog
	ChanRepo  *repository.ChannelRepository
	Logger    *slog.Logger
}

// NewSupervisor creates a channel supervisor.
func NewSupervisor(channel models.Channel, deps SupervisorDeps) *Supervisor {
	screens := deps.Screens.WithImage(channel.OfflineImagePath)
	return &Supervisor{
		channel:     channel,
		cfg:         deps.Channels,
		resCfg:      deps.Resolver,
		queue:       deps.Queue,
		registry:    deps.Registry,
		trans:       deps.Trans,
		screens:     screens,
		dog:         deps.Watchdog,
		chanRepo:    deps.ChanRepo,
		logger:      deps.Logger,
		now:         time.Now,
		broadcaster: NewBroadcaster(),
		state:       StateIdle,
	}
}

// Broadcaster returns the channel's fan-out point.
func (s *Supervisor) Broadcaster() *Broadcaster { return s.broadcaster }

// Channel returns the channel this supervisor drives.
func (s *Supervisor) Channel() models.Channel { return s.channel }

// State returns the current lifecycle state.
func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// Run executes the supervisor loop until ctx is cancelled. On return the
// broadcaster is closed and any transcoder process is gone.
func (s *Supervisor) Run(ctx context.Context) {
	defer s.broadcaster.Close()
	defer s.setState(StateEnded)

	s.logger.Info("supervisor started")

	for ctx.Err() == nil {
		item, _, err := s.queue.Current(ctx, s.channel.ID)
		if errors.Is(err, playout.ErrNothingScheduled) {
			s.setState(StateBuffering)
			s.playScreen(ctx, ffmpeg.OffAirMessage(s.channel.Name, s.channel.Number), offAirPollInterval)
			continue
		}
		if err != nil {
			s.logger.Error("playout queue query failed", slog.String("error", err.Error()))
			s.playScreen(ctx, ffmpeg.TechnicalDifficultiesMessage(s.channel.Name, s.channel.Number, "queue"), offAirPollInterval)
			continue
		}

		s.mu.Lock()
		s.currentItem = item
		s.mu.Unlock()

		playErr := s.playItem(ctx, item)
		if ctx.Err() != nil {
			return
		}

		if playErr == nil {
			s.onItemComplete(ctx, item)
			continue
		}

		s.onItemAbandoned(ctx, item, playErr)
	}
}

// onItemComplete advances past a cleanly finished item and bridges any
// gap to the successor with a buffering screen.
func (s *Supervisor) onItemComplete(ctx context.Context, item *models.PlayoutItem) {
	s.mu.Lock()
	s.consecutiveRestarts = 0
	s.mu.Unlock()

	if err := s.queue.Advance(ctx, item); err != nil {
		s.logger.Warn("marking item consumed failed", slog.String("error", err.Error()))
	}

	next, err := s.queue.Next(ctx, item)
	if err != nil {
		return // end of window; loop falls through to off-air handling
	}

	if wait := next.ScheduledStart.Sub(s.now()); wait > 0 {
		s.setState(StateBuffering)
		s.playScreen(ctx, ffmpeg.BufferingMessage(s.channel.Name), wait)
	}
}

// onItemAbandoned handles an item given up on after recovery: advance to
// a near-future successor, fall through to filler, or hold an error
// screen until the next scheduled start.
func (s *Supervisor) onItemAbandoned(ctx context.Context, item *models.PlayoutItem, cause error) {
	se := streamerr.AsStreamError(cause, models.SourceUnknown)
	s.logger.Warn("abandoning playout item",
		slog.String("item_id", item.ID.String()),
		slog.String("kind", string(se.Kind)),
		slog.String("error", se.Message))

	if err := s.queue.Advance(ctx, item); err != nil {
		s.logger.Warn("marking abandoned item consumed failed", slog.String("error", err.Error()))
	}

	next, err := s.queue.Next(ctx, item)
	if err == nil && next.ScheduledStart.Sub(s.now()) <= upcomingSlack {
		if wait := next.ScheduledStart.Sub(s.now()); wait > 0 {
			s.setState(StateError)
			s.playScreen(ctx, ffmpeg.TechnicalDifficultiesMessage(s.channel.Name, s.channel.Number, string(se.Kind)), wait)
		}
		return
	}

	// No near successor; try the filler playlist.
	deadline := s.now().Add(offAirPollInterval)
	if err == nil {
		deadline = next.ScheduledStart
	}
	if s.playFiller(ctx, deadline) {
		return
	}

	s.setState(StateError)
	s.playScreen(ctx, ffmpeg.TechnicalDifficultiesMessage(s.channel.Name, s.channel.Number, string(se.Kind)), time.Until(deadline))
}

// playFiller plays the next entry of the channel's cyclic filler playlist
// until it ends or the deadline passes. Returns false when no filler is
// configured or it fails to start.
func (s *Supervisor) playFiller(ctx context.Context, deadline time.Time) bool {
	refs, err := s.chanRepo.FillerRefs(ctx, &s.channel)
	if err != nil || len(refs) == 0 {
		return false
	}

	s.mu.Lock()
	ref := refs[s.fillerIndex%len(refs)]
	s.fillerIndex++
	s.mu.Unlock()

	fillerCtx := ctx
	var cancel context.CancelFunc
	if wait := time.Until(deadline); wait > 0 {
		fillerCtx, cancel = context.WithDeadline(ctx, deadline)
		defer cancel()
	} else {
		return false
	}

	s.logger.Info("playing filler", slog.String("ref_id", ref.ID.String()))

	resolved, err := s.registry.Resolve(fillerCtx, &ref, false)
	if err != nil {
		return false
	}
	info, err := s.trans.Probe(fillerCtx, resolved)
	if err != nil {
		info = nil
	}

	stream, err := s.trans.Stream(fillerCtx, resolved, info, 0, s.cfg.ChunkSize.Int(), ffmpeg.BuildOptions{})
	if err != nil {
		return false
	}
	defer stream.Stop()

	s.setState(StatePlaying)
	s.pump(stream)
	return true
}

// playItem plays one scheduled item, applying the per-kind recovery
// policy. The seek offset is recomputed from the wall clock on every
// attempt. A nil return means the item finished cleanly; any error
// means it was abandoned.
func (s *Supervisor) playItem(ctx context.Context, item *models.PlayoutItem) error {
	if item.MediaRef == nil {
		return streamerr.New(streamerr.KindUnknown, models.SourceUnknown, "playout item has no media ref", nil)
	}

	attempts := make(map[streamerr.Kind]int)
	forceRefresh := false
	buildOpts := ffmpeg.BuildOptions{}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.mu.Lock()
		restarts := s.consecutiveRestarts
		s.mu.Unlock()
		if restarts >= maxConsecutiveRestarts {
			// Hot-loop guard: pin the error screen for the cooldown, then
			// let attempts resume.
			s.logger.Error("restart cap reached, cooling down",
				slog.Int("restarts", restarts),
				slog.Duration("cooldown", s.cfg.RestartCooldown))
			s.setState(StateError)
			s.playScreen(ctx, ffmpeg.TechnicalDifficultiesMessage(s.channel.Name, s.channel.Number, "restart_cap"), s.cfg.RestartCooldown)
			s.mu.Lock()
			s.consecutiveRestarts = 0
			s.mu.Unlock()
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}

		s.setState(StateStarting)

		attemptErr := s.attempt(ctx, item, forceRefresh, buildOpts)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if attemptErr == nil {
			return nil
		}

		s.mu.Lock()
		s.consecutiveRestarts++
		s.mu.Unlock()

		se := streamerr.AsStreamError(attemptErr, item.MediaRef.Kind)
		plan := streamerr.PlanFor(se.Kind)
		n := attempts[se.Kind]
		attempts[se.Kind] = n + 1

		s.logger.Warn("playback attempt failed",
			slog.String("kind", string(se.Kind)),
			slog.Int("attempt", n+1),
			slog.Bool("retryable", se.Retryable),
			slog.String("error", se.Message))

		if !se.Retryable || plan.Action == streamerr.ActionSkip {
			return se
		}
		if n >= plan.MaxRetries {
			return se
		}

		forceRefresh = false
		switch plan.Action {
		case streamerr.ActionRefreshImmediate:
			// Expired URL: re-resolve and go straight back in.
			forceRefresh = true
			continue
		case streamerr.ActionRefreshRetry:
			forceRefresh = true
		case streamerr.ActionRetryStripped:
			// Escalate: no cookies, then minimal headers, then a fresh
			// resolve in case the resolver knows an alternate endpoint.
			switch n {
			case 0:
				buildOpts = ffmpeg.BuildOptions{NoCookies: true}
			case 1:
				buildOpts = ffmpeg.BuildOptions{NoCookies: true, MinimalHeaders: true}
			default:
				forceRefresh = true
			}
		case streamerr.ActionLongBackoff:
			// After the first long backoff, retry with a fresh resolve in
			// case the resolver knows an alternate endpoint.
			forceRefresh = n >= 1
		}

		if delay := plan.BackoffDelay(n); delay > 0 {
			s.setState(StateError)
			s.playScreen(ctx, ffmpeg.TechnicalDifficultiesMessage(s.channel.Name, s.channel.Number, string(se.Kind)), delay)
		}
	}
}

// attempt runs one end-to-end playback attempt for the item.
func (s *Supervisor) attempt(ctx context.Context, item *models.PlayoutItem, forceRefresh bool, buildOpts ffmpeg.BuildOptions) error {
	ref := item.MediaRef

	resolveTimeout := s.resCfg.ResolveTimeout
	if resolveTimeout <= 0 {
		resolveTimeout = 60 * time.Second
	}
	resolveCtx, cancelResolve := context.WithTimeout(ctx, resolveTimeout)
	var resolved *models.ResolvedURL
	var err error
	if forceRefresh {
		resolved, err = s.registry.Resolve(resolveCtx, ref, true)
	} else {
		// Refresh ahead of expiry so the URL outlives the item.
		if refreshed, rerr := s.registry.RefreshIfExpiring(resolveCtx, ref, s.resCfg.ExpiryThreshold); rerr == nil && refreshed != nil {
			resolved = refreshed
		} else {
			resolved, err = s.registry.Resolve(resolveCtx, ref, false)
		}
	}
	cancelResolve()
	if err != nil {
		return err
	}

	info, perr := s.trans.Probe(ctx, resolved)
	if perr != nil {
		s.logger.Debug("probe failed, streaming without codec info", slog.String("error", perr.Error()))
		info = nil
	}

	// Seek is recomputed from the wall clock at spawn time so playback
	// stays aligned with the guide across retries.
	seek := s.now().Sub(item.ScheduledStart)
	if seek < 0 {
		seek = 0
	}

	stream, err := s.trans.Stream(ctx, resolved, info, seek, s.cfg.ChunkSize.Int(), buildOpts)
	if err != nil {
		return err
	}

	channelKey := s.channel.ID.String()
	s.wdTimeout.Store(false)
	s.dog.Register(channelKey, stream, func(string) {
		s.wdTimeout.Store(true)
	})

	s.setState(StatePlaying)
	s.logger.Info("playing item",
		slog.String("item_id", item.ID.String()),
		slog.String("kind", resolved.Kind.String()),
		slog.Duration("seek", seek),
		slog.Bool("is_filler", item.IsFiller))

	s.pumpWatched(stream, channelKey)

	s.dog.Unregister(channelKey)
	stream.Stop()

	if s.wdTimeout.Swap(false) {
		return streamerr.New(streamerr.KindTimeout, resolved.Kind, "no transcoder output within watchdog timeout", nil)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return stream.Err()
}

// pumpWatched forwards stream chunks to the broadcaster, reporting each
// read to the watchdog.
func (s *Supervisor) pumpWatched(stream *ffmpeg.Stream, channelKey string) {
	for chunk := range stream.Chunks {
		s.dog.ReportOutput(channelKey, len(chunk))
		s.lastOutput.Store(s.now().UnixNano())
		s.broadcaster.Publish(chunk)
	}
	s.broadcaster.Flush()
}

// pump forwards stream chunks to the broadcaster without watchdog
// registration (filler playback).
func (s *Supervisor) pump(stream *ffmpeg.Stream) {
	for chunk := range stream.Chunks {
		s.lastOutput.Store(s.now().UnixNano())
		s.broadcaster.Publish(chunk)
	}
	s.broadcaster.Flush()
}

// playScreen broadcasts the error-screen stream for the given duration
// (or until ctx cancels). When the generator cannot start, it degrades to
// a sleep so the loop cannot spin hot.
func (s *Supervisor) playScreen(ctx context.Context, msg ffmpeg.ScreenMessage, duration time.Duration) {
	if duration <= 0 {
		return
	}

	screenCtx, cancel := context.WithTimeout(ctx, duration)
	defer cancel()

	stream, err := s.screens.Stream(screenCtx, msg, duration, s.cfg.ChunkSize.Int())
	if err != nil {
		s.logger.Warn("screen generator failed", slog.String("error", err.Error()))
		select {
		case <-ctx.Done():
		case <-time.After(duration):
		}
		return
	}
	for chunk := range stream.Chunks {
		s.lastOutput.Store(s.now().UnixNano())
		s.broadcaster.Publish(chunk)
	}
	s.broadcaster.Flush()
	stream.Stop()

	// A generator that dies early must not turn this into a spawn loop;
	// hold the remainder of the window.
	<-screenCtx.Done()
}

// LastOutputAt returns when the channel last produced bytes.
func (s *Supervisor) LastOutputAt() time.Time {
	nanos := s.lastOutput.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// Snapshot summarizes supervisor state for monitoring.
type Snapshot struct {
	ChannelID           string    `json:"channel_id"`
	ChannelNumber       int       `json:"channel_number"`
	State               State     `json:"state"`
	Subscribers         int       `json:"subscribers"`
	ConsecutiveRestarts int       `json:"consecutive_restarts"`
	LastOutputAt        time.Time `json:"last_output_at"`
	CurrentItemID       string    `json:"current_item_id,omitempty"`
}

// Snapshot returns the supervisor's monitoring view.
func (s *Supervisor) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := Snapshot{
		ChannelID:           s.channel.ID.String(),
		ChannelNumber:       s.channel.Number,
		State:               s.state,
		Subscribers:         s.broadcaster.SubscriberCount(),
		ConsecutiveRestarts: s.consecutiveRestarts,
		LastOutputAt:        s.LastOutputAt(),
	}
	if s.currentItem != nil {
		snap.CurrentItemID = s.currentItem.ID.String()
	}
	return snap
}
