package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jmylchreest/chanarr/internal/models"
	"github.com/jmylchreest/chanarr/internal/observability"
)

// Manager owns the channel supervisors: it starts one lazily when the
// first subscriber attaches (or eagerly for always-on channels) and tears
// one down after the channel has had no subscribers for the idle grace
// period.
type Manager struct {
	deps      SupervisorDeps
	idleGrace time.Duration
	logger    *slog.Logger

	mu          sync.Mutex
	supervisors map[string]*running
}

type running struct {
	sup      *Supervisor
	cancel   context.CancelFunc
	done     chan struct{}
	alwaysOn bool
	// idleSince is set when the last subscriber departs.
	idleSince time.Time
	idleTimer *time.Timer
}

// NewManager creates a channel manager.
func NewManager(deps SupervisorDeps, idleGrace time.Duration) *Manager {
	return &Manager{
		deps:        deps,
		idleGrace:   idleGrace,
		logger:      deps.Logger,
		supervisors: make(map[string]*running),
	}
}

// Start ensures a supervisor is running for the channel and returns it.
func (m *Manager) Start(ctx context.Context, channel models.Channel) *Supervisor {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startLocked(ctx, channel)
}

func (m *Manager) startLocked(ctx context.Context, channel models.Channel) *Supervisor {
	key := channel.ID.String()
	if r, ok := m.supervisors[key]; ok {
		if r.idleTimer != nil {
			r.idleTimer.Stop()
			r.idleTimer = nil
		}
		return r.sup
	}

	deps := m.deps
	deps.Logger = observability.WithChannel(m.logger, key, channel.Number)
	sup := NewSupervisor(channel, deps)

	supCtx, cancel := context.WithCancel(ctx)
	r := &running{
		sup:      sup,
		cancel:   cancel,
		done:     make(chan struct{}),
		alwaysOn: channel.AlwaysOn,
	}
	m.supervisors[key] = r

	go func() {
		defer close(r.done)
		sup.Run(supCtx)
	}()

	return sup
}

// Subscribe attaches a new subscriber to the channel, starting its
// supervisor when needed. The subscriber sees the live tail of the
// stream.
func (m *Manager) Subscribe(ctx context.Context, channel models.Channel, maxBufferBytes int) (*Subscriber, error) {
	sup := m.Start(ctx, channel)
	return sup.Broadcaster().Subscribe(maxBufferBytes)
}

// Unsubscribe detaches a subscriber from a channel.
func (m *Manager) Unsubscribe(channelID string, subID uuid.UUID) {
	m.mu.Lock()
	r, ok := m.supervisors[channelID]
	m.mu.Unlock()
	if ok {
		r.sup.Broadcaster().Unsubscribe(subID)
	}
}

// NotifyChannelEmpty begins the idle-grace countdown for a channel. If no
// subscriber attaches before it elapses, the supervisor is stopped.
// Always-on channels stay warm. Wired to the session manager's
// channel-empty callback.
func (m *Manager) NotifyChannelEmpty(channelID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.supervisors[channelID]
	if !ok || r.alwaysOn {
		return
	}

	r.idleSince = time.Now()
	if r.idleTimer != nil {
		r.idleTimer.Stop()
	}
	r.idleTimer = time.AfterFunc(m.idleGrace, func() {
		m.stopIfStillIdle(channelID)
	})

	m.logger.Info("channel empty, starting idle grace",
		slog.String("channel_id", channelID),
		slog.Duration("grace", m.idleGrace))
}

// stopIfStillIdle tears a supervisor down when the grace period elapsed
// with no subscribers.
func (m *Manager) stopIfStillIdle(channelID string) {
	m.mu.Lock()
	r, ok := m.supervisors[channelID]
	if !ok || r.sup.Broadcaster().SubscriberCount() > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.supervisors, channelID)
	m.mu.Unlock()

	m.logger.Info("stopping idle channel", slog.String("channel_id", channelID))
	r.cancel()
	<-r.done
}

// Get returns the running supervisor for a channel, if any.
func (m *Manager) Get(channelID string) (*Supervisor, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.supervisors[channelID]
	if !ok {
		return nil, false
	}
	return r.sup, true
}

// Snapshots returns monitoring views of all running supervisors.
func (m *Manager) Snapshots() []Snapshot {
	m.mu.Lock()
	rs := make([]*running, 0, len(m.supervisors))
	for _, r := range m.supervisors {
		rs = append(rs, r)
	}
	m.mu.Unlock()

	snaps := make([]Snapshot, 0, len(rs))
	for _, r := range rs {
		snaps = append(snaps, r.sup.Snapshot())
	}
	return snaps
}

// StopAll cancels every supervisor and waits for them to exit. Called on
// daemon shutdown.
func (m *Manager) StopAll() {
	m.mu.Lock()
	rs := make([]*running, 0, len(m.supervisors))
	for _, r := range m.supervisors {
		rs = append(rs, r)
	}
	m.supervisors = make(map[string]*running)
	m.mu.Unlock()

	for _, r := range rs {
		r.cancel()
	}
	for _, r := range rs {
		<-r.done
	}
}
