package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jmylchreest/chanarr/internal/config"
)

// ErrCapacity is returned when a channel is at its concurrent-session cap.
// The failed attempt does not mutate any state.
var ErrCapacity = errors.New("channel session capacity reached")

// ErrSessionNotFound is returned for lookups of unknown sessions.
var ErrSessionNotFound = errors.New("session not found")

// Callbacks are invoked on session lifecycle events, outside the manager
// lock. Panics are recovered and logged.
type Callbacks struct {
	// OnSessionCreated fires after a session is registered.
	OnSessionCreated func(s Session)
	// OnSessionEnded fires exactly once per session, with the end reason.
	OnSessionEnded func(s Session, reason string)
	// OnChannelEmpty fires once per channel when its last session departs.
	OnChannelEmpty func(channelID string)
}

// Manager is the authoritative registry of active stream sessions.
// All state transitions take the internal lock; observable transitions
// are linearizable.
type Manager struct {
	cfg       config.SessionConfig
	logger    *slog.Logger
	callbacks Callbacks
	now       func() time.Time

	mu              sync.Mutex
	sessions        map[string]*Session
	channelSessions map[string]map[string]struct{}

	totalCreated uint64
	totalCleaned uint64
}

// NewManager creates a session manager.
func NewManager(cfg config.SessionConfig, logger *slog.Logger, callbacks Callbacks) *Manager {
	return &Manager{
		cfg:             cfg,
		logger:          logger,
		callbacks:       callbacks,
		now:             time.Now,
		sessions:        make(map[string]*Session),
		channelSessions: make(map[string]map[string]struct{}),
	}
}

// WithClock overrides the manager clock. Test hook.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Create registers a new session for a client on a channel. Returns
// ErrCapacity when the channel is at its cap.
func (m *Manager) Create(channelID string, channelNumber int, clientID string) (Session, error) {
	m.mu.Lock()

	if len(m.channelSessions[channelID]) >= m.cfg.MaxPerChannel {
		m.mu.Unlock()
		return Session{}, fmt.Errorf("channel %s: %w", channelID, ErrCapacity)
	}

	now := m.now()
	s := &Session{
		ID:             uuid.NewString(),
		ChannelID:      channelID,
		ChannelNumber:  channelNumber,
		ClientID:       clientID,
		State:          StateConnecting,
		CreatedAt:      now,
		LastActivityAt: now,
	}
	m.sessions[s.ID] = s
	if m.channelSessions[channelID] == nil {
		m.channelSessions[channelID] = make(map[string]struct{})
	}
	m.channelSessions[channelID][s.ID] = struct{}{}
	m.totalCreated++

	snapshot := *s
	m.mu.Unlock()

	m.logger.Info("session created",
		slog.String("session_id", snapshot.ID),
		slog.String("channel_id", channelID),
		slog.Int("channel_number", channelNumber),
		slog.String("client_id", clientID))

	m.invoke(func() {
		if m.callbacks.OnSessionCreated != nil {
			m.callbacks.OnSessionCreated(snapshot)
		}
	})

	return snapshot, nil
}

// End removes a session. The session-ended callback fires exactly once;
// ending an unknown session is a no-op.
func (m *Manager) End(sessionID, reason string) {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return
	}
	s.State = StateDisconnected
	snapshot := *s
	delete(m.sessions, sessionID)

	channelEmpty := false
	if peers, ok := m.channelSessions[s.ChannelID]; ok {
		delete(peers, sessionID)
		if len(peers) == 0 {
			delete(m.channelSessions, s.ChannelID)
			channelEmpty = true
		}
	}
	now := m.now()
	m.mu.Unlock()

	m.logger.Info("session ended",
		slog.String("session_id", sessionID),
		slog.String("reason", reason),
		slog.Duration("duration", snapshot.Duration(now)),
		slog.Uint64("bytes_sent", snapshot.BytesSent),
		slog.Int("errors", len(snapshot.Errors)))

	m.invoke(func() {
		if m.callbacks.OnSessionEnded != nil {
			m.callbacks.OnSessionEnded(snapshot, reason)
		}
	})
	if channelEmpty {
		m.invoke(func() {
			if m.callbacks.OnChannelEmpty != nil {
				m.callbacks.OnChannelEmpty(snapshot.ChannelID)
			}
		})
	}
}

// Activate marks a session active.
func (m *Manager) Activate(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[sessionID]; ok {
		s.State = StateActive
		s.LastActivityAt = m.now()
	}
}

// RecordData accounts bytes delivered to the client and refreshes the
// session's activity timestamps.
func (m *Manager) RecordData(sessionID string, bytes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	now := m.now()
	s.BytesSent += uint64(bytes)
	s.ChunksSent++
	s.LastDataAt = now
	s.LastActivityAt = now
	if s.State == StateBuffering || s.State == StateConnecting {
		s.State = StateActive
	}
}

// RecordError appends to the session's bounded error ring.
func (m *Manager) RecordError(sessionID string, kind ErrorKind, message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return
	}
	s.Errors = append(s.Errors, SessionError{Kind: kind, Message: message, Timestamp: m.now()})
	if len(s.Errors) > maxErrorHistory {
		s.Errors = s.Errors[len(s.Errors)-maxErrorHistory:]
	}
	s.LastActivityAt = m.now()
	if kind == ErrTranscoder {
		s.State = StateError
	}
}

// RecordRestart counts a restart attempt and reports whether the session
// is still under its restart cap.
func (m *Manager) RecordRestart(sessionID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return false
	}
	s.Restarts++
	s.LastActivityAt = m.now()
	return s.Restarts <= m.cfg.MaxRestarts
}

// Get returns a snapshot of a session.
func (m *Manager) Get(sessionID string) (Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return Session{}, ErrSessionNotFound
	}
	return *s, nil
}

// ByChannel returns snapshots of all sessions on a channel.
func (m *Manager) ByChannel(channelID string) []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Session
	for id := range m.channelSessions[channelID] {
		if s, ok := m.sessions[id]; ok {
			out = append(out, *s)
		}
	}
	return out
}

// All returns snapshots of every session.
func (m *Manager) All() []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	return out
}

// Count returns the number of active sessions on a channel.
func (m *Manager) Count(channelID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.channelSessions[channelID])
}

// CleanupIdle ends every session idle beyond the configured timeout.
// Returns the number of sessions ended.
func (m *Manager) CleanupIdle() int {
	m.mu.Lock()
	now := m.now()
	var idle []string
	for id, s := range m.sessions {
		if s.IsIdle(now, m.cfg.IdleTimeout) {
			idle = append(idle, id)
		}
	}
	m.mu.Unlock()

	for _, id := range idle {
		m.End(id, "idle")
	}

	if len(idle) > 0 {
		m.mu.Lock()
		m.totalCleaned += uint64(len(idle))
		m.mu.Unlock()
	}
	return len(idle)
}

// Run executes the periodic idle-cleanup loop until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Info("session manager started",
		slog.Int("max_per_channel", m.cfg.MaxPerChannel),
		slog.Duration("idle_timeout", m.cfg.IdleTimeout))

	ticker := time.NewTicker(m.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return ctx.Err()
		case <-ticker.C:
			if n := m.CleanupIdle(); n > 0 {
				m.logger.Info("cleaned up idle sessions", slog.Int("count", n))
			}
		}
	}
}

// shutdown ends every session with reason "shutdown".
func (m *Manager) shutdown() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.End(id, "shutdown")
	}
	m.logger.Info("session manager stopped")
}

// Stats summarizes manager activity.
type Stats struct {
	ActiveSessions int    `json:"active_sessions"`
	TotalCreated   uint64 `json:"total_created"`
	TotalCleaned   uint64 `json:"total_cleaned"`
}

// Stats returns current manager statistics.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	return Stats{
		ActiveSessions: len(m.sessions),
		TotalCreated:   m.totalCreated,
		TotalCleaned:   m.totalCleaned,
	}
}

// invoke runs a callback, tolerating panics.
func (m *Manager) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("session callback panicked", slog.Any("panic", r))
		}
	}()
	fn()
}
