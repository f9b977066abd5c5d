// Package watchdog monitors transcoder processes and kills ones that have
// stopped producing output so supervisors can recover.
package watchdog

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/jmylchreest/chanarr/internal/config"
)

// Process is the slice of a transcoder stream the watchdog drives.
type Process interface {
	// Running reports whether the process has not yet exited.
	Running() bool
	// Stop terminates the process: graceful signal, grace period, kill.
	// It blocks until the process is gone.
	Stop()
	// PID returns the OS process id.
	PID() int
}

// TimeoutFunc is invoked after the watchdog kills a stalled process.
type TimeoutFunc func(channelID string)

// watched is one registered process.
type watched struct {
	channelID    string
	proc         Process
	registeredAt time.Time
	lastOutputAt time.Time
	bytesOutput  uint64
	onTimeout    TimeoutFunc
}

// Stats summarizes one check pass.
type Stats struct {
	Checked     int `json:"checked"`
	Healthy     int `json:"healthy"`
	Killed      int `json:"killed"`
	AlreadyDead int `json:"already_dead"`
}

// ProcessStats is the monitoring view of one registered process.
type ProcessStats struct {
	ChannelID        string        `json:"channel_id"`
	SinceLastOutput  time.Duration `json:"since_last_output"`
	BytesOutput      uint64        `json:"bytes_output"`
	Running          bool          `json:"running"`
	CPUPercent       float64       `json:"cpu_percent"`
	MemoryRSSBytes   uint64        `json:"memory_rss_bytes"`
}

// Watchdog tracks registered transcoder processes and kills ones whose
// output has stalled past the timeout.
type Watchdog struct {
	cfg    config.WatchdogConfig
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	processes map[string]*watched

	totalKills atomic.Uint64
	// onKill is an optional hook fired once per kill (metrics).
	onKill func()
}

// New creates a watchdog.
func New(cfg config.WatchdogConfig, logger *slog.Logger) *Watchdog {
	return &Watchdog{
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
		processes: make(map[string]*watched),
	}
}

// WithClock overrides the watchdog clock. Test hook.
func (w *Watchdog) WithClock(now func() time.Time) *Watchdog {
	w.now = now
	return w
}

// SetKillHook registers a function fired once per watchdog kill.
func (w *Watchdog) SetKillHook(fn func()) {
	w.onKill = fn
}

// Register starts monitoring a process for a channel. A still-running
// process already registered for the channel is killed first, guarding
// against leaks from reentry bugs.
func (w *Watchdog) Register(channelID string, proc Process, onTimeout TimeoutFunc) {
	w.mu.Lock()
	old, exists := w.processes[channelID]
	now := w.now()
	w.processes[channelID] = &watched{
		channelID:    channelID,
		proc:         proc,
		registeredAt: now,
		lastOutputAt: now,
		onTimeout:    onTimeout,
	}
	w.mu.Unlock()

	if exists && old.proc.Running() {
		w.logger.Warn("replacing still-running process",
			slog.String("channel_id", channelID),
			slog.Int("old_pid", old.proc.PID()))
		old.proc.Stop()
	}
}

// ReportOutput resets the channel's timeout timer. Called on every chunk
// read from the process.
func (w *Watchdog) ReportOutput(channelID string, bytes int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if entry, ok := w.processes[channelID]; ok {
		entry.lastOutputAt = w.now()
		entry.bytesOutput += uint64(bytes)
	}
}

// Unregister stops monitoring a channel's process.
func (w *Watchdog) Unregister(channelID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.processes, channelID)
}

// CheckAll checks every registered process and kills stalled ones.
// Timeout callbacks are invoked after the lock is released.
func (w *Watchdog) CheckAll() Stats {
	var stats Stats
	var killed []*watched

	w.mu.Lock()
	now := w.now()
	for channelID, entry := range w.processes {
		stats.Checked++

		if !entry.proc.Running() {
			// Already exited; reaped silently.
			stats.AlreadyDead++
			delete(w.processes, channelID)
			continue
		}

		if now.Sub(entry.lastOutputAt) > w.cfg.Timeout {
			stats.Killed++
			killed = append(killed, entry)
			delete(w.processes, channelID)
			continue
		}

		stats.Healthy++
	}
	w.mu.Unlock()

	for _, entry := range killed {
		w.logger.Warn("transcoder output stalled, killing",
			slog.String("channel_id", entry.channelID),
			slog.Duration("since_last_output", w.now().Sub(entry.lastOutputAt)),
			slog.Int("pid", entry.proc.PID()))

		entry.proc.Stop()
		w.totalKills.Add(1)
		if w.onKill != nil {
			w.onKill()
		}

		if entry.onTimeout != nil {
			func() {
				defer func() {
					if r := recover(); r != nil {
						w.logger.Error("timeout callback panicked",
							slog.String("channel_id", entry.channelID),
							slog.Any("panic", r))
					}
				}()
				entry.onTimeout(entry.channelID)
			}()
		}
	}

	return stats
}

// Run executes the periodic check loop until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) error {
	w.logger.Info("watchdog started",
		slog.Duration("timeout", w.cfg.Timeout),
		slog.Duration("check_interval", w.cfg.CheckInterval))

	ticker := time.NewTicker(w.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("watchdog stopped")
			return ctx.Err()
		case <-ticker.C:
			w.CheckAll()
		}
	}
}

// TotalKills returns the number of processes killed for stalled output.
func (w *Watchdog) TotalKills() uint64 {
	return w.totalKills.Load()
}

// ProcessStats samples monitoring data for all registered processes.
// CPU and memory come from the OS where the process is still alive.
func (w *Watchdog) ProcessStats() []ProcessStats {
	w.mu.Lock()
	entries := make([]*watched, 0, len(w.processes))
	for _, entry := range w.processes {
		entries = append(entries, entry)
	}
	now := w.now()
	w.mu.Unlock()

	stats := make([]ProcessStats, 0, len(entries))
	for _, entry := range entries {
		ps := ProcessStats{
			ChannelID:       entry.channelID,
			SinceLastOutput: now.Sub(entry.lastOutputAt),
			BytesOutput:     entry.bytesOutput,
			Running:         entry.proc.Running(),
		}
		if ps.Running {
			if proc, err := process.NewProcess(int32(entry.proc.PID())); err == nil {
				if cpu, err := proc.CPUPercent(); err == nil {
					ps.CPUPercent = cpu
				}
				if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
					ps.MemoryRSSBytes = mem.RSS
				}
			}
		}
		stats = append(stats, ps)
	}
	return stats
}
