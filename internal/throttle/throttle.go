// Package throttle paces per-subscriber MPEG-TS delivery to approximately
// real-time bitrate and emits null-packet keepalives during source stalls.
package throttle

import (
	"context"
	"io"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/jmylchreest/chanarr/internal/config"
)

// PacketSize is the MPEG-TS packet size.
const PacketSize = 188

// keepalivePackets is how many null packets one keepalive emits.
const keepalivePackets = 7

// Adaptive multiplier bounds and steps.
const (
	adaptiveMin        = 0.5
	adaptiveShrinkOver = 100 * time.Millisecond
	adaptiveGrowUnder  = 20 * time.Millisecond
	adaptiveShrink     = 0.95
	adaptiveGrow       = 1.02
)

// nullPacket is one null TS packet: sync byte 0x47, null PID 0x1FFF,
// no adaptation field, payload of stuffing bytes.
var nullPacket = func() []byte {
	p := make([]byte, PacketSize)
	p[0] = 0x47
	p[1] = 0x1F
	p[2] = 0xFF
	p[3] = 0x10
	for i := 4; i < PacketSize; i++ {
		p[i] = 0xFF
	}
	return p
}()

// NullPacket returns a copy of the null TS keepalive packet.
func NullPacket() []byte {
	out := make([]byte, PacketSize)
	copy(out, nullPacket)
	return out
}

// Metrics counts throttle activity.
type Metrics struct {
	BytesSent      uint64  `json:"bytes_sent"`
	PacketsSent    uint64  `json:"packets_sent"`
	KeepalivesSent uint64  `json:"keepalives_sent"`
	Multiplier     float64 `json:"adaptive_multiplier"`
}

// Throttler paces writes to a client at the configured bitrate.
// One throttler serves one subscriber; it is not safe for concurrent use.
type Throttler struct {
	cfg     config.ThrottleConfig
	limiter *rate.Limiter

	mu            sync.Mutex
	metrics       Metrics
	multiplier    float64
	lastRealSend  time.Time
	feedback      []feedbackSample
	now           func() time.Time
}

type feedbackSample struct {
	at    time.Time
	delay time.Duration
}

// New creates a throttler for one subscriber.
func New(cfg config.ThrottleConfig) *Throttler {
	t := &Throttler{
		cfg:        cfg,
		multiplier: 1.0,
		now:        time.Now,
	}

	bytesPerSecond := float64(cfg.TargetBitrate) / 8

	switch cfg.Mode {
	case "disabled":
		t.limiter = rate.NewLimiter(rate.Inf, 0)
	case "burst":
		burst := int(bytesPerSecond * cfg.BurstDuration.Seconds())
		t.limiter = rate.NewLimiter(rate.Limit(bytesPerSecond), maxInt(burst, PacketSize))
	default: // realtime, adaptive
		burst := cfg.MinFlush.Int()
		if burst < PacketSize {
			burst = PacketSize
		}
		t.limiter = rate.NewLimiter(rate.Limit(bytesPerSecond), burst)
	}

	return t
}

// WithClock overrides the throttler clock. Test hook.
func (t *Throttler) WithClock(now func() time.Time) *Throttler {
	t.now = now
	return t
}

// Write paces data out to w. In realtime mode delivery over any one
// second window stays at or under target_bitrate/8 bytes plus one limiter
// burst; when the
// limiter is ahead of schedule the call sleeps, when behind it writes
// immediately. Producer byte order is preserved exactly.
func (t *Throttler) Write(ctx context.Context, w io.Writer, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}

	written := 0
	burst := t.limiter.Burst()

	for written < len(data) {
		chunk := data[written:]
		if t.cfg.Mode != "disabled" && len(chunk) > burst {
			chunk = chunk[:burst]
		}

		if t.cfg.Mode != "disabled" {
			if err := t.limiter.WaitN(ctx, len(chunk)); err != nil {
				return written, err
			}
		}

		n, err := w.Write(chunk)
		written += n
		if err != nil {
			return written, err
		}
	}

	t.mu.Lock()
	t.metrics.BytesSent += uint64(written)
	t.metrics.PacketsSent += uint64(written / PacketSize)
	t.lastRealSend = t.now()
	t.mu.Unlock()

	return written, nil
}

// KeepaliveDue reports whether no real data has been sent for the
// keepalive interval.
func (t *Throttler) KeepaliveDue() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.lastRealSend.IsZero() {
		return false
	}
	return t.now().Sub(t.lastRealSend) >= t.cfg.KeepaliveInterval
}

// Keepalive writes seven null TS packets when a keepalive is due, keeping
// client buffers alive during source stalls. Returns bytes written.
func (t *Throttler) Keepalive(w io.Writer) (int, error) {
	if !t.KeepaliveDue() {
		return 0, nil
	}

	payload := make([]byte, 0, keepalivePackets*PacketSize)
	for i := 0; i < keepalivePackets; i++ {
		payload = append(payload, nullPacket...)
	}

	n, err := w.Write(payload)

	t.mu.Lock()
	t.metrics.KeepalivesSent++
	// Keepalives reset the stall timer; real-data accounting is untouched.
	t.lastRealSend = t.now()
	t.mu.Unlock()

	return n, err
}

// Feedback feeds a client-reported delay sample into adaptive pacing.
// Delays over 100ms shrink the rate multiplier by 5%; under 20ms grow it
// by 2%. The multiplier stays within [0.5, adaptive_factor].
func (t *Throttler) Feedback(delay time.Duration) {
	if t.cfg.Mode != "adaptive" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	t.feedback = append(t.feedback, feedbackSample{at: now, delay: delay})

	cutoff := now.Add(-t.cfg.AdaptiveWindow)
	kept := t.feedback[:0]
	for _, sample := range t.feedback {
		if sample.at.After(cutoff) {
			kept = append(kept, sample)
		}
	}
	t.feedback = kept

	if len(t.feedback) == 0 {
		return
	}
	var total time.Duration
	for _, sample := range t.feedback {
		total += sample.delay
	}
	avg := total / time.Duration(len(t.feedback))

	ceiling := t.cfg.AdaptiveFactor
	if ceiling <= 0 {
		ceiling = 1.2
	}

	switch {
	case avg > adaptiveShrinkOver:
		t.multiplier *= adaptiveShrink
		if t.multiplier < adaptiveMin {
			t.multiplier = adaptiveMin
		}
	case avg < adaptiveGrowUnder:
		t.multiplier *= adaptiveGrow
		if t.multiplier > ceiling {
			t.multiplier = ceiling
		}
	default:
		return
	}

	t.limiter.SetLimit(rate.Limit(float64(t.cfg.TargetBitrate) / 8 * t.multiplier))
}

// Metrics returns a snapshot of throttle counters.
func (t *Throttler) Metrics() Metrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	m := t.metrics
	m.Multiplier = t.multiplier
	return m
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
