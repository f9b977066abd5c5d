package throttle

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/chanarr/internal/config"
)

func testConfig(mode string) config.ThrottleConfig {
	return config.ThrottleConfig{
		Mode:              mode,
		TargetBitrate:     4_000_000,
		MaxBuffer:         2 * 1024 * 1024,
		MinFlush:          64 * 1024,
		BurstDuration:     100 * time.Millisecond,
		KeepaliveInterval: 5 * time.Second,
		AdaptiveWindow:    time.Second,
		AdaptiveFactor:    1.2,
	}
}

func TestNullPacket(t *testing.T) {
	p := NullPacket()
	require.Len(t, p, 188)
	assert.Equal(t, byte(0x47), p[0], "sync byte")
	assert.Equal(t, byte(0x1F), p[1], "null PID high bits")
	assert.Equal(t, byte(0xFF), p[2], "null PID low bits")
	assert.Equal(t, byte(0x10), p[3])
	for i := 4; i < 188; i++ {
		assert.Equal(t, byte(0xFF), p[i])
	}
}

func TestWriteDisabledPassesThrough(t *testing.T) {
	thr := New(testConfig("disabled"))
	var buf bytes.Buffer

	data := bytes.Repeat([]byte{0x47}, 188*10)
	n, err := thr.Write(context.Background(), &buf, data)
	require.NoError(t, err)
	assert.Equal(t, len(data), n)
	assert.Equal(t, data, buf.Bytes())

	m := thr.Metrics()
	assert.Equal(t, uint64(len(data)), m.BytesSent)
	assert.Equal(t, uint64(10), m.PacketsSent)
}

func TestWritePreservesOrder(t *testing.T) {
	thr := New(testConfig("realtime"))
	var buf bytes.Buffer

	var want []byte
	for i := 0; i < 5; i++ {
		chunk := bytes.Repeat([]byte{byte(i)}, 1000)
		want = append(want, chunk...)
		_, err := thr.Write(context.Background(), &buf, chunk)
		require.NoError(t, err)
	}
	assert.Equal(t, want, buf.Bytes())
}

func TestWriteRealtimePaces(t *testing.T) {
	cfg := testConfig("realtime")
	// 80 KB/s so 24KB beyond the burst takes a measurable time.
	cfg.TargetBitrate = 640_000
	cfg.MinFlush = 8 * 1024
	thr := New(cfg)

	var buf bytes.Buffer
	data := make([]byte, 32*1024)

	start := time.Now()
	_, err := thr.Write(context.Background(), &buf, data)
	require.NoError(t, err)
	elapsed := time.Since(start)

	// First 8KB ride the initial burst; the remaining 24KB at 80 KB/s
	// need roughly 300ms.
	assert.Greater(t, elapsed, 150*time.Millisecond)
	assert.Equal(t, len(data), buf.Len())
}

func TestWriteCancellation(t *testing.T) {
	cfg := testConfig("realtime")
	cfg.TargetBitrate = 8 * 1024 // 1 KB/s
	cfg.MinFlush = 512
	thr := New(cfg)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var buf bytes.Buffer
	_, err := thr.Write(ctx, &buf, make([]byte, 64*1024))
	require.Error(t, err)
}

func TestKeepalive(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }

	thr := New(testConfig("disabled")).WithClock(clock)
	var buf bytes.Buffer

	// No keepalive before any real data has flowed.
	n, err := thr.Keepalive(&buf)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = thr.Write(context.Background(), &buf, make([]byte, 188))
	require.NoError(t, err)
	buf.Reset()

	// Not yet due.
	n, err = thr.Keepalive(&buf)
	require.NoError(t, err)
	assert.Zero(t, n)

	// Past the interval: seven null packets.
	now = now.Add(6 * time.Second)
	n, err = thr.Keepalive(&buf)
	require.NoError(t, err)
	assert.Equal(t, 7*188, n)
	assert.Equal(t, byte(0x47), buf.Bytes()[0])
	assert.Equal(t, byte(0x1F), buf.Bytes()[1])
	assert.Equal(t, byte(0xFF), buf.Bytes()[2])

	m := thr.Metrics()
	assert.Equal(t, uint64(1), m.KeepalivesSent)
}

func TestAdaptiveFeedback(t *testing.T) {
	thr := New(testConfig("adaptive"))

	// Lagging client shrinks the multiplier 5% per sample.
	thr.Feedback(200 * time.Millisecond)
	assert.InDelta(t, 0.95, thr.Metrics().Multiplier, 0.001)

	// It never drops below 0.5.
	for i := 0; i < 100; i++ {
		thr.Feedback(500 * time.Millisecond)
	}
	assert.GreaterOrEqual(t, thr.Metrics().Multiplier, 0.5)
}

func TestAdaptiveFeedbackIgnoredInRealtime(t *testing.T) {
	thr := New(testConfig("realtime"))
	thr.Feedback(500 * time.Millisecond)
	assert.Equal(t, 1.0, thr.Metrics().Multiplier)
}
