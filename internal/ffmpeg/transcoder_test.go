package ffmpeg

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/chanarr/internal/config"
	"github.com/jmylchreest/chanarr/internal/models"
)

// stubTranscoder writes a shell script that ignores its arguments and
// emits count bytes of 0x47 on stdout, standing in for the real binary.
func stubTranscoder(t *testing.T, count int, exitCode int) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell stub not available on windows")
	}

	script := filepath.Join(t.TempDir(), "fake-ffmpeg")
	body := "#!/bin/sh\n" +
		"head -c " + strconv.Itoa(count) + " /dev/zero | tr '\\0' 'G'\n" +
		"echo 'fake transcoder detail' >&2\n" +
		"exit " + strconv.Itoa(exitCode) + "\n"
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))
	return script
}

func stubConfig(binary string) config.FFmpegConfig {
	return config.FFmpegConfig{
		BinaryPath:   binary,
		ProbePath:    "ffprobe",
		LogLevel:     "warning",
		ProbeTimeout: time.Second,
	}
}

func TestStreamDeliversChunks(t *testing.T) {
	const total = 188 * 100

	trans := NewTranscoder(stubConfig(stubTranscoder(t, total, 0)), testLogger())
	resolved := &models.ResolvedURL{URL: "/dev/null", Kind: models.SourceLocal}

	stream, err := trans.Stream(context.Background(), resolved, nil, 0, 4096, BuildOptions{})
	require.NoError(t, err)

	var got int
	for chunk := range stream.Chunks {
		got += len(chunk)
	}
	assert.Equal(t, total, got)
	assert.NoError(t, stream.Err())
	assert.False(t, stream.Running())
}

func TestStreamNonZeroExitCarriesStderr(t *testing.T) {
	trans := NewTranscoder(stubConfig(stubTranscoder(t, 188, 1)), testLogger())
	resolved := &models.ResolvedURL{URL: "/dev/null", Kind: models.SourceLocal}

	stream, err := trans.Stream(context.Background(), resolved, nil, 0, 4096, BuildOptions{})
	require.NoError(t, err)

	for range stream.Chunks {
	}

	err = stream.Err()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fake transcoder detail")
}

func TestStreamStopTerminates(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell stub not available on windows")
	}

	// A stub that streams forever.
	script := filepath.Join(t.TempDir(), "fake-ffmpeg")
	body := "#!/bin/sh\nwhile true; do head -c 188 /dev/zero; sleep 0.05; done\n"
	require.NoError(t, os.WriteFile(script, []byte(body), 0o755))

	trans := NewTranscoder(stubConfig(script), testLogger())
	resolved := &models.ResolvedURL{URL: "/dev/null", Kind: models.SourceLocal}

	stream, err := trans.Stream(context.Background(), resolved, nil, 0, 188, BuildOptions{})
	require.NoError(t, err)

	// Read a little, then stop.
	<-stream.Chunks
	done := make(chan struct{})
	go func() {
		stream.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("Stop did not terminate the process")
	}

	// Stopped streams report no error.
	assert.NoError(t, stream.Err())
	assert.False(t, stream.Running())
}

func TestStreamSpawnFailure(t *testing.T) {
	trans := NewTranscoder(stubConfig("/nonexistent/ffmpeg"), testLogger())
	resolved := &models.ResolvedURL{URL: "/dev/null", Kind: models.SourceLocal}

	_, err := trans.Stream(context.Background(), resolved, nil, 0, 4096, BuildOptions{})
	require.Error(t, err)
}

func TestProbePrefersResolverCodecInfo(t *testing.T) {
	trans := NewTranscoder(stubConfig("ffmpeg"), testLogger())

	info := &models.CodecInfo{VideoCodec: "h264", CanCopyVideo: true}
	resolved := &models.ResolvedURL{URL: "https://cdn/x", Kind: models.SourceYouTube, CodecInfo: info}

	got, err := trans.Probe(context.Background(), resolved)
	require.NoError(t, err)
	assert.Same(t, info, got)
}
