package resolver

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/chanarr/internal/config"
	"github.com/jmylchreest/chanarr/internal/models"
	"github.com/jmylchreest/chanarr/internal/streamerr"
)

func ytConfig() config.YouTubeConfig {
	return config.YouTubeConfig{
		ExtractorPath:   "yt-dlp",
		PreferredHeight: 720,
		PreferH264:      true,
	}
}

func TestExtractVideoID(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"https://youtu.be/dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"https://www.youtube.com/embed/dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"https://www.youtube.com/v/dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"https://www.youtube.com/shorts/dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"https://www.youtube.com/watch?v=dQw4w9WgXcQ&t=42s", "dQw4w9WgXcQ"},
		{"dQw4w9WgXcQ", "dQw4w9WgXcQ"},
		{"https://example.com/video", ""},
		{"tooshort", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.want, extractVideoID(tt.input))
		})
	}
}

func TestFormatSelector(t *testing.T) {
	r := NewYouTubeResolver(ytConfig(), testLogger())
	selector := r.formatSelector()

	// Tightest selector first: h264 + aac at or below the height cap.
	assert.True(t, strings.HasPrefix(selector, "bestvideo[height<=720][vcodec^=avc]+bestaudio[acodec^=mp4a]"))
	// Loosest selector last.
	assert.True(t, strings.HasSuffix(selector, "bestvideo+bestaudio/best"))

	loose := NewYouTubeResolver(config.YouTubeConfig{PreferredHeight: 480}, testLogger())
	assert.Contains(t, loose.formatSelector(), "height<=480")
}

func TestYouTubeResolve(t *testing.T) {
	r := NewYouTubeResolver(ytConfig(), testLogger())
	r.runExtractor = func(_ context.Context, args []string) ([]byte, error) {
		assert.Contains(t, args, "--dump-json")
		assert.Contains(t, args, "https://www.youtube.com/watch?v=dQw4w9WgXcQ")
		return []byte(`{
			"url": "https://rr1.googlevideo.com/videoplayback?sig=abc",
			"vcodec": "avc1.640028",
			"acodec": "mp4a.40.2",
			"width": 1280,
			"height": 720,
			"fps": 30,
			"duration": 212,
			"title": "Test Video"
		}`), nil
	}

	ref := newRef(models.SourceYouTube, "https://youtu.be/dQw4w9WgXcQ")
	before := time.Now()
	resolved, err := r.Resolve(context.Background(), ref, false)
	require.NoError(t, err)

	assert.Equal(t, "https://rr1.googlevideo.com/videoplayback?sig=abc", resolved.URL)
	assert.Equal(t, models.SourceYouTube, resolved.Kind)

	// Expiration is six hours out.
	require.NotNil(t, resolved.ExpiresAt)
	assert.WithinDuration(t, before.Add(6*time.Hour), *resolved.ExpiresAt, time.Minute)

	// CDN headers.
	assert.Equal(t, "https://www.youtube.com/", resolved.Headers["Referer"])
	assert.Equal(t, "https://www.youtube.com", resolved.Headers["Origin"])
	assert.Contains(t, resolved.Headers["User-Agent"], "Mozilla/5.0")

	// Codec info normalized from format metadata.
	require.NotNil(t, resolved.CodecInfo)
	assert.Equal(t, "h264", resolved.CodecInfo.VideoCodec)
	assert.Equal(t, "aac", resolved.CodecInfo.AudioCodec)
	assert.True(t, resolved.CodecInfo.CanCopyVideo)
	assert.True(t, resolved.CodecInfo.CanCopyAudio)
	assert.Equal(t, 212*time.Second, resolved.CodecInfo.Duration)

	assert.Equal(t, "youtube:dQw4w9WgXcQ", r.CacheKey(ref))
}

func TestYouTubeResolveCaches(t *testing.T) {
	calls := 0
	r := NewYouTubeResolver(ytConfig(), testLogger())
	r.runExtractor = func(_ context.Context, _ []string) ([]byte, error) {
		calls++
		return []byte(`{"url": "https://cdn/1", "vcodec": "avc1", "acodec": "mp4a"}`), nil
	}

	ref := newRef(models.SourceYouTube, "dQw4w9WgXcQ")
	_, err := r.Resolve(context.Background(), ref, false)
	require.NoError(t, err)
	_, err = r.Resolve(context.Background(), ref, false)
	require.NoError(t, err)
	assert.Equal(t, 1, calls)

	_, err = r.Resolve(context.Background(), ref, true)
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestClassifyExtractorError(t *testing.T) {
	tests := []struct {
		name          string
		stderr        string
		wantKind      streamerr.Kind
		wantRetryable bool
	}{
		{"private", "ERROR: Private video", streamerr.KindPermission, false},
		{"unavailable", "ERROR: Video unavailable", streamerr.KindPermission, false},
		{"age gate", "ERROR: Sign in to confirm your age", streamerr.KindAuth, true},
		{"rate limit", "ERROR: Too many requests, try later", streamerr.KindRateLimit, true},
		{"network", "ERROR: unable to connect", streamerr.KindNetwork, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyExtractorError("abc123def45", errors.New(tt.stderr))
			se := streamerr.AsStreamError(err, models.SourceUnknown)
			assert.Equal(t, tt.wantKind, se.Kind)
			assert.Equal(t, tt.wantRetryable, se.Retryable)
		})
	}
}

func TestYouTubeBadURL(t *testing.T) {
	r := NewYouTubeResolver(ytConfig(), testLogger())
	ref := newRef(models.SourceYouTube, "https://example.com/not-youtube")
	_, err := r.Resolve(context.Background(), ref, false)
	require.Error(t, err)
	se := streamerr.AsStreamError(err, models.SourceUnknown)
	assert.False(t, se.Retryable)
}
