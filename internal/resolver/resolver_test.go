package resolver

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/chanarr/internal/models"
	"github.com/jmylchreest/chanarr/internal/streamerr"
)

// fakeResolver resolves every ref it is told to handle, counting calls.
type fakeResolver struct {
	kind     models.SourceKind
	resolves int
	expireIn time.Duration // zero means never expires
	now      func() time.Time
	fail     error
}

func (f *fakeResolver) Kind() models.SourceKind { return f.kind }

func (f *fakeResolver) CanHandle(ref *models.MediaRef) bool { return ref.Kind == f.kind }

func (f *fakeResolver) CacheKey(ref *models.MediaRef) string {
	return string(f.kind) + ":" + ref.URL
}

func (f *fakeResolver) Resolve(_ context.Context, ref *models.MediaRef, _ bool) (*models.ResolvedURL, error) {
	if f.fail != nil {
		return nil, f.fail
	}
	f.resolves++
	resolved := &models.ResolvedURL{URL: "resolved://" + ref.URL, Kind: f.kind}
	if f.expireIn > 0 {
		expires := f.now().Add(f.expireIn)
		resolved.ExpiresAt = &expires
	}
	return resolved, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func newRef(kind models.SourceKind, url string) *models.MediaRef {
	ref := &models.MediaRef{Kind: kind, URL: url}
	ref.ID = models.NewULID()
	return ref
}

func TestDetectKind(t *testing.T) {
	registry := NewRegistry(testLogger())

	tests := []struct {
		name string
		ref  *models.MediaRef
		want models.SourceKind
	}{
		{"explicit kind wins", newRef(models.SourcePlex, "https://youtube.com/watch?v=123"), models.SourcePlex},
		{"youtube url", newRef("", "https://www.youtube.com/watch?v=dQw4w9WgXcQ"), models.SourceYouTube},
		{"youtu.be url", newRef("", "https://youtu.be/dQw4w9WgXcQ"), models.SourceYouTube},
		{"archive url", newRef("", "https://archive.org/details/some_item"), models.SourceArchiveOrg},
		{"absolute path", newRef("", "/media/movie.mkv"), models.SourceLocal},
		{"file url", newRef("", "file:///media/movie.mkv"), models.SourceLocal},
		{"plex port", newRef("", "http://10.0.0.2:32400/library/metadata/42"), models.SourcePlex},
		{"jellyfin port", newRef("", "http://10.0.0.2:8096/Items/abc"), models.SourceJellyfin},
		{"unknown", newRef("", "https://example.com/video.mp4"), models.SourceUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, registry.DetectKind(tt.ref))
		})
	}
}

func TestDetectKindFromMetadata(t *testing.T) {
	registry := NewRegistry(testLogger())

	ref := newRef("", "https://example.com/whatever")
	ref.Metadata = models.JSONMap{"identifier": "night_of_the_living_dead"}
	assert.Equal(t, models.SourceArchiveOrg, registry.DetectKind(ref))

	ref = newRef("", "https://example.com/whatever")
	ref.Metadata = models.JSONMap{"rating_key": "1234"}
	assert.Equal(t, models.SourcePlex, registry.DetectKind(ref))
}

func TestResolveCaches(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }

	fake := &fakeResolver{kind: models.SourceLocal, now: clock}
	registry := NewRegistry(testLogger(), fake).WithClock(clock)

	ref := newRef(models.SourceLocal, "/media/a.mkv")

	first, err := registry.Resolve(context.Background(), ref, false)
	require.NoError(t, err)
	second, err := registry.Resolve(context.Background(), ref, false)
	require.NoError(t, err)

	assert.Equal(t, first.URL, second.URL)
	assert.Equal(t, 1, fake.resolves, "second resolve should come from cache")
}

func TestResolveForceBypassesCache(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }

	fake := &fakeResolver{kind: models.SourceLocal, now: clock}
	registry := NewRegistry(testLogger(), fake).WithClock(clock)

	ref := newRef(models.SourceLocal, "/media/a.mkv")

	_, err := registry.Resolve(context.Background(), ref, false)
	require.NoError(t, err)
	_, err = registry.Resolve(context.Background(), ref, true)
	require.NoError(t, err)

	assert.Equal(t, 2, fake.resolves)
}

func TestResolveEvictsExpired(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }

	fake := &fakeResolver{kind: models.SourceYouTube, expireIn: time.Hour, now: clock}
	registry := NewRegistry(testLogger(), fake).WithClock(clock)

	ref := newRef(models.SourceYouTube, "dQw4w9WgXcQ")

	_, err := registry.Resolve(context.Background(), ref, false)
	require.NoError(t, err)

	// Advance past expiry: the cached entry is invalid and re-resolved.
	now = now.Add(2 * time.Hour)
	_, err = registry.Resolve(context.Background(), ref, false)
	require.NoError(t, err)
	assert.Equal(t, 2, fake.resolves)
}

func TestCachedURLNeverExpiredServed(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }

	fake := &fakeResolver{kind: models.SourceArchiveOrg, now: clock}
	registry := NewRegistry(testLogger(), fake).WithClock(clock)

	ref := newRef(models.SourceArchiveOrg, "https://archive.org/details/item")

	_, err := registry.Resolve(context.Background(), ref, false)
	require.NoError(t, err)

	now = now.Add(100 * 24 * time.Hour)
	_, err = registry.Resolve(context.Background(), ref, false)
	require.NoError(t, err)
	assert.Equal(t, 1, fake.resolves, "no-expiry entries stay cached")
}

func TestExpiringEntries(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }

	fake := &fakeResolver{kind: models.SourceYouTube, expireIn: 30 * time.Minute, now: clock}
	registry := NewRegistry(testLogger(), fake).WithClock(clock)

	ref := newRef(models.SourceYouTube, "dQw4w9WgXcQ")
	_, err := registry.Resolve(context.Background(), ref, false)
	require.NoError(t, err)

	// Expiring within an hour.
	due := registry.ExpiringEntries(time.Hour)
	require.Len(t, due, 1)

	// Not expiring within ten minutes.
	due = registry.ExpiringEntries(10 * time.Minute)
	assert.Empty(t, due)
}

func TestRefreshIfExpiring(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }

	fake := &fakeResolver{kind: models.SourceYouTube, expireIn: 30 * time.Minute, now: clock}
	registry := NewRegistry(testLogger(), fake).WithClock(clock)

	ref := newRef(models.SourceYouTube, "dQw4w9WgXcQ")
	_, err := registry.Resolve(context.Background(), ref, false)
	require.NoError(t, err)

	// Well clear of expiry: no refresh.
	refreshed, err := registry.RefreshIfExpiring(context.Background(), ref, 10*time.Minute)
	require.NoError(t, err)
	assert.Nil(t, refreshed)
	assert.Equal(t, 1, fake.resolves)

	// Within threshold: force refresh.
	refreshed, err = registry.RefreshIfExpiring(context.Background(), ref, time.Hour)
	require.NoError(t, err)
	require.NotNil(t, refreshed)
	assert.Equal(t, 2, fake.resolves)
}

func TestRefreshExpiringSweep(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }

	fake := &fakeResolver{kind: models.SourceYouTube, expireIn: 30 * time.Minute, now: clock}
	registry := NewRegistry(testLogger(), fake).WithClock(clock)

	ref := newRef(models.SourceYouTube, "dQw4w9WgXcQ")
	_, err := registry.Resolve(context.Background(), ref, false)
	require.NoError(t, err)

	refreshed, failed := registry.RefreshExpiring(context.Background(), time.Hour)
	assert.Equal(t, 1, refreshed)
	assert.Zero(t, failed)
	assert.Equal(t, 2, fake.resolves)
}

func TestInvalidateAndClear(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }

	fake := &fakeResolver{kind: models.SourceLocal, now: clock}
	registry := NewRegistry(testLogger(), fake).WithClock(clock)

	ref := newRef(models.SourceLocal, "/media/a.mkv")
	_, err := registry.Resolve(context.Background(), ref, false)
	require.NoError(t, err)

	registry.Invalidate(ref)
	_, err = registry.Resolve(context.Background(), ref, false)
	require.NoError(t, err)
	assert.Equal(t, 2, fake.resolves)

	assert.Equal(t, 1, registry.Clear())
	assert.Equal(t, 0, registry.Stats()["total"])
}

func TestResolveErrorsCarryRetryable(t *testing.T) {
	fail := streamerr.New(streamerr.KindPermission, models.SourceYouTube, "private video", nil)
	fake := &fakeResolver{kind: models.SourceYouTube, fail: fail}
	registry := NewRegistry(testLogger(), fake)

	ref := newRef(models.SourceYouTube, "dQw4w9WgXcQ")
	_, err := registry.Resolve(context.Background(), ref, false)
	require.Error(t, err)

	se := streamerr.AsStreamError(err, models.SourceUnknown)
	assert.False(t, se.Retryable)
	assert.Equal(t, streamerr.KindPermission, se.Kind)
}

func TestResolveFallsBackToRawURL(t *testing.T) {
	registry := NewRegistry(testLogger())

	ref := newRef("", "https://example.com/stream.ts")
	resolved, err := registry.Resolve(context.Background(), ref, false)
	require.NoError(t, err)
	assert.Equal(t, "https://example.com/stream.ts", resolved.URL)
}

func TestResolveRejectsAlreadyExpired(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }

	// expireIn negative is impossible through the struct, so emulate a
	// resolver that emits an expired URL directly.
	fake := &fakeResolver{kind: models.SourceYouTube, expireIn: time.Nanosecond, now: func() time.Time { return now.Add(-time.Hour) }}
	registry := NewRegistry(testLogger(), fake).WithClock(clock)

	ref := newRef(models.SourceYouTube, "dQw4w9WgXcQ")
	_, err := registry.Resolve(context.Background(), ref, false)
	require.Error(t, err)
	se := streamerr.AsStreamError(err, models.SourceUnknown)
	assert.Equal(t, streamerr.KindExpiration, se.Kind)
}
