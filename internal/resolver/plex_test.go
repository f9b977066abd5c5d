package resolver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/chanarr/internal/config"
	"github.com/jmylchreest/chanarr/internal/httpclient"
	"github.com/jmylchreest/chanarr/internal/models"
	"github.com/jmylchreest/chanarr/internal/streamerr"
)

func testClient() *httpclient.Client {
	cfg := httpclient.DefaultConfig()
	cfg.Logger = testLogger()
	cfg.RetryAttempts = 0
	return httpclient.New(cfg)
}

func plexMetadataHandler(t *testing.T, partKey string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/library/metadata/1234", r.URL.Path)
		assert.Equal(t, "secret-token", r.URL.Query().Get("X-Plex-Token"))

		resp := map[string]any{
			"MediaContainer": map[string]any{
				"Metadata": []any{
					map[string]any{
						"Media": []any{
							map[string]any{
								"Part": []any{
									map[string]any{"key": partKey},
								},
							},
						},
					},
				},
			},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

func TestPlexResolve(t *testing.T) {
	srv := httptest.NewServer(plexMetadataHandler(t, "/library/parts/99/file.mkv"))
	defer srv.Close()

	cfg := config.PlexConfig{ServerURL: srv.URL, Token: "secret-token"}
	r := NewPlexResolver(cfg, testClient(), testLogger())

	ref := newRef(models.SourcePlex, "")
	ref.Metadata = models.JSONMap{"rating_key": "1234"}

	before := time.Now()
	resolved, err := r.Resolve(context.Background(), ref, false)
	require.NoError(t, err)

	assert.Equal(t, srv.URL+"/library/parts/99/file.mkv?X-Plex-Token=secret-token", resolved.URL)
	assert.Equal(t, "secret-token", resolved.Headers["X-Plex-Token"])

	// Plex URLs force refresh every two hours.
	require.NotNil(t, resolved.ExpiresAt)
	assert.WithinDuration(t, before.Add(2*time.Hour), *resolved.ExpiresAt, time.Minute)
}

func TestPlexResolveFromURL(t *testing.T) {
	srv := httptest.NewServer(plexMetadataHandler(t, "/library/parts/99/file.mkv"))
	defer srv.Close()

	r := NewPlexResolver(config.PlexConfig{}, testClient(), testLogger())

	// Everything embedded in the ref URL.
	ref := newRef(models.SourcePlex, srv.URL+"/library/metadata/1234?X-Plex-Token=secret-token")
	resolved, err := r.Resolve(context.Background(), ref, false)
	require.NoError(t, err)
	assert.Contains(t, resolved.URL, "/library/parts/99/file.mkv")
}

func TestPlexLibraryRegistryFallback(t *testing.T) {
	srv := httptest.NewServer(plexMetadataHandler(t, "/library/parts/99/file.mkv"))
	defer srv.Close()

	cfg := config.PlexConfig{
		Libraries: []config.PlexLibrary{
			{Name: "movies", ServerURL: srv.URL, Token: "secret-token"},
		},
	}
	r := NewPlexResolver(cfg, testClient(), testLogger())

	ref := newRef(models.SourcePlex, "")
	ref.LibraryID = "movies"
	ref.Metadata = models.JSONMap{"rating_key": "1234"}

	resolved, err := r.Resolve(context.Background(), ref, false)
	require.NoError(t, err)
	assert.Contains(t, resolved.URL, "X-Plex-Token=secret-token")
}

func TestPlexMissingInfo(t *testing.T) {
	r := NewPlexResolver(config.PlexConfig{}, testClient(), testLogger())

	ref := newRef(models.SourcePlex, "")
	_, err := r.Resolve(context.Background(), ref, false)
	require.Error(t, err)

	se := streamerr.AsStreamError(err, models.SourceUnknown)
	assert.Equal(t, streamerr.KindAuth, se.Kind)
}

func TestPlexCacheKey(t *testing.T) {
	r := NewPlexResolver(config.PlexConfig{}, testClient(), testLogger())

	ref := newRef(models.SourcePlex, "http://server:32400/library/metadata/42?X-Plex-Token=t")
	assert.Equal(t, "plex:default:42", r.CacheKey(ref))
}
