package resolver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jmylchreest/chanarr/internal/config"
	"github.com/jmylchreest/chanarr/internal/httpclient"
	"github.com/jmylchreest/chanarr/internal/models"
	"github.com/jmylchreest/chanarr/internal/streamerr"
)

// plexExpiry is deliberately shorter than Plex's own token lifetime so the
// background sweep refreshes URLs well before they stop working.
const plexExpiry = 2 * time.Hour

var (
	plexRatingKeyPattern = regexp.MustCompile(`/library/metadata/(\d+)`)
	plexServerPattern    = regexp.MustCompile(`(https?://[^/]+)`)
	plexTokenPattern     = regexp.MustCompile(`X-Plex-Token=([^&]+)`)
)

// plexMetadataResponse is the subset of the Plex metadata API response
// needed to find the direct-file part key.
type plexMetadataResponse struct {
	MediaContainer struct {
		Metadata []struct {
			Media []struct {
				Part []struct {
					Key string `json:"key"`
				} `json:"Part"`
			} `json:"Media"`
		} `json:"Metadata"`
	} `json:"MediaContainer"`
}

// PlexResolver resolves Plex rating keys to direct-file stream URLs by
// querying the Plex metadata API.
type PlexResolver struct {
	cfg    config.PlexConfig
	client *httpclient.Client
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]*models.CachedURL
}

// NewPlexResolver creates a Plex resolver.
func NewPlexResolver(cfg config.PlexConfig, client *httpclient.Client, logger *slog.Logger) *PlexResolver {
	return &PlexResolver{
		cfg:    cfg,
		client: client,
		logger: logger,
		cache:  make(map[string]*models.CachedURL),
	}
}

// Kind returns the source kind this resolver handles.
func (r *PlexResolver) Kind() models.SourceKind { return models.SourcePlex }

// CanHandle reports whether the ref looks like a Plex item.
func (r *PlexResolver) CanHandle(ref *models.MediaRef) bool {
	if ref.Kind == models.SourcePlex {
		return true
	}
	url := strings.ToLower(ref.URL)
	return strings.Contains(url, ":32400") || strings.Contains(url, "/library/metadata/")
}

// CacheKey returns "plex:{library}:{rating_key}".
func (r *PlexResolver) CacheKey(ref *models.MediaRef) string {
	info := r.connectionInfo(ref)
	library := ref.LibraryID
	if library == "" {
		library = "default"
	}
	if info.ratingKey != "" {
		return fmt.Sprintf("plex:%s:%s", library, info.ratingKey)
	}
	return "plex:" + ref.ID.String()
}

type plexConnection struct {
	ratingKey string
	serverURL string
	token     string
}

// connectionInfo extracts rating key, server URL, and token from the ref,
// falling back to the configured library registry and then the global
// default.
func (r *PlexResolver) connectionInfo(ref *models.MediaRef) plexConnection {
	var info plexConnection

	if key := ref.Meta("rating_key"); key != "" {
		info.ratingKey = key
	} else if key := ref.Meta("ratingKey"); key != "" {
		info.ratingKey = key
	}
	info.serverURL = ref.Meta("server_url")
	info.token = ref.Meta("token")

	if info.ratingKey == "" {
		if m := plexRatingKeyPattern.FindStringSubmatch(ref.URL); m != nil {
			info.ratingKey = m[1]
		}
	}
	if info.serverURL == "" {
		if m := plexServerPattern.FindStringSubmatch(ref.URL); m != nil {
			info.serverURL = m[1]
		}
	}
	if info.token == "" {
		if m := plexTokenPattern.FindStringSubmatch(ref.URL); m != nil {
			info.token = m[1]
		}
	}

	// Per-library registry from configuration.
	if info.serverURL == "" || info.token == "" {
		for _, lib := range r.cfg.Libraries {
			if ref.LibraryID != "" && lib.Name != ref.LibraryID {
				continue
			}
			if info.serverURL == "" {
				info.serverURL = lib.ServerURL
			}
			if info.token == "" {
				info.token = lib.Token
			}
			break
		}
	}

	// Global default.
	if info.serverURL == "" {
		info.serverURL = r.cfg.ServerURL
	}
	if info.token == "" {
		info.token = r.cfg.Token
	}

	return info
}

// Resolve queries the Plex metadata API and builds the direct-file URL.
func (r *PlexResolver) Resolve(ctx context.Context, ref *models.MediaRef, force bool) (*models.ResolvedURL, error) {
	key := r.CacheKey(ref)

	if !force {
		r.mu.Lock()
		cached, ok := r.cache[key]
		r.mu.Unlock()
		if ok && cached.Valid(time.Now()) {
			return cached.Resolved, nil
		}
	}

	info := r.connectionInfo(ref)
	if info.ratingKey == "" || info.serverURL == "" || info.token == "" {
		return nil, streamerr.New(streamerr.KindAuth, models.SourcePlex,
			"missing Plex connection info (server_url, token, or rating_key)", nil)
	}

	metadataURL := fmt.Sprintf("%s/library/metadata/%s?X-Plex-Token=%s", info.serverURL, info.ratingKey, info.token)
	body, err := r.client.GetJSON(ctx, metadataURL, map[string]string{"Accept": "application/json"})
	if err != nil {
		return nil, streamerr.Classify(fmt.Errorf("plex metadata request for %s: %w", info.ratingKey, err), models.SourcePlex)
	}

	var meta plexMetadataResponse
	if err := json.Unmarshal(body, &meta); err != nil {
		return nil, streamerr.New(streamerr.KindStream, models.SourcePlex,
			fmt.Sprintf("parsing plex metadata for %s", info.ratingKey), err)
	}

	partKey := ""
	if len(meta.MediaContainer.Metadata) > 0 {
		md := meta.MediaContainer.Metadata[0]
		if len(md.Media) > 0 && len(md.Media[0].Part) > 0 {
			partKey = md.Media[0].Part[0].Key
		}
	}

	var streamURL string
	if partKey != "" {
		streamURL = fmt.Sprintf("%s%s?X-Plex-Token=%s", info.serverURL, partKey, info.token)
	} else {
		// Older servers answer the /file form even when the part walk fails.
		r.logger.Warn("no part key in plex metadata, using fallback URL",
			slog.String("rating_key", info.ratingKey))
		streamURL = fmt.Sprintf("%s/library/metadata/%s/file?X-Plex-Token=%s", info.serverURL, info.ratingKey, info.token)
	}

	expires := time.Now().Add(plexExpiry)
	resolved := &models.ResolvedURL{
		URL:       streamURL,
		Kind:      models.SourcePlex,
		ExpiresAt: &expires,
		Headers:   map[string]string{"X-Plex-Token": info.token},
		Metadata: map[string]string{
			"rating_key": info.ratingKey,
			"part_key":   partKey,
		},
	}

	r.mu.Lock()
	refreshCount := 0
	if prev, ok := r.cache[key]; ok {
		refreshCount = prev.RefreshCount + 1
	}
	r.cache[key] = &models.CachedURL{
		CacheKey:     key,
		Resolved:     resolved,
		ResolvedAt:   time.Now(),
		RefreshCount: refreshCount,
	}
	r.mu.Unlock()

	return resolved, nil
}
