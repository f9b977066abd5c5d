package resolver

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/jmylchreest/chanarr/internal/config"
	"github.com/jmylchreest/chanarr/internal/models"
	"github.com/jmylchreest/chanarr/internal/streamerr"
)

var (
	jellyfinItemPattern   = regexp.MustCompile(`/Items/([^/?\s]+)`)
	jellyfinServerPattern = regexp.MustCompile(`(https?://[^/]+)`)
	jellyfinKeyPattern    = regexp.MustCompile(`api_key=([^&]+)`)
)

// JellyfinResolver resolves Jellyfin and Emby items to API-key-based
// direct download URLs. The two servers share an API; only the auth
// header differs. These URLs do not expire.
type JellyfinResolver struct {
	cfg  config.JellyfinConfig
	kind models.SourceKind // SourceJellyfin or SourceEmby

	mu    sync.Mutex
	cache map[string]*models.CachedURL
}

// NewJellyfinResolver creates a resolver for Jellyfin servers.
func NewJellyfinResolver(cfg config.JellyfinConfig) *JellyfinResolver {
	return &JellyfinResolver{cfg: cfg, kind: models.SourceJellyfin, cache: make(map[string]*models.CachedURL)}
}

// NewEmbyResolver creates a resolver for Emby servers.
func NewEmbyResolver(cfg config.JellyfinConfig) *JellyfinResolver {
	return &JellyfinResolver{cfg: cfg, kind: models.SourceEmby, cache: make(map[string]*models.CachedURL)}
}

// Kind returns the source kind this resolver handles.
func (r *JellyfinResolver) Kind() models.SourceKind { return r.kind }

// CanHandle reports whether the ref looks like an item on this server kind.
func (r *JellyfinResolver) CanHandle(ref *models.MediaRef) bool {
	if ref.Kind == r.kind {
		return true
	}
	url := strings.ToLower(ref.URL)
	return strings.Contains(url, ":8096") || strings.Contains(url, string(r.kind))
}

// CacheKey returns "{kind}:{item_id}".
func (r *JellyfinResolver) CacheKey(ref *models.MediaRef) string {
	if id := r.itemID(ref); id != "" {
		return string(r.kind) + ":" + id
	}
	return string(r.kind) + ":" + ref.ID.String()
}

func (r *JellyfinResolver) itemID(ref *models.MediaRef) string {
	if id := ref.Meta("item_id"); id != "" {
		return id
	}
	if m := jellyfinItemPattern.FindStringSubmatch(ref.URL); m != nil {
		return m[1]
	}
	return ""
}

// Resolve builds the direct download URL for the item.
func (r *JellyfinResolver) Resolve(ctx context.Context, ref *models.MediaRef, force bool) (*models.ResolvedURL, error) {
	key := r.CacheKey(ref)

	if !force {
		r.mu.Lock()
		cached, ok := r.cache[key]
		r.mu.Unlock()
		if ok && cached.Valid(time.Now()) {
			return cached.Resolved, nil
		}
	}

	itemID := r.itemID(ref)
	serverURL := ref.Meta("server_url")
	apiKey := ref.Meta("api_key")

	if serverURL == "" {
		if m := jellyfinServerPattern.FindStringSubmatch(ref.URL); m != nil {
			serverURL = m[1]
		}
	}
	if apiKey == "" {
		if m := jellyfinKeyPattern.FindStringSubmatch(ref.URL); m != nil {
			apiKey = m[1]
		}
	}
	if serverURL == "" {
		serverURL = r.cfg.ServerURL
	}
	if apiKey == "" {
		apiKey = r.cfg.APIKey
	}

	if itemID == "" || serverURL == "" || apiKey == "" {
		return nil, streamerr.New(streamerr.KindAuth, r.kind,
			fmt.Sprintf("missing %s connection info (server_url, api_key, or item_id)", r.kind), nil)
	}

	streamURL := fmt.Sprintf("%s/Items/%s/Download?api_key=%s", serverURL, itemID, apiKey)

	headers := map[string]string{}
	if r.kind == models.SourceEmby {
		headers["X-Emby-Token"] = apiKey
	} else {
		headers["Authorization"] = fmt.Sprintf("MediaBrowser Token=%q", apiKey)
	}

	resolved := &models.ResolvedURL{
		URL:     streamURL,
		Kind:    r.kind,
		Headers: headers,
		Metadata: map[string]string{
			"item_id":    itemID,
			"server_url": serverURL,
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
