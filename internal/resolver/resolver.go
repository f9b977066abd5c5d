// Package resolver converts abstract MediaRefs into concrete streamable
// URLs. A registry dispatches to per-source resolvers and maintains a
// unified cache with expiration tracking; a background sweep re-resolves
// entries that are close to expiry.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jmylchreest/chanarr/internal/models"
	"github.com/jmylchreest/chanarr/internal/streamerr"
)

// ErrNoResolver is returned when no resolver can handle a media ref.
var ErrNoResolver = errors.New("no resolver for media ref")

// Resolver resolves media refs of one source kind.
type Resolver interface {
	// Kind returns the source kind this resolver handles.
	Kind() models.SourceKind

	// CanHandle reports whether this resolver can resolve the ref.
	CanHandle(ref *models.MediaRef) bool

	// Resolve converts the ref into a streamable URL. Implementations
	// consult their own cache unless force is set.
	Resolve(ctx context.Context, ref *models.MediaRef, force bool) (*models.ResolvedURL, error)

	// CacheKey returns the stable per-item cache key for the ref.
	CacheKey(ref *models.MediaRef) string
}

// cacheEntry pairs a cached URL with the ref that produced it so the
// background sweep can re-resolve without the original caller.
type cacheEntry struct {
	cached models.CachedURL
	ref    *models.MediaRef
}

// Registry routes media refs to source-specific resolvers and owns the
// unified URL cache.
type Registry struct {
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	resolvers []Resolver
	cache     map[string]*cacheEntry
}

// NewRegistry creates a registry with the given resolvers, in dispatch
// priority order.
func NewRegistry(logger *slog.Logger, resolvers ...Resolver) *Registry {
	return &Registry{
		logger:    logger,
		now:       time.Now,
		resolvers: resolvers,
		cache:     make(map[string]*cacheEntry),
	}
}

// WithClock overrides the registry clock. Test hook.
func (r *Registry) WithClock(now func() time.Time) *Registry {
	r.now = now
	return r
}

// Register adds a resolver to the registry.
func (r *Registry) Register(res Resolver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resolvers = append(r.resolvers, res)
}

// DetectKind determines the source kind for a ref. Detection order:
// explicit kind, source-specific metadata fields, URL pattern match.
func (r *Registry) DetectKind(ref *models.MediaRef) models.SourceKind {
	if ref.Kind != "" && ref.Kind != models.SourceUnknown {
		return ref.Kind
	}

	// Archive.org items imported from older libraries often carry the
	// identifier without the kind being set.
	if ref.Meta("identifier") != "" || ref.Meta("archive_org_identifier") != "" {
		return models.SourceArchiveOrg
	}
	if ref.Meta("rating_key") != "" || ref.Meta("ratingKey") != "" {
		return models.SourcePlex
	}
	if ref.Meta("item_id") != "" {
		return models.SourceJellyfin
	}

	url := strings.ToLower(ref.URL)
	switch {
	case strings.Contains(url, "youtube.com"), strings.Contains(url, "youtu.be"):
		return models.SourceYouTube
	case strings.Contains(url, "archive.org"):
		return models.SourceArchiveOrg
	case strings.HasPrefix(url, "/"), strings.HasPrefix(url, "file://"):
		return models.SourceLocal
	case strings.Contains(url, ":32400"), strings.Contains(url, "/library/metadata/"), strings.Contains(url, "plex"):
		return models.SourcePlex
	case strings.Contains(url, ":8096"), strings.Contains(url, "jellyfin"):
		return models.SourceJellyfin
	}

	return models.SourceUnknown
}

// resolverFor finds the resolver for a ref, preferring an exact kind
// match then falling through to CanHandle probing.
func (r *Registry) resolverFor(ref *models.MediaRef, kind models.SourceKind) Resolver {
	r.mu.Lock()
	resolvers := make([]Resolver, len(r.resolvers))
	copy(resolvers, r.resolvers)
	r.mu.Unlock()

	for _, res := range resolvers {
		if res.Kind() == kind {
			return res
		}
	}
	for _, res := range resolvers {
		if res.CanHandle(ref) {
			return res
		}
	}
	return nil
}

// Resolve converts a ref into a streamable URL, serving from cache unless
// the entry expired or force is set. Resolution errors carry a retryable
// flag; the registry never retries internally.
func (r *Registry) Resolve(ctx context.Context, ref *models.MediaRef, force bool) (*models.ResolvedURL, error) {
	kind := r.DetectKind(ref)
	res := r.resolverFor(ref, kind)

	if res == nil {
		// Last resort: treat the URL as the already-resolved stream.
		if ref.URL != "" {
			r.logger.Warn("no resolver matched, using URL directly",
				slog.String("kind", kind.String()),
				slog.String("ref_id", ref.ID.String()))
			return &models.ResolvedURL{URL: ref.URL, Kind: kind}, nil
		}
		return nil, streamerr.New(streamerr.KindUnknown, kind, "no resolver for media ref", ErrNoResolver)
	}

	key := res.CacheKey(ref)
	now := r.now()

	if !force {
		if cached := r.lookup(key, now); cached != nil {
			return cached, nil
		}
	}

	resolved, err := res.Resolve(ctx, ref, force)
	if err != nil {
		r.recordError(key, err)
		return nil, err
	}

	if resolved.ExpiresAt != nil && !resolved.ExpiresAt.After(now) {
		return nil, streamerr.New(streamerr.KindExpiration, kind,
			fmt.Sprintf("resolver emitted already-expired URL (expires_at=%s)", resolved.ExpiresAt), nil)
	}

	r.store(key, ref, resolved, now)
	return resolved, nil
}

// lookup returns a valid cached URL or nil, evicting invalid entries.
func (r *Registry) lookup(key string, now time.Time) *models.ResolvedURL {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.cache[key]
	if !ok {
		return nil
	}
	if !entry.cached.Valid(now) {
		delete(r.cache, key)
		return nil
	}
	return entry.cached.Resolved
}

func (r *Registry) store(key string, ref *models.MediaRef, resolved *models.ResolvedURL, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	refreshCount := 0
	if prev, ok := r.cache[key]; ok {
		refreshCount = prev.cached.RefreshCount + 1
	}
	r.cache[key] = &cacheEntry{
		cached: models.CachedURL{
			CacheKey:     key,
			Resolved:     resolved,
			ResolvedAt:   now,
			RefreshCount: refreshCount,
		},
		ref: ref,
	}
}

func (r *Registry) recordError(key string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if entry, ok := r.cache[key]; ok {
		entry.cached.LastError = err.Error()
	}
}

// RefreshIfExpiring re-resolves a ref when its cached URL is expired or
// within threshold of expiry. Returns nil when no refresh was needed.
func (r *Registry) RefreshIfExpiring(ctx context.Context, ref *models.MediaRef, threshold time.Duration) (*models.ResolvedURL, error) {
	kind := r.DetectKind(ref)
	res := r.resolverFor(ref, kind)
	if res == nil {
		return nil, streamerr.New(streamerr.KindUnknown, kind, "no resolver for media ref", ErrNoResolver)
	}

	key := res.CacheKey(ref)
	now := r.now()

	r.mu.Lock()
	entry, ok := r.cache[key]
	r.mu.Unlock()

	if ok && entry.cached.Valid(now) && !entry.cached.NeedsRefresh(now, threshold) {
		return nil, nil
	}

	return r.Resolve(ctx, ref, true)
}

// ExpiringEntries returns cached entries due for proactive refresh.
func (r *Registry) ExpiringEntries(threshold time.Duration) []models.CachedURL {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	var due []models.CachedURL
	for _, entry := range r.cache {
		if entry.cached.NeedsRefresh(now, threshold) {
			due = append(due, entry.cached)
		}
	}
	return due
}

// RefreshExpiring re-resolves every cached entry within threshold of
// expiry. Used by the background sweep; failures are logged and counted,
// not fatal.
func (r *Registry) RefreshExpiring(ctx context.Context, threshold time.Duration) (refreshed, failed int) {
	r.mu.Lock()
	var due []*cacheEntry
	now := r.now()
	for _, entry := range r.cache {
		if entry.cached.NeedsRefresh(now, threshold) {
			due = append(due, entry)
		}
	}
	r.mu.Unlock()

	for _, entry := range due {
		if _, err := r.Resolve(ctx, entry.ref, true); err != nil {
			failed++
			r.logger.Warn("proactive refresh failed",
				slog.String("cache_key", entry.cached.CacheKey),
				slog.String("error", err.Error()))
			continue
		}
		refreshed++
	}
	return refreshed, failed
}

// Invalidate removes the cached URL for a ref unconditionally.
func (r *Registry) Invalidate(ref *models.MediaRef) {
	kind := r.DetectKind(ref)
	res := r.resolverFor(ref, kind)
	if res == nil {
		return
	}
	key := res.CacheKey(ref)

	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, key)
}

// Clear removes all cached URLs. Returns the number of entries removed.
func (r *Registry) Clear() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.cache)
	r.cache = make(map[string]*cacheEntry)
	return n
}

// Stats summarizes the cache by source kind.
func (r *Registry) Stats() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := map[string]int{"total": len(r.cache)}
	for _, entry := range r.cache {
		if entry.cached.Resolved != nil {
			stats[entry.cached.Resolved.Kind.String()]++
		}
	}
	return stats
}
