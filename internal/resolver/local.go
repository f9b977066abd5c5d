package resolver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmylchreest/chanarr/internal/config"
	"github.com/jmylchreest/chanarr/internal/models"
	"github.com/jmylchreest/chanarr/internal/streamerr"
)

// LocalResolver verifies local file paths and returns them for the
// transcoder to read directly. Local paths never expire, so it keeps no
// cache.
type LocalResolver struct {
	cfg config.LocalConfig
}

// NewLocalResolver creates a local file resolver.
func NewLocalResolver(cfg config.LocalConfig) *LocalResolver {
	return &LocalResolver{cfg: cfg}
}

// Kind returns the source kind this resolver handles.
func (r *LocalResolver) Kind() models.SourceKind { return models.SourceLocal }

// CanHandle reports whether the ref looks like a local file.
func (r *LocalResolver) CanHandle(ref *models.MediaRef) bool {
	if ref.Kind == models.SourceLocal {
		return true
	}
	return strings.HasPrefix(ref.URL, "/") || strings.HasPrefix(ref.URL, "file://")
}

// CacheKey returns "local:{path}".
func (r *LocalResolver) CacheKey(ref *models.MediaRef) string {
	return "local:" + normalizePath(ref.URL)
}

// normalizePath expands file:// URLs and cleans the path.
func normalizePath(path string) string {
	path = strings.TrimPrefix(path, "file://")
	return filepath.Clean(path)
}

// pathAllowed checks the path against the configured whitelist.
func (r *LocalResolver) pathAllowed(path string) bool {
	if len(r.cfg.AllowedPaths) == 0 {
		return true
	}
	for _, allowed := range r.cfg.AllowedPaths {
		rel, err := filepath.Rel(filepath.Clean(allowed), path)
		if err != nil {
			continue
		}
		if rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel)) {
			return true
		}
	}
	return false
}

// Resolve verifies the path exists, is a regular file, is readable, and
// is inside the allowed paths. The absolute path is returned as the URL.
func (r *LocalResolver) Resolve(ctx context.Context, ref *models.MediaRef, force bool) (*models.ResolvedURL, error) {
	path := normalizePath(ref.URL)

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, streamerr.New(streamerr.KindFormat, models.SourceLocal,
			fmt.Sprintf("invalid path %q", path), err)
	}

	if !r.pathAllowed(abs) {
		return nil, streamerr.New(streamerr.KindPermission, models.SourceLocal,
			fmt.Sprintf("path %q is outside allowed paths", abs), nil)
	}

	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, streamerr.New(streamerr.KindPermission, models.SourceLocal,
				fmt.Sprintf("file does not exist: %s", abs), err)
		}
		return nil, streamerr.New(streamerr.KindPermission, models.SourceLocal,
			fmt.Sprintf("cannot stat %s", abs), err)
	}
	if !info.Mode().IsRegular() {
		return nil, streamerr.New(streamerr.KindPermission, models.SourceLocal,
			fmt.Sprintf("not a regular file: %s", abs), nil)
	}

	f, err := os.Open(abs)
	if err != nil {
		return nil, streamerr.New(streamerr.KindPermission, models.SourceLocal,
			fmt.Sprintf("file not readable: %s", abs), err)
	}
	f.Close()

	return &models.ResolvedURL{
		URL:  abs,
		Kind: models.SourceLocal,
	}, nil
}
