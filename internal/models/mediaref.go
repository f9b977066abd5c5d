package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"gorm.io/gorm"
)

// SourceKind identifies the library a media item comes from.
type SourceKind string

// Known source kinds.
const (
	SourceLocal      SourceKind = "local"
	SourcePlex       SourceKind = "plex"
	SourceJellyfin   SourceKind = "jellyfin"
	SourceEmby       SourceKind = "emby"
	SourceYouTube    SourceKind = "youtube"
	SourceArchiveOrg SourceKind = "archive_org"
	SourceUnknown    SourceKind = "unknown"
)

// String returns the source kind as a string.
func (k SourceKind) String() string { return string(k) }

// MediaRef is an abstract reference to an item in an external library.
// It is created by the library layer and immutable to the streaming core.
type MediaRef struct {
	BaseModel

	// Kind is the library the item belongs to. When empty the resolver
	// registry detects the kind from metadata and URL patterns.
	Kind SourceKind `gorm:"size:32;index" json:"kind"`

	// Title is the display title for the guide.
	Title string `gorm:"size:512" json:"title"`

	// URL is the opaque source locator: a file path for local items, a
	// watch/details URL for YouTube and Archive.org, a
	// /library/metadata/{key} URL for Plex.
	URL string `gorm:"size:4096" json:"url"`

	// Duration is the probed duration if known; zero means unknown.
	Duration time.Duration `json:"duration"`

	// Metadata carries source-specific fields as JSON: Archive.org
	// identifier/filename, Plex rating key/server/token, Jellyfin item id.
	Metadata JSONMap `gorm:"type:text" json:"metadata,omitempty"`

	// LibraryID links the ref to a configured library connection (Plex).
	LibraryID string `gorm:"size:64" json:"library_id,omitempty"`
}

// TableName returns the table name for MediaRef.
func (MediaRef) TableName() string { return "media_refs" }

// Meta returns the metadata value for key, or "" when absent.
func (r *MediaRef) Meta(key string) string {
	if r.Metadata == nil {
		return ""
	}
	if v, ok := r.Metadata[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// JSONMap stores a string-keyed map as a JSON text column.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(value any) error {
	if value == nil {
		*m = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	}
	return gorm.ErrInvalidData
}
