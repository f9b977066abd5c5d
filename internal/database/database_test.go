package database

import (
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/chanarr/internal/config"
	"github.com/jmylchreest/chanarr/internal/models"
)

func TestOpenAndMigrateSQLite(t *testing.T) {
	db, err := New(config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "test.db"),
	}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer db.Close()

	require.NoError(t, db.Migrate())

	// Round-trip a channel with a ULID key and a JSON playlist column.
	refID := models.NewULID()
	ch := &models.Channel{
		Number:       42,
		Name:         "Test Channel",
		AlwaysOn:     true,
		FillerRefIDs: models.ULIDList{refID},
	}
	require.NoError(t, db.Create(ch).Error)
	assert.False(t, ch.ID.IsZero(), "BeforeCreate assigns a ULID")

	var got models.Channel
	require.NoError(t, db.First(&got, "number = ?", 42).Error)
	assert.Equal(t, ch.ID, got.ID)
	assert.True(t, got.AlwaysOn)
	require.Len(t, got.FillerRefIDs, 1)
	assert.Equal(t, refID, got.FillerRefIDs[0])
}

func TestMediaRefMetadataRoundTrip(t *testing.T) {
	db, err := New(config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "test.db"),
	}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.Migrate())

	ref := &models.MediaRef{
		Kind:     models.SourceArchiveOrg,
		Title:    "Some Film",
		URL:      "https://archive.org/details/some_film",
		Duration: 90 * time.Minute,
		Metadata: models.JSONMap{"identifier": "some_film", "filename": "film.mp4"},
	}
	require.NoError(t, db.Create(ref).Error)

	var got models.MediaRef
	require.NoError(t, db.First(&got, "id = ?", ref.ID).Error)
	assert.Equal(t, "some_film", got.Meta("identifier"))
	assert.Equal(t, "film.mp4", got.Meta("filename"))
	assert.Equal(t, 90*time.Minute, got.Duration)
}

func TestUnsupportedDriver(t *testing.T) {
	_, err := New(config.DatabaseConfig{Driver: "oracle"}, slog.New(slog.DiscardHandler))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported database driver")
}
