package epg

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmylchreest/chanarr/internal/config"
	"github.com/jmylchreest/chanarr/internal/database"
	"github.com/jmylchreest/chanarr/internal/models"
	"github.com/jmylchreest/chanarr/internal/repository"
)

func testDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    filepath.Join(t.TempDir(), "test.db"),
	}, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	require.NoError(t, db.Migrate())
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestWriteTo(t *testing.T) {
	db := testDB(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	ch := &models.Channel{Number: 7, Name: "Retro & Classics"}
	require.NoError(t, db.Create(ch).Error)

	ref := &models.MediaRef{Kind: models.SourceLocal, URL: "/media/movie.mkv", Title: "Night of the <Living> Dead"}
	require.NoError(t, db.Create(ref).Error)

	playoutRepo := repository.NewPlayoutRepository(db.DB)
	item := &models.PlayoutItem{
		ChannelID:      ch.ID,
		MediaRefID:     ref.ID,
		ScheduledStart: base.Add(time.Hour),
		Duration:       90 * time.Minute,
	}
	require.NoError(t, playoutRepo.Insert(context.Background(), item))

	gen := NewGenerator(repository.NewChannelRepository(db.DB), playoutRepo, 7).
		WithClock(func() time.Time { return base })

	var buf bytes.Buffer
	require.NoError(t, gen.WriteTo(context.Background(), &buf))
	out := buf.String()

	assert.Contains(t, out, `<?xml version="1.0" encoding="UTF-8"?>`)
	assert.Contains(t, out, `<channel id="chanarr.7">`)
	assert.Contains(t, out, `<display-name>Retro &amp; Classics</display-name>`)
	assert.Contains(t, out, `<display-name>7</display-name>`)
	assert.Contains(t, out, `start="20260301130000 +0000"`)
	assert.Contains(t, out, `stop="20260301143000 +0000"`)
	assert.Contains(t, out, `Night of the &lt;Living&gt; Dead`)
	assert.Contains(t, out, `</tv>`)
}

func TestWriteToExcludesOutsideWindow(t *testing.T) {
	db := testDB(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	ch := &models.Channel{Number: 1, Name: "Test"}
	require.NoError(t, db.Create(ch).Error)

	ref := &models.MediaRef{Kind: models.SourceLocal, URL: "/media/x.mkv", Title: "Past Item"}
	require.NoError(t, db.Create(ref).Error)

	playoutRepo := repository.NewPlayoutRepository(db.DB)
	past := &models.PlayoutItem{
		ChannelID:      ch.ID,
		MediaRefID:     ref.ID,
		ScheduledStart: base.Add(-2 * time.Hour),
		Duration:       time.Hour,
	}
	require.NoError(t, playoutRepo.Insert(context.Background(), past))

	gen := NewGenerator(repository.NewChannelRepository(db.DB), playoutRepo, 7).
		WithClock(func() time.Time { return base })

	var buf bytes.Buffer
	require.NoError(t, gen.WriteTo(context.Background(), &buf))
	assert.NotContains(t, buf.String(), "Past Item")
}
