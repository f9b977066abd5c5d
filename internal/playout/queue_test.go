package playout

import (
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

// seedChannel inserts a channel with three back-to-back half-hour items
// starting at base.
func seedChannel(t *testing.T, db *database.DB, base time.Time) (models.ULID, []models.ULID) {
	t.Helper()

	ch := &models.Channel{Number: 1, Name: "Test"}
	require.NoError(t, db.Create(ch).Error)

	repo := repository.NewPlayoutRepository(db.DB)
	var itemIDs []models.ULID
	for i := 0; i < 3; i++ {
		ref := &models.MediaRef{Kind: models.SourceLocal, URL: "/media/x.mkv", Title: "Item"}
		require.NoError(t, db.Create(ref).Error)

		item := &models.PlayoutItem{
			ChannelID:      ch.ID,
			MediaRefID:     ref.ID,
			ScheduledStart: base.Add(time.Duration(i) * 30 * time.Minute),
			Duration:       30 * time.Minute,
		}
		require.NoError(t, repo.Insert(context.Background(), item))
		itemIDs = append(itemIDs, item.ID)
	}
	return ch.ID, itemIDs
}

func TestCurrentAndSeekOffset(t *testing.T) {
	db := testDB(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	channelID, itemIDs := seedChannel(t, db, base)

	queue := NewQueue(repository.NewPlayoutRepository(db.DB))

	// Ten minutes into the first item.
	at := base.Add(10 * time.Minute)
	item, seek, err := queue.CurrentAt(context.Background(), channelID, at)
	require.NoError(t, err)
	assert.Equal(t, itemIDs[0], item.ID)
	assert.Equal(t, 10*time.Minute, seek)
	require.NotNil(t, item.MediaRef, "media ref preloaded")

	// Exactly at the second item's start.
	item, seek, err = queue.CurrentAt(context.Background(), channelID, base.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, itemIDs[1], item.ID)
	assert.Zero(t, seek)

	// Before the window: nothing scheduled.
	_, _, err = queue.CurrentAt(context.Background(), channelID, base.Add(-time.Minute))
	assert.ErrorIs(t, err, ErrNothingScheduled)

	// After the window ends.
	_, _, err = queue.CurrentAt(context.Background(), channelID, base.Add(2*time.Hour))
	assert.ErrorIs(t, err, ErrNothingScheduled)
}

func TestNextAndEndOfWindow(t *testing.T) {
	db := testDB(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	channelID, itemIDs := seedChannel(t, db, base)

	queue := NewQueue(repository.NewPlayoutRepository(db.DB))

	item, _, err := queue.CurrentAt(context.Background(), channelID, base)
	require.NoError(t, err)

	next, err := queue.Next(context.Background(), item)
	require.NoError(t, err)
	assert.Equal(t, itemIDs[1], next.ID)

	last, err := queue.Next(context.Background(), next)
	require.NoError(t, err)
	assert.Equal(t, itemIDs[2], last.ID)

	_, err = queue.Next(context.Background(), last)
	assert.ErrorIs(t, err, ErrEndOfWindow)
}

// advance(current(t)) ; current(t+eps) equals next(current(t)) when the
// schedule has no gaps.
func TestAdvanceCurrentEqualsNext(t *testing.T) {
	db := testDB(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	channelID, _ := seedChannel(t, db, base)

	queue := NewQueue(repository.NewPlayoutRepository(db.DB))
	ctx := context.Background()

	current, _, err := queue.CurrentAt(ctx, channelID, base.Add(29*time.Minute))
	require.NoError(t, err)

	next, err := queue.Next(ctx, current)
	require.NoError(t, err)

	require.NoError(t, queue.Advance(ctx, current))

	after, _, err := queue.CurrentAt(ctx, channelID, base.Add(30*time.Minute+time.Second))
	require.NoError(t, err)
	assert.Equal(t, next.ID, after.ID)
}

func TestAdvanceMarksConsumed(t *testing.T) {
	db := testDB(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	channelID, itemIDs := seedChannel(t, db, base)

	queue := NewQueue(repository.NewPlayoutRepository(db.DB))
	ctx := context.Background()

	item, _, err := queue.CurrentAt(ctx, channelID, base)
	require.NoError(t, err)
	require.NoError(t, queue.Advance(ctx, item))

	var stored models.PlayoutItem
	require.NoError(t, db.First(&stored, "id = ?", itemIDs[0]).Error)
	assert.True(t, stored.Consumed)
}

func TestPruneConsumed(t *testing.T) {
	db := testDB(t)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	channelID, _ := seedChannel(t, db, base)

	repo := repository.NewPlayoutRepository(db.DB)
	queue := NewQueue(repo)
	ctx := context.Background()

	item, _, err := queue.CurrentAt(ctx, channelID, base)
	require.NoError(t, err)
	require.NoError(t, queue.Advance(ctx, item))

	// Cutoff before the item: nothing pruned.
	pruned, err := repo.PruneConsumed(ctx, base.Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, pruned)

	// Cutoff after: the consumed item goes, unconsumed ones stay.
	pruned, err = repo.PruneConsumed(ctx, base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), pruned)
}
