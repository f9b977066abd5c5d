package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jmylchreest/chanarr/internal/models"
)

// PlayoutRepository provides access to the per-channel playout queue.
type PlayoutRepository struct {
	db *gorm.DB
}

// NewPlayoutRepository creates a playout repository.
func NewPlayoutRepository(db *gorm.DB) *PlayoutRepository {
	return &PlayoutRepository{db: db}
}

// Current returns the item whose scheduled window contains t, with its
// MediaRef preloaded. Returns ErrNotFound when nothing is scheduled at t.
func (r *PlayoutRepository) Current(ctx context.Context, channelID models.ULID, t time.Time) (*models.PlayoutItem, error) {
	var item models.PlayoutItem
	err := r.db.WithContext(ctx).
		Preload("MediaRef").
		Where("channel_id = ? AND scheduled_start <= ? AND consumed = ?", channelID, t, false).
		Order("scheduled_start DESC").
		First(&item).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying current item: %w", err)
	}

	if !item.Contains(t) {
		// The latest started item already ended; nothing covers t.
		return nil, ErrNotFound
	}
	return &item, nil
}

// Next returns the successor of item on its channel, or ErrNotFound when
// the window ends.
func (r *PlayoutRepository) Next(ctx context.Context, item *models.PlayoutItem) (*models.PlayoutItem, error) {
	var next models.PlayoutItem
	err := r.db.WithContext(ctx).
		Preload("MediaRef").
		Where("channel_id = ? AND scheduled_start > ?", item.ChannelID, item.ScheduledStart).
		Order("scheduled_start ASC").
		First(&next).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying next item: %w", err)
	}
	return &next, nil
}

// Advance marks an item consumed. This is the durable "item consumed"
// write on the playout path.
func (r *PlayoutRepository) Advance(ctx context.Context, itemID models.ULID) error {
	res := r.db.WithContext(ctx).
		Model(&models.PlayoutItem{}).
		Where("id = ?", itemID).
		Update("consumed", true)
	if res.Error != nil {
		return fmt.Errorf("marking item consumed: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Window returns all items for a channel whose windows intersect
// [from, to), ordered by scheduled start. Used by the XMLTV guide.
func (r *PlayoutRepository) Window(ctx context.Context, channelID models.ULID, from, to time.Time) ([]models.PlayoutItem, error) {
	var items []models.PlayoutItem
	err := r.db.WithContext(ctx).
		Preload("MediaRef").
		Where("channel_id = ? AND scheduled_start < ?", channelID, to).
		Order("scheduled_start ASC").
		Find(&items).Error
	if err != nil {
		return nil, fmt.Errorf("querying window: %w", err)
	}

	filtered := items[:0]
	for _, item := range items {
		if item.ScheduledEnd().After(from) {
			filtered = append(filtered, item)
		}
	}
	return filtered, nil
}

// PruneConsumed deletes consumed items scheduled to start before the cutoff.
// Returns the number of rows removed.
func (r *PlayoutRepository) PruneConsumed(ctx context.Context, cutoff time.Time) (int64, error) {
	res := r.db.WithContext(ctx).
		Where("consumed = ? AND scheduled_start < ?", true, cutoff).
		Delete(&models.PlayoutItem{})
	if res.Error != nil {
		return 0, fmt.Errorf("pruning consumed items: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// Insert adds items to a channel's queue. Used by the scheduling layer
// and by tests.
func (r *PlayoutRepository) Insert(ctx context.Context, items ...*models.PlayoutItem) error {
	for _, item := range items {
		if err := r.db.WithContext(ctx).Create(item).Error; err != nil {
			return fmt.Errorf("inserting playout item: %w", err)
		}
	}
	return nil
}
