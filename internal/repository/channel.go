// Package repository provides data access for chanarr's channel registry
// and playout queue.
package repository

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/jmylchreest/chanarr/internal/models"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ChannelRepository provides access to the channel registry.
type ChannelRepository struct {
	db *gorm.DB
}

// NewChannelRepository creates a channel repository.
func NewChannelRepository(db *gorm.DB) *ChannelRepository {
	return &ChannelRepository{db: db}
}

// GetByNumber returns the channel with the given tuner number.
func (r *ChannelRepository) GetByNumber(ctx context.Context, number int) (*models.Channel, error) {
	var ch models.Channel
	err := r.db.WithContext(ctx).Where("number = ?", number).First(&ch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting channel %d: %w", number, err)
	}
	return &ch, nil
}

// GetByID returns the channel with the given id.
func (r *ChannelRepository) GetByID(ctx context.Context, id models.ULID) (*models.Channel, error) {
	var ch models.Channel
	err := r.db.WithContext(ctx).First(&ch, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting channel %s: %w", id, err)
	}
	return &ch, nil
}

// List returns all channels ordered by number.
func (r *ChannelRepository) List(ctx context.Context) ([]models.Channel, error) {
	var channels []models.Channel
	if err := r.db.WithContext(ctx).Order("number").Find(&channels).Error; err != nil {
		return nil, fmt.Errorf("listing channels: %w", err)
	}
	return channels, nil
}

// ListAlwaysOn returns the channels that start eagerly at daemon startup.
func (r *ChannelRepository) ListAlwaysOn(ctx context.Context) ([]models.Channel, error) {
	var channels []models.Channel
	if err := r.db.WithContext(ctx).Where("always_on = ?", true).Order("number").Find(&channels).Error; err != nil {
		return nil, fmt.Errorf("listing always-on channels: %w", err)
	}
	return channels, nil
}

// Upsert creates or updates a channel keyed by number.
func (r *ChannelRepository) Upsert(ctx context.Context, ch *models.Channel) error {
	var existing models.Channel
	err := r.db.WithContext(ctx).Where("number = ?", ch.Number).First(&existing).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		if err := r.db.WithContext(ctx).Create(ch).Error; err != nil {
			return fmt.Errorf("creating channel %d: %w", ch.Number, err)
		}
		return nil
	case err != nil:
		return fmt.Errorf("looking up channel %d: %w", ch.Number, err)
	}

	ch.ID = existing.ID
	ch.CreatedAt = existing.CreatedAt
	if err := r.db.WithContext(ctx).Save(ch).Error; err != nil {
		return fmt.Errorf("updating channel %d: %w", ch.Number, err)
	}
	return nil
}

// FillerRefs loads the channel's filler playlist in order.
func (r *ChannelRepository) FillerRefs(ctx context.Context, ch *models.Channel) ([]models.MediaRef, error) {
	if len(ch.FillerRefIDs) == 0 {
		return nil, nil
	}

	var refs []models.MediaRef
	if err := r.db.WithContext(ctx).Find(&refs, "id IN ?", ch.FillerRefIDs).Error; err != nil {
		return nil, fmt.Errorf("loading filler refs: %w", err)
	}

	// Restore playlist order; Find returns rows in storage order.
	byID := make(map[models.ULID]models.MediaRef, len(refs))
	for _, ref := range refs {
		byID[ref.ID] = ref
	}
	ordered := make([]models.MediaRef, 0, len(ch.FillerRefIDs))
	for _, id := range ch.FillerRefIDs {
		if ref, ok := byID[id]; ok {
			ordered = append(ordered, ref)
		}
	}
	return ordered, nil
}
