package models

import "time"

// PlayoutItem is one scheduled slot in a channel's timeline. Items on a
// channel are ordered by ScheduledStart without overlap; the scheduler
// fills gaps with filler items before the queue is consumed.
type PlayoutItem struct {
	BaseModel

	ChannelID ULID `gorm:"type:varchar(26);not null;index:idx_channel_start" json:"channel_id"`

	MediaRefID ULID      `gorm:"type:varchar(26);not null" json:"media_ref_id"`
	MediaRef   *MediaRef `gorm:"foreignKey:MediaRefID" json:"media_ref,omitempty"`

	// ScheduledStart is the wall-clock start of the slot.
	ScheduledStart time.Time `gorm:"not null;index:idx_channel_start" json:"scheduled_start"`

	// Duration is the nominal slot length.
	Duration time.Duration `gorm:"not null" json:"duration"`

	// IsFiller marks gap-filling content.
	IsFiller bool `gorm:"default:false" json:"is_filler"`

	// Consumed is set when the item finished playing; consumed items are
	// pruned once they fall out of the rolling window.
	Consumed bool `gorm:"default:false;index" json:"consumed"`
}

// TableName returns the table name for PlayoutItem.
func (PlayoutItem) TableName() string { return "playout_items" }

// ScheduledEnd returns the wall-clock end of the slot.
func (p *PlayoutItem) ScheduledEnd() time.Time {
	return p.ScheduledStart.Add(p.Duration)
}

// Contains reports whether t falls inside [ScheduledStart, ScheduledEnd).
func (p *PlayoutItem) Contains(t time.Time) bool {
	return !t.Before(p.ScheduledStart) && t.Before(p.ScheduledEnd())
}
