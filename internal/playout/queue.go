// Package playout answers the supervisor's scheduling questions over the
// persisted per-channel playout queue: what plays now and at what offset,
// what comes next, and which items are done.
package playout

import (
	"context"
	"errors"
	"time"

	"github.com/jmylchreest/chanarr/internal/models"
	"github.com/jmylchreest/chanarr/internal/repository"
)

// ErrNothingScheduled is returned when no item covers the queried time.
var ErrNothingScheduled = errors.New("nothing scheduled")

// ErrEndOfWindow is returned when an item has no successor.
var ErrEndOfWindow = errors.New("end of scheduled window")

// Queue is the per-channel playout timeline view.
type Queue struct {
	repo *repository.PlayoutRepository
	now  func() time.Time
}

// NewQueue creates a playout queue view.
func NewQueue(repo *repository.PlayoutRepository) *Queue {
	return &Queue{repo: repo, now: time.Now}
}

// WithClock overrides the queue clock. Test hook.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

// Current returns the item whose scheduled window contains the current
// time, along with the seek offset into it (now - scheduled_start).
func (q *Queue) Current(ctx context.Context, channelID models.ULID) (*models.PlayoutItem, time.Duration, error) {
	return q.CurrentAt(ctx, channelID, q.now())
}

// CurrentAt is Current evaluated at an explicit time.
func (q *Queue) CurrentAt(ctx context.Context, channelID models.ULID, t time.Time) (*models.PlayoutItem, time.Duration, error) {
	item, err := q.repo.Current(ctx, channelID, t)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, 0, ErrNothingScheduled
	}
	if err != nil {
		return nil, 0, err
	}
	return item, t.Sub(item.ScheduledStart), nil
}

// Next returns the successor of item, or ErrEndOfWindow.
func (q *Queue) Next(ctx context.Context, item *models.PlayoutItem) (*models.PlayoutItem, error) {
	next, err := q.repo.Next(ctx, item)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrEndOfWindow
	}
	return next, err
}

// Advance marks an item consumed for later pruning.
func (q *Queue) Advance(ctx context.Context, item *models.PlayoutItem) error {
	return q.repo.Advance(ctx, item.ID)
}
