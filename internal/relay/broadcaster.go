// Package relay contains the per-channel playout engine: the supervisor
// hot loop driving resolver and transcoder, and the broadcaster fanning
// the resulting MPEG-TS stream out to subscribers.
package relay

import (
	"context"
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/jmylchreest/chanarr/internal/throttle"
)

// ErrBroadcastClosed is returned to subscribers when the broadcaster
// shuts down.
var ErrBroadcastClosed = errors.New("broadcaster closed")

// Broadcaster multiplexes one channel's byte stream to all subscribers.
// Published data is re-chunked to TS packet boundaries so a switchover
// between content and error screen always lands on a packet edge.
type Broadcaster struct {
	mu        sync.Mutex
	subs      map[uuid.UUID]*Subscriber
	remainder []byte
	closed    bool
}

// NewBroadcaster creates a broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{subs: make(map[uuid.UUID]*Subscriber)}
}

// Subscriber receives the channel's byte stream through a bounded buffer.
// When the buffer overflows the oldest chunks are dropped first, so a
// slow client glitches back to live instead of falling permanently behind.
type Subscriber struct {
	ID uuid.UUID

	mu          sync.Mutex
	queue       [][]byte
	queuedBytes int
	maxBytes    int
	dropped     uint64
	closed      bool
	notify      chan struct{}
}

// Subscribe attaches a new subscriber with the given buffer bound.
// A new subscriber sees the current tail of the stream, never a replay.
func (b *Broadcaster) Subscribe(maxBufferBytes int) (*Subscriber, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrBroadcastClosed
	}

	sub := &Subscriber{
		ID:       uuid.New(),
		maxBytes: maxBufferBytes,
		notify:   make(chan struct{}, 1),
	}
	b.subs[sub.ID] = sub
	return sub, nil
}

// Unsubscribe detaches a subscriber. Its pending Next call returns
// ErrBroadcastClosed.
func (b *Broadcaster) Unsubscribe(id uuid.UUID) {
	b.mu.Lock()
	sub, ok := b.subs[id]
	delete(b.subs, id)
	b.mu.Unlock()

	if ok {
		sub.close()
	}
}

// SubscriberCount returns the number of attached subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Publish fans a chunk out to all subscribers. Data is aligned to
// 188-byte packet boundaries; a trailing partial packet is held back and
// prepended to the next publish.
func (b *Broadcaster) Publish(data []byte) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}

	buf := data
	if len(b.remainder) > 0 {
		buf = append(b.remainder, data...)
		b.remainder = nil
	}

	aligned := len(buf) - len(buf)%throttle.PacketSize
	if aligned < len(buf) {
		b.remainder = append([]byte(nil), buf[aligned:]...)
	}
	if aligned == 0 {
		b.mu.Unlock()
		return
	}
	chunk := buf[:aligned]

	subs := make([]*Subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	for _, sub := range subs {
		sub.push(chunk)
	}
}

// Flush drops any held-back partial packet. Called between sources so
// stale bytes from a dead process never precede the next stream.
func (b *Broadcaster) Flush() {
	b.mu.Lock()
	b.remainder = nil
	b.mu.Unlock()
}

// Close shuts the broadcaster down and releases all subscribers.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	subs := make([]*Subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		subs = append(subs, sub)
	}
	b.subs = make(map[uuid.UUID]*Subscriber)
	b.mu.Unlock()

	for _, sub := range subs {
		sub.close()
	}
}

// push enqueues a chunk, dropping oldest chunks when the buffer is full.
func (s *Subscriber) push(chunk []byte) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}

	// Whole-chunk drop-oldest: order of surviving bytes is preserved.
	for s.queuedBytes+len(chunk) > s.maxBytes && len(s.queue) > 0 {
		oldest := s.queue[0]
		s.queue = s.queue[1:]
		s.queuedBytes -= len(oldest)
		s.dropped++
	}

	s.queue = append(s.queue, chunk)
	s.queuedBytes += len(chunk)
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Next returns the oldest buffered chunk, blocking until data arrives,
// the context is cancelled, or the subscriber is closed.
func (s *Subscriber) Next(ctx context.Context) ([]byte, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			chunk := s.queue[0]
			s.queue = s.queue[1:]
			s.queuedBytes -= len(chunk)
			s.mu.Unlock()
			return chunk, nil
		}
		closed := s.closed
		s.mu.Unlock()

		if closed {
			return nil, ErrBroadcastClosed
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.notify:
		}
	}
}

// TryNext returns a buffered chunk without blocking, or nil.
func (s *Subscriber) TryNext() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.queue) == 0 {
		return nil
	}
	chunk := s.queue[0]
	s.queue = s.queue[1:]
	s.queuedBytes -= len(chunk)
	return chunk
}

// Dropped returns how many chunks were dropped to keep the buffer bounded.
func (s *Subscriber) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Buffered returns the bytes currently queued.
func (s *Subscriber) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queuedBytes
}

func (s *Subscriber) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}
