package sinks

import (
	"context"
	"sync"

	"github.com/skudata/catalog-crawler/internal/progress"
)

// RingSink retains the most recent events in memory so the API server can
// expose a live activity feed without a durable backend.
type RingSink struct {
	mu     sync.Mutex
	buf    []progress.Event
	next   int
	filled bool
}

// NewRingSink builds a sink holding up to capacity events; older events are
// overwritten once the ring is full.
func NewRingSink(capacity int) *RingSink {
	if capacity <= 0 {
		capacity = 256
	}
	return &RingSink{buf: make([]progress.Event, capacity)}
}

// Consume appends the batch to the ring.
func (s *RingSink) Consume(_ context.Context, batch []progress.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, evt := range batch {
		s.buf[s.next] = evt
		s.next++
		if s.next == len(s.buf) {
			s.next = 0
			s.filled = true
		}
	}
	return nil
}

// Recent returns the retained events, oldest first.
func (s *RingSink) Recent() []progress.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.filled {
		return append([]progress.Event(nil), s.buf[:s.next]...)
	}
	out := make([]progress.Event, 0, len(s.buf))
	out = append(out, s.buf[s.next:]...)
	out = append(out, s.buf[:s.next]...)
	return out
}

// Close implements the Sink interface; it performs no action.
func (s *RingSink) Close(context.Context) error {
	return nil
}
