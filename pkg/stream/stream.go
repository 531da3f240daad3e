// Package stream provides the push-based event stream used for provider
// and agent output: a consumer iterates events while any interested caller
// awaits the terminal result.
package stream

import (
	"context"
	"errors"
	"sync"
)

// ErrNoResult is returned by Result when the stream ended without a
// terminal value.
var ErrNoResult = errors.New("stream finished without a result")

const defaultBuffer = 256

// Stream is a single-producer event queue with a one-shot terminal value.
// Push after End is a no-op, the first terminal value wins, and the
// terminal value is visible to Result before the event channel closes.
type Stream[E any, R any] struct {
	mu        sync.Mutex
	events    chan E
	ended     bool
	result    R
	hasResult bool
	ready     chan struct{}
	readyOnce sync.Once
	extract   func(E) (R, bool)
}

// New returns an empty stream. extract, when non-nil, is applied to every
// pushed event; the first event it accepts supplies the terminal value.
func New[E any, R any](extract func(E) (R, bool)) *Stream[E, R] {
	return &Stream[E, R]{
		events:  make(chan E, defaultBuffer),
		ready:   make(chan struct{}),
		extract: extract,
	}
}

// Push queues an event for the consumer. It blocks while the buffer is
// full and does nothing once the stream has ended.
func (s *Stream[E, R]) Push(event E) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	if s.extract != nil {
		if r, ok := s.extract(event); ok {
			s.setResult(r)
		}
	}
	s.events <- event
}

// End closes the stream, optionally supplying the terminal value. Calling
// End again has no effect.
func (s *Stream[E, R]) End(result ...R) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(result) > 0 {
		s.setResult(result[0])
	}
	if s.ended {
		return
	}
	s.ended = true
	close(s.events)
	s.readyOnce.Do(func() { close(s.ready) })
}

// setResult records the terminal value once. Callers hold s.mu.
func (s *Stream[E, R]) setResult(r R) {
	if s.hasResult {
		return
	}
	s.result = r
	s.hasResult = true
	s.readyOnce.Do(func() { close(s.ready) })
}

// Events returns the channel of queued events. It is closed by End after
// all pushed events have been delivered.
func (s *Stream[E, R]) Events() <-chan E {
	return s.events
}

// Result blocks until the terminal value is available or the stream ends
// without one, in which case it returns ErrNoResult.
func (s *Stream[E, R]) Result(ctx context.Context) (R, error) {
	var zero R
	select {
	case <-s.ready:
	case <-ctx.Done():
		return zero, ctx.Err()
	}
	if !s.hasResult {
		return zero, ErrNoResult
	}
	return s.result, nil
}
