// Package observed provides locks that tell watchers when the guarded value changed.
//
// Watchers subscribe through a single-slot broadcast cell: they never see a
// backlog, only the freshest value, and they learn about it once no matter
// how many writes happened since their last look.
package observed

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by Receiver.Changed once the Sender is closed and
// nothing unseen is left.
var ErrClosed = errors.New("observed: sender closed")

type cell[T any] struct {
	mu      sync.RWMutex
	value   T
	version uint64
	closed  bool
	notify  chan struct{} // closed and replaced on every send
}

// Sender is the write side of a watch cell. There is one per cell.
type Sender[T any] struct {
	cell *cell[T]
}

// Receiver is one watcher's view of a watch cell.
//
// A Receiver tracks the last version it saw, so it must not be shared between
// goroutines; use Clone to hand out more.
type Receiver[T any] struct {
	cell *cell[T]
	seen uint64
}

// NewWatch creates a cell holding initial. The returned receiver treats
// initial as already seen.
func NewWatch[T any](initial T) (*Sender[T], *Receiver[T]) {
	c := &cell[T]{
		value:  initial,
		notify: make(chan struct{}),
	}
	return &Sender[T]{cell: c}, &Receiver[T]{cell: c}
}

// Send replaces the value and wakes every watcher. It reports false when the
// sender is already closed.
func (s *Sender[T]) Send(value T) bool {
	c := s.cell
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	c.value = value
	c.version++
	wake := c.notify
	c.notify = make(chan struct{})
	c.mu.Unlock()

	close(wake)
	return true
}

// Borrow returns the most recently sent value.
func (s *Sender[T]) Borrow() T {
	s.cell.mu.RLock()
	defer s.cell.mu.RUnlock()
	return s.cell.value
}

// Subscribe returns a receiver that has seen everything sent so far.
func (s *Sender[T]) Subscribe() *Receiver[T] {
	s.cell.mu.RLock()
	defer s.cell.mu.RUnlock()
	return &Receiver[T]{cell: s.cell, seen: s.cell.version}
}

// Close wakes every watcher; their next Changed returns ErrClosed once they
// have consumed the last value.
func (s *Sender[T]) Close() {
	c := s.cell
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	wake := c.notify
	c.mu.Unlock()

	close(wake)
}

// IsClosed reports whether Close was called.
func (s *Sender[T]) IsClosed() bool {
	s.cell.mu.RLock()
	defer s.cell.mu.RUnlock()
	return s.cell.closed
}

// Changed blocks until a value newer than the last one seen exists and marks
// it seen. Any number of sends in between count as one change.
func (r *Receiver[T]) Changed(ctx context.Context) error {
	for {
		r.cell.mu.RLock()
		version := r.cell.version
		closed := r.cell.closed
		wake := r.cell.notify
		r.cell.mu.RUnlock()

		if version != r.seen {
			r.seen = version
			return nil
		}
		if closed {
			return ErrClosed
		}

		select {
		case <-wake:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// HasChanged polls for an unseen value without consuming it.
func (r *Receiver[T]) HasChanged() (bool, error) {
	r.cell.mu.RLock()
	defer r.cell.mu.RUnlock()
	if r.cell.version != r.seen {
		return true, nil
	}
	if r.cell.closed {
		return false, ErrClosed
	}
	return false, nil
}

// Borrow returns the freshest value without marking it seen.
func (r *Receiver[T]) Borrow() T {
	r.cell.mu.RLock()
	defer r.cell.mu.RUnlock()
	return r.cell.value
}

// BorrowAndUpdate returns the freshest value and marks it seen.
func (r *Receiver[T]) BorrowAndUpdate() T {
	r.cell.mu.RLock()
	defer r.cell.mu.RUnlock()
	r.seen = r.cell.version
	return r.cell.value
}

// MarkUnchanged marks the current value as seen.
func (r *Receiver[T]) MarkUnchanged() {
	r.cell.mu.RLock()
	r.seen = r.cell.version
	r.cell.mu.RUnlock()
}

// Clone returns an independent receiver with the same seen position.
func (r *Receiver[T]) Clone() *Receiver[T] {
	return &Receiver[T]{cell: r.cell, seen: r.seen}
}
