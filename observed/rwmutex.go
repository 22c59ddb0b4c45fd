package observed

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// writerWeight is the semaphore weight a writer takes: all of it.
const writerWeight = 1 << 30

// RWMutex guards a value with shared reads and exclusive writes. Every write
// scope notifies watchers, whether or not the value changed; T needs no
// equality.
type RWMutex[T any] struct {
	sem      *semaphore.Weighted
	value    T
	notifier *Sender[struct{}]
}

// ReadGuard is shared access to an RWMutex's value.
type ReadGuard[T any] struct {
	m        *RWMutex[T]
	released bool
}

// WriteGuard is exclusive access to an RWMutex's value.
type WriteGuard[T any] struct {
	m        *RWMutex[T]
	released bool
}

// NewRWMutex creates an RWMutex holding value.
func NewRWMutex[T any](value T) *RWMutex[T] {
	notifier, _ := NewWatch(struct{}{})
	return &RWMutex[T]{
		sem:      semaphore.NewWeighted(writerWeight),
		value:    value,
		notifier: notifier,
	}
}

// RLock waits for shared access. A queued writer holds back later readers.
func (m *RWMutex[T]) RLock(ctx context.Context) (*ReadGuard[T], error) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return &ReadGuard[T]{m: m}, nil
}

// Lock waits until no reader or writer holds the lock.
func (m *RWMutex[T]) Lock(ctx context.Context) (*WriteGuard[T], error) {
	if err := m.sem.Acquire(ctx, writerWeight); err != nil {
		return nil, err
	}
	return &WriteGuard[T]{m: m}, nil
}

// Read runs fn with shared access.
func (m *RWMutex[T]) Read(ctx context.Context, fn func(value T) error) error {
	guard, err := m.RLock(ctx)
	if err != nil {
		return err
	}
	defer guard.Unlock()
	return fn(guard.Value())
}

// Write runs fn with exclusive access; watchers are notified on every exit
// path.
func (m *RWMutex[T]) Write(ctx context.Context, fn func(value *T) error) error {
	guard, err := m.Lock(ctx)
	if err != nil {
		return err
	}
	defer guard.Unlock()
	return fn(guard.Value())
}

// Observe subscribes to change ticks made after this call. Ticks carry no
// payload; re-read the value to learn what changed.
func (m *RWMutex[T]) Observe() *Receiver[struct{}] {
	return m.notifier.Subscribe()
}

// Close stops notifying. Watchers get ErrClosed.
func (m *RWMutex[T]) Close() {
	m.notifier.Close()
}

// Value returns the guarded value; valid until Unlock.
func (g *ReadGuard[T]) Value() T {
	return g.m.value
}

// Unlock releases shared access.
func (g *ReadGuard[T]) Unlock() {
	if g == nil || g.released {
		return
	}
	g.released = true
	g.m.sem.Release(1)
}

// Value points at the guarded value; valid until Unlock.
func (g *WriteGuard[T]) Value() *T {
	return &g.m.value
}

// Unlock notifies watchers and releases exclusive access.
func (g *WriteGuard[T]) Unlock() {
	if g == nil || g.released {
		return
	}
	g.released = true
	g.m.notifier.Send(struct{}{})
	g.m.sem.Release(writerWeight)
}
