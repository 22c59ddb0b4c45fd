package observed

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Mutex guards a value and broadcasts it to watchers whenever a lock scope
// ends with a value different from the last broadcast one.
//
// Values are compared and broadcast by copy. For types holding slices or
// maps, mutate by replacing rather than in place, or the broadcast copy
// aliases the guarded value and the change goes unnoticed.
type Mutex[T any] struct {
	sem      *semaphore.Weighted
	value    T
	equal    func(a, b T) bool
	notifier *Sender[T]
}

// MutexGuard is exclusive access to a Mutex's value. Unlock must be called
// exactly once; later calls are no-ops.
type MutexGuard[T any] struct {
	m        *Mutex[T]
	released bool
}

// NewMutex creates a Mutex that compares values with ==.
func NewMutex[T comparable](value T) *Mutex[T] {
	return NewMutexFunc(value, func(a, b T) bool { return a == b })
}

// NewMutexFunc creates a Mutex that compares values with equal.
func NewMutexFunc[T any](value T, equal func(a, b T) bool) *Mutex[T] {
	notifier, _ := NewWatch(value)
	return &Mutex[T]{
		sem:      semaphore.NewWeighted(1),
		value:    value,
		equal:    equal,
		notifier: notifier,
	}
}

// Lock waits for exclusive access. Waiters are served in arrival order; a
// cancelled ctx abandons the wait.
func (m *Mutex[T]) Lock(ctx context.Context) (*MutexGuard[T], error) {
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return &MutexGuard[T]{m: m}, nil
}

// TryLock acquires the lock only if it is free.
func (m *Mutex[T]) TryLock() (*MutexGuard[T], bool) {
	if !m.sem.TryAcquire(1) {
		return nil, false
	}
	return &MutexGuard[T]{m: m}, true
}

// With runs fn with exclusive access. The change check runs on every exit
// path, including errors and panics.
func (m *Mutex[T]) With(ctx context.Context, fn func(value *T) error) error {
	guard, err := m.Lock(ctx)
	if err != nil {
		return err
	}
	defer guard.Unlock()
	return fn(guard.Value())
}

// Observe subscribes to broadcasts made after this call.
func (m *Mutex[T]) Observe() *Receiver[T] {
	return m.notifier.Subscribe()
}

// Latest returns the last broadcast value without taking the lock.
func (m *Mutex[T]) Latest() T {
	return m.notifier.Borrow()
}

// Close stops broadcasting. Watchers get ErrClosed.
func (m *Mutex[T]) Close() {
	m.notifier.Close()
}

// Value points at the guarded value; valid until Unlock.
func (g *MutexGuard[T]) Value() *T {
	return &g.m.value
}

// Observe subscribes to the mutex's broadcasts.
func (g *MutexGuard[T]) Observe() *Receiver[T] {
	return g.m.Observe()
}

// Unlock broadcasts the value if it differs from the last broadcast one and
// releases the lock. The broadcast happens before release so watchers see
// changes in mutation order.
func (g *MutexGuard[T]) Unlock() {
	if g == nil || g.released {
		return
	}
	g.released = true

	m := g.m
	if !m.equal(m.value, m.notifier.Borrow()) {
		m.notifier.Send(m.value)
	}
	m.sem.Release(1)
}
