package observed

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type position struct {
	X, Y int
}

func TestMutex_EqualWriteIsSuppressed(t *testing.T) {
	m := NewMutex(position{X: 1, Y: 2})
	rx := m.Observe()
	ctx := context.Background()

	guard, err := m.Lock(ctx)
	require.NoError(t, err)
	guard.Value().X = 5
	guard.Value().X = 1 // reverted before release
	guard.Unlock()

	changed, err := rx.HasChanged()
	require.NoError(t, err)
	assert.False(t, changed, "writing back an equal value must not notify")
}

func TestMutex_DistinctWriteNotifiesOnce(t *testing.T) {
	m := NewMutex(position{})
	rx := m.Observe()
	ctx := context.Background()

	require.NoError(t, m.With(ctx, func(p *position) error {
		p.X = 3
		return nil
	}))

	changed, _ := rx.HasChanged()
	require.True(t, changed)
	assert.Equal(t, position{X: 3}, rx.BorrowAndUpdate())
	assert.Equal(t, position{X: 3}, m.Latest())

	changed, _ = rx.HasChanged()
	assert.False(t, changed, "exactly one notification per distinct write")
}

func TestMutex_CoalescesMutations(t *testing.T) {
	m := NewMutex(0)
	rx := m.Observe()
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		n := i
		require.NoError(t, m.With(ctx, func(v *int) error {
			*v = n
			return nil
		}))
	}

	waitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, rx.Changed(waitCtx))
	assert.Equal(t, 3, rx.Borrow(), "the observer reads the latest mutation")

	changed, _ := rx.HasChanged()
	assert.False(t, changed)
}

func TestMutex_WithReleasesOnErrorAndPanic(t *testing.T) {
	m := NewMutex(0)
	rx := m.Observe()
	ctx := context.Background()
	boom := errors.New("boom")

	err := m.With(ctx, func(v *int) error {
		*v = 7
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 7, rx.BorrowAndUpdate(), "change is broadcast on the error path")

	assert.Panics(t, func() {
		_ = m.With(ctx, func(v *int) error {
			*v = 8
			panic("boom")
		})
	})
	assert.Equal(t, 8, rx.Borrow(), "change is broadcast on the panic path")

	guard, ok := m.TryLock()
	require.True(t, ok, "lock was released")
	guard.Unlock()
	guard.Unlock() // second unlock is a no-op
}

func TestMutex_LockHonoursContext(t *testing.T) {
	m := NewMutex(0)
	held, err := m.Lock(context.Background())
	require.NoError(t, err)
	defer held.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err = m.Lock(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, ok := m.TryLock()
	assert.False(t, ok)
}

func TestMutexFunc_CustomEquality(t *testing.T) {
	m := NewMutexFunc([]int{1, 2}, func(a, b []int) bool {
		if len(a) != len(b) {
			return false
		}
		for i := range a {
			if a[i] != b[i] {
				return false
			}
		}
		return true
	})
	rx := m.Observe()
	ctx := context.Background()

	require.NoError(t, m.With(ctx, func(v *[]int) error {
		*v = []int{1, 2}
		return nil
	}))
	changed, _ := rx.HasChanged()
	assert.False(t, changed)

	require.NoError(t, m.With(ctx, func(v *[]int) error {
		*v = []int{1, 2, 3}
		return nil
	}))
	changed, _ = rx.HasChanged()
	assert.True(t, changed)
}

func TestMutex_CloseEndsObservers(t *testing.T) {
	m := NewMutex(0)
	rx := m.Observe()
	m.Close()

	assert.ErrorIs(t, rx.Changed(context.Background()), ErrClosed)
}
