package utilities

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func await[T any](t *testing.T, ch <-chan Result[T]) Result[T] {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("no result delivered")
		return Result[T]{}
	}
}

func TestCorrelator_ReceiveMatchesPending(t *testing.T) {
	c := NewCorrelator[string](time.Minute)
	defer c.Close()

	emitted := false
	ch := c.Send("req-1", func() error {
		emitted = true
		return nil
	})
	assert.True(t, emitted)
	assert.Equal(t, 1, c.Pending())

	assert.False(t, c.Receive("req-other", "nope"))
	assert.True(t, c.Receive("req-1", "pong"))
	assert.False(t, c.Receive("req-1", "late"), "a response is delivered once")

	res := await(t, ch)
	require.NoError(t, res.Err)
	assert.Equal(t, "pong", res.Response)
	assert.Equal(t, 0, c.Pending())
}

func TestCorrelator_Timeout(t *testing.T) {
	c := NewCorrelator[string](50 * time.Millisecond)
	defer c.Close()

	ch := c.Send("req-1", func() error { return nil })
	res := await(t, ch)
	assert.ErrorIs(t, res.Err, ErrTimeout)
	assert.False(t, c.Receive("req-1", "too late"))
}

func TestCorrelator_EmitError(t *testing.T) {
	c := NewCorrelator[string](time.Minute)
	defer c.Close()

	boom := errors.New("boom")
	res := await(t, c.Send("req-1", func() error { return boom }))
	assert.ErrorIs(t, res.Err, boom)
	assert.Equal(t, 0, c.Pending())
}

func TestCorrelator_CloseFailsPending(t *testing.T) {
	c := NewCorrelator[int](time.Minute)

	a := c.Send("a", func() error { return nil })
	b := c.Send("b", func() error { return nil })
	c.Close()
	c.Close()

	assert.ErrorIs(t, await(t, a).Err, ErrCorrelatorClosed)
	assert.ErrorIs(t, await(t, b).Err, ErrCorrelatorClosed)
}

func TestCorrelator_CancelDropsSilently(t *testing.T) {
	c := NewCorrelator[int](time.Minute)
	defer c.Close()

	ch := c.Send("a", func() error { return nil })
	c.Cancel("a")
	assert.False(t, c.Receive("a", 1))

	select {
	case res := <-ch:
		t.Fatalf("unexpected result %+v", res)
	case <-time.After(50 * time.Millisecond):
	}
}
