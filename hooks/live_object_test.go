package hooks

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/eljojo/livesync/channels"
	"github.com/eljojo/livesync/live"
	"github.com/eljojo/livesync/runtime"
	"github.com/eljojo/livesync/transport"
	"github.com/eljojo/livesync/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gauge struct {
	Level int `json:"level"`
}

type unpublished struct {
	Name string `json:"name"`
}

func waitForCondition(t *testing.T, condition func() bool, timeout time.Duration) bool {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return false
}

// countingTransport records how often each channel was emitted on.
type countingTransport struct {
	transport.Transport

	mu    sync.Mutex
	emits map[types.Channel]int
}

func (c *countingTransport) Emit(ctx context.Context, channel types.Channel, payload []byte) error {
	c.mu.Lock()
	c.emits[channel]++
	c.mu.Unlock()
	return c.Transport.Emit(ctx, channel, payload)
}

func (c *countingTransport) count(channel types.Channel) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.emits[channel]
}

// testRuntime wraps the mock runtime to swap in another transport.
type testRuntime struct {
	*runtime.MockRuntime
	tr transport.Transport
}

func (r *testRuntime) Transport() transport.Transport {
	return r.tr
}

func setup(t *testing.T, initial gauge) (*runtime.MockRuntime, *live.LiveMutex[gauge]) {
	t.Helper()
	rt := runtime.NewMockRuntime(t)
	m := live.NewMaster()
	require.NoError(t, m.Init(rt, rt.Log("live")))
	require.NoError(t, m.Start())
	t.Cleanup(func() { _ = m.Stop() })

	g, err := live.RegisterMutex(m, initial)
	require.NoError(t, err)
	return rt, g
}

func set(t *testing.T, g *live.LiveMutex[gauge], level int) {
	t.Helper()
	require.NoError(t, g.With(context.Background(), func(v *gauge) error {
		v.Level = level
		return nil
	}))
}

func levelIs(o *LiveObject[gauge], level int) func() bool {
	return func() bool {
		v, ok := o.State().Get()
		return ok && v.Level == level
	}
}

func TestUseLiveObject_InitialValueThenChanges(t *testing.T) {
	rt, g := setup(t, gauge{Level: 3})

	o := UseLiveObject[gauge](rt, LiveObjectSettings{})
	defer o.Close()
	assert.Equal(t, g.ObjectID(), o.ObjectID())

	require.True(t, waitForCondition(t, levelIs(o, 3), 2*time.Second), "initial value never arrived")

	set(t, g, 4)
	require.True(t, waitForCondition(t, levelIs(o, 4), 2*time.Second))
	set(t, g, 5)
	require.True(t, waitForCondition(t, levelIs(o, 5), 2*time.Second))
}

func TestUseLiveObject_EveryMountGetsTheValue(t *testing.T) {
	rt, g := setup(t, gauge{})
	set(t, g, 10)

	first := UseLiveObject[gauge](rt, LiveObjectSettings{})
	defer first.Close()
	require.True(t, waitForCondition(t, levelIs(first, 10), 2*time.Second))

	// a later observer is not left waiting for the next change
	second := UseLiveObject[gauge](rt, LiveObjectSettings{})
	defer second.Close()
	require.True(t, waitForCondition(t, levelIs(second, 10), 2*time.Second))
}

func TestUseLiveObject_RequestsInitialValueOnce(t *testing.T) {
	rt, g := setup(t, gauge{Level: 1})
	counting := &countingTransport{Transport: rt.Transport(), emits: make(map[types.Channel]int)}

	o := UseLiveObject[gauge](&testRuntime{MockRuntime: rt, tr: counting}, LiveObjectSettings{})
	defer o.Close()
	require.True(t, waitForCondition(t, levelIs(o, 1), 2*time.Second))

	for i := 2; i < 5; i++ {
		set(t, g, i)
		require.True(t, waitForCondition(t, levelIs(o, i), 2*time.Second))
	}
	assert.Equal(t, 1, counting.count(channels.Init(g.ObjectID())))
}

func TestUseLiveObject_Once(t *testing.T) {
	rt, g := setup(t, gauge{Level: 1})
	counting := &countingTransport{Transport: rt.Transport(), emits: make(map[types.Channel]int)}

	o := UseLiveObject[gauge](&testRuntime{MockRuntime: rt, tr: counting}, LiveObjectSettings{Once: true})
	defer o.Close()

	select {
	case <-o.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("once-mode object kept listening")
	}
	assert.Equal(t, 1, o.State().Unwrap().Level)
	assert.Equal(t, 0, rt.Local().Listeners(channels.Change(g.ObjectID())))

	set(t, g, 2)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, o.State().Unwrap().Level)
	assert.Equal(t, 1, counting.count(channels.Init(g.ObjectID())))
}

func TestUseLiveObject_MinUpdateIntervalCoalesces(t *testing.T) {
	rt, g := setup(t, gauge{Level: 0})

	o := UseLiveObject[gauge](rt, LiveObjectSettings{MinUpdateInterval: 400 * time.Millisecond})
	defer o.Close()
	require.True(t, waitForCondition(t, levelIs(o, 0), 2*time.Second))

	updates := o.Updates()
	for i := 1; i <= 5; i++ {
		set(t, g, i)
	}

	// still inside the quiet period
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, o.State().Unwrap().Level)

	require.True(t, waitForCondition(t, levelIs(o, 5), 2*time.Second))

	// intermediate values were dropped, not queued
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, updates.Changed(ctx))
	assert.Equal(t, 5, updates.Borrow().Unwrap().Level)
	changed, err := updates.HasChanged()
	require.NoError(t, err)
	assert.False(t, changed)
}

func TestUseLiveObject_StaysLoadingWithoutOwner(t *testing.T) {
	rt := runtime.NewMockRuntime(t)

	o := UseLiveObject[unpublished](rt, LiveObjectSettings{})
	time.Sleep(50 * time.Millisecond)
	assert.True(t, o.State().IsLoading())
	assert.Panics(t, func() { o.State().Unwrap() })

	o.Close()
	assert.True(t, o.State().IsLoading())
}

func TestUseLiveObject_PeerGoneKeepsLastState(t *testing.T) {
	rt, _ := setup(t, gauge{Level: 8})

	o := UseLiveObject[gauge](rt, LiveObjectSettings{})
	require.True(t, waitForCondition(t, levelIs(o, 8), 2*time.Second))

	require.NoError(t, rt.Local().Close())
	select {
	case <-o.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("object kept running after the transport closed")
	}
	assert.Equal(t, 8, o.State().Unwrap().Level)
}

func TestUseLiveObject_DecodeFailureStopsListening(t *testing.T) {
	rt := runtime.NewMockRuntime(t)
	id := channels.ObjectIDOf[gauge]()

	o := UseLiveObject[gauge](rt, LiveObjectSettings{})
	defer o.Close()
	require.NoError(t, rt.Transport().Emit(context.Background(), channels.Change(id), []byte("{not json")))

	select {
	case <-o.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("object kept listening after a decode failure")
	}
	assert.True(t, o.State().IsLoading())
	assert.True(t, waitForCondition(t, func() bool {
		for _, line := range rt.LogLines() {
			if strings.HasPrefix(line, "error [hooks] decode") {
				return true
			}
		}
		return false
	}, time.Second))
}

func TestCheckDiscovery(t *testing.T) {
	rt, g := setup(t, gauge{})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, CheckDiscovery(ctx, rt.Transport(), g.ObjectID()))

	err := CheckDiscovery(ctx, rt.Transport(), channels.ObjectIDOf[unpublished]())
	assert.ErrorIs(t, err, ErrObjectNotPublished)
}

func TestCheckDiscovery_NoOwner(t *testing.T) {
	rt := runtime.NewMockRuntime(t)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := CheckDiscovery(ctx, rt.Transport(), channels.ObjectIDOf[gauge]())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestUseLiveObject_DevelopmentSelfCheckPasses(t *testing.T) {
	rt, _ := setup(t, gauge{Level: 2})
	rt.SetEnv(runtime.EnvDevelopment)

	o := UseLiveObject[gauge](rt, LiveObjectSettings{})
	defer o.Close()
	require.True(t, waitForCondition(t, levelIs(o, 2), 2*time.Second))
}

func TestUseLiveObject_IntervalAboveMaxPanics(t *testing.T) {
	rt := runtime.NewMockRuntime(t)

	assert.Panics(t, func() {
		UseLiveObject[unpublished](rt, LiveObjectSettings{MinUpdateInterval: MaxInterval * 2})
	})
	assert.Panics(t, func() {
		UseLiveObject[unpublished](rt, LiveObjectSettings{MinUpdateInterval: MaxInterval})
	})
	assert.Zero(t, rt.Local().Listeners(channels.ChangeFor[unpublished]()), "a rejected mount must not subscribe")

	o := UseLiveObject[unpublished](rt, LiveObjectSettings{MinUpdateInterval: MaxInterval - time.Millisecond})
	defer o.Close()
	assert.True(t, o.State().IsLoading())
}
