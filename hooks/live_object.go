package hooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eljojo/livesync/channels"
	"github.com/eljojo/livesync/messages"
	"github.com/eljojo/livesync/observed"
	"github.com/eljojo/livesync/runtime"
	"github.com/eljojo/livesync/transport"
	"github.com/eljojo/livesync/types"
)

// ErrObjectNotPublished means the owner's discovery answer lacked the id.
var ErrObjectNotPublished = errors.New("live object is not published")

// LiveObjectSettings tunes UseLiveObject. The zero value follows every
// change as fast as it arrives.
type LiveObjectSettings struct {
	// Once stops listening after the first value.
	Once bool
	// MinUpdateInterval is the quiet period after each accepted value.
	// Values arriving meanwhile collapse into the newest one.
	MinUpdateInterval time.Duration
}

// LiveObject mirrors the owner's value of T.
type LiveObject[T any] struct {
	id     types.ObjectID
	log    *runtime.ServiceLog
	states *observed.Sender[State[T]]

	sub    *transport.Subscription
	cancel context.CancelFunc
	wg     sync.WaitGroup
	done   chan struct{}
}

// UseLiveObject starts mirroring the live object of type T.
//
// The change channel is subscribed before the initial value is requested,
// so the answer can't slip past. The returned object is Loading until the
// owner answers; if the owner never does, it stays Loading.
//
// It panics if MinUpdateInterval is not below MaxInterval.
func UseLiveObject[T any](rt runtime.RuntimeInterface, settings LiveObjectSettings) *LiveObject[T] {
	checkInterval("min update interval", settings.MinUpdateInterval)

	ctx, cancel := context.WithCancel(rt.Context())
	states, _ := observed.NewWatch(Loading[T]())

	o := &LiveObject[T]{
		id:     channels.ObjectIDOf[T](),
		log:    rt.Log("hooks"),
		states: states,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	tr := rt.Transport()

	sub, err := tr.Listen(ctx, channels.Change(o.id))
	if err != nil {
		o.log.Error("listen %s: %v", channels.Change(o.id), err)
		cancel()
		states.Close()
		close(o.done)
		return o
	}
	o.sub = sub

	values, latest := observed.NewWatch(*new(T))

	o.wg.Add(2)
	go o.decodeLoop(values)
	go o.stateLoop(ctx, latest, settings)

	if rt.Env() == runtime.EnvDevelopment {
		o.wg.Add(1)
		go o.assertDiscoverable(ctx, tr)
	}

	o.requestInitial(ctx, tr)

	go func() {
		o.wg.Wait()
		states.Close()
		close(o.done)
	}()

	return o
}

// ObjectID returns the id being mirrored.
func (o *LiveObject[T]) ObjectID() types.ObjectID {
	return o.id
}

// State returns the current state.
func (o *LiveObject[T]) State() State[T] {
	return o.states.Borrow()
}

// Updates returns a receiver woken on every state change. It reports
// observed.ErrClosed once the object stopped following the owner.
func (o *LiveObject[T]) Updates() *observed.Receiver[State[T]] {
	return o.states.Subscribe()
}

// Done is closed once the object stopped following the owner, whether
// because of Close, Once, or the transport going away.
func (o *LiveObject[T]) Done() <-chan struct{} {
	return o.done
}

// Close stops following the owner. The last state stays readable.
func (o *LiveObject[T]) Close() {
	o.cancel()
	o.sub.Close()
	<-o.done
}

// requestInitial asks the owner for the current value, once, while loading.
func (o *LiveObject[T]) requestInitial(ctx context.Context, tr transport.Transport) {
	if !o.State().IsLoading() {
		return
	}
	if err := tr.Emit(ctx, channels.Init(o.id), nil); err != nil && ctx.Err() == nil {
		o.log.Warn("request %s: %v", o.id, err)
	}
}

func (o *LiveObject[T]) decodeLoop(values *observed.Sender[T]) {
	defer o.wg.Done()
	defer values.Close()

	for payload := range o.sub.C() {
		var value T
		if err := json.Unmarshal(payload, &value); err != nil {
			o.log.Error("decode %s: %v", o.id, err)
			o.sub.Close()
			return
		}
		values.Send(value)
	}
}

func (o *LiveObject[T]) stateLoop(ctx context.Context, latest *observed.Receiver[T], settings LiveObjectSettings) {
	defer o.wg.Done()

	for {
		if err := latest.Changed(ctx); err != nil {
			return
		}
		o.states.Send(Data(latest.BorrowAndUpdate()))

		if settings.Once {
			o.sub.Close()
			return
		}
		if settings.MinUpdateInterval > 0 && !sleep(ctx, settings.MinUpdateInterval) {
			return
		}
	}
}

func (o *LiveObject[T]) assertDiscoverable(ctx context.Context, tr transport.Transport) {
	defer o.wg.Done()

	err := CheckDiscovery(ctx, tr, o.id)
	switch {
	case errors.Is(err, ErrObjectNotPublished):
		panic(fmt.Sprintf("hooks: %v; is the owner registering it on its live.Master?", err))
	case err != nil && ctx.Err() == nil:
		o.log.Warn("discovery check for %s: %v", o.id, err)
	}
}

// CheckDiscovery asks the owner for its known objects and reports
// ErrObjectNotPublished if id is not among the first answer.
func CheckDiscovery(ctx context.Context, tr transport.Transport, id types.ObjectID) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sub, err := tr.Listen(ctx, channels.DiscoverResponse)
	if err != nil {
		return fmt.Errorf("listen %s: %w", channels.DiscoverResponse, err)
	}
	defer sub.Close()

	if err := tr.Emit(ctx, channels.DiscoverRequest, nil); err != nil {
		return fmt.Errorf("emit %s: %w", channels.DiscoverRequest, err)
	}

	select {
	case payload, ok := <-sub.C():
		if !ok {
			if err := ctx.Err(); err != nil {
				return err
			}
			return transport.ErrClosed
		}
		var known messages.DiscoveryResponse
		if err := json.Unmarshal(payload, &known); err != nil {
			return fmt.Errorf("decode discovery response: %w", err)
		}
		if !known.Contains(id) {
			return fmt.Errorf("%s: %w", id, ErrObjectNotPublished)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// sleep waits for d and reports false if ctx ended first.
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}
