package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/eljojo/livesync/observed"
	"github.com/eljojo/livesync/rpc"
	"github.com/eljojo/livesync/runtime"
)

// MaxInterval bounds every hook interval; intervals at or above it panic.
const MaxInterval = time.Duration(math.MaxUint32) * time.Millisecond

// CommandSettings tunes UseCommand.
type CommandSettings struct {
	// RevalidationInterval re-runs the operation this often. Zero runs it
	// once. Must be below MaxInterval.
	RevalidationInterval time.Duration

	// Log receives failed calls. Nil logs to logrus under "hooks".
	Log *runtime.ServiceLog
}

// Command holds the latest outcome of a polled remote operation.
type Command[R any] struct {
	op     string
	log    *runtime.ServiceLog
	states *observed.Sender[CommandState[R]]
	cancel context.CancelFunc
	done   chan struct{}
}

// UseCommand invokes op right away and, with a revalidation interval, again
// on every tick until ctx ends or Close is called. Each outcome replaces the
// previous state; failures are not retried before the next tick.
//
// It panics if the interval is not below MaxInterval.
func UseCommand[R any](ctx context.Context, invoker rpc.Invoker, op string, args any, settings CommandSettings) *Command[R] {
	checkInterval("revalidation interval for "+op, settings.RevalidationInterval)

	log := settings.Log
	if log == nil {
		log = runtime.NewServiceLog("hooks", nil)
	}

	ctx, cancel := context.WithCancel(ctx)
	states, _ := observed.NewWatch(CommandLoading[R]())
	c := &Command[R]{
		op:     op,
		log:    log,
		states: states,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go c.poll(ctx, invoker, args, settings.RevalidationInterval)
	return c
}

// State returns the latest outcome.
func (c *Command[R]) State() CommandState[R] {
	return c.states.Borrow()
}

// Updates returns a receiver woken on every new outcome. It reports
// observed.ErrClosed once polling stopped.
func (c *Command[R]) Updates() *observed.Receiver[CommandState[R]] {
	return c.states.Subscribe()
}

// Done is closed once polling stopped.
func (c *Command[R]) Done() <-chan struct{} {
	return c.done
}

// Close stops polling and waits for an in-flight call to give up.
func (c *Command[R]) Close() {
	c.cancel()
	<-c.done
}

func (c *Command[R]) poll(ctx context.Context, invoker rpc.Invoker, args any, interval time.Duration) {
	defer close(c.done)
	defer c.states.Close()

	c.run(ctx, invoker, args)
	if interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.run(ctx, invoker, args)
		case <-ctx.Done():
			return
		}
	}
}

func (c *Command[R]) run(ctx context.Context, invoker rpc.Invoker, args any) {
	raw, err := invoker.Invoke(ctx, c.op, args)
	if ctx.Err() != nil {
		// unmounted mid-call: keep the last outcome
		return
	}
	if err != nil {
		c.log.Debug("%s: %v", c.op, err)
		c.states.Send(CommandError[R](err))
		return
	}

	var value R
	if err := json.Unmarshal(raw, &value); err != nil {
		c.log.Warn("decode %s result: %v", c.op, err)
		c.states.Send(CommandError[R](fmt.Errorf("decode %s result: %w", c.op, err)))
		return
	}
	c.states.Send(CommandData(value))
}

func checkInterval(what string, d time.Duration) {
	if d >= MaxInterval {
		panic(fmt.Sprintf("hooks: %s %s must be below %s", what, d, MaxInterval))
	}
}
