// Package rpc runs named operations in the owning process on behalf of
// remote callers.
//
// A caller emits a messages.Invocation on live:invoke:{op} and waits for the
// messages.InvocationResult on its own reply channel. Nothing is queued: an
// operation nobody handles simply times out.
package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/eljojo/livesync/channels"
	"github.com/eljojo/livesync/messages"
	"github.com/eljojo/livesync/runtime"
	"github.com/eljojo/livesync/transport"
	"github.com/eljojo/livesync/types"
	"github.com/eljojo/livesync/utilities"
	"github.com/oklog/ulid/v2"
)

// DefaultTimeout is how long Invoke waits for a result when the client was
// built without one.
const DefaultTimeout = 30 * time.Second

// Invoker runs a named remote operation and returns its JSON result.
type Invoker interface {
	Invoke(ctx context.Context, op string, args any) (json.RawMessage, error)
}

// RemoteError is an operation failure reported by the owning process.
type RemoteError struct {
	Op      string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// Client invokes operations over a transport.
type Client struct {
	tr  transport.Transport
	log *runtime.ServiceLog
	id  types.ClientID

	sub   *transport.Subscription
	calls *utilities.Correlator[messages.InvocationResult]

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient allocates a client id and starts listening for results. A zero
// timeout means DefaultTimeout.
func NewClient(rt runtime.RuntimeInterface, timeout time.Duration) (*Client, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	ctx, cancel := context.WithCancel(rt.Context())
	c := &Client{
		tr:     rt.Transport(),
		log:    rt.Log("rpc"),
		id:     types.ClientID(ulid.Make().String()),
		calls:  utilities.NewCorrelator[messages.InvocationResult](timeout),
		cancel: cancel,
	}

	sub, err := c.tr.Listen(ctx, channels.InvokeReply(c.id))
	if err != nil {
		cancel()
		c.calls.Close()
		return nil, fmt.Errorf("listen for results: %w", err)
	}
	c.sub = sub

	c.wg.Add(1)
	go c.receiveLoop()

	return c, nil
}

// ID returns the client id results are addressed to.
func (c *Client) ID() types.ClientID {
	return c.id
}

// Invoke emits an invocation of op and blocks until its result arrives, ctx
// is done, or the client timeout passes.
func (c *Client) Invoke(ctx context.Context, op string, args any) (json.RawMessage, error) {
	inv := messages.Invocation{
		ID:      ulid.Make().String(),
		ReplyTo: channels.InvokeReply(c.id),
	}
	if args != nil {
		raw, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("encode %s args: %w", op, err)
		}
		inv.Args = raw
	}

	payload, err := json.Marshal(&inv)
	if err != nil {
		return nil, fmt.Errorf("encode %s invocation: %w", op, err)
	}

	pending := c.calls.Send(inv.ID, func() error {
		return c.tr.Emit(ctx, channels.Invoke(op), payload)
	})

	select {
	case result := <-pending:
		if result.Err != nil {
			return nil, fmt.Errorf("invoke %s: %w", op, result.Err)
		}
		if result.Response.Error != "" {
			return nil, &RemoteError{Op: op, Message: result.Response.Error}
		}
		return result.Response.Result, nil
	case <-ctx.Done():
		c.calls.Cancel(inv.ID)
		return nil, ctx.Err()
	}
}

// Close stops listening and fails every call still waiting.
func (c *Client) Close() {
	c.cancel()
	c.sub.Close()
	c.wg.Wait()
	c.calls.Close()
}

func (c *Client) receiveLoop() {
	defer c.wg.Done()

	for payload := range c.sub.C() {
		var res messages.InvocationResult
		if err := json.Unmarshal(payload, &res); err != nil {
			c.log.Warn("dropping undecodable result: %v", err)
			continue
		}
		if err := res.Validate(); err != nil {
			c.log.Warn("dropping invalid result: %v", err)
			continue
		}
		if !c.calls.Receive(res.ID, res) {
			c.log.Debug("late result %s", res.ID)
		}
	}
}
