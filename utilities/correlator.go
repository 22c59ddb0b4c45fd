package utilities

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"github.com/sirupsen/logrus"
)

// Correlator tracks pending requests and matches responses.
//
// This is a generic utility for request/response patterns over a
// broadcast transport: the caller picks a request id, emits the request,
// and whoever handles the reply channel calls Receive with that id.
//
// Example:
//
//	calls := utilities.NewCorrelator[messages.InvocationResult](30 * time.Second)
//	defer calls.Close()
//
//	result := <-calls.Send(id, func() error {
//	    return tr.Emit(ctx, channels.Invoke(op), payload)
//	})
type Correlator[Resp any] struct {
	pending *ttlcache.Cache[string, chan Result[Resp]]
	timeout time.Duration
	once    sync.Once
}

// Result is returned by Send.
type Result[Resp any] struct {
	Response Resp
	Err      error // ErrTimeout if no response in time
}

// ErrTimeout is returned when a request times out.
var ErrTimeout = errors.New("request timed out")

// ErrCorrelatorClosed is delivered to requests still pending at Close.
var ErrCorrelatorClosed = errors.New("correlator closed")

// NewCorrelator creates a correlator with the given timeout.
func NewCorrelator[Resp any](timeout time.Duration) *Correlator[Resp] {
	pending := ttlcache.New[string, chan Result[Resp]](
		ttlcache.WithTTL[string, chan Result[Resp]](timeout),
		ttlcache.WithDisableTouchOnHit[string, chan Result[Resp]](),
	)

	// Deletions are Receive/Cancel/Close handing the channel over; only
	// expiry needs answering here.
	pending.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, chan Result[Resp]]) {
		if reason == ttlcache.EvictionReasonExpired {
			item.Value() <- Result[Resp]{Err: ErrTimeout}
		}
	})

	go pending.Start() // Clean up timed-out requests

	return &Correlator[Resp]{
		pending: pending,
		timeout: timeout,
	}
}

// Timeout returns how long a request waits for its response.
func (c *Correlator[Resp]) Timeout() time.Duration {
	return c.timeout
}

// Send registers id, calls emit, and returns a channel for the response.
//
// The channel receives exactly one Result: the response, ErrTimeout, the
// emit error, or ErrCorrelatorClosed.
func (c *Correlator[Resp]) Send(id string, emit func() error) <-chan Result[Resp] {
	ch := make(chan Result[Resp], 1)
	c.pending.Set(id, ch, ttlcache.DefaultTTL)

	if err := emit(); err != nil {
		// Failed to emit - clean up and return error
		if _, ok := c.pending.GetAndDelete(id); ok {
			ch <- Result[Resp]{Err: err}
		}
	}

	return ch
}

// Receive is called when a response arrives - matches it to pending request.
//
// Returns true if the response matched a pending request, false otherwise.
func (c *Correlator[Resp]) Receive(requestID string, resp Resp) bool {
	item, ok := c.pending.GetAndDelete(requestID)
	if !ok {
		logrus.Debugf("[correlator] response for %s not found (%d pending)", requestID, c.pending.Len())
		return false // No pending request (late response, already timed out)
	}
	item.Value() <- Result[Resp]{Response: resp}
	return true
}

// Cancel forgets a pending request without answering it.
func (c *Correlator[Resp]) Cancel(requestID string) {
	c.pending.Delete(requestID)
}

// Pending returns the number of requests waiting for a response.
func (c *Correlator[Resp]) Pending() int {
	return c.pending.Len()
}

// Close stops the expiry loop and fails every pending request.
func (c *Correlator[Resp]) Close() {
	c.once.Do(c.pending.Stop)
	for _, id := range c.pending.Keys() {
		if item, ok := c.pending.GetAndDelete(id); ok {
			item.Value() <- Result[Resp]{Err: ErrCorrelatorClosed}
		}
	}
}
