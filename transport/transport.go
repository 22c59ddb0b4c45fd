// Package transport carries named channel traffic between an owning process
// and its observers.
//
// A Transport only moves opaque payloads: Emit publishes on a channel, Listen
// returns an ordered stream of everything published on it afterwards. A
// subscription's channel closes when the transport goes away, which is the
// only way "peer gone" is ever reported.
package transport

import (
	"context"
	"errors"
	"sync"

	"github.com/eljojo/livesync/types"
)

// ErrClosed is returned when emitting or listening on a closed transport.
var ErrClosed = errors.New("transport closed")

// Transport is a named publish/subscribe bus between one owner and its observers.
type Transport interface {
	// Emit publishes payload on channel. A nil payload means "no payload".
	Emit(ctx context.Context, channel types.Channel, payload []byte) error

	// Listen subscribes to channel. The subscription ends when ctx is done,
	// when Close is called on it, or when the transport closes.
	Listen(ctx context.Context, channel types.Channel) (*Subscription, error)

	// Close tears down the transport and ends every subscription.
	Close() error
}

// Subscription is an ordered stream of payloads from one channel.
type Subscription struct {
	channel types.Channel
	c       <-chan []byte
	cancel  func()
	stop    func() bool
	once    sync.Once
}

func newSubscription(ctx context.Context, channel types.Channel, c <-chan []byte, cancel func()) *Subscription {
	sub := &Subscription{
		channel: channel,
		c:       c,
		cancel:  cancel,
	}
	if ctx != nil && ctx.Done() != nil {
		sub.stop = context.AfterFunc(ctx, sub.Close)
	}
	return sub
}

// Channel returns the subscribed channel name.
func (s *Subscription) Channel() types.Channel {
	return s.channel
}

// C returns the payload stream. It is closed once the subscription ends.
func (s *Subscription) C() <-chan []byte {
	return s.c
}

// Close ends the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.stop != nil {
			s.stop()
		}
		if s.cancel != nil {
			s.cancel()
		}
	})
}
