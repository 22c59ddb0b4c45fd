package transport

import (
	"context"

	"github.com/eljojo/livesync/types"
)

// Local is an in-process Transport. Owner and observers sharing one Local
// behave like peers on a real bus; it is what the tests run on.
type Local struct {
	bus *Bus
}

// NewLocal creates an in-process transport.
func NewLocal() *Local {
	return &Local{bus: NewBus(BusOptions{Name: "local"})}
}

// Emit delivers payload to every listener of channel.
func (l *Local) Emit(ctx context.Context, channel types.Channel, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if l.bus.IsClosed() {
		return ErrClosed
	}
	l.bus.Publish(channel, payload)
	return nil
}

// Listen subscribes to channel.
func (l *Local) Listen(ctx context.Context, channel types.Channel) (*Subscription, error) {
	if l.bus.IsClosed() {
		return nil, ErrClosed
	}
	c, cancel := l.bus.Subscribe(channel)
	return newSubscription(ctx, channel, c, cancel), nil
}

// Close ends every subscription.
func (l *Local) Close() error {
	l.bus.Close()
	return nil
}

// Listeners returns the number of active subscriptions on channel.
func (l *Local) Listeners(channel types.Channel) int {
	return l.bus.SubscriberCount(channel)
}
