package transport

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eljojo/livesync/types"
	"github.com/sirupsen/logrus"
)

const defaultSubscriberBufferSize = 128
const defaultWriteTimeout = 5 * time.Second

// BusOptions tunes a Bus.
type BusOptions struct {
	Name                 string
	SubscriberBufferSize int
	// WriteTimeout is how long Publish waits on a full subscriber before
	// dropping it. Negative waits forever.
	WriteTimeout time.Duration
}

// Bus fans payloads out to in-process subscribers, keyed by channel.
//
// Delivery to each subscriber is in publish order. A subscriber that stays
// full for longer than the write timeout is dropped and its channel closed,
// so a stuck consumer can't stall the others forever.
type Bus struct {
	mu        sync.Mutex
	channels  map[types.Channel]map[uint64]*subscription
	nextSubID uint64
	closed    bool
	closeOnce sync.Once
	options   BusOptions
	published atomic.Int64
	dropped   atomic.Int64
}

type subscription struct {
	id      uint64
	channel types.Channel
	ch      chan []byte
}

// NewBus creates an empty bus.
func NewBus(opts BusOptions) *Bus {
	if opts.SubscriberBufferSize <= 0 {
		opts.SubscriberBufferSize = defaultSubscriberBufferSize
	}
	if opts.WriteTimeout == 0 {
		opts.WriteTimeout = defaultWriteTimeout
	}
	return &Bus{
		channels: make(map[types.Channel]map[uint64]*subscription),
		options:  opts,
	}
}

// Subscribe registers a subscriber on channel. The returned cancel func
// removes it and closes the channel.
func (b *Bus) Subscribe(channel types.Channel) (<-chan []byte, func()) {
	ch := make(chan []byte, b.options.SubscriberBufferSize)
	id := atomic.AddUint64(&b.nextSubID, 1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	subs, ok := b.channels[channel]
	if !ok {
		subs = make(map[uint64]*subscription)
		b.channels[channel] = subs
	}
	subs[id] = &subscription{id: id, channel: channel, ch: ch}
	b.mu.Unlock()

	return ch, func() {
		b.removeSubscriber(channel, id)
	}
}

// Publish delivers payload to every subscriber of channel and returns how
// many received it.
func (b *Bus) Publish(channel types.Channel, payload []byte) int {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0
	}
	subs := make([]*subscription, 0, len(b.channels[channel]))
	for _, sub := range b.channels[channel] {
		subs = append(subs, sub)
	}
	b.mu.Unlock()

	b.published.Add(1)
	sort.Slice(subs, func(i, j int) bool {
		return subs[i].id < subs[j].id
	})

	delivered := 0
	for _, sub := range subs {
		if b.send(sub, payload) {
			delivered++
		}
	}
	return delivered
}

// Close ends every subscription. Later Subscribe calls get a closed channel.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		b.mu.Lock()
		b.closed = true
		channels := b.channels
		b.channels = make(map[types.Channel]map[uint64]*subscription)
		b.mu.Unlock()

		for _, subs := range channels {
			for _, sub := range subs {
				close(sub.ch)
			}
		}
	})
}

// IsClosed reports whether Close was called.
func (b *Bus) IsClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// SubscriberCount returns the number of subscribers on channel.
func (b *Bus) SubscriberCount(channel types.Channel) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.channels[channel])
}

// Channels returns every channel with at least one subscriber, sorted.
func (b *Bus) Channels() []types.Channel {
	b.mu.Lock()
	channels := make([]types.Channel, 0, len(b.channels))
	for channel := range b.channels {
		channels = append(channels, channel)
	}
	b.mu.Unlock()

	sort.Slice(channels, func(i, j int) bool {
		return channels[i] < channels[j]
	})
	return channels
}

func (b *Bus) send(sub *subscription, payload []byte) (delivered bool) {
	defer func() {
		// the subscriber was closed between snapshot and send
		if recover() != nil {
			delivered = false
		}
	}()

	select {
	case sub.ch <- payload:
		return true
	default:
	}

	start := time.Now()
	if b.options.WriteTimeout < 0 {
		sub.ch <- payload
		return true
	}

	timer := time.NewTimer(b.options.WriteTimeout)
	defer timer.Stop()
	select {
	case sub.ch <- payload:
		return true
	case <-timer.C:
	}

	b.dropped.Add(1)
	logrus.Warnf("[%s] subscriber on %s blocked for %s, dropping it", b.busName(), sub.channel, time.Since(start))
	b.removeSubscriber(sub.channel, sub.id)
	return false
}

func (b *Bus) removeSubscriber(channel types.Channel, id uint64) {
	var ch chan []byte
	b.mu.Lock()
	if subs, ok := b.channels[channel]; ok {
		if sub, ok := subs[id]; ok {
			ch = sub.ch
			delete(subs, id)
		}
		if len(subs) == 0 {
			delete(b.channels, channel)
		}
	}
	b.mu.Unlock()

	if ch != nil {
		close(ch)
	}
}

func (b *Bus) busName() string {
	if b.options.Name == "" {
		return "bus"
	}
	return b.options.Name
}
