package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/eljojo/livesync/channels"
	"github.com/eljojo/livesync/observed"
	"github.com/eljojo/livesync/runtime"
	"github.com/eljojo/livesync/transport"
	"github.com/eljojo/livesync/types"
	"golang.org/x/sync/errgroup"
)

// Publisher pushes snapshots of one live object to its observers.
//
// It owns two goroutines: the change forwarder and the init responder. A
// snapshot that can't be encoded stops both and is returned by Wait.
type Publisher struct {
	id  types.ObjectID
	tr  transport.Transport
	log *runtime.ServiceLog

	initSub *transport.Subscription
	group   *errgroup.Group
	cancel  context.CancelFunc

	// closes the lock's notifier so the forwarder drains and exits
	closeNotifier func()

	closeOnce sync.Once
	closeErr  error
}

// nextFunc waits for the next change and returns its encoded snapshot.
type nextFunc func(ctx context.Context) ([]byte, error)

// snapshotFunc encodes the current value.
type snapshotFunc func(ctx context.Context) ([]byte, error)

// errEncode marks snapshot encoding failures, which are fatal to a publisher.
var errEncode = errors.New("encode snapshot")

func startPublisher(m *Master, id types.ObjectID, next nextFunc, snapshot snapshotFunc, closeNotifier func()) (*Publisher, error) {
	if err := m.reserve(id); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(m.ctx)
	group, gctx := errgroup.WithContext(ctx)

	p := &Publisher{
		id:            id,
		tr:            m.rt.Transport(),
		log:           m.log,
		group:         group,
		cancel:        cancel,
		closeNotifier: closeNotifier,
	}

	// Subscribed before returning so an init request sent right after
	// registration is never missed.
	sub, err := p.tr.Listen(gctx, channels.Init(id))
	if err != nil {
		cancel()
		m.release(id)
		return nil, fmt.Errorf("listen %s: %w", channels.Init(id), err)
	}
	p.initSub = sub

	group.Go(func() error { return p.forwardChanges(gctx, next) })
	group.Go(func() error { return p.answerInit(gctx, snapshot) })

	m.track(p)
	p.log.Debug("publishing %s", id)
	return p, nil
}

// ObjectID returns the id the object is published under.
func (p *Publisher) ObjectID() types.ObjectID {
	return p.id
}

// Wait blocks until both publisher goroutines have exited and returns the
// encoding error that stopped them, if any.
func (p *Publisher) Wait() error {
	return p.group.Wait()
}

// Close stops publishing and waits for the goroutines. The id stays known.
func (p *Publisher) Close() error {
	p.closeOnce.Do(func() {
		p.closeNotifier()
		p.initSub.Close()
		p.cancel()
		p.closeErr = p.group.Wait()
	})
	return p.closeErr
}

func (p *Publisher) forwardChanges(ctx context.Context, next nextFunc) error {
	for {
		payload, err := next(ctx)
		switch {
		case errors.Is(err, errEncode):
			p.log.Error("%s: %v", p.id, err)
			return err
		case err != nil:
			// notifier closed or publisher stopped
			return nil
		}
		p.emit(ctx, channels.Change(p.id), payload)
	}
}

func (p *Publisher) answerInit(ctx context.Context, snapshot snapshotFunc) error {
	for range p.initSub.C() {
		payload, err := snapshot(ctx)
		switch {
		case errors.Is(err, errEncode):
			p.log.Error("%s: %v", p.id, err)
			return err
		case err != nil:
			return nil
		}
		p.emit(ctx, channels.Change(p.id), payload)
	}
	return nil
}

func (p *Publisher) emit(ctx context.Context, channel types.Channel, payload []byte) {
	if err := p.tr.Emit(ctx, channel, payload); err != nil && ctx.Err() == nil {
		p.log.Warn("emit %s: %v", channel, err)
	}
}

func encode[T any](value T) ([]byte, error) {
	payload, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", errEncode, err)
	}
	return payload, nil
}

// === Registered lock variants ===

// LiveMutex is a change-tracking mutex whose changes are published.
type LiveMutex[T any] struct {
	*observed.Mutex[T]
	*Publisher
}

// Close stops publishing. The mutex itself stays usable.
func (l *LiveMutex[T]) Close() error {
	return l.Publisher.Close()
}

// RegisterMutex registers value under the ObjectID of T and publishes it
// whenever an unlock leaves it different from the last published value.
func RegisterMutex[T comparable](m *Master, value T) (*LiveMutex[T], error) {
	return registerMutex(m, observed.NewMutex(value))
}

// RegisterMutexFunc is RegisterMutex for types compared with equal.
func RegisterMutexFunc[T any](m *Master, value T, equal func(a, b T) bool) (*LiveMutex[T], error) {
	return registerMutex(m, observed.NewMutexFunc(value, equal))
}

func registerMutex[T any](m *Master, mu *observed.Mutex[T]) (*LiveMutex[T], error) {
	rx := mu.Observe()

	next := func(ctx context.Context) ([]byte, error) {
		if err := rx.Changed(ctx); err != nil {
			return nil, err
		}
		return encode(rx.BorrowAndUpdate())
	}
	snapshot := func(context.Context) ([]byte, error) {
		return encode(mu.Latest())
	}

	p, err := startPublisher(m, channels.ObjectIDOf[T](), next, snapshot, mu.Close)
	if err != nil {
		return nil, err
	}
	return &LiveMutex[T]{Mutex: mu, Publisher: p}, nil
}

// LiveRWMutex is a change-tracking rw lock whose changes are published.
type LiveRWMutex[T any] struct {
	*observed.RWMutex[T]
	*Publisher
}

// Close stops publishing. The lock itself stays usable.
func (l *LiveRWMutex[T]) Close() error {
	return l.Publisher.Close()
}

// RegisterRWMutex registers value under the ObjectID of T and publishes it
// after every write.
func RegisterRWMutex[T any](m *Master, value T) (*LiveRWMutex[T], error) {
	mu := observed.NewRWMutex(value)
	rx := mu.Observe()

	snapshot := func(ctx context.Context) ([]byte, error) {
		var payload []byte
		err := mu.Read(ctx, func(value T) error {
			var err error
			payload, err = encode(value)
			return err
		})
		return payload, err
	}
	next := func(ctx context.Context) ([]byte, error) {
		if err := rx.Changed(ctx); err != nil {
			return nil, err
		}
		return snapshot(ctx)
	}

	p, err := startPublisher(m, channels.ObjectIDOf[T](), next, snapshot, mu.Close)
	if err != nil {
		return nil, err
	}
	return &LiveRWMutex[T]{RWMutex: mu, Publisher: p}, nil
}
