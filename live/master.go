// Package live publishes change-tracked values to remote observers.
//
// The owning process registers each replicated value on a Master. The
// Master answers discovery queries with the set of known object ids, and
// every registered value gets a publisher that pushes a JSON snapshot on
// live:change:{id} whenever the value changes and on every live:init:{id}
// request.
package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/eljojo/livesync/channels"
	"github.com/eljojo/livesync/messages"
	"github.com/eljojo/livesync/runtime"
	"github.com/eljojo/livesync/transport"
	"github.com/eljojo/livesync/types"
)

var (
	// ErrAlreadyRegistered is returned when an object id is registered twice.
	ErrAlreadyRegistered = errors.New("live object already registered")
	// ErrNotInitialized is returned when registering on a Master that was
	// never added to a runtime.
	ErrNotInitialized = errors.New("live master not initialized")
)

// Master is the registry of live objects and the discovery responder.
type Master struct {
	rt  runtime.RuntimeInterface
	log *runtime.ServiceLog

	// Known objects (never shrinks)
	mu         sync.RWMutex
	known      map[types.ObjectID]struct{}
	publishers []*Publisher

	discovery *transport.Subscription
	wg        sync.WaitGroup

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
}

// NewMaster creates an empty registry.
func NewMaster() *Master {
	return &Master{
		known: make(map[types.ObjectID]struct{}),
	}
}

// === Service interface ===

func (m *Master) Name() string {
	return "live"
}

func (m *Master) Init(rt runtime.RuntimeInterface, log *runtime.ServiceLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.rt = rt
	m.log = log
	m.ctx, m.cancel = context.WithCancel(rt.Context())
	return nil
}

// Start installs the standing discovery handler.
func (m *Master) Start() error {
	if m.rt == nil {
		return ErrNotInitialized
	}

	sub, err := m.rt.Transport().Listen(m.ctx, channels.DiscoverRequest)
	if err != nil {
		return fmt.Errorf("listen %s: %w", channels.DiscoverRequest, err)
	}
	m.discovery = sub

	m.wg.Add(1)
	go m.answerDiscovery(sub)

	m.log.Info("publishing %d objects", len(m.KnownObjects()))
	return nil
}

// Stop removes the discovery handler and closes every publisher.
func (m *Master) Stop() error {
	if m.cancel != nil {
		m.cancel()
	}
	m.discovery.Close()
	m.wg.Wait()

	m.mu.Lock()
	publishers := m.publishers
	m.publishers = nil
	m.mu.Unlock()

	var errs []error
	for _, p := range publishers {
		if err := p.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// === Public API ===

// KnownObjects returns every registered object id, sorted.
func (m *Master) KnownObjects() []types.ObjectID {
	m.mu.RLock()
	ids := make([]types.ObjectID, 0, len(m.known))
	for id := range m.known {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool {
		return ids[i] < ids[j]
	})
	return ids
}

// IsKnown reports whether id was registered.
func (m *Master) IsKnown(id types.ObjectID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.known[id]
	return ok
}

// === Internals ===

func (m *Master) reserve(id types.ObjectID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.rt == nil {
		return ErrNotInitialized
	}
	if _, ok := m.known[id]; ok {
		return fmt.Errorf("%s: %w", id, ErrAlreadyRegistered)
	}
	m.known[id] = struct{}{}
	return nil
}

// release undoes reserve for a publisher that never started.
func (m *Master) release(id types.ObjectID) {
	m.mu.Lock()
	delete(m.known, id)
	m.mu.Unlock()
}

func (m *Master) track(p *Publisher) {
	m.mu.Lock()
	m.publishers = append(m.publishers, p)
	m.mu.Unlock()
}

func (m *Master) answerDiscovery(sub *transport.Subscription) {
	defer m.wg.Done()

	for range sub.C() {
		payload, err := json.Marshal(messages.DiscoveryResponse(m.KnownObjects()))
		if err != nil {
			m.log.Error("encode discovery response: %v", err)
			continue
		}
		if err := m.rt.Transport().Emit(m.ctx, channels.DiscoverResponse, payload); err != nil {
			if m.ctx.Err() == nil {
				m.log.Warn("answer discovery: %v", err)
			}
		}
	}
}
