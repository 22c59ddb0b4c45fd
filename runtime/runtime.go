package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/eljojo/livesync/transport"
	"github.com/sirupsen/logrus"
)

// ErrNoTransport is returned by NewRuntime when no transport is configured.
var ErrNoTransport = errors.New("runtime: transport is required")

// Runtime is the core execution environment for services.
//
// It owns the transport handle, the logger and the service lifecycle. It does
// not own the transport itself: whoever built it closes it.
type Runtime struct {
	transport transport.Transport

	// Services
	mu       sync.Mutex
	services []Service
	started  bool

	// Logging
	logger LoggerInterface

	// Environment
	env Environment

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
}

// RuntimeConfig is passed to NewRuntime.
type RuntimeConfig struct {
	Transport   transport.Transport // Required
	Logger      LoggerInterface     // Optional (defaults to logrus)
	Environment Environment         // Default: EnvProduction
}

// NewRuntime creates a new runtime with the given configuration.
func NewRuntime(cfg RuntimeConfig) (*Runtime, error) {
	if cfg.Transport == nil {
		return nil, ErrNoTransport
	}

	ctx, cancel := context.WithCancel(context.Background())

	// Use provided logger or default to simple logger
	logger := cfg.Logger
	if logger == nil {
		logger = &Logger{}
	}

	return &Runtime{
		transport: cfg.Transport,
		logger:    logger,
		env:       cfg.Environment,
		ctx:       ctx,
		cancel:    cancel,
	}, nil
}

// === RuntimeInterface implementation ===

// Transport returns the transport the runtime was built with.
func (rt *Runtime) Transport() transport.Transport {
	return rt.transport
}

// Context is cancelled by Stop.
func (rt *Runtime) Context() context.Context {
	return rt.ctx
}

// Log returns a logger scoped to the given service.
func (rt *Runtime) Log(service string) *ServiceLog {
	return &ServiceLog{
		name:   service,
		logger: rt.logger,
	}
}

// Env returns the runtime environment.
func (rt *Runtime) Env() Environment {
	return rt.env
}

// === Service management ===

// AddService registers a service with the runtime and initializes it right
// away, so it can be used (objects registered, handlers added) before Start.
// Services added after Start are started immediately.
func (rt *Runtime) AddService(svc Service) error {
	log := rt.Log(svc.Name())
	if err := svc.Init(rt, log); err != nil {
		return fmt.Errorf("init %s: %w", svc.Name(), err)
	}
	log.Debug("initialized")

	rt.mu.Lock()
	rt.services = append(rt.services, svc)
	started := rt.started
	rt.mu.Unlock()

	if started {
		if err := svc.Start(); err != nil {
			return fmt.Errorf("start %s: %w", svc.Name(), err)
		}
		log.Info("started")
	}
	return nil
}

// Start starts all services in registration order.
func (rt *Runtime) Start() error {
	rt.mu.Lock()
	if rt.started {
		rt.mu.Unlock()
		return nil
	}
	rt.started = true
	services := append([]Service(nil), rt.services...)
	rt.mu.Unlock()

	for _, svc := range services {
		if err := svc.Start(); err != nil {
			return fmt.Errorf("start %s: %w", svc.Name(), err)
		}
		rt.Log(svc.Name()).Info("started")
	}

	return nil
}

// Stop stops all services in reverse order and cancels the runtime context.
func (rt *Runtime) Stop() error {
	rt.cancel()

	rt.mu.Lock()
	services := rt.services
	rt.services = nil
	rt.started = false
	rt.mu.Unlock()

	var errs []error
	for i := len(services) - 1; i >= 0; i-- {
		svc := services[i]
		if err := svc.Stop(); err != nil {
			logrus.Warnf("[runtime] stop %s: %v", svc.Name(), err)
			errs = append(errs, fmt.Errorf("stop %s: %w", svc.Name(), err))
		} else {
			rt.Log(svc.Name()).Info("stopped")
		}
	}

	return errors.Join(errs...)
}
