package rpc

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
)

// ErrDuplicateOp is returned when an operation name is registered twice.
var ErrDuplicateOp = errors.New("operation already handled")

// HandlerFunc serves one invocation. args is the raw JSON the caller sent and
// may be empty. The returned value is JSON encoded into the result.
type HandlerFunc func(ctx context.Context, args json.RawMessage) (any, error)

// Server answers invocations for the operations registered with Handle.
type Server struct {
	rt  runtime.RuntimeInterface
	log *runtime.ServiceLog

	mu       sync.Mutex
	handlers map[string]HandlerFunc
	subs     []*transport.Subscription
	started  bool

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a server with no operations.
func NewServer() *Server {
	return &Server{
		handlers: make(map[string]HandlerFunc),
	}
}

// === Service interface ===

func (s *Server) Name() string {
	return "rpc"
}

func (s *Server) Init(rt runtime.RuntimeInterface, log *runtime.ServiceLog) error {
	s.rt = rt
	s.log = log
	s.ctx, s.cancel = context.WithCancel(rt.Context())
	return nil
}

func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return nil
	}
	s.started = true

	for op, h := range s.handlers {
		if err := s.listenLocked(op, h); err != nil {
			return err
		}
	}
	s.log.Info("serving %d operations", len(s.handlers))
	return nil
}

func (s *Server) Stop() error {
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	subs := s.subs
	s.subs = nil
	s.started = false
	s.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
	s.wg.Wait()
	return nil
}

// === Public API ===

// Handle registers h for op. Operations added after Start are served right away.
func (s *Server) Handle(op string, h HandlerFunc) error {
	if op == "" {
		return errors.New("operation name required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.handlers[op]; ok {
		return fmt.Errorf("%s: %w", op, ErrDuplicateOp)
	}
	s.handlers[op] = h

	if s.started {
		return s.listenLocked(op, h)
	}
	return nil
}

// Ops returns the registered operation names, sorted.
func (s *Server) Ops() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	ops := make([]string, 0, len(s.handlers))
	for op := range s.handlers {
		ops = append(ops, op)
	}
	sort.Strings(ops)
	return ops
}

// === Internals ===

func (s *Server) listenLocked(op string, h HandlerFunc) error {
	sub, err := s.rt.Transport().Listen(s.ctx, channels.Invoke(op))
	if err != nil {
		return fmt.Errorf("listen %s: %w", op, err)
	}
	s.subs = append(s.subs, sub)

	s.wg.Add(1)
	go s.serve(op, h, sub)
	return nil
}

func (s *Server) serve(op string, h HandlerFunc, sub *transport.Subscription) {
	defer s.wg.Done()

	for payload := range sub.C() {
		var inv messages.Invocation
		if err := json.Unmarshal(payload, &inv); err != nil {
			s.log.Warn("%s: dropping undecodable invocation: %v", op, err)
			continue
		}
		if err := inv.Validate(); err != nil {
			s.log.Warn("%s: dropping invalid invocation: %v", op, err)
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.reply(op, &inv, s.call(op, h, inv.Args))
		}()
	}
}

func (s *Server) call(op string, h HandlerFunc, args json.RawMessage) (res messages.InvocationResult) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("%s: handler panicked: %v", op, r)
			res = messages.InvocationResult{Error: fmt.Sprintf("panic: %v", r)}
		}
	}()

	value, err := h(s.ctx, args)
	if err != nil {
		return messages.InvocationResult{Error: err.Error()}
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return messages.InvocationResult{Error: fmt.Sprintf("encode result: %v", err)}
	}
	return messages.InvocationResult{Result: raw}
}

func (s *Server) reply(op string, inv *messages.Invocation, res messages.InvocationResult) {
	res.ID = inv.ID
	payload, err := json.Marshal(&res)
	if err != nil {
		s.log.Error("%s: encode reply: %v", op, err)
		return
	}
	if err := s.rt.Transport().Emit(s.ctx, inv.ReplyTo, payload); err != nil {
		s.log.Warn("%s: reply to %s: %v", op, inv.ReplyTo, err)
	}
}
