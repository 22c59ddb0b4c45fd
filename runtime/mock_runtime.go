package runtime

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/eljojo/livesync/transport"
)

// MockRuntime implements RuntimeInterface for testing services.
//
// It runs on an in-process transport, captures log lines for assertions and
// shuts everything down via t.Cleanup().
type MockRuntime struct {
	t     *testing.T
	local *transport.Local
	env   Environment

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	Logs []string // Captured log lines, "level [service] message"
}

// NewMockRuntime creates a mock runtime with auto-cleanup via t.Cleanup().
func NewMockRuntime(t *testing.T) *MockRuntime {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	mock := &MockRuntime{
		t:      t,
		local:  transport.NewLocal(),
		env:    EnvTest,
		ctx:    ctx,
		cancel: cancel,
	}

	t.Cleanup(func() {
		mock.Stop()
	})

	return mock
}

// SetEnv overrides the environment (EnvTest by default).
func (m *MockRuntime) SetEnv(env Environment) {
	m.env = env
}

// === RuntimeInterface implementation ===

func (m *MockRuntime) Transport() transport.Transport {
	return m.local
}

// Local exposes the in-process transport for listener counts.
func (m *MockRuntime) Local() *transport.Local {
	return m.local
}

func (m *MockRuntime) Context() context.Context {
	return m.ctx
}

func (m *MockRuntime) Log(service string) *ServiceLog {
	return &ServiceLog{name: service, logger: m}
}

func (m *MockRuntime) Env() Environment {
	return m.env
}

// Stop cancels the context and closes the transport.
func (m *MockRuntime) Stop() {
	m.cancel()
	m.local.Close()
}

// LogLines returns a copy of the captured log lines.
func (m *MockRuntime) LogLines() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Logs...)
}

// === LoggerInterface implementation ===

func (m *MockRuntime) Debug(service, format string, args ...any) {
	m.record("debug", service, format, args...)
}

func (m *MockRuntime) Info(service, format string, args ...any) {
	m.record("info", service, format, args...)
}

func (m *MockRuntime) Warn(service, format string, args ...any) {
	m.record("warn", service, format, args...)
}

func (m *MockRuntime) Error(service, format string, args ...any) {
	m.record("error", service, format, args...)
}

func (m *MockRuntime) record(level, service, format string, args ...any) {
	line := fmt.Sprintf("%s [%s] %s", level, service, fmt.Sprintf(format, args...))
	m.mu.Lock()
	m.Logs = append(m.Logs, line)
	m.mu.Unlock()
}
