package runtime

import (
	"context"
	"fmt"
	"strings"

	"github.com/eljojo/livesync/transport"
	"github.com/sirupsen/logrus"
)

// RuntimeInterface is what services, hooks and rpc clients can access.
//
// This interface prevents circular dependencies and makes it easy
// to create mocks for testing.
type RuntimeInterface interface {
	// Transport every live channel is carried on.
	Transport() transport.Transport

	// Context is cancelled when the runtime stops.
	Context() context.Context

	// Logging (runtime primitive, not a service)
	Log(service string) *ServiceLog

	// Environment
	Env() Environment
}

// Environment enum for runtime behavior.
//
// Like Rails environments - different defaults for different contexts.
type Environment int

const (
	EnvProduction  Environment = iota // Graceful: log errors, don't crash
	EnvDevelopment                    // Loud: self-checks, fail on suspicious things
	EnvTest                           // Strict: panic on errors, catch bugs early
)

func (e Environment) String() string {
	switch e {
	case EnvProduction:
		return "production"
	case EnvDevelopment:
		return "development"
	case EnvTest:
		return "test"
	default:
		return fmt.Sprintf("Environment(%d)", int(e))
	}
}

// ParseEnvironment maps a config string to an Environment. The empty string
// is production.
func ParseEnvironment(s string) (Environment, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "production", "prod":
		return EnvProduction, nil
	case "development", "dev":
		return EnvDevelopment, nil
	case "test":
		return EnvTest, nil
	default:
		return EnvProduction, fmt.Errorf("unknown environment %q", s)
	}
}

// ServiceLog is a logger scoped to a specific service.
//
// Services get this from rt.Log("service_name"). A nil *ServiceLog drops
// everything, so components built without a runtime can still log.
type ServiceLog struct {
	name   string
	logger LoggerInterface
}

// NewServiceLog scopes logger to name. A nil logger means logrus.
func NewServiceLog(name string, logger LoggerInterface) *ServiceLog {
	if logger == nil {
		logger = &Logger{}
	}
	return &ServiceLog{name: name, logger: logger}
}

// Name returns the service name the log is scoped to.
func (l *ServiceLog) Name() string {
	if l == nil {
		return ""
	}
	return l.name
}

// Logger methods forward to the logger with service name prefix
func (l *ServiceLog) Debug(format string, args ...any) {
	if l != nil && l.logger != nil {
		l.logger.Debug(l.name, format, args...)
	}
}

func (l *ServiceLog) Info(format string, args ...any) {
	if l != nil && l.logger != nil {
		l.logger.Info(l.name, format, args...)
	}
}

func (l *ServiceLog) Warn(format string, args ...any) {
	if l != nil && l.logger != nil {
		l.logger.Warn(l.name, format, args...)
	}
}

func (l *ServiceLog) Error(format string, args ...any) {
	if l != nil && l.logger != nil {
		l.logger.Error(l.name, format, args...)
	}
}

// LoggerInterface is the interface that the runtime logger must implement.
// This allows services to log without depending on the concrete logger implementation.
type LoggerInterface interface {
	Debug(service string, format string, args ...any)
	Info(service string, format string, args ...any)
	Warn(service string, format string, args ...any)
	Error(service string, format string, args ...any)
}

// Logger is the default logger implementation that logs to logrus.
// This is used when no custom logger is provided.
type Logger struct{}

// Debug logs a debug message.
func (l *Logger) Debug(service string, format string, args ...any) {
	logrus.Debugf("[%s] "+format, append([]any{service}, args...)...)
}

// Info logs an info message.
func (l *Logger) Info(service string, format string, args ...any) {
	logrus.Infof("[%s] "+format, append([]any{service}, args...)...)
}

// Warn logs a warning message.
func (l *Logger) Warn(service string, format string, args ...any) {
	logrus.Warnf("[%s] "+format, append([]any{service}, args...)...)
}

// Error logs an error message.
func (l *Logger) Error(service string, format string, args ...any) {
	logrus.Errorf("[%s] "+format, append([]any{service}, args...)...)
}

// Service is what all services implement.
//
// Services register with the runtime and get lifecycle callbacks.
type Service interface {
	// Identity
	Name() string

	// Lifecycle
	// Init is called by the runtime with the runtime interface and a logger
	// scoped to this service's name. Services should NOT call rt.Log() themselves.
	Init(rt RuntimeInterface, log *ServiceLog) error
	Start() error
	Stop() error
}
