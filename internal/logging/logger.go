package logging

import (
	"fmt"
	"reflect"

	"scout/internal/observability"
)

// Logger is the printf-style contract every scout component logs through.
// Tests pass Nop or a recorder; production code gets a component logger.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// IsNil reports whether logger is nil or a typed nil pointer.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	val := reflect.ValueOf(logger)
	return val.Kind() == reflect.Ptr && val.IsNil()
}

// OrNop returns logger when usable, otherwise Nop.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}

// NewComponentLogger returns the process logger tagged with component.
func NewComponentLogger(component string) Logger {
	return FromObservability(observability.Default(), component)
}

// componentLogger formats printf call sites and emits them as slog records
// carrying the component and, once scoped, the session id as attributes.
type componentLogger struct {
	logger *observability.Logger
}

// FromObservability adapts a structured logger, tagging records with
// component when it is set.
func FromObservability(logger *observability.Logger, component string) Logger {
	if logger == nil {
		return Nop()
	}
	if component != "" {
		logger = logger.With("component", component)
	}
	return &componentLogger{logger: logger}
}

func (l *componentLogger) Debug(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *componentLogger) Info(format string, args ...any) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *componentLogger) Warn(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *componentLogger) Error(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

// ForSession scopes logger to one research session. Component loggers gain a
// session_id attribute; any other logger gets a "[session]" prefix.
func ForSession(logger Logger, sessionID string) Logger {
	logger = OrNop(logger)
	if sessionID == "" {
		return logger
	}
	switch l := logger.(type) {
	case nopLogger:
		return l
	case *componentLogger:
		return &componentLogger{logger: l.logger.With("session_id", sessionID)}
	case *sessionLogger:
		return &sessionLogger{logger: l.logger, prefix: "[" + sessionID + "] "}
	default:
		return &sessionLogger{logger: logger, prefix: "[" + sessionID + "] "}
	}
}

type sessionLogger struct {
	logger Logger
	prefix string
}

func (l *sessionLogger) Debug(format string, args ...any) {
	l.logger.Debug(l.prefix+format, args...)
}

func (l *sessionLogger) Info(format string, args ...any) {
	l.logger.Info(l.prefix+format, args...)
}

func (l *sessionLogger) Warn(format string, args ...any) {
	l.logger.Warn(l.prefix+format, args...)
}

func (l *sessionLogger) Error(format string, args ...any) {
	l.logger.Error(l.prefix+format, args...)
}
