package fetchkit

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the structured logging interface used throughout the package.
// keysAndValues are alternating key / value pairs.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// DebugConfig selects which parts of the pipeline emit debug logs.
type DebugConfig struct {
	Enabled     bool
	LogRequests bool
	LogCache    bool
	LogRetries  bool
	LogDedup    bool
	LogStore    bool
}

// DefaultDebugConfig returns a disabled config with every category selected,
// so enabling it is enough to get full output.
func DefaultDebugConfig() *DebugConfig {
	return &DebugConfig{
		LogRequests: true,
		LogCache:    true,
		LogRetries:  true,
		LogDedup:    true,
		LogStore:    true,
	}
}

type logrusLogger struct {
	entry *logrus.Entry
}

// NewLogrusLogger adapts a logrus logger. A nil logger uses logrus.StandardLogger().
func NewLogrusLogger(l *logrus.Logger) Logger {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return &logrusLogger{entry: logrus.NewEntry(l)}
}

// NewSimpleLogger returns a text logger on stderr at debug level.
func NewSimpleLogger() Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.DebugLevel)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return NewLogrusLogger(l)
}

func (l *logrusLogger) with(keysAndValues []any) *logrus.Entry {
	if len(keysAndValues) == 0 {
		return l.entry
	}
	fields := make(logrus.Fields, len(keysAndValues)/2+1)
	for i := 0; i < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = "invalid_key"
		}
		if i+1 < len(keysAndValues) {
			fields[key] = keysAndValues[i+1]
		} else {
			fields[key] = "(missing)"
		}
	}
	return l.entry.WithFields(fields)
}

func (l *logrusLogger) Debug(msg string, keysAndValues ...any) {
	l.with(keysAndValues).Debug(msg)
}

func (l *logrusLogger) Info(msg string, keysAndValues ...any) {
	l.with(keysAndValues).Info(msg)
}

func (l *logrusLogger) Warn(msg string, keysAndValues ...any) {
	l.with(keysAndValues).Warn(msg)
}

func (l *logrusLogger) Error(msg string, keysAndValues ...any) {
	l.with(keysAndValues).Error(msg)
}

type nopLogger struct{}

// NopLogger discards everything.
func NopLogger() Logger { return nopLogger{} }

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}
