// Package logger provides structured logging shared by every subsystem of
// the scan orchestration core.
package logger

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ContextKey namespaces values stored on a context.Context.
type ContextKey string

const (
	TraceIDKey   ContextKey = "trace_id"
	PrincipalKey ContextKey = "principal"
	TaskIDKey    ContextKey = "task_id"
)

// Logger wraps logrus.Logger with the service name baked into every entry.
type Logger struct {
	*logrus.Logger
	service string
}

// Config controls level/format, mirroring LOG_LEVEL / LOG_FORMAT.
type Config struct {
	Level  string
	Format string
}

// New creates a Logger for the named component.
func New(service string, cfg Config) *Logger {
	l := logrus.New()

	level, err := logrus.ParseLevel(strings.TrimSpace(cfg.Level))
	if err != nil {
		level = logrus.InfoLevel
	}
	l.SetLevel(level)

	if strings.ToLower(cfg.Format) == "text" {
		l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339})
	} else {
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	}
	l.SetOutput(os.Stdout)

	return &Logger{Logger: l, service: service}
}

// NewFromEnv builds a Logger using LOG_LEVEL / LOG_FORMAT, defaulting to
// info/json when unset.
func NewFromEnv(service string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(service, Config{Level: level, Format: format})
}

// NewDefault returns a reasonable logger for tests and zero-config paths.
func NewDefault(service string) *Logger {
	return New(service, Config{Level: "info", Format: "text"})
}

// WithContext returns an entry carrying trace id, principal, and task id
// attached to the context, if present.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("service", l.service)
	if ctx == nil {
		return entry
	}
	if v := ctx.Value(TraceIDKey); v != nil {
		entry = entry.WithField("trace_id", v)
	}
	if v := ctx.Value(PrincipalKey); v != nil {
		entry = entry.WithField("principal", v)
	}
	if v := ctx.Value(TaskIDKey); v != nil {
		entry = entry.WithField("task_id", v)
	}
	return entry
}

// WithField proxies logrus.WithField, scoped to this logger's service name.
func (l *Logger) WithField(key string, value interface{}) *logrus.Entry {
	return l.Logger.WithField("service", l.service).WithField(key, value)
}
