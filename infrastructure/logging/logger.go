// Package logging provides structured logging with trace/agent ID
// propagation and typed helpers for the marketplace's event vocabulary:
// task transitions, ledger writes, reaper sweeps.
package logging

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ContextKey is the type used for context values the logger reads.
type ContextKey string

const (
	TraceIDKey ContextKey = "trace_id"
	AgentIDKey ContextKey = "agent_id"
)

// Logger wraps logrus.Logger with Pinchwork-specific structured helpers.
type Logger struct {
	*logrus.Logger
	component string
}

// New creates a Logger for the given component ("engine", "reaper", ...).
func New(component, level, format string) *Logger {
	l := logrus.New()

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	l.SetLevel(lvl)

	if format == "json" {
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	} else {
		l.SetFormatter(&logrus.TextFormatter{TimestampFormat: time.RFC3339, FullTimestamp: true})
	}
	l.SetOutput(os.Stdout)

	return &Logger{Logger: l, component: component}
}

// NewFromEnv builds a Logger from LOG_LEVEL/LOG_FORMAT, defaulting to
// info/json when unset.
func NewFromEnv(component string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(component, level, format)
}

// WithContext returns an entry carrying the trace/agent IDs found in ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("component", l.component)
	if traceID := ctx.Value(TraceIDKey); traceID != nil {
		entry = entry.WithField("trace_id", traceID)
	}
	if agentID := ctx.Value(AgentIDKey); agentID != nil {
		entry = entry.WithField("agent_id", agentID)
	}
	return entry
}

// NewTraceID generates a new trace identifier.
func NewTraceID() string { return uuid.New().String() }

// WithTraceID attaches a trace ID to ctx.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, TraceIDKey, traceID)
}

// WithAgentID attaches an agent ID to ctx.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, AgentIDKey, agentID)
}

// LogTransition logs a task status change.
func (l *Logger) LogTransition(ctx context.Context, taskID, from, to, event string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"task_id": taskID,
		"from":    from,
		"to":      to,
		"event":   event,
	}).Info("task transition")
}

// LogLedgerWrite logs a ledger entry being appended.
func (l *Logger) LogLedgerWrite(ctx context.Context, agentID, reason string, amount int64, taskID string) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"agent_id": agentID,
		"reason":   reason,
		"amount":   amount,
		"task_id":  taskID,
	}).Info("ledger write")
}

// LogReaperSweep logs the outcome of one reaper sweep pass.
func (l *Logger) LogReaperSweep(ctx context.Context, sweep string, examined, transitioned, skipped int, dur time.Duration) {
	l.WithContext(ctx).WithFields(logrus.Fields{
		"sweep":        sweep,
		"examined":     examined,
		"transitioned": transitioned,
		"skipped":      skipped,
		"duration_ms":  dur.Milliseconds(),
	}).Info("reaper sweep")
}

// LogError logs an error with context fields.
func (l *Logger) LogError(ctx context.Context, message string, err error) {
	l.WithContext(ctx).WithError(err).Error(message)
}

var defaultLogger *Logger

// InitDefault initializes the package-level default logger.
func InitDefault(component, level, format string) {
	defaultLogger = New(component, level, format)
}

// Default returns the default logger, initializing a fallback if needed.
func Default() *Logger {
	if defaultLogger == nil {
		defaultLogger = New("pinchwork", "info", "json")
	}
	return defaultLogger
}
