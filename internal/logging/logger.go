// Package logging provides structured, leveled logging with contextual field
// propagation, backed by zerolog. The public surface (Level, Field, Logger,
// With, trace helpers) mirrors this repository's original hand-rolled logger
// so call sites read identically; only the encoder changed.
package logging

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"killfeed/broker/internal/config"
)

// TraceIDHeader is the canonical HTTP header for propagating trace IDs between services.
const TraceIDHeader = "X-Trace-ID"

// TraceIDField is the canonical structured logging field for trace identifiers.
const TraceIDField = "trace_id"

type contextKey string

var (
	loggerContextKey = contextKey("broker-logger")
	traceContextKey  = contextKey("broker-trace-id")

	globalMu     sync.RWMutex
	globalLogger = newNopLogger()
)

// Level represents log verbosity ordering.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

func (l Level) String() string {
	switch l {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	case FatalLevel:
		return "fatal"
	default:
		return "info"
	}
}

func (l Level) zerolog() zerolog.Level {
	switch l {
	case DebugLevel:
		return zerolog.DebugLevel
	case InfoLevel:
		return zerolog.InfoLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	case FatalLevel:
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

func parseLevel(raw string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return DebugLevel, nil
	case "info", "":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	case "fatal":
		return FatalLevel, nil
	default:
		return InfoLevel, fmt.Errorf("unknown log level %q", raw)
	}
}

// Field represents a structured logging attribute.
type Field struct {
	Key   string
	Value any
}

// String returns a string field.
func String(key, value string) Field { return Field{Key: key, Value: value} }

// Strings returns a string slice field.
func Strings(key string, values []string) Field { return Field{Key: key, Value: values} }

// Int returns an int field.
func Int(key string, value int) Field { return Field{Key: key, Value: value} }

// Int64 returns an int64 field.
func Int64(key string, value int64) Field { return Field{Key: key, Value: value} }

// Bool returns a bool field.
func Bool(key string, value bool) Field { return Field{Key: key, Value: value} }

// Error returns an error field.
func Error(err error) Field { return Field{Key: "error", Value: err} }

// Logger emits structured logs via zerolog with optional contextual fields.
type Logger struct {
	zl    zerolog.Logger
	level Level
}

// New constructs a Logger writing JSON to stdout, and to a file when
// cfg.Path is set, at the configured level.
func New(cfg config.LoggingConfig) (*Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}

	var writer io.Writer = os.Stdout
	if strings.TrimSpace(cfg.Path) != "" {
		file, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, fmt.Errorf("logging: open log path: %w", err)
		}
		writer = zerolog.MultiLevelWriter(os.Stdout, file)
	}

	zl := zerolog.New(writer).Level(level.zerolog()).With().
		Str("service", "killfeed-broker").
		Timestamp().
		Logger()

	logger := &Logger{zl: zl, level: level}
	ReplaceGlobals(logger)
	return logger, nil
}

// NewTestLogger returns a logger that discards output, suitable for tests.
func NewTestLogger() *Logger {
	return newNopLogger()
}

func newNopLogger() *Logger {
	return &Logger{zl: zerolog.New(io.Discard), level: DebugLevel}
}

// ReplaceGlobals swaps the fallback logger used when no context logger is present.
func ReplaceGlobals(logger *Logger) {
	if logger == nil {
		return
	}
	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()
}

// L returns the current global logger.
func L() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// With augments the logger with additional structured fields.
func (l *Logger) With(fields ...Field) *Logger {
	if l == nil {
		return L().With(fields...)
	}
	ctx := l.zl.With()
	for _, field := range fields {
		ctx = applyField(ctx, field)
	}
	return &Logger{zl: ctx.Logger(), level: l.level}
}

func applyField(ctx zerolog.Context, field Field) zerolog.Context {
	switch v := field.Value.(type) {
	case string:
		return ctx.Str(field.Key, v)
	case []string:
		return ctx.Strs(field.Key, v)
	case int:
		return ctx.Int(field.Key, v)
	case int64:
		return ctx.Int64(field.Key, v)
	case bool:
		return ctx.Bool(field.Key, v)
	case error:
		return ctx.AnErr(field.Key, v)
	default:
		return ctx.Interface(field.Key, v)
	}
}

// Sync is a no-op retained for API compatibility; zerolog writers flush synchronously.
func (l *Logger) Sync() error { return nil }

// Debug logs a debug message.
func (l *Logger) Debug(message string, fields ...Field) { l.log(DebugLevel, message, fields...) }

// Info logs an informational message.
func (l *Logger) Info(message string, fields ...Field) { l.log(InfoLevel, message, fields...) }

// Warn logs a warning message.
func (l *Logger) Warn(message string, fields ...Field) { l.log(WarnLevel, message, fields...) }

// Error logs an error message.
func (l *Logger) Error(message string, fields ...Field) { l.log(ErrorLevel, message, fields...) }

// Fatal logs a fatal message and exits the process.
func (l *Logger) Fatal(message string, fields ...Field) { l.log(FatalLevel, message, fields...) }

func (l *Logger) log(level Level, message string, fields ...Field) {
	if l == nil {
		L().log(level, message, fields...)
		return
	}
	var event *zerolog.Event
	switch level {
	case DebugLevel:
		event = l.zl.Debug()
	case InfoLevel:
		event = l.zl.Info()
	case WarnLevel:
		event = l.zl.Warn()
	case ErrorLevel:
		event = l.zl.Error()
	case FatalLevel:
		event = l.zl.Error()
	default:
		event = l.zl.Info()
	}
	for _, field := range fields {
		event = applyEventField(event, field)
	}
	event.Msg(message)
	if level == FatalLevel {
		os.Exit(1)
	}
}

func applyEventField(event *zerolog.Event, field Field) *zerolog.Event {
	switch v := field.Value.(type) {
	case string:
		return event.Str(field.Key, v)
	case []string:
		return event.Strs(field.Key, v)
	case int:
		return event.Int(field.Key, v)
	case int64:
		return event.Int64(field.Key, v)
	case bool:
		return event.Bool(field.Key, v)
	case error:
		return event.AnErr(field.Key, v)
	default:
		return event.Interface(field.Key, v)
	}
}

// ContextWithLogger stores a logger in the provided context.
func ContextWithLogger(ctx context.Context, logger *Logger) context.Context {
	if logger == nil {
		return ctx
	}
	return context.WithValue(ctx, loggerContextKey, logger)
}

// LoggerFromContext retrieves a logger from context or falls back to the global logger.
func LoggerFromContext(ctx context.Context) *Logger {
	if ctx == nil {
		return L()
	}
	if logger, ok := ctx.Value(loggerContextKey).(*Logger); ok && logger != nil {
		return logger
	}
	return L()
}

// ContextWithTraceID stores a trace identifier in context.
func ContextWithTraceID(ctx context.Context, traceID string) context.Context {
	if traceID == "" {
		return ctx
	}
	return context.WithValue(ctx, traceContextKey, traceID)
}

// TraceIDFromContext extracts a trace identifier from context.
func TraceIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if traceID, ok := ctx.Value(traceContextKey).(string); ok {
		return traceID
	}
	return ""
}

// GenerateTraceID creates a new trace identifier.
func GenerateTraceID() string {
	return uuid.NewString()
}

// WithTrace enriches the context with a trace ID and returns the derived logger.
func WithTrace(ctx context.Context, base *Logger, traceID string) (context.Context, *Logger, string) {
	tid := strings.TrimSpace(traceID)
	if tid == "" {
		tid = GenerateTraceID()
	}
	if base == nil {
		base = L()
	}
	derived := base.With(Field{Key: TraceIDField, Value: tid})
	ctx = ContextWithTraceID(ctx, tid)
	ctx = ContextWithLogger(ctx, derived)
	return ctx, derived, tid
}

// HTTPTraceMiddleware ensures every request has a trace identifier propagated through context and headers.
func HTTPTraceMiddleware(base *Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			incoming := strings.TrimSpace(r.Header.Get(TraceIDHeader))
			ctx, logger, traceID := WithTrace(r.Context(), base, incoming)
			r = r.WithContext(ctx)
			w.Header().Set(TraceIDHeader, traceID)
			logger.Debug("request received", String("method", r.Method), String("path", r.URL.Path))
			next.ServeHTTP(w, r)
		})
	}
}
