// Package logging writes JSON lines with structured fields. Loggers derived with With share one
// output, level and throttle table, so a level change or a suppressed key applies everywhere.
package logging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"velthoric/physsync/internal/config"
)

type contextKey struct{}

var (
	globalMu     sync.RWMutex
	globalLogger = NewTestLogger()
)

// Level represents log verbosity ordering.
type Level int32

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

var levelNames = [...]string{"debug", "info", "warn", "error"}

func (l Level) String() string {
	if l < DebugLevel || l > ErrorLevel {
		return "info"
	}
	return levelNames[l]
}

// ParseLevel maps a configured level name onto a Level. Empty selects info.
func ParseLevel(raw string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return DebugLevel, nil
	case "info", "":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
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

// Uint32 returns a uint32 field; network ids use it.
func Uint32(key string, value uint32) Field { return Field{Key: key, Value: value} }

// Uint64 returns a uint64 field.
func Uint64(key string, value uint64) Field { return Field{Key: key, Value: value} }

// Float64 returns a float64 field.
func Float64(key string, value float64) Field { return Field{Key: key, Value: value} }

// Duration returns a duration field rendered as a Go duration string.
func Duration(key string, value time.Duration) Field { return Field{Key: key, Value: value.String()} }

// Error returns an error field rendered as its message.
func Error(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

// syncWriter is an output that can flush to durable storage.
type syncWriter interface {
	io.Writer
	Sync() error
}

// core is the state shared by a logger and everything derived from it.
type core struct {
	mu     sync.Mutex
	out    syncWriter
	level  atomic.Int32
	gates  *throttles
	now    func() time.Time
	closer io.Closer
}

func (c *core) enabled(level Level) bool { return level >= Level(c.level.Load()) }

// Logger emits JSON lines. A nil *Logger delegates to the process logger.
type Logger struct {
	core   *core
	fields []Field
}

func newLogger(out syncWriter, level Level, fields ...Field) *Logger {
	c := &core{out: out, gates: newThrottles(), now: time.Now}
	c.level.Store(int32(level))
	return &Logger{core: c, fields: fields}
}

// New builds the process logger: JSON lines to a size-rotated file mirrored on stdout.
func New(cfg config.LoggingConfig) (*Logger, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("logging path must be specified")
	}
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	file, err := openRotating(cfg)
	if err != nil {
		return nil, err
	}
	logger := newLogger(teeWriter{file, os.Stdout}, level, String("service", "physsync"))
	logger.core.closer = file
	ReplaceGlobals(logger)
	return logger, nil
}

// NewTestLogger returns a logger that discards output.
func NewTestLogger() *Logger {
	return newLogger(discard{}, DebugLevel)
}

// NewWriterLogger writes JSON lines to w at the given level; tests use it to inspect output.
func NewWriterLogger(w io.Writer, level Level) *Logger {
	return newLogger(plainWriter{w}, level)
}

// ReplaceGlobals swaps the fallback logger used when no logger is passed explicitly.
func ReplaceGlobals(logger *Logger) {
	if logger == nil {
		return
	}
	globalMu.Lock()
	globalLogger = logger
	globalMu.Unlock()
}

// L returns the current process logger.
func L() *Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// With derives a logger carrying additional fields. Later fields win on key collisions.
func (l *Logger) With(fields ...Field) *Logger {
	if l == nil {
		return L().With(fields...)
	}
	merged := make([]Field, 0, len(l.fields)+len(fields))
	merged = append(merged, l.fields...)
	merged = append(merged, fields...)
	return &Logger{core: l.core, fields: merged}
}

// SetLevel changes the threshold for this logger and every logger sharing its output.
func (l *Logger) SetLevel(level Level) {
	if l == nil {
		return
	}
	l.core.level.Store(int32(level))
}

// Enabled reports whether a message at level would be written.
func (l *Logger) Enabled(level Level) bool {
	if l == nil {
		return L().Enabled(level)
	}
	return l.core.enabled(level)
}

// Sync flushes buffered output to durable storage.
func (l *Logger) Sync() error {
	if l == nil {
		return nil
	}
	l.core.mu.Lock()
	defer l.core.mu.Unlock()
	return l.core.out.Sync()
}

// Close flushes and releases the log file, if any.
func (l *Logger) Close() error {
	if l == nil || l.core.closer == nil {
		return nil
	}
	_ = l.Sync()
	return l.core.closer.Close()
}

// Debug logs a debug message.
func (l *Logger) Debug(message string, fields ...Field) { l.log(DebugLevel, message, fields) }

// Info logs an informational message.
func (l *Logger) Info(message string, fields ...Field) { l.log(InfoLevel, message, fields) }

// Warn logs a warning message.
func (l *Logger) Warn(message string, fields ...Field) { l.log(WarnLevel, message, fields) }

// Error logs an error message.
func (l *Logger) Error(message string, fields ...Field) { l.log(ErrorLevel, message, fields) }

func (l *Logger) log(level Level, message string, fields []Field) {
	if l == nil {
		L().log(level, message, fields)
		return
	}
	if !l.core.enabled(level) {
		return
	}
	l.write(level, message, fields)
}

func (l *Logger) write(level Level, message string, fields []Field) {
	entry := make(map[string]any, len(l.fields)+len(fields)+3)
	for _, f := range l.fields {
		entry[f.Key] = f.Value
	}
	for _, f := range fields {
		entry[f.Key] = f.Value
	}
	//1.- Reserved keys are set last so fields cannot mask them.
	entry["timestamp"] = l.core.now().UTC().Format(time.RFC3339Nano)
	entry["level"] = level.String()
	entry["message"] = message
	line, err := json.Marshal(entry)
	if err != nil {
		line, _ = json.Marshal(map[string]any{"level": "error", "message": "unencodable log entry", "error": err.Error()})
	}
	l.core.mu.Lock()
	defer l.core.mu.Unlock()
	_, _ = l.core.out.Write(append(line, '\n'))
}

// ContextWithLogger stores a logger in ctx.
func ContextWithLogger(ctx context.Context, logger *Logger) context.Context {
	if logger == nil {
		return ctx
	}
	return context.WithValue(ctx, contextKey{}, logger)
}

// LoggerFromContext retrieves the logger stored in ctx or the process logger.
func LoggerFromContext(ctx context.Context) *Logger {
	if ctx == nil {
		return L()
	}
	if logger, ok := ctx.Value(contextKey{}).(*Logger); ok && logger != nil {
		return logger
	}
	return L()
}

// teeWriter mirrors every line to all outputs, returning the first failure.
type teeWriter []syncWriter

func (t teeWriter) Write(p []byte) (int, error) {
	for _, w := range t {
		if _, err := w.Write(p); err != nil {
			return 0, err
		}
	}
	return len(p), nil
}

func (t teeWriter) Sync() error {
	var errs []error
	for _, w := range t {
		if err := w.Sync(); err != nil && !errors.Is(err, os.ErrInvalid) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

type plainWriter struct{ io.Writer }

func (plainWriter) Sync() error { return nil }

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }
func (discard) Sync() error                 { return nil }
