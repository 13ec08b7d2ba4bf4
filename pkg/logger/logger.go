// Package logger provides structured logging for the gamification engine.
// It keeps a small Field-based API on top of logrus so callers never import
// logrus directly.
package logger

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Level is the minimum severity a Logger emits.
type Level = log.Level

const (
	LevelDebug = log.DebugLevel
	LevelInfo  = log.InfoLevel
	LevelWarn  = log.WarnLevel
	LevelError = log.ErrorLevel
)

// ParseLevel accepts debug, info, warn(ing) and error in any case.
// Anything else is info.
func ParseLevel(s string) Level {
	lvl, err := log.ParseLevel(strings.TrimSpace(s))
	if err != nil || lvl > log.DebugLevel {
		return LevelInfo
	}
	if lvl < log.ErrorLevel {
		return LevelError
	}
	return lvl
}

// Field is one structured key/value pair.
type Field struct {
	Key   string
	Value any
}

func String(key, value string) Field      { return Field{Key: key, Value: value} }
func Int(key string, value int) Field     { return Field{Key: key, Value: value} }
func Int64(key string, value int64) Field { return Field{Key: key, Value: value} }
func Bool(key string, value bool) Field   { return Field{Key: key, Value: value} }
func Any(key string, value any) Field     { return Field{Key: key, Value: value} }

// Err records err.Error() under "error"; a nil error records null.
func Err(err error) Field {
	if err == nil {
		return Field{Key: log.ErrorKey}
	}
	return Field{Key: log.ErrorKey, Value: err.Error()}
}

func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value.String()}
}

// Logger wraps a logrus entry carrying the accumulated fields.
type Logger struct {
	entry *log.Entry
}

// Options configures New.
type Options struct {
	Output io.Writer
	Level  Level
	// Format is "json" (default) or "text".
	Format string
}

// New builds a logger on its own logrus instance.
func New(opts Options) *Logger {
	base := log.New()
	if opts.Output != nil {
		base.SetOutput(opts.Output)
	} else {
		base.SetOutput(os.Stdout)
	}
	base.SetLevel(opts.Level)

	switch strings.ToLower(opts.Format) {
	case "text":
		base.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	default:
		base.SetFormatter(&log.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	}
	return &Logger{entry: log.NewEntry(base)}
}

// Default is JSON at info level on stdout.
func Default() *Logger {
	return New(Options{Level: LevelInfo})
}

// Discard drops everything. Used by tests.
func Discard() *Logger {
	return New(Options{Output: io.Discard, Level: log.PanicLevel})
}

// With returns a child logger carrying the extra fields.
func (l *Logger) With(fields ...Field) *Logger {
	return &Logger{entry: l.entry.WithFields(toFields(fields))}
}

func toFields(fields []Field) log.Fields {
	out := make(log.Fields, len(fields))
	for _, f := range fields {
		out[f.Key] = f.Value
	}
	return out
}

func (l *Logger) emit(level Level, msg string, fields []Field) {
	if !l.entry.Logger.IsLevelEnabled(level) {
		return
	}
	e := l.entry
	if len(fields) > 0 {
		e = e.WithFields(toFields(fields))
	}
	e.Log(level, msg)
}

func (l *Logger) Debug(msg string, fields ...Field) { l.emit(LevelDebug, msg, fields) }
func (l *Logger) Info(msg string, fields ...Field)  { l.emit(LevelInfo, msg, fields) }
func (l *Logger) Warn(msg string, fields ...Field)  { l.emit(LevelWarn, msg, fields) }
func (l *Logger) Error(msg string, fields ...Field) { l.emit(LevelError, msg, fields) }

type ctxKey struct{}

// WithContext attaches l to ctx. The HTTP request logger does this per request.
func WithContext(ctx context.Context, l *Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the request logger, or Default when there is none.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(ctxKey{}).(*Logger); ok {
		return l
	}
	return Default()
}

// WithRequestID tags every entry with the request or correlation id.
func (l *Logger) WithRequestID(requestID string) *Logger {
	return l.With(String("request_id", requestID))
}

// Engine field helpers.
func UserID(id string) Field        { return String("user_id", id) }
func BadgeID(id string) Field       { return String("badge_id", id) }
func Points(p int64) Field          { return Int64("points", p) }
func Component(name string) Field   { return String("component", name) }
func Latency(d time.Duration) Field { return Duration("latency", d) }
