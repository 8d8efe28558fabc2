// Package logger provides the structured logging facade used across the
// pipeline. It is a thin layer over zap so components depend on a small
// interface instead of a concrete logging library.
package logger

import (
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Field is a typed key/value pair attached to a log entry.
type Field = zap.Field

// Logger is the logging interface injected into every component.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	With(fields ...Field) Logger
}

// Field constructors. These mirror the zap helpers so call sites read
// uniformly regardless of the backing implementation.

func String(key, val string) Field            { return zap.String(key, val) }
func Strings(key string, val []string) Field  { return zap.Strings(key, val) }
func Int(key string, val int) Field           { return zap.Int(key, val) }
func Int64(key string, val int64) Field       { return zap.Int64(key, val) }
func Uint64(key string, val uint64) Field     { return zap.Uint64(key, val) }
func Float64(key string, val float64) Field   { return zap.Float64(key, val) }
func Bool(key string, val bool) Field         { return zap.Bool(key, val) }
func Duration(key string, val time.Duration) Field { return zap.Duration(key, val) }
func Time(key string, val time.Time) Field    { return zap.Time(key, val) }
func Any(key string, val any) Field           { return zap.Any(key, val) }
func Error(err error) Field                   { return zap.Error(err) }

type zapLogger struct {
	l *zap.Logger
}

// NewZap creates a production logger at the given level ("debug", "info",
// "warn", "error"). Development mode switches to the console encoder.
func NewZap(level string, development bool) (Logger, error) {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}
	return &zapLogger{l: l}, nil
}

// NewNop returns a logger that discards everything. Used in tests.
func NewNop() Logger {
	return &zapLogger{l: zap.NewNop()}
}

func (z *zapLogger) Debug(msg string, fields ...Field) { z.l.Debug(msg, fields...) }
func (z *zapLogger) Info(msg string, fields ...Field)  { z.l.Info(msg, fields...) }
func (z *zapLogger) Warn(msg string, fields ...Field)  { z.l.Warn(msg, fields...) }
func (z *zapLogger) Error(msg string, fields ...Field) { z.l.Error(msg, fields...) }

func (z *zapLogger) With(fields ...Field) Logger {
	return &zapLogger{l: z.l.With(fields...)}
}

// Sync flushes buffered entries on the underlying zap logger, if any.
func Sync(log Logger) {
	if z, ok := log.(*zapLogger); ok {
		_ = z.l.Sync()
	}
}
