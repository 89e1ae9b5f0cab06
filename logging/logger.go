// Package logging provides the structured logger used by Service for
// its spawn/dispatch/crash events, following the Logger-interface-
// over-zap pattern in ThreatFlux-libgo's pkg/logger (zap_logger.go,
// interface.go): a small interface so call sites don't depend on zap
// directly, field constructors for structured key/value pairs, and a
// level-configurable constructor.
package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// zapStderr is where Logger writes; a var (not inlined) so tests could
// redirect it if ever needed.
var zapStderr = os.Stderr

// Logger is the structured logging interface used throughout appose.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	With(fields ...Field) Logger
	Sync() error
}

// Field is a structured key/value pair attached to a log line.
type Field struct {
	Key   string
	Value any
}

func String(key, value string) Field  { return Field{Key: key, Value: value} }
func Int(key string, value int) Field { return Field{Key: key, Value: value} }
func Err(err error) Field             { return Field{Key: "error", Value: err} }
func Any(key string, value any) Field { return Field{Key: key, Value: value} }

// Level mirrors zapcore.Level so callers of this package never import zap.
type Level int8

const (
	DebugLevel Level = Level(zapcore.DebugLevel)
	InfoLevel  Level = Level(zapcore.InfoLevel)
	WarnLevel  Level = Level(zapcore.WarnLevel)
	ErrorLevel Level = Level(zapcore.ErrorLevel)
)

type zapLogger struct {
	logger *zap.Logger
}

// New builds a Logger at the given level, writing JSON lines to stderr —
// stdout is reserved for the worker's own line-framed protocol, so
// appose's own logs must never share that stream.
func New(level Level) Logger {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "time"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.Lock(zapcore.AddSync(zapStderr)),
		zapcore.Level(level),
	)
	return &zapLogger{logger: zap.New(core)}
}

// Nop returns a Logger that discards everything, useful for tests.
func Nop() Logger { return &zapLogger{logger: zap.NewNop()} }

func (l *zapLogger) Debug(msg string, fields ...Field) { l.logger.Debug(msg, toZap(fields)...) }
func (l *zapLogger) Info(msg string, fields ...Field)  { l.logger.Info(msg, toZap(fields)...) }
func (l *zapLogger) Warn(msg string, fields ...Field)  { l.logger.Warn(msg, toZap(fields)...) }
func (l *zapLogger) Error(msg string, fields ...Field) { l.logger.Error(msg, toZap(fields)...) }

func (l *zapLogger) With(fields ...Field) Logger {
	return &zapLogger{logger: l.logger.With(toZap(fields)...)}
}

func (l *zapLogger) Sync() error { return l.logger.Sync() }

func toZap(fields []Field) []zap.Field {
	out := make([]zap.Field, len(fields))
	for i, f := range fields {
		out[i] = zap.Any(f.Key, f.Value)
	}
	return out
}
