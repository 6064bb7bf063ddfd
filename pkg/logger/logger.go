// Package logger provides the process-wide structured logger. Call sites tag
// every line with the component that emitted it (dispatch, discord, responder,
// ...) so a single stream stays greppable.
package logger

import (
	"fmt"
	"sort"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap with the component-tagged call surface used across the
// codebase.
type Logger struct {
	z *zap.Logger
}

var global atomic.Pointer[Logger]

func init() {
	global.Store(&Logger{z: zap.NewNop()})
}

// Setup builds and installs the global logger. Level is one of
// debug, info, warn, error.
func Setup(level string) error {
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return fmt.Errorf("parse log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = lvl
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableCaller = true

	z, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}

	global.Store(&Logger{z: z})
	return nil
}

// SetGlobal replaces the global logger (tests).
func SetGlobal(l *Logger) {
	if l != nil {
		global.Store(l)
	}
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return &Logger{z: zap.NewNop()}
}

// Sync flushes buffered log entries.
func Sync() {
	_ = global.Load().z.Sync()
}

func DebugC(component, msg string) { write(zapcore.DebugLevel, component, msg, nil) }
func InfoC(component, msg string)  { write(zapcore.InfoLevel, component, msg, nil) }
func WarnC(component, msg string)  { write(zapcore.WarnLevel, component, msg, nil) }
func ErrorC(component, msg string) { write(zapcore.ErrorLevel, component, msg, nil) }

func DebugCF(component, msg string, fields map[string]interface{}) {
	write(zapcore.DebugLevel, component, msg, fields)
}

func InfoCF(component, msg string, fields map[string]interface{}) {
	write(zapcore.InfoLevel, component, msg, fields)
}

func WarnCF(component, msg string, fields map[string]interface{}) {
	write(zapcore.WarnLevel, component, msg, fields)
}

func ErrorCF(component, msg string, fields map[string]interface{}) {
	write(zapcore.ErrorLevel, component, msg, fields)
}

func write(level zapcore.Level, component, msg string, fields map[string]interface{}) {
	z := global.Load().z
	ce := z.Check(level, msg)
	if ce == nil {
		return
	}

	zf := make([]zap.Field, 0, len(fields)+1)
	zf = append(zf, zap.String("component", component))

	// stable field order
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		zf = append(zf, zap.Any(k, fields[k]))
	}

	ce.Write(zf...)
}
