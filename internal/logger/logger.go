// Package logger provides process-wide structured logging for the
// gateway, backed by go.uber.org/zap.
package logger

import (
	"os"
	"strconv"
	"sync/atomic"

	"go.uber.org/zap"
)

var singleton atomic.Pointer[zap.SugaredLogger]

// Initialize sets up the process-wide logger. Safe to call more than
// once (e.g. from tests); the last call wins.
func Initialize() {
	var cfg zap.Config
	if devLogs() {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// Fall back to a no-op logger rather than panic: logging must
		// never be the reason the gateway fails to start.
		l = zap.NewNop()
	}
	singleton.Store(l.Sugar())
}

// devLogs reports whether console (human-readable) logging was
// requested via MCPGW_DEV_LOGS, defaulting to structured JSON.
func devLogs() bool {
	v, ok := os.LookupEnv("MCPGW_DEV_LOGS")
	if !ok {
		return false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false
	}
	return b
}

func get() *zap.SugaredLogger {
	l := singleton.Load()
	if l == nil {
		Initialize()
		l = singleton.Load()
	}
	return l
}

// L returns the raw sugared logger for callers that need structured
// fields beyond the printf-style helpers below.
func L() *zap.SugaredLogger {
	return get()
}

// Debugf logs at debug level.
func Debugf(format string, args ...any) {
	get().Debugf(format, args...)
}

// Infof logs at info level.
func Infof(format string, args ...any) {
	get().Infof(format, args...)
}

// Warnf logs at warn level.
func Warnf(format string, args ...any) {
	get().Warnf(format, args...)
}

// Errorf logs at error level.
func Errorf(format string, args ...any) {
	get().Errorf(format, args...)
}

// Info logs a single message at info level.
func Info(msg string) {
	get().Info(msg)
}
