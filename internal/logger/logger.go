// Package logger provides the structured logging interface used throughout
// lvmcore. It mirrors the calling convention of LXD's shared/logger package
// (Info/Debug/Warn/Error plus a Ctx map of fields) on top of logrus.
package logger

import (
	"github.com/sirupsen/logrus"
)

// Ctx is a map of additional context fields attached to a log entry.
type Ctx map[string]interface{}

// Log is the logrus instance backing the package-level helpers. Exposed so
// callers (mainly tests) can swap the output or level.
var Log = logrus.New()

func fields(ctx Ctx) logrus.Fields {
	if ctx == nil {
		return nil
	}

	f := make(logrus.Fields, len(ctx))
	for k, v := range ctx {
		f[k] = v
	}

	return f
}

// Debug logs a debug-level message with optional structured context.
func Debug(msg string, ctx ...Ctx) {
	entry := Log.WithFields(mergeCtx(ctx))
	entry.Debug(msg)
}

// Info logs an info-level message with optional structured context.
func Info(msg string, ctx ...Ctx) {
	entry := Log.WithFields(mergeCtx(ctx))
	entry.Info(msg)
}

// Warn logs a warning-level message with optional structured context.
func Warn(msg string, ctx ...Ctx) {
	entry := Log.WithFields(mergeCtx(ctx))
	entry.Warn(msg)
}

// Error logs an error-level message with optional structured context.
func Error(msg string, ctx ...Ctx) {
	entry := Log.WithFields(mergeCtx(ctx))
	entry.Error(msg)
}

// Internal logs an INTERNAL_ERROR-class message (§7 error kind 5): an
// impossible condition caught by an invariant check.
func Internal(msg string, ctx ...Ctx) {
	merged := mergeCtx(ctx)
	merged["kind"] = "internal"
	Log.WithFields(merged).Error(msg)
}

func mergeCtx(ctx []Ctx) logrus.Fields {
	merged := logrus.Fields{}
	for _, c := range ctx {
		for k, v := range fields(c) {
			merged[k] = v
		}
	}

	return merged
}

// Debugf logs a formatted debug-level message.
func Debugf(format string, args ...interface{}) {
	Log.Debugf(format, args...)
}

// Infof logs a formatted info-level message.
func Infof(format string, args ...interface{}) {
	Log.Infof(format, args...)
}

// Warnf logs a formatted warning-level message.
func Warnf(format string, args ...interface{}) {
	Log.Warnf(format, args...)
}

// Errorf logs a formatted error-level message.
func Errorf(format string, args ...interface{}) {
	Log.Errorf(format, args...)
}
