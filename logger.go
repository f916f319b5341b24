// Package utils contains the shared runtime pieces used by the calling packages.
package utils

import (
	"github.com/edaniels/golog"
	"go.uber.org/zap"
)

// Logger is used by various parts of the module for informational/debugging purposes
// when a caller does not supply its own.
var Logger = golog.Global()

// Debug turns on verbose logging of the underlying WebRTC stack.
var Debug = false

// Sublogger returns a named child of the given logger, falling back to the
// package logger when none is given.
func Sublogger(logger golog.Logger, name string) golog.Logger {
	if logger == nil {
		logger = Logger
	}
	return logger.Named(name)
}

// LoggerWithCallerSkip returns a logger that reports the caller skip frames above
// the logging call. Adapters that wrap a logger use this so the reported caller is
// the code that logged, not the adapter.
func LoggerWithCallerSkip(logger golog.Logger, skip int) golog.Logger {
	return logger.Desugar().WithOptions(zap.AddCallerSkip(skip)).Sugar()
}
