package rtc

import (
	"github.com/edaniels/golog"
	"github.com/pion/logging"

	"go.cribnosh.com/utils"
)

// LoggerFactory wraps a golog.Logger for use with pion's logging system.
type LoggerFactory struct {
	Logger golog.Logger
}

type pionLogger struct {
	logger golog.Logger
}

func (l pionLogger) Trace(msg string) {
	l.logger.Debug(msg)
}

func (l pionLogger) Tracef(format string, args ...interface{}) {
	l.logger.Debugf(format, args...)
}

func (l pionLogger) Debug(msg string) {
	l.logger.Debug(msg)
}

func (l pionLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debugf(format, args...)
}

func (l pionLogger) Info(msg string) {
	l.logger.Info(msg)
}

func (l pionLogger) Infof(format string, args ...interface{}) {
	l.logger.Infof(format, args...)
}

func (l pionLogger) Warn(msg string) {
	l.logger.Warn(msg)
}

func (l pionLogger) Warnf(format string, args ...interface{}) {
	l.logger.Warnf(format, args...)
}

func (l pionLogger) Error(msg string) {
	l.logger.Error(msg)
}

func (l pionLogger) Errorf(format string, args ...interface{}) {
	l.logger.Errorf(format, args...)
}

// NewLogger returns a new pion logger under the given scope.
func (lf LoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return pionLogger{utils.LoggerWithCallerSkip(lf.Logger.Named(scope), 1)}
}
