package logger

import (
	"fmt"

	"github.com/pion/logging"
)

// Factory hands out pion LeveledLoggers that write through this package, so
// components built around logging.LoggerFactory share one output and level.
type Factory struct {
	Prefix string
}

// NewFactory returns a LoggerFactory whose loggers are tagged with prefix
func NewFactory(prefix string) *Factory {
	return &Factory{Prefix: prefix}
}

// NewLogger implements logging.LoggerFactory
func (f *Factory) NewLogger(scope string) logging.LeveledLogger {
	prefix := scope
	if f.Prefix != "" {
		prefix = fmt.Sprintf("%s %s", f.Prefix, scope)
	}
	return &scopedLogger{prefix: prefix}
}

type scopedLogger struct {
	prefix string
}

func (l *scopedLogger) Trace(msg string) { log(TRACE, l.prefix, "%s", msg) }
func (l *scopedLogger) Tracef(format string, args ...interface{}) {
	log(TRACE, l.prefix, format, args...)
}
func (l *scopedLogger) Debug(msg string) { log(DEBUG, l.prefix, "%s", msg) }
func (l *scopedLogger) Debugf(format string, args ...interface{}) {
	log(DEBUG, l.prefix, format, args...)
}
func (l *scopedLogger) Info(msg string) { log(INFO, l.prefix, "%s", msg) }
func (l *scopedLogger) Infof(format string, args ...interface{}) {
	log(INFO, l.prefix, format, args...)
}
func (l *scopedLogger) Warn(msg string) { log(WARN, l.prefix, "%s", msg) }
func (l *scopedLogger) Warnf(format string, args ...interface{}) {
	log(WARN, l.prefix, format, args...)
}
func (l *scopedLogger) Error(msg string) { log(ERROR, l.prefix, "%s", msg) }
func (l *scopedLogger) Errorf(format string, args ...interface{}) {
	log(ERROR, l.prefix, format, args...)
}
