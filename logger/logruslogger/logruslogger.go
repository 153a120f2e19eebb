// Package logruslogger adapts a *logrus.Logger to the dht/logger.DebugLogger
// interface, for callers that want structured/leveled logging instead of the
// default stdlib-backed logger.NullLogger.
package logruslogger

import "github.com/sirupsen/logrus"

type Logger struct {
	L *logrus.Logger
}

func New(l *logrus.Logger) *Logger {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return &Logger{L: l}
}

func (a *Logger) Debugf(format string, args ...interface{}) {
	a.L.Debugf(format, args...)
}

func (a *Logger) Infof(format string, args ...interface{}) {
	a.L.Infof(format, args...)
}

func (a *Logger) Errorf(format string, args ...interface{}) {
	a.L.Errorf(format, args...)
}
