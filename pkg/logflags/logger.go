package logflags

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// Logger is the logging surface shared by the supervisors and handed to
// plugins. Fields carry the guest addresses and ids an entry is about.
type Logger interface {
	WithField(key string, value interface{}) Logger
	WithFields(fields Fields) Logger
	WithError(err error) Logger

	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})
}

// Fields are structured log fields.
type Fields map[string]interface{}

// Hex formats a guest address, page table base or code for a log field.
func Hex(v uint64) string {
	return fmt.Sprintf("%#x", v)
}

// LoggerFactory creates the Logger of one layer. out is nil unless
// --log-dest was given.
type LoggerFactory func(level logrus.Level, fields Fields, out io.Writer) Logger

var loggerFactory LoggerFactory

// SetLoggerFactory replaces the logrus based loggers for every layer
// logger created afterwards. A nil factory restores the default.
func SetLoggerFactory(lf LoggerFactory) {
	loggerFactory = lf
}

type logrusLogger struct {
	*logrus.Entry
}

func (l *logrusLogger) WithField(key string, value interface{}) Logger {
	return &logrusLogger{l.Entry.WithField(key, value)}
}

func (l *logrusLogger) WithFields(fields Fields) Logger {
	return &logrusLogger{l.Entry.WithFields(logrus.Fields(fields))}
}

func (l *logrusLogger) WithError(err error) Logger {
	return &logrusLogger{l.Entry.WithError(err)}
}
