// Package log is a thin facade over logrus so callers never import the
// logging backend directly.
package log

import "github.com/sirupsen/logrus"

var (
	DebugLevel = logrus.DebugLevel
	InfoLevel  = logrus.InfoLevel
	WarnLevel  = logrus.WarnLevel
	ErrorLevel = logrus.ErrorLevel
	FatalLevel = logrus.FatalLevel
	PanicLevel = logrus.PanicLevel
)

type (
	Level         = logrus.Level
	Fields        = logrus.Fields
	TextFormatter = logrus.TextFormatter
	JSONFormatter = logrus.JSONFormatter
)

// CheckErr logs err at the given level when it is not nil.
func CheckErr(level Level, err error) {
	if err != nil {
		Log(level, err)
	}
}

// Log writes messages at the given level.
func Log(level Level, messages ...interface{}) {
	switch level {
	case logrus.InfoLevel:
		logrus.Info(messages...)
	case logrus.WarnLevel:
		logrus.Warn(messages...)
	case logrus.ErrorLevel:
		logrus.Error(messages...)
	case logrus.FatalLevel:
		logrus.Fatal(messages...)
	case logrus.PanicLevel:
		logrus.Panic(messages...)
	default:
		logrus.Debug(messages...)
	}
}

func SetFormatter(formatter logrus.Formatter) {
	logrus.SetFormatter(formatter)
}

func SetLevel(level Level) {
	logrus.SetLevel(level)
}

// ParseLevel resolves a level name like "info" or "debug".
func ParseLevel(name string) (Level, error) {
	return logrus.ParseLevel(name)
}

func WithField(key string, value interface{}) *logrus.Entry {
	return logrus.WithField(key, value)
}

func WithFields(fields Fields) *logrus.Entry {
	return logrus.WithFields(fields)
}

func WithError(err error) *logrus.Entry {
	return logrus.WithError(err)
}

func Debug(messages ...interface{})                 { logrus.Debug(messages...) }
func Debugf(format string, args ...interface{})     { logrus.Debugf(format, args...) }
func Info(messages ...interface{})                  { logrus.Info(messages...) }
func Infof(format string, args ...interface{})      { logrus.Infof(format, args...) }
func Warn(messages ...interface{})                  { logrus.Warn(messages...) }
func Warnf(format string, args ...interface{})      { logrus.Warnf(format, args...) }
func Error(messages ...interface{})                 { logrus.Error(messages...) }
func Errorf(format string, args ...interface{})     { logrus.Errorf(format, args...) }
func Fatal(messages ...interface{})                 { logrus.Fatal(messages...) }
func Fatalf(format string, args ...interface{})     { logrus.Fatalf(format, args...) }
