package utils

import (
	"log"
	"os"
	"strconv"
)

// LogLevel controls how much this package's Logger implementation emits.
type LogLevel uint8

const (
	logEnv = "NANOQ_LOG_LEVEL"

	LogLevelNothing LogLevel = 0
	LogLevelError   LogLevel = 1
	LogLevelInfo    LogLevel = 2
	LogLevelDebug   LogLevel = 3
)

// Logger is the logging interface used throughout the stack. Components
// never log directly through the standard library so a caller can supply
// its own sink (e.g. to a qlog writer) without this module depending on it.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Debug() bool
	WithPrefix(prefix string) Logger
}

type defaultLogger struct {
	prefix string
	level  LogLevel
}

// DefaultLogger is a Logger backed by the standard library's log package,
// gated by the NANOQ_LOG_LEVEL environment variable. It is the logger every
// Conn uses; Config has no field for supplying another one.
var DefaultLogger Logger = newDefaultLogger()

func newDefaultLogger() *defaultLogger {
	l := &defaultLogger{level: LogLevelNothing}
	if env := os.Getenv(logEnv); env != "" {
		if v, err := strconv.Atoi(env); err == nil {
			l.level = LogLevel(v)
		}
	}
	return l
}

func (l *defaultLogger) Debug() bool { return l.level >= LogLevelDebug }

func (l *defaultLogger) Debugf(format string, args ...interface{}) {
	if l.level >= LogLevelDebug {
		l.logMessage(format, args...)
	}
}

func (l *defaultLogger) Infof(format string, args ...interface{}) {
	if l.level >= LogLevelInfo {
		l.logMessage(format, args...)
	}
}

func (l *defaultLogger) Errorf(format string, args ...interface{}) {
	if l.level >= LogLevelError {
		l.logMessage(format, args...)
	}
}

func (l *defaultLogger) logMessage(format string, args ...interface{}) {
	if l.prefix != "" {
		format = l.prefix + format
	}
	log.Printf(format, args...)
}

func (l *defaultLogger) WithPrefix(prefix string) Logger {
	return &defaultLogger{prefix: l.prefix + prefix + " ", level: l.level}
}

// NopLogger discards everything; used in tests.
var NopLogger Logger = nopLogger{}

type nopLogger struct{}

func (nopLogger) Debugf(string, ...interface{}) {}
func (nopLogger) Infof(string, ...interface{})  {}
func (nopLogger) Errorf(string, ...interface{}) {}
func (nopLogger) Debug() bool                   { return false }
func (nopLogger) WithPrefix(string) Logger      { return nopLogger{} }
