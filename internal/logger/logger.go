package logger

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	log *logrus.Logger
	mu  sync.Mutex
)

// LogLevel represents the logging level
type LogLevel string

const (
	DEBUG LogLevel = "DEBUG"
	INFO  LogLevel = "INFO"
	WARN  LogLevel = "WARN"
	ERROR LogLevel = "ERROR"
)

// Init initializes the global logger with the specified log level
// logLevel should be one of: DEBUG, INFO, WARN, ERROR
// If invalid, defaults to INFO
func Init(logLevel string) {
	InitWithOutput(logLevel, os.Stdout)
}

// InitWithOutput initializes the global logger writing to out
func InitWithOutput(logLevel string, out io.Writer) {
	l := logrus.New()
	l.SetOutput(out)
	l.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		PrettyPrint:     false,
	})

	level, err := logrus.ParseLevel(strings.ToLower(logLevel))
	if err != nil {
		level = logrus.InfoLevel
		l.Warnf("Invalid log level '%s', defaulting to INFO", logLevel)
	}
	l.SetLevel(level)

	mu.Lock()
	log = l
	mu.Unlock()

	l.Debugf("Logger initialized with level: %s", logLevel)
}

// GetLogger returns the global logger instance
func GetLogger() *logrus.Logger {
	mu.Lock()
	l := log
	mu.Unlock()
	if l == nil {
		Init("INFO")
		mu.Lock()
		l = log
		mu.Unlock()
	}
	return l
}

// Debug logs a debug message
func Debug(args ...interface{}) {
	GetLogger().Debug(args...)
}

// Debugf logs a formatted debug message
func Debugf(format string, args ...interface{}) {
	GetLogger().Debugf(format, args...)
}

// Info logs an info message
func Info(args ...interface{}) {
	GetLogger().Info(args...)
}

// Infof logs a formatted info message
func Infof(format string, args ...interface{}) {
	GetLogger().Infof(format, args...)
}

// Warn logs a warning message
func Warn(args ...interface{}) {
	GetLogger().Warn(args...)
}

// Warnf logs a formatted warning message
func Warnf(format string, args ...interface{}) {
	GetLogger().Warnf(format, args...)
}

// Error logs an error message
func Error(args ...interface{}) {
	GetLogger().Error(args...)
}

// Errorf logs a formatted error message
func Errorf(format string, args ...interface{}) {
	GetLogger().Errorf(format, args...)
}

// Fatal logs a fatal message and exits
func Fatal(args ...interface{}) {
	GetLogger().Fatal(args...)
}

// Fatalf logs a formatted fatal message and exits
func Fatalf(format string, args ...interface{}) {
	GetLogger().Fatalf(format, args...)
}

// WithField returns a logger entry with a single field
func WithField(key string, value interface{}) *logrus.Entry {
	return GetLogger().WithField(key, value)
}

// WithFields returns a logger entry with multiple fields
func WithFields(fields logrus.Fields) *logrus.Entry {
	return GetLogger().WithFields(fields)
}

// WithSite returns an entry tagged with a site's id and domain
func WithSite(siteID, domain string) *logrus.Entry {
	return GetLogger().WithFields(logrus.Fields{
		"site_id": siteID,
		"domain":  domain,
	})
}

// WithComponent returns an entry tagged with the emitting component
func WithComponent(name string) *logrus.Entry {
	return GetLogger().WithField("component", name)
}
