// Package wqlog provides the structured logging used throughout wqdss: a
// package-level logrus.Logger split across stdout/stderr by level, and a
// small fluent wrapper for attaching request/execution context to log
// lines.
package wqlog

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is the process-wide structured logger. Configure it once at
// startup with Configure; packages that need logging hold a *ContextLogger
// derived from it rather than calling logrus directly, so that fields
// added along a call path accumulate instead of being overwritten.
var Logger = logrus.New()

func init() {
	Logger.SetOutput(&outputSplitter{})
	Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	Logger.SetLevel(logrus.InfoLevel)
}

// outputSplitter routes error-and-above entries to stderr and everything
// else to stdout, so operators can watch failures without info noise.
type outputSplitter struct{}

func (s *outputSplitter) Write(p []byte) (int, error) {
	line := string(p)
	for _, lvl := range []string{"error", "fatal", "panic"} {
		if strings.Contains(line, `level=`+lvl) || strings.Contains(line, `"level":"`+lvl+`"`) {
			return os.Stderr.Write(p)
		}
	}
	return os.Stdout.Write(p)
}

// Configure sets the logger's level and format. format is "json" or
// "text" (default); level is any logrus.ParseLevel string. debug forces
// DebugLevel regardless of level, matching the DEBUG env var's
// "truthy enables verbose logging" contract.
func Configure(level, format string, debug bool) {
	if format == "json" {
		Logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	if debug {
		lvl = logrus.DebugLevel
	}
	Logger.SetLevel(lvl)
}

// SetOutputForTest replaces the logger's output, stdout/stderr splitter
// included, with w, for tests that want to assert on emitted log lines
// instead of the real stdout/stderr split.
func SetOutputForTest(w io.Writer) {
	Logger.SetOutput(w)
}

// ContextLogger carries a set of fields to attach to every entry it
// emits, built up fluently along a call path (e.g. exec_id, run_id).
type ContextLogger struct {
	entry *logrus.Entry
}

// New returns a ContextLogger rooted at the package logger with no
// fields attached.
func New() *ContextLogger {
	return &ContextLogger{entry: logrus.NewEntry(Logger)}
}

// WithField returns a derived ContextLogger with key=value attached.
func (c *ContextLogger) WithField(key string, value interface{}) *ContextLogger {
	return &ContextLogger{entry: c.entry.WithField(key, value)}
}

// WithFields returns a derived ContextLogger with all of fields attached.
func (c *ContextLogger) WithFields(fields logrus.Fields) *ContextLogger {
	return &ContextLogger{entry: c.entry.WithFields(fields)}
}

// WithError returns a derived ContextLogger with err attached under the
// conventional "error" field.
func (c *ContextLogger) WithError(err error) *ContextLogger {
	return &ContextLogger{entry: c.entry.WithError(err)}
}

func (c *ContextLogger) Debugf(format string, args ...interface{}) { c.entry.Debugf(format, args...) }
func (c *ContextLogger) Infof(format string, args ...interface{})  { c.entry.Infof(format, args...) }
func (c *ContextLogger) Warnf(format string, args ...interface{})  { c.entry.Warnf(format, args...) }
func (c *ContextLogger) Errorf(format string, args ...interface{}) { c.entry.Errorf(format, args...) }

// ServiceLogger returns a ContextLogger tagged with the service name,
// used once at process startup.
func ServiceLogger(service, version string) *ContextLogger {
	return New().WithFields(logrus.Fields{"service": service, "version": version})
}

// RequestLogger returns a ContextLogger tagged with an HTTP request id,
// for log lines that belong to a single request.
func RequestLogger(requestID string) *ContextLogger {
	return New().WithField("request_id", requestID)
}
