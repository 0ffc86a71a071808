// Package logging provides the structured logging façade threaded through
// every component instead of ad-hoc calls into domain code. It matches the
// teacher's Logger shape (Infof/Warnf/Errorf/Debugf/Fatalf plus a debug
// toggle) but is backed by logrus so callers can attach fields instead of
// formatting them into the message string.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the interface every component accepts at construction. There is
// no package-level global: a Logger is always threaded in explicitly.
type Logger interface {
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Warn(args ...interface{})
	Warnf(format string, args ...interface{})
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
	Fatal(args ...interface{})
	Fatalf(format string, args ...interface{})

	// ToggleDebug flips debug-level logging and returns the new state.
	ToggleDebug(on bool) bool

	// With returns a child Logger that attaches the given fields to every
	// subsequent log line, e.g. log.With("uid", uid, "peer", peer).
	With(keyvals ...interface{}) Logger
}

// logrusLogger is the default Logger implementation.
type logrusLogger struct {
	entry *logrus.Entry
	debug *logrus.Logger
}

// New returns a default Logger writing structured entries to stderr.
func New() Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetLevel(logrus.InfoLevel)
	return &logrusLogger{entry: logrus.NewEntry(l), debug: l}
}

func (l *logrusLogger) Info(args ...interface{})                 { l.entry.Info(args...) }
func (l *logrusLogger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *logrusLogger) Warn(args ...interface{})                 { l.entry.Warn(args...) }
func (l *logrusLogger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *logrusLogger) Error(args ...interface{})                { l.entry.Error(args...) }
func (l *logrusLogger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }
func (l *logrusLogger) Debug(args ...interface{})                { l.entry.Debug(args...) }
func (l *logrusLogger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *logrusLogger) Fatal(args ...interface{})                { l.entry.Fatal(args...) }
func (l *logrusLogger) Fatalf(format string, args ...interface{}) { l.entry.Fatalf(format, args...) }

func (l *logrusLogger) ToggleDebug(on bool) bool {
	if on {
		l.debug.SetLevel(logrus.DebugLevel)
	} else {
		l.debug.SetLevel(logrus.InfoLevel)
	}
	return on
}

func (l *logrusLogger) With(keyvals ...interface{}) Logger {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		fields[key] = keyvals[i+1]
	}
	return &logrusLogger{entry: l.entry.WithFields(fields), debug: l.debug}
}
