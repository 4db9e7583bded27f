// Package xlog is a thin wrapper around logrus tailored to the handful of
// fields the collection pipeline logs: cpu, pid, tid, and event name. It
// exists so call sites write "xlog.ForCPU(3).Warn(...)" instead of
// threading a *logrus.Entry (or raw key/value pairs) through every layer.
package xlog

import (
	"github.com/sirupsen/logrus"
)

// Logger is the package-wide base logger. Callers may replace it (for
// example to redirect to a file, or bump the level) before starting a
// session.
var Logger = logrus.New()

func init() {
	Logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
}

// Entry is a logging context with zero or more of cpu/pid/tid/event set.
// The zero Entry is valid and behaves like the base Logger.
type Entry struct {
	e *logrus.Entry
}

func entry() *logrus.Entry {
	return logrus.NewEntry(Logger)
}

// ForCPU starts a log entry scoped to a logical CPU index.
func ForCPU(cpu int) Entry {
	return Entry{entry().WithField("cpu", cpu)}
}

// ForPID starts a log entry scoped to a process id.
func ForPID(pid int) Entry {
	return Entry{entry().WithField("pid", pid)}
}

// WithCPU adds a cpu field to an existing entry.
func (e Entry) WithCPU(cpu int) Entry {
	return e.with("cpu", cpu)
}

// WithPID adds a pid field to an existing entry.
func (e Entry) WithPID(pid int) Entry {
	return e.with("pid", pid)
}

// WithTID adds a tid field to an existing entry.
func (e Entry) WithTID(tid int) Entry {
	return e.with("tid", tid)
}

// WithEvent adds an event-name field to an existing entry.
func (e Entry) WithEvent(name string) Entry {
	return e.with("event", name)
}

func (e Entry) with(key string, value any) Entry {
	if e.e == nil {
		return Entry{entry().WithField(key, value)}
	}
	return Entry{e.e.WithField(key, value)}
}

func (e Entry) base() *logrus.Entry {
	if e.e == nil {
		return entry()
	}
	return e.e
}

func (e Entry) Debugf(format string, args ...any) { e.base().Debugf(format, args...) }
func (e Entry) Infof(format string, args ...any)  { e.base().Infof(format, args...) }
func (e Entry) Warnf(format string, args ...any)  { e.base().Warnf(format, args...) }
func (e Entry) Errorf(format string, args ...any) { e.base().Errorf(format, args...) }
