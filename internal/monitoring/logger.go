// Package monitoring holds the process-wide diagnostic logger used by the
// engine, its strategies and the run store.
package monitoring

import (
	"log"
	"sync/atomic"
)

type logFunc func(format string, v ...any)

var current atomic.Pointer[logFunc]

func init() {
	SetLogger(log.Printf)
}

// Logf writes through the current logger. It defaults to log.Printf.
func Logf(format string, v ...any) {
	(*current.Load())(format, v...)
}

// SetLogger replaces the package logger. Passing nil mutes it.
func SetLogger(f func(format string, v ...any)) {
	if f == nil {
		f = func(string, ...any) {}
	}
	lf := logFunc(f)
	current.Store(&lf)
}

// Component returns a logger that prefixes every line with "[name] ".
// The prefix is resolved per call so SetLogger applies immediately.
func Component(name string) func(format string, v ...any) {
	prefix := "[" + name + "] "
	return func(format string, v ...any) {
		Logf(prefix+format, v...)
	}
}
