// Package logging is a thin leveled wrapper around the standard library
// logger. SDDMS components take a *Logger as a constructor argument rather
// than reaching for a package-level global, the same way the teacher's
// server and client types take their collaborators through *Config structs.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
)

// Logger writes leveled, prefixed log lines.
type Logger struct {
	prefix string
	out    *log.Logger
}

// New creates a Logger that writes to w, tagging every line with name
// (e.g. "controller", "site-a", "replication").
func New(name string, w io.Writer) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return &Logger{
		prefix: name,
		out:    log.New(w, "", log.LstdFlags|log.Lmicroseconds),
	}
}

// Default returns a Logger writing to os.Stderr.
func Default(name string) *Logger {
	return New(name, os.Stderr)
}

func (l *Logger) line(level, format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	l.out.Printf("%s [%s] %s", level, l.prefix, msg)
}

func (l *Logger) Info(format string, args ...interface{})  { l.line("INFO", format, args...) }
func (l *Logger) Warn(format string, args ...interface{})  { l.line("WARN", format, args...) }
func (l *Logger) Error(format string, args ...interface{}) { l.line("ERROR", format, args...) }

// With returns a child Logger scoped to a sub-component, e.g.
// base.With("lock-manager").
func (l *Logger) With(sub string) *Logger {
	return &Logger{prefix: l.prefix + "." + sub, out: l.out}
}
