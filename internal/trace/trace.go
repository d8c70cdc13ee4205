// Package trace is the ambient logging + metrics sink every layer above
// component A logs warnings and traces through (spec §7's "Warning to the
// trace sink only" column, and SPEC_FULL.md §10's ambient stack). Grounded
// on the teacher's log.go (daily capture file) and the severity taxonomy
// implicit in its text_color_set call sites, re-expressed on
// github.com/charmbracelet/log and github.com/prometheus/client_golang.
package trace

import (
	"io"
	"os"

	charmlog "github.com/charmbracelet/log"
)

// Logger wraps a charmbracelet/log logger pre-bound to one component name,
// so call sites read "log.Warn(...)" with the component already attached
// as a structured field instead of the teacher's global color-then-printf
// pair.
type Logger struct {
	*charmlog.Logger
}

// New returns a Logger writing to os.Stderr, tagged with component.
func New(component string) *Logger {
	l := charmlog.NewWithOptions(os.Stderr, charmlog.Options{
		Prefix:          component,
		ReportTimestamp: true,
	})
	return &Logger{Logger: l}
}

// Discard returns a Logger that writes nowhere, for tests.
func Discard() *Logger {
	return &Logger{Logger: charmlog.NewWithOptions(io.Discard, charmlog.Options{})}
}

// WithFields returns a derived Logger carrying additional structured
// fields (e.g. "fifo", "sid", "follower_id"), without mutating the
// receiver.
func (l *Logger) WithFields(kv ...any) *Logger {
	return &Logger{Logger: l.Logger.With(kv...)}
}
