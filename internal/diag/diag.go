// Package diag carries the diagnostics sink handed to engine components.
package diag

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// Logger receives engine diagnostics. Implementations must be safe to call from
// the audio goroutine and the persistence worker.
type Logger interface {
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
}

type nop struct{}

func (nop) Infof(string, ...any) {}
func (nop) Warnf(string, ...any) {}

// Nop discards everything.
var Nop Logger = nop{}

// OrNop returns l, or Nop when l is nil.
func OrNop(l Logger) Logger {
	if l == nil {
		return Nop
	}
	return l
}

// Console writes one line per message to w, warnings highlighted.
type Console struct {
	mu     sync.Mutex
	w      io.Writer
	prefix string
	warn   *color.Color
}

func NewConsole(w io.Writer, prefix string) *Console {
	return &Console{
		w:      w,
		prefix: prefix,
		warn:   color.New(color.FgYellow),
	}
}

func (c *Console) Infof(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, "%s%s\n", c.prefix, strings.TrimRight(fmt.Sprintf(format, args...), "\n"))
}

func (c *Console) Warnf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.warn.Fprintf(c.w, "%swarning: %s\n", c.prefix, strings.TrimRight(fmt.Sprintf(format, args...), "\n"))
}

// Recorder keeps messages in memory. Used by tests to assert on warnings.
type Recorder struct {
	mu    sync.Mutex
	Infos []string
	Warns []string
}

func (r *Recorder) Infof(format string, args ...any) {
	r.mu.Lock()
	r.Infos = append(r.Infos, fmt.Sprintf(format, args...))
	r.mu.Unlock()
}

func (r *Recorder) Warnf(format string, args ...any) {
	r.mu.Lock()
	r.Warns = append(r.Warns, fmt.Sprintf(format, args...))
	r.mu.Unlock()
}

// Warnings returns a copy of the recorded warnings.
func (r *Recorder) Warnings() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.Warns))
	copy(out, r.Warns)
	return out
}
