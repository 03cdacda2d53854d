// Package eventlog keeps a bounded diagnostic trail of what the
// coordinators did and why. Read-only to the control surface.
package eventlog

import (
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// DefaultCapacity bounds the ring when the caller passes zero.
const DefaultCapacity = 200

// Entry is one diagnostic line.
type Entry struct {
	Label     string    `json:"label"`
	Timestamp time.Time `json:"timestamp"`
}

// Log is a bounded FIFO of entries. When full, appending evicts the
// oldest entry. Safe for concurrent use.
type Log struct {
	mu      sync.Mutex
	clk     clock.Clock
	entries []Entry
	start   int
	count   int
}

// New creates a log holding at most capacity entries.
func New(capacity int, clk clock.Clock) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Log{
		clk:     clk,
		entries: make([]Entry, capacity),
	}
}

// Append records a label at the current time.
func (l *Log) Append(label string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	idx := (l.start + l.count) % len(l.entries)
	l.entries[idx] = Entry{Label: label, Timestamp: l.clk.Now()}
	if l.count < len(l.entries) {
		l.count++
	} else {
		l.start = (l.start + 1) % len(l.entries)
	}
}

// Appendf records a formatted label at the current time.
func (l *Log) Appendf(format string, args ...any) {
	l.Append(fmt.Sprintf(format, args...))
}

// Snapshot returns the entries oldest-first.
func (l *Log) Snapshot() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, l.count)
	for i := 0; i < l.count; i++ {
		out[i] = l.entries[(l.start+i)%len(l.entries)]
	}
	return out
}

// Len returns the number of entries currently held.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}
