// Package session owns the live session record and its timing.
//
// Exactly one Clock exists per daemon. It is the single writer of the
// Session value: transport and protocol handlers record events through
// it, and every other component reads snapshots. The three durations it
// tracks drive the health classifier and the disconnect reason detector:
//
//   - Age: time since the session started (compared against the hard
//     service ceiling)
//   - Idle: time since the last user activity (speech, transcripts,
//     tool traffic — not keep-alives)
//   - SinceLastEvent: time since any protocol event at all (staleness)
package session

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
)

// TransportState describes the media transport link.
type TransportState string

// Transport states, in lifecycle order.
const (
	TransportDisconnected TransportState = "disconnected"
	TransportConnecting   TransportState = "connecting"
	TransportConnected    TransportState = "connected"
)

// ControlState describes the secondary control (data) channel.
type ControlState string

// Control channel states.
const (
	ControlClosed ControlState = "closed"
	ControlOpen   ControlState = "open"
)

// Session is a snapshot of the current session record.
type Session struct {
	ID           string         `json:"id"`
	StartedAt    time.Time      `json:"started_at"`
	LastActivity time.Time      `json:"last_activity"`
	LastEvent    time.Time      `json:"last_event"`
	Transport    TransportState `json:"transport"`
	Control      ControlState   `json:"control"`
}

// Clock tracks session timing from timestamped events. Pure
// bookkeeping: no I/O, no goroutines. Safe for concurrent use; the
// dispatcher is the only writer in practice but HTTP handlers read
// snapshots concurrently.
type Clock struct {
	mu  sync.Mutex
	clk clock.Clock
	cur Session
}

// NewClock creates a session clock. Pass clock.New() in production or
// clock.NewMock() in tests.
func NewClock(clk clock.Clock) *Clock {
	if clk == nil {
		clk = clock.New()
	}
	c := &Clock{clk: clk}
	c.resetLocked()
	return c
}

// newSessionID returns a UUIDv7, falling back to v4 if the monotonic
// source fails (v7 only errors when crypto/rand does).
func newSessionID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func (c *Clock) resetLocked() {
	now := c.clk.Now()
	c.cur = Session{
		ID:           newSessionID(),
		StartedAt:    now,
		LastActivity: now,
		LastEvent:    now,
		Transport:    TransportDisconnected,
		Control:      ControlClosed,
	}
}

// Reset discards the current session and starts a fresh one. All three
// durations zero atomically. Returns the new session snapshot.
func (c *Clock) Reset() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
	return c.cur
}

// RecordEvent notes a protocol event at time t. Events flagged as
// activity also advance the idle clock. Timestamps never move
// backwards: a stale event updates nothing.
func (c *Clock) RecordEvent(t time.Time, activity bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t.After(c.cur.LastEvent) {
		c.cur.LastEvent = t
	}
	if activity && t.After(c.cur.LastActivity) {
		c.cur.LastActivity = t
	}
}

// SetTransport updates the media transport state.
func (c *Clock) SetTransport(s TransportState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur.Transport = s
}

// SetControl updates the control channel state.
func (c *Clock) SetControl(s ControlState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cur.Control = s
}

// Snapshot returns a copy of the current session record.
func (c *Clock) Snapshot() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cur
}

// Age returns the elapsed session duration.
func (c *Clock) Age() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clk.Now().Sub(c.cur.StartedAt)
}

// Idle returns the time since the last user activity.
func (c *Clock) Idle() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clk.Now().Sub(c.cur.LastActivity)
}

// SinceLastEvent returns the time since any protocol event, including
// keep-alives.
func (c *Clock) SinceLastEvent() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clk.Now().Sub(c.cur.LastEvent)
}
