// Package disconnect classifies why a session ended.
//
// The rule order matters: hitting the service's hard duration ceiling
// or its idle timeout both surface as a transport failure at the link
// layer, so the more specific causes are checked before the generic
// network classes to avoid misreporting them as connection failures.
package disconnect

import (
	"strings"
	"sync"
	"time"
)

// Reason is the closed classification of a session's end.
type Reason string

// Disconnect reasons, most specific first in detection order.
const (
	SessionLimit      Reason = "session_limit"
	IdleTimeout       Reason = "idle_timeout"
	DataChannelClosed Reason = "data_channel_closed"
	StaleConnection   Reason = "stale_connection"
	UserInitiated     Reason = "user_initiated"
	ConnectionFailed  Reason = "connection_failed"
	NetworkError      Reason = "network_error"
	Unknown           Reason = "unknown"
)

// Snapshot is the state captured at the moment of a transport
// disconnect, everything Detect needs to classify it.
type Snapshot struct {
	Age            time.Duration // session age at disconnect
	Idle           time.Duration // time since last user activity
	SinceLastEvent time.Duration // time since any protocol event

	Ceiling       time.Duration // hard session duration limit
	IdleThreshold time.Duration // service idle timeout
	Staleness     time.Duration // critical staleness bound

	// ControlClosedFirst is true when the control channel reported an
	// explicit close before the media transport dropped.
	ControlClosedFirst bool
	// UserInitiated is true when the disconnect was requested locally.
	UserInitiated bool
	// ErrorCode is the transport failure code, if one was reported.
	ErrorCode string
}

// Detect classifies a disconnect. First match wins.
func Detect(s Snapshot) Reason {
	switch {
	case s.Ceiling > 0 && s.Age >= s.Ceiling:
		return SessionLimit
	case s.IdleThreshold > 0 && s.Idle >= s.IdleThreshold:
		return IdleTimeout
	case s.ControlClosedFirst:
		return DataChannelClosed
	case s.Staleness > 0 && s.SinceLastEvent >= s.Staleness:
		return StaleConnection
	case s.UserInitiated:
		return UserInitiated
	case s.ErrorCode != "":
		return classifyCode(s.ErrorCode)
	default:
		return Unknown
	}
}

// classifyCode splits transport failure codes into the network class
// (the link itself died) versus connection failures (the endpoint
// refused or tore down the session).
func classifyCode(code string) Reason {
	c := strings.ToLower(code)
	switch {
	case strings.HasPrefix(c, "network"),
		strings.Contains(c, "timeout"),
		strings.Contains(c, "dns"),
		strings.Contains(c, "ice"),
		strings.Contains(c, "unreachable"):
		return NetworkError
	default:
		return ConnectionFailed
	}
}

// Detector records the reason for the current disconnect. Set once per
// disconnect and immutable until the next session starts.
type Detector struct {
	mu     sync.Mutex
	reason Reason
	set    bool
}

// NewDetector returns a detector with no recorded reason.
func NewDetector() *Detector {
	return &Detector{}
}

// Observe classifies the snapshot and records the reason if none is
// recorded yet. Returns the effective reason either way.
func (d *Detector) Observe(s Snapshot) Reason {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.set {
		return d.reason
	}
	d.reason = Detect(s)
	d.set = true
	return d.reason
}

// Current returns the recorded reason, or Unknown with false if no
// disconnect has been classified since the last Clear.
func (d *Detector) Current() (Reason, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.set {
		return Unknown, false
	}
	return d.reason, true
}

// Clear forgets the recorded reason. Called when a new session
// connects so the next disconnect classifies fresh.
func (d *Detector) Clear() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reason = ""
	d.set = false
}
