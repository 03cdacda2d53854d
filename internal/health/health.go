// Package health classifies connection vitality.
//
// Classification is a pure function of the transport state and the
// session clock readings. The Monitor re-evaluates on a fixed tick so
// that health degrades even when no events arrive at all, which is
// exactly the situation a staleness check exists to catch.
package health

import (
	"time"

	"github.com/parley-ai/parley/internal/session"
)

// Level is a coarse classification of connection vitality.
type Level string

// Health levels, from best to worst.
const (
	Healthy      Level = "healthy"
	Warning      Level = "warning"
	Critical     Level = "critical"
	Disconnected Level = "disconnected"
)

// Thresholds are the tunable staleness and idleness bounds. All three
// come from configuration; see config.HealthConfig for defaults.
type Thresholds struct {
	// IdleThreshold is how long without user activity before the
	// session is considered critically idle (the hosted service ends
	// idle sessions on its own around this mark).
	IdleThreshold time.Duration
	// WarnStaleness is how long without any protocol event before the
	// connection is suspect.
	WarnStaleness time.Duration
	// CriticalStaleness is how long without any protocol event before
	// the connection is presumed dead even though the transport still
	// reports connected.
	CriticalStaleness time.Duration
}

// Classify maps transport state and clock readings to a health level.
//
// Disconnected if and only if the transport is not connected. Critical
// requires a connected transport with staleness or idleness past the
// hard thresholds. Warning is the intermediate band: event staleness
// past the warning bound, or a connected transport whose control
// channel has dropped.
func Classify(transport session.TransportState, control session.ControlState, idle, sinceLast time.Duration, t Thresholds) Level {
	if transport != session.TransportConnected {
		return Disconnected
	}
	if sinceLast >= t.CriticalStaleness {
		return Critical
	}
	if idle >= t.IdleThreshold {
		return Critical
	}
	if sinceLast >= t.WarnStaleness {
		return Warning
	}
	if control != session.ControlOpen {
		return Warning
	}
	return Healthy
}
