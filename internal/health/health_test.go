package health

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/parley-ai/parley/internal/events"
	"github.com/parley-ai/parley/internal/session"
)

var testThresholds = Thresholds{
	IdleThreshold:     15 * time.Minute,
	WarnStaleness:     30 * time.Second,
	CriticalStaleness: 120 * time.Second,
}

func TestClassify(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		transport session.TransportState
		control   session.ControlState
		idle      time.Duration
		sinceLast time.Duration
		want      Level
	}{
		{"fresh connected", session.TransportConnected, session.ControlOpen, 0, 0, Healthy},
		{"disconnected transport", session.TransportDisconnected, session.ControlOpen, 0, 0, Disconnected},
		{"connecting transport", session.TransportConnecting, session.ControlOpen, 0, 0, Disconnected},
		{"stale past warning", session.TransportConnected, session.ControlOpen, time.Minute, 45 * time.Second, Warning},
		{"stale past critical", session.TransportConnected, session.ControlOpen, time.Minute, 3 * time.Minute, Critical},
		{"idle past threshold", session.TransportConnected, session.ControlOpen, 16 * time.Minute, 10 * time.Second, Critical},
		{"control closed while connected", session.TransportConnected, session.ControlClosed, 0, 0, Warning},
		{"just under warning staleness", session.TransportConnected, session.ControlOpen, time.Minute, 29 * time.Second, Healthy},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := Classify(tt.transport, tt.control, tt.idle, tt.sinceLast, testThresholds)
			if got != tt.want {
				t.Errorf("Classify(%s, %s, %v, %v) = %s, want %s",
					tt.transport, tt.control, tt.idle, tt.sinceLast, got, tt.want)
			}
		})
	}
}

// Below the idle threshold the level must never be critical while the
// transport is connected and events are flowing.
func TestClassify_NeverCriticalBelowIdleThreshold(t *testing.T) {
	t.Parallel()
	for idle := time.Duration(0); idle < testThresholds.IdleThreshold; idle += time.Minute {
		got := Classify(session.TransportConnected, session.ControlOpen, idle, 0, testThresholds)
		if got == Critical {
			t.Fatalf("idle %v classified critical below threshold", idle)
		}
	}
}

func TestMonitor_DegradesWithoutEvents(t *testing.T) {
	t.Parallel()
	mock := clock.NewMock()
	sessions := session.NewClock(mock)
	sessions.SetTransport(session.TransportConnected)
	sessions.SetControl(session.ControlOpen)

	changes := make(chan events.Event, 8)
	m := NewMonitor(sessions, testThresholds, 10*time.Second, mock, func(e events.Event) { changes <- e }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go m.Run(ctx)

	// First tick: connected and fresh.
	mock.Add(10 * time.Second)
	waitLevel(t, changes, Healthy)

	// No events for long enough to cross the warning bound.
	mock.Add(30 * time.Second)
	waitLevel(t, changes, Warning)

	// Keep starving it until the critical bound.
	mock.Add(2 * time.Minute)
	waitLevel(t, changes, Critical)
}

func TestMonitor_PokeReflectsDisconnect(t *testing.T) {
	t.Parallel()
	mock := clock.NewMock()
	sessions := session.NewClock(mock)
	sessions.SetTransport(session.TransportConnected)
	sessions.SetControl(session.ControlOpen)

	m := NewMonitor(sessions, testThresholds, time.Minute, mock, nil, nil)
	if got := m.Poke(); got != Healthy {
		t.Fatalf("Poke = %s, want healthy", got)
	}

	sessions.SetTransport(session.TransportDisconnected)
	if got := m.Poke(); got != Disconnected {
		t.Fatalf("Poke after disconnect = %s, want disconnected", got)
	}
	if got := m.Current(); got != Disconnected {
		t.Fatalf("Current = %s, want disconnected", got)
	}
}

func waitLevel(t *testing.T, ch <-chan events.Event, want Level) {
	t.Helper()
	select {
	case e := <-ch:
		if got := e.Data["level"]; got != string(want) {
			t.Fatalf("level change to %v, want %s", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no level change to %s observed", want)
	}
}
