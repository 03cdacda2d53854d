package session

import (
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func TestClock_DurationsAdvance(t *testing.T) {
	t.Parallel()
	mock := clock.NewMock()
	c := NewClock(mock)

	mock.Add(10 * time.Second)

	if got := c.Age(); got != 10*time.Second {
		t.Errorf("Age = %v, want 10s", got)
	}
	if got := c.Idle(); got != 10*time.Second {
		t.Errorf("Idle = %v, want 10s", got)
	}
	if got := c.SinceLastEvent(); got != 10*time.Second {
		t.Errorf("SinceLastEvent = %v, want 10s", got)
	}
}

func TestClock_KeepaliveResetsEventNotIdle(t *testing.T) {
	t.Parallel()
	mock := clock.NewMock()
	c := NewClock(mock)

	mock.Add(30 * time.Second)
	c.RecordEvent(mock.Now(), false) // keep-alive: event, not activity
	mock.Add(5 * time.Second)

	if got := c.SinceLastEvent(); got != 5*time.Second {
		t.Errorf("SinceLastEvent = %v, want 5s", got)
	}
	if got := c.Idle(); got != 35*time.Second {
		t.Errorf("Idle = %v, want 35s", got)
	}
}

func TestClock_ActivityResetsBoth(t *testing.T) {
	t.Parallel()
	mock := clock.NewMock()
	c := NewClock(mock)

	mock.Add(time.Minute)
	c.RecordEvent(mock.Now(), true)
	mock.Add(2 * time.Second)

	if got := c.Idle(); got != 2*time.Second {
		t.Errorf("Idle = %v, want 2s", got)
	}
	if got := c.SinceLastEvent(); got != 2*time.Second {
		t.Errorf("SinceLastEvent = %v, want 2s", got)
	}
	if got := c.Age(); got != time.Minute+2*time.Second {
		t.Errorf("Age = %v, want 1m2s", got)
	}
}

func TestClock_StaleEventIgnored(t *testing.T) {
	t.Parallel()
	mock := clock.NewMock()
	c := NewClock(mock)

	mock.Add(time.Minute)
	c.RecordEvent(mock.Now(), true)

	// An event timestamped in the past must not rewind the clocks.
	c.RecordEvent(mock.Now().Add(-30*time.Second), true)

	if got := c.Idle(); got != 0 {
		t.Errorf("Idle = %v, want 0", got)
	}
}

func TestClock_ResetZeroesAtomically(t *testing.T) {
	t.Parallel()
	mock := clock.NewMock()
	c := NewClock(mock)

	mock.Add(45 * time.Minute)
	first := c.Snapshot()
	fresh := c.Reset()

	if fresh.ID == first.ID {
		t.Error("Reset should mint a new session ID")
	}
	if c.Age() != 0 || c.Idle() != 0 || c.SinceLastEvent() != 0 {
		t.Errorf("Age/Idle/SinceLastEvent = %v/%v/%v, want all zero",
			c.Age(), c.Idle(), c.SinceLastEvent())
	}
	if fresh.Transport != TransportDisconnected {
		t.Errorf("Transport = %q, want disconnected after reset", fresh.Transport)
	}
}

func TestClock_StateSetters(t *testing.T) {
	t.Parallel()
	c := NewClock(clock.NewMock())
	c.SetTransport(TransportConnected)
	c.SetControl(ControlOpen)

	snap := c.Snapshot()
	if snap.Transport != TransportConnected {
		t.Errorf("Transport = %q, want connected", snap.Transport)
	}
	if snap.Control != ControlOpen {
		t.Errorf("Control = %q, want open", snap.Control)
	}
}
