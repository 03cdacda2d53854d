package cancel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/parley-ai/parley/internal/events"
)

type fakeSignaler struct {
	mu     sync.Mutex
	calls  []bool
	err    error
	onCall func(forced bool)
}

func (f *fakeSignaler) CancelWork(_ context.Context, forced bool) error {
	f.mu.Lock()
	f.calls = append(f.calls, forced)
	cb := f.onCall
	f.mu.Unlock()
	if cb != nil {
		cb(forced)
	}
	return f.err
}

func (f *fakeSignaler) forcedCalls() []bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]bool(nil), f.calls...)
}

func toolEvent(kind, name string) events.Event {
	return events.Event{Source: events.SourceRunner, Kind: kind, Data: map[string]any{"tool": name}}
}

func TestCoordinator_ActiveInvariant(t *testing.T) {
	t.Parallel()
	c := NewCoordinator(&fakeSignaler{}, time.Second, clock.NewMock(), nil, nil)

	check := func(wantActive bool) {
		t.Helper()
		s := c.Snapshot()
		derived := len(s.RunningTools) > 0 || s.ActiveChildren > 0
		if s.IsActive != derived {
			t.Fatalf("IsActive = %v but tools=%v children=%d", s.IsActive, s.RunningTools, s.ActiveChildren)
		}
		if s.IsActive != wantActive {
			t.Fatalf("IsActive = %v, want %v", s.IsActive, wantActive)
		}
	}

	check(false)
	c.HandleEvent(toolEvent(events.KindToolStarted, "search"))
	check(true)
	c.HandleEvent(events.Event{Kind: events.KindAgentSpawned})
	check(true)
	c.HandleEvent(toolEvent(events.KindToolCompleted, "search"))
	check(true) // child still active
	c.HandleEvent(events.Event{Kind: events.KindAgentCompleted})
	check(false)
}

func TestCoordinator_LateCompletionIsNoOp(t *testing.T) {
	t.Parallel()
	c := NewCoordinator(&fakeSignaler{}, time.Second, clock.NewMock(), nil, nil)

	c.HandleEvent(toolEvent(events.KindToolCompleted, "never-started"))
	if s := c.Snapshot(); s.IsActive {
		t.Error("late completion must not activate state")
	}
}

func TestCoordinator_StartedAfterCompletedIgnored(t *testing.T) {
	t.Parallel()
	c := NewCoordinator(&fakeSignaler{}, time.Second, clock.NewMock(), nil, nil)

	c.HandleEvent(toolEvent(events.KindToolStarted, "search"))
	c.HandleEvent(toolEvent(events.KindToolCompleted, "search"))
	// Interleaved streams can replay the start after the completion.
	c.HandleEvent(toolEvent(events.KindToolStarted, "search"))

	if s := c.Snapshot(); s.IsActive {
		t.Errorf("stale start resurrected state: %+v", s)
	}
}

func TestCoordinator_DuplicateAgentCompleteClamps(t *testing.T) {
	t.Parallel()
	c := NewCoordinator(&fakeSignaler{}, time.Second, clock.NewMock(), nil, nil)

	c.HandleEvent(events.Event{Kind: events.KindAgentSpawned})
	c.HandleEvent(events.Event{Kind: events.KindAgentCompleted})
	c.HandleEvent(events.Event{Kind: events.KindAgentCompleted})

	if s := c.Snapshot(); s.ActiveChildren != 0 {
		t.Errorf("ActiveChildren = %d, want 0", s.ActiveChildren)
	}
}

func TestCancel_NoActiveWorkIsNoOp(t *testing.T) {
	t.Parallel()
	sig := &fakeSignaler{}
	c := NewCoordinator(sig, time.Second, clock.NewMock(), nil, nil)

	if err := c.Cancel(context.Background(), false); err != nil {
		t.Fatalf("Cancel = %v, want nil", err)
	}
	if len(sig.forcedCalls()) != 0 {
		t.Error("signaler should not be called with no active work")
	}
}

func TestCancel_GracefulSettlesOnCompletions(t *testing.T) {
	t.Parallel()
	sig := &fakeSignaler{}
	c := NewCoordinator(sig, 5*time.Second, clock.NewMock(), nil, nil)

	c.HandleEvent(toolEvent(events.KindToolStarted, "search"))
	c.HandleEvent(toolEvent(events.KindToolStarted, "fetch"))

	// Simulate natural completions arriving after the signal goes out.
	sig.onCall = func(bool) {
		go func() {
			c.HandleEvent(toolEvent(events.KindToolCompleted, "search"))
			c.HandleEvent(toolEvent(events.KindToolCompleted, "fetch"))
		}()
	}

	if err := c.Cancel(context.Background(), false); err != nil {
		t.Fatalf("Cancel = %v, want nil", err)
	}
	s := c.Snapshot()
	if s.IsActive || s.IsCancelling {
		t.Errorf("state after settle: %+v", s)
	}
	if got := sig.forcedCalls(); len(got) != 1 || got[0] != false {
		t.Errorf("signaler calls = %v, want [false]", got)
	}
}

func TestCancel_ForcedAckClearsEverything(t *testing.T) {
	t.Parallel()
	sig := &fakeSignaler{}
	c := NewCoordinator(sig, 5*time.Second, clock.NewMock(), nil, nil)

	c.HandleEvent(toolEvent(events.KindToolStarted, "search"))
	c.HandleEvent(events.Event{Kind: events.KindAgentSpawned})

	sig.onCall = func(forced bool) {
		go c.HandleEvent(events.Event{
			Kind: events.KindCancelAck,
			Data: map[string]any{"ok": true, "forced": forced},
		})
	}

	if err := c.Cancel(context.Background(), true); err != nil {
		t.Fatalf("Cancel = %v, want nil", err)
	}
	if s := c.Snapshot(); s.IsActive {
		t.Errorf("state after forced ack: %+v", s)
	}

	// The aborted tool's completion may still arrive afterwards.
	c.HandleEvent(toolEvent(events.KindToolCompleted, "search"))
	c.HandleEvent(toolEvent(events.KindToolStarted, "search"))
	if s := c.Snapshot(); s.IsActive {
		t.Errorf("trailing events resurrected state: %+v", s)
	}
}

func TestCancel_FailureAckReturnsImmediately(t *testing.T) {
	t.Parallel()
	sig := &fakeSignaler{}
	c := NewCoordinator(sig, 15*time.Second, clock.NewMock(), nil, nil)

	c.HandleEvent(toolEvent(events.KindToolStarted, "stuck"))

	// The runner refuses the cancel. No clock advance: the error must
	// surface at the ack, not after the timeout window.
	sig.onCall = func(forced bool) {
		go c.HandleEvent(events.Event{
			Kind: events.KindCancelAck,
			Data: map[string]any{"ok": false, "forced": forced},
		})
	}

	if err := c.Cancel(context.Background(), false); !errors.Is(err, ErrCancelRejected) {
		t.Fatalf("Cancel = %v, want ErrCancelRejected", err)
	}
	s := c.Snapshot()
	if s.IsCancelling {
		t.Error("IsCancelling should clear once the failure ack arrives")
	}
	if !s.IsActive {
		t.Error("rejected cancel must leave the tracked work running")
	}
}

func TestCancel_TimeoutClearsCancelling(t *testing.T) {
	t.Parallel()
	mock := clock.NewMock()
	c := NewCoordinator(&fakeSignaler{}, 15*time.Second, mock, nil, nil)

	c.HandleEvent(toolEvent(events.KindToolStarted, "stuck"))

	errCh := make(chan error, 1)
	go func() { errCh <- c.Cancel(context.Background(), false) }()

	// Let Cancel reach its wait, then advance past the ack window.
	// Advancing repeatedly covers the gap between the cancelling flag
	// being set and the timer being created.
	waitCancelling(t, c)
	var err error
	got := false
	for i := 0; i < 200 && !got; i++ {
		mock.Add(15 * time.Second)
		select {
		case err = <-errCh:
			got = true
		case <-time.After(10 * time.Millisecond):
		}
	}
	if !got {
		t.Fatal("Cancel never returned")
	}
	if !errors.Is(err, ErrAckTimeout) {
		t.Fatalf("Cancel = %v, want ErrAckTimeout", err)
	}
	if s := c.Snapshot(); s.IsCancelling {
		t.Error("IsCancelling should clear after timeout")
	}
}

func TestCancel_RejectsConcurrentRequests(t *testing.T) {
	t.Parallel()
	mock := clock.NewMock()
	c := NewCoordinator(&fakeSignaler{}, time.Minute, mock, nil, nil)

	c.HandleEvent(toolEvent(events.KindToolStarted, "stuck"))

	go c.Cancel(context.Background(), false)
	waitCancelling(t, c)

	if err := c.Cancel(context.Background(), true); !errors.Is(err, ErrAlreadyCancelling) {
		t.Fatalf("second Cancel = %v, want ErrAlreadyCancelling", err)
	}

	// Unstick the first request.
	c.HandleEvent(toolEvent(events.KindToolCompleted, "stuck"))
}

func waitCancelling(t *testing.T, c *Coordinator) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.Snapshot().IsCancelling {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("coordinator never entered cancelling")
}
