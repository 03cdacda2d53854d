package main

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	_ "modernc.org/sqlite"

	"github.com/parley-ai/parley/internal/disconnect"
	"github.com/parley-ai/parley/internal/eventlog"
	"github.com/parley-ai/parley/internal/events"
	"github.com/parley-ai/parley/internal/session"
	"github.com/parley-ai/parley/internal/transcript"
)

func testBridge(t *testing.T, withStore bool) (*bridge, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()

	var store *transcript.Store
	if withStore {
		var err error
		store, err = transcript.NewStoreWithDriver("sqlite", filepath.Join(t.TempDir(), "transcripts.db"))
		if err != nil {
			t.Fatalf("open store: %v", err)
		}
		t.Cleanup(func() { store.Close() })
	}

	return &bridge{
		sessions:      session.NewClock(mock),
		detector:      disconnect.NewDetector(),
		store:         store,
		elog:          eventlog.New(16, mock),
		logger:        slog.Default(),
		ceiling:       55 * time.Minute,
		idleThreshold: 15 * time.Minute,
		staleness:     2 * time.Minute,
		resumeEntries: 30,
	}, mock
}

func TestBridge_SessionReady(t *testing.T) {
	t.Parallel()
	b, _ := testBridge(t, false)

	b.HandleEvent(events.Event{Source: events.SourceControl, Kind: events.KindSessionReady})

	snap := b.sessions.Snapshot()
	if snap.Transport != session.TransportConnected {
		t.Errorf("transport = %q, want connected", snap.Transport)
	}
	if snap.Control != session.ControlOpen {
		t.Errorf("control = %q, want open", snap.Control)
	}
	if _, ok := b.detector.Current(); ok {
		t.Error("detector should be clear after session ready")
	}
	if b.TranscriptID() != snap.ID {
		t.Errorf("TranscriptID = %q, want %q", b.TranscriptID(), snap.ID)
	}
}

func TestBridge_ControlClosedFirstClassification(t *testing.T) {
	t.Parallel()
	b, _ := testBridge(t, false)

	b.HandleEvent(events.Event{Source: events.SourceControl, Kind: events.KindSessionReady})
	b.HandleEvent(events.Event{Source: events.SourceControl, Kind: events.KindControlClosed})
	b.HandleEvent(events.Event{Source: events.SourceTransport, Kind: events.KindDisconnected})

	reason, ok := b.detector.Current()
	if !ok {
		t.Fatal("detector recorded nothing")
	}
	if reason != disconnect.DataChannelClosed {
		t.Errorf("reason = %q, want data_channel_closed", reason)
	}
	if b.sessions.Snapshot().Transport != session.TransportDisconnected {
		t.Error("transport should be disconnected")
	}
}

func TestBridge_SessionLimitBeatsIdle(t *testing.T) {
	t.Parallel()
	b, mock := testBridge(t, false)

	b.HandleEvent(events.Event{Source: events.SourceControl, Kind: events.KindSessionReady})
	mock.Add(56 * time.Minute) // past both the ceiling and the idle threshold
	b.HandleEvent(events.Event{Source: events.SourceTransport, Kind: events.KindDisconnected})

	reason, _ := b.detector.Current()
	if reason != disconnect.SessionLimit {
		t.Errorf("reason = %q, want session_limit", reason)
	}
}

func TestBridge_ControlCloseFlagResetsAcrossSessions(t *testing.T) {
	t.Parallel()
	b, _ := testBridge(t, false)

	b.HandleEvent(events.Event{Source: events.SourceControl, Kind: events.KindSessionReady})
	b.HandleEvent(events.Event{Source: events.SourceControl, Kind: events.KindControlClosed})
	b.HandleEvent(events.Event{Source: events.SourceTransport, Kind: events.KindDisconnected})

	// Next session drops without a control close; the old flag must
	// not leak into the new classification.
	b.HandleEvent(events.Event{Source: events.SourceControl, Kind: events.KindSessionReady})
	b.HandleEvent(events.Event{
		Source: events.SourceTransport,
		Kind:   events.KindDisconnected,
		Data:   map[string]any{"error_code": "network unreachable"},
	})

	reason, _ := b.detector.Current()
	if reason != disconnect.NetworkError {
		t.Errorf("reason = %q, want network_error", reason)
	}
}

// Runs the real registration order (session clock first, bridge after)
// through a dispatcher: the disconnect event itself must not count as
// protocol traffic, or a silently dead connection would classify as
// unknown instead of stale.
func TestDispatch_SilentDropClassifiedStale(t *testing.T) {
	t.Parallel()
	b, mock := testBridge(t, false)

	d := events.NewDispatcher(16, nil, slog.Default())
	d.Register("session-clock", sessionClockHandler(b.sessions))
	d.Register("bridge", b.HandleEvent)
	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	d.Start(ctx)

	d.Enqueue(events.Event{Source: events.SourceControl, Kind: events.KindSessionReady, Timestamp: mock.Now()})
	waitFor(t, func() bool { return b.sessions.Snapshot().Transport == session.TransportConnected })

	// Five minutes of silence (critical staleness bound is two), then
	// the transport reports the drop.
	mock.Add(5 * time.Minute)
	d.Enqueue(events.Event{Source: events.SourceTransport, Kind: events.KindDisconnected, Timestamp: mock.Now()})
	stop()
	d.Wait()

	reason, ok := b.detector.Current()
	if !ok {
		t.Fatal("detector recorded nothing")
	}
	if reason != disconnect.StaleConnection {
		t.Errorf("reason = %q, want stale_connection", reason)
	}
}

func TestSessionClockHandler_SkipsTeardownAndLocalEvents(t *testing.T) {
	t.Parallel()
	mock := clock.NewMock()
	sessions := session.NewClock(mock)
	h := sessionClockHandler(sessions)

	mock.Add(3 * time.Minute)
	for _, e := range []events.Event{
		{Source: events.SourceTransport, Kind: events.KindDisconnected, Timestamp: mock.Now()},
		{Source: events.SourceControl, Kind: events.KindControlClosed, Timestamp: mock.Now()},
		{Source: events.SourceHealth, Kind: events.KindHealthChanged, Timestamp: mock.Now()},
	} {
		h(e)
	}
	if got := sessions.SinceLastEvent(); got != 3*time.Minute {
		t.Errorf("SinceLastEvent = %v, want 3m after teardown and local events", got)
	}

	h(events.Event{Source: events.SourceControl, Kind: events.KindKeepalive, Timestamp: mock.Now()})
	if got := sessions.SinceLastEvent(); got != 0 {
		t.Errorf("SinceLastEvent = %v, want 0 after a protocol event", got)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition never reached")
}

func TestBridge_TranscriptLifecycle(t *testing.T) {
	t.Parallel()
	b, _ := testBridge(t, true)

	b.HandleEvent(events.Event{Source: events.SourceControl, Kind: events.KindSessionReady})
	trID := b.TranscriptID()

	sess, err := b.store.Get(trID)
	if err != nil {
		t.Fatalf("stored session missing: %v", err)
	}
	if sess.Status != transcript.StatusActive {
		t.Errorf("status = %q, want active", sess.Status)
	}

	b.HandleEvent(events.Event{
		Source: events.SourceTransport,
		Kind:   events.KindDisconnected,
		Data:   map[string]any{"user_initiated": true},
	})

	sess, err = b.store.Get(trID)
	if err != nil {
		t.Fatal(err)
	}
	if sess.Status != transcript.StatusCompleted {
		t.Errorf("status = %q, want completed", sess.Status)
	}
	if sess.EndReason != "user_initiated" {
		t.Errorf("end reason = %q", sess.EndReason)
	}
}

func TestBridge_QueuedResumeWinsHandoff(t *testing.T) {
	t.Parallel()
	b, _ := testBridge(t, true)

	b.QueueResume("stored-session", "Earlier in this conversation:\nUser: hello")

	handoff := b.Handoff(context.Background())
	if !strings.Contains(handoff, "User: hello") {
		t.Errorf("handoff = %q", handoff)
	}
	// Consumed: a second call falls back to the (empty) transcript.
	if got := b.Handoff(context.Background()); got != "" {
		t.Errorf("second handoff = %q, want empty", got)
	}

	// The queued session ID is adopted at the next session ready.
	b.HandleEvent(events.Event{Source: events.SourceControl, Kind: events.KindSessionReady})
	if b.TranscriptID() != "stored-session" {
		t.Errorf("TranscriptID = %q, want stored-session", b.TranscriptID())
	}
}

func TestBridge_RotationHandoffCarriesTranscript(t *testing.T) {
	t.Parallel()
	b, _ := testBridge(t, true)

	b.HandleEvent(events.Event{Source: events.SourceControl, Kind: events.KindSessionReady})
	trID := b.TranscriptID()

	if _, err := b.store.AddEntry(transcript.Entry{
		SessionID: trID, Type: transcript.EntryUser, Text: "remind me about the roast at six",
	}); err != nil {
		t.Fatal(err)
	}

	handoff := b.Handoff(context.Background())
	if !strings.Contains(handoff, "remind me about the roast") {
		t.Errorf("handoff missing transcript content: %q", handoff)
	}
}
