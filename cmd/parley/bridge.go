package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/parley-ai/parley/internal/disconnect"
	"github.com/parley-ai/parley/internal/eventlog"
	"github.com/parley-ai/parley/internal/events"
	"github.com/parley-ai/parley/internal/health"
	"github.com/parley-ai/parley/internal/reconnect"
	"github.com/parley-ai/parley/internal/session"
	"github.com/parley-ai/parley/internal/transcript"
)

// bridge ties the event stream to the lifecycle coordinators. It is
// the dispatcher handler that turns raw connectivity events into
// detector classifications, engine transitions, and transcript
// session lifecycle changes. Registered after the session clock so
// every duration it reads already includes the event being handled.
type bridge struct {
	sessions *session.Clock
	detector *disconnect.Detector
	monitor  *health.Monitor
	store    *transcript.Store // nil when persistence is disabled
	elog     *eventlog.Log
	logger   *slog.Logger

	// engine is set after construction; the engine's handoff callback
	// points back at this bridge.
	engine *reconnect.Engine

	ceiling       time.Duration
	idleThreshold time.Duration
	staleness     time.Duration
	resumeEntries int

	mu sync.Mutex
	// controlClosedFirst records an explicit control-channel close that
	// has not yet been followed by a transport disconnect.
	controlClosedFirst bool
	// transcriptID is the stored session receiving transcript entries.
	transcriptID string
	// pendingResume and pendingHandoff carry a user-requested resume
	// into the next session establishment.
	pendingResume  string
	pendingHandoff string
}

// sessionClockHandler feeds the protocol clock. Only remote-origin
// events advance it, and teardown events are excluded: a disconnect or
// control close reports that the line went silent, so recording it as
// traffic would zero the staleness window in the instant before the
// detector measures it.
func sessionClockHandler(sessions *session.Clock) events.Handler {
	return func(e events.Event) {
		switch e.Source {
		case events.SourceTransport, events.SourceControl, events.SourceRunner:
		default:
			return
		}
		switch e.Kind {
		case events.KindDisconnected, events.KindControlClosed:
			return
		}
		sessions.RecordEvent(e.Timestamp, e.Activity())
	}
}

// HandleEvent is registered with the dispatcher.
func (b *bridge) HandleEvent(e events.Event) {
	switch e.Kind {
	case events.KindConnecting:
		b.sessions.SetTransport(session.TransportConnecting)
	case events.KindConnected:
		b.sessions.SetTransport(session.TransportConnected)
	case events.KindControlOpen:
		b.sessions.SetControl(session.ControlOpen)
	case events.KindControlClosed:
		b.sessions.SetControl(session.ControlClosed)
		b.mu.Lock()
		b.controlClosedFirst = true
		b.mu.Unlock()
	case events.KindSessionReady:
		b.sessionReady()
	case events.KindDisconnected:
		b.disconnected(e)
	}
}

// sessionReady handles the logical readiness handshake: a fresh
// session record, a cleared detector, and the engine moving to
// connected (arming rotation under the proactive strategy).
func (b *bridge) sessionReady() {
	b.detector.Clear()
	sess := b.sessions.Reset()
	b.sessions.SetTransport(session.TransportConnected)
	b.sessions.SetControl(session.ControlOpen)

	b.mu.Lock()
	b.controlClosedFirst = false
	trID := sess.ID
	if b.pendingResume != "" {
		trID = b.pendingResume
		b.pendingResume = ""
	}
	b.transcriptID = trID
	b.mu.Unlock()

	if b.store != nil {
		if _, err := b.store.CreateSession(trID); err != nil {
			b.logger.Error("create transcript session", "session", trID, "error", err)
		}
	}
	if b.engine != nil {
		b.engine.OnSessionReady()
	}
	if b.monitor != nil {
		b.monitor.Poke()
	}
	if b.elog != nil {
		b.elog.Appendf("session ready: %s", trID)
	}
}

// disconnected classifies the drop, ends the stored session, and
// hands the reason to the reconnection engine.
func (b *bridge) disconnected(e events.Event) {
	b.mu.Lock()
	closedFirst := b.controlClosedFirst
	b.controlClosedFirst = false
	trID := b.transcriptID
	b.mu.Unlock()

	errorCode, _ := e.Data["error_code"].(string)
	userInitiated, _ := e.Data["user_initiated"].(bool)

	snap := disconnect.Snapshot{
		Age:                b.sessions.Age(),
		Idle:               b.sessions.Idle(),
		SinceLastEvent:     b.sessions.SinceLastEvent(),
		Ceiling:            b.ceiling,
		IdleThreshold:      b.idleThreshold,
		Staleness:          b.staleness,
		ControlClosedFirst: closedFirst,
		UserInitiated:      userInitiated,
		ErrorCode:          errorCode,
	}
	reason := b.detector.Observe(snap)

	b.sessions.SetTransport(session.TransportDisconnected)
	b.sessions.SetControl(session.ControlClosed)

	if b.elog != nil {
		b.elog.Appendf("disconnect: %s (code=%q)", reason, errorCode)
	}
	b.logger.Info("transport disconnected",
		"reason", reason,
		"error_code", errorCode,
		"age", snap.Age,
		"idle", snap.Idle,
	)

	if b.store != nil && trID != "" {
		if _, err := b.store.End(trID, string(reason), errorCode); err != nil {
			b.logger.Warn("end transcript session", "session", trID, "error", err)
		}
	}
	if b.monitor != nil {
		b.monitor.Poke()
	}
	if b.engine != nil {
		b.engine.OnDisconnect(reason)
	}
}

// TranscriptID returns the stored session currently receiving
// transcript entries. Wired as the recorder's session source.
func (b *bridge) TranscriptID() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.transcriptID
}

// QueueResume marks a stored session to be continued by the next
// established call, carrying its rebuilt context as the handoff.
func (b *bridge) QueueResume(sessionID, handoff string) {
	b.mu.Lock()
	b.pendingResume = sessionID
	b.pendingHandoff = handoff
	b.mu.Unlock()
}

// Handoff builds the context injected into a fresh session. A queued
// resume wins; otherwise the current session's recent transcript is
// carried across a rotation.
func (b *bridge) Handoff(ctx context.Context) string {
	b.mu.Lock()
	pending := b.pendingHandoff
	b.pendingHandoff = ""
	trID := b.transcriptID
	b.mu.Unlock()

	if pending != "" {
		return pending
	}
	if b.store == nil || trID == "" {
		return ""
	}
	handoff, err := b.store.ResumptionContext(trID, b.resumeEntries)
	if err != nil {
		b.logger.Warn("resumption context unavailable", "session", trID, "error", err)
		return ""
	}
	return handoff
}
