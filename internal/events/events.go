// Package events defines the typed event stream at the heart of Parley.
//
// Everything that happens — transport state changes, control-channel
// frames, tool status from the runner, UI gestures, recognized voice
// intents — is expressed as an [Event] and pushed onto a single ordered
// queue. One dispatcher goroutine consumes the queue and fans each event
// out to registered handlers in registration order, so the session clock
// always observes an event before the coordinators that derive state
// from it. This makes ordering explicit and replayable in tests.
//
// A separate broadcast [Bus] carries the same events to diagnostics
// subscribers (the WebSocket feed, the MQTT publisher). The bus is
// non-blocking and lossy by design; the dispatch queue is neither.
package events

import (
	"time"
)

// Source constants identify which component produced an event.
const (
	// SourceTransport identifies media-transport level events.
	SourceTransport = "transport"
	// SourceControl identifies control-channel (data channel) events.
	SourceControl = "control"
	// SourceRunner identifies tool-execution service status events.
	SourceRunner = "runner"
	// SourceMic identifies microphone state machine events.
	SourceMic = "mic"
	// SourceUI identifies locally generated user actions.
	SourceUI = "ui"
	// SourceEngine identifies reconnection strategy engine events.
	SourceEngine = "engine"
	// SourceHealth identifies health classifier events.
	SourceHealth = "health"
	// SourceApproval identifies tool approval gate events.
	SourceApproval = "approval"
)

// Kind constants describe the type of event within a source.
const (
	// KindConnected signals the media transport reached connected state.
	KindConnected = "connected"
	// KindConnecting signals a transport dial is in progress.
	KindConnecting = "connecting"
	// KindDisconnected signals the media transport dropped.
	// Data: error_code (optional), user_initiated (bool).
	KindDisconnected = "disconnected"
	// KindControlOpen signals the control channel opened.
	KindControlOpen = "control_open"
	// KindControlClosed signals the control channel closed. When this
	// precedes the transport disconnect, the detector classifies the
	// drop as data_channel_closed.
	KindControlClosed = "control_closed"
	// KindSessionReady signals the remote session confirmed readiness
	// (the logical handshake above transport connectivity).
	KindSessionReady = "session_ready"
	// KindKeepalive signals a keep-alive ping round trip. Counts as a
	// protocol event but not as user activity.
	KindKeepalive = "keepalive"

	// KindSpeechStarted signals the user began speaking. Activity.
	KindSpeechStarted = "speech_started"
	// KindSpeechStopped signals end of a user utterance. Activity.
	KindSpeechStopped = "speech_stopped"
	// KindResponseStarted signals the assistant began responding.
	KindResponseStarted = "response_started"
	// KindResponseDone signals the assistant finished a response.
	KindResponseDone = "response_done"
	// KindTranscript carries a transcript fragment.
	// Data: role, text.
	KindTranscript = "transcript"
	// KindIntent carries a recognized voice-control intent surfaced
	// through the transcript stream. Data: intent (pause_replies,
	// resume_replies, respond_now).
	KindIntent = "intent"

	// KindToolStarted signals the runner began executing a named tool.
	// Data: tool.
	KindToolStarted = "tool_started"
	// KindToolCompleted signals a tool finished successfully.
	// Data: tool, duration_ms.
	KindToolCompleted = "tool_completed"
	// KindToolError signals a tool failed. Data: tool, error.
	KindToolError = "tool_error"
	// KindAgentSpawned signals the runner spawned a sub-agent.
	// Data: agent_id, agent.
	KindAgentSpawned = "agent_spawned"
	// KindAgentCompleted signals a spawned sub-agent finished.
	// Data: agent_id.
	KindAgentCompleted = "agent_completed"
	// KindCancelAck signals the runner acknowledged a cancel request.
	// Data: forced (bool), ok (bool).
	KindCancelAck = "cancel_ack"

	// KindHealthChanged signals the health level moved.
	// Data: from, to.
	KindHealthChanged = "health_changed"
	// KindReconnectScheduled signals a delayed reconnect was armed.
	// Data: delay_ms, reason.
	KindReconnectScheduled = "reconnect_scheduled"
	// KindReconnectStarted signals a reconnect attempt began.
	// Data: attempt, reason.
	KindReconnectStarted = "reconnect_started"
	// KindRotationArmed signals a proactive rotation timer was armed.
	// Data: fire_in_ms.
	KindRotationArmed = "rotation_armed"

	// KindApprovalRequested signals a tool call is waiting on the user.
	// Data: id, tool, prompt, dangerous (bool).
	KindApprovalRequested = "approval_requested"
	// KindApprovalResolved signals a pending approval was decided.
	// Data: id, tool, choice.
	KindApprovalResolved = "approval_resolved"
)

// Event represents a single event flowing through the dispatch queue.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that produced the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Activity reports whether this event counts as user activity for idle
// tracking. Keep-alives and internal bookkeeping keep the connection
// warm but do not reset the idle clock — the service's idle timeout is
// driven by real interaction.
func (e Event) Activity() bool {
	switch e.Kind {
	case KindSpeechStarted, KindSpeechStopped, KindResponseStarted,
		KindResponseDone, KindTranscript, KindIntent:
		return true
	case KindToolStarted, KindToolCompleted, KindToolError:
		return true
	}
	return false
}
