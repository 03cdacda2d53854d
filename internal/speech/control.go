package speech

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"

	"github.com/parley-ai/parley/internal/config"
	"github.com/parley-ai/parley/internal/events"
)

// readyTimeout bounds the wait for the remote readiness handshake. The
// transport saying "connected" is not enough; the session is usable
// only after the service sends session.created.
const readyTimeout = 15 * time.Second

// FunctionCall is a tool invocation requested by the model over the
// control channel.
type FunctionCall struct {
	CallID    string
	Name      string
	Arguments string
}

// ControlChannel is the WebSocket control link for one session. Typed
// client events go out, server events come in on a read loop and are
// translated onto the event queue.
type ControlChannel struct {
	baseURL string
	model   string
	emit    func(events.Event)
	onCall  func(FunctionCall)
	logger  *slog.Logger

	conn    *websocket.Conn
	connMu  sync.Mutex
	eventID atomic.Int64

	ready     chan struct{}
	updated   chan struct{}
	closeOnce sync.Once
	done      chan struct{}
}

// NewControlChannel creates an unconnected control channel. emit
// receives translated server events; onCall receives model-initiated
// tool invocations. Either may be nil.
func NewControlChannel(baseURL, model string, emit func(events.Event), onCall func(FunctionCall), logger *slog.Logger) *ControlChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &ControlChannel{
		baseURL: baseURL,
		model:   model,
		emit:    emit,
		onCall:  onCall,
		logger:  logger,
		ready:   make(chan struct{}),
		updated: make(chan struct{}, 1),
		done:    make(chan struct{}),
	}
}

// Connect dials the control channel with the given credential and
// blocks until the service confirms readiness with session.created.
func (c *ControlChannel) Connect(ctx context.Context, credential string) error {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return fmt.Errorf("parse base URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	q := u.Query()
	q.Set("model", c.model)
	u.RawQuery = q.Encode()

	c.logger.Info("connecting control channel", "url", u.String())

	dialer := websocket.Dialer{
		ReadBufferSize:  256 * 1024,
		WriteBufferSize: 64 * 1024,
	}
	headers := map[string][]string{
		"Authorization": {"Bearer " + credential},
	}
	conn, _, err := dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return fmt.Errorf("dial control channel: %w", err)
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	go c.readLoop()

	select {
	case <-c.ready:
		return nil
	case <-time.After(readyTimeout):
		c.Close()
		return fmt.Errorf("control channel: no readiness handshake within %s", readyTimeout)
	case <-ctx.Done():
		c.Close()
		return ctx.Err()
	}
}

// serverEvent is the decoded shape of an incoming control message.
// Only the fields this daemon cares about are declared.
type serverEvent struct {
	Type       string `json:"type"`
	EventID    string `json:"event_id,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Name       string `json:"name,omitempty"`
	CallID     string `json:"call_id,omitempty"`
	Arguments  string `json:"arguments,omitempty"`
	Error      *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *ControlChannel) readLoop() {
	for {
		c.connMu.Lock()
		conn := c.conn
		c.connMu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				// Closed locally; not a failure.
			default:
				c.logger.Warn("control channel read failed", "error", err)
				c.emitEvent(events.Event{
					Source: events.SourceControl,
					Kind:   events.KindControlClosed,
					Data:   map[string]any{"error": err.Error()},
				})
			}
			return
		}

		var ev serverEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Warn("undecodable control event", "error", err)
			continue
		}
		c.handle(ev)
	}
}

func (c *ControlChannel) handle(ev serverEvent) {
	c.logger.Log(context.Background(), config.LevelTrace, "control event", "type", ev.Type)

	switch ev.Type {
	case "session.created":
		c.closeReady()
		c.emitEvent(events.Event{Source: events.SourceControl, Kind: events.KindSessionReady})
	case "session.updated":
		select {
		case c.updated <- struct{}{}:
		default:
		}
	case "input_audio_buffer.speech_started":
		c.emitEvent(events.Event{Source: events.SourceControl, Kind: events.KindSpeechStarted})
	case "input_audio_buffer.speech_stopped":
		c.emitEvent(events.Event{Source: events.SourceControl, Kind: events.KindSpeechStopped})
	case "response.created":
		c.emitEvent(events.Event{Source: events.SourceControl, Kind: events.KindResponseStarted})
	case "response.done":
		c.emitEvent(events.Event{Source: events.SourceControl, Kind: events.KindResponseDone})
	case "conversation.item.input_audio_transcription.completed":
		c.emitEvent(events.Event{
			Source: events.SourceControl,
			Kind:   events.KindTranscript,
			Data:   map[string]any{"role": "user", "text": ev.Transcript},
		})
	case "response.output_audio_transcript.done":
		c.emitEvent(events.Event{
			Source: events.SourceControl,
			Kind:   events.KindTranscript,
			Data:   map[string]any{"role": "assistant", "text": ev.Transcript},
		})
	case "response.function_call_arguments.done":
		c.dispatchCall(FunctionCall{CallID: ev.CallID, Name: ev.Name, Arguments: ev.Arguments})
	case "error":
		msg := ""
		if ev.Error != nil {
			msg = ev.Error.Message
		}
		c.logger.Error("control channel error event", "message", msg)
	default:
		// Plenty of event types carry no state this daemon tracks
		// (audio deltas, rate limits); ignore them.
	}
}

// dispatchCall routes model tool calls. The voice control intents are
// recognized here and surfaced as intent events; everything else goes
// to the tool runner via the onCall hook.
func (c *ControlChannel) dispatchCall(call FunctionCall) {
	switch call.Name {
	case "pause_replies", "resume_replies", "respond_now":
		c.emitEvent(events.Event{
			Source: events.SourceControl,
			Kind:   events.KindIntent,
			Data:   map[string]any{"intent": call.Name, "call_id": call.CallID},
		})
	default:
		if c.onCall != nil {
			c.onCall(call)
		}
	}
}

func (c *ControlChannel) emitEvent(e events.Event) {
	if c.emit != nil {
		c.emit(e)
	}
}

func (c *ControlChannel) closeReady() {
	select {
	case <-c.ready:
	default:
		close(c.ready)
	}
}

// send marshals and writes one client event, stamping a unique
// event_id so service error reports can be tied back to it.
func (c *ControlChannel) send(payload map[string]any) error {
	payload["event_id"] = fmt.Sprintf("evt_%d", c.eventID.Add(1))
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("control channel not connected")
	}
	return c.conn.WriteJSON(payload)
}

// SessionSettings is the mutable per-session configuration applied
// after connect; the creation endpoint does not accept these.
type SessionSettings struct {
	Voice         string
	TurnDetection string // e.g. "server_vad"
}

// Configure sends a session.update and waits for the service to
// acknowledge with session.updated.
func (c *ControlChannel) Configure(ctx context.Context, s SessionSettings) error {
	session := map[string]any{"type": "realtime"}
	if s.Voice != "" {
		session["audio"] = map[string]any{
			"output": map[string]any{"voice": s.Voice},
		}
	}
	if s.TurnDetection != "" {
		session["turn_detection"] = map[string]any{"type": s.TurnDetection}
	}
	if err := c.send(map[string]any{"type": "session.update", "session": session}); err != nil {
		return fmt.Errorf("session update: %w", err)
	}
	select {
	case <-c.updated:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(readyTimeout):
		return fmt.Errorf("session update: no acknowledgment within %s", readyTimeout)
	}
}

// InjectContext adds a system message carrying summarized prior
// conversation, used when a rotated session must continue where the
// previous one left off.
func (c *ControlChannel) InjectContext(text string) error {
	return c.send(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type": "message",
			"role": "system",
			"content": []map[string]any{
				{"type": "input_text", "text": text},
			},
		},
	})
}

// RequestResponse asks the model to speak now.
func (c *ControlChannel) RequestResponse() error {
	return c.send(map[string]any{"type": "response.create"})
}

// SendFunctionOutput returns a tool result to the model and requests
// a spoken follow-up.
func (c *ControlChannel) SendFunctionOutput(callID, output string) error {
	err := c.send(map[string]any{
		"type": "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  output,
		},
	})
	if err != nil {
		return err
	}
	return c.RequestResponse()
}

// Keepalive sends a WebSocket ping. Cheap enough to run on a timer;
// prevents the service's idle reaper from cutting a quiet session.
func (c *ControlChannel) Keepalive(ctx context.Context) error {
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("control channel not connected")
	}
	deadline := time.Now().Add(5 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	return c.conn.WriteControl(websocket.PingMessage, nil, deadline)
}

// Close tears down the connection. Safe to call more than once.
func (c *ControlChannel) Close() {
	c.closeOnce.Do(func() { close(c.done) })
	c.connMu.Lock()
	defer c.connMu.Unlock()
	if c.conn != nil {
		_ = c.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.conn.Close()
		c.conn = nil
	}
}
