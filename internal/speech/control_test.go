package speech

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parley-ai/parley/internal/events"
)

// controlStub is a minimal stand-in for the speech service's control
// endpoint: upgrades, announces session.created, acks session.update,
// and records everything else the client sends.
type controlStub struct {
	t  *testing.T
	mu sync.Mutex
	// received client events by type
	received []map[string]any
	conn     *websocket.Conn
}

func newControlStub(t *testing.T) (*controlStub, *httptest.Server) {
	stub := &controlStub{t: t}
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("auth = %q", got)
		}
		if got := r.URL.Query().Get("model"); got != "gpt-realtime" {
			t.Errorf("model = %q", got)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		stub.mu.Lock()
		stub.conn = conn
		stub.mu.Unlock()

		conn.WriteJSON(map[string]any{"type": "session.created"})
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				return
			}
			stub.mu.Lock()
			stub.received = append(stub.received, msg)
			stub.mu.Unlock()
			if msg["type"] == "session.update" {
				conn.WriteJSON(map[string]any{"type": "session.updated"})
			}
		}
	}))
	t.Cleanup(srv.Close)
	return stub, srv
}

func (s *controlStub) push(event map[string]any) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		s.t.Fatal("no connection yet")
	}
	if err := conn.WriteJSON(event); err != nil {
		s.t.Errorf("push: %v", err)
	}
}

func (s *controlStub) eventTypes() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.received))
	for _, m := range s.received {
		t, _ := m["type"].(string)
		out = append(out, t)
	}
	return out
}

func waitEvent(t *testing.T, ch <-chan events.Event, kind string) events.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-ch:
			if e.Kind == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("event %s never arrived", kind)
		}
	}
}

func TestControlChannel_ConnectAndConfigure(t *testing.T) {
	t.Parallel()
	stub, srv := newControlStub(t)
	emitted := make(chan events.Event, 32)

	c := NewControlChannel(srv.URL, "gpt-realtime", func(e events.Event) { emitted <- e }, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx, "sk-test"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()

	waitEvent(t, emitted, events.KindSessionReady)

	if err := c.Configure(ctx, SessionSettings{Voice: "marin", TurnDetection: "server_vad"}); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	types := stub.eventTypes()
	if len(types) == 0 || types[0] != "session.update" {
		t.Fatalf("server saw %v, want session.update first", types)
	}

	// The voice rides in audio.output per the GA session shape.
	stub.mu.Lock()
	update := stub.received[0]
	stub.mu.Unlock()
	raw, _ := json.Marshal(update["session"])
	var sess struct {
		Audio struct {
			Output struct {
				Voice string `json:"voice"`
			} `json:"output"`
		} `json:"audio"`
	}
	json.Unmarshal(raw, &sess)
	if sess.Audio.Output.Voice != "marin" {
		t.Errorf("voice = %q, want marin", sess.Audio.Output.Voice)
	}
}

func TestControlChannel_TranslatesServerEvents(t *testing.T) {
	t.Parallel()
	stub, srv := newControlStub(t)
	emitted := make(chan events.Event, 32)

	c := NewControlChannel(srv.URL, "gpt-realtime", func(e events.Event) { emitted <- e }, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx, "sk-test"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()
	waitEvent(t, emitted, events.KindSessionReady)

	stub.push(map[string]any{"type": "input_audio_buffer.speech_started"})
	waitEvent(t, emitted, events.KindSpeechStarted)

	stub.push(map[string]any{
		"type":       "conversation.item.input_audio_transcription.completed",
		"transcript": "turn off the lights",
	})
	e := waitEvent(t, emitted, events.KindTranscript)
	if e.Data["text"] != "turn off the lights" || e.Data["role"] != "user" {
		t.Errorf("transcript event data = %v", e.Data)
	}

	stub.push(map[string]any{"type": "response.done"})
	waitEvent(t, emitted, events.KindResponseDone)
}

func TestControlChannel_VoiceIntentsBecomeIntentEvents(t *testing.T) {
	t.Parallel()
	stub, srv := newControlStub(t)
	emitted := make(chan events.Event, 32)
	calls := make(chan FunctionCall, 4)

	c := NewControlChannel(srv.URL, "gpt-realtime",
		func(e events.Event) { emitted <- e },
		func(fc FunctionCall) { calls <- fc }, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx, "sk-test"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()
	waitEvent(t, emitted, events.KindSessionReady)

	// Voice control tool calls surface as intents, not runner calls.
	stub.push(map[string]any{
		"type":    "response.function_call_arguments.done",
		"name":    "pause_replies",
		"call_id": "call_1",
	})
	e := waitEvent(t, emitted, events.KindIntent)
	if e.Data["intent"] != "pause_replies" {
		t.Errorf("intent = %v", e.Data["intent"])
	}

	// Anything else goes to the tool runner hook.
	stub.push(map[string]any{
		"type":      "response.function_call_arguments.done",
		"name":      "light_control",
		"call_id":   "call_2",
		"arguments": `{"room":"kitchen"}`,
	})
	select {
	case fc := <-calls:
		if fc.Name != "light_control" || fc.CallID != "call_2" {
			t.Errorf("call = %+v", fc)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("runner hook never invoked")
	}
}

func TestControlChannel_EmitsControlClosedOnDrop(t *testing.T) {
	t.Parallel()
	stub, srv := newControlStub(t)
	emitted := make(chan events.Event, 32)

	c := NewControlChannel(srv.URL, "gpt-realtime", func(e events.Event) { emitted <- e }, nil, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.Connect(ctx, "sk-test"); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer c.Close()
	waitEvent(t, emitted, events.KindSessionReady)

	// Server drops the connection without a close handshake.
	stub.mu.Lock()
	stub.conn.Close()
	stub.mu.Unlock()

	waitEvent(t, emitted, events.KindControlClosed)
}
