package runner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parley-ai/parley/internal/events"
)

func TestClient_ToolDefinitions(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tools" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer rt-token" {
			t.Errorf("auth = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]any{
			"tools": []map[string]any{
				{"name": "light_control", "description": "Control lights", "parameters": map[string]any{"type": "object"}},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "rt-token", time.Minute, nil)
	tools, err := c.ToolDefinitions(context.Background())
	if err != nil {
		t.Fatalf("ToolDefinitions: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "light_control" || tools[0].Type != "function" {
		t.Errorf("tools = %+v", tools)
	}
}

func TestClient_Invoke(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tools/invoke" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.Name != "light_control" {
			t.Errorf("name = %q", req.Name)
		}
		json.NewEncoder(w).Encode(map[string]any{"success": true, "output": "lights off"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", time.Minute, nil)
	out, err := c.Invoke(context.Background(), "light_control", `{"room":"kitchen"}`)
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if out != "lights off" {
		t.Errorf("output = %q", out)
	}
}

func TestClient_InvokeFailureSurfacesError(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"success": false, "error": "no such tool"})
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", time.Minute, nil)
	_, err := c.Invoke(context.Background(), "bogus", "")
	if err == nil || !strings.Contains(err.Error(), "no such tool") {
		t.Fatalf("Invoke err = %v", err)
	}
}

func TestClient_CancelWork(t *testing.T) {
	t.Parallel()
	var gotForced *bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/cancel" {
			t.Errorf("path = %s", r.URL.Path)
		}
		var req map[string]bool
		json.NewDecoder(r.Body).Decode(&req)
		v := req["forced"]
		gotForced = &v
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "", time.Minute, nil)
	if err := c.CancelWork(context.Background(), true); err != nil {
		t.Fatalf("CancelWork: %v", err)
	}
	if gotForced == nil || !*gotForced {
		t.Error("forced flag not delivered")
	}
}

func TestStream_TranslatesStatusEvents(t *testing.T) {
	t.Parallel()
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/events" {
			t.Errorf("path = %s", r.URL.Path)
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		conn.WriteJSON(map[string]any{"type": "tool_started", "tool": "search"})
		conn.WriteJSON(map[string]any{"type": "agent_spawned", "agent": "researcher"})
		conn.WriteJSON(map[string]any{"type": "cancel_ack", "ok": true, "forced": true})
		// Keep the connection open until the client goes away.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	got := make(chan events.Event, 8)
	s := NewStream(srv.URL, "", func(e events.Event) { got <- e }, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Run(ctx)

	expect := func(kind string, check func(events.Event)) {
		t.Helper()
		select {
		case e := <-got:
			if e.Kind != kind {
				t.Fatalf("Kind = %s, want %s", e.Kind, kind)
			}
			if e.Source != events.SourceRunner {
				t.Fatalf("Source = %s, want runner", e.Source)
			}
			if check != nil {
				check(e)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("event %s never arrived", kind)
		}
	}

	expect(events.KindToolStarted, func(e events.Event) {
		if e.Data["tool"] != "search" {
			t.Errorf("tool = %v", e.Data["tool"])
		}
	})
	expect(events.KindAgentSpawned, nil)
	expect(events.KindCancelAck, func(e events.Event) {
		if e.Data["ok"] != true || e.Data["forced"] != true {
			t.Errorf("ack data = %v", e.Data)
		}
	})
}
