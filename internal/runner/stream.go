package runner

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parley-ai/parley/internal/events"
)

// statusEvent is one message on the runner's status stream.
type statusEvent struct {
	Type   string `json:"type"`
	Tool   string `json:"tool,omitempty"`
	Agent  string `json:"agent,omitempty"`
	OK     bool   `json:"ok,omitempty"`
	Forced bool   `json:"forced,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Stream consumes the runner's WebSocket status feed and translates it
// onto the event queue. It reconnects with exponential backoff for as
// long as its context lives; tool status is how cancellation settles,
// so the feed has to come back on its own.
type Stream struct {
	baseURL string
	token   string
	enqueue func(events.Event)
	logger  *slog.Logger

	// backoff bounds for reconnect attempts
	initialDelay time.Duration
	maxDelay     time.Duration
}

// NewStream creates a status stream consumer.
func NewStream(baseURL, token string, enqueue func(events.Event), logger *slog.Logger) *Stream {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stream{
		baseURL:      baseURL,
		token:        token,
		enqueue:      enqueue,
		logger:       logger,
		initialDelay: time.Second,
		maxDelay:     30 * time.Second,
	}
}

// Run consumes the stream until ctx is cancelled.
func (s *Stream) Run(ctx context.Context) {
	delay := s.initialDelay
	for {
		err := s.consume(ctx)
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("runner status stream dropped", "error", err, "retry_in", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
		delay *= 2
		if delay > s.maxDelay {
			delay = s.maxDelay
		}
	}
}

func (s *Stream) consume(ctx context.Context) error {
	u, err := url.Parse(s.baseURL)
	if err != nil {
		return fmt.Errorf("parse runner URL: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = "/events"

	headers := map[string][]string{}
	if s.token != "" {
		headers["Authorization"] = []string{"Bearer " + s.token}
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		return fmt.Errorf("dial runner stream: %w", err)
	}
	defer conn.Close()
	s.logger.Info("runner status stream connected")

	// Unstick the read when the context dies.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var ev statusEvent
		if err := conn.ReadJSON(&ev); err != nil {
			return fmt.Errorf("read status event: %w", err)
		}
		s.translate(ev)
	}
}

func (s *Stream) translate(ev statusEvent) {
	var kind string
	data := map[string]any{}
	switch ev.Type {
	case "tool_started":
		kind, data["tool"] = events.KindToolStarted, ev.Tool
	case "tool_completed":
		kind, data["tool"] = events.KindToolCompleted, ev.Tool
	case "tool_error":
		kind, data["tool"], data["error"] = events.KindToolError, ev.Tool, ev.Error
	case "agent_spawned":
		kind, data["agent"] = events.KindAgentSpawned, ev.Agent
	case "agent_completed":
		kind, data["agent"] = events.KindAgentCompleted, ev.Agent
	case "cancel_ack":
		kind, data["ok"], data["forced"] = events.KindCancelAck, ev.OK, ev.Forced
	default:
		s.logger.Debug("unknown runner status event", "type", ev.Type)
		return
	}
	s.enqueue(events.Event{Source: events.SourceRunner, Kind: kind, Data: data})
}
