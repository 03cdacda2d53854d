package speech

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/parley-ai/parley/internal/events"
)

// ToolInvoker executes a named tool with JSON arguments. Satisfied by
// the runner client.
type ToolInvoker interface {
	Invoke(ctx context.Context, name, arguments string) (string, error)
	ToolDefinitions(ctx context.Context) ([]Tool, error)
}

// ApprovalGate decides whether a model-requested tool may run. May
// block while waiting on user confirmation. Satisfied by the approval
// package's Gate.
type ApprovalGate interface {
	Approve(ctx context.Context, tool, arguments string) bool
}

// Manager owns the session lifecycle against the speech service: it
// mints credentials for the media transport, runs the control channel,
// and routes model tool calls to the runner. It is the Dialer and
// Keepaliver the reconnection engine drives.
type Manager struct {
	client        *Client
	creds         *CredentialCache
	apiKey        string
	baseURL       string
	model         string
	voice         string
	invoker       ToolInvoker
	invokeTimeout time.Duration
	emit          func(events.Event)
	logger        *slog.Logger

	mu      sync.Mutex
	control *ControlChannel
	gate    ApprovalGate
}

// NewManager creates a session manager. invoker may be nil when no
// tool runner is configured; model tool calls then fail politely.
func NewManager(client *Client, creds *CredentialCache, apiKey, baseURL, model, voice string, invoker ToolInvoker, invokeTimeout time.Duration, emit func(events.Event), logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if invokeTimeout <= 0 {
		invokeTimeout = 60 * time.Second
	}
	return &Manager{
		client:        client,
		creds:         creds,
		apiKey:        apiKey,
		baseURL:       baseURL,
		model:         model,
		voice:         voice,
		invoker:       invoker,
		invokeTimeout: invokeTimeout,
		emit:          emit,
		logger:        logger,
	}
}

// SetApprovalGate installs the gate consulted before each tool
// invocation. A nil gate approves everything.
func (m *Manager) SetApprovalGate(g ApprovalGate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gate = g
}

func (m *Manager) approvalGate() ApprovalGate {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.gate
}

// voiceControlTools are always advertised so the model can drive the
// microphone state machine by voice.
func voiceControlTools() []Tool {
	desc := map[string]string{
		"pause_replies":  "Stop speaking replies aloud until asked to resume.",
		"resume_replies": "Resume speaking replies aloud.",
		"respond_now":    "Speak a reply right now, even while replies are paused.",
	}
	tools := make([]Tool, 0, len(desc))
	for _, name := range []string{"pause_replies", "resume_replies", "respond_now"} {
		tools = append(tools, Tool{
			Type:        "function",
			Name:        name,
			Description: desc[name],
			Parameters:  map[string]any{"type": "object", "properties": map[string]any{}},
		})
	}
	return tools
}

// sessionTools merges the voice control tools with whatever the
// runner advertises. Runner failure is not fatal to session creation.
func (m *Manager) sessionTools(ctx context.Context) []Tool {
	tools := voiceControlTools()
	if m.invoker == nil {
		return tools
	}
	defs, err := m.invoker.ToolDefinitions(ctx)
	if err != nil {
		m.logger.Warn("tool definitions unavailable", "error", err)
		return tools
	}
	return append(tools, defs...)
}

// CreateCredential returns a credential for the browser's media
// transport, minting a session if the cached one is near expiry.
func (m *Manager) CreateCredential(ctx context.Context) (Credential, error) {
	return m.creds.Get(ctx)
}

// MintCredential creates a fresh session credential carrying the
// current tool set. Wire this as the [CredentialCache] source.
func (m *Manager) MintCredential(ctx context.Context) (Credential, error) {
	return m.client.CreateSession(ctx, m.sessionTools(ctx))
}

// ExchangeSDP brokers the browser's SDP offer through the current
// credential.
func (m *Manager) ExchangeSDP(ctx context.Context, offer []byte, bearer string) ([]byte, error) {
	if bearer == "" {
		cred, err := m.creds.Get(ctx)
		if err != nil {
			return nil, fmt.Errorf("credential for sdp exchange: %w", err)
		}
		bearer = cred.Value
	}
	return m.client.ExchangeSDP(ctx, offer, bearer)
}

// Dial establishes a fresh control channel session, returning after
// the remote readiness handshake. A non-empty handoff is injected as
// prior context before the session is considered usable.
func (m *Manager) Dial(ctx context.Context, handoff string) error {
	m.mu.Lock()
	old := m.control
	m.mu.Unlock()
	if old != nil {
		old.Close()
	}
	m.creds.Invalidate() // a new logical session needs a new credential

	control := NewControlChannel(m.baseURL, m.model, m.emit, m.handleCall, m.logger)
	if err := control.Connect(ctx, m.apiKey); err != nil {
		return err
	}
	if err := control.Configure(ctx, SessionSettings{Voice: m.voice, TurnDetection: "server_vad"}); err != nil {
		control.Close()
		return err
	}
	if handoff != "" {
		if err := control.InjectContext(handoff); err != nil {
			m.logger.Warn("context handoff injection failed", "error", err)
		}
	}

	m.mu.Lock()
	m.control = control
	m.mu.Unlock()
	return nil
}

// Keepalive pings the control channel.
func (m *Manager) Keepalive(ctx context.Context) error {
	c := m.current()
	if c == nil {
		return fmt.Errorf("no active session")
	}
	if err := c.Keepalive(ctx); err != nil {
		return err
	}
	if m.emit != nil {
		m.emit(events.Event{Source: events.SourceControl, Kind: events.KindKeepalive})
	}
	return nil
}

// RequestResponse asks the model to speak. Used by the microphone
// state machine's respond-now intent.
func (m *Manager) RequestResponse() {
	c := m.current()
	if c == nil {
		return
	}
	if err := c.RequestResponse(); err != nil {
		m.logger.Warn("response request failed", "error", err)
	}
}

// Close tears down the active session, if any.
func (m *Manager) Close() {
	m.mu.Lock()
	c := m.control
	m.control = nil
	m.mu.Unlock()
	if c != nil {
		c.Close()
	}
}

func (m *Manager) current() *ControlChannel {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.control
}

// handleCall runs a model-requested tool on the runner and returns the
// output over the control channel. Runs off the read loop so a slow
// tool does not stall event delivery.
func (m *Manager) handleCall(call FunctionCall) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.invokeTimeout)
		defer cancel()

		output := ""
		if gate := m.approvalGate(); gate != nil && !gate.Approve(ctx, call.Name, call.Arguments) {
			m.logger.Info("tool call not approved", "tool", call.Name)
			output = errorOutput("the user did not approve this tool call")
		} else if m.invoker == nil {
			output = errorOutput("no tool runner configured")
		} else if out, err := m.invoker.Invoke(ctx, call.Name, call.Arguments); err != nil {
			m.logger.Warn("tool invocation failed", "tool", call.Name, "error", err)
			output = errorOutput(err.Error())
		} else {
			output = out
		}

		c := m.current()
		if c == nil {
			return
		}
		if err := c.SendFunctionOutput(call.CallID, output); err != nil {
			m.logger.Warn("function output send failed", "tool", call.Name, "error", err)
		}
	}()
}

func errorOutput(msg string) string {
	b, _ := json.Marshal(map[string]string{"error": msg})
	return string(b)
}
