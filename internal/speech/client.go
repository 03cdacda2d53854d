// Package speech talks to the hosted real-time speech service.
//
// The service exposes three surfaces this package wraps: a REST call
// that mints short-lived client credentials, a raw SDP offer/answer
// exchange that establishes the media transport, and a WebSocket
// control channel for structured session events. Sessions carry a hard
// duration ceiling with no native resume; continuity across sessions
// is this daemon's problem, not the service's.
package speech

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/parley-ai/parley/internal/httpkit"
)

// Tool is a function definition advertised to the speech model.
type Tool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

// Credential is a short-lived client secret for the media transport
// and control channel.
type Credential struct {
	Value     string
	ExpiresAt time.Time
}

// Client is the REST client for session creation and SDP exchange.
type Client struct {
	baseURL      string
	apiKey       string
	model        string
	instructions string
	ttl          time.Duration
	http         *http.Client
	logger       *slog.Logger
}

// NewClient creates a speech REST client. baseURL is the realtime API
// root, e.g. https://api.openai.com/v1/realtime.
func NewClient(baseURL, apiKey, model, instructions string, ttl time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:      baseURL,
		apiKey:       apiKey,
		model:        model,
		instructions: instructions,
		ttl:          ttl,
		http:         httpkit.NewClient(httpkit.WithTimeout(30*time.Second), httpkit.WithRetry(2, time.Second), httpkit.WithLogger(logger)),
		logger:       logger,
	}
}

type sessionConfig struct {
	Session sessionBody `json:"session"`
}

type sessionBody struct {
	Type         string `json:"type"`
	Model        string `json:"model"`
	Instructions string `json:"instructions,omitempty"`
	Tools        []Tool `json:"tools,omitempty"`
}

type clientSecretResponse struct {
	Value     string `json:"value"`
	ExpiresAt int64  `json:"expires_at"`
}

// CreateSession mints a new session and its ephemeral credential via
// POST {base}/client_secrets. Voice and turn detection are not
// accepted here; they go out over the control channel in a
// session.update once connected.
func (c *Client) CreateSession(ctx context.Context, tools []Tool) (Credential, error) {
	cfg := sessionConfig{Session: sessionBody{
		Type:         "realtime",
		Model:        c.model,
		Instructions: c.instructions,
		Tools:        tools,
	}}
	body, err := json.Marshal(cfg)
	if err != nil {
		return Credential{}, fmt.Errorf("marshal session config: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/client_secrets", bytes.NewReader(body))
	if err != nil {
		return Credential{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Credential{}, fmt.Errorf("create session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail := httpkit.ReadErrorBody(resp.Body, 4096)
		return Credential{}, fmt.Errorf("create session: %s: %s", resp.Status, detail)
	}

	var out clientSecretResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Credential{}, fmt.Errorf("decode client secret: %w", err)
	}
	if out.Value == "" {
		return Credential{}, fmt.Errorf("create session: empty client secret")
	}

	cred := Credential{Value: out.Value}
	if out.ExpiresAt > 0 {
		cred.ExpiresAt = time.Unix(out.ExpiresAt, 0)
	} else {
		cred.ExpiresAt = time.Now().Add(c.ttl)
	}
	c.logger.Info("speech session created", "tools", len(tools), "expires_at", cred.ExpiresAt)
	return cred, nil
}

// ExchangeSDP posts a raw SDP offer to {base}/calls under the given
// credential and returns the raw SDP answer.
func (c *Client) ExchangeSDP(ctx context.Context, offer []byte, credential string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/calls", bytes.NewReader(offer))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+credential)
	req.Header.Set("Content-Type", "application/sdp")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sdp exchange: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		detail := httpkit.ReadErrorBody(resp.Body, 4096)
		return nil, fmt.Errorf("sdp exchange: %s: %s", resp.Status, detail)
	}

	var answer bytes.Buffer
	if _, err := answer.ReadFrom(resp.Body); err != nil {
		return nil, fmt.Errorf("read sdp answer: %w", err)
	}
	c.logger.Debug("sdp exchange complete", "answer_bytes", answer.Len())
	return answer.Bytes(), nil
}
