// Package runner talks to the remote tool-execution service: named
// tool invocations over REST, the graceful/forced cancel signal, and
// an asynchronous status stream consumed by the cancellation
// coordinator.
package runner

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/parley-ai/parley/internal/httpkit"
	"github.com/parley-ai/parley/internal/speech"
)

// Client is the REST client for the tool-execution service.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
	logger  *slog.Logger
}

// NewClient creates a runner client. invokeTimeout bounds a single
// tool invocation round trip.
func NewClient(baseURL, token string, invokeTimeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if invokeTimeout <= 0 {
		invokeTimeout = 60 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    httpkit.NewClient(httpkit.WithTimeout(invokeTimeout), httpkit.WithRetry(2, time.Second), httpkit.WithLogger(logger)),
		logger:  logger,
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		detail := httpkit.ReadErrorBody(resp.Body, 4096)
		return fmt.Errorf("%s %s: %s: %s", method, path, resp.Status, detail)
	}
	if out == nil {
		httpkit.DrainAndClose(resp.Body, 4096)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type toolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolDefinitions lists the runner's tools in the shape the speech
// service expects.
func (c *Client) ToolDefinitions(ctx context.Context) ([]speech.Tool, error) {
	var defs struct {
		Tools []toolDef `json:"tools"`
	}
	if err := c.do(ctx, http.MethodGet, "/tools", nil, &defs); err != nil {
		return nil, err
	}
	tools := make([]speech.Tool, 0, len(defs.Tools))
	for _, d := range defs.Tools {
		tools = append(tools, speech.Tool{
			Type:        "function",
			Name:        d.Name,
			Description: d.Description,
			Parameters:  d.Parameters,
		})
	}
	return tools, nil
}

type invokeRequest struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type invokeResponse struct {
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Invoke runs a named tool with JSON arguments and returns its output.
func (c *Client) Invoke(ctx context.Context, name, arguments string) (string, error) {
	if arguments == "" {
		arguments = "{}"
	}
	var out invokeResponse
	err := c.do(ctx, http.MethodPost, "/tools/invoke", invokeRequest{
		Name:      name,
		Arguments: json.RawMessage(arguments),
	}, &out)
	if err != nil {
		return "", err
	}
	if !out.Success {
		return "", fmt.Errorf("tool %s: %s", name, out.Error)
	}
	c.logger.Debug("tool invoked", "tool", name)
	return out.Output, nil
}

// CancelWork signals the runner to stop in-flight work. forced demands
// immediate termination; otherwise the runner winds down naturally and
// reports completions over the status stream.
func (c *Client) CancelWork(ctx context.Context, forced bool) error {
	return c.do(ctx, http.MethodPost, "/cancel", map[string]bool{"forced": forced}, nil)
}
