// Package approval gates model-requested tool execution behind
// configurable policies.
//
// Voice interaction cannot present a diff to review, so most tool
// calls are approved automatically. The gate classifies each tool as
// safe or dangerous, applies the configured policy, and when
// confirmation is required surfaces a voice-friendly prompt and waits
// briefly for an answer, denying on timeout.
package approval

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/parley-ai/parley/internal/events"
)

// Approval policies.
const (
	// PolicyAutoApprove approves every tool without asking.
	PolicyAutoApprove = "auto_approve"
	// PolicySafeOnly approves safe tools and denies dangerous ones.
	PolicySafeOnly = "safe_only"
	// PolicyConfirmDangerous approves safe tools and asks the user
	// about dangerous ones.
	PolicyConfirmDangerous = "confirm_dangerous"
	// PolicyAlwaysAsk asks about every tool. Not recommended for
	// voice; every call stalls on the confirmation window.
	PolicyAlwaysAsk = "always_ask"
)

// Choices a confirmation can resolve to.
const (
	ChoiceAllowOnce   = "allow_once"
	ChoiceAllowAlways = "allow_always"
	ChoiceDeny        = "deny"
)

// ErrUnknownRequest is returned by Respond for an ID that is not
// pending, typically because the confirmation window already lapsed.
var ErrUnknownRequest = errors.New("no pending approval request")

// DefaultTimeout is the confirmation window. Short: the caller is
// mid-conversation and a stalled tool call reads as a hang.
const DefaultTimeout = 30 * time.Second

// safeTools are name fragments of read-only operations approved
// without confirmation under every policy but always_ask.
var safeTools = []string{
	"read_file", "list_directory", "get_file_info",
	"read", "ls", "cat", "head", "tail", "find", "grep",
	"fetch", "web_fetch", "search", "web_search",
	"git_status", "git_log", "git_diff", "git_show",
}

// dangerousTools are name fragments that mark an operation as
// mutating or executing.
var dangerousTools = []string{
	"write_file", "delete_file", "move_file", "create_directory",
	"bash", "execute", "run", "shell",
	"git_commit", "git_push", "git_reset", "git_checkout",
}

// dangerousArgPatterns flag risky payloads in otherwise unclassified
// tools.
var dangerousArgPatterns = []string{
	"rm ", "rm -", "delete", "remove",
	"> /", ">/",
	"sudo ", "chmod ", "chown ",
	"| sh", "|sh", "| bash", "|bash",
}

// Dangerous classifies a tool call. The name lists win over argument
// inspection: an explicitly safe name is safe regardless of payload.
func Dangerous(name, arguments string) bool {
	n := strings.ToLower(name)
	for _, d := range dangerousTools {
		if strings.Contains(n, d) {
			return true
		}
	}
	for _, s := range safeTools {
		if strings.Contains(n, s) {
			return false
		}
	}
	args := strings.ToLower(arguments)
	for _, p := range dangerousArgPatterns {
		if strings.Contains(args, p) {
			return true
		}
	}
	return false
}

// Prompt builds the spoken confirmation question for a tool call.
func Prompt(name, arguments string, dangerous bool) string {
	prefix := "May I "
	if dangerous {
		prefix = "I need to perform a potentially sensitive action: "
	}

	var args map[string]any
	_ = json.Unmarshal([]byte(arguments), &args)
	str := func(key, fallback string) string {
		if v, ok := args[key].(string); ok && v != "" {
			return v
		}
		return fallback
	}

	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "bash"), strings.Contains(n, "execute"):
		return prefix + "run the command: " + clip(str("command", "run a command"), 50) + "?"
	case strings.Contains(n, "write"):
		return prefix + "write to " + str("path", "a file") + "?"
	case strings.Contains(n, "delete"):
		return prefix + "delete " + str("path", "something") + "?"
	default:
		return prefix + "use " + name + "?"
	}
}

// ParseChoice maps loose voice phrasing onto the choice constants.
// Anything unrecognized is a denial.
func ParseChoice(s string) string {
	c := strings.ToLower(s)
	switch {
	case strings.Contains(c, "always"):
		return ChoiceAllowAlways
	case strings.Contains(c, "allow"), strings.Contains(c, "yes"), strings.Contains(c, "ok"):
		return ChoiceAllowOnce
	default:
		return ChoiceDeny
	}
}

// Request is a tool call waiting on user confirmation.
type Request struct {
	ID        string    `json:"id"`
	Tool      string    `json:"tool"`
	Arguments string    `json:"arguments"`
	Prompt    string    `json:"prompt"`
	Dangerous bool      `json:"dangerous"`
	AskedAt   time.Time `json:"asked_at"`
}

type pendingAsk struct {
	req    Request
	result chan string
}

// Gate applies the approval policy to tool calls. Per-session verdicts
// (allow always, deny) are remembered until Reset.
type Gate struct {
	clk     clock.Clock
	timeout time.Duration
	emit    func(events.Event)
	logger  *slog.Logger

	mu      sync.Mutex
	policy  string
	allowed map[string]struct{}
	denied  map[string]struct{}
	pending map[string]*pendingAsk
}

// NewGate creates a gate. An empty policy means auto_approve; a zero
// timeout gets [DefaultTimeout]. emit may be nil.
func NewGate(policy string, timeout time.Duration, clk clock.Clock, emit func(events.Event), logger *slog.Logger) *Gate {
	if policy == "" {
		policy = PolicyAutoApprove
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		clk:     clk,
		timeout: timeout,
		emit:    emit,
		logger:  logger,
		policy:  policy,
		allowed: make(map[string]struct{}),
		denied:  make(map[string]struct{}),
		pending: make(map[string]*pendingAsk),
	}
}

// Approve decides whether the named tool may run. Remembered session
// verdicts win, then the policy; when confirmation is needed the call
// blocks until the user answers or the window lapses, denying by
// default. Blocking is fine here: tool dispatch already runs off the
// event loop.
func (g *Gate) Approve(ctx context.Context, tool, arguments string) bool {
	g.mu.Lock()
	policy := g.policy
	_, allowed := g.allowed[tool]
	_, denied := g.denied[tool]
	g.mu.Unlock()
	if allowed {
		return true
	}
	if denied {
		return false
	}

	dangerous := Dangerous(tool, arguments)
	switch policy {
	case PolicySafeOnly:
		return !dangerous
	case PolicyConfirmDangerous:
		if !dangerous {
			return true
		}
	case PolicyAlwaysAsk:
	default: // auto_approve
		return true
	}
	return g.ask(ctx, tool, arguments, dangerous)
}

func (g *Gate) ask(ctx context.Context, tool, arguments string, dangerous bool) bool {
	req := Request{
		ID:        uuid.NewString(),
		Tool:      tool,
		Arguments: arguments,
		Prompt:    Prompt(tool, arguments, dangerous),
		Dangerous: dangerous,
		AskedAt:   g.clk.Now(),
	}
	p := &pendingAsk{req: req, result: make(chan string, 1)}

	g.mu.Lock()
	g.pending[req.ID] = p
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		delete(g.pending, req.ID)
		g.mu.Unlock()
	}()

	if g.emit != nil {
		g.emit(events.Event{
			Source: events.SourceApproval,
			Kind:   events.KindApprovalRequested,
			Data: map[string]any{
				"id":        req.ID,
				"tool":      tool,
				"prompt":    req.Prompt,
				"dangerous": dangerous,
			},
		})
	}

	timer := g.clk.Timer(g.timeout)
	defer timer.Stop()
	select {
	case choice := <-p.result:
		return choice != ChoiceDeny
	case <-timer.C:
		g.logger.Info("approval window lapsed, denying", "tool", tool)
		return false
	case <-ctx.Done():
		return false
	}
}

// Respond resolves a pending request. choice accepts the wire values
// plus loose voice phrasing; allow_always is remembered for the rest
// of the session.
func (g *Gate) Respond(id, choice string) error {
	parsed := ParseChoice(choice)

	g.mu.Lock()
	p, ok := g.pending[id]
	if ok {
		delete(g.pending, id)
		if parsed == ChoiceAllowAlways {
			g.allowed[p.req.Tool] = struct{}{}
			delete(g.denied, p.req.Tool)
		}
	}
	g.mu.Unlock()
	if !ok {
		return ErrUnknownRequest
	}

	p.result <- parsed
	if g.emit != nil {
		g.emit(events.Event{
			Source: events.SourceApproval,
			Kind:   events.KindApprovalResolved,
			Data:   map[string]any{"id": id, "tool": p.req.Tool, "choice": parsed},
		})
	}
	return nil
}

// Allow remembers a tool as approved for the rest of the session.
func (g *Gate) Allow(tool string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.allowed[tool] = struct{}{}
	delete(g.denied, tool)
}

// Deny remembers a tool as denied for the rest of the session.
func (g *Gate) Deny(tool string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.denied[tool] = struct{}{}
	delete(g.allowed, tool)
}

// Reset forgets all remembered verdicts.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.allowed = make(map[string]struct{})
	g.denied = make(map[string]struct{})
}

// SetPolicy changes the policy for subsequent calls.
func (g *Gate) SetPolicy(policy string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.policy = policy
}

// Policy returns the current policy.
func (g *Gate) Policy() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.policy
}

// Pending returns the requests waiting on confirmation, oldest first.
func (g *Gate) Pending() []Request {
	g.mu.Lock()
	defer g.mu.Unlock()
	reqs := make([]Request, 0, len(g.pending))
	for _, p := range g.pending {
		reqs = append(reqs, p.req)
	}
	sort.Slice(reqs, func(i, j int) bool { return reqs[i].AskedAt.Before(reqs[j].AskedAt) })
	return reqs
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
