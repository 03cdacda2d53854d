package approval

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/parley-ai/parley/internal/events"
)

func TestDangerous(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		tool string
		args string
		want bool
	}{
		{"shell execution", "bash", `{"command":"echo hi"}`, true},
		{"prefixed shell tool", "tool-bash", `{"command":"ls"}`, true},
		{"write operation", "filesystem_write_file", `{"path":"/tmp/x"}`, true},
		{"git push", "git_push", `{}`, true},
		{"read file", "read_file", `{"path":"/etc/hosts"}`, false},
		{"web search", "web_search", `{"query":"weather"}`, false},
		{"safe name wins over args", "web_fetch", `{"url":"http://x/|sh"}`, false},
		{"unknown tool, risky args", "mystery", `{"cmd":"sudo reboot"}`, true},
		{"unknown tool, plain args", "mystery", `{"value":42}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := Dangerous(tt.tool, tt.args); got != tt.want {
				t.Errorf("Dangerous(%q, %q) = %v, want %v", tt.tool, tt.args, got, tt.want)
			}
		})
	}
}

func TestParseChoice(t *testing.T) {
	t.Parallel()
	tests := []struct{ in, want string }{
		{"allow_always", ChoiceAllowAlways},
		{"Allow always", ChoiceAllowAlways},
		{"allow_once", ChoiceAllowOnce},
		{"yes please", ChoiceAllowOnce},
		{"ok", ChoiceAllowOnce},
		{"deny", ChoiceDeny},
		{"no way", ChoiceDeny},
		{"", ChoiceDeny},
	}
	for _, tt := range tests {
		if got := ParseChoice(tt.in); got != tt.want {
			t.Errorf("ParseChoice(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPrompt(t *testing.T) {
	t.Parallel()
	p := Prompt("bash", `{"command":"rm -rf /tmp/scratch"}`, true)
	if !strings.Contains(p, "sensitive action") || !strings.Contains(p, "rm -rf /tmp/scratch") {
		t.Errorf("Prompt = %q", p)
	}
	p = Prompt("weather_lookup", `{}`, false)
	if p != "May I use weather_lookup?" {
		t.Errorf("Prompt = %q", p)
	}
}

func TestGate_AutoApprovePassesDangerousTools(t *testing.T) {
	t.Parallel()
	g := NewGate(PolicyAutoApprove, time.Second, clock.NewMock(), nil, nil)

	if !g.Approve(context.Background(), "bash", `{"command":"make deploy"}`) {
		t.Error("auto_approve should approve without asking")
	}
	if len(g.Pending()) != 0 {
		t.Error("auto_approve should never create pending requests")
	}
}

func TestGate_SafeOnlyDeniesDangerousImmediately(t *testing.T) {
	t.Parallel()
	g := NewGate(PolicySafeOnly, time.Second, clock.NewMock(), nil, nil)

	if !g.Approve(context.Background(), "read_file", `{"path":"/etc/hosts"}`) {
		t.Error("safe tool should pass under safe_only")
	}
	if g.Approve(context.Background(), "delete_file", `{"path":"/etc/hosts"}`) {
		t.Error("dangerous tool should be denied under safe_only")
	}
	if len(g.Pending()) != 0 {
		t.Error("safe_only decides without asking")
	}
}

func TestGate_ConfirmDangerousPassesSafeWithoutAsking(t *testing.T) {
	t.Parallel()
	g := NewGate(PolicyConfirmDangerous, time.Second, clock.NewMock(), nil, nil)

	if !g.Approve(context.Background(), "git_log", `{}`) {
		t.Error("safe tool should pass under confirm_dangerous")
	}
	if len(g.Pending()) != 0 {
		t.Error("safe tool should not wait on confirmation")
	}
}

func TestGate_ConfirmationTimeoutDenies(t *testing.T) {
	t.Parallel()
	mock := clock.NewMock()
	g := NewGate(PolicyConfirmDangerous, 30*time.Second, mock, nil, nil)

	resCh := make(chan bool, 1)
	go func() { resCh <- g.Approve(context.Background(), "bash", `{"command":"reboot"}`) }()
	waitPending(t, g, 1)

	var got, done = false, false
	for i := 0; i < 200 && !done; i++ {
		mock.Add(30 * time.Second)
		select {
		case got = <-resCh:
			done = true
		case <-time.After(10 * time.Millisecond):
		}
	}
	if !done {
		t.Fatal("Approve never returned")
	}
	if got {
		t.Error("lapsed confirmation must deny")
	}
	if len(g.Pending()) != 0 {
		t.Error("lapsed request should leave the pending set")
	}
}

func TestGate_RespondAllowOnceDoesNotRemember(t *testing.T) {
	t.Parallel()
	g := NewGate(PolicyConfirmDangerous, time.Minute, clock.NewMock(), nil, nil)

	resCh := make(chan bool, 1)
	go func() { resCh <- g.Approve(context.Background(), "bash", `{"command":"date"}`) }()
	waitPending(t, g, 1)

	id := g.Pending()[0].ID
	if err := g.Respond(id, "allow_once"); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if !<-resCh {
		t.Error("allow_once should approve the waiting call")
	}

	// The next call for the same tool asks again.
	go func() { resCh <- g.Approve(context.Background(), "bash", `{"command":"date"}`) }()
	waitPending(t, g, 1)
	g.Respond(g.Pending()[0].ID, "deny")
	if <-resCh {
		t.Error("allow_once must not persist across calls")
	}
}

func TestGate_AllowAlwaysIsRemembered(t *testing.T) {
	t.Parallel()
	var mu sync.Mutex
	var kinds []string
	emit := func(e events.Event) {
		mu.Lock()
		kinds = append(kinds, e.Kind)
		mu.Unlock()
	}
	g := NewGate(PolicyConfirmDangerous, time.Minute, clock.NewMock(), emit, nil)

	resCh := make(chan bool, 1)
	go func() { resCh <- g.Approve(context.Background(), "git_push", `{}`) }()
	waitPending(t, g, 1)

	if err := g.Respond(g.Pending()[0].ID, "Allow always"); err != nil {
		t.Fatalf("Respond: %v", err)
	}
	if !<-resCh {
		t.Error("allow_always should approve the waiting call")
	}

	// Remembered: no confirmation round this time.
	if !g.Approve(context.Background(), "git_push", `{}`) {
		t.Error("remembered tool should pass without asking")
	}
	if len(g.Pending()) != 0 {
		t.Error("remembered tool must not create a pending request")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(kinds) != 2 || kinds[0] != events.KindApprovalRequested || kinds[1] != events.KindApprovalResolved {
		t.Errorf("event kinds = %v", kinds)
	}
}

func TestGate_DenyIsRemembered(t *testing.T) {
	t.Parallel()
	g := NewGate(PolicyAutoApprove, time.Second, clock.NewMock(), nil, nil)

	g.Deny("bash")
	if g.Approve(context.Background(), "bash", `{}`) {
		t.Error("denied tool should fail even under auto_approve")
	}
	g.Reset()
	if !g.Approve(context.Background(), "bash", `{}`) {
		t.Error("Reset should forget the denial")
	}
}

func TestGate_RespondUnknownID(t *testing.T) {
	t.Parallel()
	g := NewGate(PolicyConfirmDangerous, time.Second, clock.NewMock(), nil, nil)

	if err := g.Respond("nope", "allow_once"); !errors.Is(err, ErrUnknownRequest) {
		t.Errorf("Respond = %v, want ErrUnknownRequest", err)
	}
}

func waitPending(t *testing.T, g *Gate, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(g.Pending()) == n {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("pending requests never reached %d", n)
}
