// Package reconnect decides whether, when, and how to re-establish a
// voice session after a disconnect.
//
// The hosted service imposes a hard session ceiling with no native
// resume, so the engine supports pre-emptive rotation: under the
// proactive strategy a timer armed at session start replaces the
// session a margin before the ceiling, carrying a summarized context
// handoff instead of waiting for the hard cut.
package reconnect

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/parley-ai/parley/internal/disconnect"
	"github.com/parley-ai/parley/internal/eventlog"
	"github.com/parley-ai/parley/internal/events"
)

// State of the engine.
type State string

// Engine states.
const (
	StateIdle         State = "idle"
	StateAwaitingUser State = "awaiting_user"
	StateScheduled    State = "scheduled"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
)

// Strategy names. Validated by config; the engine trusts its input.
const (
	StrategyManual        = "manual"
	StrategyAutoImmediate = "auto_immediate"
	StrategyAutoDelayed   = "auto_delayed"
	StrategyProactive     = "proactive"
)

// Dialer establishes a new session. Dial returns only after the remote
// session confirms logical readiness, not merely transport-level
// connectivity. A non-empty handoff is injected as prior context.
type Dialer interface {
	Dial(ctx context.Context, handoff string) error
}

// Keepaliver sends a low-cost signal that prevents idle disconnects.
type Keepaliver interface {
	Keepalive(ctx context.Context) error
}

// Config is the engine's tunable behavior. Mutable at runtime; changes
// take effect on the next disconnect or proactive check.
type Config struct {
	Strategy          string
	KeepaliveEnabled  bool
	KeepaliveInterval time.Duration
	Delay             time.Duration // auto_delayed wait
	Ceiling           time.Duration // hard session duration limit
	ProactiveMargin   time.Duration // rotate this long before the ceiling
	MaxAttemptRetries int           // dial retries within one attempt
	RetryBaseDelay    time.Duration // backoff base between retries
}

// Engine is the reconnection state machine. Event-driven entry points
// (OnDisconnect, OnSessionReady) are called from the dispatcher and do
// not block; dial attempts run on their own goroutine.
type Engine struct {
	dialer  Dialer
	keeper  Keepaliver
	clk     clock.Clock
	handoff func(ctx context.Context) string
	emit    func(events.Event)
	log     *eventlog.Log
	logger  *slog.Logger

	mu       sync.Mutex
	cfg      Config
	state    State
	count    int
	inFlight bool
	ctx      context.Context

	delayTimer    *clock.Timer
	rotationTimer *clock.Timer
}

// NewEngine creates an engine in the idle state. handoff builds the
// summarized context carried across a rotation and may be nil; emit
// receives lifecycle events and may be nil.
func NewEngine(dialer Dialer, keeper Keepaliver, cfg Config, clk clock.Clock, handoff func(ctx context.Context) string, emit func(events.Event), log *eventlog.Log, logger *slog.Logger) *Engine {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = time.Second
	}
	if cfg.MaxAttemptRetries <= 0 {
		cfg.MaxAttemptRetries = 3
	}
	return &Engine{
		dialer:  dialer,
		keeper:  keeper,
		clk:     clk,
		handoff: handoff,
		emit:    emit,
		log:     log,
		logger:  logger,
		cfg:     cfg,
		state:   StateIdle,
		ctx:     context.Background(),
	}
}

// Start binds the engine to its lifetime context and launches the
// keep-alive loop.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	e.ctx = ctx
	e.mu.Unlock()
	go e.keepaliveLoop(ctx)
}

// State returns the current engine state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Count returns the number of reconnect attempt cycles so far. It
// increments exactly once per disconnect-to-connected cycle, no matter
// how many dial retries happen inside the attempt.
func (e *Engine) Count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.count
}

// Config returns the current configuration.
func (e *Engine) Config() Config {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// SetConfig replaces the strategy and keep-alive settings. Switching
// to proactive while connected arms the rotation timer; switching away
// disarms it.
func (e *Engine) SetConfig(strategy string, keepalive bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg.Strategy = strategy
	e.cfg.KeepaliveEnabled = keepalive
	if e.state == StateConnected {
		if strategy == StrategyProactive {
			e.armRotationLocked()
		} else {
			e.disarmRotationLocked()
		}
	}
	e.logger.Info("reconnect config updated", "strategy", strategy, "keepalive", keepalive)
}

// OnSessionReady marks the session connected. Called once the remote
// session confirms readiness, whether from the initial connect or a
// completed attempt. Arms the rotation timer under proactive.
func (e *Engine) OnSessionReady() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = StateConnected
	e.inFlight = false
	e.disarmDelayLocked()
	if e.cfg.Strategy == StrategyProactive {
		e.armRotationLocked()
	}
	if e.log != nil {
		e.log.Append("reconnect: connected")
	}
}

// OnDisconnect reacts to a classified disconnect per the configured
// strategy.
func (e *Engine) OnDisconnect(reason disconnect.Reason) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.disarmRotationLocked()
	if e.inFlight {
		// A disconnect surfacing while an attempt is already running
		// must not spawn a second one.
		e.logger.Debug("disconnect during in-flight attempt ignored", "reason", string(reason))
		return
	}
	if e.log != nil {
		e.log.Appendf("disconnect: %s (strategy %s)", reason, e.cfg.Strategy)
	}

	switch e.cfg.Strategy {
	case StrategyManual:
		e.state = StateAwaitingUser
	case StrategyAutoDelayed:
		e.scheduleLocked(e.cfg.Delay)
	default:
		// auto_immediate, and proactive outside its rotation window,
		// both reconnect right away.
		e.beginAttemptLocked("")
	}
}

// UserReconnect is the explicit user action. Valid from awaiting_user
// or idle; a no-op while connected or an attempt is in flight.
func (e *Engine) UserReconnect() {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.state {
	case StateAwaitingUser, StateIdle:
		e.beginAttemptLocked("")
	default:
		e.logger.Debug("user reconnect ignored", "state", string(e.state))
	}
}

// scheduleLocked enters scheduled and arms the delay timer.
func (e *Engine) scheduleLocked(delay time.Duration) {
	e.state = StateScheduled
	e.disarmDelayLocked()
	e.delayTimer = e.clk.AfterFunc(delay, func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		if e.state != StateScheduled {
			return
		}
		e.beginAttemptLocked("")
	})
	if e.emit != nil {
		e.emit(events.Event{
			Source: events.SourceEngine,
			Kind:   events.KindReconnectScheduled,
			Data:   map[string]any{"delay": delay.String()},
		})
	}
}

// armRotationLocked arms the pre-emptive rotation timer at
// ceiling-margin from now (session start).
func (e *Engine) armRotationLocked() {
	if e.cfg.Ceiling <= 0 || e.cfg.ProactiveMargin >= e.cfg.Ceiling {
		return
	}
	e.disarmRotationLocked()
	fireIn := e.cfg.Ceiling - e.cfg.ProactiveMargin
	e.rotationTimer = e.clk.AfterFunc(fireIn, e.rotate)
	if e.emit != nil {
		e.emit(events.Event{
			Source: events.SourceEngine,
			Kind:   events.KindRotationArmed,
			Data:   map[string]any{"fires_in": fireIn.String()},
		})
	}
}

// rotate replaces a still-connected session before the ceiling,
// carrying forward the summarized handoff.
func (e *Engine) rotate() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateConnected || e.inFlight {
		return
	}
	if e.log != nil {
		e.log.Append("proactive rotation")
	}
	h := ""
	if e.handoff != nil {
		h = e.handoff(e.ctx)
	}
	e.beginAttemptLocked(h)
}

// beginAttemptLocked starts one attempt cycle: counter +1, state
// connecting, dial goroutine with bounded retries. The inFlight guard
// makes re-entrant triggers no-ops.
func (e *Engine) beginAttemptLocked(handoff string) {
	if e.inFlight {
		return
	}
	e.inFlight = true
	e.state = StateConnecting
	e.count++
	attempt := e.count
	ctx := e.ctx
	if e.emit != nil {
		e.emit(events.Event{
			Source: events.SourceEngine,
			Kind:   events.KindReconnectStarted,
			Data:   map[string]any{"attempt": attempt},
		})
	}
	go e.dialWithRetries(ctx, attempt, handoff)
}

func (e *Engine) dialWithRetries(ctx context.Context, attempt int, handoff string) {
	cfg := e.Config()
	delay := cfg.RetryBaseDelay
	for try := 1; try <= cfg.MaxAttemptRetries; try++ {
		err := e.dialer.Dial(ctx, handoff)
		if err == nil {
			e.OnSessionReady()
			e.logger.Info("reconnected", "attempt", attempt, "tries", try)
			return
		}
		e.logger.Warn("dial failed", "attempt", attempt, "try", try, "error", err)
		if try == cfg.MaxAttemptRetries {
			break
		}
		timer := e.clk.Timer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			e.exhausted()
			return
		case <-timer.C:
		}
		delay *= 2
	}
	e.exhausted()
}

// exhausted degrades to awaiting_user rather than retrying forever.
func (e *Engine) exhausted() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inFlight = false
	e.state = StateAwaitingUser
	if e.log != nil {
		e.log.Append("reconnect attempts exhausted")
	}
	e.logger.Error("reconnect exhausted, awaiting user action")
}

func (e *Engine) disarmDelayLocked() {
	if e.delayTimer != nil {
		e.delayTimer.Stop()
		e.delayTimer = nil
	}
}

func (e *Engine) disarmRotationLocked() {
	if e.rotationTimer != nil {
		e.rotationTimer.Stop()
		e.rotationTimer = nil
	}
}

// keepaliveLoop sends periodic keep-alives while enabled and
// connected. Runs for the engine's lifetime; the toggle is checked
// each tick so it can be flipped at runtime.
func (e *Engine) keepaliveLoop(ctx context.Context) {
	if e.keeper == nil {
		return
	}
	interval := e.Config().KeepaliveInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := e.clk.Ticker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cfg := e.Config()
			if !cfg.KeepaliveEnabled || e.State() != StateConnected {
				continue
			}
			if err := e.keeper.Keepalive(ctx); err != nil {
				e.logger.Warn("keepalive failed", "error", err)
			}
		}
	}
}
