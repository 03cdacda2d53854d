// Package cancel tracks in-flight tool and sub-agent work and executes
// the two-tier abort.
//
// The coordinator reconciles asynchronous status events from the tool
// runner with the local cancel lifecycle. Events may arrive late,
// duplicated, or out of order between streams; the state here must be
// idempotent under all of those. The invariant that everything else
// reads is simple: work is active iff at least one tool is running or
// at least one spawned sub-agent has not completed.
package cancel

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/samber/lo"

	"github.com/parley-ai/parley/internal/eventlog"
	"github.com/parley-ai/parley/internal/events"
)

// Signaler delivers the cancel signal to the remote tool-execution
// layer. Implemented by the runner client.
type Signaler interface {
	CancelWork(ctx context.Context, forced bool) error
}

// Coordinator errors.
var (
	// ErrAlreadyCancelling is returned when a cancel request arrives
	// while another is still awaiting acknowledgment.
	ErrAlreadyCancelling = errors.New("cancel already in progress")
	// ErrAckTimeout is returned when running work does not settle
	// within the acknowledgment window.
	ErrAckTimeout = errors.New("cancel acknowledgment timed out")
	// ErrCancelRejected is returned when the runner acknowledges the
	// cancel with a failure. The tracked work keeps running.
	ErrCancelRejected = errors.New("cancel rejected by runner")
)

// finishedWindow is how long a completed tool name is remembered so a
// late "started" event for it can be recognized and dropped.
const finishedWindow = 30 * time.Second

// State is a snapshot of the coordinator.
type State struct {
	IsActive       bool     `json:"is_active"`
	IsCancelling   bool     `json:"is_cancelling"`
	RunningTools   []string `json:"running_tools"`
	ActiveChildren int      `json:"active_children"`
}

// Coordinator owns CancelState. Status events are applied by the
// dispatcher goroutine; Cancel is called from HTTP handlers and blocks
// off the event loop.
type Coordinator struct {
	signaler   Signaler
	clk        clock.Clock
	ackTimeout time.Duration
	log        *eventlog.Log
	logger     *slog.Logger

	mu         sync.Mutex
	running    map[string]struct{}
	finished   map[string]time.Time
	children   int
	cancelling bool
	settleCh   chan struct{}
	rejectCh   chan struct{}
}

// NewCoordinator creates a coordinator. ackTimeout bounds how long a
// cancel waits for work to settle.
func NewCoordinator(signaler Signaler, ackTimeout time.Duration, clk clock.Clock, log *eventlog.Log, logger *slog.Logger) *Coordinator {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		signaler:   signaler,
		clk:        clk,
		ackTimeout: ackTimeout,
		log:        log,
		logger:     logger,
		running:    make(map[string]struct{}),
		finished:   make(map[string]time.Time),
	}
}

// HandleEvent applies a runner status event. Registered with the
// dispatcher; unknown kinds are ignored.
func (c *Coordinator) HandleEvent(e events.Event) {
	name, _ := e.Data["tool"].(string)
	switch e.Kind {
	case events.KindToolStarted:
		c.toolStarted(name)
	case events.KindToolCompleted, events.KindToolError:
		c.toolFinished(name)
	case events.KindAgentSpawned:
		c.agentSpawned()
	case events.KindAgentCompleted:
		c.agentCompleted()
	case events.KindCancelAck:
		ok, _ := e.Data["ok"].(bool)
		forced, _ := e.Data["forced"].(bool)
		c.acknowledged(ok, forced)
	}
}

func (c *Coordinator) toolStarted(name string) {
	if name == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneFinishedLocked()
	// A "started" arriving after the matching "completed" is a stream
	// interleaving artifact, not a restart.
	if _, done := c.finished[name]; done {
		c.logger.Debug("ignoring stale tool start", "tool", name)
		return
	}
	c.running[name] = struct{}{}
}

func (c *Coordinator) toolFinished(name string) {
	if name == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pruneFinishedLocked()
	c.finished[name] = c.clk.Now()
	if _, ok := c.running[name]; !ok {
		// Late or duplicate completion. Nothing to change.
		return
	}
	delete(c.running, name)
	c.maybeSettleLocked()
}

func (c *Coordinator) agentSpawned() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.children++
}

func (c *Coordinator) agentCompleted() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.children == 0 {
		// Duplicate completion; the count never goes negative.
		return
	}
	c.children--
	c.maybeSettleLocked()
}

// acknowledged handles the runner's explicit cancel acknowledgment. A
// forced abort clears all tracked work immediately; completion events
// for those tools may still trickle in afterwards and are absorbed by
// the finished set. A failure ack fails the pending wait right away;
// the work is still running and the caller must hear that now, not
// after the timeout.
func (c *Coordinator) acknowledged(ok, forced bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !ok {
		if c.rejectCh != nil {
			close(c.rejectCh)
			c.rejectCh = nil
		}
		return
	}
	if forced {
		now := c.clk.Now()
		for name := range c.running {
			c.finished[name] = now
			delete(c.running, name)
		}
		c.children = 0
	}
	c.maybeSettleLocked()
}

func (c *Coordinator) pruneFinishedLocked() {
	cutoff := c.clk.Now().Add(-finishedWindow)
	for name, at := range c.finished {
		if at.Before(cutoff) {
			delete(c.finished, name)
		}
	}
}

func (c *Coordinator) maybeSettleLocked() {
	if len(c.running) == 0 && c.children == 0 && c.settleCh != nil {
		close(c.settleCh)
		c.settleCh = nil
	}
}

// Snapshot returns the current state. RunningTools is sorted for
// stable presentation.
func (c *Coordinator) Snapshot() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	tools := lo.Keys(c.running)
	sort.Strings(tools)
	return State{
		IsActive:       len(c.running) > 0 || c.children > 0,
		IsCancelling:   c.cancelling,
		RunningTools:   tools,
		ActiveChildren: c.children,
	}
}

// Cancel signals the remote layer to stop and waits for the tracked
// work to settle. forced=false asks for graceful wind-down via normal
// completion events; forced=true demands immediate termination. Either
// way the wait is bounded: on timeout the cancelling flag clears and
// ErrAckTimeout is returned rather than hanging the caller.
func (c *Coordinator) Cancel(ctx context.Context, forced bool) error {
	c.mu.Lock()
	if c.cancelling {
		c.mu.Unlock()
		return ErrAlreadyCancelling
	}
	if len(c.running) == 0 && c.children == 0 {
		c.mu.Unlock()
		c.logger.Debug("cancel requested with no active work")
		return nil
	}
	c.cancelling = true
	settle := make(chan struct{})
	reject := make(chan struct{})
	c.settleCh = settle
	c.rejectCh = reject
	c.mu.Unlock()

	if c.log != nil {
		if forced {
			c.log.Append("cancel requested (forced)")
		} else {
			c.log.Append("cancel requested (graceful)")
		}
	}

	defer func() {
		c.mu.Lock()
		c.cancelling = false
		if c.settleCh == settle {
			c.settleCh = nil
		}
		if c.rejectCh == reject {
			c.rejectCh = nil
		}
		c.mu.Unlock()
	}()

	if err := c.signaler.CancelWork(ctx, forced); err != nil {
		c.logger.Warn("cancel signal failed", "error", err)
		return err
	}

	timer := c.clk.Timer(c.ackTimeout)
	defer timer.Stop()
	select {
	case <-settle:
		if c.log != nil {
			c.log.Append("cancel settled")
		}
		return nil
	case <-reject:
		c.logger.Warn("cancel rejected", "forced", forced)
		if c.log != nil {
			c.log.Append("cancel rejected")
		}
		return ErrCancelRejected
	case <-timer.C:
		c.logger.Warn("cancel ack timeout", "forced", forced, "timeout", c.ackTimeout)
		if c.log != nil {
			c.log.Append("cancel timed out")
		}
		return ErrAckTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}
