package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/parley-ai/parley/internal/events"
	"github.com/parley-ai/parley/internal/session"
)

// Monitor periodically reclassifies health from the session clock and
// emits an event whenever the level changes. It also reclassifies on
// demand (Poke) when the dispatcher delivers a state-changing event,
// so level changes caused by events are not delayed by up to a tick.
type Monitor struct {
	sessions *session.Clock
	thresh   Thresholds
	clk      clock.Clock
	emit     func(events.Event)
	logger   *slog.Logger
	interval time.Duration

	mu        sync.Mutex
	lastLevel Level
}

// NewMonitor creates a health monitor. emit receives level-change
// events; it must not block (the dispatcher's Enqueue qualifies since
// the queue is sized for bursts).
func NewMonitor(sessions *session.Clock, thresh Thresholds, interval time.Duration, clk clock.Clock, emit func(events.Event), logger *slog.Logger) *Monitor {
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		sessions:  sessions,
		thresh:    thresh,
		clk:       clk,
		emit:      emit,
		logger:    logger,
		interval:  interval,
		lastLevel: Disconnected,
	}
}

// Current returns the most recently computed level.
func (m *Monitor) Current() Level {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastLevel
}

// Poke recomputes the level immediately. Called by the dispatcher
// after events that can move the classification (connects,
// disconnects, control channel changes).
func (m *Monitor) Poke() Level {
	return m.evaluate()
}

// Run re-evaluates on a fixed tick until ctx is cancelled. Health must
// degrade without events, so the ticker runs regardless of traffic.
func (m *Monitor) Run(ctx context.Context) {
	ticker := m.clk.Ticker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.evaluate()
		}
	}
}

func (m *Monitor) evaluate() Level {
	snap := m.sessions.Snapshot()
	level := Classify(snap.Transport, snap.Control, m.sessions.Idle(), m.sessions.SinceLastEvent(), m.thresh)

	m.mu.Lock()
	prev := m.lastLevel
	m.lastLevel = level
	m.mu.Unlock()

	if level != prev {
		m.logger.Info("health level changed", "from", string(prev), "to", string(level))
		if m.emit != nil {
			m.emit(events.Event{
				Source: events.SourceHealth,
				Kind:   events.KindHealthChanged,
				Data: map[string]any{
					"level":    string(level),
					"previous": string(prev),
				},
			})
		}
	}
	return level
}
