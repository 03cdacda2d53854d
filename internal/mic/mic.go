// Package mic holds the logical microphone state machine.
//
// Two input sources race for the same state: UI actions from the
// control surface and spoken intents recognized by the speech service.
// Both funnel through one mutex-guarded transition function, so a
// click and an intent landing together resolve last-writer-wins with
// every transition recorded.
package mic

import (
	"log/slog"
	"sync"

	"github.com/parley-ai/parley/internal/eventlog"
	"github.com/parley-ai/parley/internal/events"
)

// State of the logical microphone.
type State string

// Microphone states.
const (
	// Normal: listening and responding.
	Normal State = "normal"
	// Paused: listening for commands but replies are held.
	Paused State = "paused"
	// Muted: not listening at all.
	Muted State = "muted"
)

// RestorePolicy controls which state unmute returns to.
type RestorePolicy string

// Unmute restore policies.
const (
	// RestorePremute returns to whatever state was active when mute
	// was pressed.
	RestorePremute RestorePolicy = "premute"
	// RestoreNormal always returns to normal.
	RestoreNormal RestorePolicy = "normal"
)

// Recognized spoken intents.
const (
	IntentPauseReplies  = "pause_replies"
	IntentResumeReplies = "resume_replies"
	IntentRespondNow    = "respond_now"
)

// Machine is the authoritative microphone state holder.
type Machine struct {
	restore RestorePolicy
	respond func() // requests a spoken response from the session
	log     *eventlog.Log
	logger  *slog.Logger

	mu      sync.Mutex
	state   State
	premute State
}

// NewMachine creates a machine in the normal state. respond is invoked
// for the "respond now" intent and may be nil.
func NewMachine(restore RestorePolicy, respond func(), log *eventlog.Log, logger *slog.Logger) *Machine {
	if restore == "" {
		restore = RestorePremute
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		restore: restore,
		respond: respond,
		log:     log,
		logger:  logger,
		state:   Normal,
		premute: Normal,
	}
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Pause holds replies. Only meaningful from normal; in any other state
// the current state is kept and returned.
func (m *Machine) Pause() State {
	return m.transition(func(s State) State {
		if s == Normal {
			return Paused
		}
		return s
	}, "pause")
}

// Resume releases held replies. Only meaningful from paused.
func (m *Machine) Resume() State {
	return m.transition(func(s State) State {
		if s == Paused {
			return Normal
		}
		return s
	}, "resume")
}

// Mute stops listening, remembering the state to restore on unmute.
func (m *Machine) Mute() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Muted {
		return m.state
	}
	m.premute = m.state
	m.setLocked(Muted, "mute")
	return m.state
}

// Unmute resumes listening. The restore policy decides whether the
// pre-mute state or normal comes back.
func (m *Machine) Unmute() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != Muted {
		return m.state
	}
	target := Normal
	if m.restore == RestorePremute {
		target = m.premute
	}
	m.setLocked(target, "unmute")
	return m.state
}

// HandleEvent applies recognized spoken intents from the event stream.
// Registered with the dispatcher.
func (m *Machine) HandleEvent(e events.Event) {
	if e.Kind != events.KindIntent {
		return
	}
	name, _ := e.Data["intent"].(string)
	m.ApplyIntent(name)
}

// ApplyIntent applies one spoken intent. Respond-now triggers a reply
// without changing state, so a paused session can be asked to speak
// and stay paused.
func (m *Machine) ApplyIntent(name string) {
	switch name {
	case IntentPauseReplies:
		m.Pause()
	case IntentResumeReplies:
		m.Resume()
	case IntentRespondNow:
		if m.log != nil {
			m.log.Append("mic: respond now")
		}
		if m.respond != nil {
			m.respond()
		}
	default:
		m.logger.Debug("unrecognized mic intent", "intent", name)
	}
}

func (m *Machine) transition(f func(State) State, cause string) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	next := f(m.state)
	if next != m.state {
		m.setLocked(next, cause)
	}
	return m.state
}

func (m *Machine) setLocked(next State, cause string) {
	prev := m.state
	m.state = next
	m.logger.Info("mic state changed", "from", string(prev), "to", string(next), "cause", cause)
	if m.log != nil {
		m.log.Appendf("mic: %s -> %s (%s)", prev, next, cause)
	}
}
