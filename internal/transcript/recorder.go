package transcript

import (
	"encoding/json"
	"log/slog"

	"github.com/parley-ai/parley/internal/events"
)

// Recorder feeds transcript-bearing events from the dispatcher into
// the store. currentSession supplies the live session ID.
type Recorder struct {
	store          *Store
	currentSession func() string
	logger         *slog.Logger
}

// NewRecorder creates a recorder.
func NewRecorder(store *Store, currentSession func() string, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{store: store, currentSession: currentSession, logger: logger}
}

// HandleEvent persists transcripts and tool calls. Registered with the
// dispatcher; failures are logged, never fatal, since losing one
// transcript line is better than stalling the event loop.
func (r *Recorder) HandleEvent(e events.Event) {
	sessionID := r.currentSession()
	if sessionID == "" {
		return
	}

	var entry Entry
	switch e.Kind {
	case events.KindTranscript:
		role, _ := e.Data["role"].(string)
		text, _ := e.Data["text"].(string)
		if text == "" {
			return
		}
		entryType := EntryUser
		if role == "assistant" {
			entryType = EntryAssistant
		}
		entry = Entry{SessionID: sessionID, Type: entryType, Text: text, Timestamp: e.Timestamp}
	case events.KindToolStarted:
		tool, _ := e.Data["tool"].(string)
		if tool == "" {
			return
		}
		args := ""
		if raw, ok := e.Data["arguments"]; ok {
			if b, err := json.Marshal(raw); err == nil {
				args = string(b)
			}
		}
		entry = Entry{SessionID: sessionID, Type: EntryToolCall, ToolName: tool, ToolArguments: args, Timestamp: e.Timestamp}
	default:
		return
	}

	if _, err := r.store.AddEntry(entry); err != nil {
		r.logger.Warn("transcript write failed", "error", err)
	}
}
