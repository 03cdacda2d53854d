// Package transcript persists voice session transcripts.
//
// Sessions and their entries land in SQLite. Besides history for the
// control surface, the store builds the resumption context carried
// into a replacement session, since the speech service starts every
// new session with empty context.
package transcript

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Session statuses.
const (
	StatusActive       = "active"
	StatusCompleted    = "completed"
	StatusDisconnected = "disconnected"
)

// Entry types.
const (
	EntryUser      = "user"
	EntryAssistant = "assistant"
	EntryToolCall  = "tool_call"
	EntrySystem    = "system"
)

// Session is one voice conversation's stored record.
type Session struct {
	ID              string     `json:"id"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	Title           string     `json:"title,omitempty"`
	Status          string     `json:"status"`
	MessageCount    int        `json:"message_count"`
	ToolCallCount   int        `json:"tool_call_count"`
	FirstMessage    string     `json:"first_message,omitempty"`
	LastMessage     string     `json:"last_message,omitempty"`
	EndedAt         *time.Time `json:"ended_at,omitempty"`
	EndReason       string     `json:"end_reason,omitempty"`
	DurationSeconds int        `json:"duration_seconds,omitempty"`
	ErrorDetails    string     `json:"error_details,omitempty"`
}

// Entry is a single transcript line.
type Entry struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	Type          string    `json:"entry_type"`
	Text          string    `json:"text,omitempty"`
	ToolName      string    `json:"tool_name,omitempty"`
	ToolCallID    string    `json:"tool_call_id,omitempty"`
	ToolArguments string    `json:"tool_arguments,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Store is the SQLite-backed transcript store.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the store at dbPath.
func NewStore(dbPath string) (*Store, error) {
	return NewStoreWithDriver("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
}

// NewStoreWithDriver opens the store on an explicit database/sql
// driver. Tests use the cgo-free driver through this.
func NewStoreWithDriver(driver, dsn string) (*Store, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'active',
		message_count INTEGER NOT NULL DEFAULT 0,
		tool_call_count INTEGER NOT NULL DEFAULT 0,
		first_message TEXT NOT NULL DEFAULT '',
		last_message TEXT NOT NULL DEFAULT '',
		ended_at TIMESTAMP,
		end_reason TEXT NOT NULL DEFAULT '',
		duration_seconds INTEGER NOT NULL DEFAULT 0,
		error_details TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS entries (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		entry_type TEXT NOT NULL,
		text TEXT NOT NULL DEFAULT '',
		tool_name TEXT NOT NULL DEFAULT '',
		tool_call_id TEXT NOT NULL DEFAULT '',
		tool_arguments TEXT NOT NULL DEFAULT '',
		timestamp TIMESTAMP NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_entries_session ON entries(session_id, timestamp);
	CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status, created_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// CreateSession records a new session. An empty id mints one.
func (s *Store) CreateSession(id string) (Session, error) {
	if id == "" {
		id = newID()
	}
	now := time.Now().UTC()
	sess := Session{ID: id, CreatedAt: now, UpdatedAt: now, Status: StatusActive}
	_, err := s.db.Exec(
		`INSERT INTO sessions (id, created_at, updated_at, status) VALUES (?, ?, ?, ?)`,
		sess.ID, sess.CreatedAt, sess.UpdatedAt, sess.Status,
	)
	if err != nil {
		return Session{}, fmt.Errorf("create session: %w", err)
	}
	return sess, nil
}

// Get returns a session by ID, or sql.ErrNoRows wrapped.
func (s *Store) Get(id string) (Session, error) {
	row := s.db.QueryRow(
		`SELECT id, created_at, updated_at, title, status, message_count,
		        tool_call_count, first_message, last_message, ended_at,
		        end_reason, duration_seconds, error_details
		   FROM sessions WHERE id = ?`, id)
	return scanSession(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (Session, error) {
	var sess Session
	var endedAt sql.NullTime
	err := row.Scan(&sess.ID, &sess.CreatedAt, &sess.UpdatedAt, &sess.Title,
		&sess.Status, &sess.MessageCount, &sess.ToolCallCount,
		&sess.FirstMessage, &sess.LastMessage, &endedAt,
		&sess.EndReason, &sess.DurationSeconds, &sess.ErrorDetails)
	if err != nil {
		return Session{}, fmt.Errorf("scan session: %w", err)
	}
	if endedAt.Valid {
		t := endedAt.Time
		sess.EndedAt = &t
	}
	return sess, nil
}

// List returns sessions newest-first, optionally filtered by status.
func (s *Store) List(status string, limit int) ([]Session, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `SELECT id, created_at, updated_at, title, status, message_count,
	                 tool_call_count, first_message, last_message, ended_at,
	                 end_reason, duration_seconds, error_details
	            FROM sessions`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// AddEntry appends a transcript entry and maintains the session's
// counters and preview fields. The first user message titles the
// session.
func (s *Store) AddEntry(e Entry) (string, error) {
	if e.ID == "" {
		e.ID = newID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	// Entries can arrive for a session the store has not seen, e.g.
	// after a daemon restart mid-session.
	if _, err := tx.Exec(
		`INSERT OR IGNORE INTO sessions (id, created_at, updated_at, status)
		 VALUES (?, ?, ?, ?)`,
		e.SessionID, e.Timestamp, e.Timestamp, StatusActive,
	); err != nil {
		return "", fmt.Errorf("ensure session: %w", err)
	}

	if _, err := tx.Exec(
		`INSERT INTO entries (id, session_id, entry_type, text, tool_name,
		                      tool_call_id, tool_arguments, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.SessionID, e.Type, e.Text, e.ToolName, e.ToolCallID,
		e.ToolArguments, e.Timestamp,
	); err != nil {
		return "", fmt.Errorf("insert entry: %w", err)
	}

	toolInc := 0
	if e.Type == EntryToolCall {
		toolInc = 1
	}
	if _, err := tx.Exec(
		`UPDATE sessions SET message_count = message_count + 1,
		        tool_call_count = tool_call_count + ?,
		        updated_at = ?
		  WHERE id = ?`,
		toolInc, time.Now().UTC(), e.SessionID,
	); err != nil {
		return "", fmt.Errorf("update counters: %w", err)
	}

	if e.Type == EntryUser && e.Text != "" {
		preview := truncate(e.Text, 100)
		if _, err := tx.Exec(
			`UPDATE sessions SET last_message = ?,
			        first_message = CASE WHEN first_message = '' THEN ? ELSE first_message END,
			        title = CASE WHEN title = '' THEN ? ELSE title END
			  WHERE id = ?`,
			preview, preview, truncate(e.Text, 50), e.SessionID,
		); err != nil {
			return "", fmt.Errorf("update preview: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return e.ID, nil
}

// truncate trims s to at most n bytes without splitting a UTF-8 rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// End closes a session, recording the disconnect reason and duration.
// A user-initiated end counts as completed; everything else is a
// disconnect.
func (s *Store) End(id, reason, errorDetails string) (Session, error) {
	sess, err := s.Get(id)
	if err != nil {
		return Session{}, err
	}
	now := time.Now().UTC()
	status := StatusDisconnected
	if reason == "user_initiated" || reason == "user_ended" {
		status = StatusCompleted
	}
	duration := int(now.Sub(sess.CreatedAt).Seconds())

	_, err = s.db.Exec(
		`UPDATE sessions SET status = ?, ended_at = ?, end_reason = ?,
		        duration_seconds = ?, error_details = ?, updated_at = ?
		  WHERE id = ?`,
		status, now, reason, duration, errorDetails, now, id,
	)
	if err != nil {
		return Session{}, fmt.Errorf("end session: %w", err)
	}
	return s.Get(id)
}

// Reopen marks a session active again, used on resume.
func (s *Store) Reopen(id string) error {
	_, err := s.db.Exec(
		`UPDATE sessions SET status = ?, ended_at = NULL, end_reason = '',
		        updated_at = ? WHERE id = ?`,
		StatusActive, time.Now().UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("reopen session: %w", err)
	}
	return nil
}

// Transcript returns a session's entries oldest-first. limit > 0 keeps
// only the most recent limit entries.
func (s *Store) Transcript(sessionID string, limit int) ([]Entry, error) {
	query := `SELECT id, session_id, entry_type, text, tool_name,
	                 tool_call_id, tool_arguments, timestamp
	            FROM entries WHERE session_id = ? ORDER BY timestamp, id`
	rows, err := s.db.Query(query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load transcript: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.Type, &e.Text, &e.ToolName,
			&e.ToolCallID, &e.ToolArguments, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// ResumptionContext renders the tail of a session's conversation as a
// plain-text handoff for injection into a replacement session. Tool
// calls are skipped; only spoken turns carry forward.
func (s *Store) ResumptionContext(sessionID string, maxEntries int) (string, error) {
	if maxEntries <= 0 {
		maxEntries = 30
	}
	entries, err := s.Transcript(sessionID, maxEntries)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	for _, e := range entries {
		if e.Text == "" {
			continue
		}
		switch e.Type {
		case EntryUser:
			fmt.Fprintf(&b, "User: %s\n", e.Text)
		case EntryAssistant:
			fmt.Fprintf(&b, "Assistant: %s\n", e.Text)
		}
	}
	if b.Len() == 0 {
		return "", nil
	}
	return "Earlier in this conversation:\n" + b.String(), nil
}

// Stats aggregates sessions for the control surface.
type Stats struct {
	TotalSessions      int            `json:"total_sessions"`
	ByStatus           map[string]int `json:"by_status"`
	ByEndReason        map[string]int `json:"by_end_reason"`
	AvgDurationSeconds int            `json:"avg_duration_seconds"`
	AvgMessages        int            `json:"avg_messages"`
	AvgToolCalls       int            `json:"avg_tool_calls"`
}

// SessionStats aggregates the most recent sessions (up to 100) by
// status and end reason with simple averages.
func (s *Store) SessionStats() (Stats, error) {
	sessions, err := s.List("", 100)
	if err != nil {
		return Stats{}, err
	}

	stats := Stats{
		TotalSessions: len(sessions),
		ByStatus:      make(map[string]int),
		ByEndReason:   make(map[string]int),
	}
	totalDuration, durationCount := 0, 0
	totalMessages, totalToolCalls := 0, 0
	for _, sess := range sessions {
		stats.ByStatus[sess.Status]++
		reason := sess.EndReason
		if reason == "" {
			reason = "unknown"
		}
		stats.ByEndReason[reason]++
		if sess.DurationSeconds > 0 {
			totalDuration += sess.DurationSeconds
			durationCount++
		}
		totalMessages += sess.MessageCount
		totalToolCalls += sess.ToolCallCount
	}
	if durationCount > 0 {
		stats.AvgDurationSeconds = totalDuration / durationCount
	}
	if len(sessions) > 0 {
		stats.AvgMessages = totalMessages / len(sessions)
		stats.AvgToolCalls = totalToolCalls / len(sessions)
	}
	return stats, nil
}
