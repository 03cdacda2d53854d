package transcript

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
)

// ExportHTML renders a session's transcript as a standalone HTML page
// for download from the control surface.
func (s *Store) ExportHTML(sessionID string) ([]byte, error) {
	sess, err := s.Get(sessionID)
	if err != nil {
		return nil, err
	}
	entries, err := s.Transcript(sessionID, 0)
	if err != nil {
		return nil, err
	}

	md := exportMarkdown(sess, entries)
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(md), &buf); err != nil {
		return nil, fmt.Errorf("render transcript: %w", err)
	}

	html := fmt.Sprintf(`<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>%s</title></head>
<body style="font-family: sans-serif; font-size: 14px; line-height: 1.5; max-width: 48em; margin: 2em auto;">
%s
</body></html>`, htmlTitle(sess), buf.String())

	return []byte(html), nil
}

func htmlTitle(sess Session) string {
	if sess.Title != "" {
		return sess.Title
	}
	return "Voice session " + sess.ID
}

func exportMarkdown(sess Session, entries []Entry) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", htmlTitle(sess))
	fmt.Fprintf(&b, "Started %s", sess.CreatedAt.Format("2006-01-02 15:04 MST"))
	if sess.EndReason != "" {
		fmt.Fprintf(&b, " (ended: %s)", sess.EndReason)
	}
	b.WriteString("\n\n")

	for _, e := range entries {
		switch e.Type {
		case EntryUser:
			fmt.Fprintf(&b, "**User:** %s\n\n", e.Text)
		case EntryAssistant:
			fmt.Fprintf(&b, "**Assistant:** %s\n\n", e.Text)
		case EntryToolCall:
			fmt.Fprintf(&b, "*Tool call: `%s`*\n\n", e.ToolName)
		}
	}
	return b.String()
}
