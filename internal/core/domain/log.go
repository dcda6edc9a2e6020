package domain

import (
	"log/slog"
	"time"
)

// Severity classifies a log entry for rendering.
type Severity string

const (
	SeverityInfo      Severity = "info"
	SeverityHighlight Severity = "highlight"
	SeverityProcess   Severity = "process"
	SeverityStdout    Severity = "stdout"
	SeverityStderr    Severity = "stderr"
	SeveritySuccess   Severity = "success"
	SeverityWarning   Severity = "warning"
	SeverityError     Severity = "error"
)

// Level maps a severity onto the structured logger's levels.
func (s Severity) Level() slog.Level {
	switch s {
	case SeverityError:
		return slog.LevelError
	case SeverityWarning, SeverityStderr:
		return slog.LevelWarn
	case SeverityStdout, SeverityProcess:
		return slog.LevelDebug
	default:
		return slog.LevelInfo
	}
}

// Anchor identifies a log entry. Anchors increase monotonically and are never
// reused, so they stay valid for the life of the process.
type Anchor uint64

// LogEntry is one line of the operator-visible deployment log.
// Parent is the anchor of the group the entry was inserted into, zero for
// top-level entries.
type LogEntry struct {
	Anchor   Anchor    `json:"anchor"`
	Parent   Anchor    `json:"parent,omitempty"`
	Text     string    `json:"text"`
	Severity Severity  `json:"severity"`
	Time     time.Time `json:"time"`
}
