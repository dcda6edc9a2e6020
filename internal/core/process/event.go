// Package process describes the lifecycle of an external process as a
// stream of events and renders those events as log lines.
package process

import (
	"fmt"

	"github.com/artpar/deployagent/internal/core/domain"
)

// EventKind identifies a point in a process's lifecycle.
type EventKind string

const (
	EventStarted EventKind = "started"
	EventStdout  EventKind = "stdout"
	EventStderr  EventKind = "stderr"
	EventExited  EventKind = "exited"
)

// Event is emitted by a running process. Every stream starts with exactly one
// EventStarted and ends with exactly one EventExited.
type Event struct {
	Kind     EventKind
	PID      int
	Text     string
	ExitCode int
	TimedOut bool
}

func Started(pid int) Event {
	return Event{Kind: EventStarted, PID: pid}
}

func Stdout(line string) Event {
	return Event{Kind: EventStdout, Text: line}
}

func Stderr(line string) Event {
	return Event{Kind: EventStderr, Text: line}
}

func Exited(code int, timedOut bool) Event {
	return Event{Kind: EventExited, ExitCode: code, TimedOut: timedOut}
}

// Terminal reports whether e is the last event of its stream.
func (e Event) Terminal() bool {
	return e.Kind == EventExited
}

// Format renders e as a log line together with the severity it should be
// shown with.
func Format(e Event) (string, domain.Severity) {
	switch e.Kind {
	case EventStarted:
		return fmt.Sprintf("Process started; ID: %d", e.PID), domain.SeverityProcess
	case EventStdout:
		return "Out> " + e.Text, domain.SeverityStdout
	case EventStderr:
		return "Err> " + e.Text, domain.SeverityStderr
	case EventExited:
		line := fmt.Sprintf("Process exited; Code: %d", e.ExitCode)
		if e.TimedOut {
			return line + " (timed out)", domain.SeverityError
		}
		if e.ExitCode != 0 {
			return line, domain.SeverityError
		}
		return line, domain.SeverityProcess
	default:
		return e.Text, domain.SeverityInfo
	}
}
