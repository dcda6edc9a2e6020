package domain

import (
	"path/filepath"
	"time"
)

// ProjectTarget is one publishable project found during discovery.
type ProjectTarget struct {
	Name        string `json:"name"`
	SourcePath  string `json:"source_path"`
	PublishPath string `json:"publish_path"`
}

// ProjectDir returns the directory holding the project definition.
func (t ProjectTarget) ProjectDir() string {
	return filepath.Dir(t.SourcePath)
}

// =============================================================================
// Target Outcome
// =============================================================================

// TargetStatus is the terminal state of one target's publish task.
type TargetStatus string

const (
	TargetSucceeded   TargetStatus = "succeeded"
	TargetFailed      TargetStatus = "failed"
	TargetTimedOut    TargetStatus = "timed_out"
	TargetStartFailed TargetStatus = "start_failed"
	TargetSkipped     TargetStatus = "skipped"
)

// TargetOutcome records how a single target's publish ended.
type TargetOutcome struct {
	Target     ProjectTarget `json:"target"`
	Status     TargetStatus  `json:"status"`
	ExitCode   int           `json:"exit_code"`
	Error      string        `json:"error,omitempty"`
	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
}

// Succeeded reports whether the publish completed with exit code 0.
func (o TargetOutcome) Succeeded() bool {
	return o.Status == TargetSucceeded
}

// Duration returns how long the task ran.
func (o TargetOutcome) Duration() time.Duration {
	if o.FinishedAt.IsZero() || o.StartedAt.IsZero() {
		return 0
	}
	return o.FinishedAt.Sub(o.StartedAt)
}
