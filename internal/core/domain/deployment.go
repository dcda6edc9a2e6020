package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Deployment Status
// =============================================================================

type DeploymentStatus string

const (
	StatusPending         DeploymentStatus = "pending"
	StatusSyncing         DeploymentStatus = "syncing"
	StatusDiscovering     DeploymentStatus = "discovering"
	StatusBuilding        DeploymentStatus = "building"
	StatusSucceeded       DeploymentStatus = "succeeded"
	StatusFailed          DeploymentStatus = "failed"
	StatusPartiallyFailed DeploymentStatus = "partially_failed"
)

// IsTerminal reports whether no further transitions are possible.
func (s DeploymentStatus) IsTerminal() bool {
	return len(validTransitions[s]) == 0
}

// =============================================================================
// Deployment
// =============================================================================

// Deployment is the record of one handled trigger.
type Deployment struct {
	ID             string           `json:"id"`
	DeploymentType string           `json:"deployment_type"`
	Repository     string           `json:"repository"`
	Status         DeploymentStatus `json:"status"`
	Commit         string           `json:"commit,omitempty"`
	Summary        string           `json:"summary,omitempty"`
	TargetCount    int              `json:"target_count"`
	ErrorMessage   string           `json:"error_message,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	StartedAt      *time.Time       `json:"started_at,omitempty"`
	FinishedAt     *time.Time       `json:"finished_at,omitempty"`
	Targets        []TargetOutcome  `json:"targets,omitempty"`
}

// NewDeployment creates a pending deployment for req.
func NewDeployment(req DeploymentRequest) (*Deployment, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	return &Deployment{
		ID:             uuid.New().String(),
		DeploymentType: req.DeploymentType,
		Repository:     req.Repository,
		Status:         StatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// Request returns the trigger parameters that produced d.
func (d *Deployment) Request() DeploymentRequest {
	return DeploymentRequest{DeploymentType: d.DeploymentType, Repository: d.Repository}
}

// Transition attempts to transition the deployment to a new status.
func (d *Deployment) Transition(to DeploymentStatus) error {
	if err := ValidateTransition(d.Status, to); err != nil {
		return err
	}

	now := time.Now().UTC()
	if d.Status == StatusPending {
		d.StartedAt = &now
	}
	d.Status = to
	d.UpdatedAt = now
	if to.IsTerminal() {
		d.FinishedAt = &now
	}
	return nil
}

// Fail moves the deployment to failed and records why.
func (d *Deployment) Fail(message string) error {
	if err := d.Transition(StatusFailed); err != nil {
		return err
	}
	d.ErrorMessage = message
	return nil
}

// Finish records the per-target outcomes of the build stage and derives the
// terminal status: succeeded when every target succeeded (or there were none),
// failed when none did, partially_failed otherwise.
func (d *Deployment) Finish(outcomes []TargetOutcome) error {
	if d.Status != StatusBuilding {
		return fmt.Errorf("%w: finish from %s", ErrInvalidTransition, d.Status)
	}

	succeeded := 0
	for _, o := range outcomes {
		if o.Succeeded() {
			succeeded++
		}
	}

	to := StatusPartiallyFailed
	switch {
	case succeeded == len(outcomes):
		to = StatusSucceeded
	case succeeded == 0:
		to = StatusFailed
	}

	d.Targets = outcomes
	d.TargetCount = len(outcomes)
	if to != StatusSucceeded {
		d.ErrorMessage = fmt.Sprintf("%d of %d targets failed", len(outcomes)-succeeded, len(outcomes))
	}
	return d.Transition(to)
}

// Duration returns the elapsed time between start and finish.
func (d *Deployment) Duration() time.Duration {
	if d.StartedAt == nil || d.FinishedAt == nil {
		return 0
	}
	return d.FinishedAt.Sub(*d.StartedAt)
}

// validTransitions defines the allowed state transitions.
var validTransitions = map[DeploymentStatus][]DeploymentStatus{
	StatusPending:     {StatusSyncing, StatusFailed},
	StatusSyncing:     {StatusDiscovering, StatusFailed},
	StatusDiscovering: {StatusBuilding, StatusFailed},
	StatusBuilding:    {StatusSucceeded, StatusFailed, StatusPartiallyFailed},
}

// ValidateTransition checks if a status transition is valid.
func ValidateTransition(from, to DeploymentStatus) error {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}
