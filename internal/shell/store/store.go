package store

import (
	"context"

	"github.com/artpar/deployagent/internal/core/domain"
)

// =============================================================================
// Store Interface
// =============================================================================

// Store persists deployments, their per-target outcomes and the final log.
type Store interface {
	// Deployment operations
	CreateDeployment(ctx context.Context, deployment *domain.Deployment) error
	UpdateDeployment(ctx context.Context, deployment *domain.Deployment) error
	GetDeployment(ctx context.Context, id string) (*domain.Deployment, error)
	ListDeployments(ctx context.Context, opts ListOptions) ([]domain.Deployment, error)

	// Replaces the outcomes recorded for a deployment.
	SaveTargetOutcomes(ctx context.Context, deploymentID string, outcomes []domain.TargetOutcome) error

	// Log snapshot operations
	SaveLog(ctx context.Context, deploymentID string, entries []domain.LogEntry) error
	GetLog(ctx context.Context, deploymentID string) ([]domain.LogEntry, error)

	// Transaction support
	WithTx(ctx context.Context, fn func(Store) error) error

	// Lifecycle
	Close() error
}

// =============================================================================
// Options
// =============================================================================

// ListOptions defines pagination and filtering options. Results are ordered
// newest first.
type ListOptions struct {
	Limit      int
	Offset     int
	Repository string
	Status     domain.DeploymentStatus
}

// DefaultListOptions returns default list options.
func DefaultListOptions() ListOptions {
	return ListOptions{
		Limit:  100,
		Offset: 0,
	}
}

// Normalize ensures list options have valid values.
func (o ListOptions) Normalize() ListOptions {
	if o.Limit <= 0 {
		o.Limit = 100
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	return o
}
