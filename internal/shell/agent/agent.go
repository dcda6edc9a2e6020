// Package agent runs the deployment loop: wait for a trigger, synchronize
// the repository, discover publishable projects, publish them and record
// the result.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/artpar/deployagent/internal/core/domain"
	"github.com/artpar/deployagent/internal/shell/gitsync"
	"github.com/artpar/deployagent/internal/shell/logsink"
	"github.com/artpar/deployagent/internal/shell/store"
	"github.com/artpar/deployagent/internal/shell/updater"
)

// ErrRestartRequested is returned by Run after a new executable has been
// installed. The caller is expected to exit so a supervisor relaunches it.
var ErrRestartRequested = errors.New("restart requested after self-update")

// =============================================================================
// Collaborators
// =============================================================================

// RequestSource delivers deployment triggers.
type RequestSource interface {
	AwaitRequest(ctx context.Context) (domain.DeploymentRequest, error)
}

// Syncer brings a working copy to the tip of its remote branch.
type Syncer interface {
	Sync(ctx context.Context, repoPath string, sink logsink.Sink) (gitsync.SyncResult, error)
}

// Discoverer finds the publishable projects of a repository.
type Discoverer interface {
	Discover(repoPath, deploymentType string) ([]domain.ProjectTarget, []error, error)
}

// Builder publishes targets concurrently.
type Builder interface {
	Build(ctx context.Context, targets []domain.ProjectTarget, sink logsink.Sink) []domain.TargetOutcome
}

// Log is the operator log the agent writes to and snapshots.
type Log interface {
	logsink.Sink
	Entries() []logsink.Entry
	Reset()
}

// Deps groups the collaborators of an Agent. Store and Updater are
// optional.
type Deps struct {
	Requests   RequestSource
	Syncer     Syncer
	Discoverer Discoverer
	Builder    Builder
	Log        Log
	Store      store.Store
	Updater    updater.Updater
}

// Config holds agent settings.
type Config struct {
	// RepositoryRoot is the directory holding every deployable repository.
	RepositoryRoot string
	Version        string
}

// =============================================================================
// Agent
// =============================================================================

// Agent is the single worker that drives deployments one at a time.
type Agent struct {
	deps   Deps
	config Config
	logger *slog.Logger

	mu     sync.RWMutex
	status domain.AgentStatus
}

// New creates an Agent.
func New(deps Deps, cfg Config, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Updater == nil {
		deps.Updater = updater.Noop{}
	}
	if deps.Log == nil {
		deps.Log = logsink.New(logger)
	}
	return &Agent{
		deps:   deps,
		config: cfg,
		logger: logger.With("component", "agent"),
		status: domain.AgentStatus{
			State:   domain.AgentIdle,
			Since:   time.Now().UTC(),
			Version: cfg.Version,
		},
	}
}

// State reports what the loop is doing.
func (a *Agent) State() domain.AgentStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.status
}

// Run checks for an update, then handles triggers until ctx is cancelled.
// After every deployment it checks for an update again. It returns
// ErrRestartRequested when an update was installed, otherwise ctx.Err().
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Info("deployment loop started", "repository_root", a.config.RepositoryRoot)

	if a.checkForUpdate(ctx) {
		return ErrRestartRequested
	}

	for {
		req, err := a.deps.Requests.AwaitRequest(ctx)
		if err != nil {
			if ctx.Err() != nil {
				a.logger.Info("deployment loop stopped")
				return ctx.Err()
			}
			a.logger.Warn("failed to receive request", "error", err)
			continue
		}

		a.Deploy(ctx, req)

		if ctx.Err() != nil {
			a.logger.Info("deployment loop stopped")
			return ctx.Err()
		}
		if a.checkForUpdate(ctx) {
			return ErrRestartRequested
		}
	}
}

// Deploy runs one pipeline iteration for req and returns the finished
// deployment record. Failures are recorded on the record and in the log;
// store failures are logged and never abort the deployment.
func (a *Agent) Deploy(ctx context.Context, req domain.DeploymentRequest) *domain.Deployment {
	log := a.deps.Log
	log.Reset()
	log.Append(fmt.Sprintf("Got deployment request for %s", req), domain.SeverityHighlight)

	deployment, err := domain.NewDeployment(req)
	if err != nil {
		log.Append(err.Error(), domain.SeverityError)
		a.logger.Warn("rejected deployment request", "request", req.String(), "error", err)
		return &domain.Deployment{
			DeploymentType: req.DeploymentType,
			Repository:     req.Repository,
			Status:         domain.StatusFailed,
			ErrorMessage:   err.Error(),
		}
	}

	a.setDeploying(deployment.ID, deployment.Request())
	defer a.setIdle()

	logger := a.logger.With("deployment_id", deployment.ID, "repository", req.Repository)
	logger.Info("deployment started", "deployment_type", req.DeploymentType)
	a.create(ctx, deployment)

	a.run(ctx, deployment, logger)

	a.persist(ctx, deployment)
	logger.Info("deployment finished",
		"status", deployment.Status,
		"targets", deployment.TargetCount,
		"duration", deployment.Duration())
	return deployment
}

func (a *Agent) run(ctx context.Context, deployment *domain.Deployment, logger *slog.Logger) {
	log := a.deps.Log
	req := deployment.Request()
	repoPath := req.RepositoryPath(a.config.RepositoryRoot)

	a.advance(ctx, deployment, domain.StatusSyncing)
	result, err := a.deps.Syncer.Sync(ctx, repoPath, log)
	if err != nil {
		log.Append(fmt.Sprintf("Synchronization failed: %v", err), domain.SeverityError)
		logger.Error("sync failed", "error", err)
		a.fail(deployment, err)
		return
	}
	deployment.Commit = result.Commit
	deployment.Summary = result.Summary

	a.advance(ctx, deployment, domain.StatusDiscovering)
	targets, problems, err := a.deps.Discoverer.Discover(repoPath, req.DeploymentType)
	if err != nil {
		log.Append(fmt.Sprintf("Project discovery failed: %v", err), domain.SeverityError)
		logger.Error("discovery failed", "error", err)
		a.fail(deployment, err)
		return
	}
	for _, problem := range problems {
		log.Append(problem.Error(), domain.SeverityWarning)
	}
	log.Append(fmt.Sprintf("Projects to build: %d", len(targets)), domain.SeverityInfo)

	a.advance(ctx, deployment, domain.StatusBuilding)
	outcomes := a.deps.Builder.Build(ctx, targets, log)
	if err := deployment.Finish(outcomes); err != nil {
		logger.Error("failed to finish deployment", "error", err)
	}

	log.Append("done", domain.SeveritySuccess)
}

// =============================================================================
// State
// =============================================================================

func (a *Agent) setDeploying(id string, req domain.DeploymentRequest) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status.State = domain.AgentDeploying
	a.status.DeploymentID = id
	a.status.Request = &req
	a.status.Since = time.Now().UTC()
}

func (a *Agent) setIdle() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.status.State = domain.AgentIdle
	a.status.DeploymentID = ""
	a.status.Request = nil
	a.status.Since = time.Now().UTC()
}

func (a *Agent) advance(ctx context.Context, deployment *domain.Deployment, to domain.DeploymentStatus) {
	if err := deployment.Transition(to); err != nil {
		a.logger.Error("invalid deployment transition", "deployment_id", deployment.ID, "error", err)
		return
	}
	a.update(ctx, deployment)
}

func (a *Agent) fail(deployment *domain.Deployment, cause error) {
	if err := deployment.Fail(cause.Error()); err != nil {
		a.logger.Error("invalid deployment transition", "deployment_id", deployment.ID, "error", err)
	}
}

// =============================================================================
// Persistence
// =============================================================================

// storeContext detaches store writes from cancellation so the record of an
// interrupted deployment is still written.
func storeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
}

func (a *Agent) create(ctx context.Context, deployment *domain.Deployment) {
	if a.deps.Store == nil {
		return
	}
	ctx, cancel := storeContext(ctx)
	defer cancel()
	if err := a.deps.Store.CreateDeployment(ctx, deployment); err != nil {
		a.logger.Error("failed to record deployment", "deployment_id", deployment.ID, "error", err)
	}
}

func (a *Agent) update(ctx context.Context, deployment *domain.Deployment) {
	if a.deps.Store == nil {
		return
	}
	ctx, cancel := storeContext(ctx)
	defer cancel()
	if err := a.deps.Store.UpdateDeployment(ctx, deployment); err != nil {
		a.logger.Error("failed to update deployment", "deployment_id", deployment.ID, "error", err)
	}
}

// persist writes the final record, its outcomes and the log in one
// transaction.
func (a *Agent) persist(ctx context.Context, deployment *domain.Deployment) {
	if a.deps.Store == nil {
		return
	}
	ctx, cancel := storeContext(ctx)
	defer cancel()

	entries := a.deps.Log.Entries()
	err := a.deps.Store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.UpdateDeployment(ctx, deployment); err != nil {
			return err
		}
		if err := tx.SaveTargetOutcomes(ctx, deployment.ID, deployment.Targets); err != nil {
			return err
		}
		return tx.SaveLog(ctx, deployment.ID, entries)
	})
	if err != nil {
		a.logger.Error("failed to persist deployment", "deployment_id", deployment.ID, "error", err)
	}
}

// =============================================================================
// Self-Update
// =============================================================================

// checkForUpdate reports whether a new executable was installed. Errors are
// logged and swallowed.
func (a *Agent) checkForUpdate(ctx context.Context) bool {
	applied, err := a.deps.Updater.CheckAndApply(ctx)
	if err != nil {
		if ctx.Err() == nil {
			a.logger.Warn("self-update failed", "error", err)
		}
		return false
	}
	if applied {
		a.logger.Info("self-update installed, restart required")
	}
	return applied
}
