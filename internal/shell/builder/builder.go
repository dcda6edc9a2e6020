// Package builder publishes discovered targets concurrently.
package builder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/afero"
	"golang.org/x/sync/errgroup"

	corebuild "github.com/artpar/deployagent/internal/core/build"
	"github.com/artpar/deployagent/internal/core/domain"
	coreprocess "github.com/artpar/deployagent/internal/core/process"
	"github.com/artpar/deployagent/internal/shell/logsink"
	"github.com/artpar/deployagent/internal/shell/process"
)

// Config holds publish settings.
type Config struct {
	Command            corebuild.CommandSpec
	MaxConcurrent      int           // 0 runs every target at once
	Timeout            time.Duration // per target; 0 disables the deadline
	PlaceholderName    string
	PlaceholderContent string
}

func DefaultConfig() Config {
	return Config{
		Command:            corebuild.DefaultCommand(),
		MaxConcurrent:      4,
		Timeout:            30 * time.Minute,
		PlaceholderName:    corebuild.DefaultPlaceholderName,
		PlaceholderContent: corebuild.DefaultPlaceholderContent,
	}
}

// Orchestrator runs one publish process per target.
type Orchestrator struct {
	runner process.Runner
	fs     afero.Fs
	config Config
	logger *slog.Logger
	now    func() time.Time
}

// New creates an Orchestrator. A nil fs uses the OS filesystem.
func New(runner process.Runner, fs afero.Fs, cfg Config, logger *slog.Logger) *Orchestrator {
	if fs == nil {
		fs = afero.NewOsFs()
	}
	if cfg.Command.Executable == "" {
		cfg.Command = corebuild.DefaultCommand()
	}
	if cfg.PlaceholderName == "" {
		cfg.PlaceholderName = corebuild.DefaultPlaceholderName
	}
	if cfg.PlaceholderContent == "" {
		cfg.PlaceholderContent = corebuild.DefaultPlaceholderContent
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		runner: runner,
		fs:     fs,
		config: cfg,
		logger: logger.With("component", "builder"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Build publishes every target and returns their outcomes in target order.
// It returns only after every task, including placeholder cleanup, has
// finished. A failing target never stops its siblings.
func (o *Orchestrator) Build(ctx context.Context, targets []domain.ProjectTarget, sink logsink.Sink) []domain.TargetOutcome {
	anchors := make([]domain.Anchor, len(targets))
	for i, t := range targets {
		anchors[i] = sink.Append(fmt.Sprintf("Building %s to %s", t.Name, t.PublishPath), domain.SeverityHighlight)
	}

	outcomes := make([]domain.TargetOutcome, len(targets))
	var g errgroup.Group
	if o.config.MaxConcurrent > 0 {
		g.SetLimit(o.config.MaxConcurrent)
	}
	for i := range targets {
		g.Go(func() error {
			outcomes[i] = o.publish(ctx, targets[i], anchors[i], sink)
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

func (o *Orchestrator) publish(ctx context.Context, target domain.ProjectTarget, anchor domain.Anchor, sink logsink.Sink) domain.TargetOutcome {
	outcome := domain.TargetOutcome{Target: target, ExitCode: -1, StartedAt: o.now()}
	logger := o.logger.With("target", target.Name)

	if err := ctx.Err(); err != nil {
		outcome.Status = domain.TargetSkipped
		outcome.Error = err.Error()
		outcome.FinishedAt = o.now()
		sink.InsertAfter(anchor, fmt.Sprintf("%s skipped: %v", target.Name, err), domain.SeverityWarning)
		return outcome
	}

	status, code, err := o.run(ctx, target, anchor, sink)
	outcome.Status = status
	outcome.ExitCode = code
	outcome.FinishedAt = o.now()

	if err != nil {
		outcome.Error = err.Error()
		logger.Warn("publish failed", "status", status, "exit_code", code, "error", err)
		sink.InsertAfter(anchor, fmt.Sprintf("%s failed: %v", target.Name, err), domain.SeverityError)
		return outcome
	}

	logger.Info("publish succeeded", "duration", outcome.Duration())
	sink.InsertAfter(anchor, fmt.Sprintf("%s published", target.Name), domain.SeveritySuccess)
	return outcome
}

// run writes the placeholder, publishes and removes the placeholder again.
func (o *Orchestrator) run(ctx context.Context, target domain.ProjectTarget, anchor domain.Anchor, sink logsink.Sink) (domain.TargetStatus, int, error) {
	placeholder := corebuild.PlaceholderPath(target, o.config.PlaceholderName)
	if err := o.writePlaceholder(target.PublishPath, placeholder); err != nil {
		return domain.TargetFailed, -1, fmt.Errorf("%w: %v", domain.ErrPlaceholder, err)
	}
	defer o.removePlaceholder(placeholder, anchor, sink)

	cmd := process.Command{
		Executable: o.config.Command.Executable,
		Args:       o.config.Command.RenderArgs(target),
		Dir:        target.ProjectDir(),
		Timeout:    o.config.Timeout,
	}
	events, err := o.runner.Run(ctx, cmd)
	if err != nil {
		return domain.TargetStartFailed, -1, err
	}

	exit := process.Forward(events, func(ev coreprocess.Event) {
		line, severity := coreprocess.Format(ev)
		sink.InsertAfter(anchor, line, severity)
	})

	status, err := corebuild.ClassifyExit(exit.ExitCode, exit.TimedOut)
	return status, exit.ExitCode, err
}

func (o *Orchestrator) writePlaceholder(dir, path string) error {
	if err := o.fs.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return afero.WriteFile(o.fs, path, []byte(o.config.PlaceholderContent), 0o644)
}

func (o *Orchestrator) removePlaceholder(path string, anchor domain.Anchor, sink logsink.Sink) {
	if err := o.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		o.logger.Warn("failed to remove placeholder", "path", path, "error", err)
		sink.InsertAfter(anchor, fmt.Sprintf("Could not remove %s: %v", path, err), domain.SeverityWarning)
	}
}
