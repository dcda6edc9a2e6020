// Package gitsync brings a local working copy to the tip of its remote
// branch.
package gitsync

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/artpar/deployagent/internal/core/domain"
	coreprocess "github.com/artpar/deployagent/internal/core/process"
	"github.com/artpar/deployagent/internal/shell/logsink"
	"github.com/artpar/deployagent/internal/shell/process"
)

// Config holds synchronization settings.
type Config struct {
	Executable string
	Remote     string
	Branch     string
	Timeout    time.Duration // per git invocation
}

func DefaultConfig() Config {
	return Config{
		Executable: "git",
		Remote:     "origin",
		Branch:     "master",
		Timeout:    10 * time.Minute,
	}
}

// SyncResult describes the working copy after a successful sync.
type SyncResult struct {
	Commit           string
	Summary          string
	DiscardedChanges int
}

// Synchronizer runs fetch, hard reset and summary, strictly one after the
// other.
type Synchronizer struct {
	runner    process.Runner
	inspector Inspector
	config    Config
	logger    *slog.Logger
}

// New creates a Synchronizer. A nil inspector uses GoGitInspector.
func New(runner process.Runner, inspector Inspector, cfg Config, logger *slog.Logger) *Synchronizer {
	defaults := DefaultConfig()
	if cfg.Executable == "" {
		cfg.Executable = defaults.Executable
	}
	if cfg.Remote == "" {
		cfg.Remote = defaults.Remote
	}
	if cfg.Branch == "" {
		cfg.Branch = defaults.Branch
	}
	if inspector == nil {
		inspector = GoGitInspector{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Synchronizer{
		runner:    runner,
		inspector: inspector,
		config:    cfg,
		logger:    logger.With("component", "gitsync"),
	}
}

// Sync discards local state and moves repoPath to <remote>/<branch>.
// Fetch and reset failures return a *SyncError; the summary is best effort.
func (s *Synchronizer) Sync(ctx context.Context, repoPath string, sink logsink.Sink) (SyncResult, error) {
	var result SyncResult
	logger := s.logger.With("repository", repoPath)

	sink.Append(repoPath, domain.SeverityInfo)

	changes, err := s.inspector.LocalChanges(repoPath)
	switch {
	case err != nil:
		logger.Warn("could not inspect working copy", "error", err)
		sink.Append(fmt.Sprintf("Could not inspect working copy: %v", err), domain.SeverityWarning)
	case changes > 0:
		result.DiscardedChanges = changes
		sink.Append(fmt.Sprintf("Discarding %d local change(s)", changes), domain.SeverityWarning)
	}

	remoteRef := s.config.Remote + "/" + s.config.Branch
	steps := []struct {
		name string
		args []string
	}{
		{"fetch", []string{"fetch", s.config.Remote, s.config.Branch}},
		{"reset", []string{"reset", "--hard", remoteRef}},
	}
	for _, step := range steps {
		if _, err := s.run(ctx, repoPath, step.name, step.args, sink); err != nil {
			logger.Error("sync failed", "step", step.name, "error", err)
			return result, err
		}
	}

	summary, err := s.run(ctx, repoPath, "summary", []string{"show", "--stat", "--oneline", "HEAD"}, sink)
	if err != nil {
		logger.Warn("could not summarize HEAD", "error", err)
		sink.Append(fmt.Sprintf("Could not summarize HEAD: %v", err), domain.SeverityWarning)
	} else {
		result.Summary = strings.Join(summary, "\n")
	}

	if commit, err := s.inspector.Head(repoPath); err != nil {
		logger.Warn("could not resolve HEAD", "error", err)
	} else {
		result.Commit = commit
	}

	logger.Info("repository synchronized", "commit", result.Commit, "discarded_changes", result.DiscardedChanges)
	return result, nil
}

// run executes one git step, streaming its events into the sink, and
// returns the collected stdout.
func (s *Synchronizer) run(ctx context.Context, repoPath, step string, args []string, sink logsink.Sink) ([]string, error) {
	cmd := process.Command{
		Executable: s.config.Executable,
		Args:       args,
		Dir:        repoPath,
		Timeout:    s.config.Timeout,
	}
	anchor := sink.Append(cmd.String(), domain.SeverityProcess)

	res, err := process.Output(ctx, s.runner, cmd, func(ev coreprocess.Event) {
		line, severity := coreprocess.Format(ev)
		sink.InsertAfter(anchor, line, severity)
	})
	if err != nil {
		sink.InsertAfter(anchor, err.Error(), domain.SeverityError)
		return nil, &SyncError{Step: step, Repository: repoPath, ExitCode: -1, Err: err}
	}

	if res.TimedOut || res.ExitCode != 0 {
		return res.Stdout, &SyncError{Step: step, Repository: repoPath, ExitCode: res.ExitCode, TimedOut: res.TimedOut}
	}
	return res.Stdout, nil
}
