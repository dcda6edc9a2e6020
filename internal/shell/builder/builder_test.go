package builder

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	corebuild "github.com/artpar/deployagent/internal/core/build"
	"github.com/artpar/deployagent/internal/core/domain"
	"github.com/artpar/deployagent/internal/shell/logsink"
	"github.com/artpar/deployagent/internal/shell/process"
	"github.com/artpar/deployagent/internal/shell/process/processtest"
)

func target(name string) domain.ProjectTarget {
	return domain.ProjectTarget{
		Name:        name,
		SourcePath:  filepath.Join("/repo", name, name+".csproj"),
		PublishPath: filepath.Join("/srv", name),
	}
}

func newOrchestrator(runner process.Runner, fs afero.Fs, mutate ...func(*Config)) *Orchestrator {
	cfg := DefaultConfig()
	for _, m := range mutate {
		m(&cfg)
	}
	return New(runner, fs, cfg, nil)
}

// =============================================================================
// Placeholder Lifecycle Tests
// =============================================================================

func TestBuild_PlaceholderPresentDuringPublishAndRemovedAfter(t *testing.T) {
	fs := afero.NewMemMapFs()
	app := target("App1")
	placeholder := corebuild.PlaceholderPath(app, "")

	var sawPlaceholder bool
	var content []byte
	runner := processtest.NewFakeRunner()
	runner.Default = processtest.Script{
		Stdout: []string{"Restore complete"},
		Hook: func(ctx context.Context, cmd process.Command) error {
			sawPlaceholder, _ = afero.Exists(fs, placeholder)
			content, _ = afero.ReadFile(fs, placeholder)
			return nil
		},
	}

	outcomes := newOrchestrator(runner, fs).Build(context.Background(), []domain.ProjectTarget{app}, logsink.New(nil))

	require.Len(t, outcomes, 1)
	assert.Equal(t, domain.TargetSucceeded, outcomes[0].Status)
	assert.Equal(t, 0, outcomes[0].ExitCode)
	assert.True(t, sawPlaceholder)
	assert.Equal(t, corebuild.DefaultPlaceholderContent, string(content))

	exists, err := afero.Exists(fs, placeholder)
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestBuild_PlaceholderRemovedAfterFailure(t *testing.T) {
	fs := afero.NewMemMapFs()
	app := target("App1")

	runner := processtest.NewFakeRunner()
	runner.Default = processtest.Script{Stderr: []string{"error CS1002"}, ExitCode: 1}

	outcomes := newOrchestrator(runner, fs).Build(context.Background(), []domain.ProjectTarget{app}, logsink.New(nil))

	require.Len(t, outcomes, 1)
	assert.Equal(t, domain.TargetFailed, outcomes[0].Status)
	assert.Equal(t, 1, outcomes[0].ExitCode)
	assert.Contains(t, outcomes[0].Error, domain.ErrBuildFailed.Error())

	exists, _ := afero.Exists(fs, corebuild.PlaceholderPath(app, ""))
	assert.False(t, exists)
}

func TestBuild_PlaceholderWriteFailureSkipsPublish(t *testing.T) {
	fs := afero.NewReadOnlyFs(afero.NewMemMapFs())
	runner := processtest.NewFakeRunner()

	outcomes := newOrchestrator(runner, fs).Build(context.Background(), []domain.ProjectTarget{target("App1")}, logsink.New(nil))

	require.Len(t, outcomes, 1)
	assert.Equal(t, domain.TargetFailed, outcomes[0].Status)
	assert.Contains(t, outcomes[0].Error, domain.ErrPlaceholder.Error())
	assert.Empty(t, runner.Calls())
}

// =============================================================================
// Command Tests
// =============================================================================

func TestBuild_RendersCommand(t *testing.T) {
	runner := processtest.NewFakeRunner()
	app := target("App1")

	newOrchestrator(runner, afero.NewMemMapFs(), func(c *Config) {
		c.Timeout = 5 * time.Minute
	}).Build(context.Background(), []domain.ProjectTarget{app}, logsink.New(nil))

	calls := runner.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "dotnet", calls[0].Executable)
	assert.Equal(t, []string{"publish", "-o", app.PublishPath, app.SourcePath}, calls[0].Args)
	assert.Equal(t, app.ProjectDir(), calls[0].Dir)
	assert.Equal(t, 5*time.Minute, calls[0].Timeout)
}

func TestBuild_StartFailure(t *testing.T) {
	runner := processtest.NewFakeRunner()
	runner.Default = processtest.Script{StartErr: errors.New("executable file not found")}

	outcomes := newOrchestrator(runner, afero.NewMemMapFs()).Build(context.Background(), []domain.ProjectTarget{target("App1")}, logsink.New(nil))

	require.Len(t, outcomes, 1)
	assert.Equal(t, domain.TargetStartFailed, outcomes[0].Status)
	assert.Equal(t, -1, outcomes[0].ExitCode)
}

func TestBuild_Timeout(t *testing.T) {
	runner := processtest.NewFakeRunner()
	runner.Default = processtest.Script{ExitCode: -1, TimedOut: true}

	outcomes := newOrchestrator(runner, afero.NewMemMapFs()).Build(context.Background(), []domain.ProjectTarget{target("App1")}, logsink.New(nil))

	require.Len(t, outcomes, 1)
	assert.Equal(t, domain.TargetTimedOut, outcomes[0].Status)
	assert.Contains(t, outcomes[0].Error, domain.ErrBuildTimeout.Error())
}

func TestBuild_CancelledBeforeStartIsSkipped(t *testing.T) {
	runner := processtest.NewFakeRunner()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcomes := newOrchestrator(runner, afero.NewMemMapFs()).Build(ctx, []domain.ProjectTarget{target("A"), target("B")}, logsink.New(nil))

	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		assert.Equal(t, domain.TargetSkipped, o.Status)
	}
	assert.Empty(t, runner.Calls())
}

// =============================================================================
// Concurrency Tests
// =============================================================================

func TestBuild_FailureDoesNotStopSiblings(t *testing.T) {
	runner := processtest.NewFakeRunner()
	runner.On("dotnet publish -o "+target("Broken").PublishPath, processtest.Script{ExitCode: 2})

	targets := []domain.ProjectTarget{target("Broken"), target("Fine1"), target("Fine2")}
	outcomes := newOrchestrator(runner, afero.NewMemMapFs()).Build(context.Background(), targets, logsink.New(nil))

	require.Len(t, outcomes, 3)
	assert.Equal(t, domain.TargetFailed, outcomes[0].Status)
	assert.Equal(t, domain.TargetSucceeded, outcomes[1].Status)
	assert.Equal(t, domain.TargetSucceeded, outcomes[2].Status)
	assert.Len(t, runner.Calls(), 3)
}

func TestBuild_RespectsConcurrencyLimit(t *testing.T) {
	var running, peak int32
	runner := processtest.NewFakeRunner()
	runner.Default = processtest.Script{
		Hook: func(ctx context.Context, cmd process.Command) error {
			n := atomic.AddInt32(&running, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return nil
		},
	}

	var targets []domain.ProjectTarget
	for i := 0; i < 6; i++ {
		targets = append(targets, target(fmt.Sprintf("App%d", i)))
	}

	outcomes := newOrchestrator(runner, afero.NewMemMapFs(), func(c *Config) {
		c.MaxConcurrent = 2
	}).Build(context.Background(), targets, logsink.New(nil))

	require.Len(t, outcomes, 6)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
	assert.Positive(t, atomic.LoadInt32(&peak))
}

func TestBuild_UnboundedRunsAllTogether(t *testing.T) {
	const n = 4
	var wg sync.WaitGroup
	wg.Add(n)
	release := make(chan struct{})

	runner := processtest.NewFakeRunner()
	runner.Default = processtest.Script{
		Hook: func(ctx context.Context, cmd process.Command) error {
			wg.Done()
			<-release
			return nil
		},
	}

	go func() {
		wg.Wait()
		close(release)
	}()

	var targets []domain.ProjectTarget
	for i := 0; i < n; i++ {
		targets = append(targets, target(fmt.Sprintf("App%d", i)))
	}

	done := make(chan []domain.TargetOutcome)
	go func() {
		done <- newOrchestrator(runner, afero.NewMemMapFs(), func(c *Config) {
			c.MaxConcurrent = 0
		}).Build(context.Background(), targets, logsink.New(nil))
	}()

	select {
	case outcomes := <-done:
		assert.Len(t, outcomes, n)
	case <-time.After(5 * time.Second):
		t.Fatal("targets did not run concurrently")
	}
}

// =============================================================================
// Log Tests
// =============================================================================

func TestBuild_LogGroupsAreContiguous(t *testing.T) {
	runner := processtest.NewFakeRunner()
	runner.Default = processtest.Script{Stdout: []string{"step 1", "step 2", "step 3"}}
	sink := logsink.New(nil)

	targets := []domain.ProjectTarget{target("A"), target("B"), target("C")}
	newOrchestrator(runner, afero.NewMemMapFs()).Build(context.Background(), targets, sink)

	entries := sink.Entries()
	var headers []int
	for i, e := range entries {
		if e.Parent == 0 {
			headers = append(headers, i)
		}
	}
	require.Len(t, headers, 3)

	for h, start := range headers {
		end := len(entries)
		if h+1 < len(headers) {
			end = headers[h+1]
		}
		anchor := entries[start].Anchor
		assert.Equal(t, fmt.Sprintf("Building %s to %s", targets[h].Name, targets[h].PublishPath), entries[start].Text)

		group := entries[start+1 : end]
		require.Len(t, group, 6)
		for _, e := range group {
			assert.Equal(t, anchor, e.Parent)
		}
		assert.Contains(t, group[0].Text, "Process started; ID:")
		assert.Equal(t, "Out> step 1", group[1].Text)
		assert.Equal(t, "Out> step 3", group[3].Text)
		assert.Equal(t, "Process exited; Code: 0", group[4].Text)
		assert.Equal(t, targets[h].Name+" published", group[5].Text)
	}
}
