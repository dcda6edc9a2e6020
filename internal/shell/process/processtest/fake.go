// Package processtest provides a scripted process.Runner for tests.
package processtest

import (
	"context"
	"errors"
	"strings"
	"sync"

	coreprocess "github.com/artpar/deployagent/internal/core/process"
	"github.com/artpar/deployagent/internal/shell/process"
)

// Script describes how a fake process behaves.
type Script struct {
	PID      int
	Stdout   []string
	Stderr   []string
	ExitCode int
	TimedOut bool
	StartErr error

	// Hook runs after the start event and before any output. Returning an
	// error ends the process with exit code 1 and the error text on stderr.
	Hook func(ctx context.Context, cmd process.Command) error
}

type rule struct {
	prefix string
	script Script
}

// FakeRunner matches commands by prefix against registered scripts.
// Unmatched commands run Default.
type FakeRunner struct {
	Default Script

	mu    sync.Mutex
	rules []rule
	calls []process.Command
}

func NewFakeRunner() *FakeRunner {
	return &FakeRunner{}
}

// On registers s for commands whose rendered form starts with prefix.
// The first matching rule wins.
func (f *FakeRunner) On(prefix string, s Script) *FakeRunner {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rules = append(f.rules, rule{prefix: prefix, script: s})
	return f
}

// Calls returns the commands run so far.
func (f *FakeRunner) Calls() []process.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]process.Command, len(f.calls))
	copy(out, f.calls)
	return out
}

func (f *FakeRunner) Run(ctx context.Context, cmd process.Command) (<-chan coreprocess.Event, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	s := f.Default
	for _, r := range f.rules {
		if strings.HasPrefix(cmd.String(), r.prefix) {
			s = r.script
			break
		}
	}
	f.mu.Unlock()

	if s.StartErr != nil {
		return nil, &process.StartError{Command: cmd.String(), Err: s.StartErr}
	}

	pid := s.PID
	if pid == 0 {
		pid = 1000 + len(f.Calls())
	}

	events := make(chan coreprocess.Event)
	go func() {
		defer close(events)
		events <- coreprocess.Started(pid)

		if s.Hook != nil {
			if err := s.Hook(ctx, cmd); err != nil {
				events <- coreprocess.Stderr(err.Error())
				timedOut := errors.Is(err, context.DeadlineExceeded)
				events <- coreprocess.Exited(1, timedOut)
				return
			}
		}
		for _, line := range s.Stdout {
			events <- coreprocess.Stdout(line)
		}
		for _, line := range s.Stderr {
			events <- coreprocess.Stderr(line)
		}
		events <- coreprocess.Exited(s.ExitCode, s.TimedOut)
	}()
	return events, nil
}
