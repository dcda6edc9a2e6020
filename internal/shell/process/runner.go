// Package process runs external executables and reports their lifecycle as
// an ordered stream of events.
package process

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"syscall"
	"time"

	coreprocess "github.com/artpar/deployagent/internal/core/process"
)

// DefaultGracePeriod is how long a process gets between the termination
// signal and a forced kill.
const DefaultGracePeriod = 10 * time.Second

// Command describes one process invocation. Args are passed as separate argv
// elements; nothing is interpreted by a shell.
type Command struct {
	Executable string
	Args       []string
	Dir        string
	Env        []string
	Timeout    time.Duration
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Executable}, c.Args...), " ")
}

// Runner starts processes.
//
// Run returns a StartError when the executable cannot be launched. Otherwise
// the returned channel yields EventStarted, then output lines in the order
// each stream produced them, then exactly one EventExited, and is closed.
// Callers must drain the channel until it is closed or cancel ctx; once ctx
// is done undelivered events are dropped.
type Runner interface {
	Run(ctx context.Context, cmd Command) (<-chan coreprocess.Event, error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct {
	gracePeriod time.Duration
	logger      *slog.Logger
}

// NewExecRunner creates a runner. A zero gracePeriod uses DefaultGracePeriod.
func NewExecRunner(gracePeriod time.Duration, logger *slog.Logger) *ExecRunner {
	if gracePeriod <= 0 {
		gracePeriod = DefaultGracePeriod
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ExecRunner{
		gracePeriod: gracePeriod,
		logger:      logger.With("component", "process_runner"),
	}
}

// Run starts cmd. Cancelling ctx or exceeding cmd.Timeout sends the process
// a termination signal, then kills it after the grace period.
func (r *ExecRunner) Run(ctx context.Context, c Command) (<-chan coreprocess.Event, error) {
	runCtx, cancel := ctx, context.CancelFunc(func() {})
	if c.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, c.Timeout)
	}

	cmd := exec.CommandContext(runCtx, c.Executable, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.Cancel = func() error { return terminate(cmd.Process) }
	cmd.WaitDelay = r.gracePeriod

	events := make(chan coreprocess.Event, 64)
	send := func(ev coreprocess.Event) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}
	ready := make(chan struct{})
	stdout := newLineWriter(ready, func(line string) { send(coreprocess.Stdout(line)) })
	stderr := newLineWriter(ready, func(line string) { send(coreprocess.Stderr(line)) })
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancel()
		r.logger.Warn("process failed to start", "command", c.String(), "error", err)
		return nil, &StartError{Command: c.String(), Err: err}
	}

	pid := cmd.Process.Pid
	r.logger.Debug("process started", "command", c.String(), "pid", pid)
	send(coreprocess.Started(pid))
	close(ready)

	go func() {
		defer close(events)
		defer cancel()

		waitErr := cmd.Wait()
		stdout.Flush()
		stderr.Flush()

		code := -1
		if cmd.ProcessState != nil {
			code = cmd.ProcessState.ExitCode()
		}
		timedOut := errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil

		r.logger.Debug("process exited", "pid", pid, "exit_code", code, "timed_out", timedOut, "error", waitErr)
		send(coreprocess.Exited(code, timedOut))
	}()

	return events, nil
}

func terminate(p *os.Process) error {
	if runtime.GOOS == "windows" {
		return p.Kill()
	}
	return p.Signal(syscall.SIGTERM)
}

// lineWriter splits a byte stream into lines. Writes block until ready is
// closed so no output can overtake the start event.
type lineWriter struct {
	mu    sync.Mutex
	ready <-chan struct{}
	buf   []byte
	emit  func(string)
}

func newLineWriter(ready <-chan struct{}, emit func(string)) *lineWriter {
	return &lineWriter{ready: ready, emit: emit}
}

func (w *lineWriter) Write(p []byte) (int, error) {
	<-w.ready

	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf = append(w.buf, p...)
	for {
		i := bytes.IndexByte(w.buf, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimSuffix(string(w.buf[:i]), "\r")
		w.buf = w.buf[i+1:]
		w.emit(line)
	}
	return len(p), nil
}

// Flush emits any trailing partial line.
func (w *lineWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if len(w.buf) > 0 {
		w.emit(strings.TrimSuffix(string(w.buf), "\r"))
		w.buf = nil
	}
}

// =============================================================================
// Helpers
// =============================================================================

// Forward passes every event to fn and returns the terminal event. A stream
// that closes without one yields Exited(-1).
func Forward(events <-chan coreprocess.Event, fn func(coreprocess.Event)) coreprocess.Event {
	last := coreprocess.Exited(-1, false)
	for ev := range events {
		if fn != nil {
			fn(ev)
		}
		if ev.Terminal() {
			last = ev
		}
	}
	return last
}

// Result is the collected output of a finished process.
type Result struct {
	Stdout   []string
	Stderr   []string
	ExitCode int
	TimedOut bool
}

// Output runs cmd to completion and collects its output. Every event is
// also handed to fn, if set, as it arrives.
func Output(ctx context.Context, runner Runner, cmd Command, fn func(coreprocess.Event)) (Result, error) {
	events, err := runner.Run(ctx, cmd)
	if err != nil {
		return Result{ExitCode: -1}, err
	}

	var res Result
	exit := Forward(events, func(ev coreprocess.Event) {
		switch ev.Kind {
		case coreprocess.EventStdout:
			res.Stdout = append(res.Stdout, ev.Text)
		case coreprocess.EventStderr:
			res.Stderr = append(res.Stderr, ev.Text)
		}
		if fn != nil {
			fn(ev)
		}
	})
	res.ExitCode = exit.ExitCode
	res.TimedOut = exit.TimedOut
	return res, nil
}
