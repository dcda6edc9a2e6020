package gitsync

import (
	"fmt"

	"github.com/artpar/deployagent/internal/core/domain"
)

// SyncError reports a fetch or reset that did not complete.
type SyncError struct {
	Step       string
	Repository string
	ExitCode   int
	TimedOut   bool
	Err        error
}

func (e *SyncError) Error() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("sync %s: %s: %v", e.Repository, e.Step, e.Err)
	case e.TimedOut:
		return fmt.Sprintf("sync %s: %s: timed out", e.Repository, e.Step)
	default:
		return fmt.Sprintf("sync %s: %s: exit code %d", e.Repository, e.Step, e.ExitCode)
	}
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

func (e *SyncError) Is(target error) bool {
	return target == domain.ErrSyncFailed
}
