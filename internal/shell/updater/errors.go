package updater

import (
	"fmt"

	"github.com/artpar/deployagent/internal/core/domain"
)

// Error reports a failed update step.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("self-update %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	return target == domain.ErrSelfUpdate
}
