package process

import (
	"fmt"

	"github.com/artpar/deployagent/internal/core/domain"
)

// StartError reports an executable that could not be launched.
type StartError struct {
	Command string
	Err     error
}

func (e *StartError) Error() string {
	return fmt.Sprintf("start %q: %v", e.Command, e.Err)
}

func (e *StartError) Unwrap() error {
	return e.Err
}

func (e *StartError) Is(target error) bool {
	return target == domain.ErrProcessStart
}
