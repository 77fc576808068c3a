package lifecycle

import (
	"errors"
	"fmt"

	"fxcore/internal/store/model"
)

// ErrTaskNotFound wraps store misses for the control surface.
var ErrTaskNotFound = errors.New("lifecycle: task not found")

// ErrActiveTaskExists enforces the single-active-trading-task-per-account
// invariant.
var ErrActiveTaskExists = errors.New("lifecycle: another task is already running for this account")

// TransitionError reports an operation applied in a state that does not
// permit it. Invalid transitions never silently no-op.
type TransitionError struct {
	Op   string
	From model.TaskStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("lifecycle: cannot %s a task in state %s", e.Op, e.From)
}

// IsTransitionError reports whether err is a TransitionError.
func IsTransitionError(err error) bool {
	var te *TransitionError
	return errors.As(err, &te)
}
