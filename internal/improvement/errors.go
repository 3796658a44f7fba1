package improvement

import (
	"errors"
	"fmt"
)

// ErrSessionTerminated is returned by Propose once the optimizer is done
var ErrSessionTerminated = errors.New("session terminated")

// StateError reports an operation called in the wrong state, such as an observation
// without a matching pending proposal. It means optimizer state can no longer be trusted.
type StateError struct {
	Op     string
	State  State
	Reason string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("optimizer %s in state %s: %s", e.Op, e.State, e.Reason)
}
