package session

import (
	"errors"

	"github.com/hcfes/stimtune/internal/bounds"
	"github.com/hcfes/stimtune/internal/improvement"
	"github.com/hcfes/stimtune/internal/objective"
	"github.com/hcfes/stimtune/internal/trial"
)

var (
	// ErrOperatorAbort is the cancellation cause of an operator abort
	ErrOperatorAbort = errors.New("aborted by operator")
	// ErrNotManual is returned when manual vectors are submitted to a session that does not accept them
	ErrNotManual = errors.New("session does not accept manual parameters")
	// ErrAlreadyRunning is returned when Run or RunManual is called twice
	ErrAlreadyRunning = errors.New("session already started")
)

// IsTrialLocal reports whether err only affects the trial that produced it.
// Such trials are recorded, excluded or kept per their data, and the session continues.
func IsTrialLocal(err error) bool {
	var (
		de  *trial.DeviceError
		te  *trial.TimeoutError
		ide *objective.InsufficientDataError
	)
	return errors.As(err, &de) || errors.As(err, &te) || errors.As(err, &ide)
}

// IsFatal reports whether err must end the session immediately: invariant
// violations, configuration errors and anything not known to be trial-local.
// An operator abort is neither.
func IsFatal(err error) bool {
	if err == nil || errors.Is(err, trial.ErrAborted) || errors.Is(err, ErrOperatorAbort) {
		return false
	}
	return !IsTrialLocal(err)
}

// isInvariantViolation reports whether err signals corrupted optimizer state or an
// out-of-bounds proposal
func isInvariantViolation(err error) bool {
	var (
		bv *bounds.BoundViolationError
		se *improvement.StateError
	)
	return errors.As(err, &bv) || errors.As(err, &se)
}
