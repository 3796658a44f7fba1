package bounds

import (
	"fmt"

	"github.com/hcfes/stimtune/pkg/models"
)

// InvalidBoundError is returned when a bound is rejected at setup
type InvalidBoundError struct {
	Name   string
	Low    float64
	High   float64
	Reason string
}

func (e *InvalidBoundError) Error() string {
	return fmt.Sprintf("invalid bound for %s [%g, %g]: %s", e.Name, e.Low, e.High, e.Reason)
}

// UnknownMuscleError is returned for a muscle that was never given a bound
type UnknownMuscleError struct {
	Muscle string
}

func (e *UnknownMuscleError) Error() string {
	return fmt.Sprintf("unknown muscle: %s", e.Muscle)
}

// BoundViolationError means a vector about to be applied lies outside the admissible box.
// Reaching it is a programming error and ends the session.
type BoundViolationError struct {
	Muscle string
	Param  models.Param
	Value  float64
	Bound  models.Bound
}

func (e *BoundViolationError) Error() string {
	return fmt.Sprintf("bound violation: %s %s=%g outside [%g, %g]", e.Muscle, e.Param, e.Value, e.Bound.Low, e.Bound.High)
}
