package trial

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrExecutorBusy is returned when a trial is requested while another is running
	ErrExecutorBusy = errors.New("trial executor busy: a trial is already running")
	// ErrAborted marks a trial cut short by cancellation of the caller's context
	ErrAborted = errors.New("trial aborted")
)

// DeviceError reports a failed exchange with the stimulator or the sensor
type DeviceError struct {
	Op  string // acquire, apply, sample or stop
	Err error
}

func (e *DeviceError) Error() string {
	return fmt.Sprintf("device error during %s: %v", e.Op, e.Err)
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// TimeoutError reports that a trial overran its watchdog
type TimeoutError struct {
	Limit   time.Duration
	Elapsed time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("trial did not complete within watchdog limit %s (elapsed %s)", e.Limit, e.Elapsed.Round(time.Millisecond))
}
