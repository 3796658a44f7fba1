package trial

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hcfes/stimtune/pkg/logger"
	"github.com/hcfes/stimtune/pkg/models"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

// Stimulator commands stimulation output. Apply starts output with the given
// parameters and returns once the device accepted them; Stop ends all output.
type Stimulator interface {
	Apply(ctx context.Context, params models.ParameterVector) error
	Stop(ctx context.Context) error
}

// Reading is one value returned by the feedback sensor
type Reading struct {
	Value    float64 // NaN when the device had no value for this tick
	AngleDeg float64
	HasAngle bool
}

// Sensor reads the feedback channel. Sample may block until a value is
// available but must return when ctx is done.
type Sensor interface {
	Sample(ctx context.Context) (Reading, error)
}

// Lease is implemented by devices that must be held exclusively for the
// duration of a trial.
type Lease interface {
	Acquire(ctx context.Context) error
	Release()
}

// Config tunes the executor
type Config struct {
	// WatchdogGrace is added to the trial duration to form the hard wall-clock limit
	WatchdogGrace time.Duration
	// StopTimeout bounds the call to Stimulator.Stop
	StopTimeout time.Duration
	Logger      *slog.Logger
}

// Executor runs trials: stimulation and feedback sampling as two concurrent
// activities over the same window.
type Executor struct {
	stim   Stimulator
	sensor Sensor
	cfg    Config
	log    *slog.Logger

	running atomic.Bool
}

// NewExecutor creates an executor for the given devices
func NewExecutor(stim Stimulator, sensor Sensor, cfg Config) *Executor {
	if cfg.WatchdogGrace <= 0 {
		cfg.WatchdogGrace = 5 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 2 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Default
	}
	return &Executor{stim: stim, sensor: sensor, cfg: cfg, log: log}
}

// RunTrial applies params for duration while sampling the sensor at sampleRateHz.
//
// The returned result always carries whatever series was captured. Its Status is
// completed on success; aborted together with a *DeviceError or ErrAborted; and
// timed-out together with a *TimeoutError. Once the devices are acquired,
// Stimulator.Stop is called exactly once, including on abort and failure.
func (e *Executor) RunTrial(ctx context.Context, params models.ParameterVector, duration time.Duration, sampleRateHz float64) (models.RawTrialResult, error) {
	result := models.RawTrialResult{Parameters: params.Clone(), Status: models.TrialAborted}
	if duration <= 0 {
		return result, fmt.Errorf("trial duration must be positive, got %s", duration)
	}
	if sampleRateHz <= 0 {
		return result, fmt.Errorf("sample rate must be positive, got %v", sampleRateHz)
	}
	if !e.running.CompareAndSwap(false, true) {
		return result, ErrExecutorBusy
	}
	defer e.running.Store(false)

	release, err := e.acquire(ctx)
	if err != nil {
		now := time.Now()
		result.StartedAt, result.EndedAt = now, now
		return result, err
	}
	defer release()

	limit := duration + e.cfg.WatchdogGrace
	watchdog, cancel := context.WithTimeout(ctx, limit)
	defer cancel()

	var (
		stopOnce sync.Once
		stopErr  error
	)
	halt := func() {
		stopOnce.Do(func() {
			sctx, scancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.StopTimeout)
			defer scancel()
			if err := e.stim.Stop(sctx); err != nil {
				stopErr = &DeviceError{Op: "stop", Err: err}
				e.log.Error("failed to stop stimulation", "error", err)
			}
		})
	}

	g, gctx := errgroup.WithContext(watchdog)
	ready := make(chan struct{})
	var series []models.Sample
	start := time.Now()

	g.Go(func() error {
		limiter := rate.NewLimiter(rate.Limit(sampleRateHz), 1)
		first := true
		for {
			if err := limiter.Wait(gctx); err != nil {
				return err
			}
			offset := time.Since(start)
			if offset >= duration {
				return nil
			}
			r, err := e.sensor.Sample(gctx)
			if err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				return &DeviceError{Op: "sample", Err: err}
			}
			series = append(series, models.Sample{Offset: offset, Value: r.Value, AngleDeg: r.AngleDeg, HasAngle: r.HasAngle})
			if first {
				first = false
				close(ready)
			}
		}
	})

	g.Go(func() error {
		select {
		case <-ready:
		case <-gctx.Done():
			return nil
		}
		defer halt()
		if err := e.stim.Apply(gctx, params); err != nil {
			if gctx.Err() != nil {
				return gctx.Err()
			}
			return &DeviceError{Op: "apply", Err: err}
		}
		timer := time.NewTimer(duration - time.Since(start))
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-gctx.Done():
		}
		return nil
	})

	runErr := g.Wait()
	halt()

	result.Series = series
	result.StartedAt = start
	result.EndedAt = time.Now()
	result.Duration = result.EndedAt.Sub(start)

	err = e.classify(ctx, watchdog, runErr, stopErr, limit, result.Duration)
	switch {
	case err == nil:
		result.Status = models.TrialCompleted
	case errors.As(err, new(*TimeoutError)):
		result.Status = models.TrialTimedOut
	default:
		result.Status = models.TrialAborted
	}
	e.log.Debug("trial finished", "status", result.Status, "samples", len(series), "duration", result.Duration)
	return result, err
}

func (e *Executor) classify(ctx, watchdog context.Context, runErr, stopErr error, limit, elapsed time.Duration) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %w", ErrAborted, context.Cause(ctx))
	}
	if errors.Is(watchdog.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Limit: limit, Elapsed: elapsed}
	}
	if runErr != nil {
		var de *DeviceError
		if errors.As(runErr, &de) {
			return de
		}
		return &DeviceError{Op: "trial", Err: runErr}
	}
	return stopErr
}

func (e *Executor) acquire(ctx context.Context) (func(), error) {
	var held []Lease
	release := func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Release()
		}
	}
	for _, dev := range []any{e.stim, e.sensor} {
		l, ok := dev.(Lease)
		if !ok {
			continue
		}
		if len(held) > 0 && held[0] == l {
			continue
		}
		if err := l.Acquire(ctx); err != nil {
			release()
			return func() {}, &DeviceError{Op: "acquire", Err: err}
		}
		held = append(held, l)
	}
	return release, nil
}
