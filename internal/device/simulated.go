// Package device provides the stimulator and sensor backends used by the trial executor.
// Only the simulated rig ships here; hardware drivers plug in through trial.Stimulator and trial.Sensor.
package device

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/hcfes/stimtune/internal/trial"
	"github.com/hcfes/stimtune/pkg/models"
	"github.com/hcfes/stimtune/pkg/utils"
)

var (
	// ErrNotConnected is returned by device calls made before Connect succeeded
	ErrNotConnected = errors.New("device not connected")
	// ErrDropout is the injected sensor failure
	ErrDropout = errors.New("simulated encoder dropout")
)

// responseWidth is the spread of each muscle's response, as a fraction of its bound
const responseWidth = 0.25

// SimConfig describes the synthetic subject and ergometer
type SimConfig struct {
	Bounds      map[string]models.Bound
	Optimum     float64 // fraction of each bound where the muscle's response peaks
	PeakPower   float64
	NoiseStd    float64
	CadenceRPM  float64
	FailureRate float64 // per-sample probability of ErrDropout
	Latency     time.Duration
	Seed        int64
	// ConnectFailures makes the first n Connect calls fail
	ConnectFailures int
}

// Rig simulates one stimulator and one crank encoder attached to the same subject
type Rig struct {
	cfg SimConfig
	rng *utils.RandSource

	mu        sync.Mutex
	connected bool
	dials     int
	active    bool
	params    models.ParameterVector
	epoch     time.Time
	applies   int
	stops     int

	stimLease   chan struct{}
	sensorLease chan struct{}
}

// NewRig creates a disconnected rig
func NewRig(cfg SimConfig) *Rig {
	if cfg.CadenceRPM <= 0 {
		cfg.CadenceRPM = 40
	}
	if cfg.PeakPower <= 0 {
		cfg.PeakPower = 60
	}
	return &Rig{
		cfg:         cfg,
		rng:         utils.NewRandSource(cfg.Seed),
		epoch:       time.Now(),
		stimLease:   make(chan struct{}, 1),
		sensorLease: make(chan struct{}, 1),
	}
}

// Connect opens the rig
func (r *Rig) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.dials++
	if r.dials <= r.cfg.ConnectFailures {
		return fmt.Errorf("simulated connect failure %d/%d", r.dials, r.cfg.ConnectFailures)
	}
	r.connected = true
	return nil
}

// Close stops any output and disconnects the rig
func (r *Rig) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.active = false
	r.connected = false
	return nil
}

// Active reports whether stimulation output is on
func (r *Rig) Active() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Counts returns how many times Apply and Stop were called
func (r *Rig) Counts() (applies, stops int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.applies, r.stops
}

// ExpectedPower is the noise-free power the subject produces under params
func (r *Rig) ExpectedPower(params models.ParameterVector) float64 {
	if params.Len() == 0 {
		return r.passivePower()
	}
	total := 0.0
	for _, s := range params.Settings {
		b, ok := r.cfg.Bounds[s.Muscle]
		if !ok || b.Width() == 0 {
			continue
		}
		u := (s.IntensityMA - b.Low) / b.Width()
		d := (u - r.cfg.Optimum) / responseWidth
		total += math.Exp(-0.5 * d * d)
	}
	shift := math.Exp(-(s2(params, models.ParamOnset) + s2(params, models.ParamOffset)) / (2 * 40 * 40))
	return r.passivePower() + (r.cfg.PeakPower-r.passivePower())*shift*total/float64(params.Len())
}

// s2 is the mean square of one parameter over all muscles
func s2(params models.ParameterVector, p models.Param) float64 {
	sum := 0.0
	for _, s := range params.Settings {
		v := s.Get(p)
		sum += v * v
	}
	return sum / float64(params.Len())
}

func (r *Rig) passivePower() float64 {
	return 0.1 * r.cfg.PeakPower
}

// Stimulator returns the rig's stimulation channel
func (r *Rig) Stimulator() *Stimulator {
	return &Stimulator{rig: r}
}

// Sensor returns the rig's crank encoder
func (r *Rig) Sensor() *Sensor {
	return &Sensor{rig: r}
}

func acquire(ctx context.Context, lease chan struct{}) error {
	select {
	case lease <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stimulator drives the simulated stimulation output
type Stimulator struct {
	rig *Rig
}

var (
	_ trial.Stimulator = (*Stimulator)(nil)
	_ trial.Lease      = (*Stimulator)(nil)
)

// Apply switches output on with params
func (s *Stimulator) Apply(ctx context.Context, params models.ParameterVector) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r := s.rig
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.connected {
		return ErrNotConnected
	}
	r.applies++
	r.active = true
	r.params = params.Clone()
	return nil
}

// Stop switches output off
func (s *Stimulator) Stop(context.Context) error {
	r := s.rig
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stops++
	r.active = false
	r.params = models.ParameterVector{}
	return nil
}

// Acquire takes exclusive ownership of the stimulator
func (s *Stimulator) Acquire(ctx context.Context) error {
	return acquire(ctx, s.rig.stimLease)
}

// Release gives the stimulator back
func (s *Stimulator) Release() {
	<-s.rig.stimLease
}

// Sensor reads the simulated crank power and angle
type Sensor struct {
	rig *Rig
}

var (
	_ trial.Sensor = (*Sensor)(nil)
	_ trial.Lease  = (*Sensor)(nil)
)

// Sample returns the current power reading, after the configured latency
func (s *Sensor) Sample(ctx context.Context) (trial.Reading, error) {
	r := s.rig
	if r.cfg.Latency > 0 {
		timer := time.NewTimer(r.cfg.Latency)
		select {
		case <-ctx.Done():
			timer.Stop()
			return trial.Reading{}, ctx.Err()
		case <-timer.C:
		}
	}

	r.mu.Lock()
	connected, active, params := r.connected, r.active, r.params
	r.mu.Unlock()
	if !connected {
		return trial.Reading{}, ErrNotConnected
	}
	if r.cfg.FailureRate > 0 && r.rng.Float64() < r.cfg.FailureRate {
		return trial.Reading{}, ErrDropout
	}

	power := r.passivePower()
	if active {
		power = r.ExpectedPower(params)
	}
	if r.cfg.NoiseStd > 0 {
		power = r.rng.NormFloat64(power, r.cfg.NoiseStd)
	}
	angle := math.Mod(time.Since(r.epoch).Seconds()*r.cfg.CadenceRPM*6, 360)
	return trial.Reading{Value: power, AngleDeg: angle, HasAngle: true}, nil
}

// Acquire takes exclusive ownership of the sensor
func (s *Sensor) Acquire(ctx context.Context) error {
	return acquire(ctx, s.rig.sensorLease)
}

// Release gives the sensor back
func (s *Sensor) Release() {
	<-s.rig.sensorLease
}
