package config

import (
	"fmt"
	"time"

	"github.com/hcfes/stimtune/pkg/models"
)

// SessionConfig is the complete configuration of one tuning session
type SessionConfig struct {
	Session     SessionSection       `yaml:"session"`
	Calibration CalibrationSection   `yaml:"calibration"`
	Parameters  map[string]ParamSpec `yaml:"parameters,omitempty"`
	Optimizer   OptimizerSection     `yaml:"optimizer"`
	Objective   ObjectiveSection     `yaml:"objective"`
	Persistence PersistenceSection   `yaml:"persistence"`
	Device      DeviceSection        `yaml:"device"`
	Control     ControlSection       `yaml:"control"`
	Log         LogSection           `yaml:"log"`
}

// SessionSection holds the loop parameters
type SessionSection struct {
	Muscles                []string `yaml:"muscles"`
	Direction              string   `yaml:"direction"`      // maximize or minimize
	TrialDuration          string   `yaml:"trial_duration"` // e.g. "10s"
	SampleRateHz           float64  `yaml:"sample_rate_hz"`
	WatchdogGrace          string   `yaml:"watchdog_grace"`
	RestBetweenTrials      string   `yaml:"rest_between_trials,omitempty"`
	TrialBudget            int      `yaml:"trial_budget"`
	TimeBudget             string   `yaml:"time_budget,omitempty"`
	MaxConsecutiveFailures int      `yaml:"max_consecutive_failures"`
	MaxExcludedTrials      int      `yaml:"max_excluded_trials"`
}

// CalibrationSection points to the per-muscle intensity bounds. Inline bounds win over the file.
type CalibrationSection struct {
	File   string                  `yaml:"file,omitempty"`
	Bounds map[string]models.Bound `yaml:"bounds,omitempty"`
}

// ParamSpec configures an auxiliary parameter: either fixed or searched within Bound
type ParamSpec struct {
	Fixed *float64      `yaml:"fixed,omitempty"`
	Bound *models.Bound `yaml:"bound,omitempty"`
}

// OptimizerSection configures the model-based search
type OptimizerSection struct {
	InitialPoints int              `yaml:"initial_points"`
	InitialDesign string           `yaml:"initial_design"` // random, lhs, ramp
	Acquisition   string           `yaml:"acquisition"`    // ei, pi, ucb
	Xi            float64          `yaml:"xi"`
	Kappa         float64          `yaml:"kappa"`
	Candidates    int              `yaml:"candidates"`
	Restarts      int              `yaml:"restarts"`
	LengthScale   float64          `yaml:"length_scale"`
	Noise         float64          `yaml:"noise"`
	Seed          int64            `yaml:"seed"`
	EarlyStop     EarlyStopSection `yaml:"early_stop"`
}

// EarlyStopSection configures the optional convergence check
type EarlyStopSection struct {
	Strategy string  `yaml:"strategy"` // none, no_improvement, plateau
	Patience int     `yaml:"patience"`
	MinDelta float64 `yaml:"min_delta"`
}

// ObjectiveSection configures the series reduction
type ObjectiveSection struct {
	Warmup           string       `yaml:"warmup"`
	MinSamples       int          `yaml:"min_samples"`
	Statistic        string       `yaml:"statistic"` // median, mean, mean_square
	AngleWindow      *AngleWindow `yaml:"angle_window,omitempty"`
	IntensityPenalty float64      `yaml:"intensity_penalty"`
}

// AngleWindow restricts the reduction to samples whose crank angle lies in [StartDeg, EndDeg].
// StartDeg > EndDeg wraps through 0.
type AngleWindow struct {
	StartDeg float64 `yaml:"start_deg"`
	EndDeg   float64 `yaml:"end_deg"`
}

// PersistenceSection selects where trial records go
type PersistenceSection struct {
	Backend string `yaml:"backend"` // file, postgres, memory
	Dir     string `yaml:"dir"`
	DSN     string `yaml:"dsn,omitempty"`
}

// DeviceSection configures the stimulator and sensor
type DeviceSection struct {
	Driver          string           `yaml:"driver"` // simulated
	ConnectAttempts int              `yaml:"connect_attempts"`
	ConnectBackoff  string           `yaml:"connect_backoff"`
	ConnectBase     string           `yaml:"connect_base"`
	Simulated       SimulatedSection `yaml:"simulated"`
}

// SimulatedSection configures the synthetic pedal used for dry runs
type SimulatedSection struct {
	Optimum     float64 `yaml:"optimum"` // fraction of each bound where the response peaks
	PeakPower   float64 `yaml:"peak_power"`
	NoiseStd    float64 `yaml:"noise_std"`
	CadenceRPM  float64 `yaml:"cadence_rpm"`
	FailureRate float64 `yaml:"failure_rate"` // per-sample probability of a device error
	Seed        int64   `yaml:"seed"`
}

// ControlSection configures the operator surface
type ControlSection struct {
	HTTPAddr       string `yaml:"http_addr,omitempty"`
	GRPCAddr       string `yaml:"grpc_addr,omitempty"`
	NotifyURL      string `yaml:"notify_url,omitempty"`
	NotifyAttempts int    `yaml:"notify_attempts"`
}

// LogSection configures logging
type LogSection struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file,omitempty"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

func parseOptionalDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// GetTrialDuration parses the trial duration
func (s *SessionSection) GetTrialDuration() (time.Duration, error) {
	return time.ParseDuration(s.TrialDuration)
}

// GetWatchdogGrace parses the watchdog grace period
func (s *SessionSection) GetWatchdogGrace() (time.Duration, error) {
	return parseOptionalDuration(s.WatchdogGrace)
}

// GetRestBetweenTrials parses the pause between trials; empty means none
func (s *SessionSection) GetRestBetweenTrials() (time.Duration, error) {
	return parseOptionalDuration(s.RestBetweenTrials)
}

// GetTimeBudget parses the time budget; empty means unlimited
func (s *SessionSection) GetTimeBudget() (time.Duration, error) {
	return parseOptionalDuration(s.TimeBudget)
}

// GetDirection parses the optimization direction
func (s *SessionSection) GetDirection() (models.Direction, error) {
	return models.ParseDirection(s.Direction)
}

// GetWarmup parses the warmup duration
func (o *ObjectiveSection) GetWarmup() (time.Duration, error) {
	return parseOptionalDuration(o.Warmup)
}

// GetConnectBase parses the base delay of the connect backoff
func (d *DeviceSection) GetConnectBase() (time.Duration, error) {
	return parseOptionalDuration(d.ConnectBase)
}

// SearchedParams returns the auxiliary parameters configured with a bound, in canonical order
func (c *SessionConfig) SearchedParams() []models.Param {
	var out []models.Param
	for _, p := range models.AuxParams {
		if spec, ok := c.Parameters[string(p)]; ok && spec.Bound != nil {
			out = append(out, p)
		}
	}
	return out
}

// FixedParams returns the auxiliary parameters held at a constant value
func (c *SessionConfig) FixedParams() map[models.Param]float64 {
	out := make(map[models.Param]float64)
	for _, p := range models.AuxParams {
		if spec, ok := c.Parameters[string(p)]; ok && spec.Fixed != nil {
			out[p] = *spec.Fixed
		}
	}
	return out
}

func (p ParamSpec) String() string {
	switch {
	case p.Fixed != nil:
		return fmt.Sprintf("fixed %g", *p.Fixed)
	case p.Bound != nil:
		return fmt.Sprintf("[%g, %g]", p.Bound.Low, p.Bound.High)
	}
	return "unset"
}
