package models

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"
)

// Param identifies one stimulation parameter of a muscle channel
type Param string

const (
	// ParamIntensity is the pulse intensity in mA. Always part of the search space.
	ParamIntensity Param = "intensity_ma"
	// ParamFrequency is the pulse frequency in Hz
	ParamFrequency Param = "frequency_hz"
	// ParamPulseWidth is the pulse width in microseconds
	ParamPulseWidth Param = "pulse_width_us"
	// ParamOnset shifts the crank angle at which stimulation starts, in degrees
	ParamOnset Param = "onset_deg"
	// ParamOffset shifts the crank angle at which stimulation stops, in degrees
	ParamOffset Param = "offset_deg"
)

// AuxParams lists the optional parameters in their canonical order
var AuxParams = []Param{ParamFrequency, ParamPulseWidth, ParamOnset, ParamOffset}

// ParseParam converts a config key into a Param
func ParseParam(s string) (Param, error) {
	switch p := Param(strings.ToLower(strings.TrimSpace(s))); p {
	case ParamIntensity, ParamFrequency, ParamPulseWidth, ParamOnset, ParamOffset:
		return p, nil
	default:
		return "", fmt.Errorf("unknown stimulation parameter %q", s)
	}
}

// MuscleSetting holds the stimulation parameters applied to one muscle channel
type MuscleSetting struct {
	Muscle       string  `json:"muscle" yaml:"muscle"`
	IntensityMA  float64 `json:"intensity_ma" yaml:"intensity_ma"`
	FrequencyHz  float64 `json:"frequency_hz,omitempty" yaml:"frequency_hz,omitempty"`
	PulseWidthUs float64 `json:"pulse_width_us,omitempty" yaml:"pulse_width_us,omitempty"`
	OnsetDeg     float64 `json:"onset_deg,omitempty" yaml:"onset_deg,omitempty"`
	OffsetDeg    float64 `json:"offset_deg,omitempty" yaml:"offset_deg,omitempty"`
}

// Get returns the value of a parameter
func (s MuscleSetting) Get(p Param) float64 {
	switch p {
	case ParamIntensity:
		return s.IntensityMA
	case ParamFrequency:
		return s.FrequencyHz
	case ParamPulseWidth:
		return s.PulseWidthUs
	case ParamOnset:
		return s.OnsetDeg
	case ParamOffset:
		return s.OffsetDeg
	}
	return math.NaN()
}

// Set assigns the value of a parameter
func (s *MuscleSetting) Set(p Param, v float64) {
	switch p {
	case ParamIntensity:
		s.IntensityMA = v
	case ParamFrequency:
		s.FrequencyHz = v
	case ParamPulseWidth:
		s.PulseWidthUs = v
	case ParamOnset:
		s.OnsetDeg = v
	case ParamOffset:
		s.OffsetDeg = v
	}
}

// ParameterVector is the ordered set of muscle settings applied during one trial.
// The muscle order is fixed for a session.
type ParameterVector struct {
	Settings []MuscleSetting `json:"settings" yaml:"settings"`
}

// Muscles returns the muscle identifiers in vector order
func (v ParameterVector) Muscles() []string {
	out := make([]string, len(v.Settings))
	for i, s := range v.Settings {
		out[i] = s.Muscle
	}
	return out
}

// Setting returns the setting for a muscle
func (v ParameterVector) Setting(muscle string) (MuscleSetting, bool) {
	for _, s := range v.Settings {
		if s.Muscle == muscle {
			return s, true
		}
	}
	return MuscleSetting{}, false
}

// Len returns the number of muscles in the vector
func (v ParameterVector) Len() int {
	return len(v.Settings)
}

// Clone returns a deep copy of the vector
func (v ParameterVector) Clone() ParameterVector {
	settings := make([]MuscleSetting, len(v.Settings))
	copy(settings, v.Settings)
	return ParameterVector{Settings: settings}
}

// Equal reports whether two vectors carry the same muscles, in the same order, with identical values
func (v ParameterVector) Equal(other ParameterVector) bool {
	if len(v.Settings) != len(other.Settings) {
		return false
	}
	for i := range v.Settings {
		if v.Settings[i] != other.Settings[i] {
			return false
		}
	}
	return true
}

// SumSquaredIntensity returns the sum over muscles of intensity squared
func (v ParameterVector) SumSquaredIntensity() float64 {
	sum := 0.0
	for _, s := range v.Settings {
		sum += s.IntensityMA * s.IntensityMA
	}
	return sum
}

func (v ParameterVector) String() string {
	parts := make([]string, len(v.Settings))
	for i, s := range v.Settings {
		parts[i] = fmt.Sprintf("%s=%.2fmA", s.Muscle, s.IntensityMA)
	}
	return "[" + strings.Join(parts, " ") + "]"
}

// Bound is a closed interval [Low, High]
type Bound struct {
	Low  float64 `json:"low" yaml:"low"`
	High float64 `json:"high" yaml:"high"`
}

// Contains reports whether x lies within the bound
func (b Bound) Contains(x float64) bool {
	return x >= b.Low && x <= b.High
}

// Width returns High - Low
func (b Bound) Width() float64 {
	return b.High - b.Low
}

// Clamp returns x limited to the bound
func (b Bound) Clamp(x float64) float64 {
	if x < b.Low {
		return b.Low
	}
	if x > b.High {
		return b.High
	}
	return x
}

// Direction is the sense of optimization, fixed at session start
type Direction string

const (
	Maximize Direction = "maximize"
	Minimize Direction = "minimize"
)

// ParseDirection converts a config value into a Direction
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "max", "maximize", "maximise":
		return Maximize, nil
	case "min", "minimize", "minimise":
		return Minimize, nil
	default:
		return "", fmt.Errorf("unknown optimization direction %q (must be maximize or minimize)", s)
	}
}

// Better reports whether a is strictly better than b
func (d Direction) Better(a, b float64) bool {
	if d == Minimize {
		return a < b
	}
	return a > b
}

// Sign returns +1 for maximization and -1 for minimization
func (d Direction) Sign() float64 {
	if d == Minimize {
		return -1
	}
	return 1
}

// Sample is one timestamped feedback reading. Offset is relative to trial start.
// A NaN Value marks a missing reading.
type Sample struct {
	Offset   time.Duration
	Value    float64
	AngleDeg float64
	HasAngle bool
}

type sampleJSON struct {
	OffsetMs float64  `json:"t_ms"`
	Value    *float64 `json:"v"`
	AngleDeg *float64 `json:"angle_deg,omitempty"`
}

// MarshalJSON encodes missing values as null
func (s Sample) MarshalJSON() ([]byte, error) {
	out := sampleJSON{OffsetMs: float64(s.Offset) / float64(time.Millisecond)}
	if !math.IsNaN(s.Value) && !math.IsInf(s.Value, 0) {
		v := s.Value
		out.Value = &v
	}
	if s.HasAngle {
		a := s.AngleDeg
		out.AngleDeg = &a
	}
	return json.Marshal(out)
}

// UnmarshalJSON is the inverse of MarshalJSON
func (s *Sample) UnmarshalJSON(data []byte) error {
	var in sampleJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	s.Offset = time.Duration(in.OffsetMs * float64(time.Millisecond))
	s.Value = math.NaN()
	if in.Value != nil {
		s.Value = *in.Value
	}
	s.HasAngle = in.AngleDeg != nil
	if s.HasAngle {
		s.AngleDeg = *in.AngleDeg
	}
	return nil
}

// TrialStatus is the terminal state of a trial
type TrialStatus string

const (
	TrialCompleted TrialStatus = "completed"
	TrialAborted   TrialStatus = "aborted"
	TrialTimedOut  TrialStatus = "timed-out"
)

// RawTrialResult is what the trial executor returns: the captured series plus metadata
type RawTrialResult struct {
	Parameters ParameterVector `json:"parameters"`
	Series     []Sample        `json:"series"`
	StartedAt  time.Time       `json:"started_at"`
	EndedAt    time.Time       `json:"ended_at"`
	Duration   time.Duration   `json:"duration"`
	Status     TrialStatus     `json:"status"`
}

// Origin records who proposed the parameters of a trial
type Origin string

const (
	OriginOptimizer Origin = "optimizer"
	OriginManual    Origin = "manual"
)

// TrialRecord is one executed trial. Immutable once finalized.
type TrialRecord struct {
	ID         string          `json:"id"`
	SessionID  string          `json:"session_id"`
	Index      int             `json:"index"`
	Origin     Origin          `json:"origin"`
	Parameters ParameterVector `json:"parameters"`
	Series     []Sample        `json:"series"`
	Objective  *float64        `json:"objective,omitempty"`
	Observed   bool            `json:"observed"`
	Excluded   bool            `json:"excluded"`
	Reason     string          `json:"reason,omitempty"`
	Status     TrialStatus     `json:"status"`
	StartedAt  time.Time       `json:"started_at"`
	EndedAt    time.Time       `json:"ended_at"`
}

// HasObjective reports whether a scalar objective was derived for the trial
func (r TrialRecord) HasObjective() bool {
	return r.Objective != nil
}

// ObjectiveValue returns the derived objective, or NaN when none was derived
func (r TrialRecord) ObjectiveValue() float64 {
	if r.Objective == nil {
		return math.NaN()
	}
	return *r.Objective
}

// Observation is a (parameters, objective) pair in the search history
type Observation struct {
	TrialIndex int             `json:"trial_index"`
	Parameters ParameterVector `json:"parameters"`
	Objective  float64         `json:"objective"`
}

// StopReason explains why a session ended
type StopReason string

const (
	StopTrialBudget     StopReason = "trial budget reached"
	StopTimeBudget      StopReason = "time budget reached"
	StopNoImprovement   StopReason = "no improvement"
	StopOperatorAbort   StopReason = "aborted by operator"
	StopAttemptCap      StopReason = "attempt cap reached"
	StopManualExhausted StopReason = "manual source exhausted"
	StopFailed          StopReason = "session failed"
)

// OptimizationResult is produced once, at session end
type OptimizationResult struct {
	SessionID      string          `json:"session_id"`
	Direction      Direction       `json:"direction"`
	HasBest        bool            `json:"has_best"`
	BestParameters ParameterVector `json:"best_parameters"`
	BestObjective  float64         `json:"best_objective"`
	BestTrialIndex int             `json:"best_trial_index"`
	History        []Observation   `json:"history"`
	TotalTrials    int             `json:"total_trials"`
	ExcludedTrials int             `json:"excluded_trials"`
	StopReason     StopReason      `json:"stop_reason"`
	StartedAt      time.Time       `json:"started_at"`
	EndedAt        time.Time       `json:"ended_at"`
}

// SessionMode is how a session chooses its parameters
type SessionMode string

const (
	ModeOptimize SessionMode = "optimize"
	ModeManual   SessionMode = "manual"
)

// SessionMeta is written once at session start so a crashed session can be resumed
// with the same seed and search setup
type SessionMeta struct {
	SessionID string      `json:"session_id"`
	Mode      SessionMode `json:"mode"`
	Seed      int64       `json:"seed"`
	Direction Direction   `json:"direction"`
	Muscles   []string    `json:"muscles"`
	StartedAt time.Time   `json:"started_at"`
}
