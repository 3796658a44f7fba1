// Package bounds holds the admissible stimulation box established by calibration.
package bounds

import (
	"errors"
	"math"
	"sync"

	"github.com/hcfes/stimtune/pkg/models"
)

// Store maps each muscle to its admissible intensity interval, and each searched
// auxiliary parameter to an interval shared by all muscles. It is a passive map:
// freezing it for the duration of a session is up to the caller.
type Store struct {
	mu        sync.RWMutex
	intensity map[string]models.Bound
	aux       map[models.Param]models.Bound
	order     []string
}

// NewStore creates an empty store
func NewStore() *Store {
	return &Store{
		intensity: make(map[string]models.Bound),
		aux:       make(map[models.Param]models.Bound),
	}
}

// FromCalibration fills a store with the bounds of the given muscles, in that order
func FromCalibration(cal map[string]models.Bound, muscles []string) (*Store, error) {
	s := NewStore()
	for _, m := range muscles {
		b, ok := cal[m]
		if !ok {
			return nil, &UnknownMuscleError{Muscle: m}
		}
		if err := s.SetBound(m, b.Low, b.High); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func finite(x float64) bool {
	return !math.IsNaN(x) && !math.IsInf(x, 0)
}

// SetBound sets the intensity interval of a muscle. Intensities are non-negative.
func (s *Store) SetBound(muscle string, low, high float64) error {
	switch {
	case muscle == "":
		return &InvalidBoundError{Name: muscle, Low: low, High: high, Reason: "empty muscle name"}
	case !finite(low) || !finite(high):
		return &InvalidBoundError{Name: muscle, Low: low, High: high, Reason: "endpoints must be finite"}
	case low < 0 || high < 0:
		return &InvalidBoundError{Name: muscle, Low: low, High: high, Reason: "intensity cannot be negative"}
	case low > high:
		return &InvalidBoundError{Name: muscle, Low: low, High: high, Reason: "low exceeds high"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.intensity[muscle]; !exists {
		s.order = append(s.order, muscle)
	}
	s.intensity[muscle] = models.Bound{Low: low, High: high}
	return nil
}

// GetBound returns the intensity interval of a muscle
func (s *Store) GetBound(muscle string) (models.Bound, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.intensity[muscle]
	if !ok {
		return models.Bound{}, &UnknownMuscleError{Muscle: muscle}
	}
	return b, nil
}

// SetParamBound sets the interval of a searched auxiliary parameter.
// Onset and offset shifts may be negative; frequency and pulse width may not.
func (s *Store) SetParamBound(p models.Param, low, high float64) error {
	name := string(p)
	switch {
	case p == models.ParamIntensity:
		return &InvalidBoundError{Name: name, Low: low, High: high, Reason: "intensity is bounded per muscle"}
	case !finite(low) || !finite(high):
		return &InvalidBoundError{Name: name, Low: low, High: high, Reason: "endpoints must be finite"}
	case (p == models.ParamFrequency || p == models.ParamPulseWidth) && low < 0:
		return &InvalidBoundError{Name: name, Low: low, High: high, Reason: "cannot be negative"}
	case low > high:
		return &InvalidBoundError{Name: name, Low: low, High: high, Reason: "low exceeds high"}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.aux[p] = models.Bound{Low: low, High: high}
	return nil
}

// ParamBound returns the interval of a searched auxiliary parameter
func (s *Store) ParamBound(p models.Param) (models.Bound, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.aux[p]
	return b, ok
}

// SearchedParams returns the auxiliary parameters that carry a bound, in canonical order
func (s *Store) SearchedParams() []models.Param {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Param
	for _, p := range models.AuxParams {
		if _, ok := s.aux[p]; ok {
			out = append(out, p)
		}
	}
	return out
}

// Muscles returns the muscles in the order their bounds were first set
func (s *Store) Muscles() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// Validate checks every intensity and every searched auxiliary parameter of v.
// It returns UnknownMuscleError or BoundViolationError for the first offending entry.
func (s *Store) Validate(v models.ParameterVector) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(v.Settings) == 0 {
		return errors.New("empty parameter vector")
	}
	for _, setting := range v.Settings {
		b, ok := s.intensity[setting.Muscle]
		if !ok {
			return &UnknownMuscleError{Muscle: setting.Muscle}
		}
		if !b.Contains(setting.IntensityMA) {
			return &BoundViolationError{Muscle: setting.Muscle, Param: models.ParamIntensity, Value: setting.IntensityMA, Bound: b}
		}
		for _, p := range models.AuxParams {
			ab, searched := s.aux[p]
			if !searched {
				continue
			}
			if val := setting.Get(p); !ab.Contains(val) {
				return &BoundViolationError{Muscle: setting.Muscle, Param: p, Value: val, Bound: ab}
			}
		}
	}
	return nil
}
