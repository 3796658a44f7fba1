package improvement

import (
	"fmt"

	"github.com/hcfes/stimtune/internal/bounds"
	"github.com/hcfes/stimtune/pkg/models"
)

// Dimension is one searched coordinate: a parameter of a muscle and its admissible interval
type Dimension struct {
	Muscle string
	Param  models.Param
	Bound  models.Bound
}

// SearchSpace maps parameter vectors to points of the unit hypercube and back.
// The surrogate works on the unit box so that every dimension has the same length scale.
type SearchSpace struct {
	muscles []string
	dims    []Dimension
	fixed   map[models.Param]float64
}

// NewSearchSpace builds the space from a populated bound store. Intensity of every muscle is
// always searched; auxiliary parameters are searched when the store bounds them, otherwise
// held at their fixed value.
func NewSearchSpace(store *bounds.Store, fixed map[models.Param]float64) (*SearchSpace, error) {
	muscles := store.Muscles()
	if len(muscles) == 0 {
		return nil, fmt.Errorf("search space needs at least one muscle")
	}

	s := &SearchSpace{muscles: muscles, fixed: make(map[models.Param]float64)}
	for p, v := range fixed {
		s.fixed[p] = v
	}

	searched := store.SearchedParams()
	for _, m := range muscles {
		b, err := store.GetBound(m)
		if err != nil {
			return nil, err
		}
		s.dims = append(s.dims, Dimension{Muscle: m, Param: models.ParamIntensity, Bound: b})
		for _, p := range searched {
			if _, isFixed := s.fixed[p]; isFixed {
				return nil, fmt.Errorf("parameter %s is both fixed and searched", p)
			}
			ab, _ := store.ParamBound(p)
			s.dims = append(s.dims, Dimension{Muscle: m, Param: p, Bound: ab})
		}
	}
	return s, nil
}

// Dims returns the number of searched coordinates
func (s *SearchSpace) Dims() int {
	return len(s.dims)
}

// Dimension returns the i-th coordinate
func (s *SearchSpace) Dimension(i int) Dimension {
	return s.dims[i]
}

// Muscles returns the muscle order of every vector produced by the space
func (s *SearchSpace) Muscles() []string {
	out := make([]string, len(s.muscles))
	copy(out, s.muscles)
	return out
}

// Decode maps a unit point to a parameter vector. Coordinates are clamped to [0, 1]
// first and the result is clamped to each bound, so the vector is always admissible.
func (s *SearchSpace) Decode(u []float64) models.ParameterVector {
	settings := make([]models.MuscleSetting, len(s.muscles))
	index := make(map[string]int, len(s.muscles))
	for i, m := range s.muscles {
		settings[i].Muscle = m
		for p, v := range s.fixed {
			settings[i].Set(p, v)
		}
		index[m] = i
	}
	for i, d := range s.dims {
		x := clampUnit(u[i])
		v := d.Bound.Clamp(d.Bound.Low + x*d.Bound.Width())
		settings[index[d.Muscle]].Set(d.Param, v)
	}
	return models.ParameterVector{Settings: settings}
}

// Encode maps a parameter vector to the unit box. A zero-width bound maps to 0.5.
func (s *SearchSpace) Encode(v models.ParameterVector) ([]float64, error) {
	if err := s.checkShape(v); err != nil {
		return nil, err
	}
	u := make([]float64, len(s.dims))
	for i, d := range s.dims {
		setting, _ := v.Setting(d.Muscle)
		if w := d.Bound.Width(); w > 0 {
			u[i] = (setting.Get(d.Param) - d.Bound.Low) / w
		} else {
			u[i] = 0.5
		}
	}
	return u, nil
}

// Complete fills the fixed auxiliary parameters of a vector whose entries were left at zero.
// Manual vectors go through it so that operators only have to give what they change.
func (s *SearchSpace) Complete(v models.ParameterVector) models.ParameterVector {
	out := v.Clone()
	for i := range out.Settings {
		for p, val := range s.fixed {
			if out.Settings[i].Get(p) == 0 {
				out.Settings[i].Set(p, val)
			}
		}
	}
	return out
}

func (s *SearchSpace) checkShape(v models.ParameterVector) error {
	if len(v.Settings) != len(s.muscles) {
		return fmt.Errorf("vector has %d muscles, space has %d", len(v.Settings), len(s.muscles))
	}
	for i, m := range s.muscles {
		if v.Settings[i].Muscle != m {
			return fmt.Errorf("vector muscle %d is %s, expected %s", i, v.Settings[i].Muscle, m)
		}
	}
	return nil
}

func clampUnit(x float64) float64 {
	if x < 0 || x != x {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}
