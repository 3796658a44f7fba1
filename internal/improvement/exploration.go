package improvement

import (
	"fmt"

	"github.com/hcfes/stimtune/pkg/models"
	"github.com/hcfes/stimtune/pkg/utils"
)

// InitialDesign generates the exploration seed: n unit-box points evaluated before the
// surrogate takes over
type InitialDesign interface {
	Points(space *SearchSpace, n int, rng *utils.RandSource) [][]float64
	Name() string
}

// RandomDesign draws every coordinate uniformly
type RandomDesign struct{}

func (RandomDesign) Name() string { return "random" }

func (RandomDesign) Points(space *SearchSpace, n int, rng *utils.RandSource) [][]float64 {
	pts := make([][]float64, n)
	for i := range pts {
		pts[i] = randomPoint(space.Dims(), rng)
	}
	return pts
}

// LatinHypercubeDesign places exactly one point in each of n equal strata of every dimension
type LatinHypercubeDesign struct{}

func (LatinHypercubeDesign) Name() string { return "lhs" }

func (LatinHypercubeDesign) Points(space *SearchSpace, n int, rng *utils.RandSource) [][]float64 {
	d := space.Dims()
	pts := make([][]float64, n)
	for i := range pts {
		pts[i] = make([]float64, d)
	}
	for j := 0; j < d; j++ {
		perm := rng.Perm(n)
		for i := 0; i < n; i++ {
			pts[i][j] = (float64(perm[i]) + rng.Float64()) / float64(n)
		}
	}
	return pts
}

// RampDesign raises every intensity linearly from its low to its high bound across the seed
// trials, so the subject habituates before the model-based phase. Other dimensions are random.
type RampDesign struct{}

func (RampDesign) Name() string { return "ramp" }

func (RampDesign) Points(space *SearchSpace, n int, rng *utils.RandSource) [][]float64 {
	pts := make([][]float64, n)
	for i := range pts {
		level := 0.5
		if n > 1 {
			level = float64(i) / float64(n-1)
		}
		p := randomPoint(space.Dims(), rng)
		for j := 0; j < space.Dims(); j++ {
			if space.Dimension(j).Param == models.ParamIntensity {
				p[j] = level
			}
		}
		pts[i] = p
	}
	return pts
}

// NewInitialDesign builds a design from its config name
func NewInitialDesign(name string) (InitialDesign, error) {
	switch name {
	case "", "random":
		return RandomDesign{}, nil
	case "lhs":
		return LatinHypercubeDesign{}, nil
	case "ramp":
		return RampDesign{}, nil
	default:
		return nil, fmt.Errorf("unknown initial design: %s", name)
	}
}

func randomPoint(d int, rng *utils.RandSource) []float64 {
	p := make([]float64, d)
	for j := range p {
		p[j] = rng.Float64()
	}
	return p
}
