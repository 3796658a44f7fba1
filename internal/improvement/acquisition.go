package improvement

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// Acquisition scores a candidate from its predicted mean and standard deviation.
// Scores are for maximization: the optimizer flips the sign of minimized objectives before fitting.
type Acquisition interface {
	Score(mean, std, best float64) float64
	Name() string
}

var stdNormal = distuv.Normal{Mu: 0, Sigma: 1}

// ExpectedImprovement is E[max(f - best - Xi, 0)]
type ExpectedImprovement struct {
	Xi float64
}

func (a ExpectedImprovement) Name() string { return "ei" }

func (a ExpectedImprovement) Score(mean, std, best float64) float64 {
	gain := mean - best - a.Xi
	if std <= 0 {
		return math.Max(gain, 0)
	}
	z := gain / std
	return gain*stdNormal.CDF(z) + std*stdNormal.Prob(z)
}

// ProbabilityOfImprovement is P(f > best + Xi)
type ProbabilityOfImprovement struct {
	Xi float64
}

func (a ProbabilityOfImprovement) Name() string { return "pi" }

func (a ProbabilityOfImprovement) Score(mean, std, best float64) float64 {
	gain := mean - best - a.Xi
	if std <= 0 {
		if gain > 0 {
			return 1
		}
		return 0
	}
	return stdNormal.CDF(gain / std)
}

// UpperConfidenceBound is mean + Kappa*std
type UpperConfidenceBound struct {
	Kappa float64
}

func (a UpperConfidenceBound) Name() string { return "ucb" }

func (a UpperConfidenceBound) Score(mean, std, _ float64) float64 {
	return mean + a.Kappa*std
}

// NewAcquisition builds an acquisition function from its config name
func NewAcquisition(name string, xi, kappa float64) (Acquisition, error) {
	switch name {
	case "", "ei":
		return ExpectedImprovement{Xi: xi}, nil
	case "pi":
		return ProbabilityOfImprovement{Xi: xi}, nil
	case "ucb":
		return UpperConfidenceBound{Kappa: kappa}, nil
	default:
		return nil, fmt.Errorf("unknown acquisition function: %s", name)
	}
}
