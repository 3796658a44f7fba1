package improvement

import (
	"fmt"

	"github.com/hcfes/stimtune/pkg/models"
)

// ConvergenceStrategy decides whether the search has stopped paying off
type ConvergenceStrategy interface {
	// CheckConvergence inspects the history and returns a reason when the search should stop
	CheckConvergence(history []models.Observation, dir models.Direction) (bool, string)
	// Name returns the name of the convergence strategy
	Name() string
}

// ConvergenceConfig holds configuration for convergence detection
type ConvergenceConfig struct {
	// Patience is the number of observations without improvement (or inside the plateau) before stopping
	Patience int
	// MinDelta is the smallest change in objective that counts as an improvement
	MinDelta float64
	// MinObservations is the number of observations before convergence can be detected
	MinObservations int
}

// DefaultConvergenceConfig returns a default convergence configuration
func DefaultConvergenceConfig() *ConvergenceConfig {
	return &ConvergenceConfig{
		Patience:        5,
		MinDelta:        0,
		MinObservations: 3,
	}
}

// NoImprovementStrategy stops after Patience observations that did not beat the best by more than MinDelta
type NoImprovementStrategy struct {
	config *ConvergenceConfig
}

// NewNoImprovementStrategy creates a new no-improvement convergence strategy
func NewNoImprovementStrategy(config *ConvergenceConfig) *NoImprovementStrategy {
	if config == nil {
		config = DefaultConvergenceConfig()
	}
	return &NoImprovementStrategy{config: config}
}

func (s *NoImprovementStrategy) Name() string {
	return "no_improvement"
}

func (s *NoImprovementStrategy) CheckConvergence(history []models.Observation, dir models.Direction) (bool, string) {
	if len(history) < s.config.MinObservations || len(history) == 0 {
		return false, ""
	}

	best := history[0].Objective
	bestAt := 0
	for i := 1; i < len(history); i++ {
		if dir.Sign()*(history[i].Objective-best) > s.config.MinDelta {
			best = history[i].Objective
			bestAt = i
		}
	}

	since := len(history) - 1 - bestAt
	if since >= s.config.Patience {
		return true, fmt.Sprintf("no improvement for %d observations (best at trial %d)", since, history[bestAt].TrialIndex)
	}
	return false, ""
}

// PlateauStrategy stops when the last Patience objectives lie within MinDelta of each other
type PlateauStrategy struct {
	config *ConvergenceConfig
}

// NewPlateauStrategy creates a new plateau convergence strategy
func NewPlateauStrategy(config *ConvergenceConfig) *PlateauStrategy {
	if config == nil {
		config = DefaultConvergenceConfig()
	}
	return &PlateauStrategy{config: config}
}

func (s *PlateauStrategy) Name() string {
	return "plateau"
}

func (s *PlateauStrategy) CheckConvergence(history []models.Observation, _ models.Direction) (bool, string) {
	n := s.config.Patience
	if n < 2 || len(history) < s.config.MinObservations || len(history) < n {
		return false, ""
	}

	recent := history[len(history)-n:]
	lo, hi := recent[0].Objective, recent[0].Objective
	for _, o := range recent[1:] {
		if o.Objective < lo {
			lo = o.Objective
		}
		if o.Objective > hi {
			hi = o.Objective
		}
	}
	if hi-lo <= s.config.MinDelta {
		return true, fmt.Sprintf("objective plateaued for %d observations (range: %.6f)", n, hi-lo)
	}
	return false, ""
}

// NewConvergenceStrategy builds a strategy from its config name; "none" returns nil
func NewConvergenceStrategy(name string, config *ConvergenceConfig) (ConvergenceStrategy, error) {
	switch name {
	case "", "none":
		return nil, nil
	case "no_improvement":
		return NewNoImprovementStrategy(config), nil
	case "plateau":
		return NewPlateauStrategy(config), nil
	default:
		return nil, fmt.Errorf("unknown convergence strategy: %s", name)
	}
}
