package improvement

import (
	"testing"

	"github.com/hcfes/stimtune/pkg/models"
)

func observations(values ...float64) []models.Observation {
	out := make([]models.Observation, len(values))
	for i, v := range values {
		out[i] = models.Observation{TrialIndex: i, Objective: v}
	}
	return out
}

func TestNoImprovementStrategy(t *testing.T) {
	s := NewNoImprovementStrategy(&ConvergenceConfig{Patience: 3, MinObservations: 1})

	tests := []struct {
		name string
		hist []models.Observation
		dir  models.Direction
		want bool
	}{
		{"still improving", observations(1, 2, 3, 4), models.Maximize, false},
		{"stalled after best", observations(1, 5, 4, 3, 2), models.Maximize, true},
		{"two since best", observations(1, 5, 4, 3), models.Maximize, false},
		{"minimize stalled", observations(5, 1, 2, 3, 4), models.Minimize, true},
		{"minimize improving", observations(5, 4, 3, 2), models.Minimize, false},
		{"tie is not improvement", observations(1, 5, 5, 5, 5), models.Maximize, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, reason := s.CheckConvergence(tt.hist, tt.dir)
			if got != tt.want {
				t.Errorf("Expected %v, got %v (%s)", tt.want, got, reason)
			}
		})
	}
}

func TestNoImprovementMinDelta(t *testing.T) {
	s := NewNoImprovementStrategy(&ConvergenceConfig{Patience: 2, MinDelta: 0.5, MinObservations: 1})
	if got, _ := s.CheckConvergence(observations(1, 1.2, 1.4), models.Maximize); !got {
		t.Error("Expected improvements below MinDelta not to count")
	}
}

func TestPlateauStrategy(t *testing.T) {
	s := NewPlateauStrategy(&ConvergenceConfig{Patience: 3, MinDelta: 0.1, MinObservations: 3})
	if got, _ := s.CheckConvergence(observations(0, 5, 5.05, 5.0), models.Maximize); !got {
		t.Error("Expected plateau to be detected")
	}
	if got, _ := s.CheckConvergence(observations(0, 5, 6, 5.0), models.Maximize); got {
		t.Error("Expected no plateau with spread 1")
	}
	if got, _ := s.CheckConvergence(observations(5, 5), models.Maximize); got {
		t.Error("Expected no decision before MinObservations")
	}
}

func TestNewConvergenceStrategy(t *testing.T) {
	if s, err := NewConvergenceStrategy("none", nil); s != nil || err != nil {
		t.Errorf("Expected nil strategy for none, got %v, %v", s, err)
	}
	if s, _ := NewConvergenceStrategy("plateau", nil); s == nil || s.Name() != "plateau" {
		t.Errorf("Expected plateau strategy, got %v", s)
	}
	if _, err := NewConvergenceStrategy("variance", nil); err == nil {
		t.Error("Expected error for unknown strategy")
	}
}
