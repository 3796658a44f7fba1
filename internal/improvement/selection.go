package improvement

import (
	"github.com/hcfes/stimtune/pkg/models"
)

// SelectBest returns the observation with the best objective under dir.
// On ties the earliest observation wins.
func SelectBest(history []models.Observation, dir models.Direction) (models.Observation, bool) {
	if len(history) == 0 {
		return models.Observation{}, false
	}
	best := history[0]
	for _, o := range history[1:] {
		if dir.Better(o.Objective, best.Objective) {
			best = o
		}
	}
	return best, true
}
