// Package objective reduces the feedback series of a trial to the scalar the optimizer sees.
package objective

import (
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/hcfes/stimtune/pkg/models"
)

// Statistic is the central statistic computed over the retained samples
type Statistic string

const (
	Median     Statistic = "median"
	Mean       Statistic = "mean"
	MeanSquare Statistic = "mean_square"
)

// ParseStatistic converts a config value into a Statistic
func ParseStatistic(s string) (Statistic, error) {
	switch st := Statistic(s); st {
	case Median, Mean, MeanSquare:
		return st, nil
	case "":
		return Median, nil
	default:
		return "", fmt.Errorf("unknown statistic: %s", s)
	}
}

// AngleWindow keeps samples whose crank angle lies in [StartDeg, EndDeg], wrapping through 0
// when StartDeg > EndDeg
type AngleWindow struct {
	StartDeg float64
	EndDeg   float64
}

// Contains reports whether an angle, taken modulo 360, lies in the window
func (w AngleWindow) Contains(angle float64) bool {
	a := math.Mod(angle, 360)
	if a < 0 {
		a += 360
	}
	start := math.Mod(w.StartDeg, 360)
	if start < 0 {
		start += 360
	}
	end := math.Mod(w.EndDeg, 360)
	if end < 0 {
		end += 360
	}
	if start <= end {
		return a >= start && a <= end
	}
	return a >= start || a <= end
}

// InsufficientDataError means too few usable samples remained after warmup and filtering
type InsufficientDataError struct {
	Have int
	Need int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("insufficient data: %d usable samples, need %d", e.Have, e.Need)
}

// Reducer turns a raw series into a scalar. It has no state besides its settings,
// so Reduce is deterministic.
type Reducer struct {
	Warmup     time.Duration
	MinSamples int
	Statistic  Statistic
	Window     *AngleWindow
}

// Reduce drops samples before Warmup, missing values and, when a window is set, samples
// outside it or without an angle, then applies the statistic to what remains.
func (r Reducer) Reduce(series []models.Sample) (float64, error) {
	values := make([]float64, 0, len(series))
	for _, s := range series {
		if s.Offset < r.Warmup {
			continue
		}
		if math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
			continue
		}
		if r.Window != nil && (!s.HasAngle || !r.Window.Contains(s.AngleDeg)) {
			continue
		}
		values = append(values, s.Value)
	}

	need := r.MinSamples
	if need < 1 {
		need = 1
	}
	if len(values) < need {
		return 0, &InsufficientDataError{Have: len(values), Need: need}
	}

	switch r.Statistic {
	case Mean:
		return stat.Mean(values, nil), nil
	case MeanSquare:
		sq := make([]float64, len(values))
		for i, v := range values {
			sq[i] = v * v
		}
		return stat.Mean(sq, nil), nil
	default:
		sort.Float64s(values)
		return median(values), nil
	}
}

// median of sorted values, averaging the two middle elements for even lengths
func median(sorted []float64) float64 {
	n := len(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

// Usable counts the samples Reduce would keep
func (r Reducer) Usable(series []models.Sample) int {
	n := 0
	for _, s := range series {
		if s.Offset < r.Warmup || math.IsNaN(s.Value) || math.IsInf(s.Value, 0) {
			continue
		}
		if r.Window != nil && (!s.HasAngle || !r.Window.Contains(s.AngleDeg)) {
			continue
		}
		n++
	}
	return n
}

// Penalty subtracts Weight times the summed squared intensity from the reduced value,
// in the direction that makes the objective worse
type Penalty struct {
	Weight    float64
	Direction models.Direction
}

// Apply returns the penalized objective for a trial run with v
func (p Penalty) Apply(objective float64, v models.ParameterVector) float64 {
	if p.Weight == 0 {
		return objective
	}
	return objective - p.Direction.Sign()*p.Weight*v.SumSquaredIntensity()
}
