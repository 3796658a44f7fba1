package improvement

import (
	"errors"
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// GaussianProcess is a zero-mean GP regressor with a squared-exponential kernel of unit
// amplitude. Targets are standardized before fitting; predictions come back standardized too,
// which is the scale the acquisition functions work on.
type GaussianProcess struct {
	lengthScale float64
	noise       float64

	x     [][]float64
	chol  mat.Cholesky
	alpha *mat.VecDense
	yMean float64
	yStd  float64
}

// ErrNotFitted is returned by Predict before a successful Fit
var ErrNotFitted = errors.New("surrogate not fitted")

// NewGaussianProcess creates a GP with the given length scale (in unit-box coordinates) and noise variance
func NewGaussianProcess(lengthScale, noise float64) *GaussianProcess {
	if lengthScale <= 0 {
		lengthScale = 0.3
	}
	if noise <= 0 {
		noise = 1e-6
	}
	return &GaussianProcess{lengthScale: lengthScale, noise: noise}
}

func (gp *GaussianProcess) kernel(a, b []float64) float64 {
	d := floats.Distance(a, b, 2)
	return math.Exp(-0.5 * d * d / (gp.lengthScale * gp.lengthScale))
}

// Fit conditions the GP on the observations. Jitter is increased until the kernel matrix factorizes.
func (gp *GaussianProcess) Fit(x [][]float64, y []float64) error {
	n := len(x)
	if n == 0 || n != len(y) {
		return errors.New("fit needs matching, non-empty inputs")
	}

	gp.yMean = stat.Mean(y, nil)
	gp.yStd = stat.PopStdDev(y, nil)
	if gp.yStd < 1e-12 || math.IsNaN(gp.yStd) {
		gp.yStd = 1
	}
	ys := make([]float64, n)
	for i, v := range y {
		ys[i] = (v - gp.yMean) / gp.yStd
	}

	jitter := gp.noise
	for attempt := 0; attempt < 6; attempt++ {
		k := mat.NewSymDense(n, nil)
		for i := 0; i < n; i++ {
			for j := i; j < n; j++ {
				k.SetSym(i, j, gp.kernel(x[i], x[j]))
			}
			k.SetSym(i, i, k.At(i, i)+jitter)
		}
		if gp.chol.Factorize(k) {
			alpha := mat.NewVecDense(n, nil)
			if err := gp.chol.SolveVecTo(alpha, mat.NewVecDense(n, ys)); err == nil {
				gp.alpha = alpha
				gp.x = x
				return nil
			}
		}
		jitter *= 10
	}
	gp.alpha = nil
	return errors.New("kernel matrix is not positive definite")
}

// Predict returns the standardized posterior mean and standard deviation at u
func (gp *GaussianProcess) Predict(u []float64) (mean, std float64, err error) {
	if gp.alpha == nil {
		return 0, 0, ErrNotFitted
	}
	n := len(gp.x)
	ks := mat.NewVecDense(n, nil)
	for i := range gp.x {
		ks.SetVec(i, gp.kernel(u, gp.x[i]))
	}
	mean = mat.Dot(ks, gp.alpha)

	var v mat.VecDense
	if err := gp.chol.SolveVecTo(&v, ks); err != nil {
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return 0, 0, err
		}
	}
	variance := 1 - mat.Dot(ks, &v)
	if variance < 1e-12 {
		variance = 1e-12
	}
	return mean, math.Sqrt(variance), nil
}

// Standardize maps an objective to the GP's standardized scale
func (gp *GaussianProcess) Standardize(y float64) float64 {
	return (y - gp.yMean) / gp.yStd
}
