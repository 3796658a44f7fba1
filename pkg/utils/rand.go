package utils

import (
	"math/rand"
	"sync"
	"time"
)

// RandSource is a seeded random number generator that is safe for concurrent use.
// A session built from the same seed and the same observations proposes the same points.
type RandSource struct {
	mu   sync.Mutex
	seed int64
	rng  *rand.Rand
}

// NewRandSource creates a new random source with the given seed.
// A zero seed picks one from the wall clock.
func NewRandSource(seed int64) *RandSource {
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &RandSource{
		seed: seed,
		rng:  rand.New(rand.NewSource(seed)),
	}
}

// Seed returns the seed the source was created with
func (r *RandSource) Seed() int64 {
	return r.seed
}

// Float64 returns a random float64 in [0.0, 1.0)
func (r *RandSource) Float64() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Float64()
}

// NormFloat64 returns a normally distributed number with the given mean and stddev
func (r *RandSource) NormFloat64(mean, stddev float64) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.NormFloat64()*stddev + mean
}

// Perm returns a random permutation of [0, n)
func (r *RandSource) Perm(n int) []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng.Perm(n)
}

var defaultRand = NewRandSource(0)

// Float64 returns a random float64 from the default source
func Float64() float64 {
	return defaultRand.Float64()
}
