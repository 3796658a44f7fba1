package utils

import (
	"sort"
	"testing"
)

func TestRandSourceDeterministic(t *testing.T) {
	a := NewRandSource(42)
	b := NewRandSource(42)

	for i := 0; i < 100; i++ {
		if a.Float64() != b.Float64() {
			t.Fatalf("Expected identical sequences for identical seeds at draw %d", i)
		}
	}
	if a.Seed() != 42 {
		t.Errorf("Expected seed 42, got %d", a.Seed())
	}
}

func TestRandSourceZeroSeedPicksOne(t *testing.T) {
	r := NewRandSource(0)
	if r.Seed() == 0 {
		t.Error("Expected a non-zero seed to be chosen")
	}
}

func TestRandSourcePerm(t *testing.T) {
	r := NewRandSource(3)
	p := r.Perm(10)
	sort.Ints(p)
	for i, v := range p {
		if v != i {
			t.Fatalf("Expected a permutation of 0..9, got %v", p)
		}
	}
}
