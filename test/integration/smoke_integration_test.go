//go:build integration
// +build integration

package integration_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/hcfes/stimtune/internal/bounds"
	"github.com/hcfes/stimtune/internal/device"
	"github.com/hcfes/stimtune/internal/improvement"
	"github.com/hcfes/stimtune/internal/objective"
	"github.com/hcfes/stimtune/internal/trial"
	"github.com/hcfes/stimtune/pkg/config"
	"github.com/hcfes/stimtune/pkg/logger"
	"github.com/hcfes/stimtune/pkg/models"
)

func loadShippedSession(t *testing.T) (*config.SessionConfig, *bounds.Store, *improvement.SearchSpace) {
	t.Helper()
	cfgPath := filepath.Join("..", "..", "config", "session.yaml")
	cfg, err := config.LoadSession(cfgPath)
	if err != nil {
		t.Fatalf("LoadSession(%s) failed: %v", cfgPath, err)
	}
	bs, err := bounds.FromCalibration(cfg.Calibration.Bounds, cfg.Session.Muscles)
	if err != nil {
		t.Fatalf("FromCalibration failed: %v", err)
	}
	for _, p := range cfg.SearchedParams() {
		b := cfg.Parameters[string(p)].Bound
		if err := bs.SetParamBound(p, b.Low, b.High); err != nil {
			t.Fatalf("SetParamBound(%s) failed: %v", p, err)
		}
	}
	space, err := improvement.NewSearchSpace(bs, cfg.FixedParams())
	if err != nil {
		t.Fatalf("NewSearchSpace failed: %v", err)
	}
	return cfg, bs, space
}

func TestIntegration_ShippedConfigAndManualTrialsSmoke(t *testing.T) {
	cfg, bs, space := loadShippedSession(t)

	if got := space.Dims(); got != 3*len(cfg.Session.Muscles) {
		t.Fatalf("expected intensity, onset and offset per muscle (%d dims), got %d", 3*len(cfg.Session.Muscles), got)
	}

	manualPath := filepath.Join("..", "..", "config", "manual.yaml")
	vectors, err := config.LoadManualVectors(manualPath, cfg.Session.Muscles)
	if err != nil {
		t.Fatalf("LoadManualVectors(%s) failed: %v", manualPath, err)
	}
	if len(vectors) == 0 {
		t.Fatalf("expected manual.yaml to list at least one trial")
	}
	for i, v := range vectors {
		v = space.Complete(v)
		if err := bs.Validate(v); err != nil {
			t.Errorf("manual trial %d outside the calibrated box: %v", i, err)
		}
		if s, _ := v.Setting("biceps_r"); s.PulseWidthUs != 300 {
			t.Errorf("manual trial %d: expected fixed pulse width 300, got %v", i, s.PulseWidthUs)
		}
	}
}

func TestIntegration_SimulatedTrialReducesSmoke(t *testing.T) {
	cfg, bs, space := loadShippedSession(t)
	log := logger.Discard()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rig, err := device.Open(ctx, cfg.Device, bs, log)
	if err != nil {
		t.Fatalf("device.Open failed: %v", err)
	}
	defer rig.Close()

	exec := trial.NewExecutor(rig.Stimulator(), rig.Sensor(), trial.Config{WatchdogGrace: time.Second, Logger: log})
	u := make([]float64, space.Dims())
	for i := range u {
		u[i] = 0.5
	}
	params := space.Decode(u)

	raw, err := exec.RunTrial(ctx, params, 300*time.Millisecond, 100)
	if err != nil {
		t.Fatalf("RunTrial failed: %v", err)
	}
	if raw.Status != models.TrialCompleted {
		t.Fatalf("expected completed trial, got %s", raw.Status)
	}
	if applies, stops := rig.Counts(); applies != 1 || stops != 1 {
		t.Errorf("expected one apply and one stop, got %d and %d", applies, stops)
	}

	red := objective.Reducer{MinSamples: 10, Statistic: objective.Median}
	obj, err := red.Reduce(raw.Series)
	if err != nil {
		t.Fatalf("Reduce failed over %d samples: %v", len(raw.Series), err)
	}
	if obj <= 0 {
		t.Errorf("expected positive crank power near the simulated optimum, got %v", obj)
	}
}
