package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hcfes/stimtune/pkg/models"
)

func TestLoadSession(t *testing.T) {
	cfg, err := LoadSession("../../config/session.yaml")
	if err != nil {
		t.Fatalf("Failed to load session: %v", err)
	}

	if len(cfg.Session.Muscles) != 4 {
		t.Errorf("Expected 4 muscles, got %d", len(cfg.Session.Muscles))
	}
	dir, err := cfg.Session.GetDirection()
	if err != nil || dir != models.Maximize {
		t.Errorf("Expected maximize, got %q (%v)", dir, err)
	}
	d, err := cfg.Session.GetTrialDuration()
	if err != nil {
		t.Fatalf("Failed to parse trial duration: %v", err)
	}
	if d != 20*time.Second {
		t.Errorf("Expected 20s trial duration, got %v", d)
	}

	b, ok := cfg.Calibration.Bounds["biceps_l"]
	if !ok {
		t.Fatal("Expected calibration bound for biceps_l from calibration.yaml")
	}
	if b.Low != 5 || b.High != 14 {
		t.Errorf("Expected biceps_l [5, 14], got [%g, %g]", b.Low, b.High)
	}

	searched := cfg.SearchedParams()
	if len(searched) != 2 || searched[0] != models.ParamOnset || searched[1] != models.ParamOffset {
		t.Errorf("Expected onset and offset to be searched, got %v", searched)
	}
	fixed := cfg.FixedParams()
	if fixed[models.ParamPulseWidth] != 300 {
		t.Errorf("Expected fixed pulse width 300, got %v", fixed[models.ParamPulseWidth])
	}

	if cfg.Objective.AngleWindow == nil || cfg.Objective.AngleWindow.StartDeg != 110 {
		t.Errorf("Expected angle window starting at 110, got %+v", cfg.Objective.AngleWindow)
	}
	if cfg.Optimizer.EarlyStop.Strategy != "no_improvement" || cfg.Optimizer.EarlyStop.Patience != 8 {
		t.Errorf("Unexpected early stop config: %+v", cfg.Optimizer.EarlyStop)
	}
}

func TestParseSessionDefaults(t *testing.T) {
	yamlText := `
session:
  muscles: [a, b]
calibration:
  bounds:
    a: {low: 0, high: 40}
    b: {low: 0, high: 30}
`
	cfg, err := ParseSessionYAML([]byte(yamlText))
	if err != nil {
		t.Fatalf("Failed to parse minimal session: %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"direction", cfg.Session.Direction, "maximize"},
		{"trial_duration", cfg.Session.TrialDuration, "10s"},
		{"sample_rate_hz", cfg.Session.SampleRateHz, 50.0},
		{"trial_budget", cfg.Session.TrialBudget, 20},
		{"initial_points", cfg.Optimizer.InitialPoints, 5},
		{"acquisition", cfg.Optimizer.Acquisition, "ei"},
		{"statistic", cfg.Objective.Statistic, "median"},
		{"min_samples", cfg.Objective.MinSamples, 10},
		{"backend", cfg.Persistence.Backend, "file"},
		{"driver", cfg.Device.Driver, "simulated"},
		{"log_level", cfg.Log.Level, "info"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: expected %v, got %v", tt.name, tt.want, tt.got)
		}
	}
}

func TestTimeBudgetAloneSuppressesDefaultTrialBudget(t *testing.T) {
	yamlText := `
session:
  muscles: [a]
  time_budget: 30m
calibration:
  bounds:
    a: {low: 1, high: 2}
`
	cfg, err := ParseSessionYAML([]byte(yamlText))
	if err != nil {
		t.Fatalf("Failed to parse: %v", err)
	}
	if cfg.Session.TrialBudget != 0 {
		t.Errorf("Expected no trial budget, got %d", cfg.Session.TrialBudget)
	}
	tb, _ := cfg.Session.GetTimeBudget()
	if tb != 30*time.Minute {
		t.Errorf("Expected 30m time budget, got %v", tb)
	}
}

func TestParseSessionInvalid(t *testing.T) {
	base := `
calibration:
  bounds:
    a: {low: 0, high: 10}
`
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"no muscles", base, "at least one muscle"},
		{"duplicate muscle", "session: {muscles: [a, a]}\n" + base, "duplicate muscle"},
		{"missing bound", "session: {muscles: [a, b]}\n" + base, "no bound for muscle b"},
		{"bad direction", "session: {muscles: [a], direction: up}\n" + base, "unknown optimization direction"},
		{"bad duration", "session: {muscles: [a], trial_duration: soon}\n" + base, "invalid trial_duration"},
		{"negative rate", "session: {muscles: [a], sample_rate_hz: -1}\n" + base, "sample_rate_hz must be positive"},
		{"bad design", "session: {muscles: [a]}\noptimizer: {initial_design: sobol}\n" + base, "invalid initial_design"},
		{"bad acquisition", "session: {muscles: [a]}\noptimizer: {acquisition: thompson}\n" + base, "invalid acquisition"},
		{"bad statistic", "session: {muscles: [a]}\nobjective: {statistic: mode}\n" + base, "invalid statistic"},
		{"postgres without dsn", "session: {muscles: [a]}\npersistence: {backend: postgres}\n" + base, "requires dsn"},
		{"intensity in parameters", "session: {muscles: [a]}\nparameters: {intensity_ma: {fixed: 3}}\n" + base, "bounded by calibration"},
		{"fixed and bound", "session: {muscles: [a]}\nparameters: {onset_deg: {fixed: 1, bound: {low: 0, high: 2}}}\n" + base, "exactly one of"},
		{"unknown param", "session: {muscles: [a]}\nparameters: {voltage: {fixed: 1}}\n" + base, "unknown stimulation parameter"},
		{"bad log level", "session: {muscles: [a]}\nlog: {level: loud}\n" + base, "invalid level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSessionYAML([]byte(tt.yaml))
			if err == nil {
				t.Fatal("Expected an error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("Expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestInlineBoundsWinOverFile(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "cal.yaml"), "muscles:\n  a: {low: 1, high: 2}\n  b: {low: 3, high: 4}\n")
	writeFile(t, filepath.Join(dir, "session.yaml"), `
session: {muscles: [a, b]}
calibration:
  file: cal.yaml
  bounds:
    a: {low: 10, high: 20}
`)

	cfg, err := LoadSession(filepath.Join(dir, "session.yaml"))
	if err != nil {
		t.Fatalf("Failed to load session: %v", err)
	}
	if got := cfg.Calibration.Bounds["a"]; got.Low != 10 {
		t.Errorf("Expected inline bound for a, got %+v", got)
	}
	if got := cfg.Calibration.Bounds["b"]; got.Low != 3 {
		t.Errorf("Expected file bound for b, got %+v", got)
	}
}

func TestLoadCalibrationErrors(t *testing.T) {
	if _, err := LoadCalibration(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for missing file")
	}
	empty := filepath.Join(t.TempDir(), "empty.yaml")
	writeFile(t, empty, "muscles: {}\n")
	if _, err := LoadCalibration(empty); err == nil {
		t.Error("Expected error for calibration without muscles")
	}
}

func TestLoadManualVectors(t *testing.T) {
	muscles := []string{"biceps_r", "triceps_r", "biceps_l", "triceps_l"}
	vecs, err := LoadManualVectors("../../config/manual.yaml", muscles)
	if err != nil {
		t.Fatalf("Failed to load manual trials: %v", err)
	}
	if len(vecs) != 2 {
		t.Fatalf("Expected 2 manual trials, got %d", len(vecs))
	}
	for i, v := range vecs {
		got := v.Muscles()
		for j := range muscles {
			if got[j] != muscles[j] {
				t.Errorf("Trial %d: expected muscle order %v, got %v", i, muscles, got)
				break
			}
		}
	}
	if s, _ := vecs[1].Setting("biceps_r"); s.IntensityMA != 11 || s.OnsetDeg != -10 {
		t.Errorf("Unexpected biceps_r setting: %+v", s)
	}
}

func TestVectorFromMapErrors(t *testing.T) {
	muscles := []string{"a", "b"}
	if _, err := VectorFromMap(map[string]models.MuscleSetting{"a": {}}, muscles); err == nil {
		t.Error("Expected error for missing muscle")
	}
	if _, err := VectorFromMap(map[string]models.MuscleSetting{"a": {}, "b": {}, "c": {}}, muscles); err == nil {
		t.Error("Expected error for extra muscle")
	}
	if _, err := VectorFromMap(map[string]models.MuscleSetting{"a": {}, "c": {}}, muscles); err == nil {
		t.Error("Expected error for substituted muscle")
	}
}

func TestExpandPath(t *testing.T) {
	got, err := ExpandPath("~/sessions")
	if err != nil {
		t.Fatalf("ExpandPath failed: %v", err)
	}
	if strings.HasPrefix(got, "~") {
		t.Errorf("Expected ~ to be expanded, got %s", got)
	}
	if plain, _ := ExpandPath("/tmp/x"); plain != "/tmp/x" {
		t.Errorf("Expected absolute path unchanged, got %s", plain)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}
