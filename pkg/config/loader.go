package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"

	"github.com/hcfes/stimtune/pkg/models"
)

// LoadSession loads, defaults and validates a session file.
// A relative calibration file is resolved against the session file's directory.
func LoadSession(path string) (*SessionConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read session file %s: %w", path, err)
	}
	cfg, err := parseSession(data, filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("failed to parse session file %s: %w", path, err)
	}
	return cfg, nil
}

// ParseSessionYAML parses a session from YAML bytes. Relative paths resolve against the working directory.
func ParseSessionYAML(data []byte) (*SessionConfig, error) {
	return parseSession(data, ".")
}

func parseSession(data []byte, baseDir string) (*SessionConfig, error) {
	var cfg SessionConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse session yaml: %w", err)
	}

	ApplyDefaults(&cfg)

	if cfg.Calibration.File != "" {
		file, err := ExpandPath(cfg.Calibration.File)
		if err != nil {
			return nil, err
		}
		if !filepath.IsAbs(file) {
			file = filepath.Join(baseDir, file)
		}
		fromFile, err := LoadCalibration(file)
		if err != nil {
			return nil, err
		}
		if cfg.Calibration.Bounds == nil {
			cfg.Calibration.Bounds = make(map[string]models.Bound)
		}
		for muscle, b := range fromFile {
			if _, inline := cfg.Calibration.Bounds[muscle]; !inline {
				cfg.Calibration.Bounds[muscle] = b
			}
		}
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid session config: %w", err)
	}
	return &cfg, nil
}

// calibrationFile is the output format of the calibration procedure
type calibrationFile struct {
	Muscles map[string]models.Bound `yaml:"muscles"`
}

// LoadCalibration reads per-muscle intensity bounds
func LoadCalibration(path string) (map[string]models.Bound, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read calibration file %s: %w", path, err)
	}
	var cal calibrationFile
	if err := yaml.Unmarshal(data, &cal); err != nil {
		return nil, fmt.Errorf("failed to parse calibration file %s: %w", path, err)
	}
	if len(cal.Muscles) == 0 {
		return nil, fmt.Errorf("calibration file %s defines no muscles", path)
	}
	return cal.Muscles, nil
}

// manualFile lists operator-chosen trials, one muscle map per trial
type manualFile struct {
	Trials []map[string]models.MuscleSetting `yaml:"trials"`
}

// LoadManualVectors reads a manual trial list and orders every vector by muscles.
// Each trial must set exactly the given muscles.
func LoadManualVectors(path string, muscles []string) ([]models.ParameterVector, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manual trials %s: %w", path, err)
	}
	var mf manualFile
	if err := yaml.Unmarshal(data, &mf); err != nil {
		return nil, fmt.Errorf("failed to parse manual trials %s: %w", path, err)
	}

	out := make([]models.ParameterVector, 0, len(mf.Trials))
	for i, trial := range mf.Trials {
		vec, err := VectorFromMap(trial, muscles)
		if err != nil {
			return nil, fmt.Errorf("manual trial %d: %w", i, err)
		}
		out = append(out, vec)
	}
	return out, nil
}

// VectorFromMap builds a vector in muscles order from a muscle-keyed map
func VectorFromMap(m map[string]models.MuscleSetting, muscles []string) (models.ParameterVector, error) {
	if len(m) != len(muscles) {
		for name := range m {
			if !contains(muscles, name) {
				return models.ParameterVector{}, fmt.Errorf("muscle %s is not part of the session", name)
			}
		}
	}
	vec := models.ParameterVector{Settings: make([]models.MuscleSetting, 0, len(muscles))}
	for _, name := range muscles {
		s, ok := m[name]
		if !ok {
			return models.ParameterVector{}, fmt.Errorf("muscle %s is missing", name)
		}
		s.Muscle = name
		vec.Settings = append(vec.Settings, s)
	}
	return vec, nil
}

// ExpandPath expands a leading ~ to the user's home directory
func ExpandPath(path string) (string, error) {
	expanded, err := homedir.Expand(path)
	if err != nil {
		return "", fmt.Errorf("failed to expand path %s: %w", path, err)
	}
	return expanded, nil
}

// ApplyDefaults fills every unset option with its default
func ApplyDefaults(cfg *SessionConfig) {
	s := &cfg.Session
	if s.Direction == "" {
		s.Direction = string(models.Maximize)
	}
	if s.TrialDuration == "" {
		s.TrialDuration = "10s"
	}
	if s.SampleRateHz == 0 {
		s.SampleRateHz = 50
	}
	if s.WatchdogGrace == "" {
		s.WatchdogGrace = "5s"
	}
	if s.TrialBudget == 0 && s.TimeBudget == "" {
		s.TrialBudget = 20
	}
	if s.MaxConsecutiveFailures == 0 {
		s.MaxConsecutiveFailures = 3
	}
	if s.MaxExcludedTrials == 0 {
		s.MaxExcludedTrials = 10
	}

	o := &cfg.Optimizer
	if o.InitialPoints == 0 {
		o.InitialPoints = 5
	}
	if o.InitialDesign == "" {
		o.InitialDesign = "random"
	}
	if o.Acquisition == "" {
		o.Acquisition = "ei"
	}
	if o.Xi == 0 {
		o.Xi = 0.01
	}
	if o.Kappa == 0 {
		o.Kappa = 2
	}
	if o.Candidates == 0 {
		o.Candidates = 1000
	}
	if o.Restarts == 0 {
		o.Restarts = 10
	}
	if o.LengthScale == 0 {
		o.LengthScale = 0.3
	}
	if o.Noise == 0 {
		o.Noise = 1e-6
	}
	if o.EarlyStop.Strategy == "" {
		o.EarlyStop.Strategy = "none"
	}
	if o.EarlyStop.Patience == 0 {
		o.EarlyStop.Patience = 5
	}

	obj := &cfg.Objective
	if obj.Warmup == "" {
		obj.Warmup = "1s"
	}
	if obj.MinSamples == 0 {
		obj.MinSamples = 10
	}
	if obj.Statistic == "" {
		obj.Statistic = "median"
	}

	p := &cfg.Persistence
	if p.Backend == "" {
		p.Backend = "file"
	}
	if p.Dir == "" {
		p.Dir = "~/.stimtune/sessions"
	}

	d := &cfg.Device
	if d.Driver == "" {
		d.Driver = "simulated"
	}
	if d.ConnectAttempts == 0 {
		d.ConnectAttempts = 3
	}
	if d.ConnectBackoff == "" {
		d.ConnectBackoff = "exponential"
	}
	if d.ConnectBase == "" {
		d.ConnectBase = "200ms"
	}
	if d.Simulated.Optimum == 0 {
		d.Simulated.Optimum = 0.6
	}
	if d.Simulated.PeakPower == 0 {
		d.Simulated.PeakPower = 60
	}
	if d.Simulated.CadenceRPM == 0 {
		d.Simulated.CadenceRPM = 40
	}

	if cfg.Control.NotifyAttempts == 0 {
		cfg.Control.NotifyAttempts = 3
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
}

// Validate checks a defaulted config
func Validate(cfg *SessionConfig) error {
	if err := validateSession(&cfg.Session); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	if err := validateCalibration(&cfg.Calibration, cfg.Session.Muscles); err != nil {
		return fmt.Errorf("calibration: %w", err)
	}
	if err := validateParameters(cfg.Parameters); err != nil {
		return fmt.Errorf("parameters: %w", err)
	}
	if err := validateOptimizer(&cfg.Optimizer); err != nil {
		return fmt.Errorf("optimizer: %w", err)
	}
	if err := validateObjective(&cfg.Objective); err != nil {
		return fmt.Errorf("objective: %w", err)
	}
	if err := validatePersistence(&cfg.Persistence); err != nil {
		return fmt.Errorf("persistence: %w", err)
	}
	if err := validateDevice(&cfg.Device); err != nil {
		return fmt.Errorf("device: %w", err)
	}
	if err := validateLog(&cfg.Log); err != nil {
		return fmt.Errorf("log: %w", err)
	}
	return nil
}

func validateSession(s *SessionSection) error {
	if len(s.Muscles) == 0 {
		return fmt.Errorf("at least one muscle must be listed")
	}
	seen := make(map[string]bool)
	for _, m := range s.Muscles {
		if strings.TrimSpace(m) == "" {
			return fmt.Errorf("muscle name cannot be empty")
		}
		if seen[m] {
			return fmt.Errorf("duplicate muscle: %s", m)
		}
		seen[m] = true
	}

	if _, err := s.GetDirection(); err != nil {
		return err
	}

	d, err := s.GetTrialDuration()
	if err != nil {
		return fmt.Errorf("invalid trial_duration %s: %w", s.TrialDuration, err)
	}
	if d <= 0 {
		return fmt.Errorf("trial_duration must be positive, got %s", s.TrialDuration)
	}
	if s.SampleRateHz <= 0 {
		return fmt.Errorf("sample_rate_hz must be positive, got %g", s.SampleRateHz)
	}
	if g, err := s.GetWatchdogGrace(); err != nil || g < 0 {
		return fmt.Errorf("invalid watchdog_grace %s", s.WatchdogGrace)
	}
	if r, err := s.GetRestBetweenTrials(); err != nil || r < 0 {
		return fmt.Errorf("invalid rest_between_trials %s", s.RestBetweenTrials)
	}

	tb, err := s.GetTimeBudget()
	if err != nil || tb < 0 {
		return fmt.Errorf("invalid time_budget %s", s.TimeBudget)
	}
	if s.TrialBudget < 0 {
		return fmt.Errorf("trial_budget cannot be negative, got %d", s.TrialBudget)
	}
	if s.TrialBudget == 0 && tb == 0 {
		return fmt.Errorf("either trial_budget or time_budget must be set")
	}
	if s.MaxConsecutiveFailures < 0 {
		return fmt.Errorf("max_consecutive_failures cannot be negative, got %d", s.MaxConsecutiveFailures)
	}
	if s.MaxExcludedTrials < 0 {
		return fmt.Errorf("max_excluded_trials cannot be negative, got %d", s.MaxExcludedTrials)
	}
	return nil
}

func validateCalibration(c *CalibrationSection, muscles []string) error {
	for _, m := range muscles {
		if _, ok := c.Bounds[m]; !ok {
			return fmt.Errorf("no bound for muscle %s", m)
		}
	}
	return nil
}

func validateParameters(params map[string]ParamSpec) error {
	for name, spec := range params {
		p, err := models.ParseParam(name)
		if err != nil {
			return err
		}
		if p == models.ParamIntensity {
			return fmt.Errorf("%s is bounded by calibration, not by parameters", name)
		}
		if (spec.Fixed == nil) == (spec.Bound == nil) {
			return fmt.Errorf("%s: exactly one of fixed or bound must be set", name)
		}
		if spec.Bound != nil && spec.Bound.Low > spec.Bound.High {
			return fmt.Errorf("%s: bound low %g exceeds high %g", name, spec.Bound.Low, spec.Bound.High)
		}
	}
	return nil
}

func validateOptimizer(o *OptimizerSection) error {
	if o.InitialPoints < 1 {
		return fmt.Errorf("initial_points must be positive, got %d", o.InitialPoints)
	}
	validDesigns := map[string]bool{
		"random": true,
		"lhs":    true,
		"ramp":   true,
	}
	if !validDesigns[o.InitialDesign] {
		return fmt.Errorf("invalid initial_design: %s (must be random, lhs, or ramp)", o.InitialDesign)
	}
	validAcquisitions := map[string]bool{
		"ei":  true,
		"pi":  true,
		"ucb": true,
	}
	if !validAcquisitions[o.Acquisition] {
		return fmt.Errorf("invalid acquisition: %s (must be ei, pi, or ucb)", o.Acquisition)
	}
	if o.Xi < 0 || o.Kappa < 0 {
		return fmt.Errorf("xi and kappa cannot be negative")
	}
	if o.Candidates < 1 || o.Restarts < 0 {
		return fmt.Errorf("candidates must be positive and restarts non-negative")
	}
	if o.LengthScale <= 0 || o.Noise <= 0 {
		return fmt.Errorf("length_scale and noise must be positive")
	}
	switch o.EarlyStop.Strategy {
	case "none", "no_improvement", "plateau":
	default:
		return fmt.Errorf("invalid early_stop strategy: %s (must be none, no_improvement, or plateau)", o.EarlyStop.Strategy)
	}
	if o.EarlyStop.Patience < 1 {
		return fmt.Errorf("early_stop patience must be positive, got %d", o.EarlyStop.Patience)
	}
	return nil
}

func validateObjective(o *ObjectiveSection) error {
	if w, err := o.GetWarmup(); err != nil || w < 0 {
		return fmt.Errorf("invalid warmup %s", o.Warmup)
	}
	if o.MinSamples < 1 {
		return fmt.Errorf("min_samples must be positive, got %d", o.MinSamples)
	}
	switch o.Statistic {
	case "median", "mean", "mean_square":
	default:
		return fmt.Errorf("invalid statistic: %s (must be median, mean, or mean_square)", o.Statistic)
	}
	if o.IntensityPenalty < 0 {
		return fmt.Errorf("intensity_penalty cannot be negative, got %g", o.IntensityPenalty)
	}
	return nil
}

func validatePersistence(p *PersistenceSection) error {
	switch p.Backend {
	case "file", "memory":
	case "postgres":
		if p.DSN == "" {
			return fmt.Errorf("postgres backend requires dsn")
		}
	default:
		return fmt.Errorf("invalid backend: %s (must be file, postgres, or memory)", p.Backend)
	}
	return nil
}

func validateDevice(d *DeviceSection) error {
	if d.Driver != "simulated" {
		return fmt.Errorf("unsupported driver: %s", d.Driver)
	}
	if d.ConnectAttempts < 1 {
		return fmt.Errorf("connect_attempts must be positive, got %d", d.ConnectAttempts)
	}
	if _, err := d.GetConnectBase(); err != nil {
		return fmt.Errorf("invalid connect_base %s: %w", d.ConnectBase, err)
	}
	if d.Simulated.FailureRate < 0 || d.Simulated.FailureRate > 1 {
		return fmt.Errorf("simulated failure_rate must be between 0 and 1, got %g", d.Simulated.FailureRate)
	}
	if d.Simulated.Optimum < 0 || d.Simulated.Optimum > 1 {
		return fmt.Errorf("simulated optimum must be between 0 and 1, got %g", d.Simulated.Optimum)
	}
	return nil
}

func validateLog(l *LogSection) error {
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[l.Level] {
		return fmt.Errorf("invalid level: %s (must be debug, info, warn, or error)", l.Level)
	}
	if l.Format != "json" && l.Format != "text" {
		return fmt.Errorf("invalid format: %s (must be json or text)", l.Format)
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
