package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hcfes/stimtune/internal/bounds"
	"github.com/hcfes/stimtune/internal/device"
	"github.com/hcfes/stimtune/internal/improvement"
	"github.com/hcfes/stimtune/internal/objective"
	"github.com/hcfes/stimtune/internal/session"
	"github.com/hcfes/stimtune/internal/store"
	"github.com/hcfes/stimtune/internal/trial"
	"github.com/hcfes/stimtune/pkg/config"
	"github.com/hcfes/stimtune/pkg/models"
)

// stack is everything one session runs on, built from the session config
type stack struct {
	cfg    *config.SessionConfig
	log    *slog.Logger
	bounds *bounds.Store
	space  *improvement.SearchSpace
	rig    *device.Rig
	exec   *trial.Executor

	persister store.Persister
	loader    store.Loader
	meta      store.MetaStore
	history   *store.MemoryStore
	files     *store.FileStore

	cleanup []func()
}

// buildBox loads the calibrated box into a bound store and derives the search space
func buildBox(cfg *config.SessionConfig) (*bounds.Store, *improvement.SearchSpace, error) {
	bs, err := bounds.FromCalibration(cfg.Calibration.Bounds, cfg.Session.Muscles)
	if err != nil {
		return nil, nil, fmt.Errorf("calibration: %w", err)
	}
	for _, p := range cfg.SearchedParams() {
		b := cfg.Parameters[string(p)].Bound
		if err := bs.SetParamBound(p, b.Low, b.High); err != nil {
			return nil, nil, fmt.Errorf("parameter %s: %w", p, err)
		}
	}
	space, err := improvement.NewSearchSpace(bs, cfg.FixedParams())
	if err != nil {
		return nil, nil, err
	}
	return bs, space, nil
}

func openStack(ctx context.Context, cfg *config.SessionConfig, log *slog.Logger) (*stack, error) {
	s := &stack{cfg: cfg, log: log, history: store.NewMemoryStore()}
	ok := false
	defer func() {
		if !ok {
			s.Close()
		}
	}()

	var err error
	if s.bounds, s.space, err = buildBox(cfg); err != nil {
		return nil, err
	}
	if err := s.openPersistence(ctx); err != nil {
		return nil, err
	}

	if s.rig, err = device.Open(ctx, cfg.Device, s.bounds, log); err != nil {
		return nil, fmt.Errorf("open devices: %w", err)
	}
	s.cleanup = append(s.cleanup, func() { _ = s.rig.Close() })

	grace, err := cfg.Session.GetWatchdogGrace()
	if err != nil {
		return nil, fmt.Errorf("invalid watchdog_grace: %w", err)
	}
	s.exec = trial.NewExecutor(s.rig.Stimulator(), s.rig.Sensor(), trial.Config{WatchdogGrace: grace, Logger: log})

	ok = true
	return s, nil
}

func (s *stack) openPersistence(ctx context.Context) error {
	p := s.cfg.Persistence
	switch p.Backend {
	case "memory":
		s.persister, s.loader, s.meta = s.history, s.history, s.history
	case "file":
		dir, err := config.ExpandPath(p.Dir)
		if err != nil {
			return err
		}
		fs, err := store.NewFileStore(dir, s.log)
		if err != nil {
			return fmt.Errorf("open file store: %w", err)
		}
		s.cleanup = append(s.cleanup, func() { _ = fs.Close() })
		s.files = fs
		s.persister, s.loader, s.meta = store.Multi{fs, s.history}, fs, fs
	case "postgres":
		pg, pool, err := store.OpenPostgres(ctx, p.DSN, s.log)
		if err != nil {
			return err
		}
		s.cleanup = append(s.cleanup, pool.Close)
		if err := pg.EnsureSchema(ctx); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
		s.persister, s.loader, s.meta = store.Multi{pg, s.history}, pg, pg
	default:
		return fmt.Errorf("unknown persistence backend: %s", p.Backend)
	}
	s.log.Info("persistence ready", "backend", p.Backend)
	return nil
}

// Close releases devices and persistence in reverse order of acquisition
func (s *stack) Close() {
	for i := len(s.cleanup) - 1; i >= 0; i-- {
		s.cleanup[i]()
	}
	s.cleanup = nil
}

func (s *stack) optimizer(seed int64) (*improvement.Optimizer, error) {
	o := s.cfg.Optimizer
	dir, err := s.cfg.Session.GetDirection()
	if err != nil {
		return nil, err
	}
	design, err := improvement.NewInitialDesign(o.InitialDesign)
	if err != nil {
		return nil, err
	}
	acq, err := improvement.NewAcquisition(o.Acquisition, o.Xi, o.Kappa)
	if err != nil {
		return nil, err
	}
	conv, err := improvement.NewConvergenceStrategy(o.EarlyStop.Strategy, &improvement.ConvergenceConfig{
		Patience:        o.EarlyStop.Patience,
		MinDelta:        o.EarlyStop.MinDelta,
		MinObservations: o.InitialPoints,
	})
	if err != nil {
		return nil, err
	}
	timeBudget, err := s.cfg.Session.GetTimeBudget()
	if err != nil {
		return nil, fmt.Errorf("invalid time_budget: %w", err)
	}

	cfg := improvement.Config{
		Direction:     dir,
		InitialPoints: o.InitialPoints,
		Design:        design,
		Acquisition:   acq,
		Candidates:    o.Candidates,
		Restarts:      o.Restarts,
		LengthScale:   o.LengthScale,
		Noise:         o.Noise,
		Seed:          seed,
		TrialBudget:   s.cfg.Session.TrialBudget,
		TimeBudget:    timeBudget,
		Convergence:   conv,
		Logger:        s.log,
	}
	return improvement.NewOptimizer(s.space, cfg)
}

func (s *stack) reducer() (objective.Reducer, objective.Penalty, error) {
	oc := s.cfg.Objective
	warmup, err := oc.GetWarmup()
	if err != nil {
		return objective.Reducer{}, objective.Penalty{}, fmt.Errorf("invalid warmup: %w", err)
	}
	stat, err := objective.ParseStatistic(oc.Statistic)
	if err != nil {
		return objective.Reducer{}, objective.Penalty{}, err
	}
	dir, err := s.cfg.Session.GetDirection()
	if err != nil {
		return objective.Reducer{}, objective.Penalty{}, err
	}
	r := objective.Reducer{Warmup: warmup, MinSamples: oc.MinSamples, Statistic: stat}
	if w := oc.AngleWindow; w != nil {
		r.Window = &objective.AngleWindow{StartDeg: w.StartDeg, EndDeg: w.EndDeg}
	}
	return r, objective.Penalty{Weight: oc.IntensityPenalty, Direction: dir}, nil
}

// controller builds a session controller; opt is nil for manual sessions
func (s *stack) controller(sessionID string, opt *improvement.Optimizer) (*session.Controller, error) {
	sc := s.cfg.Session
	duration, err := sc.GetTrialDuration()
	if err != nil {
		return nil, fmt.Errorf("invalid trial_duration: %w", err)
	}
	rest, err := sc.GetRestBetweenTrials()
	if err != nil {
		return nil, fmt.Errorf("invalid rest_between_trials: %w", err)
	}
	red, pen, err := s.reducer()
	if err != nil {
		return nil, err
	}
	return session.New(session.Config{
		SessionID:              sessionID,
		TrialDuration:          duration,
		SampleRateHz:           sc.SampleRateHz,
		Rest:                   rest,
		MaxConsecutiveFailures: sc.MaxConsecutiveFailures,
		MaxExcluded:            sc.MaxExcludedTrials,
		Logger:                 s.log,
	}, session.Deps{
		Bounds:    s.bounds,
		Space:     s.space,
		Optimizer: opt,
		Runner:    s.exec,
		Reducer:   red,
		Penalty:   pen,
		Persister: s.persister,
	})
}

// priorTrials loads what an earlier run of sessionID persisted, checking that it
// was an optimizer session over the same muscles
func (s *stack) priorTrials(ctx context.Context, sessionID string) (models.SessionMeta, []models.TrialRecord, error) {
	meta, err := s.meta.LoadMeta(ctx, sessionID)
	if err != nil {
		return models.SessionMeta{}, nil, fmt.Errorf("load session manifest: %w", err)
	}
	if meta.Mode != models.ModeOptimize {
		return models.SessionMeta{}, nil, fmt.Errorf("session %s is a %s session and cannot be resumed", sessionID, meta.Mode)
	}
	muscles := s.space.Muscles()
	if len(meta.Muscles) != len(muscles) {
		return models.SessionMeta{}, nil, fmt.Errorf("session %s was run on muscles %v, config has %v", sessionID, meta.Muscles, muscles)
	}
	for i := range muscles {
		if meta.Muscles[i] != muscles[i] {
			return models.SessionMeta{}, nil, fmt.Errorf("session %s was run on muscles %v, config has %v", sessionID, meta.Muscles, muscles)
		}
	}

	records, err := s.loader.LoadTrials(ctx, sessionID)
	if err != nil && !errors.Is(err, store.ErrSessionNotFound) {
		return models.SessionMeta{}, nil, fmt.Errorf("load trials: %w", err)
	}
	return meta, records, nil
}
