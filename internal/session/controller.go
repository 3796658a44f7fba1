// Package session runs the closed loop: propose, validate, stimulate, reduce, record, feed back.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/hcfes/stimtune/internal/bounds"
	"github.com/hcfes/stimtune/internal/improvement"
	"github.com/hcfes/stimtune/internal/objective"
	"github.com/hcfes/stimtune/internal/store"
	"github.com/hcfes/stimtune/internal/trial"
	"github.com/hcfes/stimtune/pkg/logger"
	"github.com/hcfes/stimtune/pkg/models"
	"github.com/hcfes/stimtune/pkg/utils"
)

// TrialRunner executes one trial. *trial.Executor implements it.
type TrialRunner interface {
	RunTrial(ctx context.Context, params models.ParameterVector, duration time.Duration, sampleRateHz float64) (models.RawTrialResult, error)
}

// Config holds the loop settings of a session
type Config struct {
	SessionID     string // generated when empty
	TrialDuration time.Duration
	SampleRateHz  float64
	Rest          time.Duration // pause between trials
	// MaxConsecutiveFailures ends the session with the last device or timeout
	// error after that many failed trials in a row. Zero disables the guard.
	MaxConsecutiveFailures int
	// MaxExcluded stops the session once that many trials were excluded. Zero is unlimited.
	MaxExcluded int

	Clock  utils.Clock
	Logger *slog.Logger
}

// Deps are the collaborators of a session. Optimizer is nil for manual sessions.
type Deps struct {
	Bounds    *bounds.Store
	Space     *improvement.SearchSpace
	Optimizer *improvement.Optimizer
	Runner    TrialRunner
	Reducer   objective.Reducer
	Penalty   objective.Penalty
	Persister store.Persister
}

// Phase is the lifecycle position of a controller
type Phase string

const (
	PhaseIdle     Phase = "idle"
	PhaseRunning  Phase = "running"
	PhaseFinished Phase = "finished"
)

// Controller owns one session. Trials run strictly one after another.
type Controller struct {
	cfg   Config
	deps  Deps
	log   *slog.Logger
	clock utils.Clock

	mu             sync.RWMutex
	phase          Phase
	mode           models.SessionMode
	abortRequested bool
	cancel         context.CancelCauseFunc
	queue          *QueueSource
	records        []models.TrialRecord
	manualHistory  []models.Observation
	resumed        int
	current        *models.TrialRecord
	nextIndex      int
	startedAt      time.Time
	stopReason     models.StopReason
	lastErr        error
	result         *models.OptimizationResult
}

// New validates the configuration and creates an idle controller
func New(cfg Config, deps Deps) (*Controller, error) {
	switch {
	case deps.Bounds == nil:
		return nil, errors.New("session needs a bound store")
	case deps.Space == nil:
		return nil, errors.New("session needs a search space")
	case deps.Runner == nil:
		return nil, errors.New("session needs a trial runner")
	case deps.Persister == nil:
		return nil, errors.New("session needs a persister")
	case cfg.TrialDuration <= 0:
		return nil, fmt.Errorf("trial duration must be positive, got %s", cfg.TrialDuration)
	case cfg.SampleRateHz <= 0:
		return nil, fmt.Errorf("sample rate must be positive, got %v", cfg.SampleRateHz)
	case cfg.Rest < 0 || cfg.MaxConsecutiveFailures < 0 || cfg.MaxExcluded < 0:
		return nil, errors.New("rest, max consecutive failures and max excluded cannot be negative")
	}
	if cfg.Clock == nil {
		cfg.Clock = utils.SystemClock{}
	}
	if cfg.SessionID == "" {
		cfg.SessionID = utils.NewSessionID(cfg.Clock.Now())
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Default
	}
	return &Controller{
		cfg:   cfg,
		deps:  deps,
		log:   log.With("session_id", cfg.SessionID),
		clock: cfg.Clock,
		phase: PhaseIdle,
	}, nil
}

// SessionID returns the session's ID
func (c *Controller) SessionID() string {
	return c.cfg.SessionID
}

// Resume loads the trials a crashed run of this session already persisted.
// Observed trials are replayed into the optimizer; numbering continues after the last trial.
func (c *Controller) Resume(records []models.TrialRecord) error {
	if err := store.CheckSession(records, c.cfg.SessionID); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != PhaseIdle {
		return ErrAlreadyRunning
	}

	obs := store.Observations(records)
	if c.deps.Optimizer != nil {
		if err := c.deps.Optimizer.Replay(obs); err != nil {
			return fmt.Errorf("replay persisted trials: %w", err)
		}
	} else {
		c.manualHistory = obs
	}
	c.records = append([]models.TrialRecord(nil), records...)
	c.resumed = len(records)
	c.nextIndex = store.NextIndex(records)
	c.log.Info("session resumed", "trials", len(records), "observed", len(obs), "next_trial", c.nextIndex)
	return nil
}

// Abort stops the session: the in-flight trial is cut short and no further trial starts.
// Aborting before Run makes Run return immediately.
func (c *Controller) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.abortRequested = true
	if c.cancel != nil {
		c.cancel(ErrOperatorAbort)
	}
}

// SubmitManual queues an operator-chosen vector on a manual session fed by a QueueSource
func (c *Controller) SubmitManual(v models.ParameterVector) (models.ParameterVector, error) {
	c.mu.RLock()
	q, phase := c.queue, c.phase
	c.mu.RUnlock()
	if q == nil || phase != PhaseRunning {
		return models.ParameterVector{}, ErrNotManual
	}
	prepared, err := c.PrepareManual(v)
	if err != nil {
		return models.ParameterVector{}, err
	}
	return prepared, q.Submit(prepared)
}

// PrepareManual fills a manual vector's fixed parameters and checks it against the
// session's muscles and bounds
func (c *Controller) PrepareManual(v models.ParameterVector) (models.ParameterVector, error) {
	out := c.deps.Space.Complete(v)
	if _, err := c.deps.Space.Encode(out); err != nil {
		return models.ParameterVector{}, err
	}
	if err := c.deps.Bounds.Validate(out); err != nil {
		return models.ParameterVector{}, err
	}
	return out, nil
}

func (c *Controller) begin(ctx context.Context, mode models.SessionMode, src ManualSource) (context.Context, context.CancelCauseFunc, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.phase != PhaseIdle {
		return nil, nil, ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancelCause(ctx)
	c.phase = PhaseRunning
	c.mode = mode
	c.cancel = cancel
	c.startedAt = c.clock.Now()
	if q, ok := src.(*QueueSource); ok {
		c.queue = q
	}
	if c.abortRequested {
		cancel(ErrOperatorAbort)
	}

	if ms, ok := c.deps.Persister.(store.MetaSaver); ok && c.resumed == 0 {
		meta := models.SessionMeta{
			SessionID: c.cfg.SessionID,
			Mode:      mode,
			Muscles:   c.deps.Space.Muscles(),
			StartedAt: c.startedAt,
			Direction: models.Maximize,
		}
		if opt := c.deps.Optimizer; opt != nil {
			meta.Seed = opt.Seed()
			meta.Direction = opt.Direction()
		}
		if err := ms.SaveMeta(ctx, meta); err != nil {
			cancel(nil)
			c.phase = PhaseFinished
			return nil, nil, fmt.Errorf("save session manifest: %w", err)
		}
	}
	c.log.Info("session started", "mode", mode, "trial_duration", c.cfg.TrialDuration, "sample_rate_hz", c.cfg.SampleRateHz)
	return runCtx, cancel, nil
}

// loopGuard tracks the failure and exclusion limits across trials
type loopGuard struct {
	cfg      Config
	failures int
	excluded int
}

// after updates the counters with a finished trial and returns a non-nil error
// when the consecutive failure limit was reached
func (g *loopGuard) after(rec models.TrialRecord, trialErr error) error {
	if rec.Excluded {
		g.excluded++
	}
	var (
		de *trial.DeviceError
		te *trial.TimeoutError
	)
	if errors.As(trialErr, &de) || errors.As(trialErr, &te) {
		g.failures++
	} else {
		g.failures = 0
	}
	if g.cfg.MaxConsecutiveFailures > 0 && g.failures >= g.cfg.MaxConsecutiveFailures {
		return fmt.Errorf("%d consecutive trial failures: %w", g.failures, trialErr)
	}
	return nil
}

func (g *loopGuard) capped() (string, bool) {
	if g.cfg.MaxExcluded > 0 && g.excluded >= g.cfg.MaxExcluded {
		return fmt.Sprintf("%d trials excluded", g.excluded), true
	}
	return "", false
}

// Run drives an optimizer session until a stop condition holds. Trial-local
// errors are recorded and the loop continues; invariant violations, persistence
// failures and too many consecutive device failures end it with an error.
// An operator abort ends it without error.
func (c *Controller) Run(ctx context.Context) (models.OptimizationResult, error) {
	opt := c.deps.Optimizer
	if opt == nil {
		return models.OptimizationResult{}, errors.New("optimizer session needs an optimizer")
	}
	runCtx, cancel, err := c.begin(ctx, models.ModeOptimize, nil)
	if err != nil {
		return models.OptimizationResult{}, err
	}
	defer cancel(nil)
	opt.Start()

	guard := &loopGuard{cfg: c.cfg}
	var runErr error
	for {
		if runCtx.Err() != nil {
			opt.Terminate(models.StopOperatorAbort, cause(runCtx))
			break
		}
		if opt.IsDone() {
			break
		}
		if detail, capped := guard.capped(); capped {
			opt.Terminate(models.StopAttemptCap, detail)
			break
		}

		c.log.Debug("proposing", "model_phase", opt.InModelPhase(), "observations", opt.Len())
		params, err := opt.Propose()
		if errors.Is(err, improvement.ErrSessionTerminated) {
			break
		}
		if err != nil {
			runErr = err
			break
		}
		if err := c.deps.Bounds.Validate(params); err != nil {
			runErr = fmt.Errorf("optimizer proposed parameters outside the calibrated box: %w", err)
			break
		}

		rec, trialErr := c.runTrial(runCtx, params, models.OriginOptimizer)
		aborted := errors.Is(trialErr, trial.ErrAborted)
		if rec.HasObjective() && !aborted {
			if err := opt.ObserveTrial(rec.Index, params, *rec.Objective); err != nil {
				rec.Excluded, rec.Reason = true, err.Error()
				runErr = err
			} else {
				rec.Observed = true
			}
		} else {
			rec.Excluded = true
			if err := opt.Reject(params); err != nil && !aborted {
				runErr = err
			}
		}

		if err := c.record(runCtx, rec); err != nil {
			runErr = errors.Join(runErr, err)
		}
		if runErr != nil {
			break
		}
		if aborted {
			opt.Terminate(models.StopOperatorAbort, cause(runCtx))
			break
		}
		if IsFatal(trialErr) {
			runErr = trialErr
			break
		}
		if err := guard.after(rec, trialErr); err != nil {
			runErr = err
			break
		}
		if !opt.IsDone() {
			c.rest(runCtx)
		}
	}

	if runErr != nil {
		if isInvariantViolation(runErr) {
			c.log.Error("invariant violated, no further stimulation", "error", runErr)
		}
		opt.Terminate(models.StopFailed, runErr.Error())
	}
	reason, detail := opt.StopReason()
	return c.finish(ctx, opt.History(), reason, detail, runErr)
}

// RunManual executes operator-chosen vectors from src through the same validation,
// execution, reduction and persistence path as Run. The optimizer is bypassed.
func (c *Controller) RunManual(ctx context.Context, src ManualSource) (models.OptimizationResult, error) {
	runCtx, cancel, err := c.begin(ctx, models.ModeManual, src)
	if err != nil {
		return models.OptimizationResult{}, err
	}
	defer cancel(nil)

	guard := &loopGuard{cfg: c.cfg}
	var (
		runErr error
		reason models.StopReason
		detail string
	)
	for {
		if runCtx.Err() != nil {
			reason, detail = models.StopOperatorAbort, cause(runCtx)
			break
		}
		if d, capped := guard.capped(); capped {
			reason, detail = models.StopAttemptCap, d
			break
		}

		v, ok, err := src.Next(runCtx)
		if err != nil {
			if runCtx.Err() != nil {
				reason, detail = models.StopOperatorAbort, cause(runCtx)
			} else {
				runErr = fmt.Errorf("manual source: %w", err)
			}
			break
		}
		if !ok {
			reason = models.StopManualExhausted
			break
		}
		params, err := c.PrepareManual(v)
		if err != nil {
			runErr = fmt.Errorf("manual parameters rejected: %w", err)
			break
		}

		rec, trialErr := c.runTrial(runCtx, params, models.OriginManual)
		aborted := errors.Is(trialErr, trial.ErrAborted)
		if rec.HasObjective() && !aborted {
			rec.Observed = true
		} else {
			rec.Excluded = true
		}
		if err := c.record(runCtx, rec); err != nil {
			runErr = err
			break
		}
		if rec.Observed {
			c.mu.Lock()
			c.manualHistory = append(c.manualHistory, models.Observation{TrialIndex: rec.Index, Parameters: params.Clone(), Objective: *rec.Objective})
			c.mu.Unlock()
		}
		if aborted {
			reason, detail = models.StopOperatorAbort, cause(runCtx)
			break
		}
		if IsFatal(trialErr) {
			runErr = trialErr
			break
		}
		if err := guard.after(rec, trialErr); err != nil {
			runErr = err
			break
		}
		c.rest(runCtx)
	}

	if q, ok := src.(*QueueSource); ok {
		q.Close()
	}
	if runErr != nil {
		reason, detail = models.StopFailed, runErr.Error()
	}
	c.mu.RLock()
	history := append([]models.Observation(nil), c.manualHistory...)
	c.mu.RUnlock()
	return c.finish(ctx, history, reason, detail, runErr)
}

// runTrial executes one trial and derives its objective. The returned record is
// not yet marked observed or excluded; the error is the trial's failure, if any.
func (c *Controller) runTrial(ctx context.Context, params models.ParameterVector, origin models.Origin) (models.TrialRecord, error) {
	c.mu.Lock()
	index := c.nextIndex
	c.nextIndex++
	rec := models.TrialRecord{
		ID:         utils.NewTrialID(c.cfg.SessionID, index),
		SessionID:  c.cfg.SessionID,
		Index:      index,
		Origin:     origin,
		Parameters: params.Clone(),
		Status:     models.TrialAborted,
		StartedAt:  c.clock.Now(),
	}
	inflight := rec
	c.current = &inflight
	c.mu.Unlock()

	c.log.Info("trial started", "trial", index, "origin", origin, "parameters", params.String())
	raw, err := c.deps.Runner.RunTrial(ctx, params, c.cfg.TrialDuration, c.cfg.SampleRateHz)
	rec.Series = raw.Series
	if raw.Status != "" {
		rec.Status = raw.Status
	}
	if !raw.StartedAt.IsZero() {
		rec.StartedAt = raw.StartedAt
	}
	rec.EndedAt = raw.EndedAt
	if rec.EndedAt.IsZero() {
		rec.EndedAt = c.clock.Now()
	}

	var te *trial.TimeoutError
	switch {
	case errors.Is(err, trial.ErrAborted):
		rec.Status = models.TrialAborted
		rec.Reason = string(models.StopOperatorAbort)
		return rec, err
	case errors.As(err, &te):
		rec.Status = models.TrialTimedOut
		rec.Reason = err.Error()
		return rec, err
	case err != nil && !IsTrialLocal(err):
		rec.Reason = err.Error()
		return rec, err
	}

	value, rerr := c.deps.Reducer.Reduce(rec.Series)
	if rerr != nil {
		rec.Status = models.TrialAborted
		rec.Reason = rerr.Error()
		if err != nil {
			rec.Reason = err.Error() + "; " + rerr.Error()
			return rec, err
		}
		return rec, rerr
	}
	obj := c.deps.Penalty.Apply(value, params)
	rec.Objective = &obj
	if err != nil {
		rec.Reason = err.Error() + "; partial series reduced"
	}
	return rec, err
}

// record finalizes rec and persists it. The write is not cancelled by an abort.
func (c *Controller) record(ctx context.Context, rec models.TrialRecord) error {
	c.mu.Lock()
	c.records = append(c.records, rec)
	c.current = nil
	c.mu.Unlock()

	c.log.Info("trial finished",
		"trial", rec.Index,
		"status", rec.Status,
		"objective", rec.ObjectiveValue(),
		"observed", rec.Observed,
		"excluded", rec.Excluded,
		"reason", rec.Reason,
		"samples", len(rec.Series),
		"usable", c.deps.Reducer.Usable(rec.Series),
	)
	if err := c.deps.Persister.AppendTrial(context.WithoutCancel(ctx), rec); err != nil {
		return fmt.Errorf("persist trial %d: %w", rec.Index, err)
	}
	return nil
}

func (c *Controller) rest(ctx context.Context) {
	if c.cfg.Rest <= 0 {
		return
	}
	timer := time.NewTimer(c.cfg.Rest)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

func (c *Controller) finish(ctx context.Context, history []models.Observation, reason models.StopReason, detail string, runErr error) (models.OptimizationResult, error) {
	dir := models.Maximize
	if c.deps.Optimizer != nil {
		dir = c.deps.Optimizer.Direction()
	}

	c.mu.Lock()
	res := models.OptimizationResult{
		SessionID:   c.cfg.SessionID,
		Direction:   dir,
		History:     history,
		TotalTrials: len(c.records),
		StopReason:  reason,
		StartedAt:   c.startedAt,
		EndedAt:     c.clock.Now(),
	}
	for _, r := range c.records {
		if r.Excluded {
			res.ExcludedTrials++
		}
	}
	if best, ok := improvement.SelectBest(history, dir); ok {
		res.HasBest = true
		res.BestParameters = best.Parameters.Clone()
		res.BestObjective = best.Objective
		res.BestTrialIndex = best.TrialIndex
	}
	c.phase = PhaseFinished
	c.stopReason = reason
	c.lastErr = runErr
	c.result = &res
	c.mu.Unlock()

	if err := c.deps.Persister.SaveResult(context.WithoutCancel(ctx), res); err != nil {
		c.log.Error("failed to persist result", "error", err)
		runErr = errors.Join(runErr, fmt.Errorf("persist result: %w", err))
	}

	logArgs := []any{"reason", reason, "detail", detail, "trials", res.TotalTrials, "excluded", res.ExcludedTrials}
	if res.HasBest {
		logArgs = append(logArgs, "best_objective", res.BestObjective, "best_trial", res.BestTrialIndex)
	}
	if runErr != nil {
		c.log.Error("session failed", append(logArgs, "error", runErr)...)
	} else {
		c.log.Info("session finished", logArgs...)
	}
	return res, runErr
}

func cause(ctx context.Context) string {
	if err := context.Cause(ctx); err != nil {
		return err.Error()
	}
	return ""
}
