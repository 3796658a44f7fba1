package improvement

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/hcfes/stimtune/pkg/logger"
	"github.com/hcfes/stimtune/pkg/models"
	"github.com/hcfes/stimtune/pkg/utils"
)

// State is the optimizer's position in its proposal cycle
type State int

const (
	StateIdle State = iota
	StateProposing
	StateAwaitingObservation
	StateUpdating
	StateTerminated
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateProposing:
		return "proposing"
	case StateAwaitingObservation:
		return "awaiting-observation"
	case StateUpdating:
		return "updating"
	case StateTerminated:
		return "terminated"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Config configures an Optimizer. Zero values pick the defaults noted on each field.
type Config struct {
	Direction     models.Direction // maximize
	InitialPoints int              // 5
	Design        InitialDesign    // random
	Acquisition   Acquisition      // expected improvement, xi 0.01
	Candidates    int              // 1000
	Restarts      int              // 10
	LengthScale   float64          // 0.3
	Noise         float64          // 1e-6
	Seed          int64            // wall clock

	// Termination. A zero budget is unlimited; at least one of them should be set.
	TrialBudget int
	TimeBudget  time.Duration
	Convergence ConvergenceStrategy

	Clock  utils.Clock
	Logger *slog.Logger
}

// Optimizer is a sequential model-based search over a SearchSpace.
// The first InitialPoints observations come from the initial design; after that each proposal
// maximizes the acquisition function of a Gaussian process fit to the whole history.
// A proposal depends only on the seed and the history, so replaying a history reproduces it.
type Optimizer struct {
	mu     sync.RWMutex
	space  *SearchSpace
	cfg    Config
	seed   int64
	design [][]float64
	log    *slog.Logger

	state      State
	pending    *models.ParameterVector
	history    []models.Observation
	encoded    [][]float64
	startedAt  time.Time
	stopReason models.StopReason
	stopDetail string
}

// NewOptimizer creates an idle optimizer
func NewOptimizer(space *SearchSpace, cfg Config) (*Optimizer, error) {
	if space == nil || space.Dims() == 0 {
		return nil, fmt.Errorf("optimizer needs a non-empty search space")
	}
	if cfg.Direction == "" {
		cfg.Direction = models.Maximize
	}
	if cfg.Direction != models.Maximize && cfg.Direction != models.Minimize {
		return nil, fmt.Errorf("invalid direction %q", cfg.Direction)
	}
	if cfg.InitialPoints <= 0 {
		cfg.InitialPoints = 5
	}
	if cfg.Design == nil {
		cfg.Design = RandomDesign{}
	}
	if cfg.Acquisition == nil {
		cfg.Acquisition = ExpectedImprovement{Xi: 0.01}
	}
	if cfg.Candidates <= 0 {
		cfg.Candidates = 1000
	}
	if cfg.Restarts <= 0 {
		cfg.Restarts = 10
	}
	if cfg.Clock == nil {
		cfg.Clock = utils.SystemClock{}
	}
	if cfg.TrialBudget < 0 || cfg.TimeBudget < 0 {
		return nil, fmt.Errorf("budgets cannot be negative")
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	log := cfg.Logger
	if log == nil {
		log = logger.Default
	}

	return &Optimizer{
		space:  space,
		cfg:    cfg,
		seed:   seed,
		design: cfg.Design.Points(space, cfg.InitialPoints, utils.NewRandSource(seed)),
		log:    log.With("component", "optimizer"),
		state:  StateIdle,
	}, nil
}

// Start moves the optimizer from Idle to Proposing and starts the time budget.
// Propose calls it implicitly.
func (o *Optimizer) Start() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.startLocked()
}

func (o *Optimizer) startLocked() {
	if o.state == StateIdle {
		o.state = StateProposing
		o.startedAt = o.cfg.Clock.Now()
	}
}

// Propose returns the next candidate. It fails with ErrSessionTerminated once the optimizer
// is done and with a StateError if the previous proposal is still pending.
func (o *Optimizer) Propose() (models.ParameterVector, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	o.startLocked()
	switch o.state {
	case StateTerminated:
		return models.ParameterVector{}, ErrSessionTerminated
	case StateAwaitingObservation:
		return models.ParameterVector{}, &StateError{Op: "propose", State: o.state, Reason: "previous proposal is still pending"}
	}
	if reason, detail, done := o.doneLocked(); done {
		o.terminateLocked(reason, detail)
		return models.ParameterVector{}, ErrSessionTerminated
	}

	v := o.space.Decode(o.nextPointLocked())
	o.pending = &v
	o.state = StateAwaitingObservation
	return v.Clone(), nil
}

func (o *Optimizer) nextPointLocked() []float64 {
	n := len(o.history)
	if n < len(o.design) {
		return o.design[n]
	}

	rng := utils.NewRandSource(o.proposalSeed(n))
	gp := NewGaussianProcess(o.cfg.LengthScale, o.cfg.Noise)
	y := make([]float64, n)
	for i, obs := range o.history {
		y[i] = o.cfg.Direction.Sign() * obs.Objective
	}
	if err := gp.Fit(o.encoded, y); err != nil {
		o.log.Warn("surrogate fit failed, proposing a random point", "observations", n, "error", err)
		return randomPoint(o.space.Dims(), rng)
	}

	best := math.Inf(-1)
	for _, v := range y {
		best = math.Max(best, gp.Standardize(v))
	}
	return o.maximizeAcquisition(gp, best, rng)
}

// proposalSeed derives the candidate stream from the seed and history length only
func (o *Optimizer) proposalSeed(n int) int64 {
	s := o.seed + int64(n+1)*1000003
	if s == 0 {
		s = 1
	}
	return s
}

type scoredPoint struct {
	u     []float64
	score float64
}

// maximizeAcquisition scores random candidates, then refines the best few with a bounded
// pattern search. The acquisition is multimodal, so a single local search is not enough.
func (o *Optimizer) maximizeAcquisition(gp *GaussianProcess, best float64, rng *utils.RandSource) []float64 {
	score := func(u []float64) float64 {
		mean, std, err := gp.Predict(u)
		if err != nil {
			return math.Inf(-1)
		}
		return o.cfg.Acquisition.Score(mean, std, best)
	}

	cands := make([]scoredPoint, o.cfg.Candidates)
	for i := range cands {
		u := randomPoint(o.space.Dims(), rng)
		cands[i] = scoredPoint{u: u, score: score(u)}
	}
	sort.SliceStable(cands, func(i, j int) bool { return cands[i].score > cands[j].score })

	starts := o.cfg.Restarts
	if starts > len(cands) {
		starts = len(cands)
	}
	winner := cands[0]
	for _, c := range cands[:starts] {
		refined := patternSearch(c, score)
		if refined.score > winner.score {
			winner = refined
		}
	}
	return winner.u
}

// patternSearch is a compass search inside the unit box: probe ±step on every axis,
// move on improvement, halve the step otherwise.
func patternSearch(start scoredPoint, f func([]float64) float64) scoredPoint {
	cur := scoredPoint{u: append([]float64(nil), start.u...), score: start.score}
	step := 0.1
	for evals := 0; step > 1e-3 && evals < 400; {
		improved := false
		for j := range cur.u {
			for _, dir := range []float64{1, -1} {
				probe := append([]float64(nil), cur.u...)
				probe[j] = clampUnit(probe[j] + dir*step)
				if probe[j] == cur.u[j] {
					continue
				}
				s := f(probe)
				evals++
				if s > cur.score {
					cur = scoredPoint{u: probe, score: s}
					improved = true
				}
			}
		}
		if !improved {
			step /= 2
		}
	}
	return cur
}

// Observe records the objective of the pending proposal under the next history index
func (o *Optimizer) Observe(params models.ParameterVector, objective float64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.observeLocked(len(o.history), params, objective)
}

// ObserveTrial records the objective of the pending proposal, tagged with the trial index
// that produced it
func (o *Optimizer) ObserveTrial(trialIndex int, params models.ParameterVector, objective float64) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.observeLocked(trialIndex, params, objective)
}

func (o *Optimizer) observeLocked(trialIndex int, params models.ParameterVector, objective float64) error {
	if o.state != StateAwaitingObservation || o.pending == nil {
		return &StateError{Op: "observe", State: o.state, Reason: "no pending proposal"}
	}
	if !o.pending.Equal(params) {
		return &StateError{Op: "observe", State: o.state, Reason: "parameters do not match the pending proposal"}
	}
	if !utils.IsFinite(objective) {
		return &StateError{Op: "observe", State: o.state, Reason: fmt.Sprintf("objective %v is not finite", objective)}
	}
	u, err := o.space.Encode(params)
	if err != nil {
		return &StateError{Op: "observe", State: o.state, Reason: err.Error()}
	}

	o.state = StateUpdating
	o.history = append(o.history, models.Observation{
		TrialIndex: trialIndex,
		Parameters: params.Clone(),
		Objective:  objective,
	})
	o.encoded = append(o.encoded, u)
	o.pending = nil

	if reason, detail, done := o.doneLocked(); done {
		o.terminateLocked(reason, detail)
	} else {
		o.state = StateProposing
	}
	return nil
}

// Reject discards the pending proposal without touching the history.
// The next Propose starts from the same history.
func (o *Optimizer) Reject(params models.ParameterVector) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != StateAwaitingObservation || o.pending == nil {
		return &StateError{Op: "reject", State: o.state, Reason: "no pending proposal"}
	}
	if !o.pending.Equal(params) {
		return &StateError{Op: "reject", State: o.state, Reason: "parameters do not match the pending proposal"}
	}
	o.pending = nil
	o.state = StateProposing
	return nil
}

// Replay appends persisted observations to a fresh optimizer's history, in order.
// It is only allowed before the first proposal.
func (o *Optimizer) Replay(observations []models.Observation) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state != StateIdle {
		return &StateError{Op: "replay", State: o.state, Reason: "history can only be replayed before the first proposal"}
	}
	for i, obs := range observations {
		if !utils.IsFinite(obs.Objective) {
			return fmt.Errorf("replay observation %d: objective %v is not finite", i, obs.Objective)
		}
		u, err := o.space.Encode(obs.Parameters)
		if err != nil {
			return fmt.Errorf("replay observation %d: %w", i, err)
		}
		for j, x := range u {
			if x < 0 || x > 1 {
				d := o.space.Dimension(j)
				return fmt.Errorf("replay observation %d: %s %s outside [%g, %g]", i, d.Muscle, d.Param, d.Bound.Low, d.Bound.High)
			}
		}
		o.history = append(o.history, models.Observation{
			TrialIndex: obs.TrialIndex,
			Parameters: obs.Parameters.Clone(),
			Objective:  obs.Objective,
		})
		o.encoded = append(o.encoded, u)
	}
	return nil
}

// IsDone reports whether a termination condition holds. While a proposal is pending the
// optimizer stays in AwaitingObservation so the in-flight trial can still be observed.
func (o *Optimizer) IsDone() bool {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.state == StateTerminated {
		return true
	}
	reason, detail, done := o.doneLocked()
	if done && o.state != StateAwaitingObservation {
		o.terminateLocked(reason, detail)
	}
	return done
}

func (o *Optimizer) doneLocked() (models.StopReason, string, bool) {
	n := len(o.history)
	if o.cfg.TrialBudget > 0 && n >= o.cfg.TrialBudget {
		return models.StopTrialBudget, fmt.Sprintf("%d of %d trials observed", n, o.cfg.TrialBudget), true
	}
	if o.cfg.TimeBudget > 0 && !o.startedAt.IsZero() {
		if elapsed := o.cfg.Clock.Now().Sub(o.startedAt); elapsed >= o.cfg.TimeBudget {
			return models.StopTimeBudget, fmt.Sprintf("%s elapsed of %s", elapsed.Round(time.Second), o.cfg.TimeBudget), true
		}
	}
	if o.cfg.Convergence != nil {
		if converged, detail := o.cfg.Convergence.CheckConvergence(o.history, o.cfg.Direction); converged {
			return models.StopNoImprovement, detail, true
		}
	}
	return "", "", false
}

// Terminate ends the search for an external reason such as an operator abort
func (o *Optimizer) Terminate(reason models.StopReason, detail string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.terminateLocked(reason, detail)
}

func (o *Optimizer) terminateLocked(reason models.StopReason, detail string) {
	if o.state == StateTerminated {
		return
	}
	o.state = StateTerminated
	o.pending = nil
	o.stopReason = reason
	o.stopDetail = detail
	o.log.Info("optimizer terminated", "reason", reason, "detail", detail, "observations", len(o.history))
}

// StopReason returns why the optimizer terminated, or an empty reason while it runs
func (o *Optimizer) StopReason() (models.StopReason, string) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.stopReason, o.stopDetail
}

// State returns the current state
func (o *Optimizer) State() State {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.state
}

// History returns a copy of the search history
func (o *Optimizer) History() []models.Observation {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]models.Observation, len(o.history))
	for i, obs := range o.history {
		out[i] = obs
		out[i].Parameters = obs.Parameters.Clone()
	}
	return out
}

// Len returns the number of observations
func (o *Optimizer) Len() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.history)
}

// Best returns the best observation so far, earliest on ties
func (o *Optimizer) Best() (models.Observation, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	best, ok := SelectBest(o.history, o.cfg.Direction)
	if ok {
		best.Parameters = best.Parameters.Clone()
	}
	return best, ok
}

// Direction returns the optimization direction
func (o *Optimizer) Direction() models.Direction {
	return o.cfg.Direction
}

// Seed returns the effective seed. Persist it to make a resumed session propose what the
// uninterrupted one would have.
func (o *Optimizer) Seed() int64 {
	return o.seed
}

// Space returns the search space
func (o *Optimizer) Space() *SearchSpace {
	return o.space
}

// InModelPhase reports whether the next proposal comes from the surrogate
func (o *Optimizer) InModelPhase() bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.history) >= len(o.design)
}
