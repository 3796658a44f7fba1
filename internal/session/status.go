package session

import (
	"time"

	"github.com/hcfes/stimtune/internal/improvement"
	"github.com/hcfes/stimtune/pkg/models"
)

// Status is a point-in-time view of a session for operators
type Status struct {
	SessionID      string             `json:"session_id"`
	Mode           models.SessionMode `json:"mode,omitempty"`
	Phase          Phase              `json:"phase"`
	Trials         int                `json:"trials"`
	Observed       int                `json:"observed"`
	Excluded       int                `json:"excluded"`
	CurrentTrial   *int               `json:"current_trial,omitempty"`
	HasBest        bool               `json:"has_best"`
	BestObjective  float64            `json:"best_objective,omitempty"`
	BestTrialIndex int                `json:"best_trial_index,omitempty"`
	StopReason     models.StopReason  `json:"stop_reason,omitempty"`
	Error          string             `json:"error,omitempty"`
	AbortRequested bool               `json:"abort_requested"`
	StartedAt      time.Time          `json:"started_at"`
	Elapsed        time.Duration      `json:"elapsed"`
}

// Status returns a snapshot of the session
func (c *Controller) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()

	st := Status{
		SessionID:      c.cfg.SessionID,
		Mode:           c.mode,
		Phase:          c.phase,
		Trials:         len(c.records),
		StopReason:     c.stopReason,
		AbortRequested: c.abortRequested,
		StartedAt:      c.startedAt,
	}
	var history []models.Observation
	for _, r := range c.records {
		if r.Excluded {
			st.Excluded++
		}
		if r.Observed {
			st.Observed++
			history = append(history, models.Observation{TrialIndex: r.Index, Parameters: r.Parameters, Objective: r.ObjectiveValue()})
		}
	}
	if c.current != nil {
		idx := c.current.Index
		st.CurrentTrial = &idx
	}
	dir := models.Maximize
	if c.deps.Optimizer != nil {
		dir = c.deps.Optimizer.Direction()
	}
	if best, ok := improvement.SelectBest(history, dir); ok {
		st.HasBest = true
		st.BestObjective = best.Objective
		st.BestTrialIndex = best.TrialIndex
	}
	if c.lastErr != nil {
		st.Error = c.lastErr.Error()
	}
	if !c.startedAt.IsZero() {
		end := c.clock.Now()
		if c.result != nil {
			end = c.result.EndedAt
		}
		st.Elapsed = end.Sub(c.startedAt)
	}
	return st
}

// Trials returns copies of the trial records so far, in execution order
func (c *Controller) Trials() []models.TrialRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]models.TrialRecord, len(c.records))
	copy(out, c.records)
	return out
}

// Result returns the final result once the session has finished
func (c *Controller) Result() (models.OptimizationResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.result == nil {
		return models.OptimizationResult{}, false
	}
	return *c.result, true
}
