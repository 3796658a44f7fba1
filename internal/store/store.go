// Package store persists trial records and session results.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"

	jsoniter "github.com/json-iterator/go"

	"github.com/hcfes/stimtune/pkg/models"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrSessionNotFound is returned when no trials were persisted for a session
var ErrSessionNotFound = errors.New("session not found")

// Persister is the append-only sink the session controller writes to
type Persister interface {
	// AppendTrial durably records one finalized trial before returning
	AppendTrial(ctx context.Context, rec models.TrialRecord) error
	// SaveResult records the session summary
	SaveResult(ctx context.Context, res models.OptimizationResult) error
}

// Loader reads back the trials of a session, in trial order
type Loader interface {
	LoadTrials(ctx context.Context, sessionID string) ([]models.TrialRecord, error)
}

// MetaSaver is implemented by persisters that keep a session manifest
type MetaSaver interface {
	SaveMeta(ctx context.Context, meta models.SessionMeta) error
}

// MetaStore records the session manifest and reads it back for resume
type MetaStore interface {
	MetaSaver
	LoadMeta(ctx context.Context, sessionID string) (models.SessionMeta, error)
}

// Multi fans every write out to several persisters. All of them are attempted;
// the errors are joined.
type Multi []Persister

// AppendTrial implements Persister
func (m Multi) AppendTrial(ctx context.Context, rec models.TrialRecord) error {
	var errs []error
	for _, p := range m {
		if err := p.AppendTrial(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SaveResult implements Persister
func (m Multi) SaveResult(ctx context.Context, res models.OptimizationResult) error {
	var errs []error
	for _, p := range m {
		if err := p.SaveResult(ctx, res); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SaveMeta forwards the manifest to every persister that keeps one
func (m Multi) SaveMeta(ctx context.Context, meta models.SessionMeta) error {
	var errs []error
	for _, p := range m {
		if ms, ok := p.(MetaSaver); ok {
			if err := ms.SaveMeta(ctx, meta); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Observations extracts the optimizer history from persisted records:
// observed trials with an objective, ordered by trial index.
func Observations(records []models.TrialRecord) []models.Observation {
	sorted := make([]models.TrialRecord, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Index < sorted[j].Index })

	var out []models.Observation
	for _, r := range sorted {
		if !r.Observed || !r.HasObjective() {
			continue
		}
		out = append(out, models.Observation{TrialIndex: r.Index, Parameters: r.Parameters.Clone(), Objective: *r.Objective})
	}
	return out
}

// NextIndex returns the index the next trial of a resumed session should use
func NextIndex(records []models.TrialRecord) int {
	next := 0
	for _, r := range records {
		if r.Index >= next {
			next = r.Index + 1
		}
	}
	return next
}

// CheckSession verifies that every record belongs to sessionID
func CheckSession(records []models.TrialRecord, sessionID string) error {
	for _, r := range records {
		if r.SessionID != sessionID {
			return fmt.Errorf("trial %s belongs to session %q, not %q", r.ID, r.SessionID, sessionID)
		}
	}
	return nil
}
