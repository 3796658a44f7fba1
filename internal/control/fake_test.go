package control

import (
	"sync"

	"github.com/hcfes/stimtune/internal/session"
	"github.com/hcfes/stimtune/pkg/models"
)

type fakeSession struct {
	mu        sync.Mutex
	status    session.Status
	trials    []models.TrialRecord
	aborts    int
	submitErr error
	submitted []models.ParameterVector
}

func newFakeSession() *fakeSession {
	obj := 42.5
	return &fakeSession{
		status: session.Status{SessionID: "sess-1", Mode: models.ModeManual, Phase: session.PhaseRunning, Trials: 2, Observed: 1, Excluded: 1},
		trials: []models.TrialRecord{
			{SessionID: "sess-1", Index: 0, Status: models.TrialCompleted, Objective: &obj, Observed: true, Parameters: vector(10, 5)},
			{SessionID: "sess-1", Index: 1, Status: models.TrialAborted, Excluded: true, Reason: "insufficient data", Parameters: vector(12, 6)},
		},
	}
}

func (f *fakeSession) Status() session.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

func (f *fakeSession) Trials() []models.TrialRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.TrialRecord(nil), f.trials...)
}

func (f *fakeSession) Abort() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborts++
	f.status.AbortRequested = true
}

func (f *fakeSession) SubmitManual(v models.ParameterVector) (models.ParameterVector, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return models.ParameterVector{}, f.submitErr
	}
	out := v.Clone()
	for i := range out.Settings {
		if out.Settings[i].PulseWidthUs == 0 {
			out.Settings[i].PulseWidthUs = 300
		}
	}
	f.submitted = append(f.submitted, out)
	return out, nil
}

func (f *fakeSession) abortCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.aborts
}

func vector(a, b float64) models.ParameterVector {
	return models.ParameterVector{Settings: []models.MuscleSetting{
		{Muscle: "biceps", IntensityMA: a},
		{Muscle: "triceps", IntensityMA: b},
	}}
}
