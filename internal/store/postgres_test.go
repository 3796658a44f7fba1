package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hcfes/stimtune/pkg/logger"
	"github.com/hcfes/stimtune/pkg/models"
)

func newMockStore(t *testing.T) (*PostgresStore, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	mock.ExpectPing()
	s, err := NewPostgres(context.Background(), mock, logger.Discard())
	require.NoError(t, err)
	return s, mock
}

func TestNewPostgresPingFails(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	pingErr := errors.New("database unavailable")
	mock.ExpectPing().WillReturnError(pingErr)

	_, err = NewPostgres(context.Background(), mock, logger.Discard())
	require.Error(t, err)
	assert.ErrorIs(t, err, pingErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresEnsureSchema(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS stimtune_sessions")).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS stimtune_trials")).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))
	mock.ExpectExec(regexp.QuoteMeta("CREATE TABLE IF NOT EXISTS stimtune_results")).
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, s.EnsureSchema(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAppendTrial(t *testing.T) {
	s, mock := newMockStore(t)
	rec := record("session-1", 0, ptr(12.5), true)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO stimtune_trials")).
		WithArgs(rec.ID, rec.SessionID, rec.Index, "optimizer", "completed", true, false, "", rec.Objective,
			pgxmock.AnyArg(), pgxmock.AnyArg(), rec.StartedAt, rec.EndedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.AppendTrial(context.Background(), rec))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresAppendTrialError(t *testing.T) {
	s, mock := newMockStore(t)
	dbErr := errors.New("connection reset")
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO stimtune_trials")).WillReturnError(dbErr)

	err := s.AppendTrial(context.Background(), record("session-1", 0, nil, false))
	assert.ErrorIs(t, err, dbErr)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSaveResult(t *testing.T) {
	s, mock := newMockStore(t)
	res := models.OptimizationResult{SessionID: "session-1", StopReason: models.StopNoImprovement}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO stimtune_results")).
		WithArgs("session-1", string(models.StopNoImprovement), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.SaveResult(context.Background(), res))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLoadTrials(t *testing.T) {
	s, mock := newMockStore(t)
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	obj := 12.5

	columns := []string{"id", "trial_index", "origin", "status", "observed", "excluded", "reason",
		"objective", "parameters", "series", "started_at", "ended_at"}
	rows := mock.NewRows(columns).
		AddRow("session-1/trial-0000", 0, "optimizer", "completed", true, false, "", &obj,
			[]byte(`{"settings":[{"muscle":"biceps_r","intensity_ma":8}]}`),
			[]byte(`[{"t_ms":0,"v":10,"angle_deg":120},{"t_ms":20,"v":null}]`),
			started, started.Add(20*time.Second)).
		AddRow("session-1/trial-0001", 1, "manual", "timed-out", false, true, "watchdog", nil,
			[]byte(`{"settings":[{"muscle":"biceps_r","intensity_ma":9}]}`),
			[]byte(`[]`),
			started.Add(time.Minute), started.Add(time.Minute+25*time.Second))

	mock.ExpectQuery(regexp.QuoteMeta("FROM stimtune_trials")).
		WithArgs("session-1").
		WillReturnRows(rows)

	recs, err := s.LoadTrials(context.Background(), "session-1")
	require.NoError(t, err)
	require.Len(t, recs, 2)

	assert.Equal(t, "session-1", recs[0].SessionID)
	assert.Equal(t, models.OriginOptimizer, recs[0].Origin)
	require.True(t, recs[0].HasObjective())
	assert.Equal(t, 12.5, *recs[0].Objective)
	assert.Equal(t, 8.0, recs[0].Parameters.Settings[0].IntensityMA)
	assert.Len(t, recs[0].Series, 2)

	assert.Equal(t, models.TrialTimedOut, recs[1].Status)
	assert.False(t, recs[1].HasObjective())
	assert.True(t, recs[1].Excluded)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLoadTrialsEmpty(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("FROM stimtune_trials")).
		WithArgs("nope").
		WillReturnRows(mock.NewRows([]string{"id"}))

	_, err := s.LoadTrials(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresSessionMeta(t *testing.T) {
	s, mock := newMockStore(t)
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	meta := models.SessionMeta{
		SessionID: "session-1",
		Mode:      models.ModeOptimize,
		Seed:      7,
		Direction: models.Maximize,
		Muscles:   []string{"biceps_r", "triceps_r"},
		StartedAt: started,
	}

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO stimtune_sessions")).
		WithArgs("session-1", "optimize", int64(7), "maximize", pgxmock.AnyArg(), started).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, s.SaveMeta(context.Background(), meta))

	mock.ExpectQuery(regexp.QuoteMeta("FROM stimtune_sessions")).
		WithArgs("session-1").
		WillReturnRows(mock.NewRows([]string{"mode", "seed", "direction", "muscles", "started_at"}).
			AddRow("optimize", int64(7), "maximize", []byte(`["biceps_r","triceps_r"]`), started))

	got, err := s.LoadMeta(context.Background(), "session-1")
	require.NoError(t, err)
	assert.Equal(t, meta, got)

	mock.ExpectQuery(regexp.QuoteMeta("FROM stimtune_sessions")).
		WithArgs("nope").
		WillReturnRows(mock.NewRows([]string{"mode", "seed", "direction", "muscles", "started_at"}))
	_, err = s.LoadMeta(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}
