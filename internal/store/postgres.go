package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hcfes/stimtune/pkg/logger"
	"github.com/hcfes/stimtune/pkg/models"
)

// DBPool is the subset of pgxpool.Pool the store needs, so tests can mock it
type DBPool interface {
	Ping(ctx context.Context) error
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const (
	sqlCreateTrials = `
        CREATE TABLE IF NOT EXISTS stimtune_trials (
            id           TEXT PRIMARY KEY,
            session_id   TEXT NOT NULL,
            trial_index  INTEGER NOT NULL,
            origin       TEXT NOT NULL,
            status       TEXT NOT NULL,
            observed     BOOLEAN NOT NULL,
            excluded     BOOLEAN NOT NULL,
            reason       TEXT NOT NULL DEFAULT '',
            objective    DOUBLE PRECISION,
            parameters   JSONB NOT NULL,
            series       JSONB NOT NULL,
            started_at   TIMESTAMPTZ NOT NULL,
            ended_at     TIMESTAMPTZ NOT NULL,
            UNIQUE (session_id, trial_index)
        );`

	sqlCreateResults = `
        CREATE TABLE IF NOT EXISTS stimtune_results (
            session_id   TEXT PRIMARY KEY,
            stop_reason  TEXT NOT NULL,
            result       JSONB NOT NULL,
            saved_at     TIMESTAMPTZ NOT NULL
        );`

	sqlCreateSessions = `
        CREATE TABLE IF NOT EXISTS stimtune_sessions (
            session_id   TEXT PRIMARY KEY,
            mode         TEXT NOT NULL,
            seed         BIGINT NOT NULL,
            direction    TEXT NOT NULL,
            muscles      JSONB NOT NULL,
            started_at   TIMESTAMPTZ NOT NULL
        );`

	sqlInsertSession = `
        INSERT INTO stimtune_sessions (session_id, mode, seed, direction, muscles, started_at)
        VALUES ($1, $2, $3, $4, $5, $6)
        ON CONFLICT (session_id) DO NOTHING;`

	sqlSelectSession = `
        SELECT mode, seed, direction, muscles, started_at
        FROM stimtune_sessions
        WHERE session_id = $1;`

	sqlInsertTrial = `
        INSERT INTO stimtune_trials (id, session_id, trial_index, origin, status, observed, excluded, reason, objective, parameters, series, started_at, ended_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
        ON CONFLICT (id) DO NOTHING;`

	sqlUpsertResult = `
        INSERT INTO stimtune_results (session_id, stop_reason, result, saved_at)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (session_id) DO UPDATE SET
            stop_reason = EXCLUDED.stop_reason,
            result = EXCLUDED.result,
            saved_at = EXCLUDED.saved_at;`

	sqlSelectTrials = `
        SELECT id, trial_index, origin, status, observed, excluded, reason, objective, parameters, series, started_at, ended_at
        FROM stimtune_trials
        WHERE session_id = $1
        ORDER BY trial_index ASC;`
)

// PostgresStore persists sessions in PostgreSQL
type PostgresStore struct {
	pool DBPool
	log  *slog.Logger
}

// NewPostgres verifies the connection and returns a store
func NewPostgres(ctx context.Context, pool DBPool, log *slog.Logger) (*PostgresStore, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	if log == nil {
		log = logger.Default
	}
	return &PostgresStore{pool: pool, log: log.With("component", "store")}, nil
}

// OpenPostgres connects to dsn, creates the tables if needed and returns the
// store together with the pool, which the caller closes.
func OpenPostgres(ctx context.Context, dsn string, log *slog.Logger) (*PostgresStore, *pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create pool: %w", err)
	}
	s, err := NewPostgres(ctx, pool, log)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return s, pool, nil
}

// EnsureSchema creates the store's tables
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	for _, stmt := range []string{sqlCreateSessions, sqlCreateTrials, sqlCreateResults} {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// AppendTrial implements Persister. Re-appending the same trial ID is a no-op.
func (s *PostgresStore) AppendTrial(ctx context.Context, rec models.TrialRecord) error {
	params, err := json.Marshal(rec.Parameters)
	if err != nil {
		return fmt.Errorf("encode parameters: %w", err)
	}
	series := rec.Series
	if series == nil {
		series = []models.Sample{}
	}
	seriesJSON, err := json.Marshal(series)
	if err != nil {
		return fmt.Errorf("encode series: %w", err)
	}

	tag, err := s.pool.Exec(ctx, sqlInsertTrial,
		rec.ID, rec.SessionID, rec.Index, string(rec.Origin), string(rec.Status),
		rec.Observed, rec.Excluded, rec.Reason, rec.Objective,
		params, seriesJSON, rec.StartedAt, rec.EndedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert trial %d: %w", rec.Index, err)
	}
	if tag.RowsAffected() == 0 {
		s.log.Warn("trial already persisted", "trial_id", rec.ID)
	}
	return nil
}

// SaveResult implements Persister
func (s *PostgresStore) SaveResult(ctx context.Context, res models.OptimizationResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	if _, err := s.pool.Exec(ctx, sqlUpsertResult, res.SessionID, string(res.StopReason), data, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to save result: %w", err)
	}
	return nil
}

// SaveMeta implements MetaStore. The first manifest of a session wins.
func (s *PostgresStore) SaveMeta(ctx context.Context, meta models.SessionMeta) error {
	muscles, err := json.Marshal(meta.Muscles)
	if err != nil {
		return fmt.Errorf("encode muscles: %w", err)
	}
	_, err = s.pool.Exec(ctx, sqlInsertSession, meta.SessionID, string(meta.Mode), meta.Seed, string(meta.Direction), muscles, meta.StartedAt)
	if err != nil {
		return fmt.Errorf("failed to save session manifest: %w", err)
	}
	return nil
}

// LoadMeta implements MetaStore
func (s *PostgresStore) LoadMeta(ctx context.Context, sessionID string) (models.SessionMeta, error) {
	meta := models.SessionMeta{SessionID: sessionID}
	rows, err := s.pool.Query(ctx, sqlSelectSession, sessionID)
	if err != nil {
		return meta, fmt.Errorf("failed to query session: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return meta, fmt.Errorf("error during row iteration: %w", err)
		}
		return meta, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	var mode, direction string
	var muscles []byte
	if err := rows.Scan(&mode, &meta.Seed, &direction, &muscles, &meta.StartedAt); err != nil {
		return meta, fmt.Errorf("failed to scan session row: %w", err)
	}
	if err := json.Unmarshal(muscles, &meta.Muscles); err != nil {
		return meta, fmt.Errorf("decode muscles: %w", err)
	}
	meta.Mode = models.SessionMode(mode)
	meta.Direction = models.Direction(direction)
	return meta, nil
}

// LoadTrials implements Loader
func (s *PostgresStore) LoadTrials(ctx context.Context, sessionID string) ([]models.TrialRecord, error) {
	rows, err := s.pool.Query(ctx, sqlSelectTrials, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query trials: %w", err)
	}
	defer rows.Close()

	var out []models.TrialRecord
	for rows.Next() {
		var (
			rec                    models.TrialRecord
			origin, status         string
			paramsJSON, seriesJSON []byte
		)
		err := rows.Scan(&rec.ID, &rec.Index, &origin, &status, &rec.Observed, &rec.Excluded, &rec.Reason,
			&rec.Objective, &paramsJSON, &seriesJSON, &rec.StartedAt, &rec.EndedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to scan trial row: %w", err)
		}
		if err := json.Unmarshal(paramsJSON, &rec.Parameters); err != nil {
			return nil, fmt.Errorf("decode parameters of trial %d: %w", rec.Index, err)
		}
		if err := json.Unmarshal(seriesJSON, &rec.Series); err != nil {
			return nil, fmt.Errorf("decode series of trial %d: %w", rec.Index, err)
		}
		rec.SessionID = sessionID
		rec.Origin = models.Origin(origin)
		rec.Status = models.TrialStatus(status)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return out, nil
}
