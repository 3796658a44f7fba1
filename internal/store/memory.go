package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/hcfes/stimtune/pkg/models"
)

// SessionRecord is everything the memory store holds about one session
type SessionRecord struct {
	SessionID string
	Meta      *models.SessionMeta
	Trials    []models.TrialRecord
	Result    *models.OptimizationResult
	UpdatedAt time.Time
}

// MemoryStore keeps sessions in process. It backs the control surface and the
// "memory" persistence backend.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*SessionRecord
}

// NewMemoryStore creates an empty store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*SessionRecord)}
}

func (s *MemoryStore) session(id string) *SessionRecord {
	rec, ok := s.sessions[id]
	if !ok {
		rec = &SessionRecord{SessionID: id}
		s.sessions[id] = rec
	}
	rec.UpdatedAt = time.Now().UTC()
	return rec
}

// AppendTrial implements Persister. Trial indices must be unique within a session.
func (s *MemoryStore) AppendTrial(_ context.Context, rec models.TrialRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.session(rec.SessionID)
	for _, t := range sess.Trials {
		if t.Index == rec.Index {
			return fmt.Errorf("trial %d already recorded for session %s", rec.Index, rec.SessionID)
		}
	}
	rec.Parameters = rec.Parameters.Clone()
	sess.Trials = append(sess.Trials, rec)
	return nil
}

// SaveResult implements Persister
func (s *MemoryStore) SaveResult(_ context.Context, res models.OptimizationResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := res
	s.session(res.SessionID).Result = &r
	return nil
}

// SaveMeta implements MetaStore
func (s *MemoryStore) SaveMeta(_ context.Context, meta models.SessionMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m := meta
	m.Muscles = append([]string(nil), meta.Muscles...)
	s.session(meta.SessionID).Meta = &m
	return nil
}

// LoadMeta implements MetaStore
func (s *MemoryStore) LoadMeta(_ context.Context, sessionID string) (models.SessionMeta, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok || sess.Meta == nil {
		return models.SessionMeta{}, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return *sess.Meta, nil
}

// LoadTrials implements Loader
func (s *MemoryStore) LoadTrials(_ context.Context, sessionID string) ([]models.TrialRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	out := make([]models.TrialRecord, len(sess.Trials))
	copy(out, sess.Trials)
	return out, nil
}

// Get returns a copy of a session's record
func (s *MemoryStore) Get(sessionID string) (SessionRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		return SessionRecord{}, false
	}
	out := *sess
	out.Trials = append([]models.TrialRecord(nil), sess.Trials...)
	return out, true
}

// List returns up to limit sessions, most recently updated first
func (s *MemoryStore) List(limit int) []SessionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}
	out := make([]SessionRecord, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, SessionRecord{SessionID: sess.SessionID, Meta: sess.Meta, Result: sess.Result, UpdatedAt: sess.UpdatedAt, Trials: sess.Trials})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
