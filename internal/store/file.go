package store

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/hcfes/stimtune/pkg/logger"
	"github.com/hcfes/stimtune/pkg/models"
)

const (
	// TrialLogName is the per-session append-only trial log
	TrialLogName = "trials.jsonl"
	// ResultName is the per-session summary
	ResultName = "result.json"
	// MetaName is the per-session manifest
	MetaName = "session.json"

	maxLineBytes = 64 << 20
)

// FileStore keeps one directory per session under Root: a JSON-lines trial log
// synced after every append, and the result summary.
type FileStore struct {
	root string
	log  *slog.Logger

	mu    sync.Mutex
	files map[string]*os.File
}

// NewFileStore creates the root directory if needed
func NewFileStore(root string, log *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}
	if log == nil {
		log = logger.Default
	}
	return &FileStore{root: root, log: log, files: make(map[string]*os.File)}, nil
}

// SessionDir returns the directory of a session
func (s *FileStore) SessionDir(sessionID string) string {
	return filepath.Join(s.root, sessionID)
}

// TrialLogPath returns the path of a session's trial log
func (s *FileStore) TrialLogPath(sessionID string) string {
	return filepath.Join(s.SessionDir(sessionID), TrialLogName)
}

func (s *FileStore) trialLog(sessionID string) (*os.File, error) {
	if f, ok := s.files[sessionID]; ok {
		return f, nil
	}
	if sessionID == "" || sessionID != filepath.Base(sessionID) {
		return nil, fmt.Errorf("invalid session id %q", sessionID)
	}
	if err := os.MkdirAll(s.SessionDir(sessionID), 0o755); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}
	f, err := os.OpenFile(s.TrialLogPath(sessionID), os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open trial log: %w", err)
	}
	if err := s.dropTornTail(f); err != nil {
		f.Close()
		return nil, err
	}
	s.files[sessionID] = f
	return f, nil
}

// dropTornTail truncates a log that does not end in a newline back to its
// last complete line, so the next append starts a fresh line.
func (s *FileStore) dropTornTail(f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat trial log: %w", err)
	}
	size := info.Size()
	if size == 0 {
		return nil
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, size-1); err != nil {
		return fmt.Errorf("read trial log tail: %w", err)
	}
	if last[0] == '\n' {
		return nil
	}

	keep := int64(0)
	buf := make([]byte, 64*1024)
	for end := size; end > 0 && keep == 0; {
		start := max(end-int64(len(buf)), 0)
		chunk := buf[:end-start]
		if _, err := f.ReadAt(chunk, start); err != nil {
			return fmt.Errorf("read trial log tail: %w", err)
		}
		if i := bytes.LastIndexByte(chunk, '\n'); i >= 0 {
			keep = start + int64(i) + 1
		}
		end = start
	}
	if err := f.Truncate(keep); err != nil {
		return fmt.Errorf("truncate torn trial log: %w", err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync trial log: %w", err)
	}
	s.log.Warn("dropped torn last line of trial log", "path", f.Name(), "bytes", size-keep)
	return nil
}

// AppendTrial writes rec as one line and syncs the file
func (s *FileStore) AppendTrial(_ context.Context, rec models.TrialRecord) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode trial %d: %w", rec.Index, err)
	}
	line = append(line, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := s.trialLog(rec.SessionID)
	if err != nil {
		return err
	}
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("append trial %d: %w", rec.Index, err)
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync trial log: %w", err)
	}
	return nil
}

// SaveResult atomically replaces the session's result file
func (s *FileStore) SaveResult(_ context.Context, res models.OptimizationResult) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return s.writeAtomic(res.SessionID, ResultName, data)
}

// SaveMeta implements MetaStore
func (s *FileStore) SaveMeta(_ context.Context, meta models.SessionMeta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session manifest: %w", err)
	}
	return s.writeAtomic(meta.SessionID, MetaName, data)
}

// LoadMeta implements MetaStore
func (s *FileStore) LoadMeta(_ context.Context, sessionID string) (models.SessionMeta, error) {
	var meta models.SessionMeta
	data, err := os.ReadFile(filepath.Join(s.SessionDir(sessionID), MetaName))
	if errors.Is(err, os.ErrNotExist) {
		return meta, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if err != nil {
		return meta, err
	}
	err = json.Unmarshal(data, &meta)
	return meta, err
}

func (s *FileStore) writeAtomic(sessionID, name string, data []byte) error {
	if sessionID == "" || sessionID != filepath.Base(sessionID) {
		return fmt.Errorf("invalid session id %q", sessionID)
	}
	dir := s.SessionDir(sessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create session directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, name+".*")
	if err != nil {
		return fmt.Errorf("create %s: %w", name, err)
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, name))
}

// LoadTrials reads back a session's trial log
func (s *FileStore) LoadTrials(_ context.Context, sessionID string) ([]models.TrialRecord, error) {
	recs, err := ReadTrialLog(s.TrialLogPath(sessionID), s.log)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	return recs, err
}

// LoadResult reads a session's result file
func (s *FileStore) LoadResult(sessionID string) (models.OptimizationResult, error) {
	var res models.OptimizationResult
	data, err := os.ReadFile(filepath.Join(s.SessionDir(sessionID), ResultName))
	if err != nil {
		return res, err
	}
	err = json.Unmarshal(data, &res)
	return res, err
}

// Close closes every open trial log
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for id, f := range s.files {
		errs = append(errs, f.Close())
		delete(s.files, id)
	}
	return errors.Join(errs...)
}

// ReadTrialLog parses a JSON-lines trial log. A torn final line, left by a
// crash mid-append, is skipped with a warning; corruption anywhere else is an error.
func ReadTrialLog(path string, log *slog.Logger) ([]models.TrialRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return DecodeTrialLog(f, log)
}

// DecodeTrialRecord parses one line of a trial log
func DecodeTrialRecord(line []byte) (models.TrialRecord, error) {
	var rec models.TrialRecord
	err := json.Unmarshal(line, &rec)
	return rec, err
}

// DecodeTrialLog is ReadTrialLog over an arbitrary reader
func DecodeTrialLog(r io.Reader, log *slog.Logger) ([]models.TrialRecord, error) {
	if log == nil {
		log = logger.Default
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	var (
		out     []models.TrialRecord
		pending error
		lineNo  int
	)
	for sc.Scan() {
		lineNo++
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		if pending != nil {
			return nil, pending
		}
		rec, err := DecodeTrialRecord(line)
		if err != nil {
			pending = fmt.Errorf("trial log line %d: %w", lineNo, err)
			continue
		}
		out = append(out, rec)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read trial log: %w", err)
	}
	if pending != nil {
		log.Warn("skipping torn last line of trial log", "error", pending)
	}
	return out, nil
}
