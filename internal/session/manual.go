package session

import (
	"context"
	"errors"
	"sync"

	"github.com/hcfes/stimtune/pkg/models"
)

// ManualSource supplies operator-chosen parameter vectors. Next blocks until a
// vector is available; ok is false once the source is exhausted.
type ManualSource interface {
	Next(ctx context.Context) (v models.ParameterVector, ok bool, err error)
}

// SliceSource replays a fixed list of vectors, such as a manual trial file
type SliceSource struct {
	mu      sync.Mutex
	vectors []models.ParameterVector
	pos     int
}

// NewSliceSource creates a source over vectors
func NewSliceSource(vectors []models.ParameterVector) *SliceSource {
	return &SliceSource{vectors: vectors}
}

// Next implements ManualSource
func (s *SliceSource) Next(ctx context.Context) (models.ParameterVector, bool, error) {
	if err := ctx.Err(); err != nil {
		return models.ParameterVector{}, false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pos >= len(s.vectors) {
		return models.ParameterVector{}, false, nil
	}
	v := s.vectors[s.pos].Clone()
	s.pos++
	return v, true, nil
}

// Vectors returns every vector of the source
func (s *SliceSource) Vectors() []models.ParameterVector {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.ParameterVector, len(s.vectors))
	for i, v := range s.vectors {
		out[i] = v.Clone()
	}
	return out
}

var (
	// ErrSourceClosed is returned when submitting to a closed QueueSource
	ErrSourceClosed = errors.New("manual source closed")
	// ErrQueueFull is returned when a QueueSource already holds its capacity of pending vectors
	ErrQueueFull = errors.New("manual queue is full")
)

// QueueSource receives vectors submitted at runtime, from the control surface
type QueueSource struct {
	ch        chan models.ParameterVector
	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

// NewQueueSource creates a source buffering up to capacity pending vectors
func NewQueueSource(capacity int) *QueueSource {
	if capacity < 1 {
		capacity = 1
	}
	return &QueueSource{ch: make(chan models.ParameterVector, capacity)}
}

// Submit enqueues v without blocking. It fails when the queue is full or closed.
func (q *QueueSource) Submit(v models.ParameterVector) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrSourceClosed
	}
	select {
	case q.ch <- v.Clone():
		return nil
	default:
		return ErrQueueFull
	}
}

// Close marks the end of input. Vectors already queued are still delivered.
func (q *QueueSource) Close() {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		close(q.ch)
		q.mu.Unlock()
	})
}

// Next implements ManualSource
func (q *QueueSource) Next(ctx context.Context) (models.ParameterVector, bool, error) {
	select {
	case v, ok := <-q.ch:
		return v, ok, nil
	case <-ctx.Done():
		return models.ParameterVector{}, false, ctx.Err()
	}
}
