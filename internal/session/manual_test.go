package session

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hcfes/stimtune/pkg/models"
)

func TestSliceSourceReplaysInOrder(t *testing.T) {
	src := NewSliceSource([]models.ParameterVector{manualVector(1, 2), manualVector(3, 4)})
	ctx := context.Background()

	for i, want := range []float64{1, 3} {
		v, ok, err := src.Next(ctx)
		if err != nil || !ok {
			t.Fatalf("Next %d: ok=%v err=%v", i, ok, err)
		}
		if v.Settings[0].IntensityMA != want {
			t.Errorf("Next %d: expected intensity %v, got %v", i, want, v.Settings[0].IntensityMA)
		}
	}
	if _, ok, err := src.Next(ctx); ok || err != nil {
		t.Errorf("Expected exhausted source, got ok=%v err=%v", ok, err)
	}
	if len(src.Vectors()) != 2 {
		t.Errorf("Expected 2 vectors, got %d", len(src.Vectors()))
	}
}

func TestSliceSourceHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := NewSliceSource([]models.ParameterVector{manualVector(1, 1)}).Next(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

func TestQueueSource(t *testing.T) {
	q := NewQueueSource(1)
	if err := q.Submit(manualVector(5, 5)); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if err := q.Submit(manualVector(6, 6)); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Expected ErrQueueFull, got %v", err)
	}

	v, ok, err := q.Next(context.Background())
	if err != nil || !ok || v.Settings[0].IntensityMA != 5 {
		t.Fatalf("Expected queued vector, got %v ok=%v err=%v", v, ok, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, _, err := q.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline while waiting, got %v", err)
	}

	q.Close()
	q.Close()
	if err := q.Submit(manualVector(1, 1)); !errors.Is(err, ErrSourceClosed) {
		t.Errorf("Expected ErrSourceClosed, got %v", err)
	}
	if _, ok, err := q.Next(context.Background()); ok || err != nil {
		t.Errorf("Expected closed queue to report exhaustion, got ok=%v err=%v", ok, err)
	}
}
