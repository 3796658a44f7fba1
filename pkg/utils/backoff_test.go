package utils

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestConstantBackoff(t *testing.T) {
	cb := &ConstantBackoff{Delay: 100 * time.Millisecond}
	for attempt := 0; attempt < 5; attempt++ {
		if d := cb.NextDelay(attempt); d != 100*time.Millisecond {
			t.Errorf("Attempt %d: expected 100ms, got %v", attempt, d)
		}
	}
}

func TestLinearBackoffCapped(t *testing.T) {
	lb := &LinearBackoff{BaseDelay: 100 * time.Millisecond, MaxDelay: 250 * time.Millisecond}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 100 * time.Millisecond},
		{1, 200 * time.Millisecond},
		{2, 250 * time.Millisecond},
		{10, 250 * time.Millisecond},
	}
	for _, tt := range tests {
		if got := lb.NextDelay(tt.attempt); got != tt.want {
			t.Errorf("NextDelay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestExponentialBackoffNoJitter(t *testing.T) {
	eb := NewExponentialBackoff(10*time.Millisecond, time.Second, 0, false)
	if eb.Multiplier != 2 {
		t.Fatalf("Expected default multiplier 2, got %v", eb.Multiplier)
	}
	want := []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}
	for i, w := range want {
		if got := eb.NextDelay(i); got != w {
			t.Errorf("NextDelay(%d) = %v, want %v", i, got, w)
		}
	}
	if got := eb.NextDelay(20); got != time.Second {
		t.Errorf("Expected cap of 1s, got %v", got)
	}
}

func TestExponentialBackoffJitterBounds(t *testing.T) {
	eb := NewExponentialBackoff(100*time.Millisecond, time.Second, 2, true)
	for i := 0; i < 100; i++ {
		d := eb.NextDelay(0)
		if d < 50*time.Millisecond || d >= 150*time.Millisecond {
			t.Fatalf("Jittered delay %v outside [50ms, 150ms)", d)
		}
	}
}

func TestBackoffFromConfig(t *testing.T) {
	if _, ok := BackoffFromConfig("constant", time.Millisecond, 0).(*ConstantBackoff); !ok {
		t.Error("Expected ConstantBackoff")
	}
	if _, ok := BackoffFromConfig("linear", time.Millisecond, 0).(*LinearBackoff); !ok {
		t.Error("Expected LinearBackoff")
	}
	eb, ok := BackoffFromConfig("whatever", time.Millisecond, 0).(*ExponentialBackoff)
	if !ok {
		t.Fatal("Expected ExponentialBackoff fallback")
	}
	if eb.MaxDelay != 30*time.Second {
		t.Errorf("Expected default max delay 30s, got %v", eb.MaxDelay)
	}
}

func TestRetry(t *testing.T) {
	strategy := &ConstantBackoff{Delay: time.Millisecond}

	calls := 0
	err := Retry(context.Background(), strategy, 5, func(context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("not yet")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("Expected success, got %v", err)
	}
	if calls != 3 {
		t.Errorf("Expected 3 calls, got %d", calls)
	}

	sentinel := errors.New("always")
	calls = 0
	err = Retry(context.Background(), strategy, 2, func(context.Context) error {
		calls++
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Errorf("Expected last error, got %v", err)
	}
	if calls != 2 {
		t.Errorf("Expected 2 calls, got %d", calls)
	}
}

func TestRetryContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := Retry(ctx, &ConstantBackoff{Delay: time.Hour}, 3, func(context.Context) error {
		return errors.New("fail")
	})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}
