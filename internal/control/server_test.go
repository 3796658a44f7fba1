package control

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/hcfes/stimtune/pkg/logger"
)

func TestSurfaceServesUntilCancelled(t *testing.T) {
	surface, err := Listen("127.0.0.1:0", "127.0.0.1:0", newFakeSession(), nil, logger.Discard())
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	if surface.HTTPAddr() == "" || surface.GRPCAddr() == "" {
		t.Fatal("expected both listeners to be bound")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- surface.Serve(ctx) }()

	resp, err := http.Get("http://" + surface.HTTPAddr() + "/healthz")
	if err != nil {
		t.Fatalf("healthz request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("expected 200, got %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancellation")
	}
}

func TestSurfaceDisabled(t *testing.T) {
	surface, err := Listen("", "", newFakeSession(), nil, logger.Discard())
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	if surface.HTTPAddr() != "" || surface.GRPCAddr() != "" {
		t.Error("expected no listeners")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := surface.Serve(ctx); err != nil {
		t.Errorf("expected nil, got %v", err)
	}
}
