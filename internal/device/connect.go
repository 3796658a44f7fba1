package device

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/hcfes/stimtune/internal/bounds"
	"github.com/hcfes/stimtune/pkg/config"
	"github.com/hcfes/stimtune/pkg/models"
	"github.com/hcfes/stimtune/pkg/utils"
)

// Connect calls dial until it succeeds or attempts run out, waiting per strategy in between
func Connect(ctx context.Context, dial func(context.Context) error, attempts int, strategy utils.BackoffStrategy, log *slog.Logger) error {
	try := 0
	err := utils.Retry(ctx, strategy, attempts, func(ctx context.Context) error {
		try++
		err := dial(ctx)
		if err != nil {
			log.Warn("device connect failed", "attempt", try, "max_attempts", attempts, "error", err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("connect after %d attempts: %w", try, err)
	}
	log.Info("device connected", "attempts", try)
	return nil
}

// Open builds the rig named by cfg.Driver for the muscles in store and connects it
func Open(ctx context.Context, cfg config.DeviceSection, store *bounds.Store, log *slog.Logger) (*Rig, error) {
	if cfg.Driver != "simulated" {
		return nil, fmt.Errorf("unsupported device driver: %s", cfg.Driver)
	}
	base, err := cfg.GetConnectBase()
	if err != nil {
		return nil, fmt.Errorf("invalid connect_base: %w", err)
	}

	bs := make(map[string]models.Bound)
	for _, m := range store.Muscles() {
		b, err := store.GetBound(m)
		if err != nil {
			return nil, err
		}
		bs[m] = b
	}
	rig := NewRig(SimConfig{
		Bounds:      bs,
		Optimum:     cfg.Simulated.Optimum,
		PeakPower:   cfg.Simulated.PeakPower,
		NoiseStd:    cfg.Simulated.NoiseStd,
		CadenceRPM:  cfg.Simulated.CadenceRPM,
		FailureRate: cfg.Simulated.FailureRate,
		Seed:        cfg.Simulated.Seed,
	})

	strategy := utils.BackoffFromConfig(cfg.ConnectBackoff, base, 0)
	if err := Connect(ctx, rig.Connect, cfg.ConnectAttempts, strategy, log.With("driver", cfg.Driver)); err != nil {
		return nil, err
	}
	return rig, nil
}
