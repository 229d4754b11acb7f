package trade

import (
	"context"
	"log/slog"
	"time"
)

// RunPriceTicker sweeps every listed company through one oscillator step on
// the given cadence until the context is cancelled. Run in a goroutine.
func (s *Service) RunPriceTicker(ctx context.Context, interval time.Duration) {
	slog.Info("price ticker started", "interval", interval.String())
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("price ticker stopped")
			return
		case <-ticker.C:
			s.UpdateAllPrices(ctx)
		}
	}
}
