package trade

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Scheduler triggers pricing cycles and settlement passes on fixed ticks.
// Extra triggers are harmless: pricing self-gates per security and an
// empty queue settles to nothing.
type Scheduler struct {
	svc            *Service
	pricingTick    time.Duration
	settlementTick time.Duration
}

// NewScheduler creates a scheduler for svc.
func NewScheduler(svc *Service, pricingTick, settlementTick time.Duration) *Scheduler {
	return &Scheduler{svc: svc, pricingTick: pricingTick, settlementTick: settlementTick}
}

// Run blocks until ctx is done. Each job runs on its own ticker so a slow
// pricing cycle does not delay settlement.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		every(ctx, s.pricingTick, s.pricing)
	}()
	go func() {
		defer wg.Done()
		every(ctx, s.settlementTick, s.settlement)
	}()
	wg.Wait()
}

func (s *Scheduler) pricing(ctx context.Context) {
	report, err := s.svc.RunPricingCycle(ctx, "")
	if err != nil {
		slog.Error("scheduled pricing cycle failed", "error", err)
		return
	}
	slog.Debug("scheduled pricing cycle", "updated", len(report.Updated), "errored", len(report.Errored))
}

func (s *Scheduler) settlement(ctx context.Context) {
	if _, err := s.svc.SettleAll(ctx); err != nil {
		slog.Error("scheduled settlement failed", "error", err)
	}
}

func every(ctx context.Context, d time.Duration, fn func(context.Context)) {
	ticker := time.NewTicker(d)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(ctx)
		}
	}
}
