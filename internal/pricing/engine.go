package pricing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/sharevault/trading-engine/internal/activity"
	"github.com/sharevault/trading-engine/internal/lock"
	"github.com/sharevault/trading-engine/internal/metrics"
	"github.com/sharevault/trading-engine/internal/model"
	"github.com/sharevault/trading-engine/internal/store"
)

// Skip reasons reported in a CycleReport.
const (
	SkipManual        = "manual"
	SkipTooSoon       = "too_soon"
	SkipNoOp          = "no_op"
	SkipConfiguration = "configuration"
)

// Store is the subset of store.Store the engine uses.
type Store interface {
	ListSecurities(ctx context.Context) ([]model.Security, error)
	GetSecurity(ctx context.Context, id string) (*model.Security, error)
	GetPricingSettings(ctx context.Context, securityID string) (*model.PricingSettings, error)
	LatestPriceEntry(ctx context.Context, securityID string, method model.CalculationMethod) (*model.PriceHistoryEntry, error)
	ApplyPriceUpdate(ctx context.Context, entry *model.PriceHistoryEntry) error
}

// Update is one applied price change.
type Update struct {
	SecurityID    string          `json:"security_id"`
	PreviousPrice decimal.Decimal `json:"previous_price"`
	Price         decimal.Decimal `json:"price"`
	PercentChange decimal.Decimal `json:"percent_change"`
	EntryID       string          `json:"entry_id"`
}

// Skip is a security left untouched this cycle.
type Skip struct {
	SecurityID string `json:"security_id"`
	Reason     string `json:"reason"`
	Detail     string `json:"detail,omitempty"`
}

// Failure is a security whose cycle errored. Siblings are unaffected.
type Failure struct {
	SecurityID string `json:"security_id"`
	Error      string `json:"error"`
}

// CycleReport summarises one RunCycle invocation.
type CycleReport struct {
	StartedAt time.Time `json:"started_at"`
	Updated   []Update  `json:"updated"`
	Skipped   []Skip    `json:"skipped"`
	Errored   []Failure `json:"errored"`
}

// outcome is the result for one security; exactly one field is set.
type outcome struct {
	update  *Update
	skip    *Skip
	failure *Failure
}

// Engine runs pricing cycles. It is safe to invoke RunCycle more often than
// any security's update interval: each security self-gates on its most
// recent automatic history entry.
type Engine struct {
	store   Store
	agg     *activity.Aggregator
	locker  lock.Locker
	workers int

	// Now returns the cycle clock. Defaults to time.Now in UTC.
	Now func() time.Time

	// OnUpdate, if set, is called after every applied price change.
	OnUpdate func(model.PriceHistoryEntry)
}

// NewEngine creates an engine pricing up to workers securities at once.
// Each security is priced under its lock, so overlapping cycles see each
// other's history entries before the interval check.
func NewEngine(st Store, agg *activity.Aggregator, locker lock.Locker, workers int) *Engine {
	if workers < 1 {
		workers = 1
	}
	return &Engine{
		store:   st,
		agg:     agg,
		locker:  locker,
		workers: workers,
		Now:     func() time.Time { return time.Now().UTC() },
	}
}

// RunCycle prices one security, or every security when securityID is
// empty. The returned error covers only failures to enumerate securities;
// per-security errors land in the report.
func (e *Engine) RunCycle(ctx context.Context, securityID string) (*CycleReport, error) {
	start := time.Now()
	defer func() { metrics.PricingCycleDuration.Observe(time.Since(start).Seconds()) }()

	var secs []model.Security
	if securityID != "" {
		sec, err := e.store.GetSecurity(ctx, securityID)
		if err != nil {
			return nil, err
		}
		secs = []model.Security{*sec}
	} else {
		var err error
		if secs, err = e.store.ListSecurities(ctx); err != nil {
			return nil, fmt.Errorf("list securities: %w", err)
		}
	}

	now := e.Now()
	results := make([]outcome, len(secs))

	// One goroutine per security at most; results are written to distinct
	// slots so no further synchronisation is needed.
	var g errgroup.Group
	g.SetLimit(e.workers)
	for i := range secs {
		g.Go(func() error {
			results[i] = e.priceSecurity(ctx, secs[i], now)
			return nil
		})
	}
	_ = g.Wait()

	report := &CycleReport{StartedAt: now, Updated: []Update{}, Skipped: []Skip{}, Errored: []Failure{}}
	for _, r := range results {
		switch {
		case r.update != nil:
			report.Updated = append(report.Updated, *r.update)
			metrics.PricingOutcomes.WithLabelValues("updated", "").Inc()
		case r.skip != nil:
			report.Skipped = append(report.Skipped, *r.skip)
			metrics.PricingOutcomes.WithLabelValues("skipped", r.skip.Reason).Inc()
		case r.failure != nil:
			report.Errored = append(report.Errored, *r.failure)
			metrics.PricingOutcomes.WithLabelValues("errored", "").Inc()
		}
	}

	slog.Info("pricing cycle complete",
		"updated", len(report.Updated),
		"skipped", len(report.Skipped),
		"errored", len(report.Errored),
	)
	return report, nil
}

// priceSecurity runs the cycle for one security and never panics the
// caller's loop: every error is folded into the outcome.
func (e *Engine) priceSecurity(ctx context.Context, sec model.Security, now time.Time) outcome {
	if sec.PricingMode != model.PricingAutomatic {
		return outcome{skip: &Skip{SecurityID: sec.ID, Reason: SkipManual}}
	}

	release, err := e.locker.Lock(ctx, lock.SecurityKey(sec.ID))
	if err != nil {
		slog.Error("pricing lock failed", "security_id", sec.ID, "error", err)
		return outcome{failure: &Failure{SecurityID: sec.ID, Error: err.Error()}}
	}
	defer release()

	var out outcome
	err = store.Retry(ctx, "price_update", func(ctx context.Context) error {
		var err error
		out, err = e.tryPrice(ctx, sec.ID, now)
		return err
	})
	if err != nil {
		var cfgErr *model.ConfigurationError
		if errors.As(err, &cfgErr) {
			return outcome{skip: &Skip{SecurityID: sec.ID, Reason: SkipConfiguration, Detail: cfgErr.Reason}}
		}
		slog.Error("pricing failed", "security_id", sec.ID, "error", err)
		return outcome{failure: &Failure{SecurityID: sec.ID, Error: err.Error()}}
	}
	return out
}

func (e *Engine) tryPrice(ctx context.Context, securityID string, now time.Time) (outcome, error) {
	settings, err := e.store.GetPricingSettings(ctx, securityID)
	if errors.Is(err, model.ErrNotFound) {
		return outcome{}, &model.ConfigurationError{SecurityID: securityID, Reason: "pricing settings missing"}
	}
	if err != nil {
		return outcome{}, err
	}
	if !settings.Enabled {
		return outcome{}, &model.ConfigurationError{SecurityID: securityID, Reason: "pricing disabled"}
	}

	last, err := e.store.LatestPriceEntry(ctx, securityID, model.MethodAutomatic)
	switch {
	case err == nil:
		if now.Sub(last.ComputedAt) < settings.UpdateInterval() {
			return outcome{skip: &Skip{SecurityID: securityID, Reason: SkipTooSoon}}, nil
		}
	case !errors.Is(err, model.ErrNotFound):
		return outcome{}, err
	}

	// Re-read so the price we compute from is the one the update checks.
	sec, err := e.store.GetSecurity(ctx, securityID)
	if err != nil {
		return outcome{}, err
	}

	currentNet, previousNet, err := e.agg.NetFlows(ctx, securityID, settings.LookbackPeriod, now)
	if err != nil {
		return outcome{}, err
	}

	res, err := Compute(Input{
		CurrentPrice: sec.QuotedPrice,
		CurrentNet:   currentNet,
		PreviousNet:  previousNet,
		Settings:     *settings,
	})
	if err != nil {
		return outcome{}, fmt.Errorf("compute %s: %w", securityID, err)
	}
	if res.NoOp {
		return outcome{skip: &Skip{SecurityID: securityID, Reason: SkipNoOp}}, nil
	}

	entry := model.PriceHistoryEntry{
		ID:                uuid.New().String(),
		SecurityID:        securityID,
		Price:             res.NewPrice,
		PreviousPrice:     sec.QuotedPrice,
		PercentChange:     res.ActualChange.Round(4),
		CalculationMethod: model.MethodAutomatic,
		ComputedAt:        now,
		Factors:           res.Factors,
	}
	if err := e.store.ApplyPriceUpdate(ctx, &entry); err != nil {
		return outcome{}, err
	}

	pct, _ := entry.PercentChange.Float64()
	metrics.PriceChangePercent.Observe(pct)
	slog.Info("price updated",
		"security_id", securityID,
		"previous", entry.PreviousPrice.String(),
		"price", entry.Price.String(),
		"percent_change", entry.PercentChange.String(),
	)
	if e.OnUpdate != nil {
		e.OnUpdate(entry)
	}

	return outcome{update: &Update{
		SecurityID:    securityID,
		PreviousPrice: entry.PreviousPrice,
		Price:         entry.Price,
		PercentChange: entry.PercentChange,
		EntryID:       entry.ID,
	}}, nil
}
