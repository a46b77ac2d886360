// Package trade exposes the engine's operations: as Go methods on Service
// and as chi HTTP handlers over them.
package trade

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sharevault/trading-engine/internal/activity"
	"github.com/sharevault/trading-engine/internal/events"
	"github.com/sharevault/trading-engine/internal/limits"
	"github.com/sharevault/trading-engine/internal/lock"
	"github.com/sharevault/trading-engine/internal/model"
	"github.com/sharevault/trading-engine/internal/pricing"
	"github.com/sharevault/trading-engine/internal/queue"
	"github.com/sharevault/trading-engine/internal/ratelimit"
	"github.com/sharevault/trading-engine/internal/reserve"
	"github.com/sharevault/trading-engine/internal/security"
	"github.com/sharevault/trading-engine/internal/store"
)

// ErrInvalidInput marks malformed requests that no domain package owns.
var ErrInvalidInput = errors.New("invalid input")

// Options tune the service. Zero values take the package defaults.
type Options struct {
	PricingWorkers   int
	OrderTTL         time.Duration
	SubmitRatePerSec float64
	SubmitBurst      int
}

// Service wires the pricing engine, selling limit enforcer, FIFO queue and
// reserve ledger over one store.
type Service struct {
	store    store.Store
	engine   *pricing.Engine
	enforcer *limits.Enforcer
	queue    *queue.Queue
	ledger   *reserve.Ledger
	limiter  *ratelimit.Keyed
	wsHub    *WSHub // optional WebSocket hub for real-time broadcasts

	now func() time.Time
}

// NewService creates a new trade service.
// Pass nil for hub if WebSocket broadcasting is not needed.
func NewService(st store.Store, locker lock.Locker, pub events.Publisher, hub *WSHub, opts Options) *Service {
	if opts.SubmitRatePerSec <= 0 {
		opts.SubmitRatePerSec = 5
	}
	if opts.SubmitBurst < 1 {
		opts.SubmitBurst = 10
	}

	enforcer := limits.NewEnforcer(st)
	s := &Service{
		store:    st,
		engine:   pricing.NewEngine(st, activity.NewAggregator(st), locker, opts.PricingWorkers),
		enforcer: enforcer,
		queue:    queue.New(st, enforcer, locker, pub, opts.OrderTTL),
		ledger:   reserve.NewLedger(st, locker),
		limiter:  ratelimit.New(opts.SubmitRatePerSec, opts.SubmitBurst),
		wsHub:    hub,
		now:      func() time.Time { return time.Now().UTC() },
	}
	if hub != nil {
		s.engine.OnUpdate = func(e model.PriceHistoryEntry) { hub.Broadcast(PriceMessage(e)) }
		s.queue.OnSettled = func(ev model.SettlementEvent) { hub.Broadcast(SettlementMessage(ev)) }
	}
	return s
}

// SetClock replaces the clock of the service and every component.
func (s *Service) SetClock(now func() time.Time) {
	s.now = now
	s.engine.Now = now
	s.queue.Now = now
	s.ledger.Now = now
}

// --- Securities ---

// CreateSecurity validates and stores a new security, plus its pricing
// settings when given.
func (s *Service) CreateSecurity(ctx context.Context, spec security.Spec, settings *model.PricingSettings) (*model.Security, error) {
	sec, err := security.New(spec, s.now())
	if err != nil {
		return nil, err
	}
	if settings != nil {
		settings.SecurityID = sec.ID
		if err := s.checkSettings(*settings, sec.QuotedPrice); err != nil {
			return nil, err
		}
	}

	if err := s.store.CreateSecurity(ctx, sec); err != nil {
		return nil, fmt.Errorf("create security %s: %w", sec.ID, err)
	}
	if settings != nil {
		if err := s.store.PutPricingSettings(ctx, settings); err != nil {
			return nil, fmt.Errorf("store pricing settings for %s: %w", sec.ID, err)
		}
	}

	slog.Info("security created",
		"security_id", sec.ID,
		"price", sec.QuotedPrice.String(),
		"currency", sec.Currency,
		"total_units", sec.TotalUnits,
		"pricing_mode", sec.PricingMode,
	)
	return sec, nil
}

func (s *Service) checkSettings(settings model.PricingSettings, price decimal.Decimal) error {
	if err := pricing.ValidateSettings(settings); err != nil {
		return err
	}
	if price.LessThan(settings.PriceFloor) {
		return fmt.Errorf("%w: quoted price %s is below the floor %s",
			pricing.ErrInvalidSettings, price, settings.PriceFloor)
	}
	return nil
}

// PutPricingSettings replaces a security's pricing settings.
func (s *Service) PutPricingSettings(ctx context.Context, settings model.PricingSettings) error {
	sec, err := s.store.GetSecurity(ctx, settings.SecurityID)
	if err != nil {
		return err
	}
	if err := s.checkSettings(settings, sec.QuotedPrice); err != nil {
		return err
	}
	if err := s.store.PutPricingSettings(ctx, &settings); err != nil {
		return fmt.Errorf("store pricing settings for %s: %w", settings.SecurityID, err)
	}
	slog.Info("pricing settings updated",
		"security_id", settings.SecurityID,
		"enabled", settings.Enabled,
		"lookback", settings.LookbackPeriod,
		"interval_hours", settings.UpdateIntervalHours,
	)
	return nil
}

// SetPrice records an operator-set price. The floor still applies when the
// security has pricing settings.
func (s *Service) SetPrice(ctx context.Context, securityID string, price decimal.Decimal) (*model.PriceHistoryEntry, error) {
	if !price.IsPositive() {
		return nil, security.ErrInvalidPrice
	}
	price = price.Round(pricing.PriceScale)

	settings, err := s.store.GetPricingSettings(ctx, securityID)
	switch {
	case err == nil:
		if price.LessThan(settings.PriceFloor) {
			return nil, fmt.Errorf("%w: price %s is below the floor %s", ErrInvalidInput, price, settings.PriceFloor)
		}
	case !errors.Is(err, model.ErrNotFound):
		return nil, err
	}

	var entry model.PriceHistoryEntry
	err = store.Retry(ctx, "manual_price", func(ctx context.Context) error {
		sec, err := s.store.GetSecurity(ctx, securityID)
		if err != nil {
			return err
		}
		entry = model.PriceHistoryEntry{
			ID:                uuid.New().String(),
			SecurityID:        securityID,
			Price:             price,
			PreviousPrice:     sec.QuotedPrice,
			PercentChange:     price.Sub(sec.QuotedPrice).Div(sec.QuotedPrice).Mul(decimal.NewFromInt(100)).Round(4),
			CalculationMethod: model.MethodManual,
			ComputedAt:        s.now(),
		}
		return s.store.ApplyPriceUpdate(ctx, &entry)
	})
	if err != nil {
		return nil, err
	}

	slog.Info("price set manually",
		"security_id", securityID,
		"previous", entry.PreviousPrice.String(),
		"price", entry.Price.String(),
	)
	if s.wsHub != nil {
		s.wsHub.Broadcast(PriceMessage(entry))
	}
	return &entry, nil
}

// --- Pricing ---

// RunPricingCycle prices one security, or all of them when securityID is
// empty.
func (s *Service) RunPricingCycle(ctx context.Context, securityID string) (*pricing.CycleReport, error) {
	return s.engine.RunCycle(ctx, securityID)
}

// --- Orders ---

// SubmitSellOrder throttles, validates and queues a sell request.
func (s *Service) SubmitSellOrder(ctx context.Context, userID, securityID string, qty int64) (*model.Order, error) {
	if userID == "" || securityID == "" {
		return nil, fmt.Errorf("%w: user_id and security_id are required", ErrInvalidInput)
	}
	if err := s.limiter.Check(userID); err != nil {
		slog.Warn("sell order throttled", "user_id", userID, "security_id", securityID)
		return nil, err
	}
	return s.queue.Admit(ctx, userID, securityID, qty)
}

// GetOrder returns an order as currently observed.
func (s *Service) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	return s.queue.Order(ctx, orderID)
}

// CancelOrder cancels an open order.
func (s *Service) CancelOrder(ctx context.Context, orderID string) (*model.Order, error) {
	return s.queue.Cancel(ctx, orderID)
}

// ListQueue returns a security's open orders in FIFO order.
func (s *Service) ListQueue(ctx context.Context, securityID string) ([]model.Order, error) {
	if _, err := s.store.GetSecurity(ctx, securityID); err != nil {
		return nil, err
	}
	return s.queue.Open(ctx, securityID)
}

// SettleQueue runs one settlement pass for a security.
func (s *Service) SettleQueue(ctx context.Context, securityID string) (*queue.SettlementReport, error) {
	return s.queue.Settle(ctx, securityID)
}

// SettleAll runs a settlement pass for every security. A failing security
// does not stop the others.
func (s *Service) SettleAll(ctx context.Context) ([]*queue.SettlementReport, error) {
	secs, err := s.store.ListSecurities(ctx)
	if err != nil {
		return nil, fmt.Errorf("list securities: %w", err)
	}
	reports := make([]*queue.SettlementReport, 0, len(secs))
	for _, sec := range secs {
		report, err := s.queue.Settle(ctx, sec.ID)
		if err != nil {
			slog.Error("settlement pass failed", "security_id", sec.ID, "error", err)
		}
		if report != nil {
			reports = append(reports, report)
		}
	}
	return reports, nil
}

// TopUpFund credits a security's buyback fund and settles against it.
func (s *Service) TopUpFund(ctx context.Context, securityID string, amount decimal.Decimal) (*queue.SettlementReport, error) {
	return s.queue.TopUp(ctx, securityID, amount)
}

// GetMaxSellable returns the largest quantity a user may sell right now.
func (s *Service) GetMaxSellable(ctx context.Context, userID, securityID string) (int64, error) {
	if _, err := s.store.GetSecurity(ctx, securityID); err != nil {
		return 0, err
	}
	return s.enforcer.MaxSellable(ctx, userID, securityID, s.now())
}

// --- Reserves ---

// AllocateReserve sizes a reserve pool from the open market.
func (s *Service) AllocateReserve(ctx context.Context, securityID, reserveType string, qty int64) (*model.ReserveAllocation, error) {
	return s.ledger.Allocate(ctx, securityID, reserveType, qty)
}

// GetReserve returns a reserve pool.
func (s *Service) GetReserve(ctx context.Context, securityID, reserveType string) (*model.ReserveAllocation, error) {
	return s.ledger.Get(ctx, securityID, reserveType)
}

// IssueReserve draws from a reserve pool for a user.
func (s *Service) IssueReserve(ctx context.Context, securityID, reserveType, userID string, qty int64) (*model.ReserveIssuance, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user_id is required", ErrInvalidInput)
	}
	return s.ledger.Issue(ctx, securityID, reserveType, userID, qty)
}

// CancelReserveIssuance reverses an unsettled issuance.
func (s *Service) CancelReserveIssuance(ctx context.Context, issuanceID string) (*model.ReserveIssuance, error) {
	return s.ledger.Cancel(ctx, issuanceID)
}

// SettleReserveIssuance marks an issuance settled downstream.
func (s *Service) SettleReserveIssuance(ctx context.Context, issuanceID string) (*model.ReserveIssuance, error) {
	return s.ledger.MarkSettled(ctx, issuanceID)
}

// --- Reference data owned elsewhere ---

// RecordTransaction appends a trade-log record for the aggregator.
func (s *Service) RecordTransaction(ctx context.Context, tx *model.Transaction) error {
	switch {
	case tx.SecurityID == "":
		return fmt.Errorf("%w: security_id is required", ErrInvalidInput)
	case tx.Type != model.TxSold && tx.Type != model.TxBoughtBack:
		return fmt.Errorf("%w: unknown transaction type %q", ErrInvalidInput, tx.Type)
	case tx.Quantity <= 0:
		return fmt.Errorf("%w: quantity must be positive, got %d", ErrInvalidInput, tx.Quantity)
	}
	if tx.Status == "" {
		tx.Status = model.TxCompleted
	}
	if tx.Status != model.TxPending && tx.Status != model.TxCompleted && tx.Status != model.TxFailed {
		return fmt.Errorf("%w: unknown transaction status %q", ErrInvalidInput, tx.Status)
	}
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = s.now()
	}
	if _, err := s.store.GetSecurity(ctx, tx.SecurityID); err != nil {
		return err
	}
	return s.store.RecordTransaction(ctx, tx)
}

// PutAccount records a user's account class.
func (s *Service) PutAccount(ctx context.Context, acct *model.Account) error {
	switch acct.AccountClass {
	case model.AccountIndividual, model.AccountBusiness, model.AccountOrganisation:
	default:
		return fmt.Errorf("%w: unknown account class %q", ErrInvalidInput, acct.AccountClass)
	}
	return s.store.PutAccount(ctx, acct)
}

// PutHolding records how many units of a security a user holds.
func (s *Service) PutHolding(ctx context.Context, h *model.Holding) error {
	if h.Units < 0 {
		return fmt.Errorf("%w: units must not be negative", ErrInvalidInput)
	}
	sec, err := s.store.GetSecurity(ctx, h.SecurityID)
	if err != nil {
		return err
	}
	if h.Units > sec.IssuedUnits {
		return fmt.Errorf("%w: %d units exceed the %d issued for %s", ErrInvalidInput, h.Units, sec.IssuedUnits, sec.ID)
	}
	return s.store.PutHolding(ctx, h)
}

// PutSellingLimitRule creates or replaces a selling limit rule.
func (s *Service) PutSellingLimitRule(ctx context.Context, rule *model.SellingLimitRule) error {
	switch rule.AccountClass {
	case model.AccountIndividual, model.AccountBusiness, model.AccountOrganisation:
	default:
		return fmt.Errorf("%w: unknown account class %q", ErrInvalidInput, rule.AccountClass)
	}
	if rule.Metric != model.MetricQuantity && rule.Metric != model.MetricPercentageOfHoldings {
		return fmt.Errorf("%w: unknown metric %q", ErrInvalidInput, rule.Metric)
	}
	for _, p := range model.Periods {
		if l := rule.Limit(p); l.Valid && l.Decimal.IsNegative() {
			return fmt.Errorf("%w: %s limit must not be negative", ErrInvalidInput, p)
		}
	}
	return s.store.PutSellingLimitRule(ctx, rule)
}
