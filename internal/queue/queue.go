package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sharevault/trading-engine/internal/events"
	"github.com/sharevault/trading-engine/internal/limits"
	"github.com/sharevault/trading-engine/internal/lock"
	"github.com/sharevault/trading-engine/internal/metrics"
	"github.com/sharevault/trading-engine/internal/model"
	"github.com/sharevault/trading-engine/internal/security"
	"github.com/sharevault/trading-engine/internal/store"
)

// DefaultOrderTTL is how long an order waits before expiring.
const DefaultOrderTTL = 30 * 24 * time.Hour

// ErrInvalidAmount is returned for non-positive fund top-ups.
var ErrInvalidAmount = errors.New("queue: amount must be positive")

// SettlementReport summarises one settlement pass. A pass that stops on
// funds is a normal outcome, not an error.
type SettlementReport struct {
	SecurityID    string                  `json:"security_id"`
	Expired       []string                `json:"expired"`
	Events        []model.SettlementEvent `json:"events"`
	BalanceBefore decimal.Decimal         `json:"balance_before"`
	BalanceAfter  decimal.Decimal         `json:"balance_after"`
	Stop          StopReason              `json:"stop"`
	// Unpublished counts events still waiting in the outbox after this
	// pass; they are retried on the next one.
	Unpublished int `json:"unpublished"`
}

// Queue admits, settles and cancels orders.
type Queue struct {
	store     store.Store
	enforcer  *limits.Enforcer
	locker    lock.Locker
	publisher events.Publisher
	orderTTL  time.Duration

	// Now returns the queue clock. Defaults to time.Now in UTC.
	Now func() time.Time

	// OnSettled, if set, is called for every applied fill.
	OnSettled func(model.SettlementEvent)
}

// New creates a queue.
func New(st store.Store, enforcer *limits.Enforcer, locker lock.Locker, pub events.Publisher, orderTTL time.Duration) *Queue {
	if orderTTL <= 0 {
		orderTTL = DefaultOrderTTL
	}
	return &Queue{
		store:     st,
		enforcer:  enforcer,
		locker:    locker,
		publisher: pub,
		orderTTL:  orderTTL,
		Now:       func() time.Time { return time.Now().UTC() },
	}
}

// lockBoth takes the user lock then the security lock. The fixed order
// keeps admission deadlock-free.
func (q *Queue) lockBoth(ctx context.Context, userID, securityID string) (func(), error) {
	releaseUser, err := q.locker.Lock(ctx, lock.UserKey(userID))
	if err != nil {
		return nil, err
	}
	releaseSec, err := q.locker.Lock(ctx, lock.SecurityKey(securityID))
	if err != nil {
		releaseUser()
		return nil, err
	}
	return func() {
		releaseSec()
		releaseUser()
	}, nil
}

// Admit validates a sell request against the user's selling limits and,
// if it passes, queues it at the next position for the security at the
// current quoted price.
func (q *Queue) Admit(ctx context.Context, userID, securityID string, qty int64) (*model.Order, error) {
	if qty <= 0 {
		metrics.LimitRejections.WithLabelValues(string(model.ConstraintQuantity)).Inc()
		return nil, model.NewValidationError(model.ConstraintQuantity, 0, "quantity must be positive, got %d", qty)
	}

	release, err := q.lockBoth(ctx, userID, securityID)
	if err != nil {
		return nil, err
	}
	defer release()

	sec, err := q.store.GetSecurity(ctx, securityID)
	if err != nil {
		return nil, err
	}

	now := q.Now()
	state, holdings, err := q.enforcer.Load(ctx, userID, securityID, now)
	if err != nil {
		return nil, err
	}
	if err := state.Validate(qty, holdings); err != nil {
		var ve *model.ValidationError
		if errors.As(err, &ve) {
			metrics.LimitRejections.WithLabelValues(string(ve.Constraint)).Inc()
		}
		return nil, err
	}
	if err := q.checkIssued(ctx, sec, qty, now); err != nil {
		metrics.LimitRejections.WithLabelValues(string(model.ConstraintIssuedUnits)).Inc()
		return nil, err
	}

	order := &model.Order{
		ID:                uuid.New().String(),
		UserID:            userID,
		SecurityID:        securityID,
		QuantityRequested: qty,
		QuantityRemaining: qty,
		RequestedPrice:    sec.QuotedPrice,
		Status:            model.OrderPending,
		CreatedAt:         now,
		UpdatedAt:         now,
		ExpiresAt:         now.Add(q.orderTTL),
	}
	err = store.Retry(ctx, "admit_order", func(ctx context.Context) error {
		return q.store.AdmitOrder(ctx, order)
	})
	if err != nil {
		return nil, fmt.Errorf("admit order: %w", err)
	}

	metrics.OrdersAdmitted.Inc()
	slog.Info("order admitted",
		"order_id", order.ID,
		"user_id", userID,
		"security_id", securityID,
		"quantity", qty,
		"price", order.RequestedPrice.String(),
		"fifo_position", order.FIFOPosition,
	)
	return order, nil
}

// checkIssued rejects a sale the security's issued pool could not absorb
// once every order ahead of it is bought back. Such an order would fail
// the unit check at the head of the queue on every pass.
func (q *Queue) checkIssued(ctx context.Context, sec *model.Security, qty int64, now time.Time) error {
	open, err := q.store.ListOpenOrders(ctx, sec.ID)
	if err != nil {
		return fmt.Errorf("list open orders: %w", err)
	}
	var queued int64
	for _, o := range open {
		if o.Open(now) {
			queued += o.QuantityRemaining
		}
	}
	if remaining := sec.IssuedUnits - queued; qty > remaining {
		return model.NewValidationError(model.ConstraintIssuedUnits, max(remaining, 0),
			"%s has %d issued units not already queued for buyback, %d requested", sec.ID, max(remaining, 0), qty)
	}
	return nil
}

// Settle runs one settlement pass for a security under its lock: sweep
// expired orders, spend the fund in FIFO order, then publish the outbox.
func (q *Queue) Settle(ctx context.Context, securityID string) (*SettlementReport, error) {
	release, err := q.locker.Lock(ctx, lock.SecurityKey(securityID))
	if err != nil {
		return nil, err
	}
	defer release()
	return q.settleLocked(ctx, securityID)
}

func (q *Queue) settleLocked(ctx context.Context, securityID string) (*SettlementReport, error) {
	if _, err := q.store.GetSecurity(ctx, securityID); err != nil {
		return nil, err
	}

	now := q.Now()
	report := &SettlementReport{SecurityID: securityID, Expired: []string{}, Events: []model.SettlementEvent{}}

	orders, err := q.store.ListOpenOrders(ctx, securityID)
	if err != nil {
		return nil, fmt.Errorf("list open orders: %w", err)
	}
	open := orders[:0]
	for _, o := range orders {
		if !o.IsExpired(now) {
			open = append(open, o)
			continue
		}
		err := q.store.TerminateOrder(ctx, o.ID, model.OrderExpired, now)
		if err != nil && !errors.Is(err, model.ErrTerminalOrder) {
			return nil, fmt.Errorf("expire order %s: %w", o.ID, err)
		}
		report.Expired = append(report.Expired, o.ID)
	}

	if report.BalanceBefore, err = q.store.GetFundBalance(ctx, securityID); err != nil {
		return nil, fmt.Errorf("read fund balance: %w", err)
	}

	plan := PlanFills(open, report.BalanceBefore, now)
	report.Stop = plan.Stop

	var applyErr error
	completed := 0
	for i, fill := range plan.Fills {
		var ev *model.SettlementEvent
		applyErr = store.Retry(ctx, "apply_fill", func(ctx context.Context) error {
			var err error
			ev, err = q.store.ApplyFill(ctx, fill, now, security.ReturnToMarket(fill.Quantity))
			return err
		})
		if applyErr != nil {
			slog.Error("settlement fill failed",
				"security_id", securityID, "order_id", fill.OrderID, "quantity", fill.Quantity, "error", applyErr)
			report.Stop = StopError
			break
		}

		report.Events = append(report.Events, *ev)
		// Fills map one-to-one onto the leading open orders.
		if fill.Quantity == open[i].QuantityRemaining {
			completed++
		}
		metrics.SettlementFills.WithLabelValues(securityID).Inc()
		metrics.SettledUnits.WithLabelValues(securityID).Add(float64(fill.Quantity))
		amt, _ := ev.Amount.Float64()
		metrics.SettledAmount.WithLabelValues(securityID).Add(amt)
		if q.OnSettled != nil {
			q.OnSettled(*ev)
		}
	}

	if report.BalanceAfter, err = q.store.GetFundBalance(ctx, securityID); err != nil {
		return nil, fmt.Errorf("read fund balance: %w", err)
	}
	report.Unpublished = q.flushOutbox(ctx, securityID)

	metrics.QueueDepth.WithLabelValues(securityID).Set(float64(len(open) - completed))

	slog.Info("settlement pass complete",
		"security_id", securityID,
		"fills", len(report.Events),
		"expired", len(report.Expired),
		"balance_before", report.BalanceBefore.String(),
		"balance_after", report.BalanceAfter.String(),
		"stop", report.Stop,
	)
	if applyErr != nil {
		return report, applyErr
	}
	return report, nil
}

// flushOutbox publishes every unpublished event for a security and returns
// how many remain unpublished.
func (q *Queue) flushOutbox(ctx context.Context, securityID string) int {
	if q.publisher == nil {
		return 0
	}
	pending, err := q.store.ListUnpublishedSettlements(ctx, securityID)
	if err != nil {
		slog.Warn("outbox read failed", "security_id", securityID, "error", err)
		return 0
	}
	if len(pending) == 0 {
		return 0
	}
	if err := q.publisher.Publish(ctx, pending); err != nil {
		slog.Warn("settlement publish failed, will retry next pass",
			"security_id", securityID, "pending", len(pending), "error", err)
		return len(pending)
	}

	ids := make([]string, len(pending))
	for i, ev := range pending {
		ids[i] = ev.ID
	}
	if err := q.store.MarkSettlementsPublished(ctx, ids); err != nil {
		// Already delivered; the ledger deduplicates the resend.
		slog.Warn("outbox mark failed", "security_id", securityID, "error", err)
		return len(pending)
	}
	return 0
}

// Cancel moves an open order to cancelled. Terminal orders, including ones
// past expiry, cannot be cancelled.
func (q *Queue) Cancel(ctx context.Context, orderID string) (*model.Order, error) {
	o, err := q.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}

	release, err := q.locker.Lock(ctx, lock.SecurityKey(o.SecurityID))
	if err != nil {
		return nil, err
	}
	defer release()

	now := q.Now()
	if o, err = q.store.GetOrder(ctx, orderID); err != nil {
		return nil, err
	}
	if o.IsExpired(now) {
		if err := q.store.TerminateOrder(ctx, o.ID, model.OrderExpired, now); err != nil && !errors.Is(err, model.ErrTerminalOrder) {
			return nil, err
		}
		return nil, fmt.Errorf("order %s expired at %s: %w", o.ID, o.ExpiresAt.Format(time.RFC3339), model.ErrTerminalOrder)
	}
	if err := q.store.TerminateOrder(ctx, o.ID, model.OrderCancelled, now); err != nil {
		return nil, err
	}

	slog.Info("order cancelled", "order_id", o.ID, "security_id", o.SecurityID, "remaining", o.QuantityRemaining)
	o.Status = model.OrderCancelled
	o.UpdatedAt = now
	return o, nil
}

// TopUp credits the buyback fund and immediately runs a settlement pass.
func (q *Queue) TopUp(ctx context.Context, securityID string, amount decimal.Decimal) (*SettlementReport, error) {
	if !amount.IsPositive() {
		return nil, ErrInvalidAmount
	}

	release, err := q.locker.Lock(ctx, lock.SecurityKey(securityID))
	if err != nil {
		return nil, err
	}
	defer release()

	if err := q.store.CreditFund(ctx, securityID, amount); err != nil {
		return nil, fmt.Errorf("credit fund: %w", err)
	}
	slog.Info("buyback fund credited", "security_id", securityID, "amount", amount.String())
	return q.settleLocked(ctx, securityID)
}

// Order returns an order with its status as observed now: an order past
// expiry reads as expired even before the next sweep rewrites it.
func (q *Queue) Order(ctx context.Context, orderID string) (*model.Order, error) {
	o, err := q.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	o.Status = o.EffectiveStatus(q.Now())
	return o, nil
}

// Open lists a security's open orders in FIFO order, hiding expired ones.
func (q *Queue) Open(ctx context.Context, securityID string) ([]model.Order, error) {
	orders, err := q.store.ListOpenOrders(ctx, securityID)
	if err != nil {
		return nil, err
	}
	now := q.Now()
	out := make([]model.Order, 0, len(orders))
	for _, o := range orders {
		if o.Open(now) {
			out = append(out, o)
		}
	}
	return out, nil
}
