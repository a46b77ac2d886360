// Package queue implements the FIFO sell/buyback queue.
//
// Orders take an immutable position from a per-security sequence at
// admission. Settlement spends the buyback fund strictly in position order:
// the first order that cannot receive at least one unit stops the pass, so
// a later order is never served while an earlier one waits.
package queue

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/sharevault/trading-engine/internal/model"
)

// StopReason says why a settlement pass ended.
type StopReason string

const (
	// StopQueueEmpty means every open order was fully filled.
	StopQueueEmpty StopReason = "queue_empty"
	// StopFundsExhausted means the fund could not give the next order a
	// single unit.
	StopFundsExhausted StopReason = "funds_exhausted"
	// StopError means applying a fill failed; earlier fills stand.
	StopError StopReason = "error"
)

// Plan is the outcome of PlanFills.
type Plan struct {
	Fills     []model.Fill
	Remaining decimal.Decimal
	Stop      StopReason
}

// PlanFills allocates balance to orders in ascending position. orders must
// be sorted by FIFOPosition; orders that are terminal or expired at now are
// treated as already removed. It is pure.
func PlanFills(orders []model.Order, balance decimal.Decimal, now time.Time) Plan {
	plan := Plan{Remaining: balance, Stop: StopQueueEmpty}

	for _, o := range orders {
		if !o.Open(now) || o.QuantityRemaining <= 0 {
			continue
		}
		if !o.RequestedPrice.IsPositive() {
			// A zero price would fill unboundedly; treat as blocked.
			plan.Stop = StopFundsExhausted
			return plan
		}

		units := plan.Remaining.Div(o.RequestedPrice).Floor().IntPart()
		if o.RequestedPrice.Mul(decimal.NewFromInt(units)).GreaterThan(plan.Remaining) {
			// Division rounds at 16 digits; never plan more than the fund holds.
			units--
		}
		qty := min(o.QuantityRemaining, units)
		if qty <= 0 {
			plan.Stop = StopFundsExhausted
			return plan
		}

		fill := model.Fill{
			OrderID:    o.ID,
			UserID:     o.UserID,
			SecurityID: o.SecurityID,
			Position:   o.FIFOPosition,
			Quantity:   qty,
			Price:      o.RequestedPrice,
		}
		plan.Fills = append(plan.Fills, fill)
		plan.Remaining = plan.Remaining.Sub(fill.Amount())

		if qty < o.QuantityRemaining {
			plan.Stop = StopFundsExhausted
			return plan
		}
	}
	return plan
}
