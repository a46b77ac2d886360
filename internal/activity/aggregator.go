// Package activity measures market activity for the pricing engine.
//
// The signal is net order flow: shares sold minus shares bought back over a
// lookback window, read from completed trade-log records only. Two adjacent
// windows are compared so the engine reacts to the change in flow rather
// than its absolute level.
package activity

import (
	"context"
	"fmt"
	"time"

	"github.com/sharevault/trading-engine/internal/model"
	"github.com/sharevault/trading-engine/internal/store"
)

// TransactionSource is the read side of the trade log.
type TransactionSource interface {
	SumTransactionQuantity(ctx context.Context, f store.TransactionFilter) (int64, error)
}

// Window is a half-open time range [From, To).
type Window struct {
	From time.Time
	To   time.Time
}

// Windows returns the current window (now-period .. now) and the one
// immediately before it.
func Windows(period model.LookbackPeriod, now time.Time) (current, previous Window, err error) {
	dur := period.Duration()
	if dur <= 0 {
		return Window{}, Window{}, fmt.Errorf("activity: unknown lookback period %q", period)
	}
	current = Window{From: now.Add(-dur), To: now}
	previous = Window{From: now.Add(-2 * dur), To: current.From}
	return current, previous, nil
}

// Aggregator computes net flows from the trade log. It has no side effects.
type Aggregator struct {
	src TransactionSource
}

// NewAggregator creates an aggregator over src.
func NewAggregator(src TransactionSource) *Aggregator {
	return &Aggregator{src: src}
}

// NetFlows returns the net flow of the current and previous windows.
func (a *Aggregator) NetFlows(ctx context.Context, securityID string, period model.LookbackPeriod, now time.Time) (currentNet, previousNet int64, err error) {
	current, previous, err := Windows(period, now)
	if err != nil {
		return 0, 0, err
	}
	if currentNet, err = a.netFlow(ctx, securityID, current); err != nil {
		return 0, 0, err
	}
	if previousNet, err = a.netFlow(ctx, securityID, previous); err != nil {
		return 0, 0, err
	}
	return currentNet, previousNet, nil
}

func (a *Aggregator) netFlow(ctx context.Context, securityID string, w Window) (int64, error) {
	sum := func(typ model.TransactionType) (int64, error) {
		return a.src.SumTransactionQuantity(ctx, store.TransactionFilter{
			SecurityID: securityID,
			Type:       typ,
			Status:     model.TxCompleted,
			From:       w.From,
			To:         w.To,
		})
	}

	sold, err := sum(model.TxSold)
	if err != nil {
		return 0, fmt.Errorf("sum sold %s: %w", securityID, err)
	}
	bought, err := sum(model.TxBoughtBack)
	if err != nil {
		return 0, fmt.Errorf("sum bought back %s: %w", securityID, err)
	}
	return sold - bought, nil
}
