// Package limits implements the selling limit enforcer.
//
// An account class carries any number of active rules, each capping sales
// either by quantity per daily/weekly/monthly window or by percentage of
// holdings. The binding ceiling is the minimum across every rule and
// window, netted against what the user already consumed this window and
// what they still have queued for settlement.
//
// Percentage rules are evaluated at daily granularity only; their weekly
// and monthly columns are ignored.
package limits

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sharevault/trading-engine/internal/model"
)

var hundred = decimal.NewFromInt(100)

// State is everything a limit decision depends on for one user and
// security at one instant.
type State struct {
	Rules []model.SellingLimitRule
	// Usage is the quantity consumed in the current window of each period.
	Usage map[model.Period]int64
	// PendingSellQuantity is the remaining quantity of the user's own open
	// orders, already spoken for.
	PendingSellQuantity int64
}

// AvailableToSell is holdings not already queued for sale.
func (s State) AvailableToSell(holdings int64) int64 {
	return holdings - s.PendingSellQuantity
}

// violation is one failed rule check.
type violation struct {
	constraint model.Constraint
	remaining  int64
	limit      decimal.Decimal
}

func windowConstraint(p model.Period) model.Constraint {
	switch p {
	case model.PeriodWeekly:
		return model.ConstraintWeekly
	case model.PeriodMonthly:
		return model.ConstraintMonthly
	}
	return model.ConstraintDaily
}

// headroom returns floor(limit - used), never negative.
func headroom(limit decimal.Decimal, used int64) int64 {
	h := limit.Sub(decimal.NewFromInt(used)).Floor()
	if h.IsNegative() {
		return 0
	}
	return h.IntPart()
}

// percentCeiling returns floor(limit/100 * holdings), never negative.
func percentCeiling(limit decimal.Decimal, holdings int64) int64 {
	c := limit.Mul(decimal.NewFromInt(holdings)).Div(hundred).Floor()
	if c.IsNegative() {
		return 0
	}
	return c.IntPart()
}

// Validate decides whether the user may sell requested units given their
// total holdings. It returns nil or a *model.ValidationError naming the
// tightest violated constraint and its remaining headroom.
func (s State) Validate(requested, holdings int64) error {
	if requested <= 0 {
		return model.NewValidationError(model.ConstraintQuantity, 0,
			"quantity must be positive, got %d", requested)
	}

	available := s.AvailableToSell(holdings)
	if requested > available {
		return model.NewValidationError(model.ConstraintHoldings, max(available, 0),
			"requested %d exceeds available %d (holdings %d, %d pending in queue)",
			requested, max(available, 0), holdings, s.PendingSellQuantity)
	}

	var worst *violation
	consider := func(v violation) {
		if worst == nil || v.remaining < worst.remaining {
			worst = &v
		}
	}

	for _, rule := range s.Rules {
		if !rule.Active {
			continue
		}
		switch rule.Metric {
		case model.MetricQuantity:
			for _, p := range model.Periods {
				limit := rule.Limit(p)
				if !limit.Valid {
					continue
				}
				used := s.Usage[p]
				if decimal.NewFromInt(used + requested).GreaterThan(limit.Decimal) {
					consider(violation{windowConstraint(p), headroom(limit.Decimal, used), limit.Decimal})
				}
			}
		case model.MetricPercentageOfHoldings:
			if !rule.DailyLimit.Valid {
				continue
			}
			// requested/holdings*100 > limit, kept free of division.
			if decimal.NewFromInt(requested).Mul(hundred).GreaterThan(rule.DailyLimit.Decimal.Mul(decimal.NewFromInt(holdings))) {
				consider(violation{model.ConstraintPercentage, percentCeiling(rule.DailyLimit.Decimal, holdings), rule.DailyLimit.Decimal})
			}
		}
	}

	if worst == nil {
		return nil
	}
	if worst.constraint == model.ConstraintPercentage {
		return model.NewValidationError(worst.constraint, worst.remaining,
			"requested %d exceeds the daily limit of %s%% of holdings: %d remaining",
			requested, worst.limit, worst.remaining)
	}
	return model.NewValidationError(worst.constraint, worst.remaining,
		"requested %d exceeds the %s of %s: %d remaining",
		requested, constraintLabel(worst.constraint), worst.limit, worst.remaining)
}

func constraintLabel(c model.Constraint) string {
	switch c {
	case model.ConstraintWeekly:
		return "weekly limit"
	case model.ConstraintMonthly:
		return "monthly limit"
	}
	return "daily limit"
}

// MaxAllowed returns the largest quantity Validate would accept, never
// negative.
func (s State) MaxAllowed(holdings int64) int64 {
	allowed := s.AvailableToSell(holdings)
	for _, rule := range s.Rules {
		if !rule.Active {
			continue
		}
		switch rule.Metric {
		case model.MetricQuantity:
			for _, p := range model.Periods {
				if limit := rule.Limit(p); limit.Valid {
					allowed = min(allowed, headroom(limit.Decimal, s.Usage[p]))
				}
			}
		case model.MetricPercentageOfHoldings:
			if rule.DailyLimit.Valid {
				allowed = min(allowed, percentCeiling(rule.DailyLimit.Decimal, holdings))
			}
		}
	}
	return max(allowed, 0)
}

// Store is the subset of store.Store the enforcer reads.
type Store interface {
	GetAccount(ctx context.Context, userID string) (*model.Account, error)
	GetHolding(ctx context.Context, userID, securityID string) (int64, error)
	ListSellingLimitRules(ctx context.Context, class model.AccountClass) ([]model.SellingLimitRule, error)
	GetUsage(ctx context.Context, userID, securityID string, p model.Period, windowStart time.Time) (int64, error)
	PendingSellQuantity(ctx context.Context, userID, securityID string, now time.Time) (int64, error)
}

// Enforcer loads limit state from the store.
type Enforcer struct {
	store Store
}

// NewEnforcer creates an enforcer reading from st.
func NewEnforcer(st Store) *Enforcer {
	return &Enforcer{store: st}
}

// Load reads the user's account class, active rules, current-window usage,
// pending sell quantity and holdings for a security.
func (e *Enforcer) Load(ctx context.Context, userID, securityID string, now time.Time) (State, int64, error) {
	acct, err := e.store.GetAccount(ctx, userID)
	if err != nil {
		return State{}, 0, fmt.Errorf("load account %s: %w", userID, err)
	}
	rules, err := e.store.ListSellingLimitRules(ctx, acct.AccountClass)
	if err != nil {
		return State{}, 0, fmt.Errorf("load rules for %s: %w", acct.AccountClass, err)
	}

	st := State{Rules: rules, Usage: make(map[model.Period]int64, len(model.Periods))}
	for _, p := range model.Periods {
		used, err := e.store.GetUsage(ctx, userID, securityID, p, p.WindowStart(now))
		if err != nil {
			return State{}, 0, fmt.Errorf("load %s usage: %w", p, err)
		}
		st.Usage[p] = used
	}

	if st.PendingSellQuantity, err = e.store.PendingSellQuantity(ctx, userID, securityID, now); err != nil {
		return State{}, 0, fmt.Errorf("load pending quantity: %w", err)
	}

	holdings, err := e.store.GetHolding(ctx, userID, securityID)
	if err != nil {
		return State{}, 0, fmt.Errorf("load holdings: %w", err)
	}
	return st, holdings, nil
}

// MaxSellable loads state and returns the largest quantity the user may
// sell right now.
func (e *Enforcer) MaxSellable(ctx context.Context, userID, securityID string, now time.Time) (int64, error) {
	st, holdings, err := e.Load(ctx, userID, securityID, now)
	if err != nil {
		return 0, err
	}
	return st.MaxAllowed(holdings), nil
}
