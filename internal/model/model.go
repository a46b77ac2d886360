// Package model defines the core domain types shared across the trading engine.
// Money is shopspring/decimal throughout, never float64.
// Share quantities are whole units (int64).
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PricingMode selects whether a security's quoted price is driven by the
// dynamic pricing engine or set by an operator.
type PricingMode string

const (
	PricingManual    PricingMode = "manual"
	PricingAutomatic PricingMode = "automatic"
)

// Security is one tradable instrument.
// Invariant: AvailableUnits + ReservedUnits + IssuedUnits == TotalUnits.
type Security struct {
	ID             string          `json:"id"`
	QuotedPrice    decimal.Decimal `json:"quoted_price"`
	Currency       string          `json:"currency"`
	TotalUnits     int64           `json:"total_units"`
	AvailableUnits int64           `json:"available_units"`
	ReservedUnits  int64           `json:"reserved_units"`
	IssuedUnits    int64           `json:"issued_units"`
	PricingMode    PricingMode     `json:"pricing_mode"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

// CalculationMethod records who produced a price history entry.
type CalculationMethod string

const (
	MethodAutomatic CalculationMethod = "automatic"
	MethodManual    CalculationMethod = "manual"
)

// PriceFactors are the intermediate figures of one pricing computation,
// kept on the history entry for audit.
type PriceFactors struct {
	CurrentNet       int64           `json:"current_net"`
	PreviousNet      int64           `json:"previous_net"`
	RawChange        decimal.Decimal `json:"raw_change"`
	WeightedChange   decimal.Decimal `json:"weighted_change"`
	CappedChange     decimal.Decimal `json:"capped_change"`
	SensitivityScale decimal.Decimal `json:"sensitivity_scale"`
	MaxPercentChange decimal.Decimal `json:"max_percent_change"`
	PriceFloor       decimal.Decimal `json:"price_floor"`
	LookbackPeriod   LookbackPeriod  `json:"lookback_period"`
}

// PriceHistoryEntry is an immutable record of a computed price.
// Once created, these are never modified or deleted.
type PriceHistoryEntry struct {
	ID                string            `json:"id"`
	SecurityID        string            `json:"security_id"`
	Price             decimal.Decimal   `json:"price"`
	PreviousPrice     decimal.Decimal   `json:"previous_price"`
	PercentChange     decimal.Decimal   `json:"percent_change"`
	CalculationMethod CalculationMethod `json:"calculation_method"`
	ComputedAt        time.Time         `json:"computed_at"`
	Factors           PriceFactors      `json:"factors"`
}

// LookbackPeriod is the width of one market-activity window.
type LookbackPeriod string

const (
	LookbackDaily     LookbackPeriod = "daily"
	LookbackWeekly    LookbackPeriod = "weekly"
	LookbackMonthly   LookbackPeriod = "monthly"
	LookbackQuarterly LookbackPeriod = "quarterly"
	LookbackYearly    LookbackPeriod = "yearly"
)

// Duration returns the window width. Unknown periods return 0.
func (p LookbackPeriod) Duration() time.Duration {
	const day = 24 * time.Hour
	switch p {
	case LookbackDaily:
		return day
	case LookbackWeekly:
		return 7 * day
	case LookbackMonthly:
		return 30 * day
	case LookbackQuarterly:
		return 90 * day
	case LookbackYearly:
		return 365 * day
	}
	return 0
}

// PricingSettings configure the pricing engine for one security.
// Read-only to the engine at run time.
type PricingSettings struct {
	SecurityID               string          `json:"security_id"`
	Enabled                  bool            `json:"enabled"`
	UpdateIntervalHours      int             `json:"update_interval_hours"`
	LookbackPeriod           LookbackPeriod  `json:"lookback_period"`
	SensitivityScale         decimal.Decimal `json:"sensitivity_scale"`
	MaxPercentChangePerCycle decimal.Decimal `json:"max_percent_change_per_cycle"`
	PriceFloor               decimal.Decimal `json:"price_floor"`
}

// UpdateInterval returns the self-gating interval.
func (s PricingSettings) UpdateInterval() time.Duration {
	return time.Duration(s.UpdateIntervalHours) * time.Hour
}

// OrderStatus is the state of a sell/buyback request.
//
//	pending → partial → completed
//	pending/partial → cancelled
//	pending/partial → expired
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderPartial   OrderStatus = "partial"
	OrderCompleted OrderStatus = "completed"
	OrderCancelled OrderStatus = "cancelled"
	OrderExpired   OrderStatus = "expired"
)

// Terminal reports whether no transition out of s exists.
func (s OrderStatus) Terminal() bool {
	return s == OrderCompleted || s == OrderCancelled || s == OrderExpired
}

// Order is a queued sell/buyback request. FIFOPosition is assigned once at
// admission and never changes, even across partial fills.
type Order struct {
	ID                string          `json:"id"`
	UserID            string          `json:"user_id"`
	SecurityID        string          `json:"security_id"`
	QuantityRequested int64           `json:"quantity_requested"`
	QuantityRemaining int64           `json:"quantity_remaining"`
	RequestedPrice    decimal.Decimal `json:"requested_price"`
	FIFOPosition      int64           `json:"fifo_position"`
	Status            OrderStatus     `json:"status"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	ExpiresAt         time.Time       `json:"expires_at"`
}

// IsExpired reports whether a non-terminal order has passed its expiry.
// Expiry is evaluated lazily at every touchpoint rather than by a timer.
func (o Order) IsExpired(now time.Time) bool {
	return !o.Status.Terminal() && !o.ExpiresAt.IsZero() && now.After(o.ExpiresAt)
}

// EffectiveStatus is the status a reader should observe at now: an order
// that is past its expiry is logically expired even before the sweep
// rewrites it.
func (o Order) EffectiveStatus(now time.Time) OrderStatus {
	if o.IsExpired(now) {
		return OrderExpired
	}
	return o.Status
}

// Open reports whether the order still waits in the queue at now.
func (o Order) Open(now time.Time) bool {
	return !o.EffectiveStatus(now).Terminal()
}

// AccountClass partitions users for selling-limit purposes.
type AccountClass string

const (
	AccountIndividual   AccountClass = "individual"
	AccountBusiness     AccountClass = "business"
	AccountOrganisation AccountClass = "organisation"
)

// LimitMetric is what a selling limit rule measures.
type LimitMetric string

const (
	MetricQuantity             LimitMetric = "quantity"
	MetricPercentageOfHoldings LimitMetric = "percentage_of_holdings"
)

// SellingLimitRule caps how much an account class may sell per window.
// An unset (invalid) limit places no ceiling on that window.
type SellingLimitRule struct {
	ID           string              `json:"id"`
	AccountClass AccountClass        `json:"account_class"`
	Metric       LimitMetric         `json:"metric"`
	DailyLimit   decimal.NullDecimal `json:"daily_limit"`
	WeeklyLimit  decimal.NullDecimal `json:"weekly_limit"`
	MonthlyLimit decimal.NullDecimal `json:"monthly_limit"`
	Active       bool                `json:"active"`
}

// Limit returns the rule's ceiling for one selling window.
func (r SellingLimitRule) Limit(p Period) decimal.NullDecimal {
	switch p {
	case PeriodDaily:
		return r.DailyLimit
	case PeriodWeekly:
		return r.WeeklyLimit
	case PeriodMonthly:
		return r.MonthlyLimit
	}
	return decimal.NullDecimal{}
}

// Period is a selling window.
type Period string

const (
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
)

// Periods lists the selling windows from narrowest to widest.
var Periods = []Period{PeriodDaily, PeriodWeekly, PeriodMonthly}

// WindowStart returns the UTC start of the window of kind p containing t.
// Days start at midnight, weeks on Monday, months on the 1st.
func (p Period) WindowStart(t time.Time) time.Time {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	switch p {
	case PeriodWeekly:
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case PeriodMonthly:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return day
}

// UsageRecord is the quantity a user consumed in one selling window.
// A record whose window is not the current one does not count.
type UsageRecord struct {
	UserID           string    `json:"user_id"`
	SecurityID       string    `json:"security_id"`
	Period           Period    `json:"period"`
	WindowStart      time.Time `json:"window_start"`
	QuantityConsumed int64     `json:"quantity_consumed"`
}

// Account is the engine's read-only view of a user.
type Account struct {
	UserID       string       `json:"user_id"`
	AccountClass AccountClass `json:"account_class"`
}

// Holding is the units of one security a user owns, as reported by the
// wallet ledger.
type Holding struct {
	UserID     string `json:"user_id"`
	SecurityID string `json:"security_id"`
	Units      int64  `json:"units"`
}

// ReserveAllocation is a share pool carved out for non-market issuance.
// Invariant: UsedQuantity <= AllocatedQuantity.
type ReserveAllocation struct {
	SecurityID        string `json:"security_id"`
	ReserveType       string `json:"reserve_type"`
	AllocatedQuantity int64  `json:"allocated_quantity"`
	UsedQuantity      int64  `json:"used_quantity"`
}

// Remaining is the quantity still issuable from the pool.
func (r ReserveAllocation) Remaining() int64 {
	return r.AllocatedQuantity - r.UsedQuantity
}

// IssuanceStatus tracks whether a reserve issuance can still be reversed.
type IssuanceStatus string

const (
	IssuanceIssued    IssuanceStatus = "issued"
	IssuanceSettled   IssuanceStatus = "settled"
	IssuanceCancelled IssuanceStatus = "cancelled"
)

// ReserveIssuance is one draw from a reserve pool.
type ReserveIssuance struct {
	ID          string         `json:"id"`
	SecurityID  string         `json:"security_id"`
	ReserveType string         `json:"reserve_type"`
	UserID      string         `json:"user_id"`
	Quantity    int64          `json:"quantity"`
	Status      IssuanceStatus `json:"status"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// TransactionType distinguishes trade-log records.
type TransactionType string

const (
	TxSold       TransactionType = "sold"
	TxBoughtBack TransactionType = "bought_back"
)

// TransactionStatus is the trade-log record status.
type TransactionStatus string

const (
	TxPending   TransactionStatus = "pending"
	TxCompleted TransactionStatus = "completed"
	TxFailed    TransactionStatus = "failed"
)

// Transaction is a record from the external trade log.
type Transaction struct {
	ID         string            `json:"id"`
	SecurityID string            `json:"security_id"`
	UserID     string            `json:"user_id"`
	Type       TransactionType   `json:"type"`
	Quantity   int64             `json:"quantity"`
	Status     TransactionStatus `json:"status"`
	CreatedAt  time.Time         `json:"created_at"`
}

// Fill is one planned settlement against a queued order.
type Fill struct {
	OrderID    string          `json:"order_id"`
	UserID     string          `json:"user_id"`
	SecurityID string          `json:"security_id"`
	Position   int64           `json:"fifo_position"`
	Quantity   int64           `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
}

// Amount is the currency paid out for the fill.
func (f Fill) Amount() decimal.Decimal {
	return f.Price.Mul(decimal.NewFromInt(f.Quantity))
}

// SettlementEvent is emitted for every applied fill and consumed by the
// wallet ledger to credit the seller.
type SettlementEvent struct {
	ID         string          `json:"id"`
	OrderID    string          `json:"order_id"`
	UserID     string          `json:"user_id"`
	SecurityID string          `json:"security_id"`
	Quantity   int64           `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	SettledAt  time.Time       `json:"settled_at"`
}
