// Package store defines the persistence interface for the trading engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Methods that mutate more than one record are atomic: either every write
// lands or none does.
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sharevault/trading-engine/internal/model"
)

// TransactionFilter selects trade-log records for aggregation.
// The window is half-open: [From, To).
type TransactionFilter struct {
	SecurityID string
	Type       model.TransactionType
	Status     model.TransactionStatus
	From       time.Time
	To         time.Time
}

// SecurityMutator changes a security in place inside a store transaction.
// Returning an error aborts the transaction.
type SecurityMutator func(sec *model.Security) error

// Store is the persistence interface. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// --- Securities ---

	// CreateSecurity persists a new security.
	CreateSecurity(ctx context.Context, sec *model.Security) error

	// GetSecurity retrieves a security by its ID.
	GetSecurity(ctx context.Context, id string) (*model.Security, error)

	// ListSecurities returns all securities ordered by ID.
	ListSecurities(ctx context.Context) ([]model.Security, error)

	// --- Pricing ---

	// GetPricingSettings returns the pricing settings of a security.
	GetPricingSettings(ctx context.Context, securityID string) (*model.PricingSettings, error)

	// PutPricingSettings creates or replaces pricing settings.
	PutPricingSettings(ctx context.Context, settings *model.PricingSettings) error

	// LatestPriceEntry returns the most recent history entry produced by
	// method, or model.ErrNotFound.
	LatestPriceEntry(ctx context.Context, securityID string, method model.CalculationMethod) (*model.PriceHistoryEntry, error)

	// ListPriceHistory returns history entries oldest first.
	ListPriceHistory(ctx context.Context, securityID string) ([]model.PriceHistoryEntry, error)

	// ApplyPriceUpdate appends entry and sets the security's quoted price
	// to entry.Price in one transaction. The quoted price must still equal
	// entry.PreviousPrice, otherwise model.ErrTransient is returned.
	ApplyPriceUpdate(ctx context.Context, entry *model.PriceHistoryEntry) error

	// --- Trade log (external, read by the aggregator) ---

	// RecordTransaction appends a trade-log record.
	RecordTransaction(ctx context.Context, tx *model.Transaction) error

	// SumTransactionQuantity sums Quantity over records matching f.
	SumTransactionQuantity(ctx context.Context, f TransactionFilter) (int64, error)

	// --- Accounts, holdings, limits ---

	// GetAccount returns a user's account class.
	GetAccount(ctx context.Context, userID string) (*model.Account, error)

	// PutAccount creates or replaces an account.
	PutAccount(ctx context.Context, acct *model.Account) error

	// GetHolding returns the units of a security a user holds (0 if none).
	GetHolding(ctx context.Context, userID, securityID string) (int64, error)

	// PutHolding creates or replaces a holding.
	PutHolding(ctx context.Context, h *model.Holding) error

	// ListSellingLimitRules returns the active rules for an account class.
	ListSellingLimitRules(ctx context.Context, class model.AccountClass) ([]model.SellingLimitRule, error)

	// PutSellingLimitRule creates or replaces a rule.
	PutSellingLimitRule(ctx context.Context, rule *model.SellingLimitRule) error

	// GetUsage returns the quantity consumed in the window of kind p that
	// starts at windowStart (0 if no record).
	GetUsage(ctx context.Context, userID, securityID string, p model.Period, windowStart time.Time) (int64, error)

	// --- Orders ---

	// AdmitOrder assigns the next FIFO position from the security's
	// append-only sequence, inserts the order, and adds its quantity to the
	// user's daily, weekly and monthly usage, all in one transaction.
	// order.FIFOPosition is set on success.
	AdmitOrder(ctx context.Context, order *model.Order) error

	// GetOrder retrieves an order by ID.
	GetOrder(ctx context.Context, id string) (*model.Order, error)

	// ListOpenOrders returns pending and partial orders of a security in
	// ascending FIFO position, including ones past expiry not yet swept.
	ListOpenOrders(ctx context.Context, securityID string) ([]model.Order, error)

	// PendingSellQuantity sums QuantityRemaining over the user's orders for
	// a security that are still open at now.
	PendingSellQuantity(ctx context.Context, userID, securityID string, now time.Time) (int64, error)

	// TerminateOrder moves a pending or partial order to a terminal status.
	// Returns model.ErrTerminalOrder if the order is already terminal.
	TerminateOrder(ctx context.Context, id string, status model.OrderStatus, at time.Time) error

	// --- Buyback fund and settlement ---

	// GetFundBalance returns a security's buyback fund balance.
	GetFundBalance(ctx context.Context, securityID string) (decimal.Decimal, error)

	// CreditFund adds amount to a security's buyback fund.
	CreditFund(ctx context.Context, securityID string, amount decimal.Decimal) error

	// ApplyFill atomically debits the fund by the fill amount, decrements
	// the order's remaining quantity, sets its status to partial or
	// completed, returns the units to the security's open pool via mutate,
	// and records an unpublished settlement event.
	ApplyFill(ctx context.Context, fill model.Fill, at time.Time, mutate SecurityMutator) (*model.SettlementEvent, error)

	// ListUnpublishedSettlements returns events not yet delivered to the
	// wallet ledger, oldest first.
	ListUnpublishedSettlements(ctx context.Context, securityID string) ([]model.SettlementEvent, error)

	// MarkSettlementsPublished flags events as delivered.
	MarkSettlementsPublished(ctx context.Context, ids []string) error

	// --- Reserves ---

	// GetReserve returns a reserve pool.
	GetReserve(ctx context.Context, securityID, reserveType string) (*model.ReserveAllocation, error)

	// AllocateReserve grows (creating if absent) a reserve pool by qty and
	// applies mutate to the security in the same transaction.
	AllocateReserve(ctx context.Context, securityID, reserveType string, qty int64, mutate SecurityMutator) (*model.ReserveAllocation, error)

	// IssueReserve records an issuance, increments the pool's used quantity
	// and applies mutate to the security in one transaction. Returns
	// model.ErrReserveExceeded if used would pass allocated.
	IssueReserve(ctx context.Context, iss *model.ReserveIssuance, mutate SecurityMutator) error

	// GetReserveIssuance retrieves an issuance by ID.
	GetReserveIssuance(ctx context.Context, id string) (*model.ReserveIssuance, error)

	// UpdateReserveIssuance moves an issued issuance to status. Cancelling
	// restores the pool's used quantity and applies mutate. Returns
	// model.ErrNotReversible unless the issuance is currently issued.
	UpdateReserveIssuance(ctx context.Context, id string, status model.IssuanceStatus, at time.Time, mutate SecurityMutator) (*model.ReserveIssuance, error)
}
