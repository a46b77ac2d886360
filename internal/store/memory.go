package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/sharevault/trading-engine/internal/model"
)

type usageKey struct {
	userID      string
	securityID  string
	period      model.Period
	windowStart time.Time
}

type settlementRecord struct {
	event     model.SettlementEvent
	published bool
}

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// A single mutex guards everything, which makes every method atomic.
type MemoryStore struct {
	mu          sync.RWMutex
	securities  map[string]*model.Security
	settings    map[string]*model.PricingSettings
	history     []model.PriceHistoryEntry
	txs         []model.Transaction
	accounts    map[string]*model.Account
	holdings    map[string]int64
	rules       map[string]*model.SellingLimitRule
	usage       map[usageKey]int64
	orders      map[string]*model.Order
	sequences   map[string]int64
	funds       map[string]decimal.Decimal
	settlements []settlementRecord
	reserves    map[string]*model.ReserveAllocation
	issuances   map[string]*model.ReserveIssuance
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		securities: make(map[string]*model.Security),
		settings:   make(map[string]*model.PricingSettings),
		accounts:   make(map[string]*model.Account),
		holdings:   make(map[string]int64),
		rules:      make(map[string]*model.SellingLimitRule),
		usage:      make(map[usageKey]int64),
		orders:     make(map[string]*model.Order),
		sequences:  make(map[string]int64),
		funds:      make(map[string]decimal.Decimal),
		reserves:   make(map[string]*model.ReserveAllocation),
		issuances:  make(map[string]*model.ReserveIssuance),
	}
}

// --- Securities ---

func (s *MemoryStore) CreateSecurity(_ context.Context, sec *model.Security) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.securities[sec.ID]; ok {
		return fmt.Errorf("security %s: %w", sec.ID, model.ErrAlreadyExists)
	}
	// Store a copy to avoid external mutation.
	copy := *sec
	s.securities[sec.ID] = &copy
	return nil
}

func (s *MemoryStore) GetSecurity(_ context.Context, id string) (*model.Security, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sec, ok := s.securities[id]
	if !ok {
		return nil, fmt.Errorf("security %s: %w", id, model.ErrNotFound)
	}
	copy := *sec
	return &copy, nil
}

func (s *MemoryStore) ListSecurities(_ context.Context) ([]model.Security, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]model.Security, 0, len(s.securities))
	for _, sec := range s.securities {
		out = append(out, *sec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// mutateSecurity applies fn to a scratch copy and commits it only if fn
// succeeds. Caller holds s.mu.
func (s *MemoryStore) mutateSecurity(id string, fn SecurityMutator) error {
	sec, ok := s.securities[id]
	if !ok {
		return fmt.Errorf("security %s: %w", id, model.ErrNotFound)
	}
	if fn == nil {
		return nil
	}
	scratch := *sec
	if err := fn(&scratch); err != nil {
		return err
	}
	*sec = scratch
	return nil
}

// --- Pricing ---

func (s *MemoryStore) GetPricingSettings(_ context.Context, securityID string) (*model.PricingSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ps, ok := s.settings[securityID]
	if !ok {
		return nil, fmt.Errorf("pricing settings %s: %w", securityID, model.ErrNotFound)
	}
	copy := *ps
	return &copy, nil
}

func (s *MemoryStore) PutPricingSettings(_ context.Context, ps *model.PricingSettings) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *ps
	s.settings[ps.SecurityID] = &copy
	return nil
}

func (s *MemoryStore) LatestPriceEntry(_ context.Context, securityID string, method model.CalculationMethod) (*model.PriceHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *model.PriceHistoryEntry
	for i := range s.history {
		e := &s.history[i]
		if e.SecurityID != securityID || e.CalculationMethod != method {
			continue
		}
		if latest == nil || e.ComputedAt.After(latest.ComputedAt) {
			latest = e
		}
	}
	if latest == nil {
		return nil, fmt.Errorf("price history %s: %w", securityID, model.ErrNotFound)
	}
	copy := *latest
	return &copy, nil
}

func (s *MemoryStore) ListPriceHistory(_ context.Context, securityID string) ([]model.PriceHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.PriceHistoryEntry
	for _, e := range s.history {
		if e.SecurityID == securityID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *MemoryStore) ApplyPriceUpdate(_ context.Context, entry *model.PriceHistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sec, ok := s.securities[entry.SecurityID]
	if !ok {
		return fmt.Errorf("security %s: %w", entry.SecurityID, model.ErrNotFound)
	}
	if !sec.QuotedPrice.Equal(entry.PreviousPrice) {
		return fmt.Errorf("quoted price of %s moved: %w", entry.SecurityID, model.ErrTransient)
	}
	s.history = append(s.history, *entry)
	sec.QuotedPrice = entry.Price
	sec.UpdatedAt = entry.ComputedAt
	return nil
}

// --- Trade log ---

func (s *MemoryStore) RecordTransaction(_ context.Context, tx *model.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.txs = append(s.txs, *tx)
	return nil
}

func (s *MemoryStore) SumTransactionQuantity(_ context.Context, f TransactionFilter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum int64
	for _, tx := range s.txs {
		if tx.SecurityID != f.SecurityID || tx.Type != f.Type || tx.Status != f.Status {
			continue
		}
		if tx.CreatedAt.Before(f.From) || !tx.CreatedAt.Before(f.To) {
			continue
		}
		sum += tx.Quantity
	}
	return sum, nil
}

// --- Accounts, holdings, limits ---

func (s *MemoryStore) GetAccount(_ context.Context, userID string) (*model.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.accounts[userID]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", userID, model.ErrNotFound)
	}
	copy := *a
	return &copy, nil
}

func (s *MemoryStore) PutAccount(_ context.Context, acct *model.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *acct
	s.accounts[acct.UserID] = &copy
	return nil
}

func (s *MemoryStore) GetHolding(_ context.Context, userID, securityID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.holdings[holdingKey(userID, securityID)], nil
}

func (s *MemoryStore) PutHolding(_ context.Context, h *model.Holding) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.holdings[holdingKey(h.UserID, h.SecurityID)] = h.Units
	return nil
}

func (s *MemoryStore) ListSellingLimitRules(_ context.Context, class model.AccountClass) ([]model.SellingLimitRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.SellingLimitRule
	for _, r := range s.rules {
		if r.AccountClass == class && r.Active {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) PutSellingLimitRule(_ context.Context, rule *model.SellingLimitRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copy := *rule
	if copy.ID == "" {
		copy.ID = uuid.New().String()
		rule.ID = copy.ID
	}
	s.rules[copy.ID] = &copy
	return nil
}

func (s *MemoryStore) GetUsage(_ context.Context, userID, securityID string, p model.Period, windowStart time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.usage[usageKey{userID, securityID, p, windowStart.UTC()}], nil
}

// --- Orders ---

func (s *MemoryStore) AdmitOrder(_ context.Context, o *model.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.orders[o.ID]; ok {
		return fmt.Errorf("order %s: %w", o.ID, model.ErrAlreadyExists)
	}
	s.sequences[o.SecurityID]++
	o.FIFOPosition = s.sequences[o.SecurityID]

	copy := *o
	s.orders[o.ID] = &copy

	for _, p := range model.Periods {
		k := usageKey{o.UserID, o.SecurityID, p, p.WindowStart(o.CreatedAt)}
		s.usage[k] += o.QuantityRequested
	}
	return nil
}

func (s *MemoryStore) GetOrder(_ context.Context, id string) (*model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, model.ErrNotFound)
	}
	copy := *o
	return &copy, nil
}

func (s *MemoryStore) ListOpenOrders(_ context.Context, securityID string) ([]model.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Order
	for _, o := range s.orders {
		if o.SecurityID == securityID && !o.Status.Terminal() {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FIFOPosition < out[j].FIFOPosition })
	return out, nil
}

func (s *MemoryStore) PendingSellQuantity(_ context.Context, userID, securityID string, now time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var sum int64
	for _, o := range s.orders {
		if o.UserID == userID && o.SecurityID == securityID && o.Open(now) {
			sum += o.QuantityRemaining
		}
	}
	return sum, nil
}

func (s *MemoryStore) TerminateOrder(_ context.Context, id string, status model.OrderStatus, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return fmt.Errorf("order %s: %w", id, model.ErrNotFound)
	}
	if o.Status.Terminal() {
		return fmt.Errorf("order %s is %s: %w", id, o.Status, model.ErrTerminalOrder)
	}
	o.Status = status
	o.UpdatedAt = at
	return nil
}

// --- Buyback fund and settlement ---

func (s *MemoryStore) GetFundBalance(_ context.Context, securityID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.funds[securityID], nil
}

func (s *MemoryStore) CreditFund(_ context.Context, securityID string, amount decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.securities[securityID]; !ok {
		return fmt.Errorf("security %s: %w", securityID, model.ErrNotFound)
	}
	s.funds[securityID] = s.funds[securityID].Add(amount)
	return nil
}

func (s *MemoryStore) ApplyFill(_ context.Context, fill model.Fill, at time.Time, mutate SecurityMutator) (*model.SettlementEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[fill.OrderID]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", fill.OrderID, model.ErrNotFound)
	}
	if o.Status.Terminal() {
		return nil, fmt.Errorf("order %s is %s: %w", o.ID, o.Status, model.ErrTerminalOrder)
	}
	if fill.Quantity <= 0 || fill.Quantity > o.QuantityRemaining {
		return nil, fmt.Errorf("fill of %d exceeds remaining %d on order %s: %w",
			fill.Quantity, o.QuantityRemaining, o.ID, model.ErrIntegrity)
	}

	amount := fill.Amount()
	balance := s.funds[fill.SecurityID]
	if balance.LessThan(amount) {
		return nil, fmt.Errorf("fund %s has %s, fill needs %s: %w",
			fill.SecurityID, balance, amount, model.ErrInsufficientFunds)
	}

	if err := s.mutateSecurity(fill.SecurityID, mutate); err != nil {
		return nil, err
	}

	s.funds[fill.SecurityID] = balance.Sub(amount)
	o.QuantityRemaining -= fill.Quantity
	o.Status = model.OrderPartial
	if o.QuantityRemaining == 0 {
		o.Status = model.OrderCompleted
	}
	o.UpdatedAt = at

	ev := model.SettlementEvent{
		ID:         uuid.New().String(),
		OrderID:    fill.OrderID,
		UserID:     fill.UserID,
		SecurityID: fill.SecurityID,
		Quantity:   fill.Quantity,
		Price:      fill.Price,
		Amount:     amount,
		Currency:   s.securities[fill.SecurityID].Currency,
		SettledAt:  at,
	}
	s.settlements = append(s.settlements, settlementRecord{event: ev})
	return &ev, nil
}

func (s *MemoryStore) ListUnpublishedSettlements(_ context.Context, securityID string) ([]model.SettlementEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.SettlementEvent
	for _, r := range s.settlements {
		if !r.published && r.event.SecurityID == securityID {
			out = append(out, r.event)
		}
	}
	return out, nil
}

func (s *MemoryStore) MarkSettlementsPublished(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	for i := range s.settlements {
		if want[s.settlements[i].event.ID] {
			s.settlements[i].published = true
		}
	}
	return nil
}

// --- Reserves ---

func (s *MemoryStore) GetReserve(_ context.Context, securityID, reserveType string) (*model.ReserveAllocation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.reserves[reserveKey(securityID, reserveType)]
	if !ok {
		return nil, fmt.Errorf("reserve %s/%s: %w", securityID, reserveType, model.ErrNotFound)
	}
	copy := *r
	return &copy, nil
}

func (s *MemoryStore) AllocateReserve(_ context.Context, securityID, reserveType string, qty int64, mutate SecurityMutator) (*model.ReserveAllocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.mutateSecurity(securityID, mutate); err != nil {
		return nil, err
	}
	key := reserveKey(securityID, reserveType)
	r, ok := s.reserves[key]
	if !ok {
		r = &model.ReserveAllocation{SecurityID: securityID, ReserveType: reserveType}
		s.reserves[key] = r
	}
	r.AllocatedQuantity += qty
	copy := *r
	return &copy, nil
}

func (s *MemoryStore) IssueReserve(_ context.Context, iss *model.ReserveIssuance, mutate SecurityMutator) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.reserves[reserveKey(iss.SecurityID, iss.ReserveType)]
	if !ok {
		return fmt.Errorf("reserve %s/%s: %w", iss.SecurityID, iss.ReserveType, model.ErrNotFound)
	}
	if r.UsedQuantity+iss.Quantity > r.AllocatedQuantity {
		return fmt.Errorf("%d requested, %d remaining: %w", iss.Quantity, r.Remaining(), model.ErrReserveExceeded)
	}
	if err := s.mutateSecurity(iss.SecurityID, mutate); err != nil {
		return err
	}
	r.UsedQuantity += iss.Quantity
	copy := *iss
	s.issuances[iss.ID] = &copy
	return nil
}

func (s *MemoryStore) GetReserveIssuance(_ context.Context, id string) (*model.ReserveIssuance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	iss, ok := s.issuances[id]
	if !ok {
		return nil, fmt.Errorf("issuance %s: %w", id, model.ErrNotFound)
	}
	copy := *iss
	return &copy, nil
}

func (s *MemoryStore) UpdateReserveIssuance(_ context.Context, id string, status model.IssuanceStatus, at time.Time, mutate SecurityMutator) (*model.ReserveIssuance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	iss, ok := s.issuances[id]
	if !ok {
		return nil, fmt.Errorf("issuance %s: %w", id, model.ErrNotFound)
	}
	if iss.Status != model.IssuanceIssued {
		return nil, fmt.Errorf("issuance %s is %s: %w", id, iss.Status, model.ErrNotReversible)
	}
	if status == model.IssuanceCancelled {
		r := s.reserves[reserveKey(iss.SecurityID, iss.ReserveType)]
		if err := s.mutateSecurity(iss.SecurityID, mutate); err != nil {
			return nil, err
		}
		r.UsedQuantity -= iss.Quantity
	}
	iss.Status = status
	iss.UpdatedAt = at
	copy := *iss
	return &copy, nil
}

func holdingKey(userID, securityID string) string  { return userID + "|" + securityID }
func reserveKey(securityID, reserveType string) string { return securityID + "|" + reserveType }
