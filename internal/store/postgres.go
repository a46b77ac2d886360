package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/sharevault/trading-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// inTx runs fn in a transaction and classifies the resulting error.
func (s *PostgresStore) inTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	return classify(pgx.BeginFunc(ctx, s.pool, fn))
}

// --- Securities ---

const securityColumns = `id, quoted_price::TEXT, currency, total_units, available_units,
	reserved_units, issued_units, pricing_mode, created_at, updated_at`

func scanSecurity(row pgx.Row) (*model.Security, error) {
	var sec model.Security
	var price, mode string
	if err := row.Scan(&sec.ID, &price, &sec.Currency, &sec.TotalUnits, &sec.AvailableUnits,
		&sec.ReservedUnits, &sec.IssuedUnits, &mode, &sec.CreatedAt, &sec.UpdatedAt); err != nil {
		return nil, err
	}
	sec.QuotedPrice, _ = decimal.NewFromString(price)
	sec.PricingMode = model.PricingMode(mode)
	return &sec, nil
}

func (s *PostgresStore) CreateSecurity(ctx context.Context, sec *model.Security) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`INSERT INTO securities (id, quoted_price, currency, total_units, available_units,
			                         reserved_units, issued_units, pricing_mode, created_at, updated_at)
			 VALUES ($1, $2::NUMERIC, $3, $4, $5, $6, $7, $8, $9, $10)`,
			sec.ID, sec.QuotedPrice.String(), sec.Currency, sec.TotalUnits, sec.AvailableUnits,
			sec.ReservedUnits, sec.IssuedUnits, string(sec.PricingMode), sec.CreatedAt, sec.UpdatedAt,
		); err != nil {
			return err
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO order_sequences (security_id, last_position) VALUES ($1, 0)`, sec.ID); err != nil {
			return err
		}
		_, err := tx.Exec(ctx,
			`INSERT INTO buyback_funds (security_id, balance) VALUES ($1, 0)`, sec.ID)
		return err
	})
}

func (s *PostgresStore) GetSecurity(ctx context.Context, id string) (*model.Security, error) {
	sec, err := scanSecurity(s.pool.QueryRow(ctx,
		`SELECT `+securityColumns+` FROM securities WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get security %s: %w", id, classify(err))
	}
	return sec, nil
}

func (s *PostgresStore) ListSecurities(ctx context.Context) ([]model.Security, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+securityColumns+` FROM securities ORDER BY id`)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []model.Security
	for rows.Next() {
		sec, err := scanSecurity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sec)
	}
	return out, rows.Err()
}

// mutateSecurityTx locks the security row, applies fn and writes it back.
func mutateSecurityTx(ctx context.Context, tx pgx.Tx, id string, fn SecurityMutator, at time.Time) error {
	sec, err := scanSecurity(tx.QueryRow(ctx,
		`SELECT `+securityColumns+` FROM securities WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return fmt.Errorf("lock security %s: %w", id, err)
	}
	if fn == nil {
		return nil
	}
	if err := fn(sec); err != nil {
		return err
	}
	_, err = tx.Exec(ctx,
		`UPDATE securities
		 SET total_units = $2, available_units = $3, reserved_units = $4, issued_units = $5, updated_at = $6
		 WHERE id = $1`,
		id, sec.TotalUnits, sec.AvailableUnits, sec.ReservedUnits, sec.IssuedUnits, at)
	return err
}

// --- Pricing ---

func (s *PostgresStore) GetPricingSettings(ctx context.Context, securityID string) (*model.PricingSettings, error) {
	var ps model.PricingSettings
	var lookback, sensitivity, maxChange, floor string

	err := s.pool.QueryRow(ctx,
		`SELECT security_id, enabled, update_interval_hours, lookback_period,
		        sensitivity_scale::TEXT, max_percent_change_per_cycle::TEXT, price_floor::TEXT
		 FROM pricing_settings WHERE security_id = $1`, securityID).
		Scan(&ps.SecurityID, &ps.Enabled, &ps.UpdateIntervalHours, &lookback,
			&sensitivity, &maxChange, &floor)
	if err != nil {
		return nil, fmt.Errorf("get pricing settings %s: %w", securityID, classify(err))
	}

	ps.LookbackPeriod = model.LookbackPeriod(lookback)
	ps.SensitivityScale, _ = decimal.NewFromString(sensitivity)
	ps.MaxPercentChangePerCycle, _ = decimal.NewFromString(maxChange)
	ps.PriceFloor, _ = decimal.NewFromString(floor)
	return &ps, nil
}

func (s *PostgresStore) PutPricingSettings(ctx context.Context, ps *model.PricingSettings) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pricing_settings (security_id, enabled, update_interval_hours, lookback_period,
		                               sensitivity_scale, max_percent_change_per_cycle, price_floor)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC)
		 ON CONFLICT (security_id) DO UPDATE SET
		     enabled = EXCLUDED.enabled,
		     update_interval_hours = EXCLUDED.update_interval_hours,
		     lookback_period = EXCLUDED.lookback_period,
		     sensitivity_scale = EXCLUDED.sensitivity_scale,
		     max_percent_change_per_cycle = EXCLUDED.max_percent_change_per_cycle,
		     price_floor = EXCLUDED.price_floor`,
		ps.SecurityID, ps.Enabled, ps.UpdateIntervalHours, string(ps.LookbackPeriod),
		ps.SensitivityScale.String(), ps.MaxPercentChangePerCycle.String(), ps.PriceFloor.String(),
	)
	return classify(err)
}

const historyColumns = `id, security_id, price::TEXT, previous_price::TEXT, percent_change::TEXT,
	calculation_method, computed_at, factors`

func scanHistoryEntry(row pgx.Row) (*model.PriceHistoryEntry, error) {
	var e model.PriceHistoryEntry
	var price, prev, pct, method string
	var factors []byte
	if err := row.Scan(&e.ID, &e.SecurityID, &price, &prev, &pct, &method, &e.ComputedAt, &factors); err != nil {
		return nil, err
	}
	e.Price, _ = decimal.NewFromString(price)
	e.PreviousPrice, _ = decimal.NewFromString(prev)
	e.PercentChange, _ = decimal.NewFromString(pct)
	e.CalculationMethod = model.CalculationMethod(method)
	if err := json.Unmarshal(factors, &e.Factors); err != nil {
		return nil, fmt.Errorf("decode factors of %s: %w", e.ID, err)
	}
	return &e, nil
}

func (s *PostgresStore) LatestPriceEntry(ctx context.Context, securityID string, method model.CalculationMethod) (*model.PriceHistoryEntry, error) {
	e, err := scanHistoryEntry(s.pool.QueryRow(ctx,
		`SELECT `+historyColumns+` FROM price_history
		 WHERE security_id = $1 AND calculation_method = $2
		 ORDER BY computed_at DESC LIMIT 1`, securityID, string(method)))
	if err != nil {
		return nil, fmt.Errorf("latest price entry %s: %w", securityID, classify(err))
	}
	return e, nil
}

func (s *PostgresStore) ListPriceHistory(ctx context.Context, securityID string) ([]model.PriceHistoryEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+historyColumns+` FROM price_history WHERE security_id = $1 ORDER BY computed_at`, securityID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []model.PriceHistoryEntry
	for rows.Next() {
		e, err := scanHistoryEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ApplyPriceUpdate(ctx context.Context, e *model.PriceHistoryEntry) error {
	factors, err := json.Marshal(e.Factors)
	if err != nil {
		return err
	}
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE securities SET quoted_price = $2::NUMERIC, updated_at = $4
			 WHERE id = $1 AND quoted_price = $3::NUMERIC`,
			e.SecurityID, e.Price.String(), e.PreviousPrice.String(), e.ComputedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("quoted price of %s moved: %w", e.SecurityID, model.ErrTransient)
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO price_history (id, security_id, price, previous_price, percent_change,
			                            calculation_method, computed_at, factors)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6, $7, $8::JSONB)`,
			e.ID, e.SecurityID, e.Price.String(), e.PreviousPrice.String(), e.PercentChange.String(),
			string(e.CalculationMethod), e.ComputedAt, string(factors))
		return err
	})
}

// --- Trade log ---

func (s *PostgresStore) RecordTransaction(ctx context.Context, t *model.Transaction) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO transactions (id, security_id, user_id, type, quantity, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		t.ID, t.SecurityID, t.UserID, string(t.Type), t.Quantity, string(t.Status), t.CreatedAt)
	return classify(err)
}

func (s *PostgresStore) SumTransactionQuantity(ctx context.Context, f TransactionFilter) (int64, error) {
	var sum int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(quantity), 0)::BIGINT FROM transactions
		 WHERE security_id = $1 AND type = $2 AND status = $3
		   AND created_at >= $4 AND created_at < $5`,
		f.SecurityID, string(f.Type), string(f.Status), f.From, f.To).Scan(&sum)
	if err != nil {
		return 0, classify(err)
	}
	return sum, nil
}

// --- Accounts, holdings, limits ---

func (s *PostgresStore) GetAccount(ctx context.Context, userID string) (*model.Account, error) {
	var a model.Account
	var class string
	err := s.pool.QueryRow(ctx,
		`SELECT user_id, account_class FROM accounts WHERE user_id = $1`, userID).Scan(&a.UserID, &class)
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", userID, classify(err))
	}
	a.AccountClass = model.AccountClass(class)
	return &a, nil
}

func (s *PostgresStore) PutAccount(ctx context.Context, a *model.Account) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (user_id, account_class) VALUES ($1, $2)
		 ON CONFLICT (user_id) DO UPDATE SET account_class = EXCLUDED.account_class`,
		a.UserID, string(a.AccountClass))
	return classify(err)
}

func (s *PostgresStore) GetHolding(ctx context.Context, userID, securityID string) (int64, error) {
	var units int64
	err := s.pool.QueryRow(ctx,
		`SELECT units FROM holdings WHERE user_id = $1 AND security_id = $2`,
		userID, securityID).Scan(&units)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, classify(err)
	}
	return units, nil
}

func (s *PostgresStore) PutHolding(ctx context.Context, h *model.Holding) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO holdings (user_id, security_id, units) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, security_id) DO UPDATE SET units = EXCLUDED.units`,
		h.UserID, h.SecurityID, h.Units)
	return classify(err)
}

func (s *PostgresStore) ListSellingLimitRules(ctx context.Context, class model.AccountClass) ([]model.SellingLimitRule, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_class, metric, daily_limit::TEXT, weekly_limit::TEXT, monthly_limit::TEXT, active
		 FROM selling_limit_rules WHERE account_class = $1 AND active ORDER BY id`, string(class))
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []model.SellingLimitRule
	for rows.Next() {
		var r model.SellingLimitRule
		var cls, metric string
		var daily, weekly, monthly *string
		if err := rows.Scan(&r.ID, &cls, &metric, &daily, &weekly, &monthly, &r.Active); err != nil {
			return nil, err
		}
		r.AccountClass = model.AccountClass(cls)
		r.Metric = model.LimitMetric(metric)
		r.DailyLimit = nullDecimal(daily)
		r.WeeklyLimit = nullDecimal(weekly)
		r.MonthlyLimit = nullDecimal(monthly)
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PutSellingLimitRule(ctx context.Context, r *model.SellingLimitRule) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO selling_limit_rules (id, account_class, metric, daily_limit, weekly_limit, monthly_limit, active)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7)
		 ON CONFLICT (id) DO UPDATE SET
		     account_class = EXCLUDED.account_class, metric = EXCLUDED.metric,
		     daily_limit = EXCLUDED.daily_limit, weekly_limit = EXCLUDED.weekly_limit,
		     monthly_limit = EXCLUDED.monthly_limit, active = EXCLUDED.active`,
		r.ID, string(r.AccountClass), string(r.Metric),
		nullString(r.DailyLimit), nullString(r.WeeklyLimit), nullString(r.MonthlyLimit), r.Active)
	return classify(err)
}

func (s *PostgresStore) GetUsage(ctx context.Context, userID, securityID string, p model.Period, windowStart time.Time) (int64, error) {
	var qty int64
	err := s.pool.QueryRow(ctx,
		`SELECT quantity_consumed FROM usage_records
		 WHERE user_id = $1 AND security_id = $2 AND period = $3 AND window_start = $4`,
		userID, securityID, string(p), windowStart.UTC()).Scan(&qty)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, classify(err)
	}
	return qty, nil
}

// --- Orders ---

const orderColumns = `id, user_id, security_id, quantity_requested, quantity_remaining,
	requested_price::TEXT, fifo_position, status, created_at, updated_at, expires_at`

func scanOrder(row pgx.Row) (*model.Order, error) {
	var o model.Order
	var price, status string
	if err := row.Scan(&o.ID, &o.UserID, &o.SecurityID, &o.QuantityRequested, &o.QuantityRemaining,
		&price, &o.FIFOPosition, &status, &o.CreatedAt, &o.UpdatedAt, &o.ExpiresAt); err != nil {
		return nil, err
	}
	o.RequestedPrice, _ = decimal.NewFromString(price)
	o.Status = model.OrderStatus(status)
	return &o, nil
}

func (s *PostgresStore) AdmitOrder(ctx context.Context, o *model.Order) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		// The sequence row lock serializes admissions per security.
		var pos int64
		if err := tx.QueryRow(ctx,
			`UPDATE order_sequences SET last_position = last_position + 1
			 WHERE security_id = $1 RETURNING last_position`, o.SecurityID).Scan(&pos); err != nil {
			return fmt.Errorf("next position for %s: %w", o.SecurityID, err)
		}

		if _, err := tx.Exec(ctx,
			`INSERT INTO orders (id, user_id, security_id, quantity_requested, quantity_remaining,
			                     requested_price, fifo_position, status, created_at, updated_at, expires_at)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8, $9, $10, $11)`,
			o.ID, o.UserID, o.SecurityID, o.QuantityRequested, o.QuantityRemaining,
			o.RequestedPrice.String(), pos, string(o.Status), o.CreatedAt, o.UpdatedAt, o.ExpiresAt,
		); err != nil {
			return err
		}

		for _, p := range model.Periods {
			if _, err := tx.Exec(ctx,
				`INSERT INTO usage_records (user_id, security_id, period, window_start, quantity_consumed)
				 VALUES ($1, $2, $3, $4, $5)
				 ON CONFLICT (user_id, security_id, period, window_start)
				 DO UPDATE SET quantity_consumed = usage_records.quantity_consumed + EXCLUDED.quantity_consumed`,
				o.UserID, o.SecurityID, string(p), p.WindowStart(o.CreatedAt), o.QuantityRequested,
			); err != nil {
				return err
			}
		}
		o.FIFOPosition = pos
		return nil
	})
}

func (s *PostgresStore) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get order %s: %w", id, classify(err))
	}
	return o, nil
}

func (s *PostgresStore) ListOpenOrders(ctx context.Context, securityID string) ([]model.Order, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE security_id = $1 AND status IN ('pending', 'partial')
		 ORDER BY fifo_position`, securityID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *o)
	}
	return out, rows.Err()
}

func (s *PostgresStore) PendingSellQuantity(ctx context.Context, userID, securityID string, now time.Time) (int64, error) {
	var sum int64
	err := s.pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(quantity_remaining), 0)::BIGINT FROM orders
		 WHERE user_id = $1 AND security_id = $2
		   AND status IN ('pending', 'partial') AND expires_at >= $3`,
		userID, securityID, now).Scan(&sum)
	if err != nil {
		return 0, classify(err)
	}
	return sum, nil
}

func (s *PostgresStore) TerminateOrder(ctx context.Context, id string, status model.OrderStatus, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE orders SET status = $2, updated_at = $3
		 WHERE id = $1 AND status IN ('pending', 'partial')`, id, string(status), at)
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}
	if _, err := s.GetOrder(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("order %s: %w", id, model.ErrTerminalOrder)
}

// --- Buyback fund and settlement ---

func (s *PostgresStore) GetFundBalance(ctx context.Context, securityID string) (decimal.Decimal, error) {
	var bal string
	err := s.pool.QueryRow(ctx,
		`SELECT balance::TEXT FROM buyback_funds WHERE security_id = $1`, securityID).Scan(&bal)
	if err != nil {
		return decimal.Zero, fmt.Errorf("fund balance %s: %w", securityID, classify(err))
	}
	return decimal.NewFromString(bal)
}

func (s *PostgresStore) CreditFund(ctx context.Context, securityID string, amount decimal.Decimal) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE buyback_funds SET balance = balance + $2::NUMERIC WHERE security_id = $1`,
		securityID, amount.String())
	if err != nil {
		return classify(err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("fund %s: %w", securityID, model.ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) ApplyFill(ctx context.Context, fill model.Fill, at time.Time, mutate SecurityMutator) (*model.SettlementEvent, error) {
	amount := fill.Amount()
	ev := &model.SettlementEvent{
		ID:         uuid.New().String(),
		OrderID:    fill.OrderID,
		UserID:     fill.UserID,
		SecurityID: fill.SecurityID,
		Quantity:   fill.Quantity,
		Price:      fill.Price,
		Amount:     amount,
		SettledAt:  at,
	}

	err := s.inTx(ctx, func(tx pgx.Tx) error {
		// Conditional debit: the fund can never go negative.
		tag, err := tx.Exec(ctx,
			`UPDATE buyback_funds SET balance = balance - $2::NUMERIC
			 WHERE security_id = $1 AND balance >= $2::NUMERIC`,
			fill.SecurityID, amount.String())
		if err != nil {
			return err
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("fund %s cannot cover %s: %w", fill.SecurityID, amount, model.ErrInsufficientFunds)
		}

		tag, err = tx.Exec(ctx,
			`UPDATE orders SET
			     quantity_remaining = quantity_remaining - $2,
			     status = CASE WHEN quantity_remaining - $2 = 0 THEN 'completed' ELSE 'partial' END,
			     updated_at = $3
			 WHERE id = $1 AND status IN ('pending', 'partial') AND quantity_remaining >= $2`,
			fill.OrderID, fill.Quantity, at)
		if err != nil {
			return err
		}
		if tag.RowsAffected() != 1 {
			return fmt.Errorf("order %s cannot take fill of %d: %w", fill.OrderID, fill.Quantity, model.ErrIntegrity)
		}

		if err := mutateSecurityTx(ctx, tx, fill.SecurityID, mutate, at); err != nil {
			return err
		}
		if err := tx.QueryRow(ctx,
			`SELECT currency FROM securities WHERE id = $1`, fill.SecurityID).Scan(&ev.Currency); err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO settlements (id, order_id, user_id, security_id, quantity, price, amount, currency, settled_at)
			 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8, $9)`,
			ev.ID, ev.OrderID, ev.UserID, ev.SecurityID, ev.Quantity,
			ev.Price.String(), ev.Amount.String(), ev.Currency, ev.SettledAt)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ev, nil
}

func (s *PostgresStore) ListUnpublishedSettlements(ctx context.Context, securityID string) ([]model.SettlementEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, order_id, user_id, security_id, quantity, price::TEXT, amount::TEXT, currency, settled_at
		 FROM settlements WHERE security_id = $1 AND NOT published ORDER BY settled_at`, securityID)
	if err != nil {
		return nil, classify(err)
	}
	defer rows.Close()

	var out []model.SettlementEvent
	for rows.Next() {
		var ev model.SettlementEvent
		var price, amount string
		if err := rows.Scan(&ev.ID, &ev.OrderID, &ev.UserID, &ev.SecurityID, &ev.Quantity,
			&price, &amount, &ev.Currency, &ev.SettledAt); err != nil {
			return nil, err
		}
		ev.Price, _ = decimal.NewFromString(price)
		ev.Amount, _ = decimal.NewFromString(amount)
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *PostgresStore) MarkSettlementsPublished(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.pool.Exec(ctx, `UPDATE settlements SET published = TRUE WHERE id = ANY($1)`, ids)
	return classify(err)
}

// --- Reserves ---

func (s *PostgresStore) GetReserve(ctx context.Context, securityID, reserveType string) (*model.ReserveAllocation, error) {
	r := model.ReserveAllocation{SecurityID: securityID, ReserveType: reserveType}
	err := s.pool.QueryRow(ctx,
		`SELECT allocated_quantity, used_quantity FROM reserve_allocations
		 WHERE security_id = $1 AND reserve_type = $2`, securityID, reserveType).
		Scan(&r.AllocatedQuantity, &r.UsedQuantity)
	if err != nil {
		return nil, fmt.Errorf("get reserve %s/%s: %w", securityID, reserveType, classify(err))
	}
	return &r, nil
}

func (s *PostgresStore) AllocateReserve(ctx context.Context, securityID, reserveType string, qty int64, mutate SecurityMutator) (*model.ReserveAllocation, error) {
	r := model.ReserveAllocation{SecurityID: securityID, ReserveType: reserveType}
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		if err := mutateSecurityTx(ctx, tx, securityID, mutate, time.Now().UTC()); err != nil {
			return err
		}
		return tx.QueryRow(ctx,
			`INSERT INTO reserve_allocations (security_id, reserve_type, allocated_quantity, used_quantity)
			 VALUES ($1, $2, $3, 0)
			 ON CONFLICT (security_id, reserve_type)
			 DO UPDATE SET allocated_quantity = reserve_allocations.allocated_quantity + EXCLUDED.allocated_quantity
			 RETURNING allocated_quantity, used_quantity`,
			securityID, reserveType, qty).Scan(&r.AllocatedQuantity, &r.UsedQuantity)
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) IssueReserve(ctx context.Context, iss *model.ReserveIssuance, mutate SecurityMutator) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE reserve_allocations SET used_quantity = used_quantity + $3
			 WHERE security_id = $1 AND reserve_type = $2 AND used_quantity + $3 <= allocated_quantity`,
			iss.SecurityID, iss.ReserveType, iss.Quantity)
		if err != nil {
			return err
		}
		if tag.RowsAffected() != 1 {
			if _, err := s.GetReserve(ctx, iss.SecurityID, iss.ReserveType); err != nil {
				return err
			}
			return fmt.Errorf("%d requested from %s/%s: %w", iss.Quantity, iss.SecurityID, iss.ReserveType, model.ErrReserveExceeded)
		}
		if err := mutateSecurityTx(ctx, tx, iss.SecurityID, mutate, iss.CreatedAt); err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO reserve_issuances (id, security_id, reserve_type, user_id, quantity, status, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			iss.ID, iss.SecurityID, iss.ReserveType, iss.UserID, iss.Quantity,
			string(iss.Status), iss.CreatedAt, iss.UpdatedAt)
		return err
	})
}

const issuanceColumns = `id, security_id, reserve_type, user_id, quantity, status, created_at, updated_at`

func scanIssuance(row pgx.Row) (*model.ReserveIssuance, error) {
	var iss model.ReserveIssuance
	var status string
	if err := row.Scan(&iss.ID, &iss.SecurityID, &iss.ReserveType, &iss.UserID, &iss.Quantity,
		&status, &iss.CreatedAt, &iss.UpdatedAt); err != nil {
		return nil, err
	}
	iss.Status = model.IssuanceStatus(status)
	return &iss, nil
}

func (s *PostgresStore) GetReserveIssuance(ctx context.Context, id string) (*model.ReserveIssuance, error) {
	iss, err := scanIssuance(s.pool.QueryRow(ctx,
		`SELECT `+issuanceColumns+` FROM reserve_issuances WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("get issuance %s: %w", id, classify(err))
	}
	return iss, nil
}

func (s *PostgresStore) UpdateReserveIssuance(ctx context.Context, id string, status model.IssuanceStatus, at time.Time, mutate SecurityMutator) (*model.ReserveIssuance, error) {
	var out *model.ReserveIssuance
	err := s.inTx(ctx, func(tx pgx.Tx) error {
		iss, err := scanIssuance(tx.QueryRow(ctx,
			`SELECT `+issuanceColumns+` FROM reserve_issuances WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return fmt.Errorf("get issuance %s: %w", id, err)
		}
		if iss.Status != model.IssuanceIssued {
			return fmt.Errorf("issuance %s is %s: %w", id, iss.Status, model.ErrNotReversible)
		}
		if status == model.IssuanceCancelled {
			if _, err := tx.Exec(ctx,
				`UPDATE reserve_allocations SET used_quantity = used_quantity - $3
				 WHERE security_id = $1 AND reserve_type = $2`,
				iss.SecurityID, iss.ReserveType, iss.Quantity); err != nil {
				return err
			}
			if err := mutateSecurityTx(ctx, tx, iss.SecurityID, mutate, at); err != nil {
				return err
			}
		}
		if _, err := tx.Exec(ctx,
			`UPDATE reserve_issuances SET status = $2, updated_at = $3 WHERE id = $1`,
			id, string(status), at); err != nil {
			return err
		}
		iss.Status = status
		iss.UpdatedAt = at
		out = iss
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func nullDecimal(s *string) decimal.NullDecimal {
	if s == nil {
		return decimal.NullDecimal{}
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return decimal.NullDecimal{}
	}
	return decimal.NullDecimal{Decimal: d, Valid: true}
}

func nullString(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	s := d.Decimal.String()
	return &s
}
