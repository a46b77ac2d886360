package trade_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/sharevault/trading-engine/internal/events"
	"github.com/sharevault/trading-engine/internal/lock"
	"github.com/sharevault/trading-engine/internal/model"
	"github.com/sharevault/trading-engine/internal/pricing"
	"github.com/sharevault/trading-engine/internal/queue"
	"github.com/sharevault/trading-engine/internal/store"
	"github.com/sharevault/trading-engine/internal/trade"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var t0 = time.Date(2025, 8, 14, 12, 0, 0, 0, time.UTC)

type testEnv struct {
	svc    *trade.Service
	store  *store.MemoryStore
	pub    *events.MemoryPublisher
	router chi.Router
	now    time.Time
}

// newTestEnv creates a test Service with in-memory store and chi router.
func newTestEnv(t *testing.T, opts trade.Options) *testEnv {
	t.Helper()
	env := &testEnv{store: store.NewMemoryStore(), pub: events.NewMemoryPublisher(), now: t0}
	env.svc = trade.NewService(env.store, lock.NewLocal(), env.pub, nil, opts)
	env.svc.SetClock(func() time.Time { return env.now })

	r := chi.NewRouter()
	r.Route("/api/v1", env.svc.RegisterRoutes)
	env.router = r
	return env
}

func (env *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, "/api/v1"+path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	return w
}

func expectStatus(t *testing.T, w *httptest.ResponseRecorder, want int) {
	t.Helper()
	if w.Code != want {
		t.Fatalf("expected %d, got %d: %s", want, w.Code, w.Body.String())
	}
}

func decodeBody[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return v
}

type errorBody struct {
	Error      string           `json:"error"`
	Constraint model.Constraint `json:"constraint"`
	Remaining  *int64           `json:"remaining"`
}

// seedSecurity creates ACME at 10 GBP with 5000 of 10000 units issued.
func seedSecurity(t *testing.T, env *testEnv, settings *model.PricingSettings) {
	t.Helper()
	req := map[string]any{
		"id":           "ACME",
		"quoted_price": "10",
		"currency":     "GBP",
		"total_units":  10000,
		"issued_units": 5000,
		"pricing_mode": "automatic",
	}
	if settings != nil {
		req["pricing_settings"] = settings
	}
	expectStatus(t, env.do(t, "POST", "/securities", req), http.StatusCreated)
}

func seedSeller(t *testing.T, env *testEnv, userID string, units int64) {
	t.Helper()
	expectStatus(t, env.do(t, "PUT", "/accounts/"+userID, map[string]string{"account_class": "individual"}), http.StatusOK)
	expectStatus(t, env.do(t, "PUT", "/users/"+userID+"/holdings/ACME", map[string]int64{"units": units}), http.StatusOK)
}

func submit(t *testing.T, env *testEnv, userID string, qty int64) *httptest.ResponseRecorder {
	t.Helper()
	return env.do(t, "POST", "/orders", trade.SubmitOrderRequest{UserID: userID, SecurityID: "ACME", Quantity: qty})
}

// --- Securities ---

func TestCreateSecurity(t *testing.T) {
	env := newTestEnv(t, trade.Options{})
	seedSecurity(t, env, nil)

	w := env.do(t, "GET", "/securities/ACME", nil)
	expectStatus(t, w, http.StatusOK)
	sec := decodeBody[model.Security](t, w)
	if sec.AvailableUnits != 5000 || sec.IssuedUnits != 5000 || !sec.QuotedPrice.Equal(d(10)) {
		t.Errorf("unexpected security: %+v", sec)
	}

	// Duplicate ID.
	w = env.do(t, "POST", "/securities", map[string]any{
		"id": "ACME", "quoted_price": "10", "currency": "GBP", "total_units": 10,
	})
	expectStatus(t, w, http.StatusConflict)

	// Invalid identifier.
	w = env.do(t, "POST", "/securities", map[string]any{
		"id": "acme", "quoted_price": "10", "currency": "GBP", "total_units": 10,
	})
	expectStatus(t, w, http.StatusUnprocessableEntity)

	req := httptest.NewRequest("POST", "/api/v1/securities", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	env.router.ServeHTTP(rec, req)
	expectStatus(t, rec, http.StatusBadRequest)

	expectStatus(t, env.do(t, "GET", "/securities/NOPE", nil), http.StatusNotFound)
}

func TestCreateSecurity_RejectsPriceBelowFloor(t *testing.T) {
	env := newTestEnv(t, trade.Options{})
	w := env.do(t, "POST", "/securities", map[string]any{
		"id": "ACME", "quoted_price": "10", "currency": "GBP", "total_units": 10,
		"pricing_settings": model.PricingSettings{
			Enabled: true, UpdateIntervalHours: 24, LookbackPeriod: model.LookbackDaily,
			SensitivityScale: d(1), MaxPercentChangePerCycle: d(10), PriceFloor: d(12),
		},
	})
	expectStatus(t, w, http.StatusUnprocessableEntity)
	expectStatus(t, env.do(t, "GET", "/securities/ACME", nil), http.StatusNotFound)
}

// --- Pricing ---

func scenarioSettings() *model.PricingSettings {
	return &model.PricingSettings{
		Enabled:                  true,
		UpdateIntervalHours:      24,
		LookbackPeriod:           model.LookbackDaily,
		SensitivityScale:         d(1),
		MaxPercentChangePerCycle: d(10),
		PriceFloor:               d(1),
	}
}

func recordSold(t *testing.T, env *testEnv, qty int64, at time.Time) {
	t.Helper()
	w := env.do(t, "POST", "/transactions", model.Transaction{
		SecurityID: "ACME", UserID: "buyer", Type: model.TxSold, Quantity: qty,
		Status: model.TxCompleted, CreatedAt: at,
	})
	expectStatus(t, w, http.StatusCreated)
}

// Previous window net 100, current 150: +50% raw, dampened to +10%.
func TestRunPricing_ScenarioA(t *testing.T) {
	env := newTestEnv(t, trade.Options{})
	seedSecurity(t, env, scenarioSettings())
	recordSold(t, env, 100, t0.Add(-30*time.Hour))
	recordSold(t, env, 150, t0.Add(-time.Hour))

	w := env.do(t, "POST", "/pricing/run", nil)
	expectStatus(t, w, http.StatusOK)
	report := decodeBody[pricing.CycleReport](t, w)
	if len(report.Updated) != 1 {
		t.Fatalf("expected one update, got %+v", report)
	}
	if !report.Updated[0].Price.Equal(d(11)) || !report.Updated[0].PercentChange.Equal(d(10)) {
		t.Errorf("expected 10 -> 11 (+10%%), got %+v", report.Updated[0])
	}

	// A second run inside the update interval is a no-op.
	w = env.do(t, "POST", "/pricing/run", trade.RunPricingRequest{SecurityID: "ACME"})
	expectStatus(t, w, http.StatusOK)
	report = decodeBody[pricing.CycleReport](t, w)
	if len(report.Updated) != 0 || len(report.Skipped) != 1 || report.Skipped[0].Reason != pricing.SkipTooSoon {
		t.Errorf("expected too_soon skip, got %+v", report)
	}

	w = env.do(t, "GET", "/securities/ACME/price-history", nil)
	expectStatus(t, w, http.StatusOK)
	history := decodeBody[[]model.PriceHistoryEntry](t, w)
	if len(history) != 1 || history[0].Factors.CurrentNet != 150 || history[0].Factors.PreviousNet != 100 {
		t.Errorf("expected one audited entry, got %+v", history)
	}

	expectStatus(t, env.do(t, "POST", "/pricing/run", trade.RunPricingRequest{SecurityID: "NOPE"}), http.StatusNotFound)
}

func TestSetPrice_Manual(t *testing.T) {
	env := newTestEnv(t, trade.Options{})
	seedSecurity(t, env, scenarioSettings())

	w := env.do(t, "POST", "/securities/ACME/price", trade.SetPriceRequest{Price: d(12.5)})
	expectStatus(t, w, http.StatusOK)
	entry := decodeBody[model.PriceHistoryEntry](t, w)
	if entry.CalculationMethod != model.MethodManual || !entry.PercentChange.Equal(d(25)) {
		t.Errorf("unexpected entry: %+v", entry)
	}

	expectStatus(t, env.do(t, "POST", "/securities/ACME/price", trade.SetPriceRequest{Price: d(0.5)}), http.StatusUnprocessableEntity)
	expectStatus(t, env.do(t, "POST", "/securities/ACME/price", trade.SetPriceRequest{Price: d(-1)}), http.StatusUnprocessableEntity)

	// Manual entries do not gate the automatic cycle.
	w = env.do(t, "POST", "/pricing/run", nil)
	report := decodeBody[pricing.CycleReport](t, w)
	for _, s := range report.Skipped {
		if s.Reason == pricing.SkipTooSoon {
			t.Errorf("manual price gated the engine: %+v", report)
		}
	}
}

// --- Orders ---

func TestSubmitOrder(t *testing.T) {
	env := newTestEnv(t, trade.Options{})
	seedSecurity(t, env, nil)
	seedSeller(t, env, "alice", 1000)

	w := submit(t, env, "alice", 100)
	expectStatus(t, w, http.StatusCreated)
	order := decodeBody[model.Order](t, w)
	if order.FIFOPosition != 1 || order.Status != model.OrderPending || !order.RequestedPrice.Equal(d(10)) {
		t.Errorf("unexpected order: %+v", order)
	}

	w = env.do(t, "GET", "/orders/"+order.ID, nil)
	expectStatus(t, w, http.StatusOK)

	w = submit(t, env, "alice", 0)
	expectStatus(t, w, http.StatusUnprocessableEntity)
	if body := decodeBody[errorBody](t, w); body.Constraint != model.ConstraintQuantity {
		t.Errorf("expected invalid_quantity, got %+v", body)
	}

	expectStatus(t, env.do(t, "POST", "/orders", trade.SubmitOrderRequest{UserID: "alice", Quantity: 1}), http.StatusUnprocessableEntity)
	expectStatus(t, submit(t, env, "nobody", 1), http.StatusNotFound)
	expectStatus(t, env.do(t, "GET", "/orders/missing", nil), http.StatusNotFound)
}

// Holds 1000, daily limit 1000, 950 already sold today, asks for 100.
func TestSubmitOrder_ScenarioD(t *testing.T) {
	env := newTestEnv(t, trade.Options{})
	seedSecurity(t, env, nil)
	seedSeller(t, env, "alice", 1000)
	expectStatus(t, env.do(t, "POST", "/limit-rules", model.SellingLimitRule{
		AccountClass: model.AccountIndividual,
		Metric:       model.MetricQuantity,
		DailyLimit:   decimal.NewNullDecimal(d(1000)),
		Active:       true,
	}), http.StatusOK)

	expectStatus(t, submit(t, env, "alice", 950), http.StatusCreated)
	expectStatus(t, env.do(t, "POST", "/securities/ACME/fund", trade.TopUpRequest{Amount: d(9500)}), http.StatusOK)

	w := env.do(t, "GET", "/users/alice/securities/ACME/max-sellable", nil)
	expectStatus(t, w, http.StatusOK)
	if got := decodeBody[trade.MaxSellableResponse](t, w); got.MaxSellable != 50 {
		t.Errorf("expected max sellable 50, got %d", got.MaxSellable)
	}

	w = submit(t, env, "alice", 100)
	expectStatus(t, w, http.StatusUnprocessableEntity)
	body := decodeBody[errorBody](t, w)
	if body.Constraint != model.ConstraintDaily || body.Remaining == nil || *body.Remaining != 50 {
		t.Errorf("expected daily_limit with 50 remaining, got %+v", body)
	}

	// Next day the window has rolled over.
	env.now = t0.Add(24 * time.Hour)
	expectStatus(t, submit(t, env, "alice", 100), http.StatusCreated)
}

func TestSubmitOrder_RateLimited(t *testing.T) {
	env := newTestEnv(t, trade.Options{SubmitRatePerSec: 0.001, SubmitBurst: 2})
	seedSecurity(t, env, nil)
	seedSeller(t, env, "alice", 1000)
	seedSeller(t, env, "bob", 1000)

	expectStatus(t, submit(t, env, "alice", 1), http.StatusCreated)
	expectStatus(t, submit(t, env, "alice", 1), http.StatusCreated)
	expectStatus(t, submit(t, env, "alice", 1), http.StatusTooManyRequests)
	expectStatus(t, submit(t, env, "bob", 1), http.StatusCreated)
}

// --- Settlement ---

// Positions 1,2,3 want 100,50,80; the fund covers 120 units.
func TestSettle_ScenarioC(t *testing.T) {
	env := newTestEnv(t, trade.Options{})
	seedSecurity(t, env, nil)
	ids := map[string]string{}
	for _, u := range []struct {
		user string
		qty  int64
	}{{"alice", 100}, {"bob", 50}, {"carol", 80}} {
		seedSeller(t, env, u.user, 1000)
		w := submit(t, env, u.user, u.qty)
		expectStatus(t, w, http.StatusCreated)
		ids[u.user] = decodeBody[model.Order](t, w).ID
	}

	w := env.do(t, "POST", "/securities/ACME/fund", trade.TopUpRequest{Amount: d(1200)})
	expectStatus(t, w, http.StatusOK)
	report := decodeBody[queue.SettlementReport](t, w)
	if len(report.Events) != 2 || report.Events[0].Quantity != 100 || report.Events[1].Quantity != 20 {
		t.Fatalf("unexpected fills: %+v", report.Events)
	}
	if report.Stop != queue.StopFundsExhausted || !report.BalanceAfter.IsZero() {
		t.Errorf("unexpected report: stop=%s after=%s", report.Stop, report.BalanceAfter)
	}
	if len(env.pub.Events()) != 2 {
		t.Errorf("expected 2 published events, got %d", len(env.pub.Events()))
	}

	want := map[string]model.OrderStatus{"alice": model.OrderCompleted, "bob": model.OrderPartial, "carol": model.OrderPending}
	for user, status := range want {
		w := env.do(t, "GET", "/orders/"+ids[user], nil)
		if got := decodeBody[model.Order](t, w); got.Status != status {
			t.Errorf("%s: expected %s, got %s", user, status, got.Status)
		}
	}

	w = env.do(t, "GET", "/securities/ACME/queue", nil)
	expectStatus(t, w, http.StatusOK)
	open := decodeBody[[]model.Order](t, w)
	if len(open) != 2 || open[0].ID != ids["bob"] || open[0].QuantityRemaining != 30 {
		t.Errorf("unexpected queue: %+v", open)
	}

	w = env.do(t, "GET", "/securities/ACME", nil)
	if sec := decodeBody[model.Security](t, w); sec.AvailableUnits != 5120 || sec.IssuedUnits != 4880 {
		t.Errorf("units not returned to market: %+v", sec)
	}

	// A settle with an empty fund applies nothing.
	w = env.do(t, "POST", "/securities/ACME/settle", nil)
	expectStatus(t, w, http.StatusOK)
	if report := decodeBody[queue.SettlementReport](t, w); len(report.Events) != 0 {
		t.Errorf("expected no fills, got %+v", report.Events)
	}

	expectStatus(t, env.do(t, "POST", "/securities/ACME/fund", trade.TopUpRequest{Amount: d(0)}), http.StatusUnprocessableEntity)
	expectStatus(t, env.do(t, "POST", "/securities/NOPE/settle", nil), http.StatusNotFound)
}

func TestCancelOrder(t *testing.T) {
	env := newTestEnv(t, trade.Options{})
	seedSecurity(t, env, nil)
	seedSeller(t, env, "alice", 1000)

	w := submit(t, env, "alice", 10)
	order := decodeBody[model.Order](t, w)

	w = env.do(t, "DELETE", "/orders/"+order.ID, nil)
	expectStatus(t, w, http.StatusOK)
	if got := decodeBody[model.Order](t, w); got.Status != model.OrderCancelled {
		t.Errorf("expected cancelled, got %s", got.Status)
	}

	expectStatus(t, env.do(t, "DELETE", "/orders/"+order.ID, nil), http.StatusConflict)
	expectStatus(t, env.do(t, "DELETE", "/orders/missing", nil), http.StatusNotFound)

	// The cancelled order's position is not reused.
	w = submit(t, env, "alice", 10)
	if next := decodeBody[model.Order](t, w); next.FIFOPosition != 2 {
		t.Errorf("expected position 2, got %d", next.FIFOPosition)
	}
}

// --- Reserves ---

func TestReserveLifecycle(t *testing.T) {
	env := newTestEnv(t, trade.Options{})
	seedSecurity(t, env, nil)

	w := env.do(t, "POST", "/securities/ACME/reserves", trade.AllocateReserveRequest{ReserveType: "founder", Quantity: 100})
	expectStatus(t, w, http.StatusOK)

	w = env.do(t, "POST", "/securities/ACME/reserves/founder/issue", trade.IssueReserveRequest{UserID: "alice", Quantity: 100})
	expectStatus(t, w, http.StatusCreated)
	iss := decodeBody[model.ReserveIssuance](t, w)

	w = env.do(t, "POST", "/securities/ACME/reserves/founder/issue", trade.IssueReserveRequest{UserID: "bob", Quantity: 1})
	expectStatus(t, w, http.StatusConflict)

	expectStatus(t, env.do(t, "DELETE", "/reserve-issuances/"+iss.ID, nil), http.StatusOK)
	expectStatus(t, env.do(t, "DELETE", "/reserve-issuances/"+iss.ID, nil), http.StatusConflict)

	w = env.do(t, "GET", "/securities/ACME/reserves/founder", nil)
	expectStatus(t, w, http.StatusOK)
	if pool := decodeBody[model.ReserveAllocation](t, w); pool.AllocatedQuantity != 100 || pool.UsedQuantity != 0 {
		t.Errorf("unexpected pool: %+v", pool)
	}

	w = env.do(t, "POST", "/securities/ACME/reserves/founder/issue", trade.IssueReserveRequest{UserID: "bob", Quantity: 40})
	expectStatus(t, w, http.StatusCreated)
	settled := decodeBody[model.ReserveIssuance](t, w)
	expectStatus(t, env.do(t, "POST", "/reserve-issuances/"+settled.ID+"/settle", nil), http.StatusOK)
	expectStatus(t, env.do(t, "DELETE", "/reserve-issuances/"+settled.ID, nil), http.StatusConflict)

	w = env.do(t, "GET", "/securities/ACME", nil)
	if sec := decodeBody[model.Security](t, w); sec.AvailableUnits != 4900 || sec.ReservedUnits != 60 || sec.IssuedUnits != 5040 {
		t.Errorf("unexpected pools: %+v", sec)
	}

	expectStatus(t, env.do(t, "POST", "/securities/ACME/reserves", trade.AllocateReserveRequest{ReserveType: "Founder!", Quantity: 1}), http.StatusUnprocessableEntity)
	expectStatus(t, env.do(t, "POST", "/securities/ACME/reserves/promo/issue", trade.IssueReserveRequest{UserID: "bob", Quantity: 1}), http.StatusNotFound)
}

// --- Reference data ---

func TestReferenceDataValidation(t *testing.T) {
	env := newTestEnv(t, trade.Options{})
	seedSecurity(t, env, nil)

	expectStatus(t, env.do(t, "PUT", "/accounts/alice", map[string]string{"account_class": "pension"}), http.StatusUnprocessableEntity)
	expectStatus(t, env.do(t, "PUT", "/users/alice/holdings/ACME", map[string]int64{"units": -1}), http.StatusUnprocessableEntity)
	expectStatus(t, env.do(t, "PUT", "/users/alice/holdings/NOPE", map[string]int64{"units": 1}), http.StatusNotFound)
	// ACME has issued 5000 units.
	expectStatus(t, env.do(t, "PUT", "/users/alice/holdings/ACME", map[string]int64{"units": 5001}), http.StatusUnprocessableEntity)
	expectStatus(t, env.do(t, "POST", "/transactions", model.Transaction{SecurityID: "ACME", Type: "gifted", Quantity: 1}), http.StatusUnprocessableEntity)
	expectStatus(t, env.do(t, "POST", "/limit-rules", model.SellingLimitRule{AccountClass: model.AccountBusiness, Metric: "value"}), http.StatusUnprocessableEntity)
	expectStatus(t, env.do(t, "PUT", "/securities/ACME/pricing-settings", model.PricingSettings{Enabled: true}), http.StatusUnprocessableEntity)
	expectStatus(t, env.do(t, "PUT", "/securities/ACME/pricing-settings", scenarioSettings()), http.StatusOK)
}

// --- Scheduler ---

func TestScheduler_SettlesOnTick(t *testing.T) {
	env := newTestEnv(t, trade.Options{})
	seedSecurity(t, env, nil)
	seedSeller(t, env, "alice", 1000)
	w := submit(t, env, "alice", 10)
	expectStatus(t, w, http.StatusCreated)
	order := decodeBody[model.Order](t, w)

	// Credit the fund behind the queue's back; only the scheduler settles it.
	if err := env.store.CreditFund(context.Background(), "ACME", d(100)); err != nil {
		t.Fatalf("credit fund: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		trade.NewScheduler(env.svc, time.Hour, 5*time.Millisecond).Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := env.svc.GetOrder(context.Background(), order.ID)
		if err != nil {
			t.Fatalf("get order: %v", err)
		}
		if got.Status == model.OrderCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("order still %s after scheduled settlement", got.Status)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
