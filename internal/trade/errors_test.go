package trade

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sharevault/trading-engine/internal/lock"
	"github.com/sharevault/trading-engine/internal/model"
	"github.com/sharevault/trading-engine/internal/pricing"
	"github.com/sharevault/trading-engine/internal/queue"
	"github.com/sharevault/trading-engine/internal/ratelimit"
	"github.com/sharevault/trading-engine/internal/security"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{model.NewValidationError(model.ConstraintDaily, 50, "daily"), http.StatusUnprocessableEntity},
		{&model.ConfigurationError{SecurityID: "ACME", Reason: "disabled"}, http.StatusPreconditionFailed},
		{ratelimit.ErrLimited, http.StatusTooManyRequests},
		{fmt.Errorf("order x: %w", model.ErrNotFound), http.StatusNotFound},
		{fmt.Errorf("security ACME: %w", model.ErrAlreadyExists), http.StatusConflict},
		{model.ErrTerminalOrder, http.StatusConflict},
		{model.ErrReserveExceeded, http.StatusConflict},
		{model.ErrNotReversible, http.StatusConflict},
		{model.ErrIntegrity, http.StatusConflict},
		{queue.ErrInvalidAmount, http.StatusUnprocessableEntity},
		{pricing.ErrInvalidSettings, http.StatusUnprocessableEntity},
		{security.ErrInvalidCurrency, http.StatusUnprocessableEntity},
		{fmt.Errorf("wrapped: %w", ErrInvalidInput), http.StatusUnprocessableEntity},
		{model.ErrTransient, http.StatusServiceUnavailable},
		{lock.ErrLockTimeout, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestWriteErr(t *testing.T) {
	req := httptest.NewRequest("POST", "/api/v1/orders", nil)

	w := httptest.NewRecorder()
	writeErr(w, req, model.NewValidationError(model.ConstraintDaily, 50, "daily limit leaves 50"))
	var body errorResponse
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Constraint != model.ConstraintDaily || body.Remaining == nil || *body.Remaining != 50 {
		t.Errorf("unexpected body: %s", w.Body.String())
	}

	// Internal failures do not leak their cause.
	w = httptest.NewRecorder()
	writeErr(w, req, errors.New("pq: connection reset"))
	if w.Code != http.StatusInternalServerError || w.Body.String() != "{\"error\":\"internal error\"}\n" {
		t.Errorf("unexpected internal error reply: %d %s", w.Code, w.Body.String())
	}
}

func TestFeedMessages(t *testing.T) {
	at := time.Date(2025, 8, 14, 12, 0, 0, 0, time.UTC)

	msg := PriceMessage(model.PriceHistoryEntry{
		SecurityID:        "ACME",
		Price:             decimal.NewFromInt(11),
		PreviousPrice:     decimal.NewFromInt(10),
		PercentChange:     decimal.NewFromInt(10),
		CalculationMethod: model.MethodAutomatic,
		ComputedAt:        at,
	})
	if msg.Type != MsgPriceUpdated || msg.Price != "11" || msg.PreviousPrice != "10" || msg.At != "2025-08-14T12:00:00Z" {
		t.Errorf("unexpected price message: %+v", msg)
	}

	msg = SettlementMessage(model.SettlementEvent{
		OrderID: "o1", UserID: "alice", SecurityID: "ACME", Quantity: 20,
		Price: decimal.NewFromInt(10), Amount: decimal.NewFromInt(200), Currency: "GBP", SettledAt: at,
	})
	data, _ := json.Marshal(msg)
	var raw map[string]any
	json.Unmarshal(data, &raw)
	if _, ok := raw["user_id"]; ok {
		t.Errorf("settlement feed leaked the seller: %s", data)
	}
	if msg.Type != MsgOrderSettled || msg.Quantity != 20 || msg.Amount != "200" {
		t.Errorf("unexpected settlement message: %+v", msg)
	}
}
