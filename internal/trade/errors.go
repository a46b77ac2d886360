package trade

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/sharevault/trading-engine/internal/lock"
	"github.com/sharevault/trading-engine/internal/model"
	"github.com/sharevault/trading-engine/internal/pricing"
	"github.com/sharevault/trading-engine/internal/queue"
	"github.com/sharevault/trading-engine/internal/ratelimit"
	"github.com/sharevault/trading-engine/internal/security"
)

// errorResponse is the JSON body of every error reply. Constraint and
// Remaining are set for selling limit rejections.
type errorResponse struct {
	Error      string           `json:"error"`
	Constraint model.Constraint `json:"constraint,omitempty"`
	Remaining  *int64           `json:"remaining,omitempty"`
}

// statusFor maps a domain error to an HTTP status.
func statusFor(err error) int {
	var (
		ve  *model.ValidationError
		cfg *model.ConfigurationError
	)
	switch {
	case errors.As(err, &ve):
		return http.StatusUnprocessableEntity
	case errors.As(err, &cfg):
		return http.StatusPreconditionFailed
	case errors.Is(err, ratelimit.ErrLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, model.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrAlreadyExists),
		errors.Is(err, model.ErrTerminalOrder),
		errors.Is(err, model.ErrReserveExceeded),
		errors.Is(err, model.ErrNotReversible),
		errors.Is(err, model.ErrInsufficientFunds),
		errors.Is(err, model.ErrIntegrity):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidInput),
		errors.Is(err, queue.ErrInvalidAmount),
		errors.Is(err, pricing.ErrInvalidSettings),
		errors.Is(err, security.ErrInvalidID),
		errors.Is(err, security.ErrInvalidCurrency),
		errors.Is(err, security.ErrInvalidMode),
		errors.Is(err, security.ErrInvalidPrice),
		errors.Is(err, security.ErrInvalidUnits):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrTransient), errors.Is(err, lock.ErrLockTimeout):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, errorResponse{Error: message})
}

// writeErr maps err to a status and writes it. Internal errors are logged
// and replaced by a generic message.
func writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
		writeError(w, "internal error", status)
		return
	}

	resp := errorResponse{Error: err.Error()}
	var ve *model.ValidationError
	if errors.As(err, &ve) {
		resp.Constraint = ve.Constraint
		remaining := ve.Remaining
		resp.Remaining = &remaining
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
