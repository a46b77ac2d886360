package trade

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/sharevault/trading-engine/internal/model"
	"github.com/sharevault/trading-engine/internal/security"
)

// RegisterRoutes mounts the API handlers on r. The caller adds the
// WebSocket, health and metrics endpoints.
func (s *Service) RegisterRoutes(r chi.Router) {
	// Securities and pricing.
	r.Get("/securities", s.handleListSecurities)
	r.Post("/securities", s.handleCreateSecurity)
	r.Get("/securities/{securityID}", s.handleGetSecurity)
	r.Get("/securities/{securityID}/price-history", s.handlePriceHistory)
	r.Put("/securities/{securityID}/pricing-settings", s.handlePutPricingSettings)
	r.Post("/securities/{securityID}/price", s.handleSetPrice)
	r.Post("/pricing/run", s.handleRunPricing)

	// Sell orders and settlement.
	r.Post("/orders", s.handleSubmitOrder)
	r.Get("/orders/{orderID}", s.handleGetOrder)
	r.Delete("/orders/{orderID}", s.handleCancelOrder)
	r.Get("/securities/{securityID}/queue", s.handleListQueue)
	r.Post("/securities/{securityID}/settle", s.handleSettle)
	r.Post("/securities/{securityID}/fund", s.handleTopUp)
	r.Get("/users/{userID}/securities/{securityID}/max-sellable", s.handleMaxSellable)

	// Reserves.
	r.Post("/securities/{securityID}/reserves", s.handleAllocateReserve)
	r.Get("/securities/{securityID}/reserves/{reserveType}", s.handleGetReserve)
	r.Post("/securities/{securityID}/reserves/{reserveType}/issue", s.handleIssueReserve)
	r.Delete("/reserve-issuances/{issuanceID}", s.handleCancelIssuance)
	r.Post("/reserve-issuances/{issuanceID}/settle", s.handleSettleIssuance)

	// Inputs owned by the trade log and wallet ledger.
	r.Post("/transactions", s.handleRecordTransaction)
	r.Put("/accounts/{userID}", s.handlePutAccount)
	r.Put("/users/{userID}/holdings/{securityID}", s.handlePutHolding)
	r.Post("/limit-rules", s.handlePutLimitRule)
}

// --- Request types ---

// CreateSecurityRequest is the JSON body for POST /securities.
type CreateSecurityRequest struct {
	security.Spec
	PricingSettings *model.PricingSettings `json:"pricing_settings,omitempty"`
}

// SetPriceRequest is the JSON body for POST /securities/{id}/price.
type SetPriceRequest struct {
	Price decimal.Decimal `json:"price"`
}

// RunPricingRequest is the optional JSON body for POST /pricing/run.
type RunPricingRequest struct {
	SecurityID string `json:"security_id"`
}

// SubmitOrderRequest is the JSON body for POST /orders.
type SubmitOrderRequest struct {
	UserID     string `json:"user_id"`
	SecurityID string `json:"security_id"`
	Quantity   int64  `json:"quantity"`
}

// TopUpRequest is the JSON body for POST /securities/{id}/fund.
type TopUpRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

// AllocateReserveRequest is the JSON body for POST /securities/{id}/reserves.
type AllocateReserveRequest struct {
	ReserveType string `json:"reserve_type"`
	Quantity    int64  `json:"quantity"`
}

// IssueReserveRequest is the JSON body for POST .../reserves/{type}/issue.
type IssueReserveRequest struct {
	UserID   string `json:"user_id"`
	Quantity int64  `json:"quantity"`
}

// HoldingRequest is the JSON body for PUT /users/{userID}/holdings/{id}.
type HoldingRequest struct {
	Units int64 `json:"units"`
}

// MaxSellableResponse is returned from the max-sellable endpoint.
type MaxSellableResponse struct {
	UserID      string `json:"user_id"`
	SecurityID  string `json:"security_id"`
	MaxSellable int64  `json:"max_sellable"`
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

// --- Securities and pricing ---

// handleCreateSecurity handles POST /api/v1/securities
func (s *Service) handleCreateSecurity(w http.ResponseWriter, r *http.Request) {
	var req CreateSecurityRequest
	if !decode(w, r, &req) {
		return
	}
	sec, err := s.CreateSecurity(r.Context(), req.Spec, req.PricingSettings)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, sec)
}

// handleListSecurities handles GET /api/v1/securities
func (s *Service) handleListSecurities(w http.ResponseWriter, r *http.Request) {
	secs, err := s.store.ListSecurities(r.Context())
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if secs == nil {
		secs = []model.Security{}
	}
	writeJSON(w, http.StatusOK, secs)
}

// handleGetSecurity handles GET /api/v1/securities/{securityID}
func (s *Service) handleGetSecurity(w http.ResponseWriter, r *http.Request) {
	sec, err := s.store.GetSecurity(r.Context(), chi.URLParam(r, "securityID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sec)
}

// handlePriceHistory handles GET /api/v1/securities/{securityID}/price-history
func (s *Service) handlePriceHistory(w http.ResponseWriter, r *http.Request) {
	securityID := chi.URLParam(r, "securityID")
	ctx := r.Context()
	if _, err := s.store.GetSecurity(ctx, securityID); err != nil {
		writeErr(w, r, err)
		return
	}
	entries, err := s.store.ListPriceHistory(ctx, securityID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	if entries == nil {
		entries = []model.PriceHistoryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// handlePutPricingSettings handles PUT /api/v1/securities/{securityID}/pricing-settings
func (s *Service) handlePutPricingSettings(w http.ResponseWriter, r *http.Request) {
	var settings model.PricingSettings
	if !decode(w, r, &settings) {
		return
	}
	settings.SecurityID = chi.URLParam(r, "securityID")
	if err := s.PutPricingSettings(r.Context(), settings); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

// handleSetPrice handles POST /api/v1/securities/{securityID}/price
func (s *Service) handleSetPrice(w http.ResponseWriter, r *http.Request) {
	var req SetPriceRequest
	if !decode(w, r, &req) {
		return
	}
	entry, err := s.SetPrice(r.Context(), chi.URLParam(r, "securityID"), req.Price)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

// handleRunPricing handles POST /api/v1/pricing/run
// An empty body prices every security.
func (s *Service) handleRunPricing(w http.ResponseWriter, r *http.Request) {
	var req RunPricingRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	report, err := s.RunPricingCycle(r.Context(), req.SecurityID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- Orders and settlement ---

// handleSubmitOrder handles POST /api/v1/orders
func (s *Service) handleSubmitOrder(w http.ResponseWriter, r *http.Request) {
	var req SubmitOrderRequest
	if !decode(w, r, &req) {
		return
	}
	order, err := s.SubmitSellOrder(r.Context(), req.UserID, req.SecurityID, req.Quantity)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, order)
}

// handleGetOrder handles GET /api/v1/orders/{orderID}
func (s *Service) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.GetOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// handleCancelOrder handles DELETE /api/v1/orders/{orderID}
func (s *Service) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	order, err := s.CancelOrder(r.Context(), chi.URLParam(r, "orderID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, order)
}

// handleListQueue handles GET /api/v1/securities/{securityID}/queue
func (s *Service) handleListQueue(w http.ResponseWriter, r *http.Request) {
	orders, err := s.ListQueue(r.Context(), chi.URLParam(r, "securityID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orders)
}

// handleSettle handles POST /api/v1/securities/{securityID}/settle
func (s *Service) handleSettle(w http.ResponseWriter, r *http.Request) {
	report, err := s.SettleQueue(r.Context(), chi.URLParam(r, "securityID"))
	if err != nil && report == nil {
		writeErr(w, r, err)
		return
	}
	// A pass that failed part-way still reports the fills it applied.
	writeJSON(w, http.StatusOK, report)
}

// handleTopUp handles POST /api/v1/securities/{securityID}/fund
func (s *Service) handleTopUp(w http.ResponseWriter, r *http.Request) {
	var req TopUpRequest
	if !decode(w, r, &req) {
		return
	}
	report, err := s.TopUpFund(r.Context(), chi.URLParam(r, "securityID"), req.Amount)
	if err != nil && report == nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// handleMaxSellable handles GET /api/v1/users/{userID}/securities/{securityID}/max-sellable
func (s *Service) handleMaxSellable(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	securityID := chi.URLParam(r, "securityID")
	n, err := s.GetMaxSellable(r.Context(), userID, securityID)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, MaxSellableResponse{UserID: userID, SecurityID: securityID, MaxSellable: n})
}

// --- Reserves ---

// handleAllocateReserve handles POST /api/v1/securities/{securityID}/reserves
func (s *Service) handleAllocateReserve(w http.ResponseWriter, r *http.Request) {
	var req AllocateReserveRequest
	if !decode(w, r, &req) {
		return
	}
	alloc, err := s.AllocateReserve(r.Context(), chi.URLParam(r, "securityID"), req.ReserveType, req.Quantity)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alloc)
}

// handleGetReserve handles GET /api/v1/securities/{securityID}/reserves/{reserveType}
func (s *Service) handleGetReserve(w http.ResponseWriter, r *http.Request) {
	alloc, err := s.GetReserve(r.Context(), chi.URLParam(r, "securityID"), chi.URLParam(r, "reserveType"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, alloc)
}

// handleIssueReserve handles POST /api/v1/securities/{securityID}/reserves/{reserveType}/issue
func (s *Service) handleIssueReserve(w http.ResponseWriter, r *http.Request) {
	var req IssueReserveRequest
	if !decode(w, r, &req) {
		return
	}
	iss, err := s.IssueReserve(r.Context(),
		chi.URLParam(r, "securityID"), chi.URLParam(r, "reserveType"), req.UserID, req.Quantity)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, iss)
}

// handleCancelIssuance handles DELETE /api/v1/reserve-issuances/{issuanceID}
func (s *Service) handleCancelIssuance(w http.ResponseWriter, r *http.Request) {
	iss, err := s.CancelReserveIssuance(r.Context(), chi.URLParam(r, "issuanceID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, iss)
}

// handleSettleIssuance handles POST /api/v1/reserve-issuances/{issuanceID}/settle
func (s *Service) handleSettleIssuance(w http.ResponseWriter, r *http.Request) {
	iss, err := s.SettleReserveIssuance(r.Context(), chi.URLParam(r, "issuanceID"))
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, iss)
}

// --- Reference data ---

// handleRecordTransaction handles POST /api/v1/transactions
func (s *Service) handleRecordTransaction(w http.ResponseWriter, r *http.Request) {
	var tx model.Transaction
	if !decode(w, r, &tx) {
		return
	}
	if err := s.RecordTransaction(r.Context(), &tx); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tx)
}

// handlePutAccount handles PUT /api/v1/accounts/{userID}
func (s *Service) handlePutAccount(w http.ResponseWriter, r *http.Request) {
	var acct model.Account
	if !decode(w, r, &acct) {
		return
	}
	acct.UserID = chi.URLParam(r, "userID")
	if err := s.PutAccount(r.Context(), &acct); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// handlePutHolding handles PUT /api/v1/users/{userID}/holdings/{securityID}
func (s *Service) handlePutHolding(w http.ResponseWriter, r *http.Request) {
	var req HoldingRequest
	if !decode(w, r, &req) {
		return
	}
	h := model.Holding{UserID: chi.URLParam(r, "userID"), SecurityID: chi.URLParam(r, "securityID"), Units: req.Units}
	if err := s.PutHolding(r.Context(), &h); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, h)
}

// handlePutLimitRule handles POST /api/v1/limit-rules
func (s *Service) handlePutLimitRule(w http.ResponseWriter, r *http.Request) {
	var rule model.SellingLimitRule
	if !decode(w, r, &rule) {
		return
	}
	if err := s.PutSellingLimitRule(r.Context(), &rule); err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}
