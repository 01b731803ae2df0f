package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clearledger/ledgerd/internal/ledger"
)

// ReconciliationServiceInterface defines the reconciliation operations needed
// by TreasuryHandler.
type ReconciliationServiceInterface interface {
	CreateLog(ctx context.Context, accountID uuid.UUID, externalBalance decimal.Decimal, currency string, rc ledger.RequestContext) (*ledger.ReconciliationLog, error)
	CreateCorrection(ctx context.Context, logID uuid.UUID, approvedBy string, notes *string, rc ledger.RequestContext) (*ledger.Transaction, error)
	ResolveManually(ctx context.Context, logID uuid.UUID, resolvedBy string, notes string, rc ledger.RequestContext) (*ledger.ReconciliationLog, error)
	GetLog(ctx context.Context, logID uuid.UUID) (*ledger.ReconciliationLog, error)
	ListLogs(ctx context.Context, filters ledger.ReconciliationFilters) ([]*ledger.ReconciliationLog, error)
}

// TreasuryHandler handles reconciliation HTTP requests
type TreasuryHandler struct {
	service ReconciliationServiceInterface
	cache   TreasuryInvalidator // nil when caching is disabled
}

// NewTreasuryHandler creates a new treasury handler
func NewTreasuryHandler(service ReconciliationServiceInterface, cache TreasuryInvalidator) *TreasuryHandler {
	return &TreasuryHandler{
		service: service,
		cache:   cache,
	}
}

// ReconcileRequest represents the reconciliation creation request
type ReconcileRequest struct {
	AccountID       string `json:"account_id"`
	ExternalBalance string `json:"external_balance"`
	Currency        string `json:"currency,omitempty"`
}

// ResolveRequest represents the reconciliation resolution request
type ResolveRequest struct {
	CreateCorrection bool    `json:"create_correction,omitempty"`
	Notes            *string `json:"notes,omitempty"`
}

// ReconciliationResponse represents a reconciliation log on the wire
type ReconciliationResponse struct {
	ID                      string  `json:"id"`
	LogicalAccountID        string  `json:"logical_account_id"`
	ExternalBalance         string  `json:"external_balance"`
	InternalBalance         string  `json:"internal_balance"`
	Discrepancy             string  `json:"discrepancy"`
	Currency                string  `json:"currency"`
	Resolved                bool    `json:"resolved"`
	ResolvedAt              *string `json:"resolved_at,omitempty"`
	ResolvedBy              *string `json:"resolved_by,omitempty"`
	ResolutionNotes         *string `json:"resolution_notes,omitempty"`
	CorrectionTransactionID *string `json:"correction_transaction_id,omitempty"`
	CreatedAt               string  `json:"created_at"`
}

// ResolveResponse carries the resolved log and, when a correction was
// requested, the correction transaction.
type ResolveResponse struct {
	Reconciliation ReconciliationResponse `json:"reconciliation"`
	Correction     *TransactionResponse   `json:"correction,omitempty"`
}

// Reconcile handles POST /treasury/reconcile
func (h *TreasuryHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	var req ReconcileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	accountID, err := uuid.Parse(req.AccountID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid account_id")
		return
	}

	externalBalance, err := decimal.NewFromString(req.ExternalBalance)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid external_balance format")
		return
	}

	log, err := h.service.CreateLog(r.Context(), accountID, externalBalance, req.Currency, requestContext(r))
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusCreated, toReconciliationResponse(log))
}

// ListReconciliations handles GET /treasury/reconciliations
func (h *TreasuryHandler) ListReconciliations(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	filters := ledger.ReconciliationFilters{}

	if accountID := query.Get("account_id"); accountID != "" {
		id, err := uuid.Parse(accountID)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid account_id filter")
			return
		}
		filters.AccountID = &id
	}

	if resolved := query.Get("resolved"); resolved != "" {
		value, err := strconv.ParseBool(resolved)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid resolved filter")
			return
		}
		filters.Resolved = &value
	}

	filters.Skip, _ = strconv.Atoi(query.Get("skip"))
	if filters.Skip < 0 {
		filters.Skip = 0
	}
	filters.Limit, _ = strconv.Atoi(query.Get("limit"))

	logs, err := h.service.ListLogs(r.Context(), filters)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	responses := make([]ReconciliationResponse, len(logs))
	for i, log := range logs {
		responses[i] = toReconciliationResponse(log)
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{"reconciliations": responses})
}

// ResolveReconciliation handles POST /treasury/reconciliations/{id}/resolve.
// With create_correction the discrepancy is corrected by a CORRECTION
// transaction; otherwise the log is closed manually.
func (h *TreasuryHandler) ResolveReconciliation(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid reconciliation ID")
		return
	}

	var req ResolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	rc := requestContext(r)

	if req.CreateCorrection {
		correction, err := h.service.CreateCorrection(r.Context(), id, rc.Actor, req.Notes, rc)
		if err != nil {
			respondServiceError(w, err)
			return
		}

		if h.cache != nil {
			_ = h.cache.Invalidate(r.Context())
		}

		// Re-read the log for its resolution fields
		log, err := h.service.GetLog(r.Context(), id)
		if err != nil {
			respondServiceError(w, err)
			return
		}

		txResponse := toTransactionResponse(correction)
		respondJSON(w, http.StatusOK, ResolveResponse{
			Reconciliation: toReconciliationResponse(log),
			Correction:     &txResponse,
		})
		return
	}

	notes := ""
	if req.Notes != nil {
		notes = *req.Notes
	}

	log, err := h.service.ResolveManually(r.Context(), id, rc.Actor, notes, rc)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, ResolveResponse{Reconciliation: toReconciliationResponse(log)})
}

// toReconciliationResponse converts a domain log to its wire form
func toReconciliationResponse(log *ledger.ReconciliationLog) ReconciliationResponse {
	resp := ReconciliationResponse{
		ID:               log.ID.String(),
		LogicalAccountID: log.LogicalAccountID.String(),
		ExternalBalance:  log.ExternalBalance.String(),
		InternalBalance:  log.InternalBalance.String(),
		Discrepancy:      log.Discrepancy.String(),
		Currency:         log.Currency,
		Resolved:         log.Resolved,
		ResolvedBy:       log.ResolvedBy,
		ResolutionNotes:  log.ResolutionNotes,
		CreatedAt:        log.CreatedAt.Format(time.RFC3339),
	}

	if log.ResolvedAt != nil {
		resolvedAt := log.ResolvedAt.Format(time.RFC3339)
		resp.ResolvedAt = &resolvedAt
	}
	if log.CorrectionTransactionID != nil {
		correctionID := log.CorrectionTransactionID.String()
		resp.CorrectionTransactionID = &correctionID
	}

	return resp
}
