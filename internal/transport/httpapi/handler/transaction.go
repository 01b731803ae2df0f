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

// TransactionServiceInterface defines the transaction operations needed by TransactionHandler
type TransactionServiceInterface interface {
	Create(ctx context.Context, req ledger.CreateTransactionRequest, rc ledger.RequestContext) (*ledger.Transaction, error)
	Update(ctx context.Context, id uuid.UUID, req ledger.UpdateTransactionRequest, rc ledger.RequestContext) (*ledger.Transaction, error)
	Get(ctx context.Context, id uuid.UUID) (*ledger.Transaction, error)
	List(ctx context.Context, filters ledger.TransactionFilters) ([]*ledger.Transaction, error)
}

// TreasuryInvalidator drops the cached treasury snapshot after a mutation
type TreasuryInvalidator interface {
	Invalidate(ctx context.Context) error
}

// TransactionHandler handles transaction-related HTTP requests
type TransactionHandler struct {
	service TransactionServiceInterface
	cache   TreasuryInvalidator // nil when caching is disabled
}

// NewTransactionHandler creates a new transaction handler
func NewTransactionHandler(service TransactionServiceInterface, cache TreasuryInvalidator) *TransactionHandler {
	return &TransactionHandler{
		service: service,
		cache:   cache,
	}
}

// CreateTransactionRequest represents the transaction creation request
type CreateTransactionRequest struct {
	Type             string                 `json:"type"`
	Amount           string                 `json:"amount"`
	Currency         string                 `json:"currency,omitempty"`
	Direction        *string                `json:"direction,omitempty"`
	LogicalAccountID *string                `json:"logical_account_id,omitempty"`
	Description      *string                `json:"description,omitempty"`
	ExternalTxHash   *string                `json:"external_tx_hash,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
	TransactionDate  *string                `json:"transaction_date,omitempty"` // RFC3339
	AutoComplete     bool                   `json:"auto_complete,omitempty"`
	RuleName         *string                `json:"rule_name,omitempty"`
}

// UpdateTransactionRequest represents the transaction patch request
type UpdateTransactionRequest struct {
	Status      *string                `json:"status,omitempty"`
	Description *string                `json:"description,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
	RuleName    *string                `json:"rule_name,omitempty"`
}

// TransactionResponse represents a transaction on the wire. Decimals are
// strings, timestamps RFC3339.
type TransactionResponse struct {
	ID                  string                 `json:"id"`
	Type                string                 `json:"type"`
	Direction           string                 `json:"direction"`
	Amount              string                 `json:"amount"`
	Currency            string                 `json:"currency"`
	Status              string                 `json:"status"`
	Description         *string                `json:"description,omitempty"`
	LogicalAccountID    *string                `json:"logical_account_id,omitempty"`
	ParentTransactionID *string                `json:"parent_transaction_id,omitempty"`
	ExternalTxHash      *string                `json:"external_tx_hash,omitempty"`
	Metadata            map[string]interface{} `json:"metadata,omitempty"`
	TransactionDate     string                 `json:"transaction_date"`
	CreatedAt           string                 `json:"created_at"`
	UpdatedAt           string                 `json:"updated_at"`
}

// TransactionListResponse represents a paginated list of transactions
type TransactionListResponse struct {
	Transactions []TransactionResponse `json:"transactions"`
	Skip         int                   `json:"skip"`
	Limit        int                   `json:"limit"`
}

// CreateTransaction handles POST /transactions
func (h *TransactionHandler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req CreateTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Type == "" {
		respondError(w, http.StatusBadRequest, "transaction type is required")
		return
	}
	if req.Amount == "" {
		respondError(w, http.StatusBadRequest, "amount is required")
		return
	}

	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid amount format")
		return
	}

	create := ledger.CreateTransactionRequest{
		Type:           ledger.TransactionType(req.Type),
		Amount:         amount,
		Currency:       req.Currency,
		Description:    req.Description,
		ExternalTxHash: req.ExternalTxHash,
		Metadata:       req.Metadata,
		AutoComplete:   req.AutoComplete,
		RuleName:       req.RuleName,
	}

	if req.Direction != nil {
		direction := ledger.Direction(*req.Direction)
		create.Direction = &direction
	}

	if req.LogicalAccountID != nil {
		accountID, err := uuid.Parse(*req.LogicalAccountID)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid logical_account_id")
			return
		}
		create.LogicalAccountID = &accountID
	}

	if req.TransactionDate != nil {
		txDate, err := time.Parse(time.RFC3339, *req.TransactionDate)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid transaction_date format (use RFC3339)")
			return
		}
		create.TransactionDate = &txDate
	}

	tx, err := h.service.Create(r.Context(), create, requestContext(r))
	if err != nil {
		respondServiceError(w, err)
		return
	}

	h.invalidateTreasury(r.Context())
	respondJSON(w, http.StatusCreated, toTransactionResponse(tx))
}

// GetTransactions handles GET /transactions
func (h *TransactionHandler) GetTransactions(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	filters := ledger.TransactionFilters{}

	if status := query.Get("status"); status != "" {
		s := ledger.TransactionStatus(status)
		if !s.IsValid() {
			respondError(w, http.StatusBadRequest, "invalid status filter")
			return
		}
		filters.Status = &s
	}

	if txType := query.Get("type"); txType != "" {
		t := ledger.TransactionType(txType)
		if !t.IsValid() {
			respondError(w, http.StatusBadRequest, "invalid type filter")
			return
		}
		filters.Type = &t
	}

	if accountID := query.Get("account_id"); accountID != "" {
		id, err := uuid.Parse(accountID)
		if err != nil {
			respondError(w, http.StatusBadRequest, "invalid account_id filter")
			return
		}
		filters.AccountID = &id
	}

	filters.Skip, _ = strconv.Atoi(query.Get("skip"))
	if filters.Skip < 0 {
		filters.Skip = 0
	}

	filters.Limit, _ = strconv.Atoi(query.Get("limit"))
	if filters.Limit < 0 || filters.Limit > 1000 {
		respondError(w, http.StatusBadRequest, "limit must be between 0 and 1000")
		return
	}

	txs, err := h.service.List(r.Context(), filters)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	responses := make([]TransactionResponse, len(txs))
	for i, tx := range txs {
		responses[i] = toTransactionResponse(tx)
	}

	respondJSON(w, http.StatusOK, TransactionListResponse{
		Transactions: responses,
		Skip:         filters.Skip,
		Limit:        filters.Limit,
	})
}

// GetTransaction handles GET /transactions/{id}
func (h *TransactionHandler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid transaction ID")
		return
	}

	tx, err := h.service.Get(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, toTransactionResponse(tx))
}

// UpdateTransaction handles PATCH /transactions/{id}
func (h *TransactionHandler) UpdateTransaction(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid transaction ID")
		return
	}

	var req UpdateTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	update := ledger.UpdateTransactionRequest{
		Description: req.Description,
		Metadata:    req.Metadata,
		RuleName:    req.RuleName,
	}

	if req.Status != nil {
		status := ledger.TransactionStatus(*req.Status)
		if !status.IsValid() {
			respondError(w, http.StatusBadRequest, "invalid status")
			return
		}
		update.Status = &status
	}

	tx, err := h.service.Update(r.Context(), id, update, requestContext(r))
	if err != nil {
		respondServiceError(w, err)
		return
	}

	h.invalidateTreasury(r.Context())
	respondJSON(w, http.StatusOK, toTransactionResponse(tx))
}

// invalidateTreasury drops the cached treasury snapshot; failures only log
// (the cache carries a TTL backstop).
func (h *TransactionHandler) invalidateTreasury(ctx context.Context) {
	if h.cache != nil {
		_ = h.cache.Invalidate(ctx)
	}
}

// toTransactionResponse converts a domain transaction to its wire form
func toTransactionResponse(tx *ledger.Transaction) TransactionResponse {
	resp := TransactionResponse{
		ID:              tx.ID.String(),
		Type:            string(tx.Type),
		Direction:       string(tx.Direction),
		Amount:          tx.Amount.String(),
		Currency:        tx.Currency,
		Status:          string(tx.Status),
		Description:     tx.Description,
		ExternalTxHash:  tx.ExternalTxHash,
		Metadata:        tx.Metadata,
		TransactionDate: tx.TransactionDate.Format(time.RFC3339),
		CreatedAt:       tx.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       tx.UpdatedAt.Format(time.RFC3339),
	}

	if tx.LogicalAccountID != nil {
		id := tx.LogicalAccountID.String()
		resp.LogicalAccountID = &id
	}
	if tx.ParentTransactionID != nil {
		id := tx.ParentTransactionID.String()
		resp.ParentTransactionID = &id
	}

	return resp
}
