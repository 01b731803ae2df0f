package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/clearledger/ledgerd/internal/ledger"
)

// AccountServiceInterface defines the account operations needed by AccountHandler
type AccountServiceInterface interface {
	CreateAccount(ctx context.Context, req ledger.CreateAccountRequest, rc ledger.RequestContext) (*ledger.LogicalAccount, error)
	UpdateAccount(ctx context.Context, id uuid.UUID, req ledger.UpdateAccountRequest, rc ledger.RequestContext) (*ledger.LogicalAccount, error)
	GetAccount(ctx context.Context, id uuid.UUID) (*ledger.LogicalAccount, error)
	Treasury(ctx context.Context) (*ledger.TreasuryStatus, error)
}

// TreasuryStatusCache caches the treasury snapshot on the read side
type TreasuryStatusCache interface {
	Get(ctx context.Context, dest interface{}) (bool, error)
	Set(ctx context.Context, status interface{}) error
	Invalidate(ctx context.Context) error
}

// AccountHandler handles account and treasury-status HTTP requests
type AccountHandler struct {
	service AccountServiceInterface
	cache   TreasuryStatusCache // nil when caching is disabled
}

// NewAccountHandler creates a new account handler
func NewAccountHandler(service AccountServiceInterface, cache TreasuryStatusCache) *AccountHandler {
	return &AccountHandler{
		service: service,
		cache:   cache,
	}
}

// CreateAccountRequest represents the account creation request
type CreateAccountRequest struct {
	Name     string                 `json:"name"`
	Type     string                 `json:"type"`
	Currency string                 `json:"currency,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// UpdateAccountRequest represents the account patch request
type UpdateAccountRequest struct {
	Status   *string                `json:"status,omitempty"`
	Type     *string                `json:"type,omitempty"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// AccountResponse represents an account on the wire
type AccountResponse struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Type      string                 `json:"type"`
	Status    string                 `json:"status"`
	Currency  string                 `json:"currency"`
	Balance   string                 `json:"balance"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt string                 `json:"created_at"`
	UpdatedAt string                 `json:"updated_at"`
}

// TreasuryGroupResponse is one account-type bucket of the treasury overview
type TreasuryGroupResponse struct {
	Type     string            `json:"type"`
	Total    string            `json:"total"`
	Accounts []AccountResponse `json:"accounts"`
}

// TreasuryStatusResponse is the treasury overview on the wire
type TreasuryStatusResponse struct {
	Groups           []TreasuryGroupResponse `json:"groups"`
	TotalAssets      string                  `json:"total_assets"`
	TotalLiabilities string                  `json:"total_liabilities"`
	NetWorth         string                  `json:"net_worth"`
	AccountCount     int                     `json:"account_count"`
	GeneratedAt      string                  `json:"generated_at"`
}

// CreateAccount handles POST /accounts
func (h *AccountHandler) CreateAccount(w http.ResponseWriter, r *http.Request) {
	var req CreateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Name == "" {
		respondError(w, http.StatusBadRequest, "account name is required")
		return
	}

	account, err := h.service.CreateAccount(r.Context(), ledger.CreateAccountRequest{
		Name:     req.Name,
		Type:     ledger.AccountType(req.Type),
		Currency: req.Currency,
		Metadata: req.Metadata,
	}, requestContext(r))
	if err != nil {
		respondServiceError(w, err)
		return
	}

	h.invalidate(r.Context())
	respondJSON(w, http.StatusCreated, toAccountResponse(account))
}

// UpdateAccount handles PATCH /accounts/{id}
func (h *AccountHandler) UpdateAccount(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid account ID")
		return
	}

	var req UpdateAccountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	update := ledger.UpdateAccountRequest{Metadata: req.Metadata}
	if req.Status != nil {
		status := ledger.AccountStatus(*req.Status)
		update.Status = &status
	}
	if req.Type != nil {
		accountType := ledger.AccountType(*req.Type)
		update.Type = &accountType
	}

	account, err := h.service.UpdateAccount(r.Context(), id, update, requestContext(r))
	if err != nil {
		respondServiceError(w, err)
		return
	}

	h.invalidate(r.Context())
	respondJSON(w, http.StatusOK, toAccountResponse(account))
}

// GetAccount handles GET /accounts/{id}
func (h *AccountHandler) GetAccount(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid account ID")
		return
	}

	account, err := h.service.GetAccount(r.Context(), id)
	if err != nil {
		respondServiceError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, toAccountResponse(account))
}

// GetTreasuryStatus handles GET /treasury/status and its /accounts alias:
// active accounts grouped by type with totals. Served from the cache when one
// is configured; a cache fault degrades to a direct read.
func (h *AccountHandler) GetTreasuryStatus(w http.ResponseWriter, r *http.Request) {
	if h.cache != nil {
		var cached TreasuryStatusResponse
		if hit, err := h.cache.Get(r.Context(), &cached); err == nil && hit {
			respondJSON(w, http.StatusOK, cached)
			return
		}
	}

	status, err := h.service.Treasury(r.Context())
	if err != nil {
		respondServiceError(w, err)
		return
	}

	response := toTreasuryStatusResponse(status)
	if h.cache != nil {
		_ = h.cache.Set(r.Context(), response)
	}

	respondJSON(w, http.StatusOK, response)
}

func (h *AccountHandler) invalidate(ctx context.Context) {
	if h.cache != nil {
		_ = h.cache.Invalidate(ctx)
	}
}

// toAccountResponse converts a domain account to its wire form
func toAccountResponse(account *ledger.LogicalAccount) AccountResponse {
	return AccountResponse{
		ID:        account.ID.String(),
		Name:      account.Name,
		Type:      string(account.Type),
		Status:    string(account.Status),
		Currency:  account.Currency,
		Balance:   account.Balance.String(),
		Metadata:  account.Metadata,
		CreatedAt: account.CreatedAt.Format(time.RFC3339),
		UpdatedAt: account.UpdatedAt.Format(time.RFC3339),
	}
}

// toTreasuryStatusResponse converts the treasury overview to its wire form
func toTreasuryStatusResponse(status *ledger.TreasuryStatus) TreasuryStatusResponse {
	response := TreasuryStatusResponse{
		Groups:      make([]TreasuryGroupResponse, 0, len(status.Groups)),
		GeneratedAt: status.GeneratedAt.Format(time.RFC3339),
	}

	count := 0
	totalLiabilities := decimal.Zero
	for _, group := range status.Groups {
		gr := TreasuryGroupResponse{
			Type:     string(group.Type),
			Total:    group.Total.String(),
			Accounts: make([]AccountResponse, 0, len(group.Accounts)),
		}
		for _, account := range group.Accounts {
			gr.Accounts = append(gr.Accounts, toAccountResponse(account))
		}
		if group.Type == ledger.AccountTypeLiability {
			totalLiabilities = group.Total
		}
		count += len(group.Accounts)
		response.Groups = append(response.Groups, gr)
	}

	response.TotalAssets = status.TotalAssets.String()
	response.TotalLiabilities = totalLiabilities.String()
	response.NetWorth = status.TotalAssets.Sub(totalLiabilities).String()
	response.AccountCount = count

	return response
}
