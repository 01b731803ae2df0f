package handler_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/clearledger/ledgerd/internal/ledger"
	apperrors "github.com/clearledger/ledgerd/internal/shared/errors"
	"github.com/clearledger/ledgerd/internal/transport/httpapi/handler"
)

// MockTransactionService is a mock implementation of TransactionServiceInterface
type MockTransactionService struct {
	mock.Mock
}

func (m *MockTransactionService) Create(ctx context.Context, req ledger.CreateTransactionRequest, rc ledger.RequestContext) (*ledger.Transaction, error) {
	args := m.Called(ctx, req, rc)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ledger.Transaction), args.Error(1)
}

func (m *MockTransactionService) Update(ctx context.Context, id uuid.UUID, req ledger.UpdateTransactionRequest, rc ledger.RequestContext) (*ledger.Transaction, error) {
	args := m.Called(ctx, id, req, rc)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ledger.Transaction), args.Error(1)
}

func (m *MockTransactionService) Get(ctx context.Context, id uuid.UUID) (*ledger.Transaction, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*ledger.Transaction), args.Error(1)
}

func (m *MockTransactionService) List(ctx context.Context, filters ledger.TransactionFilters) ([]*ledger.Transaction, error) {
	args := m.Called(ctx, filters)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]*ledger.Transaction), args.Error(1)
}

// MockInvalidator is a mock implementation of TreasuryInvalidator
type MockInvalidator struct {
	mock.Mock
}

func (m *MockInvalidator) Invalidate(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func sampleTransaction() *ledger.Transaction {
	now := time.Now().UTC()
	accountID := uuid.New()
	return &ledger.Transaction{
		ID:               uuid.New(),
		Type:             ledger.TxTypeDeposit,
		Direction:        ledger.Debit,
		Amount:           decimal.RequireFromString("100.50"),
		Currency:         "USD",
		Status:           ledger.TxStatusPending,
		LogicalAccountID: &accountID,
		Metadata:         map[string]interface{}{},
		TransactionDate:  now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

func newTransactionRouter(h *handler.TransactionHandler) *chi.Mux {
	r := chi.NewRouter()
	r.Post("/transactions", h.CreateTransaction)
	r.Get("/transactions", h.GetTransactions)
	r.Get("/transactions/{id}", h.GetTransaction)
	r.Patch("/transactions/{id}", h.UpdateTransaction)
	return r
}

func TestTransactionHandler_Create(t *testing.T) {
	svc := new(MockTransactionService)
	cache := new(MockInvalidator)
	cache.On("Invalidate", mock.Anything).Return(nil)

	tx := sampleTransaction()
	svc.On("Create", mock.Anything, mock.MatchedBy(func(req ledger.CreateTransactionRequest) bool {
		return req.Type == ledger.TxTypeDeposit &&
			req.Amount.Equal(decimal.RequireFromString("100.50"))
	}), mock.Anything).Return(tx, nil)

	router := newTransactionRouter(handler.NewTransactionHandler(svc, cache))

	body := `{"type":"DEPOSIT","amount":"100.50","logical_account_id":"` +
		tx.LogicalAccountID.String() + `"}`
	req := httptest.NewRequest(http.MethodPost, "/transactions", bytes.NewBufferString(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, tx.ID.String(), resp["id"])
	assert.Equal(t, "DEPOSIT", resp["type"])
	assert.Equal(t, "100.5", resp["amount"])

	svc.AssertExpectations(t)
	cache.AssertCalled(t, "Invalidate", mock.Anything)
}

func TestTransactionHandler_Create_Validation(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"malformed json", `{`, "invalid request body"},
		{"missing type", `{"amount":"10"}`, "transaction type is required"},
		{"missing amount", `{"type":"DEPOSIT"}`, "amount is required"},
		{"bad amount", `{"type":"DEPOSIT","amount":"ten"}`, "invalid amount format"},
		{"bad account id", `{"type":"DEPOSIT","amount":"10","logical_account_id":"nope"}`, "invalid logical_account_id"},
		{"bad date", `{"type":"DEPOSIT","amount":"10","transaction_date":"yesterday"}`, "invalid transaction_date format (use RFC3339)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockTransactionService)
			router := newTransactionRouter(handler.NewTransactionHandler(svc, nil))

			req := httptest.NewRequest(http.MethodPost, "/transactions", bytes.NewBufferString(tt.body))
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)

			var resp map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.want, resp["error"])

			// The service never sees an invalid request
			svc.AssertNotCalled(t, "Create", mock.Anything, mock.Anything, mock.Anything)
		})
	}
}

func TestTransactionHandler_Create_ServiceErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantMsg  string
	}{
		{"conflict", apperrors.Conflict("transaction with external hash 0xde***eef already exists"),
			http.StatusConflict, "transaction with external hash 0xde***eef already exists"},
		{"validation", apperrors.Validation("account Ops is not active"),
			http.StatusBadRequest, "account Ops is not active"},
		{"not found", apperrors.NotFound("account"),
			http.StatusNotFound, "account not found"},
		{"internal details are hidden", apperrors.Internal("pool exhausted on shard 3", nil),
			http.StatusInternalServerError, "internal server error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockTransactionService)
			svc.On("Create", mock.Anything, mock.Anything, mock.Anything).Return(nil, tt.err)
			router := newTransactionRouter(handler.NewTransactionHandler(svc, nil))

			req := httptest.NewRequest(http.MethodPost, "/transactions",
				bytes.NewBufferString(`{"type":"DEPOSIT","amount":"10"}`))
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantCode, rec.Code)

			var resp map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.wantMsg, resp["error"])
		})
	}
}

func TestTransactionHandler_List(t *testing.T) {
	svc := new(MockTransactionService)
	txs := []*ledger.Transaction{sampleTransaction(), sampleTransaction()}
	svc.On("List", mock.Anything, mock.MatchedBy(func(f ledger.TransactionFilters) bool {
		return f.Status != nil && *f.Status == ledger.TxStatusCompleted && f.Limit == 10
	})).Return(txs, nil)

	router := newTransactionRouter(handler.NewTransactionHandler(svc, nil))

	req := httptest.NewRequest(http.MethodGet, "/transactions?status=COMPLETED&limit=10", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp handler.TransactionListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Transactions, 2)
	assert.Equal(t, 10, resp.Limit)
}

func TestTransactionHandler_List_FilterValidation(t *testing.T) {
	tests := []struct {
		name  string
		query string
	}{
		{"bad status", "?status=DONE"},
		{"bad type", "?type=PURCHASE"},
		{"bad account id", "?account_id=abc"},
		{"limit too large", "?limit=1001"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := new(MockTransactionService)
			router := newTransactionRouter(handler.NewTransactionHandler(svc, nil))

			req := httptest.NewRequest(http.MethodGet, "/transactions"+tt.query, nil)
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			svc.AssertNotCalled(t, "List", mock.Anything, mock.Anything)
		})
	}
}

func TestTransactionHandler_Get(t *testing.T) {
	svc := new(MockTransactionService)
	tx := sampleTransaction()
	svc.On("Get", mock.Anything, tx.ID).Return(tx, nil)

	router := newTransactionRouter(handler.NewTransactionHandler(svc, nil))

	req := httptest.NewRequest(http.MethodGet, "/transactions/"+tx.ID.String(), nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/transactions/not-a-uuid", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTransactionHandler_Update(t *testing.T) {
	svc := new(MockTransactionService)
	cache := new(MockInvalidator)
	cache.On("Invalidate", mock.Anything).Return(nil)

	tx := sampleTransaction()
	tx.Status = ledger.TxStatusCompleted
	svc.On("Update", mock.Anything, tx.ID, mock.MatchedBy(func(req ledger.UpdateTransactionRequest) bool {
		return req.Status != nil && *req.Status == ledger.TxStatusCompleted
	}), mock.Anything).Return(tx, nil)

	router := newTransactionRouter(handler.NewTransactionHandler(svc, cache))

	req := httptest.NewRequest(http.MethodPatch, "/transactions/"+tx.ID.String(),
		bytes.NewBufferString(`{"status":"COMPLETED"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "COMPLETED", resp["status"])
	cache.AssertCalled(t, "Invalidate", mock.Anything)
}

func TestTransactionHandler_Update_InvalidStatus(t *testing.T) {
	svc := new(MockTransactionService)
	router := newTransactionRouter(handler.NewTransactionHandler(svc, nil))

	req := httptest.NewRequest(http.MethodPatch, "/transactions/"+uuid.NewString(),
		bytes.NewBufferString(`{"status":"ARCHIVED"}`))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	svc.AssertNotCalled(t, "Update", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}
