package middleware_test

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clearledger/ledgerd/internal/transport/httpapi/middleware"
	"github.com/clearledger/ledgerd/pkg/logger"
)

func TestLogger_RecordsAuthenticatedActor(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New("development", "debug", &buf)
	svc := newJWT()

	chain := middleware.Logger(log)(middleware.RequireAuth(svc)(okHandler()))

	token, err := svc.GenerateToken("ops-lead", []string{"operator"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/transactions", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	chain.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, buf.String(), "actor=ops-lead")
	assert.Contains(t, buf.String(), "status=200")
}

func TestLogger_AnonymousRequestHasNoActor(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New("development", "debug", &buf)
	svc := newJWT()

	chain := middleware.Logger(log)(middleware.OptionalAuth(svc)(okHandler()))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/transactions", nil)
	rec := httptest.NewRecorder()
	chain.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, buf.String(), "actor=")
}

func TestLogger_AttachesErrorMessage(t *testing.T) {
	var buf bytes.Buffer
	log := logger.New("development", "debug", &buf)

	failing := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"transaction is already COMPLETED"}`))
	})

	req := httptest.NewRequest(http.MethodPatch, "/api/v1/transactions/abc", nil)
	rec := httptest.NewRecorder()
	middleware.Logger(log)(failing).ServeHTTP(rec, req)

	assert.Contains(t, buf.String(), "transaction is already COMPLETED")
	assert.Contains(t, buf.String(), "status=409")
}

func TestCORS_AllowsPatchPreflight(t *testing.T) {
	handler := middleware.CORS([]string{"https://app.example.com"})(okHandler())

	req := httptest.NewRequest(http.MethodOptions, "/api/v1/transactions/abc", nil)
	req.Header.Set("Origin", "https://app.example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPatch)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	assert.Equal(t, "https://app.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Methods"), "PATCH")
}
