package server

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digivault/escrowd/internal/config"
	"github.com/digivault/escrowd/internal/gateway"
	"github.com/digivault/escrowd/internal/logging"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testConfig returns a minimal in-memory config for testing
func testConfig() *config.Config {
	return &config.Config{
		Port:                    "0",
		Env:                     "development",
		LogLevel:                "error",
		LogFormat:               "text",
		JWTSecret:               "test-secret-test-secret-test-secret",
		JWTTTL:                  config.DefaultJWTTTL,
		RateLimitPerMinute:      600,
		PaymentCurrency:         config.DefaultCurrency,
		FeePercentage:           config.DefaultFeePercentage,
		PaymentTimeoutHours:     config.DefaultPaymentTimeoutHours,
		VerificationPeriodHours: config.DefaultVerificationPeriodHours,
		SettlementReleaseBatch:  config.DefaultReleaseBatch,
		SettlementRefundBatch:   config.DefaultRefundBatch,
		SettlementStaleHours:    config.DefaultStaleHours,
		NotifyTopic:             "escrow.notifications",
	}
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	s, err := New(testConfig(), WithLogger(logging.Discard()))
	require.NoError(t, err)
	t.Cleanup(func() { s.rateLimiter.Stop() })
	return s
}

func do(t *testing.T, s *Server, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.Router().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func TestHealthEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "memory", resp.Storage)
	assert.NotEmpty(t, resp.Timestamp)
}

func TestLivenessEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	s.healthy.Store(false)
	w = do(t, s, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestReadinessEndpoint(t *testing.T) {
	s := newTestServer(t)

	// Not ready until Run flips the flag.
	w := do(t, s, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	s.ready.Store(true)
	w = do(t, s, http.MethodGet, "/health/ready", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestSecurityHeadersAndRequestID(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodGet, "/health/live", "", nil)
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
	assert.Len(t, w.Header().Get("X-Request-ID"), 32)

	req := httptest.NewRequest(http.MethodGet, "/health/live", nil)
	req.Header.Set("X-Request-ID", "req-abc")
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	assert.Equal(t, "req-abc", rec.Header().Get("X-Request-ID"))
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestNotFoundRoute(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodGet, "/nonexistent", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	s := newTestServer(t)

	w := do(t, s, http.MethodGet, "/v1/transactions", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestDevTokenHiddenInProduction(t *testing.T) {
	cfg := testConfig()
	cfg.Env = "production"
	cfg.CronSecret = "cron-secret"
	s, err := New(cfg, WithLogger(logging.Discard()), WithGateway(gateway.NewMockGateway()))
	require.NoError(t, err)
	t.Cleanup(func() { s.rateLimiter.Stop() })

	w := do(t, s, http.MethodPost, "/v1/dev/token", "", map[string]string{"userId": "u", "role": "BUYER"})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = do(t, s, http.MethodPost, "/v1/internal/settlement/run", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = do(t, s, http.MethodPost, "/v1/internal/settlement/run", "cron-secret", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func devToken(t *testing.T, s *Server, userID, role string) string {
	t.Helper()
	w := do(t, s, http.MethodPost, "/v1/dev/token", "", map[string]string{
		"userId": userID,
		"role":   role,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	tok, _ := decode(t, w)["token"].(string)
	require.NotEmpty(t, tok)
	return tok
}

func TestEscrowLifecycleEndToEnd(t *testing.T) {
	s := newTestServer(t)
	buyer := devToken(t, s, DemoBuyerID, "BUYER")
	seller := devToken(t, s, DemoSellerID, "SELLER")

	// Checkout reserves the listing and returns a mock invoice.
	w := do(t, s, http.MethodPost, "/v1/checkout", buyer, map[string]string{"listingId": DemoListingID})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var checkout struct {
		Transaction struct {
			ID           string `json:"id"`
			Status       string `json:"status"`
			Amount       int64  `json:"transactionAmount"`
			PlatformFee  int64  `json:"platformFeeAmount"`
			SellerPayout int64  `json:"sellerPayoutAmount"`
		} `json:"transaction"`
		Invoice struct {
			ID string `json:"id"`
		} `json:"invoice"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &checkout))
	txID := checkout.Transaction.ID
	assert.Equal(t, "PENDING_PAYMENT", checkout.Transaction.Status)
	assert.Equal(t, int64(100000), checkout.Transaction.Amount)
	assert.Equal(t, int64(5000), checkout.Transaction.PlatformFee)
	assert.Equal(t, int64(95000), checkout.Transaction.SellerPayout)

	// Listing is no longer available.
	w = do(t, s, http.MethodPost, "/v1/checkout", buyer, map[string]string{"listingId": DemoListingID})
	assert.Equal(t, http.StatusConflict, w.Code)

	// Provider reports the invoice paid; a replay is a no-op.
	hook := map[string]string{"invoiceId": checkout.Invoice.ID, "externalId": txID, "status": "PAID"}
	for range 2 {
		w = do(t, s, http.MethodPost, "/v1/webhooks/payments", "", hook)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, "PAID", decode(t, w)["status"])
	}

	// Only the seller can mark the item transferred.
	w = do(t, s, http.MethodPost, "/v1/transactions/"+txID+"/transfer", buyer, nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = do(t, s, http.MethodPost, "/v1/transactions/"+txID+"/transfer", seller, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// The verification window is still open.
	w = do(t, s, http.MethodGet, "/v1/internal/settlement/status", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, decode(t, w)["pendingAutoRelease"])

	w = do(t, s, http.MethodPost, "/v1/transactions/"+txID+"/confirm", buyer, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(t, s, http.MethodGet, "/v1/transactions/"+txID, seller, nil)
	require.Equal(t, http.StatusOK, w.Code)
	txn, _ := decode(t, w)["transaction"].(map[string]any)
	assert.Equal(t, "COMPLETED", txn["status"])

	// Nothing left for the scheduled pass.
	w = do(t, s, http.MethodPost, "/v1/internal/settlement/run", "", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	result, _ := decode(t, w)["result"].(map[string]any)
	assert.EqualValues(t, 0, result["processed"])
	assert.Equal(t, []any{}, result["errors"])
}
