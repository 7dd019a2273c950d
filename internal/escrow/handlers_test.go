package escrow

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/digivault/escrowd/internal/auth"
	"github.com/digivault/escrowd/internal/gateway"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type handlerEnv struct {
	*fixture
	router *gin.Engine
	tokens map[string]string
}

func newHandlerEnv(t *testing.T, gw gateway.Gateway) *handlerEnv {
	t.Helper()
	if gw == nil {
		gw = gateway.NewMockGateway()
	}
	f := newFixture(t, gw)
	mgr := auth.NewManager("handler-test-secret", time.Hour)

	r := gin.New()
	v1 := r.Group("/v1", auth.Middleware(mgr))
	h := NewHandler(f.svc, gw)
	h.RegisterRoutes(v1)
	protected := v1.Group("", auth.RequireAuth())
	h.RegisterProtectedRoutes(protected)

	tokens := map[string]string{}
	for user, role := range map[string]auth.Role{
		"buyer":    auth.RoleBuyer,
		"seller":   auth.RoleSeller,
		"stranger": auth.RoleBuyer,
		"ops":      auth.RoleAdmin,
	} {
		tok, err := mgr.IssueToken(user, role, "")
		require.NoError(t, err)
		tokens[user] = tok
	}
	return &handlerEnv{fixture: f, router: r, tokens: tokens}
}

func (e *handlerEnv) do(method, path, user string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set("Authorization", "Bearer "+e.tokens[user])
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func TestHandler_CheckoutFlow(t *testing.T) {
	env := newHandlerEnv(t, nil)

	w := env.do("POST", "/v1/checkout", "buyer", map[string]string{"listingId": "lst_1"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	res := decode[CheckoutResult](t, w)
	id := res.Transaction.ID
	assert.Equal(t, int64(5000), res.Transaction.PlatformFee)

	w = env.do("POST", "/v1/webhooks/payments", "", map[string]string{
		"invoiceId": res.Invoice.ID, "externalId": id, "status": "PAID",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"status":"PAID"`)

	// Repeat delivery of the same webhook.
	w = env.do("POST", "/v1/webhooks/payments", "", map[string]string{
		"invoiceId": res.Invoice.ID, "externalId": id, "status": "PAID",
	})
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do("POST", "/v1/transactions/"+id+"/transfer", "seller", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"status":"ITEM_TRANSFERRED"`)

	w = env.do("GET", "/v1/transactions/"+id, "buyer", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = env.do("GET", "/v1/transactions/"+id, "stranger", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = env.do("GET", "/v1/transactions/"+id, "ops", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = env.do("POST", "/v1/transactions/"+id+"/dispute", "buyer", map[string]string{"reason": "wrong item"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = env.do("POST", "/v1/transactions/"+id+"/dispute", "seller", map[string]string{"reason": "again"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "dispute_exists")
}

func TestHandler_CheckoutValidation(t *testing.T) {
	env := newHandlerEnv(t, nil)

	w := env.do("POST", "/v1/checkout", "", map[string]string{"listingId": "lst_1"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = env.do("POST", "/v1/checkout", "seller", map[string]string{"listingId": "lst_1"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = env.do("POST", "/v1/checkout", "buyer", map[string]string{"listingId": ""})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "validation_error")

	w = env.do("POST", "/v1/checkout", "buyer", map[string]string{"listingId": "missing"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_CheckoutGatewayFailure(t *testing.T) {
	env := newHandlerEnv(t, failingGateway{gateway.NewMockGateway()})

	w := env.do("POST", "/v1/checkout", "buyer", map[string]string{"listingId": "lst_1"})
	assert.Equal(t, http.StatusBadGateway, w.Code)
	body := decode[map[string]string](t, w)
	assert.Equal(t, "gateway_unavailable", body["error"])
	assert.Equal(t, gateway.UserMessage, body["message"])
}

func TestHandler_WebhookRejectsGarbage(t *testing.T) {
	env := newHandlerEnv(t, nil)

	req := httptest.NewRequest("POST", "/v1/webhooks/payments", bytes.NewBufferString("not json"))
	w := httptest.NewRecorder()
	env.router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

// stripeWebhookRouter checks out through the mock gateway but verifies
// webhooks with Stripe signatures.
func stripeWebhookRouter(t *testing.T) (*fixture, *gin.Engine) {
	t.Helper()
	f := newFixture(t, nil)
	r := gin.New()
	NewHandler(f.svc, gateway.NewStripeGateway("sk_test_123", "whsec_test", "idr")).
		RegisterRoutes(r.Group("/v1"))
	return f, r
}

func postSigned(r *gin.Engine, payload string) *httptest.ResponseRecorder {
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   []byte(payload),
		Secret:    "whsec_test",
		Timestamp: time.Now(),
	})
	req := httptest.NewRequest("POST", "/v1/webhooks/payments", bytes.NewReader(signed.Payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_WebhookExpiredSessionCancels(t *testing.T) {
	f, r := stripeWebhookRouter(t)
	res, err := f.svc.Checkout(context.Background(), "buyer", "lst_1")
	require.NoError(t, err)
	id := res.Transaction.ID

	event := `{"id":"evt_exp","object":"event","type":"checkout.session.expired","data":{"object":` +
		`{"id":"` + res.Invoice.ID + `","object":"checkout.session","client_reference_id":"` + id + `","payment_status":"unpaid"}}}`
	w := postSigned(r, event)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, string(StatusCancelled), decode[map[string]any](t, w)["status"])

	txn, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, txn.Status)
	listing, err := f.store.GetListing(context.Background(), "lst_1")
	require.NoError(t, err)
	assert.Equal(t, ListingActive, listing.Status)

	// Redelivery is acknowledged without a second cancellation.
	w = postSigned(r, event)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	expired := 0
	for _, a := range f.store.AuditEntries() {
		if a.Action == AuditPaymentExpired {
			expired++
		}
	}
	assert.Equal(t, 1, expired)
	assert.Contains(t, f.notifier.types(), NotifyCheckoutCanceled)
}

func TestHandler_WebhookUnhandledTypeAcknowledged(t *testing.T) {
	_, r := stripeWebhookRouter(t)

	w := postSigned(r, `{"id":"evt_other","object":"event","type":"payment_intent.created","data":{"object":{"id":"pi_1","object":"payment_intent"}}}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	body := decode[map[string]any](t, w)
	assert.Equal(t, true, body["received"])
	assert.Equal(t, "payment_intent.created", body["ignored"])
}

func TestHandler_InvalidTransactionID(t *testing.T) {
	env := newHandlerEnv(t, nil)

	w := env.do("GET", "/v1/transactions/not-a-uuid", "buyer", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_ListTransactions(t *testing.T) {
	env := newHandlerEnv(t, nil)
	w := env.do("POST", "/v1/checkout", "buyer", map[string]string{"listingId": "lst_1"})
	require.Equal(t, http.StatusCreated, w.Code)

	w = env.do("GET", "/v1/transactions?role=buyer&limit=5", "buyer", nil)
	require.Equal(t, http.StatusOK, w.Code)
	page := decode[Page](t, w)
	assert.Len(t, page.Transactions, 1)
	assert.False(t, page.HasMore)

	w = env.do("GET", "/v1/transactions?role=seller", "seller", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode[Page](t, w).Transactions, 1)

	w = env.do("GET", "/v1/transactions?role=admin", "buyer", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = env.do("GET", "/v1/transactions?cursor=notacursor", "buyer", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{ErrTransactionNotFound, http.StatusNotFound},
		{ErrInvalidStatus, http.StatusConflict},
		{ErrConflict, http.StatusConflict},
		{ErrUnauthorized, http.StatusForbidden},
		{auth.ErrUnauthorized, http.StatusForbidden},
		{&gateway.Error{Op: "x", Err: assert.AnError}, http.StatusBadGateway},
		{assert.AnError, http.StatusInternalServerError},
	}
	for _, tc := range tests {
		code, _ := StatusFor(tc.err)
		assert.Equal(t, tc.code, code, "%v", tc.err)
	}
}
