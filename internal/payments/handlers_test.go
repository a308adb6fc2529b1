package payments

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

	"github.com/mbd888/rideshare/internal/ledger"
	"github.com/mbd888/rideshare/internal/syncutil"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *fixture, *ledger.Ledger) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t)
	l := ledger.New(f.store, syncutil.NewKeyedMutex())

	handler := NewHandler(f.svc, nil).WithSimulation(true).WithStripeWebhook("whsec_test", l)
	r := gin.New()
	v1 := r.Group("/v1")
	handler.RegisterRoutes(v1)

	authGroup := v1.Group("")
	authGroup.Use(func(c *gin.Context) {
		// X-User-ID stands in for the JWT middleware
		if id := c.GetHeader("X-User-ID"); id != "" {
			c.Set("authUserID", id)
		}
		c.Next()
	})
	handler.RegisterProtectedRoutes(authGroup)
	return r, f, l
}

func postJSON(r *gin.Engine, path, userID string, body any) *httptest.ResponseRecorder {
	b, _ := json.Marshal(body)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_OrderSimulateVerify(t *testing.T) {
	router, f, _ := setupTestRouter(t)

	w := postJSON(router, "/v1/payments/orders", "p1", CreateOrderRequest{RideID: f.rideID, Seats: 1})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var order OrderResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &order))

	w = postJSON(router, "/v1/payments/orders/"+order.Order.ID+"/simulate", "p1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var sim struct {
		PaymentID string `json:"paymentId"`
		Signature string `json:"signature"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sim))

	w = postJSON(router, "/v1/payments/verify", "p1", VerifyRequest{OrderID: order.Order.ID, PaymentID: sim.PaymentID, Signature: "00ff"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = postJSON(router, "/v1/payments/verify", "p1", VerifyRequest{OrderID: order.Order.ID, PaymentID: sim.PaymentID, Signature: sim.Signature})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "SUCCESS")

	req := httptest.NewRequest(http.MethodGet, "/v1/payments/"+order.Payment.ID, nil)
	req.Header.Set("X-User-ID", "p2")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestHandler_CreateOrderValidation(t *testing.T) {
	router, _, _ := setupTestRouter(t)

	w := postJSON(router, "/v1/payments/orders", "p1", map[string]any{"seats": 0})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = postJSON(router, "/v1/payments/orders", "p1", CreateOrderRequest{RideID: "missing", Seats: 1})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_StripeWebhookSettlesTopUp(t *testing.T) {
	router, f, l := setupTestRouter(t)
	ctx := context.Background()
	l.WithCheckout(func(context.Context, *ledger.PaymentRecord) (string, error) { return "pi_123", nil })

	_, err := l.CreateTopUp(ctx, "p1", 1500, "K1", "STRIPE")
	require.NoError(t, err)

	payload := []byte(`{"id":"evt_1","object":"event","type":"payment_intent.succeeded",` +
		`"data":{"object":{"id":"pi_123","object":"payment_intent","latest_charge":"ch_9"}}}`)
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    "whsec_test",
		Timestamp: time.Now(),
	})

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodPost, "/v1/gateway/stripe", bytes.NewReader(signed.Payload))
		req.Header.Set("Stripe-Signature", signed.Header)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}

	wallet, err := f.store.GetWallet(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(1500), wallet.Balance)

	rec, err := f.store.GetPaymentByKey(ctx, "K1")
	require.NoError(t, err)
	assert.Equal(t, "ch_9", rec.ProviderPaymentID)
}

func TestHandler_StripeWebhookBadSignature(t *testing.T) {
	router, _, _ := setupTestRouter(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/gateway/stripe", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}
