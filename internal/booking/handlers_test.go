package booking

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRouter(t *testing.T) (*gin.Engine, *harness) {
	gin.SetMode(gin.TestMode)
	h := newHarness(t)

	handler := NewHandler(h.svc, nil).WithReceipts(func(_ context.Context, v *View) ([]byte, error) {
		return []byte("%PDF-1.3 " + v.ID), nil
	})
	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(func(c *gin.Context) {
		// X-User-ID stands in for the JWT middleware
		if id := c.GetHeader("X-User-ID"); id != "" {
			c.Set("authUserID", id)
		}
		c.Next()
	})
	handler.RegisterProtectedRoutes(v1)
	return r, h
}

func doJSON(r *gin.Engine, method, path, userID string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_BookAndCancel(t *testing.T) {
	router, h := setupTestRouter(t)
	ride := h.newRide(t, "driver1", 2, "150")

	w := doJSON(router, http.MethodPost, "/v1/bookings", "p1", map[string]any{
		"rideId": ride.ID, "seats": 1, "paymentMethod": "CASH",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var resp struct {
		ID            string        `json:"id"`
		Status        Status        `json:"status"`
		PaymentStatus PaymentStatus `json:"paymentStatus"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, StatusBooked, resp.Status)
	assert.Equal(t, PaymentPending, resp.PaymentStatus)

	w = doJSON(router, http.MethodGet, "/v1/bookings/"+resp.ID, "p2", nil)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(router, http.MethodGet, "/v1/bookings/"+resp.ID+"/receipt", "p1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/pdf", w.Header().Get("Content-Type"))

	w = doJSON(router, http.MethodPost, "/v1/bookings/"+resp.ID+"/cancel", "p1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"CANCELLED"`)

	w = doJSON(router, http.MethodPost, "/v1/bookings/"+resp.ID+"/cancel", "p1", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestHandler_BookErrors(t *testing.T) {
	router, h := setupTestRouter(t)
	ride := h.newRide(t, "driver1", 1, "150")

	w := doJSON(router, http.MethodPost, "/v1/bookings", "p1", map[string]any{
		"rideId": ride.ID, "seats": 1, "paymentMethod": "BITCOIN",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = doJSON(router, http.MethodPost, "/v1/bookings", "driver1", map[string]any{
		"rideId": ride.ID, "seats": 1, "paymentMethod": "CASH",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(router, http.MethodPost, "/v1/bookings", "p1", map[string]any{
		"rideId": ride.ID, "seats": 2, "paymentMethod": "CASH",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "insufficient_inventory")

	w = doJSON(router, http.MethodPost, "/v1/bookings", "p1", map[string]any{
		"rideId": ride.ID, "seats": 1, "paymentMethod": "ONLINE",
	})
	assert.Equal(t, http.StatusPaymentRequired, w.Code)

	w = doJSON(router, http.MethodPost, "/v1/bookings", "p1", map[string]any{
		"rideId": "ride_missing", "seats": 1, "paymentMethod": "CASH",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_DriverRoutes(t *testing.T) {
	router, h := setupTestRouter(t)
	ride := h.newRide(t, "driver1", 3, "3")
	h.fund(t, "p1", 300)
	_, err := h.svc.Book(context.Background(), "p1", Request{RideID: ride.ID, Seats: 1, PaymentMethod: MethodOnline})
	require.NoError(t, err)

	w := doJSON(router, http.MethodGet, "/v1/rides/"+ride.ID+"/bookings", "driver1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"bookedSeats":1`)

	w = doJSON(router, http.MethodDelete, "/v1/rides/"+ride.ID, "driver1", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(router, http.MethodPost, "/v1/rides/"+ride.ID+"/cancel", "driver1", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"cancelledBookings":1`)
	assert.Equal(t, int64(300), h.balance(t, "p1"))

	w = doJSON(router, http.MethodDelete, "/v1/rides/"+ride.ID, "driver1", nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(router, http.MethodGet, "/v1/me/bookings", "p1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"past"`)
}
