package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	client := NewAPIClient(Config{APIURL: ts.URL, Token: "jwt_test"})
	return NewHandlers(client), ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

const bookingJSON = `{"id":"bk_1","status":"BOOKED","seats":2,"amount":40000,
	"paymentMethod":"ONLINE","paymentStatus":"PAID",
	"ride":{"startLocation":"Pune","endLocation":"Mumbai","departAt":"2026-11-02T09:30:00Z"}}`

// ============================================================
// Client tests
// ============================================================

func TestClient_AuthHeader(t *testing.T) {
	var gotAuth string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewAPIClient(Config{APIURL: ts.URL, Token: "secret-token"})
	_, err := client.WalletBalance(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer secret-token", gotAuth)
}

func TestClient_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":   "insufficient_funds",
			"message": "Wallet balance is too low for this booking",
		})
	}))
	defer ts.Close()

	client := NewAPIClient(Config{APIURL: ts.URL})
	_, err := client.BookRide(context.Background(), "ride_1", 1, "ONLINE", "", "k1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "402")
	assert.Contains(t, err.Error(), "Wallet balance is too low")
}

func TestClient_HTTPError_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	}))
	defer ts.Close()

	_, err := NewAPIClient(Config{APIURL: ts.URL}).MyBookings(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream timeout")
}

func TestClient_ConnectionRefused(t *testing.T) {
	_, err := NewAPIClient(Config{APIURL: "http://127.0.0.1:1"}).WalletBalance(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

func TestClient_SearchQuery(t *testing.T) {
	var gotQuery string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/rides", r.URL.Path)
		gotQuery = r.URL.RawQuery
		_, _ = w.Write([]byte(`{"rides":[]}`))
	}))
	defer ts.Close()

	_, err := NewAPIClient(Config{APIURL: ts.URL}).SearchRides(context.Background(), "Pune", "Mumbai", "", 2)
	require.NoError(t, err)
	assert.Equal(t, "from=Pune&seats=2&to=Mumbai", gotQuery)
}

// ============================================================
// Tool handler tests
// ============================================================

func TestHandleSearchRides(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"rides":[{"id":"ride_1","startLocation":"Pune","endLocation":"Mumbai",
			"departAt":"2026-11-02T09:30:00Z","availableSeats":3,"pricePaise":25000,"carModel":"Swift",
			"genderPreference":"FEMALE_ONLY"}],"count":1}`))
	}))
	defer cleanup()

	result, err := h.HandleSearchRides(context.Background(), makeRequest(map[string]any{"from": "Pune"}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "Found 1 ride(s)")
	assert.Contains(t, text, "Pune -> Mumbai")
	assert.Contains(t, text, "ID: ride_1")
	assert.Contains(t, text, "Seats left: 3, ₹250.00 per seat")
	assert.Contains(t, text, "Car: Swift")
	assert.Contains(t, text, "Preference: FEMALE_ONLY")
}

func TestHandleSearchRides_Empty(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"rides":[],"count":0}`))
	}))
	defer cleanup()

	result, err := h.HandleSearchRides(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Equal(t, "No rides found.", resultText(t, result))
}

func TestHandleBookRide(t *testing.T) {
	var gotKey string
	var gotBody map[string]any
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/bookings", r.URL.Path)
		gotKey = r.Header.Get("Idempotency-Key")
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &gotBody)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"bk_1","status":"BOOKED","booking":` + bookingJSON + `}`))
	}))
	defer cleanup()

	result, err := h.HandleBookRide(context.Background(), makeRequest(map[string]any{
		"ride_id": "ride_1", "seats": float64(2), "payment_method": "online", "request_id": "req-42",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError, resultText(t, result))

	assert.Equal(t, "req-42", gotKey)
	assert.Equal(t, "ride_1", gotBody["rideId"])
	assert.Equal(t, float64(2), gotBody["seats"])
	assert.Equal(t, "ONLINE", gotBody["paymentMethod"])
	assert.NotContains(t, gotBody, "paymentId")

	text := resultText(t, result)
	assert.Contains(t, text, "Booking confirmed.")
	assert.Contains(t, text, "Booking bk_1: BOOKED")
	assert.Contains(t, text, "Seats: 2, amount ₹400.00")
	assert.Contains(t, text, "Request ID: req-42")
}

func TestHandleBookRide_GeneratesRequestID(t *testing.T) {
	var gotKey string
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		_, _ = w.Write([]byte(`{"booking":` + bookingJSON + `}`))
	}))
	defer cleanup()

	result, err := h.HandleBookRide(context.Background(), makeRequest(map[string]any{"ride_id": "ride_1", "seats": 1}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Len(t, gotKey, 36)
}

func TestHandleBookRide_Validation(t *testing.T) {
	var hits atomic.Int32
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer cleanup()

	result, _ := h.HandleBookRide(context.Background(), makeRequest(map[string]any{"seats": 1}))
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "ride_id is required")

	result, _ = h.HandleBookRide(context.Background(), makeRequest(map[string]any{"ride_id": "ride_1"}))
	assert.True(t, result.IsError)
	assert.Equal(t, int32(0), hits.Load())
}

func TestHandleBookRide_SoldOut(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"insufficient_inventory","message":"Not enough seats available"}`))
	}))
	defer cleanup()

	result, err := h.HandleBookRide(context.Background(), makeRequest(map[string]any{"ride_id": "ride_1", "seats": 5}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Not enough seats available")
}

func TestHandleCancelBooking(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/bookings/bk_1/cancel", r.URL.Path)
		_, _ = w.Write([]byte(`{"booking":{"id":"bk_1","status":"CANCELLED","seats":2,"amount":40000,
			"paymentMethod":"ONLINE","paymentStatus":"REFUNDED"}}`))
	}))
	defer cleanup()

	result, err := h.HandleCancelBooking(context.Background(), makeRequest(map[string]any{"booking_id": "bk_1"}))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Booking cancelled.")
	assert.Contains(t, text, "refunded to your wallet")

	result, _ = h.HandleCancelBooking(context.Background(), makeRequest(nil))
	assert.True(t, result.IsError)
}

func TestHandleMyBookings(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"upcoming":[` + bookingJSON + `],"past":[]}`))
	}))
	defer cleanup()

	result, err := h.HandleMyBookings(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Upcoming (1):")
	assert.Contains(t, text, "Ride: Pune -> Mumbai at Mon 02 Nov 2026 09:30 UTC")
	assert.NotContains(t, text, "Past")
}

func TestHandleMyBookings_None(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"upcoming":[],"past":[]}`))
	}))
	defer cleanup()

	result, _ := h.HandleMyBookings(context.Background(), makeRequest(nil))
	assert.Equal(t, "You have no bookings.", resultText(t, result))
}

func TestHandleWalletBalance(t *testing.T) {
	h, cleanup := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/wallet", r.URL.Path)
		_, _ = w.Write([]byte(`{"wallet":{"userId":"alice","balance":123450,"totalIn":200000,"totalOut":76550}}`))
	}))
	defer cleanup()

	result, err := h.HandleWalletBalance(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	text := resultText(t, result)
	assert.Contains(t, text, "Balance:   ₹1234.50")
	assert.Contains(t, text, "Spent:     ₹765.50")
}

func TestNewMCPServer_RegistersTools(t *testing.T) {
	s := NewMCPServer(Config{APIURL: "http://localhost:8080"})
	require.NotNil(t, s)
	for _, tool := range []mcp.Tool{ToolSearchRides, ToolBookRide, ToolCancelBooking, ToolMyBookings, ToolWalletBalance} {
		assert.NotEmpty(t, tool.Name)
	}
}
