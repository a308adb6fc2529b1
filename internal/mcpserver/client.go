package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Config holds the configuration for connecting to the rideshare API.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	Token  string // Bearer JWT of the user the assistant acts for
}

// APIClient is a pure HTTP client for the rideshare API.
type APIClient struct {
	cfg        Config
	httpClient *http.Client
}

// NewAPIClient creates a new client for the rideshare API.
func NewAPIClient(cfg Config) *APIClient {
	return &APIClient{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the platform.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *APIClient) doRequest(ctx context.Context, method, path string, query url.Values, body any, header http.Header) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// SearchRides lists active rides matching the route, date and seat count.
func (c *APIClient) SearchRides(ctx context.Context, from, to, date string, seats int) (json.RawMessage, error) {
	q := url.Values{}
	if from != "" {
		q.Set("from", from)
	}
	if to != "" {
		q.Set("to", to)
	}
	if date != "" {
		q.Set("date", date)
	}
	if seats > 0 {
		q.Set("seats", strconv.Itoa(seats))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/rides", q, nil, nil)
}

// BookRide books seats. idempotencyKey makes a retried call replay the
// first booking instead of creating a second one.
func (c *APIClient) BookRide(ctx context.Context, rideID string, seats int, method, paymentID, idempotencyKey string) (json.RawMessage, error) {
	body := map[string]any{
		"rideId":        rideID,
		"seats":         seats,
		"paymentMethod": method,
	}
	if paymentID != "" {
		body["paymentId"] = paymentID
	}
	var header http.Header
	if idempotencyKey != "" {
		header = http.Header{"Idempotency-Key": []string{idempotencyKey}}
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/bookings", nil, body, header)
}

// CancelBooking cancels one of the user's bookings.
func (c *APIClient) CancelBooking(ctx context.Context, bookingID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodPost, "/v1/bookings/"+url.PathEscape(bookingID)+"/cancel", nil, nil, nil)
}

// MyBookings returns the user's bookings split into upcoming and past.
func (c *APIClient) MyBookings(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/me/bookings", nil, nil, nil)
}

// WalletBalance returns the user's wallet.
func (c *APIClient) WalletBalance(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/wallet", nil, nil, nil)
}
