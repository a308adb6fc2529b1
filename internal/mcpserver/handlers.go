package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/rideshare/internal/idgen"
	"github.com/mbd888/rideshare/internal/money"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *APIClient
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *APIClient) *Handlers {
	return &Handlers{client: client}
}

// HandleSearchRides searches active rides.
func (h *Handlers) HandleSearchRides(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.SearchRides(ctx,
		req.GetString("from", ""),
		req.GetString("to", ""),
		req.GetString("date", ""),
		req.GetInt("seats", 0),
	)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to search rides: %v", err)), nil
	}

	text, err := formatRideList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse rides: %v", err)), nil
	}
	return mcp.NewToolResultText(text), nil
}

// HandleBookRide books seats on a ride.
func (h *Handlers) HandleBookRide(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	rideID := req.GetString("ride_id", "")
	if rideID == "" {
		return mcp.NewToolResultError("ride_id is required"), nil
	}
	seats := req.GetInt("seats", 0)
	if seats < 1 {
		return mcp.NewToolResultError("seats must be at least 1"), nil
	}
	method := strings.ToUpper(req.GetString("payment_method", "ONLINE"))
	key := req.GetString("request_id", "")
	if key == "" {
		key = idgen.New()
	}

	raw, err := h.client.BookRide(ctx, rideID, seats, method, req.GetString("payment_id", ""), key)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Booking failed: %v", err)), nil
	}

	var resp struct {
		Booking map[string]any `json:"booking"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Booking == nil {
		return mcp.NewToolResultError("Failed to parse booking response"), nil
	}

	var sb strings.Builder
	sb.WriteString("Booking confirmed.\n")
	sb.WriteString(formatBooking(resp.Booking))
	fmt.Fprintf(&sb, "Request ID: %s (reuse it to retry safely)\n", key)
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleCancelBooking cancels a booking.
func (h *Handlers) HandleCancelBooking(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetString("booking_id", "")
	if id == "" {
		return mcp.NewToolResultError("booking_id is required"), nil
	}

	raw, err := h.client.CancelBooking(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Cancellation failed: %v", err)), nil
	}

	var resp struct {
		Booking map[string]any `json:"booking"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Booking == nil {
		return mcp.NewToolResultError("Failed to parse cancellation response"), nil
	}

	var sb strings.Builder
	sb.WriteString("Booking cancelled.\n")
	sb.WriteString(formatBooking(resp.Booking))
	if getString(resp.Booking, "paymentStatus") == "REFUNDED" {
		sb.WriteString("The amount was refunded to your wallet.\n")
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleMyBookings lists the user's bookings.
func (h *Handlers) HandleMyBookings(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.MyBookings(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list bookings: %v", err)), nil
	}

	var resp struct {
		Upcoming []map[string]any `json:"upcoming"`
		Past     []map[string]any `json:"past"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse bookings: %v", err)), nil
	}
	if len(resp.Upcoming) == 0 && len(resp.Past) == 0 {
		return mcp.NewToolResultText("You have no bookings."), nil
	}

	var sb strings.Builder
	for _, group := range []struct {
		title string
		items []map[string]any
	}{{"Upcoming", resp.Upcoming}, {"Past", resp.Past}} {
		if len(group.items) == 0 {
			continue
		}
		fmt.Fprintf(&sb, "%s (%d):\n", group.title, len(group.items))
		for i, b := range group.items {
			fmt.Fprintf(&sb, "%d. ", i+1)
			sb.WriteString(formatBooking(b))
		}
		sb.WriteString("\n")
	}
	return mcp.NewToolResultText(strings.TrimRight(sb.String(), "\n")), nil
}

// HandleWalletBalance returns the wallet balance.
func (h *Handlers) HandleWalletBalance(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.WalletBalance(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to check balance: %v", err)), nil
	}

	var resp struct {
		Wallet map[string]any `json:"wallet"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil || resp.Wallet == nil {
		return mcp.NewToolResultError("Failed to parse wallet response"), nil
	}

	var sb strings.Builder
	sb.WriteString("Wallet:\n")
	fmt.Fprintf(&sb, "  Balance:   %s\n", formatPaise(resp.Wallet, "balance"))
	fmt.Fprintf(&sb, "  Added:     %s\n", formatPaise(resp.Wallet, "totalIn"))
	fmt.Fprintf(&sb, "  Spent:     %s\n", formatPaise(resp.Wallet, "totalOut"))
	return mcp.NewToolResultText(sb.String()), nil
}

func formatRideList(raw json.RawMessage) (string, error) {
	var resp struct {
		Rides []map[string]any `json:"rides"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", err
	}
	if len(resp.Rides) == 0 {
		return "No rides found.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Found %d ride(s):\n\n", len(resp.Rides))
	for i, r := range resp.Rides {
		fmt.Fprintf(&sb, "%d. %s -> %s\n", i+1, getString(r, "startLocation"), getString(r, "endLocation"))
		fmt.Fprintf(&sb, "   ID: %s\n", getString(r, "id"))
		if t := getString(r, "departAt"); t != "" {
			fmt.Fprintf(&sb, "   Departs: %s\n", formatTime(t))
		}
		seats, _ := getFloat(r, "availableSeats")
		fmt.Fprintf(&sb, "   Seats left: %.0f, %s per seat\n", seats, formatPaise(r, "pricePaise"))
		if car := getString(r, "carModel"); car != "" {
			fmt.Fprintf(&sb, "   Car: %s\n", car)
		}
		if pref := getString(r, "genderPreference"); pref != "" {
			fmt.Fprintf(&sb, "   Preference: %s\n", pref)
		}
	}
	return sb.String(), nil
}

func formatBooking(b map[string]any) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Booking %s: %s\n", getString(b, "id"), getString(b, "status"))
	if ride, ok := b["ride"].(map[string]any); ok {
		fmt.Fprintf(&sb, "   Ride: %s -> %s", getString(ride, "startLocation"), getString(ride, "endLocation"))
		if t := getString(ride, "departAt"); t != "" {
			fmt.Fprintf(&sb, " at %s", formatTime(t))
		}
		sb.WriteString("\n")
	}
	seats, _ := getFloat(b, "seats")
	fmt.Fprintf(&sb, "   Seats: %.0f, amount %s\n", seats, formatPaise(b, "amount"))
	fmt.Fprintf(&sb, "   Payment: %s (%s)\n", getString(b, "paymentMethod"), getString(b, "paymentStatus"))
	return sb.String()
}

func formatPaise(m map[string]any, key string) string {
	v, _ := getFloat(m, key)
	return money.Format(int64(v))
}

func formatTime(s string) string {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return s
	}
	return t.Format("Mon 02 Jan 2006 15:04 MST")
}

// getString extracts a string value from a map, trying multiple key names.
func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
			if f, ok := v.(float64); ok {
				return fmt.Sprintf("%g", f)
			}
		}
	}
	return ""
}

// getFloat extracts a float64 value from a map, trying multiple key names.
func getFloat(m map[string]any, keys ...string) (float64, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if f, ok := v.(float64); ok {
				return f, true
			}
		}
	}
	return 0, false
}
