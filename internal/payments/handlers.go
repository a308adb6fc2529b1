package payments

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/webhook"

	"github.com/mbd888/rideshare/internal/ledger"
	"github.com/mbd888/rideshare/internal/rides"
	"github.com/mbd888/rideshare/internal/validation"
)

// CallbackProcessor settles payment records from gateway events.
type CallbackProcessor interface {
	HandleGatewayCallback(ctx context.Context, cb ledger.Callback) (*ledger.PaymentRecord, error)
}

// CreateOrderRequest opens a ride order.
type CreateOrderRequest struct {
	RideID string `json:"rideId" binding:"required"`
	Seats  int    `json:"seats" binding:"required,min=1,max=8"`
}

// VerifyRequest carries the client's gateway confirmation.
type VerifyRequest struct {
	OrderID   string `json:"orderId" binding:"required"`
	PaymentID string `json:"paymentId" binding:"required"`
	Signature string `json:"signature" binding:"required"`
}

// Handler provides HTTP endpoints for payments
type Handler struct {
	service      *Service
	callbacks    CallbackProcessor
	stripeSecret string
	simulate     bool
	logger       *slog.Logger
}

// NewHandler creates a new payments handler
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, logger: logger}
}

// WithStripeWebhook enables POST /gateway/stripe, verified with secret.
func (h *Handler) WithStripeWebhook(secret string, callbacks CallbackProcessor) *Handler {
	h.stripeSecret = secret
	h.callbacks = callbacks
	return h
}

// WithSimulation enables the development-only simulate endpoint.
func (h *Handler) WithSimulation(enabled bool) *Handler {
	h.simulate = enabled
	return h
}

// RegisterRoutes sets up public payment routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	if h.stripeSecret != "" && h.callbacks != nil {
		r.POST("/gateway/stripe", h.StripeWebhook)
	}
}

// RegisterProtectedRoutes sets up routes for the signed-in payer.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/payments/orders", h.CreateOrder)
	r.POST("/payments/verify", h.Verify)
	r.GET("/payments/:id", h.GetPayment)
	if h.simulate {
		r.POST("/payments/orders/:orderId/simulate", h.Simulate)
	}
}

// CreateOrder handles POST /v1/payments/orders
func (h *Handler) CreateOrder(c *gin.Context) {
	var req CreateOrderRequest
	if !validation.Bind(c, &req) {
		return
	}
	resp, err := h.service.CreateOrder(c.Request.Context(), c.GetString("authUserID"), req.RideID, req.Seats)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, resp)
}

// Verify handles POST /v1/payments/verify
func (h *Handler) Verify(c *gin.Context) {
	var req VerifyRequest
	if !validation.Bind(c, &req) {
		return
	}
	rec, err := h.service.Verify(c.Request.Context(), c.GetString("authUserID"), req.OrderID, req.PaymentID, req.Signature)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": rec})
}

// GetPayment handles GET /v1/payments/:id
func (h *Handler) GetPayment(c *gin.Context) {
	rec, err := h.service.Get(c.Request.Context(), c.GetString("authUserID"), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": rec})
}

// Simulate handles POST /v1/payments/orders/:orderId/simulate
func (h *Handler) Simulate(c *gin.Context) {
	orderID := c.Param("orderId")
	paymentID, signature, err := h.service.Simulate(c.Request.Context(), c.GetString("authUserID"), orderID)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"orderId":   orderID,
		"paymentId": paymentID,
		"signature": signature,
	})
}

// StripeWebhook handles POST /v1/gateway/stripe. PaymentIntent outcomes
// settle the record whose provider order is the intent.
func (h *Handler) StripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		validation.Abort(c, validation.FromError(err))
		return
	}
	event, err := webhook.ConstructEventWithOptions(payload, c.GetHeader("Stripe-Signature"), h.stripeSecret,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		h.logger.Warn("stripe webhook rejected", "error", err)
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "payment_verification_failed", "message": "Invalid webhook signature"})
		return
	}

	var success bool
	switch event.Type {
	case "payment_intent.succeeded":
		success = true
	case "payment_intent.payment_failed", "payment_intent.canceled":
		success = false
	default:
		c.JSON(http.StatusOK, gin.H{"ignored": string(event.Type)})
		return
	}

	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		validation.Abort(c, validation.ValidationErrors{{Field: "data", Message: "invalid payment intent"}})
		return
	}
	providerPaymentID := pi.ID
	if pi.LatestCharge != nil && pi.LatestCharge.ID != "" {
		providerPaymentID = pi.LatestCharge.ID
	}

	rec, err := h.callbacks.HandleGatewayCallback(c.Request.Context(), ledger.Callback{
		OrderID:           pi.ID,
		ProviderPaymentID: providerPaymentID,
		Success:           success,
		Authenticated:     true,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": rec.ID, "status": rec.Status})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ledger.ErrPaymentNotFound), errors.Is(err, rides.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Payment belongs to another user"})
	case errors.Is(err, ErrVerificationFailed):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "payment_verification_failed", "message": "Payment signature did not verify"})
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrRideUnavailable):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": err.Error()})
	case errors.Is(err, ErrInsufficientSeats):
		c.JSON(http.StatusConflict, gin.H{"error": "insufficient_inventory", "message": "Not enough seats available"})
	default:
		h.logger.Error("payment request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
	}
}
