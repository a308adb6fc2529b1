package booking

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/rideshare/internal/ledger"
	"github.com/mbd888/rideshare/internal/payments"
	"github.com/mbd888/rideshare/internal/rides"
	"github.com/mbd888/rideshare/internal/syncutil"
	"github.com/mbd888/rideshare/internal/validation"
)

// ReceiptFunc renders a booking receipt as PDF.
type ReceiptFunc func(ctx context.Context, v *View) ([]byte, error)

// Handler provides HTTP endpoints for bookings
type Handler struct {
	service     *Service
	receipt     ReceiptFunc
	idempotency gin.HandlerFunc
	logger      *slog.Logger
}

// NewHandler creates a new booking handler
func NewHandler(service *Service, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{service: service, logger: logger}
}

// WithReceipts enables GET /bookings/:id/receipt.
func (h *Handler) WithReceipts(fn ReceiptFunc) *Handler {
	h.receipt = fn
	return h
}

// WithIdempotency runs mw in front of POST /bookings so a retried request
// with the same Idempotency-Key replays the first response.
func (h *Handler) WithIdempotency(mw gin.HandlerFunc) *Handler {
	h.idempotency = mw
	return h
}

// RegisterProtectedRoutes sets up booking routes. All of them need a user.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	if h.idempotency != nil {
		r.POST("/bookings", h.idempotency, h.CreateBooking)
	} else {
		r.POST("/bookings", h.CreateBooking)
	}
	r.GET("/me/bookings", h.MyBookings)
	r.GET("/bookings/:id", h.GetBooking)
	r.POST("/bookings/:id/cancel", h.CancelBooking)
	if h.receipt != nil {
		r.GET("/bookings/:id/receipt", h.Receipt)
	}

	r.GET("/rides/:id/bookings", h.RideBookings)
	r.POST("/rides/:id/cancel", h.CancelRide)
	r.DELETE("/rides/:id", h.DeleteRide)
}

// CreateBooking handles POST /v1/bookings
func (h *Handler) CreateBooking(c *gin.Context) {
	var req Request
	if !validation.Bind(c, &req) {
		return
	}
	req.Gender = c.GetString("authGender")

	b, err := h.service.Book(c.Request.Context(), c.GetString("authUserID"), req)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"id":            b.ID,
		"status":        b.Status,
		"paymentStatus": b.PaymentStatus,
		"booking":       b,
	})
}

// MyBookings handles GET /v1/me/bookings
func (h *Handler) MyBookings(c *gin.Context) {
	out, err := h.service.ListMine(c.Request.Context(), c.GetString("authUserID"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// GetBooking handles GET /v1/bookings/:id
func (h *Handler) GetBooking(c *gin.Context) {
	v, err := h.service.Get(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"booking": v})
}

// CancelBooking handles POST /v1/bookings/:id/cancel
func (h *Handler) CancelBooking(c *gin.Context) {
	b, err := h.service.Cancel(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"booking": b})
}

// Receipt handles GET /v1/bookings/:id/receipt
func (h *Handler) Receipt(c *gin.Context) {
	v, err := h.service.Get(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	pdf, err := h.receipt(c.Request.Context(), v)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.Header("Content-Disposition", `attachment; filename="receipt-`+v.ID+`.pdf"`)
	c.Data(http.StatusOK, "application/pdf", pdf)
}

// RideBookings handles GET /v1/rides/:id/bookings
func (h *Handler) RideBookings(c *gin.Context) {
	out, err := h.service.RideBookings(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// CancelRide handles POST /v1/rides/:id/cancel
func (h *Handler) CancelRide(c *gin.Context) {
	out, err := h.service.CancelRide(c.Request.Context(), c.Param("id"), c.GetString("authUserID"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

// DeleteRide handles DELETE /v1/rides/:id
func (h *Handler) DeleteRide(c *gin.Context) {
	if err := h.service.DeleteRide(c.Request.Context(), c.Param("id"), c.GetString("authUserID")); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, rides.ErrNotFound), errors.Is(err, ledger.ErrPaymentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": err.Error()})
	case errors.Is(err, ErrForbidden), errors.Is(err, payments.ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrRideHasBookings):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": err.Error()})
	case errors.Is(err, ErrInsufficientInventory):
		c.JSON(http.StatusConflict, gin.H{"error": "insufficient_inventory", "message": "Not enough seats available"})
	case errors.Is(err, ledger.ErrAlreadyClaimed):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": "Payment is already linked to another booking"})
	case errors.Is(err, ledger.ErrInsufficientFunds):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient_funds", "message": "Insufficient wallet balance"})
	case errors.Is(err, payments.ErrNotVerified), errors.Is(err, payments.ErrMismatch):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "payment_verification_failed", "message": err.Error()})
	case errors.Is(err, ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.Is(err, syncutil.ErrLockTimeout):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "lock_timeout", "message": "Ride is busy, retry shortly"})
	default:
		h.logger.Error("booking request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
	}
}
