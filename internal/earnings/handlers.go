package earnings

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/rideshare/internal/validation"
)

// Handler provides HTTP endpoints for driver earnings.
type Handler struct {
	service *Service
}

// NewHandler creates a new earnings handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterProtectedRoutes sets up routes for the signed-in driver.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/me/earnings", h.GetEarnings)
	r.POST("/me/payouts", h.RequestPayout)
	r.GET("/me/payouts", h.ListPayouts)
}

// GetEarnings handles GET /v1/me/earnings
func (h *Handler) GetEarnings(c *gin.Context) {
	e, err := h.service.Get(c.Request.Context(), c.GetString("authUserID"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"earnings": e})
}

// RequestPayout handles POST /v1/me/payouts
func (h *Handler) RequestPayout(c *gin.Context) {
	var req PayoutRequest
	if c.Request.ContentLength != 0 && !validation.Bind(c, &req) {
		return
	}
	p, e, err := h.service.RequestPayout(c.Request.Context(), c.GetString("authUserID"), req.Amount, req.Notes)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"payout": p, "earnings": e})
}

// ListPayouts handles GET /v1/me/payouts
func (h *Handler) ListPayouts(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	payouts, err := h.service.ListPayouts(c.Request.Context(), c.GetString("authUserID"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payouts": payouts, "count": len(payouts)})
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrBelowMinimum), errors.Is(err, ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.Is(err, ErrExceedsPending):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "insufficient_earnings", "message": "Payout exceeds your pending earnings"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
	}
}
