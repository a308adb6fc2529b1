package receipts

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/rideshare/internal/validation"
)

// Handler provides HTTP endpoints for receipt operations.
type Handler struct {
	service *Service
}

// NewHandler creates a new receipt handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public receipt routes. Knowing a receipt ID is
// enough to check it; receipts carry no contact details.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/receipts/:id", h.GetReceipt)
	r.POST("/receipts/verify", h.VerifyReceipt)
}

// GetReceipt handles GET /v1/receipts/:id
func (h *Handler) GetReceipt(c *gin.Context) {
	receipt, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrReceiptNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Receipt not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"receipt": receipt})
}

// VerifyReceipt handles POST /v1/receipts/verify
func (h *Handler) VerifyReceipt(c *gin.Context) {
	var req VerifyRequest
	if !validation.Bind(c, &req) {
		return
	}
	resp, err := h.service.Verify(c.Request.Context(), req.ReceiptID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
		return
	}
	c.JSON(http.StatusOK, resp)
}
