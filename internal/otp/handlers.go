package otp

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/rideshare/internal/syncutil"
	"github.com/mbd888/rideshare/internal/validation"
)

// Handler provides the phone verification endpoints.
type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

type sendRequest struct {
	Phone string `json:"phone" binding:"required,phone"`
}

type verifyRequest struct {
	Phone string `json:"phone" binding:"required,phone"`
	Code  string `json:"otp" binding:"required,len=6,numeric"`
}

func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/otp/send", h.Send)
	r.POST("/otp/verify", h.Verify)
}

// Send handles POST /v1/otp/send
func (h *Handler) Send(c *gin.Context) {
	var req sendRequest
	if !validation.Bind(c, &req) {
		return
	}
	issued, err := h.service.Send(c.Request.Context(), c.GetString("authUserID"), req.Phone)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to send OTP"})
		return
	}
	resp := gin.H{"message": "OTP sent to " + issued.Phone, "expiresAt": issued.ExpiresAt}
	if issued.Code != "" {
		resp["otp"] = issued.Code
	}
	c.JSON(http.StatusOK, resp)
}

// Verify handles POST /v1/otp/verify
func (h *Handler) Verify(c *gin.Context) {
	var req verifyRequest
	if !validation.Bind(c, &req) {
		return
	}
	err := h.service.Verify(c.Request.Context(), c.GetString("authUserID"), req.Phone, req.Code)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"message": "Phone number verified successfully", "verified": true})
	case errors.Is(err, ErrCodeNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "OTP not found or expired. Please request a new OTP."})
	case errors.Is(err, ErrCodeMismatch):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid_otp", "message": "Invalid OTP. Please try again."})
	case errors.Is(err, ErrTooManyAttempts):
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too_many_attempts", "message": "Too many attempts. Please request a new OTP."})
	case errors.Is(err, syncutil.ErrLockTimeout):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "lock_timeout", "message": "Verification in progress, retry shortly"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to verify OTP"})
	}
}
