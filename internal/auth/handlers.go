package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/rideshare/internal/validation"
)

// Handler provides HTTP endpoints for auth
type Handler struct {
	manager *Manager
	devMode bool
}

// NewHandler creates a new auth handler. devMode enables the dev-token endpoint.
func NewHandler(m *Manager, devMode bool) *Handler {
	return &Handler{manager: m, devMode: devMode}
}

// RegisterRoutes sets up public auth routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/auth/info", h.Info)
	if h.devMode {
		r.POST("/auth/dev-token", h.DevToken)
	}
}

// RegisterProtectedRoutes sets up routes that need a token
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/auth/me", h.Me)
}

// Info returns auth configuration info
func (h *Handler) Info(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"type":   "jwt",
		"alg":    "HS256",
		"header": "Authorization: Bearer <token>",
		"ws":     "GET /ws?token=<token>",
		"publicEndpoints": []string{
			"GET /v1/rides",
			"GET /v1/rides/:id",
			"POST /v1/payments/webhook",
		},
	})
}

// DevTokenRequest is the body for POST /v1/auth/dev-token
type DevTokenRequest struct {
	UserID string `json:"userId" binding:"required,max=64"`
	Gender string `json:"gender" binding:"omitempty,oneof=MALE FEMALE OTHER"`
	Role   string `json:"role" binding:"omitempty,oneof=PASSENGER DRIVER ADMIN"`
}

// DevToken mints a token without credentials. Development only.
func (h *Handler) DevToken(c *gin.Context) {
	var req DevTokenRequest
	if !validation.Bind(c, &req) {
		return
	}
	token, expires, err := h.manager.Issue(req.UserID, req.Gender, req.Role)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"token":     token,
		"tokenType": "Bearer",
		"expiresAt": expires,
		"userId":    req.UserID,
	})
}

// Me returns the identity carried by the current token
func (h *Handler) Me(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"userId": UserID(c),
		"gender": c.GetString(ContextKeyGender),
		"role":   c.GetString(ContextKeyRole),
	})
}
