package webhooks

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/rideshare/internal/idgen"
	"github.com/mbd888/rideshare/internal/security"
	"github.com/mbd888/rideshare/internal/validation"
)

// Handler provides HTTP endpoints for webhook management
type Handler struct {
	store        Store
	requireHTTPS bool
	validateURL  func(raw string, requireHTTPS bool) error
}

// NewHandler creates a new webhook handler. requireHTTPS rejects plain
// http endpoints (production).
func NewHandler(store Store, requireHTTPS bool) *Handler {
	return &Handler{store: store, requireHTTPS: requireHTTPS, validateURL: security.ValidateEndpointURL}
}

// RegisterProtectedRoutes sets up webhook routes for the signed-in user
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/me/webhooks", h.CreateWebhook)
	r.GET("/me/webhooks", h.ListWebhooks)
	r.DELETE("/me/webhooks/:id", h.DeleteWebhook)
}

// CreateWebhookRequest for creating a webhook subscription
type CreateWebhookRequest struct {
	URL   string   `json:"url" binding:"required,url,max=2048"`
	Types []string `json:"types" binding:"omitempty,max=20,dive,required,max=64"`
}

// CreateWebhook handles POST /v1/me/webhooks
func (h *Handler) CreateWebhook(c *gin.Context) {
	var req CreateWebhookRequest
	if !validation.Bind(c, &req) {
		return
	}
	if err := h.validateURL(req.URL, h.requireHTTPS); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_url", "message": err.Error()})
		return
	}

	ctx := c.Request.Context()
	userID := c.GetString("authUserID")
	existing, err := h.store.ListByUser(ctx, userID)
	if err != nil {
		writeError(c, err)
		return
	}
	if len(existing) >= MaxPerUser {
		writeError(c, ErrTooMany)
		return
	}

	secret := idgen.Hex(32)
	sub := &Subscription{
		ID:        idgen.WithPrefix("wh_"),
		UserID:    userID,
		URL:       req.URL,
		Secret:    secret,
		Types:     req.Types,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.store.Create(ctx, sub); err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"webhook": sub,
		"secret":  secret, // only shown once
		"usage": gin.H{
			"signature": `HMAC-SHA256(secret, timestamp + "." + body), hex, prefixed "sha256="`,
			"header":    SignatureHeader,
			"timestamp": TimestampHeader,
		},
	})
}

// ListWebhooks handles GET /v1/me/webhooks
func (h *Handler) ListWebhooks(c *gin.Context) {
	subs, err := h.store.ListByUser(c.Request.Context(), c.GetString("authUserID"))
	if err != nil {
		writeError(c, err)
		return
	}
	if subs == nil {
		subs = []*Subscription{}
	}
	c.JSON(http.StatusOK, gin.H{"webhooks": subs})
}

// DeleteWebhook handles DELETE /v1/me/webhooks/:id
func (h *Handler) DeleteWebhook(c *gin.Context) {
	ctx := c.Request.Context()
	sub, err := h.store.Get(ctx, c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	if sub.UserID != c.GetString("authUserID") {
		writeError(c, ErrForbidden)
		return
	}
	if err := h.store.Delete(ctx, sub.ID); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Webhook not found"})
	case errors.Is(err, ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": err.Error()})
	case errors.Is(err, ErrTooMany):
		c.JSON(http.StatusConflict, gin.H{"error": "limit_reached", "message": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
	}
}
