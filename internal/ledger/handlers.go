package ledger

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"

	"github.com/mbd888/rideshare/internal/pagination"
	"github.com/mbd888/rideshare/internal/syncutil"
	"github.com/mbd888/rideshare/internal/validation"
)

// SignatureHeader carries the gateway's HMAC of the callback body.
const SignatureHeader = "X-Gateway-Signature"

// BodyVerifier checks a callback body against its signature header.
type BodyVerifier func(body []byte, signature string) bool

// Handler provides HTTP endpoints for wallet operations
type Handler struct {
	ledger     *Ledger
	verifyBody BodyVerifier // nil = callbacks are not signed
	logger     *slog.Logger
}

// NewHandler creates a new wallet handler
func NewHandler(ledger *Ledger, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{ledger: ledger, logger: logger}
}

// WithCallbackVerifier requires gateway callbacks to carry a valid signature.
func (h *Handler) WithCallbackVerifier(v BodyVerifier) *Handler {
	h.verifyBody = v
	return h
}

// RegisterRoutes sets up public routes: the gateway callback.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/gateway/callback", h.GatewayCallback)
}

// RegisterProtectedRoutes sets up the signed-in user's wallet routes.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.GET("/wallet", h.GetWallet)
	r.GET("/wallet/transactions", h.GetHistory)
	r.POST("/wallet/topups", h.CreateTopUp)
	r.GET("/wallet/topups", h.ListTopUps)
	r.GET("/wallet/topups/:id", h.GetTopUp)
}

// GetWallet handles GET /v1/wallet
func (h *Handler) GetWallet(c *gin.Context) {
	w, err := h.ledger.GetWallet(c.Request.Context(), c.GetString("authUserID"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"wallet": w})
}

// GetHistory handles GET /v1/wallet/transactions
func (h *Handler) GetHistory(c *gin.Context) {
	limit := pagination.ParseLimit(c.Query("limit"))
	entries, next, err := h.ledger.History(c.Request.Context(), c.GetString("authUserID"), c.Query("cursor"), limit)
	if err != nil {
		if errors.Is(err, pagination.ErrInvalidCursor) {
			validation.Abort(c, validation.ValidationErrors{{Field: "cursor", Message: "invalid cursor"}})
			return
		}
		h.writeError(c, err)
		return
	}
	if entries == nil {
		entries = []*Entry{}
	}
	resp := gin.H{"transactions": entries, "count": len(entries)}
	if next != "" {
		resp["nextCursor"] = next
	}
	c.JSON(http.StatusOK, resp)
}

// CreateTopUp handles POST /v1/wallet/topups
func (h *Handler) CreateTopUp(c *gin.Context) {
	var req TopUpRequest
	if !validation.Bind(c, &req) {
		return
	}

	rec, err := h.ledger.CreateTopUp(c.Request.Context(), c.GetString("authUserID"), req.Amount, req.IdempotencyKey, req.Provider)
	if errors.Is(err, ErrDuplicateKey) {
		resp := gin.H{"error": "conflict", "message": "Idempotency key already used"}
		if rec != nil {
			resp["payment"] = rec
		}
		c.JSON(http.StatusConflict, resp)
		return
	}
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": rec.ID, "status": rec.Status, "payment": rec})
}

// ListTopUps handles GET /v1/wallet/topups
func (h *Handler) ListTopUps(c *gin.Context) {
	limit := 50
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, 200)
		}
	}
	recs, err := h.ledger.ListTopUps(c.Request.Context(), c.GetString("authUserID"), limit)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if recs == nil {
		recs = []*PaymentRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"topups": recs, "count": len(recs)})
}

// GetTopUp handles GET /v1/wallet/topups/:id
func (h *Handler) GetTopUp(c *gin.Context) {
	rec, err := h.ledger.GetTopUp(c.Request.Context(), c.GetString("authUserID"), c.Param("id"))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": rec})
}

// GatewayCallback handles POST /v1/gateway/callback. Replays answer 200
// with the already-settled record.
func (h *Handler) GatewayCallback(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		validation.Abort(c, validation.FromError(err))
		return
	}
	if h.verifyBody != nil && !h.verifyBody(body, c.GetHeader(SignatureHeader)) {
		h.logger.Warn("gateway callback rejected: bad signature", "ip", c.ClientIP())
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "payment_verification_failed",
			"message": "Invalid callback signature",
		})
		return
	}

	var cb Callback
	if err := binding.JSON.BindBody(body, &cb); err != nil {
		validation.Abort(c, validation.FromError(err))
		return
	}
	if cb.IdempotencyKey == "" && cb.OrderID == "" {
		validation.Abort(c, validation.ValidationErrors{{Field: "idempotencyKey", Message: "idempotencyKey or orderId is required"}})
		return
	}

	rec, err := h.ledger.HandleGatewayCallback(c.Request.Context(), cb)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": rec.ID, "status": rec.Status})
}

func (h *Handler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrPaymentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Payment not found"})
	case errors.Is(err, ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Payment belongs to another user"})
	case errors.Is(err, ErrUnauthenticated):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "payment_verification_failed", "message": "Ride payments are settled only through verification"})
	case errors.Is(err, ErrInsufficientFunds):
		c.JSON(http.StatusPaymentRequired, gin.H{"error": "insufficient_funds", "message": "Insufficient wallet balance"})
	case errors.Is(err, ErrInvalidAmount), errors.Is(err, ErrBalanceOverflow):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.Is(err, ErrDuplicateKey):
		c.JSON(http.StatusConflict, gin.H{"error": "conflict", "message": "Idempotency key already used"})
	case errors.Is(err, syncutil.ErrLockTimeout):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "lock_timeout", "message": "Wallet is busy, retry shortly"})
	default:
		h.logger.Error("wallet request failed", "path", c.FullPath(), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
	}
}
