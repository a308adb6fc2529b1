package admin

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/rideshare/internal/ledger"
	"github.com/mbd888/rideshare/internal/logging"
	"github.com/mbd888/rideshare/internal/outbox"
)

// Handler provides admin HTTP endpoints.
type Handler struct {
	payments PaymentAdmin
	outbox   OutboxAdmin
	realtime StatsProvider
}

// NewHandler creates a new admin handler.
func NewHandler() *Handler {
	return &Handler{}
}

// WithPayments enables the stuck-payment endpoints.
func (h *Handler) WithPayments(p PaymentAdmin) *Handler {
	h.payments = p
	return h
}

// WithOutbox enables the dead-letter endpoints.
func (h *Handler) WithOutbox(o OutboxAdmin) *Handler {
	h.outbox = o
	return h
}

// WithRealtime exposes hub statistics.
func (h *Handler) WithRealtime(s StatsProvider) *Handler {
	h.realtime = s
	return h
}

// RegisterAdminRoutes sets up admin routes.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/payments/stale", h.listStale)
	r.POST("/admin/payments/expire-stale", h.expireStale)
	r.POST("/admin/payments/:id/expire", h.expirePayment)
	r.GET("/admin/outbox/dead", h.listDead)
	r.POST("/admin/outbox/:id/requeue", h.requeue)
	r.GET("/admin/realtime", h.realtimeStats)
}

func parseLimit(c *gin.Context, def, max int) int {
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= max {
			return parsed
		}
	}
	return def
}

func parseAge(c *gin.Context) time.Duration {
	if s := c.Query("olderThan"); s != "" {
		if d, err := time.ParseDuration(s); err == nil && d > 0 {
			return d
		}
	}
	return DefaultStaleAfter
}

func unavailable(c *gin.Context, what string) {
	c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unavailable", "message": what + " not configured"})
}

// listStale returns gateway orders stuck in CREATED.
func (h *Handler) listStale(c *gin.Context) {
	if h.payments == nil {
		unavailable(c, "payments")
		return
	}
	recs, err := h.payments.StalePayments(c.Request.Context(), parseAge(c), parseLimit(c, 100, 1000))
	if err != nil {
		logging.L(c.Request.Context()).Error("list stale payments failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list stale payments"})
		return
	}
	if recs == nil {
		recs = []*ledger.PaymentRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"payments": recs, "count": len(recs)})
}

// expirePayment force-fails one stuck order.
func (h *Handler) expirePayment(c *gin.Context) {
	if h.payments == nil {
		unavailable(c, "payments")
		return
	}
	rec, err := h.payments.ExpirePayment(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, ledger.ErrPaymentNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Payment not found"})
		return
	case err != nil:
		logging.L(c.Request.Context()).Error("expire payment failed", "payment_id", c.Param("id"), "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to expire payment"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"payment": rec})
}

// expireStale force-fails every stuck order older than ?olderThan.
func (h *Handler) expireStale(c *gin.Context) {
	if h.payments == nil {
		unavailable(c, "payments")
		return
	}
	res, err := ExpireStale(c.Request.Context(), h.payments, parseAge(c), parseLimit(c, 100, 1000))
	if err != nil {
		logging.L(c.Request.Context()).Error("expire stale payments failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to expire stale payments"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"expiredCount": len(res.Expired), "result": res})
}

// listDead returns dead-lettered outbox events.
func (h *Handler) listDead(c *gin.Context) {
	if h.outbox == nil {
		unavailable(c, "outbox")
		return
	}
	events, err := h.outbox.DeadLetters(c.Request.Context(), parseLimit(c, 100, 1000))
	if err != nil {
		logging.L(c.Request.Context()).Error("list dead letters failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to list dead letters"})
		return
	}
	if events == nil {
		events = []*outbox.Event{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}

// requeue schedules a dead event for redelivery.
func (h *Handler) requeue(c *gin.Context) {
	if h.outbox == nil {
		unavailable(c, "outbox")
		return
	}
	id := c.Param("id")
	err := h.outbox.Requeue(c.Request.Context(), id)
	switch {
	case errors.Is(err, outbox.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Event not found"})
		return
	case errors.Is(err, outbox.ErrNotDead):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": "Only dead events can be requeued"})
		return
	case err != nil:
		logging.L(c.Request.Context()).Error("requeue failed", "event_id", id, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to requeue event"})
		return
	}
	logging.L(c.Request.Context()).Info("outbox event requeued", "event_id", id)
	c.JSON(http.StatusOK, gin.H{"requeued": true, "eventId": id})
}

func (h *Handler) realtimeStats(c *gin.Context) {
	if h.realtime == nil {
		unavailable(c, "realtime")
		return
	}
	c.JSON(http.StatusOK, h.realtime.Stats())
}
