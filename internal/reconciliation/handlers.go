package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/rideshare/internal/logging"
)

// Handler exposes reconciliation to operators.
type Handler struct {
	runner *Runner
}

// NewHandler creates a reconciliation handler.
func NewHandler(runner *Runner) *Handler {
	return &Handler{runner: runner}
}

// RegisterAdminRoutes sets up routes behind the admin guard.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/admin/reconcile", h.Reconcile)
	r.GET("/admin/reconcile/last", h.LastReport)
}

// Reconcile handles GET /v1/admin/reconcile by running both checks now.
func (h *Handler) Reconcile(c *gin.Context) {
	report, err := h.runner.RunAll(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("reconciliation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Reconciliation failed"})
		return
	}
	c.JSON(http.StatusOK, report)
}

// LastReport handles GET /v1/admin/reconcile/last
func (h *Handler) LastReport(c *gin.Context) {
	report := h.runner.Last()
	if report == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "No reconciliation has run yet"})
		return
	}
	c.JSON(http.StatusOK, report)
}
