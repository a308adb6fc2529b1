package rides

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/mbd888/rideshare/internal/pagination"
	"github.com/mbd888/rideshare/internal/syncutil"
	"github.com/mbd888/rideshare/internal/validation"
)

// Handler provides HTTP endpoints for rides.
type Handler struct {
	service *Service
}

// NewHandler creates a new ride handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up public ride routes.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/rides", h.SearchRides)
	r.GET("/rides/:id", h.GetRide)
}

// RegisterProtectedRoutes sets up routes that need an authenticated driver.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/rides", h.CreateRide)
	r.PATCH("/rides/:id", h.UpdateRide)
	r.GET("/me/rides", h.MyRides)
}

// CreateRide handles POST /v1/rides
func (h *Handler) CreateRide(c *gin.Context) {
	var req CreateRequest
	if !validation.Bind(c, &req) {
		return
	}

	ride, err := h.service.Create(c.Request.Context(), c.GetString("authUserID"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"ride": ride})
}

// GetRide handles GET /v1/rides/:id
func (h *Handler) GetRide(c *gin.Context) {
	ride, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ride": ride})
}

// UpdateRide handles PATCH /v1/rides/:id
func (h *Handler) UpdateRide(c *gin.Context) {
	var req UpdateRequest
	if !validation.Bind(c, &req) {
		return
	}

	ride, err := h.service.Update(c.Request.Context(), c.Param("id"), c.GetString("authUserID"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ride": ride})
}

// SearchRides handles GET /v1/rides
func (h *Handler) SearchRides(c *gin.Context) {
	q := SearchQuery{
		From:    c.Query("from"),
		To:      c.Query("to"),
		Date:    c.Query("date"),
		CarType: c.Query("carType"),
		Limit:   pagination.ParseLimit(c.Query("limit")),
	}
	if v := c.Query("seats"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			validation.Abort(c, validation.ValidationErrors{{Field: "seats", Message: "must be a positive integer"}})
			return
		}
		q.MinSeats = n
	}
	for _, p := range []struct {
		name string
		dst  **decimal.Decimal
	}{{"minPrice", &q.MinPrice}, {"maxPrice", &q.MaxPrice}} {
		v := c.Query(p.name)
		if v == "" {
			continue
		}
		d, err := decimal.NewFromString(v)
		if err != nil || d.IsNegative() {
			validation.Abort(c, validation.ValidationErrors{{Field: p.name, Message: "must be a non-negative amount"}})
			return
		}
		*p.dst = &d
	}
	// Signed-in passengers only see rides whose gender preference admits them.
	if g := c.GetString("authGender"); g != "" {
		q.UserGender = g
		q.GenderFilter = true
	}

	found, err := h.service.Search(c.Request.Context(), q)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"rides": found,
		"count": len(found),
	})
}

// MyRides handles GET /v1/me/rides
func (h *Handler) MyRides(c *gin.Context) {
	out, err := h.service.ListByDriver(c.Request.Context(), c.GetString("authUserID"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, out)
}

func writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found", "message": "Ride not found"})
	case errors.Is(err, ErrForbidden):
		c.JSON(http.StatusForbidden, gin.H{"error": "forbidden", "message": "Only the driver can change this ride"})
	case errors.Is(err, ErrInvalidState), errors.Is(err, ErrHasBookings):
		c.JSON(http.StatusConflict, gin.H{"error": "invalid_state", "message": err.Error()})
	case errors.Is(err, ErrDepartureInPast), errors.Is(err, ErrSeatBounds),
		errors.Is(err, ErrInvalidPrice), errors.Is(err, ErrInvalidSchedule):
		c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
	case errors.Is(err, syncutil.ErrLockTimeout):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "lock_timeout", "message": "Ride is busy, retry shortly"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Internal server error"})
	}
}
