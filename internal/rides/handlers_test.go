package rides

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRouter() (*gin.Engine, *Service) {
	gin.SetMode(gin.TestMode)

	svc, _ := newTestService()
	handler := NewHandler(svc)

	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(func(c *gin.Context) {
		// X-User-ID / X-User-Gender stand in for the JWT middleware
		if id := c.GetHeader("X-User-ID"); id != "" {
			c.Set("authUserID", id)
		}
		if g := c.GetHeader("X-User-Gender"); g != "" {
			c.Set("authGender", g)
		}
		c.Next()
	})
	handler.RegisterRoutes(v1)
	handler.RegisterProtectedRoutes(v1)
	return r, svc
}

func doJSON(r *gin.Engine, method, path, userID string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		req.Header.Set("X-User-ID", userID)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestHandler_CreateAndGetRide(t *testing.T) {
	router, _ := setupTestRouter()

	w := doJSON(router, http.MethodPost, "/v1/rides", "driver1", map[string]any{
		"startLocation":  "Pune",
		"endLocation":    "Mumbai",
		"date":           "2026-03-02",
		"time":           "07:15",
		"availableSeats": 3,
		"price":          "199.99",
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var created struct {
		Ride Ride `json:"ride"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &created))
	assert.Equal(t, int64(19999), created.Ride.PricePaise)
	assert.Equal(t, "driver1", created.Ride.DriverID)

	w = doJSON(router, http.MethodGet, "/v1/rides/"+created.Ride.ID, "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), created.Ride.ID)
}

func TestHandler_CreateRideValidation(t *testing.T) {
	router, _ := setupTestRouter()

	w := doJSON(router, http.MethodPost, "/v1/rides", "driver1", map[string]any{
		"startLocation":  "Pune",
		"date":           "2026-03-02",
		"time":           "07:15",
		"availableSeats": 12,
		"price":          "100",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "validation_error")
	assert.Contains(t, w.Body.String(), "endLocation")
}

func TestHandler_GetRideNotFound(t *testing.T) {
	router, _ := setupTestRouter()
	w := doJSON(router, http.MethodGet, "/v1/rides/nope", "", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandler_UpdateRideForbidden(t *testing.T) {
	router, svc := setupTestRouter()
	ride, err := svc.Create(context.Background(), "driver1", createReq("A", "B", "2026-03-02", 2, "100"))
	require.NoError(t, err)

	w := doJSON(router, http.MethodPatch, "/v1/rides/"+ride.ID, "intruder", map[string]any{"note": "mine now"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(router, http.MethodPatch, "/v1/rides/"+ride.ID, "driver1", map[string]any{"note": "bring water"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), "bring water")
}

func TestHandler_UpdateRideLockTimeout(t *testing.T) {
	router, svc := setupTestRouter()
	svc.WithLockTimeout(10 * time.Millisecond)
	ride, err := svc.Create(context.Background(), "driver1", createReq("A", "B", "2026-03-02", 2, "100"))
	require.NoError(t, err)

	unlock, err := svc.locker.LockContext(context.Background(), LockKey(ride.ID))
	require.NoError(t, err)
	defer unlock()

	w := doJSON(router, http.MethodPatch, "/v1/rides/"+ride.ID, "driver1", map[string]any{"note": "x"})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, "1", w.Header().Get("Retry-After"))
}

func TestHandler_SearchRides(t *testing.T) {
	router, svc := setupTestRouter()
	ctx := context.Background()
	_, err := svc.Create(ctx, "d1", createReq("Pune", "Mumbai", "2026-03-02", 2, "300"))
	require.NoError(t, err)
	womenOnly := createReq("Pune", "Mumbai", "2026-03-02", 2, "300")
	womenOnly.GenderPreference = GenderFemaleOnly
	_, err = svc.Create(ctx, "d2", womenOnly)
	require.NoError(t, err)

	w := doJSON(router, http.MethodGet, "/v1/rides?from=pune&to=mumbai&maxPrice=350", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)

	req := httptest.NewRequest(http.MethodGet, "/v1/rides?from=pune", nil)
	req.Header.Set("X-User-ID", "p1")
	req.Header.Set("X-User-Gender", "MALE")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)

	w = doJSON(router, http.MethodGet, "/v1/rides?seats=abc", "", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHandler_MyRides(t *testing.T) {
	router, svc := setupTestRouter()
	_, err := svc.Create(context.Background(), "driver1", createReq("A", "B", "2026-03-02", 2, "100"))
	require.NoError(t, err)

	w := doJSON(router, http.MethodGet, "/v1/me/rides", "driver1", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var out DriverRides
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Len(t, out.Upcoming, 1)
	assert.Empty(t, out.Past)
}
