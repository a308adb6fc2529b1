package earnings

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/rideshare/internal/outbox"
	"github.com/mbd888/rideshare/internal/retry"
)

func newTestService() *Service {
	return NewService(NewMemoryStore(), decimal.NewFromInt(10))
}

func TestService_AccrueSplitsCommission(t *testing.T) {
	svc := newTestService()
	e, err := svc.Accrue(context.Background(), "d1", 60000, "bk_1")
	require.NoError(t, err)

	assert.Equal(t, int64(54000), e.TotalEarnings)
	assert.Equal(t, int64(54000), e.PendingPayout)
	assert.Equal(t, int64(6000), e.PlatformCommission)
	assert.Equal(t, "10", e.CommissionPercent)
}

func TestService_SplitRoundsToPaise(t *testing.T) {
	svc := NewService(NewMemoryStore(), decimal.RequireFromString("12.5"))
	commission, net := svc.Split(333)
	assert.Equal(t, int64(42), commission)
	assert.Equal(t, int64(291), net)
}

func TestService_AccrueIsIdempotent(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = svc.Accrue(ctx, "d1", 30000, "bk_1")
		}()
	}
	wg.Wait()

	e, err := svc.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, int64(27000), e.PendingPayout)
}

func TestService_ReverseClawsBack(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	_, err := svc.Accrue(ctx, "d1", 30000, "bk_1")
	require.NoError(t, err)
	_, err = svc.Accrue(ctx, "d1", 30000, "bk_2")
	require.NoError(t, err)

	e, err := svc.Reverse(ctx, "d1", 30000, "bk_1")
	require.NoError(t, err)
	assert.Equal(t, int64(27000), e.PendingPayout)
	assert.Equal(t, int64(3000), e.PlatformCommission)

	e, err = svc.Reverse(ctx, "d1", 30000, "bk_1")
	require.NoError(t, err)
	assert.Equal(t, int64(27000), e.PendingPayout, "reversal applies once")
}

func TestService_RequestPayout(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	_, err := svc.Accrue(ctx, "d1", 50000, "bk_1")
	require.NoError(t, err)

	_, _, err = svc.RequestPayout(ctx, "d1", 9999, "")
	assert.ErrorIs(t, err, ErrBelowMinimum)

	_, _, err = svc.RequestPayout(ctx, "d1", 45001, "")
	assert.ErrorIs(t, err, ErrExceedsPending)

	p, e, err := svc.RequestPayout(ctx, "d1", 20000, "weekly")
	require.NoError(t, err)
	assert.Equal(t, PayoutRequested, p.Status)
	assert.Equal(t, int64(25000), e.PendingPayout)
	assert.Equal(t, int64(20000), e.PaidAmount)

	p, e, err = svc.RequestPayout(ctx, "d1", 0, "")
	require.NoError(t, err)
	assert.Equal(t, int64(25000), p.Amount)
	assert.Zero(t, e.PendingPayout)

	payouts, err := svc.ListPayouts(ctx, "d1", 10)
	require.NoError(t, err)
	assert.Len(t, payouts, 2)
}

func TestService_RequestPayoutNothingPending(t *testing.T) {
	_, _, err := newTestService().RequestPayout(context.Background(), "d1", 0, "")
	assert.ErrorIs(t, err, ErrBelowMinimum)
}

func TestService_OutboxHandlers(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()

	payload, _ := json.Marshal(outbox.EarningsPayload{DriverID: "d1", AmountPaise: 30000, Reference: "bk_1"})
	ev := &outbox.Event{ID: "evt_1", Topic: outbox.TopicEarningsAccrue, Payload: payload}
	require.NoError(t, svc.AccrueHandler()(ctx, ev))
	require.NoError(t, svc.AccrueHandler()(ctx, ev))
	require.NoError(t, svc.ReverseHandler()(ctx, ev))

	e, err := svc.Get(ctx, "d1")
	require.NoError(t, err)
	assert.Zero(t, e.PendingPayout)
	assert.Zero(t, e.TotalEarnings)

	bad := &outbox.Event{ID: "evt_2", Payload: []byte(`{`)}
	assert.True(t, retry.IsPermanent(svc.AccrueHandler()(ctx, bad)))
}

func TestHandler_EarningsAndPayouts(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := newTestService()
	svc.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	_, err := svc.Accrue(context.Background(), "d1", 50000, "bk_1")
	require.NoError(t, err)

	r := gin.New()
	v1 := r.Group("/v1")
	v1.Use(func(c *gin.Context) {
		// X-User-ID stands in for the JWT middleware
		c.Set("authUserID", c.GetHeader("X-User-ID"))
		c.Next()
	})
	NewHandler(svc).RegisterProtectedRoutes(v1)

	do := func(method, path, body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-User-ID", "d1")
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		return w
	}

	w := do(http.MethodGet, "/v1/me/earnings", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"pendingPayout":45000`)

	w = do(http.MethodPost, "/v1/me/payouts", `{"amountPaise":50000}`)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = do(http.MethodPost, "/v1/me/payouts", `{"amountPaise":500}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = do(http.MethodPost, "/v1/me/payouts", "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = do(http.MethodGet, "/v1/me/payouts", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":1`)
}
