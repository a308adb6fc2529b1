package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/rideshare/internal/ledger"
	"github.com/mbd888/rideshare/internal/outbox"
	"github.com/mbd888/rideshare/internal/syncutil"
)

type fakeStats struct{}

func (fakeStats) Stats() map[string]interface{} {
	return map[string]interface{}{"connectedClients": 2}
}

func setup(t *testing.T) (*gin.Engine, *ledger.Ledger, *outbox.Queue) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	l := ledger.New(ledger.NewMemoryStore(), syncutil.NewKeyedMutex())
	q := outbox.NewQueue(outbox.NewMemoryStore(), outbox.Options{MaxAttempts: 1}, nil)

	r := gin.New()
	NewHandler().WithPayments(l).WithOutbox(q).WithRealtime(fakeStats{}).RegisterAdminRoutes(r.Group("/v1"))
	return r, l, q
}

func call(r *gin.Engine, method, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(method, path, nil))
	return w
}

func TestStalePayments(t *testing.T) {
	r, l, _ := setup(t)
	ctx := context.Background()
	rec, err := l.CreateTopUp(ctx, "u1", 1000, "K1", "")
	require.NoError(t, err)

	// fresh orders are not stale under the default window
	w := call(r, "GET", "/v1/admin/payments/stale")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":0`)

	time.Sleep(time.Millisecond)
	w = call(r, "GET", "/v1/admin/payments/stale?olderThan=1ns")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), rec.ID)

	w = call(r, "POST", "/v1/admin/payments/"+rec.ID+"/expire")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Contains(t, w.Body.String(), `"status":"FAILED"`)

	w = call(r, "POST", "/v1/admin/payments/pay_missing/expire")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestExpireStaleBulk(t *testing.T) {
	r, l, _ := setup(t)
	ctx := context.Background()
	for _, key := range []string{"K1", "K2"} {
		_, err := l.CreateTopUp(ctx, "u1", 500, key, "")
		require.NoError(t, err)
	}
	time.Sleep(2 * time.Millisecond)

	w := call(r, "POST", "/v1/admin/payments/expire-stale?olderThan=1ms")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		ExpiredCount int `json:"expiredCount"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.ExpiredCount)

	stale, err := l.StalePayments(ctx, time.Nanosecond, 10)
	require.NoError(t, err)
	assert.Empty(t, stale)
}

type brokenPayments struct{ stale []*ledger.PaymentRecord }

func (b brokenPayments) StalePayments(context.Context, time.Duration, int) ([]*ledger.PaymentRecord, error) {
	return b.stale, nil
}

func (b brokenPayments) ExpirePayment(_ context.Context, id string) (*ledger.PaymentRecord, error) {
	if id == "bad" {
		return nil, errors.New("lock timeout")
	}
	return &ledger.PaymentRecord{ID: id, Status: ledger.PaymentFailed}, nil
}

func TestExpireStale_ContinuesPastFailures(t *testing.T) {
	p := brokenPayments{stale: []*ledger.PaymentRecord{{ID: "bad"}, {ID: "good"}}}
	res, err := ExpireStale(context.Background(), p, time.Minute, 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"good"}, res.Expired)
	assert.Equal(t, "lock timeout", res.Failed["bad"])
}

func TestDeadLetters(t *testing.T) {
	r, _, q := setup(t)
	ctx := context.Background()
	require.NoError(t, q.Publish(ctx, "unknown.topic", "k", struct{}{}))
	_, err := q.ProcessDue(ctx)
	require.NoError(t, err)

	w := call(r, "GET", "/v1/admin/outbox/dead")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Events []outbox.Event `json:"events"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Events, 1)
	id := resp.Events[0].ID

	w = call(r, "POST", "/v1/admin/outbox/"+id+"/requeue")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = call(r, "POST", "/v1/admin/outbox/"+id+"/requeue")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = call(r, "POST", "/v1/admin/outbox/evt_missing/requeue")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRealtimeStats(t *testing.T) {
	r, _, _ := setup(t)
	w := call(r, "GET", "/v1/admin/realtime")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"connectedClients":2`)

	bare := gin.New()
	NewHandler().RegisterAdminRoutes(bare.Group("/v1"))
	assert.Equal(t, http.StatusServiceUnavailable, call(bare, "GET", "/v1/admin/realtime").Code)
}
