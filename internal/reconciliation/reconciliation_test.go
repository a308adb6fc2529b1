package reconciliation

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/rideshare/internal/booking"
	"github.com/mbd888/rideshare/internal/ledger"
	"github.com/mbd888/rideshare/internal/rides"
)

type fixture struct {
	ledger   *ledger.MemoryStore
	rides    *rides.MemoryStore
	bookings *booking.MemoryStore
	runner   *Runner
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{ledger: ledger.NewMemoryStore(), rides: rides.NewMemoryStore()}
	f.bookings = booking.NewMemoryStore(f.rides)
	f.runner = NewRunner(f.ledger, f.rides, f.bookings, nil)

	now := time.Now().UTC()
	_, err := f.ledger.Apply(ctx, &ledger.Entry{ID: "e1", UserID: "alice", Type: ledger.EntryTopUp, Amount: 50000, CreatedAt: now})
	require.NoError(t, err)
	_, err = f.ledger.Apply(ctx, &ledger.Entry{ID: "e2", UserID: "alice", Type: ledger.EntryDebit, Amount: 20000, Reference: "bk_1", CreatedAt: now})
	require.NoError(t, err)

	require.NoError(t, f.rides.Create(ctx, &rides.Ride{
		ID: "ride_1", DriverID: "dave", Capacity: 4, AvailableSeats: 4, PricePaise: 10000,
		Status: rides.StatusActive, DepartAt: now.Add(24 * time.Hour),
	}))
	_, err = f.bookings.Reserve(ctx, &booking.Booking{
		ID: "bk_1", RideID: "ride_1", DriverID: "dave", PassengerID: "alice", Seats: 2, Amount: 20000,
		Status: booking.StatusBooked, PaymentMethod: booking.MethodOnline, PaymentStatus: booking.PaymentPaid,
	})
	require.NoError(t, err)
	return f
}

func TestRunAll_Clean(t *testing.T) {
	f := newFixture(t)
	report, err := f.runner.RunAll(context.Background())
	require.NoError(t, err)
	assert.True(t, report.Healthy)
	assert.Equal(t, 1, report.WalletsChecked)
	assert.Equal(t, 1, report.RidesChecked)
	assert.Empty(t, report.WalletMismatches)
	assert.Empty(t, report.SeatMismatches)
	assert.Equal(t, float64(0), testutil.ToFloat64(reconcileSeatMismatches))
	assert.Same(t, report, f.runner.Last())
}

func TestRunAll_SeatDrift(t *testing.T) {
	f := newFixture(t)
	// seats taken without a booking
	_, err := f.rides.AdjustSeats(context.Background(), "ride_1", -1)
	require.NoError(t, err)

	report, err := f.runner.RunAll(context.Background())
	require.NoError(t, err)
	assert.False(t, report.Healthy)
	require.Len(t, report.SeatMismatches, 1)
	m := report.SeatMismatches[0]
	assert.Equal(t, "ride_1", m.RideID)
	assert.Equal(t, 4, m.Capacity)
	assert.Equal(t, 1, m.AvailableSeats)
	assert.Equal(t, 2, m.BookedSeats)
	assert.Equal(t, float64(1), testutil.ToFloat64(reconcileSeatMismatches))
}

func TestRunAll_CancelledBookingsDoNotCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b, err := f.bookings.Get(ctx, "bk_1")
	require.NoError(t, err)
	b.PaymentStatus = booking.PaymentRefunded
	b.CancelledBy = booking.ByPassenger
	_, err = f.bookings.Release(ctx, b)
	require.NoError(t, err)

	report, err := f.runner.RunAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, report.SeatMismatches)
}

type skewedWallets struct {
	wallets []*ledger.Wallet
	sums    map[string]int64
	err     error
}

func (s *skewedWallets) ListWallets(context.Context) ([]*ledger.Wallet, error) {
	return s.wallets, s.err
}

func (s *skewedWallets) SumEntries(_ context.Context, userID string) (int64, error) {
	return s.sums[userID], nil
}

func TestRunAll_WalletDrift(t *testing.T) {
	wallets := &skewedWallets{
		wallets: []*ledger.Wallet{{UserID: "alice", Balance: 30000}, {UserID: "bob", Balance: 100}},
		sums:    map[string]int64{"alice": 30000, "bob": 0},
	}
	r := NewRunner(wallets, rides.NewMemoryStore(), booking.NewMemoryStore(rides.NewMemoryStore()), nil)

	report, err := r.RunAll(context.Background())
	require.NoError(t, err)
	require.Len(t, report.WalletMismatches, 1)
	assert.Equal(t, "bob", report.WalletMismatches[0].UserID)
	assert.Equal(t, int64(100), report.WalletMismatches[0].Diff)
	assert.Equal(t, float64(1), testutil.ToFloat64(reconcileWalletMismatches))
}

func TestRunAll_SourceError(t *testing.T) {
	r := NewRunner(&skewedWallets{err: errors.New("db down")}, rides.NewMemoryStore(), booking.NewMemoryStore(rides.NewMemoryStore()), nil)
	_, err := r.RunAll(context.Background())
	assert.ErrorContains(t, err, "db down")
	assert.Nil(t, r.Last())
}

func TestTimer_StartStop(t *testing.T) {
	f := newFixture(t)
	timer := NewTimer(f.runner, 5*time.Millisecond, nil)
	done := make(chan struct{})
	go func() {
		timer.Start(context.Background())
		close(done)
	}()

	require.Eventually(t, func() bool { return f.runner.Last() != nil }, time.Second, 5*time.Millisecond)
	assert.True(t, timer.Running())
	timer.Stop()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timer did not stop")
	}
}

func TestHandlers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	f := newFixture(t)
	r := gin.New()
	NewHandler(f.runner).RegisterAdminRoutes(r.Group("/v1"))

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/admin/reconcile/last", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/admin/reconcile", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"healthy":true`)

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest("GET", "/v1/admin/reconcile/last", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
