package rides

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/rideshare/internal/notify"
	"github.com/mbd888/rideshare/internal/syncutil"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type captureSink struct {
	mu  sync.Mutex
	got []notify.Notification
}

func (c *captureSink) Notify(_ context.Context, n notify.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, n)
	return nil
}

func newTestService() (*Service, *captureSink) {
	sink := &captureSink{}
	svc := NewService(NewMemoryStore(), syncutil.NewKeyedMutex()).
		WithNotifier(sink).
		WithLockTimeout(time.Second)
	svc.now = func() time.Time { return testNow }
	return svc, sink
}

func createReq(from, to, date string, seats int, price string) CreateRequest {
	return CreateRequest{
		StartLocation: from,
		EndLocation:   to,
		Date:          date,
		Time:          "09:30",
		Seats:         seats,
		Price:         decimal.RequireFromString(price),
	}
}

func TestService_Create(t *testing.T) {
	svc, sink := newTestService()
	ctx := context.Background()

	ride, err := svc.Create(ctx, "driver1", createReq("Pune", "Mumbai", "2026-03-02", 3, "450.50"))
	require.NoError(t, err)

	assert.Equal(t, "driver1", ride.DriverID)
	assert.Equal(t, 3, ride.Capacity)
	assert.Equal(t, 3, ride.AvailableSeats)
	assert.Equal(t, int64(45050), ride.PricePaise)
	assert.Equal(t, StatusActive, ride.Status)
	assert.Equal(t, time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC), ride.DepartAt)

	require.Len(t, sink.got, 1)
	assert.Equal(t, notify.TypeRideCreated, sink.got[0].Type)
	assert.Equal(t, ride.ID, sink.got[0].Metadata["rideId"])
}

func TestService_CreateRejectsBadInput(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	_, err := svc.Create(ctx, "d", createReq("A", "B", "2026-02-28", 2, "100"))
	assert.ErrorIs(t, err, ErrDepartureInPast)

	_, err = svc.Create(ctx, "d", createReq("A", "B", "02/03/2026", 2, "100"))
	assert.ErrorIs(t, err, ErrInvalidSchedule)

	_, err = svc.Create(ctx, "d", createReq("A", "B", "2026-03-02", 9, "100"))
	assert.ErrorIs(t, err, ErrSeatBounds)

	_, err = svc.Create(ctx, "d", createReq("A", "B", "2026-03-02", 2, "10.005"))
	assert.ErrorIs(t, err, ErrInvalidPrice)

	_, err = svc.Create(ctx, "d", createReq("A", "B", "2026-03-02", 2, "0"))
	assert.ErrorIs(t, err, ErrInvalidPrice)
}

func TestService_CreateUsesConfiguredTimezone(t *testing.T) {
	svc, _ := newTestService()
	ist := time.FixedZone("IST", 5*3600+1800)
	svc.WithLocation(ist)

	ride, err := svc.Create(context.Background(), "d", createReq("A", "B", "2026-03-02", 1, "50"))
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 3, 2, 4, 0, 0, 0, time.UTC), ride.DepartAt)
}

func TestService_Update(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	ride, err := svc.Create(ctx, "driver1", createReq("Pune", "Mumbai", "2026-03-02", 3, "300"))
	require.NoError(t, err)

	seats := 4
	price := decimal.RequireFromString("320")
	note := "AC car"
	updated, err := svc.Update(ctx, ride.ID, "driver1", UpdateRequest{Seats: &seats, Price: &price, Note: &note})
	require.NoError(t, err)
	assert.Equal(t, 4, updated.Capacity)
	assert.Equal(t, 4, updated.AvailableSeats)
	assert.Equal(t, int64(32000), updated.PricePaise)
	assert.Equal(t, "AC car", updated.Note)

	_, err = svc.Update(ctx, ride.ID, "someone-else", UpdateRequest{Note: &note})
	assert.ErrorIs(t, err, ErrForbidden)

	past := "2026-02-01"
	_, err = svc.Update(ctx, ride.ID, "driver1", UpdateRequest{Date: &past})
	assert.ErrorIs(t, err, ErrDepartureInPast)
}

func TestService_UpdateSeatsBlockedOnceSold(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	ride, err := svc.Create(ctx, "driver1", createReq("Pune", "Mumbai", "2026-03-02", 3, "300"))
	require.NoError(t, err)

	_, err = svc.store.AdjustSeats(ctx, ride.ID, -1)
	require.NoError(t, err)

	seats := 5
	_, err = svc.Update(ctx, ride.ID, "driver1", UpdateRequest{Seats: &seats})
	assert.ErrorIs(t, err, ErrHasBookings)

	// Other fields can still change.
	to := "Thane"
	updated, err := svc.Update(ctx, ride.ID, "driver1", UpdateRequest{EndLocation: &to})
	require.NoError(t, err)
	assert.Equal(t, "Thane", updated.EndLocation)
	assert.Equal(t, 2, updated.AvailableSeats)
}

func TestService_UpdateCancelledRide(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	ride, err := svc.Create(ctx, "driver1", createReq("Pune", "Mumbai", "2026-03-02", 3, "300"))
	require.NoError(t, err)
	require.NoError(t, svc.store.SetStatus(ctx, ride.ID, StatusCancelled))

	note := "x"
	_, err = svc.Update(ctx, ride.ID, "driver1", UpdateRequest{Note: &note})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestService_UpdateLockTimeout(t *testing.T) {
	svc, _ := newTestService()
	svc.WithLockTimeout(20 * time.Millisecond)
	ctx := context.Background()
	ride, err := svc.Create(ctx, "driver1", createReq("Pune", "Mumbai", "2026-03-02", 3, "300"))
	require.NoError(t, err)

	unlock, err := svc.locker.LockContext(ctx, LockKey(ride.ID))
	require.NoError(t, err)
	defer unlock()

	note := "late"
	_, err = svc.Update(ctx, ride.ID, "driver1", UpdateRequest{Note: &note})
	assert.ErrorIs(t, err, syncutil.ErrLockTimeout)
}

func TestService_Search(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	a, err := svc.Create(ctx, "d1", createReq("Pune", "Mumbai", "2026-03-02", 2, "300"))
	require.NoError(t, err)
	b, err := svc.Create(ctx, "d2", createReq("pune", "MUMBAI", "2026-03-03", 4, "500"))
	require.NoError(t, err)
	_, err = svc.Create(ctx, "d3", createReq("Pune", "Nashik", "2026-03-02", 2, "200"))
	require.NoError(t, err)
	womenOnly := createReq("Pune", "Mumbai", "2026-03-02", 2, "250")
	womenOnly.GenderPreference = GenderFemaleOnly
	c, err := svc.Create(ctx, "d4", womenOnly)
	require.NoError(t, err)
	full, err := svc.Create(ctx, "d5", createReq("Pune", "Mumbai", "2026-03-02", 1, "300"))
	require.NoError(t, err)
	_, err = svc.store.AdjustSeats(ctx, full.ID, -1)
	require.NoError(t, err)

	got, err := svc.Search(ctx, SearchQuery{From: "PUNE", To: "mumbai"})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ID, b.ID, c.ID}, ids(got), "sold-out rides are hidden")

	got, err = svc.Search(ctx, SearchQuery{From: "Pune", To: "Mumbai", Date: "2026-03-03"})
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID}, ids(got))

	got, err = svc.Search(ctx, SearchQuery{From: "Pune", To: "Mumbai", MinSeats: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID}, ids(got))

	maxPrice := decimal.RequireFromString("300")
	got, err = svc.Search(ctx, SearchQuery{From: "Pune", To: "Mumbai", MaxPrice: &maxPrice})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ID, c.ID}, ids(got))

	got, err = svc.Search(ctx, SearchQuery{From: "Pune", To: "Mumbai", UserGender: "MALE", GenderFilter: true})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, ids(got))
}

func TestService_SearchHidesDeparted(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()
	ride, err := svc.Create(ctx, "d1", createReq("Pune", "Mumbai", "2026-03-02", 2, "300"))
	require.NoError(t, err)

	svc.now = func() time.Time { return ride.DepartAt.Add(time.Minute) }
	got, err := svc.Search(ctx, SearchQuery{From: "Pune"})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestService_ListByDriver(t *testing.T) {
	svc, _ := newTestService()
	ctx := context.Background()

	early, err := svc.Create(ctx, "d1", createReq("A", "B", "2026-03-02", 2, "100"))
	require.NoError(t, err)
	late, err := svc.Create(ctx, "d1", createReq("A", "B", "2026-03-05", 2, "100"))
	require.NoError(t, err)
	_, err = svc.Create(ctx, "other", createReq("A", "B", "2026-03-02", 2, "100"))
	require.NoError(t, err)

	svc.now = func() time.Time { return time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC) }
	out, err := svc.ListByDriver(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, []string{late.ID}, ids(out.Upcoming))
	assert.Equal(t, []string{early.ID}, ids(out.Past))
}

func TestMemoryStore_AdjustSeatsBounds(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, &Ride{ID: "r1", Capacity: 2, AvailableSeats: 2}))

	_, err := s.AdjustSeats(ctx, "r1", 1)
	assert.ErrorIs(t, err, ErrSeatBounds)

	r, err := s.AdjustSeats(ctx, "r1", -2)
	require.NoError(t, err)
	assert.Equal(t, 0, r.AvailableSeats)

	_, err = s.AdjustSeats(ctx, "r1", -1)
	assert.ErrorIs(t, err, ErrSeatBounds)

	_, err = s.AdjustSeats(ctx, "missing", -1)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRide_AllowsGender(t *testing.T) {
	r := &Ride{GenderPreference: GenderMaleOnly}
	assert.True(t, r.AllowsGender("male"))
	assert.False(t, r.AllowsGender("FEMALE"))
	assert.True(t, r.AllowsGender(""), "unknown gender is not filtered")

	r.GenderPreference = GenderAny
	assert.True(t, r.AllowsGender("FEMALE"))
}

func ids(rs []*Ride) []string {
	out := make([]string, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.ID)
	}
	return out
}
