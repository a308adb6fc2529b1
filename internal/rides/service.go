package rides

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/rideshare/internal/idgen"
	"github.com/mbd888/rideshare/internal/logging"
	"github.com/mbd888/rideshare/internal/money"
	"github.com/mbd888/rideshare/internal/notify"
	"github.com/mbd888/rideshare/internal/syncutil"
	"github.com/mbd888/rideshare/internal/traces"
)

const (
	dateLayout     = "2006-01-02"
	scheduleLayout = "2006-01-02 15:04"
)

// Service implements ride management on top of a Store.
type Service struct {
	store       Store
	locker      syncutil.Locker
	lockTimeout time.Duration
	notifier    notify.Sink
	loc         *time.Location
	now         func() time.Time
}

// NewService creates a ride service. The locker must be the one shared with
// the booking orchestrator so seat changes serialize per ride.
func NewService(store Store, locker syncutil.Locker) *Service {
	return &Service{
		store:       store,
		locker:      locker,
		lockTimeout: 5 * time.Second,
		notifier:    notify.Nop,
		loc:         time.UTC,
		now:         time.Now,
	}
}

// WithNotifier sets the sink used for ride notifications.
func (s *Service) WithNotifier(n notify.Sink) *Service {
	s.notifier = n
	return s
}

// WithLockTimeout bounds how long Update waits for the ride lock.
func (s *Service) WithLockTimeout(d time.Duration) *Service {
	s.lockTimeout = d
	return s
}

// WithLocation sets the timezone used to interpret ride dates and times.
func (s *Service) WithLocation(loc *time.Location) *Service {
	if loc != nil {
		s.loc = loc
	}
	return s
}

// Store exposes the underlying store to packages sharing the inventory.
func (s *Service) Store() Store { return s.store }

// Create offers a new ride for driverID.
func (s *Service) Create(ctx context.Context, driverID string, req CreateRequest) (*Ride, error) {
	departAt, err := s.parseSchedule(req.Date, req.Time)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if !departAt.After(now) {
		return nil, ErrDepartureInPast
	}
	if req.Seats < 1 || req.Seats > MaxSeats {
		return nil, ErrSeatBounds
	}
	price, err := pricePaise(req.Price)
	if err != nil {
		return nil, err
	}

	ride := &Ride{
		ID:               idgen.WithPrefix("ride_"),
		DriverID:         driverID,
		StartLocation:    strings.TrimSpace(req.StartLocation),
		EndLocation:      strings.TrimSpace(req.EndLocation),
		DepartAt:         departAt,
		Capacity:         req.Seats,
		AvailableSeats:   req.Seats,
		PricePaise:       price,
		CarModel:         req.CarModel,
		CarType:          req.CarType,
		GenderPreference: req.GenderPreference,
		Note:             req.Note,
		Status:           StatusActive,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.Create(ctx, ride); err != nil {
		return nil, fmt.Errorf("create ride: %w", err)
	}

	logging.L(ctx).Info("ride created", "ride_id", ride.ID, "driver_id", driverID, "seats", ride.Capacity)
	notify.BestEffort(ctx, s.notifier, notify.Notification{
		UserID: driverID,
		Title:  "Ride published",
		Body:   fmt.Sprintf("Your ride from %s to %s on %s is live.", ride.StartLocation, ride.EndLocation, ride.DepartAt.In(s.loc).Format(scheduleLayout)),
		Type:   notify.TypeRideCreated,
		Metadata: map[string]string{
			"rideId": ride.ID,
		},
	})
	return ride, nil
}

// Get returns a ride by ID.
func (s *Service) Get(ctx context.Context, id string) (*Ride, error) {
	return s.store.Get(ctx, id)
}

// Update patches a ride owned by driverID. Seat capacity can only change
// while no seats are sold.
func (s *Service) Update(ctx context.Context, id, driverID string, req UpdateRequest) (*Ride, error) {
	ctx, span := traces.StartSpan(ctx, "rides.Update", traces.RideID(id), traces.UserID(driverID))
	defer span.End()

	unlock, err := syncutil.Acquire(ctx, s.locker, LockKey(id), s.lockTimeout)
	if err != nil {
		traces.Fail(span, err)
		return nil, err
	}
	defer unlock()

	ride, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ride.DriverID != driverID {
		return nil, ErrForbidden
	}
	now := s.now().UTC()
	if ride.Status != StatusActive || ride.Departed(now) {
		return nil, ErrInvalidState
	}

	if req.StartLocation != nil {
		ride.StartLocation = strings.TrimSpace(*req.StartLocation)
	}
	if req.EndLocation != nil {
		ride.EndLocation = strings.TrimSpace(*req.EndLocation)
	}
	if req.Date != nil || req.Time != nil {
		local := ride.DepartAt.In(s.loc)
		date, clock := local.Format(dateLayout), local.Format("15:04")
		if req.Date != nil {
			date = *req.Date
		}
		if req.Time != nil {
			clock = *req.Time
		}
		departAt, err := s.parseSchedule(date, clock)
		if err != nil {
			return nil, err
		}
		if !departAt.After(now) {
			return nil, ErrDepartureInPast
		}
		ride.DepartAt = departAt
	}
	if req.Seats != nil && *req.Seats != ride.Capacity {
		if ride.SeatsSold() > 0 {
			return nil, ErrHasBookings
		}
		if *req.Seats < 1 || *req.Seats > MaxSeats {
			return nil, ErrSeatBounds
		}
		ride.Capacity = *req.Seats
		ride.AvailableSeats = *req.Seats
	}
	if req.Price != nil {
		price, err := pricePaise(*req.Price)
		if err != nil {
			return nil, err
		}
		ride.PricePaise = price
	}
	if req.CarModel != nil {
		ride.CarModel = *req.CarModel
	}
	if req.CarType != nil {
		ride.CarType = *req.CarType
	}
	if req.GenderPreference != nil {
		if *req.GenderPreference == "NONE" {
			ride.GenderPreference = GenderAny
		} else {
			ride.GenderPreference = *req.GenderPreference
		}
	}
	if req.Note != nil {
		ride.Note = *req.Note
	}

	if err := s.store.Update(ctx, ride); err != nil {
		return nil, fmt.Errorf("update ride: %w", err)
	}

	notify.BestEffort(ctx, s.notifier, notify.Notification{
		UserID:   driverID,
		Title:    "Ride updated",
		Body:     fmt.Sprintf("Your ride from %s to %s was updated.", ride.StartLocation, ride.EndLocation),
		Type:     notify.TypeRideUpdated,
		Metadata: map[string]string{"rideId": ride.ID},
	})
	return ride, nil
}

// Search lists bookable rides: active, with free seats, not yet departed.
func (s *Service) Search(ctx context.Context, q SearchQuery) ([]*Ride, error) {
	now := s.now().UTC()
	f := Filter{
		From:        strings.TrimSpace(q.From),
		To:          strings.TrimSpace(q.To),
		Status:      StatusActive,
		DepartAfter: now,
		MinSeats:    max(q.MinSeats, 1),
		CarType:     strings.TrimSpace(q.CarType),
	}
	if q.Date != "" {
		day, err := time.ParseInLocation(dateLayout, q.Date, s.loc)
		if err != nil {
			return nil, ErrInvalidSchedule
		}
		if start := day.UTC(); start.After(f.DepartAfter) {
			f.DepartAfter = start
		}
		f.DepartBefore = day.AddDate(0, 0, 1).UTC()
	}
	if q.MinPrice != nil {
		p, err := money.FromRupees(*q.MinPrice)
		if err != nil {
			return nil, ErrInvalidPrice
		}
		f.MinPricePaise = p
	}
	if q.MaxPrice != nil {
		p, err := money.FromRupees(*q.MaxPrice)
		if err != nil {
			return nil, ErrInvalidPrice
		}
		f.MaxPricePaise = p
	}

	found, err := s.store.List(ctx, f)
	if err != nil {
		return nil, err
	}

	out := make([]*Ride, 0, len(found))
	for _, r := range found {
		if q.GenderFilter && !r.AllowsGender(q.UserGender) {
			continue
		}
		out = append(out, r)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

// ListByDriver returns all of a driver's rides split by departure.
func (s *Service) ListByDriver(ctx context.Context, driverID string) (*DriverRides, error) {
	all, err := s.store.List(ctx, Filter{DriverID: driverID})
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	out := &DriverRides{Upcoming: []*Ride{}, Past: []*Ride{}}
	for _, r := range all {
		if r.Departed(now) {
			out.Past = append(out.Past, r)
		} else {
			out.Upcoming = append(out.Upcoming, r)
		}
	}
	// Most recent trips first.
	for i, j := 0, len(out.Past)-1; i < j; i, j = i+1, j-1 {
		out.Past[i], out.Past[j] = out.Past[j], out.Past[i]
	}
	return out, nil
}

func (s *Service) parseSchedule(date, clock string) (time.Time, error) {
	t, err := time.ParseInLocation(scheduleLayout, strings.TrimSpace(date)+" "+strings.TrimSpace(clock), s.loc)
	if err != nil {
		return time.Time{}, ErrInvalidSchedule
	}
	return t.UTC(), nil
}

func pricePaise(rupees decimal.Decimal) (int64, error) {
	p, err := money.FromRupees(rupees)
	if err != nil || p <= 0 {
		return 0, ErrInvalidPrice
	}
	return p, nil
}
