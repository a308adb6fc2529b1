package booking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/mbd888/rideshare/internal/idgen"
	"github.com/mbd888/rideshare/internal/ledger"
	"github.com/mbd888/rideshare/internal/logging"
	"github.com/mbd888/rideshare/internal/metrics"
	"github.com/mbd888/rideshare/internal/money"
	"github.com/mbd888/rideshare/internal/notify"
	"github.com/mbd888/rideshare/internal/outbox"
	"github.com/mbd888/rideshare/internal/retry"
	"github.com/mbd888/rideshare/internal/rides"
	"github.com/mbd888/rideshare/internal/syncutil"
	"github.com/mbd888/rideshare/internal/traces"
)

// Wallet is the part of the ledger bookings pay and refund through.
type Wallet interface {
	Debit(ctx context.Context, userID string, amount int64, reference, description string) (*ledger.Wallet, error)
	Refund(ctx context.Context, userID string, amount int64, reference, description string) (*ledger.Wallet, error)
}

// PaymentClaimer links verified gateway payments to bookings.
type PaymentClaimer interface {
	Claim(ctx context.Context, paymentID, userID, rideID string, amount int64, bookingID string) (*ledger.PaymentRecord, error)
	Release(ctx context.Context, paymentID, bookingID string) error
}

// Publisher queues post-commit events.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload any) error
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, string, any) error { return nil }

// Service is the booking orchestrator.
type Service struct {
	store       Store
	rides       rides.Store
	wallet      Wallet
	payments    PaymentClaimer
	events      Publisher
	notifier    notify.Sink
	locker      syncutil.Locker
	lockTimeout time.Duration
	now         func() time.Time
}

// NewService creates the orchestrator. locker must be the one the ride and
// ledger services use so ride and wallet keys serialize across all three.
func NewService(store Store, rideStore rides.Store, wallet Wallet, payments PaymentClaimer, locker syncutil.Locker) *Service {
	return &Service{
		store:       store,
		rides:       rideStore,
		wallet:      wallet,
		payments:    payments,
		events:      nopPublisher{},
		notifier:    notify.Nop,
		locker:      locker,
		lockTimeout: 5 * time.Second,
		now:         time.Now,
	}
}

// WithEvents sets the queue for earnings and deferred refund events.
func (s *Service) WithEvents(p Publisher) *Service {
	s.events = p
	return s
}

// WithNotifier sets the sink used for booking notifications.
func (s *Service) WithNotifier(n notify.Sink) *Service {
	s.notifier = n
	return s
}

// WithLockTimeout bounds how long a request waits for a ride lock.
func (s *Service) WithLockTimeout(d time.Duration) *Service {
	s.lockTimeout = d
	return s
}

// Book reserves seats for passengerID. Nothing is written unless every
// check passes and payment is proven. On a ChargingStore the wallet debit
// commits with the reservation; otherwise a failure after payment is
// taken gives the payment back before returning.
func (s *Service) Book(ctx context.Context, passengerID string, req Request) (*Booking, error) {
	if req.Seats < 1 || req.RideID == "" {
		return nil, ErrInvalidRequest
	}
	if req.PaymentMethod != MethodCash && req.PaymentMethod != MethodOnline {
		return nil, ErrInvalidRequest
	}

	ctx, span := traces.StartSpan(ctx, "booking.Book",
		traces.RideID(req.RideID), traces.UserID(passengerID), traces.Seats(req.Seats))
	defer span.End()

	b, err := s.reserve(ctx, passengerID, req)
	if err != nil {
		traces.Fail(span, err)
		metrics.BookingsTotal.WithLabelValues(string(req.PaymentMethod), bookResult(err)).Inc()
		return nil, err
	}
	metrics.BookingsTotal.WithLabelValues(string(req.PaymentMethod), "confirmed").Inc()
	metrics.SeatsBookedTotal.Add(float64(b.Seats))

	s.afterBook(ctx, b)
	return b, nil
}

// reserve runs the locked part of Book.
func (s *Service) reserve(ctx context.Context, passengerID string, req Request) (*Booking, error) {
	unlock, err := syncutil.Acquire(ctx, s.locker, rides.LockKey(req.RideID), s.lockTimeout)
	if err != nil {
		return nil, err
	}
	defer unlock()

	ride, err := s.rides.Get(ctx, req.RideID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	if ride.Status != rides.StatusActive || ride.Departed(now) {
		return nil, ErrInvalidState
	}
	if ride.DriverID == passengerID || !ride.AllowsGender(req.Gender) {
		return nil, ErrForbidden
	}
	if ride.AvailableSeats == 0 || ride.AvailableSeats < req.Seats {
		return nil, ErrInsufficientInventory
	}

	b := &Booking{
		ID:            idgen.WithPrefix("bk_"),
		RideID:        ride.ID,
		DriverID:      ride.DriverID,
		PassengerID:   passengerID,
		Seats:         req.Seats,
		Amount:        ride.PricePaise * int64(req.Seats),
		Status:        StatusBooked,
		PaymentMethod: req.PaymentMethod,
		PaymentStatus: PaymentPending,
		CreatedAt:     now.UTC(),
		UpdatedAt:     now.UTC(),
	}

	if req.PaymentMethod == MethodOnline && req.PaymentID == "" {
		if cs, ok := s.store.(ChargingStore); ok {
			if err := s.reserveCharged(ctx, cs, b); err != nil {
				return nil, err
			}
			return b, nil
		}
	}

	if req.PaymentMethod == MethodOnline {
		if err := s.collect(ctx, b, req.PaymentID); err != nil {
			return nil, err
		}
	}

	if _, err := s.store.Reserve(ctx, b); err != nil {
		s.compensate(ctx, b)
		if errors.Is(err, rides.ErrSeatBounds) {
			return nil, ErrInsufficientInventory
		}
		return nil, fmt.Errorf("reserve seats: %w", err)
	}
	return b, nil
}

// reserveCharged takes the seats and debits the wallet in one store
// transaction. The wallet lock is taken inside the ride lock.
func (s *Service) reserveCharged(ctx context.Context, cs ChargingStore, b *Booking) error {
	unlock, err := syncutil.Acquire(ctx, s.locker, ledger.LockKey(b.PassengerID), s.lockTimeout)
	if err != nil {
		return err
	}
	defer unlock()

	b.PaymentSource = SourceWallet
	b.PaymentID = b.ID
	b.PaymentStatus = PaymentPaid
	debit := ledger.NewEntry(b.PassengerID, ledger.EntryDebit, b.Amount, b.ID, "Ride booking "+b.RideID, s.now())
	if _, err := cs.ReserveCharged(ctx, b, debit); err != nil {
		switch {
		case errors.Is(err, ledger.ErrInsufficientFunds):
			ledger.InsufficientFundsTotal.Inc()
			return err
		case errors.Is(err, rides.ErrSeatBounds):
			return ErrInsufficientInventory
		}
		return fmt.Errorf("reserve seats: %w", err)
	}

	notify.BestEffort(ctx, s.notifier, notify.Notification{
		UserID:   b.PassengerID,
		Title:    "Wallet debited",
		Body:     fmt.Sprintf("%s was paid from your wallet.", money.Format(b.Amount)),
		Type:     notify.TypeWalletDebit,
		Metadata: map[string]string{"reference": b.ID},
	})
	return nil
}

// collect proves an ONLINE payment, either by claiming a verified gateway
// payment or by debiting the wallet. The wallet lock is taken inside the
// ride lock, never the other way round.
func (s *Service) collect(ctx context.Context, b *Booking, paymentID string) error {
	if paymentID != "" {
		if _, err := s.payments.Claim(ctx, paymentID, b.PassengerID, b.RideID, b.Amount, b.ID); err != nil {
			return err
		}
		b.PaymentSource = SourceGateway
		b.PaymentID = paymentID
	} else {
		if _, err := s.wallet.Debit(ctx, b.PassengerID, b.Amount, b.ID, "Ride booking "+b.RideID); err != nil {
			return err
		}
		b.PaymentSource = SourceWallet
		b.PaymentID = b.ID
	}
	b.PaymentStatus = PaymentPaid
	return nil
}

// compensate gives back a payment taken for a booking that was not stored.
func (s *Service) compensate(ctx context.Context, b *Booking) {
	switch b.PaymentSource {
	case SourceGateway:
		if err := s.payments.Release(ctx, b.PaymentID, b.ID); err != nil {
			logging.L(ctx).Error("payment release failed", "booking_id", b.ID, "payment_id", b.PaymentID, "error", err)
		}
	case SourceWallet:
		s.refund(ctx, b, "Booking could not be completed")
	}
}

// refund credits b.Amount back to the passenger's wallet once per booking.
// If the ledger is unavailable the refund is queued and retried.
func (s *Service) refund(ctx context.Context, b *Booking, description string) {
	_, err := s.wallet.Refund(ctx, b.PassengerID, b.Amount, b.ID, description)
	if err == nil {
		metrics.RefundsTotal.WithLabelValues("ok").Inc()
		return
	}
	logging.L(ctx).Warn("refund deferred", "booking_id", b.ID, "user_id", b.PassengerID, "error", err)
	metrics.RefundsTotal.WithLabelValues("deferred").Inc()
	if perr := s.events.Publish(ctx, outbox.TopicWalletRefund, b.ID, outbox.RefundPayload{
		UserID:      b.PassengerID,
		AmountPaise: b.Amount,
		Reference:   b.ID,
		Description: description,
	}); perr != nil {
		logging.L(ctx).Error("refund could not be queued", "booking_id", b.ID, "error", perr)
	}
}

func (s *Service) afterBook(ctx context.Context, b *Booking) {
	if b.PaymentStatus == PaymentPaid {
		s.publish(ctx, outbox.TopicEarningsAccrue, b.ID, outbox.EarningsPayload{
			DriverID: b.DriverID, AmountPaise: b.Amount, Reference: b.ID,
		})
	}
	meta := map[string]string{"bookingId": b.ID, "rideId": b.RideID}
	notify.BestEffort(ctx, s.notifier, notify.Notification{
		UserID:   b.PassengerID,
		Title:    "Booking confirmed",
		Body:     fmt.Sprintf("Your %d seat(s) are booked. Payment: %s.", b.Seats, b.PaymentStatus),
		Type:     notify.TypeBookingConfirmed,
		Metadata: meta,
	})
	notify.BestEffort(ctx, s.notifier, notify.Notification{
		UserID:   b.DriverID,
		Title:    "New booking",
		Body:     fmt.Sprintf("A passenger booked %d seat(s) for %s.", b.Seats, money.Format(b.Amount)),
		Type:     notify.TypeNewBooking,
		Metadata: meta,
	})
	logging.L(ctx).Info("booking confirmed", "booking_id", b.ID, "ride_id", b.RideID, "seats", b.Seats, "method", b.PaymentMethod)
}

func (s *Service) publish(ctx context.Context, topic, key string, payload any) {
	if err := s.events.Publish(ctx, topic, key, payload); err != nil {
		logging.L(ctx).Error("event dropped", "topic", topic, "key", key, "error", err)
	}
}

// Cancel cancels one of passengerID's bookings, returning its seats and
// refunding a paid booking to the wallet.
func (s *Service) Cancel(ctx context.Context, bookingID, passengerID string) (*Booking, error) {
	ctx, span := traces.StartSpan(ctx, "booking.Cancel", traces.BookingID(bookingID), traces.UserID(passengerID))
	defer span.End()

	b, err := s.store.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.PassengerID != passengerID {
		return nil, ErrForbidden
	}

	unlock, err := syncutil.Acquire(ctx, s.locker, rides.LockKey(b.RideID), s.lockTimeout)
	if err != nil {
		traces.Fail(span, err)
		return nil, err
	}
	defer unlock()

	// Re-read under the lock; a concurrent cancel may have won.
	b, err = s.store.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if !b.Active() {
		return nil, ErrInvalidState
	}
	refunded, err := s.cancelLocked(ctx, b, ByPassenger)
	if err != nil {
		traces.Fail(span, err)
		return nil, err
	}

	notify.BestEffort(ctx, s.notifier, notify.Notification{
		UserID:   b.PassengerID,
		Title:    "Booking cancelled",
		Body:     cancelBody(refunded),
		Type:     notify.TypeBookingCancelled,
		Metadata: map[string]string{"bookingId": b.ID, "rideId": b.RideID},
	})
	notify.BestEffort(ctx, s.notifier, notify.Notification{
		UserID:   b.DriverID,
		Title:    "Booking cancelled",
		Body:     fmt.Sprintf("A passenger cancelled %d seat(s) on your ride.", b.Seats),
		Type:     notify.TypeBookingCancelled,
		Metadata: map[string]string{"bookingId": b.ID, "rideId": b.RideID},
	})
	return b, nil
}

// cancelLocked releases b and refunds it if it was paid. The caller holds
// the ride lock. It reports the amount refunded.
func (s *Service) cancelLocked(ctx context.Context, b *Booking, by Initiator) (int64, error) {
	wasPaid := b.PaymentStatus == PaymentPaid
	now := s.now().UTC()
	b.Status = StatusCancelled
	b.CancelledBy = by
	b.CancelledAt = &now
	b.UpdatedAt = now
	if wasPaid {
		b.PaymentStatus = PaymentRefunded
	}

	if _, err := s.store.Release(ctx, b); err != nil {
		return 0, err
	}
	metrics.CancellationsTotal.WithLabelValues(string(by)).Inc()

	if !wasPaid {
		return 0, nil
	}
	s.refund(ctx, b, "Refund for cancelled booking "+b.ID)
	s.publish(ctx, outbox.TopicEarningsReverse, b.ID, outbox.EarningsPayload{
		DriverID: b.DriverID, AmountPaise: b.Amount, Reference: b.ID,
	})
	return b.Amount, nil
}

func cancelBody(refunded int64) string {
	if refunded > 0 {
		return fmt.Sprintf("Your booking has been cancelled. %s was refunded to your wallet.", money.Format(refunded))
	}
	return "Your booking has been cancelled."
}

// CancelRide cancels driverID's ride and every active booking on it. The
// ride is kept with status CANCELLED.
func (s *Service) CancelRide(ctx context.Context, rideID, driverID string) (*CancelRideResult, error) {
	ctx, span := traces.StartSpan(ctx, "booking.CancelRide", traces.RideID(rideID), traces.UserID(driverID))
	defer span.End()

	unlock, err := syncutil.Acquire(ctx, s.locker, rides.LockKey(rideID), s.lockTimeout)
	if err != nil {
		traces.Fail(span, err)
		return nil, err
	}
	defer unlock()

	ride, err := s.rides.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if ride.DriverID != driverID {
		return nil, ErrForbidden
	}
	if ride.Status == rides.StatusCancelled {
		return nil, ErrInvalidState
	}

	bookings, err := s.store.ListByRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	result := &CancelRideResult{}
	var cancelled []*Booking
	for _, b := range bookings {
		if !b.Active() {
			continue
		}
		refunded, err := s.cancelLocked(ctx, b, ByDriver)
		if err != nil {
			traces.Fail(span, err)
			return nil, fmt.Errorf("cancel booking %s: %w", b.ID, err)
		}
		result.Cancelled++
		result.Refunded += refunded
		cancelled = append(cancelled, b)
	}

	if err := s.rides.SetStatus(ctx, rideID, rides.StatusCancelled); err != nil {
		return nil, err
	}
	if result.Ride, err = s.rides.Get(ctx, rideID); err != nil {
		return nil, err
	}

	for _, b := range cancelled {
		body := "Your ride was cancelled by the driver."
		if b.PaymentStatus == PaymentRefunded {
			body = fmt.Sprintf("Your ride was cancelled by the driver. %s was refunded to your wallet.", money.Format(b.Amount))
		}
		notify.BestEffort(ctx, s.notifier, notify.Notification{
			UserID:   b.PassengerID,
			Title:    "Ride cancelled",
			Body:     body,
			Type:     notify.TypeRideCancelledByDriver,
			Metadata: map[string]string{"bookingId": b.ID, "rideId": rideID},
		})
	}
	notify.BestEffort(ctx, s.notifier, notify.Notification{
		UserID:   driverID,
		Title:    "Ride cancelled",
		Body:     fmt.Sprintf("Your ride was cancelled and %d booking(s) were refunded.", result.Cancelled),
		Type:     notify.TypeRideCancelled,
		Metadata: map[string]string{"rideId": rideID},
	})
	logging.L(ctx).Info("ride cancelled", "ride_id", rideID, "bookings", result.Cancelled, "refunded", result.Refunded)
	return result, nil
}

// DeleteRide removes driverID's ride. It is refused while any booking on
// the ride is still active.
func (s *Service) DeleteRide(ctx context.Context, rideID, driverID string) error {
	unlock, err := syncutil.Acquire(ctx, s.locker, rides.LockKey(rideID), s.lockTimeout)
	if err != nil {
		return err
	}
	defer unlock()

	ride, err := s.rides.Get(ctx, rideID)
	if err != nil {
		return err
	}
	if ride.DriverID != driverID {
		return ErrForbidden
	}
	bookings, err := s.store.ListByRide(ctx, rideID)
	if err != nil {
		return err
	}
	for _, b := range bookings {
		if b.Active() {
			return ErrRideHasBookings
		}
	}
	if err := s.rides.Delete(ctx, rideID); err != nil {
		return err
	}
	notify.BestEffort(ctx, s.notifier, notify.Notification{
		UserID:   driverID,
		Title:    "Ride deleted",
		Body:     fmt.Sprintf("Your ride from %s to %s was deleted.", ride.StartLocation, ride.EndLocation),
		Type:     notify.TypeRideDeleted,
		Metadata: map[string]string{"rideId": rideID},
	})
	return nil
}

// Get returns a booking to its passenger or the ride's driver.
func (s *Service) Get(ctx context.Context, id, userID string) (*View, error) {
	b, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if b.PassengerID != userID && b.DriverID != userID {
		return nil, ErrForbidden
	}
	v := &View{Booking: b}
	if ride, err := s.rides.Get(ctx, b.RideID); err == nil {
		v.Ride = ride
	}
	return v, nil
}

// ListMine returns passengerID's bookings split by departure. Upcoming
// rides come soonest first, past rides most recent first.
func (s *Service) ListMine(ctx context.Context, passengerID string) (*Mine, error) {
	bookings, err := s.store.ListByPassenger(ctx, passengerID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	out := &Mine{Upcoming: []*View{}, Past: []*View{}}
	for _, b := range bookings {
		v := &View{Booking: b}
		ride, err := s.rides.Get(ctx, b.RideID)
		if err != nil && !errors.Is(err, rides.ErrNotFound) {
			return nil, err
		}
		v.Ride = ride
		if ride != nil && !ride.Departed(now) {
			out.Upcoming = append(out.Upcoming, v)
		} else {
			out.Past = append(out.Past, v)
		}
	}
	sort.SliceStable(out.Upcoming, func(i, j int) bool {
		return out.Upcoming[i].Ride.DepartAt.Before(out.Upcoming[j].Ride.DepartAt)
	})
	sort.SliceStable(out.Past, func(i, j int) bool {
		return departOf(out.Past[i]).After(departOf(out.Past[j]))
	})
	return out, nil
}

func departOf(v *View) time.Time {
	if v.Ride != nil {
		return v.Ride.DepartAt
	}
	return v.CreatedAt
}

// RideBookings returns the bookings on one of driverID's rides.
func (s *Service) RideBookings(ctx context.Context, rideID, driverID string) (*RideBookings, error) {
	ride, err := s.rides.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if ride.DriverID != driverID {
		return nil, ErrForbidden
	}
	bookings, err := s.store.ListByRide(ctx, rideID)
	if err != nil {
		return nil, err
	}
	out := &RideBookings{Ride: ride, Bookings: bookings, Active: []*Booking{}, Total: len(bookings)}
	if out.Bookings == nil {
		out.Bookings = []*Booking{}
	}
	for _, b := range bookings {
		if b.Active() {
			out.Active = append(out.Active, b)
			out.BookedSeats += b.Seats
		} else {
			out.Cancelled++
		}
	}
	return out, nil
}

// RefundHandler applies queued wallet.refund events. Refunds are keyed by
// booking so redelivery is harmless.
func (s *Service) RefundHandler() outbox.HandlerFunc {
	return func(ctx context.Context, e *outbox.Event) error {
		var p outbox.RefundPayload
		if err := e.Decode(&p); err != nil {
			return retry.Permanent(err)
		}
		_, err := s.wallet.Refund(ctx, p.UserID, p.AmountPaise, p.Reference, p.Description)
		if errors.Is(err, ledger.ErrInvalidAmount) {
			return retry.Permanent(err)
		}
		return err
	}
}

func bookResult(err error) string {
	switch {
	case errors.Is(err, syncutil.ErrLockTimeout):
		return "lock_timeout"
	case errors.Is(err, ErrInsufficientInventory):
		return "sold_out"
	case errors.Is(err, ledger.ErrInsufficientFunds):
		return "insufficient_funds"
	default:
		return "rejected"
	}
}
