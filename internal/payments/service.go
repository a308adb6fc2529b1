package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/rideshare/internal/idgen"
	"github.com/mbd888/rideshare/internal/ledger"
	"github.com/mbd888/rideshare/internal/logging"
	"github.com/mbd888/rideshare/internal/metrics"
	"github.com/mbd888/rideshare/internal/money"
	"github.com/mbd888/rideshare/internal/notify"
	"github.com/mbd888/rideshare/internal/rides"
	"github.com/mbd888/rideshare/internal/traces"
)

var (
	ErrVerificationFailed = errors.New("payments: payment verification failed")
	ErrNotVerified        = errors.New("payments: payment has not been verified")
	ErrMismatch           = errors.New("payments: payment does not match this booking")
	ErrForbidden          = errors.New("payments: payment belongs to another user")
	ErrInvalidState       = errors.New("payments: payment can no longer be verified")
	ErrRideUnavailable    = errors.New("payments: ride is not open for booking")
	ErrInsufficientSeats  = errors.New("payments: not enough seats available")
)

// RideReader is the part of the ride service orders need.
type RideReader interface {
	Get(ctx context.Context, id string) (*rides.Ride, error)
}

// OrderResponse is returned when a ride order is opened.
type OrderResponse struct {
	Payment *ledger.PaymentRecord `json:"payment"`
	Order   *Order                `json:"order"`
}

// Service opens ride orders and verifies gateway confirmations.
type Service struct {
	records  ledger.Store
	rides    RideReader
	gateway  Gateway
	signer   *Signer
	notifier notify.Sink
	now      func() time.Time
}

// NewService creates a payments service. Payment records share the
// ledger's store so top-ups and ride payments live in one table.
func NewService(records ledger.Store, rideReader RideReader, gateway Gateway, signer *Signer) *Service {
	return &Service{
		records:  records,
		rides:    rideReader,
		gateway:  gateway,
		signer:   signer,
		notifier: notify.Nop,
		now:      time.Now,
	}
}

// WithNotifier sets the sink used for payment notifications.
func (s *Service) WithNotifier(n notify.Sink) *Service {
	s.notifier = n
	return s
}

// Signer returns the signer used for verification.
func (s *Service) Signer() *Signer { return s.signer }

// CreateOrder opens a gateway order for seats on a ride. The amount is
// always price x seats as stored on the ride.
func (s *Service) CreateOrder(ctx context.Context, userID, rideID string, seats int) (*OrderResponse, error) {
	if seats < 1 {
		return nil, ErrInsufficientSeats
	}
	ride, err := s.rides.Get(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if ride.Status != rides.StatusActive || ride.Departed(s.now()) || ride.DriverID == userID {
		return nil, ErrRideUnavailable
	}
	if ride.AvailableSeats < seats {
		return nil, ErrInsufficientSeats
	}

	amount := ride.PricePaise * int64(seats)
	receipt := fmt.Sprintf("ride_%s_%s", rideID, userID)
	key := receipt + "_" + idgen.Hex(6)

	order, err := s.gateway.CreateOrder(ctx, OrderRequest{
		Amount:         amount,
		Currency:       money.Currency,
		Receipt:        receipt,
		IdempotencyKey: key,
		Metadata:       map[string]string{"rideId": rideID, "userId": userID},
	})
	if err != nil {
		return nil, fmt.Errorf("open gateway order: %w", err)
	}

	rec := &ledger.PaymentRecord{
		ID:              idgen.WithPrefix("pay_"),
		UserID:          userID,
		Purpose:         ledger.PurposeRide,
		Amount:          amount,
		Currency:        money.Currency,
		Provider:        s.gateway.Name(),
		ProviderOrderID: order.ID,
		IdempotencyKey:  key,
		Status:          ledger.PaymentCreated,
		RideID:          rideID,
		Seats:           seats,
		CreatedAt:       s.now().UTC(),
	}
	if err := s.records.CreatePayment(ctx, rec); err != nil {
		return nil, fmt.Errorf("record order: %w", err)
	}

	logging.L(ctx).Info("ride order created", "payment_id", rec.ID, "order_id", order.ID, "amount", amount)
	return &OrderResponse{Payment: rec, Order: order}, nil
}

// Verify checks the gateway signature for orderID/paymentID and marks the
// record SUCCESS. The signature is checked before anything is read or
// written. Verifying an already verified payment again is a no-op.
func (s *Service) Verify(ctx context.Context, userID, orderID, paymentID, signature string) (*ledger.PaymentRecord, error) {
	ctx, span := traces.StartSpan(ctx, "payments.Verify", traces.UserID(userID), traces.PaymentID(paymentID))
	defer span.End()

	if !s.signer.Verify(orderID, paymentID, signature) {
		metrics.PaymentVerificationsTotal.WithLabelValues("bad_signature").Inc()
		logging.L(ctx).Warn("payment signature mismatch", "order_id", orderID, "user_id", userID)
		traces.Fail(span, ErrVerificationFailed)
		return nil, ErrVerificationFailed
	}

	rec, err := s.records.GetPaymentByOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if rec.UserID != userID {
		return nil, ErrForbidden
	}
	if rec.Settled() {
		return s.alreadySettled(rec, paymentID)
	}

	rec, changed, err := s.records.Settle(ctx, rec.ID, ledger.PaymentSuccess, paymentID, s.now().UTC())
	if err != nil {
		traces.Fail(span, err)
		return nil, err
	}
	if !changed {
		return s.alreadySettled(rec, paymentID)
	}

	metrics.PaymentVerificationsTotal.WithLabelValues("verified").Inc()
	notify.BestEffort(ctx, s.notifier, notify.Notification{
		UserID:   userID,
		Title:    "Payment successful",
		Body:     fmt.Sprintf("We received your payment of %s.", money.Format(rec.Amount)),
		Type:     notify.TypePaymentSuccess,
		Metadata: map[string]string{"paymentId": rec.ID, "rideId": rec.RideID},
	})
	return rec, nil
}

func (s *Service) alreadySettled(rec *ledger.PaymentRecord, paymentID string) (*ledger.PaymentRecord, error) {
	if rec.Status == ledger.PaymentSuccess && rec.ProviderPaymentID == paymentID {
		metrics.PaymentVerificationsTotal.WithLabelValues("replay").Inc()
		return rec, nil
	}
	metrics.PaymentVerificationsTotal.WithLabelValues("rejected").Inc()
	return nil, ErrInvalidState
}

// Get returns one of userID's payments.
func (s *Service) Get(ctx context.Context, userID, id string) (*ledger.PaymentRecord, error) {
	rec, err := s.records.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.UserID != userID {
		return nil, ErrForbidden
	}
	return rec, nil
}

// Claim links a verified ride payment to bookingID. The payment must be
// userID's, for rideID, and for exactly amount.
func (s *Service) Claim(ctx context.Context, paymentID, userID, rideID string, amount int64, bookingID string) (*ledger.PaymentRecord, error) {
	rec, err := s.records.GetPayment(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if rec.UserID != userID {
		return nil, ErrForbidden
	}
	if rec.Status != ledger.PaymentSuccess {
		return nil, ErrNotVerified
	}
	if rec.Purpose != ledger.PurposeRide || rec.RideID != rideID || rec.Amount != amount {
		return nil, ErrMismatch
	}
	if err := s.records.Claim(ctx, paymentID, bookingID); err != nil {
		return nil, err
	}
	rec.BookingID = bookingID
	return rec, nil
}

// Release unlinks a payment from bookingID so it can back a retry.
func (s *Service) Release(ctx context.Context, paymentID, bookingID string) error {
	return s.records.Release(ctx, paymentID, bookingID)
}

// Simulate completes a SIM order the way the client SDK would, returning a
// provider payment ID and its server signature. Development only.
func (s *Service) Simulate(ctx context.Context, userID, orderID string) (paymentID, signature string, err error) {
	rec, err := s.records.GetPaymentByOrder(ctx, orderID)
	if err != nil {
		return "", "", err
	}
	if rec.UserID != userID {
		return "", "", ErrForbidden
	}
	if rec.Provider != "SIM" {
		return "", "", ErrInvalidState
	}
	paymentID = "pay_sim_" + idgen.Hex(10)
	return paymentID, s.signer.Sign(orderID, paymentID), nil
}

// TopUpCheckout adapts a gateway to the ledger's top-up hook.
func TopUpCheckout(gw Gateway) ledger.CheckoutFunc {
	return func(ctx context.Context, rec *ledger.PaymentRecord) (string, error) {
		order, err := gw.CreateOrder(ctx, OrderRequest{
			Amount:         rec.Amount,
			Currency:       rec.Currency,
			Receipt:        "topup_" + rec.ID,
			IdempotencyKey: rec.IdempotencyKey,
			Metadata:       map[string]string{"userId": rec.UserID, "paymentId": rec.ID},
		})
		if err != nil {
			return "", err
		}
		return order.ID, nil
	}
}
