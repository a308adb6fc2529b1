// Package notify defines user-facing notifications and the sinks that deliver them.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/mbd888/rideshare/internal/logging"
)

// Event types carried in Notification.Type.
const (
	TypeRideCreated           = "RIDE_CREATED"
	TypeRideUpdated           = "RIDE_UPDATED"
	TypeRideCancelled         = "RIDE_CANCELLED"
	TypeRideDeleted           = "RIDE_DELETED"
	TypeBookingConfirmed      = "BOOKING_CONFIRMED"
	TypeNewBooking            = "NEW_BOOKING"
	TypeBookingCancelled      = "BOOKING_CANCELLED"
	TypeRideCancelledByDriver = "RIDE_CANCELLED_BY_DRIVER"
	TypeTopUpCreated          = "TOPUP_CREATED"
	TypePaymentSuccess        = "PAYMENT_SUCCESS"
	TypePaymentFailed         = "PAYMENT_FAILED"
	TypeWalletCredit          = "WALLET_CREDIT"
	TypeWalletDebit           = "WALLET_DEBIT"
	TypeRefundProcessed       = "REFUND_PROCESSED"
	TypePayoutRequested       = "PAYOUT_REQUESTED"
	TypeOTPSent               = "OTP_SENT"
)

// Notification is a message for a single user.
type Notification struct {
	UserID    string            `json:"userId"`
	Title     string            `json:"title"`
	Body      string            `json:"body"`
	Type      string            `json:"type"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// Sink delivers notifications. Implementations must be safe for concurrent use.
type Sink interface {
	Notify(ctx context.Context, n Notification) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, n Notification) error

func (f SinkFunc) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }

// Fanout delivers to every sink and joins their errors.
type Fanout []Sink

func (f Fanout) Notify(ctx context.Context, n Notification) error {
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	var errs []error
	for _, s := range f {
		if s == nil {
			continue
		}
		if err := s.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes notifications to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Notify(_ context.Context, n Notification) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("notification",
		"user_id", n.UserID,
		"type", n.Type,
		"title", n.Title,
	)
	return nil
}

// BestEffort sends n through s and logs, rather than returns, any failure.
// Notifications never fail the operation that triggered them.
func BestEffort(ctx context.Context, s Sink, n Notification) {
	if s == nil {
		return
	}
	if err := s.Notify(ctx, n); err != nil {
		logging.L(ctx).Warn("notification dropped", "user_id", n.UserID, "type", n.Type, "error", err)
	}
}

// Nop discards notifications.
var Nop Sink = SinkFunc(func(context.Context, Notification) error { return nil })
