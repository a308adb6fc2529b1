// Package outbox implements a durable queue of side-effect events that are
// delivered at least once, after the state change that produced them has
// committed. Handler failures are retried with backoff and never reach the
// caller that published the event.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	ErrNotFound  = errors.New("outbox: event not found")
	ErrNoHandler = errors.New("outbox: no handler for topic")
	ErrNotDead   = errors.New("outbox: event is not dead-lettered")
)

// Status is the delivery state of an event.
type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusDead      Status = "dead"
)

// Topics published by the booking platform.
const (
	TopicNotification    = "notification"
	TopicEarningsAccrue  = "earnings.accrue"
	TopicEarningsReverse = "earnings.reverse"
	TopicWalletRefund    = "wallet.refund"
	TopicWebhookDelivery = "webhook.deliver"
)

// Event is one queued side effect.
type Event struct {
	ID            string          `json:"id"`
	Topic         string          `json:"topic"`
	Key           string          `json:"key"`
	Payload       json.RawMessage `json:"payload"`
	Status        Status          `json:"status"`
	Attempts      int             `json:"attempts"`
	NextAttemptAt time.Time       `json:"nextAttemptAt"`
	LastError     string          `json:"lastError,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	DeliveredAt   *time.Time      `json:"deliveredAt,omitempty"`
}

// Decode unmarshals the payload into v.
func (e *Event) Decode(v any) error {
	return json.Unmarshal(e.Payload, v)
}

// Store persists events.
type Store interface {
	Insert(ctx context.Context, e *Event) error
	Get(ctx context.Context, id string) (*Event, error)
	// ClaimDue returns up to limit pending events due at now and pushes their
	// next attempt to now+lease so concurrent workers skip them.
	ClaimDue(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]*Event, error)
	MarkDelivered(ctx context.Context, id string, at time.Time) error
	// MarkFailed records a failed attempt. dead moves the event out of the queue.
	MarkFailed(ctx context.Context, id string, attempts int, next time.Time, lastErr string, dead bool) error
	CountByStatus(ctx context.Context, status Status) (int, error)
	// ListByStatus returns up to limit events in status, oldest first.
	ListByStatus(ctx context.Context, status Status, limit int) ([]*Event, error)
	// Requeue moves a dead event back to pending, due at at, with its
	// attempt count reset.
	Requeue(ctx context.Context, id string, at time.Time) error
}

// Payloads for the built-in topics.

// EarningsPayload moves driver earnings for a booking.
type EarningsPayload struct {
	DriverID    string `json:"driverId"`
	AmountPaise int64  `json:"amountPaise"`
	Reference   string `json:"reference"`
}

// RefundPayload returns money to a passenger's wallet.
type RefundPayload struct {
	UserID      string `json:"userId"`
	AmountPaise int64  `json:"amountPaise"`
	Reference   string `json:"reference"`
	Description string `json:"description"`
}
