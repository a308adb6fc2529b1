// Package webhooks delivers user notifications to HTTPS endpoints the user
// registered. Each delivery is signed with the subscription's secret:
//
//	X-Rideshare-Signature: sha256=hex(HMAC-SHA256(secret, timestamp + "." + body))
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/rideshare/internal/idgen"
	"github.com/mbd888/rideshare/internal/logging"
	"github.com/mbd888/rideshare/internal/metrics"
	"github.com/mbd888/rideshare/internal/notify"
	"github.com/mbd888/rideshare/internal/outbox"
	"github.com/mbd888/rideshare/internal/retry"
)

var (
	ErrNotFound     = errors.New("webhook not found")
	ErrForbidden    = errors.New("webhook belongs to another user")
	ErrTooMany      = errors.New("webhook limit reached")
	ErrDeliveryFail = errors.New("webhook delivery failed")
)

const (
	SignatureHeader = "X-Rideshare-Signature"
	EventHeader     = "X-Rideshare-Event"
	TimestampHeader = "X-Rideshare-Timestamp"

	// MaxPerUser bounds subscriptions per user.
	MaxPerUser = 5
	// DisableAfter consecutive failures deactivates a subscription.
	DisableAfter = 10
)

// Subscription is one registered endpoint. Empty Types means every type.
type Subscription struct {
	ID                  string     `json:"id"`
	UserID              string     `json:"userId"`
	URL                 string     `json:"url"`
	Secret              string     `json:"-"`
	Types               []string   `json:"types"`
	Active              bool       `json:"active"`
	CreatedAt           time.Time  `json:"createdAt"`
	LastSuccess         *time.Time `json:"lastSuccess,omitempty"`
	LastError           string     `json:"lastError,omitempty"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
}

// Wants reports whether the subscription receives notifications of type t.
func (s *Subscription) Wants(t string) bool {
	return s.Active && (len(s.Types) == 0 || slices.Contains(s.Types, t))
}

// Store persists webhook subscriptions
type Store interface {
	Create(ctx context.Context, sub *Subscription) error
	Get(ctx context.Context, id string) (*Subscription, error)
	ListByUser(ctx context.Context, userID string) ([]*Subscription, error)
	Update(ctx context.Context, sub *Subscription) error
	Delete(ctx context.Context, id string) error
}

// Publisher queues delivery jobs.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload any) error
}

// Delivery is the outbox payload for one endpoint.
type Delivery struct {
	SubscriptionID string              `json:"subscriptionId"`
	EventID        string              `json:"eventId"`
	Notification   notify.Notification `json:"notification"`
}

// Dispatcher is a notify.Sink that fans a notification out to the user's
// endpoints. With a publisher set, each endpoint becomes its own outbox
// event so one slow receiver cannot hold up the others.
type Dispatcher struct {
	store     Store
	client    *http.Client
	publisher Publisher
	now       func() time.Time
}

// NewDispatcher creates a new webhook dispatcher
func NewDispatcher(store Store) *Dispatcher {
	return &Dispatcher{
		store:  store,
		client: &http.Client{Timeout: 10 * time.Second},
		now:    time.Now,
	}
}

// WithPublisher routes deliveries through the outbox.
func (d *Dispatcher) WithPublisher(p Publisher) *Dispatcher {
	d.publisher = p
	return d
}

// WithHTTPClient overrides the client used to POST deliveries.
func (d *Dispatcher) WithHTTPClient(c *http.Client) *Dispatcher {
	d.client = c
	return d
}

func (d *Dispatcher) Notify(ctx context.Context, n notify.Notification) error {
	subs, err := d.store.ListByUser(ctx, n.UserID)
	if err != nil {
		return fmt.Errorf("list webhooks: %w", err)
	}
	var errs []error
	for _, sub := range subs {
		if !sub.Wants(n.Type) {
			continue
		}
		job := Delivery{SubscriptionID: sub.ID, EventID: idgen.WithPrefix("evt_"), Notification: n}
		if d.publisher != nil {
			err = d.publisher.Publish(ctx, outbox.TopicWebhookDelivery, sub.ID, job)
		} else {
			err = d.deliver(ctx, sub, job)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// DeliveryHandler is the outbox handler for TopicWebhookDelivery.
func (d *Dispatcher) DeliveryHandler() outbox.HandlerFunc {
	return func(ctx context.Context, e *outbox.Event) error {
		var job Delivery
		if err := e.Decode(&job); err != nil {
			return retry.Permanent(err)
		}
		sub, err := d.store.Get(ctx, job.SubscriptionID)
		if errors.Is(err, ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if !sub.Active {
			return nil
		}
		return d.deliver(ctx, sub, job)
	}
}

func (d *Dispatcher) deliver(ctx context.Context, sub *Subscription, job Delivery) error {
	body, err := json.Marshal(map[string]any{
		"id":           job.EventID,
		"type":         job.Notification.Type,
		"createdAt":    job.Notification.CreatedAt,
		"notification": job.Notification,
	})
	if err != nil {
		return retry.Permanent(err)
	}
	ts := strconv.FormatInt(d.now().Unix(), 10)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(body))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(EventHeader, job.Notification.Type)
	req.Header.Set(TimestampHeader, ts)
	req.Header.Set(SignatureHeader, Sign(sub.Secret, ts, body))

	resp, err := d.client.Do(req)
	if err != nil {
		d.recordFailure(ctx, sub, err.Error())
		return fmt.Errorf("%w: %v", ErrDeliveryFail, err)
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	_ = resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := fmt.Sprintf("status %d", resp.StatusCode)
		d.recordFailure(ctx, sub, msg)
		return fmt.Errorf("%w: %s", ErrDeliveryFail, msg)
	}
	d.recordSuccess(ctx, sub)
	return nil
}

func (d *Dispatcher) recordSuccess(ctx context.Context, sub *Subscription) {
	metrics.WebhookDeliveriesTotal.WithLabelValues("success").Inc()
	now := d.now().UTC()
	sub.LastSuccess = &now
	sub.LastError = ""
	sub.ConsecutiveFailures = 0
	if err := d.store.Update(ctx, sub); err != nil {
		logging.L(ctx).Warn("webhook status update failed", "webhook_id", sub.ID, "error", err)
	}
}

func (d *Dispatcher) recordFailure(ctx context.Context, sub *Subscription, msg string) {
	metrics.WebhookDeliveriesTotal.WithLabelValues("failure").Inc()
	sub.LastError = msg
	sub.ConsecutiveFailures++
	if sub.ConsecutiveFailures >= DisableAfter {
		sub.Active = false
		logging.L(ctx).Warn("webhook disabled after repeated failures", "webhook_id", sub.ID, "user_id", sub.UserID)
	}
	if err := d.store.Update(ctx, sub); err != nil {
		logging.L(ctx).Warn("webhook status update failed", "webhook_id", sub.ID, "error", err)
	}
}

// Sign computes the signature header value for body sent at timestamp ts.
func Sign(secret, ts string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header. Receivers can use it as reference.
func Verify(secret, ts string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, ts, body)), []byte(signature))
}

var _ notify.Sink = (*Dispatcher)(nil)

// MemoryStore is an in-memory implementation for testing
type MemoryStore struct {
	subs map[string]*Subscription
	mu   sync.RWMutex
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{subs: make(map[string]*Subscription)}
}

func (m *MemoryStore) Create(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sub, ok := m.subs[id]; ok {
		cp := *sub
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) ListByUser(_ context.Context, userID string) ([]*Subscription, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []*Subscription
	for _, sub := range m.subs {
		if sub.UserID == userID {
			cp := *sub
			result = append(result, &cp)
		}
	}
	slices.SortFunc(result, func(a, b *Subscription) int { return b.CreatedAt.Compare(a.CreatedAt) })
	return result, nil
}

func (m *MemoryStore) Update(_ context.Context, sub *Subscription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[sub.ID]; !ok {
		return ErrNotFound
	}
	cp := *sub
	m.subs[sub.ID] = &cp
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subs[id]; !ok {
		return ErrNotFound
	}
	delete(m.subs, id)
	return nil
}

var _ Store = (*MemoryStore)(nil)
