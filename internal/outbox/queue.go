package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/rideshare/internal/idgen"
	"github.com/mbd888/rideshare/internal/retry"
)

// HandlerFunc processes one event. Returning an error schedules a retry;
// wrapping it with retry.Permanent dead-letters the event at once.
type HandlerFunc func(ctx context.Context, e *Event) error

// Options tune delivery.
type Options struct {
	Interval    time.Duration // poll interval when idle
	BatchSize   int
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	Lease       time.Duration // how long a claimed event is hidden from other workers
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = 2 * time.Second
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 10
	}
	if o.BaseBackoff <= 0 {
		o.BaseBackoff = time.Second
	}
	if o.MaxBackoff <= 0 {
		o.MaxBackoff = 10 * time.Minute
	}
	if o.Lease <= 0 {
		o.Lease = time.Minute
	}
	return o
}

// Queue publishes events and runs the delivery worker.
type Queue struct {
	store  Store
	opts   Options
	logger *slog.Logger
	now    func() time.Time

	mu       sync.RWMutex
	handlers map[string]HandlerFunc

	wake     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once
	running  atomic.Bool
}

// NewQueue creates a queue over store.
func NewQueue(store Store, opts Options, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{
		store:    store,
		opts:     opts.withDefaults(),
		logger:   logger,
		now:      time.Now,
		handlers: make(map[string]HandlerFunc),
		wake:     make(chan struct{}, 1),
		stop:     make(chan struct{}),
	}
}

// Handle registers the handler for topic, replacing any previous one.
func (q *Queue) Handle(topic string, fn HandlerFunc) {
	q.mu.Lock()
	q.handlers[topic] = fn
	q.mu.Unlock()
}

// Publish stores an event for delivery and nudges the worker.
func (q *Queue) Publish(ctx context.Context, topic, key string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: encode %s payload: %w", topic, err)
	}
	now := q.now().UTC()
	e := &Event{
		ID:            idgen.WithPrefix("evt_"),
		Topic:         topic,
		Key:           key,
		Payload:       raw,
		Status:        StatusPending,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
	if err := q.store.Insert(ctx, e); err != nil {
		return fmt.Errorf("outbox: insert %s: %w", topic, err)
	}
	publishedTotal.WithLabelValues(topic).Inc()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// DeadLetters returns up to limit events that exhausted their retries.
func (q *Queue) DeadLetters(ctx context.Context, limit int) ([]*Event, error) {
	return q.store.ListByStatus(ctx, StatusDead, limit)
}

// Requeue schedules a dead event for immediate redelivery.
func (q *Queue) Requeue(ctx context.Context, id string) error {
	if err := q.store.Requeue(ctx, id, q.now().UTC()); err != nil {
		return err
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// Running reports whether the worker loop is active.
func (q *Queue) Running() bool {
	return q.running.Load()
}

// Start runs the delivery loop until ctx is done or Stop is called.
// Call in a goroutine.
func (q *Queue) Start(ctx context.Context) {
	q.running.Store(true)
	defer q.running.Store(false)

	ticker := time.NewTicker(q.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-q.stop:
			return
		case <-ticker.C:
		case <-q.wake:
		}
		q.safeDrain(ctx)
	}
}

// Stop signals the worker to exit. It is safe to call more than once.
func (q *Queue) Stop() {
	q.stopOnce.Do(func() { close(q.stop) })
}

func (q *Queue) safeDrain(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("panic in outbox worker", "panic", fmt.Sprint(r))
		}
	}()
	for {
		n, err := q.ProcessDue(ctx)
		if err != nil {
			q.logger.Warn("outbox claim failed", "error", err)
			return
		}
		if n < q.opts.BatchSize || ctx.Err() != nil {
			return
		}
	}
}

// ProcessDue claims and delivers one batch of due events, returning how
// many were claimed.
func (q *Queue) ProcessDue(ctx context.Context) (int, error) {
	events, err := q.store.ClaimDue(ctx, q.now().UTC(), q.opts.Lease, q.opts.BatchSize)
	if err != nil {
		return 0, err
	}
	for _, e := range events {
		q.deliver(ctx, e)
	}
	q.refreshDepth(ctx)
	return len(events), nil
}

func (q *Queue) deliver(ctx context.Context, e *Event) {
	q.mu.RLock()
	fn, ok := q.handlers[e.Topic]
	q.mu.RUnlock()

	var err error
	if !ok {
		err = retry.Permanent(ErrNoHandler)
	} else {
		err = q.invoke(ctx, fn, e)
	}

	now := q.now().UTC()
	if err == nil {
		if mErr := q.store.MarkDelivered(ctx, e.ID, now); mErr != nil {
			q.logger.Warn("outbox mark delivered failed", "event_id", e.ID, "error", mErr)
		}
		deliveredTotal.WithLabelValues(e.Topic).Inc()
		return
	}

	attempts := e.Attempts + 1
	dead := retry.IsPermanent(err) || attempts >= q.opts.MaxAttempts
	next := now.Add(retry.Backoff(attempts-1, q.opts.BaseBackoff, q.opts.MaxBackoff))
	if mErr := q.store.MarkFailed(ctx, e.ID, attempts, next, err.Error(), dead); mErr != nil {
		q.logger.Warn("outbox mark failed failed", "event_id", e.ID, "error", mErr)
	}

	if dead {
		deadTotal.WithLabelValues(e.Topic).Inc()
		q.logger.Error("outbox event dead-lettered",
			"event_id", e.ID, "topic", e.Topic, "key", e.Key, "attempts", attempts, "error", err)
		return
	}
	failedTotal.WithLabelValues(e.Topic).Inc()
	q.logger.Warn("outbox delivery failed, will retry",
		"event_id", e.ID, "topic", e.Topic, "attempts", attempts, "next_attempt_at", next, "error", err)
}

// invoke converts handler panics into errors so one bad event cannot wedge the batch.
func (q *Queue) invoke(ctx context.Context, fn HandlerFunc, e *Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(ctx, e)
}

func (q *Queue) refreshDepth(ctx context.Context) {
	n, err := q.store.CountByStatus(ctx, StatusPending)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			q.logger.Debug("outbox depth query failed", "error", err)
		}
		return
	}
	pendingDepth.Set(float64(n))
}
