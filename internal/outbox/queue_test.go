package outbox

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/rideshare/internal/retry"
)

func newTestQueue(t *testing.T, opts Options) (*Queue, *MemoryStore, *time.Time) {
	t.Helper()
	store := NewMemoryStore()
	q := NewQueue(store, opts, slog.Default())
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q.now = func() time.Time { return now }
	return q, store, &now
}

func onlyEvent(t *testing.T, store *MemoryStore) *Event {
	t.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	require.Len(t, store.events, 1)
	for _, e := range store.events {
		cp := *e
		return &cp
	}
	return nil
}

func TestQueue_PublishAndDeliver(t *testing.T) {
	q, store, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	var got EarningsPayload
	q.Handle(TopicEarningsAccrue, func(_ context.Context, e *Event) error {
		return e.Decode(&got)
	})

	require.NoError(t, q.Publish(ctx, TopicEarningsAccrue, "bk_1", EarningsPayload{
		DriverID: "d1", AmountPaise: 60000, Reference: "bk_1",
	}))

	n, err := q.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "d1", got.DriverID)
	assert.Equal(t, int64(60000), got.AmountPaise)

	e := onlyEvent(t, store)
	assert.Equal(t, StatusDelivered, e.Status)
	assert.Equal(t, 1, e.Attempts)
	require.NotNil(t, e.DeliveredAt)

	// Delivered events are not redelivered.
	n, err = q.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestQueue_FailureSchedulesRetry(t *testing.T) {
	q, store, now := newTestQueue(t, Options{BaseBackoff: time.Second, MaxBackoff: time.Minute})
	ctx := context.Background()

	var calls atomic.Int32
	q.Handle(TopicNotification, func(context.Context, *Event) error {
		if calls.Add(1) == 1 {
			return errors.New("sink unavailable")
		}
		return nil
	})
	require.NoError(t, q.Publish(ctx, TopicNotification, "u1", map[string]string{"title": "hi"}))

	_, err := q.ProcessDue(ctx)
	require.NoError(t, err)

	e := onlyEvent(t, store)
	assert.Equal(t, StatusPending, e.Status)
	assert.Equal(t, 1, e.Attempts)
	assert.Equal(t, "sink unavailable", e.LastError)
	assert.True(t, e.NextAttemptAt.After(*now))

	// Not yet due.
	n, _ := q.ProcessDue(ctx)
	assert.Equal(t, 0, n)

	*now = now.Add(2 * time.Second)
	n, err = q.ProcessDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, StatusDelivered, onlyEvent(t, store).Status)
	assert.Equal(t, int32(2), calls.Load())
}

func TestQueue_DeadLetterAfterMaxAttempts(t *testing.T) {
	q, store, now := newTestQueue(t, Options{MaxAttempts: 2, BaseBackoff: time.Second, MaxBackoff: time.Second})
	ctx := context.Background()

	q.Handle(TopicWalletRefund, func(context.Context, *Event) error { return errors.New("ledger down") })
	require.NoError(t, q.Publish(ctx, TopicWalletRefund, "bk_1", RefundPayload{UserID: "u1", AmountPaise: 100}))

	_, _ = q.ProcessDue(ctx)
	*now = now.Add(time.Minute)
	_, _ = q.ProcessDue(ctx)

	e := onlyEvent(t, store)
	assert.Equal(t, StatusDead, e.Status)
	assert.Equal(t, 2, e.Attempts)
}

func TestQueue_PermanentErrorDeadLettersImmediately(t *testing.T) {
	q, store, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	q.Handle(TopicEarningsReverse, func(context.Context, *Event) error {
		return retry.Permanent(errors.New("malformed"))
	})
	require.NoError(t, q.Publish(ctx, TopicEarningsReverse, "bk_1", EarningsPayload{}))

	_, _ = q.ProcessDue(ctx)
	assert.Equal(t, StatusDead, onlyEvent(t, store).Status)
}

func TestQueue_UnknownTopicIsDead(t *testing.T) {
	q, store, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	require.NoError(t, q.Publish(ctx, "mystery", "k", struct{}{}))
	_, _ = q.ProcessDue(ctx)

	e := onlyEvent(t, store)
	assert.Equal(t, StatusDead, e.Status)
	assert.Contains(t, e.LastError, "no handler")
}

func TestQueue_HandlerPanicIsRetried(t *testing.T) {
	q, store, _ := newTestQueue(t, Options{})
	ctx := context.Background()

	q.Handle(TopicNotification, func(context.Context, *Event) error { panic("nil map") })
	require.NoError(t, q.Publish(ctx, TopicNotification, "u1", struct{}{}))

	_, err := q.ProcessDue(ctx)
	require.NoError(t, err)

	e := onlyEvent(t, store)
	assert.Equal(t, StatusPending, e.Status)
	assert.Contains(t, e.LastError, "handler panic")
}

func TestQueue_StartStop(t *testing.T) {
	store := NewMemoryStore()
	q := NewQueue(store, Options{Interval: 10 * time.Millisecond}, slog.Default())

	delivered := make(chan struct{}, 1)
	q.Handle(TopicNotification, func(context.Context, *Event) error {
		delivered <- struct{}{}
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go q.Start(ctx)

	require.NoError(t, q.Publish(ctx, TopicNotification, "u1", struct{}{}))

	select {
	case <-delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("event was not delivered by the worker")
	}

	assert.Eventually(t, q.Running, time.Second, 5*time.Millisecond)
	q.Stop()
	assert.Eventually(t, func() bool { return !q.Running() }, time.Second, 5*time.Millisecond)
}

func TestMemoryStore_ClaimHidesEventsDuringLease(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Insert(ctx, &Event{ID: "e1", Topic: "t", Status: StatusPending, NextAttemptAt: now, CreatedAt: now}))

	first, err := store.ClaimDue(ctx, now, time.Minute, 10)
	require.NoError(t, err)
	assert.Len(t, first, 1)

	second, err := store.ClaimDue(ctx, now.Add(time.Second), time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, second, "claimed event is leased to the first worker")

	third, err := store.ClaimDue(ctx, now.Add(2*time.Minute), time.Minute, 10)
	require.NoError(t, err)
	assert.Len(t, third, 1, "lease expiry makes the event claimable again")
}

func TestQueue_RequeueDeadLetter(t *testing.T) {
	q, store, now := newTestQueue(t, Options{MaxAttempts: 1})
	ctx := context.Background()

	var calls atomic.Int32
	q.Handle(TopicWalletRefund, func(context.Context, *Event) error {
		if calls.Add(1) == 1 {
			return errors.New("ledger down")
		}
		return nil
	})
	require.NoError(t, q.Publish(ctx, TopicWalletRefund, "bk_1", RefundPayload{UserID: "u1", AmountPaise: 100}))
	_, _ = q.ProcessDue(ctx)

	dead, err := q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)

	// only dead events can be requeued
	e := onlyEvent(t, store)
	require.NoError(t, q.Requeue(ctx, e.ID))
	assert.ErrorIs(t, q.Requeue(ctx, e.ID), ErrNotDead)
	assert.ErrorIs(t, q.Requeue(ctx, "evt_missing"), ErrNotFound)

	*now = now.Add(time.Second)
	_, _ = q.ProcessDue(ctx)
	e = onlyEvent(t, store)
	assert.Equal(t, StatusDelivered, e.Status)
	assert.Equal(t, int32(2), calls.Load())

	dead, err = q.DeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, dead)
}
