package outbox

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func eventRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "topic", "key", "payload", "status", "attempts",
		"next_attempt_at", "last_error", "created_at", "delivered_at",
	})
}

func TestPostgresStore_Insert(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec("INSERT INTO outbox_events").
		WithArgs("evt_1", TopicNotification, "u1", []byte(`{"a":1}`), "pending", 0, now, now).
		WillReturnResult(sqlmock.NewResult(1, 1))

	s := NewPostgresStore(db)
	err = s.Insert(context.Background(), &Event{
		ID: "evt_1", Topic: TopicNotification, Key: "u1", Payload: []byte(`{"a":1}`),
		Status: StatusPending, NextAttemptAt: now, CreatedAt: now,
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_ClaimDueUsesSkipLocked(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("FOR UPDATE SKIP LOCKED")).
		WithArgs(now, now.Add(time.Minute), 10).
		WillReturnRows(eventRows().
			AddRow("evt_1", TopicWalletRefund, "bk_1", []byte(`{}`), "pending", 2, now.Add(time.Minute), "ledger down", now, nil))

	s := NewPostgresStore(db)
	events, err := s.ClaimDue(context.Background(), now, time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "evt_1", events[0].ID)
	assert.Equal(t, 2, events[0].Attempts)
	assert.Equal(t, "ledger down", events[0].LastError)
	assert.Nil(t, events[0].DeliveredAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MarkFailedDead(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	next := time.Date(2026, 3, 1, 12, 5, 0, 0, time.UTC)
	mock.ExpectExec("UPDATE outbox_events").
		WithArgs("evt_1", "dead", 10, next, "boom").
		WillReturnResult(sqlmock.NewResult(0, 1))

	s := NewPostgresStore(db)
	require.NoError(t, s.MarkFailed(context.Background(), "evt_1", 10, next, "boom", true))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_MarkDeliveredMissing(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("UPDATE outbox_events").WillReturnResult(sqlmock.NewResult(0, 0))

	s := NewPostgresStore(db)
	err = s.MarkDelivered(context.Background(), "missing", time.Now())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_GetNotFound(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectQuery("SELECT .* FROM outbox_events WHERE id").WithArgs("nope").WillReturnRows(eventRows())

	_, err = NewPostgresStore(db).Get(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_ListByStatus(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery("FROM outbox_events\\s+WHERE status = \\$1\\s+ORDER BY created_at").
		WithArgs("dead", 5).
		WillReturnRows(eventRows().
			AddRow("evt_1", TopicWalletRefund, "bk_1", []byte(`{}`), "dead", 10, at, "ledger down", at, nil))

	events, err := NewPostgresStore(db).ListByStatus(context.Background(), StatusDead, 5)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "ledger down", events[0].LastError)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_RequeueOnlyDead(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta("WHERE id = $1 AND status = 'dead'")).
		WithArgs("evt_1", at).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("SELECT .* FROM outbox_events WHERE id").
		WithArgs("evt_1").
		WillReturnRows(eventRows().
			AddRow("evt_1", TopicNotification, "u1", []byte(`{}`), "delivered", 1, at, nil, at, at))

	err = NewPostgresStore(db).Requeue(context.Background(), "evt_1", at)
	assert.ErrorIs(t, err, ErrNotDead)
	assert.NoError(t, mock.ExpectationsWereMet())
}
