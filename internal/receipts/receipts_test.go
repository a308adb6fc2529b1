package receipts

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/rideshare/internal/booking"
	"github.com/mbd888/rideshare/internal/rides"
)

func testView() *booking.View {
	depart := time.Date(2026, 11, 2, 9, 30, 0, 0, time.UTC)
	return &booking.View{
		Booking: &booking.Booking{
			ID: "bk_1", RideID: "ride_1", DriverID: "dave", PassengerID: "alice",
			Seats: 2, Amount: 40000, Status: booking.StatusBooked,
			PaymentMethod: booking.MethodOnline, PaymentStatus: booking.PaymentPaid,
		},
		Ride: &rides.Ride{ID: "ride_1", StartLocation: "Pune", EndLocation: "Mumbai", DepartAt: depart},
	}
}

func TestIssue_SameStateReturnsSameReceipt(t *testing.T) {
	svc := NewService(NewMemoryStore(), NewSigner("test-secret"))
	ctx := context.Background()

	first, err := svc.Issue(ctx, testView())
	require.NoError(t, err)
	assert.Equal(t, "bk_1:BOOKED:PAID", first.Reference)
	assert.Equal(t, "Pune to Mumbai", first.Route)
	assert.NotEmpty(t, first.Signature)
	assert.Len(t, first.PayloadHash, 64)

	again, err := svc.Issue(ctx, testView())
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)

	v := testView()
	v.Status = booking.StatusCancelled
	v.PaymentStatus = booking.PaymentRefunded
	refunded, err := svc.Issue(ctx, v)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, refunded.ID)

	list, err := svc.ListByBooking(ctx, "bk_1")
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestVerify(t *testing.T) {
	store := NewMemoryStore()
	svc := NewService(store, NewSigner("test-secret"))
	ctx := context.Background()

	r, err := svc.Issue(ctx, testView())
	require.NoError(t, err)

	resp, err := svc.Verify(ctx, r.ID)
	require.NoError(t, err)
	assert.True(t, resp.Valid)

	// tamper with the stored amount
	store.receipts[r.ID].Amount = 1
	resp, err = svc.Verify(ctx, r.ID)
	require.NoError(t, err)
	assert.False(t, resp.Valid)
	assert.Equal(t, "signature verification failed", resp.Error)

	resp, err = svc.Verify(ctx, "rcpt_missing")
	require.NoError(t, err)
	assert.Equal(t, ErrReceiptNotFound.Error(), resp.Error)

	other := NewService(store, NewSigner("other-secret"))
	store.receipts[r.ID].Amount = 40000
	resp, _ = other.Verify(ctx, r.ID)
	assert.False(t, resp.Valid)
}

func TestVerify_SigningDisabled(t *testing.T) {
	svc := NewService(NewMemoryStore(), NewSigner(""))
	r, err := svc.Issue(context.Background(), testView())
	require.NoError(t, err)
	assert.Empty(t, r.Signature)

	resp, err := svc.Verify(context.Background(), r.ID)
	require.NoError(t, err)
	assert.False(t, resp.Valid)
	assert.Equal(t, ErrSigningDisabled.Error(), resp.Error)
}

func TestRender_ProducesPDF(t *testing.T) {
	ist, err := time.LoadLocation("Asia/Kolkata")
	if err != nil {
		ist = time.UTC
	}
	svc := NewService(NewMemoryStore(), NewSigner("s")).WithLocation(ist)
	out, err := svc.Render(context.Background(), testView())
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF-")))
}

func TestRender_WithoutRide(t *testing.T) {
	v := testView()
	v.Ride = nil
	out, err := NewService(NewMemoryStore(), nil).Render(context.Background(), v)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF-")))
}

func TestRupees(t *testing.T) {
	assert.Equal(t, "Rs. 400.00", rupees(40000))
	assert.Equal(t, "Rs. 0.05", rupees(5))
}

func TestHandlers(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := NewService(NewMemoryStore(), NewSigner("test-secret"))
	r, err := svc.Issue(context.Background(), testView())
	require.NoError(t, err)

	router := gin.New()
	NewHandler(svc).RegisterRoutes(router.Group("/v1"))

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/v1/receipts/"+r.ID, nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), r.Signature)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest("GET", "/v1/receipts/rcpt_nope", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)

	body, _ := json.Marshal(VerifyRequest{ReceiptID: r.ID})
	req := httptest.NewRequest("POST", "/v1/receipts/verify", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"valid":true`)

	req = httptest.NewRequest("POST", "/v1/receipts/verify", bytes.NewBufferString(`{}`))
	req.Header.Set("Content-Type", "application/json")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPostgresStore_GetByReference(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	issued := time.Date(2026, 10, 1, 8, 0, 0, 0, time.UTC)
	cols := []string{"id", "reference", "booking_id", "ride_id", "passenger_id", "driver_id",
		"route", "depart_at", "seats", "amount", "payment_method", "payment_status",
		"booking_status", "payload_hash", "signature", "issued_at"}
	mock.ExpectQuery("FROM receipts WHERE reference").
		WithArgs("bk_1:BOOKED:PAID").
		WillReturnRows(sqlmock.NewRows(cols).AddRow(
			"rcpt_1", "bk_1:BOOKED:PAID", "bk_1", "ride_1", "alice", "dave",
			"Pune to Mumbai", nil, 2, int64(40000), "ONLINE", "PAID",
			"BOOKED", "abc", nil, issued))
	mock.ExpectQuery("FROM receipts WHERE reference").
		WithArgs("bk_2:BOOKED:PAID").
		WillReturnRows(sqlmock.NewRows(cols))

	store := NewPostgresStore(db)
	r, err := store.GetByReference(context.Background(), "bk_1:BOOKED:PAID")
	require.NoError(t, err)
	assert.True(t, r.DepartAt.IsZero())
	assert.Empty(t, r.Signature)
	assert.Equal(t, int64(40000), r.Amount)

	_, err = store.GetByReference(context.Background(), "bk_2:BOOKED:PAID")
	assert.ErrorIs(t, err, ErrReceiptNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresStore_CreateIgnoresDuplicateReference(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec("ON CONFLICT \\(reference\\) DO NOTHING").
		WillReturnResult(sqlmock.NewResult(0, 0))
	err = NewPostgresStore(db).Create(context.Background(), &Receipt{ID: "rcpt_1", Reference: "bk_1:BOOKED:PAID"})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
