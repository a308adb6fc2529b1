package receipts

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mbd888/rideshare/internal/booking"
	"github.com/mbd888/rideshare/internal/idgen"
)

// Service implements receipt business logic.
type Service struct {
	store  Store
	signer *Signer
	loc    *time.Location
	now    func() time.Time
}

// NewService creates a new receipt service.
// If signer is nil, receipts are issued unsigned and Verify reports
// ErrSigningDisabled.
func NewService(store Store, signer *Signer) *Service {
	return &Service{
		store:  store,
		signer: signer,
		loc:    time.UTC,
		now:    time.Now,
	}
}

// WithLocation sets the timezone departure times are printed in.
func (s *Service) WithLocation(loc *time.Location) *Service {
	if loc != nil {
		s.loc = loc
	}
	return s
}

func reference(b *booking.Booking) string {
	return b.ID + ":" + string(b.Status) + ":" + string(b.PaymentStatus)
}

// Issue returns the receipt for the booking's current state, creating and
// signing it the first time that state is seen.
func (s *Service) Issue(ctx context.Context, v *booking.View) (*Receipt, error) {
	if v == nil || v.Booking == nil {
		return nil, errors.New("receipts: nil booking")
	}
	ref := reference(v.Booking)
	if existing, err := s.store.GetByReference(ctx, ref); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrReceiptNotFound) {
		return nil, err
	}

	r := &Receipt{
		ID:            idgen.WithPrefix("rcpt_"),
		Reference:     ref,
		BookingID:     v.ID,
		RideID:        v.RideID,
		PassengerID:   v.PassengerID,
		DriverID:      v.DriverID,
		Seats:         v.Seats,
		Amount:        v.Amount,
		PaymentMethod: string(v.PaymentMethod),
		PaymentStatus: string(v.PaymentStatus),
		BookingStatus: string(v.Status),
		IssuedAt:      s.now().UTC().Truncate(time.Second),
	}
	if v.Ride != nil {
		r.Route = v.Ride.StartLocation + " to " + v.Ride.EndLocation
		r.DepartAt = v.Ride.DepartAt.UTC()
	}

	payload := payloadOf(r)
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("receipts: failed to marshal payload: %w", err)
	}
	r.PayloadHash = fmt.Sprintf("%x", sha256.Sum256(data))
	if r.Signature, err = s.signer.Sign(payload); err != nil {
		return nil, fmt.Errorf("receipts: failed to sign: %w", err)
	}

	if err := s.store.Create(ctx, r); err != nil {
		return nil, err
	}
	// a concurrent issue for the same state may have won the insert
	return s.store.GetByReference(ctx, ref)
}

// Render issues the receipt for v and returns it as a PDF document.
// It has the shape of booking.ReceiptFunc.
func (s *Service) Render(ctx context.Context, v *booking.View) ([]byte, error) {
	r, err := s.Issue(ctx, v)
	if err != nil {
		return nil, err
	}
	return renderPDF(r, s.loc)
}

// Get returns a receipt by ID.
func (s *Service) Get(ctx context.Context, id string) (*Receipt, error) {
	return s.store.Get(ctx, id)
}

// ListByBooking returns every receipt issued for a booking, newest first.
func (s *Service) ListByBooking(ctx context.Context, bookingID string) ([]*Receipt, error) {
	return s.store.ListByBooking(ctx, bookingID)
}

// Verify checks whether a receipt's signature is valid.
func (s *Service) Verify(ctx context.Context, receiptID string) (*VerifyResponse, error) {
	if s.signer == nil {
		return &VerifyResponse{ReceiptID: receiptID, Error: ErrSigningDisabled.Error()}, nil
	}

	r, err := s.store.Get(ctx, receiptID)
	if errors.Is(err, ErrReceiptNotFound) {
		return &VerifyResponse{ReceiptID: receiptID, Error: ErrReceiptNotFound.Error()}, nil
	}
	if err != nil {
		return nil, err
	}

	resp := &VerifyResponse{
		Valid:     s.signer.Verify(payloadOf(r), r.Signature),
		ReceiptID: receiptID,
	}
	if !resp.Valid {
		resp.Error = "signature verification failed"
	}
	return resp, nil
}
