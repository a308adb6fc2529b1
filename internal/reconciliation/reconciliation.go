// Package reconciliation audits the two invariants the booking path relies
// on: every wallet balance equals the signed sum of its entries, and every
// ride's capacity equals its free seats plus the seats of its BOOKED
// bookings.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mbd888/rideshare/internal/booking"
	"github.com/mbd888/rideshare/internal/ledger"
	"github.com/mbd888/rideshare/internal/rides"
)

// WalletSource is the ledger view needed to audit balances.
type WalletSource interface {
	ListWallets(ctx context.Context) ([]*ledger.Wallet, error)
	SumEntries(ctx context.Context, userID string) (int64, error)
}

// RideSource lists rides.
type RideSource interface {
	List(ctx context.Context, f rides.Filter) ([]*rides.Ride, error)
}

// BookingSource lists the bookings of a ride.
type BookingSource interface {
	ListByRide(ctx context.Context, rideID string) ([]*booking.Booking, error)
}

// WalletMismatch is a wallet whose balance disagrees with its entries.
type WalletMismatch struct {
	UserID     string `json:"userId"`
	Balance    int64  `json:"balance"`
	EntriesSum int64  `json:"entriesSum"`
	Diff       int64  `json:"diff"`
}

// SeatMismatch is a ride whose seat counts do not add up.
type SeatMismatch struct {
	RideID         string `json:"rideId"`
	Capacity       int    `json:"capacity"`
	AvailableSeats int    `json:"availableSeats"`
	BookedSeats    int    `json:"bookedSeats"`
}

// Report is the outcome of one run.
type Report struct {
	StartedAt        time.Time         `json:"startedAt"`
	DurationMs       int64             `json:"durationMs"`
	WalletsChecked   int               `json:"walletsChecked"`
	RidesChecked     int               `json:"ridesChecked"`
	WalletMismatches []*WalletMismatch `json:"walletMismatches"`
	SeatMismatches   []*SeatMismatch   `json:"seatMismatches"`
	Healthy          bool              `json:"healthy"`
}

// Runner performs reconciliation runs and remembers the last report.
type Runner struct {
	wallets  WalletSource
	rides    RideSource
	bookings BookingSource
	logger   *slog.Logger
	now      func() time.Time

	mu   sync.RWMutex
	last *Report
}

// NewRunner creates a runner. A nil logger uses slog.Default.
func NewRunner(wallets WalletSource, rideSrc RideSource, bookings BookingSource, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		wallets:  wallets,
		rides:    rideSrc,
		bookings: bookings,
		logger:   logger,
		now:      time.Now,
	}
}

// RunAll runs both checks and records the result in the gauges.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := r.now()
	report := &Report{
		StartedAt:        start.UTC(),
		WalletMismatches: []*WalletMismatch{},
		SeatMismatches:   []*SeatMismatch{},
	}

	if err := r.checkWallets(ctx, report); err != nil {
		reconcileErrors.Inc()
		return nil, err
	}
	if err := r.checkSeats(ctx, report); err != nil {
		reconcileErrors.Inc()
		return nil, err
	}

	elapsed := r.now().Sub(start)
	report.DurationMs = elapsed.Milliseconds()
	report.Healthy = len(report.WalletMismatches) == 0 && len(report.SeatMismatches) == 0

	reconcileWalletMismatches.Set(float64(len(report.WalletMismatches)))
	reconcileSeatMismatches.Set(float64(len(report.SeatMismatches)))
	reconcileDuration.Observe(elapsed.Seconds())

	if !report.Healthy {
		r.logger.Error("reconciliation found mismatches",
			"wallet_mismatches", len(report.WalletMismatches),
			"seat_mismatches", len(report.SeatMismatches))
	} else {
		r.logger.Debug("reconciliation clean", "wallets", report.WalletsChecked, "rides", report.RidesChecked)
	}

	r.mu.Lock()
	r.last = report
	r.mu.Unlock()
	return report, nil
}

// Last returns the most recent report, or nil before the first run.
func (r *Runner) Last() *Report {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.last
}

func (r *Runner) checkWallets(ctx context.Context, report *Report) error {
	wallets, err := r.wallets.ListWallets(ctx)
	if err != nil {
		return fmt.Errorf("failed to list wallets: %w", err)
	}
	for _, w := range wallets {
		sum, err := r.wallets.SumEntries(ctx, w.UserID)
		if err != nil {
			return fmt.Errorf("failed to sum entries for %s: %w", w.UserID, err)
		}
		report.WalletsChecked++
		if sum != w.Balance {
			report.WalletMismatches = append(report.WalletMismatches, &WalletMismatch{
				UserID:     w.UserID,
				Balance:    w.Balance,
				EntriesSum: sum,
				Diff:       w.Balance - sum,
			})
		}
	}
	return nil
}

// checkSeats covers active and cancelled rides; a cancelled ride with a
// BOOKED booking left behind is exactly the drift this looks for.
func (r *Runner) checkSeats(ctx context.Context, report *Report) error {
	all, err := r.rides.List(ctx, rides.Filter{})
	if err != nil {
		return fmt.Errorf("failed to list rides: %w", err)
	}
	for _, ride := range all {
		bks, err := r.bookings.ListByRide(ctx, ride.ID)
		if err != nil {
			return fmt.Errorf("failed to list bookings for %s: %w", ride.ID, err)
		}
		booked := 0
		for _, b := range bks {
			if b.Active() {
				booked += b.Seats
			}
		}
		report.RidesChecked++
		if ride.Capacity != ride.AvailableSeats+booked {
			report.SeatMismatches = append(report.SeatMismatches, &SeatMismatch{
				RideID:         ride.ID,
				Capacity:       ride.Capacity,
				AvailableSeats: ride.AvailableSeats,
				BookedSeats:    booked,
			})
		}
	}
	return nil
}
