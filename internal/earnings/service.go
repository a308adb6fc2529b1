package earnings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/mbd888/rideshare/internal/idgen"
	"github.com/mbd888/rideshare/internal/logging"
	"github.com/mbd888/rideshare/internal/money"
	"github.com/mbd888/rideshare/internal/notify"
	"github.com/mbd888/rideshare/internal/outbox"
	"github.com/mbd888/rideshare/internal/retry"
)

// DefaultMinPayout is the smallest payout a driver can request (₹100).
const DefaultMinPayout int64 = 10000

var movementsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "rideshare",
		Name:      "earnings_movements_total",
		Help:      "Earnings movements by kind and result (applied, duplicate).",
	},
	[]string{"kind", "result"},
)

func init() {
	prometheus.MustRegister(movementsTotal)
}

// Service accrues driver earnings and issues payouts.
type Service struct {
	store      Store
	commission decimal.Decimal
	minPayout  int64
	notifier   notify.Sink
	now        func() time.Time
}

// NewService creates an earnings service charging commissionPct percent.
func NewService(store Store, commissionPct decimal.Decimal) *Service {
	return &Service{
		store:      store,
		commission: commissionPct,
		minPayout:  DefaultMinPayout,
		notifier:   notify.Nop,
		now:        time.Now,
	}
}

// WithMinPayout overrides the minimum payout.
func (s *Service) WithMinPayout(paise int64) *Service {
	s.minPayout = paise
	return s
}

// WithNotifier sets the sink used for payout notifications.
func (s *Service) WithNotifier(n notify.Sink) *Service {
	s.notifier = n
	return s
}

// Split divides gross into the platform's commission and the driver's net.
func (s *Service) Split(gross int64) (commission, net int64) {
	commission = money.Percent(gross, s.commission)
	return commission, gross - commission
}

// Accrue credits the driver with gross minus commission for reference.
// A second accrual for the same reference is a no-op.
func (s *Service) Accrue(ctx context.Context, driverID string, gross int64, reference string) (*Earnings, error) {
	return s.record(ctx, KindAccrue, driverID, gross, reference)
}

// Reverse claws back the accrual for reference after a refund.
func (s *Service) Reverse(ctx context.Context, driverID string, gross int64, reference string) (*Earnings, error) {
	return s.record(ctx, KindReverse, driverID, gross, reference)
}

func (s *Service) record(ctx context.Context, kind Kind, driverID string, gross int64, reference string) (*Earnings, error) {
	if gross <= 0 {
		return nil, ErrInvalidAmount
	}
	commission, net := s.Split(gross)
	e, err := s.store.Record(ctx, &Movement{
		ID:         idgen.WithPrefix("ern_"),
		DriverID:   driverID,
		Kind:       kind,
		Gross:      gross,
		Commission: commission,
		Net:        net,
		Reference:  reference,
		CreatedAt:  s.now().UTC(),
	})
	if errors.Is(err, ErrDuplicateReference) {
		movementsTotal.WithLabelValues(string(kind), "duplicate").Inc()
		return s.Get(ctx, driverID)
	}
	if err != nil {
		return nil, err
	}
	movementsTotal.WithLabelValues(string(kind), "applied").Inc()
	logging.L(ctx).Info("earnings recorded", "kind", kind, "driver_id", driverID, "net", net, "reference", reference)
	e.CommissionPercent = s.commission.String()
	return e, nil
}

// Get returns the driver's earnings.
func (s *Service) Get(ctx context.Context, driverID string) (*Earnings, error) {
	e, err := s.store.Get(ctx, driverID)
	if err != nil {
		return nil, err
	}
	e.CommissionPercent = s.commission.String()
	return e, nil
}

// RequestPayout pays out amount, or everything pending when amount is 0.
func (s *Service) RequestPayout(ctx context.Context, driverID string, amount int64, notes string) (*Payout, *Earnings, error) {
	if amount < 0 {
		return nil, nil, ErrInvalidAmount
	}
	if amount == 0 {
		current, err := s.store.Get(ctx, driverID)
		if err != nil {
			return nil, nil, err
		}
		amount = current.PendingPayout
	}
	if amount < s.minPayout {
		return nil, nil, ErrBelowMinimum
	}

	p := &Payout{
		ID:        idgen.WithPrefix("po_"),
		DriverID:  driverID,
		Amount:    amount,
		Status:    PayoutRequested,
		Notes:     notes,
		CreatedAt: s.now().UTC(),
	}
	e, err := s.store.CreatePayout(ctx, p)
	if err != nil {
		return nil, nil, err
	}
	e.CommissionPercent = s.commission.String()

	notify.BestEffort(ctx, s.notifier, notify.Notification{
		UserID:   driverID,
		Title:    "Payout requested",
		Body:     fmt.Sprintf("A payout of %s is on its way.", money.Format(amount)),
		Type:     notify.TypePayoutRequested,
		Metadata: map[string]string{"payoutId": p.ID},
	})
	return p, e, nil
}

// ListPayouts returns the driver's payouts, newest first.
func (s *Service) ListPayouts(ctx context.Context, driverID string, limit int) ([]*Payout, error) {
	return s.store.ListPayouts(ctx, driverID, limit)
}

// AccrueHandler applies queued earnings.accrue events.
func (s *Service) AccrueHandler() outbox.HandlerFunc {
	return s.handler(s.Accrue)
}

// ReverseHandler applies queued earnings.reverse events.
func (s *Service) ReverseHandler() outbox.HandlerFunc {
	return s.handler(s.Reverse)
}

func (s *Service) handler(apply func(context.Context, string, int64, string) (*Earnings, error)) outbox.HandlerFunc {
	return func(ctx context.Context, e *outbox.Event) error {
		var p outbox.EarningsPayload
		if err := e.Decode(&p); err != nil {
			return retry.Permanent(err)
		}
		_, err := apply(ctx, p.DriverID, p.AmountPaise, p.Reference)
		if errors.Is(err, ErrInvalidAmount) {
			return retry.Permanent(err)
		}
		return err
	}
}
