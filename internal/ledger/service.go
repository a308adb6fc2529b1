package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mbd888/rideshare/internal/idgen"
	"github.com/mbd888/rideshare/internal/logging"
	"github.com/mbd888/rideshare/internal/money"
	"github.com/mbd888/rideshare/internal/notify"
	"github.com/mbd888/rideshare/internal/pagination"
	"github.com/mbd888/rideshare/internal/syncutil"
	"github.com/mbd888/rideshare/internal/traces"
)

// CheckoutFunc opens a gateway order for a new payment record and returns
// the provider's order ID.
type CheckoutFunc func(ctx context.Context, rec *PaymentRecord) (string, error)

// Callback is a gateway notification. Either IdempotencyKey or OrderID
// identifies the record.
type Callback struct {
	IdempotencyKey    string `json:"idempotencyKey"`
	OrderID           string `json:"orderId"`
	ProviderPaymentID string `json:"providerPaymentId"`
	Success           bool   `json:"success"`
	// Authenticated is set by callers that proved the gateway sent the
	// callback (Stripe signature, admin expiry). Only authenticated
	// callbacks may settle ride payments.
	Authenticated bool `json:"-"`
}

// TopUpRequest starts a wallet top-up.
type TopUpRequest struct {
	Amount         int64  `json:"amountMinorUnits" binding:"required,gt=0,lte=10000000"`
	IdempotencyKey string `json:"idempotencyKey" binding:"required,max=128"`
	Provider       string `json:"provider" binding:"omitempty,oneof=SIM STRIPE"`
}

// Ledger manages wallet balances and top-up settlement.
type Ledger struct {
	store       Store
	locker      syncutil.Locker
	lockTimeout time.Duration
	notifier    notify.Sink
	checkout    CheckoutFunc
	now         func() time.Time
}

// New creates a ledger. The locker must be shared with the booking
// orchestrator so wallet keys serialize across both.
func New(store Store, locker syncutil.Locker) *Ledger {
	return &Ledger{
		store:       store,
		locker:      locker,
		lockTimeout: 5 * time.Second,
		notifier:    notify.Nop,
		now:         time.Now,
	}
}

// WithNotifier sets the sink used for wallet notifications.
func (l *Ledger) WithNotifier(n notify.Sink) *Ledger {
	l.notifier = n
	return l
}

// WithLockTimeout bounds how long a mutation waits for the wallet lock.
func (l *Ledger) WithLockTimeout(d time.Duration) *Ledger {
	l.lockTimeout = d
	return l
}

// WithCheckout sets the gateway hook used when a top-up is created.
func (l *Ledger) WithCheckout(fn CheckoutFunc) *Ledger {
	l.checkout = fn
	return l
}

// Store exposes the payment record store to the payments service.
func (l *Ledger) Store() Store { return l.store }

// GetWallet returns a user's wallet.
func (l *Ledger) GetWallet(ctx context.Context, userID string) (*Wallet, error) {
	return l.store.GetWallet(ctx, userID)
}

// CreateTopUp records a CREATED top-up under key. A reused key fails with
// ErrDuplicateKey and returns the existing record when it belongs to userID.
func (l *Ledger) CreateTopUp(ctx context.Context, userID string, amount int64, key, provider string) (*PaymentRecord, error) {
	defer observeOp("create_topup")()

	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	if provider == "" {
		provider = DefaultProvider
	}

	now := l.now().UTC()
	rec := &PaymentRecord{
		ID:             idgen.WithPrefix("pay_"),
		UserID:         userID,
		Purpose:        PurposeTopUp,
		Amount:         amount,
		Currency:       money.Currency,
		Provider:       strings.ToUpper(provider),
		IdempotencyKey: key,
		Status:         PaymentCreated,
		CreatedAt:      now,
	}
	if err := l.store.CreatePayment(ctx, rec); err != nil {
		if errors.Is(err, ErrDuplicateKey) {
			if existing, gerr := l.store.GetPaymentByKey(ctx, key); gerr == nil && existing.UserID == userID {
				return existing, ErrDuplicateKey
			}
			return nil, ErrDuplicateKey
		}
		return nil, fmt.Errorf("create top-up: %w", err)
	}

	if l.checkout != nil {
		orderID, err := l.checkout(ctx, rec)
		if err != nil {
			if _, _, serr := l.store.Settle(ctx, rec.ID, PaymentFailed, "", l.now().UTC()); serr != nil {
				logging.L(ctx).Warn("failed to close top-up after checkout error", "payment_id", rec.ID, "error", serr)
			}
			return nil, fmt.Errorf("open gateway order: %w", err)
		}
		if err := l.store.SetProviderOrder(ctx, rec.ID, orderID); err != nil {
			return nil, err
		}
		rec.ProviderOrderID = orderID
	}

	logging.L(ctx).Info("top-up created", "payment_id", rec.ID, "user_id", userID, "amount", amount)
	notify.BestEffort(ctx, l.notifier, notify.Notification{
		UserID:   userID,
		Title:    "Top-up started",
		Body:     fmt.Sprintf("Complete the payment of %s to add it to your wallet.", money.Format(amount)),
		Type:     notify.TypeTopUpCreated,
		Metadata: map[string]string{"paymentId": rec.ID},
	})
	return rec, nil
}

// HandleGatewayCallback settles the record a callback refers to. Only the
// first callback for a CREATED record has an effect; replays return the
// settled record unchanged.
func (l *Ledger) HandleGatewayCallback(ctx context.Context, cb Callback) (*PaymentRecord, error) {
	defer observeOp("gateway_callback")()
	ctx, span := traces.StartSpan(ctx, "ledger.HandleGatewayCallback", traces.Reference(cb.IdempotencyKey))
	defer span.End()

	rec, err := l.lookup(ctx, cb)
	if err != nil {
		traces.Fail(span, err)
		return nil, err
	}
	if rec.Purpose != PurposeTopUp && !cb.Authenticated {
		GatewayCallbacksTotal.WithLabelValues("rejected").Inc()
		logging.L(ctx).Warn("unauthenticated callback for ride payment", "payment_id", rec.ID)
		traces.Fail(span, ErrUnauthenticated)
		return nil, ErrUnauthenticated
	}
	if rec.Settled() {
		GatewayCallbacksTotal.WithLabelValues("replay").Inc()
		return rec, nil
	}

	status := PaymentFailed
	if cb.Success {
		status = PaymentSuccess
	}

	var changed bool
	if status == PaymentSuccess && rec.Purpose == PurposeTopUp {
		unlock, err := syncutil.Acquire(ctx, l.locker, LockKey(rec.UserID), l.lockTimeout)
		if err != nil {
			traces.Fail(span, err)
			return nil, err
		}
		rec, changed, err = l.store.Settle(ctx, rec.ID, status, cb.ProviderPaymentID, l.now().UTC())
		unlock()
		if err != nil {
			traces.Fail(span, err)
			return nil, err
		}
	} else {
		rec, changed, err = l.store.Settle(ctx, rec.ID, status, cb.ProviderPaymentID, l.now().UTC())
		if err != nil {
			traces.Fail(span, err)
			return nil, err
		}
	}

	if !changed {
		GatewayCallbacksTotal.WithLabelValues("replay").Inc()
		return rec, nil
	}

	logging.L(ctx).Info("payment settled", "payment_id", rec.ID, "status", rec.Status, "user_id", rec.UserID)
	if rec.Status == PaymentSuccess {
		GatewayCallbacksTotal.WithLabelValues("settled").Inc()
		notify.BestEffort(ctx, l.notifier, notify.Notification{
			UserID:   rec.UserID,
			Title:    "Payment successful",
			Body:     fmt.Sprintf("We received your payment of %s.", money.Format(rec.Amount)),
			Type:     notify.TypePaymentSuccess,
			Metadata: map[string]string{"paymentId": rec.ID},
		})
		if rec.Purpose == PurposeTopUp {
			notify.BestEffort(ctx, l.notifier, notify.Notification{
				UserID:   rec.UserID,
				Title:    "Wallet credited",
				Body:     fmt.Sprintf("%s was added to your wallet.", money.Format(rec.Amount)),
				Type:     notify.TypeWalletCredit,
				Metadata: map[string]string{"paymentId": rec.ID},
			})
		}
	} else {
		GatewayCallbacksTotal.WithLabelValues("failed").Inc()
		notify.BestEffort(ctx, l.notifier, notify.Notification{
			UserID:   rec.UserID,
			Title:    "Payment failed",
			Body:     fmt.Sprintf("Your payment of %s did not go through.", money.Format(rec.Amount)),
			Type:     notify.TypePaymentFailed,
			Metadata: map[string]string{"paymentId": rec.ID},
		})
	}
	return rec, nil
}

func (l *Ledger) lookup(ctx context.Context, cb Callback) (*PaymentRecord, error) {
	if cb.IdempotencyKey != "" {
		rec, err := l.store.GetPaymentByKey(ctx, cb.IdempotencyKey)
		if err == nil || !errors.Is(err, ErrPaymentNotFound) || cb.OrderID == "" {
			return rec, err
		}
	}
	if cb.OrderID != "" {
		return l.store.GetPaymentByOrder(ctx, cb.OrderID)
	}
	return nil, ErrPaymentNotFound
}

// Debit takes amount from the wallet, failing with ErrInsufficientFunds
// when the balance is lower.
func (l *Ledger) Debit(ctx context.Context, userID string, amount int64, reference, description string) (*Wallet, error) {
	defer observeOp("debit")()
	w, err := l.apply(ctx, userID, EntryDebit, amount, reference, description)
	if err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			InsufficientFundsTotal.Inc()
		}
		return nil, err
	}
	notify.BestEffort(ctx, l.notifier, notify.Notification{
		UserID:   userID,
		Title:    "Wallet debited",
		Body:     fmt.Sprintf("%s was paid from your wallet.", money.Format(amount)),
		Type:     notify.TypeWalletDebit,
		Metadata: map[string]string{"reference": reference},
	})
	return w, nil
}

// Credit adds amount to the wallet.
func (l *Ledger) Credit(ctx context.Context, userID string, amount int64, reference, description string) (*Wallet, error) {
	defer observeOp("credit")()
	w, err := l.apply(ctx, userID, EntryCredit, amount, reference, description)
	if err != nil {
		return nil, err
	}
	notify.BestEffort(ctx, l.notifier, notify.Notification{
		UserID:   userID,
		Title:    "Wallet credited",
		Body:     fmt.Sprintf("%s was added to your wallet.", money.Format(amount)),
		Type:     notify.TypeWalletCredit,
		Metadata: map[string]string{"reference": reference},
	})
	return w, nil
}

// Refund credits amount once per (user, reference). A repeated refund for
// the same reference is a no-op that returns the current wallet.
func (l *Ledger) Refund(ctx context.Context, userID string, amount int64, reference, description string) (*Wallet, error) {
	defer observeOp("refund")()
	if reference == "" {
		return nil, errors.New("ledger: refund requires a reference")
	}
	w, err := l.apply(ctx, userID, EntryRefund, amount, reference, description)
	if errors.Is(err, ErrDuplicateEntry) {
		return l.store.GetWallet(ctx, userID)
	}
	if err != nil {
		return nil, err
	}
	notify.BestEffort(ctx, l.notifier, notify.Notification{
		UserID:   userID,
		Title:    "Refund processed",
		Body:     fmt.Sprintf("%s was refunded to your wallet.", money.Format(amount)),
		Type:     notify.TypeRefundProcessed,
		Metadata: map[string]string{"reference": reference},
	})
	return w, nil
}

func (l *Ledger) apply(ctx context.Context, userID string, t EntryType, amount int64, reference, description string) (*Wallet, error) {
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}
	ctx, span := traces.StartSpan(ctx, "ledger."+string(t), traces.UserID(userID), traces.AmountPaise(amount), traces.Reference(reference))
	defer span.End()

	unlock, err := syncutil.Acquire(ctx, l.locker, LockKey(userID), l.lockTimeout)
	if err != nil {
		traces.Fail(span, err)
		return nil, err
	}
	defer unlock()

	w, err := l.store.Apply(ctx, NewEntry(userID, t, amount, reference, description, l.now()))
	if err != nil {
		traces.Fail(span, err)
		return nil, err
	}
	return w, nil
}

// NewEntry builds an unposted wallet entry.
func NewEntry(userID string, t EntryType, amount int64, reference, description string, at time.Time) *Entry {
	return &Entry{
		ID:          idgen.WithPrefix("ent_"),
		UserID:      userID,
		Type:        t,
		Amount:      amount,
		Reference:   reference,
		Description: description,
		CreatedAt:   at.UTC(),
	}
}

// History returns a page of wallet entries, newest first.
func (l *Ledger) History(ctx context.Context, userID, cursor string, limit int) ([]*Entry, string, error) {
	before, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", err
	}
	if limit <= 0 {
		limit = pagination.DefaultLimit
	}
	entries, err := l.store.History(ctx, userID, before, limit+1)
	if err != nil {
		return nil, "", err
	}
	page, next, _ := pagination.ComputePage(entries, limit, func(e *Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	return page, next, nil
}

// GetTopUp returns one of userID's top-ups.
func (l *Ledger) GetTopUp(ctx context.Context, userID, id string) (*PaymentRecord, error) {
	rec, err := l.store.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.UserID != userID {
		return nil, ErrForbidden
	}
	return rec, nil
}

// ListTopUps returns userID's recent top-ups.
func (l *Ledger) ListTopUps(ctx context.Context, userID string, limit int) ([]*PaymentRecord, error) {
	return l.store.ListPayments(ctx, userID, PurposeTopUp, limit)
}

// StalePayments lists gateway payments still CREATED after olderThan.
// They are orders the gateway never called back for.
func (l *Ledger) StalePayments(ctx context.Context, olderThan time.Duration, limit int) ([]*PaymentRecord, error) {
	return l.store.ListStalePayments(ctx, l.now().UTC().Add(-olderThan), limit)
}

// ExpirePayment closes a CREATED record as FAILED through the normal
// callback path, so a late success callback is ignored afterwards.
func (l *Ledger) ExpirePayment(ctx context.Context, id string) (*PaymentRecord, error) {
	rec, err := l.store.GetPayment(ctx, id)
	if err != nil {
		return nil, err
	}
	if rec.Settled() {
		return rec, nil
	}
	logging.L(ctx).Warn("expiring stale payment", "payment_id", rec.ID, "user_id", rec.UserID, "created_at", rec.CreatedAt)
	return l.HandleGatewayCallback(ctx, Callback{IdempotencyKey: rec.IdempotencyKey, OrderID: rec.ProviderOrderID, Authenticated: true})
}
