// Package admin provides admin-only endpoints for resolving stuck financial states.
package admin

import (
	"context"
	"time"

	"github.com/mbd888/rideshare/internal/ledger"
	"github.com/mbd888/rideshare/internal/outbox"
)

// DefaultStaleAfter is how long a gateway order may stay CREATED before it
// is reported as stuck.
const DefaultStaleAfter = 30 * time.Minute

// PaymentAdmin resolves gateway orders that never received a callback.
type PaymentAdmin interface {
	StalePayments(ctx context.Context, olderThan time.Duration, limit int) ([]*ledger.PaymentRecord, error)
	ExpirePayment(ctx context.Context, id string) (*ledger.PaymentRecord, error)
}

// OutboxAdmin inspects and replays dead-lettered side effects.
type OutboxAdmin interface {
	DeadLetters(ctx context.Context, limit int) ([]*outbox.Event, error)
	Requeue(ctx context.Context, id string) error
}

// StatsProvider reports runtime statistics, such as the realtime hub's.
type StatsProvider interface {
	Stats() map[string]interface{}
}

// ExpireResult summarizes a bulk expiry.
type ExpireResult struct {
	Expired []string          `json:"expired"`
	Failed  map[string]string `json:"failed,omitempty"`
}

// ExpireStale fails every payment CREATED for longer than olderThan.
// One failure does not stop the rest.
func ExpireStale(ctx context.Context, p PaymentAdmin, olderThan time.Duration, limit int) (*ExpireResult, error) {
	stale, err := p.StalePayments(ctx, olderThan, limit)
	if err != nil {
		return nil, err
	}
	res := &ExpireResult{Expired: []string{}}
	for _, rec := range stale {
		if _, err := p.ExpirePayment(ctx, rec.ID); err != nil {
			if res.Failed == nil {
				res.Failed = make(map[string]string)
			}
			res.Failed[rec.ID] = err.Error()
			continue
		}
		res.Expired = append(res.Expired, rec.ID)
	}
	return res, nil
}
