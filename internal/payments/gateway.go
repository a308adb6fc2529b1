package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/mbd888/rideshare/internal/circuitbreaker"
	"github.com/mbd888/rideshare/internal/idgen"
	"github.com/mbd888/rideshare/internal/retry"
)

// OrderRequest asks the gateway to open an order.
type OrderRequest struct {
	Amount         int64
	Currency       string
	Receipt        string
	IdempotencyKey string
	Metadata       map[string]string
}

// Order is an order opened with the gateway. ClientSecret is what the
// client SDK needs to collect payment, when the provider uses one.
type Order struct {
	ID           string `json:"id"`
	Provider     string `json:"provider"`
	Amount       int64  `json:"amount"`
	Currency     string `json:"currency"`
	Receipt      string `json:"receipt"`
	ClientSecret string `json:"clientSecret,omitempty"`
}

// Gateway opens payment orders with a provider.
type Gateway interface {
	Name() string
	CreateOrder(ctx context.Context, req OrderRequest) (*Order, error)
}

// SimulatedGateway opens orders locally. It backs the SIM provider used in
// development and tests.
type SimulatedGateway struct{}

func (SimulatedGateway) Name() string { return "SIM" }

func (SimulatedGateway) CreateOrder(_ context.Context, req OrderRequest) (*Order, error) {
	if req.Amount <= 0 {
		return nil, retry.Permanent(errors.New("payments: order amount must be positive"))
	}
	return &Order{
		ID:       "order_" + idgen.Hex(12),
		Provider: "SIM",
		Amount:   req.Amount,
		Currency: req.Currency,
		Receipt:  req.Receipt,
	}, nil
}

// StripeGateway opens orders as Stripe PaymentIntents.
type StripeGateway struct {
	api *client.API
}

// NewStripeGateway creates a gateway for the given secret key.
func NewStripeGateway(secretKey string) *StripeGateway {
	return &StripeGateway{api: client.New(secretKey, nil)}
}

func (g *StripeGateway) Name() string { return "STRIPE" }

func (g *StripeGateway) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	params := &stripe.PaymentIntentParams{
		Amount:      stripe.Int64(req.Amount),
		Currency:    stripe.String(strings.ToLower(req.Currency)),
		Description: stripe.String(req.Receipt),
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}
	params.AddMetadata("receipt", req.Receipt)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		var serr *stripe.Error
		if errors.As(err, &serr) && serr.HTTPStatusCode >= 400 && serr.HTTPStatusCode < 500 && serr.HTTPStatusCode != 429 {
			return nil, retry.Permanent(fmt.Errorf("stripe: %w", err))
		}
		return nil, fmt.Errorf("stripe: %w", err)
	}
	return &Order{
		ID:           pi.ID,
		Provider:     "STRIPE",
		Amount:       pi.Amount,
		Currency:     strings.ToUpper(string(pi.Currency)),
		Receipt:      req.Receipt,
		ClientSecret: pi.ClientSecret,
	}, nil
}

// ResilientGateway retries transient failures and stops calling a provider
// whose circuit is open.
type ResilientGateway struct {
	inner       Gateway
	breaker     *circuitbreaker.Breaker
	maxAttempts int
	baseDelay   time.Duration
}

// NewResilientGateway wraps inner with retries and a circuit breaker.
func NewResilientGateway(inner Gateway, breaker *circuitbreaker.Breaker) *ResilientGateway {
	return &ResilientGateway{
		inner:       inner,
		breaker:     breaker,
		maxAttempts: 3,
		baseDelay:   200 * time.Millisecond,
	}
}

func (g *ResilientGateway) Name() string { return g.inner.Name() }

func (g *ResilientGateway) CreateOrder(ctx context.Context, req OrderRequest) (*Order, error) {
	var order *Order
	err := retry.Do(ctx, g.maxAttempts, g.baseDelay, func() error {
		err := g.breaker.Execute("gateway:"+g.inner.Name(), func() error {
			var err error
			order, err = g.inner.CreateOrder(ctx, req)
			return err
		}, func(err error) bool { return !retry.IsPermanent(err) })
		if errors.Is(err, circuitbreaker.ErrOpen) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return order, nil
}

var (
	_ Gateway = SimulatedGateway{}
	_ Gateway = (*StripeGateway)(nil)
	_ Gateway = (*ResilientGateway)(nil)
)
