package payments

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stripe/stripe-go/v81"
	"github.com/stripe/stripe-go/v81/client"

	"github.com/taskup/backend/internal/circuitbreaker"
	"github.com/taskup/backend/internal/money"
	"github.com/taskup/backend/internal/retry"
)

// StripeGateway implements Gateway against the Stripe API.
type StripeGateway struct {
	api      *client.API
	currency string
	breaker  *circuitbreaker.Breaker
}

// NewStripeGateway creates a Stripe-backed gateway. The key is injected
// here; nothing touches the global stripe.Key.
func NewStripeGateway(secretKey, currency string) *StripeGateway {
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeGateway{
		api:      api,
		currency: currency,
		breaker:  circuitbreaker.New(5, 30*time.Second),
	}
}

// call runs a gateway request with retries behind a per-operation circuit
// breaker. Stripe 4xx responses are permanent and do not trip the breaker;
// network errors and 5xx are retried and counted as failures.
func (g *StripeGateway) call(ctx context.Context, op string, fn func() error) error {
	if !g.breaker.Allow(op) {
		return fmt.Errorf("%w: %s circuit open", ErrGateway, op)
	}

	permanent := false
	err := retry.Do(ctx, 3, 200*time.Millisecond, func() error {
		err := fn()
		if err == nil {
			return nil
		}
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.HTTPStatusCode < 500 {
			permanent = true
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		if !permanent {
			g.breaker.RecordFailure(op)
		}
		return fmt.Errorf("%w: %v", ErrGateway, err)
	}
	g.breaker.RecordSuccess(op)
	return nil
}

func (g *StripeGateway) CreateIntent(ctx context.Context, amount money.Money, idempotencyKey string, metadata map[string]string) (*Intent, error) {
	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(amount.MinorUnits()),
		Currency: stripe.String(g.currency),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	params.IdempotencyKey = stripe.String(idempotencyKey)
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}

	var pi *stripe.PaymentIntent
	err := g.call(ctx, "payment_intents.create", func() error {
		var err error
		pi, err = g.api.PaymentIntents.New(params)
		return err
	})
	if err != nil {
		return nil, err
	}

	return &Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Amount:       money.New(pi.Amount, g.currency),
		Status:       string(pi.Status),
	}, nil
}

func (g *StripeGateway) CreateRefund(ctx context.Context, intentID string, amount money.Money, idempotencyKey string) (string, error) {
	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(intentID),
		Amount:        stripe.Int64(amount.MinorUnits()),
	}
	params.Context = ctx
	params.IdempotencyKey = stripe.String(idempotencyKey)

	var ref *stripe.Refund
	err := g.call(ctx, "refunds.create", func() error {
		var err error
		ref, err = g.api.Refunds.New(params)
		return err
	})
	if err != nil {
		return "", err
	}
	return ref.ID, nil
}

func (g *StripeGateway) CreateTransfer(ctx context.Context, accountID string, amount money.Money, idempotencyKey string, metadata map[string]string) (*Transfer, error) {
	params := &stripe.TransferParams{
		Amount:      stripe.Int64(amount.MinorUnits()),
		Currency:    stripe.String(g.currency),
		Destination: stripe.String(accountID),
	}
	params.Context = ctx
	params.IdempotencyKey = stripe.String(idempotencyKey)
	for k, v := range metadata {
		params.AddMetadata(k, v)
	}

	var tr *stripe.Transfer
	err := g.call(ctx, "transfers.create", func() error {
		var err error
		tr, err = g.api.Transfers.New(params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return &Transfer{ID: tr.ID, Amount: money.New(tr.Amount, g.currency)}, nil
}

func (g *StripeGateway) ReverseTransfer(ctx context.Context, transferID string, idempotencyKey string) (string, error) {
	params := &stripe.TransferReversalParams{
		ID: stripe.String(transferID),
	}
	params.Context = ctx
	params.IdempotencyKey = stripe.String(idempotencyKey)

	var rev *stripe.TransferReversal
	err := g.call(ctx, "reversals.create", func() error {
		var err error
		rev, err = g.api.TransferReversals.New(params)
		return err
	})
	if err != nil {
		return "", err
	}
	return rev.ID, nil
}

// CreateAccount creates an Express account with manual payouts so funds
// stay on the platform balance until we transfer them.
func (g *StripeGateway) CreateAccount(ctx context.Context, email string) (*ConnectAccount, error) {
	params := &stripe.AccountParams{
		Type:  stripe.String(string(stripe.AccountTypeExpress)),
		Email: stripe.String(email),
		Capabilities: &stripe.AccountCapabilitiesParams{
			Transfers: &stripe.AccountCapabilitiesTransfersParams{
				Requested: stripe.Bool(true),
			},
		},
		Settings: &stripe.AccountSettingsParams{
			Payouts: &stripe.AccountSettingsPayoutsParams{
				Schedule: &stripe.AccountSettingsPayoutsScheduleParams{
					Interval: stripe.String("manual"),
				},
			},
		},
	}
	params.Context = ctx

	var acct *stripe.Account
	err := g.call(ctx, "accounts.create", func() error {
		var err error
		acct, err = g.api.Accounts.New(params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return accountFromStripe(acct), nil
}

func (g *StripeGateway) GetAccount(ctx context.Context, accountID string) (*ConnectAccount, error) {
	params := &stripe.AccountParams{}
	params.Context = ctx

	var acct *stripe.Account
	err := g.call(ctx, "accounts.get", func() error {
		var err error
		acct, err = g.api.Accounts.GetByID(accountID, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	return accountFromStripe(acct), nil
}

func (g *StripeGateway) AccountOnboardingLink(ctx context.Context, accountID, refreshURL, returnURL string) (string, error) {
	params := &stripe.AccountLinkParams{
		Account:    stripe.String(accountID),
		RefreshURL: stripe.String(refreshURL),
		ReturnURL:  stripe.String(returnURL),
		Type:       stripe.String("account_onboarding"),
	}
	params.Context = ctx

	var link *stripe.AccountLink
	err := g.call(ctx, "account_links.create", func() error {
		var err error
		link, err = g.api.AccountLinks.New(params)
		return err
	})
	if err != nil {
		return "", err
	}
	return link.URL, nil
}

func accountFromStripe(acct *stripe.Account) *ConnectAccount {
	detailsDue := acct.Requirements != nil && len(acct.Requirements.CurrentlyDue) > 0
	return &ConnectAccount{
		ID:             acct.ID,
		PayoutsEnabled: acct.PayoutsEnabled,
		DetailsDue:     detailsDue,
	}
}
