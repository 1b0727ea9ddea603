// Package payments adapts the wallet to the card payment gateway.
//
// All gateway amounts are integer minor units (øre); conversion from the
// ledger's Money type happens here and nowhere else. Deposits are created
// as pending ledger credits and settle when the gateway webhook confirms
// payment. Payouts reserve funds as pending debits before the transfer is
// attempted.
package payments

import (
	"context"
	"errors"
	"time"

	"github.com/taskup/backend/internal/money"
)

var (
	ErrRefNotFound       = errors.New("payments: payment reference not found")
	ErrRefKindMismatch   = errors.New("payments: payment reference has the wrong kind")
	ErrProfileNotFound   = errors.New("payments: payment profile not found")
	ErrNoConnectAccount  = errors.New("payments: user has no payout account")
	ErrPayoutsNotEnabled = errors.New("payments: payout account is not fully onboarded")
	ErrGateway           = errors.New("payments: gateway request failed")
)

// Intent is a gateway payment intent for a deposit.
type Intent struct {
	ID           string
	ClientSecret string
	Amount       money.Money
	Status       string
}

// Transfer is a gateway transfer to a worker's payout account.
type Transfer struct {
	ID     string
	Amount money.Money
}

// ConnectAccount is a gateway account workers receive payouts into.
type ConnectAccount struct {
	ID             string `json:"id"`
	PayoutsEnabled bool   `json:"payoutsEnabled"`
	DetailsDue     bool   `json:"detailsDue"`
}

// Gateway is the payment processor surface the service needs.
// The production implementation talks to Stripe; tests use a fake.
type Gateway interface {
	CreateIntent(ctx context.Context, amount money.Money, idempotencyKey string, metadata map[string]string) (*Intent, error)
	CreateRefund(ctx context.Context, intentID string, amount money.Money, idempotencyKey string) (string, error)
	CreateTransfer(ctx context.Context, accountID string, amount money.Money, idempotencyKey string, metadata map[string]string) (*Transfer, error)
	ReverseTransfer(ctx context.Context, transferID string, idempotencyKey string) (string, error)
	CreateAccount(ctx context.Context, email string) (*ConnectAccount, error)
	GetAccount(ctx context.Context, accountID string) (*ConnectAccount, error)
	AccountOnboardingLink(ctx context.Context, accountID, refreshURL, returnURL string) (string, error)
}

// RefKind classifies a payment reference.
type RefKind string

const (
	RefDeposit RefKind = "deposit"
	RefPayout  RefKind = "payout"
)

// Ref links a ledger transaction to its gateway object. The webhook
// reconciler resolves incoming events through these rows.
type Ref struct {
	ID            string      `json:"id"`
	UserID        string      `json:"userId"`
	Kind          RefKind     `json:"kind"`
	TransactionID string      `json:"transactionId"` // wallet transaction
	GatewayID     string      `json:"gatewayId"`     // pi_... or tr_...
	Amount        money.Money `json:"amount"`
	CreatedAt     time.Time   `json:"createdAt"`
}

// Profile stores a user's gateway identifiers.
type Profile struct {
	UserID           string    `json:"userId"`
	ConnectAccountID string    `json:"connectAccountId,omitempty"`
	PayoutsEnabled   bool      `json:"payoutsEnabled"`
	UpdatedAt        time.Time `json:"updatedAt"`
}

// Store persists payment references and profiles.
type Store interface {
	CreateRef(ctx context.Context, ref *Ref) error
	GetRefByGatewayID(ctx context.Context, gatewayID string) (*Ref, error)
	GetRefByTransaction(ctx context.Context, transactionID string) (*Ref, error)

	GetProfile(ctx context.Context, userID string) (*Profile, error)
	GetProfileByAccount(ctx context.Context, accountID string) (*Profile, error)
	UpsertProfile(ctx context.Context, profile *Profile) error
}
