package payments

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/taskup/backend/internal/idgen"
	"github.com/taskup/backend/internal/money"
	"github.com/taskup/backend/internal/wallet"
)

// LedgerService is the slice of the wallet ledger the payments service uses.
type LedgerService interface {
	GetOrCreate(ctx context.Context, userID, currency string) (*wallet.Account, error)
	ApplyTransaction(ctx context.Context, apply wallet.Apply) (*wallet.Transaction, error)
	Finalize(ctx context.Context, txID string, status wallet.TxStatus) (*wallet.Transaction, error)
}

// UserDirectory resolves user emails for gateway account creation.
type UserDirectory interface {
	GetEmail(ctx context.Context, userID string) (string, error)
}

// DepositResult is returned to the client so it can confirm the payment.
type DepositResult struct {
	TransactionID string      `json:"transactionId"`
	IntentID      string      `json:"intentId"`
	ClientSecret  string      `json:"clientSecret"`
	Amount        money.Money `json:"amount"`
}

// PayoutResult reports a completed transfer to the worker's account.
type PayoutResult struct {
	TransactionID string      `json:"transactionId"`
	TransferID    string      `json:"transferId"`
	Amount        money.Money `json:"amount"`
}

// OnboardingResult carries the hosted onboarding link for a new account.
type OnboardingResult struct {
	Account *ConnectAccount `json:"account"`
	LinkURL string          `json:"linkUrl,omitempty"`
}

// AuditLog records operator-initiated gateway reversals. Optional;
// wired when an audit trail store is available.
type AuditLog interface {
	RecordAdminAction(ctx context.Context, userID, action, entityID string, metadata map[string]string)
}

// Service implements deposit and payout flows against the gateway.
type Service struct {
	gateway  Gateway
	store    Store
	ledger   LedgerService
	users    UserDirectory
	currency string
	logger   *slog.Logger
	audit    AuditLog
}

// NewService creates a payments service.
func NewService(gateway Gateway, store Store, ledger LedgerService, users UserDirectory, currency string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		gateway:  gateway,
		store:    store,
		ledger:   ledger,
		users:    users,
		currency: currency,
		logger:   logger,
	}
}

// SetAuditLog attaches an audit trail for gateway-side reversals.
func (s *Service) SetAuditLog(audit AuditLog) {
	s.audit = audit
}

// Deposit starts a card deposit. The ledger credit is created pending and
// settles only when the gateway webhook confirms payment; the returned
// client secret lets the frontend complete the card flow.
func (s *Service) Deposit(ctx context.Context, userID string, amount money.Money) (*DepositResult, error) {
	if !amount.IsPositive() {
		return nil, wallet.ErrInvalidAmount
	}

	acc, err := s.ledger.GetOrCreate(ctx, userID, s.currency)
	if err != nil {
		return nil, err
	}

	tx, err := s.ledger.ApplyTransaction(ctx, wallet.Apply{
		WalletID:    acc.ID,
		Type:        wallet.TypeDeposit,
		Direction:   wallet.DirCredit,
		Amount:      amount,
		Status:      wallet.StatusPending,
		Description: "Card deposit",
	})
	if err != nil {
		return nil, err
	}

	// The transaction id doubles as the gateway idempotency key, so a
	// retried HTTP call cannot create a second intent for the same credit.
	intent, err := s.gateway.CreateIntent(ctx, amount, tx.ID, map[string]string{
		"transaction_id": tx.ID,
		"user_id":        userID,
	})
	if err != nil {
		if _, failErr := s.ledger.Finalize(ctx, tx.ID, wallet.StatusFailed); failErr != nil {
			s.logger.Error("failed to fail pending deposit after gateway error",
				"transaction_id", tx.ID, "error", failErr)
		}
		return nil, err
	}

	if err := s.store.CreateRef(ctx, &Ref{
		ID:            idgen.WithPrefix("ref_"),
		UserID:        userID,
		Kind:          RefDeposit,
		TransactionID: tx.ID,
		GatewayID:     intent.ID,
		Amount:        amount,
		CreatedAt:     time.Now(),
	}); err != nil {
		return nil, fmt.Errorf("payments: failed to record payment ref: %w", err)
	}

	observeGatewayOp("deposit_intent", nil)
	s.logger.Info("deposit initiated",
		"user_id", userID,
		"transaction_id", tx.ID,
		"intent_id", intent.ID,
		"amount", amount.String(),
	)
	return &DepositResult{
		TransactionID: tx.ID,
		IntentID:      intent.ID,
		ClientSecret:  intent.ClientSecret,
		Amount:        amount,
	}, nil
}

// Payout transfers wallet funds to the worker's payout account. The debit
// is reserved before the transfer; a gateway failure returns it.
func (s *Service) Payout(ctx context.Context, userID string, amount money.Money) (*PayoutResult, error) {
	if !amount.IsPositive() {
		return nil, wallet.ErrInvalidAmount
	}

	profile, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrProfileNotFound) {
			return nil, ErrNoConnectAccount
		}
		return nil, err
	}
	if profile.ConnectAccountID == "" {
		return nil, ErrNoConnectAccount
	}
	if !profile.PayoutsEnabled {
		// Onboarding may have finished since we last looked.
		if err := s.refreshProfile(ctx, profile); err != nil || !profile.PayoutsEnabled {
			return nil, ErrPayoutsNotEnabled
		}
	}

	acc, err := s.ledger.GetOrCreate(ctx, userID, s.currency)
	if err != nil {
		return nil, err
	}

	tx, err := s.ledger.ApplyTransaction(ctx, wallet.Apply{
		WalletID:    acc.ID,
		Type:        wallet.TypePayout,
		Direction:   wallet.DirDebit,
		Amount:      amount,
		Status:      wallet.StatusPending,
		Description: "Payout to bank account",
	})
	if err != nil {
		return nil, err
	}

	transfer, err := s.gateway.CreateTransfer(ctx, profile.ConnectAccountID, amount, tx.ID, map[string]string{
		"transaction_id": tx.ID,
		"user_id":        userID,
	})
	if err != nil {
		observeGatewayOp("transfer", err)
		if _, failErr := s.ledger.Finalize(ctx, tx.ID, wallet.StatusFailed); failErr != nil {
			s.logger.Error("failed to return payout reservation after gateway error",
				"transaction_id", tx.ID, "error", failErr)
		}
		return nil, err
	}
	observeGatewayOp("transfer", nil)

	// Record the ref before settling: the transfer already went out, so
	// from here every failure degrades to a logged repair item rather
	// than an error for a payout that actually happened.
	if err := s.store.CreateRef(ctx, &Ref{
		ID:            idgen.WithPrefix("ref_"),
		UserID:        userID,
		Kind:          RefPayout,
		TransactionID: tx.ID,
		GatewayID:     transfer.ID,
		Amount:        amount,
		CreatedAt:     time.Now(),
	}); err != nil {
		s.logger.Error("payout ref not recorded; gateway events for this transfer cannot be matched",
			"transaction_id", tx.ID, "transfer_id", transfer.ID, "error", err)
	}

	if _, err := s.ledger.Finalize(ctx, tx.ID, wallet.StatusCompleted); err != nil {
		s.logger.Error("payout transfer sent but settlement failed",
			"transaction_id", tx.ID, "transfer_id", transfer.ID, "error", err)
	}

	s.logger.Info("payout transferred",
		"user_id", userID,
		"transaction_id", tx.ID,
		"transfer_id", transfer.ID,
		"amount", amount.String(),
	)
	return &PayoutResult{TransactionID: tx.ID, TransferID: transfer.ID, Amount: amount}, nil
}

// CreateConnectAccount sets up (or resumes onboarding for) the user's
// payout account and returns a hosted onboarding link.
func (s *Service) CreateConnectAccount(ctx context.Context, userID, refreshURL, returnURL string) (*OnboardingResult, error) {
	profile, err := s.store.GetProfile(ctx, userID)
	if err != nil && !errors.Is(err, ErrProfileNotFound) {
		return nil, err
	}

	var account *ConnectAccount
	if profile != nil && profile.ConnectAccountID != "" {
		account, err = s.gateway.GetAccount(ctx, profile.ConnectAccountID)
		if err != nil {
			return nil, err
		}
	} else {
		email, err := s.users.GetEmail(ctx, userID)
		if err != nil {
			return nil, err
		}
		account, err = s.gateway.CreateAccount(ctx, email)
		if err != nil {
			observeGatewayOp("create_account", err)
			return nil, err
		}
		observeGatewayOp("create_account", nil)
		profile = &Profile{UserID: userID}
	}

	profile.ConnectAccountID = account.ID
	profile.PayoutsEnabled = account.PayoutsEnabled
	if err := s.store.UpsertProfile(ctx, profile); err != nil {
		return nil, err
	}

	result := &OnboardingResult{Account: account}
	if !account.PayoutsEnabled {
		link, err := s.gateway.AccountOnboardingLink(ctx, account.ID, refreshURL, returnURL)
		if err != nil {
			return nil, err
		}
		result.LinkURL = link
	}
	return result, nil
}

// OnboardingLink returns a fresh hosted onboarding link for the user's
// existing payout account. Links expire quickly, so clients request a new
// one whenever the user re-enters onboarding.
func (s *Service) OnboardingLink(ctx context.Context, userID, refreshURL, returnURL string) (string, error) {
	profile, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrProfileNotFound) {
			return "", ErrNoConnectAccount
		}
		return "", err
	}
	if profile.ConnectAccountID == "" {
		return "", ErrNoConnectAccount
	}
	return s.gateway.AccountOnboardingLink(ctx, profile.ConnectAccountID, refreshURL, returnURL)
}

// GetConnectAccount returns the user's payout account with fresh gateway
// status.
func (s *Service) GetConnectAccount(ctx context.Context, userID string) (*ConnectAccount, error) {
	profile, err := s.store.GetProfile(ctx, userID)
	if err != nil {
		if errors.Is(err, ErrProfileNotFound) {
			return nil, ErrNoConnectAccount
		}
		return nil, err
	}
	if profile.ConnectAccountID == "" {
		return nil, ErrNoConnectAccount
	}

	account, err := s.gateway.GetAccount(ctx, profile.ConnectAccountID)
	if err != nil {
		return nil, err
	}
	if account.PayoutsEnabled != profile.PayoutsEnabled {
		profile.PayoutsEnabled = account.PayoutsEnabled
		if err := s.store.UpsertProfile(ctx, profile); err != nil {
			s.logger.Error("failed to persist payout status", "user_id", userID, "error", err)
		}
	}
	return account, nil
}

// RefundDeposit refunds a settled deposit at the gateway, the full ref
// amount unless a smaller one is given. The wallet compensation is not
// applied here; it arrives through the charge.refunded webhook.
func (s *Service) RefundDeposit(ctx context.Context, transactionID string, amount money.Money) (string, error) {
	ref, err := s.store.GetRefByTransaction(ctx, transactionID)
	if err != nil {
		return "", err
	}
	if ref.Kind != RefDeposit {
		return "", fmt.Errorf("%w: transaction %s is not a deposit", ErrRefKindMismatch, transactionID)
	}
	if amount.IsZero() {
		amount = ref.Amount
	}
	refundID, err := s.gateway.CreateRefund(ctx, ref.GatewayID, amount, transactionID+":refund")
	observeGatewayOp("refund", err)
	if err != nil {
		return "", err
	}

	if s.audit != nil {
		s.audit.RecordAdminAction(ctx, ref.UserID, "deposit_refunded", transactionID, map[string]string{
			"refund_id": refundID,
			"amount":    amount.String(),
		})
	}
	s.logger.Info("deposit refunded at gateway",
		"transaction_id", transactionID, "refund_id", refundID, "amount", amount.String())
	return refundID, nil
}

// ReversePayout reverses a payout transfer at the gateway. As with
// RefundDeposit, the wallet compensation arrives through the
// transfer.reversed webhook.
func (s *Service) ReversePayout(ctx context.Context, transactionID string) (string, error) {
	ref, err := s.store.GetRefByTransaction(ctx, transactionID)
	if err != nil {
		return "", err
	}
	if ref.Kind != RefPayout {
		return "", fmt.Errorf("%w: transaction %s is not a payout", ErrRefKindMismatch, transactionID)
	}
	reversalID, err := s.gateway.ReverseTransfer(ctx, ref.GatewayID, transactionID+":reverse")
	observeGatewayOp("reverse_transfer", err)
	if err != nil {
		return "", err
	}

	if s.audit != nil {
		s.audit.RecordAdminAction(ctx, ref.UserID, "payout_reversed", transactionID, map[string]string{
			"reversal_id": reversalID,
			"amount":      ref.Amount.String(),
		})
	}
	s.logger.Info("payout reversed at gateway",
		"transaction_id", transactionID, "reversal_id", reversalID, "amount", ref.Amount.String())
	return reversalID, nil
}

func (s *Service) refreshProfile(ctx context.Context, profile *Profile) error {
	account, err := s.gateway.GetAccount(ctx, profile.ConnectAccountID)
	if err != nil {
		return err
	}
	profile.PayoutsEnabled = account.PayoutsEnabled
	return s.store.UpsertProfile(ctx, profile)
}
