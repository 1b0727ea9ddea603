// Package reconcile settles the wallet ledger from payment gateway
// webhook events.
//
// Every event is processed at most once: the event id is claimed in the
// processed-events store before handling, so a concurrent duplicate
// delivery becomes a no-op. A transient handler failure releases the
// claim again so the gateway's redelivery gets a fresh attempt.
// Settlement conflicts (a transaction already finalized by an earlier
// delivery) are logged and swallowed so the gateway stops retrying.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/stripe/stripe-go/v81"

	"github.com/taskup/backend/internal/payments"
	"github.com/taskup/backend/internal/wallet"
)

// LedgerService is the slice of the wallet ledger the reconciler uses.
type LedgerService interface {
	ApplyTransaction(ctx context.Context, apply wallet.Apply) (*wallet.Transaction, error)
	Finalize(ctx context.Context, txID string, status wallet.TxStatus) (*wallet.Transaction, error)
	GetTransaction(ctx context.Context, txID string) (*wallet.Transaction, error)
}

// EventStore records processed webhook event ids.
type EventStore interface {
	// MarkProcessed records the event id, returning true if it was
	// already recorded. The check and the write are atomic.
	MarkProcessed(ctx context.Context, eventID, eventType string) (alreadyProcessed bool, err error)
	// Unmark releases a recorded event id so a redelivery is handled
	// again after a transient failure.
	Unmark(ctx context.Context, eventID string) error
}

// RefResolver maps gateway object ids back to ledger transactions.
type RefResolver interface {
	GetRefByGatewayID(ctx context.Context, gatewayID string) (*payments.Ref, error)
	GetProfileByAccount(ctx context.Context, accountID string) (*payments.Profile, error)
	UpsertProfile(ctx context.Context, profile *payments.Profile) error
}

// Service applies gateway events to the ledger.
type Service struct {
	ledger LedgerService
	events EventStore
	refs   RefResolver
	logger *slog.Logger
}

// NewService creates a webhook reconciler.
func NewService(ledger LedgerService, events EventStore, refs RefResolver, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{ledger: ledger, events: events, refs: refs, logger: logger}
}

// Process applies one gateway event. Unknown event types are ignored.
// Returning an error makes the gateway redeliver, so only transient
// failures propagate; semantic conflicts are logged and absorbed.
func (s *Service) Process(ctx context.Context, event stripe.Event) error {
	seen, err := s.events.MarkProcessed(ctx, event.ID, string(event.Type))
	if err != nil {
		return fmt.Errorf("reconcile: failed to record event: %w", err)
	}
	if seen {
		s.logger.Info("duplicate webhook event ignored", "event_id", event.ID, "type", event.Type)
		observeEvent(string(event.Type), "duplicate")
		return nil
	}

	var handleErr error
	switch event.Type {
	case "payment_intent.succeeded":
		handleErr = s.handleIntentResolved(ctx, event, wallet.StatusCompleted)
	case "payment_intent.payment_failed", "payment_intent.canceled":
		handleErr = s.handleIntentResolved(ctx, event, wallet.StatusFailed)
	case "charge.refunded":
		handleErr = s.handleChargeRefunded(ctx, event)
	case "transfer.reversed":
		handleErr = s.handleTransferReversed(ctx, event)
	case "account.updated":
		handleErr = s.handleAccountUpdated(ctx, event)
	default:
		observeEvent(string(event.Type), "ignored")
		return nil
	}

	if handleErr != nil {
		// Release the claim so the redelivery is not dropped as a
		// duplicate while the settlement never happened.
		if unmarkErr := s.events.Unmark(ctx, event.ID); unmarkErr != nil {
			s.logger.Error("failed to release event claim; redelivery will be ignored",
				"event_id", event.ID, "type", event.Type, "error", unmarkErr)
		}
		observeEvent(string(event.Type), "error")
		return handleErr
	}
	observeEvent(string(event.Type), "ok")
	return nil
}

// handleIntentResolved settles the pending deposit behind a payment intent.
func (s *Service) handleIntentResolved(ctx context.Context, event stripe.Event, status wallet.TxStatus) error {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
		return fmt.Errorf("reconcile: malformed payment_intent payload: %w", err)
	}

	ref, err := s.refs.GetRefByGatewayID(ctx, pi.ID)
	if err != nil {
		if errors.Is(err, payments.ErrRefNotFound) {
			// Not ours (e.g. created from the gateway dashboard).
			s.logger.Warn("webhook for unknown payment intent", "intent_id", pi.ID, "event_id", event.ID)
			return nil
		}
		return err
	}

	if _, err := s.ledger.Finalize(ctx, ref.TransactionID, status); err != nil {
		if errors.Is(err, wallet.ErrAlreadyFinalized) {
			s.logger.Warn("settlement conflict: transaction already finalized",
				"event_id", event.ID, "transaction_id", ref.TransactionID, "wanted", status)
			return nil
		}
		return err
	}

	s.logger.Info("deposit settled from webhook",
		"event_id", event.ID, "transaction_id", ref.TransactionID, "status", status)
	return nil
}

// handleChargeRefunded compensates a deposit refunded at the gateway.
// A still-pending deposit is cancelled; a settled one gets a compensating
// adjustment debit.
func (s *Service) handleChargeRefunded(ctx context.Context, event stripe.Event) error {
	var charge stripe.Charge
	if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
		return fmt.Errorf("reconcile: malformed charge payload: %w", err)
	}
	if charge.PaymentIntent == nil {
		return nil
	}

	ref, err := s.refs.GetRefByGatewayID(ctx, charge.PaymentIntent.ID)
	if err != nil {
		if errors.Is(err, payments.ErrRefNotFound) {
			return nil
		}
		return err
	}

	tx, err := s.ledger.GetTransaction(ctx, ref.TransactionID)
	if err != nil {
		return err
	}

	switch tx.Status {
	case wallet.StatusPending:
		if _, err := s.ledger.Finalize(ctx, tx.ID, wallet.StatusCancelled); err != nil &&
			!errors.Is(err, wallet.ErrAlreadyFinalized) {
			return err
		}
	case wallet.StatusCompleted:
		_, err := s.ledger.ApplyTransaction(ctx, wallet.Apply{
			WalletID:    tx.WalletID,
			Type:        wallet.TypeAdjustment,
			Direction:   wallet.DirDebit,
			Amount:      ref.Amount,
			Status:      wallet.StatusCompleted,
			Description: "Deposit refunded at gateway",
			Metadata:    map[string]string{"deposit_id": tx.ID, "event_id": event.ID},
		})
		if err != nil {
			if errors.Is(err, wallet.ErrInsufficientFunds) {
				// The user already spent the refunded money. Flag it;
				// support resolves negative exposure manually.
				s.logger.Error("refund compensation exceeds balance",
					"event_id", event.ID, "transaction_id", tx.ID, "amount", ref.Amount.String())
				return nil
			}
			return err
		}
	}

	s.logger.Info("gateway refund reconciled", "event_id", event.ID, "transaction_id", tx.ID)
	return nil
}

// handleTransferReversed returns a reversed payout to the wallet.
func (s *Service) handleTransferReversed(ctx context.Context, event stripe.Event) error {
	var transfer stripe.Transfer
	if err := json.Unmarshal(event.Data.Raw, &transfer); err != nil {
		return fmt.Errorf("reconcile: malformed transfer payload: %w", err)
	}

	ref, err := s.refs.GetRefByGatewayID(ctx, transfer.ID)
	if err != nil {
		if errors.Is(err, payments.ErrRefNotFound) {
			return nil
		}
		return err
	}

	tx, err := s.ledger.GetTransaction(ctx, ref.TransactionID)
	if err != nil {
		return err
	}

	_, err = s.ledger.ApplyTransaction(ctx, wallet.Apply{
		WalletID:    tx.WalletID,
		Type:        wallet.TypeAdjustment,
		Direction:   wallet.DirCredit,
		Amount:      ref.Amount,
		Status:      wallet.StatusCompleted,
		Description: "Payout transfer reversed",
		Metadata:    map[string]string{"payout_id": tx.ID, "event_id": event.ID},
	})
	if err != nil {
		return err
	}

	s.logger.Info("payout reversal reconciled", "event_id", event.ID, "transaction_id", tx.ID)
	return nil
}

// handleAccountUpdated tracks payout-account onboarding status.
func (s *Service) handleAccountUpdated(ctx context.Context, event stripe.Event) error {
	var account stripe.Account
	if err := json.Unmarshal(event.Data.Raw, &account); err != nil {
		return fmt.Errorf("reconcile: malformed account payload: %w", err)
	}

	profile, err := s.refs.GetProfileByAccount(ctx, account.ID)
	if err != nil {
		if errors.Is(err, payments.ErrProfileNotFound) {
			return nil
		}
		return err
	}
	if profile.PayoutsEnabled == account.PayoutsEnabled {
		return nil
	}

	profile.PayoutsEnabled = account.PayoutsEnabled
	if err := s.refs.UpsertProfile(ctx, profile); err != nil {
		return err
	}

	s.logger.Info("payout account status updated",
		"user_id", profile.UserID, "account_id", account.ID, "payouts_enabled", account.PayoutsEnabled)
	return nil
}
