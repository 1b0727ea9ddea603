// Package gdpr implements data-privacy obligations: account erasure,
// data portability, consent tracking and the audit trail behind them.
//
// Erasure anonymizes the user row but keeps wallet accounts and the
// transaction log untouched; financial records are retained for legal
// reasons and no longer link to any personal data.
package gdpr

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/taskup/backend/internal/idgen"
)

var ErrWrongPassword = errors.New("gdpr: password verification failed")

// CookieConsent is one consent decision. Rows are append-only; the
// newest row is the current preference.
type CookieConsent struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId"`
	Essential   bool      `json:"essential"`
	Analytics   bool      `json:"analytics"`
	Marketing   bool      `json:"marketing"`
	IPAddress   string    `json:"-"`
	UserAgent   string    `json:"-"`
	ConsentedAt time.Time `json:"consentedAt"`
}

// TermsAcceptance records acceptance of one document version.
type TermsAcceptance struct {
	ID           string    `json:"id"`
	UserID       string    `json:"userId"`
	DocumentSlug string    `json:"documentSlug"`
	Version      string    `json:"version"`
	IPAddress    string    `json:"-"`
	AcceptedAt   time.Time `json:"acceptedAt"`
}

// AuditEntry is one row of the privacy audit trail.
type AuditEntry struct {
	ID         string            `json:"id"`
	UserID     string            `json:"userId"`
	Action     string            `json:"action"`
	EntityType string            `json:"entityType"`
	EntityID   string            `json:"entityId"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// Store persists consents, acceptances and the audit trail.
type Store interface {
	SaveConsent(ctx context.Context, consent *CookieConsent) error
	LatestConsent(ctx context.Context, userID string) (*CookieConsent, error)
	SaveAcceptance(ctx context.Context, acceptance *TermsAcceptance) error
	AppendAudit(ctx context.Context, entry *AuditEntry) error
	ListAudit(ctx context.Context, userID string, limit int) ([]*AuditEntry, error)
}

// UserService is the slice of account management the privacy flows need.
type UserService interface {
	VerifyPassword(ctx context.Context, userID, password string) error
	Anonymize(ctx context.Context, userID string) error
	MarkTermsAccepted(ctx context.Context, userID string) error
}

// ExportFunc produces one section of a user's data export.
type ExportFunc func(ctx context.Context, userID string) (any, error)

// Service implements the privacy flows.
type Service struct {
	store     Store
	users     UserService
	exporters map[string]ExportFunc
	logger    *slog.Logger
}

// NewService creates a gdpr service.
func NewService(store Store, users UserService, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		users:     users,
		exporters: make(map[string]ExportFunc),
		logger:    logger,
	}
}

// AddExportSection registers a named section of the data export, e.g.
// "wallet" or "tasks". Sections come from the packages owning the data.
func (s *Service) AddExportSection(name string, fn ExportFunc) {
	s.exporters[name] = fn
}

// DeleteAccount anonymizes the user after re-verifying their password.
// Wallet history survives; the user row stops being personal data.
func (s *Service) DeleteAccount(ctx context.Context, userID, password, reason string) error {
	if err := s.users.VerifyPassword(ctx, userID, password); err != nil {
		return ErrWrongPassword
	}

	if err := s.users.Anonymize(ctx, userID); err != nil {
		return err
	}

	s.audit(ctx, userID, "account_deleted", map[string]string{"reason": reason})
	s.logger.Info("account deleted", "user_id", userID)
	return nil
}

// ExportData gathers every registered section into one export document.
func (s *Service) ExportData(ctx context.Context, userID string) (map[string]any, error) {
	export := map[string]any{
		"exportDate": time.Now().UTC().Format(time.RFC3339),
	}
	for name, fn := range s.exporters {
		section, err := fn(ctx, userID)
		if err != nil {
			s.logger.Error("export section failed", "section", name, "user_id", userID, "error", err)
			export[name] = nil
			continue
		}
		export[name] = section
	}

	s.audit(ctx, userID, "data_exported", nil)
	s.logger.Info("data exported", "user_id", userID)
	return export, nil
}

// SaveCookieConsent appends a consent decision.
func (s *Service) SaveCookieConsent(ctx context.Context, consent *CookieConsent) error {
	consent.ID = idgen.WithPrefix("cns_")
	consent.ConsentedAt = time.Now()
	if err := s.store.SaveConsent(ctx, consent); err != nil {
		return err
	}

	s.logger.Info("cookie consent saved",
		"user_id", consent.UserID,
		"analytics", consent.Analytics,
		"marketing", consent.Marketing,
	)
	return nil
}

// LatestConsent returns the user's current cookie preferences, or nil.
func (s *Service) LatestConsent(ctx context.Context, userID string) (*CookieConsent, error) {
	return s.store.LatestConsent(ctx, userID)
}

// AcceptTerms records acceptance of a terms document and stamps the
// user account.
func (s *Service) AcceptTerms(ctx context.Context, userID, documentSlug, version, ipAddress string) error {
	acceptance := &TermsAcceptance{
		ID:           idgen.WithPrefix("trm_"),
		UserID:       userID,
		DocumentSlug: documentSlug,
		Version:      version,
		IPAddress:    ipAddress,
		AcceptedAt:   time.Now(),
	}
	if err := s.store.SaveAcceptance(ctx, acceptance); err != nil {
		return err
	}
	if err := s.users.MarkTermsAccepted(ctx, userID); err != nil {
		s.logger.Error("failed to stamp terms acceptance on user", "user_id", userID, "error", err)
	}

	s.logger.Info("terms accepted", "user_id", userID, "document", documentSlug, "version", version)
	return nil
}

// AuditTrail returns the user's privacy audit entries, newest first.
func (s *Service) AuditTrail(ctx context.Context, userID string, limit int) ([]*AuditEntry, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	return s.store.ListAudit(ctx, userID, limit)
}

// RecordAdminAction appends an operator-initiated change to the audit
// trail on behalf of the affected user.
func (s *Service) RecordAdminAction(ctx context.Context, userID, action, entityID string, metadata map[string]string) {
	entry := &AuditEntry{
		ID:         idgen.WithPrefix("aud_"),
		UserID:     userID,
		Action:     action,
		EntityType: "task",
		EntityID:   entityID,
		Metadata:   metadata,
		CreatedAt:  time.Now(),
	}
	if err := s.store.AppendAudit(ctx, entry); err != nil {
		s.logger.Error("audit append failed", "user_id", userID, "action", action, "error", err)
	}
}

func (s *Service) audit(ctx context.Context, userID, action string, metadata map[string]string) {
	entry := &AuditEntry{
		ID:         idgen.WithPrefix("aud_"),
		UserID:     userID,
		Action:     action,
		EntityType: "user",
		EntityID:   userID,
		Metadata:   metadata,
		CreatedAt:  time.Now(),
	}
	if err := s.store.AppendAudit(ctx, entry); err != nil {
		// The audit trail must not block the user-facing operation.
		s.logger.Error("audit append failed", "user_id", userID, "action", action, "error", err)
	}
}
