package gdpr

import (
	"context"
	"errors"
	"testing"
)

type fakeUsers struct {
	password      string
	anonymized    []string
	termsAccepted []string
	anonymizeErr  error
}

func (f *fakeUsers) VerifyPassword(ctx context.Context, userID, password string) error {
	if password != f.password {
		return errors.New("bad password")
	}
	return nil
}

func (f *fakeUsers) Anonymize(ctx context.Context, userID string) error {
	if f.anonymizeErr != nil {
		return f.anonymizeErr
	}
	f.anonymized = append(f.anonymized, userID)
	return nil
}

func (f *fakeUsers) MarkTermsAccepted(ctx context.Context, userID string) error {
	f.termsAccepted = append(f.termsAccepted, userID)
	return nil
}

func setupService(t *testing.T) (*Service, *fakeUsers, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	users := &fakeUsers{password: "correct horse"}
	return NewService(store, users, nil), users, store
}

func TestDeleteAccount(t *testing.T) {
	svc, users, store := setupService(t)
	ctx := context.Background()

	if err := svc.DeleteAccount(ctx, "usr_1", "correct horse", "no longer needed"); err != nil {
		t.Fatalf("DeleteAccount failed: %v", err)
	}
	if len(users.anonymized) != 1 || users.anonymized[0] != "usr_1" {
		t.Errorf("anonymized = %v, want [usr_1]", users.anonymized)
	}

	entries, err := store.ListAudit(ctx, "usr_1", 10)
	if err != nil {
		t.Fatalf("ListAudit failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Action != "account_deleted" {
		t.Fatalf("expected one account_deleted audit entry, got %v", entries)
	}
	if entries[0].Metadata["reason"] != "no longer needed" {
		t.Errorf("reason = %q, want 'no longer needed'", entries[0].Metadata["reason"])
	}
}

func TestDeleteAccount_WrongPassword(t *testing.T) {
	svc, users, _ := setupService(t)

	err := svc.DeleteAccount(context.Background(), "usr_1", "wrong", "")
	if !errors.Is(err, ErrWrongPassword) {
		t.Fatalf("err = %v, want ErrWrongPassword", err)
	}
	if len(users.anonymized) != 0 {
		t.Error("account must not be anonymized on failed verification")
	}
}

func TestDeleteAccount_AnonymizeFailure(t *testing.T) {
	svc, users, store := setupService(t)
	users.anonymizeErr = errors.New("db down")

	if err := svc.DeleteAccount(context.Background(), "usr_1", "correct horse", ""); err == nil {
		t.Fatal("expected error when anonymize fails")
	}
	entries, _ := store.ListAudit(context.Background(), "usr_1", 10)
	if len(entries) != 0 {
		t.Error("no audit entry expected for a failed deletion")
	}
}

func TestExportData(t *testing.T) {
	svc, _, store := setupService(t)
	ctx := context.Background()

	svc.AddExportSection("wallet", func(ctx context.Context, userID string) (any, error) {
		return map[string]string{"balance": "100.00"}, nil
	})
	svc.AddExportSection("broken", func(ctx context.Context, userID string) (any, error) {
		return nil, errors.New("section unavailable")
	})

	export, err := svc.ExportData(ctx, "usr_1")
	if err != nil {
		t.Fatalf("ExportData failed: %v", err)
	}
	if export["exportDate"] == "" {
		t.Error("export must carry a timestamp")
	}
	wallet, ok := export["wallet"].(map[string]string)
	if !ok || wallet["balance"] != "100.00" {
		t.Errorf("wallet section = %v", export["wallet"])
	}
	// A failing section must not abort the whole export.
	if v, present := export["broken"]; !present || v != nil {
		t.Errorf("broken section = %v, want present and nil", v)
	}

	entries, _ := store.ListAudit(ctx, "usr_1", 10)
	if len(entries) != 1 || entries[0].Action != "data_exported" {
		t.Fatalf("expected one data_exported audit entry, got %v", entries)
	}
}

func TestCookieConsent(t *testing.T) {
	svc, _, _ := setupService(t)
	ctx := context.Background()

	latest, err := svc.LatestConsent(ctx, "usr_1")
	if err != nil {
		t.Fatalf("LatestConsent failed: %v", err)
	}
	if latest != nil {
		t.Fatal("expected no consent before any decision")
	}

	first := &CookieConsent{UserID: "usr_1", Essential: true, Analytics: true}
	if err := svc.SaveCookieConsent(ctx, first); err != nil {
		t.Fatalf("SaveCookieConsent failed: %v", err)
	}
	second := &CookieConsent{UserID: "usr_1", Essential: true, Analytics: false, Marketing: true}
	if err := svc.SaveCookieConsent(ctx, second); err != nil {
		t.Fatalf("SaveCookieConsent failed: %v", err)
	}

	latest, err = svc.LatestConsent(ctx, "usr_1")
	if err != nil {
		t.Fatalf("LatestConsent failed: %v", err)
	}
	if latest == nil || latest.Analytics || !latest.Marketing {
		t.Errorf("latest = %+v, want the second decision", latest)
	}
	if latest.ID == "" {
		t.Error("consent must get an id")
	}
}

func TestAcceptTerms(t *testing.T) {
	svc, users, store := setupService(t)
	ctx := context.Background()

	if err := svc.AcceptTerms(ctx, "usr_1", "terms-of-service", "2026-01", "203.0.113.9"); err != nil {
		t.Fatalf("AcceptTerms failed: %v", err)
	}
	if len(users.termsAccepted) != 1 {
		t.Error("user account must be stamped")
	}
	if len(store.acceptances) != 1 || store.acceptances[0].DocumentSlug != "terms-of-service" {
		t.Fatalf("acceptances = %v", store.acceptances)
	}
}

func TestAuditTrail_LimitClamp(t *testing.T) {
	svc, _, _ := setupService(t)
	ctx := context.Background()

	for range 60 {
		if _, err := svc.ExportData(ctx, "usr_1"); err != nil {
			t.Fatalf("ExportData failed: %v", err)
		}
	}

	entries, err := svc.AuditTrail(ctx, "usr_1", 0)
	if err != nil {
		t.Fatalf("AuditTrail failed: %v", err)
	}
	if len(entries) != 50 {
		t.Errorf("len = %d, want default limit 50", len(entries))
	}
}
