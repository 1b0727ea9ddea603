package reconcile

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskup/backend/internal/payments"
	"github.com/taskup/backend/internal/wallet"
)

const testSecret = "whsec_test_secret"

func setupWebhookRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ledger := wallet.New(wallet.NewMemoryStore(), nil)
	svc := NewService(ledger, NewMemoryEventStore(), payments.NewMemoryStore(), nil)

	r := gin.New()
	NewHandler(svc, testSecret, nil).RegisterRoutes(r)
	return r
}

// sign produces a gateway signature header for the payload.
func sign(payload []byte, secret string, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	fmt.Fprintf(mac, "%d.%s", ts.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func postWebhook(r *gin.Engine, payload []byte, signature string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/webhooks/payment", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signature)
	r.ServeHTTP(w, req)
	return w
}

func TestWebhook_ValidSignature(t *testing.T) {
	r := setupWebhookRouter(t)
	payload := []byte(`{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"id":"pi_unknown"}}}`)

	w := postWebhook(r, payload, sign(payload, testSecret, time.Now()))

	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"received": true}`, w.Body.String())
}

func TestWebhook_IgnoredEventTypeStillAccepted(t *testing.T) {
	r := setupWebhookRouter(t)
	payload := []byte(`{"id":"evt_2","type":"customer.created","data":{"object":{"id":"cus_1"}}}`)

	w := postWebhook(r, payload, sign(payload, testSecret, time.Now()))
	require.Equal(t, http.StatusOK, w.Code)
}

func TestWebhook_BadSignature(t *testing.T) {
	r := setupWebhookRouter(t)
	payload := []byte(`{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1"}}}`)

	w := postWebhook(r, payload, sign(payload, "whsec_wrong_secret", time.Now()))

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid_signature")
}

func TestWebhook_MissingSignature(t *testing.T) {
	r := setupWebhookRouter(t)
	payload := []byte(`{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1"}}}`)

	w := postWebhook(r, payload, "")
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhook_StaleTimestamp(t *testing.T) {
	r := setupWebhookRouter(t)
	payload := []byte(`{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1"}}}`)

	// Outside the default tolerance window.
	w := postWebhook(r, payload, sign(payload, testSecret, time.Now().Add(-time.Hour)))
	require.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWebhook_TamperedPayload(t *testing.T) {
	r := setupWebhookRouter(t)
	payload := []byte(`{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{"id":"pi_1"}}}`)
	signature := sign(payload, testSecret, time.Now())

	tampered := bytes.Replace(payload, []byte("pi_1"), []byte("pi_2"), 1)
	w := postWebhook(r, tampered, signature)
	require.Equal(t, http.StatusBadRequest, w.Code)
}
