package payment

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Helphive/helphive-server/cmd/models"
	"github.com/stretchr/testify/require"
)

const webhookSecret = "whsec_test"

func signedRequest(t *testing.T, body string) *http.Request {
	t.Helper()
	req := httptest.NewRequest("POST", "/payments/webhook", bytes.NewReader([]byte(body)))
	mac := hmac.New(sha256.New, []byte(webhookSecret))
	mac.Write([]byte(body))
	req.Header.Set("Stripe-Signature", hex.EncodeToString(mac.Sum(nil)))
	return req
}

func intentEvent(eventType, intentID string) string {
	return fmt.Sprintf(`{"type":%q,"data":{"object":{"id":%q,"status":"succeeded"}}}`, eventType, intentID)
}

func newWebhookHandler(t *testing.T, store Store, confirm func(r *http.Request, bookingID uint) error) *Handler {
	t.Helper()
	t.Setenv("STRIPE_WEBHOOK_SECRET", webhookSecret)
	if confirm == nil {
		confirm = func(*http.Request, uint) error { return nil }
	}
	return NewHandler(store, confirm)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	h := newWebhookHandler(t, newMemStore(), nil)

	req := httptest.NewRequest("POST", "/payments/webhook", bytes.NewReader([]byte("{}")))
	req.Header.Set("Stripe-Signature", "deadbeef")
	rec := httptest.NewRecorder()
	h.HandleWebhook(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookConfirmsAuthorization(t *testing.T) {
	store := newMemStore()
	b := seedBooking(store, 1, models.PaymentUnpaid)
	b.PaymentIntentID = "pi_123"

	var confirmed []uint
	h := newWebhookHandler(t, store, func(_ *http.Request, id uint) error {
		confirmed = append(confirmed, id)
		return nil
	})

	rec := httptest.NewRecorder()
	h.HandleWebhook(rec, signedRequest(t, intentEvent("payment_intent.amount_capturable_updated", "pi_123")))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, []uint{1}, confirmed)

	stored, err := store.GetBooking(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, models.PaymentAuthorized, stored.PaymentStatus)
}

func TestWebhookAcksUnknownIntent(t *testing.T) {
	h := newWebhookHandler(t, newMemStore(), nil)

	rec := httptest.NewRecorder()
	h.HandleWebhook(rec, signedRequest(t, intentEvent("payment_intent.succeeded", "pi_unknown")))

	require.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhookMarksPaymentFailed(t *testing.T) {
	store := newMemStore()
	b := seedBooking(store, 1, models.PaymentUnpaid)
	b.PaymentIntentID = "pi_123"

	h := newWebhookHandler(t, store, nil)
	rec := httptest.NewRecorder()
	h.HandleWebhook(rec, signedRequest(t, intentEvent("payment_intent.payment_failed", "pi_123")))

	require.Equal(t, http.StatusOK, rec.Code)
	stored, err := store.GetBooking(context.Background(), 1)
	require.NoError(t, err)
	require.Equal(t, models.PaymentFailed, stored.PaymentStatus)
}

func TestWebhookAcksUnknownEventType(t *testing.T) {
	h := newWebhookHandler(t, newMemStore(), nil)

	rec := httptest.NewRecorder()
	h.HandleWebhook(rec, signedRequest(t, `{"type":"charge.updated","data":{"object":{"id":"ch_1"}}}`))

	require.Equal(t, http.StatusOK, rec.Code)
}
