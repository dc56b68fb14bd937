package payment

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"

	"github.com/Helphive/helphive-server/cmd/models"
	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// Handler receives processor events. The confirm hook is the booking
// ledger's pending_payment → open transition, wired in at router setup.
type Handler struct {
	store         Store
	confirm       func(r *http.Request, bookingID uint) error
	webhookSecret []byte
}

func NewHandler(store Store, confirm func(r *http.Request, bookingID uint) error) *Handler {
	return &Handler{
		store:         store,
		confirm:       confirm,
		webhookSecret: []byte(os.Getenv("STRIPE_WEBHOOK_SECRET")),
	}
}

func (h *Handler) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/payments/webhook", h.HandleWebhook).Methods("POST")
}

type webhookEvent struct {
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"object"`
	} `json:"data"`
}

// HandleWebhook processes processor events. Deliveries are at-least-once;
// every branch is idempotent so duplicates are harmless.
func (h *Handler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	signature := r.Header.Get("Stripe-Signature")
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Error reading request body", http.StatusBadRequest)
		return
	}

	mac := hmac.New(sha256.New, h.webhookSecret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(signature), []byte(expected)) {
		http.Error(w, "Invalid signature", http.StatusBadRequest)
		return
	}

	var event webhookEvent
	if err := json.Unmarshal(body, &event); err != nil {
		http.Error(w, "Error parsing webhook payload", http.StatusBadRequest)
		return
	}

	switch event.Type {
	case "payment_intent.succeeded", "payment_intent.amount_capturable_updated":
		b, err := h.store.GetBookingByIntent(r.Context(), event.Data.Object.ID)
		if err != nil {
			if errors.Is(err, models.ErrBookingNotFound) {
				// Not ours; acknowledge so the processor stops retrying.
				w.WriteHeader(http.StatusOK)
				return
			}
			http.Error(w, "Error loading booking", http.StatusInternalServerError)
			return
		}
		if _, err := h.store.AdvancePaymentStatus(r.Context(), b.ID,
			[]models.PaymentStatus{models.PaymentUnpaid, models.PaymentFailed}, models.PaymentAuthorized); err != nil {
			http.Error(w, "Error updating payment status", http.StatusInternalServerError)
			return
		}
		if err := h.confirm(r, b.ID); err != nil {
			logrus.WithField("booking_id", b.ID).Errorf("confirm authorization: %v", err)
			http.Error(w, "Error confirming booking", http.StatusInternalServerError)
			return
		}

	case "payment_intent.payment_failed":
		b, err := h.store.GetBookingByIntent(r.Context(), event.Data.Object.ID)
		if err != nil {
			w.WriteHeader(http.StatusOK)
			return
		}
		if _, err := h.store.AdvancePaymentStatus(r.Context(), b.ID,
			[]models.PaymentStatus{models.PaymentUnpaid}, models.PaymentFailed); err != nil {
			http.Error(w, "Error updating payment status", http.StatusInternalServerError)
			return
		}

	default:
		// Unhandled event types are acknowledged, not errors.
	}

	w.WriteHeader(http.StatusOK)
}
