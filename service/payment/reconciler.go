package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Helphive/helphive-server/cmd/clock"
	"github.com/Helphive/helphive-server/cmd/models"
	"github.com/sirupsen/logrus"
)

// ErrNoConnectedAccount means the provider cannot receive payouts yet.
var ErrNoConnectedAccount = errors.New("provider has no connected account")

const (
	retryBackoffBase = time.Minute
	retryBackoffMax  = time.Hour
)

// Crediter is the earnings-side hook used when a retried capture finally
// lands. Wired after construction to break the mutual dependency with the
// earnings ledger.
type Crediter interface {
	Credit(ctx context.Context, b *models.Booking) (bool, error)
}

// Reconciler bridges booking lifecycle events to the processor and keeps
// payment_status consistent. Processor calls happen outside any database
// transaction; local state is advanced afterward from the response.
type Reconciler struct {
	store     Store
	processor Processor
	clock     clock.Clock
	earnings  Crediter
}

func NewReconciler(store Store, processor Processor, clk clock.Clock) *Reconciler {
	return &Reconciler{
		store:     store,
		processor: processor,
		clock:     clk,
	}
}

func (r *Reconciler) SetEarnings(c Crediter) {
	r.earnings = c
}

// AuthorizeBooking creates a manual-capture authorization for the gross
// amount. The booking id is the idempotency key: a retry that finds an
// intent already stored short-circuits instead of double-authorizing.
func (r *Reconciler) AuthorizeBooking(ctx context.Context, b *models.Booking) error {
	if b.PaymentIntentID != "" {
		return nil
	}

	intentID, err := r.processor.Authorize(ctx, b.GrossCents, b.Currency, fmt.Sprintf("booking-%d-authorize", b.ID))
	if err != nil {
		return fmt.Errorf("authorize booking %d: %w", b.ID, err)
	}

	if err := r.store.SetPaymentIntent(ctx, b.ID, intentID); err != nil {
		return err
	}
	if _, err := r.store.AdvancePaymentStatus(ctx, b.ID,
		[]models.PaymentStatus{models.PaymentUnpaid, models.PaymentFailed}, models.PaymentAuthorized); err != nil {
		return err
	}
	b.PaymentIntentID = intentID
	b.PaymentStatus = models.PaymentAuthorized
	return nil
}

// CaptureBooking converts the authorization into a charge. Already-captured
// bookings are a no-op. On processor failure the booking keeps
// payment_status authorized and a reconciliation failure row is queued; it
// is never silently marked captured.
func (r *Reconciler) CaptureBooking(ctx context.Context, b *models.Booking) error {
	switch b.PaymentStatus {
	case models.PaymentCaptured:
		return nil
	case models.PaymentAuthorized:
	default:
		return fmt.Errorf("capture booking %d: payment status %s", b.ID, b.PaymentStatus)
	}

	if err := r.processor.Capture(ctx, b.PaymentIntentID, fmt.Sprintf("booking-%d-capture", b.ID)); err != nil {
		r.queueFailure(ctx, b.ID, "capture", err)
		return fmt.Errorf("capture booking %d: %w", b.ID, err)
	}

	changed, err := r.store.AdvancePaymentStatus(ctx, b.ID,
		[]models.PaymentStatus{models.PaymentAuthorized}, models.PaymentCaptured)
	if err != nil {
		return err
	}
	if changed {
		b.PaymentStatus = models.PaymentCaptured
	}
	if err := r.store.ResolveFailure(ctx, b.ID, r.clock.Now()); err != nil {
		logrus.WithField("booking_id", b.ID).Warnf("resolve reconciliation failure: %v", err)
	}
	return nil
}

// RefundBooking releases an authorization or refunds a capture after a
// cancellation.
func (r *Reconciler) RefundBooking(ctx context.Context, b *models.Booking, reason string) error {
	if b.PaymentStatus != models.PaymentAuthorized && b.PaymentStatus != models.PaymentCaptured {
		return nil
	}

	if err := r.processor.Refund(ctx, b.PaymentIntentID, b.GrossCents, fmt.Sprintf("booking-%d-refund", b.ID)); err != nil {
		r.queueFailure(ctx, b.ID, "refund", err)
		return fmt.Errorf("refund booking %d: %w", b.ID, err)
	}

	if _, err := r.store.AdvancePaymentStatus(ctx, b.ID,
		[]models.PaymentStatus{models.PaymentAuthorized, models.PaymentCaptured}, models.PaymentRefunded); err != nil {
		return err
	}
	b.PaymentStatus = models.PaymentRefunded
	logrus.WithFields(logrus.Fields{"booking_id": b.ID, "reason": reason}).Info("booking refunded")
	return nil
}

// ExecutePayout submits a payout to the provider's connected account and
// returns the processor payout id.
func (r *Reconciler) ExecutePayout(ctx context.Context, providerID uint, amountCents int64, currency, idempotencyKey string) (string, error) {
	provider, err := r.store.GetUser(ctx, providerID)
	if err != nil {
		return "", err
	}
	if provider.ConnectedAccountID == "" {
		return "", ErrNoConnectedAccount
	}
	return r.processor.Payout(ctx, provider.ConnectedAccountID, amountCents, currency, idempotencyKey)
}

// RetryDueFailures re-attempts queued captures with exponential backoff.
// A capture that finally lands also credits the provider's earnings, which
// the completion path skipped while payment was unreconciled.
func (r *Reconciler) RetryDueFailures(ctx context.Context, limit int) (int, error) {
	now := r.clock.Now()
	failures, err := r.store.DueFailures(ctx, now, limit)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, f := range failures {
		b, err := r.store.GetBooking(ctx, f.BookingID)
		if err != nil {
			logrus.WithField("booking_id", f.BookingID).Errorf("reconciliation retry: %v", err)
			continue
		}

		switch f.Operation {
		case "capture":
			if err := r.CaptureBooking(ctx, b); err != nil {
				logrus.WithField("booking_id", b.ID).Warnf("capture retry failed: %v", err)
				continue
			}
			if r.earnings != nil {
				if _, err := r.earnings.Credit(ctx, b); err != nil {
					logrus.WithField("booking_id", b.ID).Errorf("credit after capture retry: %v", err)
					continue
				}
			}
		case "refund":
			if err := r.RefundBooking(ctx, b, "reconciliation retry"); err != nil {
				logrus.WithField("booking_id", b.ID).Warnf("refund retry failed: %v", err)
				continue
			}
			if err := r.store.ResolveFailure(ctx, b.ID, now); err != nil {
				logrus.WithField("booking_id", b.ID).Warnf("resolve failure: %v", err)
			}
		}
		recovered++
	}
	return recovered, nil
}

func (r *Reconciler) queueFailure(ctx context.Context, bookingID uint, operation string, cause error) {
	backoff := retryBackoffBase
	if f, err := r.store.GetFailure(ctx, bookingID); err == nil && f != nil {
		for i := 0; i < f.Attempts && backoff < retryBackoffMax; i++ {
			backoff *= 2
		}
		if backoff > retryBackoffMax {
			backoff = retryBackoffMax
		}
	}
	next := r.clock.Now().Add(backoff)
	if err := r.store.UpsertFailure(ctx, bookingID, operation, cause.Error(), next); err != nil {
		logrus.WithField("booking_id", bookingID).Errorf("queue reconciliation failure: %v", err)
	}
}
