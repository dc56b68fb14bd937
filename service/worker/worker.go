package worker

import (
	"context"
	"errors"
	"time"

	"github.com/Helphive/helphive-server/cmd/clock"
	"github.com/Helphive/helphive-server/cmd/models"
	"github.com/Helphive/helphive-server/service/booking"
	"github.com/Helphive/helphive-server/service/earnings"
	"github.com/Helphive/helphive-server/service/payment"
	"github.com/sirupsen/logrus"
)

const (
	// PendingPaymentWindow is how long a booking may sit in
	// pending_payment before the sweep cancels it.
	PendingPaymentWindow = 30 * time.Minute

	expireInterval    = 1 * time.Minute
	matureInterval    = 5 * time.Minute
	reconcileInterval = 1 * time.Minute

	sweepBatchSize = 100
)

// Worker runs the periodic maintenance sweeps: expiring stale
// pending_payment bookings, maturing cleared earnings and retrying
// queued reconciliation failures.
type Worker struct {
	bookings   *booking.Service
	store      booking.Store
	earnings   *earnings.Service
	reconciler *payment.Reconciler
	clock      clock.Clock
	log        *logrus.Logger
}

func New(bookings *booking.Service, store booking.Store, earningsSvc *earnings.Service, reconciler *payment.Reconciler, clk clock.Clock, log *logrus.Logger) *Worker {
	return &Worker{
		bookings:   bookings,
		store:      store,
		earnings:   earningsSvc,
		reconciler: reconciler,
		clock:      clk,
		log:        log,
	}
}

// Start launches one goroutine per sweep. All loops stop when ctx is
// cancelled.
func (w *Worker) Start(ctx context.Context) {
	go w.loop(ctx, expireInterval, "expire_pending", w.ExpireStalePending)
	go w.loop(ctx, matureInterval, "mature_earnings", w.MatureEarnings)
	go w.loop(ctx, reconcileInterval, "retry_reconciliation", w.RetryReconciliation)
}

func (w *Worker) loop(ctx context.Context, interval time.Duration, name string, sweep func(context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.log.WithField("sweep", name).Info("sweep stopped")
			return
		case <-ticker.C:
			if err := sweep(ctx); err != nil {
				w.log.WithFields(logrus.Fields{
					"sweep": name,
					"error": err.Error(),
				}).Error("sweep failed")
			}
		}
	}
}

// ExpireStalePending cancels pending_payment bookings older than the
// payment window. Races with a concurrent Pay resolve at the ledger:
// whichever transition lands first wins.
func (w *Worker) ExpireStalePending(ctx context.Context) error {
	cutoff := w.clock.Now().Add(-PendingPaymentWindow)
	stale, err := w.store.ListExpiredPending(ctx, cutoff, sweepBatchSize)
	if err != nil {
		return err
	}

	for _, b := range stale {
		if _, err := w.bookings.ExpirePending(ctx, b.ID); err != nil {
			// Lost the race to a payment or another sweep. Not an error.
			if errors.Is(err, models.ErrInvalidTransition) || errors.Is(err, models.ErrVersionConflict) {
				continue
			}
			w.log.WithFields(logrus.Fields{
				"booking_id": b.ID,
				"error":      err.Error(),
			}).Error("expiring pending booking")
			continue
		}
		w.log.WithField("booking_id", b.ID).Info("expired pending booking")
	}
	return nil
}

func (w *Worker) MatureEarnings(ctx context.Context) error {
	matured, err := w.earnings.Mature(ctx)
	if err != nil {
		return err
	}
	if matured > 0 {
		w.log.WithField("entries", matured).Info("matured earnings entries")
	}
	return nil
}

func (w *Worker) RetryReconciliation(ctx context.Context) error {
	retried, err := w.reconciler.RetryDueFailures(ctx, sweepBatchSize)
	if err != nil {
		return err
	}
	if retried > 0 {
		w.log.WithField("resolved", retried).Info("reconciliation retries resolved")
	}
	return nil
}
