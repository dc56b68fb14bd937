package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Helphive/helphive-server/cmd/clock"
	"github.com/Helphive/helphive-server/cmd/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// MinLeadTime is how far in the future a booking must be scheduled.
const MinLeadTime = 3 * time.Hour

// ConflictRetries bounds automatic re-reads after a version conflict.
// AlreadyTaken and InvalidTransition are never retried; retrying would not
// change the result.
const ConflictRetries = 3

type Store interface {
	Get(ctx context.Context, id uint) (*models.Booking, error)
	Create(ctx context.Context, b *models.Booking) error
	// UpdateStatusConditional applies updates (which must include the new
	// status) and appends a history row, conditioned on the stored version
	// matching expectedVersion. Zero rows matched means
	// models.ErrVersionConflict.
	UpdateStatusConditional(ctx context.Context, id uint, expectedVersion int64, updates map[string]interface{}, change models.BookingStatusChange) error
	ListByCustomer(ctx context.Context, customerID uint, page, pageSize int) ([]models.Booking, int64, error)
	ListByProvider(ctx context.Context, providerID uint, page, pageSize int) ([]models.Booking, int64, error)
	// ListExpiredPending returns pending_payment bookings created before
	// the cutoff, oldest first.
	ListExpiredPending(ctx context.Context, createdBefore time.Time, limit int) ([]models.Booking, error)
}

// Payments is the slice of payment reconciliation the ledger drives.
type Payments interface {
	AuthorizeBooking(ctx context.Context, b *models.Booking) error
	CaptureBooking(ctx context.Context, b *models.Booking) error
	RefundBooking(ctx context.Context, b *models.Booking, reason string) error
}

// Feed pushes booking events to connected providers. Optional; a nil feed
// disables pushes without affecting correctness.
type Feed interface {
	BookingOpened(b *models.Booking)
	BookingTaken(b *models.Booking)
}

// Earnings credits the provider ledger on completion.
type Earnings interface {
	Credit(ctx context.Context, b *models.Booking) (bool, error)
}

type Service struct {
	store    Store
	payments Payments
	earnings Earnings
	clock    clock.Clock
	feeBps   int
	feed     Feed
}

// SetFeed wires the live feed after construction; the ws hub and the
// service reference each other's packages' products, not each other.
func (s *Service) SetFeed(f Feed) {
	s.feed = f
}

func NewService(store Store, payments Payments, earnings Earnings, clk clock.Clock, feeBps int) *Service {
	if feeBps <= 0 {
		feeBps = models.DefaultFeeRateBps
	}
	return &Service{
		store:    store,
		payments: payments,
		earnings: earnings,
		clock:    clk,
		feeBps:   feeBps,
	}
}

type CreateInput struct {
	CustomerID      uint
	ServiceType     string
	HourlyRateCents int64
	Hours           int
	Currency        string
	ScheduledStart  time.Time
	DurationHours   int
	Address         string
	Latitude        float64
	Longitude       float64
}

// Create validates commercial terms and persists a pending_payment booking
// with the fee split frozen at the current rate.
func (s *Service) Create(ctx context.Context, in CreateInput) (*models.Booking, error) {
	if in.HourlyRateCents <= 0 {
		return nil, models.ErrInvalidRate
	}
	if in.Hours <= 0 {
		return nil, models.ErrInvalidHours
	}
	if s.feeBps < 0 || s.feeBps > 10000 {
		return nil, models.ErrInvalidFeeRate
	}
	now := s.clock.Now()
	if in.ScheduledStart.Before(now.Add(MinLeadTime)) {
		return nil, models.ErrLeadTimeTooShort
	}

	gross := in.HourlyRateCents * int64(in.Hours)
	fee := models.PlatformFee(gross, s.feeBps)

	currency := in.Currency
	if currency == "" {
		currency = "usd"
	}
	durationHours := in.DurationHours
	if durationHours == 0 {
		durationHours = in.Hours
	}

	b := &models.Booking{
		Reference:        uuid.NewString(),
		CustomerID:       in.CustomerID,
		ServiceType:      in.ServiceType,
		HourlyRateCents:  in.HourlyRateCents,
		Hours:            in.Hours,
		Currency:         currency,
		GrossCents:       gross,
		PlatformFeeCents: fee,
		NetProviderCents: gross - fee,
		FeeRateBps:       s.feeBps,
		ScheduledStart:   in.ScheduledStart,
		DurationHours:    durationHours,
		Address:          in.Address,
		Latitude:         in.Latitude,
		Longitude:        in.Longitude,
		Status:           models.BookingPendingPayment,
		Version:          1,
		PaymentStatus:    models.PaymentUnpaid,
	}
	if err := s.store.Create(ctx, b); err != nil {
		return nil, fmt.Errorf("create booking: %w", err)
	}
	return b, nil
}

func (s *Service) Get(ctx context.Context, id uint) (*models.Booking, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) ListByCustomer(ctx context.Context, customerID uint, page, pageSize int) ([]models.Booking, int64, error) {
	return s.store.ListByCustomer(ctx, customerID, page, pageSize)
}

func (s *Service) ListByProvider(ctx context.Context, providerID uint, page, pageSize int) ([]models.Booking, int64, error) {
	return s.store.ListByProvider(ctx, providerID, page, pageSize)
}

type TransitionInput struct {
	BookingID       uint
	ExpectedVersion int64
	From            []models.BookingStatus
	To              models.BookingStatus
	ActorID         uint
	// Updates are extra column changes applied in the same conditional
	// write, e.g. provider_id on accept.
	Updates map[string]interface{}
}

// Transition is the single choke point every status mutation goes through.
// No other code path writes bookings.status.
func (s *Service) Transition(ctx context.Context, in TransitionInput) (*models.Booking, error) {
	b, err := s.store.Get(ctx, in.BookingID)
	if err != nil {
		return nil, err
	}
	if b.Version != in.ExpectedVersion {
		return nil, models.ErrVersionConflict
	}
	allowed := false
	for _, from := range in.From {
		if b.Status == from {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, models.ErrInvalidTransition
	}

	updates := map[string]interface{}{}
	for k, v := range in.Updates {
		updates[k] = v
	}
	updates["status"] = in.To

	change := models.BookingStatusChange{
		BookingID:  in.BookingID,
		FromStatus: b.Status,
		ToStatus:   in.To,
		ActorID:    in.ActorID,
		ChangedAt:  s.clock.Now(),
	}
	if err := s.store.UpdateStatusConditional(ctx, in.BookingID, in.ExpectedVersion, updates, change); err != nil {
		return nil, err
	}
	return s.store.Get(ctx, in.BookingID)
}

// transitionRetry re-reads and retries on version conflicts, for callers
// that do not carry their own expected version.
func (s *Service) transitionRetry(ctx context.Context, bookingID uint, from []models.BookingStatus, to models.BookingStatus, actorID uint, updates map[string]interface{}) (*models.Booking, error) {
	var lastErr error
	for attempt := 0; attempt < ConflictRetries; attempt++ {
		b, err := s.store.Get(ctx, bookingID)
		if err != nil {
			return nil, err
		}
		out, err := s.Transition(ctx, TransitionInput{
			BookingID:       bookingID,
			ExpectedVersion: b.Version,
			From:            from,
			To:              to,
			ActorID:         actorID,
			Updates:         updates,
		})
		if err == nil {
			return out, nil
		}
		if !errors.Is(err, models.ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

// Pay authorizes the customer's card for the gross amount and opens the
// booking to providers. Safe to retry: an existing authorization
// short-circuits and an already-open booking is returned as is.
func (s *Service) Pay(ctx context.Context, bookingID, customerID uint) (*models.Booking, error) {
	b, err := s.store.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.CustomerID != customerID {
		return nil, models.ErrInvalidTransition
	}
	if b.Status == models.BookingOpen {
		return b, nil
	}
	if b.Status != models.BookingPendingPayment {
		return nil, models.ErrInvalidTransition
	}

	// Processor round-trip first, outside any transaction; then the local
	// transition from the confirmed result.
	if err := s.payments.AuthorizeBooking(ctx, b); err != nil {
		return nil, err
	}

	b, err = s.transitionRetry(ctx, bookingID, []models.BookingStatus{models.BookingPendingPayment}, models.BookingOpen, customerID, nil)
	if err != nil {
		// The authorization already landed, so the booking cannot be
		// left wherever the lost race put it without checking who won.
		cur, getErr := s.store.Get(ctx, bookingID)
		if getErr != nil {
			return nil, getErr
		}
		switch cur.Status {
		case models.BookingOpen:
			// a concurrent confirmation opened it first and already
			// announced it on the feed
			return cur, nil
		case models.BookingCancelled:
			// the cancel path read the booking as unpaid and skipped the
			// refund; release the hold here. A declined refund queues a
			// reconciliation failure, so the retry sweep picks it up.
			if refundErr := s.payments.RefundBooking(ctx, cur, "cancelled during payment authorization"); refundErr != nil {
				logrus.WithFields(logrus.Fields{
					"booking_id": bookingID,
					"error":      refundErr.Error(),
				}).Warn("refund after cancelled pay race failed")
			}
			return nil, err
		default:
			return nil, err
		}
	}
	if s.feed != nil {
		s.feed.BookingOpened(b)
	}
	return b, nil
}

// ConfirmAuthorized is the webhook path to open: a processor event
// confirmed the authorization. Already-open bookings are a no-op, which
// absorbs duplicate deliveries.
func (s *Service) ConfirmAuthorized(ctx context.Context, bookingID uint) error {
	b, err := s.store.Get(ctx, bookingID)
	if err != nil {
		return err
	}
	if b.Status != models.BookingPendingPayment {
		return nil
	}
	b, err = s.transitionRetry(ctx, bookingID, []models.BookingStatus{models.BookingPendingPayment}, models.BookingOpen, b.CustomerID, nil)
	if err != nil {
		if errors.Is(err, models.ErrInvalidTransition) {
			return nil
		}
		return err
	}
	if s.feed != nil {
		s.feed.BookingOpened(b)
	}
	return nil
}

// Start moves an accepted booking to in_progress. Only the assigned
// provider may start the job.
func (s *Service) Start(ctx context.Context, bookingID, providerID uint) (*models.Booking, error) {
	b, err := s.store.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.ProviderID == nil || *b.ProviderID != providerID {
		return nil, models.ErrInvalidTransition
	}
	return s.transitionRetry(ctx, bookingID, []models.BookingStatus{models.BookingAccepted}, models.BookingInProgress, providerID, nil)
}

// Complete drives in_progress → completed, captures the authorized payment
// and credits the provider ledger. Re-running it for an already completed
// booking re-attempts capture/credit but never duplicates them, so client
// retries and duplicate completion events are safe.
func (s *Service) Complete(ctx context.Context, bookingID, providerID uint) (*models.Booking, error) {
	b, err := s.store.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.ProviderID == nil || *b.ProviderID != providerID {
		return nil, models.ErrInvalidTransition
	}

	if b.Status != models.BookingCompleted {
		b, err = s.transitionRetry(ctx, bookingID, []models.BookingStatus{models.BookingInProgress}, models.BookingCompleted, providerID, nil)
		if err != nil {
			return nil, err
		}
	}

	// Processor call happens outside any transaction; capture failure
	// leaves the booking completed with payment_status still authorized
	// and a reconciliation failure queued for retry.
	if err := s.payments.CaptureBooking(ctx, b); err != nil {
		logrus.WithFields(logrus.Fields{
			"booking_id": b.ID,
			"error":      err.Error(),
		}).Error("payment capture failed, reconciliation pending")
		return s.store.Get(ctx, bookingID)
	}

	b, err = s.store.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if _, err := s.earnings.Credit(ctx, b); err != nil {
		return nil, fmt.Errorf("credit earnings: %w", err)
	}
	return b, nil
}

// Cancel is reachable from every non-terminal state. Customers may cancel
// their own bookings; the assigned provider may cancel accepted or
// in_progress jobs. Held or captured funds are released back to the
// customer.
func (s *Service) Cancel(ctx context.Context, bookingID, actorID uint, reason string) (*models.Booking, error) {
	b, err := s.store.Get(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	if b.CustomerID != actorID && (b.ProviderID == nil || *b.ProviderID != actorID) {
		return nil, models.ErrInvalidTransition
	}

	now := s.clock.Now()
	b, err = s.transitionRetry(ctx, bookingID,
		[]models.BookingStatus{models.BookingPendingPayment, models.BookingOpen, models.BookingAccepted, models.BookingInProgress},
		models.BookingCancelled, actorID,
		map[string]interface{}{
			"cancelled_by":     actorID,
			"cancelled_reason": reason,
			"cancelled_at":     now,
		})
	if err != nil {
		return nil, err
	}

	if b.PaymentStatus == models.PaymentAuthorized || b.PaymentStatus == models.PaymentCaptured {
		if err := s.payments.RefundBooking(ctx, b, reason); err != nil {
			logrus.WithFields(logrus.Fields{
				"booking_id": b.ID,
				"error":      err.Error(),
			}).Error("refund failed, reconciliation pending")
		}
	}
	return s.store.Get(ctx, bookingID)
}

// ExpirePending cancels a pending_payment booking whose authorization
// window lapsed. Called by the background sweep, never by users.
func (s *Service) ExpirePending(ctx context.Context, bookingID uint) (*models.Booking, error) {
	now := s.clock.Now()
	b, err := s.transitionRetry(ctx, bookingID,
		[]models.BookingStatus{models.BookingPendingPayment},
		models.BookingCancelled, 0,
		map[string]interface{}{
			"cancelled_reason": "payment authorization window expired",
			"cancelled_at":     now,
		})
	if err != nil {
		return nil, err
	}

	// An authorization that landed without the booking ever opening still
	// holds customer funds. Release it.
	if b.PaymentStatus == models.PaymentAuthorized {
		if err := s.payments.RefundBooking(ctx, b, "authorization window expired"); err != nil {
			logrus.WithFields(logrus.Fields{
				"booking_id": b.ID,
				"error":      err.Error(),
			}).Error("refund failed, reconciliation pending")
		}
	}
	return s.store.Get(ctx, bookingID)
}
