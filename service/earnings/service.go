package earnings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Helphive/helphive-server/cmd/clock"
	"github.com/Helphive/helphive-server/cmd/models"
	"github.com/sirupsen/logrus"
)

// ErrNoProvider means the booking reached completion without an assigned
// provider, which the ledger makes impossible; treat as a programmer error.
var ErrNoProvider = errors.New("booking has no provider")

// EntryBalance pairs an earnings entry with how much of it is already
// reserved by non-failed payouts.
type EntryBalance struct {
	Entry          models.EarningsEntry
	AllocatedCents int64
}

type BalanceSummary struct {
	PendingCents   int64 `json:"pending_cents"`
	AvailableCents int64 `json:"available_cents"`
	PaidCents      int64 `json:"paid_cents"`
}

type Store interface {
	// CreateEntry inserts the entry unless one already exists for the
	// booking; created=false is the idempotent no-op, not an error.
	CreateEntry(ctx context.Context, e *models.EarningsEntry) (created bool, err error)
	MatureEntries(ctx context.Context, now time.Time) (int64, error)
	// WithProviderLock runs fn inside a transaction holding a row lock on
	// the provider, serializing concurrent payout requests for that
	// provider only.
	WithProviderLock(ctx context.Context, providerID uint, fn func(tx Store) error) error
	AvailableEntries(ctx context.Context, providerID uint) ([]EntryBalance, error)
	CreatePayout(ctx context.Context, p *models.PayoutRequest, allocations []models.PayoutAllocation) error
	GetPayout(ctx context.Context, id uint) (*models.PayoutRequest, error)
	SetPayoutStatus(ctx context.Context, id uint, status models.PayoutStatus, processorPayoutID, failureReason string) error
	// ReleaseAllocations drops a failed payout's reservations, returning
	// the funds to the provider's available balance.
	ReleaseAllocations(ctx context.Context, payoutID uint) error
	// SettlePaidEntries flips entries fully covered by paid payouts to
	// status paid.
	SettlePaidEntries(ctx context.Context, payoutID uint) error
	Balance(ctx context.Context, providerID uint) (BalanceSummary, error)
	ListEntries(ctx context.Context, providerID uint, page, pageSize int) ([]models.EarningsEntry, int64, error)
	ListPayouts(ctx context.Context, providerID uint, page, pageSize int) ([]models.PayoutRequest, int64, error)
}

// PayoutExecutor submits payouts to the processor; implemented by the
// payment reconciler.
type PayoutExecutor interface {
	ExecutePayout(ctx context.Context, providerID uint, amountCents int64, currency, idempotencyKey string) (string, error)
}

type Service struct {
	store    Store
	executor PayoutExecutor
	clock    clock.Clock
}

func NewService(store Store, executor PayoutExecutor, clk clock.Clock) *Service {
	return &Service{
		store:    store,
		executor: executor,
		clock:    clk,
	}
}

// Credit records the provider's net amount for a completed, captured
// booking. Keyed by booking id: a second call for the same booking reports
// created=false and changes nothing.
func (s *Service) Credit(ctx context.Context, b *models.Booking) (bool, error) {
	if b.ProviderID == nil {
		return false, ErrNoProvider
	}

	entry := &models.EarningsEntry{
		BookingID:   b.ID,
		ProviderID:  *b.ProviderID,
		AmountCents: b.NetProviderCents,
		Status:      models.EarningsPending,
		AvailableAt: s.clock.Now().Add(models.ClearancePeriod),
	}
	created, err := s.store.CreateEntry(ctx, entry)
	if err != nil {
		return false, fmt.Errorf("credit earnings for booking %d: %w", b.ID, err)
	}
	if created {
		logrus.WithFields(logrus.Fields{
			"booking_id":   b.ID,
			"provider_id":  *b.ProviderID,
			"amount_cents": b.NetProviderCents,
		}).Info("earnings credited")
	}
	return created, nil
}

// Mature moves entries past their clearance window from pending to
// available. Runs on any cadence; it only loosens a constraint forward in
// time.
func (s *Service) Mature(ctx context.Context) (int64, error) {
	return s.store.MatureEntries(ctx, s.clock.Now())
}

func (s *Service) Balance(ctx context.Context, providerID uint) (BalanceSummary, error) {
	return s.store.Balance(ctx, providerID)
}

func (s *Service) ListEntries(ctx context.Context, providerID uint, page, pageSize int) ([]models.EarningsEntry, int64, error) {
	return s.store.ListEntries(ctx, providerID, page, pageSize)
}

func (s *Service) ListPayouts(ctx context.Context, providerID uint, page, pageSize int) ([]models.PayoutRequest, int64, error) {
	return s.store.ListPayouts(ctx, providerID, page, pageSize)
}

// RequestPayout reserves available funds and submits a payout. The balance
// check, the reservation and the request row are one transactional unit
// under the provider lock; the processor call happens after, and a decline
// releases the reservation so no funds are lost.
func (s *Service) RequestPayout(ctx context.Context, providerID uint, amountCents int64) (*models.PayoutRequest, error) {
	if amountCents <= 0 {
		return nil, models.ErrInvalidAmount
	}

	var payout *models.PayoutRequest
	err := s.store.WithProviderLock(ctx, providerID, func(tx Store) error {
		balances, err := tx.AvailableEntries(ctx, providerID)
		if err != nil {
			return err
		}

		var available int64
		for _, eb := range balances {
			available += eb.Entry.AmountCents - eb.AllocatedCents
		}
		if amountCents > available {
			return models.ErrInsufficientBalance
		}

		payout = &models.PayoutRequest{
			ProviderID:  providerID,
			AmountCents: amountCents,
			Status:      models.PayoutRequested,
		}

		// Reserve oldest entries first; the last one may be split.
		allocations := make([]models.PayoutAllocation, 0, len(balances))
		remaining := amountCents
		for _, eb := range balances {
			if remaining == 0 {
				break
			}
			free := eb.Entry.AmountCents - eb.AllocatedCents
			if free <= 0 {
				continue
			}
			take := free
			if take > remaining {
				take = remaining
			}
			allocations = append(allocations, models.PayoutAllocation{
				EarningsEntryID: eb.Entry.ID,
				AmountCents:     take,
			})
			remaining -= take
		}

		return tx.CreatePayout(ctx, payout, allocations)
	})
	if err != nil {
		return nil, err
	}

	// The row reads processing while the processor call is in flight.
	if err := s.store.SetPayoutStatus(ctx, payout.ID, models.PayoutProcessing, "", ""); err != nil {
		return nil, err
	}

	processorID, err := s.executor.ExecutePayout(ctx, providerID, amountCents, "usd", fmt.Sprintf("payout-%d", payout.ID))
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"payout_id":   payout.ID,
			"provider_id": providerID,
			"error":       err.Error(),
		}).Warn("payout declined, releasing reservation")
		if relErr := s.store.ReleaseAllocations(ctx, payout.ID); relErr != nil {
			return nil, fmt.Errorf("release allocations for payout %d: %w", payout.ID, relErr)
		}
		if stErr := s.store.SetPayoutStatus(ctx, payout.ID, models.PayoutFailed, "", err.Error()); stErr != nil {
			return nil, stErr
		}
		return s.store.GetPayout(ctx, payout.ID)
	}

	if err := s.store.SetPayoutStatus(ctx, payout.ID, models.PayoutPaid, processorID, ""); err != nil {
		return nil, err
	}
	if err := s.store.SettlePaidEntries(ctx, payout.ID); err != nil {
		logrus.WithField("payout_id", payout.ID).Warnf("settle paid entries: %v", err)
	}
	return s.store.GetPayout(ctx, payout.ID)
}
