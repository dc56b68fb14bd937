package earnings

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Helphive/helphive-server/cmd/models"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) CreateEntry(ctx context.Context, e *models.EarningsEntry) (bool, error) {
	err := s.db.WithContext(ctx).Create(e).Error
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, fmt.Errorf("create earnings entry: %w", err)
	}
	return true, nil
}

func (s *GormStore) MatureEntries(ctx context.Context, now time.Time) (int64, error) {
	res := s.db.WithContext(ctx).Model(&models.EarningsEntry{}).
		Where("status = ? AND available_at <= ?", models.EarningsPending, now).
		Update("status", models.EarningsAvailable)
	if res.Error != nil {
		return 0, fmt.Errorf("mature entries: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func (s *GormStore) WithProviderLock(ctx context.Context, providerID uint, fn func(tx Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var provider models.User
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&provider, providerID).Error; err != nil {
			return fmt.Errorf("lock provider %d: %w", providerID, err)
		}
		return fn(&GormStore{db: tx})
	})
}

func (s *GormStore) AvailableEntries(ctx context.Context, providerID uint) ([]EntryBalance, error) {
	var entries []models.EarningsEntry
	err := s.db.WithContext(ctx).
		Where("provider_id = ? AND status = ?", providerID, models.EarningsAvailable).
		Order("available_at ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("available entries: %w", err)
	}

	balances := make([]EntryBalance, 0, len(entries))
	for _, e := range entries {
		var allocated int64
		err := s.db.WithContext(ctx).Model(&models.PayoutAllocation{}).
			Select("COALESCE(SUM(payout_allocations.amount_cents), 0)").
			Joins("JOIN payout_requests ON payout_requests.id = payout_allocations.payout_request_id").
			Where("payout_allocations.earnings_entry_id = ? AND payout_requests.status <> ?", e.ID, models.PayoutFailed).
			Scan(&allocated).Error
		if err != nil {
			return nil, fmt.Errorf("sum allocations: %w", err)
		}
		balances = append(balances, EntryBalance{Entry: e, AllocatedCents: allocated})
	}
	return balances, nil
}

func (s *GormStore) CreatePayout(ctx context.Context, p *models.PayoutRequest, allocations []models.PayoutAllocation) error {
	if err := s.db.WithContext(ctx).Create(p).Error; err != nil {
		return fmt.Errorf("create payout: %w", err)
	}
	for i := range allocations {
		allocations[i].PayoutRequestID = p.ID
	}
	if len(allocations) > 0 {
		if err := s.db.WithContext(ctx).Create(&allocations).Error; err != nil {
			return fmt.Errorf("create allocations: %w", err)
		}
	}
	return nil
}

func (s *GormStore) GetPayout(ctx context.Context, id uint) (*models.PayoutRequest, error) {
	var p models.PayoutRequest
	if err := s.db.WithContext(ctx).First(&p, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrPayoutNotFound
		}
		return nil, fmt.Errorf("get payout: %w", err)
	}
	return &p, nil
}

func (s *GormStore) SetPayoutStatus(ctx context.Context, id uint, status models.PayoutStatus, processorPayoutID, failureReason string) error {
	updates := map[string]interface{}{"status": status}
	if processorPayoutID != "" {
		updates["processor_payout_id"] = processorPayoutID
	}
	if failureReason != "" {
		updates["failure_reason"] = failureReason
	}
	return s.db.WithContext(ctx).Model(&models.PayoutRequest{}).
		Where("id = ?", id).
		Updates(updates).Error
}

func (s *GormStore) ReleaseAllocations(ctx context.Context, payoutID uint) error {
	return s.db.WithContext(ctx).
		Where("payout_request_id = ?", payoutID).
		Delete(&models.PayoutAllocation{}).Error
}

// SettlePaidEntries marks entries whose amount is entirely covered by
// allocations of paid payouts as paid.
func (s *GormStore) SettlePaidEntries(ctx context.Context, payoutID uint) error {
	const query = `
UPDATE earnings_entries SET status = 'paid'
WHERE id IN (
	SELECT pa.earnings_entry_id
	FROM payout_allocations pa
	WHERE pa.payout_request_id = ?
)
AND amount_cents <= (
	SELECT COALESCE(SUM(pa2.amount_cents), 0)
	FROM payout_allocations pa2
	JOIN payout_requests pr ON pr.id = pa2.payout_request_id
	WHERE pa2.earnings_entry_id = earnings_entries.id AND pr.status = 'paid'
)`
	return s.db.WithContext(ctx).Exec(query, payoutID).Error
}

func (s *GormStore) Balance(ctx context.Context, providerID uint) (BalanceSummary, error) {
	var summary BalanceSummary

	sumByStatus := func(status models.EarningsStatus) (int64, error) {
		var total int64
		err := s.db.WithContext(ctx).Model(&models.EarningsEntry{}).
			Select("COALESCE(SUM(amount_cents), 0)").
			Where("provider_id = ? AND status = ?", providerID, status).
			Scan(&total).Error
		return total, err
	}

	var err error
	if summary.PendingCents, err = sumByStatus(models.EarningsPending); err != nil {
		return summary, fmt.Errorf("pending balance: %w", err)
	}
	available, err := sumByStatus(models.EarningsAvailable)
	if err != nil {
		return summary, fmt.Errorf("available balance: %w", err)
	}
	if summary.PaidCents, err = sumByStatus(models.EarningsPaid); err != nil {
		return summary, fmt.Errorf("paid balance: %w", err)
	}

	var allocated int64
	err = s.db.WithContext(ctx).Model(&models.PayoutAllocation{}).
		Select("COALESCE(SUM(payout_allocations.amount_cents), 0)").
		Joins("JOIN payout_requests ON payout_requests.id = payout_allocations.payout_request_id").
		Joins("JOIN earnings_entries ON earnings_entries.id = payout_allocations.earnings_entry_id").
		Where("earnings_entries.provider_id = ? AND earnings_entries.status = ? AND payout_requests.status <> ?",
			providerID, models.EarningsAvailable, models.PayoutFailed).
		Scan(&allocated).Error
	if err != nil {
		return summary, fmt.Errorf("allocated balance: %w", err)
	}

	summary.AvailableCents = available - allocated
	return summary, nil
}

func (s *GormStore) ListEntries(ctx context.Context, providerID uint, page, pageSize int) ([]models.EarningsEntry, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.EarningsEntry{}).Where("provider_id = ?", providerID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var entries []models.EarningsEntry
	if err := query.Offset((page - 1) * pageSize).Limit(pageSize).
		Order("created_at DESC").Find(&entries).Error; err != nil {
		return nil, 0, fmt.Errorf("list entries: %w", err)
	}
	return entries, total, nil
}

func (s *GormStore) ListPayouts(ctx context.Context, providerID uint, page, pageSize int) ([]models.PayoutRequest, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.PayoutRequest{}).Where("provider_id = ?", providerID)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var payouts []models.PayoutRequest
	if err := query.Offset((page - 1) * pageSize).Limit(pageSize).
		Order("created_at DESC").Find(&payouts).Error; err != nil {
		return nil, 0, fmt.Errorf("list payouts: %w", err)
	}
	return payouts, total, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
