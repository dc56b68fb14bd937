package booking

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Helphive/helphive-server/cmd/models"
	"gorm.io/gorm"
)

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Get(ctx context.Context, id uint) (*models.Booking, error) {
	var b models.Booking
	if err := s.db.WithContext(ctx).First(&b, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrBookingNotFound
		}
		return nil, fmt.Errorf("get booking: %w", err)
	}
	return &b, nil
}

func (s *GormStore) Create(ctx context.Context, b *models.Booking) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(b).Error; err != nil {
			return err
		}
		change := models.BookingStatusChange{
			BookingID:  b.ID,
			FromStatus: b.Status,
			ToStatus:   b.Status,
			ActorID:    b.CustomerID,
			ChangedAt:  time.Now().UTC(),
		}
		return tx.Create(&change).Error
	})
}

// UpdateStatusConditional is the optimistic write behind every transition:
// the UPDATE matches on version, so a concurrent writer makes this a no-op
// and the caller sees ErrVersionConflict instead of clobbering state.
func (s *GormStore) UpdateStatusConditional(ctx context.Context, id uint, expectedVersion int64, updates map[string]interface{}, change models.BookingStatusChange) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		cols := map[string]interface{}{"version": expectedVersion + 1}
		for k, v := range updates {
			cols[k] = v
		}
		res := tx.Model(&models.Booking{}).
			Where("id = ? AND version = ?", id, expectedVersion).
			Updates(cols)
		if res.Error != nil {
			return fmt.Errorf("update booking: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			var exists int64
			if err := tx.Model(&models.Booking{}).Where("id = ?", id).Count(&exists).Error; err != nil {
				return err
			}
			if exists == 0 {
				return models.ErrBookingNotFound
			}
			return models.ErrVersionConflict
		}
		return tx.Create(&change).Error
	})
}

func (s *GormStore) ListByCustomer(ctx context.Context, customerID uint, page, pageSize int) ([]models.Booking, int64, error) {
	return s.list(ctx, "customer_id = ?", customerID, page, pageSize)
}

func (s *GormStore) ListByProvider(ctx context.Context, providerID uint, page, pageSize int) ([]models.Booking, int64, error) {
	return s.list(ctx, "provider_id = ?", providerID, page, pageSize)
}

func (s *GormStore) list(ctx context.Context, cond string, arg interface{}, page, pageSize int) ([]models.Booking, int64, error) {
	query := s.db.WithContext(ctx).Model(&models.Booking{}).Where(cond, arg)

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	var bookings []models.Booking
	if err := query.Offset((page - 1) * pageSize).Limit(pageSize).
		Order("scheduled_start DESC").Find(&bookings).Error; err != nil {
		return nil, 0, fmt.Errorf("list bookings: %w", err)
	}
	return bookings, total, nil
}

// ListExpiredPending returns pending_payment bookings created before the
// cutoff, for the expiry sweep.
func (s *GormStore) ListExpiredPending(ctx context.Context, createdBefore time.Time, limit int) ([]models.Booking, error) {
	var bookings []models.Booking
	err := s.db.WithContext(ctx).
		Where("status = ? AND created_at < ?", models.BookingPendingPayment, createdBefore).
		Limit(limit).
		Find(&bookings).Error
	if err != nil {
		return nil, fmt.Errorf("list expired pending: %w", err)
	}
	return bookings, nil
}
