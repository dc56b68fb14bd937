package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Helphive/helphive-server/cmd/models"
	"gorm.io/gorm"
)

type Store interface {
	GetBooking(ctx context.Context, id uint) (*models.Booking, error)
	GetBookingByIntent(ctx context.Context, intentID string) (*models.Booking, error)
	GetUser(ctx context.Context, id uint) (*models.User, error)
	// SetPaymentIntent stores the processor reference exactly once; a row
	// that already has one is left untouched.
	SetPaymentIntent(ctx context.Context, bookingID uint, intentID string) error
	// AdvancePaymentStatus moves payment_status forward only; it reports
	// whether the row actually changed, so duplicate webhooks and retries
	// collapse into no-ops.
	AdvancePaymentStatus(ctx context.Context, bookingID uint, from []models.PaymentStatus, to models.PaymentStatus) (bool, error)
	GetFailure(ctx context.Context, bookingID uint) (*models.ReconciliationFailure, error)
	UpsertFailure(ctx context.Context, bookingID uint, operation, lastError string, nextAttemptAt time.Time) error
	ResolveFailure(ctx context.Context, bookingID uint, now time.Time) error
	DueFailures(ctx context.Context, now time.Time, limit int) ([]models.ReconciliationFailure, error)
}

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) GetBooking(ctx context.Context, id uint) (*models.Booking, error) {
	var b models.Booking
	if err := s.db.WithContext(ctx).First(&b, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrBookingNotFound
		}
		return nil, fmt.Errorf("get booking: %w", err)
	}
	return &b, nil
}

func (s *GormStore) GetBookingByIntent(ctx context.Context, intentID string) (*models.Booking, error) {
	var b models.Booking
	err := s.db.WithContext(ctx).Where("payment_intent_id = ?", intentID).First(&b).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, models.ErrBookingNotFound
		}
		return nil, fmt.Errorf("get booking by intent: %w", err)
	}
	return &b, nil
}

func (s *GormStore) GetUser(ctx context.Context, id uint) (*models.User, error) {
	var u models.User
	if err := s.db.WithContext(ctx).First(&u, id).Error; err != nil {
		return nil, fmt.Errorf("get user: %w", err)
	}
	return &u, nil
}

func (s *GormStore) SetPaymentIntent(ctx context.Context, bookingID uint, intentID string) error {
	res := s.db.WithContext(ctx).Model(&models.Booking{}).
		Where("id = ? AND (payment_intent_id = '' OR payment_intent_id IS NULL)", bookingID).
		Update("payment_intent_id", intentID)
	if res.Error != nil {
		return fmt.Errorf("set payment intent: %w", res.Error)
	}
	return nil
}

func (s *GormStore) AdvancePaymentStatus(ctx context.Context, bookingID uint, from []models.PaymentStatus, to models.PaymentStatus) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.Booking{}).
		Where("id = ? AND payment_status IN ?", bookingID, from).
		Updates(map[string]interface{}{"payment_status": to, "version": gorm.Expr("version + 1")})
	if res.Error != nil {
		return false, fmt.Errorf("advance payment status: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *GormStore) GetFailure(ctx context.Context, bookingID uint) (*models.ReconciliationFailure, error) {
	var f models.ReconciliationFailure
	err := s.db.WithContext(ctx).Where("booking_id = ?", bookingID).First(&f).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get failure: %w", err)
	}
	return &f, nil
}

func (s *GormStore) UpsertFailure(ctx context.Context, bookingID uint, operation, lastError string, nextAttemptAt time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var f models.ReconciliationFailure
		err := tx.Where("booking_id = ?", bookingID).First(&f).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			f = models.ReconciliationFailure{
				BookingID:     bookingID,
				Operation:     operation,
				LastError:     lastError,
				Attempts:      1,
				NextAttemptAt: nextAttemptAt,
			}
			return tx.Create(&f).Error
		}
		if err != nil {
			return err
		}
		return tx.Model(&f).Updates(map[string]interface{}{
			"operation":       operation,
			"last_error":      lastError,
			"attempts":        f.Attempts + 1,
			"next_attempt_at": nextAttemptAt,
			"resolved_at":     nil,
		}).Error
	})
}

func (s *GormStore) ResolveFailure(ctx context.Context, bookingID uint, now time.Time) error {
	return s.db.WithContext(ctx).Model(&models.ReconciliationFailure{}).
		Where("booking_id = ? AND resolved_at IS NULL", bookingID).
		Update("resolved_at", now).Error
}

func (s *GormStore) DueFailures(ctx context.Context, now time.Time, limit int) ([]models.ReconciliationFailure, error) {
	var failures []models.ReconciliationFailure
	err := s.db.WithContext(ctx).
		Where("resolved_at IS NULL AND next_attempt_at <= ?", now).
		Limit(limit).
		Find(&failures).Error
	if err != nil {
		return nil, fmt.Errorf("due failures: %w", err)
	}
	return failures, nil
}
