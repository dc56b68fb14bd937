package models

import (
	"time"

	"gorm.io/gorm"
)

type EarningsStatus string

const (
	EarningsPending   EarningsStatus = "pending"
	EarningsAvailable EarningsStatus = "available"
	EarningsPaid      EarningsStatus = "paid"
)

// ClearancePeriod is how long provider earnings stay pending before they
// mature to available.
const ClearancePeriod = 5 * 24 * time.Hour

// EarningsEntry credits a provider for exactly one completed booking. The
// unique index on booking_id is the idempotency key for completion.
type EarningsEntry struct {
	gorm.Model
	BookingID   uint           `gorm:"column:booking_id;not null;uniqueIndex" json:"booking_id"`
	ProviderID  uint           `gorm:"column:provider_id;not null;index" json:"provider_id"`
	AmountCents int64          `gorm:"column:amount_cents;not null" json:"amount_cents"`
	Status      EarningsStatus `gorm:"column:status;size:20;not null;default:'pending';index" json:"status"`
	AvailableAt time.Time      `gorm:"column:available_at;not null;index" json:"available_at"`

	Booking *Booking `gorm:"foreignKey:BookingID" json:"booking,omitempty"`
}

func (EarningsEntry) TableName() string {
	return "earnings_entries"
}
