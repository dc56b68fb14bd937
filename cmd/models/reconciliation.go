package models

import (
	"time"

	"gorm.io/gorm"
)

// ReconciliationFailure is a standing queue item created when a completed
// booking could not be captured. Rows stay until a retry succeeds or an
// operator resolves them; the booking itself is never rolled back.
type ReconciliationFailure struct {
	gorm.Model
	BookingID     uint       `gorm:"column:booking_id;not null;uniqueIndex" json:"booking_id"`
	Operation     string     `gorm:"column:operation;size:50;not null" json:"operation"`
	LastError     string     `gorm:"column:last_error;size:1000" json:"last_error"`
	Attempts      int        `gorm:"column:attempts;not null;default:0" json:"attempts"`
	NextAttemptAt time.Time  `gorm:"column:next_attempt_at;not null;index" json:"next_attempt_at"`
	ResolvedAt    *time.Time `gorm:"column:resolved_at" json:"resolved_at,omitempty"`
}

func (ReconciliationFailure) TableName() string {
	return "reconciliation_failures"
}
