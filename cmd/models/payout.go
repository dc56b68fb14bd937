package models

import (
	"gorm.io/gorm"
)

type PayoutStatus string

const (
	PayoutRequested  PayoutStatus = "requested"
	PayoutProcessing PayoutStatus = "processing"
	PayoutPaid       PayoutStatus = "paid"
	PayoutFailed     PayoutStatus = "failed"
)

type PayoutRequest struct {
	gorm.Model
	ProviderID        uint         `gorm:"column:provider_id;not null;index" json:"provider_id"`
	AmountCents       int64        `gorm:"column:amount_cents;not null" json:"amount_cents"`
	Status            PayoutStatus `gorm:"column:status;size:20;not null;default:'requested'" json:"status"`
	ProcessorPayoutID string       `gorm:"column:processor_payout_id;size:255" json:"processor_payout_id,omitempty"`
	FailureReason     string       `gorm:"column:failure_reason;size:500" json:"failure_reason,omitempty"`

	Allocations []PayoutAllocation `gorm:"foreignKey:PayoutRequestID" json:"allocations,omitempty"`
}

// PayoutAllocation reserves part of one earnings entry for one payout.
// Allocations belonging to non-failed payouts are what "spent" means when
// the available balance is computed; releasing a failed payout is deleting
// its allocations.
type PayoutAllocation struct {
	ID              uint  `gorm:"primaryKey" json:"id"`
	PayoutRequestID uint  `gorm:"column:payout_request_id;not null;index" json:"payout_request_id"`
	EarningsEntryID uint  `gorm:"column:earnings_entry_id;not null;index" json:"earnings_entry_id"`
	AmountCents     int64 `gorm:"column:amount_cents;not null" json:"amount_cents"`
}

func (PayoutAllocation) TableName() string {
	return "payout_allocations"
}
