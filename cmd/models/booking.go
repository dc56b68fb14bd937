package models

import (
	"time"

	"gorm.io/gorm"
)

type BookingStatus string

const (
	BookingPendingPayment BookingStatus = "pending_payment"
	BookingOpen           BookingStatus = "open"
	BookingAccepted       BookingStatus = "accepted"
	BookingInProgress     BookingStatus = "in_progress"
	BookingCompleted      BookingStatus = "completed"
	BookingCancelled      BookingStatus = "cancelled"
)

type PaymentStatus string

const (
	PaymentUnpaid     PaymentStatus = "unpaid"
	PaymentAuthorized PaymentStatus = "authorized"
	PaymentCaptured   PaymentStatus = "captured"
	PaymentRefunded   PaymentStatus = "refunded"
	PaymentFailed     PaymentStatus = "failed"
)

// DefaultFeeRateBps is frozen onto each booking at creation. Changing it
// later never affects historical bookings.
const DefaultFeeRateBps = 500

type Booking struct {
	gorm.Model
	// Reference is the customer-facing booking identifier, used on
	// receipts and as the processor transfer group.
	Reference  string `gorm:"column:reference;size:36;not null;uniqueIndex" json:"reference"`
	CustomerID uint   `gorm:"column:customer_id;not null;index" json:"customer_id"`
	ProviderID *uint  `gorm:"column:provider_id;index" json:"provider_id,omitempty"`

	ServiceType     string `gorm:"column:service_type;size:50;not null;index:idx_bookings_open,priority:2" json:"service_type"`
	HourlyRateCents int64  `gorm:"column:hourly_rate_cents;not null" json:"hourly_rate_cents"`
	Hours           int    `gorm:"column:hours;not null" json:"hours"`
	Currency        string `gorm:"column:currency;size:3;not null;default:'usd'" json:"currency"`

	GrossCents       int64 `gorm:"column:gross_cents;not null" json:"gross_cents"`
	PlatformFeeCents int64 `gorm:"column:platform_fee_cents;not null" json:"platform_fee_cents"`
	NetProviderCents int64 `gorm:"column:net_provider_cents;not null" json:"net_provider_cents"`
	FeeRateBps       int   `gorm:"column:fee_rate_bps;not null" json:"fee_rate_bps"`

	ScheduledStart time.Time `gorm:"column:scheduled_start;not null" json:"scheduled_start"`
	DurationHours  int       `gorm:"column:duration_hours;not null" json:"duration_hours"`
	Address        string    `gorm:"column:address;size:500;not null" json:"address"`
	Latitude       float64   `gorm:"column:latitude" json:"latitude"`
	Longitude      float64   `gorm:"column:longitude" json:"longitude"`

	Status  BookingStatus `gorm:"column:status;size:20;not null;default:'pending_payment';index:idx_bookings_open,priority:1" json:"status"`
	Version int64         `gorm:"column:version;not null;default:1" json:"version"`

	PaymentIntentID string        `gorm:"column:payment_intent_id;size:255" json:"payment_intent_id,omitempty"`
	PaymentStatus   PaymentStatus `gorm:"column:payment_status;size:20;not null;default:'unpaid'" json:"payment_status"`

	CancelledBy     *uint      `gorm:"column:cancelled_by" json:"cancelled_by,omitempty"`
	CancelledReason string     `gorm:"column:cancelled_reason;size:500" json:"cancelled_reason,omitempty"`
	CancelledAt     *time.Time `gorm:"column:cancelled_at" json:"cancelled_at,omitempty"`

	Customer      *User                 `gorm:"foreignKey:CustomerID" json:"customer,omitempty"`
	Provider      *User                 `gorm:"foreignKey:ProviderID" json:"provider,omitempty"`
	StatusHistory []BookingStatusChange `gorm:"foreignKey:BookingID" json:"status_history,omitempty"`
}

// BookingStatusChange is one audit row per ledger transition.
type BookingStatusChange struct {
	ID         uint          `gorm:"primaryKey" json:"id"`
	BookingID  uint          `gorm:"column:booking_id;not null;index" json:"booking_id"`
	FromStatus BookingStatus `gorm:"column:from_status;size:20;not null" json:"from_status"`
	ToStatus   BookingStatus `gorm:"column:to_status;size:20;not null" json:"to_status"`
	ActorID    uint          `gorm:"column:actor_id;not null" json:"actor_id"`
	ChangedAt  time.Time     `gorm:"column:changed_at;not null" json:"changed_at"`
}

func (BookingStatusChange) TableName() string {
	return "booking_status_changes"
}

// Terminal reports whether no further status transition is allowed.
func (s BookingStatus) Terminal() bool {
	return s == BookingCompleted || s == BookingCancelled
}

// PlatformFee splits a gross amount by a basis-point rate, rounding half up
// to the nearest cent. Integer arithmetic only; gross = fee + net always
// holds exactly.
func PlatformFee(grossCents int64, feeRateBps int) int64 {
	return (grossCents*int64(feeRateBps) + 5000) / 10000
}
