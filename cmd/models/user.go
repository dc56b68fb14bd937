package models

import (
	"time"

	"github.com/lib/pq"
	"gorm.io/gorm"
)

const (
	RoleCustomer = "customer"
	RoleProvider = "provider"
)

type User struct {
	gorm.Model
	FullName     string `gorm:"column:full_name;size:255;not null" json:"full_name"`
	Email        string `gorm:"column:email;size:255;not null;uniqueIndex" json:"email"`
	PasswordHash string `gorm:"column:password_hash;size:255;not null" json:"-"`
	Role         string `gorm:"column:role;size:50;not null" json:"role"`
	Phone        string `gorm:"column:phone;size:20" json:"phone"`

	Refresh               string    `gorm:"column:refresh_token;size:255" json:"-"`
	RefreshTokenExpiredAt time.Time `gorm:"column:refresh_token_expired_at" json:"-"`

	// Provider profile directory fields. The matching resolver filters
	// open bookings on ServiceTypes and Available; payouts go to the
	// Stripe connected account.
	ServiceTypes       pq.StringArray `gorm:"column:service_types;type:text[]" json:"service_types,omitempty"`
	Available          bool           `gorm:"column:available;default:false" json:"available"`
	ConnectedAccountID string         `gorm:"column:connected_account_id;size:255" json:"connected_account_id,omitempty"`
}
