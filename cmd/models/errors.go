package models

import "errors"

// Business outcomes and concurrency failures surfaced by the engine. These
// are expected results of normal operation, not bugs; handlers map them to
// HTTP statuses and the clients treat them as regular flow.
var (
	ErrBookingNotFound     = errors.New("booking not found")
	ErrVersionConflict     = errors.New("booking version conflict")
	ErrInvalidTransition   = errors.New("invalid booking transition")
	ErrAlreadyTaken        = errors.New("booking already taken")
	ErrInsufficientBalance = errors.New("insufficient available balance")
	ErrPayoutNotFound      = errors.New("payout request not found")

	ErrInvalidRate      = errors.New("hourly rate must be positive")
	ErrInvalidHours     = errors.New("hours must be positive")
	ErrInvalidFeeRate   = errors.New("fee rate out of range")
	ErrInvalidAmount    = errors.New("amount must be positive")
	ErrLeadTimeTooShort = errors.New("scheduled start inside minimum lead time")
)
