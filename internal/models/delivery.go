package models

import (
	"time"

	"github.com/google/uuid"
)

// DeliveryStatus is the outcome of a single send attempt.
type DeliveryStatus string

const (
	DeliverySent   DeliveryStatus = "sent"
	DeliveryFailed DeliveryStatus = "failed"
)

// DeliveryRecord is one entry of an account's delivery history.
// RecipientName is empty for sends to the owner.
type DeliveryRecord struct {
	ID             uuid.UUID      `json:"id" db:"id"`
	RecipientPhone string         `json:"recipient_phone" db:"recipient_phone"`
	RecipientName  string         `json:"recipient_name,omitempty" db:"recipient_name"`
	Body           string         `json:"body" db:"body"`
	EventCount     int            `json:"event_count" db:"event_count"`
	Style          Style          `json:"style" db:"style"`
	Status         DeliveryStatus `json:"status" db:"status"`
	MessageID      string         `json:"message_id,omitempty" db:"message_id"`
	Error          string         `json:"error,omitempty" db:"error"`
	SentAt         time.Time      `json:"sent_at" db:"sent_at"`
}

// InvitationCode lets a third party join an account as a delegate. Codes
// live in process memory only.
type InvitationCode struct {
	Code      string    `json:"code"`
	AccountID uuid.UUID `json:"account_id"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the code is no longer redeemable at now.
func (c InvitationCode) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}
