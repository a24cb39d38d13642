package models

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConfigured means the account has nobody to send to.
	ErrNotConfigured = errors.New("account has no recipient configured")
	// ErrReauthRequired means the provider credential can no longer be
	// refreshed without user action.
	ErrReauthRequired = errors.New("calendar re-authentication required")
	// ErrInvalidTimezone is a configuration error; the gate fails closed.
	ErrInvalidTimezone = errors.New("invalid account timezone")
	// ErrInvalidSendTime is a configuration error; the gate fails closed.
	ErrInvalidSendTime = errors.New("invalid account send time")
	ErrAccountNotFound = errors.New("account not found")
	// ErrDispatchInProgress rejects a second concurrent dispatch of one account.
	ErrDispatchInProgress = errors.New("dispatch already in progress for account")
)

// TransientError wraps a retryable provider or network failure.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// TransportError is a per-recipient SMS failure.
type TransportError struct {
	To         string
	StatusCode int
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("sms to %s rejected (status %d): %v", MaskPhone(e.To), e.StatusCode, e.Err)
	}
	return fmt.Sprintf("sms to %s failed: %v", MaskPhone(e.To), e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// MaskPhone keeps the last four digits of a phone number for logging.
func MaskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return "****" + phone[len(phone)-4:]
}
