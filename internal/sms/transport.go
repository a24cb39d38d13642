// Package sms sends message bodies to phone numbers.
package sms

import (
	"context"
	"errors"
	"regexp"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/stoik/herald/internal/models"
)

// Transport sends one SMS and returns the provider message id. Failures are
// *models.TransportError.
type Transport interface {
	Send(ctx context.Context, to, body string) (string, error)
}

var e164 = regexp.MustCompile(`^\+[1-9][0-9]{7,14}$`)

// ValidE164 reports whether phone is an E.164 number.
func ValidE164(phone string) bool {
	return e164.MatchString(phone)
}

func validate(to, body string) error {
	if !ValidE164(to) {
		return &models.TransportError{To: to, Err: errors.New("recipient is not an E.164 number")}
	}
	if body == "" {
		return &models.TransportError{To: to, Err: errors.New("empty message body")}
	}
	return nil
}

// LogTransport is a dry-run transport that only logs what it would send.
type LogTransport struct{}

// NewLogTransport creates a dry-run transport
func NewLogTransport() *LogTransport {
	return &LogTransport{}
}

// Send implements Transport
func (LogTransport) Send(ctx context.Context, to, body string) (string, error) {
	if err := validate(to, body); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", &models.TransportError{To: to, Err: err}
	}

	id := "dry-" + uuid.NewString()
	log.WithFields(log.Fields{
		"to":         models.MaskPhone(to),
		"message_id": id,
		"chars":      len([]rune(body)),
	}).Info("SMS (dry run)")
	return id, nil
}
