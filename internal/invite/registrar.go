package invite

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/stoik/herald/internal/models"
	"github.com/stoik/herald/internal/sms"
)

var ErrInvalidJoin = errors.New("invalid join request")

type DelegateStore interface {
	Get(ctx context.Context, id uuid.UUID) (models.Account, error)
	AddDelegate(ctx context.Context, id uuid.UUID, d models.Delegate) (models.Delegate, error)
	AddManualEvent(ctx context.Context, id uuid.UUID, ev models.Event) (models.Event, error)
}

// JoinRequest is what a third party submits with a code.
type JoinRequest struct {
	Name  string        `json:"name"`
	Phone string        `json:"phone"`
	Event *models.Event `json:"event,omitempty"`
}

type JoinResult struct {
	AccountID uuid.UUID       `json:"account_id"`
	Delegate  models.Delegate `json:"delegate"`
	Event     *models.Event   `json:"event,omitempty"`
}

// Registrar turns redeemed codes into delegates.
type Registrar struct {
	codes    *Store
	accounts DelegateStore
}

func NewRegistrar(codes *Store, accounts DelegateStore) *Registrar {
	return &Registrar{codes: codes, accounts: accounts}
}

// Join checks the request, redeems the code and registers the caller as an
// active delegate, adding the optional event to the owner's manual events.
// The code is consumed only when the request itself is valid.
func (r *Registrar) Join(ctx context.Context, code string, req JoinRequest) (JoinResult, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Phone = strings.TrimSpace(req.Phone)
	if req.Name == "" {
		return JoinResult{}, fmt.Errorf("%w: name is required", ErrInvalidJoin)
	}
	if !sms.ValidE164(req.Phone) {
		return JoinResult{}, fmt.Errorf("%w: phone must be an E.164 number", ErrInvalidJoin)
	}
	if req.Event != nil {
		if err := validateEvent(req.Event); err != nil {
			return JoinResult{}, err
		}
	}

	inv, err := r.codes.Redeem(code)
	if err != nil {
		return JoinResult{}, err
	}

	if _, err := r.accounts.Get(ctx, inv.AccountID); err != nil {
		return JoinResult{}, err
	}

	delegate, err := r.accounts.AddDelegate(ctx, inv.AccountID, models.Delegate{
		Name:      req.Name,
		Phone:     req.Phone,
		Active:    true,
		CreatedAt: time.Now(),
	})
	if err != nil {
		return JoinResult{}, fmt.Errorf("failed to add delegate: %w", err)
	}
	result := JoinResult{AccountID: inv.AccountID, Delegate: delegate}

	if req.Event != nil {
		ev, err := r.accounts.AddManualEvent(ctx, inv.AccountID, *req.Event)
		if err != nil {
			return result, fmt.Errorf("failed to add event: %w", err)
		}
		result.Event = &ev
	}

	log.WithFields(log.Fields{
		"account_id":  inv.AccountID,
		"delegate_id": delegate.ID,
		"to":          models.MaskPhone(delegate.Phone),
		"with_event":  result.Event != nil,
	}).Info("Delegate joined via invitation code")

	return result, nil
}

func validateEvent(ev *models.Event) error {
	ev.Title = strings.TrimSpace(ev.Title)
	if ev.Title == "" {
		return fmt.Errorf("%w: event title is required", ErrInvalidJoin)
	}
	if ev.Start.IsZero() {
		return fmt.Errorf("%w: event start is required", ErrInvalidJoin)
	}
	if ev.End.IsZero() {
		if ev.AllDay {
			ev.End = ev.Start.Add(24 * time.Hour)
		} else {
			ev.End = ev.Start.Add(time.Hour)
		}
	}
	if ev.End.Before(ev.Start) {
		return fmt.Errorf("%w: event ends before it starts", ErrInvalidJoin)
	}
	ev.ID = uuid.Nil
	ev.Source = models.SourceManual
	return nil
}
