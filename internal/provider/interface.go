package provider

import (
	"context"
	"time"

	"github.com/stoik/herald/internal/models"
)

// Provider defines the interface for calendar provider clients (Google, Microsoft, ICS feeds)
type Provider interface {
	// FetchEvents retrieves the account's events starting in [start, end).
	// Failures are models.ErrReauthRequired or *models.TransientError.
	FetchEvents(ctx context.Context, acct models.Account, start, end time.Time) ([]models.Event, error)

	// Refresh exchanges the refresh credential for a new access credential
	// and returns the updated account.
	Refresh(ctx context.Context, acct models.Account) (models.Account, error)
}
