// Package calendar builds the list of upcoming events an account's summary
// is rendered from.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/stoik/herald/internal/models"
	"github.com/stoik/herald/internal/provider"
)

// DefaultRefreshMargin is how close to expiry a credential gets refreshed.
const DefaultRefreshMargin = 5 * time.Minute

// CredentialSaver persists a refreshed credential.
type CredentialSaver interface {
	SaveCredential(ctx context.Context, accountID uuid.UUID, cred models.Credential) error
}

// Window is the result of one fetch: the account as it stands after any
// credential refresh, and the merged, sorted events.
type Window struct {
	Account models.Account
	Start   time.Time
	End     time.Time
	Events  []models.Event
}

// Fetcher wraps a calendar provider for bounded forward windows.
type Fetcher struct {
	provider      provider.Provider
	credentials   CredentialSaver
	refreshMargin time.Duration
	callTimeout   time.Duration
}

// NewFetcher creates a new window fetcher. credentials may be nil when
// refreshed credentials need not be persisted.
func NewFetcher(p provider.Provider, credentials CredentialSaver, refreshMargin, callTimeout time.Duration) *Fetcher {
	if refreshMargin <= 0 {
		refreshMargin = DefaultRefreshMargin
	}
	if callTimeout <= 0 {
		callTimeout = 30 * time.Second
	}
	return &Fetcher{
		provider:      p,
		credentials:   credentials,
		refreshMargin: refreshMargin,
		callTimeout:   callTimeout,
	}
}

// GetWindow returns the account's events for [now, now+duration), provider
// and manual events merged and sorted ascending by start. Provider events
// count when they overlap the window, so events already under way are kept;
// all-day provider events only when they cover now. Manual events count
// when they start inside the window.
func (f *Fetcher) GetWindow(ctx context.Context, acct models.Account, now time.Time, duration time.Duration) (Window, error) {
	acct, err := f.RefreshIfExpiring(ctx, acct, now)
	if err != nil {
		return Window{Account: acct}, err
	}

	start, end := now, now.Add(duration)

	fetchCtx, cancel := context.WithTimeout(ctx, f.callTimeout)
	defer cancel()

	fetched, err := f.provider.FetchEvents(fetchCtx, acct, start, end)
	if err != nil {
		if !errors.Is(err, models.ErrReauthRequired) {
			var transient *models.TransientError
			if !errors.As(err, &transient) {
				err = &models.TransientError{Op: "fetch events", Err: err}
			}
		}
		return Window{Account: acct, Start: start, End: end}, err
	}

	events := make([]models.Event, 0, len(fetched)+len(acct.ManualEvents))
	for _, ev := range fetched {
		if !inProviderWindow(ev, start, end) {
			continue
		}
		ev.Source = models.SourceProvider
		if ev.TimeZone == "" {
			ev.TimeZone = acct.Timezone
		}
		events = append(events, ev)
	}
	for _, ev := range acct.ManualEvents {
		if !ev.InWindow(start, end) {
			continue
		}
		ev.Source = models.SourceManual
		if ev.TimeZone == "" {
			ev.TimeZone = acct.Timezone
		}
		events = append(events, ev)
	}

	SortEvents(events)

	return Window{Account: acct, Start: start, End: end, Events: events}, nil
}

func inProviderWindow(ev models.Event, start, end time.Time) bool {
	if ev.AllDay {
		return !ev.Start.After(start) && ev.End.After(start)
	}
	return ev.Overlaps(start, end)
}

// RefreshIfExpiring refreshes the credential when it expires within the
// refresh margin. Any refresh failure is reported as ErrReauthRequired.
func (f *Fetcher) RefreshIfExpiring(ctx context.Context, acct models.Account, now time.Time) (models.Account, error) {
	if !acct.Credential.ExpiresWithin(now, f.refreshMargin) {
		return acct, nil
	}

	refreshCtx, cancel := context.WithTimeout(ctx, f.callTimeout)
	defer cancel()

	refreshed, err := f.provider.Refresh(refreshCtx, acct)
	if err != nil {
		if errors.Is(err, models.ErrReauthRequired) {
			return acct, err
		}
		return acct, fmt.Errorf("%w: %v", models.ErrReauthRequired, err)
	}

	if f.credentials != nil {
		if err := f.credentials.SaveCredential(ctx, refreshed.ID, refreshed.Credential); err != nil {
			// The fresh token is still usable for this dispatch.
			log.WithError(err).WithField("account_id", refreshed.ID).Warn("Failed to persist refreshed credential")
		}
	}

	log.WithFields(log.Fields{
		"account_id": refreshed.ID,
		"expires_at": refreshed.Credential.ExpiresAt,
	}).Debug("Refreshed calendar credential")

	return refreshed, nil
}

// SortEvents orders events by start; ties go provider before manual, then
// by title.
func SortEvents(events []models.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		a, b := events[i], events[j]
		if !a.Start.Equal(b.Start) {
			return a.Start.Before(b.Start)
		}
		if a.Source != b.Source {
			return a.Source == models.SourceProvider
		}
		return a.Title < b.Title
	})
}
