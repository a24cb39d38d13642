// Package store persists accounts, their delegates, manual events and
// delivery history.
package store

import (
	"context"

	"github.com/google/uuid"

	"github.com/stoik/herald/internal/models"
)

// AccountStore is the persistence contract of the dispatch engine. Writes
// for distinct account ids may run concurrently.
type AccountStore interface {
	ListActive(ctx context.Context) ([]models.Account, error)
	Get(ctx context.Context, id uuid.UUID) (models.Account, error)
	Create(ctx context.Context, acct models.Account) (models.Account, error)
	Update(ctx context.Context, id uuid.UUID, patch models.AccountPatch) (models.Account, error)
	SaveCredential(ctx context.Context, id uuid.UUID, cred models.Credential) error

	// MarkDelivered stamps LastDeliveryDate. It reports false when the
	// account was already stamped with that date.
	MarkDelivered(ctx context.Context, id uuid.UUID, date string) (bool, error)
	// AppendHistory prepends rec and evicts the oldest records beyond the
	// store's history limit.
	AppendHistory(ctx context.Context, id uuid.UUID, rec models.DeliveryRecord) error
	History(ctx context.Context, id uuid.UUID) ([]models.DeliveryRecord, error)

	AddDelegate(ctx context.Context, id uuid.UUID, d models.Delegate) (models.Delegate, error)
	SetDelegateActive(ctx context.Context, id, delegateID uuid.UUID, active bool) error
	AddManualEvent(ctx context.Context, id uuid.UUID, ev models.Event) (models.Event, error)
}

var (
	_ AccountStore = (*MemoryStore)(nil)
	_ AccountStore = (*PostgresStore)(nil)
)
