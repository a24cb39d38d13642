package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stoik/herald/internal/models"
)

// MemoryStore is an in-process AccountStore for development and tests.
type MemoryStore struct {
	mu           sync.RWMutex
	accounts     map[uuid.UUID]*models.Account
	historyLimit int
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore(historyLimit int) *MemoryStore {
	if historyLimit <= 0 {
		historyLimit = models.DefaultHistoryLimit
	}
	return &MemoryStore{
		accounts:     make(map[uuid.UUID]*models.Account),
		historyLimit: historyLimit,
	}
}

func (s *MemoryStore) ListActive(_ context.Context) ([]models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]models.Account, 0, len(s.accounts))
	for _, acct := range s.accounts {
		if acct.Active {
			out = append(out, clone(*acct))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (models.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acct, ok := s.accounts[id]
	if !ok {
		return models.Account{}, fmt.Errorf("%w: %s", models.ErrAccountNotFound, id)
	}
	return clone(*acct), nil
}

func (s *MemoryStore) Create(_ context.Context, acct models.Account) (models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if acct.ID == uuid.Nil {
		acct.ID = uuid.New()
	}
	if _, exists := s.accounts[acct.ID]; exists {
		return models.Account{}, fmt.Errorf("account %s already exists", acct.ID)
	}
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = time.Now()
	}
	for i := range acct.Delegates {
		if acct.Delegates[i].ID == uuid.Nil {
			acct.Delegates[i].ID = uuid.New()
		}
		acct.Delegates[i].AccountID = acct.ID
	}
	for i := range acct.ManualEvents {
		if acct.ManualEvents[i].ID == uuid.Nil {
			acct.ManualEvents[i].ID = uuid.New()
		}
		acct.ManualEvents[i].Source = models.SourceManual
	}

	stored := clone(acct)
	s.accounts[acct.ID] = &stored
	return clone(stored), nil
}

func (s *MemoryStore) Update(_ context.Context, id uuid.UUID, patch models.AccountPatch) (models.Account, error) {
	return s.mutate(id, func(acct *models.Account) error {
		patch.Apply(acct)
		return nil
	})
}

func (s *MemoryStore) SaveCredential(_ context.Context, id uuid.UUID, cred models.Credential) error {
	_, err := s.mutate(id, func(acct *models.Account) error {
		acct.Credential = cred
		return nil
	})
	return err
}

func (s *MemoryStore) MarkDelivered(_ context.Context, id uuid.UUID, date string) (bool, error) {
	stamped := false
	_, err := s.mutate(id, func(acct *models.Account) error {
		if acct.LastDeliveryDate == date {
			return nil
		}
		acct.LastDeliveryDate = date
		stamped = true
		return nil
	})
	return stamped, err
}

func (s *MemoryStore) AppendHistory(_ context.Context, id uuid.UUID, rec models.DeliveryRecord) error {
	_, err := s.mutate(id, func(acct *models.Account) error {
		if rec.ID == uuid.Nil {
			rec.ID = uuid.New()
		}
		history := make([]models.DeliveryRecord, 0, len(acct.DeliveryHistory)+1)
		history = append(history, rec)
		history = append(history, acct.DeliveryHistory...)
		if len(history) > s.historyLimit {
			history = history[:s.historyLimit]
		}
		acct.DeliveryHistory = history
		return nil
	})
	return err
}

func (s *MemoryStore) History(ctx context.Context, id uuid.UUID) ([]models.DeliveryRecord, error) {
	acct, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return acct.DeliveryHistory, nil
}

func (s *MemoryStore) AddDelegate(_ context.Context, id uuid.UUID, d models.Delegate) (models.Delegate, error) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	d.AccountID = id
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	_, err := s.mutate(id, func(acct *models.Account) error {
		acct.Delegates = append(acct.Delegates, d)
		return nil
	})
	return d, err
}

func (s *MemoryStore) SetDelegateActive(_ context.Context, id, delegateID uuid.UUID, active bool) error {
	_, err := s.mutate(id, func(acct *models.Account) error {
		for i := range acct.Delegates {
			if acct.Delegates[i].ID == delegateID {
				acct.Delegates[i].Active = active
				return nil
			}
		}
		return fmt.Errorf("delegate %s not found", delegateID)
	})
	return err
}

func (s *MemoryStore) AddManualEvent(_ context.Context, id uuid.UUID, ev models.Event) (models.Event, error) {
	if ev.ID == uuid.Nil {
		ev.ID = uuid.New()
	}
	ev.Source = models.SourceManual
	_, err := s.mutate(id, func(acct *models.Account) error {
		acct.ManualEvents = append(acct.ManualEvents, ev)
		return nil
	})
	return ev, err
}

func (s *MemoryStore) mutate(id uuid.UUID, fn func(*models.Account) error) (models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	acct, ok := s.accounts[id]
	if !ok {
		return models.Account{}, fmt.Errorf("%w: %s", models.ErrAccountNotFound, id)
	}
	if err := fn(acct); err != nil {
		return models.Account{}, err
	}
	return clone(*acct), nil
}

// clone deep-copies the slices so callers never alias stored state.
func clone(a models.Account) models.Account {
	a.Delegates = append([]models.Delegate(nil), a.Delegates...)
	a.ManualEvents = append([]models.Event(nil), a.ManualEvents...)
	a.DeliveryHistory = append([]models.DeliveryRecord(nil), a.DeliveryHistory...)
	return a
}
