// Package invite issues single-use join codes that let a third party
// register as a delegate of an account.
package invite

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/stoik/herald/internal/models"
)

const (
	DefaultTTL           = 24 * time.Hour
	DefaultSweepInterval = 5 * time.Minute

	CodeLength = 6
	// alphabet leaves out 0/O and 1/I/L.
	alphabet = "23456789ABCDEFGHJKMNPQRSTUVWXYZ"
)

var (
	ErrCodeNotFound = errors.New("invitation code not found")
	ErrCodeExpired  = errors.New("invitation code expired")
)

// Store keeps invitation codes in process memory.
type Store struct {
	mu    sync.Mutex
	codes map[string]models.InvitationCode
	ttl   time.Duration
	now   func() time.Time
}

func NewStore(ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Store{
		codes: make(map[string]models.InvitationCode),
		ttl:   ttl,
		now:   time.Now,
	}
}

// Create issues a fresh code for accountID.
func (s *Store) Create(accountID uuid.UUID) (models.InvitationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for attempt := 0; attempt < 10; attempt++ {
		code, err := generateCode()
		if err != nil {
			return models.InvitationCode{}, err
		}
		if _, taken := s.codes[code]; taken {
			continue
		}
		now := s.now()
		inv := models.InvitationCode{
			Code:      code,
			AccountID: accountID,
			CreatedAt: now,
			ExpiresAt: now.Add(s.ttl),
		}
		s.codes[code] = inv
		return inv, nil
	}
	return models.InvitationCode{}, errors.New("failed to generate a unique invitation code")
}

// Validate returns the code if it exists and has not expired. Expired codes
// are removed on sight.
func (s *Store) Validate(code string) (models.InvitationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.validateLocked(normalize(code))
}

func (s *Store) Delete(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.codes, normalize(code))
}

// Redeem validates and deletes the code in one step, so a code is honoured
// at most once.
func (s *Store) Redeem(code string) (models.InvitationCode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	code = normalize(code)
	inv, err := s.validateLocked(code)
	if err != nil {
		return models.InvitationCode{}, err
	}
	delete(s.codes, code)
	return inv, nil
}

// Sweep removes codes expired at now and returns how many were removed.
func (s *Store) Sweep(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for code, inv := range s.codes {
		if inv.Expired(now) {
			delete(s.codes, code)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored codes, expired or not.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.codes)
}

// Run sweeps expired codes every interval until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.Sweep(s.now()); n > 0 {
				log.WithField("removed", n).Debug("Swept expired invitation codes")
			}
		}
	}
}

func (s *Store) validateLocked(code string) (models.InvitationCode, error) {
	inv, ok := s.codes[code]
	if !ok {
		return models.InvitationCode{}, ErrCodeNotFound
	}
	if inv.Expired(s.now()) {
		delete(s.codes, code)
		return models.InvitationCode{}, ErrCodeExpired
	}
	return inv, nil
}

func normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

func generateCode() (string, error) {
	max := big.NewInt(int64(len(alphabet)))
	buf := make([]byte, CodeLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("failed to generate invitation code: %w", err)
		}
		buf[i] = alphabet[n.Int64()]
	}
	return string(buf), nil
}
