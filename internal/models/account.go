package models

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// DateLayout is the layout of LastDeliveryDate, a calendar date in the
// account's own timezone.
const DateLayout = "2006-01-02"

// DefaultHistoryLimit caps Account.DeliveryHistory.
const DefaultHistoryLimit = 100

// Credential is the opaque provider credential of an account.
type Credential struct {
	AccessToken  string    `json:"-" db:"access_token"`
	RefreshToken string    `json:"-" db:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at" db:"token_expires_at"`
}

// ExpiresWithin reports whether the credential expires before now+margin.
// A zero expiry is treated as non-expiring.
func (c Credential) ExpiresWithin(now time.Time, margin time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return !c.ExpiresAt.After(now.Add(margin))
}

// Account is one calendar-owning user
type Account struct {
	ID              uuid.UUID `json:"id" db:"id"`
	Email           string    `json:"email" db:"email"`
	ProviderSubject string    `json:"provider_subject" db:"provider_subject"`
	DisplayName     string    `json:"display_name" db:"display_name"`
	Phone           string    `json:"phone,omitempty" db:"phone"`
	FeedURL         string    `json:"feed_url,omitempty" db:"feed_url"`

	Credential Credential `json:"credential"`

	Timezone string `json:"timezone" db:"timezone"`
	SendTime string `json:"send_time" db:"send_time"` // HH:MM, local to Timezone
	Active   bool   `json:"active" db:"active"`
	Style    Style  `json:"style" db:"style"`

	// LastDeliveryDate is empty until the first stamped delivery.
	LastDeliveryDate string `json:"last_delivery_date,omitempty" db:"last_delivery_date"`

	Delegates       []Delegate       `json:"delegates"`
	ManualEvents    []Event          `json:"manual_events"`
	DeliveryHistory []DeliveryRecord `json:"delivery_history"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Name returns the name used to greet the owner.
func (a Account) Name() string {
	if name := strings.TrimSpace(a.DisplayName); name != "" {
		return name
	}
	if local, _, ok := strings.Cut(a.Email, "@"); ok && local != "" {
		return local
	}
	return "there"
}

// ActiveDelegates returns the delegates that still receive messages, in order.
func (a Account) ActiveDelegates() []Delegate {
	out := make([]Delegate, 0, len(a.Delegates))
	for _, d := range a.Delegates {
		if d.Active && d.Phone != "" {
			out = append(out, d)
		}
	}
	return out
}

// HasRecipient reports whether a dispatch would reach at least one phone.
func (a Account) HasRecipient() bool {
	return strings.TrimSpace(a.Phone) != "" || len(a.ActiveDelegates()) > 0
}

// Delegate is a secondary SMS recipient ("family member") of an account.
type Delegate struct {
	ID        uuid.UUID `json:"id" db:"id"`
	AccountID uuid.UUID `json:"account_id" db:"account_id"`
	Name      string    `json:"name" db:"name"`
	Phone     string    `json:"phone" db:"phone"`
	Active    bool      `json:"active" db:"active"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Greeting returns the name used to greet the delegate.
func (d Delegate) Greeting() string {
	if name := strings.TrimSpace(d.Name); name != "" {
		return name
	}
	return "there"
}

// AccountPatch lists the mutable preference fields of an account. Nil
// fields are left unchanged.
type AccountPatch struct {
	DisplayName *string `json:"display_name,omitempty"`
	Phone       *string `json:"phone,omitempty"`
	Timezone    *string `json:"timezone,omitempty"`
	SendTime    *string `json:"send_time,omitempty"`
	Active      *bool   `json:"active,omitempty"`
	Style       *Style  `json:"style,omitempty"`
	FeedURL     *string `json:"feed_url,omitempty"`
}

// Apply copies the set fields of p onto a.
func (p AccountPatch) Apply(a *Account) {
	if p.DisplayName != nil {
		a.DisplayName = *p.DisplayName
	}
	if p.Phone != nil {
		a.Phone = *p.Phone
	}
	if p.Timezone != nil {
		a.Timezone = *p.Timezone
	}
	if p.SendTime != nil {
		a.SendTime = *p.SendTime
	}
	if p.Active != nil {
		a.Active = *p.Active
	}
	if p.Style != nil {
		a.Style = *p.Style
	}
	if p.FeedURL != nil {
		a.FeedURL = *p.FeedURL
	}
}
