package mock

import (
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	titles    = []string{"Standup", "Dentist", "School pickup", "Team lunch", "Budget review", "Yoga", "1:1", "Client call"}
	locations = []string{"", "Room 4B", "Main St Clinic", "Cafe Nero", "Zoom"}
)

// EventTime mirrors the provider wire format: dateTime for timed events,
// date for all-day events.
type EventTime struct {
	DateTime string `json:"dateTime,omitempty"`
	Date     string `json:"date,omitempty"`
	TimeZone string `json:"timeZone,omitempty"`
}

type Event struct {
	ID       string    `json:"id"`
	Summary  string    `json:"summary"`
	Location string    `json:"location,omitempty"`
	Status   string    `json:"status,omitempty"`
	Start    EventTime `json:"start"`
	End      EventTime `json:"end"`
}

// Message is one SMS accepted by the fake gateway.
type Message struct {
	SID        string    `json:"sid"`
	AccountSID string    `json:"account_sid"`
	To         string    `json:"to"`
	From       string    `json:"from"`
	Body       string    `json:"body"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

// Token is the refresh grant response.
type Token struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// State holds the calendars, issued tokens and sent messages of the mock.
type State struct {
	mu        sync.RWMutex
	calendars map[string][]Event
	revoked   map[string]bool
	messages  []Message
	rng       *rand.Rand
}

func NewState(seed int64) *State {
	return &State{
		calendars: make(map[string][]Event),
		revoked:   make(map[string]bool),
		rng:       rand.New(rand.NewSource(seed)),
	}
}

// Events returns the subject's events overlapping [from, until), sorted by start.
// A subject seen for the first time gets a generated calendar around from.
func (s *State) Events(subject string, from, until time.Time) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	cal, ok := s.calendars[subject]
	if !ok {
		cal = s.generate(from)
		s.calendars[subject] = cal
	}

	out := make([]Event, 0, len(cal))
	for _, ev := range cal {
		start, end, err := bounds(ev)
		if err != nil {
			continue
		}
		if start.Before(until) && end.After(from) {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		a, _, _ := bounds(out[i])
		b, _, _ := bounds(out[j])
		return a.Before(b)
	})
	return out
}

// SetEvents replaces a subject's calendar.
func (s *State) SetEvents(subject string, events []Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range events {
		if events[i].ID == "" {
			events[i].ID = uuid.NewString()
		}
	}
	s.calendars[subject] = events
}

// Revoke makes every later refresh of the subject fail with invalid_grant.
func (s *State) Revoke(subject string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.revoked[subject] = true
}

// Refresh issues a new access token unless the subject was revoked.
func (s *State) Refresh(subject, refreshToken string) (Token, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if refreshToken == "" || s.revoked[subject] {
		return Token{}, false
	}
	return Token{
		AccessToken:  "mock-" + uuid.NewString(),
		RefreshToken: refreshToken,
		ExpiresIn:    3600,
		TokenType:    "Bearer",
	}, true
}

func (s *State) Revoked(subject string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revoked[subject]
}

// Send stores a message and returns it with its SID.
func (s *State) Send(accountSID, to, from, body string) Message {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg := Message{
		SID:        fmt.Sprintf("SM%s", uuid.New().String()[:8]),
		AccountSID: accountSID,
		To:         to,
		From:       from,
		Body:       body,
		Status:     "queued",
		CreatedAt:  time.Now(),
	}
	s.messages = append(s.messages, msg)
	return msg
}

// Messages returns sent messages, newest first.
func (s *State) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Message, len(s.messages))
	for i, m := range s.messages {
		out[len(s.messages)-1-i] = m
	}
	return out
}

func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calendars = make(map[string][]Event)
	s.revoked = make(map[string]bool)
	s.messages = nil
}

func (s *State) generate(around time.Time) []Event {
	day := around.UTC().Truncate(24 * time.Hour)
	n := 1 + s.rng.Intn(4)

	events := make([]Event, 0, n+1)
	for i := 0; i < n; i++ {
		start := day.Add(time.Duration(8+s.rng.Intn(10)) * time.Hour).Add(time.Duration(s.rng.Intn(4)*15) * time.Minute)
		end := start.Add(time.Duration(1+s.rng.Intn(3)) * 30 * time.Minute)
		events = append(events, Event{
			ID:       uuid.NewString(),
			Summary:  titles[s.rng.Intn(len(titles))],
			Location: locations[s.rng.Intn(len(locations))],
			Status:   "confirmed",
			Start:    EventTime{DateTime: start.Format(time.RFC3339), TimeZone: "UTC"},
			End:      EventTime{DateTime: end.Format(time.RFC3339), TimeZone: "UTC"},
		})
	}
	if s.rng.Intn(3) == 0 {
		events = append(events, Event{
			ID:      uuid.NewString(),
			Summary: "Holiday",
			Status:  "confirmed",
			Start:   EventTime{Date: day.Format("2006-01-02")},
			End:     EventTime{Date: day.AddDate(0, 0, 1).Format("2006-01-02")},
		})
	}
	return events
}

func bounds(ev Event) (time.Time, time.Time, error) {
	start, err := parse(ev.Start)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	end, err := parse(ev.End)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, end, nil
}

func parse(t EventTime) (time.Time, error) {
	if t.DateTime != "" {
		return time.Parse(time.RFC3339, t.DateTime)
	}
	return time.Parse("2006-01-02", t.Date)
}
