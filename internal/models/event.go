package models

import (
	"time"

	"github.com/google/uuid"
)

// EventSource tags where an event came from.
type EventSource string

const (
	SourceProvider EventSource = "provider"
	SourceManual   EventSource = "manual"
)

// Event is a normalized calendar event. Start and End are instants; TimeZone
// names the zone the event should be displayed in.
type Event struct {
	ID       uuid.UUID   `json:"id,omitempty" db:"id"`
	Title    string      `json:"title" db:"title"`
	Start    time.Time   `json:"start" db:"starts_at"`
	End      time.Time   `json:"end" db:"ends_at"`
	Location string      `json:"location,omitempty" db:"location"`
	AllDay   bool        `json:"all_day" db:"all_day"`
	TimeZone string      `json:"time_zone,omitempty" db:"time_zone"`
	Source   EventSource `json:"source" db:"source"`
}

// Overlaps reports whether any part of the event falls in [start, end).
func (e Event) Overlaps(start, end time.Time) bool {
	if !e.End.After(e.Start) {
		return e.InWindow(start, end)
	}
	return e.Start.Before(end) && e.End.After(start)
}

// InWindow reports whether the event starts in [start, end).
func (e Event) InWindow(start, end time.Time) bool {
	return !e.Start.Before(start) && e.Start.Before(end)
}
