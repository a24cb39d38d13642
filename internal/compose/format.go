package compose

import (
	"fmt"
	"strings"
	"time"

	"github.com/stoik/herald/internal/models"
)

const (
	// GroupThreshold is the event count above which the summary is bucketed
	// into parts of the day.
	GroupThreshold = 4
	// MaxListed bounds how many events are spelled out.
	MaxListed = 12
	// MaxTitleLength bounds a single event title, in runes.
	MaxTitleLength = 40
)

// Format renders events with the deterministic formatter. It never fails and
// never returns an empty body. loc is the display timezone.
func Format(events []models.Event, name string, style models.Style, loc *time.Location) string {
	if loc == nil {
		loc = time.UTC
	}
	style = style.OrPlain()

	if len(events) == 0 {
		return freeDay(name, style)
	}

	var b strings.Builder
	b.WriteString(greeting(name, style))
	b.WriteString("\n")
	b.WriteString(headline(events, loc, style))
	b.WriteString("\n")

	listed := events
	if len(listed) > MaxListed {
		listed = listed[:MaxListed]
	}

	if len(events) > GroupThreshold {
		writeGrouped(&b, listed, loc)
	} else {
		for i, ev := range listed {
			fmt.Fprintf(&b, "%d. %s\n", i+1, line(ev, loc))
		}
	}

	if rest := len(events) - len(listed); rest > 0 {
		fmt.Fprintf(&b, "+%d more\n", rest)
	}

	if signOff := signOff(style); signOff != "" {
		b.WriteString(signOff)
	}
	return strings.TrimRight(b.String(), "\n")
}

// Part is a part of the day events are bucketed into.
type Part string

const (
	PartAllDay    Part = "All day"
	PartMorning   Part = "Morning"
	PartAfternoon Part = "Afternoon"
	PartEvening   Part = "Evening"
)

var partOrder = []Part{PartAllDay, PartMorning, PartAfternoon, PartEvening}

// PartOf buckets an event by its local start hour: <12, 12-17, >=17.
func PartOf(ev models.Event, loc *time.Location) Part {
	if ev.AllDay {
		return PartAllDay
	}
	switch h := ev.Start.In(loc).Hour(); {
	case h < 12:
		return PartMorning
	case h < 17:
		return PartAfternoon
	default:
		return PartEvening
	}
}

func writeGrouped(b *strings.Builder, events []models.Event, loc *time.Location) {
	buckets := make(map[Part][]models.Event, len(partOrder))
	for _, ev := range events {
		part := PartOf(ev, loc)
		buckets[part] = append(buckets[part], ev)
	}
	for _, part := range partOrder {
		items := buckets[part]
		if len(items) == 0 {
			continue
		}
		fmt.Fprintf(b, "%s:\n", part)
		for _, ev := range items {
			fmt.Fprintf(b, "- %s\n", line(ev, loc))
		}
	}
}

func line(ev models.Event, loc *time.Location) string {
	title := shorten(ev.Title, MaxTitleLength)
	var out string
	if ev.AllDay {
		out = "All day: " + title
	} else {
		out = ev.Start.In(loc).Format("3:04 PM") + " " + title
	}
	if place := strings.TrimSpace(ev.Location); place != "" {
		out += " @ " + shorten(place, MaxTitleLength)
	}
	return out
}

func shorten(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return strings.TrimSpace(string(runes[:max-1])) + "…"
}

func headline(events []models.Event, loc *time.Location, style models.Style) string {
	day := events[0].Start.In(loc).Format("Mon Jan 2")
	noun := "events"
	if len(events) == 1 {
		noun = "event"
	}
	switch style {
	case models.StyleConcise:
		return fmt.Sprintf("%s: %d %s", day, len(events), noun)
	default:
		return fmt.Sprintf("You have %d %s coming up (%s):", len(events), noun, day)
	}
}

func greeting(name string, style models.Style) string {
	switch style {
	case models.StyleFriendly:
		return fmt.Sprintf("Good morning, %s! Here's your day.", name)
	case models.StyleConcise:
		return fmt.Sprintf("%s,", name)
	case models.StylePlayful:
		return fmt.Sprintf("Rise and shine, %s!", name)
	default:
		return fmt.Sprintf("Good morning, %s.", name)
	}
}

func signOff(style models.Style) string {
	switch style {
	case models.StyleFriendly:
		return "Have a great day!"
	case models.StylePlayful:
		return "Go get 'em!"
	default:
		return ""
	}
}

func freeDay(name string, style models.Style) string {
	switch style {
	case models.StyleConcise:
		return fmt.Sprintf("%s, no events today.", name)
	case models.StylePlayful:
		return fmt.Sprintf("Rise and shine, %s! Your calendar is wide open today. Enjoy the free day!", name)
	default:
		return fmt.Sprintf("Good morning, %s! Nothing on your calendar today. Enjoy the free day.", name)
	}
}
