package provider

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"
	log "github.com/sirupsen/logrus"
	"github.com/teambition/rrule-go"

	"github.com/stoik/herald/internal/models"
)

// maxOccurrences bounds RRULE expansion per event inside one window.
const maxOccurrences = 100

// ICSProvider reads events from the account's ICS subscription URL. Feeds
// carry their own secret in the URL, so there is no credential to refresh.
type ICSProvider struct {
	client *http.Client
}

// NewICSProvider creates a new ICS feed provider
func NewICSProvider(timeout time.Duration) *ICSProvider {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &ICSProvider{client: &http.Client{Timeout: timeout}}
}

// Refresh implements Provider.Refresh; ICS feeds have nothing to refresh.
func (p *ICSProvider) Refresh(_ context.Context, acct models.Account) (models.Account, error) {
	return acct, nil
}

// FetchEvents implements Provider.FetchEvents
func (p *ICSProvider) FetchEvents(ctx context.Context, acct models.Account, start, end time.Time) ([]models.Event, error) {
	if acct.FeedURL == "" {
		return nil, fmt.Errorf("%w: no calendar feed url", models.ErrReauthRequired)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, acct.FeedURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/calendar")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, &models.TransientError{Op: "fetch feed", Err: err}
	}
	defer resp.Body.Close()

	// A revoked secret feed URL answers 401/403/404.
	if err := classifyStatus("fetch feed", resp, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound); err != nil {
		return nil, err
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &models.TransientError{Op: "fetch feed", Err: err}
	}

	return ParseICS(body, acct.Timezone, start, end)
}

// ParseICS parses an ICS payload and returns the occurrences overlapping
// [start, end), expanding recurring events. Dates and floating times are read
// in displayTZ.
func ParseICS(body []byte, displayTZ string, start, end time.Time) ([]models.Event, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, &models.TransientError{Op: "parse feed", Err: errors.New("empty ICS body")}
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, &models.TransientError{Op: "parse feed", Err: err}
	}

	zone := displayTZ
	if zone == "" {
		zone = "UTC"
	}
	loc, err := time.LoadLocation(zone)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", models.ErrInvalidTimezone, zone)
	}

	events := make([]models.Event, 0)
	for _, ve := range cal.Events() {
		occurrences, err := expandVEvent(ve, loc, start, end)
		if err != nil {
			log.WithError(err).Debug("Skipping unparsable VEVENT")
			continue
		}
		events = append(events, occurrences...)
	}

	return events, nil
}

func expandVEvent(ve *ical.VEvent, loc *time.Location, start, end time.Time) ([]models.Event, error) {
	dtStart := ve.GetProperty(ical.ComponentPropertyDtStart)
	allDay := isAllDay(dtStart)
	startAt, endAt := ve.GetStartAt, ve.GetEndAt
	if allDay {
		startAt, endAt = ve.GetAllDayStartAt, ve.GetAllDayEndAt
	}

	evStart, err := startAt()
	if err != nil {
		return nil, fmt.Errorf("DTSTART: %w", err)
	}
	evStart = inAccountZone(dtStart, evStart, loc)

	evEnd, err := endAt()
	if err == nil {
		evEnd = inAccountZone(ve.GetProperty(ical.ComponentPropertyDtEnd), evEnd, loc)
	}
	if err != nil || !evEnd.After(evStart) {
		if allDay {
			evEnd = evStart.AddDate(0, 0, 1)
		} else {
			evEnd = evStart.Add(time.Hour)
		}
	}
	duration := evEnd.Sub(evStart)

	base := models.Event{
		Title:    propertyValue(ve.GetProperty(ical.ComponentPropertySummary)),
		Location: propertyValue(ve.GetProperty(ical.ComponentPropertyLocation)),
		AllDay:   allDay,
		TimeZone: loc.String(),
		Source:   models.SourceProvider,
	}
	if base.Title == "" {
		base.Title = "(no title)"
	}

	starts := []time.Time{evStart}
	if rule := propertyValue(ve.GetProperty(ical.ComponentPropertyRrule)); rule != "" {
		starts, err = expandRule(rule, evStart, exdates(ve), loc, start.Add(-duration), end)
		if err != nil {
			return nil, err
		}
	}

	out := make([]models.Event, 0, len(starts))
	for _, s := range starts {
		ev := base
		ev.Start = s.UTC()
		ev.End = s.Add(duration).UTC()
		if ev.Overlaps(start, end) {
			out = append(out, ev)
		}
	}
	return out, nil
}

// exdates collects every EXDATE property; a VEVENT may carry several.
func exdates(ve *ical.VEvent) []ical.IANAProperty {
	var out []ical.IANAProperty
	for _, prop := range ve.Properties {
		if prop.IANAToken == string(ical.ComponentPropertyExdate) {
			out = append(out, prop)
		}
	}
	return out
}

func expandRule(rule string, dtStart time.Time, excluded []ical.IANAProperty, loc *time.Location, start, end time.Time) ([]time.Time, error) {
	r, err := rrule.StrToRRule(rule)
	if err != nil {
		return nil, fmt.Errorf("RRULE %q: %w", rule, err)
	}
	r.DTStart(dtStart)

	var set rrule.Set
	set.RRule(r)
	for _, prop := range excluded {
		exLoc := loc
		if tzid := parameter(&prop, "TZID"); tzid != "" {
			if l, err := time.LoadLocation(tzid); err == nil {
				exLoc = l
			}
		}
		for _, part := range strings.Split(prop.Value, ",") {
			if t, err := parseICSTime(strings.TrimSpace(part), exLoc); err == nil {
				set.ExDate(t)
			}
		}
	}

	occ := set.Between(start.In(dtStart.Location()), end.In(dtStart.Location()), true)
	if len(occ) > maxOccurrences {
		occ = occ[:maxOccurrences]
	}
	return occ, nil
}

// inAccountZone reinterprets a DATE or floating value, which the parser reads
// in time.Local, as wall-clock time in loc. UTC and TZID values are kept.
func inAccountZone(prop *ical.IANAProperty, t time.Time, loc *time.Location) time.Time {
	if prop == nil || strings.HasSuffix(strings.TrimSpace(prop.Value), "Z") || parameter(prop, "TZID") != "" {
		return t
	}
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), t.Minute(), t.Second(), 0, loc)
}

func parameter(prop *ical.IANAProperty, name string) string {
	if vs, ok := prop.ICalParameters[name]; ok && len(vs) > 0 {
		return vs[0]
	}
	return ""
}

func isAllDay(prop *ical.IANAProperty) bool {
	if prop == nil {
		return false
	}
	if strings.EqualFold(parameter(prop, "VALUE"), "DATE") {
		return true
	}
	return !strings.Contains(prop.Value, "T")
}

func propertyValue(prop *ical.IANAProperty) string {
	if prop == nil {
		return ""
	}
	return strings.TrimSpace(prop.Value)
}

func parseICSTime(v string, loc *time.Location) (time.Time, error) {
	switch {
	case v == "":
		return time.Time{}, errors.New("empty time value")
	case strings.HasSuffix(v, "Z"):
		return time.Parse("20060102T150405Z", v)
	case strings.Contains(v, "T"):
		return time.ParseInLocation("20060102T150405", v, loc)
	default:
		return time.ParseInLocation("20060102", v, loc)
	}
}
