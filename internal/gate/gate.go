// Package gate decides whether an account is due for its daily summary.
package gate

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/stoik/herald/internal/models"
)

// Gate evaluates due-ness. The zero value compares hours only, which is
// enough for an hourly tick.
type Gate struct {
	// MinuteGranularity makes the configured minute the trigger instant
	// within the configured hour, for sub-hourly ticks.
	MinuteGranularity bool
}

// IsDue reports whether acct should be dispatched at now. Configuration
// errors return false together with the error.
func (g Gate) IsDue(acct models.Account, now time.Time) (bool, error) {
	loc, err := Location(acct.Timezone)
	if err != nil {
		return false, err
	}
	hour, minute, err := ParseSendTime(acct.SendTime)
	if err != nil {
		return false, err
	}

	local := now.In(loc)
	if local.Format(models.DateLayout) == acct.LastDeliveryDate {
		return false, nil
	}
	if local.Hour() != hour {
		return false, nil
	}
	if g.MinuteGranularity && local.Minute() < minute {
		return false, nil
	}
	return true, nil
}

// LocalDate returns now as a calendar date in the account's timezone.
func LocalDate(acct models.Account, now time.Time) (string, error) {
	loc, err := Location(acct.Timezone)
	if err != nil {
		return "", err
	}
	return now.In(loc).Format(models.DateLayout), nil
}

// Location resolves an IANA zone name. Unlike time.LoadLocation it rejects
// the empty name instead of returning UTC.
func Location(name string) (*time.Location, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, fmt.Errorf("%w: empty", models.ErrInvalidTimezone)
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q: %v", models.ErrInvalidTimezone, name, err)
	}
	return loc, nil
}

// ParseSendTime parses "HH:MM" (or a bare "HH") into hour and minute.
func ParseSendTime(s string) (int, int, error) {
	s = strings.TrimSpace(s)
	hh, mm, hasMinute := strings.Cut(s, ":")
	hour, err := strconv.Atoi(hh)
	if err != nil || len(hh) == 0 || len(hh) > 2 || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("%w: %q", models.ErrInvalidSendTime, s)
	}
	minute := 0
	if hasMinute {
		minute, err = strconv.Atoi(mm)
		if err != nil || len(mm) != 2 || minute < 0 || minute > 59 {
			return 0, 0, fmt.Errorf("%w: %q", models.ErrInvalidSendTime, s)
		}
	}
	return hour, minute, nil
}
