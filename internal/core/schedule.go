package core

import (
	"time"

	"github.com/rs/zerolog"
)

// Planner computes the first allowed send instant for a client. Unknown
// client timezones degrade to Fallback with a warning rather than failing
// the whole run.
type Planner struct {
	Fallback *time.Location
	Log      zerolog.Logger
}

func (p Planner) location(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil || name == "" {
		fb := p.Fallback
		if fb == nil {
			fb = time.UTC
		}
		p.Log.Warn().Str("timezone", name).Str("fallback", fb.String()).
			Msg("unknown client timezone, using fallback")
		return fb
	}
	return loc
}

// PlanSendAt returns the earliest instant within both the campaign's
// active window and the client's local daily window, or ok=false when no
// slot exists before the campaign ends. The result is in UTC.
//
// The search walks local calendar days from max(now, campaign start) up
// to the campaign end date plus one day; the extra day covers windows
// that wrap past midnight.
func (p Planner) PlanSendAt(c Campaign, client Client, now time.Time) (time.Time, bool) {
	loc := p.location(client.Timezone)

	nowLocal := now.In(loc)
	startLocal := c.StartsAt.In(loc)
	endLocal := c.EndsAt.In(loc)

	startFrom := nowLocal
	if startLocal.After(startFrom) {
		startFrom = startLocal
	}

	cursor := midnight(startFrom)
	lastDay := midnight(endLocal).AddDate(0, 0, 1)

	for !cursor.After(lastDay) {
		windowStart := c.WindowStart.On(cursor)
		windowEnd := c.WindowEnd.On(cursor)
		if c.WindowEnd < c.WindowStart {
			windowEnd = windowEnd.AddDate(0, 0, 1)
		}

		if startFrom.After(windowEnd) {
			cursor = cursor.AddDate(0, 0, 1)
			continue
		}

		candidate := startFrom
		if windowStart.After(candidate) {
			candidate = windowStart
		}
		if !candidate.After(windowEnd) && !candidate.After(endLocal) {
			return candidate.UTC(), true
		}

		cursor = cursor.AddDate(0, 0, 1)
	}

	return time.Time{}, false
}

func midnight(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}
