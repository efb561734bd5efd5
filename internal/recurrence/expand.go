package recurrence

import (
	"sort"
	"time"

	"github.com/vidfriends/livesched/internal/models"
)

// MaxIterations bounds the number of recurrence periods walked by Expand.
const MaxIterations = 10000

// Expand returns the occurrence start instants of rule anchored at dtstart that
// fall strictly after `after` and no later than after+horizon. Instants are
// ordered, unique, never earlier than dtstart, and honour the rule's count
// (counted from dtstart) and until (inclusive) bounds. The wall-clock time of
// dtstart is kept in loc, so occurrences stay at the same local hour across DST.
//
// Expand has no side effects; equal inputs always yield equal output.
func Expand(rule models.RecurrenceRule, dtstart time.Time, loc *time.Location, after time.Time, horizon time.Duration) []time.Time {
	if Validate(rule) != nil || horizon <= 0 {
		return nil
	}
	if loc == nil {
		loc = time.UTC
	}

	start := dtstart.In(loc)
	end := after.Add(horizon)
	if rule.Until != nil && rule.Until.Before(end) {
		end = *rule.Until
	}
	if !end.After(after) {
		return nil
	}

	w := walker{rule: rule, start: start, loc: loc, offsets: weekOffsets(rule, start)}

	period := 0
	if rule.Count == 0 {
		period = w.skipTo(after)
	}

	var (
		out     []time.Time
		emitted int
	)
	for i := 0; i < MaxIterations; i, period = i+1, period+1 {
		n := period * rule.Interval
		if w.floor(n).After(end) {
			break
		}
		for _, at := range w.instants(n) {
			if at.Before(start) {
				continue
			}
			if at.After(end) {
				return out
			}
			emitted++
			if rule.Count > 0 && emitted > rule.Count {
				return out
			}
			if !at.After(after) {
				continue
			}
			if len(out) > 0 && !at.After(out[len(out)-1]) {
				continue
			}
			out = append(out, at)
		}
	}
	return out
}

type walker struct {
	rule    models.RecurrenceRule
	start   time.Time
	loc     *time.Location
	offsets []int
}

// floor is the earliest instant any occurrence of period n could have.
func (w walker) floor(n int) time.Time {
	y, m, d := w.start.Date()
	switch w.rule.Frequency {
	case models.FrequencyWeekly:
		monday := d - mondayOffset(w.start.Weekday())
		return time.Date(y, m, monday+7*n, 0, 0, 0, 0, w.loc)
	case models.FrequencyMonthly:
		return time.Date(y, m+time.Month(n), 1, 0, 0, 0, 0, w.loc)
	default:
		return time.Date(y, m, d+n, 0, 0, 0, 0, w.loc)
	}
}

func (w walker) instants(n int) []time.Time {
	y, m, d := w.start.Date()
	hh, mm, ss := w.start.Clock()
	ns := w.start.Nanosecond()

	switch w.rule.Frequency {
	case models.FrequencyWeekly:
		monday := d - mondayOffset(w.start.Weekday())
		out := make([]time.Time, 0, len(w.offsets))
		for _, off := range w.offsets {
			out = append(out, time.Date(y, m, monday+7*n+off, hh, mm, ss, ns, w.loc))
		}
		return out
	case models.FrequencyMonthly:
		at := time.Date(y, m+time.Month(n), d, hh, mm, ss, ns, w.loc)
		if at.Day() != d {
			// The month is too short for this day of month.
			return nil
		}
		return []time.Time{at}
	default:
		return []time.Time{time.Date(y, m, d+n, hh, mm, ss, ns, w.loc)}
	}
}

// skipTo returns a period index that starts no later than ref, so unbounded
// rules anchored far in the past do not walk every elapsed period.
func (w walker) skipTo(ref time.Time) int {
	if !ref.After(w.start) {
		return 0
	}
	var units int
	switch w.rule.Frequency {
	case models.FrequencyWeekly:
		units = int(ref.Sub(w.start).Hours() / (24 * 7))
	case models.FrequencyMonthly:
		r := ref.In(w.loc)
		units = (r.Year()-w.start.Year())*12 + int(r.Month()) - int(w.start.Month())
	default:
		units = int(ref.Sub(w.start).Hours() / 24)
	}
	period := units/w.rule.Interval - 1
	if period < 0 {
		return 0
	}
	return period
}

func weekOffsets(rule models.RecurrenceRule, start time.Time) []int {
	if rule.Frequency != models.FrequencyWeekly {
		return nil
	}
	days := rule.ByDay
	if len(days) == 0 {
		days = []time.Weekday{start.Weekday()}
	}
	offsets := make([]int, 0, len(days))
	for _, day := range days {
		offsets = append(offsets, mondayOffset(day))
	}
	sort.Ints(offsets)
	return offsets
}

// mondayOffset counts days since Monday; weeks start on Monday (RFC 5545 WKST=MO).
func mondayOffset(day time.Weekday) int {
	return (int(day) + 6) % 7
}
