// Package recurrence expands RFC 5545 style recurrence rules into concrete
// occurrence start times.
package recurrence

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/vidfriends/livesched/internal/models"
)

// ErrInvalidRule reports a recurrence rule that cannot be expanded.
var ErrInvalidRule = errors.New("invalid recurrence rule")

const untilLayout = "20060102T150405Z"

var weekdayCodes = map[string]time.Weekday{
	"SU": time.Sunday,
	"MO": time.Monday,
	"TU": time.Tuesday,
	"WE": time.Wednesday,
	"TH": time.Thursday,
	"FR": time.Friday,
	"SA": time.Saturday,
}

// Validate checks the structural constraints of a rule.
func Validate(rule models.RecurrenceRule) error {
	switch rule.Frequency {
	case models.FrequencyDaily, models.FrequencyWeekly, models.FrequencyMonthly:
	default:
		return fmt.Errorf("%w: unsupported frequency %q", ErrInvalidRule, rule.Frequency)
	}
	if rule.Interval < 1 {
		return fmt.Errorf("%w: interval must be at least 1", ErrInvalidRule)
	}
	if rule.Count < 0 {
		return fmt.Errorf("%w: count must not be negative", ErrInvalidRule)
	}
	if rule.Count > 0 && rule.Until != nil {
		return fmt.Errorf("%w: count and until are mutually exclusive", ErrInvalidRule)
	}
	if len(rule.ByDay) > 0 && rule.Frequency != models.FrequencyWeekly {
		return fmt.Errorf("%w: by-day is only supported for weekly rules", ErrInvalidRule)
	}
	seen := make(map[time.Weekday]struct{}, len(rule.ByDay))
	for _, day := range rule.ByDay {
		if day < time.Sunday || day > time.Saturday {
			return fmt.Errorf("%w: unknown weekday %d", ErrInvalidRule, day)
		}
		if _, dup := seen[day]; dup {
			return fmt.Errorf("%w: duplicate weekday %s", ErrInvalidRule, day)
		}
		seen[day] = struct{}{}
	}
	return nil
}

// Parse reads an RRULE value such as "FREQ=WEEKLY;INTERVAL=2;BYDAY=MO,WE".
// An optional "RRULE:" prefix is accepted. Interval defaults to 1.
func Parse(value string) (models.RecurrenceRule, error) {
	value = strings.TrimSpace(value)
	if len(value) >= 6 && strings.EqualFold(value[:6], "RRULE:") {
		value = value[6:]
	}
	if value == "" {
		return models.RecurrenceRule{}, fmt.Errorf("%w: empty rule", ErrInvalidRule)
	}

	rule := models.RecurrenceRule{Interval: 1}
	for _, part := range strings.Split(value, ";") {
		if part == "" {
			continue
		}
		key, val, ok := strings.Cut(part, "=")
		if !ok || val == "" {
			return models.RecurrenceRule{}, fmt.Errorf("%w: malformed part %q", ErrInvalidRule, part)
		}
		val = strings.ToUpper(strings.TrimSpace(val))

		switch strings.ToUpper(strings.TrimSpace(key)) {
		case "FREQ":
			rule.Frequency = models.Frequency(val)
		case "INTERVAL":
			n, err := strconv.Atoi(val)
			if err != nil {
				return models.RecurrenceRule{}, fmt.Errorf("%w: interval %q", ErrInvalidRule, val)
			}
			rule.Interval = n
		case "COUNT":
			n, err := strconv.Atoi(val)
			if err != nil || n < 1 {
				return models.RecurrenceRule{}, fmt.Errorf("%w: count %q", ErrInvalidRule, val)
			}
			rule.Count = n
		case "UNTIL":
			until, err := parseUntil(val)
			if err != nil {
				return models.RecurrenceRule{}, err
			}
			rule.Until = &until
		case "BYDAY":
			for _, code := range strings.Split(val, ",") {
				day, ok := weekdayCodes[strings.TrimSpace(code)]
				if !ok {
					return models.RecurrenceRule{}, fmt.Errorf("%w: weekday %q", ErrInvalidRule, code)
				}
				rule.ByDay = append(rule.ByDay, day)
			}
		case "WKST":
			if val != "MO" {
				return models.RecurrenceRule{}, fmt.Errorf("%w: only WKST=MO is supported", ErrInvalidRule)
			}
		default:
			return models.RecurrenceRule{}, fmt.Errorf("%w: unsupported part %q", ErrInvalidRule, key)
		}
	}

	if err := Validate(rule); err != nil {
		return models.RecurrenceRule{}, err
	}
	return rule, nil
}

// Format renders rule in the form accepted by Parse.
func Format(rule models.RecurrenceRule) string {
	var b strings.Builder
	b.WriteString("FREQ=")
	b.WriteString(string(rule.Frequency))
	if rule.Interval > 1 {
		fmt.Fprintf(&b, ";INTERVAL=%d", rule.Interval)
	}
	if len(rule.ByDay) > 0 {
		codes := make([]string, 0, len(rule.ByDay))
		for _, day := range rule.ByDay {
			codes = append(codes, strings.ToUpper(day.String()[:2]))
		}
		b.WriteString(";BYDAY=")
		b.WriteString(strings.Join(codes, ","))
	}
	if rule.Count > 0 {
		fmt.Fprintf(&b, ";COUNT=%d", rule.Count)
	}
	if rule.Until != nil {
		b.WriteString(";UNTIL=")
		b.WriteString(rule.Until.UTC().Format(untilLayout))
	}
	return b.String()
}

func parseUntil(val string) (time.Time, error) {
	if t, err := time.Parse(untilLayout, val); err == nil {
		return t, nil
	}
	// A bare date bounds the rule through the end of that day.
	if t, err := time.Parse("20060102", val); err == nil {
		return t.Add(24*time.Hour - time.Second), nil
	}
	return time.Time{}, fmt.Errorf("%w: until %q", ErrInvalidRule, val)
}
