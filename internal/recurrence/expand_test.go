package recurrence

import (
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vidfriends/livesched/internal/models"
)

func utc(y int, m time.Month, d, hh, mm int) time.Time {
	return time.Date(y, m, d, hh, mm, 0, 0, time.UTC)
}

func TestExpandWeeklyMondaysWithinHorizon(t *testing.T) {
	rule := models.RecurrenceRule{Frequency: models.FrequencyWeekly, Interval: 1, ByDay: []time.Weekday{time.Monday}}
	ref := utc(2024, time.January, 7, 9, 0)

	got := Expand(rule, ref, time.UTC, ref, 14*24*time.Hour)

	assert.Equal(t, []time.Time{
		utc(2024, time.January, 8, 9, 0),
		utc(2024, time.January, 15, 9, 0),
	}, got)
}

func TestExpandUntilInThePastYieldsNothing(t *testing.T) {
	until := utc(2023, time.December, 1, 0, 0)
	rule := models.RecurrenceRule{Frequency: models.FrequencyDaily, Interval: 1, Until: &until}

	got := Expand(rule, utc(2023, time.November, 1, 10, 0), time.UTC, utc(2024, time.January, 1, 0, 0), 30*24*time.Hour)

	assert.Empty(t, got)
}

func TestExpandUntilIsInclusive(t *testing.T) {
	until := utc(2024, time.January, 3, 10, 0)
	rule := models.RecurrenceRule{Frequency: models.FrequencyDaily, Interval: 1, Until: &until}
	dtstart := utc(2024, time.January, 1, 10, 0)

	got := Expand(rule, dtstart, time.UTC, dtstart, 10*24*time.Hour)

	assert.Equal(t, []time.Time{
		utc(2024, time.January, 2, 10, 0),
		utc(2024, time.January, 3, 10, 0),
	}, got)
}

func TestExpandCountIsCountedFromDTStart(t *testing.T) {
	rule := models.RecurrenceRule{Frequency: models.FrequencyDaily, Interval: 1, Count: 5}
	dtstart := utc(2024, time.January, 1, 10, 0)

	got := Expand(rule, dtstart, time.UTC, utc(2024, time.January, 3, 12, 0), 30*24*time.Hour)

	assert.Equal(t, []time.Time{
		utc(2024, time.January, 4, 10, 0),
		utc(2024, time.January, 5, 10, 0),
	}, got)
}

func TestExpandNeverReturnsInstantsBeforeDTStart(t *testing.T) {
	rule := models.RecurrenceRule{Frequency: models.FrequencyDaily, Interval: 1}
	dtstart := utc(2024, time.January, 10, 10, 0)

	got := Expand(rule, dtstart, time.UTC, utc(2024, time.January, 1, 0, 0), 11*24*time.Hour)

	require.NotEmpty(t, got)
	assert.Equal(t, dtstart, got[0])
	assert.Len(t, got, 2)
}

func TestExpandMonthlySkipsShortMonths(t *testing.T) {
	rule := models.RecurrenceRule{Frequency: models.FrequencyMonthly, Interval: 1}
	dtstart := utc(2024, time.January, 31, 12, 0)

	got := Expand(rule, dtstart, time.UTC, dtstart, 150*24*time.Hour)

	assert.Equal(t, []time.Time{
		utc(2024, time.March, 31, 12, 0),
		utc(2024, time.May, 31, 12, 0),
	}, got)
}

func TestExpandBiweeklyMultipleDays(t *testing.T) {
	rule := models.RecurrenceRule{
		Frequency: models.FrequencyWeekly,
		Interval:  2,
		ByDay:     []time.Weekday{time.Wednesday, time.Monday},
	}
	dtstart := utc(2024, time.January, 1, 18, 0)

	got := Expand(rule, dtstart, time.UTC, dtstart.Add(-time.Second), 21*24*time.Hour)

	assert.Equal(t, []time.Time{
		utc(2024, time.January, 1, 18, 0),
		utc(2024, time.January, 3, 18, 0),
		utc(2024, time.January, 15, 18, 0),
		utc(2024, time.January, 17, 18, 0),
	}, got)
}

func TestExpandKeepsLocalTimeAcrossDST(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	rule := models.RecurrenceRule{Frequency: models.FrequencyDaily, Interval: 1}
	dtstart := time.Date(2024, time.March, 9, 9, 0, 0, 0, loc)

	got := Expand(rule, dtstart, loc, dtstart.Add(-time.Minute), 70*time.Hour)

	require.Len(t, got, 3)
	for _, at := range got {
		assert.Equal(t, 9, at.In(loc).Hour())
	}
	assert.Equal(t, 23*time.Hour, got[1].Sub(got[0]))
	assert.Equal(t, 24*time.Hour, got[2].Sub(got[1]))
}

func TestExpandByDayOutsideHorizon(t *testing.T) {
	rule := models.RecurrenceRule{Frequency: models.FrequencyWeekly, Interval: 1, ByDay: []time.Weekday{time.Saturday}}

	got := Expand(rule, utc(2024, time.January, 6, 10, 0), time.UTC, utc(2024, time.January, 7, 0, 0), 5*24*time.Hour)

	assert.Empty(t, got)
}

func TestExpandSkipsAheadForOldUnboundedRules(t *testing.T) {
	rule := models.RecurrenceRule{Frequency: models.FrequencyDaily, Interval: 1}
	dtstart := utc(1980, time.January, 1, 8, 0)

	got := Expand(rule, dtstart, time.UTC, utc(2024, time.June, 1, 0, 0), 48*time.Hour)

	assert.Equal(t, []time.Time{
		utc(2024, time.June, 1, 8, 0),
		utc(2024, time.June, 2, 8, 0),
	}, got)
}

func TestExpandIsDeterministic(t *testing.T) {
	rule := models.RecurrenceRule{Frequency: models.FrequencyWeekly, Interval: 1, ByDay: []time.Weekday{time.Tuesday, time.Friday}}
	dtstart := utc(2024, time.February, 2, 7, 30)
	after := utc(2024, time.February, 10, 0, 0)

	first := Expand(rule, dtstart, time.UTC, after, 30*24*time.Hour)
	second := Expand(rule, dtstart, time.UTC, after, 30*24*time.Hour)

	require.NotEmpty(t, first)
	assert.Equal(t, first, second)
	for i := 1; i < len(first); i++ {
		assert.True(t, first[i].After(first[i-1]), "occurrences must be strictly increasing")
	}
}

func TestExpandRejectsInvalidRule(t *testing.T) {
	rule := models.RecurrenceRule{Frequency: models.FrequencyDaily, Interval: 0}

	assert.Nil(t, Expand(rule, utc(2024, time.January, 1, 0, 0), time.UTC, utc(2024, time.January, 1, 0, 0), time.Hour))
}
