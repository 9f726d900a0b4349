package core

import (
	"fmt"
	"time"
)

// YesterdayLocalMidnight returns the absolute instant of local midnight on
// the calendar day before now's local calendar day. It is computed by
// constructing "yesterday 00:00 local" from now's date components and
// letting time.Date normalize the day-1 rollover and time.Local resolve the
// instant — never by subtracting a fixed 24h duration from now, which would
// drift by an hour across a DST transition.
func YesterdayLocalMidnight(now time.Time) time.Time {
	local := now.Local()
	y, m, d := local.Date()
	return time.Date(y, m, d-1, 0, 0, 0, 0, time.Local)
}

// TodayLocalDate returns now's local calendar day as "YYYY-MM-DD".
func TodayLocalDate(now time.Time) string {
	return now.Local().Format(localDateLayout)
}

// Period names a roll-up granularity for Aggregator.RollUp.
type Period string

const (
	PeriodDay   Period = "day"
	PeriodWeek  Period = "week"
	PeriodMonth Period = "month"
)

// BucketKey returns the roll-up bucket a local calendar date belongs to for
// the given period: the date itself for PeriodDay, the ISO-8601 year-week
// for PeriodWeek ("2026-W03"), or the year-month for PeriodMonth
// ("2026-01").
func BucketKey(date string, period Period) (string, error) {
	t, err := time.ParseInLocation(localDateLayout, date, time.Local)
	if err != nil {
		return "", fmt.Errorf("core: parse local date %q: %w", date, err)
	}
	switch period {
	case PeriodDay, "":
		return date, nil
	case PeriodWeek:
		year, week := t.ISOWeek()
		return fmt.Sprintf("%04d-W%02d", year, week), nil
	case PeriodMonth:
		return t.Format("2006-01"), nil
	default:
		return date, nil
	}
}
