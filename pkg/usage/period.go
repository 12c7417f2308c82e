package usage

import (
	"fmt"
	"time"
)

// PeriodLayout is the time layout of a period identifier
const PeriodLayout = "2006-01"

// PeriodOf returns the calendar month containing t, in UTC
func PeriodOf(t time.Time) string {
	return t.UTC().Format(PeriodLayout)
}

// ParsePeriod returns the first instant of a period
func ParsePeriod(period string) (time.Time, error) {
	t, err := time.Parse(PeriodLayout, period)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidPeriod, period)
	}
	return t, nil
}

// PreviousPeriod returns the month before period
func PreviousPeriod(period string) (string, error) {
	t, err := ParsePeriod(period)
	if err != nil {
		return "", err
	}
	return t.AddDate(0, -1, 0).Format(PeriodLayout), nil
}

// PeriodBounds returns the half-open interval [start, end) covered by period
func PeriodBounds(period string) (time.Time, time.Time, error) {
	start, err := ParsePeriod(period)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	return start, start.AddDate(0, 1, 0), nil
}
