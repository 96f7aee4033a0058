// Package calendar holds the pure date arithmetic the scheduler and
// evaluator are built on: period boundary resolution, business-day
// rolling, and deadline math. No state, no clock.
package calendar

import (
	"time"

	"covtrack/internal/models"
)

// DateOnly truncates a time to midnight UTC.
func DateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// LastDayOfMonth returns the number of days in the given month.
func LastDayOfMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// AdjustForBusinessDay rolls a weekend date forward to the next business
// day when adjust is set. Public holidays are not considered; the holiday
// calendar is an open configuration gap, not an implemented default.
func AdjustForBusinessDay(date time.Time, adjust bool) time.Time {
	if !adjust {
		return date
	}
	switch date.Weekday() {
	case time.Saturday:
		return date.AddDate(0, 0, 2)
	case time.Sunday:
		return date.AddDate(0, 0, 1)
	default:
		return date
	}
}

// ComputeDeadline derives an obligation deadline from a period end.
// deadlineDays >= 0 is a precondition enforced at template creation.
func ComputeDeadline(periodEnd time.Time, deadlineDays int, businessDayAdjust bool) time.Time {
	return AdjustForBusinessDay(DateOnly(periodEnd).AddDate(0, 0, deadlineDays), businessDayAdjust)
}

// ComputeGraceDeadline derives the grace deadline from a deadline.
// gracePeriodDays >= 0 is a precondition enforced at template creation.
func ComputeGraceDeadline(deadline time.Time, gracePeriodDays int) time.Time {
	return DateOnly(deadline).AddDate(0, 0, gracePeriodDays)
}

// periodEndDay picks the day-of-month a period ends on. Calendar-aligned
// periods end on the last day of the month; fiscal periods end on the
// fiscal year end's day-of-month, treating day 28+ as month end.
func periodEndDay(year int, month time.Month, ref models.ReferencePoint, fyeDay int) int {
	last := LastDayOfMonth(year, month)
	if ref == models.ReferenceFiscalYearEnd && fyeDay < 28 {
		if fyeDay < last {
			return fyeDay
		}
	}
	return last
}

// isAlignedMonth reports whether a month is a period boundary month for
// the given frequency and reference point.
func isAlignedMonth(month time.Month, periodMonths int, ref models.ReferencePoint, fyeMonth time.Month) bool {
	if ref == models.ReferenceFiscalYearEnd {
		return ((int(month)-int(fyeMonth))%periodMonths+periodMonths)%periodMonths == 0
	}
	return int(month)%periodMonths == 0
}

// AlignedPeriodEnd returns the first period end on or after anchor for a
// recurring frequency. For period_end reference points, periods align to
// the calendar year (quarterly ends Mar/Jun/Sep/Dec); for fiscal_year_end
// they align to anniversaries of the facility's fiscal year end.
func AlignedPeriodEnd(freq models.ObligationFrequency, ref models.ReferencePoint, anchor time.Time, fyeMonth time.Month, fyeDay int) time.Time {
	pm := freq.PeriodMonths()
	if pm == 0 {
		return DateOnly(anchor)
	}
	anchor = DateOnly(anchor)
	cursor := time.Date(anchor.Year(), anchor.Month(), 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i <= pm; i++ {
		m := cursor.AddDate(0, i, 0)
		if !isAlignedMonth(m.Month(), pm, ref, fyeMonth) {
			continue
		}
		end := time.Date(m.Year(), m.Month(), periodEndDay(m.Year(), m.Month(), ref, fyeDay), 0, 0, 0, 0, time.UTC)
		if !end.Before(anchor) {
			return end
		}
	}
	// Unreachable for valid recurring frequencies: a boundary month occurs
	// at least once every pm months.
	return anchor
}

// NextPeriodEnd returns the period end following the given one.
func NextPeriodEnd(freq models.ObligationFrequency, ref models.ReferencePoint, end time.Time, fyeDay int) time.Time {
	pm := freq.PeriodMonths()
	if pm == 0 {
		return end
	}
	next := end.AddDate(0, pm, 0)
	// Re-anchor the day: AddDate drifts at month ends (Feb 28 + 3mo).
	day := periodEndDay(next.Year(), next.Month(), ref, fyeDay)
	return time.Date(next.Year(), next.Month(), day, 0, 0, 0, 0, time.UTC)
}

// PeriodStart returns the first day of the period ending at end: the day
// after the previous period end.
func PeriodStart(freq models.ObligationFrequency, ref models.ReferencePoint, end time.Time, fyeDay int) time.Time {
	pm := freq.PeriodMonths()
	if pm == 0 {
		return DateOnly(end)
	}
	prev := end.AddDate(0, -pm, 0)
	day := periodEndDay(prev.Year(), prev.Month(), ref, fyeDay)
	prev = time.Date(prev.Year(), prev.Month(), day, 0, 0, 0, 0, time.UTC)
	return prev.AddDate(0, 0, 1)
}

// ResolvePeriodBoundaries returns the reporting period containing anchor.
func ResolvePeriodBoundaries(freq models.ObligationFrequency, ref models.ReferencePoint, anchor time.Time, fyeMonth time.Month, fyeDay int) (time.Time, time.Time) {
	end := AlignedPeriodEnd(freq, ref, anchor, fyeMonth, fyeDay)
	return PeriodStart(freq, ref, end, fyeDay), end
}
