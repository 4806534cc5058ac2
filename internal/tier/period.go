package tier

import "time"

// Period is a half-open billing window [Start, End).
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

func (p Period) Contains(t time.Time) bool {
	return !t.Before(p.Start) && t.Before(p.End)
}

// PeriodFor returns the period [anchor+k months, anchor+(k+1) months) that
// contains now. Month steps are calendar months with the anchor's day
// clamped to the length of the target month, and every boundary is computed
// from the original anchor so a day-31 anchor does not drift to day 28.
func PeriodFor(anchor, now time.Time) Period {
	anchor = anchor.UTC()
	now = now.UTC()

	k := (now.Year()-anchor.Year())*12 + int(now.Month()-anchor.Month())
	start := AddMonths(anchor, k)
	for start.After(now) {
		k--
		start = AddMonths(anchor, k)
	}
	end := AddMonths(anchor, k+1)
	for !end.After(now) {
		k++
		start = end
		end = AddMonths(anchor, k+1)
	}
	return Period{Start: start, End: end}
}

// AddMonths moves t by n calendar months, clamping the day of month instead
// of overflowing into the following month.
func AddMonths(t time.Time, n int) time.Time {
	y, m, d := t.Date()
	total := int(m) - 1 + n
	y += floorDiv(total, 12)
	m = time.Month(floorMod(total, 12) + 1)
	if last := daysIn(y, m); d > last {
		d = last
	}
	return time.Date(y, m, d, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

// MonthStart is the first instant of t's UTC calendar month.
func MonthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

func daysIn(y int, m time.Month) int {
	return time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

func floorDiv(a, b int) int {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}

func floorMod(a, b int) int {
	return a - floorDiv(a, b)*b
}
