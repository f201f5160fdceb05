package quota

import "time"

// IsRefreshDue reports whether a monthly counter refresh is due at now.
// A row that has never been refreshed is always due. Otherwise the next
// refresh time is one calendar month after the last one, clamped to the
// last valid day of the shorter month (Jan 31 -> Feb 28/29).
//
// now must be the shared store's reference clock, never a caller's local
// clock, so that every service instance evaluates the same boundary.
func IsRefreshDue(lastRefresh *time.Time, now time.Time) bool {
	if lastRefresh == nil {
		return true
	}
	return !now.Before(addCalendarMonth(*lastRefresh))
}

// addCalendarMonth advances t by one calendar month, clamping the day
// instead of letting time.AddDate normalize an overflow into the month
// after next.
func addCalendarMonth(t time.Time) time.Time {
	year, month, day := t.Date()
	month++
	if month > time.December {
		month = time.January
		year++
	}
	if last := lastDayOfMonth(year, month); day > last {
		day = last
	}
	return time.Date(year, month, day, t.Hour(), t.Minute(), t.Second(), t.Nanosecond(), t.Location())
}

func lastDayOfMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
