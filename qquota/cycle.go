package qquota

import "time"

// CycleStart returns the start of the cellular plan cycle containing now:
// 00:00 local time on the most recent reset day. A reset day past the end
// of a month falls on that month's last day. A day below 1 is treated as 1.
func CycleStart(now time.Time, resetDay int) time.Time {
	if resetDay < 1 {
		resetDay = 1
	}
	loc := now.Location()
	y, m, d := now.Date()
	if day := clampDay(y, m, resetDay); d >= day {
		return time.Date(y, m, day, 0, 0, 0, 0, loc)
	}
	py, pm, _ := time.Date(y, m-1, 1, 0, 0, 0, 0, loc).Date()
	return time.Date(py, pm, clampDay(py, pm, resetDay), 0, 0, 0, 0, loc)
}

func clampDay(y int, m time.Month, day int) int {
	last := time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
	if day > last {
		return last
	}
	return day
}
