// Package costcalc computes periodic energy consumption, cost and
// error-rate summaries over measurement windows and appends them to
// per-device report files.
package costcalc

import (
	"strconv"
	"strings"
	"time"
)

// LastDayOfMonth returns the date moved to the last day of its month.
// December maps to day 31 directly; every other month is computed as the
// first day of the next month minus one day.
func LastDayOfMonth(date time.Time) time.Time {
	if date.Month() == time.December {
		return time.Date(date.Year(), time.December, 31, date.Hour(), date.Minute(), date.Second(), date.Nanosecond(), date.Location())
	}
	firstOfNext := time.Date(date.Year(), date.Month()+1, 1, date.Hour(), date.Minute(), date.Second(), date.Nanosecond(), date.Location())
	return firstOfNext.AddDate(0, 0, -1)
}

// CheckMonthParameter parses a month setting. Anything outside [1,12],
// including unparseable input, is normalized to 1. Bad configuration is
// not an error here, the calculation simply runs in January.
func CheckMonthParameter(raw string) int {
	month, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || month < 1 || month > 12 {
		return 1
	}
	return month
}

// CheckDayParameter parses a day setting, normalizing anything outside
// [1,31] to 1. The day cannot be validated against a specific month
// because the target month varies (leap years included); MatchedDay
// handles the fallback for short months.
func CheckDayParameter(raw string) int {
	day, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil || day < 1 || day > 31 {
		return 1
	}
	return day
}

// CheckYearParameter parses a "DD.MM" setting into its day and month
// parts, each normalized independently.
func CheckYearParameter(raw string) (day, month int) {
	parts := strings.SplitN(raw, ".", 2)
	if len(parts) != 2 {
		return 1, 1
	}
	return CheckDayParameter(parts[0]), CheckMonthParameter(parts[1])
}

// MatchedDay reports whether the current day matches the target day. If
// the target day does not exist in the current month (a "31" target in a
// 30-day month), the last day of the month matches instead.
func MatchedDay(current time.Time, targetDay int) bool {
	lastDay := LastDayOfMonth(current).Day()
	if targetDay > lastDay {
		return current.Day() == lastDay
	}
	return current.Day() == targetDay
}

// MatchedDayAndMonth reports whether both the day (with the short-month
// fallback) and the month match.
func MatchedDayAndMonth(current time.Time, targetDay, targetMonth int) bool {
	return MatchedDay(current, targetDay) && int(current.Month()) == targetMonth
}
