package messages

import (
	"math"
	"time"
)

// EpochOffset is the Unix time of 2001-01-01T00:00:00Z, the origin of every
// date column in the Messages database.
const EpochOffset = 978_307_200

const nsPerSecond = 1_000_000_000

// ToUnix converts a native timestamp (nanoseconds since 2001-01-01) to Unix
// seconds.
func ToUnix(raw int64) int64 {
	return raw/nsPerSecond + EpochOffset
}

// Time converts a native timestamp to a UTC time. Values before the Unix epoch
// clamp to it.
func Time(raw int64) time.Time {
	unix := ToUnix(raw)
	if unix < 0 {
		unix = 0
	}
	return time.Unix(unix, 0).UTC()
}

// FromTime converts t to a native timestamp with second precision.
func FromTime(t time.Time) int64 {
	return (t.Unix() - EpochOffset) * nsPerSecond
}

const nsPerDay = 86400 * nsPerSecond

// CutoffDaysAgo returns the native timestamp for now minus the given number of
// days. Windows reaching back to 2001 or earlier return 0, meaning no cutoff.
func CutoffDaysAgo(now time.Time, days int) int64 {
	nowRaw := FromTime(now)
	if days <= 0 {
		return nowRaw
	}
	if nowRaw <= 0 || int64(days) >= nowRaw/nsPerDay+1 {
		return 0
	}
	return nowRaw - int64(days)*nsPerDay
}

// DaysToNanos converts a day count to a native timestamp delta, saturating at
// the largest representable value.
func DaysToNanos(days int) int64 {
	if days <= 0 {
		return 0
	}
	if int64(days) > math.MaxInt64/nsPerDay {
		return math.MaxInt64
	}
	return int64(days) * nsPerDay
}

// DaysSince returns whole days elapsed between raw and now, never negative.
func DaysSince(now time.Time, raw int64) int64 {
	d := (now.Unix() - ToUnix(raw)) / 86400
	if d < 0 {
		return 0
	}
	return d
}

// HourOfDay returns the UTC hour (0-23) of a native timestamp.
func HourOfDay(raw int64) int {
	return int(floorMod(floorDiv(raw, nsPerSecond), 86400) / 3600)
}

// DayOfWeek returns the UTC weekday (0 = Sunday) of a native timestamp.
// 2001-01-01 was a Monday.
func DayOfWeek(raw int64) int {
	return int(floorMod(floorDiv(floorDiv(raw, nsPerSecond), 86400)+1, 7))
}

var dayNames = [7]string{"Sunday", "Monday", "Tuesday", "Wednesday", "Thursday", "Friday", "Saturday"}

// DayName returns the English name for a DayOfWeek value, or "" if out of range.
func DayName(day int) string {
	if day < 0 || day >= len(dayNames) {
		return ""
	}
	return dayNames[day]
}

func floorDiv(a, m int64) int64 {
	q := a / m
	if a%m != 0 && (a < 0) != (m < 0) {
		q--
	}
	return q
}

func floorMod(a, m int64) int64 {
	r := a % m
	if r < 0 {
		r += m
	}
	return r
}
