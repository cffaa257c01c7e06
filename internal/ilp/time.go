package ilp

import (
	"fmt"
	"time"
)

// TimestampSize is the length of an interledger timestamp, YYYYMMDDHHmmssSSS.
const TimestampSize = 17

// FormatTime renders t in UTC with millisecond precision. Sub-millisecond
// precision is truncated.
func FormatTime(t time.Time) (string, error) {
	t = t.UTC()
	if t.Year() < 0 || t.Year() > 9999 {
		return "", Failf(KindInvalidPacket, "year %d outside interledger timestamp range", t.Year())
	}
	return fmt.Sprintf("%04d%02d%02d%02d%02d%02d%03d",
		t.Year(), int(t.Month()), t.Day(), t.Hour(), t.Minute(), t.Second(), t.Nanosecond()/int(time.Millisecond)), nil
}

// ParseTime is the exact inverse of FormatTime. Wrong length, non-digits and
// out-of-range components yield an InvalidPacket failure.
func ParseTime(s string) (time.Time, error) {
	if len(s) != TimestampSize {
		return time.Time{}, Failf(KindInvalidPacket, "timestamp %q: length %d, want %d", s, len(s), TimestampSize)
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return time.Time{}, Failf(KindInvalidPacket, "timestamp %q: non-digit at %d", s, i)
		}
	}
	num := func(from, to int) int {
		n := 0
		for i := from; i < to; i++ {
			n = n*10 + int(s[i]-'0')
		}
		return n
	}
	year, month, day := num(0, 4), num(4, 6), num(6, 8)
	hour, minute, second, milli := num(8, 10), num(10, 12), num(12, 14), num(14, 17)
	if month < 1 || month > 12 {
		return time.Time{}, Failf(KindInvalidPacket, "timestamp %q: month %d out of range", s, month)
	}
	if day < 1 || day > daysIn(time.Month(month), year) {
		return time.Time{}, Failf(KindInvalidPacket, "timestamp %q: day %d out of range", s, day)
	}
	if hour > 23 || minute > 59 || second > 59 {
		return time.Time{}, Failf(KindInvalidPacket, "timestamp %q: time of day out of range", s)
	}
	return time.Date(year, time.Month(month), day, hour, minute, second, milli*int(time.Millisecond), time.UTC), nil
}

func daysIn(m time.Month, year int) int {
	return time.Date(year, m+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
