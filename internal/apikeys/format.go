package apikeys

import (
	"math"
	"strings"
	"time"

	"github.com/memhub/console/internal/models"
)

const (
	// Never is shown for absent or sentinel timestamps.
	Never = "Never"

	displayLayout = "2006-01-02 15:04:05"

	// secondsThreshold separates Unix seconds from milliseconds.
	secondsThreshold = 10_000_000_000

	// maxMillis is the largest representable date offset, ±100,000,000
	// days from the epoch.
	maxMillis = 8.64e15

	maskSeparator = "..._"
	maskSuffixLen = 8
)

// MaskKey returns the display-safe form of a key: a short prefix, "..._"
// and the last eight characters. Keys starting with sk_mem_ keep seven
// prefix characters, other sk_ keys six, anything else four.
func MaskKey(raw string) string {
	if raw == "" {
		return ""
	}

	r := []rune(raw)

	n := 4

	switch {
	case strings.HasPrefix(raw, "sk_mem_"):
		n = 7
	case strings.HasPrefix(raw, "sk_"):
		n = 6
	}

	prefix := r[:min(n, len(r))]
	suffix := r[max(len(r)-maskSuffixLen, 0):]

	return string(prefix) + maskSeparator + string(suffix)
}

// parseLayouts are tried in order for string timestamps. Layouts without a
// zone are read in the display location, except a bare date which is UTC.
var parseLayouts = []struct {
	layout string
	local  bool
}{
	{time.RFC3339Nano, false},
	{"2006-01-02 15:04:05Z07:00", false},
	{"2006-01-02 15:04:05Z07", false},
	{"2006-01-02T15:04:05", true},
	{"2006-01-02 15:04:05", true},
	{"2006-01-02", false},
	{time.RFC1123, false},
	{time.RFC1123Z, false},
}

// FormatTimestamp renders a key timestamp as YYYY-MM-DD HH:MM:SS in loc.
// Null, 0 and -1 render as "Never". Numbers below 10,000,000,000 are Unix
// seconds, larger ones milliseconds; numbers outside the representable
// range render as "Never". Strings that do not parse as a date are
// returned unchanged.
func FormatTimestamp(ts models.Timestamp, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}

	if ts.IsNull() {
		return Never
	}

	if n, ok := ts.Number(); ok {
		if n == 0 || n == -1 {
			return Never
		}

		ms := n
		if n < secondsThreshold {
			ms = n * 1000
		}

		if math.IsNaN(ms) || math.Abs(ms) > maxMillis {
			return Never
		}

		return time.UnixMilli(int64(ms)).In(loc).Format(displayLayout)
	}

	s, _ := ts.Text()

	for _, p := range parseLayouts {
		var (
			t   time.Time
			err error
		)

		if p.local {
			t, err = time.ParseInLocation(p.layout, s, loc)
		} else {
			t, err = time.Parse(p.layout, s)
		}

		if err == nil {
			return t.In(loc).Format(displayLayout)
		}
	}

	return s
}
