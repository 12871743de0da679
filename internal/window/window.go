// Package window maps timestamps to the canonical usage windows quotas are counted in.
package window

import (
	"fmt"
	"time"
)

// Kind is a named granularity over which usage is counted.
type Kind string

const (
	Hour      Kind = "hour"
	ThreeHour Kind = "three_hour"
	Day       Kind = "day"
)

// Kinds lists every window kind, narrowest first.
var Kinds = []Kind{Hour, ThreeHour, Day}

// Duration returns the length of a window of this kind.
func (k Kind) Duration() time.Duration {
	switch k {
	case Hour:
		return time.Hour
	case ThreeHour:
		return 3 * time.Hour
	case Day:
		return 24 * time.Hour
	default:
		return 0
	}
}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	return k.Duration() > 0
}

func (k Kind) String() string {
	return string(k)
}

// ParseKind converts a stored or configured name into a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(s)
	if !k.Valid() {
		return "", fmt.Errorf("unknown window kind %q", s)
	}
	return k, nil
}

// Key identifies one instance of a window kind.
type Key struct {
	Kind  Kind
	Start time.Time
}

// End is the first instant that no longer belongs to the window.
func (k Key) End() time.Time {
	return k.Start.Add(k.Kind.Duration())
}

// Until returns the time left in the window as seen from now, never negative.
func (k Key) Until(now time.Time) time.Duration {
	d := k.End().Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// For returns the window of the given kind containing t. All windows are
// aligned in UTC; three-hour windows are aligned to the Unix epoch.
func For(t time.Time, kind Kind) Key {
	t = t.UTC()
	var start time.Time
	switch kind {
	case Day:
		start = time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	default:
		// time.Truncate works on absolute time since the zero time, which is
		// hour aligned but not aligned to 3h boundaries of the Unix epoch.
		d := int64(kind.Duration() / time.Second)
		if d == 0 {
			d = 1
		}
		secs := t.Unix()
		secs -= mod(secs, d)
		start = time.Unix(secs, 0).UTC()
	}
	return Key{Kind: kind, Start: start}
}

// DayStart returns UTC midnight of the day containing t.
func DayStart(t time.Time) time.Time {
	return For(t, Day).Start
}

func mod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}
