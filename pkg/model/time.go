package model

import (
	"fmt"
	"time"
)

// UnixTimeMs is milliseconds since the Unix epoch, with saturating
// arithmetic so a duration addition near the u64 boundary never wraps.
type UnixTimeMs uint64

// Now returns the current time truncated to millisecond precision.
func Now() UnixTimeMs {
	return UnixTimeMs(time.Now().UnixMilli())
}

// Add returns t + d, saturating at the maximum representable value instead
// of wrapping.
func (t UnixTimeMs) Add(d time.Duration) UnixTimeMs {
	ms := d.Milliseconds()
	if ms < 0 {
		return t.Sub(time.Duration(-ms) * time.Millisecond)
	}
	sum := uint64(t) + uint64(ms)
	if sum < uint64(t) {
		return UnixTimeMs(^uint64(0))
	}
	return UnixTimeMs(sum)
}

// Sub returns t - d, saturating at zero instead of wrapping.
func (t UnixTimeMs) Sub(d time.Duration) UnixTimeMs {
	ms := d.Milliseconds()
	if ms < 0 {
		return t.Add(time.Duration(-ms) * time.Millisecond)
	}
	if uint64(ms) > uint64(t) {
		return 0
	}
	return UnixTimeMs(uint64(t) - uint64(ms))
}

// Before reports whether t is strictly earlier than other.
func (t UnixTimeMs) Before(other UnixTimeMs) bool { return t < other }

// After reports whether t is strictly later than other.
func (t UnixTimeMs) After(other UnixTimeMs) bool { return t > other }

// Time converts to a standard library time.Time in UTC.
func (t UnixTimeMs) Time() time.Time {
	return time.UnixMilli(int64(t)).UTC()
}

// FormatTimeAgo renders a coarse relative-time label for case list cards.
func FormatTimeAgo(timestampMs, nowMs UnixTimeMs) string {
	if timestampMs > nowMs {
		futureDiffSecs := uint64(timestampMs-nowMs) / 1000
		if futureDiffSecs < 60 {
			return "Just now"
		}
		return "Upcoming"
	}

	diffSecs := uint64(nowMs-timestampMs) / 1000
	switch {
	case diffSecs < 5:
		return "Just now"
	case diffSecs < 60:
		return fmt.Sprintf("%ds ago", diffSecs)
	}

	diffMins := diffSecs / 60
	if diffMins < 60 {
		return fmt.Sprintf("%dm ago", diffMins)
	}

	diffHours := diffMins / 60
	if diffHours < 24 {
		return fmt.Sprintf("%dh ago", diffHours)
	}

	diffDays := diffHours / 24
	return fmt.Sprintf("%dd ago", diffDays)
}
