// Package clock provides epoch timestamps and residential-day keys.
//
// A "residential day" is a calendar day in the configured timezone; the
// watcher uses the day key to decide when the long-term synthesis stage
// rolls over.
package clock

import (
	"time"
)

const dayKeyLayout = "2006-01-02"

// NowEpoch returns the current Unix epoch in seconds. This is the single
// canonical implementation; do not duplicate it in other packages.
func NowEpoch() int64 {
	return time.Now().Unix()
}

// LoadLocation resolves a timezone name, falling back to UTC for an empty
// or unknown name.
func LoadLocation(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// DayKey formats the residential day (YYYY-MM-DD) for an epoch in loc.
func DayKey(epochSecs int64, loc *time.Location) string {
	return time.Unix(epochSecs, 0).In(loc).Format(dayKeyLayout)
}

// PreviousDayKey formats the residential day immediately before the one
// containing epochSecs.
func PreviousDayKey(epochSecs int64, loc *time.Location) string {
	return time.Unix(epochSecs, 0).In(loc).AddDate(0, 0, -1).Format(dayKeyLayout)
}

// CooldownReady reports whether cooldownSecs have elapsed since lastEpoch.
// A zero lastEpoch means the stage never fired and is always ready.
func CooldownReady(lastEpoch, nowEpoch, cooldownSecs int64) bool {
	if lastEpoch == 0 {
		return true
	}
	return nowEpoch-lastEpoch >= cooldownSecs
}
