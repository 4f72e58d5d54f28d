package clock

import (
	"testing"
	"time"
)

func TestDayKeyRespectsTimezone(t *testing.T) {
	// 2024-03-10 01:30 UTC is still 2024-03-09 in New York.
	epoch := time.Date(2024, 3, 10, 1, 30, 0, 0, time.UTC).Unix()
	if got := DayKey(epoch, time.UTC); got != "2024-03-10" {
		t.Errorf("DayKey UTC = %q, want 2024-03-10", got)
	}
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata unavailable")
	}
	if got := DayKey(epoch, ny); got != "2024-03-09" {
		t.Errorf("DayKey NY = %q, want 2024-03-09", got)
	}
}

func TestPreviousDayKey(t *testing.T) {
	epoch := time.Date(2024, 3, 1, 0, 10, 0, 0, time.UTC).Unix()
	if got := PreviousDayKey(epoch, time.UTC); got != "2024-02-29" {
		t.Errorf("PreviousDayKey = %q, want 2024-02-29", got)
	}
}

func TestLoadLocationFallsBackToUTC(t *testing.T) {
	if loc := LoadLocation("Not/AZone"); loc != time.UTC {
		t.Errorf("expected UTC fallback, got %v", loc)
	}
	if loc := LoadLocation(""); loc != time.UTC {
		t.Errorf("expected UTC for empty name, got %v", loc)
	}
}

func TestCooldownReady(t *testing.T) {
	cases := []struct {
		name     string
		last     int64
		now      int64
		cooldown int64
		want     bool
	}{
		{"never fired", 0, 100, 300, true},
		{"elapsed", 100, 500, 300, true},
		{"exactly elapsed", 100, 400, 300, true},
		{"in cooldown", 100, 399, 300, false},
	}
	for _, tc := range cases {
		if got := CooldownReady(tc.last, tc.now, tc.cooldown); got != tc.want {
			t.Errorf("%s: CooldownReady = %v, want %v", tc.name, got, tc.want)
		}
	}
}
