package domain

import (
	"testing"
	"time"
)

func TestQuotaCounters_RolledDailyUsed(t *testing.T) {
	now := time.Date(2026, 7, 31, 12, 0, 0, 0, time.UTC)

	t.Run("zero window start always rolls", func(t *testing.T) {
		q := QuotaCounters{DailyUsed: 5}
		used, start := q.RolledDailyUsed(now)
		if used != 0 {
			t.Errorf("used = %d, want 0", used)
		}
		if !start.Equal(now) {
			t.Errorf("start = %v, want %v", start, now)
		}
	})

	t.Run("within window does not roll", func(t *testing.T) {
		windowStart := now.Add(-23 * time.Hour)
		q := QuotaCounters{DailyUsed: 5, DailyWindowStart: windowStart}
		used, start := q.RolledDailyUsed(now)
		if used != 5 {
			t.Errorf("used = %d, want 5", used)
		}
		if !start.Equal(windowStart) {
			t.Errorf("start = %v, want %v", start, windowStart)
		}
	})

	t.Run("exactly 24h rolls", func(t *testing.T) {
		windowStart := now.Add(-24 * time.Hour)
		q := QuotaCounters{DailyUsed: 5, DailyWindowStart: windowStart}
		used, start := q.RolledDailyUsed(now)
		if used != 0 {
			t.Errorf("used = %d, want 0 at exactly 24h", used)
		}
		if !start.Equal(now) {
			t.Errorf("start = %v, want %v", start, now)
		}
	})

	t.Run("just under 24h does not roll", func(t *testing.T) {
		windowStart := now.Add(-24*time.Hour + time.Second)
		q := QuotaCounters{DailyUsed: 5, DailyWindowStart: windowStart}
		used, _ := q.RolledDailyUsed(now)
		if used != 5 {
			t.Errorf("used = %d, want 5 (no partial rollover)", used)
		}
	})
}

func TestTool_Timeout(t *testing.T) {
	cases := []struct {
		seconds int
		want    time.Duration
	}{
		{0, 30 * time.Second},
		{-1, 30 * time.Second},
		{45, 45 * time.Second},
	}
	for _, tc := range cases {
		tool := Tool{TimeoutSeconds: tc.seconds}
		if got := tool.Timeout(); got != tc.want {
			t.Errorf("Timeout(seconds=%d) = %v, want %v", tc.seconds, got, tc.want)
		}
	}
}
