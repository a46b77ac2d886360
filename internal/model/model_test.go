package model

import (
	"testing"
	"time"
)

func TestWindowStart(t *testing.T) {
	// Thursday 2025-08-14 15:30 UTC.
	at := time.Date(2025, 8, 14, 15, 30, 0, 0, time.UTC)

	tests := []struct {
		period Period
		want   time.Time
	}{
		{PeriodDaily, time.Date(2025, 8, 14, 0, 0, 0, 0, time.UTC)},
		{PeriodWeekly, time.Date(2025, 8, 11, 0, 0, 0, 0, time.UTC)},
		{PeriodMonthly, time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		if got := tt.period.WindowStart(at); !got.Equal(tt.want) {
			t.Errorf("%s: expected %v, got %v", tt.period, tt.want, got)
		}
	}
}

func TestWindowStart_SundayBelongsToPreviousWeek(t *testing.T) {
	sunday := time.Date(2025, 8, 17, 23, 0, 0, 0, time.UTC)
	want := time.Date(2025, 8, 11, 0, 0, 0, 0, time.UTC)
	if got := PeriodWeekly.WindowStart(sunday); !got.Equal(want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestOrderExpiry(t *testing.T) {
	now := time.Date(2025, 8, 14, 12, 0, 0, 0, time.UTC)
	o := Order{Status: OrderPartial, ExpiresAt: now.Add(-time.Minute)}

	if !o.IsExpired(now) {
		t.Fatal("order past expiry should be expired")
	}
	if o.EffectiveStatus(now) != OrderExpired {
		t.Errorf("expected effective status expired, got %s", o.EffectiveStatus(now))
	}
	if o.Open(now) {
		t.Error("expired order should not be open")
	}

	o.Status = OrderCompleted
	if o.IsExpired(now) {
		t.Error("terminal orders never expire")
	}
}

func TestLookbackDuration(t *testing.T) {
	if LookbackWeekly.Duration() != 7*24*time.Hour {
		t.Errorf("unexpected weekly duration %v", LookbackWeekly.Duration())
	}
	if LookbackPeriod("hourly").Duration() != 0 {
		t.Error("unknown period should have zero duration")
	}
}
