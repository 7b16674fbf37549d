package domain

import (
	"testing"
	"time"
)

func TestQuotaPeriodStart(t *testing.T) {
	now := time.Date(2026, 3, 31, 12, 0, 0, 0, time.UTC)
	cases := []struct {
		period ResetPeriod
		amount int
		want   time.Time
	}{
		{ResetHourly, 2, time.Date(2026, 3, 31, 10, 0, 0, 0, time.UTC)},
		{ResetDaily, 1, time.Date(2026, 3, 30, 12, 0, 0, 0, time.UTC)},
		{ResetDaily, 0, time.Date(2026, 3, 30, 12, 0, 0, 0, time.UTC)},
		{ResetWeekly, 1, time.Date(2026, 3, 24, 12, 0, 0, 0, time.UTC)},
		{ResetMonthly, 1, time.Date(2026, 3, 3, 12, 0, 0, 0, time.UTC)},
		{ResetNever, 1, time.Unix(0, 0).UTC()},
	}
	for _, tc := range cases {
		q := Quota{ResetPeriod: tc.period, ResetAmount: tc.amount}
		if got := q.PeriodStart(now); !got.Equal(tc.want) {
			t.Fatalf("%s/%d: expected %s, got %s", tc.period, tc.amount, tc.want, got)
		}
	}
}

func TestQuotaAdvanceNever(t *testing.T) {
	q := Quota{ResetPeriod: ResetNever}
	if got := q.Advance(time.Now()); !got.IsZero() {
		t.Fatalf("expected zero reset time for lifetime window, got %s", got)
	}
}

func TestIdentityKeyAndValidate(t *testing.T) {
	if err := (Identity{}).Validate(); err == nil {
		t.Fatalf("expected empty identity to be rejected")
	}
	if k := (Identity{UserID: "u1", SessionToken: "s"}).Key(); k != "user:u1" {
		t.Fatalf("unexpected key %q", k)
	}
	if k := (Identity{ClientID: "c1", ShareKey: "sh"}).Key(); k != "client:c1:sh" {
		t.Fatalf("unexpected key %q", k)
	}
	if k := (Identity{SessionToken: "tok"}).Key(); k != "session:tok" {
		t.Fatalf("unexpected key %q", k)
	}
}
