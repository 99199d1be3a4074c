package health

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestProberCollectSuccess(t *testing.T) {
	checks := []Check{
		{
			Name: "firestore",
			Probe: func(ctx context.Context) error {
				select {
				case <-time.After(10 * time.Millisecond):
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			},
		},
		{
			Name:  "broker",
			Probe: func(context.Context) error { return nil },
		},
	}

	now := time.Date(2024, time.March, 1, 12, 0, 0, 0, time.UTC)
	prober, err := NewProber(checks, WithClock(func() time.Time { return now }))
	if err != nil {
		t.Fatalf("NewProber: %v", err)
	}

	report, err := prober.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if report.Status != StatusOK {
		t.Fatalf("expected status ok, got %s", report.Status)
	}
	if len(report.Checks) != 2 {
		t.Fatalf("expected 2 checks, got %d", len(report.Checks))
	}
	for name, check := range report.Checks {
		if check.Status != StatusOK {
			t.Fatalf("expected check %s to be ok, got %s", name, check.Status)
		}
		if check.CheckedAt != now {
			t.Fatalf("expected check %s checkedAt %s, got %s", name, now, check.CheckedAt)
		}
	}
	if report.GeneratedAt != now {
		t.Fatalf("expected generatedAt %s, got %s", now, report.GeneratedAt)
	}
}

func TestProberCollectFailure(t *testing.T) {
	expectedErr := errors.New("boom")
	prober, err := NewProber([]Check{
		{Name: "postgres", Probe: func(context.Context) error { return expectedErr }},
		{Name: "broker", Probe: func(context.Context) error { return nil }},
	})
	if err != nil {
		t.Fatalf("NewProber: %v", err)
	}

	report, err := prober.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if report.Status != StatusDegraded {
		t.Fatalf("expected status degraded, got %s", report.Status)
	}
	check := report.Checks["postgres"]
	if check.Status != StatusDegraded {
		t.Fatalf("expected postgres status degraded, got %s", check.Status)
	}
	if check.Error != expectedErr.Error() {
		t.Fatalf("expected error %q, got %q", expectedErr.Error(), check.Error)
	}
}

func TestProberCollectTimeout(t *testing.T) {
	prober, err := NewProber([]Check{
		{
			Name:    "broker",
			Timeout: 5 * time.Millisecond,
			Probe: func(ctx context.Context) error {
				select {
				case <-time.After(time.Second):
					return nil
				case <-ctx.Done():
					return ctx.Err()
				}
			},
		},
	})
	if err != nil {
		t.Fatalf("NewProber: %v", err)
	}

	report, err := prober.Collect(context.Background())
	if err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if report.Status != StatusError {
		t.Fatalf("expected status error, got %s", report.Status)
	}
	if detail := report.Checks["broker"].Detail; detail != "timeout" {
		t.Fatalf("expected detail timeout, got %s", detail)
	}
}

func TestNewProberValidatesChecks(t *testing.T) {
	cases := []struct {
		name   string
		checks []Check
	}{
		{name: "empty", checks: nil},
		{name: "missing name", checks: []Check{{Probe: func(context.Context) error { return nil }}}},
		{name: "missing probe", checks: []Check{{Name: "firestore"}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := NewProber(tc.checks); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}
