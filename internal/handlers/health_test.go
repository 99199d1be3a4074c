package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hanko-field/oms/internal/platform/health"
)

type stubReadinessProbe struct {
	report health.Report
	err    error
}

func (s *stubReadinessProbe) Collect(context.Context) (health.Report, error) {
	return s.report, s.err
}

func TestHealthHandlersHealthz(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	now := start.Add(30 * time.Second)
	handlers := NewHealthHandlers(
		WithHealthBuildInfo(BuildInfo{
			Version:     "1.0.0",
			CommitSHA:   "abc123",
			Environment: "prod",
			StartedAt:   start,
		}),
		WithHealthClock(func() time.Time { return now }),
		WithHealthProbe(&stubReadinessProbe{err: errors.New("must not be called")}),
	)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rr := httptest.NewRecorder()

	handlers.Healthz(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body["status"] != health.StatusOK {
		t.Fatalf("expected status ok, got %v", body["status"])
	}
	if body["version"] != "1.0.0" {
		t.Fatalf("expected version 1.0.0, got %v", body["version"])
	}
	if body["commitSha"] != "abc123" {
		t.Fatalf("expected commit abc123, got %v", body["commitSha"])
	}
	if body["uptime"] != "30s" {
		t.Fatalf("expected uptime 30s, got %v", body["uptime"])
	}
}

func TestHealthHandlersReadyzSuccess(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 1, 0, 0, time.UTC)
	handlers := NewHealthHandlers(
		WithHealthProbe(&stubReadinessProbe{report: health.Report{
			Status:      health.StatusOK,
			GeneratedAt: now,
			Checks: map[string]health.Result{
				"firestore": {Status: health.StatusOK, Latency: 10 * time.Millisecond, CheckedAt: now},
			},
		}}),
		WithHealthClock(func() time.Time { return now }),
	)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rr := httptest.NewRecorder()

	handlers.Readyz(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var body struct {
		Status string `json:"status"`
		Checks map[string]struct {
			Status    string `json:"status"`
			LatencyMS int64  `json:"latencyMs"`
		} `json:"checks"`
		Details []string `json:"details"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	if body.Status != health.StatusOK {
		t.Fatalf("expected status ok, got %s", body.Status)
	}
	if len(body.Details) != 0 {
		t.Fatalf("expected no details, got %v", body.Details)
	}
	if check := body.Checks["firestore"]; check.Status != health.StatusOK || check.LatencyMS != 10 {
		t.Fatalf("unexpected firestore check %+v", check)
	}
}

func TestHealthHandlersReadyzFailure(t *testing.T) {
	cases := []struct {
		name    string
		probe   *stubReadinessProbe
		status  string
		details []string
	}{
		{
			name: "degraded dependency",
			probe: &stubReadinessProbe{report: health.Report{
				Status: health.StatusDegraded,
				Checks: map[string]health.Result{
					"broker":    {Status: health.StatusDegraded, Error: "publish failed"},
					"firestore": {Status: health.StatusOK},
				},
			}},
			status:  health.StatusDegraded,
			details: []string{"broker: publish failed"},
		},
		{
			name:    "probe error",
			probe:   &stubReadinessProbe{err: errors.New("context missing")},
			status:  health.StatusError,
			details: []string{"context missing"},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			handlers := NewHealthHandlers(WithHealthProbe(tc.probe))
			rr := httptest.NewRecorder()
			handlers.Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))

			if rr.Code != http.StatusServiceUnavailable {
				t.Fatalf("expected status 503, got %d", rr.Code)
			}
			var body struct {
				Status  string   `json:"status"`
				Details []string `json:"details"`
			}
			if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
				t.Fatalf("failed to parse response: %v", err)
			}
			if body.Status != tc.status {
				t.Fatalf("expected status %s, got %s", tc.status, body.Status)
			}
			if len(body.Details) != len(tc.details) || body.Details[0] != tc.details[0] {
				t.Fatalf("expected details %v, got %v", tc.details, body.Details)
			}
		})
	}
}

func TestHealthHandlersReadyzWithoutProbe(t *testing.T) {
	rr := httptest.NewRecorder()
	NewHealthHandlers().Readyz(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}
}
