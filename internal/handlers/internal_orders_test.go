package handlers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hanko-field/oms/internal/platform/messaging"
)

type stubTokenReaper struct {
	removed int
	err     error
	calls   int
}

func (s *stubTokenReaper) RunOnce(context.Context) (int, error) {
	s.calls++
	return s.removed, s.err
}

func pushBody(t *testing.T, token string, attrs map[string]string) string {
	t.Helper()
	envelope := map[string]any{
		"message": map[string]any{
			"data":            base64.StdEncoding.EncodeToString([]byte(token)),
			"attributes":      attrs,
			"messageId":       "msg-1",
			"message_id":      "msg-1",
			"deliveryAttempt": 1,
		},
		"subscription": "projects/p/subscriptions/order-close-push",
	}
	raw, err := json.Marshal(envelope)
	if err != nil {
		t.Fatalf("marshal envelope: %v", err)
	}
	return string(raw)
}

func newInternalRouter(h *InternalHandlers) chi.Router {
	router := chi.NewRouter()
	h.Routes(router)
	return router
}

func TestInternalHandlersCloseOrder(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	due := map[string]string{messaging.AttrDeliverAfter: now.Add(-time.Second).Format(time.RFC3339Nano)}
	early := map[string]string{messaging.AttrDeliverAfter: now.Add(90 * time.Second).Format(time.RFC3339Nano)}

	cases := []struct {
		name       string
		body       string
		handlerErr error
		status     int
		wantToken  string
	}{
		{name: "due message closes", body: pushBody(t, "tok-1", due), status: http.StatusNoContent, wantToken: "tok-1"},
		{name: "missing deliver_after is due", body: pushBody(t, "tok-2", nil), status: http.StatusNoContent, wantToken: "tok-2"},
		{name: "early message is retried", body: pushBody(t, "tok-1", early), status: http.StatusTooManyRequests},
		{name: "handler failure is retried", body: pushBody(t, "tok-1", due), handlerErr: errors.New("firestore down"), status: http.StatusServiceUnavailable, wantToken: "tok-1"},
		{name: "empty token acknowledged", body: pushBody(t, "  ", due), status: http.StatusNoContent},
		{name: "invalid base64", body: `{"message":{"data":"%%%"}}`, status: http.StatusBadRequest},
		{name: "malformed json", body: `{"message":`, status: http.StatusBadRequest},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var handled string
			closer := messaging.HandlerFunc(func(_ context.Context, token string) error {
				handled = token
				return tc.handlerErr
			})
			router := newInternalRouter(NewInternalHandlers(closer, nil, WithInternalClock(func() time.Time { return now })))

			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/orders:close", strings.NewReader(tc.body)))

			if rr.Code != tc.status {
				t.Fatalf("expected status %d, got %d: %s", tc.status, rr.Code, rr.Body.String())
			}
			if handled != tc.wantToken {
				t.Fatalf("expected handled token %q, got %q", tc.wantToken, handled)
			}
		})
	}
}

func TestInternalHandlersCloseOrderRetryAfter(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	attrs := map[string]string{messaging.AttrDeliverAfter: now.Add(90 * time.Second).Format(time.RFC3339Nano)}
	router := newInternalRouter(NewInternalHandlers(messaging.HandlerFunc(func(context.Context, string) error {
		t.Fatal("handler must not run before the message is due")
		return nil
	}), nil, WithInternalClock(func() time.Time { return now })))

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/orders:close", strings.NewReader(pushBody(t, "tok-1", attrs))))

	if got := rr.Header().Get("Retry-After"); got != "90" {
		t.Fatalf("expected Retry-After 90, got %q", got)
	}
}

func TestInternalHandlersCleanupTokens(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		reaper := &stubTokenReaper{removed: 7}
		router := newInternalRouter(NewInternalHandlers(nil, reaper))

		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/tokens:cleanup", nil))

		if rr.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rr.Code)
		}
		var resp cleanupResponse
		if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
		if resp.Removed != 7 || reaper.calls != 1 {
			t.Fatalf("expected one pass removing 7, got %+v after %d calls", resp, reaper.calls)
		}
	})

	t.Run("failure", func(t *testing.T) {
		router := newInternalRouter(NewInternalHandlers(nil, &stubTokenReaper{err: errors.New("boom")}))
		rr := httptest.NewRecorder()
		router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/tokens:cleanup", nil))
		if rr.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected status 503, got %d", rr.Code)
		}
	})

	t.Run("unconfigured", func(t *testing.T) {
		router := newInternalRouter(NewInternalHandlers(nil, nil))
		for _, path := range []string{"/tokens:cleanup", "/orders:close"} {
			rr := httptest.NewRecorder()
			router.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, path, strings.NewReader("{}")))
			if rr.Code != http.StatusServiceUnavailable {
				t.Fatalf("%s: expected status 503, got %d", path, rr.Code)
			}
		}
	})
}
