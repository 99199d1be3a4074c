package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hanko-field/oms/internal/platform/requestctx"
)

func TestWriteErrorEnvelope(t *testing.T) {
	ctx := requestctx.WithTrace(context.Background(), requestctx.TraceInfo{TraceID: "abc123"})
	rr := httptest.NewRecorder()

	WriteError(ctx, rr, NewError("price_stale", "prices changed\nplease retry", http.StatusConflict))

	if rr.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rr.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["error"] != "price_stale" || body["message"] != "prices changed please retry" || body["trace_id"] != "abc123" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestDecodeJSON(t *testing.T) {
	type payload struct {
		Token string `json:"order_token"`
	}
	cases := []struct {
		name      string
		body      string
		wantErr   bool
		wantEmpty bool
	}{
		{name: "valid", body: `{"order_token":"t"}`},
		{name: "empty", body: ``, wantErr: true, wantEmpty: true},
		{name: "whitespace only", body: " \n", wantErr: true, wantEmpty: true},
		{name: "unknown field", body: `{"order_token":"t","extra":1}`, wantErr: true},
		{name: "trailing object", body: `{"order_token":"t"}{}`, wantErr: true},
		{name: "malformed", body: `{"order_token":`, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tc.body))
			var dst payload
			err := DecodeJSON(req, &dst)
			if (err != nil) != tc.wantErr {
				t.Fatalf("expected error=%v, got %v", tc.wantErr, err)
			}
			if got := errors.Is(err, ErrEmptyBody); got != tc.wantEmpty {
				t.Fatalf("expected empty body=%v, got %v", tc.wantEmpty, err)
			}
		})
	}
}

func TestDecodeEnvelopeAllowsUnknownFields(t *testing.T) {
	var dst struct {
		Subscription string `json:"subscription"`
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"subscription":"s","deliveryAttempt":2}`))
	if err := DecodeEnvelope(req, &dst); err != nil {
		t.Fatalf("DecodeEnvelope: %v", err)
	}
	if dst.Subscription != "s" {
		t.Fatalf("expected subscription s, got %q", dst.Subscription)
	}
}
