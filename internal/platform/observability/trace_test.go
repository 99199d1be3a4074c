package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hanko-field/oms/internal/platform/requestctx"
)

func TestParseCloudTraceContext(t *testing.T) {
	cases := []struct {
		name    string
		header  string
		ok      bool
		sampled bool
	}{
		{name: "sampled", header: "105445aa7843bc8bf206b12000100000/1;o=1", ok: true, sampled: true},
		{name: "unsampled", header: "105445aa7843bc8bf206b12000100000/123456789", ok: true},
		{name: "short trace id", header: "abc/1;o=1"},
		{name: "hex span id", header: "105445aa7843bc8bf206b12000100000/zz;o=1"},
		{name: "zero span id", header: "105445aa7843bc8bf206b12000100000/0;o=1"},
		{name: "empty", header: ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			sc, ok := parseCloudTraceContext(tc.header)
			if ok != tc.ok {
				t.Fatalf("expected ok=%v, got %v", tc.ok, ok)
			}
			if ok && sc.IsSampled() != tc.sampled {
				t.Fatalf("expected sampled=%v", tc.sampled)
			}
		})
	}
}

func TestCloudTraceHeaderRoundTrip(t *testing.T) {
	sc, ok := parseCloudTraceContext("105445aa7843bc8bf206b12000100000/123456789;o=1")
	if !ok {
		t.Fatal("expected header to parse")
	}
	got := formatCloudTraceHeader(requestctx.TraceInfo{
		TraceID: sc.TraceID().String(),
		SpanID:  sc.SpanID().String(),
		Sampled: true,
	})
	if got != "105445aa7843bc8bf206b12000100000/123456789;o=1" {
		t.Fatalf("expected round trip, got %s", got)
	}
}

func TestTraceMiddlewareStoresTraceInfo(t *testing.T) {
	var info requestctx.TraceInfo
	handler := TraceMiddleware("proj-1")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		info, _ = requestctx.Trace(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	req.Header.Set(cloudTraceHeader, "105445aa7843bc8bf206b12000100000/1;o=1")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	if info.ProjectID != "proj-1" || info.TraceID != "105445aa7843bc8bf206b12000100000" {
		t.Fatalf("expected remote trace continued, got %+v", info)
	}
}
