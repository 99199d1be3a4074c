package observability

import (
	"context"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/hanko-field/oms/internal/platform/requestctx"
)

// EventFunc is the structured event hook accepted by the service layer.
type EventFunc func(ctx context.Context, event string, fields map[string]any)

// EventLogger adapts zap to the service event hook. The request logger on ctx is preferred
// over base so request ids and routes are attached. Events whose name ends in "failed" are
// logged at error level.
func EventLogger(base *zap.Logger) EventFunc {
	if base == nil {
		base = zap.NewNop()
	}
	return func(ctx context.Context, event string, fields map[string]any) {
		logger := requestctx.LoggerOr(ctx, base)

		keys := make([]string, 0, len(fields))
		for key := range fields {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		zfields := make([]zap.Field, 0, len(keys)+2)
		zfields = append(zfields, zap.String("event", event))
		if span := trace.SpanContextFromContext(ctx); span.IsValid() {
			zfields = append(zfields, zap.String("span_id", span.SpanID().String()))
		}
		for _, key := range keys {
			zfields = append(zfields, zap.Any(key, fields[key]))
		}

		if strings.HasSuffix(event, "failed") {
			logger.Error(event, zfields...)
			return
		}
		logger.Info(event, zfields...)
	}
}
