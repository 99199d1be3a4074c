package handlers

import (
	"context"
	"encoding/base64"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/hanko-field/oms/internal/platform/httpx"
	"github.com/hanko-field/oms/internal/platform/messaging"
	"github.com/hanko-field/oms/internal/platform/requestctx"
)

// TokenReaper removes expired submission tokens in one bounded pass.
type TokenReaper interface {
	RunOnce(ctx context.Context) (int, error)
}

// pushEnvelope is the JSON body Pub/Sub push subscriptions deliver.
type pushEnvelope struct {
	Message struct {
		Data        string            `json:"data"`
		Attributes  map[string]string `json:"attributes"`
		MessageID   string            `json:"messageId"`
		PublishTime string            `json:"publishTime"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

type cleanupResponse struct {
	Removed int `json:"removed"`
}

// InternalHandlers serves OIDC-protected endpoints invoked by Pub/Sub push and Cloud Scheduler.
type InternalHandlers struct {
	closer messaging.Handler
	reaper TokenReaper
	clock  func() time.Time
}

// InternalOption customises InternalHandlers.
type InternalOption func(*InternalHandlers)

// WithInternalClock injects a clock for tests.
func WithInternalClock(clock func() time.Time) InternalOption {
	return func(h *InternalHandlers) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// NewInternalHandlers constructs internal handlers around the deferred close consumer and token reaper.
func NewInternalHandlers(closer messaging.Handler, reaper TokenReaper, opts ...InternalOption) *InternalHandlers {
	h := &InternalHandlers{closer: closer, reaper: reaper, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Routes registers the internal endpoints.
func (h *InternalHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/orders:close", h.closeOrder)
	r.Post("/tokens:cleanup", h.cleanupTokens)
}

// closeOrder acknowledges with 204 and asks Pub/Sub to redeliver with any non-2xx.
func (h *InternalHandlers) closeOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := requestctx.LoggerOr(ctx, zap.NewNop())
	if h.closer == nil {
		httpx.WriteError(ctx, w, httpx.NewError("close_unavailable", "deferred close handler unavailable", http.StatusServiceUnavailable))
		return
	}

	var envelope pushEnvelope
	if err := httpx.DecodeEnvelope(r, &envelope); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}
	data, err := base64.StdEncoding.DecodeString(envelope.Message.Data)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "message data must be base64", http.StatusBadRequest))
		return
	}

	env, err := messaging.ParseEnvelope(data, envelope.Message.Attributes)
	if errors.Is(err, messaging.ErrEmptyToken) {
		// nothing to close; acknowledge so the message is not redelivered forever
		logger.Warn("dropping deferred close message without token", zap.String("message_id", envelope.Message.MessageID))
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	now := h.clock()
	if !env.Due(now) {
		remaining := env.Remaining(now)
		w.Header().Set("Retry-After", strconv.Itoa(int(remaining.Round(time.Second).Seconds())))
		httpx.WriteError(ctx, w, httpx.NewError("not_due", "message is not due yet", http.StatusTooManyRequests))
		return
	}

	if err := h.closer.HandleDeferredClose(messaging.ExtractContext(ctx, envelope.Message.Attributes), env.Token); err != nil {
		logger.Error("deferred close failed", zap.String("token", env.Token), zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("close_failed", "deferred close failed, retry later", http.StatusServiceUnavailable))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *InternalHandlers) cleanupTokens(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.reaper == nil {
		httpx.WriteError(ctx, w, httpx.NewError("cleanup_unavailable", "token cleanup unavailable", http.StatusServiceUnavailable))
		return
	}
	removed, err := h.reaper.RunOnce(ctx)
	if err != nil {
		requestctx.LoggerOr(ctx, zap.NewNop()).Error("token cleanup failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("cleanup_failed", "token cleanup failed", http.StatusServiceUnavailable))
		return
	}
	httpx.WriteJSON(w, http.StatusOK, cleanupResponse{Removed: removed})
}
