package services

import (
	"context"
	"errors"
)

// DeferredCloseHandler consumes deferred-close messages. Orders that were already paid,
// cancelled or removed are acknowledged without error so redelivery is harmless.
type DeferredCloseHandler struct {
	orders OrderService
	logger func(context.Context, string, map[string]any)
}

// NewDeferredCloseHandler constructs a handler around the order lifecycle service.
func NewDeferredCloseHandler(orders OrderService, logger func(ctx context.Context, event string, fields map[string]any)) (*DeferredCloseHandler, error) {
	if orders == nil {
		return nil, errors.New("deferred close handler: order service is required")
	}
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &DeferredCloseHandler{orders: orders, logger: logger}, nil
}

// HandleDeferredClose closes the order numbered token.
func (h *DeferredCloseHandler) HandleDeferredClose(ctx context.Context, token string) error {
	order, err := h.orders.CloseOrder(ctx, token)
	switch {
	case err == nil:
		h.logger(ctx, "order.auto_closed", map[string]any{"orderId": order.ID, "orderNumber": token})
		return nil
	case errors.Is(err, ErrInvalidStateTransition), errors.Is(err, ErrOrderNotFound):
		h.logger(ctx, "order.auto_close_skipped", map[string]any{"orderNumber": token, "reason": err.Error()})
		return nil
	case errors.Is(err, ErrOrderInvalidInput):
		// an empty token can never succeed
		return nil
	}
	return err
}
