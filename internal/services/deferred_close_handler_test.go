package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/hanko-field/oms/internal/domain"
)

func newTestDeferredCloseHandler(t *testing.T, repo *memoryOrderRepo, events *eventRecorder) *DeferredCloseHandler {
	t.Helper()
	handler, err := NewDeferredCloseHandler(newTestOrderService(t, repo, nil), events.log)
	if err != nil {
		t.Fatalf("NewDeferredCloseHandler: %v", err)
	}
	return handler
}

func TestDeferredCloseHandlerClosesPendingOrder(t *testing.T) {
	repo := newMemoryOrderRepo()
	events := &eventRecorder{}
	handler := newTestDeferredCloseHandler(t, repo, events)
	order := seedOrder(t, repo, "user-1", "tok-1", time.Now())

	if err := handler.HandleDeferredClose(context.Background(), "tok-1"); err != nil {
		t.Fatalf("HandleDeferredClose: %v", err)
	}
	stored, _ := repo.FindByIDForOwner(context.Background(), order.ID, "user-1")
	if stored.Status != domain.OrderStatusAutoCancelled {
		t.Fatalf("expected auto cancelled, got %s", stored.Status)
	}
	if _, ok := events.find("order.auto_closed"); !ok {
		t.Fatal("expected order.auto_closed event")
	}
}

func TestDeferredCloseHandlerAcknowledgesSettledOrders(t *testing.T) {
	cases := []struct {
		name   string
		token  string
		status domain.OrderStatus
	}{
		{name: "paid", token: "tok-1", status: domain.OrderStatusPaid},
		{name: "already closed", token: "tok-1", status: domain.OrderStatusAutoCancelled},
		{name: "user cancelled", token: "tok-1", status: domain.OrderStatusUserCancelled},
		{name: "unknown order", token: "tok-missing", status: domain.OrderStatusPendingPayment},
		{name: "blank token", token: " ", status: domain.OrderStatusPendingPayment},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			repo := newMemoryOrderRepo()
			handler := newTestDeferredCloseHandler(t, repo, &eventRecorder{})
			order := seedOrder(t, repo, "user-1", "tok-1", time.Now())
			repo.setStatus(order.ID, tc.status)

			if err := handler.HandleDeferredClose(context.Background(), tc.token); err != nil {
				t.Fatalf("expected message acknowledged, got %v", err)
			}
			stored, _ := repo.FindByIDForOwner(context.Background(), order.ID, "user-1")
			if stored.Status != tc.status {
				t.Fatalf("expected status %s untouched, got %s", tc.status, stored.Status)
			}
		})
	}
}

func TestDeferredCloseHandlerReturnsTransientFailures(t *testing.T) {
	h, err := NewDeferredCloseHandler(&failingOrderService{err: ErrUpstreamUnavailable}, nil)
	if err != nil {
		t.Fatalf("NewDeferredCloseHandler: %v", err)
	}
	if err := h.HandleDeferredClose(context.Background(), "tok-1"); !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("expected transient failure returned for redelivery, got %v", err)
	}
}

func TestNewDeferredCloseHandlerRequiresService(t *testing.T) {
	if _, err := NewDeferredCloseHandler(nil, nil); err == nil {
		t.Fatal("expected error for missing order service")
	}
}

type failingOrderService struct {
	OrderService
	err error
}

func (f *failingOrderService) CloseOrder(context.Context, string) (Order, error) {
	return Order{}, f.err
}
