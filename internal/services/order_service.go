package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	domain "github.com/hanko-field/oms/internal/domain"
	"github.com/hanko-field/oms/internal/repositories"
)

const (
	eventOrderTransition = "order.transition"
	eventOrderDeleted    = "order.deleted"
)

// OrderServiceDeps bundles the collaborators required to construct an order service.
type OrderServiceDeps struct {
	Orders repositories.OrderRepository
	Clock  func() time.Time
	Logger func(ctx context.Context, event string, fields map[string]any)
}

type orderService struct {
	orders repositories.OrderRepository
	clock  func() time.Time
	logger func(context.Context, string, map[string]any)
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	return &orderService{
		orders: deps.Orders,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// CloseOrder auto-cancels the unpaid order numbered orderNumber.
func (s *orderService) CloseOrder(ctx context.Context, orderNumber string) (Order, error) {
	order, err := s.byNumber(ctx, orderNumber)
	if err != nil {
		return Order{}, err
	}
	return s.transition(ctx, order, domain.OrderStatusPendingPayment, domain.OrderStatusAutoCancelled)
}

// MarkPaid records payment for the order numbered orderNumber.
func (s *orderService) MarkPaid(ctx context.Context, orderNumber string) (Order, error) {
	order, err := s.byNumber(ctx, orderNumber)
	if err != nil {
		return Order{}, err
	}
	return s.transition(ctx, order, domain.OrderStatusPendingPayment, domain.OrderStatusPaid)
}

// CancelOrder cancels an unpaid order on behalf of its owner.
func (s *orderService) CancelOrder(ctx context.Context, ownerID, orderID string) (Order, error) {
	order, err := s.owned(ctx, ownerID, orderID)
	if err != nil {
		return Order{}, err
	}
	return s.transition(ctx, order, domain.OrderStatusPendingPayment, domain.OrderStatusUserCancelled)
}

// DeleteOrder removes a cancelled order and its items.
func (s *orderService) DeleteOrder(ctx context.Context, ownerID, orderID string) error {
	order, err := s.owned(ctx, ownerID, orderID)
	if err != nil {
		return err
	}
	if order.Status != domain.OrderStatusAutoCancelled && order.Status != domain.OrderStatusUserCancelled {
		return fmt.Errorf("%w: cannot delete %s order", ErrInvalidStateTransition, order.Status)
	}
	if err := s.orders.Delete(ctx, order.ID); err != nil {
		if isRepoNotFound(err) {
			return ErrOrderNotFound
		}
		return s.mapRepositoryError(err)
	}
	s.logger(ctx, eventOrderDeleted, map[string]any{
		"orderId": order.ID,
		"ownerId": order.OwnerID,
	})
	return nil
}

func (s *orderService) ListOrders(ctx context.Context, query ListOrdersQuery) ([]OrderView, error) {
	ownerID := strings.TrimSpace(query.OwnerID)
	if ownerID == "" {
		return nil, fmt.Errorf("%w: owner id is required", ErrOrderInvalidInput)
	}
	if query.Status != nil && !query.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, *query.Status)
	}
	orders, err := s.orders.List(ctx, repositories.OrderListQuery{
		OwnerID: ownerID,
		Status:  query.Status,
		Limit:   query.Limit,
	})
	if err != nil {
		return nil, s.mapRepositoryError(err)
	}
	views := make([]OrderView, 0, len(orders))
	for _, order := range orders {
		views = append(views, newOrderView(order, query.Locale))
	}
	return views, nil
}

func (s *orderService) GetOrder(ctx context.Context, ownerID, orderID, locale string) (OrderView, error) {
	order, err := s.owned(ctx, ownerID, orderID)
	if err != nil {
		return OrderView{}, err
	}
	return newOrderView(order, locale), nil
}

// transition applies a compare-and-set from the state the order was just read in. A lost
// race surfaces as ErrInvalidStateTransition.
func (s *orderService) transition(ctx context.Context, order Order, from, to domain.OrderStatus) (Order, error) {
	if order.Status != from {
		return Order{}, fmt.Errorf("%w: order %s is %s", ErrInvalidStateTransition, order.ID, order.Status)
	}
	updated, err := s.orders.UpdateStatus(ctx, repositories.StatusUpdate{
		OrderID: order.ID,
		From:    from,
		To:      to,
		At:      s.clock(),
	})
	if err != nil {
		switch {
		case isRepoConflict(err):
			return Order{}, fmt.Errorf("%w: order %s changed concurrently", ErrInvalidStateTransition, order.ID)
		case isRepoNotFound(err):
			return Order{}, ErrOrderNotFound
		}
		return Order{}, s.mapRepositoryError(err)
	}
	s.logger(ctx, eventOrderTransition, map[string]any{
		"orderId": order.ID,
		"from":    string(from),
		"to":      string(to),
	})
	return updated, nil
}

func (s *orderService) byNumber(ctx context.Context, orderNumber string) (Order, error) {
	orderNumber = strings.TrimSpace(orderNumber)
	if orderNumber == "" {
		return Order{}, fmt.Errorf("%w: order number is required", ErrOrderInvalidInput)
	}
	order, err := s.orders.FindByOrderNumber(ctx, orderNumber)
	if err != nil {
		if isRepoNotFound(err) {
			return Order{}, ErrOrderNotFound
		}
		return Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) owned(ctx context.Context, ownerID, orderID string) (Order, error) {
	ownerID = strings.TrimSpace(ownerID)
	orderID = strings.TrimSpace(orderID)
	if ownerID == "" || orderID == "" {
		return Order{}, ErrOrderNotFound
	}
	order, err := s.orders.FindByIDForOwner(ctx, orderID, ownerID)
	if err != nil {
		if isRepoNotFound(err) {
			return Order{}, ErrOrderNotFound
		}
		return Order{}, s.mapRepositoryError(err)
	}
	return order, nil
}

func (s *orderService) mapRepositoryError(err error) error {
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) && repoErr.IsUnavailable() {
		return fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
	}
	return err
}

func newOrderView(order Order, locale string) OrderView {
	return OrderView{Order: order, StatusText: domain.StatusText(order.Status, locale)}
}
