package services

import (
	"context"
	"time"

	domain "github.com/hanko-field/oms/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Order                = domain.Order
	OrderItem            = domain.OrderItem
	OrderStatus          = domain.OrderStatus
	ItemSelection        = domain.ItemSelection
	Confirmation         = domain.Confirmation
	Address              = domain.Address
	SKU                  = domain.SKU
	StockReservationLine = domain.StockReservationLine
)

// InventoryService is the pricing and stock gateway consumed by confirmation and submission.
type InventoryService interface {
	// Price returns the live price of a SKU. Unknown SKUs price at zero.
	Price(ctx context.Context, skuID string) (int64, error)
	// LookupSKU returns authoritative title, price and image for a SKU.
	LookupSKU(ctx context.Context, skuID string) (SKU, error)
	// Reserve holds every line for token. Repeating a successful call with the same token is a no-op.
	Reserve(ctx context.Context, token string, lines []StockReservationLine) error
	// Release returns stock held for token. Unknown tokens are ignored.
	Release(ctx context.Context, token string) error
}

// ConfirmationService assembles the view a member reviews before submitting.
type ConfirmationService interface {
	Confirm(ctx context.Context, cmd ConfirmCommand) (Confirmation, error)
}

// SubmissionService turns a confirmed selection into a durable order.
type SubmissionService interface {
	Submit(ctx context.Context, cmd SubmitCommand) (SubmitResult, error)
}

// OrderService drives order lifecycle transitions and owner-scoped reads.
type OrderService interface {
	CloseOrder(ctx context.Context, orderNumber string) (Order, error)
	MarkPaid(ctx context.Context, orderNumber string) (Order, error)
	CancelOrder(ctx context.Context, ownerID, orderID string) (Order, error)
	DeleteOrder(ctx context.Context, ownerID, orderID string) error
	ListOrders(ctx context.Context, query ListOrdersQuery) ([]OrderView, error)
	GetOrder(ctx context.Context, ownerID, orderID, locale string) (OrderView, error)
}

// DeferredClosePublisher schedules the automatic close of an unpaid order.
type DeferredClosePublisher interface {
	PublishDeferredClose(ctx context.Context, token string, delay time.Duration) error
}

// ConfirmCommand selects either one explicit SKU or, when SKUID is empty, the checked cart items.
type ConfirmCommand struct {
	OwnerID  string
	SKUID    string
	Quantity int
}

// SubmitCommand carries a confirmed selection back for submission.
type SubmitCommand struct {
	OwnerID       string
	Token         string
	Items         []ItemSelection
	ExpectedTotal int64
	Remark        string
	SourceChannel domain.SourceChannel
}

// SubmitResult identifies the created order.
type SubmitResult struct {
	OrderID     string
	OrderNumber string
}

// ListOrdersQuery filters an owner's orders. A nil Status lists all of them.
type ListOrdersQuery struct {
	OwnerID string
	Status  *OrderStatus
	Locale  string
	Limit   int
}

// OrderView is an order with a localized status description.
type OrderView struct {
	Order
	StatusText string
}
