package repositories

import (
	"context"
	"time"

	domain "github.com/hanko-field/oms/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// OrderListQuery filters a member's order history. A nil Status lists every status.
type OrderListQuery struct {
	OwnerID string
	Status  *domain.OrderStatus
	Limit   int
}

// StatusUpdate is a compare-and-set transition applied to a single order.
type StatusUpdate struct {
	OrderID string
	From    domain.OrderStatus
	To      domain.OrderStatus
	At      time.Time
}

// OrderRepository persists order headers and their line items.
type OrderRepository interface {
	// Create stores the order header and all of its items atomically and returns the stored order
	// with the repository-assigned ID. A duplicate order number is reported as a conflict.
	Create(ctx context.Context, order domain.Order) (domain.Order, error)
	FindByIDForOwner(ctx context.Context, orderID, ownerID string) (domain.Order, error)
	FindByOrderNumber(ctx context.Context, orderNumber string) (domain.Order, error)
	List(ctx context.Context, query OrderListQuery) ([]domain.Order, error)
	// UpdateStatus applies the transition only if the stored status still equals From.
	// A status mismatch is reported as a conflict.
	UpdateStatus(ctx context.Context, update StatusUpdate) (domain.Order, error)
	// Delete removes the order and its items.
	Delete(ctx context.Context, orderID string) error
}

// CartRepository reads a member's cart.
type CartRepository interface {
	Items(ctx context.Context, ownerID string) ([]domain.CartItem, error)
}

// AddressRepository reads a member's saved addresses.
type AddressRepository interface {
	List(ctx context.Context, ownerID string) ([]domain.Address, error)
}

// CatalogRepository exposes authoritative SKU pricing.
type CatalogRepository interface {
	FindSKU(ctx context.Context, skuID string) (domain.SKU, error)
}

// InventoryRepository holds and releases stock keyed by submission token.
type InventoryRepository interface {
	// Reserve holds every line or none. Reserving the same token twice with identical lines is a no-op.
	Reserve(ctx context.Context, reservation domain.StockReservation) (domain.StockReservation, error)
	// Release returns the held quantities to stock. Releasing an unknown or released token is a no-op.
	Release(ctx context.Context, token string, now time.Time) error
}
