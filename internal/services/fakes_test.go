package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	domain "github.com/hanko-field/oms/internal/domain"
	"github.com/hanko-field/oms/internal/repositories"
)

type testRepoError struct {
	notFound    bool
	conflict    bool
	unavailable bool
}

func (e testRepoError) Error() string {
	switch {
	case e.notFound:
		return "not found"
	case e.conflict:
		return "conflict"
	case e.unavailable:
		return "unavailable"
	}
	return "repository error"
}

func (e testRepoError) IsNotFound() bool    { return e.notFound }
func (e testRepoError) IsConflict() bool    { return e.conflict }
func (e testRepoError) IsUnavailable() bool { return e.unavailable }

// memoryOrderRepo is an in-memory OrderRepository with a unique order number index.
type memoryOrderRepo struct {
	mu        sync.Mutex
	orders    map[string]domain.Order
	seq       int
	createErr error
	deleteErr error
	listErr   error
	deletes   []string
	// beforeUpdate runs inside UpdateStatus before the compare, simulating a concurrent writer.
	beforeUpdate func(id string)
}

func newMemoryOrderRepo() *memoryOrderRepo {
	return &memoryOrderRepo{orders: map[string]domain.Order{}}
}

func (r *memoryOrderRepo) Create(_ context.Context, order domain.Order) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return domain.Order{}, r.createErr
	}
	for _, existing := range r.orders {
		if existing.OrderNumber == order.OrderNumber {
			return domain.Order{}, testRepoError{conflict: true}
		}
	}
	r.seq++
	order.ID = fmt.Sprintf("order-%d", r.seq)
	order.Items = append([]domain.OrderItem(nil), order.Items...)
	for i := range order.Items {
		order.Items[i].OrderID = order.ID
	}
	r.orders[order.ID] = order
	return order, nil
}

func (r *memoryOrderRepo) FindByIDForOwner(_ context.Context, orderID, ownerID string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[orderID]
	if !ok || order.OwnerID != ownerID {
		return domain.Order{}, testRepoError{notFound: true}
	}
	return order, nil
}

func (r *memoryOrderRepo) FindByOrderNumber(_ context.Context, orderNumber string) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, order := range r.orders {
		if order.OrderNumber == orderNumber {
			return order, nil
		}
	}
	return domain.Order{}, testRepoError{notFound: true}
}

func (r *memoryOrderRepo) List(_ context.Context, query repositories.OrderListQuery) ([]domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	var result []domain.Order
	for _, order := range r.orders {
		if order.OwnerID != query.OwnerID {
			continue
		}
		if query.Status != nil && order.Status != *query.Status {
			continue
		}
		result = append(result, order)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].CreatedAt.After(result[j].CreatedAt) })
	return result, nil
}

func (r *memoryOrderRepo) UpdateStatus(_ context.Context, update repositories.StatusUpdate) (domain.Order, error) {
	if r.beforeUpdate != nil {
		r.beforeUpdate(update.OrderID)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	order, ok := r.orders[update.OrderID]
	if !ok {
		return domain.Order{}, testRepoError{notFound: true}
	}
	if order.Status != update.From {
		return domain.Order{}, testRepoError{conflict: true}
	}
	order.Status = update.To
	order.UpdatedAt = update.At
	if update.To == domain.OrderStatusAutoCancelled || update.To == domain.OrderStatusUserCancelled {
		at := update.At
		order.ClosedAt = &at
	}
	r.orders[order.ID] = order
	return order, nil
}

func (r *memoryOrderRepo) Delete(_ context.Context, orderID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deletes = append(r.deletes, orderID)
	if r.deleteErr != nil {
		return r.deleteErr
	}
	if _, ok := r.orders[orderID]; !ok {
		return testRepoError{notFound: true}
	}
	delete(r.orders, orderID)
	return nil
}

func (r *memoryOrderRepo) setStatus(id string, status domain.OrderStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	order := r.orders[id]
	order.Status = status
	r.orders[id] = order
}

func (r *memoryOrderRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.orders)
}

type stubCatalogRepo struct {
	skus map[string]domain.SKU
	err  error
}

func (s *stubCatalogRepo) FindSKU(_ context.Context, skuID string) (domain.SKU, error) {
	if s.err != nil {
		return domain.SKU{}, s.err
	}
	sku, ok := s.skus[skuID]
	if !ok {
		return domain.SKU{}, testRepoError{notFound: true}
	}
	return sku, nil
}

type stubInventoryRepo struct {
	reserveFn func(ctx context.Context, reservation domain.StockReservation) (domain.StockReservation, error)
	releaseFn func(ctx context.Context, token string, now time.Time) error
}

func (s *stubInventoryRepo) Reserve(ctx context.Context, reservation domain.StockReservation) (domain.StockReservation, error) {
	if s.reserveFn != nil {
		return s.reserveFn(ctx, reservation)
	}
	return reservation, nil
}

func (s *stubInventoryRepo) Release(ctx context.Context, token string, now time.Time) error {
	if s.releaseFn != nil {
		return s.releaseFn(ctx, token, now)
	}
	return nil
}

// stubInventoryService records reservations and releases by token.
type stubInventoryService struct {
	mu         sync.Mutex
	prices     map[string]int64
	skus       map[string]domain.SKU
	priceErr   error
	lookupErr  error
	reserveErr error
	releaseErr error
	reserved   []string
	released   []string
}

func (s *stubInventoryService) Price(_ context.Context, skuID string) (int64, error) {
	if s.priceErr != nil {
		return 0, s.priceErr
	}
	return s.prices[skuID], nil
}

func (s *stubInventoryService) LookupSKU(_ context.Context, skuID string) (domain.SKU, error) {
	if s.lookupErr != nil {
		return domain.SKU{}, s.lookupErr
	}
	sku, ok := s.skus[skuID]
	if !ok {
		return domain.SKU{}, ErrSKUNotFound
	}
	return sku, nil
}

func (s *stubInventoryService) Reserve(_ context.Context, token string, _ []domain.StockReservationLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reserveErr != nil {
		return s.reserveErr
	}
	s.reserved = append(s.reserved, token)
	return nil
}

func (s *stubInventoryService) Release(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = append(s.released, token)
	return s.releaseErr
}

type stubPublisher struct {
	mu     sync.Mutex
	tokens []string
	delays []time.Duration
	err    error
}

func (p *stubPublisher) PublishDeferredClose(_ context.Context, token string, delay time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.tokens = append(p.tokens, token)
	p.delays = append(p.delays, delay)
	return nil
}

type stubCartRepo struct {
	items map[string][]domain.CartItem
	err   error
}

func (s *stubCartRepo) Items(ctx context.Context, ownerID string) ([]domain.CartItem, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.items[ownerID], nil
}

type stubAddressRepo struct {
	addresses map[string][]domain.Address
	err       error
	// block waits for ctx cancellation before returning, used to observe sibling cancellation.
	block bool
}

func (s *stubAddressRepo) List(ctx context.Context, ownerID string) ([]domain.Address, error) {
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.addresses[ownerID], nil
}

type capturedEvent struct {
	name   string
	fields map[string]any
}

type eventRecorder struct {
	mu     sync.Mutex
	events []capturedEvent
}

func (r *eventRecorder) log(_ context.Context, event string, fields map[string]any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, capturedEvent{name: event, fields: fields})
}

func (r *eventRecorder) find(name string) (capturedEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.name == name {
			return e, true
		}
	}
	return capturedEvent{}, false
}

var errBoom = errors.New("boom")
