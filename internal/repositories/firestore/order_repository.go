package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/oklog/ulid/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/hanko-field/oms/internal/domain"
	pfirestore "github.com/hanko-field/oms/internal/platform/firestore"
	"github.com/hanko-field/oms/internal/repositories"
)

const (
	ordersCollection       = "orders"
	orderItemsCollection   = "items"
	orderNumbersCollection = "orderNumbers"

	defaultOrderListLimit = 50
	maxOrderListLimit     = 200
)

// OrderRepository stores order headers in the orders collection with line items in a
// per-order items subcollection. orderNumbers/{number} reserves each order number.
type OrderRepository struct {
	provider *pfirestore.Provider
	newID    func() string
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		provider: provider,
		newID:    func() string { return ulid.Make().String() },
	}, nil
}

// Create implements repositories.OrderRepository.
func (r *OrderRepository) Create(ctx context.Context, order domain.Order) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	order.OrderNumber = strings.TrimSpace(order.OrderNumber)
	if order.OrderNumber == "" {
		return domain.Order{}, errors.New("order repository: order number is required")
	}
	if strings.TrimSpace(order.OwnerID) == "" {
		return domain.Order{}, errors.New("order repository: owner is required")
	}
	if order.ID == "" {
		order.ID = r.newID()
	}
	now := time.Now().UTC()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	if order.UpdatedAt.IsZero() {
		order.UpdatedAt = order.CreatedAt
	}
	order.CreatedAt = order.CreatedAt.UTC()
	order.UpdatedAt = order.UpdatedAt.UTC()
	order.Items = append([]domain.OrderItem(nil), order.Items...)
	for i := range order.Items {
		order.Items[i].OrderID = order.ID
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.create", err)
	}
	orderRef := client.Collection(ordersCollection).Doc(order.ID)
	numberRef := client.Collection(orderNumbersCollection).Doc(order.OrderNumber)

	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		if _, err := tx.Get(numberRef); err == nil {
			return pfirestore.Conflict("orders.create", fmt.Sprintf("order number %s already exists", order.OrderNumber))
		} else if status.Code(err) != codes.NotFound {
			return err
		}

		if err := tx.Create(numberRef, orderNumberDocument{OrderID: order.ID}); err != nil {
			return err
		}
		if err := tx.Create(orderRef, newOrderDocument(order)); err != nil {
			return err
		}
		for i, item := range order.Items {
			itemRef := orderRef.Collection(orderItemsCollection).Doc(fmt.Sprintf("%04d", i))
			if err := tx.Create(itemRef, newOrderItemDocument(item, i)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.Order{}, pfirestore.WrapError("orders.create", err)
	}
	return order, nil
}

// FindByIDForOwner implements repositories.OrderRepository. Orders owned by someone else
// are reported as not found.
func (r *OrderRepository) FindByIDForOwner(ctx context.Context, orderID, ownerID string) (domain.Order, error) {
	order, err := r.get(ctx, "orders.findByIDForOwner", strings.TrimSpace(orderID))
	if err != nil {
		return domain.Order{}, err
	}
	if order.OwnerID != strings.TrimSpace(ownerID) {
		return domain.Order{}, pfirestore.NotFound("orders.findByIDForOwner", fmt.Sprintf("order %s not found", orderID))
	}
	return order, nil
}

// FindByOrderNumber implements repositories.OrderRepository.
func (r *OrderRepository) FindByOrderNumber(ctx context.Context, orderNumber string) (domain.Order, error) {
	const op = "orders.findByOrderNumber"
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	orderNumber = strings.TrimSpace(orderNumber)
	if orderNumber == "" {
		return domain.Order{}, pfirestore.NotFound(op, "order number is empty")
	}
	coll, err := r.provider.Collection(ctx, orderNumbersCollection)
	if err != nil {
		return domain.Order{}, pfirestore.WrapError(op, err)
	}
	snap, err := coll.Doc(orderNumber).Get(ctx)
	if err != nil {
		return domain.Order{}, pfirestore.WrapError(op, err)
	}
	ref, err := pfirestore.Decode[orderNumberDocument](snap)
	if err != nil {
		return domain.Order{}, err
	}
	return r.get(ctx, op, ref.OrderID)
}

// List implements repositories.OrderRepository.
func (r *OrderRepository) List(ctx context.Context, query repositories.OrderListQuery) ([]domain.Order, error) {
	const op = "orders.list"
	if r == nil || r.provider == nil {
		return nil, errors.New("order repository not initialised")
	}
	owner := strings.TrimSpace(query.OwnerID)
	if owner == "" {
		return nil, errors.New("order repository: owner is required")
	}
	limit := query.Limit
	if limit <= 0 {
		limit = defaultOrderListLimit
	}
	if limit > maxOrderListLimit {
		limit = maxOrderListLimit
	}

	coll, err := r.provider.Collection(ctx, ordersCollection)
	if err != nil {
		return nil, pfirestore.WrapError(op, err)
	}
	q := coll.Where("ownerId", "==", owner)
	if query.Status != nil {
		q = q.Where("status", "==", string(*query.Status))
	}
	q = q.OrderBy("createdAt", firestore.Desc).Limit(limit)

	var orders []domain.Order
	err = pfirestore.DecodeAll[orderDocument](op, q.Documents(ctx), func(id string, doc orderDocument) {
		orders = append(orders, doc.toDomain(id))
	})
	if err != nil {
		return nil, err
	}
	for i := range orders {
		items, err := r.items(ctx, coll.Doc(orders[i].ID))
		if err != nil {
			return nil, err
		}
		orders[i].Items = items
	}
	return orders, nil
}

// UpdateStatus implements repositories.OrderRepository as a compare-and-set inside a transaction.
func (r *OrderRepository) UpdateStatus(ctx context.Context, update repositories.StatusUpdate) (domain.Order, error) {
	const op = "orders.updateStatus"
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	coll, err := r.provider.Collection(ctx, ordersCollection)
	if err != nil {
		return domain.Order{}, pfirestore.WrapError(op, err)
	}
	ref := coll.Doc(strings.TrimSpace(update.OrderID))
	at := update.At.UTC()
	if at.IsZero() {
		at = time.Now().UTC()
	}

	var updated orderDocument
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		doc, err := pfirestore.Decode[orderDocument](snap)
		if err != nil {
			return err
		}
		if domain.OrderStatus(doc.Status) != update.From {
			return pfirestore.Conflict(op, fmt.Sprintf("order %s is %s, expected %s", update.OrderID, doc.Status, update.From))
		}
		doc.Status = string(update.To)
		doc.UpdatedAt = at
		updates := []firestore.Update{
			{Path: "status", Value: doc.Status},
			{Path: "updatedAt", Value: at},
		}
		if closesOrder(update.To) {
			doc.ClosedAt = &at
			updates = append(updates, firestore.Update{Path: "closedAt", Value: at})
		}
		updated = doc
		return tx.Update(ref, updates)
	})
	if err != nil {
		return domain.Order{}, pfirestore.WrapError(op, err)
	}

	order := updated.toDomain(ref.ID)
	if order.Items, err = r.items(ctx, ref); err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

// Delete implements repositories.OrderRepository. The order number reservation is removed
// with the order so compensation leaves no trace.
func (r *OrderRepository) Delete(ctx context.Context, orderID string) error {
	const op = "orders.delete"
	if r == nil || r.provider == nil {
		return errors.New("order repository not initialised")
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return pfirestore.WrapError(op, err)
	}
	ref := client.Collection(ordersCollection).Doc(strings.TrimSpace(orderID))

	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		doc, err := pfirestore.Decode[orderDocument](snap)
		if err != nil {
			return err
		}
		itemSnaps, err := tx.Documents(ref.Collection(orderItemsCollection)).GetAll()
		if err != nil {
			return err
		}
		for _, item := range itemSnaps {
			if err := tx.Delete(item.Ref); err != nil {
				return err
			}
		}
		if doc.OrderNumber != "" {
			if err := tx.Delete(client.Collection(orderNumbersCollection).Doc(doc.OrderNumber)); err != nil {
				return err
			}
		}
		return tx.Delete(ref)
	})
	return pfirestore.WrapError(op, err)
}

func (r *OrderRepository) get(ctx context.Context, op, orderID string) (domain.Order, error) {
	if r == nil || r.provider == nil {
		return domain.Order{}, errors.New("order repository not initialised")
	}
	if orderID == "" {
		return domain.Order{}, pfirestore.NotFound(op, "order id is empty")
	}
	coll, err := r.provider.Collection(ctx, ordersCollection)
	if err != nil {
		return domain.Order{}, pfirestore.WrapError(op, err)
	}
	ref := coll.Doc(orderID)
	snap, err := ref.Get(ctx)
	if err != nil {
		return domain.Order{}, pfirestore.WrapError(op, err)
	}
	doc, err := pfirestore.Decode[orderDocument](snap)
	if err != nil {
		return domain.Order{}, err
	}
	order := doc.toDomain(orderID)
	if order.Items, err = r.items(ctx, ref); err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

func (r *OrderRepository) items(ctx context.Context, orderRef *firestore.DocumentRef) ([]domain.OrderItem, error) {
	iter := orderRef.Collection(orderItemsCollection).OrderBy("position", firestore.Asc).Documents(ctx)
	var items []domain.OrderItem
	err := pfirestore.DecodeAll[orderItemDocument]("orders.items", iter, func(_ string, doc orderItemDocument) {
		items = append(items, doc.toDomain(orderRef.ID))
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

func closesOrder(status domain.OrderStatus) bool {
	return status == domain.OrderStatusAutoCancelled || status == domain.OrderStatusUserCancelled
}

type orderNumberDocument struct {
	OrderID string `firestore:"orderId"`
}

type orderDocument struct {
	OrderNumber   string     `firestore:"orderNumber"`
	Status        string     `firestore:"status"`
	SourceChannel string     `firestore:"sourceChannel"`
	OwnerID       string     `firestore:"ownerId"`
	Remark        string     `firestore:"remark,omitempty"`
	ItemCount     int        `firestore:"itemCount"`
	Total         int64      `firestore:"total"`
	CreatedAt     time.Time  `firestore:"createdAt"`
	UpdatedAt     time.Time  `firestore:"updatedAt"`
	ClosedAt      *time.Time `firestore:"closedAt,omitempty"`
}

func newOrderDocument(order domain.Order) orderDocument {
	return orderDocument{
		OrderNumber:   order.OrderNumber,
		Status:        string(order.Status),
		SourceChannel: string(order.SourceChannel),
		OwnerID:       order.OwnerID,
		Remark:        order.Remark,
		ItemCount:     len(order.Items),
		Total:         order.Total(),
		CreatedAt:     order.CreatedAt,
		UpdatedAt:     order.UpdatedAt,
		ClosedAt:      order.ClosedAt,
	}
}

func (d orderDocument) toDomain(id string) domain.Order {
	order := domain.Order{
		ID:            id,
		OrderNumber:   d.OrderNumber,
		Status:        domain.OrderStatus(d.Status),
		SourceChannel: domain.SourceChannel(d.SourceChannel),
		OwnerID:       d.OwnerID,
		Remark:        d.Remark,
		CreatedAt:     d.CreatedAt.UTC(),
		UpdatedAt:     d.UpdatedAt.UTC(),
	}
	if d.ClosedAt != nil {
		closed := d.ClosedAt.UTC()
		order.ClosedAt = &closed
	}
	return order
}

type orderItemDocument struct {
	Position  int    `firestore:"position"`
	SKUID     string `firestore:"skuId"`
	Title     string `firestore:"title"`
	UnitPrice int64  `firestore:"unitPrice"`
	ImageURL  string `firestore:"imageUrl,omitempty"`
	Quantity  int    `firestore:"quantity"`
}

func newOrderItemDocument(item domain.OrderItem, position int) orderItemDocument {
	return orderItemDocument{
		Position:  position,
		SKUID:     item.SKUID,
		Title:     item.Title,
		UnitPrice: item.UnitPrice,
		ImageURL:  item.ImageURL,
		Quantity:  item.Quantity,
	}
}

func (d orderItemDocument) toDomain(orderID string) domain.OrderItem {
	return domain.OrderItem{
		OrderID:   orderID,
		SKUID:     d.SKUID,
		Title:     d.Title,
		UnitPrice: d.UnitPrice,
		ImageURL:  d.ImageURL,
		Quantity:  d.Quantity,
	}
}
