// Package postgres stores orders in PostgreSQL through pgx.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"

	domain "github.com/hanko-field/oms/internal/domain"
	"github.com/hanko-field/oms/internal/repositories"
)

const (
	defaultOrderListLimit = 50
	maxOrderListLimit     = 200

	orderColumns = `id, order_number, status, source_channel, owner_id, remark, created_at, updated_at, closed_at`
)

// OrderRepository implements repositories.OrderRepository on two tables, orders and
// order_items. The unique index on order_number rejects duplicate submissions.
type OrderRepository struct {
	pool  *pgxpool.Pool
	newID func() string
}

// NewOrderRepository constructs a Postgres-backed order repository.
func NewOrderRepository(pool *pgxpool.Pool) (*OrderRepository, error) {
	if pool == nil {
		return nil, errors.New("order repository requires postgres pool")
	}
	return &OrderRepository{
		pool:  pool,
		newID: func() string { return ulid.Make().String() },
	}, nil
}

// WithTx runs fn inside a transaction shared by every repository call made with the
// supplied context.
func (r *OrderRepository) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	return withTx(ctx, r.pool, fn)
}

// Create implements repositories.OrderRepository.
func (r *OrderRepository) Create(ctx context.Context, order domain.Order) (domain.Order, error) {
	const op = "orders.create"
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
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now()
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

	err := r.WithTx(ctx, func(ctx context.Context) error {
		const insertOrder = `
INSERT INTO orders (id, order_number, status, source_channel, owner_id, remark, created_at, updated_at, closed_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
		if _, err := r.exec(ctx, insertOrder,
			order.ID, order.OrderNumber, string(order.Status), string(order.SourceChannel), order.OwnerID,
			order.Remark, order.CreatedAt, order.UpdatedAt, order.ClosedAt,
		); err != nil {
			if isUniqueViolation(err) {
				return conflict(op, fmt.Sprintf("order number %s already exists", order.OrderNumber))
			}
			return err
		}

		const insertItem = `
INSERT INTO order_items (order_id, position, sku_id, title, unit_price, image_url, quantity)
VALUES ($1, $2, $3, $4, $5, $6, $7)`
		batch := &pgx.Batch{}
		for i, item := range order.Items {
			batch.Queue(insertItem, order.ID, i, item.SKUID, item.Title, item.UnitPrice, item.ImageURL, item.Quantity)
		}
		if batch.Len() == 0 {
			return nil
		}
		return txFromContext(ctx).SendBatch(ctx, batch).Close()
	})
	if err != nil {
		return domain.Order{}, wrapError(op, err)
	}
	return order, nil
}

// FindByIDForOwner implements repositories.OrderRepository.
func (r *OrderRepository) FindByIDForOwner(ctx context.Context, orderID, ownerID string) (domain.Order, error) {
	const op = "orders.findByIDForOwner"
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1 AND owner_id = $2`
	order, err := scanOrder(r.queryRow(ctx, query, strings.TrimSpace(orderID), strings.TrimSpace(ownerID)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, notFound(op, fmt.Sprintf("order %s not found", orderID))
		}
		return domain.Order{}, wrapError(op, err)
	}
	return r.withItems(ctx, op, order)
}

// FindByOrderNumber implements repositories.OrderRepository.
func (r *OrderRepository) FindByOrderNumber(ctx context.Context, orderNumber string) (domain.Order, error) {
	const op = "orders.findByOrderNumber"
	query := `SELECT ` + orderColumns + ` FROM orders WHERE order_number = $1`
	order, err := scanOrder(r.queryRow(ctx, query, strings.TrimSpace(orderNumber)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, notFound(op, fmt.Sprintf("order number %s not found", orderNumber))
		}
		return domain.Order{}, wrapError(op, err)
	}
	return r.withItems(ctx, op, order)
}

// List implements repositories.OrderRepository.
func (r *OrderRepository) List(ctx context.Context, q repositories.OrderListQuery) ([]domain.Order, error) {
	const op = "orders.list"
	owner := strings.TrimSpace(q.OwnerID)
	if owner == "" {
		return nil, errors.New("order repository: owner is required")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultOrderListLimit
	}
	if limit > maxOrderListLimit {
		limit = maxOrderListLimit
	}
	var status *string
	if q.Status != nil {
		s := string(*q.Status)
		status = &s
	}

	query := `SELECT ` + orderColumns + ` FROM orders
WHERE owner_id = $1 AND ($2::text IS NULL OR status = $2)
ORDER BY created_at DESC, id DESC
LIMIT $3`
	rows, err := r.query(ctx, query, owner, status, limit)
	if err != nil {
		return nil, wrapError(op, err)
	}
	orders, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Order, error) {
		return scanOrder(row)
	})
	if err != nil {
		return nil, wrapError(op, err)
	}
	if len(orders) == 0 {
		return orders, nil
	}

	ids := make([]string, len(orders))
	index := make(map[string]int, len(orders))
	for i, order := range orders {
		ids[i] = order.ID
		index[order.ID] = i
	}
	itemRows, err := r.query(ctx, `
SELECT order_id, sku_id, title, unit_price, image_url, quantity
FROM order_items WHERE order_id = ANY($1)
ORDER BY order_id, position`, ids)
	if err != nil {
		return nil, wrapError(op, err)
	}
	items, err := pgx.CollectRows(itemRows, scanItem)
	if err != nil {
		return nil, wrapError(op, err)
	}
	for _, item := range items {
		i := index[item.OrderID]
		orders[i].Items = append(orders[i].Items, item)
	}
	return orders, nil
}

// UpdateStatus implements repositories.OrderRepository with a conditional UPDATE.
func (r *OrderRepository) UpdateStatus(ctx context.Context, update repositories.StatusUpdate) (domain.Order, error) {
	const op = "orders.updateStatus"
	at := update.At.UTC()
	if at.IsZero() {
		at = time.Now().UTC()
	}
	closes := update.To == domain.OrderStatusAutoCancelled || update.To == domain.OrderStatusUserCancelled

	query := `
UPDATE orders
SET status = $3, updated_at = $4, closed_at = CASE WHEN $5 THEN $4 ELSE closed_at END
WHERE id = $1 AND status = $2
RETURNING ` + orderColumns
	order, err := scanOrder(r.queryRow(ctx, query, update.OrderID, string(update.From), string(update.To), at, closes))
	if err != nil {
		if !errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, wrapError(op, err)
		}
		var current string
		err := r.queryRow(ctx, `SELECT status FROM orders WHERE id = $1`, update.OrderID).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Order{}, notFound(op, fmt.Sprintf("order %s not found", update.OrderID))
		}
		if err != nil {
			return domain.Order{}, wrapError(op, err)
		}
		return domain.Order{}, conflict(op, fmt.Sprintf("order %s is %s, expected %s", update.OrderID, current, update.From))
	}
	return r.withItems(ctx, op, order)
}

// Delete implements repositories.OrderRepository. Items cascade.
func (r *OrderRepository) Delete(ctx context.Context, orderID string) error {
	const op = "orders.delete"
	tag, err := r.exec(ctx, `DELETE FROM orders WHERE id = $1`, strings.TrimSpace(orderID))
	if err != nil {
		return wrapError(op, err)
	}
	if tag.RowsAffected() == 0 {
		return notFound(op, fmt.Sprintf("order %s not found", orderID))
	}
	return nil
}

func (r *OrderRepository) withItems(ctx context.Context, op string, order domain.Order) (domain.Order, error) {
	rows, err := r.query(ctx, `
SELECT order_id, sku_id, title, unit_price, image_url, quantity
FROM order_items WHERE order_id = $1
ORDER BY position`, order.ID)
	if err != nil {
		return domain.Order{}, wrapError(op, err)
	}
	items, err := pgx.CollectRows(rows, scanItem)
	if err != nil {
		return domain.Order{}, wrapError(op, err)
	}
	order.Items = items
	return order, nil
}

func scanOrder(row pgx.Row) (domain.Order, error) {
	var (
		o             domain.Order
		status        string
		sourceChannel string
		closedAt      *time.Time
	)
	if err := row.Scan(&o.ID, &o.OrderNumber, &status, &sourceChannel, &o.OwnerID, &o.Remark, &o.CreatedAt, &o.UpdatedAt, &closedAt); err != nil {
		return domain.Order{}, err
	}
	o.Status = domain.OrderStatus(status)
	o.SourceChannel = domain.SourceChannel(sourceChannel)
	o.CreatedAt = o.CreatedAt.UTC()
	o.UpdatedAt = o.UpdatedAt.UTC()
	if closedAt != nil {
		closed := closedAt.UTC()
		o.ClosedAt = &closed
	}
	return o, nil
}

func scanItem(row pgx.CollectableRow) (domain.OrderItem, error) {
	var item domain.OrderItem
	err := row.Scan(&item.OrderID, &item.SKUID, &item.Title, &item.UnitPrice, &item.ImageURL, &item.Quantity)
	return item, err
}

func (r *OrderRepository) exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Exec(ctx, sql, args...)
	}
	return r.pool.Exec(ctx, sql, args...)
}

func (r *OrderRepository) query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if tx := txFromContext(ctx); tx != nil {
		return tx.Query(ctx, sql, args...)
	}
	return r.pool.Query(ctx, sql, args...)
}

func (r *OrderRepository) queryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if tx := txFromContext(ctx); tx != nil {
		return tx.QueryRow(ctx, sql, args...)
	}
	return r.pool.QueryRow(ctx, sql, args...)
}
