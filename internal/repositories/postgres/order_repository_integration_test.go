//go:build integration

package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	domain "github.com/hanko-field/oms/internal/domain"
	"github.com/hanko-field/oms/internal/repositories"
	"github.com/hanko-field/oms/internal/repositories/postgres/pgtest"
)

func TestOrderRepository(t *testing.T) {
	pool := pgtest.NewPool(t)
	repo, err := NewOrderRepository(pool)
	if err != nil {
		t.Fatalf("NewOrderRepository: %v", err)
	}
	ctx := context.Background()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	newOrder := func(number string, createdAt time.Time) domain.Order {
		return domain.Order{
			OrderNumber:   number,
			Status:        domain.OrderStatusPendingPayment,
			SourceChannel: domain.SourceChannelWeb,
			OwnerID:       "user-1",
			CreatedAt:     createdAt,
			Items: []domain.OrderItem{
				{SKUID: "sku-a", Title: "Seal", UnitPrice: 1200, Quantity: 2},
				{SKUID: "sku-b", Title: "Case", UnitPrice: 300, Quantity: 1},
			},
		}
	}

	first, err := repo.Create(ctx, newOrder("tok-1", base))
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	second, err := repo.Create(ctx, newOrder("tok-2", base.Add(time.Minute)))
	if err != nil {
		t.Fatalf("create second: %v", err)
	}

	t.Run("concurrent duplicates create one order", func(t *testing.T) {
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			conflicts int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := repo.Create(ctx, newOrder("tok-dup", base))
				if isConflict(err) {
					mu.Lock()
					conflicts++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if conflicts != 7 {
			t.Fatalf("expected 7 conflicts, got %d", conflicts)
		}
	})

	t.Run("find by number loads items", func(t *testing.T) {
		got, err := repo.FindByOrderNumber(ctx, "tok-1")
		if err != nil {
			t.Fatalf("find: %v", err)
		}
		if got.ID != first.ID || len(got.Items) != 2 || got.Items[0].SKUID != "sku-a" {
			t.Fatalf("unexpected order %+v", got)
		}
	})

	t.Run("foreign owner is not found", func(t *testing.T) {
		_, err := repo.FindByIDForOwner(ctx, first.ID, "user-2")
		if !isNotFound(err) {
			t.Fatalf("expected not found, got %v", err)
		}
	})

	t.Run("list newest first", func(t *testing.T) {
		orders, err := repo.List(ctx, repositories.OrderListQuery{OwnerID: "user-1"})
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		if len(orders) != 3 || orders[0].OrderNumber != "tok-2" {
			t.Fatalf("unexpected list %+v", orders)
		}
		for _, order := range orders {
			if len(order.Items) != 2 {
				t.Fatalf("expected items for %s, got %+v", order.OrderNumber, order.Items)
			}
		}
	})

	t.Run("update status compare and set", func(t *testing.T) {
		at := base.Add(time.Hour)
		updated, err := repo.UpdateStatus(ctx, repositories.StatusUpdate{
			OrderID: second.ID, From: domain.OrderStatusPendingPayment, To: domain.OrderStatusUserCancelled, At: at,
		})
		if err != nil {
			t.Fatalf("update: %v", err)
		}
		if updated.ClosedAt == nil || !updated.ClosedAt.Equal(at) {
			t.Fatalf("expected closed_at %s, got %+v", at, updated.ClosedAt)
		}
		_, err = repo.UpdateStatus(ctx, repositories.StatusUpdate{
			OrderID: second.ID, From: domain.OrderStatusPendingPayment, To: domain.OrderStatusAutoCancelled, At: at,
		})
		if !isConflict(err) {
			t.Fatalf("expected conflict, got %v", err)
		}
		_, err = repo.UpdateStatus(ctx, repositories.StatusUpdate{
			OrderID: "missing", From: domain.OrderStatusPendingPayment, To: domain.OrderStatusAutoCancelled, At: at,
		})
		if !isNotFound(err) {
			t.Fatalf("expected not found, got %v", err)
		}

		cancelled := domain.OrderStatusUserCancelled
		orders, err := repo.List(ctx, repositories.OrderListQuery{OwnerID: "user-1", Status: &cancelled})
		if err != nil {
			t.Fatalf("list cancelled: %v", err)
		}
		if len(orders) != 1 || orders[0].ID != second.ID {
			t.Fatalf("expected cancelled order only, got %+v", orders)
		}
	})

	t.Run("delete cascades items", func(t *testing.T) {
		if err := repo.Delete(ctx, first.ID); err != nil {
			t.Fatalf("delete: %v", err)
		}
		var count int
		if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM order_items WHERE order_id = $1`, first.ID).Scan(&count); err != nil {
			t.Fatalf("count items: %v", err)
		}
		if count != 0 {
			t.Fatalf("expected items removed, got %d", count)
		}
		if err := repo.Delete(ctx, first.ID); !isNotFound(err) {
			t.Fatalf("expected not found on second delete, got %v", err)
		}
	})
}

func isConflict(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

func isNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}
