//go:build integration

package firestore

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/hanko-field/oms/internal/domain"
	pfirestore "github.com/hanko-field/oms/internal/platform/firestore"
	"github.com/hanko-field/oms/internal/platform/firestore/firestoretest"
	"github.com/hanko-field/oms/internal/repositories"
)

func seedStock(ctx context.Context, t *testing.T, provider *pfirestore.Provider, skuID string, onHand int, now time.Time) {
	t.Helper()
	coll, err := provider.Collection(ctx, inventoryCollection)
	if err != nil {
		t.Fatalf("inventory collection: %v", err)
	}
	doc := stockDocument{OnHand: onHand, UpdatedAt: now}
	doc.recalculate()
	if _, err := coll.Doc(skuID).Set(ctx, doc); err != nil {
		t.Fatalf("seed stock %s: %v", skuID, err)
	}
}

func TestInventoryRepositoryIntegration(t *testing.T) {
	provider := firestoretest.NewProvider(t, "inventory-test")
	repo, err := NewInventoryRepository(provider)
	if err != nil {
		t.Fatalf("new inventory repository: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	now := time.Now().UTC().Truncate(time.Second)
	for sku, qty := range map[string]int{"sku-a": 5, "sku-b": 1} {
		seedStock(ctx, t, provider, sku, qty, now)
	}

	reservation := domain.StockReservation{
		Token: "tok-1",
		Lines: []domain.StockReservationLine{
			{SKUID: "sku-a", Quantity: 2},
			{SKUID: "sku-b", Quantity: 1},
		},
		CreatedAt: now,
	}

	t.Run("reserve holds stock", func(t *testing.T) {
		got, err := repo.Reserve(ctx, reservation)
		if err != nil {
			t.Fatalf("reserve: %v", err)
		}
		if got.Status != reservationStatusReserved || len(got.Lines) != 2 {
			t.Fatalf("unexpected reservation %+v", got)
		}
		assertStock(t, repo, "sku-a", 5, 2)
		assertStock(t, repo, "sku-b", 1, 1)
	})

	t.Run("same token and lines is a no-op", func(t *testing.T) {
		if _, err := repo.Reserve(ctx, reservation); err != nil {
			t.Fatalf("repeat reserve: %v", err)
		}
		assertStock(t, repo, "sku-a", 5, 2)
	})

	t.Run("same token with different lines is rejected", func(t *testing.T) {
		other := reservation
		other.Lines = []domain.StockReservationLine{{SKUID: "sku-a", Quantity: 1}}
		_, err := repo.Reserve(ctx, other)
		assertInventoryCode(t, err, repositories.InventoryErrorReservationMismatch)
	})

	t.Run("insufficient stock holds nothing", func(t *testing.T) {
		_, err := repo.Reserve(ctx, domain.StockReservation{
			Token: "tok-2",
			Lines: []domain.StockReservationLine{
				{SKUID: "sku-a", Quantity: 1},
				{SKUID: "sku-b", Quantity: 1},
			},
			CreatedAt: now,
		})
		assertInventoryCode(t, err, repositories.InventoryErrorInsufficientStock)
		assertStock(t, repo, "sku-a", 5, 2)
	})

	t.Run("missing stock document", func(t *testing.T) {
		_, err := repo.Reserve(ctx, domain.StockReservation{
			Token:     "tok-3",
			Lines:     []domain.StockReservationLine{{SKUID: "sku-missing", Quantity: 1}},
			CreatedAt: now,
		})
		assertInventoryCode(t, err, repositories.InventoryErrorStockNotFound)
	})

	t.Run("release returns stock once", func(t *testing.T) {
		for i := 0; i < 2; i++ {
			if err := repo.Release(ctx, "tok-1", now.Add(time.Minute)); err != nil {
				t.Fatalf("release attempt %d: %v", i, err)
			}
		}
		assertStock(t, repo, "sku-a", 5, 0)
		assertStock(t, repo, "sku-b", 1, 0)
	})

	t.Run("release of unknown token is a no-op", func(t *testing.T) {
		if err := repo.Release(ctx, "tok-unknown", now); err != nil {
			t.Fatalf("release unknown: %v", err)
		}
	})
}

func assertStock(t *testing.T, repo *InventoryRepository, sku string, onHand, reserved int) {
	t.Helper()
	client, err := repo.provider.Client(context.Background())
	if err != nil {
		t.Fatalf("client: %v", err)
	}
	snap, err := client.Collection(inventoryCollection).Doc(sku).Get(context.Background())
	if err != nil {
		t.Fatalf("get stock %s: %v", sku, err)
	}
	var doc stockDocument
	if err := snap.DataTo(&doc); err != nil {
		t.Fatalf("decode stock %s: %v", sku, err)
	}
	if doc.OnHand != onHand || doc.Reserved != reserved || doc.Available != onHand-reserved {
		t.Fatalf("stock %s: expected onHand=%d reserved=%d, got %+v", sku, onHand, reserved, doc)
	}
}

func assertInventoryCode(t *testing.T, err error, code repositories.InventoryErrorCode) {
	t.Helper()
	var invErr *repositories.InventoryError
	if !errors.As(err, &invErr) {
		t.Fatalf("expected inventory error %s, got %v", code, err)
	}
	if invErr.Code != code {
		t.Fatalf("expected code %s, got %s", code, invErr.Code)
	}
}
