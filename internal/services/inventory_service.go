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
	eventInventoryReserve = "inventory.reserve"
	eventInventoryRelease = "inventory.release"
)

// InventoryServiceDeps bundles the collaborators required to construct an inventory service.
type InventoryServiceDeps struct {
	Catalog   repositories.CatalogRepository
	Inventory repositories.InventoryRepository
	Clock     func() time.Time
	Logger    func(ctx context.Context, event string, fields map[string]any)
}

type inventoryService struct {
	catalog repositories.CatalogRepository
	repo    repositories.InventoryRepository
	clock   func() time.Time
	logger  func(context.Context, string, map[string]any)
}

// NewInventoryService wires dependencies into a concrete InventoryService implementation.
func NewInventoryService(deps InventoryServiceDeps) (InventoryService, error) {
	if deps.Catalog == nil {
		return nil, errors.New("inventory service: catalog repository is required")
	}
	if deps.Inventory == nil {
		return nil, errors.New("inventory service: inventory repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &inventoryService{
		catalog: deps.Catalog,
		repo:    deps.Inventory,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (s *inventoryService) Price(ctx context.Context, skuID string) (int64, error) {
	sku, err := s.LookupSKU(ctx, skuID)
	if err != nil {
		if errors.Is(err, ErrSKUNotFound) {
			return 0, nil
		}
		return 0, err
	}
	return sku.Price, nil
}

func (s *inventoryService) LookupSKU(ctx context.Context, skuID string) (SKU, error) {
	skuID = strings.TrimSpace(skuID)
	if skuID == "" {
		return SKU{}, fmt.Errorf("%w: sku id is required", ErrSKUNotFound)
	}
	sku, err := s.catalog.FindSKU(ctx, skuID)
	if err != nil {
		if isRepoNotFound(err) {
			return SKU{}, fmt.Errorf("%w: %s", ErrSKUNotFound, skuID)
		}
		return SKU{}, upstreamError("catalog lookup", err)
	}
	return sku, nil
}

func (s *inventoryService) Reserve(ctx context.Context, token string, lines []StockReservationLine) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return fmt.Errorf("%w: token is required", ErrOrderInvalidInput)
	}
	if len(lines) == 0 {
		return fmt.Errorf("%w: at least one line is required", ErrOrderInvalidInput)
	}

	now := s.clock()
	reservation, err := s.repo.Reserve(ctx, domain.StockReservation{
		Token:     token,
		Lines:     append([]StockReservationLine(nil), lines...),
		CreatedAt: now,
	})
	if err != nil {
		var invErr *repositories.InventoryError
		if errors.As(err, &invErr) {
			return fmt.Errorf("%w: %s", ErrInsufficientStock, invErr.Message)
		}
		return fmt.Errorf("%w: %w", ErrInsufficientStock, err)
	}

	s.logger(ctx, eventInventoryReserve, map[string]any{
		"token": token,
		"lines": len(reservation.Lines),
	})
	return nil
}

func (s *inventoryService) Release(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil
	}
	if err := s.repo.Release(ctx, token, s.clock()); err != nil {
		return fmt.Errorf("inventory: release %s: %w", token, err)
	}
	s.logger(ctx, eventInventoryRelease, map[string]any{"token": token})
	return nil
}

func isRepoNotFound(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsNotFound()
}

func isRepoConflict(err error) bool {
	var repoErr repositories.RepositoryError
	return errors.As(err, &repoErr) && repoErr.IsConflict()
}

// upstreamError keeps context errors intact and tags everything else as a collaborator failure.
func upstreamError(action string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrUpstreamUnavailable, action, err)
}
