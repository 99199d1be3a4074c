package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/hanko-field/oms/internal/platform/scheduler"
	"github.com/hanko-field/oms/internal/platform/tokens"
	"github.com/hanko-field/oms/internal/repositories"
)

// ConfirmationServiceDeps bundles the collaborators required to construct a confirmation service.
type ConfirmationServiceDeps struct {
	Cart        repositories.CartRepository
	Addresses   repositories.AddressRepository
	Inventory   InventoryService
	Tokens      tokens.Store
	Pool        *scheduler.Pool
	TokenTTL    time.Duration
	IDGenerator func() string
	Logger      func(ctx context.Context, event string, fields map[string]any)
}

type confirmationService struct {
	cart      repositories.CartRepository
	addresses repositories.AddressRepository
	inventory InventoryService
	tokens    tokens.Store
	pool      *scheduler.Pool
	ttl       time.Duration
	newID     func() string
	logger    func(context.Context, string, map[string]any)
}

// NewConfirmationService wires dependencies into a concrete ConfirmationService implementation.
func NewConfirmationService(deps ConfirmationServiceDeps) (ConfirmationService, error) {
	if deps.Cart == nil {
		return nil, errors.New("confirmation service: cart repository is required")
	}
	if deps.Addresses == nil {
		return nil, errors.New("confirmation service: address repository is required")
	}
	if deps.Inventory == nil {
		return nil, errors.New("confirmation service: inventory service is required")
	}
	if deps.Tokens == nil {
		return nil, errors.New("confirmation service: token store is required")
	}
	if deps.Pool == nil {
		return nil, errors.New("confirmation service: scheduler pool is required")
	}

	ttl := deps.TokenTTL
	if ttl <= 0 {
		ttl = tokens.DefaultTTL
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &confirmationService{
		cart:      deps.Cart,
		addresses: deps.Addresses,
		inventory: deps.Inventory,
		tokens:    deps.Tokens,
		pool:      deps.Pool,
		ttl:       ttl,
		newID:     idGen,
		logger:    logger,
	}, nil
}

// Confirm runs the item, address and token tasks concurrently and returns only after all
// three finished. The first failure cancels the others and fails the call.
func (s *confirmationService) Confirm(ctx context.Context, cmd ConfirmCommand) (Confirmation, error) {
	ownerID := strings.TrimSpace(cmd.OwnerID)
	if ownerID == "" {
		return Confirmation{}, fmt.Errorf("%w: owner id is required", ErrOrderInvalidInput)
	}
	skuID := strings.TrimSpace(cmd.SKUID)
	if skuID != "" && cmd.Quantity <= 0 {
		return Confirmation{}, fmt.Errorf("%w: quantity must be positive", ErrOrderInvalidInput)
	}

	var (
		items     []ItemSelection
		addresses []Address
		token     string
	)
	err := s.pool.Run(ctx,
		func(ctx context.Context) error {
			var err error
			if skuID != "" {
				items, err = s.explicitItem(ctx, skuID, cmd.Quantity)
			} else {
				items, err = s.checkedCartItems(ctx, ownerID)
			}
			return err
		},
		func(ctx context.Context) error {
			list, err := s.addresses.List(ctx, ownerID)
			if err != nil {
				return upstreamError("list addresses", err)
			}
			addresses = list
			return nil
		},
		func(ctx context.Context) error {
			minted := s.newID()
			if err := s.tokens.Register(ctx, tokens.Key(minted), minted, s.ttl); err != nil {
				return upstreamError("register token", err)
			}
			token = minted
			return nil
		},
	)
	if err != nil {
		s.logger(ctx, "confirmation.failed", map[string]any{
			"ownerId": ownerID,
			"error":   err.Error(),
		})
		return Confirmation{}, err
	}

	if items == nil {
		items = []ItemSelection{}
	}
	if addresses == nil {
		addresses = []Address{}
	}
	return Confirmation{Items: items, Addresses: addresses, Token: token}, nil
}

func (s *confirmationService) explicitItem(ctx context.Context, skuID string, quantity int) ([]ItemSelection, error) {
	sku, err := s.inventory.LookupSKU(ctx, skuID)
	if err != nil {
		if errors.Is(err, ErrSKUNotFound) {
			return nil, fmt.Errorf("%w: %w", ErrOrderInvalidInput, err)
		}
		return nil, err
	}
	return []ItemSelection{{
		SKUID:     sku.ID,
		Quantity:  quantity,
		UnitPrice: sku.Price,
		Title:     sku.Title,
		ImageURL:  sku.ImageURL,
	}}, nil
}

func (s *confirmationService) checkedCartItems(ctx context.Context, ownerID string) ([]ItemSelection, error) {
	cartItems, err := s.cart.Items(ctx, ownerID)
	if err != nil {
		return nil, upstreamError("read cart", err)
	}
	items := make([]ItemSelection, 0, len(cartItems))
	for _, item := range cartItems {
		if !item.Checked {
			continue
		}
		items = append(items, ItemSelection{
			SKUID:     item.SKUID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Title:     item.Title,
			ImageURL:  item.ImageURL,
		})
	}
	return items, nil
}
