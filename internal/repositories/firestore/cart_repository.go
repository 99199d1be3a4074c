package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/hanko-field/oms/internal/domain"
	pfirestore "github.com/hanko-field/oms/internal/platform/firestore"
)

const cartItemsCollectionPattern = "carts/%s/items"

// CartRepository reads cart lines from carts/{uid}/items, one document per SKU.
type CartRepository struct {
	provider *pfirestore.Provider
}

// NewCartRepository constructs a Firestore-backed cart repository.
func NewCartRepository(provider *pfirestore.Provider) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository requires firestore provider")
	}
	return &CartRepository{provider: provider}, nil
}

// Items returns every line in the owner's cart ordered by when it was added.
func (r *CartRepository) Items(ctx context.Context, ownerID string) ([]domain.CartItem, error) {
	coll, err := r.collection(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	iter := coll.OrderBy("addedAt", firestore.Asc).Documents(ctx)
	var items []domain.CartItem
	err = pfirestore.DecodeAll[cartItemDocument]("cart.items", iter, func(id string, doc cartItemDocument) {
		items = append(items, doc.toDomain(id))
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// PutItem upserts a cart line keyed by SKU.
func (r *CartRepository) PutItem(ctx context.Context, ownerID string, item domain.CartItem) error {
	coll, err := r.collection(ctx, ownerID)
	if err != nil {
		return err
	}
	sku := strings.TrimSpace(item.SKUID)
	if sku == "" {
		return errors.New("cart repository: sku is required")
	}
	_, err = coll.Doc(sku).Set(ctx, cartItemDocument{
		Quantity:  item.Quantity,
		UnitPrice: item.UnitPrice,
		Title:     item.Title,
		ImageURL:  item.ImageURL,
		Checked:   item.Checked,
		AddedAt:   time.Now().UTC(),
	})
	return pfirestore.WrapError("cart.putItem", err)
}

func (r *CartRepository) collection(ctx context.Context, ownerID string) (*firestore.CollectionRef, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("cart repository not initialised")
	}
	uid := strings.TrimSpace(ownerID)
	if uid == "" {
		return nil, errors.New("cart repository: owner id is required")
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, pfirestore.WrapError("cart.collection", err)
	}
	return client.Collection(fmt.Sprintf(cartItemsCollectionPattern, uid)), nil
}

type cartItemDocument struct {
	Quantity  int       `firestore:"quantity"`
	UnitPrice int64     `firestore:"unitPrice"`
	Title     string    `firestore:"title"`
	ImageURL  string    `firestore:"imageUrl,omitempty"`
	Checked   bool      `firestore:"checked"`
	AddedAt   time.Time `firestore:"addedAt"`
}

func (d cartItemDocument) toDomain(skuID string) domain.CartItem {
	return domain.CartItem{
		SKUID:     skuID,
		Quantity:  d.Quantity,
		UnitPrice: d.UnitPrice,
		Title:     d.Title,
		ImageURL:  d.ImageURL,
		Checked:   d.Checked,
	}
}
