package firestore

import (
	"context"
	"errors"
	"strings"
	"time"

	domain "github.com/hanko-field/oms/internal/domain"
	pfirestore "github.com/hanko-field/oms/internal/platform/firestore"
)

const skusCollection = "skus"

// CatalogRepository reads authoritative SKU prices from the skus collection.
type CatalogRepository struct {
	skus *pfirestore.Collection[skuDocument]
}

// NewCatalogRepository constructs a Firestore-backed catalog repository.
func NewCatalogRepository(provider *pfirestore.Provider) (*CatalogRepository, error) {
	if provider == nil {
		return nil, errors.New("catalog repository requires firestore provider")
	}
	return &CatalogRepository{skus: pfirestore.NewCollection[skuDocument](provider, skusCollection)}, nil
}

// FindSKU returns the SKU or a not-found repository error.
func (r *CatalogRepository) FindSKU(ctx context.Context, skuID string) (domain.SKU, error) {
	if r == nil || r.skus == nil {
		return domain.SKU{}, errors.New("catalog repository not initialised")
	}
	doc, err := r.skus.Get(ctx, skuID)
	if err != nil {
		return domain.SKU{}, err
	}
	return domain.SKU{ID: doc.ID, Title: doc.Data.Title, Price: doc.Data.Price, ImageURL: doc.Data.ImageURL}, nil
}

// PutSKU writes a SKU document.
func (r *CatalogRepository) PutSKU(ctx context.Context, sku domain.SKU) error {
	if r == nil || r.skus == nil {
		return errors.New("catalog repository not initialised")
	}
	_, err := r.skus.Set(ctx, strings.TrimSpace(sku.ID), skuDocument{
		Title:     sku.Title,
		Price:     sku.Price,
		ImageURL:  sku.ImageURL,
		UpdatedAt: time.Now().UTC(),
	})
	return err
}

type skuDocument struct {
	Title     string    `firestore:"title"`
	Price     int64     `firestore:"price"`
	ImageURL  string    `firestore:"imageUrl,omitempty"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}
