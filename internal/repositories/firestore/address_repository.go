package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/oklog/ulid/v2"

	domain "github.com/hanko-field/oms/internal/domain"
	pfirestore "github.com/hanko-field/oms/internal/platform/firestore"
)

const addressCollectionPattern = "users/%s/addresses"

// AddressRepository reads saved addresses from users/{uid}/addresses.
type AddressRepository struct {
	provider *pfirestore.Provider
}

// NewAddressRepository constructs a Firestore-backed address repository.
func NewAddressRepository(provider *pfirestore.Provider) (*AddressRepository, error) {
	if provider == nil {
		return nil, errors.New("address repository requires firestore provider")
	}
	return &AddressRepository{provider: provider}, nil
}

// List returns the owner's addresses with the default address first.
func (r *AddressRepository) List(ctx context.Context, ownerID string) ([]domain.Address, error) {
	coll, err := r.collection(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	iter := coll.OrderBy("isDefault", firestore.Desc).OrderBy("createdAt", firestore.Asc).Documents(ctx)
	var addresses []domain.Address
	err = pfirestore.DecodeAll[addressDocument]("addresses.list", iter, func(id string, doc addressDocument) {
		addresses = append(addresses, doc.toDomain(id, ownerID))
	})
	if err != nil {
		return nil, err
	}
	return addresses, nil
}

// Save writes an address, assigning an ID when empty.
func (r *AddressRepository) Save(ctx context.Context, addr domain.Address) (domain.Address, error) {
	coll, err := r.collection(ctx, addr.OwnerID)
	if err != nil {
		return domain.Address{}, err
	}
	if strings.TrimSpace(addr.ID) == "" {
		addr.ID = ulid.Make().String()
	}
	now := time.Now().UTC()
	if _, err := coll.Doc(addr.ID).Set(ctx, addressDocument{
		Recipient:  strings.TrimSpace(addr.Recipient),
		Phone:      strings.TrimSpace(addr.Phone),
		Region:     strings.TrimSpace(addr.Region),
		Line1:      strings.TrimSpace(addr.Line1),
		Line2:      strings.TrimSpace(addr.Line2),
		PostalCode: strings.TrimSpace(addr.PostalCode),
		IsDefault:  addr.Default,
		CreatedAt:  now,
	}); err != nil {
		return domain.Address{}, pfirestore.WrapError("addresses.save", err)
	}
	return addr, nil
}

func (r *AddressRepository) collection(ctx context.Context, ownerID string) (*firestore.CollectionRef, error) {
	if r == nil || r.provider == nil {
		return nil, errors.New("address repository not initialised")
	}
	uid := strings.TrimSpace(ownerID)
	if uid == "" {
		return nil, errors.New("address repository: owner id is required")
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, pfirestore.WrapError("addresses.collection", err)
	}
	return client.Collection(fmt.Sprintf(addressCollectionPattern, uid)), nil
}

type addressDocument struct {
	Recipient  string    `firestore:"recipient"`
	Phone      string    `firestore:"phone,omitempty"`
	Region     string    `firestore:"region"`
	Line1      string    `firestore:"line1"`
	Line2      string    `firestore:"line2,omitempty"`
	PostalCode string    `firestore:"postalCode"`
	IsDefault  bool      `firestore:"isDefault"`
	CreatedAt  time.Time `firestore:"createdAt"`
}

func (d addressDocument) toDomain(id, ownerID string) domain.Address {
	return domain.Address{
		ID:         id,
		OwnerID:    ownerID,
		Recipient:  d.Recipient,
		Phone:      d.Phone,
		Region:     d.Region,
		Line1:      d.Line1,
		Line2:      d.Line2,
		PostalCode: d.PostalCode,
		Default:    d.IsDefault,
	}
}
