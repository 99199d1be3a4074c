package firestore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	domain "github.com/hanko-field/oms/internal/domain"
	pfirestore "github.com/hanko-field/oms/internal/platform/firestore"
	"github.com/hanko-field/oms/internal/repositories"
)

const (
	inventoryCollection         = "inventory"
	stockReservationsCollection = "stockReservations"

	reservationStatusReserved = "reserved"
	reservationStatusReleased = "released"
)

// InventoryRepository holds stock in Firestore. Each SKU has one stock document and each
// submission token one reservation document.
type InventoryRepository struct {
	provider *pfirestore.Provider
}

// NewInventoryRepository constructs a Firestore-backed inventory repository.
func NewInventoryRepository(provider *pfirestore.Provider) (*InventoryRepository, error) {
	if provider == nil {
		return nil, errors.New("inventory repository requires firestore provider")
	}
	return &InventoryRepository{provider: provider}, nil
}

// Reserve implements repositories.InventoryRepository.
func (r *InventoryRepository) Reserve(ctx context.Context, reservation domain.StockReservation) (domain.StockReservation, error) {
	if r == nil || r.provider == nil {
		return domain.StockReservation{}, errors.New("inventory repository not initialised")
	}
	token := strings.TrimSpace(reservation.Token)
	if token == "" {
		return domain.StockReservation{}, errors.New("inventory reserve: token is required")
	}
	lines, err := normaliseReservationLines(reservation.Lines)
	if err != nil {
		return domain.StockReservation{}, wrapInventoryError("inventory.reserve", err)
	}

	now := reservation.CreatedAt.UTC()
	if now.IsZero() {
		now = time.Now().UTC()
	}

	client, err := r.provider.Client(ctx)
	if err != nil {
		return domain.StockReservation{}, wrapInventoryError("inventory.reserve", err)
	}
	resRef := client.Collection(stockReservationsCollection).Doc(token)

	var result domain.StockReservation
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		existing, found, err := getReservation(tx, resRef)
		if err != nil {
			return err
		}
		if found {
			if existing.Status == reservationStatusReserved && sameLines(existing.Lines, lines) {
				result = existing.toDomain(token)
				return nil
			}
			return repositories.NewInventoryError(repositories.InventoryErrorReservationMismatch, fmt.Sprintf("token %s already holds a different reservation", token), nil)
		}

		stockRefs := make([]*firestore.DocumentRef, len(lines))
		stocks := make([]stockDocument, len(lines))
		for i, line := range lines {
			stockRefs[i] = client.Collection(inventoryCollection).Doc(line.SKU)
			snap, err := tx.Get(stockRefs[i])
			if err != nil {
				if status.Code(err) == codes.NotFound {
					return repositories.NewInventoryError(repositories.InventoryErrorStockNotFound, fmt.Sprintf("stock %s not found", line.SKU), err)
				}
				return err
			}
			doc, err := pfirestore.Decode[stockDocument](snap)
			if err != nil {
				return err
			}
			if doc.OnHand-doc.Reserved < line.Quantity {
				return repositories.NewInventoryError(repositories.InventoryErrorInsufficientStock, fmt.Sprintf("insufficient stock for %s", line.SKU), nil)
			}
			stocks[i] = doc
		}

		for i, line := range lines {
			stocks[i].Reserved += line.Quantity
			stocks[i].UpdatedAt = now
			stocks[i].recalculate()
			if err := tx.Set(stockRefs[i], stocks[i]); err != nil {
				return err
			}
		}
		doc := reservationDocument{
			Lines:     lines,
			Status:    reservationStatusReserved,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.Create(resRef, doc); err != nil {
			return err
		}
		result = doc.toDomain(token)
		return nil
	})
	if err != nil {
		return domain.StockReservation{}, wrapInventoryError("inventory.reserve", err)
	}
	return result, nil
}

// Release implements repositories.InventoryRepository.
func (r *InventoryRepository) Release(ctx context.Context, token string, now time.Time) error {
	if r == nil || r.provider == nil {
		return errors.New("inventory repository not initialised")
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return errors.New("inventory release: token is required")
	}
	now = now.UTC()

	client, err := r.provider.Client(ctx)
	if err != nil {
		return wrapInventoryError("inventory.release", err)
	}
	resRef := client.Collection(stockReservationsCollection).Doc(token)

	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		doc, found, err := getReservation(tx, resRef)
		if err != nil {
			return err
		}
		if !found || doc.Status != reservationStatusReserved {
			return nil
		}

		stockRefs := make([]*firestore.DocumentRef, len(doc.Lines))
		stocks := make([]stockDocument, len(doc.Lines))
		for i, line := range doc.Lines {
			stockRefs[i] = client.Collection(inventoryCollection).Doc(line.SKU)
			snap, err := tx.Get(stockRefs[i])
			if err != nil {
				if status.Code(err) == codes.NotFound {
					return repositories.NewInventoryError(repositories.InventoryErrorStockNotFound, fmt.Sprintf("stock %s not found", line.SKU), err)
				}
				return err
			}
			if stocks[i], err = pfirestore.Decode[stockDocument](snap); err != nil {
				return err
			}
		}

		for i, line := range doc.Lines {
			stocks[i].Reserved -= line.Quantity
			if stocks[i].Reserved < 0 {
				stocks[i].Reserved = 0
			}
			stocks[i].UpdatedAt = now
			stocks[i].recalculate()
			if err := tx.Set(stockRefs[i], stocks[i]); err != nil {
				return err
			}
		}
		doc.Status = reservationStatusReleased
		doc.UpdatedAt = now
		doc.ReleasedAt = &now
		return tx.Set(resRef, doc)
	})
	if err != nil {
		return wrapInventoryError("inventory.release", err)
	}
	return nil
}

func getReservation(tx *firestore.Transaction, ref *firestore.DocumentRef) (reservationDocument, bool, error) {
	snap, err := tx.Get(ref)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return reservationDocument{}, false, nil
		}
		return reservationDocument{}, false, err
	}
	doc, err := pfirestore.Decode[reservationDocument](snap)
	if err != nil {
		return reservationDocument{}, false, err
	}
	return doc, true, nil
}

// normaliseReservationLines merges duplicate SKUs and sorts by SKU so every transaction
// touches stock documents in the same order.
func normaliseReservationLines(lines []domain.StockReservationLine) ([]reservationLineDocument, error) {
	if len(lines) == 0 {
		return nil, repositories.NewInventoryError(repositories.InventoryErrorUnknown, "inventory reserve: at least one line is required", nil)
	}
	merged := make(map[string]int, len(lines))
	for _, line := range lines {
		sku := strings.TrimSpace(line.SKUID)
		if sku == "" {
			return nil, repositories.NewInventoryError(repositories.InventoryErrorStockNotFound, "inventory reserve: sku is required", nil)
		}
		if line.Quantity <= 0 {
			return nil, repositories.NewInventoryError(repositories.InventoryErrorUnknown, fmt.Sprintf("inventory reserve: quantity for %s must be > 0", sku), nil)
		}
		merged[sku] += line.Quantity
	}
	result := make([]reservationLineDocument, 0, len(merged))
	for sku, qty := range merged {
		result = append(result, reservationLineDocument{SKU: sku, Quantity: qty})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].SKU < result[j].SKU })
	return result, nil
}

func sameLines(a, b []reservationLineDocument) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

type stockDocument struct {
	OnHand    int       `firestore:"onHand"`
	Reserved  int       `firestore:"reserved"`
	Available int       `firestore:"available"`
	UpdatedAt time.Time `firestore:"updatedAt"`
}

func (d *stockDocument) recalculate() {
	d.Available = d.OnHand - d.Reserved
}

type reservationLineDocument struct {
	SKU      string `firestore:"sku"`
	Quantity int    `firestore:"quantity"`
}

type reservationDocument struct {
	Lines      []reservationLineDocument `firestore:"lines"`
	Status     string                    `firestore:"status"`
	CreatedAt  time.Time                 `firestore:"createdAt"`
	UpdatedAt  time.Time                 `firestore:"updatedAt"`
	ReleasedAt *time.Time                `firestore:"releasedAt,omitempty"`
}

func (d reservationDocument) toDomain(token string) domain.StockReservation {
	lines := make([]domain.StockReservationLine, 0, len(d.Lines))
	for _, line := range d.Lines {
		lines = append(lines, domain.StockReservationLine{SKUID: line.SKU, Quantity: line.Quantity})
	}
	return domain.StockReservation{
		Token:     token,
		Lines:     lines,
		Status:    d.Status,
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
}

func wrapInventoryError(op string, err error) error {
	if err == nil {
		return nil
	}
	var invErr *repositories.InventoryError
	if errors.As(err, &invErr) {
		if invErr.Op == "" {
			invErr.Op = op
		}
		return invErr
	}
	return pfirestore.WrapError(op, err)
}
