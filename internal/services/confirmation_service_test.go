package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/hanko-field/oms/internal/domain"
	"github.com/hanko-field/oms/internal/platform/scheduler"
	"github.com/hanko-field/oms/internal/platform/tokens"
)

type confirmationFixture struct {
	cart      *stubCartRepo
	addresses *stubAddressRepo
	inventory *stubInventoryService
	store     *tokens.MemoryStore
	events    *eventRecorder
}

func newConfirmationFixture() *confirmationFixture {
	return &confirmationFixture{
		cart: &stubCartRepo{items: map[string][]domain.CartItem{
			"user-1": {
				{SKUID: "sku-10", Quantity: 1, UnitPrice: 10, Title: "Ten", Checked: true},
				{SKUID: "sku-99", Quantity: 4, UnitPrice: 99, Title: "Unchecked"},
				{SKUID: "sku-20", Quantity: 2, UnitPrice: 20, Title: "Twenty", Checked: true},
			},
		}},
		addresses: &stubAddressRepo{addresses: map[string][]domain.Address{
			"user-1": {{ID: "addr-1", OwnerID: "user-1", Recipient: "Hanako", Default: true}},
		}},
		inventory: &stubInventoryService{skus: map[string]domain.SKU{
			"sku-30": {ID: "sku-30", Title: "Thirty", Price: 30, ImageURL: "https://img/30.png"},
		}},
		store:  tokens.NewMemoryStore(nil),
		events: &eventRecorder{},
	}
}

func (f *confirmationFixture) service(t *testing.T) ConfirmationService {
	t.Helper()
	svc, err := NewConfirmationService(ConfirmationServiceDeps{
		Cart:        f.cart,
		Addresses:   f.addresses,
		Inventory:   f.inventory,
		Tokens:      f.store,
		Pool:        scheduler.NewPool(4),
		TokenTTL:    time.Minute,
		IDGenerator: func() string { return "tok-fixed" },
		Logger:      f.events.log,
	})
	if err != nil {
		t.Fatalf("NewConfirmationService: %v", err)
	}
	return svc
}

func TestConfirmationServiceUsesCheckedCartItems(t *testing.T) {
	f := newConfirmationFixture()
	confirmation, err := f.service(t).Confirm(context.Background(), ConfirmCommand{OwnerID: "user-1"})
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if len(confirmation.Items) != 2 {
		t.Fatalf("expected 2 checked items, got %d", len(confirmation.Items))
	}
	if total := domain.SelectionTotal(confirmation.Items); total != 50 {
		t.Fatalf("expected total 50, got %d", total)
	}
	if len(confirmation.Addresses) != 1 || confirmation.Addresses[0].ID != "addr-1" {
		t.Fatalf("unexpected addresses %+v", confirmation.Addresses)
	}
	if confirmation.Token != "tok-fixed" {
		t.Fatalf("expected minted token, got %q", confirmation.Token)
	}
	ok, err := f.store.DeleteIfEquals(context.Background(), tokens.Key("tok-fixed"), "tok-fixed")
	if err != nil || !ok {
		t.Fatalf("expected token registered in store, got %v (%v)", ok, err)
	}
}

func TestConfirmationServiceExplicitSKU(t *testing.T) {
	f := newConfirmationFixture()
	confirmation, err := f.service(t).Confirm(context.Background(), ConfirmCommand{OwnerID: "user-1", SKUID: "sku-30", Quantity: 3})
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if len(confirmation.Items) != 1 {
		t.Fatalf("expected single item, got %+v", confirmation.Items)
	}
	item := confirmation.Items[0]
	if item.SKUID != "sku-30" || item.Quantity != 3 || item.UnitPrice != 30 || item.Title != "Thirty" {
		t.Fatalf("unexpected item %+v", item)
	}
}

func TestConfirmationServiceEmptyCartStillIssuesToken(t *testing.T) {
	f := newConfirmationFixture()
	confirmation, err := f.service(t).Confirm(context.Background(), ConfirmCommand{OwnerID: "user-2"})
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if confirmation.Items == nil || len(confirmation.Items) != 0 {
		t.Fatalf("expected empty non-nil items, got %#v", confirmation.Items)
	}
	if confirmation.Addresses == nil {
		t.Fatal("expected empty non-nil addresses")
	}
	if confirmation.Token == "" || f.store.Len() != 1 {
		t.Fatalf("expected a registered token")
	}
}

func TestConfirmationServiceValidation(t *testing.T) {
	cases := []struct {
		name string
		cmd  ConfirmCommand
	}{
		{name: "missing owner", cmd: ConfirmCommand{}},
		{name: "zero quantity", cmd: ConfirmCommand{OwnerID: "user-1", SKUID: "sku-30"}},
		{name: "negative quantity", cmd: ConfirmCommand{OwnerID: "user-1", SKUID: "sku-30", Quantity: -1}},
		{name: "unknown sku", cmd: ConfirmCommand{OwnerID: "user-1", SKUID: "nope", Quantity: 1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newConfirmationFixture()
			_, err := f.service(t).Confirm(context.Background(), tc.cmd)
			if !errors.Is(err, ErrOrderInvalidInput) {
				t.Fatalf("expected ErrOrderInvalidInput, got %v", err)
			}
		})
	}
}

func TestConfirmationServiceFailingTaskFailsCall(t *testing.T) {
	f := newConfirmationFixture()
	f.cart.err = errBoom
	f.addresses.block = true

	svc := f.service(t)
	done := make(chan error, 1)
	go func() {
		_, err := svc.Confirm(context.Background(), ConfirmCommand{OwnerID: "user-1"})
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, ErrUpstreamUnavailable) || !errors.Is(err, errBoom) {
			t.Fatalf("expected cart failure, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected sibling tasks to be cancelled")
	}
	if _, ok := f.events.find("confirmation.failed"); !ok {
		t.Fatal("expected confirmation.failed event")
	}
}

func TestNewConfirmationServiceRequiresCollaborators(t *testing.T) {
	if _, err := NewConfirmationService(ConfirmationServiceDeps{}); err == nil {
		t.Fatal("expected error for missing dependencies")
	}
}
