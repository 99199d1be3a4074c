package services

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	domain "github.com/hanko-field/oms/internal/domain"
	"github.com/hanko-field/oms/internal/platform/tokens"
)

type submissionFixture struct {
	store     *tokens.MemoryStore
	inventory *stubInventoryService
	orders    *memoryOrderRepo
	publisher *stubPublisher
	events    *eventRecorder
	svc       SubmissionService
	now       time.Time
}

func newSubmissionFixture(t *testing.T) *submissionFixture {
	t.Helper()
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f := &submissionFixture{
		store: tokens.NewMemoryStore(func() time.Time { return now }),
		inventory: &stubInventoryService{prices: map[string]int64{
			"sku-10": 10,
			"sku-20": 20,
		}},
		orders:    newMemoryOrderRepo(),
		publisher: &stubPublisher{},
		events:    &eventRecorder{},
		now:       now,
	}
	svc, err := NewSubmissionService(SubmissionServiceDeps{
		Tokens:     f.store,
		Inventory:  f.inventory,
		Orders:     f.orders,
		Publisher:  f.publisher,
		CloseDelay: 15 * time.Minute,
		Clock:      func() time.Time { return now },
		Logger:     f.events.log,
	})
	if err != nil {
		t.Fatalf("NewSubmissionService: %v", err)
	}
	f.svc = svc
	return f
}

func (f *submissionFixture) issue(t *testing.T, token string) {
	t.Helper()
	if err := f.store.Register(context.Background(), tokens.Key(token), token, time.Hour); err != nil {
		t.Fatalf("register token: %v", err)
	}
}

func defaultSelection() []domain.ItemSelection {
	return []domain.ItemSelection{
		{SKUID: "sku-10", Quantity: 1, UnitPrice: 10, Title: "Ten", ImageURL: "https://img/10.png"},
		{SKUID: "sku-20", Quantity: 2, UnitPrice: 20, Title: "Twenty", ImageURL: "https://img/20.png"},
	}
}

func TestSubmissionServiceCreatesPendingOrder(t *testing.T) {
	f := newSubmissionFixture(t)
	f.issue(t, "tok-1")

	result, err := f.svc.Submit(context.Background(), SubmitCommand{
		OwnerID:       "user-1",
		Token:         "tok-1",
		Items:         defaultSelection(),
		ExpectedTotal: 50,
		Remark:        "  ring the bell  ",
		SourceChannel: domain.SourceChannelWeb,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.OrderNumber != "tok-1" || result.OrderID == "" {
		t.Fatalf("unexpected result %+v", result)
	}

	order, err := f.orders.FindByOrderNumber(context.Background(), "tok-1")
	if err != nil {
		t.Fatalf("order not persisted: %v", err)
	}
	if order.Status != domain.OrderStatusPendingPayment {
		t.Fatalf("expected pending payment, got %s", order.Status)
	}
	if order.OwnerID != "user-1" || order.SourceChannel != domain.SourceChannelWeb || order.Remark != "ring the bell" {
		t.Fatalf("unexpected order header %+v", order)
	}
	if len(order.Items) != 2 || order.Total() != 50 {
		t.Fatalf("expected 2 items totalling 50, got %+v", order.Items)
	}
	if len(f.inventory.reserved) != 1 || f.inventory.reserved[0] != "tok-1" {
		t.Fatalf("expected reservation for tok-1, got %v", f.inventory.reserved)
	}
	if len(f.publisher.tokens) != 1 || f.publisher.tokens[0] != "tok-1" || f.publisher.delays[0] != 15*time.Minute {
		t.Fatalf("expected deferred close for tok-1 after 15m, got %v %v", f.publisher.tokens, f.publisher.delays)
	}
	if len(f.inventory.released) != 0 {
		t.Fatalf("expected no compensation, got releases %v", f.inventory.released)
	}
}

func TestSubmissionServiceConsumesTokenExactlyOnce(t *testing.T) {
	f := newSubmissionFixture(t)
	f.issue(t, "tok-1")

	const attempts = 16
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		successes  int
		duplicates int
	)
	start := make(chan struct{})
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.svc.Submit(context.Background(), SubmitCommand{
				OwnerID:       "user-1",
				Token:         "tok-1",
				Items:         defaultSelection(),
				ExpectedTotal: 50,
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, ErrDuplicateSubmission):
				duplicates++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	if successes != 1 || duplicates != attempts-1 {
		t.Fatalf("expected 1 success and %d duplicates, got %d and %d", attempts-1, successes, duplicates)
	}
	if f.orders.count() != 1 {
		t.Fatalf("expected exactly one order, got %d", f.orders.count())
	}
}

func TestSubmissionServiceRejectsUnknownToken(t *testing.T) {
	f := newSubmissionFixture(t)
	_, err := f.svc.Submit(context.Background(), SubmitCommand{
		OwnerID: "user-1", Token: "never-issued", Items: defaultSelection(), ExpectedTotal: 50,
	})
	if !errors.Is(err, ErrDuplicateSubmission) {
		t.Fatalf("expected ErrDuplicateSubmission, got %v", err)
	}
}

func TestSubmissionServiceValidatesCommandBeforeConsumingToken(t *testing.T) {
	f := newSubmissionFixture(t)
	f.issue(t, "tok-1")

	if _, err := f.svc.Submit(context.Background(), SubmitCommand{Token: "tok-1", Items: defaultSelection()}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected ErrOrderInvalidInput for missing owner, got %v", err)
	}
	if f.store.Len() != 1 {
		t.Fatalf("expected token to remain registered")
	}
}

func TestSubmissionServiceEmptySelectionConsumesToken(t *testing.T) {
	f := newSubmissionFixture(t)
	f.issue(t, "tok-1")

	_, err := f.svc.Submit(context.Background(), SubmitCommand{OwnerID: "user-1", Token: "tok-1"})
	if !errors.Is(err, ErrEmptySelection) {
		t.Fatalf("expected ErrEmptySelection, got %v", err)
	}
	_, err = f.svc.Submit(context.Background(), SubmitCommand{
		OwnerID: "user-1", Token: "tok-1", Items: defaultSelection(), ExpectedTotal: 50,
	})
	if !errors.Is(err, ErrDuplicateSubmission) {
		t.Fatalf("expected retry with stale token to be a duplicate, got %v", err)
	}
}

func TestSubmissionServicePriceGate(t *testing.T) {
	cases := []struct {
		name     string
		prices   map[string]int64
		expected int64
	}{
		{name: "first item repriced", prices: map[string]int64{"sku-10": 11, "sku-20": 20}, expected: 50},
		{name: "second item repriced", prices: map[string]int64{"sku-10": 10, "sku-20": 19}, expected: 50},
		{name: "sku removed from catalog prices at zero", prices: map[string]int64{"sku-20": 20}, expected: 50},
		{name: "client tampered total", prices: map[string]int64{"sku-10": 10, "sku-20": 20}, expected: 1},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newSubmissionFixture(t)
			f.inventory.prices = tc.prices
			f.issue(t, "tok-1")

			_, err := f.svc.Submit(context.Background(), SubmitCommand{
				OwnerID: "user-1", Token: "tok-1", Items: defaultSelection(), ExpectedTotal: tc.expected,
			})
			if !errors.Is(err, ErrPriceStale) {
				t.Fatalf("expected ErrPriceStale, got %v", err)
			}
			if len(f.inventory.reserved) != 0 || f.orders.count() != 0 {
				t.Fatalf("expected no reservation or order after price gate failure")
			}
		})
	}
}

func TestSubmissionServiceRejectsOverflowingTotals(t *testing.T) {
	cases := []struct {
		name     string
		prices   map[string]int64
		items    []domain.ItemSelection
		expected int64
	}{
		{
			name:     "subtotal wraps to a small total",
			prices:   map[string]int64{"sku-4": 4},
			items:    []domain.ItemSelection{{SKUID: "sku-4", Quantity: 1<<62 + 1, UnitPrice: 4}},
			expected: 4,
		},
		{
			name:   "sum of subtotals wraps",
			prices: map[string]int64{"sku-a": math.MaxInt64 / 2, "sku-b": math.MaxInt64 / 2},
			items: []domain.ItemSelection{
				{SKUID: "sku-a", Quantity: 2, UnitPrice: math.MaxInt64 / 2},
				{SKUID: "sku-b", Quantity: 2, UnitPrice: math.MaxInt64 / 2},
			},
			expected: -4,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newSubmissionFixture(t)
			f.inventory.prices = tc.prices
			f.issue(t, "tok-1")

			_, err := f.svc.Submit(context.Background(), SubmitCommand{
				OwnerID: "user-1", Token: "tok-1", Items: tc.items, ExpectedTotal: tc.expected,
			})
			if !errors.Is(err, ErrOrderInvalidInput) {
				t.Fatalf("expected ErrOrderInvalidInput, got %v", err)
			}
			if len(f.inventory.reserved) != 0 || f.orders.count() != 0 {
				t.Fatalf("expected no reservation or order after overflow")
			}
		})
	}
}

func TestSubmissionServicePricingOutage(t *testing.T) {
	f := newSubmissionFixture(t)
	f.inventory.priceErr = ErrUpstreamUnavailable
	f.issue(t, "tok-1")

	_, err := f.svc.Submit(context.Background(), SubmitCommand{
		OwnerID: "user-1", Token: "tok-1", Items: defaultSelection(), ExpectedTotal: 50,
	})
	if !errors.Is(err, ErrUpstreamUnavailable) {
		t.Fatalf("expected ErrUpstreamUnavailable, got %v", err)
	}
}

func TestSubmissionServiceReservationFailureCreatesNothing(t *testing.T) {
	f := newSubmissionFixture(t)
	f.inventory.reserveErr = ErrInsufficientStock
	f.issue(t, "tok-1")

	_, err := f.svc.Submit(context.Background(), SubmitCommand{
		OwnerID: "user-1", Token: "tok-1", Items: defaultSelection(), ExpectedTotal: 50,
	})
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
	if f.orders.count() != 0 {
		t.Fatalf("expected no order after failed reservation")
	}
	if len(f.inventory.released) != 0 {
		t.Fatalf("expected nothing to compensate, got releases %v", f.inventory.released)
	}
	if len(f.publisher.tokens) != 0 {
		t.Fatalf("expected no deferred close message")
	}
}

func TestSubmissionServicePersistFailureReleasesStock(t *testing.T) {
	f := newSubmissionFixture(t)
	f.orders.createErr = errBoom
	f.issue(t, "tok-1")

	_, err := f.svc.Submit(context.Background(), SubmitCommand{
		OwnerID: "user-1", Token: "tok-1", Items: defaultSelection(), ExpectedTotal: 50,
	})
	if !errors.Is(err, errBoom) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if len(f.inventory.released) != 1 || f.inventory.released[0] != "tok-1" {
		t.Fatalf("expected reservation released, got %v", f.inventory.released)
	}
}

func TestSubmissionServicePublishFailureUnwindsOrderAndStock(t *testing.T) {
	f := newSubmissionFixture(t)
	f.publisher.err = errBoom
	f.issue(t, "tok-1")

	_, err := f.svc.Submit(context.Background(), SubmitCommand{
		OwnerID: "user-1", Token: "tok-1", Items: defaultSelection(), ExpectedTotal: 50,
	})
	if !errors.Is(err, ErrUpstreamUnavailable) || !errors.Is(err, errBoom) {
		t.Fatalf("expected publish failure surfaced as upstream error, got %v", err)
	}
	if f.orders.count() != 0 || len(f.orders.deletes) != 1 {
		t.Fatalf("expected persisted order to be deleted, deletes=%v", f.orders.deletes)
	}
	if len(f.inventory.released) != 1 {
		t.Fatalf("expected reservation released, got %v", f.inventory.released)
	}
	if _, err := f.svc.Submit(context.Background(), SubmitCommand{
		OwnerID: "user-1", Token: "tok-1", Items: defaultSelection(), ExpectedTotal: 50,
	}); !errors.Is(err, ErrDuplicateSubmission) {
		t.Fatalf("expected token to stay consumed, got %v", err)
	}
}

func TestSubmissionServiceCompensationFailureIsLoggedNotReturned(t *testing.T) {
	f := newSubmissionFixture(t)
	f.publisher.err = errors.New("broker down")
	f.inventory.releaseErr = errors.New("inventory down")
	f.issue(t, "tok-1")

	_, err := f.svc.Submit(context.Background(), SubmitCommand{
		OwnerID: "user-1", Token: "tok-1", Items: defaultSelection(), ExpectedTotal: 50,
	})
	if err == nil || errors.Is(err, f.inventory.releaseErr) {
		t.Fatalf("expected original publish error, got %v", err)
	}
	event, ok := f.events.find(eventSubmissionCompensationFailed)
	if !ok {
		t.Fatalf("expected %s event", eventSubmissionCompensationFailed)
	}
	if event.fields["step"] != stepReserveStock || event.fields["token"] != "tok-1" {
		t.Fatalf("unexpected compensation event fields %v", event.fields)
	}
}

func TestSubmissionServiceSnapshotsSelectionPrices(t *testing.T) {
	f := newSubmissionFixture(t)
	// live prices differ per item but give the same total as the selection
	f.inventory.prices = map[string]int64{"sku-10": 20, "sku-20": 15}
	f.issue(t, "tok-1")

	if _, err := f.svc.Submit(context.Background(), SubmitCommand{
		OwnerID: "user-1", Token: "tok-1", Items: defaultSelection(), ExpectedTotal: 50,
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	order, _ := f.orders.FindByOrderNumber(context.Background(), "tok-1")
	want := map[string]int64{"sku-10": 10, "sku-20": 20}
	for _, item := range order.Items {
		if item.UnitPrice != want[item.SKUID] {
			t.Fatalf("expected selection price %d for %s, got %d", want[item.SKUID], item.SKUID, item.UnitPrice)
		}
		if item.ImageURL == "" || item.Title == "" {
			t.Fatalf("expected selection title and image kept, got %+v", item)
		}
	}
}

func TestSubmissionServiceSanitizesRemark(t *testing.T) {
	f := newSubmissionFixture(t)
	f.issue(t, "tok-1")

	if _, err := f.svc.Submit(context.Background(), SubmitCommand{
		OwnerID:       "user-1",
		Token:         "tok-1",
		Items:         defaultSelection(),
		ExpectedTotal: 50,
		Remark:        `<script>alert(1)</script><b>gift</b> & wrap`,
	}); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	order, _ := f.orders.FindByOrderNumber(context.Background(), "tok-1")
	if order.Remark != "gift & wrap" {
		t.Fatalf("expected sanitized remark, got %q", order.Remark)
	}
	if order.SourceChannel != domain.SourceChannelApp {
		t.Fatalf("expected default source channel, got %s", order.SourceChannel)
	}
}

func TestNewSubmissionServiceRequiresCollaborators(t *testing.T) {
	if _, err := NewSubmissionService(SubmissionServiceDeps{}); err == nil {
		t.Fatal("expected error for missing dependencies")
	}
}
