package services

import (
	"context"
	"errors"
	"fmt"
	"html"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/hanko-field/oms/internal/domain"
	"github.com/hanko-field/oms/internal/platform/saga"
	"github.com/hanko-field/oms/internal/platform/tokens"
	"github.com/hanko-field/oms/internal/repositories"
)

const (
	eventSubmissionCreated            = "submission.created"
	eventSubmissionCompensationFailed = "submission.compensation_failed"

	stepReserveStock = "reserve_stock"
	stepPersistOrder = "persist_order"

	defaultCloseDelay = 30 * time.Minute
	maxRemarkRunes    = 500
)

var submissionTracer = otel.Tracer("github.com/hanko-field/oms/internal/services")

// SubmissionServiceDeps bundles the collaborators required to construct a submission service.
type SubmissionServiceDeps struct {
	Tokens         tokens.Store
	Inventory      InventoryService
	Orders         repositories.OrderRepository
	Publisher      DeferredClosePublisher
	CloseDelay     time.Duration
	DefaultChannel domain.SourceChannel
	RemarkPolicy   *bluemonday.Policy
	Clock          func() time.Time
	Logger         func(ctx context.Context, event string, fields map[string]any)
	Tracer         trace.Tracer
}

type submissionService struct {
	tokens     tokens.Store
	inventory  InventoryService
	orders     repositories.OrderRepository
	publisher  DeferredClosePublisher
	closeDelay time.Duration
	channel    domain.SourceChannel
	remark     *bluemonday.Policy
	clock      func() time.Time
	logger     func(context.Context, string, map[string]any)
	tracer     trace.Tracer
}

// NewSubmissionService wires dependencies into a concrete SubmissionService implementation.
func NewSubmissionService(deps SubmissionServiceDeps) (SubmissionService, error) {
	if deps.Tokens == nil {
		return nil, errors.New("submission service: token store is required")
	}
	if deps.Inventory == nil {
		return nil, errors.New("submission service: inventory service is required")
	}
	if deps.Orders == nil {
		return nil, errors.New("submission service: order repository is required")
	}
	if deps.Publisher == nil {
		return nil, errors.New("submission service: deferred close publisher is required")
	}

	delay := deps.CloseDelay
	if delay <= 0 {
		delay = defaultCloseDelay
	}
	channel := deps.DefaultChannel
	if channel == "" {
		channel = domain.SourceChannelApp
	}
	policy := deps.RemarkPolicy
	if policy == nil {
		policy = bluemonday.StrictPolicy()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = submissionTracer
	}

	return &submissionService{
		tokens:     deps.Tokens,
		inventory:  deps.Inventory,
		orders:     deps.Orders,
		publisher:  deps.Publisher,
		closeDelay: delay,
		channel:    channel,
		remark:     policy,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
		tracer: tracer,
	}, nil
}

// Submit consumes the token, re-prices, reserves stock, persists the order and schedules
// its automatic close. Any failure after the token is consumed unwinds completed steps;
// the token is never restored.
func (s *submissionService) Submit(ctx context.Context, cmd SubmitCommand) (result SubmitResult, err error) {
	ownerID := strings.TrimSpace(cmd.OwnerID)
	token := strings.TrimSpace(cmd.Token)
	if ownerID == "" {
		return SubmitResult{}, fmt.Errorf("%w: owner id is required", ErrOrderInvalidInput)
	}
	if token == "" {
		return SubmitResult{}, fmt.Errorf("%w: order token is required", ErrOrderInvalidInput)
	}

	ctx, span := s.tracer.Start(ctx, "orders.submit", trace.WithAttributes(attribute.String("order.token", token)))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	consumed, err := s.tokens.DeleteIfEquals(ctx, tokens.Key(token), token)
	if err != nil {
		return SubmitResult{}, upstreamError("consume token", err)
	}
	if !consumed {
		return SubmitResult{}, ErrDuplicateSubmission
	}
	span.AddEvent("token.consumed")

	tx := saga.New(saga.WithFailureHandler(func(ctx context.Context, step string, cerr error) {
		s.logger(ctx, eventSubmissionCompensationFailed, map[string]any{
			"token": token,
			"step":  step,
			"error": cerr.Error(),
		})
	}))
	defer func() {
		if err != nil {
			tx.Compensate(ctx)
		}
	}()

	if len(cmd.Items) == 0 {
		return SubmitResult{}, ErrEmptySelection
	}
	for _, item := range cmd.Items {
		if strings.TrimSpace(item.SKUID) == "" || item.Quantity <= 0 {
			return SubmitResult{}, fmt.Errorf("%w: every item needs a sku and a positive quantity", ErrOrderInvalidInput)
		}
	}

	live, err := s.liveTotal(ctx, cmd.Items)
	if err != nil {
		return SubmitResult{}, err
	}
	if live != cmd.ExpectedTotal {
		return SubmitResult{}, fmt.Errorf("%w: expected %d, live total %d", ErrPriceStale, cmd.ExpectedTotal, live)
	}
	span.AddEvent("price.verified")

	lines := make([]StockReservationLine, 0, len(cmd.Items))
	for _, item := range cmd.Items {
		lines = append(lines, StockReservationLine{SKUID: strings.TrimSpace(item.SKUID), Quantity: item.Quantity})
	}
	if err := s.inventory.Reserve(ctx, token, lines); err != nil {
		return SubmitResult{}, err
	}
	tx.Record(stepReserveStock, func(ctx context.Context) error {
		return s.inventory.Release(ctx, token)
	})
	span.AddEvent("stock.reserved")

	now := s.clock()
	order, err := s.orders.Create(ctx, domain.Order{
		OrderNumber:   token,
		Status:        domain.OrderStatusPendingPayment,
		SourceChannel: s.sourceChannel(cmd.SourceChannel),
		OwnerID:       ownerID,
		Remark:        s.sanitizeRemark(cmd.Remark),
		Items:         snapshotItems(cmd.Items),
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		if isRepoConflict(err) {
			return SubmitResult{}, fmt.Errorf("%w: %w", ErrDuplicateSubmission, err)
		}
		return SubmitResult{}, fmt.Errorf("submission: persist order: %w", err)
	}
	tx.Record(stepPersistOrder, func(ctx context.Context) error {
		if err := s.orders.Delete(ctx, order.ID); err != nil && !isRepoNotFound(err) {
			return err
		}
		return nil
	})
	span.AddEvent("order.persisted", trace.WithAttributes(attribute.String("order.id", order.ID)))

	if err := s.publisher.PublishDeferredClose(ctx, token, s.closeDelay); err != nil {
		return SubmitResult{}, upstreamError("schedule deferred close", err)
	}
	tx.Complete()

	s.logger(ctx, eventSubmissionCreated, map[string]any{
		"orderId":     order.ID,
		"orderNumber": order.OrderNumber,
		"ownerId":     ownerID,
		"total":       live,
	})
	return SubmitResult{OrderID: order.ID, OrderNumber: order.OrderNumber}, nil
}

// liveTotal prices every item at its current catalog price. SKUs that no longer resolve
// contribute zero. A total that does not fit in int64 is rejected as invalid input.
func (s *submissionService) liveTotal(ctx context.Context, items []ItemSelection) (int64, error) {
	var total int64
	for _, item := range items {
		price, err := s.inventory.Price(ctx, strings.TrimSpace(item.SKUID))
		if err != nil {
			return 0, err
		}
		qty := int64(item.Quantity)
		if price < 0 || qty <= 0 {
			return 0, fmt.Errorf("%w: sku %s cannot be priced", ErrOrderInvalidInput, item.SKUID)
		}
		if price > 0 && qty > math.MaxInt64/price {
			return 0, fmt.Errorf("%w: subtotal for sku %s overflows", ErrOrderInvalidInput, item.SKUID)
		}
		subtotal := price * qty
		if total > math.MaxInt64-subtotal {
			return 0, fmt.Errorf("%w: order total overflows", ErrOrderInvalidInput)
		}
		total += subtotal
	}
	return total, nil
}

func (s *submissionService) sourceChannel(channel domain.SourceChannel) domain.SourceChannel {
	if trimmed := domain.SourceChannel(strings.TrimSpace(string(channel))); trimmed != "" {
		return trimmed
	}
	return s.channel
}

// sanitizeRemark strips markup and stores the remark as plain text.
func (s *submissionService) sanitizeRemark(remark string) string {
	cleaned := strings.TrimSpace(html.UnescapeString(s.remark.Sanitize(remark)))
	if utf8.RuneCountInString(cleaned) > maxRemarkRunes {
		cleaned = string([]rune(cleaned)[:maxRemarkRunes])
	}
	return cleaned
}

// snapshotItems copies the selection-time price, title and image onto the order lines.
func snapshotItems(items []ItemSelection) []OrderItem {
	result := make([]OrderItem, 0, len(items))
	for _, item := range items {
		result = append(result, OrderItem{
			SKUID:     strings.TrimSpace(item.SKUID),
			Title:     item.Title,
			UnitPrice: item.UnitPrice,
			ImageURL:  item.ImageURL,
			Quantity:  item.Quantity,
		})
	}
	return result
}
