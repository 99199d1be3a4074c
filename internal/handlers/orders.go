package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/hanko-field/oms/internal/domain"
	"github.com/hanko-field/oms/internal/platform/auth"
	"github.com/hanko-field/oms/internal/platform/httpx"
	"github.com/hanko-field/oms/internal/services"
)

var knownSourceChannels = map[domain.SourceChannel]struct{}{
	domain.SourceChannelApp:         {},
	domain.SourceChannelWeb:         {},
	domain.SourceChannelMiniProgram: {},
}

type confirmOrderRequest struct {
	SKUID    string `json:"sku_id"`
	Quantity int    `json:"quantity"`
}

type submitOrderItem struct {
	SKUID     string `json:"sku_id"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
	Title     string `json:"title"`
	ImageURL  string `json:"image_url"`
}

type submitOrderRequest struct {
	OrderToken    string            `json:"order_token"`
	Items         []submitOrderItem `json:"items"`
	TotalPrice    int64             `json:"total_price"`
	Remark        string            `json:"remark"`
	SourceChannel string            `json:"source_channel"`
}

type submitOrderResponse struct {
	ID          string `json:"id"`
	OrderNumber string `json:"order_number"`
}

type selectionPayload struct {
	SKUID     string `json:"sku_id"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
	Title     string `json:"title"`
	ImageURL  string `json:"image_url,omitempty"`
	Subtotal  int64  `json:"subtotal"`
}

type addressPayload struct {
	ID         string `json:"id"`
	Recipient  string `json:"recipient"`
	Phone      string `json:"phone,omitempty"`
	Region     string `json:"region,omitempty"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	PostalCode string `json:"postal_code,omitempty"`
	Default    bool   `json:"default"`
}

type confirmationResponse struct {
	OrderToken string             `json:"order_token"`
	Items      []selectionPayload `json:"items"`
	Addresses  []addressPayload   `json:"addresses"`
	TotalPrice int64              `json:"total_price"`
}

type orderItemPayload struct {
	SKUID     string `json:"sku_id"`
	Title     string `json:"title"`
	UnitPrice int64  `json:"unit_price"`
	ImageURL  string `json:"image_url,omitempty"`
	Quantity  int    `json:"quantity"`
	Subtotal  int64  `json:"subtotal"`
}

type orderPayload struct {
	ID            string             `json:"id"`
	OrderNumber   string             `json:"order_number"`
	Status        string             `json:"status"`
	StatusText    string             `json:"status_text"`
	SourceChannel string             `json:"source_channel"`
	Remark        string             `json:"remark,omitempty"`
	TotalPrice    int64              `json:"total_price"`
	Items         []orderItemPayload `json:"items"`
	CreatedAt     string             `json:"created_at"`
	UpdatedAt     string             `json:"updated_at"`
	ClosedAt      string             `json:"closed_at,omitempty"`
}

type orderListResponse struct {
	Items []orderPayload `json:"items"`
}

type orderResponse struct {
	Order orderPayload `json:"order"`
}

// OrderHandlers exposes member order endpoints.
type OrderHandlers struct {
	confirmation services.ConfirmationService
	submission   services.SubmissionService
	orders       services.OrderService
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(confirmation services.ConfirmationService, submission services.SubmissionService, orders services.OrderService) *OrderHandlers {
	return &OrderHandlers{
		confirmation: confirmation,
		submission:   submission,
		orders:       orders,
	}
}

// Routes registers the order endpoints relative to the API root so that the
// ":confirm" verb can sit directly on the collection path.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/orders:confirm", h.confirmOrder)
	r.Post("/orders", h.submitOrder)
	r.Get("/orders", h.listOrders)
	r.Get("/orders/{orderID}", h.getOrder)
	r.Post("/orders/{orderID}:cancel", h.cancelOrder)
	r.Delete("/orders/{orderID}", h.deleteOrder)
}

func (h *OrderHandlers) confirmOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.confirmation == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "confirmation service unavailable", http.StatusServiceUnavailable))
		return
	}
	ownerID, ok := requireOwner(ctx, w)
	if !ok {
		return
	}

	// an empty body confirms the member's cart
	var req confirmOrderRequest
	if err := httpx.DecodeJSON(r, &req); err != nil && !errors.Is(err, httpx.ErrEmptyBody) {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	confirmation, err := h.confirmation.Confirm(ctx, services.ConfirmCommand{
		OwnerID:  ownerID,
		SKUID:    strings.TrimSpace(req.SKUID),
		Quantity: req.Quantity,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	resp := confirmationResponse{
		OrderToken: confirmation.Token,
		Items:      make([]selectionPayload, 0, len(confirmation.Items)),
		Addresses:  make([]addressPayload, 0, len(confirmation.Addresses)),
		TotalPrice: domain.SelectionTotal(confirmation.Items),
	}
	for _, item := range confirmation.Items {
		resp.Items = append(resp.Items, selectionPayload{
			SKUID:     item.SKUID,
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Title:     item.Title,
			ImageURL:  item.ImageURL,
			Subtotal:  item.Subtotal(),
		})
	}
	for _, addr := range confirmation.Addresses {
		resp.Addresses = append(resp.Addresses, addressPayload{
			ID:         addr.ID,
			Recipient:  addr.Recipient,
			Phone:      addr.Phone,
			Region:     addr.Region,
			Line1:      addr.Line1,
			Line2:      addr.Line2,
			PostalCode: addr.PostalCode,
			Default:    addr.Default,
		})
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (h *OrderHandlers) submitOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.submission == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "submission service unavailable", http.StatusServiceUnavailable))
		return
	}
	ownerID, ok := requireOwner(ctx, w)
	if !ok {
		return
	}

	var req submitOrderRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
		return
	}

	channel := domain.SourceChannel(strings.ToLower(strings.TrimSpace(req.SourceChannel)))
	if _, known := knownSourceChannels[channel]; channel != "" && !known {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "source_channel is not supported", http.StatusBadRequest))
		return
	}

	items := make([]services.ItemSelection, 0, len(req.Items))
	for _, item := range req.Items {
		items = append(items, services.ItemSelection{
			SKUID:     strings.TrimSpace(item.SKUID),
			Quantity:  item.Quantity,
			UnitPrice: item.UnitPrice,
			Title:     item.Title,
			ImageURL:  item.ImageURL,
		})
	}

	result, err := h.submission.Submit(ctx, services.SubmitCommand{
		OwnerID:       ownerID,
		Token:         req.OrderToken,
		Items:         items,
		ExpectedTotal: req.TotalPrice,
		Remark:        req.Remark,
		SourceChannel: channel,
	})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, submitOrderResponse{ID: result.OrderID, OrderNumber: result.OrderNumber})
}

func (h *OrderHandlers) listOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	ownerID, ok := requireOwner(ctx, w)
	if !ok {
		return
	}

	query := services.ListOrdersQuery{OwnerID: ownerID, Locale: requestLocale(r)}
	if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
		status := domain.OrderStatus(strings.ToLower(raw))
		if !status.Valid() {
			httpx.WriteError(ctx, w, httpx.NewError("invalid_request", "status filter is not supported", http.StatusBadRequest))
			return
		}
		query.Status = &status
	}

	views, err := h.orders.ListOrders(ctx, query)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	resp := orderListResponse{Items: make([]orderPayload, 0, len(views))}
	for _, view := range views {
		resp.Items = append(resp.Items, buildOrderPayload(view))
	}
	httpx.WriteJSON(w, http.StatusOK, resp)
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	ownerID, ok := requireOwner(ctx, w)
	if !ok {
		return
	}
	orderID, ok := requireOrderID(w, r)
	if !ok {
		return
	}

	view, err := h.orders.GetOrder(ctx, ownerID, orderID, requestLocale(r))
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(view)})
}

func (h *OrderHandlers) cancelOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	ownerID, ok := requireOwner(ctx, w)
	if !ok {
		return
	}
	orderID, ok := requireOrderID(w, r)
	if !ok {
		return
	}

	order, err := h.orders.CancelOrder(ctx, ownerID, orderID)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	view := services.OrderView{Order: order, StatusText: domain.StatusText(order.Status, requestLocale(r))}
	httpx.WriteJSON(w, http.StatusOK, orderResponse{Order: buildOrderPayload(view)})
}

func (h *OrderHandlers) deleteOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order_service_unavailable", "order service unavailable", http.StatusServiceUnavailable))
		return
	}
	ownerID, ok := requireOwner(ctx, w)
	if !ok {
		return
	}
	orderID, ok := requireOrderID(w, r)
	if !ok {
		return
	}

	if err := h.orders.DeleteOrder(ctx, ownerID, orderID); err != nil {
		writeOrderError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func requireOwner(ctx context.Context, w http.ResponseWriter) (string, bool) {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity.OwnerID() == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return "", false
	}
	return identity.OwnerID(), true
}

func requireOrderID(w http.ResponseWriter, r *http.Request) (string, bool) {
	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(r.Context(), w, httpx.NewError("invalid_request", "order id is required", http.StatusBadRequest))
		return "", false
	}
	return orderID, true
}

// requestLocale prefers Accept-Language and falls back to the token's locale claim.
func requestLocale(r *http.Request) string {
	if header := strings.TrimSpace(r.Header.Get("Accept-Language")); header != "" {
		return header
	}
	if identity, ok := auth.IdentityFromContext(r.Context()); ok {
		return identity.Locale
	}
	return ""
}

func buildOrderPayload(view services.OrderView) orderPayload {
	payload := orderPayload{
		ID:            view.ID,
		OrderNumber:   view.OrderNumber,
		Status:        string(view.Status),
		StatusText:    view.StatusText,
		SourceChannel: string(view.SourceChannel),
		Remark:        view.Remark,
		TotalPrice:    view.Total(),
		Items:         make([]orderItemPayload, 0, len(view.Items)),
		CreatedAt:     formatTime(view.CreatedAt),
		UpdatedAt:     formatTime(view.UpdatedAt),
	}
	if view.ClosedAt != nil {
		payload.ClosedAt = formatTime(*view.ClosedAt)
	}
	for _, item := range view.Items {
		payload.Items = append(payload.Items, orderItemPayload{
			SKUID:     item.SKUID,
			Title:     item.Title,
			UnitPrice: item.UnitPrice,
			ImageURL:  item.ImageURL,
			Quantity:  item.Quantity,
			Subtotal:  item.Subtotal(),
		})
	}
	return payload
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrDuplicateSubmission):
		httpx.WriteError(ctx, w, httpx.NewError("duplicate_submission", "order token already used or expired", http.StatusConflict))
	case errors.Is(err, services.ErrEmptySelection):
		httpx.WriteError(ctx, w, httpx.NewError("empty_selection", "no items selected", http.StatusBadRequest))
	case errors.Is(err, services.ErrPriceStale):
		httpx.WriteError(ctx, w, httpx.NewError("price_stale", "prices changed, please confirm again", http.StatusConflict))
	case errors.Is(err, services.ErrInsufficientStock):
		httpx.WriteError(ctx, w, httpx.NewError("insufficient_stock", "insufficient stock", http.StatusConflict))
	case errors.Is(err, services.ErrInvalidStateTransition):
		httpx.WriteError(ctx, w, httpx.NewError("order_invalid_state", "order is not in a state that allows this action", http.StatusConflict))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order_not_found", "order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError("invalid_request", err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrUpstreamUnavailable):
		httpx.WriteError(ctx, w, httpx.NewError("upstream_unavailable", "a dependency is unavailable, retry later", http.StatusServiceUnavailable))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("order_error", "failed to process order request", http.StatusInternalServerError))
	}
}
