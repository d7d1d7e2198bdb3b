package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	domain "github.com/blazecity/api/internal/domain"
	"github.com/blazecity/api/internal/platform/auth"
	"github.com/blazecity/api/internal/platform/httpx"
	"github.com/blazecity/api/internal/platform/requestctx"
	"github.com/blazecity/api/internal/services"
)

const (
	maxOrderBodySize    = 256 * 1024
	maxOrderListLimit   = 200
	defaultOrderListCap = 0
)

type createOrderRequest struct {
	Items            []orderItemRequest `json:"items"`
	TotalAmount      float64            `json:"totalAmount"`
	Shipping         shippingRequest    `json:"shippingInfo"`
	PaymentReference string             `json:"paymentReference"`
	Provider         string             `json:"provider"`
	Currency         string             `json:"currency"`
}

type updatePaymentRequest struct {
	Status string `json:"status"`
	PaidAt string `json:"paidAt"`
}

type updateStatusRequest struct {
	OrderStatus    string `json:"orderStatus"`
	ExpectedStatus string `json:"expectedStatus"`
}

// OrderHandlers exposes customer order endpoints and the admin back office.
type OrderHandlers struct {
	authn    *auth.Authenticator
	orders   services.OrderService
	checkout services.CheckoutService
}

// NewOrderHandlers constructs a new OrderHandlers instance.
func NewOrderHandlers(authn *auth.Authenticator, orders services.OrderService, checkout services.CheckoutService) *OrderHandlers {
	return &OrderHandlers{
		authn:    authn,
		orders:   orders,
		checkout: checkout,
	}
}

// Routes registers the /orders endpoints.
func (h *OrderHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}

	r.Group(func(user chi.Router) {
		if h.authn != nil {
			user.Use(h.authn.RequireFirebaseAuth())
		}
		user.Post("/", h.createOrder)
		user.Get("/my-orders", h.listMyOrders)
		user.Get("/{orderID}", h.getOrder)
		user.Put("/{orderID}/payment", h.updatePayment)
	})

	r.Route("/admin", func(admin chi.Router) {
		if h.authn != nil {
			admin.Use(h.authn.RequireFirebaseAuth(auth.RoleAdmin))
		}
		admin.Get("/all", h.listAllOrders)
		admin.Get("/stats", h.stats)
		admin.Put("/{orderID}/status", h.updateStatus)
		admin.Delete("/{orderID}", h.deleteOrder)
	})
}

// createOrder settles the gateway reference supplied by the client and
// persists the order. Replays with an already-settled reference return the
// existing order.
func (h *OrderHandlers) createOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	actor, ok := actorFromContext(ctx)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("authentication required", http.StatusUnauthorized))
		return
	}

	body, err := readLimitedBody(r, maxOrderBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req createOrderRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid JSON body", http.StatusBadRequest))
		return
	}
	if strings.TrimSpace(req.PaymentReference) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("paymentReference is required", http.StatusBadRequest))
		return
	}

	order, err := h.checkout.ConfirmPayment(ctx, services.ConfirmPaymentCommand{
		Actor:     actor,
		Reference: strings.TrimSpace(req.PaymentReference),
		Provider:  req.Provider,
		Currency:  req.Currency,
		Items:     toDomainItems(req.Items),
		Shipping:  req.Shipping.toDomain(),
	})
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}

	httpx.WriteSuccess(ctx, w, http.StatusCreated, map[string]any{
		"order": buildOrderPayload(order),
	})
}

func (h *OrderHandlers) listMyOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order service unavailable", http.StatusServiceUnavailable))
		return
	}

	actor, ok := actorFromContext(ctx)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("authentication required", http.StatusUnauthorized))
		return
	}

	orders, err := h.orders.ListMyOrders(ctx, actor)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	httpx.WriteSuccess(ctx, w, http.StatusOK, map[string]any{
		"orders": buildOrderPayloads(orders),
	})
}

func (h *OrderHandlers) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order service unavailable", http.StatusServiceUnavailable))
		return
	}

	actor, ok := actorFromContext(ctx)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("authentication required", http.StatusUnauthorized))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("order id is required", http.StatusBadRequest))
		return
	}

	order, err := h.orders.GetOrder(ctx, services.GetOrderQuery{OrderID: orderID, Actor: actor})
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	httpx.WriteSuccess(ctx, w, http.StatusOK, map[string]any{
		"order": buildOrderPayload(order),
	})
}

func (h *OrderHandlers) updatePayment(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	actor, ok := actorFromContext(ctx)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("authentication required", http.StatusUnauthorized))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("order id is required", http.StatusBadRequest))
		return
	}

	body, err := readLimitedBody(r, maxOrderBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req updatePaymentRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid JSON body", http.StatusBadRequest))
		return
	}

	cmd := services.UpdateOrderPaymentCommand{
		OrderID: orderID,
		Actor:   actor,
		Status:  domain.PaymentStatus(strings.ToLower(strings.TrimSpace(req.Status))),
	}
	if raw := strings.TrimSpace(req.PaidAt); raw != "" {
		paidAt, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			httpx.WriteError(ctx, w, httpx.NewError("paidAt must be a valid RFC3339 timestamp", http.StatusBadRequest))
			return
		}
		cmd.PaidAt = &paidAt
	}

	order, err := h.checkout.UpdatePayment(ctx, cmd)
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}

	httpx.WriteSuccess(ctx, w, http.StatusOK, map[string]any{
		"order": buildOrderPayload(order),
	})
}

func (h *OrderHandlers) listAllOrders(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order service unavailable", http.StatusServiceUnavailable))
		return
	}

	query := r.URL.Query()
	filter := services.ListOrdersQuery{
		UserID: strings.TrimSpace(query.Get("userId")),
		Limit:  defaultOrderListCap,
	}
	for _, raw := range query["status"] {
		status, ok := domain.ParseOrderStatus(raw)
		if !ok {
			httpx.WriteError(ctx, w, httpx.NewError("status must be a valid order status", http.StatusBadRequest))
			return
		}
		filter.Status = append(filter.Status, status)
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			httpx.WriteError(ctx, w, httpx.NewError("limit must be a non-negative integer", http.StatusBadRequest))
			return
		}
		if limit > maxOrderListLimit {
			limit = maxOrderListLimit
		}
		filter.Limit = limit
	}

	orders, err := h.orders.ListAllOrders(ctx, filter)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	httpx.WriteSuccess(ctx, w, http.StatusOK, map[string]any{
		"orders": buildOrderPayloads(orders),
	})
}

func (h *OrderHandlers) updateStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order service unavailable", http.StatusServiceUnavailable))
		return
	}

	actor, ok := actorFromContext(ctx)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("authentication required", http.StatusUnauthorized))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("order id is required", http.StatusBadRequest))
		return
	}

	body, err := readLimitedBody(r, maxOrderBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req updateStatusRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid JSON body", http.StatusBadRequest))
		return
	}

	target, ok := domain.ParseOrderStatus(req.OrderStatus)
	if !ok {
		httpx.WriteError(ctx, w, httpx.NewError("orderStatus must be a valid order status", http.StatusBadRequest))
		return
	}

	cmd := services.UpdateOrderStatusCommand{
		OrderID:      orderID,
		TargetStatus: target,
		Actor:        actor,
	}
	if raw := strings.TrimSpace(req.ExpectedStatus); raw != "" {
		expected, ok := domain.ParseOrderStatus(raw)
		if !ok {
			httpx.WriteError(ctx, w, httpx.NewError("expectedStatus must be a valid order status", http.StatusBadRequest))
			return
		}
		cmd.ExpectedStatus = &expected
	}

	order, err := h.orders.UpdateStatus(ctx, cmd)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	httpx.WriteSuccess(ctx, w, http.StatusOK, map[string]any{
		"order": buildOrderPayload(order),
	})
}

func (h *OrderHandlers) deleteOrder(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order service unavailable", http.StatusServiceUnavailable))
		return
	}

	orderID := strings.TrimSpace(chi.URLParam(r, "orderID"))
	if orderID == "" {
		httpx.WriteError(ctx, w, httpx.NewError("order id is required", http.StatusBadRequest))
		return
	}

	if err := h.orders.DeleteOrder(ctx, orderID); err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	httpx.WriteSuccess(ctx, w, http.StatusOK, map[string]any{
		"message": "order deleted",
	})
}

func (h *OrderHandlers) stats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.orders == nil {
		httpx.WriteError(ctx, w, httpx.NewError("order service unavailable", http.StatusServiceUnavailable))
		return
	}

	stats, err := h.orders.Stats(ctx)
	if err != nil {
		writeOrderError(ctx, w, err)
		return
	}

	httpx.WriteSuccess(ctx, w, http.StatusOK, map[string]any{
		"totalOrders":      stats.TotalOrders,
		"pendingOrders":    stats.PendingOrders,
		"processingOrders": stats.ProcessingOrders,
		"deliveredOrders":  stats.DeliveredOrders,
		"totalRevenue":     stats.TotalRevenue,
	})
}

func writeOrderError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError(err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderInvalidTransition):
		httpx.WriteError(ctx, w, httpx.NewError(err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrOrderForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", http.StatusForbidden))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError(err.Error(), http.StatusConflict))
	default:
		requestctx.Logger(ctx).Error("order request failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("failed to process order request", http.StatusInternalServerError))
	}
}
