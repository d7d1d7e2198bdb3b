package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	domain "github.com/blazecity/api/internal/domain"
	"github.com/blazecity/api/internal/payments"
	"github.com/blazecity/api/internal/platform/auth"
	"github.com/blazecity/api/internal/services"
)

type stubOrderService struct {
	getFn     func(context.Context, services.GetOrderQuery) (domain.Order, error)
	listMyFn  func(context.Context, services.Actor) ([]domain.Order, error)
	listAllFn func(context.Context, services.ListOrdersQuery) ([]domain.Order, error)
	updateFn  func(context.Context, services.UpdateOrderStatusCommand) (domain.Order, error)
	deleteFn  func(context.Context, string) error
	statsFn   func(context.Context) (domain.OrderStats, error)
}

func (s *stubOrderService) GetOrder(ctx context.Context, query services.GetOrderQuery) (domain.Order, error) {
	if s.getFn != nil {
		return s.getFn(ctx, query)
	}
	return domain.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) ListMyOrders(ctx context.Context, actor services.Actor) ([]domain.Order, error) {
	if s.listMyFn != nil {
		return s.listMyFn(ctx, actor)
	}
	return nil, nil
}

func (s *stubOrderService) ListAllOrders(ctx context.Context, query services.ListOrdersQuery) ([]domain.Order, error) {
	if s.listAllFn != nil {
		return s.listAllFn(ctx, query)
	}
	return nil, nil
}

func (s *stubOrderService) UpdateStatus(ctx context.Context, cmd services.UpdateOrderStatusCommand) (domain.Order, error) {
	if s.updateFn != nil {
		return s.updateFn(ctx, cmd)
	}
	return domain.Order{}, errors.New("not implemented")
}

func (s *stubOrderService) DeleteOrder(ctx context.Context, orderID string) error {
	if s.deleteFn != nil {
		return s.deleteFn(ctx, orderID)
	}
	return nil
}

func (s *stubOrderService) Stats(ctx context.Context) (domain.OrderStats, error) {
	if s.statsFn != nil {
		return s.statsFn(ctx)
	}
	return domain.OrderStats{}, nil
}

type stubCheckoutService struct {
	startFn   func(context.Context, services.StartCheckoutCommand) (services.CheckoutSession, error)
	verifyFn  func(context.Context, services.VerifyPaymentQuery) (payments.Transaction, error)
	confirmFn func(context.Context, services.ConfirmPaymentCommand) (domain.Order, error)
	paymentFn func(context.Context, services.UpdateOrderPaymentCommand) (domain.Order, error)
	settleFn  func(context.Context, string) (domain.Order, bool, error)
}

func (s *stubCheckoutService) StartCheckout(ctx context.Context, cmd services.StartCheckoutCommand) (services.CheckoutSession, error) {
	if s.startFn != nil {
		return s.startFn(ctx, cmd)
	}
	return services.CheckoutSession{}, errors.New("not implemented")
}

func (s *stubCheckoutService) VerifyPayment(ctx context.Context, query services.VerifyPaymentQuery) (payments.Transaction, error) {
	if s.verifyFn != nil {
		return s.verifyFn(ctx, query)
	}
	return payments.Transaction{}, errors.New("not implemented")
}

func (s *stubCheckoutService) ConfirmPayment(ctx context.Context, cmd services.ConfirmPaymentCommand) (domain.Order, error) {
	if s.confirmFn != nil {
		return s.confirmFn(ctx, cmd)
	}
	return domain.Order{}, errors.New("not implemented")
}

func (s *stubCheckoutService) UpdatePayment(ctx context.Context, cmd services.UpdateOrderPaymentCommand) (domain.Order, error) {
	if s.paymentFn != nil {
		return s.paymentFn(ctx, cmd)
	}
	return domain.Order{}, errors.New("not implemented")
}

func (s *stubCheckoutService) SettleReference(ctx context.Context, reference string) (domain.Order, bool, error) {
	if s.settleFn != nil {
		return s.settleFn(ctx, reference)
	}
	return domain.Order{}, false, errors.New("not implemented")
}

func newOrderRouter(orders services.OrderService, checkout services.CheckoutService) chi.Router {
	handler := NewOrderHandlers(nil, orders, checkout)
	router := chi.NewRouter()
	router.Route("/orders", handler.Routes)
	return router
}

func withUser(req *http.Request, uid string, roles ...string) *http.Request {
	return req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: uid, Email: uid + "@example.com", Roles: roles}))
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var payload map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to parse response: %v", err)
	}
	return payload
}

func sampleOrder() domain.Order {
	paidAt := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	return domain.Order{
		ID:          "ord_123",
		OrderNumber: "LP12345678001",
		UserID:      "user-1",
		Items: []domain.OrderLineItem{
			{ProductRef: "prod-1", Name: "Widget", UnitPrice: 1000, Quantity: 2},
		},
		TotalAmount: 2000,
		Shipping: domain.ShippingInfo{
			FirstName: "Ada",
			LastName:  "Lovelace",
			Email:     "shopper@example.com",
			Street:    "1 Analytical Way",
			City:      "Lagos",
			ZipCode:   "100001",
		},
		Status: domain.OrderStatusProcessing,
		Payment: domain.PaymentInfo{
			Reference: "ref-123",
			Status:    domain.PaymentStatusSuccess,
			PaidAt:    &paidAt,
		},
		CreatedAt: paidAt,
		UpdatedAt: paidAt,
	}
}

func TestCreateOrderConfirmsPayment(t *testing.T) {
	var captured services.ConfirmPaymentCommand
	checkout := &stubCheckoutService{
		confirmFn: func(_ context.Context, cmd services.ConfirmPaymentCommand) (domain.Order, error) {
			captured = cmd
			return sampleOrder(), nil
		},
	}
	router := newOrderRouter(&stubOrderService{}, checkout)

	body := `{
		"items":[{"productRef":"prod-1","name":"Widget","unitPrice":1000,"quantity":2}],
		"totalAmount":2000,
		"shippingInfo":{"firstName":"Ada","lastName":"Lovelace","email":"shopper@example.com","street":"1 Analytical Way","city":"Lagos","zipCode":"100001"},
		"paymentReference":"ref-123"
	}`
	req := withUser(httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(body)), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.Reference != "ref-123" || captured.Actor.UserID != "user-1" {
		t.Fatalf("unexpected command %#v", captured)
	}
	if len(captured.Items) != 1 || captured.Items[0].Quantity != 2 {
		t.Fatalf("unexpected items %#v", captured.Items)
	}

	payload := decodeBody(t, rr)
	if payload["success"] != true {
		t.Fatalf("expected success envelope, got %v", payload)
	}
	order, ok := payload["order"].(map[string]any)
	if !ok {
		t.Fatalf("expected order payload, got %v", payload)
	}
	if order["orderStatus"] != "processing" {
		t.Fatalf("expected processing status, got %v", order["orderStatus"])
	}
}

func TestCreateOrderRequiresReference(t *testing.T) {
	router := newOrderRouter(&stubOrderService{}, &stubCheckoutService{})

	req := withUser(httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(`{"items":[]}`)), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	payload := decodeBody(t, rr)
	if payload["success"] != false {
		t.Fatalf("expected failure envelope, got %v", payload)
	}
}

func TestCreateOrderPaymentNotConfirmed(t *testing.T) {
	checkout := &stubCheckoutService{
		confirmFn: func(context.Context, services.ConfirmPaymentCommand) (domain.Order, error) {
			return domain.Order{}, services.ErrCheckoutPaymentNotConfirmed
		},
	}
	router := newOrderRouter(&stubOrderService{}, checkout)

	body := `{"items":[{"productRef":"p","unitPrice":10,"quantity":1}],"shippingInfo":{},"paymentReference":"ref-1"}`
	req := withUser(httptest.NewRequest(http.MethodPost, "/orders", strings.NewReader(body)), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusPaymentRequired {
		t.Fatalf("expected 402, got %d", rr.Code)
	}
	payload := decodeBody(t, rr)
	if msg, _ := payload["message"].(string); !strings.Contains(msg, "payment could not be confirmed") {
		t.Fatalf("expected actionable message, got %v", payload)
	}
}

func TestGetOrderTranslatesForbidden(t *testing.T) {
	orders := &stubOrderService{
		getFn: func(context.Context, services.GetOrderQuery) (domain.Order, error) {
			return domain.Order{}, services.ErrOrderForbidden
		},
	}
	router := newOrderRouter(orders, &stubCheckoutService{})

	req := withUser(httptest.NewRequest(http.MethodGet, "/orders/ord_123", nil), "user-2")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rr.Code)
	}
}

func TestListMyOrders(t *testing.T) {
	orders := &stubOrderService{
		listMyFn: func(_ context.Context, actor services.Actor) ([]domain.Order, error) {
			if actor.UserID != "user-1" {
				t.Fatalf("unexpected actor %#v", actor)
			}
			return []domain.Order{sampleOrder()}, nil
		},
	}
	router := newOrderRouter(orders, &stubCheckoutService{})

	req := withUser(httptest.NewRequest(http.MethodGet, "/orders/my-orders", nil), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	payload := decodeBody(t, rr)
	list, ok := payload["orders"].([]any)
	if !ok || len(list) != 1 {
		t.Fatalf("expected one order, got %v", payload)
	}
}

func TestUpdatePaymentParsesPaidAt(t *testing.T) {
	var captured services.UpdateOrderPaymentCommand
	checkout := &stubCheckoutService{
		paymentFn: func(_ context.Context, cmd services.UpdateOrderPaymentCommand) (domain.Order, error) {
			captured = cmd
			return sampleOrder(), nil
		},
	}
	router := newOrderRouter(&stubOrderService{}, checkout)

	body := `{"status":"success","paidAt":"2026-08-30T12:00:00Z"}`
	req := withUser(httptest.NewRequest(http.MethodPut, "/orders/ord_123/payment", strings.NewReader(body)), "user-1")
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.Status != domain.PaymentStatusSuccess {
		t.Fatalf("expected success status, got %s", captured.Status)
	}
	if captured.PaidAt == nil || !captured.PaidAt.Equal(time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected paidAt %v", captured.PaidAt)
	}
}

func TestAdminUpdateStatus(t *testing.T) {
	var captured services.UpdateOrderStatusCommand
	orders := &stubOrderService{
		updateFn: func(_ context.Context, cmd services.UpdateOrderStatusCommand) (domain.Order, error) {
			captured = cmd
			order := sampleOrder()
			order.Status = cmd.TargetStatus
			return order, nil
		},
	}
	router := newOrderRouter(orders, &stubCheckoutService{})

	body := `{"orderStatus":"shipped","expectedStatus":"processing"}`
	req := withUser(httptest.NewRequest(http.MethodPut, "/orders/admin/ord_123/status", strings.NewReader(body)), "admin-1", auth.RoleAdmin)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.TargetStatus != domain.OrderStatusShipped {
		t.Fatalf("expected shipped target, got %s", captured.TargetStatus)
	}
	if captured.ExpectedStatus == nil || *captured.ExpectedStatus != domain.OrderStatusProcessing {
		t.Fatalf("expected processing precondition, got %v", captured.ExpectedStatus)
	}
}

func TestAdminUpdateStatusInvalidTransition(t *testing.T) {
	orders := &stubOrderService{
		updateFn: func(context.Context, services.UpdateOrderStatusCommand) (domain.Order, error) {
			return domain.Order{}, services.ErrOrderInvalidTransition
		},
	}
	router := newOrderRouter(orders, &stubCheckoutService{})

	req := withUser(httptest.NewRequest(http.MethodPut, "/orders/admin/ord_123/status", strings.NewReader(`{"orderStatus":"pending"}`)), "admin-1", auth.RoleAdmin)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestAdminStats(t *testing.T) {
	orders := &stubOrderService{
		statsFn: func(context.Context) (domain.OrderStats, error) {
			return domain.OrderStats{TotalOrders: 3, PendingOrders: 1, ProcessingOrders: 1, DeliveredOrders: 1, TotalRevenue: 3000}, nil
		},
	}
	router := newOrderRouter(orders, &stubCheckoutService{})

	req := withUser(httptest.NewRequest(http.MethodGet, "/orders/admin/stats", nil), "admin-1", auth.RoleAdmin)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	payload := decodeBody(t, rr)
	if payload["totalRevenue"] != float64(3000) || payload["totalOrders"] != float64(3) {
		t.Fatalf("unexpected stats payload %v", payload)
	}
}

func TestAdminListAllValidatesStatus(t *testing.T) {
	router := newOrderRouter(&stubOrderService{}, &stubCheckoutService{})

	req := withUser(httptest.NewRequest(http.MethodGet, "/orders/admin/all?status=bogus", nil), "admin-1", auth.RoleAdmin)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
}

func TestAdminDeleteOrder(t *testing.T) {
	deleted := ""
	orders := &stubOrderService{
		deleteFn: func(_ context.Context, orderID string) error {
			deleted = orderID
			return nil
		},
	}
	router := newOrderRouter(orders, &stubCheckoutService{})

	req := withUser(httptest.NewRequest(http.MethodDelete, "/orders/admin/ord_123", nil), "admin-1", auth.RoleAdmin)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if deleted != "ord_123" {
		t.Fatalf("expected delete for ord_123, got %q", deleted)
	}
}
