package services

import (
	"context"
	"errors"
	"testing"
	"time"

	domain "github.com/blazecity/api/internal/domain"
	"github.com/blazecity/api/internal/repositories"
)

type stubOrderRepo struct {
	insertFn        func(context.Context, domain.Order) error
	findFn          func(context.Context, string) (domain.Order, error)
	findByRefFn     func(context.Context, string) (domain.Order, bool, error)
	listByUserFn    func(context.Context, string) ([]domain.Order, error)
	listFn          func(context.Context, repositories.OrderListFilter) ([]domain.Order, error)
	updateStatusFn  func(context.Context, string, domain.OrderStatus, repositories.OrderGuard) (domain.Order, error)
	updatePaymentFn func(context.Context, string, domain.PaymentInfo, *domain.OrderStatus, repositories.OrderGuard) (domain.Order, error)
	deleteFn        func(context.Context, string) error
	statsFn         func(context.Context) (domain.OrderStats, error)
}

func (s *stubOrderRepo) Insert(ctx context.Context, order domain.Order) error {
	if s.insertFn != nil {
		return s.insertFn(ctx, order)
	}
	return nil
}

func (s *stubOrderRepo) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	if s.findFn != nil {
		return s.findFn(ctx, orderID)
	}
	return domain.Order{}, errors.New("not implemented")
}

func (s *stubOrderRepo) FindByPaymentReference(ctx context.Context, reference string) (domain.Order, bool, error) {
	if s.findByRefFn != nil {
		return s.findByRefFn(ctx, reference)
	}
	return domain.Order{}, false, nil
}

func (s *stubOrderRepo) ListByUser(ctx context.Context, userID string) ([]domain.Order, error) {
	if s.listByUserFn != nil {
		return s.listByUserFn(ctx, userID)
	}
	return nil, nil
}

func (s *stubOrderRepo) List(ctx context.Context, filter repositories.OrderListFilter) ([]domain.Order, error) {
	if s.listFn != nil {
		return s.listFn(ctx, filter)
	}
	return nil, nil
}

func (s *stubOrderRepo) UpdateStatus(ctx context.Context, orderID string, next domain.OrderStatus, guard repositories.OrderGuard) (domain.Order, error) {
	if s.updateStatusFn != nil {
		return s.updateStatusFn(ctx, orderID, next, guard)
	}
	return domain.Order{}, errors.New("not implemented")
}

func (s *stubOrderRepo) UpdatePayment(ctx context.Context, orderID string, payment domain.PaymentInfo, next *domain.OrderStatus, guard repositories.OrderGuard) (domain.Order, error) {
	if s.updatePaymentFn != nil {
		return s.updatePaymentFn(ctx, orderID, payment, next, guard)
	}
	return domain.Order{}, errors.New("not implemented")
}

func (s *stubOrderRepo) Delete(ctx context.Context, orderID string) error {
	if s.deleteFn != nil {
		return s.deleteFn(ctx, orderID)
	}
	return nil
}

func (s *stubOrderRepo) Stats(ctx context.Context) (domain.OrderStats, error) {
	if s.statsFn != nil {
		return s.statsFn(ctx)
	}
	return domain.OrderStats{}, nil
}

type stubUserDirectory struct {
	lookupFn func(context.Context, string) (domain.UserSummary, error)
}

func (s *stubUserDirectory) Lookup(ctx context.Context, userID string) (domain.UserSummary, error) {
	if s.lookupFn != nil {
		return s.lookupFn(ctx, userID)
	}
	return domain.UserSummary{}, errors.New("not implemented")
}

type capturePublisher struct {
	messages []NotificationMessage
	err      error
}

func (c *capturePublisher) PublishNotification(_ context.Context, message NotificationMessage) (string, error) {
	if c.err != nil {
		return "", c.err
	}
	c.messages = append(c.messages, message)
	return "msg-1", nil
}

type repoFailure struct {
	notFound    bool
	conflict    bool
	unavailable bool
}

func (repoFailure) Error() string        { return "repository failure" }
func (e repoFailure) IsNotFound() bool    { return e.notFound }
func (e repoFailure) IsConflict() bool    { return e.conflict }
func (e repoFailure) IsUnavailable() bool { return e.unavailable }

func newTestOrderService(t *testing.T, deps OrderServiceDeps) OrderService {
	t.Helper()
	svc, err := NewOrderService(deps)
	if err != nil {
		t.Fatalf("NewOrderService: %v", err)
	}
	return svc
}

func TestOrderServiceGetOrderOwnerAndAdmin(t *testing.T) {
	ctx := context.Background()
	repo := &stubOrderRepo{
		findFn: func(_ context.Context, orderID string) (domain.Order, error) {
			return domain.Order{ID: orderID, UserID: "uid-owner"}, nil
		},
	}
	svc := newTestOrderService(t, OrderServiceDeps{Orders: repo})

	if _, err := svc.GetOrder(ctx, GetOrderQuery{OrderID: "ord_1", Actor: Actor{UserID: "uid-owner"}}); err != nil {
		t.Fatalf("owner access: %v", err)
	}
	if _, err := svc.GetOrder(ctx, GetOrderQuery{OrderID: "ord_1", Actor: Actor{UserID: "uid-admin", Admin: true}}); err != nil {
		t.Fatalf("admin access: %v", err)
	}
	if _, err := svc.GetOrder(ctx, GetOrderQuery{OrderID: "ord_1", Actor: Actor{UserID: "uid-other"}}); !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("expected ErrOrderForbidden, got %v", err)
	}
}

func TestOrderServiceGetOrderMapsNotFound(t *testing.T) {
	repo := &stubOrderRepo{
		findFn: func(context.Context, string) (domain.Order, error) {
			return domain.Order{}, repoFailure{notFound: true}
		},
	}
	svc := newTestOrderService(t, OrderServiceDeps{Orders: repo})

	_, err := svc.GetOrder(context.Background(), GetOrderQuery{OrderID: "ord_missing", Actor: Actor{Admin: true}})
	if !errors.Is(err, ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}

	// Non-admins cannot distinguish missing orders from foreign ones.
	_, err = svc.GetOrder(context.Background(), GetOrderQuery{OrderID: "ord_missing", Actor: Actor{UserID: "uid-1"}})
	if !errors.Is(err, ErrOrderForbidden) {
		t.Fatalf("expected ErrOrderForbidden, got %v", err)
	}
}

func TestOrderServiceListAllOrdersAttachesOwners(t *testing.T) {
	repo := &stubOrderRepo{
		listFn: func(context.Context, repositories.OrderListFilter) ([]domain.Order, error) {
			return []domain.Order{
				{ID: "ord_1", UserID: "uid-1"},
				{ID: "ord_2", UserID: "uid-1"},
				{ID: "ord_3", UserID: "uid-broken"},
			}, nil
		},
	}
	lookups := 0
	users := &stubUserDirectory{
		lookupFn: func(_ context.Context, userID string) (domain.UserSummary, error) {
			lookups++
			if userID == "uid-broken" {
				return domain.UserSummary{}, errors.New("user record gone")
			}
			return domain.UserSummary{ID: userID, Name: "Ada", Email: "ada@example.com"}, nil
		},
	}
	svc := newTestOrderService(t, OrderServiceDeps{Orders: repo, Users: users})

	orders, err := svc.ListAllOrders(context.Background(), ListOrdersQuery{})
	if err != nil {
		t.Fatalf("ListAllOrders: %v", err)
	}
	if lookups != 2 {
		t.Fatalf("expected one lookup per distinct user, got %d", lookups)
	}
	if orders[0].Owner == nil || orders[0].Owner.Email != "ada@example.com" {
		t.Fatalf("expected enriched owner, got %#v", orders[0].Owner)
	}
	if orders[2].Owner == nil || orders[2].Owner.ID != "uid-broken" || orders[2].Owner.Email != "" {
		t.Fatalf("expected degraded owner summary, got %#v", orders[2].Owner)
	}
}

func TestOrderServiceUpdateStatusValidTransition(t *testing.T) {
	now := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	current := domain.Order{
		ID:          "ord_1",
		OrderNumber: "LP12345678001",
		UserID:      "uid-1",
		Status:      domain.OrderStatusProcessing,
		TotalAmount: 125.50,
		Shipping:    domain.ShippingInfo{Email: "shopper@example.com"},
	}
	repo := &stubOrderRepo{
		updateStatusFn: func(_ context.Context, orderID string, next domain.OrderStatus, guard repositories.OrderGuard) (domain.Order, error) {
			if err := guard(current); err != nil {
				return domain.Order{}, err
			}
			updated := current
			updated.Status = next
			return updated, nil
		},
	}
	publisher := &capturePublisher{}
	svc := newTestOrderService(t, OrderServiceDeps{
		Orders:        repo,
		Notifications: publisher,
		Clock:         func() time.Time { return now },
	})

	updated, err := svc.UpdateStatus(context.Background(), UpdateOrderStatusCommand{
		OrderID:      "ord_1",
		TargetStatus: domain.OrderStatusShipped,
		Actor:        Actor{UserID: "uid-admin", Admin: true},
	})
	if err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if updated.Status != domain.OrderStatusShipped {
		t.Fatalf("expected shipped, got %s", updated.Status)
	}
	if len(publisher.messages) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(publisher.messages))
	}
	msg := publisher.messages[0]
	if msg.Kind != NotificationStatusUpdate || msg.RecipientEmail != "shopper@example.com" || msg.Status != "shipped" {
		t.Fatalf("unexpected notification %#v", msg)
	}
	if !msg.QueuedAt.Equal(now) {
		t.Fatalf("expected queuedAt %v, got %v", now, msg.QueuedAt)
	}
}

func TestOrderServiceUpdateStatusRejectsInvalidTransition(t *testing.T) {
	current := domain.Order{ID: "ord_1", Status: domain.OrderStatusDelivered}
	repo := &stubOrderRepo{
		updateStatusFn: func(_ context.Context, _ string, _ domain.OrderStatus, guard repositories.OrderGuard) (domain.Order, error) {
			if err := guard(current); err != nil {
				return domain.Order{}, err
			}
			t.Fatal("guard should have rejected the transition")
			return domain.Order{}, nil
		},
	}
	publisher := &capturePublisher{}
	svc := newTestOrderService(t, OrderServiceDeps{Orders: repo, Notifications: publisher})

	_, err := svc.UpdateStatus(context.Background(), UpdateOrderStatusCommand{
		OrderID:      "ord_1",
		TargetStatus: domain.OrderStatusProcessing,
		Actor:        Actor{Admin: true},
	})
	if !errors.Is(err, ErrOrderInvalidTransition) {
		t.Fatalf("expected ErrOrderInvalidTransition, got %v", err)
	}
	if len(publisher.messages) != 0 {
		t.Fatalf("no notification expected, got %d", len(publisher.messages))
	}
}

func TestOrderServiceUpdateStatusRespectsExpectedStatus(t *testing.T) {
	current := domain.Order{ID: "ord_1", Status: domain.OrderStatusShipped}
	repo := &stubOrderRepo{
		updateStatusFn: func(_ context.Context, _ string, _ domain.OrderStatus, guard repositories.OrderGuard) (domain.Order, error) {
			if err := guard(current); err != nil {
				return domain.Order{}, err
			}
			return current, nil
		},
	}
	svc := newTestOrderService(t, OrderServiceDeps{Orders: repo})

	expected := domain.OrderStatusProcessing
	_, err := svc.UpdateStatus(context.Background(), UpdateOrderStatusCommand{
		OrderID:        "ord_1",
		TargetStatus:   domain.OrderStatusShipped,
		ExpectedStatus: &expected,
		Actor:          Actor{Admin: true},
	})
	if !errors.Is(err, ErrOrderConflict) {
		t.Fatalf("expected ErrOrderConflict, got %v", err)
	}
}

func TestOrderServiceUpdateStatusRejectsUnknownStatus(t *testing.T) {
	svc := newTestOrderService(t, OrderServiceDeps{Orders: &stubOrderRepo{}})

	_, err := svc.UpdateStatus(context.Background(), UpdateOrderStatusCommand{
		OrderID:      "ord_1",
		TargetStatus: domain.OrderStatus("archived"),
		Actor:        Actor{Admin: true},
	})
	if !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected ErrOrderInvalidInput, got %v", err)
	}
}

func TestOrderServiceStatusUpdateNotificationFailureIsSwallowed(t *testing.T) {
	current := domain.Order{
		ID:       "ord_1",
		Status:   domain.OrderStatusPending,
		Shipping: domain.ShippingInfo{Email: "shopper@example.com"},
	}
	repo := &stubOrderRepo{
		updateStatusFn: func(_ context.Context, _ string, next domain.OrderStatus, guard repositories.OrderGuard) (domain.Order, error) {
			if err := guard(current); err != nil {
				return domain.Order{}, err
			}
			updated := current
			updated.Status = next
			return updated, nil
		},
	}
	publisher := &capturePublisher{err: errors.New("broker down")}
	svc := newTestOrderService(t, OrderServiceDeps{Orders: repo, Notifications: publisher})

	if _, err := svc.UpdateStatus(context.Background(), UpdateOrderStatusCommand{
		OrderID:      "ord_1",
		TargetStatus: domain.OrderStatusProcessing,
		Actor:        Actor{Admin: true},
	}); err != nil {
		t.Fatalf("publish failure must not surface: %v", err)
	}
}

func TestOrderServiceListMyOrdersRequiresUser(t *testing.T) {
	svc := newTestOrderService(t, OrderServiceDeps{Orders: &stubOrderRepo{}})

	if _, err := svc.ListMyOrders(context.Background(), Actor{}); !errors.Is(err, ErrOrderInvalidInput) {
		t.Fatalf("expected ErrOrderInvalidInput, got %v", err)
	}
}

func TestOrderServiceStats(t *testing.T) {
	repo := &stubOrderRepo{
		statsFn: func(context.Context) (domain.OrderStats, error) {
			return domain.OrderStats{TotalOrders: 5, PendingOrders: 1, ProcessingOrders: 2, DeliveredOrders: 1, TotalRevenue: 742.25}, nil
		},
	}
	svc := newTestOrderService(t, OrderServiceDeps{Orders: repo})

	stats, err := svc.Stats(context.Background())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.TotalOrders != 5 || stats.TotalRevenue != 742.25 {
		t.Fatalf("unexpected stats %#v", stats)
	}
}
