package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	domain "github.com/blazecity/api/internal/domain"
	"github.com/blazecity/api/internal/platform/requestctx"
	"github.com/blazecity/api/internal/repositories"
)

var (
	// ErrOrderInvalidInput signals the caller provided invalid data.
	ErrOrderInvalidInput = errors.New("order: invalid input")
	// ErrOrderNotFound indicates the order could not be located.
	ErrOrderNotFound = errors.New("order: not found")
	// ErrOrderForbidden indicates the actor may not access or mutate the order.
	ErrOrderForbidden = errors.New("order: forbidden")
	// ErrOrderInvalidTransition indicates an invalid status transition was attempted.
	ErrOrderInvalidTransition = errors.New("order: invalid status transition")
	// ErrOrderConflict indicates optimistic concurrency conflicts or duplicates.
	ErrOrderConflict = errors.New("order: conflict")
	// ErrOrderUnavailable indicates the order store could not be reached.
	ErrOrderUnavailable = errors.New("order: store unavailable")
)

var orderStatusTransitions = map[domain.OrderStatus][]domain.OrderStatus{
	domain.OrderStatusPending:    {domain.OrderStatusProcessing, domain.OrderStatusCancelled},
	domain.OrderStatusProcessing: {domain.OrderStatusShipped, domain.OrderStatusCancelled},
	domain.OrderStatusShipped:    {domain.OrderStatusDelivered, domain.OrderStatusCancelled},
}

func canTransition(current, target domain.OrderStatus) bool {
	return slices.Contains(orderStatusTransitions[current], target)
}

// OrderServiceDeps bundles collaborators required to construct the order service.
type OrderServiceDeps struct {
	Orders        repositories.OrderRepository
	Users         repositories.UserDirectory
	Notifications NotificationPublisher
	Clock         func() time.Time
}

type orderService struct {
	orders        repositories.OrderRepository
	users         repositories.UserDirectory
	notifications NotificationPublisher
	clock         func() time.Time
}

// NewOrderService wires dependencies into a concrete OrderService implementation.
func NewOrderService(deps OrderServiceDeps) (OrderService, error) {
	if deps.Orders == nil {
		return nil, errors.New("order service: order repository is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	return &orderService{
		orders:        deps.Orders,
		users:         deps.Users,
		notifications: deps.Notifications,
		clock: func() time.Time {
			return clock().UTC()
		},
	}, nil
}

func (s *orderService) GetOrder(ctx context.Context, query GetOrderQuery) (domain.Order, error) {
	orderID := strings.TrimSpace(query.OrderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	order, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		mapped := mapOrderRepositoryError(err)
		// Non-admins learn nothing about orders they do not own, including
		// whether they exist.
		if !query.Actor.Admin && errors.Is(mapped, ErrOrderNotFound) {
			return domain.Order{}, ErrOrderForbidden
		}
		return domain.Order{}, mapped
	}

	if !query.Actor.Admin && order.UserID != query.Actor.UserID {
		return domain.Order{}, ErrOrderForbidden
	}

	return order, nil
}

func (s *orderService) ListMyOrders(ctx context.Context, actor Actor) ([]domain.Order, error) {
	userID := strings.TrimSpace(actor.UserID)
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrOrderInvalidInput)
	}

	orders, err := s.orders.ListByUser(ctx, userID)
	if err != nil {
		return nil, mapOrderRepositoryError(err)
	}
	return orders, nil
}

func (s *orderService) ListAllOrders(ctx context.Context, query ListOrdersQuery) ([]domain.Order, error) {
	orders, err := s.orders.List(ctx, repositories.OrderListFilter{
		UserID: strings.TrimSpace(query.UserID),
		Status: query.Status,
		Limit:  query.Limit,
	})
	if err != nil {
		return nil, mapOrderRepositoryError(err)
	}

	s.attachOwners(ctx, orders)
	return orders, nil
}

// attachOwners resolves display summaries for distinct order owners. Lookup
// failures degrade to an id-only summary rather than failing the listing.
func (s *orderService) attachOwners(ctx context.Context, orders []domain.Order) {
	if s.users == nil {
		return
	}

	summaries := make(map[string]domain.UserSummary)
	for i := range orders {
		userID := orders[i].UserID
		if userID == "" {
			continue
		}
		summary, ok := summaries[userID]
		if !ok {
			resolved, err := s.users.Lookup(ctx, userID)
			if err != nil {
				requestctx.Logger(ctx).Warn("order owner lookup failed",
					zap.String("user_id", userID),
					zap.Error(err),
				)
				resolved = domain.UserSummary{ID: userID}
			}
			summary = resolved
			summaries[userID] = summary
		}
		owner := summary
		orders[i].Owner = &owner
	}
}

func (s *orderService) UpdateStatus(ctx context.Context, cmd UpdateOrderStatusCommand) (domain.Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}
	target := cmd.TargetStatus
	if !target.Valid() {
		return domain.Order{}, fmt.Errorf("%w: unknown status %q", ErrOrderInvalidInput, target)
	}

	updated, err := s.orders.UpdateStatus(ctx, orderID, target, func(current domain.Order) error {
		if cmd.ExpectedStatus != nil && current.Status != *cmd.ExpectedStatus {
			return fmt.Errorf("%w: expected status %q but was %q", ErrOrderConflict, *cmd.ExpectedStatus, current.Status)
		}
		if !canTransition(current.Status, target) {
			return fmt.Errorf("%w: %s to %s", ErrOrderInvalidTransition, current.Status, target)
		}
		return nil
	})
	if err != nil {
		return domain.Order{}, mapOrderRepositoryError(err)
	}

	s.notifyStatusUpdate(ctx, updated)

	return updated, nil
}

func (s *orderService) DeleteOrder(ctx context.Context, orderID string) error {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return fmt.Errorf("%w: order id is required", ErrOrderInvalidInput)
	}

	if err := s.orders.Delete(ctx, orderID); err != nil {
		return mapOrderRepositoryError(err)
	}
	return nil
}

func (s *orderService) Stats(ctx context.Context) (domain.OrderStats, error) {
	stats, err := s.orders.Stats(ctx)
	if err != nil {
		return domain.OrderStats{}, mapOrderRepositoryError(err)
	}
	return stats, nil
}

func (s *orderService) notifyStatusUpdate(ctx context.Context, order domain.Order) {
	if s.notifications == nil || order.Shipping.Email == "" {
		return
	}

	message := NotificationMessage{
		Kind:           NotificationStatusUpdate,
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		UserID:         order.UserID,
		RecipientEmail: order.Shipping.Email,
		Status:         string(order.Status),
		Amount:         order.TotalAmount,
		QueuedAt:       s.clock(),
	}
	if _, err := s.notifications.PublishNotification(ctx, message); err != nil {
		requestctx.Logger(ctx).Warn("status update notification failed",
			zap.String("order_id", order.ID),
			zap.String("status", string(order.Status)),
			zap.Error(err),
		)
	}
}

func mapOrderRepositoryError(err error) error {
	if err == nil {
		return nil
	}

	// Guard rejections surface unchanged through the transactional update.
	if errors.Is(err, ErrOrderInvalidTransition) ||
		errors.Is(err, ErrOrderConflict) ||
		errors.Is(err, ErrOrderForbidden) {
		return err
	}

	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		switch {
		case repoErr.IsNotFound():
			return fmt.Errorf("%w: %v", ErrOrderNotFound, err)
		case repoErr.IsConflict():
			return fmt.Errorf("%w: %v", ErrOrderConflict, err)
		case repoErr.IsUnavailable():
			return fmt.Errorf("%w: %v", ErrOrderUnavailable, err)
		}
	}

	return err
}
