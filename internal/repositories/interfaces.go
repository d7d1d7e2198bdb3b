package repositories

import (
	"context"

	domain "github.com/blazecity/api/internal/domain"
)

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// OrderGuard inspects the current state of an order inside a transactional
// update. Returning an error aborts the mutation and surfaces the error
// unchanged to the caller.
type OrderGuard func(current domain.Order) error

// OrderRepository persists order documents and provides query helpers for
// shoppers and admins.
type OrderRepository interface {
	Insert(ctx context.Context, order domain.Order) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	// FindByPaymentReference returns the order settled by the given gateway
	// reference, or false when no such order exists.
	FindByPaymentReference(ctx context.Context, reference string) (domain.Order, bool, error)
	ListByUser(ctx context.Context, userID string) ([]domain.Order, error)
	List(ctx context.Context, filter OrderListFilter) ([]domain.Order, error)
	UpdateStatus(ctx context.Context, orderID string, next domain.OrderStatus, guard OrderGuard) (domain.Order, error)
	UpdatePayment(ctx context.Context, orderID string, payment domain.PaymentInfo, next *domain.OrderStatus, guard OrderGuard) (domain.Order, error)
	Delete(ctx context.Context, orderID string) error
	Stats(ctx context.Context) (domain.OrderStats, error)
}

// OrderListFilter narrows admin order listings.
type OrderListFilter struct {
	UserID string
	Status []domain.OrderStatus
	Limit  int
}

// UserDirectory resolves account identifiers into displayable summaries for
// admin order listings.
type UserDirectory interface {
	Lookup(ctx context.Context, userID string) (domain.UserSummary, error)
}

// HealthRepository exposes status of downstream dependencies for health checks.
type HealthRepository interface {
	Collect(ctx context.Context) (domain.SystemHealthReport, error)
}
