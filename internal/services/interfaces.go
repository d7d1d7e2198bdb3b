package services

import (
	"context"
	"time"

	domain "github.com/blazecity/api/internal/domain"
	"github.com/blazecity/api/internal/payments"
)

// NotificationKind identifies the template a notification job renders.
type NotificationKind string

const (
	// NotificationOrderConfirmation is the customer-facing confirmation email.
	NotificationOrderConfirmation NotificationKind = "order.confirmation"
	// NotificationAdminOrderAlert notifies the back office of a new order.
	NotificationAdminOrderAlert NotificationKind = "order.admin_alert"
	// NotificationStatusUpdate informs the customer of a fulfilment change.
	NotificationStatusUpdate NotificationKind = "order.status_update"
)

// NotificationMessage is the payload published for the external mail worker.
type NotificationMessage struct {
	Kind           NotificationKind `json:"kind"`
	OrderID        string           `json:"orderId"`
	OrderNumber    string           `json:"orderNumber"`
	UserID         string           `json:"userId,omitempty"`
	RecipientEmail string           `json:"recipientEmail"`
	Status         string           `json:"status,omitempty"`
	Amount         float64          `json:"amount"`
	QueuedAt       time.Time        `json:"queuedAt"`
}

// NotificationPublisher enqueues notification jobs for asynchronous delivery.
// Implementations return the broker-assigned message id.
type NotificationPublisher interface {
	PublishNotification(ctx context.Context, message NotificationMessage) (string, error)
}

// Actor identifies the authenticated caller for authorisation decisions.
type Actor struct {
	UserID string
	Email  string
	Admin  bool
}

// GetOrderQuery fetches a single order on behalf of an actor.
type GetOrderQuery struct {
	OrderID string
	Actor   Actor
}

// ListOrdersQuery narrows the admin order listing.
type ListOrdersQuery struct {
	UserID string
	Status []domain.OrderStatus
	Limit  int
}

// UpdateOrderStatusCommand requests an explicit fulfilment transition.
type UpdateOrderStatusCommand struct {
	OrderID        string
	TargetStatus   domain.OrderStatus
	ExpectedStatus *domain.OrderStatus
	Actor          Actor
}

// OrderService exposes order reads and the admin lifecycle operations.
type OrderService interface {
	GetOrder(ctx context.Context, query GetOrderQuery) (domain.Order, error)
	ListMyOrders(ctx context.Context, actor Actor) ([]domain.Order, error)
	ListAllOrders(ctx context.Context, query ListOrdersQuery) ([]domain.Order, error)
	UpdateStatus(ctx context.Context, cmd UpdateOrderStatusCommand) (domain.Order, error)
	DeleteOrder(ctx context.Context, orderID string) error
	Stats(ctx context.Context) (domain.OrderStats, error)
}

// StartCheckoutCommand carries the cart snapshot handed to the gateway.
type StartCheckoutCommand struct {
	Actor       Actor
	Email       string
	Items       []domain.OrderLineItem
	Shipping    domain.ShippingInfo
	Currency    string
	Provider    string
	CallbackURL string
}

// CheckoutSession is the gateway handle returned to the client for redirect.
type CheckoutSession struct {
	Provider         string
	Reference        string
	AccessCode       string
	AuthorizationURL string
	Amount           float64
	Currency         string
}

// VerifyPaymentQuery looks up a transaction's settlement state at the gateway.
type VerifyPaymentQuery struct {
	Reference string
	Provider  string
	Currency  string
}

// ConfirmPaymentCommand creates the order for a settled gateway reference.
// Items and Shipping are the pending order data the client held back during
// checkout; they are ignored when the reference already produced an order.
type ConfirmPaymentCommand struct {
	Actor     Actor
	Reference string
	Provider  string
	Currency  string
	Items     []domain.OrderLineItem
	Shipping  domain.ShippingInfo
}

// UpdateOrderPaymentCommand patches the payment sub-record of an owned order.
type UpdateOrderPaymentCommand struct {
	OrderID string
	Actor   Actor
	Status  domain.PaymentStatus
	PaidAt  *time.Time
}

// CheckoutService drives payment initialization and settlement of orders.
type CheckoutService interface {
	StartCheckout(ctx context.Context, cmd StartCheckoutCommand) (CheckoutSession, error)
	VerifyPayment(ctx context.Context, query VerifyPaymentQuery) (payments.Transaction, error)
	ConfirmPayment(ctx context.Context, cmd ConfirmPaymentCommand) (domain.Order, error)
	UpdatePayment(ctx context.Context, cmd UpdateOrderPaymentCommand) (domain.Order, error)
	// SettleReference marks an existing order's payment settled for a gateway
	// webhook event. The boolean reports whether an order was found.
	SettleReference(ctx context.Context, reference string) (domain.Order, bool, error)
}
