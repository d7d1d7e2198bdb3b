package services

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	domain "github.com/blazecity/api/internal/domain"
	"github.com/blazecity/api/internal/payments"
	"github.com/blazecity/api/internal/platform/requestctx"
	"github.com/blazecity/api/internal/repositories"
)

const orderIDPrefix = "ord_"

var (
	// ErrCheckoutInvalidInput indicates the caller supplied invalid input parameters.
	ErrCheckoutInvalidInput = errors.New("checkout: invalid input")
	// ErrCheckoutEmptyCart indicates checkout was attempted without any items.
	ErrCheckoutEmptyCart = errors.New("checkout: cart is empty")
	// ErrCheckoutIncompleteShipping indicates required shipping fields are missing.
	ErrCheckoutIncompleteShipping = errors.New("checkout: incomplete shipping information")
	// ErrCheckoutPaymentNotConfirmed indicates the gateway reports the payment unsettled.
	ErrCheckoutPaymentNotConfirmed = errors.New("checkout: payment not confirmed")
)

// paymentGateway abstracts payments.Manager for easier testing.
type paymentGateway interface {
	Initialize(ctx context.Context, paymentCtx payments.PaymentContext, req payments.InitializeRequest) (payments.InitializedTransaction, error)
	Verify(ctx context.Context, paymentCtx payments.PaymentContext, reference string) (payments.Transaction, error)
}

// CheckoutServiceDeps wires the dependencies required by the checkout service.
type CheckoutServiceDeps struct {
	Orders          repositories.OrderRepository
	Payments        paymentGateway
	Notifications   NotificationPublisher
	DefaultCurrency string
	AdminEmail      string
	Clock           func() time.Time
	IDGenerator     func() string
	NumberGenerator func(now time.Time) string
}

type checkoutService struct {
	orders          repositories.OrderRepository
	payments        paymentGateway
	notifications   NotificationPublisher
	defaultCurrency string
	adminEmail      string
	clock           func() time.Time
	newID           func() string
	newNumber       func(time.Time) string
}

// NewCheckoutService constructs a CheckoutService validating required dependencies.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	if deps.Orders == nil {
		return nil, errors.New("checkout service: order repository is required")
	}
	if deps.Payments == nil {
		return nil, errors.New("checkout service: payment gateway is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string {
			return ulid.Make().String()
		}
	}
	numberGen := deps.NumberGenerator
	if numberGen == nil {
		numberGen = generateOrderNumber
	}

	return &checkoutService{
		orders:          deps.Orders,
		payments:        deps.Payments,
		notifications:   deps.Notifications,
		defaultCurrency: strings.ToUpper(strings.TrimSpace(deps.DefaultCurrency)),
		adminEmail:      strings.TrimSpace(deps.AdminEmail),
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:     idGen,
		newNumber: numberGen,
	}, nil
}

// generateOrderNumber produces the customer-facing number: a fixed prefix,
// the last eight digits of the unix-milli timestamp, and a random suffix.
func generateOrderNumber(now time.Time) string {
	return fmt.Sprintf("LP%08d%03d", now.UnixMilli()%100000000, rand.IntN(1000))
}

// StartCheckout validates the cart snapshot, recomputes the total server-side
// and opens a gateway transaction. No order is created at this stage.
func (s *checkoutService) StartCheckout(ctx context.Context, cmd StartCheckoutCommand) (CheckoutSession, error) {
	email := strings.TrimSpace(cmd.Email)
	if email == "" {
		email = strings.TrimSpace(cmd.Actor.Email)
	}
	if !payments.ValidEmail(email) {
		return CheckoutSession{}, fmt.Errorf("%w: a valid email is required", ErrCheckoutInvalidInput)
	}
	total, err := validateCartSnapshot(cmd.Items, cmd.Shipping)
	if err != nil {
		return CheckoutSession{}, err
	}

	currency := s.currency(cmd.Currency)
	session, err := s.payments.Initialize(ctx, payments.PaymentContext{
		PreferredProvider: cmd.Provider,
		Currency:          currency,
	}, payments.InitializeRequest{
		Email:       email,
		Amount:      total,
		Currency:    currency,
		CallbackURL: strings.TrimSpace(cmd.CallbackURL),
		Metadata: map[string]string{
			"userId": cmd.Actor.UserID,
		},
	})
	if err != nil {
		return CheckoutSession{}, translateGatewayError(err)
	}

	return CheckoutSession{
		Provider:         session.Provider,
		Reference:        session.Reference,
		AccessCode:       session.AccessCode,
		AuthorizationURL: session.AuthorizationURL,
		Amount:           total,
		Currency:         currency,
	}, nil
}

// VerifyPayment reports the gateway's settlement state for a reference without
// touching the order store.
func (s *checkoutService) VerifyPayment(ctx context.Context, query VerifyPaymentQuery) (payments.Transaction, error) {
	reference := strings.TrimSpace(query.Reference)
	if reference == "" {
		return payments.Transaction{}, fmt.Errorf("%w: reference is required", ErrCheckoutInvalidInput)
	}

	tx, err := s.payments.Verify(ctx, payments.PaymentContext{
		PreferredProvider: query.Provider,
		Currency:          s.currency(query.Currency),
	}, reference)
	if err != nil {
		return payments.Transaction{}, translateGatewayError(err)
	}
	return tx, nil
}

// ConfirmPayment settles a gateway reference into an order. At most one order
// is ever created per reference: a reference that already produced an order
// returns that order unchanged.
func (s *checkoutService) ConfirmPayment(ctx context.Context, cmd ConfirmPaymentCommand) (domain.Order, error) {
	reference := strings.TrimSpace(cmd.Reference)
	if reference == "" {
		return domain.Order{}, fmt.Errorf("%w: payment reference is required", ErrCheckoutInvalidInput)
	}

	if existing, found, err := s.orders.FindByPaymentReference(ctx, reference); err != nil {
		return domain.Order{}, mapOrderRepositoryError(err)
	} else if found {
		if existing.Payment.Status == domain.PaymentStatusSuccess {
			return existing, nil
		}
		// An earlier confirmation created the order but never settled it.
		// Resume from the verification step instead of handing back the
		// half-finished record.
		return s.resumeSettlement(ctx, cmd, existing)
	}

	tx, err := s.payments.Verify(ctx, payments.PaymentContext{
		PreferredProvider: cmd.Provider,
		Currency:          s.currency(cmd.Currency),
	}, reference)
	if err != nil {
		return domain.Order{}, translateGatewayError(err)
	}
	if tx.Status != payments.StatusSuccess {
		return domain.Order{}, fmt.Errorf("%w: gateway reports %s", ErrCheckoutPaymentNotConfirmed, tx.Status)
	}

	total, err := validateCartSnapshot(cmd.Items, cmd.Shipping)
	if err != nil {
		return domain.Order{}, err
	}
	if tx.Amount > 0 && math.Abs(tx.Amount-total) >= 0.01 {
		requestctx.Logger(ctx).Warn("settled amount differs from cart total",
			zap.String("reference", reference),
			zap.Float64("settled", tx.Amount),
			zap.Float64("cart_total", total),
		)
	}

	now := s.clock()
	order := domain.Order{
		ID:          orderIDPrefix + s.newID(),
		OrderNumber: s.newNumber(now),
		UserID:      cmd.Actor.UserID,
		Items:       cmd.Items,
		TotalAmount: total,
		Shipping:    cmd.Shipping,
		Status:      domain.OrderStatusPending,
		Payment: domain.PaymentInfo{
			Reference: reference,
			Status:    domain.PaymentStatusPending,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.orders.Insert(ctx, order); err != nil {
		// A concurrent confirmation may have won the race for this reference.
		if existing, found, findErr := s.orders.FindByPaymentReference(ctx, reference); findErr == nil && found {
			return existing, nil
		}
		return domain.Order{}, mapOrderRepositoryError(err)
	}

	paidAt := tx.PaidAt
	if paidAt == nil {
		paidAt = &now
	}
	settled, err := s.markPaymentSettled(ctx, order.ID, reference, *paidAt, true)
	if err != nil {
		return domain.Order{}, err
	}

	s.notifySettled(ctx, settled)

	return settled, nil
}

// resumeSettlement finishes confirmation for an order that exists but whose
// payment was never marked settled, re-checking the gateway first.
func (s *checkoutService) resumeSettlement(ctx context.Context, cmd ConfirmPaymentCommand, order domain.Order) (domain.Order, error) {
	reference := order.Payment.Reference

	tx, err := s.payments.Verify(ctx, payments.PaymentContext{
		PreferredProvider: cmd.Provider,
		Currency:          s.currency(cmd.Currency),
	}, reference)
	if err != nil {
		return domain.Order{}, translateGatewayError(err)
	}
	if tx.Status != payments.StatusSuccess {
		return domain.Order{}, fmt.Errorf("%w: gateway reports %s", ErrCheckoutPaymentNotConfirmed, tx.Status)
	}

	paidAt := s.clock()
	if tx.PaidAt != nil {
		paidAt = tx.PaidAt.UTC()
	}
	settled, err := s.markPaymentSettled(ctx, order.ID, reference, paidAt, order.Status == domain.OrderStatusPending)
	if err != nil {
		return domain.Order{}, err
	}

	s.notifySettled(ctx, settled)

	return settled, nil
}

// UpdatePayment patches the payment sub-record of an owned order, cascading
// a pending order to processing when the payment settles.
func (s *checkoutService) UpdatePayment(ctx context.Context, cmd UpdateOrderPaymentCommand) (domain.Order, error) {
	orderID := strings.TrimSpace(cmd.OrderID)
	if orderID == "" {
		return domain.Order{}, fmt.Errorf("%w: order id is required", ErrCheckoutInvalidInput)
	}
	switch cmd.Status {
	case domain.PaymentStatusPending, domain.PaymentStatusSuccess, domain.PaymentStatusFailed:
	default:
		return domain.Order{}, fmt.Errorf("%w: unknown payment status %q", ErrCheckoutInvalidInput, cmd.Status)
	}

	current, err := s.orders.FindByID(ctx, orderID)
	if err != nil {
		return domain.Order{}, mapOrderRepositoryError(err)
	}
	if !cmd.Actor.Admin && current.UserID != cmd.Actor.UserID {
		return domain.Order{}, ErrOrderForbidden
	}

	payment := domain.PaymentInfo{
		Reference: current.Payment.Reference,
		Status:    cmd.Status,
	}
	if cmd.Status == domain.PaymentStatusSuccess {
		paidAt := s.clock()
		if cmd.PaidAt != nil {
			paidAt = cmd.PaidAt.UTC()
		}
		payment.PaidAt = &paidAt
	}

	var next *domain.OrderStatus
	if cmd.Status == domain.PaymentStatusSuccess && current.Status == domain.OrderStatusPending {
		processing := domain.OrderStatusProcessing
		next = &processing
	}

	updated, err := s.orders.UpdatePayment(ctx, orderID, payment, next, func(order domain.Order) error {
		if order.Payment.Status == domain.PaymentStatusSuccess && cmd.Status != domain.PaymentStatusSuccess {
			return fmt.Errorf("%w: settled payment cannot be reverted", ErrOrderConflict)
		}
		return nil
	})
	if err != nil {
		return domain.Order{}, mapOrderRepositoryError(err)
	}

	if cmd.Status == domain.PaymentStatusSuccess {
		s.notifyCustomer(ctx, updated)
	}

	return updated, nil
}

// SettleReference marks the payment of the order created for a gateway
// reference as settled. It backs webhook-driven confirmation, where no pending
// order data accompanies the event.
func (s *checkoutService) SettleReference(ctx context.Context, reference string) (domain.Order, bool, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return domain.Order{}, false, fmt.Errorf("%w: reference is required", ErrCheckoutInvalidInput)
	}

	order, found, err := s.orders.FindByPaymentReference(ctx, reference)
	if err != nil {
		return domain.Order{}, false, mapOrderRepositoryError(err)
	}
	if !found {
		return domain.Order{}, false, nil
	}
	if order.Payment.Status == domain.PaymentStatusSuccess {
		return order, true, nil
	}

	settled, err := s.markPaymentSettled(ctx, order.ID, reference, s.clock(), order.Status == domain.OrderStatusPending)
	if err != nil {
		return domain.Order{}, false, err
	}

	s.notifySettled(ctx, settled)

	return settled, true, nil
}

func (s *checkoutService) markPaymentSettled(ctx context.Context, orderID, reference string, paidAt time.Time, cascade bool) (domain.Order, error) {
	payment := domain.PaymentInfo{
		Reference: reference,
		Status:    domain.PaymentStatusSuccess,
		PaidAt:    &paidAt,
	}
	var next *domain.OrderStatus
	if cascade {
		processing := domain.OrderStatusProcessing
		next = &processing
	}

	updated, err := s.orders.UpdatePayment(ctx, orderID, payment, next, nil)
	if err != nil {
		return domain.Order{}, mapOrderRepositoryError(err)
	}
	return updated, nil
}

func (s *checkoutService) notifySettled(ctx context.Context, order domain.Order) {
	s.notifyCustomer(ctx, order)
	s.notifyAdmin(ctx, order)
}

func (s *checkoutService) notifyCustomer(ctx context.Context, order domain.Order) {
	if order.Shipping.Email == "" {
		return
	}
	s.publish(ctx, NotificationMessage{
		Kind:           NotificationOrderConfirmation,
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		UserID:         order.UserID,
		RecipientEmail: order.Shipping.Email,
		Status:         string(order.Status),
		Amount:         order.TotalAmount,
		QueuedAt:       s.clock(),
	})
}

func (s *checkoutService) notifyAdmin(ctx context.Context, order domain.Order) {
	if s.adminEmail == "" {
		return
	}
	s.publish(ctx, NotificationMessage{
		Kind:           NotificationAdminOrderAlert,
		OrderID:        order.ID,
		OrderNumber:    order.OrderNumber,
		UserID:         order.UserID,
		RecipientEmail: s.adminEmail,
		Status:         string(order.Status),
		Amount:         order.TotalAmount,
		QueuedAt:       s.clock(),
	})
}

// publish enqueues a notification, logging and swallowing failures: delivery
// problems never surface to the shopper.
func (s *checkoutService) publish(ctx context.Context, message NotificationMessage) {
	if s.notifications == nil {
		return
	}
	if _, err := s.notifications.PublishNotification(ctx, message); err != nil {
		requestctx.Logger(ctx).Warn("notification publish failed",
			zap.String("kind", string(message.Kind)),
			zap.String("order_id", message.OrderID),
			zap.Error(err),
		)
	}
}

func (s *checkoutService) currency(currency string) string {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		return s.defaultCurrency
	}
	return currency
}

// validateCartSnapshot checks the client-held cart data and recomputes the
// order total from its line items, rounded to two decimal places.
func validateCartSnapshot(items []domain.OrderLineItem, shipping domain.ShippingInfo) (float64, error) {
	if len(items) == 0 {
		return 0, ErrCheckoutEmptyCart
	}
	if !shipping.Complete() {
		return 0, ErrCheckoutIncompleteShipping
	}

	var total float64
	for _, item := range items {
		if item.Quantity <= 0 {
			return 0, fmt.Errorf("%w: item quantity must be positive", ErrCheckoutInvalidInput)
		}
		if item.UnitPrice < 0 {
			return 0, fmt.Errorf("%w: item price cannot be negative", ErrCheckoutInvalidInput)
		}
		total += item.Subtotal()
	}
	total = math.Round(total*100) / 100
	if total <= 0 {
		return 0, fmt.Errorf("%w: order total must be positive", ErrCheckoutInvalidInput)
	}
	return total, nil
}

func translateGatewayError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, payments.ErrUnsupportedProvider),
		errors.Is(err, payments.ErrInvalidEmail),
		errors.Is(err, payments.ErrInvalidAmount):
		return fmt.Errorf("%w: %v", ErrCheckoutInvalidInput, err)
	}
	// Gateway errors pass through so callers can distinguish retryable
	// transport failures from settled outcomes.
	return err
}
