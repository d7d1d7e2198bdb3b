package domain

import (
	"strings"
	"time"
)

// OrderStatus enumerates valid fulfilment states for orders.
type OrderStatus string

const (
	// OrderStatusPending indicates the order awaits payment settlement.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusProcessing indicates payment settled and fulfilment has begun.
	OrderStatusProcessing OrderStatus = "processing"
	// OrderStatusShipped indicates the order has been handed to the carrier.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered indicates the order reached the customer.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled indicates the order was cancelled before delivery.
	OrderStatusCancelled OrderStatus = "cancelled"
)

// PaymentStatus enumerates settlement states of an order's payment sub-record.
type PaymentStatus string

const (
	// PaymentStatusPending indicates settlement has not been confirmed yet.
	PaymentStatusPending PaymentStatus = "pending"
	// PaymentStatusSuccess indicates the gateway reported a captured payment.
	PaymentStatusSuccess PaymentStatus = "success"
	// PaymentStatusFailed indicates the gateway reported a failed payment.
	PaymentStatusFailed PaymentStatus = "failed"
)

// Order captures the authoritative record of a purchase.
type Order struct {
	ID          string
	OrderNumber string
	UserID      string
	Items       []OrderLineItem
	TotalAmount float64
	Shipping    ShippingInfo
	Status      OrderStatus
	Payment     PaymentInfo
	Owner       *UserSummary
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// OrderLineItem is a denormalised snapshot of one product at order time.
type OrderLineItem struct {
	ProductRef string
	Name       string
	UnitPrice  float64
	Quantity   int
	ImageURL   string
}

// ShippingInfo snapshots the recipient contact and address at order time.
type ShippingInfo struct {
	FirstName string
	LastName  string
	Email     string
	Phone     string
	Street    string
	City      string
	State     string
	ZipCode   string
}

// PaymentInfo stores the gateway reference and settlement state for an order.
type PaymentInfo struct {
	Reference string
	Status    PaymentStatus
	PaidAt    *time.Time
}

// UserSummary is the denormalised owner projection attached to admin listings.
type UserSummary struct {
	ID    string
	Name  string
	Email string
}

// OrderStats aggregates order counts and settled revenue for the admin dashboard.
type OrderStats struct {
	TotalOrders      int
	PendingOrders    int
	ProcessingOrders int
	DeliveredOrders  int
	TotalRevenue     float64
}

// IsTerminal reports whether the status admits no further transitions.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled
}

// Valid reports whether the status is one of the known fulfilment states.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusProcessing, OrderStatusShipped,
		OrderStatusDelivered, OrderStatusCancelled:
		return true
	}
	return false
}

// ParseOrderStatus normalises raw user input into an OrderStatus, reporting
// whether the value names a known state.
func ParseOrderStatus(raw string) (OrderStatus, bool) {
	status := OrderStatus(strings.ToLower(strings.TrimSpace(raw)))
	return status, status.Valid()
}

// Subtotal computes the line total for the item.
func (i OrderLineItem) Subtotal() float64 {
	return i.UnitPrice * float64(i.Quantity)
}

// Complete reports whether every field required to ship the order is present.
func (s ShippingInfo) Complete() bool {
	return s.FirstName != "" &&
		s.LastName != "" &&
		s.Email != "" &&
		s.Street != "" &&
		s.City != "" &&
		s.ZipCode != ""
}
