package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	domain "github.com/blazecity/api/internal/domain"
)

var (
	errEmptyBody    = errors.New("request body is empty")
	errBodyTooLarge = errors.New("request body too large")
)

func readLimitedBody(r *http.Request, limit int64) ([]byte, error) {
	if r == nil || r.Body == nil {
		return nil, errEmptyBody
	}
	reader := io.LimitReader(r.Body, limit+1)
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, errEmptyBody
	}
	if int64(len(data)) > limit {
		return nil, errBodyTooLarge
	}
	return data, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}

type orderItemPayload struct {
	ProductRef string  `json:"productRef"`
	Name       string  `json:"name"`
	UnitPrice  float64 `json:"unitPrice"`
	Quantity   int     `json:"quantity"`
	ImageURL   string  `json:"imageUrl,omitempty"`
	Subtotal   float64 `json:"subtotal"`
}

type shippingPayload struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	Phone     string `json:"phone,omitempty"`
	Street    string `json:"street"`
	City      string `json:"city"`
	State     string `json:"state,omitempty"`
	ZipCode   string `json:"zipCode"`
}

type paymentInfoPayload struct {
	Reference string `json:"reference,omitempty"`
	Status    string `json:"status"`
	PaidAt    string `json:"paidAt,omitempty"`
}

type ownerPayload struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

type orderPayload struct {
	ID          string             `json:"id"`
	OrderNumber string             `json:"orderNumber"`
	UserID      string             `json:"userId"`
	Items       []orderItemPayload `json:"items"`
	TotalAmount float64            `json:"totalAmount"`
	Shipping    shippingPayload    `json:"shippingInfo"`
	Status      string             `json:"orderStatus"`
	Payment     paymentInfoPayload `json:"paymentInfo"`
	Owner       *ownerPayload      `json:"user,omitempty"`
	CreatedAt   string             `json:"createdAt"`
	UpdatedAt   string             `json:"updatedAt,omitempty"`
}

func buildOrderPayload(order domain.Order) orderPayload {
	items := make([]orderItemPayload, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemPayload{
			ProductRef: item.ProductRef,
			Name:       item.Name,
			UnitPrice:  item.UnitPrice,
			Quantity:   item.Quantity,
			ImageURL:   item.ImageURL,
			Subtotal:   item.Subtotal(),
		})
	}

	payload := orderPayload{
		ID:          order.ID,
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		Items:       items,
		TotalAmount: order.TotalAmount,
		Shipping: shippingPayload{
			FirstName: order.Shipping.FirstName,
			LastName:  order.Shipping.LastName,
			Email:     order.Shipping.Email,
			Phone:     order.Shipping.Phone,
			Street:    order.Shipping.Street,
			City:      order.Shipping.City,
			State:     order.Shipping.State,
			ZipCode:   order.Shipping.ZipCode,
		},
		Status: string(order.Status),
		Payment: paymentInfoPayload{
			Reference: order.Payment.Reference,
			Status:    string(order.Payment.Status),
			PaidAt:    formatTimePtr(order.Payment.PaidAt),
		},
		CreatedAt: formatTime(order.CreatedAt),
		UpdatedAt: formatTime(order.UpdatedAt),
	}

	if order.Owner != nil {
		payload.Owner = &ownerPayload{
			ID:    order.Owner.ID,
			Name:  order.Owner.Name,
			Email: order.Owner.Email,
		}
	}

	return payload
}

func buildOrderPayloads(orders []domain.Order) []orderPayload {
	payloads := make([]orderPayload, 0, len(orders))
	for _, order := range orders {
		payloads = append(payloads, buildOrderPayload(order))
	}
	return payloads
}

type shippingRequest struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	Phone     string `json:"phone"`
	Street    string `json:"street"`
	City      string `json:"city"`
	State     string `json:"state"`
	ZipCode   string `json:"zipCode"`
}

type orderItemRequest struct {
	ProductRef string  `json:"productRef"`
	Name       string  `json:"name"`
	UnitPrice  float64 `json:"unitPrice"`
	Quantity   int     `json:"quantity"`
	ImageURL   string  `json:"imageUrl"`
}

func (s shippingRequest) toDomain() domain.ShippingInfo {
	return domain.ShippingInfo{
		FirstName: strings.TrimSpace(s.FirstName),
		LastName:  strings.TrimSpace(s.LastName),
		Email:     strings.TrimSpace(s.Email),
		Phone:     strings.TrimSpace(s.Phone),
		Street:    strings.TrimSpace(s.Street),
		City:      strings.TrimSpace(s.City),
		State:     strings.TrimSpace(s.State),
		ZipCode:   strings.TrimSpace(s.ZipCode),
	}
}

func toDomainItems(items []orderItemRequest) []domain.OrderLineItem {
	converted := make([]domain.OrderLineItem, 0, len(items))
	for _, item := range items {
		converted = append(converted, domain.OrderLineItem{
			ProductRef: strings.TrimSpace(item.ProductRef),
			Name:       strings.TrimSpace(item.Name),
			UnitPrice:  item.UnitPrice,
			Quantity:   item.Quantity,
			ImageURL:   strings.TrimSpace(item.ImageURL),
		})
	}
	return converted
}
