package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/blazecity/api/internal/domain"
	pfirestore "github.com/blazecity/api/internal/platform/firestore"
	"github.com/blazecity/api/internal/repositories"
)

const orderCollection = "orders"

// OrderRepository persists orders in Firestore.
type OrderRepository struct {
	provider *pfirestore.Provider
	base     *pfirestore.BaseRepository[orderDocument]
}

// NewOrderRepository constructs a Firestore-backed order repository.
func NewOrderRepository(provider *pfirestore.Provider) (*OrderRepository, error) {
	if provider == nil {
		return nil, errors.New("order repository requires firestore provider")
	}
	return &OrderRepository{
		provider: provider,
		base:     pfirestore.NewBaseRepository[orderDocument](provider, orderCollection),
	}, nil
}

// Insert stores a new order document, rejecting duplicate identifiers.
func (r *OrderRepository) Insert(ctx context.Context, order domain.Order) error {
	id := strings.TrimSpace(order.ID)
	if id == "" {
		return errors.New("order repository: order id is required")
	}
	doc := encodeOrder(order)
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = time.Now().UTC()
	}
	if doc.UpdatedAt.IsZero() {
		doc.UpdatedAt = doc.CreatedAt
	}
	return r.base.Create(ctx, id, doc)
}

// FindByID loads a single order by its identifier.
func (r *OrderRepository) FindByID(ctx context.Context, orderID string) (domain.Order, error) {
	snap, err := r.base.Get(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.Order{}, err
	}
	return snap.Data.toDomain(snap.ID), nil
}

// FindByPaymentReference returns the order settled by the given gateway reference.
func (r *OrderRepository) FindByPaymentReference(ctx context.Context, reference string) (domain.Order, bool, error) {
	ref := strings.TrimSpace(reference)
	if ref == "" {
		return domain.Order{}, false, errors.New("order repository: payment reference is required")
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("payment.reference", "==", ref).Limit(1)
	})
	if err != nil {
		return domain.Order{}, false, err
	}
	if len(docs) == 0 {
		return domain.Order{}, false, nil
	}
	return docs[0].Data.toDomain(docs[0].ID), true, nil
}

// ListByUser returns the user's orders, most recent first.
func (r *OrderRepository) ListByUser(ctx context.Context, userID string) ([]domain.Order, error) {
	uid := strings.TrimSpace(userID)
	if uid == "" {
		return nil, errors.New("order repository: user id is required")
	}

	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		return q.Where("userId", "==", uid).OrderBy("createdAt", firestore.Desc)
	})
	if err != nil {
		return nil, err
	}
	return decodeOrderDocuments(docs), nil
}

// List returns orders matching the filter, most recent first.
func (r *OrderRepository) List(ctx context.Context, filter repositories.OrderListFilter) ([]domain.Order, error) {
	docs, err := r.base.Query(ctx, func(q firestore.Query) firestore.Query {
		if uid := strings.TrimSpace(filter.UserID); uid != "" {
			q = q.Where("userId", "==", uid)
		}
		if len(filter.Status) > 0 {
			statuses := make([]string, 0, len(filter.Status))
			for _, status := range filter.Status {
				statuses = append(statuses, string(status))
			}
			q = q.Where("status", "in", statuses)
		}
		q = q.OrderBy("createdAt", firestore.Desc)
		if filter.Limit > 0 {
			q = q.Limit(filter.Limit)
		}
		return q
	})
	if err != nil {
		return nil, err
	}
	return decodeOrderDocuments(docs), nil
}

// UpdateStatus transitions the order status inside a transaction. The guard
// observes the current order and may abort the update.
func (r *OrderRepository) UpdateStatus(ctx context.Context, orderID string, next domain.OrderStatus, guard repositories.OrderGuard) (domain.Order, error) {
	id := strings.TrimSpace(orderID)
	if id == "" {
		return domain.Order{}, errors.New("order repository: order id is required")
	}

	docRef, err := r.base.DocumentRef(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}

	now := time.Now().UTC()
	var updated domain.Order
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(docRef)
		if err != nil {
			return err
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode order %s: %w", id, err)
		}

		current := doc.toDomain(snap.Ref.ID)
		if guard != nil {
			if err := guard(current); err != nil {
				return &guardRejection{err: err}
			}
		}

		if err := tx.Update(docRef, []firestore.Update{
			{Path: "status", Value: string(next)},
			{Path: "updatedAt", Value: now},
		}); err != nil {
			return err
		}

		current.Status = next
		current.UpdatedAt = now
		updated = current
		return nil
	})
	if err != nil {
		return domain.Order{}, classifyTxError("orders.update_status", err)
	}
	return updated, nil
}

// UpdatePayment records gateway settlement details inside a transaction,
// optionally moving the order to a new status in the same write.
func (r *OrderRepository) UpdatePayment(ctx context.Context, orderID string, payment domain.PaymentInfo, next *domain.OrderStatus, guard repositories.OrderGuard) (domain.Order, error) {
	id := strings.TrimSpace(orderID)
	if id == "" {
		return domain.Order{}, errors.New("order repository: order id is required")
	}

	docRef, err := r.base.DocumentRef(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}

	now := time.Now().UTC()
	var updated domain.Order
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(docRef)
		if err != nil {
			return err
		}
		var doc orderDocument
		if err := snap.DataTo(&doc); err != nil {
			return fmt.Errorf("decode order %s: %w", id, err)
		}

		current := doc.toDomain(snap.Ref.ID)
		if guard != nil {
			if err := guard(current); err != nil {
				return &guardRejection{err: err}
			}
		}

		updates := []firestore.Update{
			{Path: "payment", Value: encodePayment(payment)},
			{Path: "updatedAt", Value: now},
		}
		if next != nil {
			updates = append(updates, firestore.Update{Path: "status", Value: string(*next)})
		}
		if err := tx.Update(docRef, updates); err != nil {
			return err
		}

		current.Payment = payment
		if next != nil {
			current.Status = *next
		}
		current.UpdatedAt = now
		updated = current
		return nil
	})
	if err != nil {
		return domain.Order{}, classifyTxError("orders.update_payment", err)
	}
	return updated, nil
}

// Delete removes an order permanently.
func (r *OrderRepository) Delete(ctx context.Context, orderID string) error {
	return r.base.Delete(ctx, strings.TrimSpace(orderID))
}

// Stats aggregates order counts per status and total revenue across settled payments.
func (r *OrderRepository) Stats(ctx context.Context) (domain.OrderStats, error) {
	docs, err := r.base.Query(ctx, nil)
	if err != nil {
		return domain.OrderStats{}, err
	}

	var stats domain.OrderStats
	for _, doc := range docs {
		stats.TotalOrders++
		switch domain.OrderStatus(doc.Data.Status) {
		case domain.OrderStatusPending:
			stats.PendingOrders++
		case domain.OrderStatusProcessing:
			stats.ProcessingOrders++
		case domain.OrderStatusDelivered:
			stats.DeliveredOrders++
		}
		if domain.PaymentStatus(doc.Data.Payment.Status) == domain.PaymentStatusSuccess {
			stats.TotalRevenue += doc.Data.TotalAmount
		}
	}
	return stats, nil
}

// guardRejection marks an error returned by an OrderGuard so it can be told
// apart from Firestore failures once the transaction unwinds.
type guardRejection struct {
	err error
}

func (g *guardRejection) Error() string { return g.err.Error() }

func (g *guardRejection) Unwrap() error { return g.err }

// classifyTxError hands guard-originated errors back untouched so services can
// match their own sentinels, and classifies everything else as a Firestore
// failure.
func classifyTxError(op string, err error) error {
	if err == nil {
		return nil
	}
	var rejection *guardRejection
	if errors.As(err, &rejection) {
		return rejection.err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return pfirestore.WrapError(op, err)
}

func decodeOrderDocuments(docs []pfirestore.Document[orderDocument]) []domain.Order {
	orders := make([]domain.Order, 0, len(docs))
	for _, doc := range docs {
		orders = append(orders, doc.Data.toDomain(doc.ID))
	}
	return orders
}

type orderDocument struct {
	OrderNumber string              `firestore:"orderNumber"`
	UserID      string              `firestore:"userId"`
	Items       []orderItemDocument `firestore:"items"`
	TotalAmount float64             `firestore:"totalAmount"`
	Shipping    shippingDocument    `firestore:"shipping"`
	Status      string              `firestore:"status"`
	Payment     paymentDocument     `firestore:"payment"`
	CreatedAt   time.Time           `firestore:"createdAt"`
	UpdatedAt   time.Time           `firestore:"updatedAt"`
}

type orderItemDocument struct {
	ProductRef string  `firestore:"productRef"`
	Name       string  `firestore:"name"`
	UnitPrice  float64 `firestore:"unitPrice"`
	Quantity   int     `firestore:"quantity"`
	ImageURL   string  `firestore:"imageUrl,omitempty"`
}

type shippingDocument struct {
	FirstName string `firestore:"firstName"`
	LastName  string `firestore:"lastName"`
	Email     string `firestore:"email"`
	Phone     string `firestore:"phone"`
	Street    string `firestore:"street"`
	City      string `firestore:"city"`
	State     string `firestore:"state"`
	ZipCode   string `firestore:"zipCode"`
}

type paymentDocument struct {
	Reference string     `firestore:"reference,omitempty"`
	Status    string     `firestore:"status"`
	PaidAt    *time.Time `firestore:"paidAt,omitempty"`
}

func encodeOrder(order domain.Order) orderDocument {
	items := make([]orderItemDocument, 0, len(order.Items))
	for _, item := range order.Items {
		items = append(items, orderItemDocument{
			ProductRef: item.ProductRef,
			Name:       item.Name,
			UnitPrice:  item.UnitPrice,
			Quantity:   item.Quantity,
			ImageURL:   item.ImageURL,
		})
	}
	return orderDocument{
		OrderNumber: order.OrderNumber,
		UserID:      order.UserID,
		Items:       items,
		TotalAmount: order.TotalAmount,
		Shipping: shippingDocument{
			FirstName: order.Shipping.FirstName,
			LastName:  order.Shipping.LastName,
			Email:     order.Shipping.Email,
			Phone:     order.Shipping.Phone,
			Street:    order.Shipping.Street,
			City:      order.Shipping.City,
			State:     order.Shipping.State,
			ZipCode:   order.Shipping.ZipCode,
		},
		Status:    string(order.Status),
		Payment:   encodePayment(order.Payment),
		CreatedAt: order.CreatedAt.UTC(),
		UpdatedAt: order.UpdatedAt.UTC(),
	}
}

func encodePayment(payment domain.PaymentInfo) paymentDocument {
	doc := paymentDocument{
		Reference: strings.TrimSpace(payment.Reference),
		Status:    string(payment.Status),
	}
	if payment.PaidAt != nil {
		paidAt := payment.PaidAt.UTC()
		doc.PaidAt = &paidAt
	}
	return doc
}

func (d orderDocument) toDomain(id string) domain.Order {
	items := make([]domain.OrderLineItem, 0, len(d.Items))
	for _, item := range d.Items {
		items = append(items, domain.OrderLineItem{
			ProductRef: item.ProductRef,
			Name:       item.Name,
			UnitPrice:  item.UnitPrice,
			Quantity:   item.Quantity,
			ImageURL:   item.ImageURL,
		})
	}
	order := domain.Order{
		ID:          id,
		OrderNumber: d.OrderNumber,
		UserID:      d.UserID,
		Items:       items,
		TotalAmount: d.TotalAmount,
		Shipping: domain.ShippingInfo{
			FirstName: d.Shipping.FirstName,
			LastName:  d.Shipping.LastName,
			Email:     d.Shipping.Email,
			Phone:     d.Shipping.Phone,
			Street:    d.Shipping.Street,
			City:      d.Shipping.City,
			State:     d.Shipping.State,
			ZipCode:   d.Shipping.ZipCode,
		},
		Status: domain.OrderStatus(d.Status),
		Payment: domain.PaymentInfo{
			Reference: d.Payment.Reference,
			Status:    domain.PaymentStatus(d.Payment.Status),
		},
		CreatedAt: d.CreatedAt,
		UpdatedAt: d.UpdatedAt,
	}
	if d.Payment.PaidAt != nil {
		paidAt := d.Payment.PaidAt.UTC()
		order.Payment.PaidAt = &paidAt
	}
	return order
}

var _ repositories.OrderRepository = (*OrderRepository)(nil)
