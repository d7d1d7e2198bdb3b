package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/blazecity/api/internal/payments"
	"github.com/blazecity/api/internal/platform/auth"
	"github.com/blazecity/api/internal/platform/httpx"
	"github.com/blazecity/api/internal/platform/requestctx"
	"github.com/blazecity/api/internal/services"
)

const maxPaymentBodySize = 64 * 1024

type initializePaymentRequest struct {
	Email       string  `json:"email"`
	Amount      float64 `json:"amount"`
	Currency    string  `json:"currency"`
	Provider    string  `json:"provider"`
	CallbackURL string  `json:"callbackUrl"`
	OrderData   struct {
		Items    []orderItemRequest `json:"items"`
		Shipping shippingRequest    `json:"shippingInfo"`
	} `json:"orderData"`
}

// PaymentHandlers exposes the gateway initialization and verification endpoints.
type PaymentHandlers struct {
	authn    *auth.Authenticator
	checkout services.CheckoutService
}

// NewPaymentHandlers constructs a new PaymentHandlers instance.
func NewPaymentHandlers(authn *auth.Authenticator, checkout services.CheckoutService) *PaymentHandlers {
	return &PaymentHandlers{
		authn:    authn,
		checkout: checkout,
	}
}

// Routes registers the /payment endpoints.
func (h *PaymentHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	if h.authn != nil {
		r.Use(h.authn.RequireFirebaseAuth())
	}
	r.Post("/initialize", h.initialize)
	r.Get("/verify/{reference}", h.verify)
}

func (h *PaymentHandlers) initialize(w http.ResponseWriter, r *http.Request) {
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

	body, err := readLimitedBody(r, maxPaymentBodySize)
	if err != nil {
		writeBodyError(ctx, w, err)
		return
	}
	var req initializePaymentRequest
	if err := json.Unmarshal(body, &req); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid JSON body", http.StatusBadRequest))
		return
	}

	session, err := h.checkout.StartCheckout(ctx, services.StartCheckoutCommand{
		Actor:       actor,
		Email:       strings.TrimSpace(req.Email),
		Items:       toDomainItems(req.OrderData.Items),
		Shipping:    req.OrderData.Shipping.toDomain(),
		Currency:    req.Currency,
		Provider:    req.Provider,
		CallbackURL: req.CallbackURL,
	})
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}

	httpx.WriteSuccess(ctx, w, http.StatusOK, map[string]any{
		"provider":         session.Provider,
		"reference":        session.Reference,
		"accessCode":       session.AccessCode,
		"authorizationUrl": session.AuthorizationURL,
		"amount":           session.Amount,
		"currency":         session.Currency,
	})
}

func (h *PaymentHandlers) verify(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	if _, ok := actorFromContext(ctx); !ok {
		httpx.WriteError(ctx, w, httpx.NewError("authentication required", http.StatusUnauthorized))
		return
	}

	reference := strings.TrimSpace(chi.URLParam(r, "reference"))
	if reference == "" {
		httpx.WriteError(ctx, w, httpx.NewError("payment reference is required", http.StatusBadRequest))
		return
	}

	query := r.URL.Query()
	tx, err := h.checkout.VerifyPayment(ctx, services.VerifyPaymentQuery{
		Reference: reference,
		Provider:  strings.TrimSpace(query.Get("provider")),
		Currency:  strings.TrimSpace(query.Get("currency")),
	})
	if err != nil {
		writeCheckoutError(ctx, w, err)
		return
	}

	httpx.WriteSuccess(ctx, w, http.StatusOK, map[string]any{
		"reference": tx.Reference,
		"status":    string(tx.Status),
		"amount":    tx.Amount,
		"currency":  tx.Currency,
		"channel":   tx.Channel,
		"paidAt":    formatTimePtr(tx.PaidAt),
	})
}

func actorFromContext(ctx context.Context) (services.Actor, bool) {
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		return services.Actor{}, false
	}
	return services.Actor{
		UserID: strings.TrimSpace(identity.UID),
		Email:  strings.TrimSpace(identity.Email),
		Admin:  identity.IsAdmin(),
	}, true
}

func writeBodyError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errBodyTooLarge):
		httpx.WriteError(ctx, w, httpx.NewError("request body exceeds allowed size", http.StatusRequestEntityTooLarge))
	case errors.Is(err, errEmptyBody):
		httpx.WriteError(ctx, w, httpx.NewError("request body is required", http.StatusBadRequest))
	default:
		httpx.WriteError(ctx, w, httpx.NewError("invalid request body", http.StatusBadRequest))
	}
}

// writeCheckoutError translates service sentinels into envelope responses.
// Gateway and store internals are logged, never echoed back to the client.
func writeCheckoutError(ctx context.Context, w http.ResponseWriter, err error) {
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, services.ErrCheckoutEmptyCart):
		httpx.WriteError(ctx, w, httpx.NewError("cart must contain at least one item", http.StatusBadRequest))
	case errors.Is(err, services.ErrCheckoutIncompleteShipping):
		httpx.WriteError(ctx, w, httpx.NewError("shipping information is incomplete", http.StatusBadRequest))
	case errors.Is(err, services.ErrCheckoutInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError(err.Error(), http.StatusBadRequest))
	case errors.Is(err, services.ErrCheckoutPaymentNotConfirmed):
		httpx.WriteError(ctx, w, httpx.NewError("payment could not be confirmed, please retry", http.StatusPaymentRequired))
	case errors.Is(err, services.ErrOrderForbidden):
		httpx.WriteError(ctx, w, httpx.NewError("forbidden", http.StatusForbidden))
	case errors.Is(err, services.ErrOrderNotFound):
		httpx.WriteError(ctx, w, httpx.NewError("order not found", http.StatusNotFound))
	case errors.Is(err, services.ErrOrderConflict):
		httpx.WriteError(ctx, w, httpx.NewError(err.Error(), http.StatusConflict))
	case errors.Is(err, services.ErrOrderInvalidInput):
		httpx.WriteError(ctx, w, httpx.NewError(err.Error(), http.StatusBadRequest))
	default:
		var gatewayErr *payments.GatewayError
		if errors.As(err, &gatewayErr) {
			requestctx.Logger(ctx).Error("payment gateway failure",
				zap.String("provider", gatewayErr.Provider),
				zap.Int("gateway_status", gatewayErr.StatusCode),
				zap.Error(err),
			)
			httpx.WriteError(ctx, w, httpx.NewError("payment gateway unavailable, please retry", http.StatusBadGateway))
			return
		}
		requestctx.Logger(ctx).Error("checkout request failed", zap.Error(err))
		httpx.WriteError(ctx, w, httpx.NewError("failed to process payment request", http.StatusInternalServerError))
	}
}
