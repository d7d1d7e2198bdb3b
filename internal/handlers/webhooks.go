package handlers

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/blazecity/api/internal/platform/httpx"
	"github.com/blazecity/api/internal/platform/requestctx"
	"github.com/blazecity/api/internal/services"
)

const (
	maxWebhookBodySize       = 512 * 1024
	paystackSignatureHeader  = "X-Paystack-Signature"
	paystackChargeSuccessful = "charge.success"
)

type paystackEvent struct {
	Event string `json:"event"`
	Data  struct {
		Reference string `json:"reference"`
	} `json:"data"`
}

// WebhookHandlers receives server-to-server gateway notifications.
type WebhookHandlers struct {
	secret   string
	checkout services.CheckoutService
}

// NewWebhookHandlers constructs a new WebhookHandlers instance.
func NewWebhookHandlers(secret string, checkout services.CheckoutService) *WebhookHandlers {
	return &WebhookHandlers{
		secret:   strings.TrimSpace(secret),
		checkout: checkout,
	}
}

// Routes registers the /webhooks endpoints.
func (h *WebhookHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	r.Post("/paystack", h.paystack)
}

func (h *WebhookHandlers) paystack(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := requestctx.Logger(ctx)

	if h.secret == "" {
		logger.Error("paystack webhook received without a configured secret")
		httpx.WriteError(ctx, w, httpx.NewError("webhook not configured", http.StatusServiceUnavailable))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBodySize))
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("failed to read request body", http.StatusBadRequest))
		return
	}

	if !h.validSignature(body, r.Header.Get(paystackSignatureHeader)) {
		logger.Warn("paystack webhook signature mismatch")
		httpx.WriteError(ctx, w, httpx.NewError("invalid signature", http.StatusUnauthorized))
		return
	}

	var event paystackEvent
	if err := json.Unmarshal(body, &event); err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("invalid JSON body", http.StatusBadRequest))
		return
	}

	if event.Event != paystackChargeSuccessful {
		httpx.WriteSuccess(ctx, w, http.StatusOK, map[string]any{"message": "event ignored"})
		return
	}

	reference := strings.TrimSpace(event.Data.Reference)
	if reference == "" {
		httpx.WriteError(ctx, w, httpx.NewError("event reference is required", http.StatusBadRequest))
		return
	}

	if h.checkout == nil {
		httpx.WriteError(ctx, w, httpx.NewError("checkout service unavailable", http.StatusServiceUnavailable))
		return
	}

	order, found, err := h.checkout.SettleReference(ctx, reference)
	if err != nil {
		logger.Error("paystack webhook settlement failed",
			zap.String("reference", reference),
			zap.Error(err),
		)
		// Non-2xx makes the gateway redeliver the event.
		httpx.WriteError(ctx, w, httpx.NewError("failed to settle payment", http.StatusInternalServerError))
		return
	}

	if !found {
		// The client-driven confirmation has not created the order yet. The
		// reference settles when the client confirms, so the event is done.
		logger.Info("paystack webhook reference has no order yet", zap.String("reference", reference))
		httpx.WriteSuccess(ctx, w, http.StatusOK, map[string]any{"message": "no matching order"})
		return
	}

	httpx.WriteSuccess(ctx, w, http.StatusOK, map[string]any{
		"message": "payment settled",
		"orderId": order.ID,
	})
}

func (h *WebhookHandlers) validSignature(body []byte, signature string) bool {
	signature = strings.TrimSpace(signature)
	if signature == "" {
		return false
	}
	mac := hmac.New(sha512.New, []byte(h.secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(signature)))
}
