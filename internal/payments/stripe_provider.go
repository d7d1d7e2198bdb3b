package payments

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

// StripeLogger defines the logging contract for Stripe provider operations.
type StripeLogger func(ctx context.Context, event string, fields map[string]any)

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey   string
	Backends *stripe.Backends
	Logger   StripeLogger
	Intents  stripePaymentIntentAPI
}

// StripeProvider implements the Provider interface using Stripe Payment Intents.
type StripeProvider struct {
	intents stripePaymentIntentAPI
	logger  StripeLogger
}

// NewStripeProvider constructs a Stripe Provider using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Intents == nil {
		return nil, errors.New("stripe: api key is required")
	}

	intents := cfg.Intents
	if intents == nil {
		sc := client.New(apiKey, cfg.Backends)
		intents = sc.PaymentIntents
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeProvider{
		intents: intents,
		logger:  logger,
	}, nil
}

// Initialize creates a Payment Intent and returns its identifier as the
// transaction reference alongside the client secret.
func (p *StripeProvider) Initialize(ctx context.Context, req InitializeRequest) (InitializedTransaction, error) {
	if p == nil {
		return InitializedTransaction{}, errors.New("stripe: provider is nil")
	}
	if !ValidEmail(req.Email) {
		return InitializedTransaction{}, ErrInvalidEmail
	}
	if req.Amount <= 0 {
		return InitializedTransaction{}, ErrInvalidAmount
	}

	params := &stripe.PaymentIntentParams{
		Amount:       stripe.Int64(MinorUnits(req.Amount)),
		Currency:     stripe.String(strings.ToLower(strings.TrimSpace(req.Currency))),
		ReceiptEmail: stripe.String(strings.TrimSpace(req.Email)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.Reference); key != "" {
		params.SetIdempotencyKey(key)
	}
	if len(req.Metadata) > 0 {
		params.Metadata = make(map[string]string, len(req.Metadata))
		for k, v := range req.Metadata {
			params.Metadata[k] = v
		}
	}

	intent, err := p.intents.New(params)
	if err != nil {
		return InitializedTransaction{}, p.wrapError("create payment intent", err)
	}

	p.logger(ctx, "payments.stripe.intent.created", map[string]any{
		"paymentIntent": intent.ID,
		"amount":        intent.Amount,
		"currency":      intent.Currency,
	})

	return InitializedTransaction{
		Provider:   "stripe",
		Reference:  intent.ID,
		AccessCode: intent.ClientSecret,
		Raw:        stripeRaw(intent),
	}, nil
}

// Verify retrieves the Payment Intent identified by the reference.
func (p *StripeProvider) Verify(ctx context.Context, reference string) (Transaction, error) {
	if p == nil {
		return Transaction{}, errors.New("stripe: provider is nil")
	}
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return Transaction{}, errors.New("stripe: reference is required")
	}

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx

	intent, err := p.intents.Get(reference, params)
	if err != nil {
		return Transaction{}, p.wrapError("lookup payment intent", err)
	}

	tx := Transaction{
		Provider:      "stripe",
		Reference:     intent.ID,
		Status:        stripeStatus(intent.Status),
		Amount:        MajorUnits(intent.Amount),
		Currency:      strings.ToUpper(string(intent.Currency)),
		CustomerEmail: intent.ReceiptEmail,
		Raw:           stripeRaw(intent),
	}
	if charge := intent.LatestCharge; charge != nil {
		if charge.PaymentMethodDetails != nil {
			tx.Channel = string(charge.PaymentMethodDetails.Type)
		}
		if charge.Paid || charge.Captured {
			paidAt := time.Unix(charge.Created, 0).UTC()
			tx.PaidAt = &paidAt
		}
	}

	p.logger(ctx, "payments.stripe.intent.verified", map[string]any{
		"paymentIntent": intent.ID,
		"status":        intent.Status,
	})

	return tx, nil
}

func (p *StripeProvider) wrapError(message string, err error) error {
	status := 0
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		status = stripeErr.HTTPStatusCode
		if stripeErr.Msg != "" {
			message = fmt.Sprintf("%s: %s", message, stripeErr.Msg)
		}
	}
	return &GatewayError{
		Provider:   "stripe",
		Message:    message,
		StatusCode: status,
		Err:        err,
	}
}

func stripeStatus(status stripe.PaymentIntentStatus) Status {
	switch status {
	case stripe.PaymentIntentStatusSucceeded:
		return StatusSuccess
	case stripe.PaymentIntentStatusCanceled:
		return StatusFailed
	default:
		return StatusPending
	}
}

func stripeRaw(intent *stripe.PaymentIntent) map[string]any {
	raw := map[string]any{}
	if intent == nil {
		return raw
	}
	if data, err := json.Marshal(intent); err == nil {
		_ = json.Unmarshal(data, &raw)
	} else {
		raw["payment_intent"] = intent
	}
	return raw
}
