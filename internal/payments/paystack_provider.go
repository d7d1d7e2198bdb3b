package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultPaystackBaseURL = "https://api.paystack.co"
	defaultPaystackTimeout = 10 * time.Second
	maxPaystackBody        = 1 << 20
)

// PaystackLogger defines the logging contract for Paystack provider operations.
type PaystackLogger func(ctx context.Context, event string, fields map[string]any)

type httpDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// PaystackProviderConfig configures the PaystackProvider.
type PaystackProviderConfig struct {
	SecretKey string
	BaseURL   string
	Timeout   time.Duration
	Client    httpDoer
	Logger    PaystackLogger
}

// PaystackProvider implements the Provider interface against the Paystack REST API.
type PaystackProvider struct {
	secretKey string
	baseURL   string
	client    httpDoer
	logger    PaystackLogger
}

// NewPaystackProvider constructs a Paystack Provider using the given configuration.
func NewPaystackProvider(cfg PaystackProviderConfig) (*PaystackProvider, error) {
	secretKey := strings.TrimSpace(cfg.SecretKey)
	if secretKey == "" {
		return nil, errors.New("paystack: secret key is required")
	}

	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultPaystackBaseURL
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("paystack: invalid base url: %w", err)
	}

	client := cfg.Client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = defaultPaystackTimeout
		}
		client = &http.Client{Timeout: timeout}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &PaystackProvider{
		secretKey: secretKey,
		baseURL:   baseURL,
		client:    client,
		logger:    logger,
	}, nil
}

type paystackInitializePayload struct {
	Email       string            `json:"email"`
	Amount      int64             `json:"amount"`
	Currency    string            `json:"currency,omitempty"`
	Reference   string            `json:"reference,omitempty"`
	CallbackURL string            `json:"callback_url,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

type paystackEnvelope struct {
	Status  bool            `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type paystackInitializeData struct {
	AuthorizationURL string `json:"authorization_url"`
	AccessCode       string `json:"access_code"`
	Reference        string `json:"reference"`
}

type paystackVerifyData struct {
	Status          string `json:"status"`
	Reference       string `json:"reference"`
	Amount          int64  `json:"amount"`
	Currency        string `json:"currency"`
	Channel         string `json:"channel"`
	GatewayResponse string `json:"gateway_response"`
	PaidAt          string `json:"paid_at"`
	Customer        struct {
		Email string `json:"email"`
	} `json:"customer"`
}

// Initialize starts a transaction with Paystack. Amounts are converted to the
// smallest currency unit before they reach the wire.
func (p *PaystackProvider) Initialize(ctx context.Context, req InitializeRequest) (InitializedTransaction, error) {
	if p == nil {
		return InitializedTransaction{}, errors.New("paystack: provider is nil")
	}
	if !ValidEmail(req.Email) {
		return InitializedTransaction{}, ErrInvalidEmail
	}
	if req.Amount <= 0 {
		return InitializedTransaction{}, ErrInvalidAmount
	}

	payload := paystackInitializePayload{
		Email:       strings.TrimSpace(req.Email),
		Amount:      MinorUnits(req.Amount),
		Currency:    strings.ToUpper(strings.TrimSpace(req.Currency)),
		Reference:   strings.TrimSpace(req.Reference),
		CallbackURL: strings.TrimSpace(req.CallbackURL),
		Metadata:    req.Metadata,
	}

	envelope, raw, err := p.post(ctx, "/transaction/initialize", payload)
	if err != nil {
		return InitializedTransaction{}, err
	}

	var data paystackInitializeData
	if err := json.Unmarshal(envelope.Data, &data); err != nil {
		return InitializedTransaction{}, p.wrapError(0, "decode initialize response", err)
	}
	if data.Reference == "" {
		return InitializedTransaction{}, p.wrapError(0, "initialize response missing reference", nil)
	}

	p.logger(ctx, "payments.paystack.transaction.initialized", map[string]any{
		"reference": data.Reference,
		"amount":    payload.Amount,
		"currency":  payload.Currency,
	})

	return InitializedTransaction{
		Provider:         "paystack",
		Reference:        data.Reference,
		AccessCode:       data.AccessCode,
		AuthorizationURL: data.AuthorizationURL,
		Raw:              raw,
	}, nil
}

// Verify fetches the settlement status of a transaction by its reference.
func (p *PaystackProvider) Verify(ctx context.Context, reference string) (Transaction, error) {
	if p == nil {
		return Transaction{}, errors.New("paystack: provider is nil")
	}
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return Transaction{}, errors.New("paystack: reference is required")
	}

	envelope, raw, err := p.get(ctx, "/transaction/verify/"+url.PathEscape(reference))
	if err != nil {
		return Transaction{}, err
	}

	var data paystackVerifyData
	if err := json.Unmarshal(envelope.Data, &data); err != nil {
		return Transaction{}, p.wrapError(0, "decode verify response", err)
	}

	tx := Transaction{
		Provider:        "paystack",
		Reference:       data.Reference,
		Status:          paystackStatus(data.Status),
		Amount:          MajorUnits(data.Amount),
		Currency:        strings.ToUpper(data.Currency),
		Channel:         data.Channel,
		GatewayResponse: data.GatewayResponse,
		CustomerEmail:   data.Customer.Email,
		Raw:             raw,
	}
	if tx.Reference == "" {
		tx.Reference = reference
	}
	if data.PaidAt != "" {
		if paidAt, err := time.Parse(time.RFC3339, data.PaidAt); err == nil {
			utc := paidAt.UTC()
			tx.PaidAt = &utc
		}
	}

	p.logger(ctx, "payments.paystack.transaction.verified", map[string]any{
		"reference": tx.Reference,
		"status":    string(tx.Status),
	})

	return tx, nil
}

func (p *PaystackProvider) post(ctx context.Context, path string, payload any) (paystackEnvelope, map[string]any, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return paystackEnvelope{}, nil, p.wrapError(0, "encode request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return paystackEnvelope{}, nil, p.wrapError(0, "build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return p.do(req)
}

func (p *PaystackProvider) get(ctx context.Context, path string) (paystackEnvelope, map[string]any, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
	if err != nil {
		return paystackEnvelope{}, nil, p.wrapError(0, "build request", err)
	}
	return p.do(req)
}

func (p *PaystackProvider) do(req *http.Request) (paystackEnvelope, map[string]any, error) {
	req.Header.Set("Authorization", "Bearer "+p.secretKey)
	req.Header.Set("Accept", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return paystackEnvelope{}, nil, p.wrapError(0, "request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPaystackBody))
	if err != nil {
		return paystackEnvelope{}, nil, p.wrapError(resp.StatusCode, "read response", err)
	}

	var envelope paystackEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return paystackEnvelope{}, nil, p.wrapError(resp.StatusCode, "decode response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 || !envelope.Status {
		message := envelope.Message
		if message == "" {
			message = http.StatusText(resp.StatusCode)
		}
		return paystackEnvelope{}, nil, p.wrapError(resp.StatusCode, message, nil)
	}

	raw := map[string]any{}
	_ = json.Unmarshal(envelope.Data, &raw)

	return envelope, raw, nil
}

func (p *PaystackProvider) wrapError(status int, message string, err error) error {
	return &GatewayError{
		Provider:   "paystack",
		Message:    message,
		StatusCode: status,
		Err:        err,
	}
}

func paystackStatus(status string) Status {
	switch strings.ToLower(strings.TrimSpace(status)) {
	case "success":
		return StatusSuccess
	case "failed", "abandoned", "reversed":
		return StatusFailed
	default:
		return StatusPending
	}
}
