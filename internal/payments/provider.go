package payments

import (
	"context"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strings"
	"time"
)

// Status enumerates the normalised transaction states shared across providers.
type Status string

const (
	// StatusPending indicates the transaction is awaiting customer action or PSP confirmation.
	StatusPending Status = "pending"
	// StatusSuccess indicates the PSP reports the transaction as successfully settled.
	StatusSuccess Status = "success"
	// StatusFailed indicates the PSP reports a failure or abandonment.
	StatusFailed Status = "failed"
)

var (
	// ErrUnsupportedProvider is returned when the manager cannot locate a provider.
	ErrUnsupportedProvider = errors.New("payments: unsupported provider")
	// ErrInvalidEmail is returned when the customer email fails syntactic validation.
	ErrInvalidEmail = errors.New("payments: invalid customer email")
	// ErrInvalidAmount is returned when the charge amount is not positive.
	ErrInvalidAmount = errors.New("payments: amount must be positive")
)

var emailPattern = regexp.MustCompile(`^[^\s@]+@[^\s@]+\.[^\s@]+$`)

// ValidEmail reports whether the address passes the syntactic check applied
// before any gateway call is attempted.
func ValidEmail(email string) bool {
	return emailPattern.MatchString(strings.TrimSpace(email))
}

// MinorUnits converts a major-unit amount into the smallest currency unit,
// rounding half away from zero.
func MinorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}

// MajorUnits converts a minor-unit amount back into major units.
func MajorUnits(amount int64) float64 {
	return float64(amount) / 100
}

// GatewayError wraps failures reported by or while reaching a payment gateway.
type GatewayError struct {
	Provider   string
	Message    string
	StatusCode int
	Err        error
}

// Error implements the error interface.
func (e *GatewayError) Error() string {
	if e == nil {
		return ""
	}
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("payments: %s gateway: %s", e.Provider, msg)
}

// Unwrap returns the underlying error.
func (e *GatewayError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Temporary reports whether the failure looks transient (network error or 5xx).
func (e *GatewayError) Temporary() bool {
	if e == nil {
		return false
	}
	return e.StatusCode == 0 || e.StatusCode >= 500
}

// InitializeRequest captures the payload required to start a gateway transaction.
type InitializeRequest struct {
	Email       string
	Amount      float64
	Currency    string
	Reference   string
	CallbackURL string
	Metadata    map[string]string
}

// InitializedTransaction represents the gateway session handed back to the client.
type InitializedTransaction struct {
	Provider         string
	Reference        string
	AccessCode       string
	AuthorizationURL string
	Raw              map[string]any
}

// Transaction normalises gateway-specific verification results for storage.
type Transaction struct {
	Provider        string
	Reference       string
	Status          Status
	Amount          float64
	Currency        string
	Channel         string
	GatewayResponse string
	CustomerEmail   string
	PaidAt          *time.Time
	Raw             map[string]any
}

// Provider defines the contract payment gateway adapters implement.
type Provider interface {
	Initialize(ctx context.Context, req InitializeRequest) (InitializedTransaction, error)
	Verify(ctx context.Context, reference string) (Transaction, error)
}

// Manager coordinates provider selection and exposes the aggregated interface.
type Manager struct {
	providers       map[string]Provider
	defaultProvider string
	currencyRoutes  map[string]string
}

// ManagerOption configures optional behaviour when building a Manager.
type ManagerOption func(*Manager)

// WithDefaultProvider overrides the default provider for currencies without explicit routing.
func WithDefaultProvider(provider string) ManagerOption {
	return func(m *Manager) {
		m.defaultProvider = provider
	}
}

// WithCurrencyRoutes configures static currency to provider mappings.
func WithCurrencyRoutes(routes map[string]string) ManagerOption {
	return func(m *Manager) {
		if len(routes) == 0 {
			return
		}
		if m.currencyRoutes == nil {
			m.currencyRoutes = make(map[string]string, len(routes))
		}
		for k, v := range routes {
			m.currencyRoutes[strings.ToUpper(strings.TrimSpace(k))] = strings.TrimSpace(v)
		}
	}
}

// NewManager constructs a Manager over the supplied providers.
func NewManager(providers map[string]Provider, opts ...ManagerOption) (*Manager, error) {
	if len(providers) == 0 {
		return nil, errors.New("payments: at least one provider is required")
	}
	copyMap := make(map[string]Provider, len(providers))
	for k, v := range providers {
		key := strings.TrimSpace(strings.ToLower(k))
		if key == "" || v == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for key %q", k)
		}
		copyMap[key] = v
	}
	m := &Manager{
		providers: copyMap,
	}
	if _, ok := copyMap["paystack"]; ok {
		m.defaultProvider = "paystack"
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// PaymentContext defines the hints available when selecting a provider.
type PaymentContext struct {
	PreferredProvider string
	Currency          string
}

func (m *Manager) resolveProvider(ctx PaymentContext) (string, Provider, error) {
	if m == nil {
		return "", nil, errors.New("payments: manager is nil")
	}
	if len(m.providers) == 0 {
		return "", nil, errors.New("payments: no providers registered")
	}
	if provider := strings.TrimSpace(strings.ToLower(ctx.PreferredProvider)); provider != "" {
		if p, ok := m.providers[provider]; ok {
			return provider, p, nil
		}
	}
	currency := strings.ToUpper(strings.TrimSpace(ctx.Currency))
	if currency != "" && m.currencyRoutes != nil {
		if providerKey, ok := m.currencyRoutes[currency]; ok {
			provider := strings.TrimSpace(strings.ToLower(providerKey))
			if p, ok := m.providers[provider]; ok {
				return provider, p, nil
			}
		}
	}
	if def := strings.TrimSpace(strings.ToLower(m.defaultProvider)); def != "" {
		if p, ok := m.providers[def]; ok {
			return def, p, nil
		}
	}
	if len(m.providers) == 1 {
		for key, p := range m.providers {
			return key, p, nil
		}
	}
	return "", nil, ErrUnsupportedProvider
}

// Initialize validates the request and delegates to the resolved provider.
func (m *Manager) Initialize(ctx context.Context, paymentCtx PaymentContext, req InitializeRequest) (InitializedTransaction, error) {
	if !ValidEmail(req.Email) {
		return InitializedTransaction{}, ErrInvalidEmail
	}
	if req.Amount <= 0 {
		return InitializedTransaction{}, ErrInvalidAmount
	}
	key, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return InitializedTransaction{}, err
	}
	session, err := provider.Initialize(ctx, req)
	if err != nil {
		return InitializedTransaction{}, err
	}
	session.Provider = key
	return session, nil
}

// Verify delegates to the resolved provider.
func (m *Manager) Verify(ctx context.Context, paymentCtx PaymentContext, reference string) (Transaction, error) {
	if strings.TrimSpace(reference) == "" {
		return Transaction{}, errors.New("payments: reference is required")
	}
	key, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return Transaction{}, err
	}
	tx, err := provider.Verify(ctx, reference)
	if err != nil {
		return Transaction{}, err
	}
	if tx.Provider == "" {
		tx.Provider = key
	}
	return tx, nil
}
