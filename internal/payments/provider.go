package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status enumerates the normalised payment states shared across providers.
type Status string

const (
	// StatusCreated indicates the provider order exists and awaits the buyer.
	StatusCreated Status = "created"
	// StatusSucceeded indicates the provider confirmed the payment.
	StatusSucceeded Status = "succeeded"
	// StatusFailed indicates the provider reports a failure and no further action is possible.
	StatusFailed Status = "failed"
)

var (
	// ErrUnsupportedProvider is returned when the manager cannot locate a provider.
	ErrUnsupportedProvider = errors.New("payments: unsupported provider")
	// ErrSignatureMismatch is returned when a callback signature does not verify.
	ErrSignatureMismatch = errors.New("payments: signature mismatch")
	// ErrGatewayUnavailable indicates a transient provider failure. Callers may retry.
	ErrGatewayUnavailable = errors.New("payments: gateway unavailable")
	// ErrGatewayRejected indicates the provider refused the request.
	ErrGatewayRejected = errors.New("payments: gateway rejected request")
)

// IntentRequest captures the payload required to open a provider order for a checkout total.
type IntentRequest struct {
	CheckoutID     string
	Amount         int64
	Currency       string
	CustomerID     string
	IdempotencyKey string
	Metadata       map[string]string
}

// Intent is the provider order returned to the client.
type Intent struct {
	ID              string
	Provider        string
	ProviderOrderID string
	ClientSecret    string
	Amount          int64
	Currency        string
	Status          Status
	CreatedAt       time.Time
}

// Callback carries the fields a provider signs when it confirms a payment.
type Callback struct {
	ProviderOrderID   string
	ProviderPaymentID string
	Signature         string
}

// Verification is the outcome of a successfully verified callback.
type Verification struct {
	Provider          string
	ProviderOrderID   string
	ProviderPaymentID string
	Amount            int64
	Currency          string
	Status            Status
	VerifiedAt        time.Time
}

// Provider defines the contract for PSP adapters to implement. Adapters hold no business state.
type Provider interface {
	CreateIntent(ctx context.Context, req IntentRequest) (Intent, error)
	// VerifyCallback must return ErrSignatureMismatch without side effects when the signature is wrong.
	VerifyCallback(ctx context.Context, cb Callback) (Verification, error)
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
		key := normaliseProviderKey(k)
		if key == "" || v == nil {
			return nil, fmt.Errorf("payments: invalid provider registration for key %q", k)
		}
		copyMap[key] = v
	}
	m := &Manager{
		providers: copyMap,
	}
	if _, ok := copyMap[ProviderHMAC]; ok {
		m.defaultProvider = ProviderHMAC
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
	if provider := normaliseProviderKey(ctx.PreferredProvider); provider != "" {
		if p, ok := m.providers[provider]; ok {
			return provider, p, nil
		}
		return "", nil, fmt.Errorf("%w: %s", ErrUnsupportedProvider, provider)
	}
	currency := strings.ToUpper(strings.TrimSpace(ctx.Currency))
	if currency != "" && m.currencyRoutes != nil {
		if providerKey, ok := m.currencyRoutes[currency]; ok {
			provider := normaliseProviderKey(providerKey)
			if p, ok := m.providers[provider]; ok {
				return provider, p, nil
			}
		}
	}
	if def := normaliseProviderKey(m.defaultProvider); def != "" {
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

// ResolveProviderName reports which provider would serve the context.
func (m *Manager) ResolveProviderName(paymentCtx PaymentContext) (string, error) {
	key, _, err := m.resolveProvider(paymentCtx)
	return key, err
}

// CreateIntent delegates to the resolved provider.
func (m *Manager) CreateIntent(ctx context.Context, paymentCtx PaymentContext, req IntentRequest) (Intent, error) {
	if req.Amount <= 0 {
		return Intent{}, fmt.Errorf("%w: amount must be positive", ErrGatewayRejected)
	}
	key, provider, err := m.resolveProvider(paymentCtx)
	if err != nil {
		return Intent{}, err
	}
	intent, err := provider.CreateIntent(ctx, req)
	if err != nil {
		return Intent{}, err
	}
	intent.Provider = key
	return intent, nil
}

// VerifyCallback delegates to the named provider. The provider must be known; callbacks are never
// routed by currency.
func (m *Manager) VerifyCallback(ctx context.Context, providerName string, cb Callback) (Verification, error) {
	key, provider, err := m.resolveProvider(PaymentContext{PreferredProvider: providerName})
	if err != nil {
		return Verification{}, err
	}
	verification, err := provider.VerifyCallback(ctx, cb)
	if err != nil {
		return Verification{}, err
	}
	verification.Provider = key
	return verification, nil
}

func normaliseProviderKey(key string) string {
	return strings.TrimSpace(strings.ToLower(key))
}
