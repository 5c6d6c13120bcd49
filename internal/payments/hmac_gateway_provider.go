package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// ProviderHMAC names the REST gateway whose callbacks are HMAC signed.
const ProviderHMAC = "hmac"

// GatewayLogger defines the logging contract for provider operations.
type GatewayLogger func(ctx context.Context, event string, fields map[string]any)

// HMACGatewayConfig configures the HMACGatewayProvider.
type HMACGatewayConfig struct {
	BaseURL       string
	KeyID         string
	KeySecret     string
	WebhookSecret string
	Timeout       time.Duration
	HTTPClient    *http.Client
	Logger        GatewayLogger
	Clock         func() time.Time
}

// HMACGatewayProvider talks to an orders-style REST gateway: the server creates an order for the
// amount in minor units, the client completes payment out-of-band, and the gateway posts back a
// signed (order id, payment id) pair.
type HMACGatewayProvider struct {
	client *resty.Client
	signer Signer
	clock  func() time.Time
	logger GatewayLogger
}

type gatewayOrderRequest struct {
	Amount   int64             `json:"amount"`
	Currency string            `json:"currency"`
	Receipt  string            `json:"receipt"`
	Notes    map[string]string `json:"notes,omitempty"`
}

type gatewayOrderResponse struct {
	ID        string `json:"id"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	Status    string `json:"status"`
	CreatedAt int64  `json:"created_at"`
}

type gatewayErrorResponse struct {
	Error struct {
		Code        string `json:"code"`
		Description string `json:"description"`
	} `json:"error"`
}

// NewHMACGatewayProvider constructs the provider.
func NewHMACGatewayProvider(cfg HMACGatewayConfig) (*HMACGatewayProvider, error) {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		return nil, errors.New("hmac gateway: base url is required")
	}
	if strings.TrimSpace(cfg.KeyID) == "" || strings.TrimSpace(cfg.KeySecret) == "" {
		return nil, errors.New("hmac gateway: key id and secret are required")
	}
	webhookSecret := cfg.WebhookSecret
	if strings.TrimSpace(webhookSecret) == "" {
		webhookSecret = cfg.KeySecret
	}
	signer, err := NewSigner(webhookSecret)
	if err != nil {
		return nil, err
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var client *resty.Client
	if cfg.HTTPClient != nil {
		client = resty.NewWithClient(cfg.HTTPClient)
	} else {
		client = resty.New()
	}
	client.SetBaseURL(baseURL).
		SetBasicAuth(cfg.KeyID, cfg.KeySecret).
		SetTimeout(timeout).
		SetHeader("Accept", "application/json")

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &HMACGatewayProvider{
		client: client,
		signer: signer,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// CreateIntent opens a provider order for the checkout total.
func (p *HMACGatewayProvider) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	if p == nil {
		return Intent{}, errors.New("hmac gateway: provider is nil")
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))

	var (
		body    gatewayOrderResponse
		failure gatewayErrorResponse
	)
	r := p.client.R().
		SetContext(ctx).
		SetBody(gatewayOrderRequest{
			Amount:   req.Amount,
			Currency: currency,
			Receipt:  req.CheckoutID,
			Notes:    req.Metadata,
		}).
		SetResult(&body).
		SetError(&failure)
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		r.SetHeader("Idempotency-Key", key)
	}

	resp, err := r.Post("/v1/orders")
	if err != nil {
		return Intent{}, fmt.Errorf("%w: create order: %v", ErrGatewayUnavailable, err)
	}
	if err := classifyGatewayStatus(resp.StatusCode(), failure.Error.Description); err != nil {
		p.logger(ctx, "payments.hmac.order.failed", map[string]any{
			"checkoutId": req.CheckoutID,
			"status":     resp.StatusCode(),
			"code":       failure.Error.Code,
		})
		return Intent{}, err
	}
	if strings.TrimSpace(body.ID) == "" {
		return Intent{}, fmt.Errorf("%w: order id missing from response", ErrGatewayUnavailable)
	}

	createdAt := p.clock()
	if body.CreatedAt > 0 {
		createdAt = time.Unix(body.CreatedAt, 0).UTC()
	}
	amount := body.Amount
	if amount == 0 {
		amount = req.Amount
	}
	p.logger(ctx, "payments.hmac.order.created", map[string]any{
		"checkoutId":      req.CheckoutID,
		"providerOrderId": body.ID,
		"amount":          amount,
	})

	return Intent{
		ID:              body.ID,
		Provider:        ProviderHMAC,
		ProviderOrderID: body.ID,
		Amount:          amount,
		Currency:        defaultString(strings.ToUpper(body.Currency), currency),
		Status:          StatusCreated,
		CreatedAt:       createdAt,
	}, nil
}

// VerifyCallback checks the signature locally. No network call is made.
func (p *HMACGatewayProvider) VerifyCallback(ctx context.Context, cb Callback) (Verification, error) {
	orderID := strings.TrimSpace(cb.ProviderOrderID)
	paymentID := strings.TrimSpace(cb.ProviderPaymentID)
	if orderID == "" || paymentID == "" {
		return Verification{}, fmt.Errorf("%w: order and payment ids are required", ErrSignatureMismatch)
	}
	if !p.signer.Verify(orderID, paymentID, cb.Signature) {
		return Verification{}, ErrSignatureMismatch
	}
	return Verification{
		Provider:          ProviderHMAC,
		ProviderOrderID:   orderID,
		ProviderPaymentID: paymentID,
		Status:            StatusSucceeded,
		VerifiedAt:        p.clock(),
	}, nil
}

func classifyGatewayStatus(status int, description string) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusTooManyRequests || status >= 500:
		return fmt.Errorf("%w: status %d", ErrGatewayUnavailable, status)
	default:
		if description == "" {
			description = http.StatusText(status)
		}
		return fmt.Errorf("%w: %s", ErrGatewayRejected, description)
	}
}

func defaultString(value, fallback string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return fallback
}
