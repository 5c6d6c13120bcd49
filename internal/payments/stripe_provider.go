package payments

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v78"
	"github.com/stripe/stripe-go/v78/client"
)

// ProviderStripe names the Stripe PaymentIntents provider.
const ProviderStripe = "stripe"

type stripePaymentIntentAPI interface {
	New(params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
	Get(id string, params *stripe.PaymentIntentParams) (*stripe.PaymentIntent, error)
}

type stripeClients struct {
	intents stripePaymentIntentAPI
}

// StripeProviderConfig configures the StripeProvider.
type StripeProviderConfig struct {
	APIKey        string
	AccountID     string
	WebhookSecret string
	Backends      *stripe.Backends
	Logger        GatewayLogger
	Clock         func() time.Time
	Clients       *stripeClients
}

// StripeProvider implements the Provider interface using Stripe PaymentIntents. The callback
// signature covers (payment intent id, charge id); a read-only fetch then confirms the intent
// succeeded for the expected amount.
type StripeProvider struct {
	api     stripeClients
	account string
	signer  Signer
	clock   func() time.Time
	logger  GatewayLogger
}

// NewStripeProvider constructs a Stripe Provider using the given configuration.
func NewStripeProvider(cfg StripeProviderConfig) (*StripeProvider, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" && cfg.Clients == nil {
		return nil, errors.New("stripe: api key is required")
	}
	signer, err := NewSigner(cfg.WebhookSecret)
	if err != nil {
		return nil, fmt.Errorf("stripe: %w", err)
	}

	var clients stripeClients
	if cfg.Clients != nil {
		clients = *cfg.Clients
	} else {
		sc := client.New(apiKey, cfg.Backends)
		clients = stripeClients{intents: sc.PaymentIntents}
	}
	if clients.intents == nil {
		return nil, errors.New("stripe: incomplete client configuration")
	}

	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	logger := cfg.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &StripeProvider{
		api:     clients,
		account: strings.TrimSpace(cfg.AccountID),
		signer:  signer,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

// CreateIntent creates a Stripe PaymentIntent for the checkout total.
func (p *StripeProvider) CreateIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	if p == nil {
		return Intent{}, errors.New("stripe: provider is nil")
	}

	params := &stripe.PaymentIntentParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(strings.ToLower(req.Currency)),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.Context = ctx
	if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
		params.SetIdempotencyKey(key)
	}
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	if req.CustomerID != "" {
		params.AddMetadata("buyer_id", req.CustomerID)
	}
	params.AddMetadata("checkout_id", req.CheckoutID)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	intent, err := p.api.intents.New(params)
	if err != nil {
		return Intent{}, classifyStripeError("create payment intent", err)
	}

	p.logger(ctx, "payments.stripe.intent.created", map[string]any{
		"paymentIntent": intent.ID,
		"checkoutId":    req.CheckoutID,
		"amount":        intent.Amount,
	})

	createdAt := p.clock()
	if intent.Created != 0 {
		createdAt = time.Unix(intent.Created, 0).UTC()
	}

	return Intent{
		ID:              intent.ID,
		Provider:        ProviderStripe,
		ProviderOrderID: intent.ID,
		ClientSecret:    intent.ClientSecret,
		Amount:          intent.Amount,
		Currency:        strings.ToUpper(string(intent.Currency)),
		Status:          StatusCreated,
		CreatedAt:       createdAt,
	}, nil
}

// VerifyCallback checks the signature before any network call, then confirms the intent state.
func (p *StripeProvider) VerifyCallback(ctx context.Context, cb Callback) (Verification, error) {
	if p == nil {
		return Verification{}, errors.New("stripe: provider is nil")
	}
	intentID := strings.TrimSpace(cb.ProviderOrderID)
	paymentID := strings.TrimSpace(cb.ProviderPaymentID)
	if intentID == "" || paymentID == "" || !p.signer.Verify(intentID, paymentID, cb.Signature) {
		return Verification{}, ErrSignatureMismatch
	}

	params := &stripe.PaymentIntentParams{}
	params.Context = ctx
	if p.account != "" {
		params.SetStripeAccount(p.account)
	}
	intent, err := p.api.intents.Get(intentID, params)
	if err != nil {
		return Verification{}, classifyStripeError("lookup payment intent", err)
	}
	if intent.Status != stripe.PaymentIntentStatusSucceeded {
		p.logger(ctx, "payments.stripe.intent.not_succeeded", map[string]any{
			"paymentIntent": intent.ID,
			"status":        intent.Status,
		})
		return Verification{}, fmt.Errorf("%w: payment intent status %s", ErrGatewayRejected, intent.Status)
	}
	if charge := intent.LatestCharge; charge != nil && charge.ID != "" && charge.ID != paymentID {
		return Verification{}, ErrSignatureMismatch
	}

	return Verification{
		Provider:          ProviderStripe,
		ProviderOrderID:   intent.ID,
		ProviderPaymentID: paymentID,
		Amount:            intent.Amount,
		Currency:          strings.ToUpper(string(intent.Currency)),
		Status:            StatusSucceeded,
		VerifiedAt:        p.clock(),
	}, nil
}

func classifyStripeError(op string, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		status := stripeErr.HTTPStatusCode
		if status == http.StatusTooManyRequests || status >= 500 || status == 0 {
			return fmt.Errorf("%w: stripe: %s: %v", ErrGatewayUnavailable, op, err)
		}
		return fmt.Errorf("%w: stripe: %s: %v", ErrGatewayRejected, op, err)
	}
	return fmt.Errorf("%w: stripe: %s: %v", ErrGatewayUnavailable, op, err)
}
