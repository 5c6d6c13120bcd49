package services

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/payments"
	"github.com/hanko-field/checkout/internal/repositories"
)

const (
	codOrderKeyPrefix = "cod_"

	reasonReserveFailed = "checkout_reserve_failed"
	reasonPersistFailed = "checkout_persist_failed"
	reasonIntentFailed  = "checkout_intent_failed"
	reasonOrderFailed   = "checkout_order_failed"
)

var (
	// ErrCheckoutInvalidInput signals malformed checkout requests.
	ErrCheckoutInvalidInput = errors.New("checkout: invalid input")
	// ErrCheckoutNotFound indicates the checkout could not be located for the caller.
	ErrCheckoutNotFound = errors.New("checkout: not found")
	// ErrCheckoutExpired indicates the checkout hold lapsed before payment was reconciled.
	ErrCheckoutExpired = errors.New("checkout: expired")
	// ErrCheckoutPaymentFailed indicates the provider refused to open a payment for the checkout.
	ErrCheckoutPaymentFailed = errors.New("checkout: payment failed")
	// ErrCheckoutAmountMismatch indicates the provider confirmed a different amount than the checkout total.
	ErrCheckoutAmountMismatch = errors.New("checkout: amount mismatch")
	// ErrSignatureMismatch indicates a callback failed signature verification.
	ErrSignatureMismatch = payments.ErrSignatureMismatch
	// ErrGatewayUnavailable indicates a transient provider failure; the caller may retry.
	ErrGatewayUnavailable = payments.ErrGatewayUnavailable

	// errFinalisationPending wraps a failure that happened after the order was stored. The sweep
	// rolls such checkouts forward.
	errFinalisationPending = errors.New("checkout: finalisation pending")
)

// PaymentGateway is the narrow view of payments.Manager used by checkout.
type PaymentGateway interface {
	CreateIntent(ctx context.Context, paymentCtx payments.PaymentContext, req payments.IntentRequest) (payments.Intent, error)
	VerifyCallback(ctx context.Context, provider string, cb payments.Callback) (payments.Verification, error)
}

// CheckoutServiceDeps bundles the collaborators required by the checkout orchestrator.
type CheckoutServiceDeps struct {
	Resolver   CartResolver
	Ledger     StockLedgerService
	Checkouts  repositories.CheckoutRepository
	Orders     OrderService
	Gateway    PaymentGateway
	Carts      repositories.CartRepository
	CartEvents CartEventPublisher
	Tracer     trace.Tracer
	Clock      func() time.Time
	Logger     func(ctx context.Context, event string, fields map[string]any)
}

type checkoutService struct {
	resolver   CartResolver
	ledger     StockLedgerService
	checkouts  repositories.CheckoutRepository
	orders     OrderService
	gateway    PaymentGateway
	carts      repositories.CartRepository
	cartEvents CartEventPublisher
	tracer     trace.Tracer
	clock      func() time.Time
	logger     func(context.Context, string, map[string]any)
}

// NewCheckoutService wires dependencies into the checkout orchestrator.
func NewCheckoutService(deps CheckoutServiceDeps) (CheckoutService, error) {
	switch {
	case deps.Resolver == nil:
		return nil, errors.New("checkout service: cart resolver is required")
	case deps.Ledger == nil:
		return nil, errors.New("checkout service: stock ledger is required")
	case deps.Checkouts == nil:
		return nil, errors.New("checkout service: checkout repository is required")
	case deps.Orders == nil:
		return nil, errors.New("checkout service: order service is required")
	case deps.Gateway == nil:
		return nil, errors.New("checkout service: payment gateway is required")
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer("github.com/hanko-field/checkout/internal/services")
	}

	return &checkoutService{
		resolver:   deps.Resolver,
		ledger:     deps.Ledger,
		checkouts:  deps.Checkouts,
		orders:     deps.Orders,
		gateway:    deps.Gateway,
		carts:      deps.Carts,
		cartEvents: deps.CartEvents,
		tracer:     tracer,
		clock: func() time.Time {
			return clock().UTC()
		},
		logger: logger,
	}, nil
}

func (s *checkoutService) CreateIntent(ctx context.Context, cmd CreateIntentCommand) (result CheckoutIntentResult, err error) {
	ctx, span := s.tracer.Start(ctx, "checkout.CreateIntent")
	defer func() { endSpan(span, err) }()

	checkout, err := s.resolver.Resolve(ctx, cmd.Selection)
	if err != nil {
		return CheckoutIntentResult{}, err
	}
	span.SetAttributes(
		attribute.String("checkout.id", checkout.ID),
		attribute.String("checkout.payment_mode", string(checkout.PaymentMode)),
		attribute.Int64("checkout.total", checkout.Total),
	)

	if err := s.reserveAll(ctx, &checkout); err != nil {
		return CheckoutIntentResult{}, err
	}

	if err := s.checkouts.Insert(ctx, checkout); err != nil {
		s.releaseAll(ctx, checkout.ReservationTokens(), reasonPersistFailed)
		return CheckoutIntentResult{}, fmt.Errorf("checkout: persist: %w", err)
	}

	if checkout.PaymentMode == domain.PaymentModeCOD {
		return s.placeCashOnDelivery(ctx, checkout)
	}

	intent, err := s.gateway.CreateIntent(ctx,
		payments.PaymentContext{PreferredProvider: checkout.Provider, Currency: checkout.Currency},
		payments.IntentRequest{
			CheckoutID:     checkout.ID,
			Amount:         checkout.Total,
			Currency:       checkout.Currency,
			CustomerID:     checkout.BuyerID,
			IdempotencyKey: checkout.ID,
		})
	if err != nil {
		s.abandon(ctx, checkout, reasonIntentFailed)
		s.logger(ctx, "checkout.intent.failed", map[string]any{
			"checkoutId": checkout.ID,
			"error":      err.Error(),
		})
		if errors.Is(err, payments.ErrGatewayUnavailable) {
			return CheckoutIntentResult{}, fmt.Errorf("checkout: create intent: %w", err)
		}
		return CheckoutIntentResult{}, fmt.Errorf("%w: %w", ErrCheckoutPaymentFailed, err)
	}

	record := domain.PaymentIntent{
		IntentID:        intent.ID,
		CheckoutID:      checkout.ID,
		Provider:        intent.Provider,
		ProviderOrderID: intent.ProviderOrderID,
		Amount:          checkout.Total,
		Currency:        checkout.Currency,
		ClientSecret:    intent.ClientSecret,
		Status:          domain.PaymentIntentStatusCreated,
		CreatedAt:       s.now(),
	}
	stored, err := s.checkouts.AttachIntent(ctx, checkout.ID, record, s.now())
	if err != nil {
		s.abandon(ctx, checkout, reasonIntentFailed)
		s.logger(ctx, "checkout.intent.orphaned", map[string]any{
			"checkoutId":      checkout.ID,
			"providerOrderId": intent.ProviderOrderID,
			"error":           err.Error(),
		})
		return CheckoutIntentResult{}, fmt.Errorf("checkout: attach intent: %w", err)
	}

	s.logger(ctx, "checkout.intent.created", map[string]any{
		"checkoutId":      stored.ID,
		"providerOrderId": record.ProviderOrderID,
		"provider":        record.Provider,
		"amount":          record.Amount,
		"expiresAt":       stored.ExpiresAt,
	})
	return CheckoutIntentResult{Checkout: stored, Intent: stored.Intent}, nil
}

func (s *checkoutService) HandleCallback(ctx context.Context, cmd PaymentCallbackCommand) (result CallbackResult, err error) {
	ctx, span := s.tracer.Start(ctx, "checkout.HandleCallback")
	defer func() { endSpan(span, err) }()

	payload := cmd.Payload
	verification, err := s.gateway.VerifyCallback(ctx, cmd.Provider, payments.Callback{
		ProviderOrderID:   strings.TrimSpace(payload.ProviderOrderID),
		ProviderPaymentID: strings.TrimSpace(payload.ProviderPaymentID),
		Signature:         payload.Signature,
	})
	if err != nil {
		if errors.Is(err, payments.ErrSignatureMismatch) {
			s.logger(ctx, "checkout.callback.signature_mismatch", map[string]any{
				"provider":        cmd.Provider,
				"providerOrderId": payload.ProviderOrderID,
			})
			return CallbackResult{}, ErrSignatureMismatch
		}
		return CallbackResult{}, fmt.Errorf("checkout: verify callback: %w", err)
	}
	key := verification.ProviderOrderID
	span.SetAttributes(attribute.String("payment.provider_order_id", key))

	if existing, err := s.orders.FindByProviderOrderID(ctx, key); err == nil {
		order, finErr := s.finishOrder(ctx, existing)
		if finErr != nil {
			s.deferFinalisation(ctx, existing, finErr)
			order = existing
		}
		return CallbackResult{Order: order, Duplicate: true}, nil
	} else if !errors.Is(err, ErrOrderNotFound) {
		return CallbackResult{}, err
	}

	checkout, err := s.checkouts.FindByProviderOrderID(ctx, key)
	if err != nil {
		if isRepoNotFound(err) {
			return CallbackResult{}, fmt.Errorf("%w: provider order %s", ErrCheckoutNotFound, key)
		}
		return CallbackResult{}, err
	}
	span.SetAttributes(attribute.String("checkout.id", checkout.ID))

	if expected := checkoutProvider(checkout); expected != "" && !strings.EqualFold(expected, verification.Provider) {
		s.logger(ctx, "checkout.callback.provider_mismatch", map[string]any{
			"checkoutId": checkout.ID,
			"expected":   expected,
			"received":   verification.Provider,
		})
		return CallbackResult{}, ErrSignatureMismatch
	}

	if verification.Amount != 0 && verification.Amount != checkout.Total {
		s.logger(ctx, "checkout.callback.amount_mismatch", map[string]any{
			"checkoutId": checkout.ID,
			"expected":   checkout.Total,
			"received":   verification.Amount,
		})
		return CallbackResult{}, fmt.Errorf("%w: expected %d, received %d", ErrCheckoutAmountMismatch, checkout.Total, verification.Amount)
	}

	claimed, applied, err := s.checkouts.Transition(ctx, repositories.CheckoutTransition{
		CheckoutID:        checkout.ID,
		From:              []domain.CheckoutStatus{domain.CheckoutStatusAwaitingPayment},
		To:                domain.CheckoutStatusPaid,
		RequireUnexpired:  true,
		ProviderPaymentID: verification.ProviderPaymentID,
		IntentStatus:      domain.PaymentIntentStatusVerified,
		At:                s.now(),
	})
	if err != nil {
		return CallbackResult{}, fmt.Errorf("checkout: claim: %w", err)
	}
	if !applied {
		switch claimed.Status {
		case domain.CheckoutStatusPaid:
			// Another delivery claimed it first; finishing is idempotent.
		case domain.CheckoutStatusCompleted:
			order, err := s.orders.FindByCheckoutID(ctx, claimed.ID)
			if err != nil {
				return CallbackResult{}, err
			}
			return CallbackResult{Order: order, Duplicate: true}, nil
		default:
			s.logger(ctx, "checkout.callback.after_expiry", map[string]any{
				"checkoutId":        claimed.ID,
				"status":            string(claimed.Status),
				"providerPaymentId": verification.ProviderPaymentID,
			})
			return CallbackResult{}, fmt.Errorf("%w: checkout %s is %s", ErrCheckoutExpired, claimed.ID, claimed.Status)
		}
	}

	paymentID := verification.ProviderPaymentID
	if claimed.ProviderPaymentID != "" {
		paymentID = claimed.ProviderPaymentID
	}
	order, duplicate, err := s.finalise(ctx, claimed, key, paymentID)
	if errors.Is(err, errFinalisationPending) {
		s.deferFinalisation(ctx, order, err)
		err = nil
	}
	if err != nil {
		return CallbackResult{}, err
	}
	return CallbackResult{Order: order, Duplicate: duplicate}, nil
}

func (s *checkoutService) IntentStatus(ctx context.Context, buyerID string, checkoutID string) (PendingCheckout, error) {
	checkoutID = strings.TrimSpace(checkoutID)
	if checkoutID == "" {
		return PendingCheckout{}, fmt.Errorf("%w: checkout id is required", ErrCheckoutInvalidInput)
	}
	checkout, err := s.checkouts.Get(ctx, checkoutID)
	if err != nil {
		if isRepoNotFound(err) {
			return PendingCheckout{}, ErrCheckoutNotFound
		}
		return PendingCheckout{}, err
	}
	if buyerID = strings.TrimSpace(buyerID); buyerID != "" && checkout.BuyerID != buyerID {
		return PendingCheckout{}, ErrCheckoutNotFound
	}
	return checkout, nil
}

func (s *checkoutService) ResumeFinalisation(ctx context.Context, checkoutID string) (Order, error) {
	checkout, err := s.checkouts.Get(ctx, strings.TrimSpace(checkoutID))
	if err != nil {
		if isRepoNotFound(err) {
			return Order{}, ErrCheckoutNotFound
		}
		return Order{}, err
	}
	switch checkout.Status {
	case domain.CheckoutStatusPaid, domain.CheckoutStatusCompleted:
	default:
		return Order{}, fmt.Errorf("%w: checkout %s is %s", ErrCheckoutInvalidInput, checkout.ID, checkout.Status)
	}
	key := checkout.ProviderOrderID()
	if checkout.PaymentMode == domain.PaymentModeCOD {
		key = codOrderKeyPrefix + checkout.ID
	}
	order, _, err := s.finalise(ctx, checkout, key, checkout.ProviderPaymentID)
	return order, err
}

// placeCashOnDelivery creates the order immediately; payment is collected on delivery.
func (s *checkoutService) placeCashOnDelivery(ctx context.Context, checkout PendingCheckout) (CheckoutIntentResult, error) {
	claimed, _, err := s.checkouts.Transition(ctx, repositories.CheckoutTransition{
		CheckoutID: checkout.ID,
		From:       []domain.CheckoutStatus{domain.CheckoutStatusAwaitingPayment},
		To:         domain.CheckoutStatusPaid,
		At:         s.now(),
	})
	if err != nil {
		s.abandon(ctx, checkout, reasonOrderFailed)
		return CheckoutIntentResult{}, fmt.Errorf("checkout: claim: %w", err)
	}

	order, _, err := s.finalise(ctx, claimed, codOrderKeyPrefix+checkout.ID, "")
	if errors.Is(err, errFinalisationPending) {
		// The order exists; the checkout stays paid until the sweep commits its stock.
		s.deferFinalisation(ctx, order, err)
		err = nil
	}
	if err != nil {
		if _, findErr := s.orders.FindByCheckoutID(ctx, checkout.ID); findErr != nil {
			s.abandon(ctx, claimed, reasonOrderFailed)
		}
		return CheckoutIntentResult{}, err
	}
	stored, err := s.checkouts.Get(ctx, checkout.ID)
	if err != nil {
		stored = claimed
	}
	return CheckoutIntentResult{Checkout: stored, Order: &order}, nil
}

// finalise creates the order first, then commits stock and clears the cart. Every step is
// idempotent so redeliveries and the sweep can re-run it. Once the order is stored it is returned
// even when a later step fails; that error wraps errFinalisationPending.
func (s *checkoutService) finalise(ctx context.Context, checkout PendingCheckout, key, paymentID string) (Order, bool, error) {
	created, err := s.orders.CreateFromCheckout(ctx, CreateOrderCommand{
		Checkout:          checkout,
		ProviderOrderID:   key,
		ProviderPaymentID: paymentID,
	})
	if err != nil {
		return Order{}, false, fmt.Errorf("checkout: create order: %w", err)
	}
	order, err := s.finishOrder(ctx, created.Order)
	if err != nil {
		return created.Order, created.Duplicate, fmt.Errorf("%w: %w", errFinalisationPending, err)
	}
	if !created.Duplicate {
		s.logger(ctx, "checkout.order.created", map[string]any{
			"checkoutId":      checkout.ID,
			"orderId":         order.ID,
			"providerOrderId": key,
			"finalAmount":     order.FinalAmount,
		})
	}
	return order, created.Duplicate, nil
}

// finishOrder commits stock for an existing order and completes its checkout.
func (s *checkoutService) finishOrder(ctx context.Context, order Order) (Order, error) {
	if !order.StockCommitted {
		for _, line := range order.Lines {
			token := strings.TrimSpace(line.ReservationToken)
			if token == "" {
				continue
			}
			if _, err := s.ledger.Commit(ctx, token); err != nil {
				if errors.Is(err, ErrReservationReleased) && order.FulfillmentStatus == domain.FulfillmentStatusCancelled {
					continue
				}
				return Order{}, fmt.Errorf("checkout: commit %s: %w", token, err)
			}
		}
		committed, err := s.orders.MarkStockCommitted(ctx, order.ID)
		if err != nil {
			return Order{}, err
		}
		order = committed
	}

	checkout, applied, err := s.checkouts.Transition(ctx, repositories.CheckoutTransition{
		CheckoutID: order.CheckoutID,
		From:       []domain.CheckoutStatus{domain.CheckoutStatusPaid, domain.CheckoutStatusAwaitingPayment},
		To:         domain.CheckoutStatusCompleted,
		OrderID:    order.ID,
		At:         s.now(),
	})
	if err != nil {
		if isRepoNotFound(err) {
			return order, nil
		}
		return Order{}, fmt.Errorf("checkout: complete: %w", err)
	}
	if applied {
		s.clearCart(ctx, checkout, order)
	}
	return order, nil
}

func (s *checkoutService) deferFinalisation(ctx context.Context, order Order, err error) {
	s.logger(ctx, "checkout.finalise.deferred", map[string]any{
		"checkoutId": order.CheckoutID,
		"orderId":    order.ID,
		"error":      err.Error(),
	})
}

// checkoutProvider names the provider that opened the checkout's intent.
func checkoutProvider(checkout PendingCheckout) string {
	if checkout.Intent != nil && strings.TrimSpace(checkout.Intent.Provider) != "" {
		return strings.TrimSpace(checkout.Intent.Provider)
	}
	return strings.TrimSpace(checkout.Provider)
}

func (s *checkoutService) reserveAll(ctx context.Context, checkout *PendingCheckout) error {
	tokens := make([]string, 0, len(checkout.Lines))
	for i := range checkout.Lines {
		line := &checkout.Lines[i]
		reservation, err := s.ledger.Reserve(ctx, ReserveStockCommand{
			ProductID:  line.ProductID,
			Quantity:   line.Quantity,
			CheckoutID: checkout.ID,
			ExpiresAt:  checkout.ExpiresAt,
		})
		if err != nil {
			s.releaseAll(ctx, tokens, reasonReserveFailed)
			return fmt.Errorf("checkout: reserve %s: %w", line.ProductID, err)
		}
		line.ReservationToken = reservation.Token
		tokens = append(tokens, reservation.Token)
	}
	return nil
}

func (s *checkoutService) releaseAll(ctx context.Context, tokens []string, reason string) {
	for _, token := range tokens {
		if _, err := s.ledger.Release(ctx, token, reason); err != nil {
			s.logger(ctx, "checkout.release.failed", map[string]any{
				"token":  token,
				"reason": reason,
				"error":  err.Error(),
			})
		}
	}
}

// abandon releases a checkout's holds and marks it failed.
func (s *checkoutService) abandon(ctx context.Context, checkout PendingCheckout, reason string) {
	s.releaseAll(ctx, checkout.ReservationTokens(), reason)
	if _, _, err := s.checkouts.Transition(ctx, repositories.CheckoutTransition{
		CheckoutID:   checkout.ID,
		From:         []domain.CheckoutStatus{domain.CheckoutStatusAwaitingPayment, domain.CheckoutStatusPaid},
		To:           domain.CheckoutStatusFailed,
		IntentStatus: domain.PaymentIntentStatusFailed,
		Reason:       reason,
		At:           s.now(),
	}); err != nil {
		s.logger(ctx, "checkout.abandon.failed", map[string]any{
			"checkoutId": checkout.ID,
			"error":      err.Error(),
		})
	}
}

func (s *checkoutService) clearCart(ctx context.Context, checkout PendingCheckout, order Order) {
	if checkout.Source != domain.SelectionSourceCart {
		return
	}
	itemIDs := checkout.CartItemIDs()
	if len(itemIDs) == 0 {
		return
	}
	if s.carts != nil {
		if err := s.carts.RemoveItems(ctx, checkout.BuyerID, slices.Clone(itemIDs)); err != nil {
			s.logger(ctx, "checkout.cart.clear_failed", map[string]any{
				"checkoutId": checkout.ID,
				"error":      err.Error(),
			})
		}
	}
	if s.cartEvents != nil {
		if err := s.cartEvents.PublishCartCleared(ctx, domain.CartClearedEvent{
			ID:         uuid.NewString(),
			BuyerID:    checkout.BuyerID,
			OrderID:    order.ID,
			ItemIDs:    itemIDs,
			OccurredAt: s.now(),
		}); err != nil {
			s.logger(ctx, "checkout.cart.event_failed", map[string]any{
				"checkoutId": checkout.ID,
				"error":      err.Error(),
			})
		}
	}
}

func (s *checkoutService) now() time.Time {
	return s.clock()
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
