package services

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/payments"
	"github.com/hanko-field/checkout/internal/repositories/memory"
)

const testWebhookSecret = "whsec_test"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeGateway struct {
	signer  payments.Signer
	creates atomic.Int32
	verifys atomic.Int32

	mu      sync.Mutex
	amounts map[string]int64
	failErr error
	// intentProvider overrides the provider recorded on created intents.
	intentProvider string
}

func newFakeGateway(t *testing.T) *fakeGateway {
	t.Helper()
	signer, err := payments.NewSigner(testWebhookSecret)
	if err != nil {
		t.Fatalf("signer: %v", err)
	}
	return &fakeGateway{signer: signer, amounts: make(map[string]int64)}
}

func (g *fakeGateway) CreateIntent(_ context.Context, _ payments.PaymentContext, req payments.IntentRequest) (payments.Intent, error) {
	g.creates.Add(1)
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.failErr != nil {
		return payments.Intent{}, g.failErr
	}
	orderID := "order_" + req.CheckoutID
	g.amounts[orderID] = req.Amount
	provider := payments.ProviderHMAC
	if g.intentProvider != "" {
		provider = g.intentProvider
	}
	return payments.Intent{
		ID:              orderID,
		Provider:        provider,
		ProviderOrderID: orderID,
		Amount:          req.Amount,
		Currency:        req.Currency,
		Status:          payments.StatusCreated,
	}, nil
}

func (g *fakeGateway) VerifyCallback(_ context.Context, _ string, cb payments.Callback) (payments.Verification, error) {
	g.verifys.Add(1)
	if !g.signer.Verify(cb.ProviderOrderID, cb.ProviderPaymentID, cb.Signature) {
		return payments.Verification{}, payments.ErrSignatureMismatch
	}
	g.mu.Lock()
	amount := g.amounts[cb.ProviderOrderID]
	g.mu.Unlock()
	return payments.Verification{
		Provider:          payments.ProviderHMAC,
		ProviderOrderID:   cb.ProviderOrderID,
		ProviderPaymentID: cb.ProviderPaymentID,
		Amount:            amount,
		Status:            payments.StatusSucceeded,
	}, nil
}

func (g *fakeGateway) signedCallback(providerOrderID, paymentID string) PaymentCallbackCommand {
	return PaymentCallbackCommand{
		Provider: payments.ProviderHMAC,
		Payload: domain.CallbackPayload{
			ProviderOrderID:   providerOrderID,
			ProviderPaymentID: paymentID,
			Signature:         g.signer.Sign(providerOrderID, paymentID),
		},
	}
}

type captureStockEvents struct {
	mu     sync.Mutex
	events []StockEvent
}

func (c *captureStockEvents) PublishStockEvent(_ context.Context, event StockEvent) error {
	c.mu.Lock()
	c.events = append(c.events, event)
	c.mu.Unlock()
	return nil
}

func (c *captureStockEvents) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

type captureCartEvents struct {
	mu     sync.Mutex
	events []domain.CartClearedEvent
}

func (c *captureCartEvents) PublishCartCleared(_ context.Context, event domain.CartClearedEvent) error {
	c.mu.Lock()
	c.events = append(c.events, event)
	c.mu.Unlock()
	return nil
}

type checkoutHarness struct {
	t         *testing.T
	clock     *testClock
	reg       *memory.Registry
	gateway   *fakeGateway
	stockEvts *captureStockEvents
	cartEvts  *captureCartEvents
	ledger    StockLedgerService
	resolver  CartResolver
	orders    OrderService
	checkout  CheckoutService
	sweeper   ReconciliationSweeper
	unitPrice int64
	pricing   PricingPolicy
}

var testPricing = PricingPolicy{
	Currency:     "INR",
	TaxRate:      decimal.RequireFromString("0.18"),
	FlatShipping: 5000,
}

func newCheckoutHarness(t *testing.T) *checkoutHarness {
	t.Helper()
	h := &checkoutHarness{
		t:         t,
		clock:     newTestClock(),
		reg:       memory.NewRegistry(),
		gateway:   newFakeGateway(t),
		stockEvts: &captureStockEvents{},
		cartEvts:  &captureCartEvents{},
		unitPrice: 49900,
		pricing:   testPricing,
	}

	ledger, err := NewStockLedgerService(StockLedgerServiceDeps{
		Ledger: h.reg.Ledger(),
		Events: h.stockEvts,
		Clock:  h.clock.Now,
	})
	if err != nil {
		t.Fatalf("ledger service: %v", err)
	}
	resolver, err := NewCartResolver(CartResolverDeps{
		Catalog:   h.reg.Catalog(),
		Carts:     h.reg.Carts(),
		Addresses: h.reg.Addresses(),
		Pricing:   h.pricing,
		Clock:     h.clock.Now,
	})
	if err != nil {
		t.Fatalf("resolver: %v", err)
	}
	orders, err := NewOrderService(OrderServiceDeps{
		Orders: h.reg.Orders(),
		Ledger: ledger,
		Clock:  h.clock.Now,
	})
	if err != nil {
		t.Fatalf("order service: %v", err)
	}
	checkout, err := NewCheckoutService(CheckoutServiceDeps{
		Resolver:   resolver,
		Ledger:     ledger,
		Checkouts:  h.reg.Checkouts(),
		Orders:     orders,
		Gateway:    h.gateway,
		Carts:      h.reg.Carts(),
		CartEvents: h.cartEvts,
		Clock:      h.clock.Now,
	})
	if err != nil {
		t.Fatalf("checkout service: %v", err)
	}
	sweeper, err := NewReconciliationSweeper(ReconciliationSweeperDeps{
		Checkouts: h.reg.Checkouts(),
		Ledger:    ledger,
		Checkout:  checkout,
		Orders:    orders,
		Clock:     h.clock.Now,
	})
	if err != nil {
		t.Fatalf("sweeper: %v", err)
	}
	h.ledger, h.resolver, h.orders, h.checkout, h.sweeper = ledger, resolver, orders, checkout, sweeper

	h.reg.CatalogStore.Put(domain.Product{
		ID:       "p1",
		Name:     "Round seal",
		Price:    decimal.RequireFromString("499.00"),
		Currency: "INR",
		Active:   true,
	})
	h.reg.CatalogStore.Put(domain.Product{
		ID:       "p2",
		Name:     "Ink pad",
		Price:    decimal.RequireFromString("120.50"),
		Currency: "INR",
		Active:   true,
	})
	h.reg.AddressStore.Put("buyer_1", "addr_1", domain.Address{Recipient: "A. Buyer", Line1: "1-2-3", City: "Pune", PostalCode: "411001", Country: "IN"})
	h.reg.AddressStore.Put("buyer_2", "addr_1", domain.Address{Recipient: "B. Buyer", Line1: "4-5-6", City: "Pune", PostalCode: "411002", Country: "IN"})
	return h
}

// useCheckoutLedger rebuilds the checkout service and sweep on top of ledger, leaving the order
// service on the real ledger.
func (h *checkoutHarness) useCheckoutLedger(ledger StockLedgerService) {
	h.t.Helper()
	checkout, err := NewCheckoutService(CheckoutServiceDeps{
		Resolver:   h.resolver,
		Ledger:     ledger,
		Checkouts:  h.reg.Checkouts(),
		Orders:     h.orders,
		Gateway:    h.gateway,
		Carts:      h.reg.Carts(),
		CartEvents: h.cartEvts,
		Clock:      h.clock.Now,
	})
	if err != nil {
		h.t.Fatalf("checkout service: %v", err)
	}
	sweeper, err := NewReconciliationSweeper(ReconciliationSweeperDeps{
		Checkouts: h.reg.Checkouts(),
		Ledger:    ledger,
		Checkout:  checkout,
		Orders:    h.orders,
		Clock:     h.clock.Now,
	})
	if err != nil {
		h.t.Fatalf("sweeper: %v", err)
	}
	h.checkout, h.sweeper = checkout, sweeper
}

// flakyCommitLedger fails the next failures commits with ErrStockUnavailable.
type flakyCommitLedger struct {
	StockLedgerService
	failures atomic.Int32
}

func (l *flakyCommitLedger) Commit(ctx context.Context, token string) (Reservation, error) {
	if l.failures.Add(-1) >= 0 {
		return Reservation{}, ErrStockUnavailable
	}
	return l.StockLedgerService.Commit(ctx, token)
}

func (h *checkoutHarness) seed(productID string, available int) {
	h.t.Helper()
	if _, err := h.ledger.SetLevel(context.Background(), productID, available); err != nil {
		h.t.Fatalf("seed %s: %v", productID, err)
	}
}

func (h *checkoutHarness) level(productID string) StockLevel {
	h.t.Helper()
	level, err := h.ledger.Level(context.Background(), productID)
	if err != nil {
		h.t.Fatalf("level %s: %v", productID, err)
	}
	return level
}

func (h *checkoutHarness) assertLevel(productID string, available, reserved int) {
	h.t.Helper()
	level := h.level(productID)
	if level.Available != available || level.Reserved != reserved {
		h.t.Fatalf("%s: expected available=%d reserved=%d, got available=%d reserved=%d",
			productID, available, reserved, level.Available, level.Reserved)
	}
}

func (h *checkoutHarness) putCart(buyerID string, items ...domain.CartItem) {
	h.reg.CartStore.Put(domain.Cart{BuyerID: buyerID, Items: items})
}

func buyNow(buyerID string, items ...SelectionItem) CreateIntentCommand {
	return CreateIntentCommand{Selection: Selection{
		BuyerID:   buyerID,
		Source:    domain.SelectionSourceBuyNow,
		Items:     items,
		AddressID: "addr_1",
	}}
}

func fromCart(buyerID string) CreateIntentCommand {
	return CreateIntentCommand{Selection: Selection{
		BuyerID:   buyerID,
		Source:    domain.SelectionSourceCart,
		AddressID: "addr_1",
	}}
}

func mustErrorIs(t *testing.T, err, target error) {
	t.Helper()
	if !errors.Is(err, target) {
		t.Fatalf("expected %v, got %v", target, err)
	}
}
