package services

import (
	"context"
	"io"
	"time"

	domain "github.com/hanko-field/checkout/internal/domain"
)

// Type aliases expose domain models to the services package without reversing dependency direction.
type (
	Order             = domain.Order
	PendingCheckout   = domain.PendingCheckout
	LineItem          = domain.LineItem
	Reservation       = domain.Reservation
	StockLevel        = domain.StockLevel
	StockEvent        = domain.StockEvent
	PaymentIntent     = domain.PaymentIntent
	CallbackPayload   = domain.CallbackPayload
	FulfillmentStatus = domain.FulfillmentStatus
)

// StockLedgerService owns per-product stock and its reservations.
type StockLedgerService interface {
	Reserve(ctx context.Context, cmd ReserveStockCommand) (Reservation, error)
	Commit(ctx context.Context, token string) (Reservation, error)
	Release(ctx context.Context, token string, reason string) (Reservation, error)
	Restock(ctx context.Context, cmd RestockCommand) (StockLevel, error)
	SetLevel(ctx context.Context, productID string, available int) (StockLevel, error)
	Level(ctx context.Context, productID string) (StockLevel, error)
	Reservation(ctx context.Context, token string) (Reservation, error)
	ListExpired(ctx context.Context, before time.Time, limit int) ([]Reservation, error)
	Subscribe(ctx context.Context, productIDs ...string) (<-chan StockEvent, error)
}

// ReserveStockCommand holds a single product line.
type ReserveStockCommand struct {
	ProductID  string
	Quantity   int
	CheckoutID string
	ExpiresAt  time.Time
}

// RestockCommand describes a compensating stock credit.
type RestockCommand struct {
	ProductID string
	Quantity  int
	Key       string
	Reason    string
}

// CartResolver turns a buyer selection into a priced checkout snapshot.
type CartResolver interface {
	Resolve(ctx context.Context, selection Selection) (PendingCheckout, error)
}

// Selection is either the buyer's whole cart or an explicit buy-now list.
type Selection struct {
	BuyerID     string
	Source      domain.SelectionSource
	Items       []SelectionItem
	AddressID   string
	PaymentMode domain.PaymentMode
	Provider    string
}

// SelectionItem is a requested product line. Prices are never accepted from clients.
type SelectionItem struct {
	ProductID string
	Variant   string
	Quantity  int
}

// CheckoutService coordinates reservation, payment intent creation and callback reconciliation.
type CheckoutService interface {
	CreateIntent(ctx context.Context, cmd CreateIntentCommand) (CheckoutIntentResult, error)
	HandleCallback(ctx context.Context, cmd PaymentCallbackCommand) (CallbackResult, error)
	IntentStatus(ctx context.Context, buyerID string, checkoutID string) (PendingCheckout, error)
	// ResumeFinalisation completes a checkout whose payment was verified but whose order was not
	// fully finalised.
	ResumeFinalisation(ctx context.Context, checkoutID string) (Order, error)
}

// CreateIntentCommand starts a checkout for the selection.
type CreateIntentCommand struct {
	Selection Selection
}

// CheckoutIntentResult carries the reserved checkout and either the payment intent or, for
// cash-on-delivery, the order created immediately.
type CheckoutIntentResult struct {
	Checkout PendingCheckout
	Intent   *PaymentIntent
	Order    *Order
}

// PaymentCallbackCommand carries a provider callback.
type PaymentCallbackCommand struct {
	Provider string
	Payload  CallbackPayload
}

// CallbackResult reports the finalised order. Duplicate is set when the callback was a redelivery.
type CallbackResult struct {
	Order     Order
	Duplicate bool
}

// OrderService owns the order lifecycle.
type OrderService interface {
	CreateFromCheckout(ctx context.Context, cmd CreateOrderCommand) (CreateOrderResult, error)
	MarkStockCommitted(ctx context.Context, orderID string) (Order, error)
	GetOrder(ctx context.Context, orderID string) (Order, error)
	FindByProviderOrderID(ctx context.Context, providerOrderID string) (Order, error)
	FindByCheckoutID(ctx context.Context, checkoutID string) (Order, error)
	TransitionFulfillment(ctx context.Context, cmd TransitionFulfillmentCommand) (Order, error)
	// RetryCompensation restores stock for cancelled orders whose compensation did not complete.
	RetryCompensation(ctx context.Context, limit int) (int, error)
}

// CreateOrderCommand freezes a checkout into an order.
type CreateOrderCommand struct {
	Checkout          PendingCheckout
	ProviderOrderID   string
	ProviderPaymentID string
}

// CreateOrderResult reports the stored order and whether it already existed.
type CreateOrderResult struct {
	Order     Order
	Duplicate bool
}

// TransitionFulfillmentCommand moves an order along its fulfillment lifecycle.
type TransitionFulfillmentCommand struct {
	OrderID           string
	Target            FulfillmentStatus
	ActorID           string
	Reason            string
	ExpectedUpdatedAt *time.Time
}

// ReconciliationSweeper reclaims abandoned checkouts and finishes stalled finalisations.
type ReconciliationSweeper interface {
	Run(ctx context.Context) error
	RunOnce(ctx context.Context) (SweepReport, error)
}

// SweepReport summarises a single sweep pass.
type SweepReport struct {
	ExpiredCheckouts  int
	RolledForward     int
	ReleasedOrphans   int
	CommittedOrphans  int
	CompensatedOrders int
	Failures          int
}

// OrderEventPublisher publishes order lifecycle events for downstream consumers.
type OrderEventPublisher interface {
	PublishOrderEvent(ctx context.Context, event OrderEvent) error
}

// OrderEvent captures metadata for emitted order events.
type OrderEvent struct {
	Type           string
	OrderID        string
	BuyerID        string
	PreviousStatus string
	CurrentStatus  string
	PaymentStatus  string
	ActorID        string
	OccurredAt     time.Time
	Metadata       map[string]any
}

// StockEventPublisher delivers ledger change notifications.
type StockEventPublisher interface {
	PublishStockEvent(ctx context.Context, event StockEvent) error
}

// StockEventSubscriber exposes the push channel for stock changes.
type StockEventSubscriber interface {
	Subscribe(ctx context.Context, productIDs ...string) <-chan StockEvent
}

// CartEventPublisher delivers the cart-clear signal after finalisation.
type CartEventPublisher interface {
	PublishCartCleared(ctx context.Context, event domain.CartClearedEvent) error
}

// InvoiceGenerator produces invoice documents on demand.
type InvoiceGenerator interface {
	Generate(ctx context.Context, orderID string) (io.ReadCloser, string, error)
}
