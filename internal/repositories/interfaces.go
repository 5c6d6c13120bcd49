package repositories

import (
	"context"
	"time"

	domain "github.com/hanko-field/checkout/internal/domain"
)

// Registry exposes typed repository accessors and lifecycle hooks for dependency injection.
type Registry interface {
	Close(ctx context.Context) error

	Ledger() StockLedgerRepository
	Checkouts() CheckoutRepository
	Orders() OrderRepository
	Catalog() CatalogRepository
	Carts() CartRepository
	Addresses() AddressRepository
}

// RepositoryError wraps low-level persistence failures with categorisation used by services.
type RepositoryError interface {
	error
	IsNotFound() bool
	IsConflict() bool
	IsUnavailable() bool
}

// StockLedgerRepository performs the atomic stock mutations. Implementations must serialise
// mutations per product and must not serialise unrelated products against each other.
type StockLedgerRepository interface {
	Reserve(ctx context.Context, req LedgerReserveRequest) (LedgerResult, error)
	// Commit consumes reserved quantity. Committing a committed token returns Changed=false.
	Commit(ctx context.Context, token string, at time.Time) (LedgerResult, error)
	// Release returns reserved quantity to available. Releasing a released or committed token returns Changed=false.
	Release(ctx context.Context, token string, reason string, at time.Time) (LedgerResult, error)
	// Restock credits available quantity once per key.
	Restock(ctx context.Context, req LedgerRestockRequest) (LedgerResult, error)
	SetAvailable(ctx context.Context, productID string, available int, at time.Time) (domain.StockLevel, error)
	GetLevel(ctx context.Context, productID string) (domain.StockLevel, error)
	GetReservation(ctx context.Context, token string) (domain.Reservation, error)
	ListExpired(ctx context.Context, before time.Time, limit int) ([]domain.Reservation, error)
}

// LedgerReserveRequest describes a single-product hold.
type LedgerReserveRequest struct {
	Token      string
	ProductID  string
	CheckoutID string
	Quantity   int
	ExpiresAt  time.Time
	Now        time.Time
}

// LedgerRestockRequest describes a compensating stock credit.
type LedgerRestockRequest struct {
	Key       string
	ProductID string
	Quantity  int
	Reason    string
	Now       time.Time
}

// LedgerResult reports the ledger state after a mutation. Changed is false for idempotent no-ops.
type LedgerResult struct {
	Reservation domain.Reservation
	Level       domain.StockLevel
	Changed     bool
}

// CheckoutRepository persists pending checkouts.
type CheckoutRepository interface {
	Insert(ctx context.Context, checkout domain.PendingCheckout) error
	Get(ctx context.Context, checkoutID string) (domain.PendingCheckout, error)
	FindByProviderOrderID(ctx context.Context, providerOrderID string) (domain.PendingCheckout, error)
	AttachIntent(ctx context.Context, checkoutID string, intent domain.PaymentIntent, at time.Time) (domain.PendingCheckout, error)
	// Transition applies the status change only when the stored status is one of From. The boolean
	// reports whether it was applied; when false the returned checkout is the stored state.
	Transition(ctx context.Context, t CheckoutTransition) (domain.PendingCheckout, bool, error)
	List(ctx context.Context, filter CheckoutListFilter) ([]domain.PendingCheckout, error)
}

// CheckoutTransition is a conditional status update on a checkout.
type CheckoutTransition struct {
	CheckoutID        string
	From              []domain.CheckoutStatus
	To                domain.CheckoutStatus
	RequireUnexpired  bool
	ProviderPaymentID string
	OrderID           string
	IntentStatus      domain.PaymentIntentStatus
	Reason            string
	At                time.Time
}

// CheckoutListFilter selects checkouts for the reconciliation sweep.
type CheckoutListFilter struct {
	Status        domain.CheckoutStatus
	ExpiresBefore *time.Time
	UpdatedBefore *time.Time
	Limit         int
}

// OrderRepository persists orders. ProviderOrderID is unique across orders.
type OrderRepository interface {
	// Insert fails with a conflict error when the id or provider order id already exists.
	Insert(ctx context.Context, order domain.Order) error
	// Update fails with a conflict error when the stored UpdatedAt differs from expectedUpdatedAt.
	Update(ctx context.Context, order domain.Order, expectedUpdatedAt time.Time) error
	FindByID(ctx context.Context, orderID string) (domain.Order, error)
	FindByProviderOrderID(ctx context.Context, providerOrderID string) (domain.Order, error)
	FindByCheckoutID(ctx context.Context, checkoutID string) (domain.Order, error)
	// ListAwaitingCompensation returns cancelled orders whose stock has not been restored yet.
	ListAwaitingCompensation(ctx context.Context, limit int) ([]domain.Order, error)
}

// CatalogRepository reads product pricing and availability flags.
type CatalogRepository interface {
	GetProduct(ctx context.Context, productID string) (domain.Product, error)
}

// CartRepository is the narrow contract with the external cart store.
type CartRepository interface {
	GetCart(ctx context.Context, buyerID string) (domain.Cart, error)
	RemoveItems(ctx context.Context, buyerID string, itemIDs []string) error
}

// AddressRepository reads saved addresses from the address book.
type AddressRepository interface {
	Get(ctx context.Context, buyerID string, addressID string) (domain.Address, error)
}
