package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Product mirrors the catalog fields checkout depends on. Price is expressed in major units of Currency.
type Product struct {
	ID        string
	Name      string
	Price     decimal.Decimal
	Currency  string
	Variants  []string
	Active    bool
	DeletedAt *time.Time
	UpdatedAt time.Time
}

// Purchasable reports whether the product can be added to a new checkout.
func (p Product) Purchasable() bool {
	return p.Active && p.DeletedAt == nil
}

// HasVariant reports whether the requested variant is valid for the product. Products without
// variants only accept an empty variant.
func (p Product) HasVariant(variant string) bool {
	variant = strings.TrimSpace(variant)
	if len(p.Variants) == 0 {
		return variant == ""
	}
	for _, v := range p.Variants {
		if strings.EqualFold(strings.TrimSpace(v), variant) {
			return true
		}
	}
	return false
}

// StockLevel is the ledger entry for a single product.
type StockLevel struct {
	ProductID string
	Available int
	Reserved  int
	UpdatedAt time.Time
}

// ReservationStatus enumerates the lifecycle of a stock hold.
type ReservationStatus string

const (
	ReservationStatusReserved  ReservationStatus = "reserved"
	ReservationStatusCommitted ReservationStatus = "committed"
	ReservationStatusReleased  ReservationStatus = "released"
)

// Reservation is a temporary hold on stock for one product line of a checkout.
type Reservation struct {
	Token       string
	ProductID   string
	CheckoutID  string
	Quantity    int
	Status      ReservationStatus
	Reason      string
	ExpiresAt   time.Time
	CreatedAt   time.Time
	CommittedAt *time.Time
	ReleasedAt  *time.Time
}

// StockEvent notifies subscribers that a ledger entry changed.
type StockEvent struct {
	ID         string
	ProductID  string
	Available  int
	Reserved   int
	Delta      int
	Reason     string
	Token      string
	OccurredAt time.Time
}

// CartClearedEvent is emitted after an order is finalised so the cart store can drop purchased items.
type CartClearedEvent struct {
	ID         string
	BuyerID    string
	OrderID    string
	ItemIDs    []string
	OccurredAt time.Time
}

// Cart is the external cart store's view of a buyer's selection.
type Cart struct {
	BuyerID   string
	Items     []CartItem
	UpdatedAt time.Time
}

// CartItem is a single cart entry. Prices are intentionally absent: checkout re-reads the catalog.
type CartItem struct {
	ID        string
	ProductID string
	Variant   string
	Quantity  int
	AddedAt   time.Time
}

// Address represents a postal address. Orders and checkouts hold copies, never references.
type Address struct {
	Recipient  string
	Line1      string
	Line2      *string
	City       string
	State      *string
	PostalCode string
	Country    string
	Phone      *string
}

// Clone returns a deep copy of the address.
func (a Address) Clone() Address {
	out := a
	out.Line2 = cloneString(a.Line2)
	out.State = cloneString(a.State)
	out.Phone = cloneString(a.Phone)
	return out
}

// LineItem is a priced checkout line captured at snapshot time.
type LineItem struct {
	ProductID        string
	Name             string
	Variant          string
	Quantity         int
	UnitPrice        int64
	LineTotal        int64
	CartItemIDs      []string
	ReservationToken string
}

// SelectionSource identifies where checkout lines came from.
type SelectionSource string

const (
	SelectionSourceCart   SelectionSource = "cart"
	SelectionSourceBuyNow SelectionSource = "buy_now"
)

// CheckoutStatus tracks a pending checkout between reservation and order creation.
type CheckoutStatus string

const (
	// CheckoutStatusAwaitingPayment holds reserved stock while the buyer pays out-of-band.
	CheckoutStatusAwaitingPayment CheckoutStatus = "awaiting_payment"
	// CheckoutStatusPaid marks a verified payment whose order finalisation is in progress.
	CheckoutStatusPaid CheckoutStatus = "paid"
	// CheckoutStatusCompleted marks a checkout that produced an order.
	CheckoutStatusCompleted CheckoutStatus = "completed"
	// CheckoutStatusExpired marks a checkout whose reservations were reclaimed by the sweep.
	CheckoutStatusExpired CheckoutStatus = "expired"
	// CheckoutStatusFailed marks a checkout abandoned after a gateway failure.
	CheckoutStatusFailed CheckoutStatus = "failed"
)

// IsTerminal reports whether the checkout can no longer change state.
func (s CheckoutStatus) IsTerminal() bool {
	switch s {
	case CheckoutStatusCompleted, CheckoutStatusExpired, CheckoutStatusFailed:
		return true
	default:
		return false
	}
}

// PendingCheckout is the priced, immutable snapshot of what the buyer intends to purchase.
type PendingCheckout struct {
	ID                string
	BuyerID           string
	Source            SelectionSource
	PaymentMode       PaymentMode
	Provider          string
	Currency          string
	Lines             []LineItem
	Subtotal          int64
	Shipping          int64
	Tax               int64
	Total             int64
	ShippingAddress   Address
	Status            CheckoutStatus
	Intent            *PaymentIntent
	ProviderPaymentID string
	OrderID           string
	FailureReason     string
	CreatedAt         time.Time
	ExpiresAt         time.Time
	UpdatedAt         time.Time
}

// Expired reports whether the checkout's hold window has elapsed at now.
func (c PendingCheckout) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// ReservationTokens lists the stock reservation tokens held by the checkout lines.
func (c PendingCheckout) ReservationTokens() []string {
	tokens := make([]string, 0, len(c.Lines))
	for _, line := range c.Lines {
		if token := strings.TrimSpace(line.ReservationToken); token != "" {
			tokens = append(tokens, token)
		}
	}
	return tokens
}

// CartItemIDs lists the cart entries consumed by the checkout.
func (c PendingCheckout) CartItemIDs() []string {
	ids := make([]string, 0, len(c.Lines))
	for _, line := range c.Lines {
		for _, id := range line.CartItemIDs {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// ProviderOrderID returns the gateway order id attached to the checkout, if any.
func (c PendingCheckout) ProviderOrderID() string {
	if c.Intent == nil {
		return ""
	}
	return c.Intent.ProviderOrderID
}

// PaymentIntentStatus tracks the gateway side of a checkout.
type PaymentIntentStatus string

const (
	PaymentIntentStatusCreated  PaymentIntentStatus = "created"
	PaymentIntentStatusVerified PaymentIntentStatus = "verified"
	PaymentIntentStatusFailed   PaymentIntentStatus = "failed"
)

// PaymentIntent is the provider-side order created for a checkout total.
type PaymentIntent struct {
	IntentID          string
	CheckoutID        string
	Provider          string
	ProviderOrderID   string
	ProviderPaymentID string
	Amount            int64
	Currency          string
	ClientSecret      string
	Status            PaymentIntentStatus
	CreatedAt         time.Time
}

// CallbackPayload carries the fields a provider signs when confirming a payment.
type CallbackPayload struct {
	ProviderPaymentID string
	ProviderOrderID   string
	Signature         string
}

func cloneString(value *string) *string {
	if value == nil {
		return nil
	}
	v := *value
	return &v
}
