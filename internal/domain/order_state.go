package domain

import (
	"slices"
	"strings"
	"time"
)

// PaymentMode selects how an order is paid for.
type PaymentMode string

const (
	PaymentModeCOD     PaymentMode = "COD"
	PaymentModeGateway PaymentMode = "GATEWAY"
)

// Valid reports whether the mode is known.
func (m PaymentMode) Valid() bool {
	return m == PaymentModeCOD || m == PaymentModeGateway
}

// ParsePaymentMode normalises client input. Empty input defaults to the gateway.
func ParsePaymentMode(raw string) (PaymentMode, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "", string(PaymentModeGateway):
		return PaymentModeGateway, true
	case string(PaymentModeCOD):
		return PaymentModeCOD, true
	default:
		return "", false
	}
}

// PaymentStatus tracks whether money has been collected for an order.
type PaymentStatus string

const (
	PaymentStatusPending PaymentStatus = "PENDING"
	PaymentStatusPaid    PaymentStatus = "PAID"
	PaymentStatusFailed  PaymentStatus = "FAILED"
)

// FulfillmentStatus tracks the physical progress of an order.
type FulfillmentStatus string

const (
	FulfillmentStatusPending        FulfillmentStatus = "Pending"
	FulfillmentStatusDispatched     FulfillmentStatus = "Dispatched"
	FulfillmentStatusOutForDelivery FulfillmentStatus = "Out for delivery"
	FulfillmentStatusDelivered      FulfillmentStatus = "Delivered"
	FulfillmentStatusCancelled      FulfillmentStatus = "Cancelled"
)

var fulfillmentTransitions = map[FulfillmentStatus][]FulfillmentStatus{
	FulfillmentStatusPending: {
		FulfillmentStatusDispatched,
		FulfillmentStatusOutForDelivery,
		FulfillmentStatusDelivered,
		FulfillmentStatusCancelled,
	},
	FulfillmentStatusDispatched: {
		FulfillmentStatusOutForDelivery,
		FulfillmentStatusDelivered,
		FulfillmentStatusCancelled,
	},
	FulfillmentStatusOutForDelivery: {
		FulfillmentStatusDelivered,
		FulfillmentStatusCancelled,
	},
	FulfillmentStatusDelivered: {},
	FulfillmentStatusCancelled: {},
}

// Valid reports whether the status is part of the fulfillment lifecycle.
func (s FulfillmentStatus) Valid() bool {
	_, ok := fulfillmentTransitions[s]
	return ok
}

// IsTerminal reports whether no further transition is permitted.
func (s FulfillmentStatus) IsTerminal() bool {
	return len(fulfillmentTransitions[s]) == 0
}

// CanTransitionFulfillment reports whether moving from one status to another is allowed.
func CanTransitionFulfillment(from, to FulfillmentStatus) bool {
	next, ok := fulfillmentTransitions[from]
	if !ok {
		return false
	}
	return slices.Contains(next, to)
}

// ParseFulfillmentStatus accepts the canonical labels as well as snake_case forms.
func ParseFulfillmentStatus(raw string) (FulfillmentStatus, bool) {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.NewReplacer("_", " ", "-", " ").Replace(key)
	for status := range fulfillmentTransitions {
		if strings.ToLower(string(status)) == key {
			return status, true
		}
	}
	return "", false
}

// OrderStatusChange records one transition in an order's history.
type OrderStatusChange struct {
	From          FulfillmentStatus
	To            FulfillmentStatus
	PaymentStatus PaymentStatus
	ActorID       string
	Reason        string
	At            time.Time
}

// Order is the durable record produced by a verified payment or a cash-on-delivery checkout.
type Order struct {
	ID                string
	BuyerID           string
	CheckoutID        string
	Lines             []LineItem
	ShippingAddress   Address
	Currency          string
	Subtotal          int64
	Shipping          int64
	Tax               int64
	FinalAmount       int64
	PaymentMode       PaymentMode
	PaymentStatus     PaymentStatus
	FulfillmentStatus FulfillmentStatus
	Provider          string
	ProviderOrderID   string
	ProviderPaymentID string
	StockCommitted    bool
	StockRestored     bool
	CancelReason      string
	History           []OrderStatusChange
	CreatedAt         time.Time
	UpdatedAt         time.Time
	PaidAt            *time.Time
	DeliveredAt       *time.Time
	CancelledAt       *time.Time
}

// Clone returns a deep copy so callers cannot mutate stored snapshots.
func (o Order) Clone() Order {
	out := o
	out.Lines = cloneLines(o.Lines)
	out.History = append([]OrderStatusChange(nil), o.History...)
	out.ShippingAddress = o.ShippingAddress.Clone()
	out.PaidAt = cloneTime(o.PaidAt)
	out.DeliveredAt = cloneTime(o.DeliveredAt)
	out.CancelledAt = cloneTime(o.CancelledAt)
	return out
}

// Clone returns a deep copy of the checkout.
func (c PendingCheckout) Clone() PendingCheckout {
	out := c
	out.Lines = cloneLines(c.Lines)
	out.ShippingAddress = c.ShippingAddress.Clone()
	if c.Intent != nil {
		intent := *c.Intent
		out.Intent = &intent
	}
	return out
}

func cloneLines(lines []LineItem) []LineItem {
	if lines == nil {
		return nil
	}
	out := make([]LineItem, len(lines))
	for i, line := range lines {
		out[i] = line
		out[i].CartItemIDs = append([]string(nil), line.CartItemIDs...)
	}
	return out
}

func cloneTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	v := *value
	return &v
}
