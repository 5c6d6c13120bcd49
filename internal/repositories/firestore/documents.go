package firestore

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"

	domain "github.com/hanko-field/checkout/internal/domain"
)

// Firestore keeps microsecond precision; stored times are truncated on write so optimistic
// comparisons against values read back stay exact.
func storedTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func storedTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := storedTime(*t)
	return &v
}

type lineDoc struct {
	ProductID        string   `firestore:"productId"`
	Name             string   `firestore:"name"`
	Variant          string   `firestore:"variant,omitempty"`
	Quantity         int      `firestore:"quantity"`
	UnitPrice        int64    `firestore:"unitPrice"`
	LineTotal        int64    `firestore:"lineTotal"`
	CartItemIDs      []string `firestore:"cartItemIds,omitempty"`
	ReservationToken string   `firestore:"reservationToken,omitempty"`
}

func encodeLines(lines []domain.LineItem) []lineDoc {
	out := make([]lineDoc, 0, len(lines))
	for _, line := range lines {
		out = append(out, lineDoc{
			ProductID:        line.ProductID,
			Name:             line.Name,
			Variant:          line.Variant,
			Quantity:         line.Quantity,
			UnitPrice:        line.UnitPrice,
			LineTotal:        line.LineTotal,
			CartItemIDs:      append([]string(nil), line.CartItemIDs...),
			ReservationToken: line.ReservationToken,
		})
	}
	return out
}

func decodeLines(docs []lineDoc) []domain.LineItem {
	out := make([]domain.LineItem, 0, len(docs))
	for _, doc := range docs {
		out = append(out, domain.LineItem{
			ProductID:        doc.ProductID,
			Name:             doc.Name,
			Variant:          doc.Variant,
			Quantity:         doc.Quantity,
			UnitPrice:        doc.UnitPrice,
			LineTotal:        doc.LineTotal,
			CartItemIDs:      append([]string(nil), doc.CartItemIDs...),
			ReservationToken: doc.ReservationToken,
		})
	}
	return out
}

type postalDoc struct {
	Recipient  string  `firestore:"recipient"`
	Line1      string  `firestore:"line1"`
	Line2      *string `firestore:"line2,omitempty"`
	City       string  `firestore:"city"`
	State      *string `firestore:"state,omitempty"`
	PostalCode string  `firestore:"postalCode"`
	Country    string  `firestore:"country"`
	Phone      *string `firestore:"phone,omitempty"`
}

func encodePostal(addr domain.Address) postalDoc {
	addr = addr.Clone()
	return postalDoc{
		Recipient:  addr.Recipient,
		Line1:      addr.Line1,
		Line2:      addr.Line2,
		City:       addr.City,
		State:      addr.State,
		PostalCode: addr.PostalCode,
		Country:    addr.Country,
		Phone:      addr.Phone,
	}
}

func (d postalDoc) toDomain() domain.Address {
	return domain.Address{
		Recipient:  d.Recipient,
		Line1:      d.Line1,
		Line2:      d.Line2,
		City:       d.City,
		State:      d.State,
		PostalCode: d.PostalCode,
		Country:    d.Country,
		Phone:      d.Phone,
	}.Clone()
}

type intentDoc struct {
	IntentID          string    `firestore:"intentId"`
	Provider          string    `firestore:"provider"`
	ProviderOrderID   string    `firestore:"providerOrderId"`
	ProviderPaymentID string    `firestore:"providerPaymentId,omitempty"`
	Amount            int64     `firestore:"amount"`
	Currency          string    `firestore:"currency"`
	ClientSecret      string    `firestore:"clientSecret,omitempty"`
	Status            string    `firestore:"status"`
	CreatedAt         time.Time `firestore:"createdAt"`
}

type checkoutDoc struct {
	BuyerID           string     `firestore:"buyerId"`
	Source            string     `firestore:"source"`
	PaymentMode       string     `firestore:"paymentMode"`
	Provider          string     `firestore:"provider,omitempty"`
	Currency          string     `firestore:"currency"`
	Lines             []lineDoc  `firestore:"lines"`
	Subtotal          int64      `firestore:"subtotal"`
	Shipping          int64      `firestore:"shipping"`
	Tax               int64      `firestore:"tax"`
	Total             int64      `firestore:"total"`
	ShippingAddress   postalDoc  `firestore:"shippingAddress"`
	Status            string     `firestore:"status"`
	Intent            *intentDoc `firestore:"intent,omitempty"`
	ProviderPaymentID string     `firestore:"providerPaymentId,omitempty"`
	OrderID           string     `firestore:"orderId,omitempty"`
	FailureReason     string     `firestore:"failureReason,omitempty"`
	CreatedAt         time.Time  `firestore:"createdAt"`
	ExpiresAt         time.Time  `firestore:"expiresAt"`
	UpdatedAt         time.Time  `firestore:"updatedAt"`
}

func encodeCheckout(c domain.PendingCheckout) checkoutDoc {
	doc := checkoutDoc{
		BuyerID:           c.BuyerID,
		Source:            string(c.Source),
		PaymentMode:       string(c.PaymentMode),
		Provider:          c.Provider,
		Currency:          c.Currency,
		Lines:             encodeLines(c.Lines),
		Subtotal:          c.Subtotal,
		Shipping:          c.Shipping,
		Tax:               c.Tax,
		Total:             c.Total,
		ShippingAddress:   encodePostal(c.ShippingAddress),
		Status:            string(c.Status),
		ProviderPaymentID: c.ProviderPaymentID,
		OrderID:           c.OrderID,
		FailureReason:     c.FailureReason,
		CreatedAt:         storedTime(c.CreatedAt),
		ExpiresAt:         storedTime(c.ExpiresAt),
		UpdatedAt:         storedTime(c.UpdatedAt),
	}
	if c.Intent != nil {
		doc.Intent = encodeIntent(*c.Intent)
	}
	return doc
}

func encodeIntent(intent domain.PaymentIntent) *intentDoc {
	return &intentDoc{
		IntentID:          intent.IntentID,
		Provider:          intent.Provider,
		ProviderOrderID:   intent.ProviderOrderID,
		ProviderPaymentID: intent.ProviderPaymentID,
		Amount:            intent.Amount,
		Currency:          intent.Currency,
		ClientSecret:      intent.ClientSecret,
		Status:            string(intent.Status),
		CreatedAt:         storedTime(intent.CreatedAt),
	}
}

func (d checkoutDoc) toDomain(id string) domain.PendingCheckout {
	out := domain.PendingCheckout{
		ID:                id,
		BuyerID:           d.BuyerID,
		Source:            domain.SelectionSource(d.Source),
		PaymentMode:       domain.PaymentMode(d.PaymentMode),
		Provider:          d.Provider,
		Currency:          d.Currency,
		Lines:             decodeLines(d.Lines),
		Subtotal:          d.Subtotal,
		Shipping:          d.Shipping,
		Tax:               d.Tax,
		Total:             d.Total,
		ShippingAddress:   d.ShippingAddress.toDomain(),
		Status:            domain.CheckoutStatus(d.Status),
		ProviderPaymentID: d.ProviderPaymentID,
		OrderID:           d.OrderID,
		FailureReason:     d.FailureReason,
		CreatedAt:         d.CreatedAt.UTC(),
		ExpiresAt:         d.ExpiresAt.UTC(),
		UpdatedAt:         d.UpdatedAt.UTC(),
	}
	if d.Intent != nil {
		out.Intent = &domain.PaymentIntent{
			IntentID:          d.Intent.IntentID,
			CheckoutID:        id,
			Provider:          d.Intent.Provider,
			ProviderOrderID:   d.Intent.ProviderOrderID,
			ProviderPaymentID: d.Intent.ProviderPaymentID,
			Amount:            d.Intent.Amount,
			Currency:          d.Intent.Currency,
			ClientSecret:      d.Intent.ClientSecret,
			Status:            domain.PaymentIntentStatus(d.Intent.Status),
			CreatedAt:         d.Intent.CreatedAt.UTC(),
		}
	}
	return out
}

type historyDoc struct {
	From          string    `firestore:"from,omitempty"`
	To            string    `firestore:"to"`
	PaymentStatus string    `firestore:"paymentStatus"`
	ActorID       string    `firestore:"actorId,omitempty"`
	Reason        string    `firestore:"reason,omitempty"`
	At            time.Time `firestore:"at"`
}

type orderDoc struct {
	BuyerID           string       `firestore:"buyerId"`
	CheckoutID        string       `firestore:"checkoutId"`
	Lines             []lineDoc    `firestore:"lines"`
	ShippingAddress   postalDoc    `firestore:"shippingAddress"`
	Currency          string       `firestore:"currency"`
	Subtotal          int64        `firestore:"subtotal"`
	Shipping          int64        `firestore:"shipping"`
	Tax               int64        `firestore:"tax"`
	FinalAmount       int64        `firestore:"finalAmount"`
	PaymentMode       string       `firestore:"paymentMode"`
	PaymentStatus     string       `firestore:"paymentStatus"`
	FulfillmentStatus string       `firestore:"fulfillmentStatus"`
	Provider          string       `firestore:"provider,omitempty"`
	ProviderOrderID   string       `firestore:"providerOrderId"`
	ProviderPaymentID string       `firestore:"providerPaymentId,omitempty"`
	StockCommitted    bool         `firestore:"stockCommitted"`
	StockRestored     bool         `firestore:"stockRestored"`
	CancelReason      string       `firestore:"cancelReason,omitempty"`
	History           []historyDoc `firestore:"history"`
	CreatedAt         time.Time    `firestore:"createdAt"`
	UpdatedAt         time.Time    `firestore:"updatedAt"`
	PaidAt            *time.Time   `firestore:"paidAt,omitempty"`
	DeliveredAt       *time.Time   `firestore:"deliveredAt,omitempty"`
	CancelledAt       *time.Time   `firestore:"cancelledAt,omitempty"`
}

func encodeOrder(o domain.Order) orderDoc {
	history := make([]historyDoc, 0, len(o.History))
	for _, entry := range o.History {
		history = append(history, historyDoc{
			From:          string(entry.From),
			To:            string(entry.To),
			PaymentStatus: string(entry.PaymentStatus),
			ActorID:       entry.ActorID,
			Reason:        entry.Reason,
			At:            storedTime(entry.At),
		})
	}
	return orderDoc{
		BuyerID:           o.BuyerID,
		CheckoutID:        o.CheckoutID,
		Lines:             encodeLines(o.Lines),
		ShippingAddress:   encodePostal(o.ShippingAddress),
		Currency:          o.Currency,
		Subtotal:          o.Subtotal,
		Shipping:          o.Shipping,
		Tax:               o.Tax,
		FinalAmount:       o.FinalAmount,
		PaymentMode:       string(o.PaymentMode),
		PaymentStatus:     string(o.PaymentStatus),
		FulfillmentStatus: string(o.FulfillmentStatus),
		Provider:          o.Provider,
		ProviderOrderID:   o.ProviderOrderID,
		ProviderPaymentID: o.ProviderPaymentID,
		StockCommitted:    o.StockCommitted,
		StockRestored:     o.StockRestored,
		CancelReason:      o.CancelReason,
		History:           history,
		CreatedAt:         storedTime(o.CreatedAt),
		UpdatedAt:         storedTime(o.UpdatedAt),
		PaidAt:            storedTimePtr(o.PaidAt),
		DeliveredAt:       storedTimePtr(o.DeliveredAt),
		CancelledAt:       storedTimePtr(o.CancelledAt),
	}
}

func (d orderDoc) toDomain(id string) domain.Order {
	history := make([]domain.OrderStatusChange, 0, len(d.History))
	for _, entry := range d.History {
		history = append(history, domain.OrderStatusChange{
			From:          domain.FulfillmentStatus(entry.From),
			To:            domain.FulfillmentStatus(entry.To),
			PaymentStatus: domain.PaymentStatus(entry.PaymentStatus),
			ActorID:       entry.ActorID,
			Reason:        entry.Reason,
			At:            entry.At.UTC(),
		})
	}
	return domain.Order{
		ID:                id,
		BuyerID:           d.BuyerID,
		CheckoutID:        d.CheckoutID,
		Lines:             decodeLines(d.Lines),
		ShippingAddress:   d.ShippingAddress.toDomain(),
		Currency:          d.Currency,
		Subtotal:          d.Subtotal,
		Shipping:          d.Shipping,
		Tax:               d.Tax,
		FinalAmount:       d.FinalAmount,
		PaymentMode:       domain.PaymentMode(d.PaymentMode),
		PaymentStatus:     domain.PaymentStatus(d.PaymentStatus),
		FulfillmentStatus: domain.FulfillmentStatus(d.FulfillmentStatus),
		Provider:          d.Provider,
		ProviderOrderID:   d.ProviderOrderID,
		ProviderPaymentID: d.ProviderPaymentID,
		StockCommitted:    d.StockCommitted,
		StockRestored:     d.StockRestored,
		CancelReason:      d.CancelReason,
		History:           history,
		CreatedAt:         d.CreatedAt.UTC(),
		UpdatedAt:         d.UpdatedAt.UTC(),
		PaidAt:            storedTimePtr(d.PaidAt),
		DeliveredAt:       storedTimePtr(d.DeliveredAt),
		CancelledAt:       storedTimePtr(d.CancelledAt),
	}
}

type productDoc struct {
	Name      string     `firestore:"name"`
	Price     string     `firestore:"price"`
	Currency  string     `firestore:"currency"`
	Variants  []string   `firestore:"variants,omitempty"`
	Active    bool       `firestore:"active"`
	DeletedAt *time.Time `firestore:"deletedAt,omitempty"`
	UpdatedAt time.Time  `firestore:"updatedAt"`
}

func (d productDoc) toDomain(id string) (domain.Product, error) {
	price, err := decimal.NewFromString(strings.TrimSpace(d.Price))
	if err != nil {
		return domain.Product{}, err
	}
	return domain.Product{
		ID:        id,
		Name:      d.Name,
		Price:     price,
		Currency:  strings.ToUpper(d.Currency),
		Variants:  append([]string(nil), d.Variants...),
		Active:    d.Active,
		DeletedAt: storedTimePtr(d.DeletedAt),
		UpdatedAt: d.UpdatedAt.UTC(),
	}, nil
}

func encodeProduct(p domain.Product) productDoc {
	return productDoc{
		Name:      p.Name,
		Price:     p.Price.String(),
		Currency:  strings.ToUpper(p.Currency),
		Variants:  append([]string(nil), p.Variants...),
		Active:    p.Active,
		DeletedAt: storedTimePtr(p.DeletedAt),
		UpdatedAt: storedTime(p.UpdatedAt),
	}
}

type cartItemDoc struct {
	ProductID string    `firestore:"productId"`
	Variant   string    `firestore:"variant,omitempty"`
	Quantity  int       `firestore:"quantity"`
	AddedAt   time.Time `firestore:"addedAt"`
}
