package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/payments"
	"github.com/hanko-field/checkout/internal/repositories"
)

const defaultReservationTTL = 15 * time.Minute

var (
	// ErrEmptySelection indicates the selection resolved to no purchasable lines.
	ErrEmptySelection = errors.New("checkout: empty selection")
	// ErrInvalidSelection indicates malformed selection input.
	ErrInvalidSelection = errors.New("checkout: invalid selection")
	// ErrProductUnavailable indicates a product can no longer be purchased.
	ErrProductUnavailable = errors.New("checkout: product unavailable")
	// ErrAddressNotFound indicates the shipping address could not be read.
	ErrAddressNotFound = errors.New("checkout: address not found")
)

// ProductUnavailableError names the product that blocked a snapshot.
type ProductUnavailableError struct {
	ProductID string
	Reason    string
}

func (e *ProductUnavailableError) Error() string {
	return fmt.Sprintf("%s: %s (%s)", ErrProductUnavailable.Error(), e.ProductID, e.Reason)
}

// Unwrap lets errors.Is match ErrProductUnavailable.
func (e *ProductUnavailableError) Unwrap() error {
	return ErrProductUnavailable
}

// CartResolverDeps bundles the collaborators required to construct a cart resolver.
type CartResolverDeps struct {
	Catalog        repositories.CatalogRepository
	Carts          repositories.CartRepository
	Addresses      repositories.AddressRepository
	Pricing        PricingPolicy
	ReservationTTL time.Duration
	Clock          func() time.Time
	IDGenerator    func() string
	Logger         func(ctx context.Context, event string, fields map[string]any)
}

type cartResolver struct {
	catalog   repositories.CatalogRepository
	carts     repositories.CartRepository
	addresses repositories.AddressRepository
	pricing   PricingPolicy
	ttl       time.Duration
	clock     func() time.Time
	newID     func() string
	logger    func(context.Context, string, map[string]any)
}

// NewCartResolver wires dependencies into a CartResolver.
func NewCartResolver(deps CartResolverDeps) (CartResolver, error) {
	if deps.Catalog == nil {
		return nil, errors.New("cart resolver: catalog repository is required")
	}
	if deps.Carts == nil {
		return nil, errors.New("cart resolver: cart repository is required")
	}
	if deps.Addresses == nil {
		return nil, errors.New("cart resolver: address repository is required")
	}
	if err := deps.Pricing.Validate(); err != nil {
		return nil, fmt.Errorf("cart resolver: %w", err)
	}

	ttl := deps.ReservationTTL
	if ttl <= 0 {
		ttl = defaultReservationTTL
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	idGen := deps.IDGenerator
	if idGen == nil {
		idGen = func() string { return ulid.Make().String() }
	}
	logger := deps.Logger
	if logger == nil {
		logger = func(context.Context, string, map[string]any) {}
	}

	return &cartResolver{
		catalog:   deps.Catalog,
		carts:     deps.Carts,
		addresses: deps.Addresses,
		pricing:   deps.Pricing,
		ttl:       ttl,
		clock: func() time.Time {
			return clock().UTC()
		},
		newID:  idGen,
		logger: logger,
	}, nil
}

type selectionLine struct {
	productID   string
	variant     string
	quantity    int
	cartItemIDs []string
}

func (r *cartResolver) Resolve(ctx context.Context, selection Selection) (PendingCheckout, error) {
	buyerID := strings.TrimSpace(selection.BuyerID)
	if buyerID == "" {
		return PendingCheckout{}, fmt.Errorf("%w: buyer id is required", ErrInvalidSelection)
	}
	mode := selection.PaymentMode
	if mode == "" {
		mode = domain.PaymentModeGateway
	}
	if !mode.Valid() {
		return PendingCheckout{}, fmt.Errorf("%w: unsupported payment mode %q", ErrInvalidSelection, selection.PaymentMode)
	}
	addressID := strings.TrimSpace(selection.AddressID)
	if addressID == "" {
		return PendingCheckout{}, fmt.Errorf("%w: address id is required", ErrInvalidSelection)
	}

	source := selection.Source
	if source == "" {
		source = domain.SelectionSourceCart
	}

	lines, err := r.collectLines(ctx, buyerID, source, selection.Items)
	if err != nil {
		return PendingCheckout{}, err
	}
	if len(lines) == 0 {
		return PendingCheckout{}, ErrEmptySelection
	}

	currency := r.pricing.NormalisedCurrency()
	priced := make([]domain.LineItem, 0, len(lines))
	var subtotal int64
	for _, line := range lines {
		item, err := r.priceLine(ctx, currency, line)
		if err != nil {
			return PendingCheckout{}, err
		}
		subtotal += item.LineTotal
		priced = append(priced, item)
	}

	address, err := r.addresses.Get(ctx, buyerID, addressID)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return PendingCheckout{}, fmt.Errorf("%w: %s", ErrAddressNotFound, addressID)
		}
		return PendingCheckout{}, err
	}

	totals := r.pricing.Compute(subtotal)
	now := r.clock()
	checkout := PendingCheckout{
		ID:              ensureCheckoutID(r.newID()),
		BuyerID:         buyerID,
		Source:          source,
		PaymentMode:     mode,
		Provider:        strings.TrimSpace(selection.Provider),
		Currency:        currency,
		Lines:           priced,
		Subtotal:        totals.Subtotal,
		Shipping:        totals.Shipping,
		Tax:             totals.Tax,
		Total:           totals.Total,
		ShippingAddress: address.Clone(),
		Status:          domain.CheckoutStatusAwaitingPayment,
		CreatedAt:       now,
		ExpiresAt:       now.Add(r.ttl),
		UpdatedAt:       now,
	}

	r.logger(ctx, "checkout.resolved", map[string]any{
		"checkoutId": checkout.ID,
		"buyerId":    buyerID,
		"source":     string(source),
		"lines":      len(priced),
		"total":      checkout.Total,
	})
	return checkout, nil
}

func (r *cartResolver) collectLines(ctx context.Context, buyerID string, source domain.SelectionSource, items []SelectionItem) ([]selectionLine, error) {
	var raw []selectionLine
	switch source {
	case domain.SelectionSourceCart:
		cart, err := r.carts.GetCart(ctx, buyerID)
		if err != nil {
			return nil, err
		}
		for _, item := range cart.Items {
			raw = append(raw, selectionLine{
				productID:   strings.TrimSpace(item.ProductID),
				variant:     strings.TrimSpace(item.Variant),
				quantity:    item.Quantity,
				cartItemIDs: []string{item.ID},
			})
		}
	case domain.SelectionSourceBuyNow:
		for _, item := range items {
			raw = append(raw, selectionLine{
				productID: strings.TrimSpace(item.ProductID),
				variant:   strings.TrimSpace(item.Variant),
				quantity:  item.Quantity,
			})
		}
	default:
		return nil, fmt.Errorf("%w: unsupported source %q", ErrInvalidSelection, source)
	}

	merged := make([]selectionLine, 0, len(raw))
	index := make(map[string]int, len(raw))
	for _, line := range raw {
		if line.productID == "" {
			return nil, fmt.Errorf("%w: product id is required", ErrInvalidSelection)
		}
		if line.quantity <= 0 {
			return nil, fmt.Errorf("%w: quantity for %s must be positive", ErrInvalidSelection, line.productID)
		}
		key := line.productID + "\x00" + strings.ToLower(line.variant)
		if i, ok := index[key]; ok {
			merged[i].quantity += line.quantity
			merged[i].cartItemIDs = append(merged[i].cartItemIDs, line.cartItemIDs...)
			continue
		}
		index[key] = len(merged)
		merged = append(merged, line)
	}
	return merged, nil
}

func (r *cartResolver) priceLine(ctx context.Context, currency string, line selectionLine) (domain.LineItem, error) {
	product, err := r.catalog.GetProduct(ctx, line.productID)
	if err != nil {
		var repoErr repositories.RepositoryError
		if errors.As(err, &repoErr) && repoErr.IsNotFound() {
			return domain.LineItem{}, &ProductUnavailableError{ProductID: line.productID, Reason: "not found"}
		}
		return domain.LineItem{}, err
	}
	if !product.Purchasable() {
		return domain.LineItem{}, &ProductUnavailableError{ProductID: line.productID, Reason: "not purchasable"}
	}
	if !product.HasVariant(line.variant) {
		return domain.LineItem{}, &ProductUnavailableError{ProductID: line.productID, Reason: "unknown variant " + line.variant}
	}
	if !strings.EqualFold(strings.TrimSpace(product.Currency), currency) {
		return domain.LineItem{}, &ProductUnavailableError{ProductID: line.productID, Reason: "priced in " + product.Currency}
	}
	unit, err := payments.ToMinorUnits(product.Price, currency)
	if err != nil {
		return domain.LineItem{}, &ProductUnavailableError{ProductID: line.productID, Reason: err.Error()}
	}

	return domain.LineItem{
		ProductID:   product.ID,
		Name:        product.Name,
		Variant:     line.variant,
		Quantity:    line.quantity,
		UnitPrice:   unit,
		LineTotal:   unit * int64(line.quantity),
		CartItemIDs: append([]string(nil), line.cartItemIDs...),
	}, nil
}

func ensureCheckoutID(candidate string) string {
	return ensurePrefixedID("chk_", candidate)
}

func ensurePrefixedID(prefix, candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		trimmed = ulid.Make().String()
	}
	if strings.HasPrefix(trimmed, prefix) {
		return trimmed
	}
	return prefix + trimmed
}
