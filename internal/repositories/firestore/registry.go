package firestore

import (
	"context"
	"errors"

	pfirestore "github.com/hanko-field/checkout/internal/platform/firestore"
	"github.com/hanko-field/checkout/internal/repositories"
)

// Registry wires every Firestore repository onto one provider.
type Registry struct {
	provider *pfirestore.Provider

	ledger    repositories.StockLedgerRepository
	checkouts *CheckoutRepository
	orders    *OrderRepository
	catalog   *CatalogRepository
	carts     *CartRepository
	addresses *AddressRepository
}

var _ repositories.Registry = (*Registry)(nil)

// RegistryOption customises the registry.
type RegistryOption func(*Registry)

// WithLedger replaces the Firestore ledger, e.g. with the Postgres ledger.
func WithLedger(ledger repositories.StockLedgerRepository) RegistryOption {
	return func(r *Registry) {
		if ledger != nil {
			r.ledger = ledger
		}
	}
}

// NewRegistry constructs all repositories against provider.
func NewRegistry(provider *pfirestore.Provider, opts ...RegistryOption) (*Registry, error) {
	if provider == nil {
		return nil, errors.New("firestore registry requires provider")
	}
	ledger, err := NewLedgerRepository(provider)
	if err != nil {
		return nil, err
	}
	checkouts, err := NewCheckoutRepository(provider)
	if err != nil {
		return nil, err
	}
	orders, err := NewOrderRepository(provider)
	if err != nil {
		return nil, err
	}
	catalog, err := NewCatalogRepository(provider)
	if err != nil {
		return nil, err
	}
	carts, err := NewCartRepository(provider)
	if err != nil {
		return nil, err
	}
	addresses, err := NewAddressRepository(provider)
	if err != nil {
		return nil, err
	}
	r := &Registry{
		provider:  provider,
		ledger:    ledger,
		checkouts: checkouts,
		orders:    orders,
		catalog:   catalog,
		carts:     carts,
		addresses: addresses,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

func (r *Registry) Close(ctx context.Context) error { return r.provider.Close(ctx) }

func (r *Registry) Ledger() repositories.StockLedgerRepository { return r.ledger }
func (r *Registry) Checkouts() repositories.CheckoutRepository { return r.checkouts }
func (r *Registry) Orders() repositories.OrderRepository       { return r.orders }
func (r *Registry) Catalog() repositories.CatalogRepository    { return r.catalog }
func (r *Registry) Carts() repositories.CartRepository         { return r.carts }
func (r *Registry) Addresses() repositories.AddressRepository  { return r.addresses }

// CatalogWriter exposes product seeding.
func (r *Registry) CatalogWriter() *CatalogRepository { return r.catalog }

// CartWriter exposes cart seeding.
func (r *Registry) CartWriter() *CartRepository { return r.carts }

// AddressWriter exposes address seeding.
func (r *Registry) AddressWriter() *AddressRepository { return r.addresses }
