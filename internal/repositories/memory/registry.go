package memory

import (
	"context"

	"github.com/hanko-field/checkout/internal/repositories"
)

// Registry bundles the in-memory stores. Exported fields let tests and local seeding reach the
// concrete types.
type Registry struct {
	LedgerStore   *Ledger
	CheckoutStore *CheckoutStore
	OrderStore    *OrderStore
	CatalogStore  *Catalog
	CartStore     *CartStore
	AddressStore  *AddressBook

	ledger repositories.StockLedgerRepository
}

var _ repositories.Registry = (*Registry)(nil)

// RegistryOption customises the in-memory registry.
type RegistryOption func(*Registry)

// WithLedger swaps the stock ledger, e.g. for the Postgres ledger alongside in-memory documents.
func WithLedger(ledger repositories.StockLedgerRepository) RegistryOption {
	return func(r *Registry) {
		if ledger != nil {
			r.ledger = ledger
		}
	}
}

// NewRegistry constructs a registry with empty stores.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		LedgerStore:   NewLedger(),
		CheckoutStore: NewCheckoutStore(),
		OrderStore:    NewOrderStore(),
		CatalogStore:  NewCatalog(),
		CartStore:     NewCartStore(),
		AddressStore:  NewAddressBook(),
	}
	r.ledger = r.LedgerStore
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

func (r *Registry) Close(context.Context) error { return nil }

func (r *Registry) Ledger() repositories.StockLedgerRepository { return r.ledger }
func (r *Registry) Checkouts() repositories.CheckoutRepository { return r.CheckoutStore }
func (r *Registry) Orders() repositories.OrderRepository       { return r.OrderStore }
func (r *Registry) Catalog() repositories.CatalogRepository    { return r.CatalogStore }
func (r *Registry) Carts() repositories.CartRepository         { return r.CartStore }
func (r *Registry) Addresses() repositories.AddressRepository  { return r.AddressStore }
