package memory

import (
	"context"
	"slices"
	"strings"
	"sync"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/repositories"
)

// Catalog is a read-mostly product store for local development and tests.
type Catalog struct {
	mu       sync.RWMutex
	products map[string]domain.Product
}

var _ repositories.CatalogRepository = (*Catalog)(nil)

// NewCatalog seeds a catalog with the provided products.
func NewCatalog(products ...domain.Product) *Catalog {
	c := &Catalog{products: make(map[string]domain.Product, len(products))}
	for _, p := range products {
		c.Put(p)
	}
	return c
}

// Put inserts or replaces a product.
func (c *Catalog) Put(product domain.Product) {
	product.Variants = slices.Clone(product.Variants)
	c.mu.Lock()
	c.products[strings.TrimSpace(product.ID)] = product
	c.mu.Unlock()
}

func (c *Catalog) GetProduct(_ context.Context, productID string) (domain.Product, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	product, ok := c.products[strings.TrimSpace(productID)]
	if !ok {
		return domain.Product{}, notFound("catalog.get", "product not found")
	}
	product.Variants = slices.Clone(product.Variants)
	return product, nil
}

// CartStore keeps buyer carts in memory.
type CartStore struct {
	mu    sync.Mutex
	carts map[string]domain.Cart
}

var _ repositories.CartRepository = (*CartStore)(nil)

// NewCartStore constructs an empty cart store.
func NewCartStore() *CartStore {
	return &CartStore{carts: make(map[string]domain.Cart)}
}

// Put replaces the buyer's cart.
func (s *CartStore) Put(cart domain.Cart) {
	cart.Items = slices.Clone(cart.Items)
	s.mu.Lock()
	s.carts[strings.TrimSpace(cart.BuyerID)] = cart
	s.mu.Unlock()
}

func (s *CartStore) GetCart(_ context.Context, buyerID string) (domain.Cart, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cart, ok := s.carts[strings.TrimSpace(buyerID)]
	if !ok {
		return domain.Cart{BuyerID: buyerID}, nil
	}
	cart.Items = slices.Clone(cart.Items)
	return cart, nil
}

func (s *CartStore) RemoveItems(_ context.Context, buyerID string, itemIDs []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cart, ok := s.carts[strings.TrimSpace(buyerID)]
	if !ok {
		return nil
	}
	cart.Items = slices.DeleteFunc(cart.Items, func(item domain.CartItem) bool {
		return slices.Contains(itemIDs, item.ID)
	})
	s.carts[cart.BuyerID] = cart
	return nil
}

// AddressBook keeps saved addresses keyed by buyer and address id.
type AddressBook struct {
	mu        sync.RWMutex
	addresses map[string]domain.Address
}

var _ repositories.AddressRepository = (*AddressBook)(nil)

// NewAddressBook constructs an empty address book.
func NewAddressBook() *AddressBook {
	return &AddressBook{addresses: make(map[string]domain.Address)}
}

// Put stores an address copy.
func (b *AddressBook) Put(buyerID, addressID string, addr domain.Address) {
	b.mu.Lock()
	b.addresses[addressKey(buyerID, addressID)] = addr.Clone()
	b.mu.Unlock()
}

func (b *AddressBook) Get(_ context.Context, buyerID string, addressID string) (domain.Address, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	addr, ok := b.addresses[addressKey(buyerID, addressID)]
	if !ok {
		return domain.Address{}, notFound("addresses.get", "address not found")
	}
	return addr.Clone(), nil
}

func addressKey(buyerID, addressID string) string {
	return strings.TrimSpace(buyerID) + "/" + strings.TrimSpace(addressID)
}
