package firestore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"

	domain "github.com/hanko-field/checkout/internal/domain"
	pfirestore "github.com/hanko-field/checkout/internal/platform/firestore"
	"github.com/hanko-field/checkout/internal/repositories"
)

const (
	productsCollection        = "products"
	cartItemsCollectionFormat = "carts/%s/items"
	addressCollectionFormat   = "users/%s/addresses"
)

// CatalogRepository reads products. Prices are stored as decimal strings in major units.
type CatalogRepository struct {
	products pfirestore.Collection[productDoc]
}

var _ repositories.CatalogRepository = (*CatalogRepository)(nil)

// NewCatalogRepository constructs a Firestore-backed catalog reader.
func NewCatalogRepository(provider *pfirestore.Provider) (*CatalogRepository, error) {
	if provider == nil {
		return nil, errors.New("catalog repository requires firestore provider")
	}
	return &CatalogRepository{products: pfirestore.NewCollection[productDoc](provider, productsCollection)}, nil
}

func (r *CatalogRepository) GetProduct(ctx context.Context, productID string) (domain.Product, error) {
	id := strings.TrimSpace(productID)
	doc, err := r.products.Get(ctx, id)
	if err != nil {
		return domain.Product{}, err
	}
	product, err := doc.toDomain(id)
	if err != nil {
		return domain.Product{}, fmt.Errorf("catalog: decode price of %s: %w", id, err)
	}
	return product, nil
}

// PutProduct upserts a product. Used for seeding local and integration environments.
func (r *CatalogRepository) PutProduct(ctx context.Context, product domain.Product) error {
	return r.products.Set(ctx, strings.TrimSpace(product.ID), encodeProduct(product))
}

// CartRepository reads buyer carts from carts/{buyerID}/items.
type CartRepository struct {
	provider *pfirestore.Provider
}

var _ repositories.CartRepository = (*CartRepository)(nil)

// NewCartRepository constructs a Firestore-backed cart reader.
func NewCartRepository(provider *pfirestore.Provider) (*CartRepository, error) {
	if provider == nil {
		return nil, errors.New("cart repository requires firestore provider")
	}
	return &CartRepository{provider: provider}, nil
}

func (r *CartRepository) items(ctx context.Context, buyerID string) (*firestore.CollectionRef, error) {
	buyerID = strings.TrimSpace(buyerID)
	if buyerID == "" {
		return nil, pfirestore.WrapError("carts.items", errors.New("buyer id is required"))
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(fmt.Sprintf(cartItemsCollectionFormat, buyerID)), nil
}

// GetCart returns an empty cart when the buyer has none.
func (r *CartRepository) GetCart(ctx context.Context, buyerID string) (domain.Cart, error) {
	coll, err := r.items(ctx, buyerID)
	if err != nil {
		return domain.Cart{}, err
	}
	iter := coll.OrderBy("addedAt", firestore.Asc).Documents(ctx)
	defer iter.Stop()

	cart := domain.Cart{BuyerID: strings.TrimSpace(buyerID)}
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return domain.Cart{}, pfirestore.WrapError("carts.get", err)
		}
		item, err := pfirestore.Decode[cartItemDoc](snap)
		if err != nil {
			return domain.Cart{}, err
		}
		cart.Items = append(cart.Items, domain.CartItem{
			ID:        snap.Ref.ID,
			ProductID: item.ProductID,
			Variant:   item.Variant,
			Quantity:  item.Quantity,
			AddedAt:   item.AddedAt.UTC(),
		})
		if item.AddedAt.After(cart.UpdatedAt) {
			cart.UpdatedAt = item.AddedAt.UTC()
		}
	}
	return cart, nil
}

// RemoveItems deletes the purchased items. Missing items are ignored.
func (r *CartRepository) RemoveItems(ctx context.Context, buyerID string, itemIDs []string) error {
	if len(itemIDs) == 0 {
		return nil
	}
	coll, err := r.items(ctx, buyerID)
	if err != nil {
		return err
	}
	err = r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		for _, id := range itemIDs {
			if id = strings.TrimSpace(id); id == "" {
				continue
			}
			if err := tx.Delete(coll.Doc(id)); err != nil {
				return err
			}
		}
		return nil
	})
	return pfirestore.WrapError("carts.remove_items", err)
}

// PutItem writes a cart item. Used for seeding.
func (r *CartRepository) PutItem(ctx context.Context, buyerID string, item domain.CartItem) error {
	coll, err := r.items(ctx, buyerID)
	if err != nil {
		return err
	}
	_, err = coll.Doc(item.ID).Set(ctx, cartItemDoc{
		ProductID: item.ProductID,
		Variant:   item.Variant,
		Quantity:  item.Quantity,
		AddedAt:   storedTime(item.AddedAt),
	})
	return pfirestore.WrapError("carts.put_item", err)
}

// AddressRepository reads saved addresses from users/{buyerID}/addresses.
type AddressRepository struct {
	provider *pfirestore.Provider
}

var _ repositories.AddressRepository = (*AddressRepository)(nil)

// NewAddressRepository constructs a Firestore-backed address book reader.
func NewAddressRepository(provider *pfirestore.Provider) (*AddressRepository, error) {
	if provider == nil {
		return nil, errors.New("address repository requires firestore provider")
	}
	return &AddressRepository{provider: provider}, nil
}

func (r *AddressRepository) ref(ctx context.Context, buyerID, addressID string) (*firestore.DocumentRef, error) {
	buyerID = strings.TrimSpace(buyerID)
	addressID = strings.TrimSpace(addressID)
	if buyerID == "" || addressID == "" {
		return nil, &notFoundError{op: "addresses.get"}
	}
	client, err := r.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(fmt.Sprintf(addressCollectionFormat, buyerID)).Doc(addressID), nil
}

func (r *AddressRepository) Get(ctx context.Context, buyerID string, addressID string) (domain.Address, error) {
	ref, err := r.ref(ctx, buyerID, addressID)
	if err != nil {
		return domain.Address{}, err
	}
	snap, err := ref.Get(ctx)
	if err != nil {
		return domain.Address{}, pfirestore.WrapError("addresses.get", err)
	}
	doc, err := pfirestore.Decode[postalDoc](snap)
	if err != nil {
		return domain.Address{}, err
	}
	return doc.toDomain(), nil
}

// Put writes an address. Used for seeding.
func (r *AddressRepository) Put(ctx context.Context, buyerID, addressID string, addr domain.Address) error {
	ref, err := r.ref(ctx, buyerID, addressID)
	if err != nil {
		return err
	}
	_, err = ref.Set(ctx, encodePostal(addr))
	return pfirestore.WrapError("addresses.put", err)
}
