//go:build integration

package firestore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/platform/firestore/firestoretest"
	"github.com/hanko-field/checkout/internal/repositories"
)

func newIntegrationRegistry(t *testing.T) *Registry {
	t.Helper()
	provider := firestoretest.StartEmulator(t, fmt.Sprintf("checkout-it-%d", time.Now().UnixNano()))
	reg, err := NewRegistry(provider)
	require.NoError(t, err)
	return reg
}

func TestLedgerRepositoryIntegration(t *testing.T) {
	reg := newIntegrationRegistry(t)
	ledger := reg.Ledger()
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()
	now := time.Now().UTC()

	_, err := ledger.SetAvailable(ctx, "p1", 5, now)
	require.NoError(t, err)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		ok       int
		rejected int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := ledger.Reserve(ctx, repositories.LedgerReserveRequest{
				Token:     fmt.Sprintf("sr_it_%02d", i),
				ProductID: "p1",
				Quantity:  1,
				ExpiresAt: now.Add(15 * time.Minute),
				Now:       now,
			})
			mu.Lock()
			defer mu.Unlock()
			code, _ := repositories.LedgerErrorCodeOf(err)
			switch {
			case err == nil:
				ok++
			case code == repositories.LedgerErrorInsufficientStock:
				rejected++
			default:
				t.Errorf("unexpected reserve error: %v", err)
			}
		}(i)
	}
	wg.Wait()
	require.Equal(t, 5, ok)
	require.Equal(t, 15, rejected)

	level, err := ledger.GetLevel(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, 0, level.Available)
	require.Equal(t, 5, level.Reserved)

	var tokens []string
	for i := 0; i < 20; i++ {
		token := fmt.Sprintf("sr_it_%02d", i)
		if _, err := ledger.GetReservation(ctx, token); err == nil {
			tokens = append(tokens, token)
		}
	}
	require.Len(t, tokens, 5)

	first, err := ledger.Commit(ctx, tokens[0], now)
	require.NoError(t, err)
	require.True(t, first.Changed)
	again, err := ledger.Commit(ctx, tokens[0], now)
	require.NoError(t, err)
	require.False(t, again.Changed)

	released, err := ledger.Release(ctx, tokens[1], "checkout_expired", now)
	require.NoError(t, err)
	require.True(t, released.Changed)
	require.Equal(t, domain.ReservationStatusReleased, released.Reservation.Status)
	_, err = ledger.Commit(ctx, tokens[1], now)
	code, _ := repositories.LedgerErrorCodeOf(err)
	require.Equal(t, repositories.LedgerErrorReservationReleased, code)

	noop, err := ledger.Release(ctx, tokens[0], "late", now)
	require.NoError(t, err)
	require.False(t, noop.Changed)

	level, err = ledger.GetLevel(ctx, "p1")
	require.NoError(t, err)
	require.Equal(t, 1, level.Available)
	require.Equal(t, 3, level.Reserved)

	for i := 0; i < 2; i++ {
		res, err := ledger.Restock(ctx, repositories.LedgerRestockRequest{Key: "cancel:ord_1:p1", ProductID: "p1", Quantity: 1, Now: now})
		require.NoError(t, err)
		require.Equal(t, i == 0, res.Changed)
		require.Equal(t, 2, res.Level.Available)
	}

	expired, err := ledger.ListExpired(ctx, now.Add(time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, expired, 3)
	for _, reservation := range expired {
		require.Equal(t, domain.ReservationStatusReserved, reservation.Status)
	}

	_, err = ledger.Reserve(ctx, repositories.LedgerReserveRequest{Token: "sr_missing", ProductID: "p404", Quantity: 1, ExpiresAt: now.Add(time.Minute), Now: now})
	code, _ = repositories.LedgerErrorCodeOf(err)
	require.Equal(t, repositories.LedgerErrorStockNotFound, code)
}

func TestCheckoutAndOrderRepositoriesIntegration(t *testing.T) {
	reg := newIntegrationRegistry(t)
	ctx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
	defer cancel()
	now := time.Now().UTC()

	checkout := domain.PendingCheckout{
		ID:          "chk_it_1",
		BuyerID:     "buyer_1",
		Source:      domain.SelectionSourceBuyNow,
		PaymentMode: domain.PaymentModeGateway,
		Currency:    "INR",
		Lines:       []domain.LineItem{{ProductID: "p1", Name: "Seal", Quantity: 2, UnitPrice: 1000, LineTotal: 2000, ReservationToken: "sr_1"}},
		Subtotal:    2000,
		Total:       2000,
		ShippingAddress: domain.Address{
			Recipient: "A. Buyer", Line1: "1-2-3", City: "Pune", Country: "IN",
		},
		Status:    domain.CheckoutStatusAwaitingPayment,
		CreatedAt: now,
		ExpiresAt: now.Add(15 * time.Minute),
		UpdatedAt: now,
	}
	require.NoError(t, reg.Checkouts().Insert(ctx, checkout))

	_, err := reg.Checkouts().AttachIntent(ctx, checkout.ID, domain.PaymentIntent{
		IntentID: "pi_1", Provider: "hmac", ProviderOrderID: "gw_order_1", Amount: 2000, Currency: "INR",
		Status: domain.PaymentIntentStatusCreated, CreatedAt: now,
	}, now)
	require.NoError(t, err)

	found, err := reg.Checkouts().FindByProviderOrderID(ctx, "gw_order_1")
	require.NoError(t, err)
	require.Equal(t, checkout.ID, found.ID)
	require.Equal(t, []string{"sr_1"}, found.ReservationTokens())

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := reg.Checkouts().Transition(ctx, repositories.CheckoutTransition{
				CheckoutID:       checkout.ID,
				From:             []domain.CheckoutStatus{domain.CheckoutStatusAwaitingPayment},
				To:               domain.CheckoutStatusPaid,
				RequireUnexpired: true,
				At:               now,
			})
			if err != nil {
				t.Errorf("transition: %v", err)
				return
			}
			if ok {
				mu.Lock()
				applied++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, applied)

	cutoff := now.Add(time.Minute)
	paid, err := reg.Checkouts().List(ctx, repositories.CheckoutListFilter{Status: domain.CheckoutStatusPaid, UpdatedBefore: &cutoff, Limit: 10})
	require.NoError(t, err)
	require.Len(t, paid, 1)
	require.Equal(t, checkout.ID, paid[0].ID)

	order := domain.Order{
		ID:                "ord_it_1",
		BuyerID:           "buyer_1",
		CheckoutID:        checkout.ID,
		Lines:             checkout.Lines,
		ShippingAddress:   checkout.ShippingAddress,
		Currency:          "INR",
		FinalAmount:       2000,
		PaymentMode:       domain.PaymentModeGateway,
		PaymentStatus:     domain.PaymentStatusPaid,
		FulfillmentStatus: domain.FulfillmentStatusPending,
		ProviderOrderID:   "gw_order_1",
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	require.NoError(t, reg.Orders().Insert(ctx, order))

	dup := order
	dup.ID = "ord_it_2"
	err = reg.Orders().Insert(ctx, dup)
	var repoErr repositories.RepositoryError
	require.True(t, errors.As(err, &repoErr))
	require.True(t, repoErr.IsConflict())

	byCheckout, err := reg.Orders().FindByCheckoutID(ctx, checkout.ID)
	require.NoError(t, err)
	require.Equal(t, order.ID, byCheckout.ID)

	stored, err := reg.Orders().FindByProviderOrderID(ctx, "gw_order_1")
	require.NoError(t, err)

	// The caller's in-memory timestamp carries nanoseconds the store does not keep.
	updated := stored
	updated.FulfillmentStatus = domain.FulfillmentStatusCancelled
	updated.UpdatedAt = now.Add(time.Second)
	require.NoError(t, reg.Orders().Update(ctx, updated, order.UpdatedAt))

	err = reg.Orders().Update(ctx, updated, order.UpdatedAt)
	require.True(t, errors.As(err, &repoErr))
	require.True(t, repoErr.IsConflict())

	pending, err := reg.Orders().ListAwaitingCompensation(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)

	_, err = reg.Orders().FindByID(ctx, "ord_missing")
	require.True(t, errors.As(err, &repoErr))
	require.True(t, repoErr.IsNotFound())
}

func TestCatalogCartAddressRepositoriesIntegration(t *testing.T) {
	reg := newIntegrationRegistry(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	now := time.Now().UTC()

	require.NoError(t, reg.CatalogWriter().PutProduct(ctx, domain.Product{
		ID: "p1", Name: "Round seal", Price: decimal.RequireFromString("499.00"), Currency: "inr", Active: true, Variants: []string{"red"},
	}))
	product, err := reg.Catalog().GetProduct(ctx, "p1")
	require.NoError(t, err)
	require.True(t, product.Price.Equal(decimal.RequireFromString("499")))
	require.Equal(t, "INR", product.Currency)
	require.True(t, product.HasVariant("Red"))

	require.NoError(t, reg.CartWriter().PutItem(ctx, "buyer_1", domain.CartItem{ID: "ci_1", ProductID: "p1", Quantity: 1, AddedAt: now}))
	require.NoError(t, reg.CartWriter().PutItem(ctx, "buyer_1", domain.CartItem{ID: "ci_2", ProductID: "p1", Quantity: 2, AddedAt: now.Add(time.Second)}))
	cart, err := reg.Carts().GetCart(ctx, "buyer_1")
	require.NoError(t, err)
	require.Len(t, cart.Items, 2)
	require.Equal(t, "ci_1", cart.Items[0].ID)

	require.NoError(t, reg.Carts().RemoveItems(ctx, "buyer_1", []string{"ci_1", "ci_missing"}))
	cart, err = reg.Carts().GetCart(ctx, "buyer_1")
	require.NoError(t, err)
	require.Len(t, cart.Items, 1)

	empty, err := reg.Carts().GetCart(ctx, "buyer_2")
	require.NoError(t, err)
	require.Empty(t, empty.Items)

	line2 := "Flat 4"
	require.NoError(t, reg.AddressWriter().Put(ctx, "buyer_1", "addr_1", domain.Address{Recipient: "A. Buyer", Line1: "1-2-3", Line2: &line2, City: "Pune", Country: "IN"}))
	addr, err := reg.Addresses().Get(ctx, "buyer_1", "addr_1")
	require.NoError(t, err)
	require.Equal(t, "Flat 4", *addr.Line2)

	_, err = reg.Addresses().Get(ctx, "buyer_1", "addr_9")
	var repoErr repositories.RepositoryError
	require.True(t, errors.As(err, &repoErr))
	require.True(t, repoErr.IsNotFound())
}
