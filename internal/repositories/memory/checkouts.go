package memory

import (
	"context"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	domain "github.com/hanko-field/checkout/internal/domain"
	"github.com/hanko-field/checkout/internal/repositories"
)

// CheckoutStore keeps pending checkouts in memory.
type CheckoutStore struct {
	mu         sync.Mutex
	checkouts  map[string]domain.PendingCheckout
	byProvider map[string]string
}

var _ repositories.CheckoutRepository = (*CheckoutStore)(nil)

// NewCheckoutStore constructs an empty store.
func NewCheckoutStore() *CheckoutStore {
	return &CheckoutStore{
		checkouts:  make(map[string]domain.PendingCheckout),
		byProvider: make(map[string]string),
	}
}

func (s *CheckoutStore) Insert(_ context.Context, checkout domain.PendingCheckout) error {
	id := strings.TrimSpace(checkout.ID)
	if id == "" {
		return conflict("checkouts.insert", "checkout id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.checkouts[id]; exists {
		return conflict("checkouts.insert", "checkout already exists")
	}
	s.checkouts[id] = checkout.Clone()
	if key := checkout.ProviderOrderID(); key != "" {
		s.byProvider[key] = id
	}
	return nil
}

func (s *CheckoutStore) Get(_ context.Context, checkoutID string) (domain.PendingCheckout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	checkout, ok := s.checkouts[strings.TrimSpace(checkoutID)]
	if !ok {
		return domain.PendingCheckout{}, notFound("checkouts.get", "checkout not found")
	}
	return checkout.Clone(), nil
}

func (s *CheckoutStore) FindByProviderOrderID(_ context.Context, providerOrderID string) (domain.PendingCheckout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byProvider[strings.TrimSpace(providerOrderID)]
	if !ok {
		return domain.PendingCheckout{}, notFound("checkouts.find_by_provider_order", "checkout not found")
	}
	return s.checkouts[id].Clone(), nil
}

func (s *CheckoutStore) AttachIntent(_ context.Context, checkoutID string, intent domain.PaymentIntent, at time.Time) (domain.PendingCheckout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	checkout, ok := s.checkouts[strings.TrimSpace(checkoutID)]
	if !ok {
		return domain.PendingCheckout{}, notFound("checkouts.attach_intent", "checkout not found")
	}
	key := strings.TrimSpace(intent.ProviderOrderID)
	if owner, taken := s.byProvider[key]; taken && owner != checkout.ID {
		return domain.PendingCheckout{}, conflict("checkouts.attach_intent", "provider order id already attached")
	}
	checkout.Intent = &intent
	checkout.Provider = intent.Provider
	checkout.UpdatedAt = at
	s.checkouts[checkout.ID] = checkout
	if key != "" {
		s.byProvider[key] = checkout.ID
	}
	return checkout.Clone(), nil
}

func (s *CheckoutStore) Transition(_ context.Context, t repositories.CheckoutTransition) (domain.PendingCheckout, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	checkout, ok := s.checkouts[strings.TrimSpace(t.CheckoutID)]
	if !ok {
		return domain.PendingCheckout{}, false, notFound("checkouts.transition", "checkout not found")
	}
	if !slices.Contains(t.From, checkout.Status) {
		return checkout.Clone(), false, nil
	}
	if t.RequireUnexpired && checkout.Expired(t.At) {
		return checkout.Clone(), false, nil
	}
	applyCheckoutTransition(&checkout, t)
	s.checkouts[checkout.ID] = checkout
	return checkout.Clone(), true, nil
}

func (s *CheckoutStore) List(_ context.Context, filter repositories.CheckoutListFilter) ([]domain.PendingCheckout, error) {
	s.mu.Lock()
	var out []domain.PendingCheckout
	for _, checkout := range s.checkouts {
		if filter.Status != "" && checkout.Status != filter.Status {
			continue
		}
		if filter.ExpiresBefore != nil && checkout.ExpiresAt.After(*filter.ExpiresBefore) {
			continue
		}
		if filter.UpdatedBefore != nil && checkout.UpdatedAt.After(*filter.UpdatedBefore) {
			continue
		}
		out = append(out, checkout.Clone())
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func applyCheckoutTransition(checkout *domain.PendingCheckout, t repositories.CheckoutTransition) {
	checkout.Status = t.To
	checkout.UpdatedAt = t.At
	if id := strings.TrimSpace(t.ProviderPaymentID); id != "" {
		checkout.ProviderPaymentID = id
	}
	if id := strings.TrimSpace(t.OrderID); id != "" {
		checkout.OrderID = id
	}
	if reason := strings.TrimSpace(t.Reason); reason != "" {
		checkout.FailureReason = reason
	}
	if t.IntentStatus != "" && checkout.Intent != nil {
		intent := *checkout.Intent
		intent.Status = t.IntentStatus
		if checkout.ProviderPaymentID != "" {
			intent.ProviderPaymentID = checkout.ProviderPaymentID
		}
		checkout.Intent = &intent
	}
}
