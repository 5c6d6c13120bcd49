package firestore

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	"cloud.google.com/go/firestore"

	domain "github.com/hanko-field/checkout/internal/domain"
	pfirestore "github.com/hanko-field/checkout/internal/platform/firestore"
	"github.com/hanko-field/checkout/internal/repositories"
)

const (
	checkoutsCollection    = "checkouts"
	checkoutKeysCollection = "checkoutProviderOrders"
)

// CheckoutRepository stores pending checkouts. A side collection keyed by provider order id
// keeps that id unique and gives callbacks a point lookup.
type CheckoutRepository struct {
	provider  *pfirestore.Provider
	checkouts pfirestore.Collection[checkoutDoc]
	keys      pfirestore.Collection[providerKeyDoc]
}

var _ repositories.CheckoutRepository = (*CheckoutRepository)(nil)

type providerKeyDoc struct {
	OwnerID   string    `firestore:"ownerId"`
	CreatedAt time.Time `firestore:"createdAt"`
}

// NewCheckoutRepository constructs a Firestore-backed checkout repository.
func NewCheckoutRepository(provider *pfirestore.Provider) (*CheckoutRepository, error) {
	if provider == nil {
		return nil, errors.New("checkout repository requires firestore provider")
	}
	return &CheckoutRepository{
		provider:  provider,
		checkouts: pfirestore.NewCollection[checkoutDoc](provider, checkoutsCollection),
		keys:      pfirestore.NewCollection[providerKeyDoc](provider, checkoutKeysCollection),
	}, nil
}

func (r *CheckoutRepository) Insert(ctx context.Context, checkout domain.PendingCheckout) error {
	id := strings.TrimSpace(checkout.ID)
	if id == "" {
		return pfirestore.WrapError("checkouts.insert", errors.New("checkout id is required"))
	}
	key := checkout.ProviderOrderID()
	if key == "" {
		return r.checkouts.Create(ctx, id, encodeCheckout(checkout))
	}
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.checkouts.Ref(ctx, id)
		if err != nil {
			return err
		}
		keyRef, err := r.keys.Ref(ctx, key)
		if err != nil {
			return err
		}
		if err := tx.Create(ref, encodeCheckout(checkout)); err != nil {
			return err
		}
		return tx.Create(keyRef, providerKeyDoc{OwnerID: id, CreatedAt: storedTime(checkout.CreatedAt)})
	})
	return pfirestore.WrapError("checkouts.insert", err)
}

func (r *CheckoutRepository) Get(ctx context.Context, checkoutID string) (domain.PendingCheckout, error) {
	id := strings.TrimSpace(checkoutID)
	doc, err := r.checkouts.Get(ctx, id)
	if err != nil {
		return domain.PendingCheckout{}, err
	}
	return doc.toDomain(id), nil
}

func (r *CheckoutRepository) FindByProviderOrderID(ctx context.Context, providerOrderID string) (domain.PendingCheckout, error) {
	key, err := r.keys.Get(ctx, strings.TrimSpace(providerOrderID))
	if err != nil {
		return domain.PendingCheckout{}, err
	}
	return r.Get(ctx, key.OwnerID)
}

func (r *CheckoutRepository) AttachIntent(ctx context.Context, checkoutID string, intent domain.PaymentIntent, at time.Time) (domain.PendingCheckout, error) {
	const op = "checkouts.attach_intent"
	id := strings.TrimSpace(checkoutID)
	key := strings.TrimSpace(intent.ProviderOrderID)

	var saved domain.PendingCheckout
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		ref, err := r.checkouts.Ref(ctx, id)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		doc, err := pfirestore.Decode[checkoutDoc](snap)
		if err != nil {
			return err
		}

		var keyRef *firestore.DocumentRef
		if key != "" {
			if keyRef, err = r.keys.Ref(ctx, key); err != nil {
				return err
			}
			keySnap, err := tx.Get(keyRef)
			switch {
			case err == nil:
				owner, err := pfirestore.Decode[providerKeyDoc](keySnap)
				if err != nil {
					return err
				}
				if owner.OwnerID != id {
					return conflictError(op, "provider order id already attached")
				}
				keyRef = nil
			case !pfirestore.IsNotFound(err):
				return err
			}
		}

		doc.Intent = encodeIntent(intent)
		doc.Provider = intent.Provider
		doc.UpdatedAt = storedTime(at)
		if err := tx.Set(ref, doc); err != nil {
			return err
		}
		if keyRef != nil {
			if err := tx.Create(keyRef, providerKeyDoc{OwnerID: id, CreatedAt: storedTime(at)}); err != nil {
				return err
			}
		}
		saved = doc.toDomain(id)
		return nil
	})
	if err != nil {
		return domain.PendingCheckout{}, pfirestore.WrapError(op, err)
	}
	return saved, nil
}

// Transition is a compare-and-set on the status field executed in a transaction, so concurrent
// claims on the same checkout resolve to exactly one applied transition.
func (r *CheckoutRepository) Transition(ctx context.Context, t repositories.CheckoutTransition) (domain.PendingCheckout, bool, error) {
	id := strings.TrimSpace(t.CheckoutID)
	var (
		saved   domain.PendingCheckout
		applied bool
	)
	err := r.provider.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		applied = false
		ref, err := r.checkouts.Ref(ctx, id)
		if err != nil {
			return err
		}
		snap, err := tx.Get(ref)
		if err != nil {
			return err
		}
		doc, err := pfirestore.Decode[checkoutDoc](snap)
		if err != nil {
			return err
		}
		current := doc.toDomain(id)
		if !slices.Contains(t.From, current.Status) || (t.RequireUnexpired && current.Expired(t.At)) {
			saved = current
			return nil
		}

		applyTransition(&current, t)
		if err := tx.Set(ref, encodeCheckout(current)); err != nil {
			return err
		}
		saved = current
		applied = true
		return nil
	})
	if err != nil {
		return domain.PendingCheckout{}, false, pfirestore.WrapError("checkouts.transition", err)
	}
	return saved, applied, nil
}

// List applies one range filter in Firestore and the other in memory so only single-field
// range indexes are needed.
func (r *CheckoutRepository) List(ctx context.Context, filter repositories.CheckoutListFilter) ([]domain.PendingCheckout, error) {
	docs, err := r.checkouts.Query(ctx, func(q firestore.Query) firestore.Query {
		if filter.Status != "" {
			q = q.Where("status", "==", string(filter.Status))
		}
		switch {
		case filter.ExpiresBefore != nil:
			q = q.Where("expiresAt", "<=", storedTime(*filter.ExpiresBefore)).OrderBy("expiresAt", firestore.Asc)
		case filter.UpdatedBefore != nil:
			q = q.Where("updatedAt", "<=", storedTime(*filter.UpdatedBefore)).OrderBy("updatedAt", firestore.Asc)
		default:
			q = q.OrderBy("expiresAt", firestore.Asc)
		}
		if filter.Limit > 0 && (filter.ExpiresBefore == nil || filter.UpdatedBefore == nil) {
			q = q.Limit(filter.Limit)
		}
		return q
	})
	if err != nil {
		return nil, err
	}

	out := make([]domain.PendingCheckout, 0, len(docs))
	for _, doc := range docs {
		if filter.UpdatedBefore != nil && doc.Data.UpdatedAt.After(*filter.UpdatedBefore) {
			continue
		}
		out = append(out, doc.Data.toDomain(doc.ID))
		if filter.Limit > 0 && len(out) == filter.Limit {
			break
		}
	}
	return out, nil
}

func applyTransition(checkout *domain.PendingCheckout, t repositories.CheckoutTransition) {
	checkout.Status = t.To
	checkout.UpdatedAt = storedTime(t.At)
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
