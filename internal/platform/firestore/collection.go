package firestore

import (
	"context"
	"errors"
	"fmt"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
)

// Collection gives repositories typed access to one collection. T is the persisted document
// shape (with firestore tags), not the domain type.
type Collection[T any] struct {
	provider *Provider
	name     string
}

// NewCollection binds a typed helper to the named collection.
func NewCollection[T any](provider *Provider, name string) Collection[T] {
	return Collection[T]{provider: provider, name: name}
}

// Name returns the collection name.
func (c Collection[T]) Name() string { return c.name }

// Ref returns the document reference for id.
func (c Collection[T]) Ref(ctx context.Context, id string) (*firestore.DocumentRef, error) {
	if id == "" {
		return nil, WrapError(c.name+".ref", errors.New("firestore: document id is required"))
	}
	if c.provider == nil {
		return nil, WrapError(c.name+".ref", errors.New("firestore: provider is nil"))
	}
	client, err := c.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	return client.Collection(c.name).Doc(id), nil
}

// Get reads and decodes a single document.
func (c Collection[T]) Get(ctx context.Context, id string) (T, error) {
	var out T
	ref, err := c.Ref(ctx, id)
	if err != nil {
		return out, err
	}
	snap, err := ref.Get(ctx)
	if err != nil {
		return out, WrapError(c.name+".get", err)
	}
	return Decode[T](snap)
}

// Create writes a new document and fails with a conflict when it already exists.
func (c Collection[T]) Create(ctx context.Context, id string, value T) error {
	ref, err := c.Ref(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Create(ctx, value); err != nil {
		return WrapError(c.name+".create", err)
	}
	return nil
}

// Set upserts the document.
func (c Collection[T]) Set(ctx context.Context, id string, value T) error {
	ref, err := c.Ref(ctx, id)
	if err != nil {
		return err
	}
	if _, err := ref.Set(ctx, value); err != nil {
		return WrapError(c.name+".set", err)
	}
	return nil
}

// Document pairs a decoded payload with its document id.
type Document[T any] struct {
	ID   string
	Data T
}

// Query runs a query built from the collection and decodes every match.
func (c Collection[T]) Query(ctx context.Context, build func(firestore.Query) firestore.Query) ([]Document[T], error) {
	if c.provider == nil {
		return nil, WrapError(c.name+".query", errors.New("firestore: provider is nil"))
	}
	client, err := c.provider.Client(ctx)
	if err != nil {
		return nil, err
	}
	query := client.Collection(c.name).Query
	if build != nil {
		query = build(query)
	}
	iter := query.Documents(ctx)
	defer iter.Stop()

	var out []Document[T]
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return out, nil
		}
		if err != nil {
			return nil, WrapError(c.name+".query", err)
		}
		value, err := Decode[T](snap)
		if err != nil {
			return nil, err
		}
		out = append(out, Document[T]{ID: snap.Ref.ID, Data: value})
	}
}

// Decode hydrates T from a snapshot.
func Decode[T any](snap *firestore.DocumentSnapshot) (T, error) {
	var out T
	if err := snap.DataTo(&out); err != nil {
		return out, fmt.Errorf("firestore: decode %s: %w", snap.Ref.Path, err)
	}
	return out, nil
}
