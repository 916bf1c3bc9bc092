package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// Known collection names.
const (
	ClassesCollection = "classes"
	ReportsCollection = "reports"
)

// ErrMalformedCollection is returned when a stored payload cannot be decoded.
var ErrMalformedCollection = errors.New("store: malformed collection")

// Backend persists whole collections as opaque payloads keyed by name.
// Load returns nil, nil when the collection has never been written.
type Backend interface {
	Load(ctx context.Context, name string) ([]byte, error)
	Replace(ctx context.Context, name string, payload []byte) error
	Close() error
}

// Collection is a typed view over one named collection with get-all and
// replace-all semantics only.
type Collection[T any] struct {
	backend Backend
	name    string
}

// NewCollection binds a typed collection to a backend.
func NewCollection[T any](b Backend, name string) *Collection[T] {
	return &Collection[T]{backend: b, name: name}
}

// Name returns the collection key.
func (c *Collection[T]) Name() string { return c.name }

// Load returns every item. A missing collection is empty.
func (c *Collection[T]) Load(ctx context.Context) ([]T, error) {
	payload, err := c.backend.Load(ctx, c.name)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", c.name, err)
	}
	if len(payload) == 0 {
		return []T{}, nil
	}
	var items []T
	if err := json.Unmarshal(payload, &items); err != nil {
		return nil, fmt.Errorf("%w %s: %v", ErrMalformedCollection, c.name, err)
	}
	if items == nil {
		items = []T{}
	}
	return items, nil
}

// Replace overwrites the whole collection.
func (c *Collection[T]) Replace(ctx context.Context, items []T) error {
	if items == nil {
		items = []T{}
	}
	payload, err := json.Marshal(items)
	if err != nil {
		return fmt.Errorf("encode %s: %w", c.name, err)
	}
	if err := c.backend.Replace(ctx, c.name, payload); err != nil {
		return fmt.Errorf("replace %s: %w", c.name, err)
	}
	return nil
}
