package metadb

import (
	"context"
	"errors"
)

// ErrNotFound is returned when an entry does not exist.
var ErrNotFound = errors.New("metadb: not found")

// IndexStore persists resource span lists for the range cache.
type IndexStore interface {
	// Lifecycle
	Open(path string) error
	Close() error

	GetResource(ctx context.Context, id string) (*ResourceRecord, error)
	PutResource(ctx context.Context, rec *ResourceRecord) error
	// PutResources writes several records in a single transaction.
	PutResources(ctx context.Context, recs []*ResourceRecord) error
	DeleteResource(ctx context.Context, id string) error
	// ForEachResource calls fn for every stored record. Records that fail to
	// decode are reported through onCorrupt and skipped.
	ForEachResource(ctx context.Context, fn func(*ResourceRecord) error, onCorrupt func(id string, err error)) error
}
