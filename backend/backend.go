// Package backend provides the segment storage abstraction for the media cache.
package backend

import (
	"context"
	"errors"
	"io"
)

// ErrNotFound is returned when a key does not exist in the backend.
var ErrNotFound = errors.New("not found")

// Backend defines the interface for storage backends.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Write stores data at the given key. The write is committed only if
	// the reader is drained without error; a failed write leaves no object.
	// If the key already exists, it is overwritten.
	Write(ctx context.Context, key string, r io.Reader) error

	// Read retrieves data at the given key.
	// Returns ErrNotFound if the key does not exist.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes data at the given key.
	// Returns nil if the key does not exist (idempotent).
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns all keys with the given prefix.
	// The prefix should use "/" as the path separator.
	List(ctx context.Context, prefix string) ([]string, error)
}

// RangeReader reads a byte window of a stored object without reading the
// bytes before it.
type RangeReader interface {
	// ReadRange returns a reader over [off, off+length) of the object at key.
	// Returns ErrNotFound if the key does not exist. A window extending past
	// the end of the object yields a short read ending in io.ErrUnexpectedEOF.
	ReadRange(ctx context.Context, key string, off, length int64) (io.ReadCloser, error)
}

// SizeAwareBackend extends Backend with size information.
type SizeAwareBackend interface {
	Backend

	// Size returns the size in bytes of the data at the given key.
	// Returns ErrNotFound if the key does not exist.
	Size(ctx context.Context, key string) (int64, error)
}

// TempPurger is implemented by backends that stage writes in temporary
// objects which can be left behind by a crash.
type TempPurger interface {
	// PurgeTemp removes abandoned temporary objects and returns how many
	// were removed.
	PurgeTemp(ctx context.Context) (int, error)
}

// SegmentStore is the full set of capabilities the range cache needs.
type SegmentStore interface {
	SizeAwareBackend
	RangeReader
}
