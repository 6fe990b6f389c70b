// Package mediacache holds the types shared by the media cache packages:
// content hashes, segment storage keys and the cache error taxonomy.
package mediacache

import (
	"errors"
	"fmt"
)

var (
	// ErrResourceUnavailable is returned by Open when the requested range is
	// not fully cached and the upstream source cannot be reached.
	ErrResourceUnavailable = errors.New("resource unavailable")

	// ErrFetchFailed is returned by a read whose upstream fetch failed or
	// timed out. It is scoped to that read and never poisons the cache.
	ErrFetchFailed = errors.New("upstream fetch failed")

	// ErrCachePersistence is reported when the span index could not be made
	// durable. The in-memory index stays authoritative.
	ErrCachePersistence = errors.New("cache persistence failed")

	// ErrCorruptIndexEntry marks a persisted span whose backing data is
	// missing, short or fails checksum verification.
	ErrCorruptIndexEntry = errors.New("corrupt index entry")

	// ErrClosed is returned when operating on a closed cache or handle.
	ErrClosed = errors.New("closed")
)

// FetchError describes a failed upstream fetch for one gap.
type FetchError struct {
	Resource string
	Start    int64
	End      int64 // -1 when open ended
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %q [%d,%d): %v", e.Resource, e.Start, e.End, e.Err)
}

// Unwrap returns both the sentinel and the underlying cause.
func (e *FetchError) Unwrap() []error { return []error{ErrFetchFailed, e.Err} }

// UnavailableError is returned by Open when the upstream probe fails.
type UnavailableError struct {
	Resource string
	Err      error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("resource %q unavailable: %v", e.Resource, e.Err)
}

func (e *UnavailableError) Unwrap() []error { return []error{ErrResourceUnavailable, e.Err} }

// PersistenceError is returned when an index write failed after its retry.
type PersistenceError struct {
	Resource string
	Err      error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persisting index for %q: %v", e.Resource, e.Err)
}

func (e *PersistenceError) Unwrap() []error { return []error{ErrCachePersistence, e.Err} }

// CorruptEntryError identifies a span dropped while rebuilding the index.
type CorruptEntryError struct {
	Resource string
	Start    int64
	End      int64
	Reason   string
}

func (e *CorruptEntryError) Error() string {
	return fmt.Sprintf("corrupt span %q [%d,%d): %s", e.Resource, e.Start, e.End, e.Reason)
}

func (e *CorruptEntryError) Unwrap() error { return ErrCorruptIndexEntry }
