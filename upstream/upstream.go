// Package upstream defines the byte-range data source the cache reads through
// and an HTTP implementation of it.
package upstream

import (
	"context"
	"errors"
	"io"
)

var (
	// ErrNotFound is returned when the upstream has no such resource.
	ErrNotFound = errors.New("upstream: resource not found")

	// ErrRangeNotSupported is returned when the upstream ignores range requests
	// for a non-zero offset.
	ErrRangeNotSupported = errors.New("upstream: range requests not supported")
)

// Response is the result of a range fetch.
type Response struct {
	// Body yields the bytes from the requested start. It may end early when
	// the resource is shorter than the requested range.
	Body io.ReadCloser

	// Length is the total resource length, or -1 when the upstream did not say.
	Length int64
}

// Fetcher fetches byte ranges of remote resources.
type Fetcher interface {
	// Fetch returns the bytes [start, end) of resource. end < 0 means to the
	// end of the resource.
	Fetch(ctx context.Context, resource string, start, end int64) (*Response, error)

	// Stat returns the total length of resource, or -1 when unknown.
	Stat(ctx context.Context, resource string) (int64, error)
}
