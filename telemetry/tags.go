// Package telemetry provides request tagging for structured logging and metrics.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

const (
	// requestTagsKey is the context key for request tags holder.
	requestTagsKey contextKey = "request_tags"
	// upstreamKey is the context key for propagating the upstream name to background goroutines.
	upstreamKey contextKey = "upstream"
)

// CacheResult represents the outcome of a cache lookup.
type CacheResult string

const (
	CacheHit    CacheResult = "hit"
	CacheMiss   CacheResult = "miss"
	CacheShared CacheResult = "shared" // joined a fetch already in flight
	CacheBypass CacheResult = "bypass"
	CacheNA     CacheResult = "na"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	Upstream    string
	CacheResult CacheResult
	Endpoint    string
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{CacheResult: CacheBypass}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(r *http.Request) *RequestTags {
	return TagsFromContext(r.Context())
}

// TagsFromContext retrieves the request tags from a context.
func TagsFromContext(ctx context.Context) *RequestTags {
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetCacheResult sets the cache result for logging.
func SetCacheResult(r *http.Request, result CacheResult) {
	if tags := GetTags(r); tags != nil {
		tags.CacheResult = result
	}
}

// MergeCacheResult records result in the request tags carried by ctx.
// A miss is never downgraded by a later hit.
func MergeCacheResult(ctx context.Context, result CacheResult) {
	tags := TagsFromContext(ctx)
	if tags == nil {
		return
	}
	switch tags.CacheResult {
	case CacheMiss:
		return
	case CacheShared:
		if result == CacheHit {
			return
		}
	}
	tags.CacheResult = result
}

// SetUpstream sets the upstream tag for metrics and logging.
func SetUpstream(r *http.Request, upstream string) {
	if tags := GetTags(r); tags != nil {
		tags.Upstream = upstream
	}
}

// SetEndpoint sets the endpoint type for logging.
func SetEndpoint(r *http.Request, endpoint string) {
	if tags := GetTags(r); tags != nil {
		tags.Endpoint = endpoint
	}
}

// UpstreamFromContext retrieves the upstream name from a context.
// It checks both background contexts (set by WithUpstreamContext) and
// request contexts (set by SetUpstream via InjectTags).
func UpstreamFromContext(ctx context.Context) string {
	if u, ok := ctx.Value(upstreamKey).(string); ok && u != "" {
		return u
	}
	if tags := TagsFromContext(ctx); tags != nil {
		return tags.Upstream
	}
	return ""
}

// WithUpstreamContext returns a context with the upstream name stored.
// Use this to propagate it into goroutines that outlive the request context.
func WithUpstreamContext(ctx context.Context, upstream string) context.Context {
	return context.WithValue(ctx, upstreamKey, upstream)
}
