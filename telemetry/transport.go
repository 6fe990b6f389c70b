package telemetry

import (
	"context"
	"io"
	"net/http"
	"time"
)

// Upstream fetch outcomes.
const (
	FetchPartial       = "partial"       // 206 for the requested range
	FetchFull          = "full"          // 2xx with the whole body
	FetchUnsatisfiable = "unsatisfiable" // 416, range starts past the end
	FetchNotFound      = "not_found"
	FetchIncomplete    = "incomplete" // body closed before Content-Length bytes
	FetchError         = "error"
	FetchCanceled      = "canceled"
)

// RangeTransport wraps an http.RoundTripper and records one upstream fetch
// metric per request once its body is closed.
type RangeTransport struct {
	base     http.RoundTripper
	upstream string
	now      func() time.Time
}

// NewRangeTransport creates a transport for a named upstream. If base is nil,
// http.DefaultTransport is used.
func NewRangeTransport(base http.RoundTripper, upstream string) *RangeTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &RangeTransport{base: base, upstream: upstream, now: time.Now}
}

// RoundTrip implements http.RoundTripper.
func (t *RangeTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := t.now()
	resp, err := t.base.RoundTrip(req)
	if err != nil {
		outcome := FetchError
		if req.Context().Err() != nil {
			outcome = FetchCanceled
		}
		RecordUpstreamFetch(req.Context(), t.upstream, t.now().Sub(start), 0, outcome)
		return nil, err
	}

	resp.Body = &meteredBody{
		ReadCloser: resp.Body,
		ctx:        req.Context(),
		transport:  t,
		start:      start,
		want:       resp.ContentLength,
		outcome:    fetchOutcome(resp.StatusCode),
	}
	return resp, nil
}

func fetchOutcome(status int) string {
	switch {
	case status == http.StatusPartialContent:
		return FetchPartial
	case status == http.StatusRequestedRangeNotSatisfiable:
		return FetchUnsatisfiable
	case status == http.StatusNotFound || status == http.StatusGone:
		return FetchNotFound
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	default:
		return FetchFull
	}
}

// meteredBody counts body bytes and records the fetch on the first Close.
type meteredBody struct {
	io.ReadCloser
	ctx       context.Context
	transport *RangeTransport
	start     time.Time
	want      int64
	read      int64
	outcome   string
	closed    bool
}

func (b *meteredBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.read += int64(n)
	return n, err
}

func (b *meteredBody) Close() error {
	if !b.closed {
		b.closed = true
		outcome := b.outcome
		if (outcome == FetchPartial || outcome == FetchFull) && b.want > 0 && b.read < b.want {
			outcome = FetchIncomplete
		}
		RecordUpstreamFetch(b.ctx, b.transport.upstream, b.transport.now().Sub(b.start), b.read, outcome)
	}
	return b.ReadCloser.Close()
}
