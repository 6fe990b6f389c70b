package upstream

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/wolfeidau/media-cache/telemetry"
	"golang.org/x/time/rate"
)

// HTTPFetcher implements Fetcher with HTTP range requests.
//
// Resources are either absolute http(s) URLs or paths resolved against the
// base URL.
type HTTPFetcher struct {
	base    *url.URL
	name    string
	client  *http.Client
	headers http.Header
	limiter *rate.Limiter
	logger  *slog.Logger
}

// Option configures an HTTPFetcher.
type Option func(*HTTPFetcher)

// WithClient sets the HTTP client used for requests.
func WithClient(client *http.Client) Option {
	return func(f *HTTPFetcher) {
		f.client = client
	}
}

// WithHeaders sets additional headers on each request.
func WithHeaders(headers http.Header) Option {
	return func(f *HTTPFetcher) {
		if headers == nil {
			return
		}
		f.headers = headers.Clone()
	}
}

// WithHeader sets a single header on each request.
func WithHeader(key, value string) Option {
	return func(f *HTTPFetcher) {
		if f.headers == nil {
			f.headers = make(http.Header)
		}
		f.headers.Set(key, value)
	}
}

// WithRateLimit limits outgoing requests to rps per second with the given burst.
// A non-positive rps disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(f *HTTPFetcher) {
		if rps <= 0 {
			f.limiter = nil
			return
		}
		f.limiter = rate.NewLimiter(rate.Limit(rps), max(burst, 1))
	}
}

// WithName sets the upstream name used in metrics. Defaults to the base URL host.
func WithName(name string) Option {
	return func(f *HTTPFetcher) {
		f.name = name
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(f *HTTPFetcher) {
		f.logger = logger
	}
}

// NewHTTPFetcher creates an HTTPFetcher. baseURL may be empty, in which case
// every resource must be an absolute URL.
func NewHTTPFetcher(baseURL string, opts ...Option) (*HTTPFetcher, error) {
	f := &HTTPFetcher{
		name:   "origin",
		logger: slog.Default(),
	}
	if baseURL != "" {
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("parsing base url: %w", err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, fmt.Errorf("base url %q: unsupported scheme", baseURL)
		}
		f.base = u
		f.name = u.Host
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.client == nil {
		f.client = &http.Client{Transport: telemetry.NewRangeTransport(nil, f.name)}
	}
	f.logger = f.logger.With("component", "upstream", "upstream", f.name)
	return f, nil
}

// Name returns the upstream name used in metrics.
func (f *HTTPFetcher) Name() string {
	return f.name
}

// Fetch issues a GET with a Range header for [start, end).
func (f *HTTPFetcher) Fetch(ctx context.Context, resource string, start, end int64) (*Response, error) {
	if start < 0 {
		return nil, fmt.Errorf("fetch %q: negative offset %d", resource, start)
	}
	if end >= 0 && end <= start {
		return &Response{Body: http.NoBody, Length: -1}, nil
	}

	req, err := f.newRequest(ctx, http.MethodGet, resource)
	if err != nil {
		return nil, err
	}
	if end < 0 {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", start))
	} else {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end-1))
	}

	resp, err := f.do(req)
	if err != nil {
		return nil, err
	}

	switch resp.StatusCode {
	case http.StatusPartialContent:
		first, _, total, err := parseContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			drainClose(resp.Body)
			return nil, fmt.Errorf("fetch %q: %w", resource, err)
		}
		if first != start {
			drainClose(resp.Body)
			return nil, fmt.Errorf("fetch %q: upstream returned range starting at %d, want %d", resource, first, start)
		}
		return &Response{Body: limitBody(resp.Body, start, end), Length: total}, nil

	case http.StatusOK:
		// The upstream ignored the Range header and sent the whole resource.
		if start != 0 {
			drainClose(resp.Body)
			return nil, fmt.Errorf("fetch %q: %w", resource, ErrRangeNotSupported)
		}
		return &Response{Body: limitBody(resp.Body, start, end), Length: resp.ContentLength}, nil

	case http.StatusRequestedRangeNotSatisfiable:
		drainClose(resp.Body)
		total := int64(-1)
		if _, _, t, err := parseContentRange(resp.Header.Get("Content-Range")); err == nil {
			total = t
		}
		return &Response{Body: http.NoBody, Length: total}, nil

	case http.StatusNotFound, http.StatusGone:
		drainClose(resp.Body)
		return nil, fmt.Errorf("fetch %q: %w", resource, ErrNotFound)

	default:
		drainClose(resp.Body)
		return nil, fmt.Errorf("fetch %q: unexpected status %s", resource, resp.Status)
	}
}

// Stat determines the total length with a HEAD request, falling back to a
// one byte range probe when HEAD gives no length.
func (f *HTTPFetcher) Stat(ctx context.Context, resource string) (int64, error) {
	req, err := f.newRequest(ctx, http.MethodHead, resource)
	if err != nil {
		return 0, err
	}
	resp, err := f.do(req)
	if err != nil {
		return 0, err
	}
	drainClose(resp.Body)

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return 0, fmt.Errorf("stat %q: %w", resource, ErrNotFound)
	case resp.StatusCode == http.StatusOK && resp.ContentLength >= 0:
		return resp.ContentLength, nil
	}

	f.logger.Debug("HEAD gave no length, probing with range request", "resource", resource, "status", resp.StatusCode)

	return f.rangeProbe(ctx, resource)
}

func (f *HTTPFetcher) rangeProbe(ctx context.Context, resource string) (int64, error) {
	req, err := f.newRequest(ctx, http.MethodGet, resource)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Range", "bytes=0-0")

	resp, err := f.do(req)
	if err != nil {
		return 0, err
	}
	defer drainClose(resp.Body)

	switch resp.StatusCode {
	case http.StatusPartialContent, http.StatusRequestedRangeNotSatisfiable:
		_, _, total, err := parseContentRange(resp.Header.Get("Content-Range"))
		if err != nil {
			return 0, fmt.Errorf("stat %q: %w", resource, err)
		}
		return total, nil
	case http.StatusOK:
		return resp.ContentLength, nil
	case http.StatusNotFound, http.StatusGone:
		return 0, fmt.Errorf("stat %q: %w", resource, ErrNotFound)
	default:
		return 0, fmt.Errorf("stat %q: unexpected status %s", resource, resp.Status)
	}
}

func (f *HTTPFetcher) do(req *http.Request) (*http.Response, error) {
	if f.limiter != nil {
		if err := f.limiter.Wait(req.Context()); err != nil {
			return nil, fmt.Errorf("waiting for rate limiter: %w", err)
		}
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting %s: %w", req.URL.Redacted(), err)
	}
	return resp, nil
}

// ResolveURL returns the URL fetched for resource.
func (f *HTTPFetcher) ResolveURL(resource string) (string, error) {
	u, err := url.Parse(resource)
	if err != nil {
		return "", fmt.Errorf("parsing resource %q: %w", resource, err)
	}
	if u.IsAbs() {
		if u.Scheme != "http" && u.Scheme != "https" {
			return "", fmt.Errorf("resource %q: unsupported scheme", resource)
		}
		return u.String(), nil
	}
	if f.base == nil {
		return "", fmt.Errorf("resource %q is relative and no base url is configured", resource)
	}
	joined := f.base.JoinPath(u.Path)
	joined.RawQuery = u.RawQuery
	return joined.String(), nil
}

func (f *HTTPFetcher) newRequest(ctx context.Context, method, resource string) (*http.Request, error) {
	target, err := f.ResolveURL(resource)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	for key, values := range f.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	// Byte offsets must refer to the stored representation.
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "identity")
	}
	return req, nil
}

func limitBody(body io.ReadCloser, start, end int64) io.ReadCloser {
	if end < 0 {
		return &drainingBody{body: body, reader: body}
	}
	return &drainingBody{body: body, reader: io.LimitReader(body, end-start)}
}

// drainingBody drains the remaining body on close so the connection can be reused.
type drainingBody struct {
	body   io.ReadCloser
	reader io.Reader
}

func (b *drainingBody) Read(p []byte) (int, error) {
	return b.reader.Read(p)
}

func (b *drainingBody) Close() error {
	_, _ = io.Copy(io.Discard, io.LimitReader(b.body, maxDrain))
	return b.body.Close()
}

// maxDrain bounds how much of an abandoned body is read before closing.
const maxDrain = 256 << 10

func drainClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxDrain))
	_ = body.Close()
}

// parseContentRange parses "bytes first-last/total" and "bytes */total".
// total is -1 when the header carries "*".
func parseContentRange(value string) (first, last, total int64, err error) {
	value = strings.TrimSpace(value)
	rest, ok := strings.CutPrefix(value, "bytes ")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	span, size, ok := strings.Cut(rest, "/")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range %q", value)
	}

	total = -1
	if size != "*" {
		total, err = strconv.ParseInt(size, 10, 64)
		if err != nil || total < 0 {
			return 0, 0, 0, fmt.Errorf("invalid Content-Range %q", value)
		}
	}

	if span == "*" {
		if total < 0 {
			return 0, 0, 0, fmt.Errorf("invalid Content-Range %q", value)
		}
		return -1, -1, total, nil
	}

	a, b, ok := strings.Cut(span, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	first, err = strconv.ParseInt(a, 10, 64)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	last, err = strconv.ParseInt(b, 10, 64)
	if err != nil || last < first {
		return 0, 0, 0, fmt.Errorf("invalid Content-Range %q", value)
	}
	return first, last, total, nil
}

// Compile-time interface check
var _ Fetcher = (*HTTPFetcher)(nil)
