package upstream

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testData = []byte("hello world, this is a media resource")

func newContentServer(t *testing.T, data []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			http.NotFound(w, r)
			return
		}
		http.ServeContent(w, r, "media", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func readResponse(t *testing.T, resp *Response) []byte {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return data
}

func TestHTTPFetcher_FetchRange(t *testing.T) {
	srv := newContentServer(t, testData)
	f, err := NewHTTPFetcher(srv.URL)
	require.NoError(t, err)

	resp, err := f.Fetch(context.Background(), "media.mp4", 6, 11)
	require.NoError(t, err)
	assert.Equal(t, int64(len(testData)), resp.Length)
	assert.Equal(t, "world", string(readResponse(t, resp)))
}

func TestHTTPFetcher_FetchOpenEnded(t *testing.T) {
	srv := newContentServer(t, testData)
	f, err := NewHTTPFetcher(srv.URL)
	require.NoError(t, err)

	resp, err := f.Fetch(context.Background(), "media.mp4", 13, -1)
	require.NoError(t, err)
	assert.Equal(t, testData[13:], readResponse(t, resp))
}

func TestHTTPFetcher_FetchPastEndIsShort(t *testing.T) {
	srv := newContentServer(t, testData)
	f, err := NewHTTPFetcher(srv.URL)
	require.NoError(t, err)

	n := int64(len(testData))
	resp, err := f.Fetch(context.Background(), "media.mp4", n-4, n+100)
	require.NoError(t, err)
	assert.Equal(t, n, resp.Length)
	assert.Equal(t, testData[n-4:], readResponse(t, resp))
}

func TestHTTPFetcher_FetchUnsatisfiable(t *testing.T) {
	srv := newContentServer(t, testData)
	f, err := NewHTTPFetcher(srv.URL)
	require.NoError(t, err)

	resp, err := f.Fetch(context.Background(), "media.mp4", int64(len(testData))+10, -1)
	require.NoError(t, err)
	assert.Equal(t, int64(len(testData)), resp.Length)
	assert.Empty(t, readResponse(t, resp))
}

func TestHTTPFetcher_FetchEmptyRange(t *testing.T) {
	f, err := NewHTTPFetcher("http://unused.invalid")
	require.NoError(t, err)

	resp, err := f.Fetch(context.Background(), "x", 10, 10)
	require.NoError(t, err)
	assert.Empty(t, readResponse(t, resp))
}

func TestHTTPFetcher_NotFound(t *testing.T) {
	srv := newContentServer(t, testData)
	f, err := NewHTTPFetcher(srv.URL)
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), "missing", 0, 10)
	require.ErrorIs(t, err, ErrNotFound)

	_, err = f.Stat(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestHTTPFetcher_RangeIgnored(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(testData)))
		_, _ = w.Write(testData)
	}))
	t.Cleanup(srv.Close)

	f, err := NewHTTPFetcher(srv.URL)
	require.NoError(t, err)

	resp, err := f.Fetch(context.Background(), "a", 0, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(len(testData)), resp.Length)
	assert.Equal(t, "hello", string(readResponse(t, resp)))

	_, err = f.Fetch(context.Background(), "a", 5, 10)
	require.ErrorIs(t, err, ErrRangeNotSupported)
}

func TestHTTPFetcher_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	f, err := NewHTTPFetcher(srv.URL)
	require.NoError(t, err)

	_, err = f.Fetch(context.Background(), "a", 0, 5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}

func TestHTTPFetcher_Stat(t *testing.T) {
	srv := newContentServer(t, testData)
	f, err := NewHTTPFetcher(srv.URL)
	require.NoError(t, err)

	n, err := f.Stat(context.Background(), "media.mp4")
	require.NoError(t, err)
	assert.Equal(t, int64(len(testData)), n)
}

func TestHTTPFetcher_StatFallsBackToRangeProbe(t *testing.T) {
	var probes atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		probes.Add(1)
		assert.Equal(t, "bytes=0-0", r.Header.Get("Range"))
		w.Header().Set("Content-Range", "bytes 0-0/4242")
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte("x"))
	}))
	t.Cleanup(srv.Close)

	f, err := NewHTTPFetcher(srv.URL)
	require.NoError(t, err)

	n, err := f.Stat(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, int64(4242), n)
	assert.Equal(t, int32(1), probes.Load())
}

func TestHTTPFetcher_Headers(t *testing.T) {
	var gotAuth, gotEncoding, gotRange string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotEncoding = r.Header.Get("Accept-Encoding")
		gotRange = r.Header.Get("Range")
		http.ServeContent(w, r, "media", time.Time{}, bytes.NewReader(testData))
	}))
	t.Cleanup(srv.Close)

	f, err := NewHTTPFetcher(srv.URL, WithHeader("Authorization", "Bearer token"))
	require.NoError(t, err)

	resp, err := f.Fetch(context.Background(), "a", 2, 4)
	require.NoError(t, err)
	assert.Equal(t, "ll", string(readResponse(t, resp)))

	assert.Equal(t, "Bearer token", gotAuth)
	assert.Equal(t, "identity", gotEncoding)
	assert.Equal(t, "bytes=2-3", gotRange)
}

func TestHTTPFetcher_AbsoluteResource(t *testing.T) {
	srv := newContentServer(t, testData)
	f, err := NewHTTPFetcher("")
	require.NoError(t, err)

	resp, err := f.Fetch(context.Background(), srv.URL+"/stream?sig=abc", 0, 5)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(readResponse(t, resp)))

	_, err = f.Fetch(context.Background(), "relative/path", 0, 5)
	require.Error(t, err)
}

func TestHTTPFetcher_ResolveURL(t *testing.T) {
	f, err := NewHTTPFetcher("https://cdn.example.com/base/")
	require.NoError(t, err)
	assert.Equal(t, "cdn.example.com", f.Name())

	got, err := f.ResolveURL("audio/track.m4a?itag=140")
	require.NoError(t, err)
	assert.Equal(t, "https://cdn.example.com/base/audio/track.m4a?itag=140", got)

	got, err = f.ResolveURL("https://other.example.com/x")
	require.NoError(t, err)
	assert.Equal(t, "https://other.example.com/x", got)

	_, err = f.ResolveURL("ftp://other.example.com/x")
	require.Error(t, err)

	_, err = NewHTTPFetcher("ftp://example.com")
	require.Error(t, err)
}

func TestHTTPFetcher_RateLimitHonoursContext(t *testing.T) {
	srv := newContentServer(t, testData)
	f, err := NewHTTPFetcher(srv.URL, WithRateLimit(0.001, 1))
	require.NoError(t, err)

	resp, err := f.Fetch(context.Background(), "a", 0, 1)
	require.NoError(t, err)
	_ = readResponse(t, resp)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = f.Fetch(ctx, "a", 0, 1)
	require.Error(t, err)
}

func TestParseContentRange(t *testing.T) {
	tests := []struct {
		in                 string
		first, last, total int64
		wantErr            bool
	}{
		{in: "bytes 0-9/100", first: 0, last: 9, total: 100},
		{in: "bytes 10-19/*", first: 10, last: 19, total: -1},
		{in: "bytes */100", first: -1, last: -1, total: 100},
		{in: "bytes */*", wantErr: true},
		{in: "bytes 9-0/100", wantErr: true},
		{in: "items 0-9/100", wantErr: true},
		{in: "bytes 0-9", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			first, last, total, err := parseContentRange(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.first, first)
			assert.Equal(t, tt.last, last)
			assert.Equal(t, tt.total, total)
		})
	}
}
