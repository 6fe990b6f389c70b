package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/media-cache/rangecache"
	"github.com/wolfeidau/media-cache/upstream"
)

type testEnv struct {
	cache   *rangecache.Cache
	server  *httptest.Server
	origin  *httptest.Server
	data    []byte
	ranges  atomic.Int32 // ranged GETs seen by the origin
	queries chan string
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	env := &testEnv{data: make([]byte, 1000), queries: make(chan string, 16)}
	for i := range env.data {
		env.data[i] = byte(i % 251)
	}

	env.origin = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/videos/") {
			http.NotFound(w, r)
			return
		}
		if r.Method == http.MethodGet && r.Header.Get("Range") != "" {
			env.ranges.Add(1)
		}
		select {
		case env.queries <- r.URL.RawQuery:
		default:
		}
		http.ServeContent(w, r, "clip.mp4", time.Time{}, bytes.NewReader(env.data))
	}))
	t.Cleanup(env.origin.Close)

	fetcher, err := upstream.NewHTTPFetcher(env.origin.URL)
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	env.cache, err = rangecache.New(rangecache.Config{Dir: t.TempDir(), Logger: logger}, fetcher)
	require.NoError(t, err)
	t.Cleanup(func() { _ = env.cache.Close() })

	cfg.Logger = logger
	srv, err := New(cfg, env.cache)
	require.NoError(t, err)

	env.server = httptest.NewServer(srv.Handler())
	t.Cleanup(env.server.Close)
	return env
}

func (env *testEnv) do(t *testing.T, method, path string, header map[string]string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, env.server.URL+path, nil)
	require.NoError(t, err)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func TestMedia_FullGet(t *testing.T) {
	env := newTestEnv(t, Config{})

	resp, body := env.do(t, http.MethodGet, "/media/videos/clip.mp4", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, env.data, body)
	assert.Equal(t, "1000", resp.Header.Get("Content-Length"))
	assert.Equal(t, "bytes", resp.Header.Get("Accept-Ranges"))
	assert.Equal(t, "video/mp4", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
}

func TestMedia_RangeServedFromCache(t *testing.T) {
	env := newTestEnv(t, Config{})

	hdr := map[string]string{"Range": "bytes=100-199"}
	resp, body := env.do(t, http.MethodGet, "/media/videos/clip.mp4", hdr)
	require.Equal(t, http.StatusPartialContent, resp.StatusCode)
	require.Equal(t, env.data[100:200], body)
	assert.Equal(t, "bytes 100-199/1000", resp.Header.Get("Content-Range"))
	assert.Equal(t, "100", resp.Header.Get("Content-Length"))
	require.Equal(t, int32(1), env.ranges.Load())

	resp, body = env.do(t, http.MethodGet, "/media/videos/clip.mp4", map[string]string{"Range": "bytes=120-149"})
	require.Equal(t, http.StatusPartialContent, resp.StatusCode)
	require.Equal(t, env.data[120:150], body)
	require.Equal(t, int32(1), env.ranges.Load(), "cached bytes must not be fetched again")
}

func TestMedia_OpenEndedAndSuffixRanges(t *testing.T) {
	env := newTestEnv(t, Config{})

	resp, body := env.do(t, http.MethodGet, "/media/videos/clip.mp4", map[string]string{"Range": "bytes=900-"})
	require.Equal(t, http.StatusPartialContent, resp.StatusCode)
	require.Equal(t, env.data[900:], body)
	assert.Equal(t, "bytes 900-999/1000", resp.Header.Get("Content-Range"))

	resp, body = env.do(t, http.MethodGet, "/media/videos/clip.mp4", map[string]string{"Range": "bytes=-50"})
	require.Equal(t, http.StatusPartialContent, resp.StatusCode)
	require.Equal(t, env.data[950:], body)
	assert.Equal(t, "bytes 950-999/1000", resp.Header.Get("Content-Range"))

	resp, body = env.do(t, http.MethodGet, "/media/videos/clip.mp4", map[string]string{"Range": "bytes=990-5000"})
	require.Equal(t, http.StatusPartialContent, resp.StatusCode)
	require.Equal(t, env.data[990:], body)
	assert.Equal(t, "bytes 990-999/1000", resp.Header.Get("Content-Range"))
}

func TestMedia_UnsatisfiableRange(t *testing.T) {
	env := newTestEnv(t, Config{})

	resp, _ := env.do(t, http.MethodGet, "/media/videos/clip.mp4", map[string]string{"Range": "bytes=2000-"})
	require.Equal(t, http.StatusRequestedRangeNotSatisfiable, resp.StatusCode)
	assert.Equal(t, "bytes */1000", resp.Header.Get("Content-Range"))
}

func TestMedia_MalformedRange(t *testing.T) {
	env := newTestEnv(t, Config{})

	resp, _ := env.do(t, http.MethodGet, "/media/videos/clip.mp4", map[string]string{"Range": "bytes=abc-"})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestMedia_Head(t *testing.T) {
	env := newTestEnv(t, Config{})

	resp, body := env.do(t, http.MethodHead, "/media/videos/clip.mp4", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Empty(t, body)
	assert.Equal(t, int64(1000), resp.ContentLength)
	require.Equal(t, int32(0), env.ranges.Load())
}

func TestMedia_NotFound(t *testing.T) {
	env := newTestEnv(t, Config{})

	resp, body := env.do(t, http.MethodGet, "/media/other/missing.mp4", nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)

	var payload map[string]string
	require.NoError(t, json.Unmarshal(body, &payload))
	require.NotEmpty(t, payload["error"])
}

func TestMedia_UpstreamDown(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.origin.Close()

	resp, _ := env.do(t, http.MethodGet, "/media/videos/clip.mp4", nil)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestMedia_CachedWhileUpstreamDown(t *testing.T) {
	env := newTestEnv(t, Config{})

	resp, _ := env.do(t, http.MethodGet, "/media/videos/clip.mp4", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	env.origin.Close()

	resp, body := env.do(t, http.MethodGet, "/media/videos/clip.mp4", map[string]string{"Range": "bytes=10-19"})
	require.Equal(t, http.StatusPartialContent, resp.StatusCode)
	require.Equal(t, env.data[10:20], body)
}

func TestMedia_Invalidate(t *testing.T) {
	env := newTestEnv(t, Config{})

	env.do(t, http.MethodGet, "/media/videos/clip.mp4", map[string]string{"Range": "bytes=0-99"})
	require.Equal(t, int64(100), env.cache.Stats().TotalBytes)

	resp, _ := env.do(t, http.MethodDelete, "/media/videos/clip.mp4", nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, int64(0), env.cache.Stats().TotalBytes)

	env.do(t, http.MethodGet, "/media/videos/clip.mp4", map[string]string{"Range": "bytes=0-99"})
	require.Equal(t, int32(2), env.ranges.Load())
}

func TestMedia_QueryForwarded(t *testing.T) {
	env := newTestEnv(t, Config{AuthToken: "secret"})

	resp, body := env.do(t, http.MethodGet, "/media/videos/clip.mp4?sig=abc&access_token=secret", map[string]string{"Range": "bytes=0-9"})
	require.Equal(t, http.StatusPartialContent, resp.StatusCode)
	require.Equal(t, env.data[:10], body)

	for len(env.queries) > 0 {
		require.Equal(t, "sig=abc", <-env.queries)
	}
}

func TestStatsAndHealth(t *testing.T) {
	env := newTestEnv(t, Config{})
	env.do(t, http.MethodGet, "/media/videos/clip.mp4", map[string]string{"Range": "bytes=0-99"})

	resp, body := env.do(t, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var stats rangecache.Stats
	require.NoError(t, json.Unmarshal(body, &stats))
	require.Equal(t, int64(100), stats.TotalBytes)
	require.Equal(t, 1, stats.Spans)

	resp, body = env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestParseRange(t *testing.T) {
	tests := []struct {
		header  string
		want    byteRange
		ok      bool
		wantErr bool
	}{
		{"", byteRange{}, false, false},
		{"bytes=0-99", byteRange{start: 0, end: 100}, true, false},
		{"bytes=500-", byteRange{start: 500, end: rangecache.ToEnd}, true, false},
		{"bytes=-200", byteRange{suffix: 200}, true, false},
		{"bytes=0-1,5-6", byteRange{}, false, false},
		{"items=0-1", byteRange{}, false, true},
		{"bytes=5-1", byteRange{}, false, true},
		{"bytes=x-1", byteRange{}, false, true},
		{"bytes=-0", byteRange{}, false, true},
		{"bytes=10", byteRange{}, false, true},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			got, ok, err := parseRange(tt.header)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.ok, ok)
			if ok {
				require.Equal(t, tt.want, got)
			}
		})
	}
}

func TestMediaResource(t *testing.T) {
	tests := []struct {
		target string
		want   string
	}{
		{"/media/a/b.mp4", "a/b.mp4"},
		{"/media/a/b.m3u8?token=1&exp=2", "a/b.m3u8?token=1&exp=2"},
		{"/media/a/b.m3u8?access_token=x", "a/b.m3u8"},
		{"/media/a/b.m3u8?access_token=x&exp=2", "a/b.m3u8?exp=2"},
	}
	for _, tt := range tests {
		t.Run(tt.target, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, tt.target, nil)
			r.SetPathValue("resource", strings.TrimPrefix(r.URL.Path, "/media/"))
			require.Equal(t, tt.want, mediaResource(r))
		})
	}
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "application/vnd.apple.mpegurl", contentType("live/index.m3u8?sig=1"))
	assert.Equal(t, "video/mp2t", contentType("live/seg1.ts"))
	assert.Equal(t, "video/iso.segment", contentType("dash/seg1.m4s"))
	assert.Equal(t, "video/mp4", contentType("movie.mp4"))
	assert.Equal(t, "application/octet-stream", contentType("blob"))
}

func TestNew_RequiresCache(t *testing.T) {
	_, err := New(Config{}, nil)
	require.Error(t, err)
}

func TestWriteErrorStatuses(t *testing.T) {
	s := &Server{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	tests := []struct {
		err  error
		want int
	}{
		{context.DeadlineExceeded, http.StatusGatewayTimeout},
		{upstream.ErrNotFound, http.StatusNotFound},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		rec := httptest.NewRecorder()
		s.writeError(rec, httptest.NewRequest(http.MethodGet, "/media/x", nil), "x", tt.err)
		assert.Equal(t, tt.want, rec.Code, "error %v", tt.err)
	}
}
