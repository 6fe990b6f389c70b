package telemetry

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var _ http.RoundTripper = (*RangeTransport)(nil)

func rangeServer(t *testing.T, content string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "seg.ts", time.Time{}, strings.NewReader(content))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func get(t *testing.T, client *http.Client, url, rng string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	if rng != "" {
		req.Header.Set("Range", rng)
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	return resp
}

func TestRangeTransport_Outcomes(t *testing.T) {
	content := strings.Repeat("0123456789", 10)

	tests := []struct {
		name      string
		rng       string
		readAll   bool
		outcome   string
		wantBytes int64
	}{
		{name: "partial", rng: "bytes=10-19", readAll: true, outcome: FetchPartial, wantBytes: 10},
		{name: "full", readAll: true, outcome: FetchFull, wantBytes: 100},
		{name: "unsatisfiable", rng: "bytes=500-", readAll: true, outcome: FetchUnsatisfiable},
		{name: "closed early", rng: "bytes=0-49", outcome: FetchIncomplete},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reader := setupTestMetrics(t)
			srv := rangeServer(t, content)
			client := &http.Client{Transport: NewRangeTransport(nil, "origin")}

			resp := get(t, client, srv.URL, tt.rng)
			if tt.readAll {
				_, err := io.ReadAll(resp.Body)
				require.NoError(t, err)
			}
			require.NoError(t, resp.Body.Close())

			rm := collectMetrics(t, reader)
			dps := findCounter(rm, "media_cache_upstream_fetch_total")
			require.Len(t, dps, 1)
			require.True(t, hasAttr(dps[0].Attributes, "upstream", "origin"))
			require.True(t, hasAttr(dps[0].Attributes, "outcome", tt.outcome))

			if tt.wantBytes > 0 {
				bytesDps := findCounter(rm, "media_cache_upstream_fetch_bytes_total")
				require.Len(t, bytesDps, 1)
				require.Equal(t, tt.wantBytes, bytesDps[0].Value)
			}
			require.Len(t, findHistogram(rm, "media_cache_upstream_fetch_duration_seconds"), 1)
		})
	}
}

func TestFetchOutcome(t *testing.T) {
	require.Equal(t, FetchPartial, fetchOutcome(http.StatusPartialContent))
	require.Equal(t, FetchFull, fetchOutcome(http.StatusOK))
	require.Equal(t, FetchNotFound, fetchOutcome(http.StatusNotFound))
	require.Equal(t, FetchNotFound, fetchOutcome(http.StatusGone))
	require.Equal(t, FetchUnsatisfiable, fetchOutcome(http.StatusRequestedRangeNotSatisfiable))
	require.Equal(t, "4xx", fetchOutcome(http.StatusForbidden))
	require.Equal(t, "5xx", fetchOutcome(http.StatusBadGateway))
}

func TestRangeTransport_ConnectionError(t *testing.T) {
	reader := setupTestMetrics(t)

	client := &http.Client{Transport: NewRangeTransport(nil, "origin"), Timeout: 100 * time.Millisecond}
	_, err := client.Get("http://127.0.0.1:1")
	require.Error(t, err)

	dps := findCounter(collectMetrics(t, reader), "media_cache_upstream_fetch_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "outcome", FetchError))
}

func TestRangeTransport_Canceled(t *testing.T) {
	reader := setupTestMetrics(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	client := &http.Client{Transport: NewRangeTransport(nil, "cdn")}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL, nil)
	require.NoError(t, err)
	_, err = client.Do(req)
	require.Error(t, err)

	dps := findCounter(collectMetrics(t, reader), "media_cache_upstream_fetch_total")
	require.Len(t, dps, 1)
	require.True(t, hasAttr(dps[0].Attributes, "upstream", "cdn"))
	require.True(t, hasAttr(dps[0].Attributes, "outcome", FetchCanceled))
}

func TestRangeTransport_CloseRecordsOnce(t *testing.T) {
	reader := setupTestMetrics(t)
	srv := rangeServer(t, "hello")
	client := &http.Client{Transport: NewRangeTransport(nil, "origin")}

	resp := get(t, client, srv.URL, "")
	_, _ = io.ReadAll(resp.Body)
	require.NoError(t, resp.Body.Close())
	require.NoError(t, resp.Body.Close())

	dps := findCounter(collectMetrics(t, reader), "media_cache_upstream_fetch_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
}

func TestRangeTransport_Base(t *testing.T) {
	require.Equal(t, http.DefaultTransport, NewRangeTransport(nil, "origin").base)

	custom := &http.Transport{}
	require.Equal(t, custom, NewRangeTransport(custom, "origin").base)
}

func TestRangeTransport_NilGlobalMetrics(t *testing.T) {
	globalMetrics = nil
	srv := rangeServer(t, "ok")
	client := &http.Client{Transport: NewRangeTransport(nil, "origin")}

	resp := get(t, client, srv.URL, "bytes=0-0")
	_, _ = io.ReadAll(resp.Body)
	require.NoError(t, resp.Body.Close())
}
