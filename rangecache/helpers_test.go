package rangecache

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/media-cache/store/metadb"
	"github.com/wolfeidau/media-cache/upstream"
)

// memUpstream serves resources from memory and counts calls.
type memUpstream struct {
	mu       sync.Mutex
	data     map[string][]byte
	calls    []Range
	noLength bool

	fetches   atomic.Int32
	stats     atomic.Int32
	cancelled atomic.Int32

	gate     chan struct{} // when set, Fetch blocks until closed
	started  chan struct{} // receives one value per Fetch call when set
	fetchErr error
	statErr  error
}

func newMemUpstream() *memUpstream {
	return &memUpstream{data: make(map[string][]byte)}
}

func (u *memUpstream) put(resource string, data []byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.data[resource] = data
}

func (u *memUpstream) Fetch(ctx context.Context, resource string, start, end int64) (*upstream.Response, error) {
	u.fetches.Add(1)
	u.mu.Lock()
	u.calls = append(u.calls, Range{Start: start, End: end})
	gate, started, fetchErr := u.gate, u.started, u.fetchErr
	data, ok := u.data[resource]
	noLength := u.noLength
	u.mu.Unlock()

	if started != nil {
		started <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			u.cancelled.Add(1)
			return nil, ctx.Err()
		}
	}
	if fetchErr != nil {
		return nil, fetchErr
	}
	if !ok {
		return nil, upstream.ErrNotFound
	}

	n := int64(len(data))
	s, e := min(start, n), n
	if end >= 0 && end < n {
		e = end
	}
	length := n
	if noLength {
		length = -1
	}
	return &upstream.Response{Body: io.NopCloser(bytes.NewReader(data[s:e])), Length: length}, nil
}

func (u *memUpstream) Stat(ctx context.Context, resource string) (int64, error) {
	u.stats.Add(1)
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.statErr != nil {
		return 0, u.statErr
	}
	data, ok := u.data[resource]
	if !ok {
		return 0, upstream.ErrNotFound
	}
	if u.noLength {
		return -1, nil
	}
	return int64(len(data)), nil
}

func (u *memUpstream) fetchCalls() []Range {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]Range(nil), u.calls...)
}

// testData returns n deterministic bytes that differ per seed.
func testData(n int, seed byte) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i*7) ^ seed
	}
	return out
}

// manualClock is a settable clock.
type manualClock struct {
	mu sync.Mutex
	t  time.Time
}

func newManualClock() *manualClock {
	return &manualClock{t: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (m *manualClock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.t
}

func (m *manualClock) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.t = m.t.Add(d)
}

// flakyIndex fails index writes on demand.
type flakyIndex struct {
	metadb.IndexStore
	fail atomic.Bool
	puts atomic.Int32
}

func (f *flakyIndex) PutResources(ctx context.Context, recs []*metadb.ResourceRecord) error {
	f.puts.Add(1)
	if f.fail.Load() {
		return errors.New("disk full")
	}
	return f.IndexStore.PutResources(ctx, recs)
}

func newTestCache(t *testing.T, cfg Config, up upstream.Fetcher, opts ...Option) *Cache {
	t.Helper()
	if cfg.Dir == "" {
		cfg.Dir = t.TempDir()
	}
	c, err := New(cfg, up, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// readRange opens r of resource and reads it to the end.
func readRange(t *testing.T, c *Cache, resource string, r Range) []byte {
	t.Helper()
	h, err := c.Open(context.Background(), resource, r)
	require.NoError(t, err)
	defer func() { _ = h.Close() }()
	data, err := h.ReadAll(context.Background())
	require.NoError(t, err)
	return data
}

// checkInvariants verifies span ordering, merging and byte accounting.
func checkInvariants(t *testing.T, c *Cache) {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	var total int64
	for id, rs := range c.resources {
		for i, sp := range rs.spans {
			require.Less(t, sp.start, sp.end, "resource %s span %d empty", id, i)
			if i > 0 {
				require.Less(t, rs.spans[i-1].end, sp.start, "resource %s spans %d,%d overlap or touch", id, i-1, i)
			}
			next := sp.start
			for _, seg := range sp.segments {
				require.Equal(t, next, seg.offset, "resource %s span %d segments not contiguous", id, i)
				next += seg.length
			}
			require.Equal(t, sp.end, next, "resource %s span %d segments do not cover it", id, i)
			total += sp.size()
		}
	}
	require.Equal(t, total, c.total, "byte accounting")
}
