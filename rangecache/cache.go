// Package rangecache implements a disk-backed byte-range cache with LRU
// eviction in front of a byte-addressable upstream source.
//
// Cached bytes are kept per resource as sorted, non-overlapping spans. A
// reader that reaches a byte that is not cached triggers a single upstream
// fetch for the surrounding gap; concurrent readers of the same gap wait for
// that fetch instead of issuing their own. Storage stays under a byte budget
// by evicting least recently used spans that no open reader still needs.
package rangecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/backend"
	"github.com/wolfeidau/media-cache/download"
	"github.com/wolfeidau/media-cache/store/metadb"
	"github.com/wolfeidau/media-cache/telemetry"
	"github.com/wolfeidau/media-cache/upstream"
)

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	TotalBytes int64 `json:"total_bytes"`
	MaxSize    int64 `json:"max_size"`
	Resources  int   `json:"resources"`
	Spans      int   `json:"spans"`
	InFlight   int   `json:"in_flight"`
	Handles    int   `json:"handles"`

	Hits        uint64 `json:"hits"`
	Misses      uint64 `json:"misses"`
	SharedWaits uint64 `json:"shared_waits"`
	Fetches     uint64 `json:"fetches"`
	FetchErrors uint64 `json:"fetch_errors"`
	BytesRead   int64  `json:"bytes_read"`
	ReadErrors  uint64 `json:"read_errors"`

	Evictions         uint64 `json:"evictions"`
	EvictedBytes      int64  `json:"evicted_bytes"`
	PinnedSkips       uint64 `json:"pinned_skips"`
	EvictionFailures  uint64 `json:"eviction_failures"`
	// PersistenceErrors counts index writes that failed. Reads that caused
	// them still succeed, so this counter and the log are the only report.
	PersistenceErrors uint64 `json:"persistence_errors"`
	CorruptEntries    uint64 `json:"corrupt_entries"`
}

// SpanInfo describes one cached span.
type SpanInfo struct {
	Start      int64     `json:"start"`
	End        int64     `json:"end"`
	LastAccess time.Time `json:"last_access"`
	Segments   int       `json:"segments"`
}

// Cache is a byte-range cache over an upstream.Fetcher.
//
// Concurrency model:
//   - mu guards the index, the byte total, flights and handle registrations.
//   - mu is never held across an upstream fetch or a segment read; index
//     writes and segment deletes do happen under it.
//   - Each gap fetch runs in its own goroutine bound to the cache lifetime,
//     not to the reader that started it.
type Cache struct {
	cfg    Config
	up     upstream.Fetcher
	store  backend.SegmentStore
	index  metadb.IndexStore
	probes *download.Prober
	logger *slog.Logger
	now    func() time.Time

	ownsIndex bool

	mu        sync.Mutex
	resources map[string]*resourceState
	total     int64
	seq       uint64
	stats     Stats
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	stopCh chan struct{}
	doneCh chan struct{}
}

// New creates a cache, rebuilding its index from disk. Unless overridden by
// options, segments are stored under cfg.Dir and the index in cfg.Dir/index.db.
func New(cfg Config, up upstream.Fetcher, opts ...Option) (*Cache, error) {
	if up == nil {
		return nil, errors.New("rangecache: upstream fetcher is required")
	}

	c := &Cache{
		cfg:       cfg,
		up:        up,
		now:       time.Now,
		resources: make(map[string]*resourceState),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.cfg.applyDefaults()
	c.logger = c.cfg.Logger.With("component", "rangecache")
	c.probes = download.New(download.WithLogger(c.logger), download.WithTimeout(c.cfg.FetchTimeout))

	if (c.store == nil || c.index == nil) && c.cfg.Dir == "" {
		return nil, errors.New("rangecache: Dir is required")
	}

	if c.store == nil {
		fs, err := backend.NewFilesystem(c.cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("rangecache: creating segment store: %w", err)
		}
		c.store = backend.NewInstrumentedBackend(fs, "filesystem")
	}

	if c.index == nil {
		idx := metadb.NewBoltDB(metadb.WithLogger(c.logger))
		if err := idx.Open(filepath.Join(c.cfg.Dir, indexFileName)); err != nil {
			return nil, fmt.Errorf("rangecache: opening index: %w", err)
		}
		c.index = idx
		c.ownsIndex = true
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.mu.Lock()
	err := c.load(context.Background())
	c.mu.Unlock()
	if err != nil {
		c.cancel()
		if c.ownsIndex {
			_ = c.index.Close()
		}
		return nil, fmt.Errorf("rangecache: %w", err)
	}

	go c.runFlusher()
	return c, nil
}

// Close cancels in-flight fetches, flushes access times and releases the
// index. Open handles fail with ErrClosed afterwards.
func (c *Cache) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.stopCh)
	<-c.doneCh

	c.cancel()
	c.wg.Wait()

	c.mu.Lock()
	err := c.flushLocked()
	c.mu.Unlock()

	if c.ownsIndex {
		if cerr := c.index.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("closing index: %w", cerr))
		}
	}
	c.logger.Debug("cache closed")
	return err
}

// Invalidate removes every cached byte of resource. Fetches already running
// for it complete but their results are discarded.
func (c *Cache) Invalidate(ctx context.Context, resource string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return mediacache.ErrClosed
	}

	rs, ok := c.resources[resource]
	if !ok {
		return nil
	}
	spans := c.resetLocked(rs, "invalidate")
	err := c.persistLocked(rs)
	c.forgetIfIdleLocked(rs)
	c.updateGaugesLocked()

	c.logger.Info("invalidated resource", "resource", resource, "spans", spans)
	return err
}

// ExpireIdle drops resources that have no open handles, no running fetches
// and whose spans were all last read before the cutoff. It returns the number
// of spans removed.
func (c *Cache) ExpireIdle(ctx context.Context, before time.Time) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, mediacache.ErrClosed
	}

	removed := 0
	var changed []*resourceState
	for _, rs := range c.resources {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if len(rs.spans) == 0 || len(rs.handles) > 0 || len(rs.flights) > 0 {
			continue
		}
		if !rs.idleSince(before) {
			continue
		}
		removed += c.resetLocked(rs, "expiry")
		changed = append(changed, rs)
	}

	err := c.putRecordsLocked(changed)
	for _, rs := range changed {
		c.forgetIfIdleLocked(rs)
	}
	if removed > 0 {
		c.updateGaugesLocked()
		c.logger.Info("expired idle resources", "resources", len(changed), "spans", removed)
	}
	return removed, err
}

// idleSince reports whether no span of rs was accessed at or after t.
func (rs *resourceState) idleSince(t time.Time) bool {
	for _, sp := range rs.spans {
		if !sp.lastAccess.Before(t) {
			return false
		}
	}
	return true
}

// Stats returns a snapshot of the cache counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.stats
	s.TotalBytes = c.total
	s.MaxSize = c.cfg.MaxSize
	s.Resources = 0
	for _, rs := range c.resources {
		if len(rs.spans) > 0 {
			s.Resources++
		}
		s.Spans += len(rs.spans)
		s.InFlight += len(rs.flights)
		s.Handles += len(rs.handles)
	}
	return s
}

// Spans returns the cached spans of resource in ascending order.
func (c *Cache) Spans(resource string) []SpanInfo {
	c.mu.Lock()
	defer c.mu.Unlock()

	rs, ok := c.resources[resource]
	if !ok {
		return nil
	}
	out := make([]SpanInfo, 0, len(rs.spans))
	for _, sp := range rs.spans {
		out = append(out, SpanInfo{
			Start:      sp.start,
			End:        sp.end,
			LastAccess: sp.lastAccess,
			Segments:   len(sp.segments),
		})
	}
	return out
}

// Length returns the known total length of resource, or -1.
func (c *Cache) Length(resource string) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	if rs, ok := c.resources[resource]; ok {
		return rs.length
	}
	return -1
}

func (c *Cache) nextSeq() uint64 {
	c.seq++
	return c.seq
}

// forgetIfIdleLocked drops the in-memory entry of a resource nothing refers to.
// Resources with a known length are kept so the length is not probed again.
func (c *Cache) forgetIfIdleLocked(rs *resourceState) {
	if rs.idle() && rs.length < 0 && !rs.dirty {
		delete(c.resources, rs.id)
	}
}

func (c *Cache) updateGaugesLocked() {
	spans := 0
	for _, rs := range c.resources {
		spans += len(rs.spans)
	}
	telemetry.UpdateCacheState(context.Background(), c.total, c.cfg.MaxSize, spans)
}

// Compile-time interface check
var _ io.Closer = (*Cache)(nil)
