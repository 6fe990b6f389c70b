package rangecache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/download"
	"github.com/wolfeidau/media-cache/telemetry"
)

// Handle is a sequential reader over a byte range of one resource. While it
// is open the bytes it has not yet read are protected from eviction.
//
// Read calls must not be made concurrently; Close may be called at any time.
type Handle struct {
	c        *Cache
	rs       *resourceState // nil for an empty handle
	resource string
	start    int64
	end      int64 // ToEnd when open ended

	pos atomic.Int64

	mu        sync.Mutex // serialises Read and the open segment reader
	reader    io.ReadCloser
	readerEnd int64
	readerGen uint64
	source    string
	fetched   bool // the next lookup reads bytes this handle waited for

	closed    atomic.Bool
	closeCh   chan struct{}
	closeOnce sync.Once
}

// Open returns a handle reading r of resource. If r is not fully cached the
// upstream is asked for the resource length first; when that fails and no
// cached bytes fall inside r, Open returns an error matching
// ErrResourceUnavailable. A range starting at or
// after the known end of the resource yields an empty handle.
func (c *Cache) Open(ctx context.Context, resource string, r Range) (*Handle, error) {
	if r.Start < 0 || (r.End != ToEnd && r.End < r.Start) {
		return nil, fmt.Errorf("rangecache: invalid range %s", r)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, mediacache.ErrClosed
	}
	rs := c.resources[resource]
	if rs != nil {
		if h, ok := c.openKnownLocked(rs, resource, r); ok {
			c.mu.Unlock()
			return h, nil
		}
	}
	c.mu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, c.cfg.FetchTimeout)
	defer cancel()
	res, _, err := c.probes.Probe(probeCtx, resource, func(ctx context.Context) (*download.Result, error) {
		n, err := c.up.Stat(ctx, resource)
		if err != nil {
			return nil, err
		}
		return &download.Result{Resource: resource, Length: n}, nil
	})
	if err != nil {
		return c.openOffline(resource, r, err)
	}
	c.logger.Debug("probed upstream", "resource", resource, "length", res.Length, "took", res.Took)

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, mediacache.ErrClosed
	}
	rs = c.resources[resource]
	if rs == nil {
		rs = newResourceState(resource)
		c.resources[resource] = rs
	}
	if res.Length >= 0 && res.Length != rs.length {
		c.learnLengthLocked(rs, res.Length)
		_ = c.persistLocked(rs)
	}
	if h, ok := c.openKnownLocked(rs, resource, r); ok {
		return h, nil
	}
	return c.registerLocked(rs, resource, r.Start, r.End), nil
}

// openOffline handles a failed probe. Cached bytes inside r are still served;
// reads reaching an uncached gap fail with ErrFetchFailed.
func (c *Cache) openOffline(resource string, r Range, cause error) (*Handle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, mediacache.ErrClosed
	}
	if rs := c.resources[resource]; rs != nil {
		end := r.End
		if rs.length >= 0 && (end == ToEnd || end > rs.length) {
			end = rs.length
		}
		if rs.overlaps(r.Start, end) {
			c.logger.Warn("upstream probe failed, serving cached bytes only",
				"resource", resource, "range", r.String(), "error", cause)
			return c.registerLocked(rs, resource, r.Start, end), nil
		}
	}
	c.logger.Warn("upstream probe failed", "resource", resource, "error", cause)
	return nil, &mediacache.UnavailableError{Resource: resource, Err: cause}
}

// openKnownLocked opens a handle without asking upstream when the cached
// state already answers the request. ok is false when a probe is needed.
func (c *Cache) openKnownLocked(rs *resourceState, resource string, r Range) (*Handle, bool) {
	end := r.End
	if rs.length >= 0 {
		if r.Start >= rs.length {
			return c.emptyHandle(resource, r.Start), true
		}
		if end == ToEnd || end > rs.length {
			end = rs.length
		}
	}
	if end == r.Start {
		return c.emptyHandle(resource, r.Start), true
	}
	if end == ToEnd || !rs.covers(r.Start, end) {
		return nil, false
	}
	return c.registerLocked(rs, resource, r.Start, end), true
}

func (c *Cache) emptyHandle(resource string, at int64) *Handle {
	h := &Handle{c: c, resource: resource, start: at, end: at, closeCh: make(chan struct{})}
	h.pos.Store(at)
	return h
}

func (c *Cache) registerLocked(rs *resourceState, resource string, start, end int64) *Handle {
	h := &Handle{
		c:        c,
		rs:       rs,
		resource: resource,
		start:    start,
		end:      end,
		closeCh:  make(chan struct{}),
	}
	h.pos.Store(start)
	rs.handles[h] = struct{}{}
	return h
}

// Resource returns the resource the handle reads.
func (h *Handle) Resource() string { return h.resource }

// Offset returns the offset of the next byte Read will return.
func (h *Handle) Offset() int64 { return h.pos.Load() }

// Range returns the range the handle reads. End is ToEnd while the resource
// length is unknown.
func (h *Handle) Range() Range {
	if h.rs == nil {
		return Range{Start: h.start, End: h.end}
	}
	h.c.mu.Lock()
	defer h.c.mu.Unlock()
	return Range{Start: h.start, End: h.endLocked()}
}

// window is the unread part of the handle, [pos, end). end is -1 when unbounded.
// Called with the cache lock held.
func (h *Handle) window() (int64, int64) {
	return h.pos.Load(), h.endLocked()
}

func (h *Handle) endLocked() int64 {
	end := h.end
	if n := h.rs.length; n >= 0 && (end == ToEnd || end > n) {
		end = n
	}
	return end
}

// Read implements io.Reader.
func (h *Handle) Read(p []byte) (int, error) {
	return h.ReadContext(context.Background(), p)
}

// ReadContext reads up to len(p) bytes at the handle's position. Bytes not in
// the cache are fetched from upstream and stored before they are returned.
// It returns io.EOF at the end of the range.
func (h *Handle) ReadContext(ctx context.Context, p []byte) (int, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for {
		if h.closed.Load() {
			return 0, mediacache.ErrClosed
		}
		if h.rs == nil {
			return 0, io.EOF
		}
		if len(p) == 0 {
			return 0, nil
		}
		if err := ctx.Err(); err != nil {
			return 0, err
		}

		if h.reader != nil && !h.c.current(h.rs, h.readerGen) {
			h.closeReader()
		}
		if h.reader == nil {
			done, err := h.position(ctx)
			if err != nil || done {
				return 0, err
			}
			continue
		}

		pos := h.pos.Load()
		buf := p[:min(int64(len(p)), h.readerEnd-pos)]
		n, err := h.reader.Read(buf)
		if n > 0 {
			h.pos.Add(int64(n))
			h.c.recordRead(ctx, h.source, int64(n))
		}
		if h.pos.Load() >= h.readerEnd {
			h.closeReader()
		} else if err != nil {
			// The segment ended early or could not be read: drop it and let
			// the next pass fetch the bytes again.
			h.c.readFailed(h.rs, h.pos.Load(), h.readerGen, err)
			h.closeReader()
		}
		if n > 0 {
			return n, nil
		}
	}
}

// position prepares a reader for the byte at the handle's position. It
// returns done when the range is exhausted.
func (h *Handle) position(ctx context.Context) (done bool, err error) {
	c := h.c
	pos := h.pos.Load()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false, mediacache.ErrClosed
	}
	rs := h.rs
	end := h.endLocked()
	if end >= 0 && pos >= end {
		c.mu.Unlock()
		return true, io.EOF
	}

	if sp := rs.spanAt(pos); sp != nil {
		sp.lastAccess, sp.seq = c.now(), c.nextSeq()
		rs.dirty = true
		seg := sp.segmentAt(pos)
		gen := rs.gen
		source := "cache"
		if h.fetched {
			source = "upstream"
		} else {
			c.stats.Hits++
		}
		c.mu.Unlock()

		if !h.fetched {
			telemetry.RecordLookup(ctx, telemetry.CacheHit)
			telemetry.MergeCacheResult(ctx, telemetry.CacheHit)
		}
		h.fetched = false
		return false, h.openSegment(ctx, rs, seg, pos, end, gen, source)
	}

	if f := rs.flightAt(pos); f != nil {
		f.waiters++
		c.stats.SharedWaits++
		c.mu.Unlock()

		telemetry.RecordLookup(ctx, telemetry.CacheShared)
		telemetry.MergeCacheResult(ctx, telemetry.CacheShared)
		return false, h.await(ctx, f)
	}

	gapEnd := pos + c.cfg.MaxFetchSize
	if end >= 0 && end < gapEnd {
		gapEnd = end
	}
	if next := rs.nextSpanStart(pos); next >= 0 && next < gapEnd {
		gapEnd = next
	}
	if next := rs.nextFlightStart(pos); next >= 0 && next < gapEnd {
		gapEnd = next
	}
	f := c.startFlightLocked(rs, pos, gapEnd)
	c.stats.Misses++
	c.mu.Unlock()

	telemetry.RecordLookup(ctx, telemetry.CacheMiss)
	telemetry.MergeCacheResult(ctx, telemetry.CacheMiss)
	return false, h.await(ctx, f)
}

// openSegment opens a storage reader for [pos, min(segment end, end)).
func (h *Handle) openSegment(ctx context.Context, rs *resourceState, seg segment, pos, end int64, gen uint64, source string) error {
	stop := seg.end()
	if end >= 0 && end < stop {
		stop = end
	}
	rc, err := h.c.store.ReadRange(ctx, seg.key, pos-seg.offset, stop-pos)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		h.c.readFailed(rs, pos, gen, err)
		return nil
	}
	h.reader = rc
	h.readerEnd = stop
	h.readerGen = gen
	h.source = source
	return nil
}

// await waits for a flight covering the handle's position.
func (h *Handle) await(ctx context.Context, f *flight) error {
	var err error
	select {
	case <-f.done:
		err = f.err
		h.fetched = err == nil
	case <-ctx.Done():
		err = ctx.Err()
	case <-h.closeCh:
		err = mediacache.ErrClosed
	}

	h.c.mu.Lock()
	h.c.leaveFlightLocked(h.rs, f)
	h.c.mu.Unlock()
	return err
}

func (h *Handle) closeReader() {
	if h.reader != nil {
		_ = h.reader.Close()
		h.reader = nil
	}
}

// Close releases the handle. Bytes it has not read become evictable and any
// fetch it alone was waiting for is cancelled. Close is idempotent.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		h.closed.Store(true)
		close(h.closeCh)

		if h.rs != nil {
			c := h.c
			c.mu.Lock()
			delete(h.rs.handles, h)
			if !c.closed {
				c.evictLocked(context.Background(), 0)
			}
			c.forgetIfIdleLocked(h.rs)
			c.mu.Unlock()
		}

		h.mu.Lock()
		h.closeReader()
		h.mu.Unlock()
	})
	return nil
}

// readFailed handles a storage error on a cached span: the span covering pos
// is dropped so the bytes are fetched again.
func (c *Cache) readFailed(rs *resourceState, pos int64, gen uint64, cause error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.stats.ReadErrors++
	if rs.gen != gen {
		return
	}
	// A read that stopped at the exact end of a span has nothing to drop.
	sp := rs.spanAt(pos)
	if sp == nil {
		return
	}
	c.logger.Warn("cached span unreadable, refetching from upstream",
		"resource", rs.id, "start", sp.start, "end", sp.end, "error", cause)

	freed := c.removeSpanLocked(rs, sp)
	if freed > 0 {
		telemetry.RecordEviction(context.Background(), "read_error", freed)
	}
	if rs.spanAt(pos) != nil {
		// The bad segment could not be deleted; keep the reader from looping on it.
		c.dropIndexEntryLocked(rs, sp)
	}
	_ = c.persistLocked(rs)
	c.updateGaugesLocked()
}

// dropIndexEntryLocked forgets sp without deleting its storage; the orphan
// sweep reclaims it on the next start.
func (c *Cache) dropIndexEntryLocked(rs *resourceState, sp *span) {
	if rs.remove(sp) {
		c.total -= sp.size()
	}
}

// current reports whether gen is still the generation of rs.
func (c *Cache) current(rs *resourceState, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return rs.gen == gen
}

func (c *Cache) recordRead(ctx context.Context, source string, n int64) {
	c.mu.Lock()
	c.stats.BytesRead += n
	c.mu.Unlock()
	telemetry.RecordReadBytes(ctx, source, n)
}

// ReadAll reads the rest of the handle's range.
func (h *Handle) ReadAll(ctx context.Context) ([]byte, error) {
	var out []byte
	buf := make([]byte, 32<<10)
	for {
		n, err := h.ReadContext(ctx, buf)
		out = append(out, buf[:n]...)
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return out, err
		}
	}
}

// Compile-time interface checks
var (
	_ io.Reader = (*Handle)(nil)
	_ io.Closer = (*Handle)(nil)
)
