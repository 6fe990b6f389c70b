package rangecache

import (
	"context"
	"fmt"
	"io"
	"time"

	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/telemetry"
)

// flight is an upstream fetch of [start, end) for one resource. Readers whose
// cursor falls inside the range wait on done instead of fetching again.
type flight struct {
	start, end int64
	gen        uint64

	done   chan struct{}
	err    error // set before done is closed
	cancel context.CancelFunc

	waiters   int
	finished  bool
	abandoned bool // no waiters left or resource reset; never committed
}

// fetchResult is what a flight brings back before it is committed.
type fetchResult struct {
	seg   segment // zero length when no bytes were stored
	total int64   // resource length learned from upstream, -1 if none
}

// startFlightLocked registers a fetch of [start, end) and runs it in the
// background. The caller is counted as the first waiter.
func (c *Cache) startFlightLocked(rs *resourceState, start, end int64) *flight {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.FetchTimeout)
	f := &flight{
		start:   start,
		end:     end,
		gen:     rs.gen,
		done:    make(chan struct{}),
		cancel:  cancel,
		waiters: 1,
	}
	rs.flights = append(rs.flights, f)
	c.stats.Fetches++

	c.wg.Add(1)
	go c.runFlight(ctx, rs, f)
	return f
}

func (c *Cache) runFlight(ctx context.Context, rs *resourceState, f *flight) {
	defer c.wg.Done()
	defer f.cancel()

	begin := time.Now()
	res, err := c.fetch(ctx, rs.id, f.start, f.end)

	var discard string
	outcome := "committed"

	c.mu.Lock()
	rs.removeFlight(f)
	f.finished = true
	switch {
	case f.abandoned || f.gen != rs.gen || c.closed:
		// Waiters of a reset resource retry against the new state.
		discard = res.seg.key
		outcome = "discarded"
		if c.closed {
			f.err = mediacache.ErrClosed
		}
	case err != nil:
		f.err = &mediacache.FetchError{Resource: rs.id, Start: f.start, End: f.end, Err: err}
		c.stats.FetchErrors++
		outcome = "failed"
		c.logger.Warn("upstream fetch failed",
			"resource", rs.id, "start", f.start, "end", f.end,
			"duration", time.Since(begin), "error", err)
	default:
		c.commitLocked(rs, res)
		c.logger.Debug("fetched gap",
			"resource", rs.id, "start", f.start, "end", f.start+res.seg.length,
			"duration", time.Since(begin))
	}
	c.forgetIfIdleLocked(rs)
	close(f.done)
	c.mu.Unlock()

	telemetry.RecordFetch(ctx, outcome, res.seg.length)

	if discard != "" {
		if err := c.store.Delete(context.WithoutCancel(ctx), discard); err != nil {
			c.logger.Warn("failed to delete discarded segment", "key", discard, "error", err)
		}
	}
}

// fetch reads [start, end) from upstream into a new segment object. A body
// that ends early is only accepted when upstream did not report a length, in
// which case the early end is the end of the resource.
func (c *Cache) fetch(ctx context.Context, resource string, start, end int64) (fetchResult, error) {
	res := fetchResult{total: -1}

	resp, err := c.up.Fetch(ctx, resource, start, end)
	if err != nil {
		return res, err
	}
	defer func() { _ = resp.Body.Close() }()

	res.total = resp.Length
	want := end - start
	if resp.Length >= 0 {
		want = max(min(end, resp.Length)-start, 0)
	}
	if want == 0 {
		return res, nil
	}

	key := mediacache.SegmentStorageKey(resource, start)
	hr := mediacache.NewHashingReader(io.LimitReader(resp.Body, want))
	if err := c.store.Write(ctx, key, hr); err != nil {
		return res, fmt.Errorf("storing segment: %w", err)
	}

	n := hr.BytesRead()
	if n < want {
		if resp.Length >= 0 {
			c.deleteQuietly(key)
			return res, fmt.Errorf("upstream sent %d of %d bytes: %w", n, want, io.ErrUnexpectedEOF)
		}
		res.total = start + n
	}
	if n == 0 {
		c.deleteQuietly(key)
		return res, nil
	}

	res.seg = segment{offset: start, length: n, key: key, hash: hr.Sum()}
	return res, nil
}

// commitLocked learns the resource length and makes the fetched bytes visible.
func (c *Cache) commitLocked(rs *resourceState, res fetchResult) {
	changed := false
	if res.total >= 0 && res.total != rs.length {
		c.learnLengthLocked(rs, res.total)
		changed = true
	}

	if res.seg.length > 0 {
		c.evictLocked(context.Background(), res.seg.length)
		if _, ok := rs.insert(res.seg, c.now(), c.nextSeq()); ok {
			c.total += res.seg.length
			changed = true
		} else {
			// Unreachable while flights are clipped to gaps; keep the index sound anyway.
			c.logger.Error("fetched segment overlaps cached span, discarding",
				"resource", rs.id, "start", res.seg.offset, "end", res.seg.end())
			c.deleteSegmentsLocked([]segment{res.seg})
		}
	}

	if changed {
		_ = c.persistLocked(rs)
		c.updateGaugesLocked()
	}
}

// learnLengthLocked records the total length of a resource. A length that
// differs from the remembered one means the resource changed upstream, so
// everything cached for it is stale.
func (c *Cache) learnLengthLocked(rs *resourceState, total int64) {
	if rs.length >= 0 && rs.length != total {
		c.logger.Info("resource length changed upstream, dropping cached spans",
			"resource", rs.id, "old_length", rs.length, "new_length", total)
		c.resetLocked(rs, "stale")
	}
	rs.length = total
}

// leaveFlightLocked drops a waiter. The last waiter to leave an unfinished
// flight cancels it.
func (c *Cache) leaveFlightLocked(rs *resourceState, f *flight) {
	f.waiters--
	if f.waiters > 0 || f.finished {
		return
	}
	f.abandoned = true
	rs.removeFlight(f)
	f.cancel()
	c.logger.Debug("cancelled fetch with no remaining readers",
		"resource", rs.id, "start", f.start, "end", f.end)
}
