package rangecache

import (
	"context"
	"slices"
	"time"

	"github.com/wolfeidau/media-cache/telemetry"
)

// evictLocked removes least recently used spans until need more bytes fit in
// the budget. Spans overlapping an open handle's window are skipped; if only
// those remain the budget is exceeded until they are released.
func (c *Cache) evictLocked(ctx context.Context, need int64) {
	if c.total+need <= c.cfg.MaxSize {
		return
	}
	start := time.Now()
	defer func() { telemetry.RecordEvictionRun(ctx, time.Since(start)) }()

	type candidate struct {
		rs *resourceState
		sp *span
	}
	var candidates []candidate
	for _, rs := range c.resources {
		for _, sp := range rs.spans {
			candidates = append(candidates, candidate{rs, sp})
		}
	}
	slices.SortFunc(candidates, func(a, b candidate) int {
		switch {
		case a.sp.olderThan(b.sp):
			return -1
		case b.sp.olderThan(a.sp):
			return 1
		}
		return 0
	})

	changed := make(map[*resourceState]struct{})
	pinnedSkips := 0
	for _, cand := range candidates {
		if c.total+need <= c.cfg.MaxSize {
			break
		}
		if cand.rs.pinned(cand.sp) {
			pinnedSkips++
			c.stats.PinnedSkips++
			telemetry.RecordPinnedSkip(ctx)
			continue
		}
		freed := c.removeSpanLocked(cand.rs, cand.sp)
		if freed > 0 {
			c.stats.Evictions++
			c.stats.EvictedBytes += freed
			telemetry.RecordEviction(ctx, "budget", freed)
			c.logger.Debug("evicted span",
				"resource", cand.rs.id, "start", cand.sp.start, "end", cand.sp.end, "freed", freed)
		}
		changed[cand.rs] = struct{}{}
	}

	if over := c.total + need - c.cfg.MaxSize; over > 0 {
		c.logger.Warn("all eviction candidates pinned, allowing temporary overrun",
			"overrun", over, "pinned_skips", pinnedSkips, "max_size", c.cfg.MaxSize)
	}

	for rs := range changed {
		_ = c.persistLocked(rs)
	}
	c.updateGaugesLocked()
}

// pinned reports whether any open handle's unread window overlaps sp.
func (rs *resourceState) pinned(sp *span) bool {
	for h := range rs.handles {
		lo, hi := h.window()
		if hi >= 0 && lo >= hi {
			continue
		}
		if lo < sp.end && (hi < 0 || sp.start < hi) {
			return true
		}
	}
	return false
}

// removeSpanLocked deletes sp's segments front to back and returns the bytes
// freed. When a delete fails the span shrinks to the segments still on disk
// and stays in the index.
func (c *Cache) removeSpanLocked(rs *resourceState, sp *span) int64 {
	deleted := c.deleteSegmentsLocked(sp.segments)
	if deleted == len(sp.segments) {
		if rs.remove(sp) {
			c.total -= sp.size()
			return sp.size()
		}
		return 0
	}

	var freed int64
	for _, seg := range sp.segments[:deleted] {
		freed += seg.length
	}
	sp.segments = sp.segments[deleted:]
	sp.start = sp.segments[0].offset
	c.total -= freed
	return freed
}

// deleteSegmentsLocked deletes segments in order and stops at the first
// failure. It returns how many were deleted.
func (c *Cache) deleteSegmentsLocked(segs []segment) int {
	for i, seg := range segs {
		if err := c.store.Delete(context.Background(), seg.key); err != nil {
			c.stats.EvictionFailures++
			telemetry.RecordEvictionFailure(context.Background())
			c.logger.Warn("failed to delete segment", "key", seg.key, "error", err)
			return i
		}
	}
	return len(segs)
}

// resetLocked throws away everything cached for rs: spans, in-flight fetches
// and the remembered length.
func (c *Cache) resetLocked(rs *resourceState, reason string) int {
	rs.gen++
	for _, f := range rs.flights {
		f.abandoned = true
		f.cancel()
	}
	rs.flights = nil

	removed := 0
	for _, sp := range slices.Clone(rs.spans) {
		freed := c.removeSpanLocked(rs, sp)
		if freed > 0 {
			telemetry.RecordEviction(context.Background(), reason, freed)
		}
		removed++
	}
	rs.length = -1
	return removed
}

func (c *Cache) deleteQuietly(key string) {
	if err := c.store.Delete(context.Background(), key); err != nil {
		c.logger.Warn("failed to delete segment", "key", key, "error", err)
	}
}
