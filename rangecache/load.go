package rangecache

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/backend"
	"github.com/wolfeidau/media-cache/store/metadb"
	"github.com/wolfeidau/media-cache/telemetry"
	"golang.org/x/sync/errgroup"
)

// load rebuilds the in-memory index from the index store, dropping entries
// whose segments are missing or damaged, then removes unreferenced storage
// and enforces the budget.
func (c *Cache) load(ctx context.Context) error {
	start := time.Now()

	var records []*metadb.ResourceRecord
	var corruptIDs []string
	err := c.index.ForEachResource(ctx, func(rec *metadb.ResourceRecord) error {
		records = append(records, rec)
		return nil
	}, func(id string, err error) {
		c.reportCorrupt(&mediacache.CorruptEntryError{Resource: id, Start: -1, End: -1, Reason: err.Error()}, "undecodable")
		corruptIDs = append(corruptIDs, id)
	})
	if err != nil {
		return fmt.Errorf("reading index: %w", err)
	}
	for _, id := range corruptIDs {
		if err := c.index.DeleteResource(ctx, id); err != nil {
			c.logger.Warn("failed to delete corrupt index entry", "resource", id, "error", err)
		}
	}

	type spanCheck struct {
		rs     *resourceState
		sp     *span
		reason string
	}
	var checks []*spanCheck
	changed := make(map[*resourceState]bool)

	for _, rec := range records {
		rs := newResourceState(rec.ID)
		rs.length = rec.Length
		c.resources[rec.ID] = rs

		var prevEnd int64 = -1
		for _, sr := range rec.Spans {
			sp, reason := spanFromRecord(sr)
			if reason == "" && sr.Start < prevEnd {
				reason = "overlaps previous span"
			}
			if reason == "" && rs.length >= 0 && sr.End > rs.length {
				reason = "extends past resource length"
			}
			if reason != "" {
				c.reportCorrupt(&mediacache.CorruptEntryError{Resource: rec.ID, Start: sr.Start, End: sr.End, Reason: reason}, "malformed")
				changed[rs] = true
				for _, seg := range sr.Segments {
					c.deleteQuietly(seg.Key)
				}
				continue
			}
			prevEnd = sr.End
			rs.spans = append(rs.spans, sp)
			checks = append(checks, &spanCheck{rs: rs, sp: sp})
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(validateConcurrency)
	for _, chk := range checks {
		g.Go(func() error {
			reason, err := c.validateSpan(gctx, chk.sp)
			if err != nil {
				return err
			}
			chk.reason = reason
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return fmt.Errorf("validating segments: %w", err)
	}

	for _, chk := range checks {
		if chk.reason == "" {
			continue
		}
		c.reportCorrupt(&mediacache.CorruptEntryError{Resource: chk.rs.id, Start: chk.sp.start, End: chk.sp.end, Reason: chk.reason}, "invalid_segment")
		chk.rs.remove(chk.sp)
		changed[chk.rs] = true
		for _, seg := range chk.sp.segments {
			c.deleteQuietly(seg.key)
		}
	}

	// Assign access order and normalise adjacency left behind by older layouts.
	var all []*span
	for _, rs := range c.resources {
		if mergeAdjacent(rs) {
			changed[rs] = true
		}
		all = append(all, rs.spans...)
		c.total += rs.size()
	}
	slices.SortFunc(all, func(a, b *span) int { return a.lastAccess.Compare(b.lastAccess) })
	for _, sp := range all {
		sp.seq = c.nextSeq()
	}

	var dirty []*resourceState
	for rs := range changed {
		dirty = append(dirty, rs)
	}
	_ = c.putRecordsLocked(dirty)
	for _, rs := range c.resources {
		c.forgetIfIdleLocked(rs)
	}

	if err := c.sweepOrphans(ctx); err != nil {
		c.logger.Warn("orphan sweep failed", "error", err)
	}

	c.evictLocked(ctx, 0)
	c.updateGaugesLocked()

	c.logger.Info("loaded cache index",
		"resources", len(c.resources),
		"spans", len(all),
		"bytes", c.total,
		"corrupt", c.stats.CorruptEntries,
		"duration", time.Since(start))
	return nil
}

func (c *Cache) reportCorrupt(err *mediacache.CorruptEntryError, kind string) {
	c.stats.CorruptEntries++
	telemetry.RecordCorruptEntry(context.Background(), kind)
	c.logger.Warn("dropping corrupt index entry", "error", err)
}

// spanFromRecord checks the structure of a persisted span and converts it.
func spanFromRecord(sr metadb.SpanRecord) (*span, string) {
	if sr.Start < 0 || sr.End <= sr.Start {
		return nil, "empty or negative range"
	}
	if len(sr.Segments) == 0 {
		return nil, "no segments"
	}
	sp := &span{start: sr.Start, end: sr.End, lastAccess: sr.LastAccess}
	next := sr.Start
	for _, s := range sr.Segments {
		if s.Offset != next || s.Length <= 0 || s.Key == "" {
			return nil, "segments not contiguous"
		}
		h, err := mediacache.ParseHash(s.Hash)
		if err != nil {
			return nil, "bad segment hash"
		}
		sp.segments = append(sp.segments, segment{offset: s.Offset, length: s.Length, key: s.Key, hash: h})
		next += s.Length
	}
	if next != sr.End {
		return nil, "segments do not cover span"
	}
	return sp, ""
}

// validateSpan confirms every segment of sp exists with its declared size
// and, when enabled, its recorded hash. A non-empty reason marks the span corrupt.
func (c *Cache) validateSpan(ctx context.Context, sp *span) (string, error) {
	for _, seg := range sp.segments {
		size, err := c.store.Size(ctx, seg.key)
		switch {
		case errors.Is(err, backend.ErrNotFound):
			return "missing segment " + seg.key, nil
		case err != nil:
			if ctx.Err() != nil {
				return "", err
			}
			return fmt.Sprintf("checking segment %s: %v", seg.key, err), nil
		case size != seg.length:
			return fmt.Sprintf("segment %s has %d bytes, want %d", seg.key, size, seg.length), nil
		}

		if !c.cfg.VerifyChecksums {
			continue
		}
		rc, err := c.store.Read(ctx, seg.key)
		if err != nil {
			return fmt.Sprintf("reading segment %s: %v", seg.key, err), nil
		}
		err = mediacache.VerifyReader(rc, seg.hash, seg.length)
		_ = rc.Close()
		if err != nil {
			return fmt.Sprintf("verifying segment %s: %v", seg.key, err), nil
		}
	}
	return "", nil
}

// mergeAdjacent joins spans that touch. It reports whether anything changed.
func mergeAdjacent(rs *resourceState) bool {
	if len(rs.spans) < 2 {
		return false
	}
	merged := rs.spans[:1]
	for _, sp := range rs.spans[1:] {
		last := merged[len(merged)-1]
		if last.end == sp.start {
			last.end = sp.end
			last.segments = append(last.segments, sp.segments...)
			if sp.lastAccess.After(last.lastAccess) {
				last.lastAccess = sp.lastAccess
			}
			continue
		}
		merged = append(merged, sp)
	}
	changed := len(merged) != len(rs.spans)
	rs.spans = merged
	return changed
}

// sweepOrphans removes temp files and segment objects the index does not reference.
func (c *Cache) sweepOrphans(ctx context.Context) error {
	if p, ok := c.store.(backend.TempPurger); ok {
		n, err := p.PurgeTemp(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			c.logger.Info("removed abandoned temp files", "count", n)
		}
	}

	referenced := make(map[string]struct{})
	for _, rs := range c.resources {
		for _, sp := range rs.spans {
			for _, seg := range sp.segments {
				referenced[seg.key] = struct{}{}
			}
		}
	}

	keys, err := c.store.List(ctx, mediacache.SegmentsPrefix)
	if err != nil {
		return fmt.Errorf("listing segments: %w", err)
	}
	removed := 0
	for _, key := range keys {
		if _, ok := referenced[key]; ok {
			continue
		}
		if !strings.HasPrefix(key, mediacache.SegmentsPrefix) {
			continue
		}
		if err := c.store.Delete(ctx, key); err != nil {
			c.logger.Warn("failed to delete orphan segment", "key", key, "error", err)
			continue
		}
		removed++
	}
	if removed > 0 {
		c.logger.Info("removed orphan segments", "count", removed)
	}
	return nil
}
