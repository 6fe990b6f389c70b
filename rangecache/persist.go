package rangecache

import (
	"context"
	"time"

	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/store/metadb"
	"github.com/wolfeidau/media-cache/telemetry"
)

// record converts the in-memory state of rs into its persisted form.
func (rs *resourceState) record() *metadb.ResourceRecord {
	rec := &metadb.ResourceRecord{
		ID:     rs.id,
		Length: rs.length,
		Spans:  make([]metadb.SpanRecord, 0, len(rs.spans)),
	}
	for _, sp := range rs.spans {
		sr := metadb.SpanRecord{
			Start:      sp.start,
			End:        sp.end,
			LastAccess: sp.lastAccess,
			Segments:   make([]metadb.SegmentRecord, 0, len(sp.segments)),
		}
		for _, seg := range sp.segments {
			sr.Segments = append(sr.Segments, metadb.SegmentRecord{
				Offset: seg.offset,
				Length: seg.length,
				Key:    seg.key,
				Hash:   seg.hash.String(),
			})
		}
		rec.Spans = append(rec.Spans, sr)
	}
	return rec
}

// persistLocked writes rs to the index, retrying once. Failures are counted
// and logged; the in-memory index stays authoritative.
func (c *Cache) persistLocked(rs *resourceState) error {
	return c.putRecordsLocked([]*resourceState{rs})
}

func (c *Cache) putRecordsLocked(states []*resourceState) error {
	if len(states) == 0 {
		return nil
	}
	recs := make([]*metadb.ResourceRecord, 0, len(states))
	for _, rs := range states {
		recs = append(recs, rs.record())
	}

	ctx := context.Background()
	err := c.index.PutResources(ctx, recs)
	if err != nil {
		c.logger.Debug("index write failed, retrying", "error", err)
		err = c.index.PutResources(ctx, recs)
	}
	if err != nil {
		perr := &mediacache.PersistenceError{Resource: states[0].id, Err: err}
		c.stats.PersistenceErrors++
		telemetry.RecordPersistenceError(ctx)
		c.logger.Error("failed to persist cache index", "resources", len(states), "error", perr)
		// Keep touches dirty so the flusher tries again.
		for _, rs := range states {
			rs.dirty = true
		}
		return perr
	}
	for _, rs := range states {
		rs.dirty = false
	}
	return nil
}

// flushLocked persists resources whose access times changed.
func (c *Cache) flushLocked() error {
	var dirty []*resourceState
	for _, rs := range c.resources {
		if rs.dirty {
			dirty = append(dirty, rs)
		}
	}
	return c.putRecordsLocked(dirty)
}

// runFlusher periodically writes touched access times to the index.
func (c *Cache) runFlusher() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			_ = c.flushLocked()
			c.mu.Unlock()
		case <-c.stopCh:
			return
		}
	}
}
