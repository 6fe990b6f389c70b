package rangecache

import (
	"sort"
	"time"

	mediacache "github.com/wolfeidau/media-cache"
)

// segment is one committed fetch, stored as a single backend object holding
// the bytes [offset, offset+length).
type segment struct {
	offset int64
	length int64
	key    string
	hash   mediacache.Hash
}

func (s segment) end() int64 { return s.offset + s.length }

// span is a maximal run of cached bytes [start, end) made of contiguous segments.
type span struct {
	start      int64
	end        int64
	lastAccess time.Time
	seq        uint64
	segments   []segment
}

func (s *span) size() int64 { return s.end - s.start }

// segmentAt returns the segment containing off. off must lie inside the span.
func (s *span) segmentAt(off int64) segment {
	i := sort.Search(len(s.segments), func(i int) bool { return s.segments[i].end() > off })
	return s.segments[i]
}

// olderThan orders spans for eviction: least recently used first.
func (s *span) olderThan(o *span) bool {
	if !s.lastAccess.Equal(o.lastAccess) {
		return s.lastAccess.Before(o.lastAccess)
	}
	return s.seq < o.seq
}

// resourceState is the in-memory index entry for one resource.
type resourceState struct {
	id      string
	length  int64 // -1 when unknown
	spans   []*span
	flights []*flight
	handles map[*Handle]struct{}

	// gen changes whenever the resource's cached bytes are thrown away as a
	// whole. Fetches started under an older gen are discarded.
	gen   uint64
	dirty bool
}

func newResourceState(id string) *resourceState {
	return &resourceState{
		id:      id,
		length:  -1,
		handles: make(map[*Handle]struct{}),
	}
}

func (rs *resourceState) size() int64 {
	var n int64
	for _, sp := range rs.spans {
		n += sp.size()
	}
	return n
}

// spanIndex returns the index of the first span ending after off.
func (rs *resourceState) spanIndex(off int64) int {
	return sort.Search(len(rs.spans), func(i int) bool { return rs.spans[i].end > off })
}

// spanAt returns the span containing off, or nil.
func (rs *resourceState) spanAt(off int64) *span {
	i := rs.spanIndex(off)
	if i < len(rs.spans) && rs.spans[i].start <= off {
		return rs.spans[i]
	}
	return nil
}

// nextSpanStart returns the start of the first span beginning after off, or -1.
func (rs *resourceState) nextSpanStart(off int64) int64 {
	i := rs.spanIndex(off)
	if i < len(rs.spans) && rs.spans[i].start > off {
		return rs.spans[i].start
	}
	return -1
}

// covers reports whether [start, end) is entirely cached.
func (rs *resourceState) covers(start, end int64) bool {
	if start >= end {
		return true
	}
	sp := rs.spanAt(start)
	return sp != nil && sp.end >= end
}

// overlaps reports whether any cached byte falls inside [start, end). An end
// of ToEnd means the range is open ended.
func (rs *resourceState) overlaps(start, end int64) bool {
	for _, sp := range rs.spans {
		if sp.end > start && (end == ToEnd || sp.start < end) {
			return true
		}
	}
	return false
}

// flightAt returns the in-flight fetch containing off, or nil.
func (rs *resourceState) flightAt(off int64) *flight {
	for _, f := range rs.flights {
		if f.start <= off && off < f.end {
			return f
		}
	}
	return nil
}

// nextFlightStart returns the earliest flight start after off, or -1.
func (rs *resourceState) nextFlightStart(off int64) int64 {
	next := int64(-1)
	for _, f := range rs.flights {
		if f.start > off && (next < 0 || f.start < next) {
			next = f.start
		}
	}
	return next
}

func (rs *resourceState) removeFlight(f *flight) {
	for i, other := range rs.flights {
		if other == f {
			rs.flights = append(rs.flights[:i], rs.flights[i+1:]...)
			return
		}
	}
}

// insert adds seg as cached bytes, merging with adjacent spans. It returns
// false without changing anything when seg overlaps an existing span.
func (rs *resourceState) insert(seg segment, at time.Time, seq uint64) (*span, bool) {
	start, end := seg.offset, seg.end()
	i := rs.spanIndex(start)
	if i < len(rs.spans) && rs.spans[i].start < end {
		return nil, false
	}

	sp := &span{start: start, end: end, lastAccess: at, seq: seq, segments: []segment{seg}}

	if i > 0 && rs.spans[i-1].end == start {
		prev := rs.spans[i-1]
		prev.segments = append(prev.segments, sp.segments...)
		prev.end = end
		prev.lastAccess, prev.seq = at, seq
		sp = prev
		i--
		rs.spans = append(rs.spans[:i], rs.spans[i+1:]...)
	}
	if i < len(rs.spans) && rs.spans[i].start == end {
		next := rs.spans[i]
		sp.segments = append(sp.segments, next.segments...)
		sp.end = next.end
		rs.spans = append(rs.spans[:i], rs.spans[i+1:]...)
	}

	rs.spans = append(rs.spans, nil)
	copy(rs.spans[i+1:], rs.spans[i:])
	rs.spans[i] = sp
	return sp, true
}

// remove drops sp from the span list. It reports whether sp was present.
func (rs *resourceState) remove(sp *span) bool {
	for i, other := range rs.spans {
		if other == sp {
			rs.spans = append(rs.spans[:i], rs.spans[i+1:]...)
			return true
		}
	}
	return false
}

// idle reports whether nothing references the resource.
func (rs *resourceState) idle() bool {
	return len(rs.spans) == 0 && len(rs.flights) == 0 && len(rs.handles) == 0
}
