// Package metadb persists the media cache span index using bbolt.
package metadb

import "time"

// ResourceRecord is the persisted form of one resource's span list.
type ResourceRecord struct {
	ID        string       `json:"id"`
	Length    int64        `json:"length"` // -1 when unknown
	Spans     []SpanRecord `json:"spans"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// SpanRecord is a persisted span [Start, End).
type SpanRecord struct {
	Start      int64           `json:"start"`
	End        int64           `json:"end"`
	LastAccess time.Time       `json:"last_access"`
	Segments   []SegmentRecord `json:"segments"`
}

// SegmentRecord locates the bytes [Offset, Offset+Length) of a span in the
// segment store.
type SegmentRecord struct {
	Offset int64  `json:"offset"`
	Length int64  `json:"length"`
	Key    string `json:"key"`
	Hash   string `json:"hash"`
}

// Size returns the number of bytes covered by the record's spans.
func (r *ResourceRecord) Size() int64 {
	var n int64
	for _, s := range r.Spans {
		n += s.End - s.Start
	}
	return n
}
