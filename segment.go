package mediacache

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// SegmentsPrefix is the backend key prefix under which segment payloads live.
const SegmentsPrefix = "segments/"

// ResourceDigest returns the hash used to name a resource on disk.
// Resource identifiers are arbitrary strings (often URLs) and never appear
// in storage keys directly.
func ResourceDigest(resource string) Hash {
	return HashBytes([]byte(resource))
}

// ResourcePrefix returns the key prefix holding every segment of resource.
// Format: segments/{digest[:2]}/{digest}/
func ResourcePrefix(resource string) string {
	d := ResourceDigest(resource)
	return SegmentsPrefix + d.Dir() + "/" + d.String() + "/"
}

// SegmentStorageKey returns a fresh storage key for a segment of resource that
// begins at offset. The random suffix keeps a refetch after invalidation from
// colliding with a segment that is still being deleted.
// Format: segments/{digest[:2]}/{digest}/{offset:016x}-{uuid}
func SegmentStorageKey(resource string, offset int64) string {
	return fmt.Sprintf("%s%016x-%s", ResourcePrefix(resource), offset, uuid.NewString())
}

// ParseSegmentKey extracts the resource digest and offset from a segment key.
func ParseSegmentKey(key string) (digest string, offset int64, err error) {
	rest, ok := strings.CutPrefix(key, SegmentsPrefix)
	if !ok {
		return "", 0, fmt.Errorf("segment key %q: missing %q prefix", key, SegmentsPrefix)
	}
	parts := strings.Split(rest, "/")
	if len(parts) != 3 {
		return "", 0, fmt.Errorf("segment key %q: expected 3 path elements, got %d", key, len(parts))
	}
	digest = parts[1]
	if len(digest) != HashSize*2 || !strings.HasPrefix(digest, parts[0]) {
		return "", 0, fmt.Errorf("segment key %q: malformed resource digest", key)
	}
	offHex, _, ok := strings.Cut(parts[2], "-")
	if !ok {
		return "", 0, fmt.Errorf("segment key %q: missing segment id", key)
	}
	off, err := strconv.ParseInt(offHex, 16, 64)
	if err != nil {
		return "", 0, fmt.Errorf("segment key %q: parsing offset: %w", key, err)
	}
	return digest, off, nil
}
