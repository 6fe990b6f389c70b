package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"

	mediacache "github.com/wolfeidau/media-cache"
	"github.com/wolfeidau/media-cache/rangecache"
	"github.com/wolfeidau/media-cache/telemetry"
	"github.com/wolfeidau/media-cache/upstream"
)

const copyBufferSize = 64 << 10

var errUnsatisfiable = errors.New("range not satisfiable")

// byteRange is a parsed single Range header value. suffix > 0 means the
// last suffix bytes; otherwise [start, end) with end == rangecache.ToEnd
// for "bytes=N-".
type byteRange struct {
	start, end int64
	suffix     int64
}

// parseRange parses a Range header. ok is false when the header is absent or
// names several ranges, in which case the whole resource is served.
func parseRange(h string) (br byteRange, ok bool, err error) {
	if h == "" {
		return br, false, nil
	}
	set, found := strings.CutPrefix(h, "bytes=")
	if !found {
		return br, false, fmt.Errorf("unsupported range unit in %q", h)
	}
	if strings.Contains(set, ",") {
		return br, false, nil
	}
	first, last, found := strings.Cut(strings.TrimSpace(set), "-")
	if !found {
		return br, false, fmt.Errorf("malformed range %q", h)
	}

	if first == "" {
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n <= 0 {
			return br, false, fmt.Errorf("malformed suffix range %q", h)
		}
		return byteRange{suffix: n}, true, nil
	}

	start, err := strconv.ParseInt(first, 10, 64)
	if err != nil || start < 0 {
		return br, false, fmt.Errorf("malformed range start %q", h)
	}
	br = byteRange{start: start, end: rangecache.ToEnd}
	if last != "" {
		end, err := strconv.ParseInt(last, 10, 64)
		if err != nil || end < start {
			return br, false, fmt.Errorf("malformed range end %q", h)
		}
		br.end = end + 1
	}
	return br, true, nil
}

// mediaResource returns the cache key for a request: the path below /media/
// plus the query string, minus the access token.
func mediaResource(r *http.Request) string {
	resource := r.PathValue("resource")
	if r.URL.RawQuery == "" {
		return resource
	}
	var keep []string
	for _, part := range strings.Split(r.URL.RawQuery, "&") {
		if part == "" || strings.HasPrefix(part, "access_token=") {
			continue
		}
		keep = append(keep, part)
	}
	if len(keep) == 0 {
		return resource
	}
	return resource + "?" + strings.Join(keep, "&")
}

// handleMedia serves GET and HEAD for a cached resource, honouring a single
// byte Range.
func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	resource := mediaResource(r)
	if resource == "" {
		writeJSONError(w, http.StatusNotFound, "resource required")
		return
	}
	telemetry.SetUpstream(r, s.config.UpstreamName)

	br, ranged, err := parseRange(r.Header.Get("Range"))
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := r.Context()
	h, err := s.openRange(ctx, resource, br, ranged)
	if errors.Is(err, errUnsatisfiable) {
		if n := s.cache.Length(resource); n >= 0 {
			w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", n))
		}
		writeJSONError(w, http.StatusRequestedRangeNotSatisfiable, err.Error())
		return
	}
	if err != nil {
		s.writeError(w, r, resource, err)
		return
	}
	defer func() { _ = h.Close() }()

	// Read ahead of the headers so fetch failures still get a proper status
	// and an unknown length may be learned.
	var buf []byte
	var first int
	var readErr error
	if r.Method != http.MethodHead {
		buf = make([]byte, copyBufferSize)
		first, readErr = h.ReadContext(ctx, buf)
		if readErr != nil && !errors.Is(readErr, io.EOF) {
			s.writeError(w, r, resource, readErr)
			return
		}
	}

	rg := h.Range()
	total := s.cache.Length(resource)

	hdr := w.Header()
	hdr.Set("Accept-Ranges", "bytes")
	hdr.Set("Content-Type", contentType(resource))

	status := http.StatusOK
	if rg.End >= 0 {
		hdr.Set("Content-Length", strconv.FormatInt(rg.End-rg.Start, 10))
	}
	if ranged {
		status = http.StatusPartialContent
		if rg.End >= 0 && total >= 0 {
			hdr.Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", rg.Start, rg.End-1, total))
		}
	}
	w.WriteHeader(status)

	if r.Method == http.MethodHead {
		return
	}
	if first > 0 {
		if _, err := w.Write(buf[:first]); err != nil {
			return
		}
	}
	if errors.Is(readErr, io.EOF) {
		return
	}

	for {
		n, err := h.ReadContext(ctx, buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return
			}
		}
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			// Headers are gone; all that is left is to cut the response short.
			s.logger.Warn("media stream interrupted",
				"resource", resource, "offset", h.Offset(), "error", err)
			return
		}
	}
}

// openRange opens the handle for a parsed request range. A suffix range needs
// the resource length, which the first Open learns.
func (s *Server) openRange(ctx context.Context, resource string, br byteRange, ranged bool) (*rangecache.Handle, error) {
	if !ranged {
		return s.cache.Open(ctx, resource, rangecache.Range{Start: 0, End: rangecache.ToEnd})
	}

	if br.suffix > 0 {
		n := s.cache.Length(resource)
		if n < 0 {
			h, err := s.cache.Open(ctx, resource, rangecache.Range{Start: 0, End: 0})
			if err != nil {
				return nil, err
			}
			_ = h.Close()
			n = s.cache.Length(resource)
		}
		if n < 0 {
			return nil, fmt.Errorf("suffix range on resource of unknown length: %w", errUnsatisfiable)
		}
		if n == 0 {
			return nil, errUnsatisfiable
		}
		return s.cache.Open(ctx, resource, rangecache.Range{Start: max(n-br.suffix, 0), End: n})
	}

	h, err := s.cache.Open(ctx, resource, rangecache.Range{Start: br.start, End: br.end})
	if err != nil {
		return nil, err
	}
	if n := s.cache.Length(resource); n >= 0 && br.start >= n {
		_ = h.Close()
		return nil, errUnsatisfiable
	}
	return h, nil
}

// handleInvalidate drops everything cached for a resource.
func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request) {
	resource := mediaResource(r)
	if err := s.cache.Invalidate(r.Context(), resource); err != nil {
		s.writeError(w, r, resource, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// writeError maps cache errors onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, resource string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, upstream.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, mediacache.ErrResourceUnavailable), errors.Is(err, mediacache.ErrFetchFailed):
		status = http.StatusBadGateway
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.Is(err, mediacache.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled):
		// Client went away; nobody reads the response.
		status = 499
	}

	if status >= http.StatusInternalServerError {
		s.logger.Error("media request failed", "resource", resource, "method", r.Method, "status", status, "error", err)
	}
	writeJSONError(w, status, err.Error())
}

// contentType guesses the media type from the resource name.
func contentType(resource string) string {
	name, _, _ := strings.Cut(resource, "?")
	switch ext := strings.ToLower(path.Ext(name)); ext {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".m4s":
		return "video/iso.segment"
	case ".ts":
		return "video/mp2t"
	case ".mp4":
		return "video/mp4"
	case "":
	default:
		if ct := mime.TypeByExtension(ext); ct != "" {
			return ct
		}
	}
	return "application/octet-stream"
}
