package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/wolfeidau/media-cache/telemetry"
)

// InstrumentedBackend wraps a SegmentStore with metrics recording.
type InstrumentedBackend struct {
	backend SegmentStore
	name    string
}

// NewInstrumentedBackend creates a new instrumented backend wrapper.
func NewInstrumentedBackend(b SegmentStore, name string) *InstrumentedBackend {
	return &InstrumentedBackend{backend: b, name: name}
}

func (ib *InstrumentedBackend) Write(ctx context.Context, key string, r io.Reader) error {
	start := time.Now()
	cr := &countingReader{r: r}
	err := ib.backend.Write(ctx, key, cr)
	telemetry.RecordBackendOp(ctx, ib.name, "write", outcomeFromError(err), time.Since(start), cr.n)
	return err
}

// Read records the operation once the returned reader is closed so the byte
// count reflects what the caller consumed.
func (ib *InstrumentedBackend) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := ib.backend.Read(ctx, key)
	if err != nil {
		telemetry.RecordBackendOp(ctx, ib.name, "read", outcomeFromError(err), time.Since(start), 0)
		return nil, err
	}
	return &countingReadCloser{rc: rc, ctx: ctx, backend: ib.name, op: "read", start: start}, nil
}

func (ib *InstrumentedBackend) ReadRange(ctx context.Context, key string, off, length int64) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := ib.backend.ReadRange(ctx, key, off, length)
	if err != nil {
		telemetry.RecordBackendOp(ctx, ib.name, "read_range", outcomeFromError(err), time.Since(start), 0)
		return nil, err
	}
	return &countingReadCloser{rc: rc, ctx: ctx, backend: ib.name, op: "read_range", start: start}, nil
}

func (ib *InstrumentedBackend) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := ib.backend.Delete(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "delete", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (ib *InstrumentedBackend) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	exists, err := ib.backend.Exists(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "exists", outcomeFromError(err), time.Since(start), 0)
	return exists, err
}

func (ib *InstrumentedBackend) List(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()
	keys, err := ib.backend.List(ctx, prefix)
	telemetry.RecordBackendOp(ctx, ib.name, "list", outcomeFromError(err), time.Since(start), 0)
	return keys, err
}

func (ib *InstrumentedBackend) Size(ctx context.Context, key string) (int64, error) {
	start := time.Now()
	size, err := ib.backend.Size(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "size", outcomeFromError(err), time.Since(start), 0)
	return size, err
}

// PurgeTemp delegates to the underlying backend if it implements TempPurger.
func (ib *InstrumentedBackend) PurgeTemp(ctx context.Context) (int, error) {
	tp, ok := ib.backend.(TempPurger)
	if !ok {
		return 0, fmt.Errorf("backend does not support temp purging")
	}
	start := time.Now()
	n, err := tp.PurgeTemp(ctx)
	telemetry.RecordBackendOp(ctx, ib.name, "purge_temp", outcomeFromError(err), time.Since(start), 0)
	return n, err
}

// Unwrap returns the underlying backend.
func (ib *InstrumentedBackend) Unwrap() SegmentStore {
	return ib.backend
}

func outcomeFromError(err error) string {
	if err == nil {
		return "success"
	}
	if errors.Is(err, ErrNotFound) {
		return "not_found"
	}
	return "error"
}

// countingReader wraps a reader and counts bytes read.
type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

// countingReadCloser records a read operation when closed.
type countingReadCloser struct {
	rc       io.ReadCloser
	ctx      context.Context
	backend  string
	op       string
	start    time.Time
	n        int64
	failed   bool
	recorded bool
}

func (c *countingReadCloser) Read(p []byte) (int, error) {
	n, err := c.rc.Read(p)
	c.n += int64(n)
	if err != nil && err != io.EOF {
		c.failed = true
	}
	return n, err
}

func (c *countingReadCloser) Close() error {
	err := c.rc.Close()
	if !c.recorded {
		c.recorded = true
		outcome := "success"
		if c.failed || err != nil {
			outcome = "error"
		}
		telemetry.RecordBackendOp(c.ctx, c.backend, c.op, outcome, time.Since(c.start), c.n)
	}
	return err
}

// Compile-time interface checks
var (
	_ SegmentStore = (*InstrumentedBackend)(nil)
	_ TempPurger   = (*InstrumentedBackend)(nil)
)
