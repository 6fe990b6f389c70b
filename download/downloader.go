// Package download deduplicates concurrent upstream length probes. When
// several readers open the same uncached resource at once, only one probe is
// sent upstream and every caller shares its answer.
package download

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
)

// Result is the answer to a probe.
type Result struct {
	Resource string
	Length   int64 // -1 when the upstream did not report one
	Took     time.Duration
}

// ProbeFunc asks upstream about a resource. Its context is detached from the
// first caller and bounded by the Prober timeout.
type ProbeFunc func(ctx context.Context) (*Result, error)

// Prober shares in-flight probes between callers asking about the same
// resource. Each caller waits under its own context; a caller giving up does
// not cancel the probe for the others.
type Prober struct {
	group   singleflight.Group
	timeout time.Duration
	logger  *slog.Logger
}

// Option configures a Prober.
type Option func(*Prober)

// WithLogger sets the logger for the prober.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Prober) {
		p.logger = logger
	}
}

// WithTimeout bounds each shared probe. Zero leaves probes unbounded.
func WithTimeout(d time.Duration) Option {
	return func(p *Prober) {
		p.timeout = d
	}
}

// New creates a new Prober.
func New(opts ...Option) *Prober {
	p := &Prober{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Probe runs fn once for all concurrent callers using the same resource key.
// It returns the result and whether it was shared with another caller.
//
// If ctx ends first, Probe returns ctx.Err() and the probe keeps running for
// the remaining waiters.
func (p *Prober) Probe(ctx context.Context, resource string, fn ProbeFunc) (*Result, bool, error) {
	ch := p.group.DoChan(resource, func() (any, error) {
		pctx := context.WithoutCancel(ctx)
		if p.timeout > 0 {
			var cancel context.CancelFunc
			pctx, cancel = context.WithTimeout(pctx, p.timeout)
			defer cancel()
		}
		start := time.Now()
		res, err := fn(pctx)
		if err != nil {
			return nil, err
		}
		res.Took = time.Since(start)
		return res, nil
	})

	select {
	case r := <-ch:
		if r.Err != nil {
			p.forgetOnProbeError(resource, r.Err)
			return nil, r.Shared, r.Err
		}
		return r.Val.(*Result), r.Shared, nil
	case <-ctx.Done():
		p.logger.Debug("caller gave up waiting for probe", "resource", resource, "error", ctx.Err())
		return nil, false, ctx.Err()
	}
}

// Forget drops any in-flight probe for resource so the next call starts a
// new one.
func (p *Prober) Forget(resource string) {
	p.group.Forget(resource)
}

// forgetOnProbeError forgets the key unless the error is a context error,
// which says more about the caller than about the upstream.
func (p *Prober) forgetOnProbeError(resource string, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	p.Forget(resource)
}
