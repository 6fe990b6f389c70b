package rangecache

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/wolfeidau/media-cache/backend"
	"github.com/wolfeidau/media-cache/store/metadb"
)

const (
	// DefaultMaxSize is the storage budget used when Config.MaxSize is zero.
	DefaultMaxSize int64 = 512 << 20

	// DefaultFetchTimeout bounds a single upstream gap fetch.
	DefaultFetchTimeout = 30 * time.Second

	// DefaultMaxFetchSize caps the bytes requested by one gap fetch.
	DefaultMaxFetchSize int64 = 8 << 20

	// DefaultFlushInterval is how often access times are written to the index.
	DefaultFlushInterval = 5 * time.Second

	indexFileName       = "index.db"
	validateConcurrency = 8
)

// ToEnd as Range.End means "to the end of the resource".
const ToEnd int64 = -1

// Range is a half-open byte range [Start, End).
type Range struct {
	Start int64
	End   int64
}

func (r Range) String() string {
	if r.End == ToEnd {
		return fmt.Sprintf("[%d,end)", r.Start)
	}
	return fmt.Sprintf("[%d,%d)", r.Start, r.End)
}

// Config holds the range cache configuration.
type Config struct {
	// Dir is where segments and the index live. Required unless both
	// WithSegmentStore and WithIndexStore are given.
	Dir string

	// MaxSize is the storage budget in bytes. Default: 512 MiB.
	MaxSize int64

	// FetchTimeout bounds each upstream fetch. Default: 30s.
	FetchTimeout time.Duration

	// MaxFetchSize caps a single gap fetch. A larger gap is split into
	// several consecutive upstream requests. Default: 8 MiB.
	MaxFetchSize int64

	// FlushInterval controls how often access times are persisted.
	// Default: 5s.
	FlushInterval time.Duration

	// VerifyChecksums re-hashes every segment while loading the index.
	VerifyChecksums bool

	// Logger for cache events.
	Logger *slog.Logger
}

func (cfg *Config) applyDefaults() {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultMaxSize
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = DefaultFetchTimeout
	}
	if cfg.MaxFetchSize <= 0 {
		cfg.MaxFetchSize = DefaultMaxFetchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
}

// Option configures a Cache.
type Option func(*Cache)

// WithSegmentStore sets the segment storage backend. The caller keeps
// ownership of it.
func WithSegmentStore(s backend.SegmentStore) Option {
	return func(c *Cache) {
		c.store = s
	}
}

// WithIndexStore sets an already opened index store. The caller keeps
// ownership of it and must close it after the cache.
func WithIndexStore(s metadb.IndexStore) Option {
	return func(c *Cache) {
		c.index = s
	}
}

// WithNow sets the clock used for access times.
func WithNow(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithLogger overrides Config.Logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.cfg.Logger = logger
	}
}
