// Package expiry removes cached media that has not been read for a while.
//
// The range cache already bounds its size with LRU eviction; expiry adds an
// age limit so that stale resources (for example signed stream URLs that can
// no longer be refreshed) do not linger until the budget pushes them out.
package expiry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/wolfeidau/media-cache/telemetry"
)

// Expirer drops cached resources not read since before.
type Expirer interface {
	ExpireIdle(ctx context.Context, before time.Time) (int, error)
}

// Config holds expiration configuration.
type Config struct {
	// TTL is the time-to-live for cached spans since last access.
	// Zero disables background expiration.
	TTL time.Duration

	// CheckInterval is how often to run expiration checks.
	// Default is 10 minutes.
	CheckInterval time.Duration

	// Logger for expiration events.
	Logger *slog.Logger
}

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		TTL:           24 * time.Hour,
		CheckInterval: 10 * time.Minute,
		Logger:        slog.Default(),
	}
}

// Manager runs idle expiration in the background.
type Manager struct {
	config  Config
	expirer Expirer
	logger  *slog.Logger
	now     func() time.Time

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewManager creates a new expiration manager.
func NewManager(e Expirer, cfg Config) *Manager {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Manager{
		config:  cfg,
		expirer: e,
		logger:  cfg.Logger.With("component", "expiry"),
		now:     time.Now,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
}

// Start begins background expiration checks. It is a no-op when TTL is zero.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped || m.running || m.config.TTL <= 0 {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	m.mu.Unlock()

	go m.run(ctx)
	return nil
}

// Stop stops background expiration checks.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	// Run immediately on start
	m.runOnce(ctx, m.config.TTL)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.runOnce(ctx, m.config.TTL)
		}
	}
}

// ExpireResult contains the results of an expiration run.
type ExpireResult struct {
	SpansExpired int
	Cutoff       time.Time
	Duration     time.Duration
	Err          error
}

// RunOnce performs a single expiration check using the configured TTL.
func (m *Manager) RunOnce(ctx context.Context) *ExpireResult {
	return m.runOnce(ctx, m.config.TTL)
}

// ForceExpire immediately expires everything not read within olderThan.
func (m *Manager) ForceExpire(ctx context.Context, olderThan time.Duration) *ExpireResult {
	return m.runOnce(ctx, olderThan)
}

func (m *Manager) runOnce(ctx context.Context, ttl time.Duration) *ExpireResult {
	start := m.now()
	result := &ExpireResult{Cutoff: start.Add(-ttl)}

	m.logger.Debug("starting expiration check", "cutoff", result.Cutoff)

	result.SpansExpired, result.Err = m.expirer.ExpireIdle(ctx, result.Cutoff)
	result.Duration = m.now().Sub(start)

	telemetry.RecordExpiryCycle(ctx, result.SpansExpired, result.Duration)

	switch {
	case result.Err != nil:
		m.logger.Error("expiration failed",
			"spans_expired", result.SpansExpired,
			"error", result.Err,
		)
	case result.SpansExpired > 0:
		m.logger.Info("expiration complete",
			"spans_expired", result.SpansExpired,
			"duration", result.Duration,
		)
	default:
		m.logger.Debug("expiration complete, nothing to expire")
	}

	return result
}
