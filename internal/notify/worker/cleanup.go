package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/caasxyz/notification/common/clock"
	"github.com/caasxyz/notification/internal/notify/store"
)

const (
	// DefaultLogRetention is how long terminal attempt rows are kept.
	DefaultLogRetention = 30 * 24 * time.Hour
	// DefaultCleanupInterval is how often the cleanup job runs.
	DefaultCleanupInterval = time.Hour
)

// Cleanup is the scheduled purge of aged terminal attempt rows and expired
// idempotency keys.
type Cleanup struct {
	store  *store.Store
	clock  clock.Clock
	logger *slog.Logger

	retention time.Duration
	interval  time.Duration

	// lastRun feeds the scheduled-task health endpoint.
	mu      sync.Mutex
	lastRun time.Time
}

// CleanupOption configures the job.
type CleanupOption func(*Cleanup)

// WithRetention overrides the attempt-log retention window.
func WithRetention(d time.Duration) CleanupOption {
	return func(c *Cleanup) { c.retention = d }
}

// WithInterval overrides the run interval.
func WithInterval(d time.Duration) CleanupOption {
	return func(c *Cleanup) { c.interval = d }
}

// WithCleanupClock overrides the time source (tests).
func WithCleanupClock(clk clock.Clock) CleanupOption {
	return func(c *Cleanup) { c.clock = clk }
}

// NewCleanup creates the cleanup job.
func NewCleanup(st *store.Store, opts ...CleanupOption) *Cleanup {
	c := &Cleanup{
		store:     st,
		clock:     clock.System{},
		logger:    slog.Default(),
		retention: DefaultLogRetention,
		interval:  DefaultCleanupInterval,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run executes the purge on the configured interval until ctx is done. The
// first purge runs immediately so a restart loop cannot starve cleanup.
func (c *Cleanup) Run(ctx context.Context) {
	c.logger.Info("cleanup job started", "retention", c.retention, "interval", c.interval)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.RunOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			c.logger.Info("cleanup job stopped")
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single purge pass.
func (c *Cleanup) RunOnce(ctx context.Context) {
	now := c.clock.Now()

	logs, err := c.store.PurgeAttemptsBefore(ctx, now.Add(-c.retention))
	if err != nil {
		c.logger.Error("failed to purge attempt logs", "err", err)
	}

	keys, err := c.store.PurgeExpiredIdempotency(ctx, now)
	if err != nil {
		c.logger.Error("failed to purge idempotency keys", "err", err)
	}

	c.mu.Lock()
	c.lastRun = now
	c.mu.Unlock()
	if logs > 0 || keys > 0 {
		c.logger.Info("cleanup purged rows", "attempt_logs", logs, "idempotency_keys", keys)
	}
}

// LastRun reports when the job last completed a pass. Zero before the
// first run.
func (c *Cleanup) LastRun() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastRun
}
