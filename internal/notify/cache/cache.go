// Package cache provides the read-through channel-configuration cache.
//
// Entries are keyed "config:{user}:{channel}" and live for five minutes; the
// staleness window is part of the gateway's contract, so admin writes do not
// invalidate. On a miss the encrypted blob is read from the store, decrypted,
// and cached decrypted so the dispatcher's hot path never touches AES.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/caasxyz/notification/common/clock"
	"github.com/caasxyz/notification/common/crypto"
	"github.com/caasxyz/notification/internal/notify/channel"
	"github.com/caasxyz/notification/internal/notify/store"
)

// DefaultTTL is the configured staleness window.
const DefaultTTL = 5 * time.Minute

// Loader is the subset of the store the cache reads through to.
type Loader interface {
	GetChannelConfig(ctx context.Context, userID, channelType string) (*store.ChannelConfig, error)
}

// Entry is a decrypted configuration snapshot. Raw is read-only; callers
// must not mutate it.
type Entry struct {
	Raw      json.RawMessage
	IsActive bool
	CachedAt time.Time
}

// ConfigCache caches decrypted per-(user, channel) configurations.
type ConfigCache struct {
	mu      sync.RWMutex
	entries map[string]*Entry

	loader Loader
	key    []byte
	ttl    time.Duration
	clock  clock.Clock
}

// Option configures the cache.
type Option func(*ConfigCache)

// WithTTL overrides the staleness window (tests).
func WithTTL(ttl time.Duration) Option {
	return func(c *ConfigCache) { c.ttl = ttl }
}

// WithClock overrides the time source (tests).
func WithClock(clk clock.Clock) Option {
	return func(c *ConfigCache) { c.clock = clk }
}

// New creates a ConfigCache over loader. encryptKey must be the normalized
// 32-byte process key.
func New(loader Loader, encryptKey []byte, opts ...Option) *ConfigCache {
	c := &ConfigCache{
		entries: make(map[string]*Entry),
		loader:  loader,
		key:     encryptKey,
		ttl:     DefaultTTL,
		clock:   clock.System{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func cacheKey(userID string, ch channel.Type) string {
	return fmt.Sprintf("config:%s:%s", userID, ch)
}

// Get returns the decrypted configuration for (user, channel), reading
// through to the store on a miss or an expired entry. store.ErrNotFound
// passes through when no row exists.
func (c *ConfigCache) Get(ctx context.Context, userID string, ch channel.Type) (*Entry, error) {
	key := cacheKey(userID, ch)
	now := c.clock.Now()

	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if ok && now.Sub(e.CachedAt) < c.ttl {
		return e, nil
	}

	row, err := c.loader.GetChannelConfig(ctx, userID, string(ch))
	if err != nil {
		return nil, err
	}

	plaintext, err := crypto.DecryptString(c.key, row.Payload)
	if err != nil {
		return nil, fmt.Errorf("decrypt config for %s/%s: %w", userID, ch, err)
	}

	e = &Entry{
		Raw:      json.RawMessage(plaintext),
		IsActive: row.IsActive,
		CachedAt: now,
	}

	c.mu.Lock()
	c.entries[key] = e
	c.mu.Unlock()
	return e, nil
}

// Len reports the number of cached entries, expired or not. Used by tests.
func (c *ConfigCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
