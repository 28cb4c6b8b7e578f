// Package credentials caches the short-lived token bundle shared by session
// establishment and signaling setup.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/logging"
	"golang.org/x/sync/singleflight"

	"lingocast/native/internal/domain"
)

// DefaultRefreshThreshold is how close to expiry a bundle may get before it
// is refreshed ahead of use.
const DefaultRefreshThreshold = 5 * time.Minute

// ErrReleased is returned by a Cache whose last reference was released.
var ErrReleased = errors.New("credentials: cache released")

// NeedsRefresh reports whether less than threshold remains before the
// absolute expiry time. A zero ExpiresAt always needs a refresh.
func NeedsRefresh(creds domain.Credentials, now time.Time, threshold time.Duration) bool {
	if creds.ExpiresAt.IsZero() {
		return true
	}
	return creds.ExpiresAt.Sub(now) < threshold
}

// Options configures a Cache.
type Options struct {
	// Store persists refreshed bundles. Defaults to a MemoryStore.
	Store     domain.CredentialStore
	Threshold time.Duration
	Now       func() time.Time

	LoggerFactory logging.LoggerFactory
}

// Cache is a shared, reference-counted credential holder. Concurrent
// refreshes collapse into one provider call whose result every caller
// receives.
type Cache struct {
	provider  domain.CredentialProvider
	store     domain.CredentialStore
	threshold time.Duration
	now       func() time.Time
	log       logging.LeveledLogger

	group singleflight.Group

	mu       sync.Mutex
	creds    domain.Credentials
	loaded   bool
	refs     int
	released bool
}

// NewCache returns a Cache holding one reference.
func NewCache(provider domain.CredentialProvider, opts Options) *Cache {
	if opts.Store == nil {
		opts.Store = NewMemoryStore()
	}
	if opts.Threshold <= 0 {
		opts.Threshold = DefaultRefreshThreshold
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.LoggerFactory == nil {
		opts.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
	return &Cache{
		provider:  provider,
		store:     opts.Store,
		threshold: opts.Threshold,
		now:       opts.Now,
		log:       opts.LoggerFactory.NewLogger("credentials"),
		refs:      1,
	}
}

// Acquire takes another reference and returns the cache.
func (c *Cache) Acquire() *Cache {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.refs++
	return c
}

// Release drops a reference. Releasing the last one forgets the cached
// bundle; later calls fail with ErrReleased.
func (c *Cache) Release() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refs == 0 {
		return
	}
	c.refs--
	if c.refs == 0 {
		c.released = true
		c.creds = domain.Credentials{}
		c.loaded = false
	}
}

// Get returns credentials valid for at least the refresh threshold,
// refreshing first when needed.
func (c *Cache) Get(ctx context.Context) (domain.Credentials, error) {
	creds, err := c.current(ctx)
	if err != nil {
		return domain.Credentials{}, err
	}
	if !NeedsRefresh(creds, c.now(), c.threshold) {
		return creds, nil
	}
	c.log.Debugf("credentials expire at %s, refreshing", creds.ExpiresAt.Format(time.RFC3339))
	return c.Refresh(ctx)
}

// Refresh exchanges the refresh token for a new bundle regardless of expiry.
// A refresh already in flight is joined instead of started again.
func (c *Cache) Refresh(ctx context.Context) (domain.Credentials, error) {
	creds, err := c.current(ctx)
	if err != nil {
		return domain.Credentials{}, err
	}

	// The flight outlives any one caller's context.
	flightCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan("refresh", func() (any, error) {
		return c.refresh(flightCtx, creds.RefreshToken)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return domain.Credentials{}, res.Err
		}
		return res.Val.(domain.Credentials), nil
	case <-ctx.Done():
		return domain.Credentials{}, ctx.Err()
	}
}

func (c *Cache) refresh(ctx context.Context, refreshToken string) (domain.Credentials, error) {
	fresh, err := c.provider.RefreshCredentials(ctx, refreshToken)
	if err != nil {
		c.log.Warnf("refresh failed: %v", err)
		return domain.Credentials{}, fmt.Errorf("credentials: refresh: %w", err)
	}
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = refreshToken
	}

	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return domain.Credentials{}, ErrReleased
	}
	c.creds = fresh
	c.loaded = true
	c.mu.Unlock()

	if err := c.store.Save(ctx, fresh); err != nil {
		c.log.Warnf("persist refreshed credentials: %v", err)
	}
	c.log.Infof("credentials refreshed, valid until %s", fresh.ExpiresAt.Format(time.RFC3339))
	return fresh, nil
}

// current returns the cached bundle, loading it from the store or the
// provider on first use.
func (c *Cache) current(ctx context.Context) (domain.Credentials, error) {
	c.mu.Lock()
	if c.released {
		c.mu.Unlock()
		return domain.Credentials{}, ErrReleased
	}
	if c.loaded {
		creds := c.creds
		c.mu.Unlock()
		return creds, nil
	}
	c.mu.Unlock()

	creds, ok, err := c.store.Load(ctx)
	if err != nil {
		c.log.Warnf("load stored credentials: %v", err)
	}
	if !ok {
		creds, err = c.provider.CurrentCredentials(ctx)
		if err != nil {
			return domain.Credentials{}, fmt.Errorf("credentials: current: %w", err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.released {
		return domain.Credentials{}, ErrReleased
	}
	if !c.loaded {
		c.creds = creds
		c.loaded = true
	}
	return c.creds, nil
}
