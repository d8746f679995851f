package fetch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/leadforge/lead-scraper/pkg/utils"
)

type hostEntry struct {
	sem         *semaphore.Weighted
	activeCount int64     // Held and waiting permits
	lastRelease time.Time // Zero if never released
}

// HostSemaphorePool bounds concurrent requests per host. One pool is shared by
// every task of the process so the limit holds when two jobs target the same site.
type HostSemaphorePool struct {
	entries map[string]*hostEntry
	mu      sync.Mutex
	limit   int64
	log     *logrus.Entry
}

// NewHostSemaphorePool creates a pool allowing maxPerHost requests in flight per host.
func NewHostSemaphorePool(maxPerHost int, log *logrus.Entry) *HostSemaphorePool {
	limit := int64(maxPerHost)
	if limit <= 0 {
		limit = 2
		log.Warnf("max_requests_per_host invalid or zero, defaulting to %d", limit)
	}
	return &HostSemaphorePool{
		entries: make(map[string]*hostEntry),
		limit:   limit,
		log:     log,
	}
}

func hostKey(host string) string {
	return strings.TrimPrefix(strings.ToLower(host), "www.")
}

// Acquire takes one permit for host, waiting at most timeout (0 = until ctx is done).
// The returned func releases the permit and must be called exactly once.
func (p *HostSemaphorePool) Acquire(ctx context.Context, host string, timeout time.Duration) (func(), error) {
	key := hostKey(host)

	p.mu.Lock()
	entry, exists := p.entries[key]
	if !exists {
		entry = &hostEntry{sem: semaphore.NewWeighted(p.limit)}
		p.entries[key] = entry
	}
	entry.activeCount++
	p.mu.Unlock()

	acquireCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if err := entry.sem.Acquire(acquireCtx, 1); err != nil {
		p.mu.Lock()
		entry.activeCount--
		p.mu.Unlock()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: host '%s' after %v", utils.ErrSemaphoreTimeout, key, timeout)
	}

	var once sync.Once
	return func() { once.Do(func() { p.release(key, entry) }) }, nil
}

func (p *HostSemaphorePool) release(key string, entry *hostEntry) {
	p.mu.Lock()
	entry.activeCount--
	entry.lastRelease = time.Now()
	p.mu.Unlock()
	entry.sem.Release(1)
}

// RunEviction periodically drops hosts idle for longer than interval. Run it in a goroutine.
func (p *HostSemaphorePool) RunEviction(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.evictIdle(interval)
		case <-ctx.Done():
			p.log.Debugf("Stopping host semaphore eviction: %v", ctx.Err())
			return
		}
	}
}

func (p *HostSemaphorePool) evictIdle(maxIdle time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	evicted := 0
	for key, entry := range p.entries {
		if entry.activeCount == 0 && !entry.lastRelease.IsZero() && now.Sub(entry.lastRelease) >= maxIdle {
			delete(p.entries, key)
			evicted++
		}
	}
	if evicted > 0 {
		p.log.Debugf("Evicted %d idle host semaphores, %d remain", evicted, len(p.entries))
	}
}

// Len returns the number of tracked hosts.
func (p *HostSemaphorePool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}
