package fetch

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// RateLimiter spaces out requests to the same host across every task of the process.
type RateLimiter struct {
	lastRequest  map[string]time.Time // host -> last request attempt
	mu           sync.Mutex
	defaultDelay time.Duration
	log          *logrus.Entry
}

// NewRateLimiter creates a RateLimiter using defaultDelay when callers pass none.
func NewRateLimiter(defaultDelay time.Duration, log *logrus.Entry) *RateLimiter {
	return &RateLimiter{
		lastRequest:  make(map[string]time.Time),
		defaultDelay: defaultDelay,
		log:          log,
	}
}

// Wait blocks until minDelay (+/-10% jitter) has passed since the last request
// to host, or ctx is done. The first request to a host never waits.
func (rl *RateLimiter) Wait(ctx context.Context, host string, minDelay time.Duration) error {
	if minDelay <= 0 {
		minDelay = rl.defaultDelay
	}
	if minDelay <= 0 {
		return ctx.Err()
	}

	rl.mu.Lock()
	last, seen := rl.lastRequest[host]
	rl.mu.Unlock()
	if !seen {
		return ctx.Err()
	}

	remaining := minDelay - time.Since(last)
	if remaining <= 0 {
		return ctx.Err()
	}
	if spread := int64(remaining) / 5; spread > 0 {
		remaining += time.Duration(rand.Int63n(spread)) - remaining/10
	}

	rl.log.WithFields(logrus.Fields{"host": host, "sleep": remaining}).Debug("Rate limit applying sleep")
	timer := time.NewTimer(remaining)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Touch records now as the last request attempt to host. Call it after every attempt.
func (rl *RateLimiter) Touch(host string) {
	rl.mu.Lock()
	rl.lastRequest[host] = time.Now()
	rl.mu.Unlock()
}
