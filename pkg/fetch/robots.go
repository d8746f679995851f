package fetch

import (
	"context"
	"errors"
	"io"
	"net/url"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/temoto/robotstxt"
	"golang.org/x/sync/singleflight"

	"github.com/leadforge/lead-scraper/pkg/utils"
)

const maxRobotsBytes = 512 << 10

// RobotsHandler fetches, caches and evaluates robots.txt per scheme and host.
// A missing, unreachable or unparsable file allows everything.
type RobotsHandler struct {
	fetcher   *Fetcher
	userAgent string
	cache     map[string]*robotstxt.RobotsData // scheme://host -> data (nil = allow all)
	mu        sync.Mutex
	inflight  singleflight.Group
	log       *logrus.Entry
}

// NewRobotsHandler creates a handler fetching through f's retrying client.
func NewRobotsHandler(f *Fetcher, userAgent string, log *logrus.Entry) *RobotsHandler {
	return &RobotsHandler{
		fetcher:   f,
		userAgent: userAgent,
		cache:     make(map[string]*robotstxt.RobotsData),
		log:       log,
	}
}

// Allowed reports whether the user agent may fetch target.
func (rh *RobotsHandler) Allowed(ctx context.Context, target *url.URL) bool {
	data := rh.get(ctx, target)
	if data == nil {
		return true
	}
	return data.TestAgent(target.RequestURI(), rh.userAgent)
}

func (rh *RobotsHandler) get(ctx context.Context, target *url.URL) *robotstxt.RobotsData {
	origin := target.Scheme + "://" + target.Host

	rh.mu.Lock()
	data, found := rh.cache[origin]
	rh.mu.Unlock()
	if found {
		return data
	}

	v, _, _ := rh.inflight.Do(origin, func() (any, error) {
		data, err := rh.fetch(ctx, origin)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return (*robotstxt.RobotsData)(nil), nil // Not cached, retried by the next caller
			}
			rh.log.WithField("origin", origin).Debugf("robots.txt unavailable, allowing all: %v", err)
		}
		rh.mu.Lock()
		rh.cache[origin] = data
		rh.mu.Unlock()
		return data, nil
	})
	return v.(*robotstxt.RobotsData)
}

func (rh *RobotsHandler) fetch(ctx context.Context, origin string) (*robotstxt.RobotsData, error) {
	host := hostOf(origin)
	release, err := rh.fetcher.hosts.Acquire(ctx, host, rh.fetcher.opts.SemaphoreTimeout)
	if err != nil {
		return nil, err
	}
	defer release()
	if err := rh.fetcher.limiter.Wait(ctx, host, rh.fetcher.opts.DelayPerHost); err != nil {
		return nil, err
	}

	resp, err := rh.fetcher.doWithRetry(ctx, origin+"/robots.txt", rh.fetcher.opts.RobotsRetry)
	rh.fetcher.limiter.Touch(host)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxRobotsBytes))
	if err != nil {
		return nil, errors.Join(utils.ErrResponseBodyRead, err)
	}
	data, err := robotstxt.FromBytes(body)
	if err != nil {
		return nil, errors.Join(utils.ErrParsing, err)
	}
	rh.log.WithField("origin", origin).Debug("Parsed robots.txt")
	return data, nil
}

func hostOf(origin string) string {
	u, err := url.Parse(origin)
	if err != nil {
		return origin
	}
	return u.Hostname()
}
