package fetch

import (
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/leadforge/lead-scraper/pkg/config"
	"github.com/leadforge/lead-scraper/pkg/utils"
)

// Options configures a Fetcher.
type Options struct {
	UserAgent        string
	DelayPerHost     time.Duration
	MaxBodyBytes     int64         // Bodies are cut at this size (0 = 5 MiB)
	SemaphoreTimeout time.Duration // Wait for a host slot (0 = until the context is done)
	RespectRobots    bool
	RobotsRetry      RetryPolicy // Pages are fetched once, robots.txt is retried
}

const defaultMaxBody = 5 << 20

// OptionsFromConfig derives fetch options from the application config.
func OptionsFromConfig(cfg config.AppConfig) Options {
	return Options{
		UserAgent:        config.GetEffectiveUserAgent(cfg),
		DelayPerHost:     cfg.DefaultDelayPerHost,
		MaxBodyBytes:     cfg.HTTPClientSettings.MaxBodyBytes,
		SemaphoreTimeout: cfg.SemaphoreAcquireTimeout,
		RespectRobots:    !cfg.IgnoreRobots,
		RobotsRetry: RetryPolicy{
			MaxRetries:   cfg.MaxRetries,
			InitialDelay: cfg.InitialRetryDelay,
			MaxDelay:     cfg.MaxRetryDelay,
		},
	}
}

// Page is a fetched HTML document.
type Page struct {
	URL         *url.URL // Final URL after redirects
	StatusCode  int
	ContentType string
	Body        []byte
	Truncated   bool // Body was cut at MaxBodyBytes
	Duration    time.Duration
}

// Fetcher retrieves single pages politely: robots.txt, per-host concurrency and
// per-host delay are enforced for every request of the process.
type Fetcher struct {
	client  *http.Client
	hosts   *HostSemaphorePool
	limiter *RateLimiter
	robots  *RobotsHandler
	opts    Options
	log     *logrus.Entry
}

// NewFetcher wires a Fetcher over shared politeness state.
func NewFetcher(client *http.Client, hosts *HostSemaphorePool, limiter *RateLimiter, opts Options, log *logrus.Entry) *Fetcher {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBody
	}
	f := &Fetcher{
		client:  client,
		hosts:   hosts,
		limiter: limiter,
		opts:    opts,
		log:     log,
	}
	if opts.RespectRobots {
		f.robots = NewRobotsHandler(f, opts.UserAgent, log)
	}
	return f
}

// Fetch performs one GET of rawURL. There is no retry: a failed page is the
// caller's signal to penalise the site. Non-HTML responses fail with ErrParsing.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Page, error) {
	target, err := url.Parse(rawURL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return nil, fmt.Errorf("%w: invalid URL '%s'", utils.ErrParsing, rawURL)
	}
	host := target.Hostname()
	pageLog := f.log.WithField("url", rawURL)

	if f.robots != nil && !f.robots.Allowed(ctx, target) {
		return nil, fmt.Errorf("%w: %s", utils.ErrRobotsDisallowed, rawURL)
	}

	release, err := f.hosts.Acquire(ctx, host, f.opts.SemaphoreTimeout)
	if err != nil {
		return nil, err
	}
	defer release()

	if err := f.limiter.Wait(ctx, host, f.opts.DelayPerHost); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", utils.ErrRequestCreation, err)
	}
	req.Header.Set("User-Agent", f.opts.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml;q=0.9,*/*;q=0.5")

	start := time.Now()
	resp, err := f.client.Do(req)
	f.limiter.Touch(host)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if statusErr := statusError(resp); statusErr != nil {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		pageLog.WithField("status_code", resp.StatusCode).Debug("Page fetch failed")
		return nil, statusErr
	}

	contentType := resp.Header.Get("Content-Type")
	if !isHTML(contentType) {
		return nil, fmt.Errorf("%w: non-HTML content type '%s' at '%s'", utils.ErrParsing, contentType, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.opts.MaxBodyBytes+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", utils.ErrResponseBodyRead, err)
	}
	page := &Page{
		URL:         resp.Request.URL,
		StatusCode:  resp.StatusCode,
		ContentType: contentType,
		Body:        body,
		Duration:    time.Since(start),
	}
	if int64(len(body)) > f.opts.MaxBodyBytes {
		page.Body = body[:f.opts.MaxBodyBytes]
		page.Truncated = true
		pageLog.Debugf("Body cut at %d bytes", f.opts.MaxBodyBytes)
	}
	return page, nil
}

// isHTML accepts HTML media types; a missing header is given the benefit of the doubt.
func isHTML(contentType string) bool {
	if contentType == "" {
		return true
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.Contains(strings.ToLower(contentType), "html")
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}
