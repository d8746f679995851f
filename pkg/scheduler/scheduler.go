package scheduler

import (
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/leadforge/lead-scraper/pkg/models"
)

// Policy is the site gating predicate.
type Policy struct {
	MinSuccessRate  float64       // Sites below this rate are skipped
	StalenessWindow time.Duration // Sites scraped more recently than this are skipped
}

// Caps bound one task's exploration.
type Caps struct {
	PerSitePages int // Pages fetched from one site
	GlobalPages  int // Pages fetched across all sites
}

// StopReason explains why the frontier has nothing more to offer.
type StopReason int

const (
	StopNone      StopReason = iota
	StopNoSite               // No candidate satisfies the gating predicate
	StopGlobalCap            // The global page cap was reached
)

// Eligible reports whether a site may be picked as the next crawl target at now.
func Eligible(site *models.ScrapedSite, now time.Time, p Policy) bool {
	if !site.CanScrape(now, p.MinSuccessRate) {
		return false
	}
	if site.LastScraped != nil && p.StalenessWindow > 0 && now.Sub(*site.LastScraped) < p.StalenessWindow {
		return false
	}
	return true
}

// Next picks the next site to crawl: never-scraped sites first, then the least
// recently scraped, with the URL as a stable tie-breaker. Rate-limited, stale
// and low success-rate sites are excluded. Returns nil when no site qualifies.
func Next(candidates []*models.ScrapedSite, now time.Time, p Policy) *models.ScrapedSite {
	var eligible []*models.ScrapedSite
	for _, site := range candidates {
		if Eligible(site, now, p) {
			eligible = append(eligible, site)
		}
	}
	if len(eligible) == 0 {
		return nil
	}
	sort.SliceStable(eligible, func(i, j int) bool {
		a, b := eligible[i], eligible[j]
		switch {
		case a.LastScraped == nil && b.LastScraped != nil:
			return true
		case a.LastScraped != nil && b.LastScraped == nil:
			return false
		case a.LastScraped != nil && b.LastScraped != nil && !a.LastScraped.Equal(*b.LastScraped):
			return a.LastScraped.Before(*b.LastScraped)
		}
		return a.URL < b.URL
	})
	return eligible[0]
}

// Target is one page the task should fetch next.
type Target struct {
	Site *models.ScrapedSite
	URL  string
}

type siteState struct {
	site    *models.ScrapedSite
	queue   []string
	seen    map[string]bool
	pages   int
	started bool
	done    bool
}

// Frontier tracks one task's crawl: which site is active, the pages queued on
// it and both page caps. It is not safe for concurrent use; a task crawls sequentially.
type Frontier struct {
	policy   Policy
	caps     Caps
	patterns []*regexp.Regexp
	sites    []*siteState
	byURL    map[string]*siteState
	current  *siteState
	fetched  int
	log      *logrus.Entry
}

// NewFrontier builds the crawl state over the candidate sites. alreadyFetched
// carries pages_explored over from a resumed task so the global cap holds across runs.
func NewFrontier(candidates []*models.ScrapedSite, policy Policy, caps Caps, contactPatterns []*regexp.Regexp, alreadyFetched int, log *logrus.Entry) *Frontier {
	f := &Frontier{
		policy:   policy,
		caps:     caps,
		patterns: contactPatterns,
		byURL:    make(map[string]*siteState, len(candidates)),
		fetched:  alreadyFetched,
		log:      log,
	}
	for _, site := range candidates {
		if _, dup := f.byURL[site.URL]; dup {
			continue
		}
		st := &siteState{
			site:  site,
			queue: []string{site.URL},
			seen:  map[string]bool{canonical(site.URL): true},
		}
		f.sites = append(f.sites, st)
		f.byURL[site.URL] = st
	}
	return f
}

// Fetched returns the pages fetched so far, including those carried over.
func (f *Frontier) Fetched() int {
	return f.fetched
}

// Next returns the next page to fetch. The active site is continued while it
// stays scrapable, has queued pages and is under its cap; otherwise a new site is picked.
func (f *Frontier) Next(now time.Time) (Target, StopReason) {
	if f.caps.GlobalPages > 0 && f.fetched >= f.caps.GlobalPages {
		return Target{}, StopGlobalCap
	}

	if st := f.current; st != nil {
		if len(st.queue) > 0 && !f.siteCapped(st) && st.site.CanScrape(now, f.policy.MinSuccessRate) {
			return f.pop(st), StopNone
		}
		st.done = true
		f.current = nil
	}

	var fresh []*models.ScrapedSite
	for _, st := range f.sites {
		if !st.started {
			fresh = append(fresh, st.site)
		}
	}
	site := Next(fresh, now, f.policy)
	if site == nil {
		return Target{}, StopNoSite
	}
	st := f.byURL[site.URL]
	st.started = true
	f.current = st
	f.log.Debugf("Selected site %s", site.URL)
	return f.pop(st), StopNone
}

// Requeue puts a page back at the head of its site's queue. Use it when a
// fetch was cut short before the request completed.
func (f *Frontier) Requeue(t Target) {
	if st, ok := f.byURL[t.Site.URL]; ok && !st.done {
		st.queue = append([]string{t.URL}, st.queue...)
	}
}

// Progress snapshots the sites this task has started, for persisting on the task.
func (f *Frontier) Progress() *models.CrawlProgress {
	p := &models.CrawlProgress{}
	if f.current != nil {
		p.Current = f.current.site.URL
	}
	for _, st := range f.sites {
		if !st.started {
			continue
		}
		seen := make([]string, 0, len(st.seen))
		for key := range st.seen {
			seen = append(seen, key)
		}
		sort.Strings(seen)
		p.Sites = append(p.Sites, models.SiteProgress{
			URL:   st.site.URL,
			Pages: st.pages,
			Queue: append([]string(nil), st.queue...),
			Seen:  seen,
			Done:  st.done,
		})
	}
	if p.Current == "" && len(p.Sites) == 0 {
		return nil
	}
	return p
}

// Restore reapplies a snapshot taken by Progress. Restored sites count as
// started, so only the current one can be continued and the staleness window
// never applies to it. Sites no longer among the candidates are ignored.
func (f *Frontier) Restore(p *models.CrawlProgress) {
	if p == nil {
		return
	}
	for _, sp := range p.Sites {
		st, ok := f.byURL[sp.URL]
		if !ok {
			continue
		}
		st.started = true
		st.done = sp.Done
		st.pages = sp.Pages
		st.queue = append([]string(nil), sp.Queue...)
		for _, key := range sp.Seen {
			st.seen[key] = true
		}
		if sp.URL == p.Current && !sp.Done {
			f.current = st
		}
	}
}

func (f *Frontier) siteCapped(st *siteState) bool {
	return f.caps.PerSitePages > 0 && st.pages >= f.caps.PerSitePages
}

func (f *Frontier) pop(st *siteState) Target {
	next := st.queue[0]
	st.queue = st.queue[1:]
	return Target{Site: st.site, URL: next}
}

// MarkFetched counts a page against both caps. Call it once per HTTP request actually made.
func (f *Frontier) MarkFetched(t Target) {
	f.fetched++
	if st, ok := f.byURL[t.Site.URL]; ok {
		st.pages++
	}
}

// UpdateSite replaces the bookkeeping row of a site after its stats changed.
func (f *Frontier) UpdateSite(site *models.ScrapedSite) {
	if st, ok := f.byURL[site.URL]; ok {
		st.site = site
	}
}

// AddLinks queues in-site links that look like contact or team pages.
// Links are ordered by how many contact patterns they match.
func (f *Frontier) AddLinks(t Target, links []string) int {
	st, ok := f.byURL[t.Site.URL]
	if !ok || st.done {
		return 0
	}
	type scored struct {
		url   string
		score int
		order int
	}
	var picked []scored
	for i, link := range links {
		if !sameSite(t.Site.URL, link) {
			continue
		}
		key := canonical(link)
		if key == "" || st.seen[key] {
			continue
		}
		score := scoreLink(f.patterns, link)
		if score == 0 {
			continue
		}
		st.seen[key] = true
		picked = append(picked, scored{url: link, score: score, order: i})
	}
	sort.SliceStable(picked, func(i, j int) bool {
		if picked[i].score != picked[j].score {
			return picked[i].score > picked[j].score
		}
		return picked[i].order < picked[j].order
	})
	for _, p := range picked {
		st.queue = append(st.queue, p.url)
	}
	return len(picked)
}

func scoreLink(patterns []*regexp.Regexp, link string) int {
	u, err := url.Parse(link)
	if err != nil {
		return 0
	}
	target := strings.ToLower(u.Path)
	score := 0
	for _, re := range patterns {
		if re.MatchString(target) {
			score++
		}
	}
	return score
}

// sameSite compares hosts ignoring a leading www.
func sameSite(siteURL, link string) bool {
	a, errA := url.Parse(siteURL)
	b, errB := url.Parse(link)
	if errA != nil || errB != nil {
		return false
	}
	if b.Scheme != "http" && b.Scheme != "https" {
		return false
	}
	return bareHost(a.Hostname()) == bareHost(b.Hostname())
}

func bareHost(host string) string {
	return strings.TrimPrefix(strings.ToLower(host), "www.")
}

// canonical is the dedup key of a page within a site's frontier.
func canonical(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return ""
	}
	u.Host = bareHost(u.Host)
	u.Scheme = strings.ToLower(u.Scheme)
	u.Fragment = ""
	u.RawQuery = ""
	if len(u.Path) > 1 {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}
	if u.Path == "" {
		u.Path = "/"
	}
	return u.String()
}
