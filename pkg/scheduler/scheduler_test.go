package scheduler

import (
	"fmt"
	"io"
	"regexp"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leadforge/lead-scraper/pkg/models"
)

func testLogger() *logrus.Entry {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return logrus.NewEntry(log)
}

var (
	now           = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	defaultPolicy = Policy{MinSuccessRate: 0.5, StalenessWindow: 24 * time.Hour}
	contactRe     = []*regexp.Regexp{regexp.MustCompile(`(?i)contact`), regexp.MustCompile(`(?i)equipe`)}
)

func at(t time.Time) *time.Time { return &t }

func site(u string, mutate ...func(*models.ScrapedSite)) *models.ScrapedSite {
	s := &models.ScrapedSite{URL: u, StructureID: "s1"}
	for _, m := range mutate {
		m(s)
	}
	return s
}

func scraped(ago time.Duration, count int, rate float64) func(*models.ScrapedSite) {
	return func(s *models.ScrapedSite) {
		s.LastScraped = at(now.Add(-ago))
		s.ScrapingCount = count
		s.SuccessRate = rate
	}
}

func TestNext_Ordering(t *testing.T) {
	candidates := []*models.ScrapedSite{
		site("https://old.fr", scraped(72*time.Hour, 3, 1)),
		site("https://older.fr", scraped(96*time.Hour, 3, 1)),
		site("https://new-b.fr"),
		site("https://new-a.fr"),
	}
	got := Next(candidates, now, defaultPolicy)
	require.NotNil(t, got)
	assert.Equal(t, "https://new-a.fr", got.URL, "never scraped first, URL breaks ties")

	got = Next(candidates[:2], now, defaultPolicy)
	require.NotNil(t, got)
	assert.Equal(t, "https://older.fr", got.URL, "then least recently scraped")
}

func TestNext_Gating(t *testing.T) {
	tests := []struct {
		name string
		site *models.ScrapedSite
		ok   bool
	}{
		{"never scraped", site("https://a.fr"), true},
		{"healthy and old", site("https://a.fr", scraped(48*time.Hour, 4, 0.75)), true},
		{"low success rate", site("https://a.fr", scraped(48*time.Hour, 4, 0.25)), false},
		{"exactly min rate", site("https://a.fr", scraped(48*time.Hour, 2, 0.5)), true},
		{"scraped recently", site("https://a.fr", scraped(time.Hour, 1, 1)), false},
		{"rate limited", site("https://a.fr", func(s *models.ScrapedSite) { s.RateLimitUntil = at(now.Add(time.Minute)) }), false},
		{"rate limit expired", site("https://a.fr", func(s *models.ScrapedSite) { s.RateLimitUntil = at(now.Add(-time.Minute)) }), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Next([]*models.ScrapedSite{tt.site}, now, defaultPolicy)
			assert.Equal(t, tt.ok, got != nil)
		})
	}
}

func TestFrontier_PerSiteCapAndContinuation(t *testing.T) {
	a := site("https://a.fr")
	b := site("https://b.fr")
	f := NewFrontier([]*models.ScrapedSite{a, b}, defaultPolicy, Caps{PerSitePages: 2, GlobalPages: 10}, contactRe, 0, testLogger())

	t1, reason := f.Next(now)
	require.Equal(t, StopNone, reason)
	assert.Equal(t, "https://a.fr", t1.URL)
	f.MarkFetched(t1)
	added := f.AddLinks(t1, []string{
		"https://a.fr/contact",
		"https://www.a.fr/equipe/contact", // Two pattern hits
		"https://a.fr/blog",               // No hit
		"https://other.fr/contact",        // Off-site
		"mailto:x@a.fr",
		"https://a.fr/contact#form", // Same page
	})
	assert.Equal(t, 2, added)

	t2, _ := f.Next(now)
	assert.Equal(t, "https://www.a.fr/equipe/contact", t2.URL, "better scored links first")
	f.MarkFetched(t2)

	t3, _ := f.Next(now)
	assert.Equal(t, "https://b.fr", t3.URL, "per-site cap moves on to the next site")
	f.MarkFetched(t3)

	_, reason = f.Next(now)
	assert.Equal(t, StopNoSite, reason)
	assert.Equal(t, 3, f.Fetched())
}

func TestFrontier_FailedSiteIsDropped(t *testing.T) {
	a := site("https://a.fr")
	f := NewFrontier([]*models.ScrapedSite{a}, defaultPolicy, Caps{PerSitePages: 5, GlobalPages: 10}, contactRe, 0, testLogger())

	t1, _ := f.Next(now)
	f.MarkFetched(t1)
	f.AddLinks(t1, []string{"https://a.fr/contact"})

	failed := *a
	failed.RecordAttempt(false, "HTTP_5xx", now, time.Hour)
	f.UpdateSite(&failed)

	_, reason := f.Next(now)
	assert.Equal(t, StopNoSite, reason, "a failure rate-limits the site for the rest of the task")
}

func TestFrontier_GlobalCapCarriesOver(t *testing.T) {
	f := NewFrontier([]*models.ScrapedSite{site("https://a.fr")}, defaultPolicy, Caps{PerSitePages: 5, GlobalPages: 3}, contactRe, 3, testLogger())
	_, reason := f.Next(now)
	assert.Equal(t, StopGlobalCap, reason)
}

// Even with an effectively unbounded pool of sites that keep yielding new
// links, the caps force the crawl to stop in a bounded number of steps.
func TestFrontier_Terminates(t *testing.T) {
	var sites []*models.ScrapedSite
	for i := range 2000 {
		sites = append(sites, site(fmt.Sprintf("https://site%04d.fr", i)))
	}
	caps := Caps{PerSitePages: 5, GlobalPages: 150}
	f := NewFrontier(sites, defaultPolicy, caps, contactRe, 0, testLogger())

	steps := 0
	for {
		target, reason := f.Next(now)
		if reason != StopNone {
			assert.Equal(t, StopGlobalCap, reason)
			break
		}
		steps++
		require.Less(t, steps, 10000, "frontier did not terminate")
		f.MarkFetched(target)
		f.AddLinks(target, []string{
			target.Site.URL + fmt.Sprintf("/contact/%d", steps),
			target.Site.URL + fmt.Sprintf("/contact/%d/equipe", steps),
		})
	}
	assert.Equal(t, 150, f.Fetched())
	assert.Equal(t, 150, steps)
}

func TestFrontier_RestoreResumesStartedSite(t *testing.T) {
	first := NewFrontier([]*models.ScrapedSite{site("https://a.fr"), site("https://b.fr")}, defaultPolicy, Caps{PerSitePages: 5, GlobalPages: 10}, contactRe, 0, testLogger())
	home, _ := first.Next(now)
	require.Equal(t, "https://a.fr", home.URL)
	first.MarkFetched(home)
	require.Equal(t, 1, first.AddLinks(home, []string{"https://a.fr/contact"}))

	progress := first.Progress()
	require.NotNil(t, progress)
	assert.Equal(t, "https://a.fr", progress.Current)
	require.Len(t, progress.Sites, 1, "only started sites are kept")
	assert.Equal(t, []string{"https://a.fr/contact"}, progress.Sites[0].Queue)
	assert.Equal(t, 1, progress.Sites[0].Pages)

	// a.fr was scraped a minute ago by this very task, which would normally make it stale
	resumed := NewFrontier([]*models.ScrapedSite{
		site("https://a.fr", scraped(time.Minute, 1, 1)),
		site("https://b.fr"),
	}, defaultPolicy, Caps{PerSitePages: 5, GlobalPages: 10}, contactRe, 1, testLogger())
	resumed.Restore(progress)

	next, reason := resumed.Next(now)
	require.Equal(t, StopNone, reason)
	assert.Equal(t, "https://a.fr/contact", next.URL)
	resumed.MarkFetched(next)
	assert.Zero(t, resumed.AddLinks(next, []string{"https://a.fr/contact"}), "seen links survive the restore")

	next, _ = resumed.Next(now)
	assert.Equal(t, "https://b.fr", next.URL)
	resumed.MarkFetched(next)

	_, reason = resumed.Next(now)
	assert.Equal(t, StopNoSite, reason)
	assert.Equal(t, 3, resumed.Fetched())
}

func TestFrontier_RestoreKeepsFinishedSitesClosed(t *testing.T) {
	f := NewFrontier([]*models.ScrapedSite{site("https://a.fr")}, defaultPolicy, Caps{PerSitePages: 5, GlobalPages: 10}, contactRe, 0, testLogger())
	f.Restore(&models.CrawlProgress{Sites: []models.SiteProgress{
		{URL: "https://a.fr", Pages: 1, Done: true},
		{URL: "https://gone.fr", Pages: 2},
	}})
	_, reason := f.Next(now)
	assert.Equal(t, StopNoSite, reason)

	assert.Nil(t, NewFrontier(nil, defaultPolicy, Caps{}, contactRe, 0, testLogger()).Progress())
}

func TestFrontier_Requeue(t *testing.T) {
	f := NewFrontier([]*models.ScrapedSite{site("https://a.fr")}, defaultPolicy, Caps{PerSitePages: 5, GlobalPages: 10}, contactRe, 0, testLogger())
	home, _ := f.Next(now)
	f.Requeue(home)

	again, reason := f.Next(now)
	require.Equal(t, StopNone, reason)
	assert.Equal(t, home.URL, again.URL)
	assert.Zero(t, f.Fetched())
}
