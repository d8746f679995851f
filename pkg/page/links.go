package page

import (
	"net/mail"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Links returns the absolute http(s) targets of every anchor, resolved against
// the page URL. Fragments are dropped and duplicates removed; nofollow links are kept
// because contact pages are commonly marked that way.
func Links(doc *goquery.Document, pageURL *url.URL) []string {
	seen := make(map[string]bool)
	var links []string
	doc.Find("a[href]").Each(func(_ int, el *goquery.Selection) {
		href, _ := el.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		linkURL, err := pageURL.Parse(href)
		if err != nil {
			return
		}
		if linkURL.Scheme != "http" && linkURL.Scheme != "https" {
			return
		}
		linkURL.Fragment = ""
		abs := linkURL.String()
		if seen[abs] {
			return
		}
		seen[abs] = true
		links = append(links, abs)
	})
	return links
}

// MailtoAddresses returns the addresses of mailto: anchors in document order.
func MailtoAddresses(doc *goquery.Document) []string {
	seen := make(map[string]bool)
	var out []string
	doc.Find(`a[href^="mailto:"], a[href^="MAILTO:"]`).Each(func(_ int, el *goquery.Selection) {
		href, _ := el.Attr("href")
		raw := href[len("mailto:"):]
		if i := strings.IndexByte(raw, '?'); i >= 0 {
			raw = raw[:i]
		}
		raw, _ = url.PathUnescape(raw)
		for _, part := range strings.Split(raw, ",") {
			addr, err := mail.ParseAddress(strings.TrimSpace(part))
			if err != nil {
				continue
			}
			key := strings.ToLower(addr.Address)
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, addr.Address)
		}
	})
	return out
}
