package page

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"github.com/go-shiori/go-readability"

	"github.com/leadforge/lead-scraper/pkg/utils"
)

// Content is the text view of one fetched page handed to the extractor.
type Content struct {
	URL      string
	Title    string
	Markdown string   // Page body converted to markdown, noise removed
	Headings []string // Markdown headings in document order
	Links    []string // Absolute http(s) links, deduplicated, document order
	Emails   []string // Addresses published through mailto: links
}

// noiseSelectors never carry contact data.
const noiseSelectors = "script, style, noscript, svg, iframe, template, link, meta"

// Parse converts an HTML body into extractor input. Links are collected from
// the untouched document so navigation menus still feed the frontier. Pages whose
// text is shorter than minLength characters return ErrContentTooShort along
// with the parsed content.
func Parse(body []byte, pageURL *url.URL, minLength int) (*Content, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: parsing HTML from '%s': %w", utils.ErrParsing, pageURL, err)
	}

	c := &Content{
		URL:    pageURL.String(),
		Title:  strings.TrimSpace(doc.Find("title").First().Text()),
		Links:  Links(doc, pageURL),
		Emails: MailtoAddresses(doc),
	}

	doc.Find(noiseSelectors).Remove()
	root := doc.Find("body")
	if root.Length() == 0 {
		root = doc.Selection
	}

	markdown, convErr := toMarkdown(root, pageURL)
	if convErr != nil {
		// Fall back to the readability article when the raw body cannot be converted
		markdown, convErr = readabilityMarkdown(body, pageURL, c)
		if convErr != nil {
			return nil, fmt.Errorf("%w: converting HTML from '%s': %w", utils.ErrParsing, pageURL, convErr)
		}
	}
	c.Markdown = utils.TidyText(markdown)
	c.Headings = Headings([]byte(c.Markdown))

	if c.Title == "" {
		if article, rErr := readability.FromReader(bytes.NewReader(body), pageURL); rErr == nil {
			c.Title = strings.TrimSpace(article.Title)
		}
	}

	if n := utils.RuneLen(c.Markdown); n < minLength {
		return c, fmt.Errorf("%w: %d characters (minimum %d) on '%s'", utils.ErrContentTooShort, n, minLength, pageURL)
	}
	return c, nil
}

func toMarkdown(sel *goquery.Selection, pageURL *url.URL) (string, error) {
	html, err := goquery.OuterHtml(sel)
	if err != nil {
		return "", err
	}
	converter := md.NewConverter(pageURL.Host, true, nil)
	return converter.ConvertString(html)
}

func readabilityMarkdown(body []byte, pageURL *url.URL, c *Content) (string, error) {
	article, err := readability.FromReader(bytes.NewReader(body), pageURL)
	if err != nil {
		return "", fmt.Errorf("readability extraction failed: %w", err)
	}
	if c.Title == "" {
		c.Title = strings.TrimSpace(article.Title)
	}
	if article.Content == "" {
		return article.TextContent, nil
	}
	converter := md.NewConverter(pageURL.Host, true, nil)
	out, err := converter.ConvertString(article.Content)
	if err != nil {
		return article.TextContent, nil
	}
	return out, nil
}
