// Package crawl walks a site from a start URL, collecting readable page
// text up to page and depth bounds. It stays on the start URL's domain.
package crawl

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly/v2"

	"github.com/scrutari/scrutari/internal/logger"
)

// ErrInvalidStartURL indicates an unusable crawl seed.
var ErrInvalidStartURL = errors.New("invalid start url")

const (
	defaultMaxPages = 10
	defaultMaxDepth = 2
	requestTimeout  = 20 * time.Second
	crawlUserAgent  = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
)

// Page is one crawled page's readable content.
type Page struct {
	URL   string
	Title string
	Text  string
	Depth int
}

// Crawler performs bounded same-domain crawls.
type Crawler struct {
	maxPages int
	maxDepth int
	delay    time.Duration
}

// Option configures a Crawler.
type Option func(*Crawler)

// WithLimits overrides the page and depth bounds.
func WithLimits(maxPages, maxDepth int) Option {
	return func(c *Crawler) {
		if maxPages > 0 {
			c.maxPages = maxPages
		}
		if maxDepth > 0 {
			c.maxDepth = maxDepth
		}
	}
}

// WithDelay sets the inter-request delay.
func WithDelay(d time.Duration) Option {
	return func(c *Crawler) { c.delay = d }
}

// New creates a Crawler.
func New(opts ...Option) *Crawler {
	c := &Crawler{
		maxPages: defaultMaxPages,
		maxDepth: defaultMaxDepth,
		delay:    200 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Crawl visits startURL and same-domain links reachable from it. Non-positive
// maxPages or maxDepth fall back to the Crawler's configured bounds. Pages
// are returned in visit order.
func (c *Crawler) Crawl(ctx context.Context, startURL string, maxPages, maxDepth int) ([]Page, error) {
	seed, err := url.Parse(startURL)
	if err != nil || (seed.Scheme != "http" && seed.Scheme != "https") || seed.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStartURL, startURL)
	}
	if maxPages <= 0 {
		maxPages = c.maxPages
	}
	if maxDepth <= 0 {
		maxDepth = c.maxDepth
	}

	host := strings.TrimPrefix(seed.Hostname(), "www.")
	collector := colly.NewCollector(
		colly.UserAgent(crawlUserAgent),
		colly.MaxDepth(maxDepth+1),
		colly.AllowedDomains(host, "www."+host),
		colly.Async(false),
	)
	collector.SetRequestTimeout(requestTimeout)
	if err := collector.Limit(&colly.LimitRule{
		DomainGlob: "*",
		Delay:      c.delay,
	}); err != nil {
		return nil, err
	}

	var mu sync.Mutex
	var pages []Page

	collector.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
			return
		}
		mu.Lock()
		full := len(pages) >= maxPages
		mu.Unlock()
		if full {
			r.Abort()
		}
	})

	collector.OnResponse(func(r *colly.Response) {
		contentType := r.Headers.Get("Content-Type")
		if contentType != "" && !strings.Contains(contentType, "html") {
			return
		}
		title, text := readableText(string(r.Body))
		if strings.TrimSpace(text) == "" {
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if len(pages) >= maxPages {
			return
		}
		pages = append(pages, Page{
			URL:   r.Request.URL.String(),
			Title: title,
			Text:  text,
			Depth: r.Request.Depth - 1,
		})
	})

	collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
		mu.Lock()
		full := len(pages) >= maxPages
		mu.Unlock()
		if full || ctx.Err() != nil {
			return
		}
		link := e.Request.AbsoluteURL(e.Attr("href"))
		if link == "" || strings.HasPrefix(link, "mailto:") {
			return
		}
		var alreadyVisited *colly.AlreadyVisitedError
		if err := e.Request.Visit(link); err != nil &&
			!errors.As(err, &alreadyVisited) &&
			!errors.Is(err, colly.ErrMaxDepth) &&
			!errors.Is(err, colly.ErrForbiddenDomain) {
			logger.Debug("crawl link skipped", "url", link, "error", err)
		}
	})

	collector.OnError(func(r *colly.Response, err error) {
		logger.Debug("crawl request failed", "url", r.Request.URL.String(), "error", err)
	})

	if err := collector.Visit(seed.String()); err != nil {
		return nil, fmt.Errorf("crawl %s: %w", startURL, err)
	}
	collector.Wait()

	if ctx.Err() != nil {
		return pages, ctx.Err()
	}
	return pages, nil
}

// readableText strips scripts, styles and navigation chrome and returns
// the page title plus whitespace-normalized body text.
func readableText(html string) (string, string) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", ""
	}
	title := strings.TrimSpace(doc.Find("title").First().Text())
	doc.Find("script, style, noscript, nav, footer, header, iframe").Remove()

	body := doc.Find("body")
	if body.Length() == 0 {
		return title, ""
	}
	return title, normalizeWhitespace(body.Text())
}

func normalizeWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	for _, line := range lines {
		if t := strings.Join(strings.Fields(line), " "); t != "" {
			out = append(out, t)
		}
	}
	return strings.Join(out, "\n")
}
