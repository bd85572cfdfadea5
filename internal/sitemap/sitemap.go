// Package sitemap discovers the page URLs of a site by walking its sitemap
// tree: robots.txt directives first, well-known locations second, then a
// bounded breadth-first traversal across nested sitemap indexes.
package sitemap

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/scrutari/scrutari/internal/fetch"
	"github.com/scrutari/scrutari/internal/logger"
)

const (
	maxSitemaps     = 50 // total sitemaps processed per discovery
	maxDepth        = 5  // nesting levels below the seeds
	maxSitemapBytes = 32 << 20

	robotsTimeout  = 15 * time.Second
	sitemapTimeout = 25 * time.Second
)

// Well-known sitemap locations probed when robots.txt names none.
var wellKnownPaths = []string{
	"/sitemap_index.xml",
	"/sitemaps.xml",
	"/sitemap-index.xml",
	"/wp-sitemap.xml",
	"/sitemap/sitemap.xml",
	"/sitemap/index.xml",
	"/sitemap1.xml",
	"/sitemap.xml.gz",
	"/sitemap_index.xml.gz",
	"/post-sitemap.xml",
	"/page-sitemap.xml",
}

// Secondary locations used by documentation and localized sites.
var secondaryPaths = []string{
	"/docs/sitemap.xml",
	"/blog/sitemap.xml",
	"/en/sitemap.xml",
	"/news-sitemap.xml",
	"/static/sitemap.xml",
	"/public/sitemap.xml",
	"/main-sitemap.xml",
	"/category-sitemap.xml",
	"/product-sitemap.xml",
	"/site-map.xml",
	"/sitemapindex.xml",
}

// Namespace literals stripped before parsing so element lookups need no
// prefix handling.
var strippedNamespaces = []string{
	`xmlns="http://www.sitemaps.org/schemas/sitemap/0.9"`,
	`xmlns:image="http://www.google.com/schemas/sitemap-image/1.1"`,
}

// Resolver walks a site's sitemap tree.
type Resolver struct {
	client *fetch.Client
	policy fetch.Policy
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithPolicy overrides the fetch policy used for every sitemap request.
func WithPolicy(p fetch.Policy) Option {
	return func(r *Resolver) { r.policy = p }
}

// NewResolver creates a resolver on top of the given fetch client.
func NewResolver(client *fetch.Client, opts ...Option) *Resolver {
	r := &Resolver{
		client: client,
		policy: fetch.Policy{
			DelayRange: [2]float64{0.2, 0.8},
			RetryCount: 1,
		},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type queueItem struct {
	url   string
	depth int
}

// Discover returns the sorted, deduplicated page URLs reachable from the
// site's sitemaps. Only URLs on the site's own authority are kept.
func (r *Resolver) Discover(ctx context.Context, site string) ([]string, error) {
	target, err := url.Parse(site)
	if err != nil || target.Host == "" {
		return nil, fmt.Errorf("%w: %q", fetch.ErrInvalidURL, site)
	}

	seeds := r.seedsFromRobots(ctx, target)
	if len(seeds) == 0 {
		seeds = append(seeds, target.Scheme+"://"+target.Host+"/sitemap.xml")
		seeds = append(seeds, r.probeWellKnown(ctx, target)...)
	}

	pages := make(map[string]bool)
	visited := make(map[string]bool)
	queue := make([]queueItem, 0, len(seeds))
	for _, s := range seeds {
		queue = append(queue, queueItem{url: s})
	}

	processed := 0
	for len(queue) > 0 && processed < maxSitemaps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		item := queue[0]
		queue = queue[1:]
		if visited[item.url] || item.depth >= maxDepth {
			continue
		}
		visited[item.url] = true
		processed++

		body, err := r.fetchSitemap(ctx, item.url)
		if err != nil {
			logger.Debug("sitemap fetch failed", "url", item.url, "error", err)
			continue
		}

		children, locs, err := parseSitemap(body, item.url)
		if err != nil {
			logger.Debug("sitemap parse failed", "url", item.url, "error", err)
			continue
		}

		for _, child := range children {
			if !visited[child] {
				queue = append(queue, queueItem{url: child, depth: item.depth + 1})
			}
		}
		for _, loc := range locs {
			if sameAuthority(loc, target) {
				pages[loc] = true
			}
		}
	}

	out := make([]string, 0, len(pages))
	for p := range pages {
		out = append(out, p)
	}
	sort.Strings(out)
	logger.Info("sitemap discovery complete",
		"site", site, "sitemaps", processed, "pages", len(out))
	return out, nil
}

// seedsFromRobots collects Sitemap: directives from robots.txt, trying
// HTTPS before HTTP.
func (r *Resolver) seedsFromRobots(ctx context.Context, target *url.URL) []string {
	rctx, cancel := context.WithTimeout(ctx, robotsTimeout)
	defer cancel()

	for _, scheme := range []string{"https", "http"} {
		robotsURL := scheme + "://" + target.Host + "/robots.txt"
		resp, err := r.client.Fetch(rctx, robotsURL, r.policy)
		if err != nil || resp.StatusCode != 200 {
			continue
		}
		if seeds := parseRobots(resp.Body); len(seeds) > 0 {
			return seeds
		}
		// robots.txt exists but names no sitemaps: no point retrying
		// the other scheme.
		return nil
	}
	return nil
}

// parseRobots extracts sitemap URLs from a robots.txt body.
func parseRobots(body []byte) []string {
	var seeds []string
	for _, line := range strings.Split(string(body), "\n") {
		line = strings.TrimSpace(line)
		if len(line) < 8 || !strings.EqualFold(line[:8], "sitemap:") {
			continue
		}
		arg := strings.TrimSpace(line[8:])
		if arg != "" {
			seeds = append(seeds, arg)
		}
	}
	return seeds
}

// probeWellKnown checks the fixed location lists and keeps any that answer
// 200 with an XML body.
func (r *Resolver) probeWellKnown(ctx context.Context, target *url.URL) []string {
	var found []string
	base := target.Scheme + "://" + target.Host
	for _, path := range append(append([]string{}, wellKnownPaths...), secondaryPaths...) {
		if err := ctx.Err(); err != nil {
			break
		}
		probe := base + path
		resp, err := r.client.Fetch(ctx, probe, r.policy)
		if err != nil || resp.StatusCode != 200 {
			continue
		}
		if body, err := decodeBody(resp.Body); err == nil && startsWithXML(body) {
			found = append(found, probe)
		}
	}
	return found
}

func (r *Resolver) fetchSitemap(ctx context.Context, sitemapURL string) ([]byte, error) {
	sctx, cancel := context.WithTimeout(ctx, sitemapTimeout)
	defer cancel()

	resp, err := r.client.Fetch(sctx, sitemapURL, r.policy)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != 200 {
		return nil, fmt.Errorf("sitemap %s: status %d", sitemapURL, resp.StatusCode)
	}
	return decodeBody(resp.Body)
}

type indexDoc struct {
	XMLName  xml.Name `xml:"sitemapindex"`
	Sitemaps []locDoc `xml:"sitemap"`
}

type urlsetDoc struct {
	XMLName xml.Name `xml:"urlset"`
	URLs    []locDoc `xml:"url"`
}

type locDoc struct {
	Loc string `xml:"loc"`
}

// parseSitemap distinguishes an index from a urlset and returns child
// sitemap URLs and page URLs respectively, resolved against base.
func parseSitemap(body []byte, base string) (children, pages []string, err error) {
	cleaned := body
	for _, ns := range strippedNamespaces {
		cleaned = bytes.ReplaceAll(cleaned, []byte(ns), nil)
	}

	baseURL, err := url.Parse(base)
	if err != nil {
		return nil, nil, err
	}

	var idx indexDoc
	if err := xml.Unmarshal(cleaned, &idx); err == nil && len(idx.Sitemaps) > 0 {
		for _, s := range idx.Sitemaps {
			if resolved := resolveLoc(baseURL, s.Loc); resolved != "" {
				children = append(children, resolved)
			}
		}
		return children, nil, nil
	}

	var set urlsetDoc
	if err := xml.Unmarshal(cleaned, &set); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrInvalidResponseShape, err)
	}
	for _, u := range set.URLs {
		if resolved := resolveLoc(baseURL, u.Loc); resolved != "" {
			pages = append(pages, resolved)
		}
	}
	return nil, pages, nil
}

func resolveLoc(base *url.URL, loc string) string {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return ""
	}
	ref, err := url.Parse(loc)
	if err != nil {
		return ""
	}
	return base.ResolveReference(ref).String()
}

// sameAuthority reports whether the page URL belongs to the target site.
// The bare and www forms of a host are treated as the same authority.
func sameAuthority(page string, target *url.URL) bool {
	u, err := url.Parse(page)
	if err != nil {
		return false
	}
	return normalizeHost(u.Hostname()) == normalizeHost(target.Hostname())
}

func normalizeHost(h string) string {
	return strings.TrimPrefix(strings.ToLower(h), "www.")
}
