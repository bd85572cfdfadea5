// Package scrape converts a URL into normalized markdown and HTML through a
// remote render service, handling both its synchronous and job-polling
// response modes, with results cached by URL.
package scrape

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/scrutari/scrutari/internal/cache"
	"github.com/scrutari/scrutari/internal/logger"
)

// Error types for distinguishing failure reasons.
var (
	// ErrInvalidURL indicates an unusable target URL.
	ErrInvalidURL = errors.New("invalid url")
	// ErrTransport indicates a network failure reaching the render service.
	ErrTransport = errors.New("render service unreachable")
	// ErrRenderHTTP indicates a non-2xx answer from the render service.
	ErrRenderHTTP = errors.New("render service error")
	// ErrRenderTimeout indicates the initial render call timed out.
	ErrRenderTimeout = errors.New("render request timed out")
	// ErrPollTimeout indicates the async job did not finish in budget.
	ErrPollTimeout = errors.New("render job polling timed out")
	// ErrPollFailed indicates the async job reported failure.
	ErrPollFailed = errors.New("render job failed")
)

const (
	renderTimeout   = 30 * time.Second
	pollTimeout     = 15 * time.Second
	pollDeadline    = 60 * time.Second
	maxPollAttempts = 10
	pollInitial     = 1 * time.Second
	pollFactor      = 1.5
	pollCap         = 10 * time.Second
)

// Result is the normalized scrape output.
type Result struct {
	Content  string         // markdown
	HTML     string
	Metadata map[string]any
}

// Client talks to the render service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	store      cache.Store

	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithCache attaches a result cache. Without one every call hits the
// render service.
func WithCache(store cache.Store) Option {
	return func(c *Client) { c.store = store }
}

// NewClient creates a scrape client for the render service at baseURL.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{},
		sleep:      sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// renderResponse is the render service's answer for both sync and async
// branches; absent fields stay zero.
type renderResponse struct {
	Success  bool           `json:"success"`
	ID       string         `json:"id"`
	URL      string         `json:"url"`
	Status   string         `json:"status"`
	Data     *renderData    `json:"data"`
	Metadata map[string]any `json:"metadata"`
	Error    string         `json:"error"`
}

type renderData struct {
	Markdown string         `json:"markdown"`
	HTML     string         `json:"html"`
	Metadata map[string]any `json:"metadata"`
}

// validPayload is the structural check applied to cached scrape records:
// an object with data.content and a metadata object.
func validPayload(payload map[string]any) bool {
	data, ok := payload["data"].(map[string]any)
	if !ok {
		return false
	}
	if _, ok := data["content"]; !ok {
		return false
	}
	_, ok = payload["metadata"].(map[string]any)
	return ok
}

// Scrape renders target and returns its markdown content. Results are
// cached under "scrape:<url>" unless forceRefresh is set.
func (c *Client) Scrape(ctx context.Context, target string, forceRefresh bool) (*Result, error) {
	parsed, err := url.Parse(target)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") || parsed.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, target)
	}

	key := "scrape:" + target
	if !forceRefresh && c.store != nil {
		if payload, ok := c.store.Get(ctx, key, validPayload); ok {
			logger.Debug("scrape cache hit", "url", target)
			return resultFromPayload(payload), nil
		}
	}

	result, err := c.render(ctx, target)
	if err != nil {
		c.cacheError(ctx, key, target, err)
		return nil, err
	}

	result.Metadata["scraped_at"] = time.Now().UTC().Format(time.RFC3339)
	result.Metadata["url"] = target
	if c.store != nil {
		c.store.Set(ctx, key, payloadFromResult(result))
	}
	return result, nil
}

func (c *Client) render(ctx context.Context, target string) (*Result, error) {
	body, _ := json.Marshal(map[string]any{
		"url":     target,
		"formats": []string{"markdown", "html"},
	})

	rctx, cancel := context.WithTimeout(ctx, renderTimeout)
	defer cancel()

	resp, err := c.post(rctx, c.baseURL+"/v1/scrape", body)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: %s", ErrRenderTimeout, target)
		}
		return nil, err
	}

	// Synchronous completion.
	if resp.Data != nil && resp.Data.Markdown != "" {
		return resultFromResponse(resp), nil
	}

	// Asynchronous job.
	if resp.Success && resp.ID != "" && resp.URL != "" {
		return c.poll(ctx, resp.URL)
	}

	return nil, fmt.Errorf("%w: unrecognized response for %s", ErrRenderHTTP, target)
}

// poll waits on an async render job with exponential backoff.
func (c *Client) poll(ctx context.Context, pollURL string) (*Result, error) {
	resolved := c.resolvePollURL(pollURL)
	deadline := time.Now().Add(pollDeadline)
	delay := pollInitial

	for attempt := 0; attempt < maxPollAttempts; attempt++ {
		if time.Now().After(deadline) {
			break
		}
		if err := c.sleep(ctx, delay); err != nil {
			return nil, err
		}
		delay = time.Duration(float64(delay) * pollFactor)
		if delay > pollCap {
			delay = pollCap
		}

		pctx, cancel := context.WithTimeout(ctx, pollTimeout)
		resp, err := c.get(pctx, resolved)
		cancel()
		if err != nil {
			logger.Debug("poll attempt failed", "url", resolved, "error", err)
			continue
		}

		if resp.Data != nil && resp.Data.Markdown != "" {
			return resultFromResponse(resp), nil
		}
		switch resp.Status {
		case "completed":
			// Completed with no markdown: nothing to extract.
			return nil, fmt.Errorf("%w: job completed without content", ErrPollFailed)
		case "failed":
			return nil, fmt.Errorf("%w: %s", ErrPollFailed, resp.Error)
		case "pending", "active", "running", "":
			// keep polling
		default:
			logger.Debug("unknown job status, continuing", "status", resp.Status)
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrPollTimeout, resolved)
}

func (c *Client) resolvePollURL(pollURL string) string {
	u, err := url.Parse(pollURL)
	if err != nil {
		return pollURL
	}
	if u.IsAbs() {
		return pollURL
	}
	base, err := url.Parse(c.baseURL)
	if err != nil {
		return pollURL
	}
	return base.ResolveReference(u).String()
}

func (c *Client) post(ctx context.Context, endpoint string, body []byte) (*renderResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return c.do(req)
}

func (c *Client) get(ctx context.Context, endpoint string) (*renderResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	return c.do(req)
}

func (c *Client) do(req *http.Request) (*renderResponse, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 32<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: status %d", ErrRenderHTTP, resp.StatusCode)
	}

	var parsed renderResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("%w: invalid JSON: %v", ErrRenderHTTP, err)
	}
	return &parsed, nil
}

func resultFromResponse(resp *renderResponse) *Result {
	metadata := resp.Metadata
	if metadata == nil && resp.Data != nil {
		metadata = resp.Data.Metadata
	}
	if metadata == nil {
		metadata = make(map[string]any)
	}
	return &Result{
		Content:  resp.Data.Markdown,
		HTML:     resp.Data.HTML,
		Metadata: metadata,
	}
}

func payloadFromResult(r *Result) map[string]any {
	return map[string]any{
		"data": map[string]any{
			"content": r.Content,
			"html":    r.HTML,
		},
		"metadata": r.Metadata,
	}
}

func resultFromPayload(payload map[string]any) *Result {
	data := payload["data"].(map[string]any)
	metadata, _ := payload["metadata"].(map[string]any)
	content, _ := data["content"].(string)
	html, _ := data["html"].(string)
	return &Result{Content: content, HTML: html, Metadata: metadata}
}

// cacheError records a failed scrape so repeat requests within the TTL do
// not hammer a broken target. The record keeps the required shape but is
// marked so reads can distinguish it.
func (c *Client) cacheError(ctx context.Context, key, target string, scrapeErr error) {
	if c.store == nil || errors.Is(scrapeErr, ErrInvalidURL) {
		return
	}
	c.store.Set(ctx, key, map[string]any{
		"data": map[string]any{"content": "", "html": ""},
		"metadata": map[string]any{
			"url":        target,
			"scraped_at": time.Now().UTC().Format(time.RFC3339),
			"error":      scrapeErr.Error(),
		},
	})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
