// Package fetch implements a single-URL HTTP client hardened against
// anti-bot defenses: rotating browser headers, referer spoofing, randomized
// pacing, and challenge-aware retry with exponential backoff.
package fetch

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"compress/zlib"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/andybalholm/brotli"

	"github.com/scrutari/scrutari/internal/logger"
)

// Error types for distinguishing failure reasons.
// Check with errors.Is(err, fetch.ErrChallengeExhausted).
var (
	// ErrInvalidURL indicates the URL could not be parsed or has an
	// unsupported scheme.
	ErrInvalidURL = errors.New("invalid url")
	// ErrTransport indicates a network-level failure after all retries.
	ErrTransport = errors.New("transport error")
	// ErrChallengeExhausted indicates a bot challenge persisted through
	// every retry attempt.
	ErrChallengeExhausted = errors.New("bot challenge exhausted retries")
)

const (
	attemptTimeout = 15 * time.Second
	warmupTimeout  = 10 * time.Second
	maxBodySize    = 10 << 20 // 10 MiB
)

// challengeTokens are body substrings that mark a 403 as a bot challenge
// rather than a plain authorization failure.
var challengeTokens = []string{
	"cloudflare", "just a moment", "checking your browser", "ddos protection",
	"access denied", "blocked", "security check", "captcha", "ray id",
	"cf-ray", "please wait", "verifying", "challenge", "protection",
}

// terminalStatuses are returned to the caller without retrying.
var terminalStatuses = map[int]bool{
	http.StatusOK:                true,
	http.StatusNotFound:          true,
	http.StatusMovedPermanently:  true,
	http.StatusFound:             true,
	http.StatusTemporaryRedirect: true,
	http.StatusPermanentRedirect: true,
}

// Policy controls pacing and retry behavior for one fetch.
type Policy struct {
	// DelayRange bounds the random pre-attempt sleep, in seconds.
	DelayRange [2]float64
	// RetryCount is the number of retries after the first attempt.
	RetryCount int
	// Enhanced enables the full browser-mimicry header profile and the
	// longer challenge backoff schedule.
	Enhanced bool
}

// DefaultPolicy returns sensible defaults for cooperative sites.
func DefaultPolicy() Policy {
	return Policy{
		DelayRange: [2]float64{0.5, 1.5},
		RetryCount: 2,
	}
}

// Response is the outcome of a successful (or terminally classified) fetch.
type Response struct {
	URL        string
	StatusCode int
	Header     http.Header
	Body       []byte
	FetchedAt  time.Time
}

// Client performs paced, challenge-aware HTTP GETs.
type Client struct {
	httpClient  *http.Client
	challenging map[string]bool

	// sleep is swapped out in tests to avoid real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithChallengingDomains sets the hosts that force the enhanced profile.
// The set is matched against the request host and its parent domains.
func WithChallengingDomains(hosts []string) Option {
	return func(c *Client) {
		c.challenging = make(map[string]bool, len(hosts))
		for _, h := range hosts {
			c.challenging[strings.ToLower(h)] = true
		}
	}
}

// NewClient creates a fetch client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout: attemptTimeout,
			// Redirect statuses are terminal per policy; surface them
			// instead of following.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		challenging: make(map[string]bool),
		sleep:       sleepCtx,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch retrieves rawURL under the given policy. Terminal statuses (200,
// 404, and redirects) are returned as-is; transient statuses and bot
// challenges are retried until the policy's budget runs out, at which point
// the last response is returned.
func (c *Client) Fetch(ctx context.Context, rawURL string, policy Policy) (*Response, error) {
	target, err := url.Parse(rawURL)
	if err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, rawURL)
	}

	if c.isChallenging(target.Host) {
		policy.Enhanced = true
		if policy.RetryCount < 4 {
			policy.RetryCount = 4
		}
		logger.Debug("challenging domain, forcing enhanced profile",
			"host", target.Host, "retries", policy.RetryCount)
	}

	var (
		last        *Response
		lastErr     error
		challenged  bool
		warmupTried bool
	)

	attempts := policy.RetryCount + 1
	for attempt := 0; attempt < attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if err := c.sleep(ctx, c.attemptDelay(policy, attempt, challenged)); err != nil {
			return nil, err
		}

		if policy.Enhanced && !warmupTried {
			warmupTried = true
			c.warmup(ctx, target)
		}

		resp, err := c.attempt(ctx, target, policy.Enhanced)
		if err != nil {
			lastErr = err
			logger.Debug("fetch attempt failed",
				"url", rawURL, "attempt", attempt+1, "error", err)
			continue
		}
		last = resp

		if resp.StatusCode == http.StatusForbidden && isChallengeBody(resp.Body) {
			challenged = true
			logger.Debug("bot challenge detected",
				"url", rawURL, "attempt", attempt+1)
			continue
		}

		if terminalStatuses[resp.StatusCode] {
			return resp, nil
		}
		logger.Debug("retryable status", "url", rawURL, "status", resp.StatusCode)
	}

	if last != nil {
		if challenged && last.StatusCode == http.StatusForbidden {
			return last, fmt.Errorf("%w: %s", ErrChallengeExhausted, rawURL)
		}
		// Exhausted retries on a non-terminal status: surface as-is.
		return last, nil
	}
	return nil, fmt.Errorf("%w: %v", ErrTransport, lastErr)
}

// attemptDelay computes the pre-attempt sleep. First attempts use the
// policy's jitter range; retries escalate, and challenge retries escalate
// harder.
func (c *Client) attemptDelay(policy Policy, attempt int, challenged bool) time.Duration {
	var seconds float64
	switch {
	case challenged:
		seconds = uniform(5, 12)*math.Pow(2, float64(attempt)) + uniform(0, 3)
	case attempt > 0 && policy.Enhanced:
		seconds = uniform(3, 8) * math.Pow(1.5, float64(attempt))
	default:
		seconds = uniform(policy.DelayRange[0], policy.DelayRange[1])
	}
	return time.Duration(seconds * float64(time.Second))
}

// warmup issues a throwaway HEAD so the TLS session and any CDN cookies are
// established before the real GET. Failures are ignored.
func (c *Client) warmup(ctx context.Context, target *url.URL) {
	hctx, cancel := context.WithTimeout(ctx, warmupTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(hctx, http.MethodHead, target.String(), nil)
	if err != nil {
		return
	}
	req.Header.Set("User-Agent", randomUserAgent())
	resp, err := c.httpClient.Do(req)
	if err != nil {
		logger.Debug("warmup HEAD failed", "host", target.Host, "error", err)
		return
	}
	resp.Body.Close()
}

func (c *Client) attempt(ctx context.Context, target *url.URL, enhanced bool) (*Response, error) {
	actx, cancel := context.WithTimeout(ctx, attemptTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(actx, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, err
	}
	for k, v := range synthesizeHeaders(target, enhanced) {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, err
	}

	header := resp.Header.Clone()
	if enc := header.Get("Content-Encoding"); enc != "" {
		body = decompress(enc, body)
		header.Del("Content-Encoding")
	}

	return &Response{
		URL:        target.String(),
		StatusCode: resp.StatusCode,
		Header:     header,
		Body:       body,
		FetchedAt:  time.Now(),
	}, nil
}

// decompress reverses the response's Content-Encoding. The header bundles
// advertise encodings explicitly, which turns off the transport's
// transparent gzip handling, so the body arrives compressed. Undecodable
// bodies are returned as-is.
func decompress(encoding string, body []byte) []byte {
	var r io.Reader
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "identity":
		return body
	case "gzip", "x-gzip":
		gz, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return body
		}
		defer gz.Close()
		r = gz
	case "deflate":
		// Some origins send raw deflate streams without the zlib wrapper.
		if zr, err := zlib.NewReader(bytes.NewReader(body)); err == nil {
			defer zr.Close()
			r = zr
		} else {
			fr := flate.NewReader(bytes.NewReader(body))
			defer fr.Close()
			r = fr
		}
	case "br":
		r = brotli.NewReader(bytes.NewReader(body))
	default:
		return body
	}
	decoded, err := io.ReadAll(io.LimitReader(r, maxBodySize))
	if err != nil {
		return body
	}
	return decoded
}

func (c *Client) isChallenging(host string) bool {
	host = strings.ToLower(host)
	for host != "" {
		if c.challenging[host] {
			return true
		}
		i := strings.IndexByte(host, '.')
		if i < 0 {
			break
		}
		host = host[i+1:]
	}
	return false
}

// isChallengeBody reports whether a 403 body looks like a bot challenge.
func isChallengeBody(body []byte) bool {
	lowered := strings.ToLower(string(body))
	for _, token := range challengeTokens {
		if strings.Contains(lowered, token) {
			return true
		}
	}
	return false
}

func uniform(lo, hi float64) float64 {
	if hi <= lo {
		return lo
	}
	return lo + rand.Float64()*(hi-lo)
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
