package scrutari

import (
	"os"
	"time"

	"github.com/scrutari/scrutari/internal/rag"
)

// Config collects everything New needs to wire a client. Zero values
// fall back to environment variables and built-in defaults.
type Config struct {
	// Model overrides LLM_PRIMARY_MODEL for this client.
	Model string
	// FallbackModel overrides LLM_FALLBACK_MODEL.
	FallbackModel string

	// RenderBaseURL and RenderAPIKey locate the remote render service
	// used for scraping. Defaults: RENDER_BASE_URL / RENDER_API_KEY.
	RenderBaseURL string
	RenderAPIKey  string

	// SearxNGURL enables the deep engine's web search. Default:
	// SEARXNG_URL.
	SearxNGURL string

	// CacheDir holds the scrape cache. Empty means in-memory only.
	CacheDir string
	// ReportDir, when set, persists successful reports as markdown.
	ReportDir string

	// Embedder overrides the retrieval embedder. Nil with embedding
	// credentials present builds the OpenAI-compatible default; without
	// credentials retrieval indexing is disabled.
	Embedder rag.Embedder

	// Deadline bounds one research run end to end.
	Deadline time.Duration
	// Concurrency bounds the ingestion fan-out.
	Concurrency int

	// DisableDeck skips wiring the headless-browser deck extractor.
	DisableDeck bool
}

// DefaultConfig resolves the environment-backed defaults.
func DefaultConfig() Config {
	return Config{
		RenderBaseURL: os.Getenv("RENDER_BASE_URL"),
		RenderAPIKey:  os.Getenv("RENDER_API_KEY"),
		SearxNGURL:    os.Getenv("SEARXNG_URL"),
	}
}

// Option configures a Client.
type Option func(*Config)

// WithModel sets the primary model identifier.
func WithModel(model string) Option {
	return func(c *Config) { c.Model = model }
}

// WithFallbackModel sets the fallback model identifier.
func WithFallbackModel(model string) Option {
	return func(c *Config) { c.FallbackModel = model }
}

// WithRenderService points the scraper at a render service.
func WithRenderService(baseURL, apiKey string) Option {
	return func(c *Config) {
		c.RenderBaseURL = baseURL
		c.RenderAPIKey = apiKey
	}
}

// WithSearxNG enables deep-mode web search through a SearxNG instance.
func WithSearxNG(baseURL string) Option {
	return func(c *Config) { c.SearxNGURL = baseURL }
}

// WithCacheDir enables the persistent scrape cache.
func WithCacheDir(dir string) Option {
	return func(c *Config) { c.CacheDir = dir }
}

// WithReportDir persists successful reports to dir.
func WithReportDir(dir string) Option {
	return func(c *Config) { c.ReportDir = dir }
}

// WithEmbedder replaces the retrieval embedder.
func WithEmbedder(e rag.Embedder) Option {
	return func(c *Config) { c.Embedder = e }
}

// WithDeadline bounds one research run.
func WithDeadline(d time.Duration) Option {
	return func(c *Config) { c.Deadline = d }
}

// WithConcurrency bounds the ingestion fan-out.
func WithConcurrency(n int) Option {
	return func(c *Config) { c.Concurrency = n }
}

// WithoutDeck disables deck extraction (no browser dependency).
func WithoutDeck() Option {
	return func(c *Config) { c.DisableDeck = true }
}
