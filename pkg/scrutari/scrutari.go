// Package scrutari is the embeddable entry point for the research
// pipeline: it wires the scraper, sitemap resolver, crawler, deck
// extractor, entity extractor, deep engine and LLM router into one
// client.
package scrutari

import (
	"context"
	"fmt"
	"os"
	"runtime/debug"

	"github.com/scrutari/scrutari/internal/cache"
	"github.com/scrutari/scrutari/internal/crawl"
	"github.com/scrutari/scrutari/internal/deck"
	"github.com/scrutari/scrutari/internal/deep"
	"github.com/scrutari/scrutari/internal/entity"
	"github.com/scrutari/scrutari/internal/fetch"
	"github.com/scrutari/scrutari/internal/llm"
	"github.com/scrutari/scrutari/internal/pipeline"
	"github.com/scrutari/scrutari/internal/rag"
	"github.com/scrutari/scrutari/internal/scrape"
	"github.com/scrutari/scrutari/internal/sitemap"
)

// Re-exported request and report shapes so consumers need not import
// the pipeline package directly.
type (
	ResearchRequest = pipeline.ResearchRequest
	Report          = pipeline.Report
	Answer          = pipeline.Answer
	DocumentInput   = pipeline.DocumentInput
	CrawlSpec       = pipeline.CrawlSpec
	DeckSpec        = pipeline.DeckSpec
	RequestConfig   = pipeline.Config
)

// Modes.
const (
	ModeClassic = pipeline.ModeClassic
	ModeDeep    = pipeline.ModeDeep
)

// Version returns the module version consumers pulled via go get.
func Version() string {
	if info, ok := debug.ReadBuildInfo(); ok {
		return info.Main.Version
	}
	return "(unknown)"
}

// Client runs research requests.
type Client struct {
	orchestrator *pipeline.Orchestrator
	sitemaps     *sitemap.Resolver
}

// New wires a Client. Collaborators that lack configuration are left
// out; requests that need them fail only the affected sources.
func New(opts ...Option) (*Client, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	routerCfg := llm.ConfigFromEnv()
	if cfg.Model != "" {
		routerCfg.PrimaryModel = cfg.Model
	}
	if cfg.FallbackModel != "" {
		routerCfg.FallbackModel = cfg.FallbackModel
	}
	router, err := llm.NewRouter(routerCfg)
	if err != nil {
		return nil, fmt.Errorf("scrutari: %w", err)
	}

	var store cache.Store
	if cfg.CacheDir != "" {
		store, err = cache.NewFileStore(cfg.CacheDir)
		if err != nil {
			return nil, fmt.Errorf("scrutari: %w", err)
		}
	} else {
		store = cache.NewMemoryStore()
	}

	fetchClient := fetch.NewClient()
	resolver := sitemap.NewResolver(fetchClient)

	// Entity extraction goes straight to Anthropic when a key is present;
	// otherwise it shares the router's primary model.
	var entityProvider llm.Provider = router.Provider("")
	if key := os.Getenv("ANTHROPIC_API_KEY"); key != "" {
		if p, err := llm.NewAnthropicProvider(llm.ProviderConfig{APIKey: key}); err == nil {
			entityProvider = p
		}
	}

	orchOpts := []pipeline.OrchestratorOption{
		pipeline.WithSitemapDiscoverer(resolver),
		pipeline.WithCrawler(crawl.New()),
		pipeline.WithEntityExtractor(entity.NewExtractor(entityProvider)),
		pipeline.WithDeadline(cfg.Deadline),
		pipeline.WithConcurrency(cfg.Concurrency),
	}

	var scrapeClient *scrape.Client
	if cfg.RenderBaseURL != "" {
		scrapeClient = scrape.NewClient(cfg.RenderBaseURL, cfg.RenderAPIKey, scrape.WithCache(store))
		orchOpts = append(orchOpts, pipeline.WithScraper(scrapeClient))
	}
	if !cfg.DisableDeck {
		orchOpts = append(orchOpts, pipeline.WithDeckExtractor(deck.NewExtractor()))
	}
	if cfg.SearxNGURL != "" && scrapeClient != nil {
		engine := deep.NewToolLoopEngine(router,
			deep.NewSearxNG(cfg.SearxNGURL),
			&deep.ScrapeFetcher{Client: scrapeClient})
		orchOpts = append(orchOpts, pipeline.WithDeepEngine(engine))
	}

	embedder := cfg.Embedder
	if embedder == nil && os.Getenv("EMBEDDING_API_KEY") != "" {
		embedder = rag.NewOpenAIEmbedder("", "", "")
	}
	if embedder != nil {
		orchOpts = append(orchOpts, pipeline.WithEmbedder(embedder))
	}
	if cfg.ReportDir != "" {
		orchOpts = append(orchOpts, pipeline.WithSink(&pipeline.DirSink{Dir: cfg.ReportDir}))
	}

	return &Client{
		orchestrator: pipeline.NewOrchestrator(router, orchOpts...),
		sitemaps:     resolver,
	}, nil
}

// Research runs one request end to end. Errors are carried on the
// Report rather than returned.
func (c *Client) Research(ctx context.Context, req *ResearchRequest) *Report {
	return c.orchestrator.Run(ctx, req)
}

// Continue resumes a deep run that paused on a clarification question.
func (c *Client) Continue(ctx context.Context, reportID, clarificationResponse string) *Report {
	return c.orchestrator.Continue(ctx, reportID, clarificationResponse)
}

// Ask answers a follow-up question about a completed report.
func (c *Client) Ask(ctx context.Context, reportID, question string) (*Answer, error) {
	return c.orchestrator.Ask(ctx, reportID, question)
}

// Restore registers a previously persisted report's text so Ask can
// ground answers on it in a fresh process.
func (c *Client) Restore(reportID, reportText string) {
	c.orchestrator.RestoreReport(reportID, reportText)
}

// Discover lists the page URLs of a site through its sitemaps.
func (c *Client) Discover(ctx context.Context, site string) ([]string, error) {
	return c.sitemaps.Discover(ctx, site)
}
