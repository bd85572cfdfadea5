package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scrutari/scrutari/internal/crawl"
	"github.com/scrutari/scrutari/internal/deck"
	"github.com/scrutari/scrutari/internal/deep"
	"github.com/scrutari/scrutari/internal/document"
	"github.com/scrutari/scrutari/internal/entity"
	"github.com/scrutari/scrutari/internal/logger"
	"github.com/scrutari/scrutari/internal/rag"
	"github.com/scrutari/scrutari/internal/scrape"
)

// ErrAllSourcesFailed indicates every source failed and there was no
// query to research on its own.
var ErrAllSourcesFailed = errors.New("all sources failed")

const (
	defaultDeadline    = 10 * time.Minute
	defaultConcurrency = 5

	budgetDocument = 3000
	budgetWeb      = 2000
	budgetDeck     = 3000
)

// Collaborator surfaces. Concrete implementations live in their own
// packages; the orchestrator only needs these shapes.
type (
	// Scraper renders one URL to markdown.
	Scraper interface {
		Scrape(ctx context.Context, url string, forceRefresh bool) (*scrape.Result, error)
	}

	// DeckExtractor walks an access-gated deck.
	DeckExtractor interface {
		Extract(ctx context.Context, url, email, password string) (*deck.Extraction, error)
	}

	// SitemapDiscoverer lists a site's page URLs.
	SitemapDiscoverer interface {
		Discover(ctx context.Context, site string) ([]string, error)
	}

	// SiteCrawler collects readable pages from a start URL.
	SiteCrawler interface {
		Crawl(ctx context.Context, startURL string, maxPages, maxDepth int) ([]crawl.Page, error)
	}

	// EntityExtractor pulls typed entities out of source text.
	EntityExtractor interface {
		Extract(ctx context.Context, text, sourceID, sourceKind string) entity.Result
	}

	// Generator is the model call surface. The llm Router satisfies it.
	Generator interface {
		Generate(ctx context.Context, prompt, systemPrompt, modelOverride string) (string, error)
		PrimaryModel() string
	}
)

// pendingRun holds a deep run paused on a clarification question.
type pendingRun struct {
	req           *ResearchRequest
	sources       []*Source
	entitySummary string
}

// reportContext is what Ask needs after a report completes: the corpus
// sections for direct analysis, retained per report id.
type reportContext struct {
	sections map[string]string
}

// Orchestrator runs research requests end to end.
type Orchestrator struct {
	generator Generator
	scraper   Scraper
	decks     DeckExtractor
	sitemaps  SitemapDiscoverer
	crawler   SiteCrawler
	entities  EntityExtractor
	deepEng   deep.Engine

	indexes  *rag.Manager
	embedder rag.Embedder
	sink     Sink

	parseDocument func(ctx context.Context, filename string, data []byte) (*document.Extraction, error)

	deadline    time.Duration
	concurrency int

	mu       sync.Mutex
	pending  map[string]*pendingRun
	contexts map[string]*reportContext
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithScraper attaches the URL scraper.
func WithScraper(s Scraper) OrchestratorOption {
	return func(o *Orchestrator) { o.scraper = s }
}

// WithDeckExtractor attaches the deck extractor.
func WithDeckExtractor(d DeckExtractor) OrchestratorOption {
	return func(o *Orchestrator) { o.decks = d }
}

// WithSitemapDiscoverer attaches the sitemap resolver.
func WithSitemapDiscoverer(s SitemapDiscoverer) OrchestratorOption {
	return func(o *Orchestrator) { o.sitemaps = s }
}

// WithCrawler attaches the site crawler.
func WithCrawler(c SiteCrawler) OrchestratorOption {
	return func(o *Orchestrator) { o.crawler = c }
}

// WithEntityExtractor enables entity extraction for requests that ask
// for it.
func WithEntityExtractor(e EntityExtractor) OrchestratorOption {
	return func(o *Orchestrator) { o.entities = e }
}

// WithDeepEngine attaches the deep-research engine.
func WithDeepEngine(e deep.Engine) OrchestratorOption {
	return func(o *Orchestrator) { o.deepEng = e }
}

// WithEmbedder enables retrieval index builds over completed reports.
func WithEmbedder(e rag.Embedder) OrchestratorOption {
	return func(o *Orchestrator) { o.embedder = e }
}

// WithSink persists successful reports.
func WithSink(s Sink) OrchestratorOption {
	return func(o *Orchestrator) { o.sink = s }
}

// WithDeadline overrides the global per-request deadline.
func WithDeadline(d time.Duration) OrchestratorOption {
	return func(o *Orchestrator) {
		if d > 0 {
			o.deadline = d
		}
	}
}

// WithConcurrency overrides the ingestion fan-out bound.
func WithConcurrency(n int) OrchestratorOption {
	return func(o *Orchestrator) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// NewOrchestrator wires an Orchestrator around the model call surface.
// Every other collaborator is optional; requests needing an absent one
// fail only that source.
func NewOrchestrator(generator Generator, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		generator:     generator,
		indexes:       rag.NewManager(),
		parseDocument: document.Extract,
		deadline:      defaultDeadline,
		concurrency:   defaultConcurrency,
		pending:       make(map[string]*pendingRun),
		contexts:      make(map[string]*reportContext),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes one research request and always returns a Report; errors
// are carried on the Report rather than returned.
func (o *Orchestrator) Run(ctx context.Context, req *ResearchRequest) *Report {
	started := time.Now()
	report := &Report{ID: uuid.NewString(), Engine: string(ModeClassic)}

	if err := req.Validate(); err != nil {
		report.Error = err.Error()
		report.LatencyMS = time.Since(started).Milliseconds()
		return report
	}
	report.Engine = string(req.Mode)

	ctx, cancel := context.WithTimeout(ctx, o.deadline)
	defer cancel()

	sources := o.planSources(ctx, req)
	o.extractAll(ctx, req, sources)
	report.SourcesUsed = sources

	summary := o.entitySummary(ctx, req, sources)

	if allFailed(sources) && strings.TrimSpace(req.Query) == "" {
		report.Error = ErrAllSourcesFailed.Error()
		report.LatencyMS = time.Since(started).Milliseconds()
		return report
	}

	switch req.Mode {
	case ModeDeep:
		o.runDeep(ctx, req, sources, summary, report)
	default:
		o.runClassic(ctx, req, sources, summary, report)
	}

	report.LatencyMS = time.Since(started).Milliseconds()
	if report.Success {
		o.finish(ctx, req, sources, report)
	}
	return report
}

// planSources materializes the request's inputs as pending sources in
// submission order: documents, urls, sitemap discoveries, crawled pages,
// deck. Sitemap discovery and the crawl run here because they determine
// which sources exist.
func (o *Orchestrator) planSources(ctx context.Context, req *ResearchRequest) []*Source {
	var sources []*Source

	for _, doc := range req.Documents {
		s := newSource(SourceDocument, doc.Name)
		s.documentData = doc.Bytes
		sources = append(sources, s)
	}
	for _, u := range req.URLs {
		sources = append(sources, newSource(SourceWeb, u))
	}

	if req.SitemapRoot != "" {
		if o.sitemaps == nil {
			s := newSource(SourceWeb, req.SitemapRoot)
			s.fail("sitemap discovery not configured")
			sources = append(sources, s)
		} else if pages, err := o.sitemaps.Discover(ctx, req.SitemapRoot); err != nil {
			s := newSource(SourceWeb, req.SitemapRoot)
			s.fail(err.Error())
			sources = append(sources, s)
		} else {
			for _, page := range pages {
				sources = append(sources, newSource(SourceWeb, page))
			}
		}
	}

	if req.Crawl != nil {
		sources = append(sources, o.runCrawl(ctx, req)...)
	}

	if req.Deck != nil {
		s := newSource(SourceDeck, req.Deck.URL)
		s.deck = req.Deck
		sources = append(sources, s)
	}
	return sources
}

// runCrawl executes the crawl during planning; each collected page
// becomes an already-extracted web source.
func (o *Orchestrator) runCrawl(ctx context.Context, req *ResearchRequest) []*Source {
	if o.crawler == nil {
		s := newSource(SourceWeb, req.Crawl.StartURL)
		s.fail("crawling not configured")
		return []*Source{s}
	}

	maxPages := req.Crawl.MaxPages
	if maxPages <= 0 {
		maxPages = req.Config.CrawlLimit
	}
	pages, err := o.crawler.Crawl(ctx, req.Crawl.StartURL, maxPages, req.Crawl.MaxDepth)
	if err != nil && len(pages) == 0 {
		s := newSource(SourceWeb, req.Crawl.StartURL)
		s.fail(err.Error())
		return []*Source{s}
	}

	sources := make([]*Source, 0, len(pages))
	for _, page := range pages {
		s := newSource(SourceWeb, page.URL)
		s.complete(page.Text, map[string]any{
			"title":   page.Title,
			"depth":   page.Depth,
			"crawled": true,
		})
		sources = append(sources, s)
	}
	return sources
}

// extractAll fans extraction out across the pending sources under the
// concurrency bound and the global deadline.
func (o *Orchestrator) extractAll(ctx context.Context, req *ResearchRequest, sources []*Source) {
	sem := make(chan struct{}, o.concurrency)
	var wg sync.WaitGroup

	for _, s := range sources {
		if s.terminal() {
			continue
		}
		wg.Add(1)
		go func(s *Source) {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
				defer func() { <-sem }()
			case <-ctx.Done():
				s.fail("cancelled")
				return
			}
			o.extract(ctx, s)
		}(s)
	}
	wg.Wait()
}

// extract dispatches on the source kind.
func (o *Orchestrator) extract(ctx context.Context, s *Source) {
	if ctx.Err() != nil {
		s.fail("cancelled")
		return
	}
	s.start()

	switch s.Kind {
	case SourceDocument:
		res, err := o.parseDocument(ctx, s.Origin, s.documentData)
		if err != nil {
			o.failSource(ctx, s, err)
			return
		}
		s.complete(res.Text, map[string]any{
			"byte_count":       res.ByteCount,
			"extracted_length": res.ExtractedLength,
		})

	case SourceWeb:
		if o.scraper == nil {
			s.fail("scraping not configured")
			return
		}
		res, err := o.scraper.Scrape(ctx, s.Origin, false)
		if err != nil {
			o.failSource(ctx, s, err)
			return
		}
		s.complete(res.Content, res.Metadata)

	case SourceDeck:
		if o.decks == nil {
			s.fail("deck extraction not configured")
			return
		}
		res, err := o.decks.Extract(ctx, s.Origin, s.deck.Email, s.deck.Password)
		if err != nil {
			o.failSource(ctx, s, err)
			return
		}
		s.complete(res.Text, res.Metadata)
	}

	logger.Debug("source processed",
		"id", s.ID, "kind", s.Kind, "origin", s.Origin, "status", s.Status)
}

func (o *Orchestrator) failSource(ctx context.Context, s *Source, err error) {
	if ctx.Err() != nil {
		s.fail("cancelled")
		return
	}
	s.fail(err.Error())
	logger.Warn("source extraction failed",
		"kind", s.Kind, "origin", s.Origin, "error", err)
}

// entitySummary runs entity extraction over successful sources when the
// request asks for it, and renders the bounded summary.
func (o *Orchestrator) entitySummary(ctx context.Context, req *ResearchRequest, sources []*Source) string {
	if !req.Config.ExtractEntities || o.entities == nil {
		return ""
	}

	var (
		mu       sync.Mutex
		entities []entity.Entity
		wg       sync.WaitGroup
	)
	for _, s := range sources {
		if s.Status != StatusExtracted || strings.TrimSpace(s.Text) == "" {
			continue
		}
		wg.Add(1)
		go func(s *Source) {
			defer wg.Done()
			res := o.entities.Extract(ctx, s.Text, s.Origin, string(s.Kind))
			if !res.Success {
				logger.Warn("entity extraction failed", "source", s.Origin, "error", res.Error)
				return
			}
			mu.Lock()
			entities = append(entities, res.Entities...)
			mu.Unlock()
		}(s)
	}
	wg.Wait()

	return entity.Summarize(entities, 0)
}

const classicSystemPrompt = `You are a due-diligence research analyst. Analyze the provided materials and answer the research query with a structured markdown report. Ground every claim in the provided sources, cite them by name, and state plainly when the materials do not support a conclusion.`

// runClassic assembles the prompt in submission order and makes one
// model call.
func (o *Orchestrator) runClassic(ctx context.Context, req *ResearchRequest, sources []*Source, summary string, report *Report) {
	prompt := assemblePrompt(req.Query, sources, summary)

	text, err := o.generator.Generate(ctx, prompt, classicSystemPrompt, req.Config.Model)
	if err != nil {
		report.Error = err.Error()
		return
	}
	report.Text = text
	report.Success = true
	report.Citations = sourceCitations(sources)
}

const deepRequirements = `Research requirements: produce a comprehensive due-diligence report covering the company or subject in depth. Target several thousand words across background, product, market, financials, team and risks. Cite every source URL you rely on inline. Cross-check material claims across at least two sources where possible.`

// runDeep builds the deep-engine input, handles clarification pauses,
// and falls back to classic on engine failure.
func (o *Orchestrator) runDeep(ctx context.Context, req *ResearchRequest, sources []*Source, summary string, report *Report) {
	if o.deepEng == nil {
		logger.Warn("deep engine not configured, using classic")
		report.Engine = string(ModeClassic)
		report.FallbackUsed = true
		o.runClassic(ctx, req, sources, summary, report)
		return
	}

	out, err := o.deepEng.Research(ctx, deep.Input{
		Query:  deepInput(req.Query, sources, summary),
		Config: deepConfig(req.Config),
	})
	if err != nil {
		logger.Warn("deep engine failed, falling back to classic", "error", err)
		report.Engine = string(ModeClassic)
		report.FallbackUsed = true
		o.runClassic(ctx, req, sources, summary, report)
		return
	}

	if out.NeedsClarification {
		o.mu.Lock()
		o.pending[report.ID] = &pendingRun{req: req, sources: sources, entitySummary: summary}
		o.mu.Unlock()
		report.NeedsClarification = true
		report.ClarificationQuestion = out.ClarificationQuestion
		return
	}

	report.Text = out.Report
	report.Success = true
	report.Citations = sourceCitations(sources)
	for _, u := range out.Citations {
		report.Citations = append(report.Citations, Citation{
			ID:    uuid.NewString(),
			Type:  string(SourceWeb),
			Title: u,
			URL:   u,
		})
	}
}

// Continue resumes a deep run paused on a clarification. The response is
// folded into an enhanced query; the already-extracted sources and
// entity summary are reused without re-ingestion.
func (o *Orchestrator) Continue(ctx context.Context, reportID, clarificationResponse string) *Report {
	started := time.Now()
	report := &Report{ID: uuid.NewString(), Engine: string(ModeDeep)}

	o.mu.Lock()
	run, ok := o.pending[reportID]
	if ok {
		delete(o.pending, reportID)
	}
	o.mu.Unlock()
	if !ok {
		report.Error = fmt.Sprintf("no pending clarification for report %s", reportID)
		report.LatencyMS = time.Since(started).Milliseconds()
		return report
	}

	ctx, cancel := context.WithTimeout(ctx, o.deadline)
	defer cancel()

	// The entity summary is prepended so the engine does not re-extract.
	enhanced := run.req.Query + "\n\nClarification: " + clarificationResponse
	if run.entitySummary != "" {
		enhanced = run.entitySummary + "\n\n" + enhanced
	}
	report.SourcesUsed = run.sources
	o.runDeep(ctx, &ResearchRequest{
		Query:  enhanced,
		Mode:   ModeDeep,
		Config: run.req.Config,
	}, run.sources, "", report)

	report.LatencyMS = time.Since(started).Milliseconds()
	if report.Success {
		o.finish(ctx, run.req, run.sources, report)
	}
	return report
}

// finish builds the retrieval index, retains the corpus sections for
// continuation questions, and persists the report. All of it is
// best-effort: failures are logged, never fatal to the report.
func (o *Orchestrator) finish(ctx context.Context, req *ResearchRequest, sources []*Source, report *Report) {
	sections := corpusSections(report.Text, sources)

	o.mu.Lock()
	o.contexts[report.ID] = &reportContext{sections: sections}
	o.mu.Unlock()

	if o.embedder != nil {
		if _, err := o.indexes.Build(ctx, report.ID, sections, o.embedder); err != nil {
			logger.Warn("retrieval index build failed", "report_id", report.ID, "error", err)
		}
	}
	if o.sink != nil {
		if err := o.sink.Write(report); err != nil {
			logger.Warn("report persistence failed", "report_id", report.ID, "error", err)
		}
	}
}

// assemblePrompt renders the classic prompt: query first, then each
// source in submission order under its own heading, truncated to the
// per-kind budget, then the entity summary, then a note naming any
// unavailable sources.
func assemblePrompt(query string, sources []*Source, entitySummary string) string {
	var b strings.Builder
	if q := strings.TrimSpace(query); q != "" {
		b.WriteString("Research query: ")
		b.WriteString(q)
		b.WriteString("\n\n")
	}

	var failed []string
	for _, s := range sources {
		if s.Status == StatusFailed {
			failed = append(failed, s.Origin)
			continue
		}
		if s.Status != StatusExtracted || strings.TrimSpace(s.Text) == "" {
			continue
		}
		fmt.Fprintf(&b, "## Source: %s (%s)\n\n%s\n\n", s.Origin, s.Kind, truncateText(s.Text, budgetFor(s.Kind)))
	}

	if entitySummary != "" {
		b.WriteString("## Extracted Entities\n\n")
		b.WriteString(entitySummary)
		b.WriteString("\n\n")
	}
	if len(failed) > 0 {
		fmt.Fprintf(&b, "Note: the following sources were unavailable and are not reflected above: %s\n",
			strings.Join(failed, ", "))
	}
	return strings.TrimSpace(b.String())
}

// deepInput is the single text handed to the deep engine: query,
// requirements directive, truncated reference materials, entity summary.
func deepInput(query string, sources []*Source, entitySummary string) string {
	var b strings.Builder
	b.WriteString(strings.TrimSpace(query))
	b.WriteString("\n\n")
	b.WriteString(deepRequirements)

	for _, s := range sources {
		if s.Status != StatusExtracted || strings.TrimSpace(s.Text) == "" {
			continue
		}
		fmt.Fprintf(&b, "\n\n## Reference: %s (%s)\n\n%s", s.Origin, s.Kind, truncateText(s.Text, budgetFor(s.Kind)))
	}
	if entitySummary != "" {
		b.WriteString("\n\n")
		b.WriteString(entitySummary)
	}
	return b.String()
}

func deepConfig(cfg Config) deep.Config {
	return deep.Config{
		Breadth:      cfg.Breadth,
		Depth:        cfg.Depth,
		MaxToolCalls: cfg.MaxToolCalls,
		Model:        cfg.Model,
	}
}

func budgetFor(kind SourceKind) int {
	switch kind {
	case SourceDocument:
		return budgetDocument
	case SourceDeck:
		return budgetDeck
	default:
		return budgetWeb
	}
}

func truncateText(text string, budget int) string {
	if len(text) <= budget {
		return text
	}
	return cutAtRune(text, budget) + "\n[truncated]"
}

func sourceCitations(sources []*Source) []Citation {
	var citations []Citation
	for _, s := range sources {
		if s.Status == StatusExtracted {
			citations = append(citations, citationFor(s))
		}
	}
	return citations
}

func allFailed(sources []*Source) bool {
	if len(sources) == 0 {
		return false
	}
	for _, s := range sources {
		if s.Status != StatusFailed {
			return false
		}
	}
	return true
}

// corpusSections groups extracted text by retrieval section. Crawled
// pages are kept separate from scraped ones so the corpus order is
// stable across runs.
func corpusSections(reportText string, sources []*Source) map[string]string {
	parts := map[string][]string{}
	for _, s := range sources {
		if s.Status != StatusExtracted || strings.TrimSpace(s.Text) == "" {
			continue
		}
		section := ""
		switch s.Kind {
		case SourceDocument:
			section = rag.SectionDocuments
		case SourceDeck:
			section = rag.SectionDeck
		case SourceWeb:
			if crawled, ok := s.Metadata["crawled"].(bool); ok && crawled {
				section = rag.SectionCrawledWeb
			} else {
				section = rag.SectionScrapedWeb
			}
		}
		parts[section] = append(parts[section], s.Text)
	}

	sections := map[string]string{rag.SectionReport: reportText}
	for name, texts := range parts {
		sections[name] = strings.Join(texts, "\n\n")
	}
	return sections
}
