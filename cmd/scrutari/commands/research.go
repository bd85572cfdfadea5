package commands

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/scrutari/scrutari/internal/output"
	"github.com/scrutari/scrutari/pkg/scrutari"
)

var researchCmd = &cobra.Command{
	Use:   "research [query]",
	Short: "Run a research request and print the report",
	Long: `Research runs the full pipeline over the provided inputs: documents
are parsed, URLs scraped, sitemap roots expanded, decks extracted, and
the aggregate handed to the model.

Examples:
  # Classic single-shot research
  scrutari research "Evaluate Acme Corp" --doc pitch.pdf --url "https://acme.example"

  # Deep research, answering a clarification inline
  scrutari research "Analyze Foo" --mode deep --clarification "Focus on tokenomics"

  # Ask a follow-up against the finished report in the same run
  scrutari research "Evaluate Acme" --doc pitch.pdf --ask "What are the main risks?"`,
	Args: cobra.MaximumNArgs(1),
	RunE: runResearch,
}

func init() {
	rootCmd.AddCommand(researchCmd)
	flags := researchCmd.Flags()

	flags.String("mode", "classic", "research mode: classic, deep")
	flags.StringSlice("doc", nil, "document file(s) to ingest (pdf, docx, txt, md)")
	flags.StringSliceP("url", "u", nil, "URL(s) to scrape")
	flags.String("sitemap-root", "", "site whose sitemap pages should be scraped")
	flags.String("crawl-url", "", "start URL for a bounded same-domain crawl")
	flags.Int("crawl-max-pages", 0, "crawl page bound (default 10)")
	flags.Int("crawl-max-depth", 0, "crawl depth bound (default 2)")
	flags.String("deck-url", "", "access-gated deck URL")
	flags.String("deck-email", "", "email for deck access")
	flags.String("deck-password", "", "password for deck access")

	flags.StringP("model", "m", "", "model identifier (provider-prefixed)")
	flags.Int("breadth", 0, "deep mode: parallel search breadth")
	flags.Int("depth", 0, "deep mode: research depth")
	flags.Int("max-tool-calls", 0, "deep mode: tool call budget")
	flags.Bool("extract-entities", false, "run entity extraction over sources")
	flags.String("max-doc-size", "10MB", "reject documents larger than this")

	flags.String("clarification", "", "answer used if the deep engine asks for clarification")
	flags.String("ask", "", "follow-up question to answer after the report")

	flags.StringP("output", "o", "", "output file (default: stdout)")
	flags.String("format", "markdown", "output format: markdown, json, yaml")
	flags.String("report-dir", "", "directory to persist reports into")
	flags.String("cache-dir", "", "directory for the scrape cache")
	flags.Duration("timeout", 10*time.Minute, "global research deadline")
	flags.Bool("no-deck-browser", false, "disable the headless-browser deck extractor")
}

func runResearch(cmd *cobra.Command, args []string) error {
	flags := cmd.Flags()
	query := ""
	if len(args) > 0 {
		query = args[0]
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	req, err := buildRequest(cmd, query)
	if err != nil {
		logError("%v", err)
		return err
	}

	var opts []scrutari.Option
	if model, _ := flags.GetString("model"); model != "" {
		opts = append(opts, scrutari.WithModel(model))
	}
	if dir, _ := flags.GetString("cache-dir"); dir != "" {
		opts = append(opts, scrutari.WithCacheDir(dir))
	}
	if dir, _ := flags.GetString("report-dir"); dir != "" {
		opts = append(opts, scrutari.WithReportDir(dir))
	}
	if timeout, _ := flags.GetDuration("timeout"); timeout > 0 {
		opts = append(opts, scrutari.WithDeadline(timeout))
	}
	if noDeck, _ := flags.GetBool("no-deck-browser"); noDeck {
		opts = append(opts, scrutari.WithoutDeck())
	}

	client, err := scrutari.New(opts...)
	if err != nil {
		logError("%v", err)
		return err
	}

	logInfo("Researching (%s mode)...", req.Mode)
	report := client.Research(ctx, req)

	if report.NeedsClarification {
		if answer, _ := flags.GetString("clarification"); answer != "" {
			logInfo("Clarification requested: %s", report.ClarificationQuestion)
			logInfo("Continuing with: %s", answer)
			report = client.Continue(ctx, report.ID, answer)
		} else {
			logInfo("Clarification needed: %s", report.ClarificationQuestion)
			logInfo("Re-run with --clarification to answer it.")
		}
	}

	if !report.Success && !report.NeedsClarification {
		logError("research failed: %s", report.Error)
	} else {
		logInfo("Report %s ready in %s (%d sources, %d citations)",
			report.ID, time.Duration(report.LatencyMS)*time.Millisecond,
			len(report.SourcesUsed), len(report.Citations))
	}

	if err := emit(cmd, report); err != nil {
		return err
	}

	if question, _ := flags.GetString("ask"); question != "" && report.Success {
		answer, err := client.Ask(ctx, report.ID, question)
		if err != nil {
			logError("follow-up failed: %v", err)
			return err
		}
		logInfo("Follow-up answered via %s", answer.Method)
		return emit(cmd, answer)
	}
	return nil
}

func buildRequest(cmd *cobra.Command, query string) (*scrutari.ResearchRequest, error) {
	flags := cmd.Flags()

	mode, _ := flags.GetString("mode")
	urls, _ := flags.GetStringSlice("url")
	sitemapRoot, _ := flags.GetString("sitemap-root")

	req := &scrutari.ResearchRequest{
		Query:       query,
		Mode:        scrutari.ModeClassic,
		URLs:        urls,
		SitemapRoot: sitemapRoot,
	}
	if mode == string(scrutari.ModeDeep) {
		req.Mode = scrutari.ModeDeep
	}

	maxDocRaw, _ := flags.GetString("max-doc-size")
	maxDoc, err := humanize.ParseBytes(maxDocRaw)
	if err != nil {
		return nil, fmt.Errorf("invalid --max-doc-size %q: %w", maxDocRaw, err)
	}

	docs, _ := flags.GetStringSlice("doc")
	for _, path := range docs {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read document: %w", err)
		}
		if maxDoc > 0 && uint64(len(data)) > maxDoc {
			return nil, fmt.Errorf("document %s is %s, above the %s limit",
				path, humanize.Bytes(uint64(len(data))), humanize.Bytes(maxDoc))
		}
		req.Documents = append(req.Documents, scrutari.DocumentInput{
			Name:  filepath.Base(path),
			Bytes: data,
		})
	}

	if crawlURL, _ := flags.GetString("crawl-url"); crawlURL != "" {
		maxPages, _ := flags.GetInt("crawl-max-pages")
		maxDepth, _ := flags.GetInt("crawl-max-depth")
		req.Crawl = &scrutari.CrawlSpec{StartURL: crawlURL, MaxPages: maxPages, MaxDepth: maxDepth}
	}
	if deckURL, _ := flags.GetString("deck-url"); deckURL != "" {
		email, _ := flags.GetString("deck-email")
		password, _ := flags.GetString("deck-password")
		req.Deck = &scrutari.DeckSpec{URL: deckURL, Email: email, Password: password}
	}

	req.Config.Model, _ = flags.GetString("model")
	req.Config.Breadth, _ = flags.GetInt("breadth")
	req.Config.Depth, _ = flags.GetInt("depth")
	req.Config.MaxToolCalls, _ = flags.GetInt("max-tool-calls")
	req.Config.ExtractEntities, _ = flags.GetBool("extract-entities")
	return req, nil
}

// emit writes one value in the requested format to the configured
// destination.
func emit(cmd *cobra.Command, value any) error {
	flags := cmd.Flags()
	format, _ := flags.GetString("format")

	dest := os.Stdout
	if path, _ := flags.GetString("output"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		dest = f
	}

	w, err := output.NewWriter(dest, output.Format(format))
	if err != nil {
		return err
	}
	if err := w.Write(value); err != nil {
		return err
	}
	return w.Flush()
}
