// Package deep runs multi-step research: the model iterates with
// web-search and page-fetch tools until it produces a grounded report.
package deep

import "context"

// Config shapes one deep-research run.
type Config struct {
	Breadth      int
	Depth        int
	MaxToolCalls int
	Model        string
}

// Input is the prepared research input.
type Input struct {
	Query  string
	Config Config
}

// Output is the engine outcome: a report, or a clarification request.
type Output struct {
	Report                string
	Citations             []string
	NeedsClarification    bool
	ClarificationQuestion string
}

// Engine is the deep-research collaborator.
type Engine interface {
	Research(ctx context.Context, input Input) (*Output, error)
}

// SearchResult is one web search hit.
type SearchResult struct {
	Title   string
	URL     string
	Snippet string
}

// Searcher answers web queries for the engine's search tool.
type Searcher interface {
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
}

// PageFetcher retrieves one page's readable text for the fetch tool.
type PageFetcher interface {
	FetchPage(ctx context.Context, url string) (string, error)
}
