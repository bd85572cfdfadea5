package deep

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/scrutari/scrutari/internal/llm"
	"github.com/scrutari/scrutari/internal/logger"
	"github.com/scrutari/scrutari/internal/scrape"
)

const clarificationPrefix = "CLARIFICATION_NEEDED:"

const deepSystemPrompt = `You are a thorough due-diligence researcher. Use the web_search tool to find relevant sources and the fetch_page tool to read them. Cross-check claims across sources before asserting them. When you have gathered enough evidence, write a comprehensive report in markdown with inline citations of the URLs you used.

If the research question is too ambiguous to research meaningfully, respond with a single line starting with "` + clarificationPrefix + `" followed by one clarifying question, and do not call any tools.`

// ChatClient is the tool-capable chat surface the engine drives. The llm
// Router satisfies it.
type ChatClient interface {
	ChatWithTools(ctx context.Context, messages []llm.Message, tools []llm.Tool, model, toolChoice string, temperature float64) (*llm.ChatResult, error)
}

// ToolLoopEngine is the default Engine: an agentic loop over web_search
// and fetch_page, bounded by the configured tool-call budget.
type ToolLoopEngine struct {
	chat     ChatClient
	searcher Searcher
	fetcher  PageFetcher
}

// NewToolLoopEngine wires the default deep-research engine.
func NewToolLoopEngine(chat ChatClient, searcher Searcher, fetcher PageFetcher) *ToolLoopEngine {
	return &ToolLoopEngine{chat: chat, searcher: searcher, fetcher: fetcher}
}

func (e *ToolLoopEngine) tools() []llm.Tool {
	return []llm.Tool{
		llm.NewTool("web_search", "Search the web. Returns titles, URLs and snippets.",
			map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string"},
				},
				"required": []string{"query"},
			}),
		llm.NewTool("fetch_page", "Fetch one web page and return its readable text.",
			map[string]any{
				"type": "object",
				"properties": map[string]any{
					"url": map[string]any{"type": "string"},
				},
				"required": []string{"url"},
			}),
	}
}

// Research implements Engine.
func (e *ToolLoopEngine) Research(ctx context.Context, input Input) (*Output, error) {
	cfg := input.Config
	if cfg.MaxToolCalls <= 0 {
		cfg.MaxToolCalls = 10
	}
	if cfg.Breadth <= 0 {
		cfg.Breadth = 4
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: deepSystemPrompt},
		{Role: llm.RoleUser, Content: input.Query},
	}

	var citations []string
	cited := make(map[string]struct{})
	toolCalls := 0

	for turn := 0; ; turn++ {
		toolChoice := ""
		if toolCalls >= cfg.MaxToolCalls {
			// Budget exhausted: force a final answer. The tools array stays
			// in the request; endpoints reject tool_choice without it.
			toolChoice = "none"
		}

		result, err := e.chat.ChatWithTools(ctx, messages, e.tools(), cfg.Model, toolChoice, 0.3)
		if err != nil {
			return nil, fmt.Errorf("deep research turn %d: %w", turn, err)
		}

		if len(result.ToolCalls) == 0 {
			content := strings.TrimSpace(result.Content)
			if question, ok := parseClarification(content); ok {
				return &Output{NeedsClarification: true, ClarificationQuestion: question}, nil
			}
			return &Output{Report: content, Citations: citations}, nil
		}

		messages = append(messages, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   result.Content,
			ToolCalls: result.ToolCalls,
		})

		for _, call := range result.ToolCalls {
			if toolCalls >= cfg.MaxToolCalls {
				messages = append(messages, toolReply(call, "tool budget exhausted; write the report now"))
				continue
			}
			toolCalls++
			reply := e.execute(ctx, call, cfg.Breadth, cited, &citations)
			messages = append(messages, toolReply(call, reply))
		}
	}
}

func (e *ToolLoopEngine) execute(ctx context.Context, call llm.ToolCall, breadth int, cited map[string]struct{}, citations *[]string) string {
	switch call.Function.Name {
	case "web_search":
		var args struct {
			Query string `json:"query"`
		}
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil || args.Query == "" {
			return "error: web_search requires a query argument"
		}
		results, err := e.searcher.Search(ctx, args.Query, breadth)
		if err != nil {
			logger.Debug("web search failed", "query", args.Query, "error", err)
			return "error: " + err.Error()
		}
		if len(results) == 0 {
			return "no results"
		}
		var b strings.Builder
		for i, r := range results {
			fmt.Fprintf(&b, "%d. %s\n   %s\n   %s\n", i+1, r.Title, r.URL, r.Snippet)
		}
		return b.String()

	case "fetch_page":
		var args struct {
			URL string `json:"url"`
		}
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil || args.URL == "" {
			return "error: fetch_page requires a url argument"
		}
		text, err := e.fetcher.FetchPage(ctx, args.URL)
		if err != nil {
			logger.Debug("page fetch failed", "url", args.URL, "error", err)
			return "error: " + err.Error()
		}
		if _, dup := cited[args.URL]; !dup {
			cited[args.URL] = struct{}{}
			*citations = append(*citations, args.URL)
		}
		if len(text) > 12000 {
			cut := 12000
			for cut > 0 && !utf8.RuneStart(text[cut]) {
				cut--
			}
			text = text[:cut] + "\n[truncated]"
		}
		return text

	default:
		return fmt.Sprintf("error: unknown tool %q", call.Function.Name)
	}
}

func toolReply(call llm.ToolCall, content string) llm.Message {
	return llm.Message{
		Role:       llm.RoleTool,
		Content:    content,
		ToolCallID: call.ID,
		Name:       call.Function.Name,
	}
}

func parseClarification(content string) (string, bool) {
	if !strings.HasPrefix(content, clarificationPrefix) {
		return "", false
	}
	question := strings.TrimSpace(strings.TrimPrefix(content, clarificationPrefix))
	if question == "" {
		return "", false
	}
	if idx := strings.IndexByte(question, '\n'); idx > 0 {
		question = strings.TrimSpace(question[:idx])
	}
	return question, true
}

// ScrapeFetcher adapts the scrape client to the PageFetcher tool surface.
type ScrapeFetcher struct {
	Client *scrape.Client
}

// FetchPage implements PageFetcher.
func (f *ScrapeFetcher) FetchPage(ctx context.Context, url string) (string, error) {
	res, err := f.Client.Scrape(ctx, url, false)
	if err != nil {
		return "", err
	}
	return res.Content, nil
}
