// Package entity extracts typed entities from source text with an
// extraction model, normalizes their offsets, and renders bounded
// summaries for prompt injection.
package entity

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"

	"github.com/scrutari/scrutari/internal/llm"
	"github.com/scrutari/scrutari/internal/logger"
)

// Classes is the fixed set of entity classes the extractor recognizes.
var Classes = []string{
	"person",
	"organization",
	"funding_round",
	"funding_amount",
	"metric",
	"date",
	"technology",
	"risk_factor",
	"partnership",
}

// Entity is one normalized extraction with absolute offsets into its
// source text.
type Entity struct {
	Class       string         `json:"class"`
	Text        string         `json:"text"`
	Attributes  map[string]any `json:"attributes,omitempty"`
	SourceStart int            `json:"source_start"`
	SourceEnd   int            `json:"source_end"`
	SourceID    string         `json:"source_id"`
	Confidence  float64        `json:"confidence,omitempty"`
}

// Result is the outcome of extracting one source. Extraction failures are
// not fatal: a failed run carries Success=false and a diagnostic Error.
type Result struct {
	Entities []Entity
	Success  bool
	Error    string
}

// Extractor runs entity extraction over sources, bounded by a shared
// semaphore across concurrent sources.
type Extractor struct {
	provider  llm.Provider
	chunkSize int
	passes    int
	sem       chan struct{}
}

// Option configures an Extractor.
type Option func(*Extractor)

// WithChunkSize overrides the chunk window size.
func WithChunkSize(n int) Option {
	return func(e *Extractor) {
		if n > 0 {
			e.chunkSize = n
		}
	}
}

// WithConcurrency overrides the cross-source concurrency bound.
func WithConcurrency(n int) Option {
	return func(e *Extractor) {
		if n > 0 {
			e.sem = make(chan struct{}, n)
		}
	}
}

// WithPasses overrides how many extraction passes run per chunk.
func WithPasses(n int) Option {
	return func(e *Extractor) {
		if n > 0 {
			e.passes = n
		}
	}
}

// NewExtractor creates an Extractor backed by provider. Environment
// variables ENTITY_MAX_CHUNK_SIZE, ENTITY_MAX_CONCURRENT and
// ENTITY_EXTRACTION_PASSES tune defaults; options win over both.
func NewExtractor(provider llm.Provider, opts ...Option) *Extractor {
	e := &Extractor{
		provider:  provider,
		chunkSize: envInt("ENTITY_MAX_CHUNK_SIZE", defaultChunkSize),
		passes:    envInt("ENTITY_EXTRACTION_PASSES", 1),
		sem:       make(chan struct{}, envInt("ENTITY_MAX_CONCURRENT", 3)),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return fallback
}

// Extract pulls entities out of text. Chunks within one source run
// sequentially; the semaphore bounds concurrency across sources.
func (e *Extractor) Extract(ctx context.Context, text, sourceID, sourceKind string) Result {
	if strings.TrimSpace(text) == "" {
		return Result{Success: true}
	}

	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		return Result{Error: ctx.Err().Error()}
	}

	seen := make(map[string]struct{})
	var entities []Entity

	for _, chunk := range chunkText(text, e.chunkSize) {
		for pass := 0; pass < e.passes; pass++ {
			extracted, err := e.extractChunk(ctx, chunk, sourceKind)
			if err != nil {
				logger.Warn("entity extraction failed",
					"source", sourceID, "chunk_start", chunk.Start, "error", err)
				if len(entities) == 0 {
					return Result{Error: err.Error()}
				}
				continue
			}
			for _, ent := range extracted {
				ent.SourceID = sourceID
				key := fmt.Sprintf("%s|%s|%d|%d|%s",
					ent.Class, ent.Text, ent.SourceStart, ent.SourceEnd, ent.SourceID)
				if _, dup := seen[key]; dup {
					continue
				}
				seen[key] = struct{}{}
				entities = append(entities, ent)
			}
		}
	}

	sort.Slice(entities, func(i, j int) bool {
		if entities[i].SourceStart != entities[j].SourceStart {
			return entities[i].SourceStart < entities[j].SourceStart
		}
		if entities[i].Class != entities[j].Class {
			return entities[i].Class < entities[j].Class
		}
		return entities[i].Text < entities[j].Text
	})

	return Result{Entities: entities, Success: true}
}

func (e *Extractor) extractChunk(ctx context.Context, chunk Chunk, sourceKind string) ([]Entity, error) {
	resp, err := e.provider.Complete(ctx, llm.CompletionRequest{
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: extractionSystemPrompt},
			{Role: llm.RoleUser, Content: buildExtractionPrompt(chunk.Text, sourceKind)},
		},
		Temperature: 0.1,
	})
	if err != nil {
		return nil, err
	}

	raw, err := parseExtractions(resp.Content)
	if err != nil {
		return nil, err
	}

	entities := make([]Entity, 0, len(raw))
	for _, r := range raw {
		if !validClass(r.Class) || strings.TrimSpace(r.Text) == "" {
			continue
		}
		for _, span := range resolveSpans(chunk, r) {
			entities = append(entities, Entity{
				Class:       r.Class,
				Text:        r.Text,
				Attributes:  r.Attributes,
				SourceStart: span[0],
				SourceEnd:   span[1],
				Confidence:  r.Confidence,
			})
		}
	}
	return entities, nil
}

// rawExtraction is one model-reported extraction before normalization.
// Offsets, when present, are relative to the chunk.
type rawExtraction struct {
	Class      string         `json:"class"`
	Text       string         `json:"text"`
	Attributes map[string]any `json:"attributes"`
	Start      *int           `json:"start"`
	End        *int           `json:"end"`
	Confidence float64        `json:"confidence"`
}

// parseExtractions tolerates the three response shapes models actually
// produce: {"extractions": [...]}, {"entities": [...]}, or a bare list.
func parseExtractions(content string) ([]rawExtraction, error) {
	content = stripCodeFence(content)

	var wrapper struct {
		Extractions []rawExtraction `json:"extractions"`
		Entities    []rawExtraction `json:"entities"`
	}
	if err := json.Unmarshal([]byte(content), &wrapper); err == nil {
		if wrapper.Extractions != nil {
			return wrapper.Extractions, nil
		}
		if wrapper.Entities != nil {
			return wrapper.Entities, nil
		}
	}

	var flat []rawExtraction
	if err := json.Unmarshal([]byte(content), &flat); err == nil {
		return flat, nil
	}
	return nil, fmt.Errorf("unrecognized extraction response shape")
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	return strings.TrimSpace(s)
}

// resolveSpans converts one extraction to absolute (start, end) pairs.
// With model offsets a single span results; without them every occurrence
// of the text in the chunk yields a span.
func resolveSpans(chunk Chunk, r rawExtraction) [][2]int {
	if r.Start != nil && r.End != nil && *r.Start >= 0 && *r.End > *r.Start && *r.End <= len(chunk.Text) {
		return [][2]int{{chunk.Start + *r.Start, chunk.Start + *r.End}}
	}

	var spans [][2]int
	offset := 0
	for {
		idx := strings.Index(chunk.Text[offset:], r.Text)
		if idx < 0 {
			break
		}
		start := offset + idx
		spans = append(spans, [2]int{chunk.Start + start, chunk.Start + start + len(r.Text)})
		offset = start + len(r.Text)
	}
	if spans == nil {
		// Text not literally present (model paraphrase); anchor to chunk start.
		spans = [][2]int{{chunk.Start, chunk.Start + len(r.Text)}}
	}
	return spans
}

func validClass(class string) bool {
	for _, c := range Classes {
		if c == class {
			return true
		}
	}
	return false
}

const extractionSystemPrompt = `You are a precise entity extraction engine for due-diligence research. Extract entities from the provided text and return ONLY a JSON object of the form {"extractions": [{"class": "...", "text": "...", "attributes": {...}, "start": <int>, "end": <int>}]}. Offsets are character positions within the provided text. Do not invent entities that are not present.`

func buildExtractionPrompt(text, sourceKind string) string {
	var b strings.Builder
	b.WriteString("Entity classes: ")
	b.WriteString(strings.Join(Classes, ", "))
	b.WriteString("\n\nExamples:\n")
	b.WriteString(`Text: "Acme raised a $12M Series A led by Example Ventures in March 2021."` + "\n")
	b.WriteString(`{"extractions": [` +
		`{"class": "organization", "text": "Acme", "start": 1, "end": 5}, ` +
		`{"class": "funding_amount", "text": "$12M", "start": 15, "end": 19}, ` +
		`{"class": "funding_round", "text": "Series A", "start": 20, "end": 28}, ` +
		`{"class": "organization", "text": "Example Ventures", "start": 36, "end": 52}, ` +
		`{"class": "date", "text": "March 2021", "start": 56, "end": 66}]}` + "\n\n")
	fmt.Fprintf(&b, "Source kind: %s\n\nText:\n%s", sourceKind, text)
	return b.String()
}
