package rag

import (
	"context"
	"errors"
	"strings"
	"testing"
)

// hashEmbedder produces deterministic vectors without a network call.
type hashEmbedder struct {
	model string
}

func (e *hashEmbedder) ModelID() string { return e.model }

func (e *hashEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		vec := make([]float32, 8)
		for j, r := range text {
			vec[j%8] += float32(r%17) + 1
		}
		// Unit-normalize so cosine similarity behaves.
		var norm float32
		for _, v := range vec {
			norm += v * v
		}
		if norm > 0 {
			inv := 1 / sqrt32(norm)
			for j := range vec {
				vec[j] *= inv
			}
		}
		out[i] = vec
	}
	return out, nil
}

func sqrt32(x float32) float32 {
	guess := x / 2
	for i := 0; i < 20; i++ {
		guess = (guess + x/guess) / 2
	}
	return guess
}

func TestBuildCorpus_SectionOrder(t *testing.T) {
	sections := map[string]string{
		SectionDeck:       "deck text",
		SectionDocuments:  "doc text",
		SectionReport:     "report text",
		SectionCrawledWeb: "crawl text",
	}
	corpus := BuildCorpus(sections)

	order := []string{"## Report", "## Documents", "## Crawled Web", "## Deck"}
	last := -1
	for _, heading := range order {
		idx := strings.Index(corpus, heading)
		if idx < 0 {
			t.Fatalf("missing heading %q in corpus", heading)
		}
		if idx < last {
			t.Errorf("heading %q out of order", heading)
		}
		last = idx
	}
	if strings.Contains(corpus, "## Scraped Web") {
		t.Error("empty section should be skipped")
	}
}

func TestSplitChunks_SizeAndParagraphs(t *testing.T) {
	para := strings.Repeat("word ", 100) // 500 chars
	text := strings.Join([]string{para, para, para, para, para}, "\n\n")

	chunks := splitChunks(text)
	if len(chunks) < 2 {
		t.Fatalf("chunks = %d, want >= 2", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > chunkSize {
			t.Errorf("chunk %d length = %d, want <= %d", i, len(c), chunkSize)
		}
	}
	if splitChunks("") != nil {
		t.Error("empty text should yield no chunks")
	}
}

func TestBuild_ChunkVectorParity(t *testing.T) {
	m := NewManager()
	embedder := &hashEmbedder{model: "test-model"}

	sections := map[string]string{
		SectionReport:    strings.Repeat("alpha beta gamma. ", 200),
		SectionDocuments: strings.Repeat("delta epsilon. ", 150),
	}
	ix, err := m.Build(context.Background(), "r1", sections, embedder)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if ix.Len() == 0 {
		t.Fatal("index has no chunks")
	}
	if ix.ModelID != "test-model" {
		t.Errorf("ModelID = %q", ix.ModelID)
	}
	if !m.Has("r1") {
		t.Error("Has(r1) = false")
	}
}

func TestBuild_EmptyCorpus(t *testing.T) {
	m := NewManager()
	_, err := m.Build(context.Background(), "r1", map[string]string{}, &hashEmbedder{model: "m"})
	if !errors.Is(err, ErrEmptyCorpus) {
		t.Errorf("error = %v, want ErrEmptyCorpus", err)
	}
}

func TestSearch_UnknownReportIsNoContext(t *testing.T) {
	m := NewManager()
	_, err := m.Search(context.Background(), "nope", "q", 4, &hashEmbedder{model: "m"})
	if !errors.Is(err, ErrNoContext) {
		t.Errorf("error = %v, want ErrNoContext", err)
	}
}

func TestSearch_ModelMismatchRefused(t *testing.T) {
	m := NewManager()
	if _, err := m.Build(context.Background(), "r1",
		map[string]string{SectionReport: "some findings about the company"},
		&hashEmbedder{model: "model-a"}); err != nil {
		t.Fatal(err)
	}

	_, err := m.Search(context.Background(), "r1", "query", 4, &hashEmbedder{model: "model-b"})
	if !errors.Is(err, ErrModelMismatch) {
		t.Errorf("error = %v, want ErrModelMismatch", err)
	}
}

func TestSearch_ReturnsRankedChunks(t *testing.T) {
	m := NewManager()
	embedder := &hashEmbedder{model: "m"}

	sections := map[string]string{
		SectionReport:     strings.Repeat("funding round and valuation details. ", 60),
		SectionScrapedWeb: strings.Repeat("unrelated website boilerplate text. ", 60),
	}
	if _, err := m.Build(context.Background(), "r1", sections, embedder); err != nil {
		t.Fatal(err)
	}

	results, err := m.Search(context.Background(), "r1", "funding round and valuation details.", 2, embedder)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(results) == 0 {
		t.Fatal("no results")
	}
	for i := 1; i < len(results); i++ {
		if results[i].Similarity > results[i-1].Similarity {
			t.Error("results not ranked by similarity")
		}
	}
}

func TestBuild_ReplacesExistingIndex(t *testing.T) {
	m := NewManager()
	embedder := &hashEmbedder{model: "m"}
	ctx := context.Background()

	if _, err := m.Build(ctx, "r1", map[string]string{SectionReport: "first corpus build"}, embedder); err != nil {
		t.Fatal(err)
	}
	ix, err := m.Build(ctx, "r1", map[string]string{SectionReport: "second corpus build"}, embedder)
	if err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if ix.Len() != 1 {
		t.Errorf("rebuilt index chunks = %d, want 1", ix.Len())
	}

	results, err := m.Search(ctx, "r1", "second corpus build", 5, embedder)
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range results {
		if strings.Contains(r.Chunk.Text, "first corpus") {
			t.Error("stale chunk survived rebuild")
		}
	}
}
