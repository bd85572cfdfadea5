package rag

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"github.com/philippgille/chromem-go"

	"github.com/scrutari/scrutari/internal/logger"
)

var (
	// ErrNoContext indicates no index exists for the requested report.
	ErrNoContext = errors.New("no context for report")
	// ErrModelMismatch indicates a query embedder that differs from the
	// model the index was built with.
	ErrModelMismatch = errors.New("embedding model mismatch")
	// ErrEmptyCorpus indicates there was nothing to index.
	ErrEmptyCorpus = errors.New("empty corpus")
)

// Chunk is one indexed corpus slice with its offset into the corpus text.
type Chunk struct {
	Offset int
	Text   string
}

// SearchResult is one similarity hit.
type SearchResult struct {
	Chunk      Chunk
	Similarity float32
}

// Index is a per-report dense-vector index. Immutable once built.
type Index struct {
	ReportID string
	ModelID  string

	chunks     []Chunk
	collection *chromem.Collection
}

// Len returns the number of indexed chunks.
func (ix *Index) Len() int { return len(ix.chunks) }

// Manager holds the process-wide set of built indexes keyed by report id.
type Manager struct {
	mu      sync.RWMutex
	db      *chromem.DB
	indexes map[string]*Index
}

// NewManager creates an in-memory index manager.
func NewManager() *Manager {
	return &Manager{
		db:      chromem.NewDB(),
		indexes: make(map[string]*Index),
	}
}

// Build chunks the section map, embeds every chunk, and registers the
// resulting index under reportID. Rebuilding an existing report id
// replaces the previous index.
func (m *Manager) Build(ctx context.Context, reportID string, sections map[string]string, embedder Embedder) (*Index, error) {
	corpus := BuildCorpus(sections)
	chunks := splitChunks(corpus)
	if len(chunks) == 0 {
		return nil, ErrEmptyCorpus
	}

	vectors, err := embedder.EmbedBatch(ctx, chunks)
	if err != nil {
		return nil, fmt.Errorf("build index %s: %w", reportID, err)
	}
	if len(vectors) != len(chunks) {
		return nil, fmt.Errorf("build index %s: %d vectors for %d chunks", reportID, len(vectors), len(chunks))
	}

	name := "report_" + reportID
	m.mu.Lock()
	defer m.mu.Unlock()

	// Drop any previous build for this report before re-creating.
	if _, exists := m.indexes[reportID]; exists {
		if err := m.db.DeleteCollection(name); err != nil {
			logger.Warn("failed to drop stale index collection", "report_id", reportID, "error", err)
		}
	}

	collection, err := m.db.GetOrCreateCollection(name, nil, rejectEmbedding)
	if err != nil {
		return nil, fmt.Errorf("build index %s: %w", reportID, err)
	}

	docs := make([]chromem.Document, len(chunks))
	offset := 0
	indexed := make([]Chunk, len(chunks))
	for i, text := range chunks {
		indexed[i] = Chunk{Offset: offset, Text: text}
		offset += len(text)
		docs[i] = chromem.Document{
			ID:        fmt.Sprintf("%s-%d", reportID, i),
			Content:   text,
			Metadata:  map[string]string{"offset": fmt.Sprint(indexed[i].Offset)},
			Embedding: vectors[i],
		}
	}
	if err := collection.AddDocuments(ctx, docs, runtime.NumCPU()); err != nil {
		return nil, fmt.Errorf("build index %s: %w", reportID, err)
	}

	ix := &Index{
		ReportID:   reportID,
		ModelID:    embedder.ModelID(),
		chunks:     indexed,
		collection: collection,
	}
	m.indexes[reportID] = ix
	logger.Info("rag index built",
		"report_id", reportID, "chunks", len(indexed), "model", ix.ModelID)
	return ix, nil
}

// Has reports whether an index exists for reportID.
func (m *Manager) Has(reportID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.indexes[reportID]
	return ok
}

// Search embeds query with embedder and returns the top-k most similar
// chunks of reportID's index. The embedder must match the model the index
// was built with.
func (m *Manager) Search(ctx context.Context, reportID, query string, k int, embedder Embedder) ([]SearchResult, error) {
	m.mu.RLock()
	ix, ok := m.indexes[reportID]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoContext, reportID)
	}
	if embedder.ModelID() != ix.ModelID {
		return nil, fmt.Errorf("%w: index built with %s, query uses %s",
			ErrModelMismatch, ix.ModelID, embedder.ModelID())
	}

	vectors, err := embedder.EmbedBatch(ctx, []string{query})
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", reportID, err)
	}

	if k > len(ix.chunks) {
		k = len(ix.chunks)
	}
	hits, err := ix.collection.QueryEmbedding(ctx, vectors[0], k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("search %s: %w", reportID, err)
	}

	results := make([]SearchResult, 0, len(hits))
	for _, hit := range hits {
		results = append(results, SearchResult{
			Chunk:      Chunk{Text: hit.Content, Offset: atoiOr(hit.Metadata["offset"], 0)},
			Similarity: hit.Similarity,
		})
	}
	return results, nil
}

// rejectEmbedding is installed as the collection embedding function; all
// vectors are pre-computed, so reaching it is a bug.
func rejectEmbedding(ctx context.Context, text string) ([]float32, error) {
	return nil, errors.New("vectors must be pre-computed")
}

func atoiOr(s string, fallback int) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return fallback
		}
		n = n*10 + int(r-'0')
	}
	if s == "" {
		return fallback
	}
	return n
}
