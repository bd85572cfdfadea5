package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/scrutari/scrutari/internal/logger"
	"github.com/scrutari/scrutari/internal/rag"
)

// Answer methods, attached for downstream logging.
const (
	MethodRAG     = "rag"
	MethodDirect  = "direct"
	MethodGeneral = "general"
)

const (
	askTopK          = 4
	directByteBudget = 24000
)

// Answer is the outcome of a continuation question.
type Answer struct {
	Text   string `json:"text"`
	Method string `json:"method"`
}

// Markdown renders the answer for human consumption.
func (a *Answer) Markdown() string { return a.Text }

// RestoreReport re-registers a persisted report's text so continuation
// questions can run in a fresh process. Only the report section is
// available, so answers use direct analysis over it.
func (o *Orchestrator) RestoreReport(reportID, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	o.contexts[reportID] = &reportContext{
		sections: map[string]string{rag.SectionReport: text},
	}
}

const askSystemPrompt = `You answer follow-up questions about a completed due-diligence report. Ground answers in the provided context; when the context does not cover the question, say so rather than speculating.`

// Ask answers a follow-up question about a prior report. Retrieval is
// preferred; without an index it degrades to direct analysis over the
// retained corpus, and without that to a general answer.
func (o *Orchestrator) Ask(ctx context.Context, reportID, question string) (*Answer, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, fmt.Errorf("%w: empty question", ErrEmptyRequest)
	}

	if o.embedder != nil && o.indexes.Has(reportID) {
		hits, err := o.indexes.Search(ctx, reportID, question, askTopK, o.embedder)
		if err == nil && len(hits) > 0 {
			return o.answer(ctx, ragPrompt(hits, question), MethodRAG)
		}
		logger.Warn("retrieval failed, degrading to direct analysis",
			"report_id", reportID, "error", err)
	}

	o.mu.Lock()
	rc := o.contexts[reportID]
	o.mu.Unlock()
	if rc != nil {
		return o.answer(ctx, directPrompt(rc.sections, question), MethodDirect)
	}

	return o.answer(ctx, question, MethodGeneral)
}

func (o *Orchestrator) answer(ctx context.Context, prompt, method string) (*Answer, error) {
	text, err := o.generator.Generate(ctx, prompt, askSystemPrompt, "")
	if err != nil {
		return nil, err
	}
	return &Answer{Text: text, Method: method}, nil
}

func ragPrompt(hits []rag.SearchResult, question string) string {
	var b strings.Builder
	for i, hit := range hits {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(hit.Chunk.Text)
	}
	return b.String() + "\n\nQuestion: " + question
}

// directPrompt concatenates the retained sections in canonical corpus
// order, bounded by the total context budget.
func directPrompt(sections map[string]string, question string) string {
	var b strings.Builder
	for _, name := range rag.SectionOrder {
		text := strings.TrimSpace(sections[name])
		if text == "" {
			continue
		}
		remaining := directByteBudget - b.Len()
		if remaining <= 0 {
			break
		}
		if len(text) > remaining {
			text = cutAtRune(text, remaining)
		}
		fmt.Fprintf(&b, "## %s\n\n%s\n\n", name, text)
	}
	return strings.TrimSpace(b.String()) + "\n\nQuestion: " + question
}
