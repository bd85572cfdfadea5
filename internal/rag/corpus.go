// Package rag builds per-report vector indexes over the aggregate research
// corpus and answers similarity queries against them.
package rag

import "strings"

// Section names for corpus assembly. Concatenation order is fixed so the
// corpus text for a given set of inputs is deterministic.
const (
	SectionReport     = "Report"
	SectionDocuments  = "Documents"
	SectionScrapedWeb = "Scraped Web"
	SectionCrawledWeb = "Crawled Web"
	SectionDeck       = "Deck"
	SectionDeep       = "Deep Research Content"
)

// SectionOrder is the canonical assembly order.
var SectionOrder = []string{
	SectionReport,
	SectionDocuments,
	SectionScrapedWeb,
	SectionCrawledWeb,
	SectionDeck,
	SectionDeep,
}

const chunkSize = 1500

// BuildCorpus concatenates section-headed blocks in canonical order.
// Empty sections are skipped.
func BuildCorpus(sections map[string]string) string {
	var b strings.Builder
	for _, name := range SectionOrder {
		text := strings.TrimSpace(sections[name])
		if text == "" {
			continue
		}
		b.WriteString("## ")
		b.WriteString(name)
		b.WriteString("\n\n")
		b.WriteString(text)
		b.WriteString("\n\n")
	}
	return strings.TrimSpace(b.String())
}

// splitChunks cuts text into pieces of at most chunkSize characters,
// cutting at paragraph breaks where one falls in the second half of the
// window.
func splitChunks(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var chunks []string
	for len(text) > chunkSize {
		cut := chunkSize
		if idx := strings.LastIndex(text[:chunkSize], "\n\n"); idx >= chunkSize/2 {
			cut = idx + 2
		}
		chunk := strings.TrimSpace(text[:cut])
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		text = text[cut:]
	}
	if t := strings.TrimSpace(text); t != "" {
		chunks = append(chunks, t)
	}
	return chunks
}
