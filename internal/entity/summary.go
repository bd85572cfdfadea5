package entity

import (
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

const (
	summaryMaxPerClass = 5
	summaryMaxSources  = 10
	summaryMaxChars    = 2000
)

// Summarize renders a bounded plain-text summary of entities for prompt
// injection: grouped by class, capped per class and in total, with the
// most-cited source names listed first. Entities below minConfidence are
// skipped when minConfidence > 0.
func Summarize(entities []Entity, minConfidence float64) string {
	if len(entities) == 0 {
		return ""
	}

	byClass := make(map[string][]Entity)
	sourceCounts := make(map[string]int)
	for _, ent := range entities {
		if minConfidence > 0 && ent.Confidence > 0 && ent.Confidence < minConfidence {
			continue
		}
		byClass[ent.Class] = append(byClass[ent.Class], ent)
		sourceCounts[ent.SourceID]++
	}
	if len(byClass) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("Extracted entities:\n")
	for _, class := range Classes {
		group := byClass[class]
		if len(group) == 0 {
			continue
		}
		names := dedupTexts(group)
		if len(names) > summaryMaxPerClass {
			names = names[:summaryMaxPerClass]
		}
		fmt.Fprintf(&b, "- %s: %s\n", class, strings.Join(names, ", "))
	}

	if sources := topSources(sourceCounts, summaryMaxSources); len(sources) > 0 {
		fmt.Fprintf(&b, "Sources: %s\n", strings.Join(sources, ", "))
	}

	out := b.String()
	if len(out) > summaryMaxChars {
		cut := summaryMaxChars - len(" [truncated]")
		for cut > 0 && !utf8.RuneStart(out[cut]) {
			cut--
		}
		out = out[:cut] + " [truncated]"
	}
	return out
}

func dedupTexts(group []Entity) []string {
	seen := make(map[string]struct{}, len(group))
	var names []string
	for _, ent := range group {
		if _, dup := seen[ent.Text]; dup {
			continue
		}
		seen[ent.Text] = struct{}{}
		names = append(names, ent.Text)
	}
	return names
}

// topSources returns up to n source names ordered by entity count, ties
// broken by name.
func topSources(counts map[string]int, n int) []string {
	names := make([]string, 0, len(counts))
	for name := range counts {
		if name != "" {
			names = append(names, name)
		}
	}
	sort.Slice(names, func(i, j int) bool {
		if counts[names[i]] != counts[names[j]] {
			return counts[names[i]] > counts[names[j]]
		}
		return names[i] < names[j]
	})
	if len(names) > n {
		names = names[:n]
	}
	return names
}
