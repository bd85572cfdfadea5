package pipeline

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// Citation identifies one source that grounded the report.
type Citation struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Title   string `json:"title"`
	URL     string `json:"url,omitempty"`
	Preview string `json:"preview,omitempty"`
}

// Report is the pipeline outcome for one request.
type Report struct {
	ID                    string     `json:"id"`
	Text                  string     `json:"text"`
	Success               bool       `json:"success"`
	NeedsClarification    bool       `json:"needs_clarification"`
	ClarificationQuestion string     `json:"clarification_question,omitempty"`
	Citations             []Citation `json:"citations"`
	SourcesUsed           []*Source  `json:"sources_used"`
	Engine                string     `json:"engine"`
	FallbackUsed          bool       `json:"fallback_used,omitempty"`
	LatencyMS             int64      `json:"latency_ms"`
	Error                 string     `json:"error,omitempty"`
}

const previewChars = 200

func citationFor(s *Source) Citation {
	c := Citation{
		ID:    s.ID,
		Type:  string(s.Kind),
		Title: s.Origin,
	}
	if s.Kind == SourceWeb || s.Kind == SourceDeck {
		c.URL = s.Origin
	}
	if title, ok := s.Metadata["title"].(string); ok && title != "" {
		c.Title = title
	}
	if len(s.Text) > 0 {
		c.Preview = cutAtRune(s.Text, previewChars)
	}
	return c
}

// cutAtRune truncates s to at most n bytes, backing up so a multi-byte
// rune is never split.
func cutAtRune(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

// Markdown renders the report for human consumption.
func (r *Report) Markdown() string {
	var b strings.Builder
	b.WriteString(r.Text)
	if r.NeedsClarification {
		b.WriteString("\n\n**Clarification needed:** ")
		b.WriteString(r.ClarificationQuestion)
		b.WriteString("\n")
	}
	if len(r.Citations) > 0 {
		b.WriteString("\n\n## Sources\n\n")
		for _, c := range r.Citations {
			if c.URL != "" {
				fmt.Fprintf(&b, "- [%s](%s)\n", c.Title, c.URL)
			} else {
				fmt.Fprintf(&b, "- %s\n", c.Title)
			}
		}
	}
	return b.String()
}

// Sink persists completed reports.
type Sink interface {
	Write(report *Report) error
}

// DirSink writes each report as UTF-8 markdown named report_<id>.md.
type DirSink struct {
	Dir string
}

// Write implements Sink.
func (d *DirSink) Write(report *Report) error {
	if err := os.MkdirAll(d.Dir, 0o755); err != nil {
		return fmt.Errorf("report sink: %w", err)
	}
	path := filepath.Join(d.Dir, fmt.Sprintf("report_%s.md", report.ID))
	if err := os.WriteFile(path, []byte(report.Text), 0o644); err != nil {
		return fmt.Errorf("report sink: %w", err)
	}
	return nil
}
