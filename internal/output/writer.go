// Package output serializes reports and answers for the CLI.
package output

import (
	"fmt"
	"io"
)

// Format selects the serialization.
type Format string

const (
	FormatJSON     Format = "json"
	FormatYAML     Format = "yaml"
	FormatMarkdown Format = "markdown"
)

// Writer renders one or more values to its destination.
type Writer interface {
	Write(data any) error
	Flush() error
}

// WriterOption configures a writer.
type WriterOption func(*writerConfig)

type writerConfig struct {
	pretty bool
	indent string
}

// WithPretty toggles pretty-printing for JSON output.
func WithPretty(enabled bool) WriterOption {
	return func(c *writerConfig) { c.pretty = enabled }
}

// NewWriter creates a writer for the requested format.
func NewWriter(w io.Writer, format Format, opts ...WriterOption) (Writer, error) {
	cfg := &writerConfig{pretty: true, indent: "  "}
	for _, opt := range opts {
		opt(cfg)
	}

	switch format {
	case FormatJSON:
		return newJSONWriter(w, cfg.pretty, cfg.indent), nil
	case FormatYAML:
		return newYAMLWriter(w), nil
	case FormatMarkdown:
		return newMarkdownWriter(w), nil
	default:
		return nil, fmt.Errorf("unsupported output format: %s", format)
	}
}
