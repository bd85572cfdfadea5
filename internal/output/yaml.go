package output

import (
	"bufio"
	"io"

	"gopkg.in/yaml.v3"
)

type yamlWriter struct {
	w     *bufio.Writer
	items []any
}

func newYAMLWriter(w io.Writer) *yamlWriter {
	return &yamlWriter{w: bufio.NewWriter(w)}
}

func (w *yamlWriter) Write(data any) error {
	w.items = append(w.items, data)
	return nil
}

func (w *yamlWriter) Flush() error {
	if len(w.items) == 0 {
		return w.w.Flush()
	}

	enc := yaml.NewEncoder(w.w)
	enc.SetIndent(2)

	var value any = w.items
	if len(w.items) == 1 {
		value = w.items[0]
	}
	if err := enc.Encode(value); err != nil {
		return err
	}
	if err := enc.Close(); err != nil {
		return err
	}
	return w.w.Flush()
}
