package output

import (
	"bufio"
	"encoding/json"
	"io"
)

type jsonWriter struct {
	w      *bufio.Writer
	pretty bool
	indent string
	items  []any
}

func newJSONWriter(w io.Writer, pretty bool, indent string) *jsonWriter {
	return &jsonWriter{w: bufio.NewWriter(w), pretty: pretty, indent: indent}
}

func (w *jsonWriter) Write(data any) error {
	w.items = append(w.items, data)
	return nil
}

// Flush emits the buffered items: a single item directly, several as an
// array.
func (w *jsonWriter) Flush() error {
	var value any
	switch len(w.items) {
	case 0:
		return w.w.Flush()
	case 1:
		value = w.items[0]
	default:
		value = w.items
	}

	var out []byte
	var err error
	if w.pretty {
		out, err = json.MarshalIndent(value, "", w.indent)
	} else {
		out, err = json.Marshal(value)
	}
	if err != nil {
		return err
	}
	if _, err := w.w.Write(out); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}
