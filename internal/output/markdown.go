package output

import (
	"bufio"
	"fmt"
	"io"
)

// Markdowner is implemented by values that can render themselves as
// markdown (reports, answers).
type Markdowner interface {
	Markdown() string
}

type markdownWriter struct {
	w *bufio.Writer
}

func newMarkdownWriter(w io.Writer) *markdownWriter {
	return &markdownWriter{w: bufio.NewWriter(w)}
}

func (w *markdownWriter) Write(data any) error {
	var err error
	if m, ok := data.(Markdowner); ok {
		_, err = w.w.WriteString(m.Markdown())
	} else {
		_, err = fmt.Fprintf(w.w, "%v", data)
	}
	if err != nil {
		return err
	}
	return w.w.WriteByte('\n')
}

func (w *markdownWriter) Flush() error {
	return w.w.Flush()
}
