package entity

import "strings"

const (
	defaultChunkSize = 8000
	chunkOverlap     = 200
)

// Chunk is a slice of the source text with its absolute position.
type Chunk struct {
	Text  string
	Start int
	End   int
}

// chunkText slices text into windows of at most size characters with a
// fixed overlap, preferring to cut at a paragraph break inside the final
// tenth of each window. Offsets are absolute into the original text.
func chunkText(text string, size int) []Chunk {
	if size <= 0 {
		size = defaultChunkSize
	}
	if len(text) <= size {
		if text == "" {
			return nil
		}
		return []Chunk{{Text: text, Start: 0, End: len(text)}}
	}

	overlap := chunkOverlap
	if overlap >= size {
		overlap = size - 1
	}

	var chunks []Chunk
	start := 0
	for start < len(text) {
		end := start + size
		if end >= len(text) {
			chunks = append(chunks, Chunk{Text: text[start:], Start: start, End: len(text)})
			break
		}

		// Cut at the last paragraph break inside the window's final 10%.
		window := text[start:end]
		threshold := len(window) - len(window)/10
		if idx := strings.LastIndex(window, "\n\n"); idx >= threshold {
			end = start + idx + 2
		}

		chunks = append(chunks, Chunk{Text: text[start:end], Start: start, End: end})
		start = end - overlap
	}
	return chunks
}
