package ingest

import (
	"strings"
	"unicode"
)

const (
	DefaultChunkSize    = 1500
	DefaultChunkOverlap = 150
)

// Chunk is a piece of a document. Start and End are rune offsets into the
// text it was split from.
type Chunk struct {
	Text       string
	Start, End int
}

// Split cuts text into chunks of at most size runes, each sharing overlap
// runes with the previous one. A chunk ends at the last whitespace in the
// second half of its window when there is one.
func Split(text string, size, overlap int) []Chunk {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	runes := []rune(text)
	var chunks []Chunk
	for start := 0; start < len(runes); {
		end := start + size
		if end >= len(runes) {
			end = len(runes)
		} else {
			for i := end; i > start+size/2; i-- {
				if unicode.IsSpace(runes[i-1]) {
					end = i
					break
				}
			}
		}

		if piece := strings.TrimSpace(string(runes[start:end])); piece != "" {
			chunks = append(chunks, Chunk{Text: piece, Start: start, End: end})
		}
		if end == len(runes) {
			break
		}

		next := end - overlap
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks
}
