// Package chunker splits extracted document text into bounded, ordered,
// overlapping segments. Splitting is a pure function: the same text and the
// same configuration always produce the same chunk boundaries.
package chunker

import "strings"

// Config controls the chunking behaviour. Sizes are in runes and come from
// the active profile's ingestion configuration.
type Config struct {
	Size    int // maximum runes per chunk
	Overlap int // runes shared between consecutive chunks
}

// Chunk is one ordered segment of the source text. Start and End are rune
// offsets into the original text, retained for attribution and debugging.
type Chunk struct {
	Index int
	Text  string
	Start int
	End   int
}

// Chunker converts extracted text into store-ready chunks.
type Chunker struct {
	cfg Config
}

// New returns a Chunker with the given configuration.
// Zero-value fields are replaced with sensible defaults; an overlap at or
// above the chunk size is clamped so the window always advances.
func New(cfg Config) *Chunker {
	if cfg.Size <= 0 {
		cfg.Size = 1200
	}
	if cfg.Overlap < 0 {
		cfg.Overlap = 0
	}
	if cfg.Overlap >= cfg.Size {
		cfg.Overlap = cfg.Size / 4
	}
	return &Chunker{cfg: cfg}
}

// Split breaks text into ordered chunks of at most Size runes each, with
// consecutive chunks sharing Overlap runes. Boundaries prefer, in order:
// paragraph breaks, line breaks, sentence ends, and word breaks, falling
// back to a hard cut when none occurs late enough in the window.
func (c *Chunker) Split(text string) []Chunk {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}

	runes := []rune(text)
	var chunks []Chunk

	start := 0
	for start < len(runes) {
		end := start + c.cfg.Size
		if end >= len(runes) {
			end = len(runes)
		} else {
			end = snapToBoundary(runes, start, end)
		}

		segment := string(runes[start:end])
		if strings.TrimSpace(segment) != "" {
			chunks = append(chunks, Chunk{
				Index: len(chunks),
				Text:  segment,
				Start: start,
				End:   end,
			})
		}

		if end == len(runes) {
			break
		}

		next := end - c.cfg.Overlap
		if next <= start {
			next = start + 1
		}
		start = next
	}

	return chunks
}

// boundaryWindow is the fraction of the chunk size searched backwards for a
// natural boundary before giving up and cutting mid-word.
const boundaryWindow = 0.2

// snapToBoundary moves end backwards to the most natural split point within
// the trailing portion of the window. The returned offset always lies in
// (start, end].
func snapToBoundary(runes []rune, start, end int) int {
	limit := end - int(float64(end-start)*boundaryWindow)
	if limit <= start {
		limit = start + 1
	}

	// Paragraph break: cut after "\n\n".
	for i := end - 1; i > limit; i-- {
		if runes[i] == '\n' && runes[i-1] == '\n' {
			return i + 1
		}
	}
	// Line break.
	for i := end - 1; i > limit; i-- {
		if runes[i] == '\n' || runes[i] == '\f' {
			return i + 1
		}
	}
	// Sentence end followed by space.
	for i := end - 1; i > limit; i-- {
		if (runes[i-1] == '.' || runes[i-1] == '?' || runes[i-1] == '!') && runes[i] == ' ' {
			return i + 1
		}
	}
	// Word break.
	for i := end - 1; i > limit; i-- {
		if runes[i] == ' ' || runes[i] == '\t' {
			return i + 1
		}
	}
	return end
}
