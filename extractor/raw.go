package extractor

import (
	"context"
	"fmt"
	"os"
	"unicode"
)

// RawExtractor is the best-effort fallback for unrecognized extensions.
// It decodes the file like plain text but refuses content that is clearly
// binary rather than emitting garbage into the pipeline.
type RawExtractor struct{}

func (e *RawExtractor) SupportedFormats() []string { return nil }

func (e *RawExtractor) Extract(ctx context.Context, path string) (string, Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", Metadata{}, fmt.Errorf("reading file: %w", err)
	}
	if looksBinary(data) {
		return "", Metadata{}, fmt.Errorf("content appears to be binary, not text")
	}
	text, err := decodeText(data)
	if err != nil {
		return "", Metadata{}, err
	}
	return text, Metadata{}, nil
}

// looksBinary samples up to the first 4 KiB and reports true when more than
// 10% of the runes are NUL or non-printable control characters.
func looksBinary(data []byte) bool {
	if len(data) == 0 {
		return false
	}
	sample := data
	if len(sample) > 4096 {
		sample = sample[:4096]
	}

	suspicious := 0
	for _, b := range sample {
		if b == 0 {
			suspicious++
			continue
		}
		r := rune(b)
		if r < 0x80 && unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' && r != '\f' {
			suspicious++
		}
	}
	return suspicious*10 > len(sample)
}
