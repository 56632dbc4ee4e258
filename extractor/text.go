package extractor

import (
	"context"
	"fmt"
	"os"
	"unicode/utf8"

	"golang.org/x/text/encoding/charmap"
)

// TextExtractor handles plain text (.txt, .md, .csv, .log) files.
// Content is decoded as UTF-8 when valid, falling back to Latin-1.
type TextExtractor struct{}

func (e *TextExtractor) SupportedFormats() []string { return []string{"txt", "md", "csv", "log"} }

func (e *TextExtractor) Extract(ctx context.Context, path string) (string, Metadata, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", Metadata{}, fmt.Errorf("reading text file: %w", err)
	}
	text, err := decodeText(data)
	if err != nil {
		return "", Metadata{}, err
	}
	return text, Metadata{}, nil
}

// decodeText decodes bytes as UTF-8, falling back to Latin-1 when the data
// is not valid UTF-8. Latin-1 decoding cannot fail (every byte maps to a
// code point), so this always yields a string.
func decodeText(data []byte) (string, error) {
	if utf8.Valid(data) {
		return string(data), nil
	}
	decoded, err := charmap.ISO8859_1.NewDecoder().Bytes(data)
	if err != nil {
		return "", fmt.Errorf("latin-1 fallback decode: %w", err)
	}
	return string(decoded), nil
}
