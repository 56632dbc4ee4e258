package extractor

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
)

// legacyFormats are binary Office formats that need an external converter
// this module does not ship. They get a distinct parser_unavailable outcome
// instead of a garbled raw-text attempt.
var legacyFormats = map[string]bool{"doc": true, "xls": true, "ppt": true}

// Registry maps file extensions to extractors and is the error boundary of
// the extraction stage: every parser failure leaves it as a typed Outcome.
type Registry struct {
	extractors map[string]Extractor
	raw        Extractor
}

// NewRegistry returns a registry with the built-in extractors registered.
func NewRegistry() *Registry {
	r := &Registry{
		extractors: make(map[string]Extractor),
		raw:        &RawExtractor{},
	}
	for _, e := range []Extractor{&TextExtractor{}, &PDFExtractor{}, &DOCXExtractor{}, &XLSXExtractor{}} {
		for _, f := range e.SupportedFormats() {
			r.extractors[f] = e
		}
	}
	return r
}

// Register adds or replaces the extractor for a format.
func (r *Registry) Register(format string, e Extractor) {
	r.extractors[strings.ToLower(format)] = e
}

// Extract runs the extractor for the file's extension and converts every
// failure mode into a typed outcome. It never returns an error and never
// lets a parser panic escape.
func (r *Registry) Extract(ctx context.Context, path string) (out Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Warn("extractor: parser panicked", "file", path, "panic", rec)
			out = Outcome{Status: StatusError, Reason: fmt.Sprintf("parser panic: %v", rec)}
		}
	}()

	format := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))

	if legacyFormats[format] {
		return Outcome{Status: StatusError, Reason: ReasonParserUnavailable}
	}

	ext, ok := r.extractors[format]
	if !ok {
		slog.Debug("extractor: no extractor for format, using raw fallback", "format", format, "file", path)
		ext = r.raw
	}

	text, meta, err := ext.Extract(ctx, path)
	if err != nil {
		return Outcome{Status: StatusError, Reason: err.Error(), Meta: meta}
	}

	if strings.TrimSpace(text) == "" {
		reason := ReasonEmpty
		if format == "pdf" {
			reason = ReasonNoText
		}
		return Outcome{Status: StatusSkipped, Reason: reason, Meta: meta}
	}

	return Outcome{Status: StatusSuccess, Text: text, Meta: meta}
}

// SourceType maps a file extension onto the document source_type vocabulary.
func SourceType(path string) string {
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(path), ".")) {
	case "pdf":
		return "pdf"
	case "docx", "doc":
		return "word"
	case "xlsx", "xls":
		return "spreadsheet"
	default:
		return "text"
	}
}
