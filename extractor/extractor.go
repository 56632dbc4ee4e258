package extractor

import "context"

// Statuses of an extraction outcome. These are the same values the per-file
// ingestion result uses, so outcomes pass through unchanged.
const (
	StatusSuccess = "success"
	StatusSkipped = "skipped"
	StatusError   = "error"
)

// Skip and error reasons.
const (
	ReasonEmpty             = "empty"
	ReasonNoText            = "no_text"
	ReasonParserUnavailable = "parser_unavailable"
)

// Metadata carries format-specific counters reported by an extractor.
type Metadata struct {
	PageCount      int `json:"page_count,omitempty"`
	ParagraphCount int `json:"paragraph_count,omitempty"`
	SheetCount     int `json:"sheet_count,omitempty"`
}

// Outcome is the typed result of extracting one file. Parser-level failures
// are converted into Status/Reason here and never propagate further.
type Outcome struct {
	Status string   `json:"status"`
	Reason string   `json:"reason,omitempty"`
	Text   string   `json:"-"`
	Meta   Metadata `json:"metadata"`
}

// Extractor extracts raw text from one file format family.
// Implementations may return errors freely; the registry converts them
// into typed outcomes at the boundary.
type Extractor interface {
	Extract(ctx context.Context, path string) (string, Metadata, error)
	SupportedFormats() []string
}
