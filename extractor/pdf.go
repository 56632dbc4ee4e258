package extractor

import (
	"context"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
)

// pageSeparator joins the text of consecutive non-empty PDF pages. The form
// feed keeps page boundaries recoverable from the concatenated text.
const pageSeparator = "\n\f\n"

// PDFExtractor extracts text from PDF files page by page. Pages are
// processed independently: a page that fails to extract or yields only
// whitespace is dropped without affecting its siblings.
type PDFExtractor struct{}

func (e *PDFExtractor) SupportedFormats() []string { return []string{"pdf"} }

func (e *PDFExtractor) Extract(ctx context.Context, path string) (string, Metadata, error) {
	f, reader, err := pdf.Open(path)
	if err != nil {
		return "", Metadata{}, fmt.Errorf("opening PDF: %w", err)
	}
	defer f.Close()

	totalPages := reader.NumPage()
	var pages []string

	for i := 1; i <= totalPages; i++ {
		if err := ctx.Err(); err != nil {
			return "", Metadata{}, err
		}

		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}

		text, err := page.GetPlainText(nil)
		if err != nil {
			// Skip pages that fail to extract.
			continue
		}

		if strings.TrimSpace(text) == "" {
			continue
		}
		pages = append(pages, strings.TrimSpace(text))
	}

	meta := Metadata{PageCount: totalPages}
	if len(pages) == 0 {
		// Whole document yielded nothing; the registry turns this into a
		// skipped outcome with reason no_text.
		return "", meta, nil
	}
	return strings.Join(pages, pageSeparator), meta, nil
}
