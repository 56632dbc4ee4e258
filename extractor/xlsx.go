package extractor

import (
	"context"
	"fmt"
	"strings"

	"github.com/xuri/excelize/v2"
)

// XLSXExtractor extracts text from spreadsheet (.xlsx) files. Each non-empty
// row becomes one line with cells joined by " | "; sheets are separated by a
// heading line with the sheet name.
type XLSXExtractor struct{}

func (e *XLSXExtractor) SupportedFormats() []string { return []string{"xlsx"} }

func (e *XLSXExtractor) Extract(ctx context.Context, path string) (string, Metadata, error) {
	f, err := excelize.OpenFile(path)
	if err != nil {
		return "", Metadata{}, fmt.Errorf("opening XLSX: %w", err)
	}
	defer f.Close()

	sheets := f.GetSheetList()
	var b strings.Builder

	for _, sheet := range sheets {
		rows, err := f.GetRows(sheet)
		if err != nil {
			continue
		}

		var lines []string
		for _, row := range rows {
			line := strings.TrimSpace(strings.Join(row, " | "))
			if line == "" || strings.Trim(line, "| ") == "" {
				continue
			}
			lines = append(lines, line)
		}
		if len(lines) == 0 {
			continue
		}

		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(sheet)
		b.WriteString("\n")
		b.WriteString(strings.Join(lines, "\n"))
	}

	return b.String(), Metadata{SheetCount: len(sheets)}, nil
}
