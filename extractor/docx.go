package extractor

import (
	"archive/zip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// DOCXExtractor extracts text from Word (.docx) files by reading
// word/document.xml directly. Non-empty paragraph texts are concatenated
// with newline separators; the paragraph count is reported as metadata.
type DOCXExtractor struct{}

func (e *DOCXExtractor) SupportedFormats() []string { return []string{"docx"} }

func (e *DOCXExtractor) Extract(ctx context.Context, path string) (string, Metadata, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return "", Metadata{}, fmt.Errorf("opening DOCX: %w", err)
	}
	defer r.Close()

	var docFile *zip.File
	for _, f := range r.File {
		if f.Name == "word/document.xml" {
			docFile = f
			break
		}
	}
	if docFile == nil {
		return "", Metadata{}, fmt.Errorf("word/document.xml not found in DOCX")
	}

	rc, err := docFile.Open()
	if err != nil {
		return "", Metadata{}, fmt.Errorf("opening document.xml: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return "", Metadata{}, err
	}

	var doc docxDocument
	if err := xml.Unmarshal(data, &doc); err != nil {
		return "", Metadata{}, fmt.Errorf("parsing DOCX XML: %w", err)
	}

	var paragraphs []string
	for _, para := range doc.Body.Paras {
		text := strings.TrimSpace(extractParaText(para))
		if text == "" {
			continue
		}
		paragraphs = append(paragraphs, text)
	}

	// Tables contribute one paragraph per row, cells separated by " | ".
	for _, tbl := range doc.Body.Tables {
		for _, row := range tbl.Rows {
			cells := make([]string, 0, len(row.Cells))
			for _, cell := range row.Cells {
				var cellText strings.Builder
				for _, p := range cell.Paras {
					t := strings.TrimSpace(extractParaText(p))
					if t == "" {
						continue
					}
					if cellText.Len() > 0 {
						cellText.WriteString(" ")
					}
					cellText.WriteString(t)
				}
				cells = append(cells, cellText.String())
			}
			rowText := strings.TrimSpace(strings.Join(cells, " | "))
			if rowText != "" && rowText != strings.Repeat("|", strings.Count(rowText, "|")) {
				paragraphs = append(paragraphs, rowText)
			}
		}
	}

	meta := Metadata{ParagraphCount: len(paragraphs)}
	return strings.Join(paragraphs, "\n"), meta, nil
}

// DOCX XML structures (simplified)
type docxDocument struct {
	XMLName xml.Name `xml:"document"`
	Body    docxBody `xml:"body"`
}

type docxBody struct {
	XMLName xml.Name    `xml:"body"`
	Paras   []docxPara  `xml:"p"`
	Tables  []docxTable `xml:"tbl"`
}

type docxPara struct {
	XMLName xml.Name  `xml:"p"`
	Runs    []docxRun `xml:"r"`
}

type docxRun struct {
	Text []docxText `xml:"t"`
}

type docxText struct {
	Content string `xml:",chardata"`
}

type docxTable struct {
	Rows []docxRow `xml:"tr"`
}

type docxRow struct {
	Cells []docxCell `xml:"tc"`
}

type docxCell struct {
	Paras []docxPara `xml:"p"`
}

func extractParaText(para docxPara) string {
	var b strings.Builder
	for _, run := range para.Runs {
		for _, t := range run.Text {
			b.WriteString(t.Content)
		}
	}
	return b.String()
}
