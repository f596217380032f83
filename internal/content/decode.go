package content

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/ledongthuc/pdf"
	"github.com/xuri/excelize/v2"

	"github.com/hyperjump/nagare/internal/faults"
)

// Decode converts raw bytes to text based on the file extension (with leading dot).
// Unknown extensions are treated as plain text. A corrupt document is a validation error.
func Decode(data []byte, ext string) (string, error) {
	var (
		text string
		err  error
	)
	switch strings.ToLower(ext) {
	case ".pdf":
		text, err = decodePDF(data)
	case ".xlsx":
		text, err = decodeXLSX(data)
	case ".docx":
		text, err = decodeZipXML(data, docxParts, wordText)
	case ".pptx":
		text, err = decodeZipXML(data, pptxParts, drawingText)
	case ".odt", ".odp", ".ods":
		text, err = decodeZipXML(data, openDocumentParts, openDocumentText)
	default:
		return decodePlain(data), nil
	}
	if err != nil {
		return "", faults.Validation(fmt.Errorf("decode %s: %w", ext, err))
	}
	return text, nil
}

// decodePlain replaces invalid UTF-8 sequences with the replacement character.
func decodePlain(data []byte) string {
	if !utf8.Valid(data) {
		return strings.ToValidUTF8(string(data), "�")
	}
	return string(data)
}

func decodePDF(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open PDF: %w", err)
	}
	pages := make([]string, 0, r.NumPage())
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return "", fmt.Errorf("page %d: %w", i, err)
		}
		pages = append(pages, text)
	}
	return strings.Join(pages, "\n"), nil
}

func decodeXLSX(data []byte) (string, error) {
	f, err := excelize.OpenReader(bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	var b strings.Builder
	for _, sheet := range f.GetSheetList() {
		rows, err := f.GetRows(sheet)
		if err != nil {
			return "", fmt.Errorf("sheet %q: %w", sheet, err)
		}
		for _, row := range rows {
			b.WriteString(strings.Join(row, "\t"))
			b.WriteByte('\n')
		}
	}
	return strings.TrimSpace(b.String()), nil
}

var (
	// Text runs in OOXML word processing (<w:t>) and DrawingML (<a:t>), any attributes.
	wordText         = regexp.MustCompile(`<w:t[^>]*>([^<]*)</w:t>`)
	drawingText      = regexp.MustCompile(`<a:t[^>]*>([^<]*)</a:t>`)
	openDocumentText = regexp.MustCompile(`<text:(?:p|h|span)[^>]*>([^<]*)</text:(?:p|h|span)>`)
)

func docxParts(name string) bool { return name == "word/document.xml" }

func pptxParts(name string) bool {
	return strings.HasPrefix(name, "ppt/slides/slide") && strings.HasSuffix(name, ".xml")
}

func openDocumentParts(name string) bool { return name == "content.xml" }

// decodeZipXML concatenates the text runs matched by pattern across the archive parts
// selected by want, visiting parts in name order.
func decodeZipXML(data []byte, want func(string) bool, pattern *regexp.Regexp) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("not a zip archive: %w", err)
	}
	var parts []*zip.File
	for _, f := range zr.File {
		if want(f.Name) {
			parts = append(parts, f)
		}
	}
	if len(parts) == 0 {
		return "", fmt.Errorf("no content parts found")
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].Name < parts[j].Name })

	var b strings.Builder
	for _, f := range parts {
		rc, err := f.Open()
		if err != nil {
			return "", fmt.Errorf("open %s: %w", f.Name, err)
		}
		xml, err := io.ReadAll(rc)
		_ = rc.Close()
		if err != nil {
			return "", fmt.Errorf("read %s: %w", f.Name, err)
		}
		for _, m := range pattern.FindAllSubmatch(xml, -1) {
			run := strings.TrimSpace(string(m[1]))
			if run == "" {
				continue
			}
			if b.Len() > 0 {
				b.WriteByte(' ')
			}
			b.WriteString(run)
		}
	}
	return b.String(), nil
}
