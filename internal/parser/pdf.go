package parser

import (
	"fmt"

	"github.com/ledongthuc/pdf"

	"knowledge-rag/internal/models"
)

func parsePDF(filePath, source string) (units []models.PageUnit, err error) {
	// ledongthuc/pdf panics on some malformed cross-reference tables
	defer func() {
		if r := recover(); r != nil {
			units, err = nil, fmt.Errorf("malformed pdf: %v", r)
		}
	}()

	f, reader, err := pdf.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	numPages := reader.NumPage()
	for i := 1; i <= numPages; i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			return nil, fmt.Errorf("page %d: %w", i, err)
		}
		units = append(units, models.PageUnit{
			Text:   pageText,
			Source: source,
			Page:   i,
		})
	}
	return units, nil
}
