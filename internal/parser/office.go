package parser

import (
	"archive/zip"
	"encoding/xml"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/nguyenthenguyen/docx"
	"github.com/tealeg/xlsx"
	"github.com/xuri/excelize/v2"

	"knowledge-rag/internal/models"
)

func parseDOCX(filePath, source string) ([]models.PageUnit, error) {
	r, err := docx.ReadDocxFile(filePath)
	if err != nil {
		return nil, err
	}
	defer r.Close()

	// GetContent returns the raw word/document.xml body
	text, err := extractXMLText(r.Editable().GetContent(), "t", "p")
	if err != nil {
		return nil, err
	}
	return singleUnit(text, source), nil
}

func parsePPTX(filePath, source string) ([]models.PageUnit, error) {
	f, err := zip.OpenReader(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	type slide struct {
		num  int
		file *zip.File
	}
	var slides []slide
	for _, file := range f.File {
		dir, name := path.Split(file.Name)
		if dir != "ppt/slides/" || !strings.HasPrefix(name, "slide") || !strings.HasSuffix(name, ".xml") {
			continue
		}
		num, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(name, "slide"), ".xml"))
		if err != nil {
			continue
		}
		slides = append(slides, slide{num: num, file: file})
	}
	sort.Slice(slides, func(i, j int) bool { return slides[i].num < slides[j].num })

	var units []models.PageUnit
	for _, s := range slides {
		rc, err := s.file.Open()
		if err != nil {
			return nil, fmt.Errorf("slide %d: %w", s.num, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("slide %d: %w", s.num, err)
		}
		slideText, err := extractXMLText(string(data), "t", "p")
		if err != nil {
			return nil, fmt.Errorf("slide %d: %w", s.num, err)
		}
		units = append(units, models.PageUnit{Text: slideText, Source: source, Page: s.num})
	}
	return units, nil
}

func parseXLSX(filePath, source string) ([]models.PageUnit, error) {
	f, err := xlsx.OpenFile(filePath)
	if err != nil {
		return nil, err
	}

	var units []models.PageUnit
	for sheetNum, sheet := range f.Sheets {
		rows := make([][]string, 0, len(sheet.Rows))
		for _, row := range sheet.Rows {
			cells := make([]string, 0, len(row.Cells))
			for _, cell := range row.Cells {
				cells = append(cells, cell.String())
			}
			rows = append(rows, cells)
		}
		units = append(units, models.PageUnit{
			Text:   sheetText(sheet.Name, rows),
			Source: source,
			Page:   sheetNum + 1,
		})
	}
	return units, nil
}

// parseSpreadsheet covers the macro-enabled and template workbook variants
// that tealeg/xlsx refuses to open.
func parseSpreadsheet(filePath, source string) ([]models.PageUnit, error) {
	f, err := excelize.OpenFile(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var units []models.PageUnit
	for sheetNum, sheetName := range f.GetSheetList() {
		rows, err := f.GetRows(sheetName)
		if err != nil {
			return nil, fmt.Errorf("sheet %s: %w", sheetName, err)
		}
		units = append(units, models.PageUnit{
			Text:   sheetText(sheetName, rows),
			Source: source,
			Page:   sheetNum + 1,
		})
	}
	return units, nil
}

func sheetText(name string, rows [][]string) string {
	var text strings.Builder
	hasCells := false
	fmt.Fprintf(&text, "## Sheet: %s\n", name)
	for _, row := range rows {
		line := strings.TrimRight(strings.Join(row, "\t"), "\t ")
		if line == "" {
			continue
		}
		hasCells = true
		text.WriteString(line)
		text.WriteString("\n")
	}
	if !hasCells {
		return ""
	}
	return text.String()
}

// extractXMLText collects the character data of every textTag element and
// ends a paragraph at every closing paraTag. Namespaces are ignored so the
// same walk serves WordprocessingML (w:t, w:p) and DrawingML (a:t, a:p).
func extractXMLText(content, textTag, paraTag string) (string, error) {
	dec := xml.NewDecoder(strings.NewReader(content))
	var (
		out    strings.Builder
		para   strings.Builder
		inText bool
	)
	flush := func() {
		p := strings.TrimSpace(para.String())
		para.Reset()
		if p == "" {
			return
		}
		if out.Len() > 0 {
			out.WriteString("\n\n")
		}
		out.WriteString(p)
	}
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", fmt.Errorf("invalid document xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if t.Name.Local == textTag {
				inText = true
			}
		case xml.EndElement:
			switch t.Name.Local {
			case textTag:
				inText = false
			case paraTag:
				flush()
			}
		case xml.CharData:
			if inText {
				para.Write(t)
			}
		}
	}
	flush()
	return out.String(), nil
}
