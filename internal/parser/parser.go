package parser

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/rs/zerolog/log"

	"knowledge-rag/internal/models"
)

const (
	stageLoad         = "load"
	defaultPageNumber = 1
)

// Loader turns a file on disk into ordered page units.
type Loader interface {
	Load(filePath string) ([]models.PageUnit, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(filePath string) ([]models.PageUnit, error)

func (f LoaderFunc) Load(filePath string) ([]models.PageUnit, error) { return f(filePath) }

type formatParser func(filePath, source string) ([]models.PageUnit, error)

var formats = map[string]formatParser{
	".pdf":      parsePDF,
	".docx":     parseDOCX,
	".pptx":     parsePPTX,
	".xlsx":     parseXLSX,
	".xlsm":     parseSpreadsheet,
	".xltx":     parseSpreadsheet,
	".txt":      parseText,
	".md":       parseMarkdown,
	".markdown": parseMarkdown,
	".html":     parseHTML,
	".htm":      parseHTML,
}

// Default is the Loader backed by LoadDocument.
var Default Loader = LoaderFunc(LoadDocument)

// SupportedExtensions lists the file extensions LoadDocument understands.
func SupportedExtensions() []string {
	exts := make([]string, 0, len(formats))
	for ext := range formats {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

// IsSupported reports whether filename has a loadable extension.
func IsSupported(filename string) bool {
	_, ok := formats[strings.ToLower(filepath.Ext(filename))]
	return ok
}

// LoadDocument parses filePath into page units in reading order. Blank units
// are dropped. Every failure is a load error; a document without any text
// additionally matches models.ErrEmptyDocument.
func LoadDocument(filePath string) ([]models.PageUnit, error) {
	ext := strings.ToLower(filepath.Ext(filePath))
	parse, ok := formats[ext]
	if !ok {
		return nil, loadError(fmt.Errorf("unsupported file format: %q", ext))
	}

	info, err := os.Stat(filePath)
	if err != nil {
		return nil, loadError(fmt.Errorf("file is unreadable: %w", err))
	}
	if info.IsDir() {
		return nil, loadError(fmt.Errorf("%s is a directory", filePath))
	}
	if info.Size() == 0 {
		return nil, loadError(models.ErrEmptyDocument)
	}

	source := filepath.Base(filePath)
	units, err := parse(filePath, source)
	if err != nil {
		return nil, loadError(fmt.Errorf("failed to parse %s: %w", source, err))
	}

	kept := units[:0]
	for _, u := range units {
		if strings.TrimSpace(u.Text) == "" {
			continue
		}
		kept = append(kept, u)
	}
	if len(kept) == 0 {
		return nil, loadError(models.ErrEmptyDocument)
	}

	log.Debug().Str("document", source).Int("units", len(kept)).Msg("Loaded document")
	return kept, nil
}

func loadError(err error) error {
	return models.NewStageError(models.ErrLoad, stageLoad, err)
}

// IsEmptyDocument reports whether err came from a document without text.
func IsEmptyDocument(err error) bool {
	return errors.Is(err, models.ErrEmptyDocument)
}

func singleUnit(text, source string) []models.PageUnit {
	return []models.PageUnit{{Text: text, Source: source, Page: defaultPageNumber}}
}
