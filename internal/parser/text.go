package parser

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/text"

	"knowledge-rag/internal/models"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

func readUTF8(filePath string) (string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return "", err
	}
	data = bytes.TrimPrefix(data, utf8BOM)
	if !utf8.Valid(data) {
		return "", errors.New("unsupported encoding: file is not valid UTF-8")
	}
	return strings.ReplaceAll(string(data), "\r\n", "\n"), nil
}

func parseText(filePath, source string) ([]models.PageUnit, error) {
	content, err := readUTF8(filePath)
	if err != nil {
		return nil, err
	}
	return singleUnit(content, source), nil
}

func parseMarkdown(filePath, source string) ([]models.PageUnit, error) {
	content, err := readUTF8(filePath)
	if err != nil {
		return nil, err
	}
	src := []byte(content)

	md := goldmark.New(goldmark.WithExtensions(extension.GFM))
	doc := md.Parser().Parse(text.NewReader(src))

	var blocks []string
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		if t := markdownText(n, src); t != "" {
			blocks = append(blocks, t)
		}
	}
	return singleUnit(strings.Join(blocks, "\n\n"), source), nil
}

// markdownText renders the plain text of a goldmark block, dropping markup.
func markdownText(n ast.Node, src []byte) string {
	var buf bytes.Buffer
	switch n.Kind() {
	case ast.KindCodeBlock, ast.KindFencedCodeBlock, ast.KindHTMLBlock:
		lines := n.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			buf.Write(seg.Value(src))
		}
		return strings.TrimSpace(buf.String())
	}

	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		switch node := c.(type) {
		case *ast.Text:
			buf.Write(node.Segment.Value(src))
			if node.HardLineBreak() || node.SoftLineBreak() {
				buf.WriteByte('\n')
			}
		case *ast.String:
			buf.Write(node.Value)
		default:
			t := markdownText(c, src)
			if t == "" {
				continue
			}
			if c.Type() == ast.TypeBlock && buf.Len() > 0 {
				buf.WriteString("\n")
			}
			buf.WriteString(t)
		}
	}
	return strings.TrimSpace(buf.String())
}

const htmlBlocks = "h1, h2, h3, h4, h5, h6, p, li, pre, blockquote, th, td"

func parseHTML(filePath, source string) ([]models.PageUnit, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	doc, err := goquery.NewDocumentFromReader(f)
	if err != nil {
		return nil, err
	}
	doc.Find("script, style, noscript, nav, footer").Remove()

	var blocks []string
	doc.Find("body").Find(htmlBlocks).Each(func(_ int, s *goquery.Selection) {
		// nested blocks are collected on their own
		if s.Find(htmlBlocks).Length() > 0 {
			return
		}
		if t := strings.Join(strings.Fields(s.Text()), " "); t != "" {
			blocks = append(blocks, t)
		}
	})
	if len(blocks) == 0 {
		if t := strings.TrimSpace(doc.Find("body").Text()); t != "" {
			blocks = append(blocks, t)
		}
	}
	return singleUnit(strings.Join(blocks, "\n\n"), source), nil
}
