package splitter

import (
	"knowledge-rag/internal/models"
)

const (
	DefaultChunkSize    = 1000 // characters
	DefaultChunkOverlap = 200  // characters
)

// separators are tried in order; the first level that yields a break inside
// the window wins, and within a level the last break is used.
var separators = [][]string{
	{"\n\n"},
	{". ", "! ", "? ", "\n"},
	{" "},
}

// Splitter cuts page units into overlapping chunks. Consecutive chunks of the
// same unit share exactly ChunkOverlap characters; chunks never span units.
type Splitter struct {
	ChunkSize    int
	ChunkOverlap int
}

// Span is a piece of a unit's text together with its starting character offset.
type Span struct {
	Text  string
	Start int
}

func New(chunkSize, chunkOverlap int) *Splitter {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if chunkOverlap < 0 {
		chunkOverlap = 0
	}
	if chunkOverlap >= chunkSize {
		chunkOverlap = chunkSize / 2
	}
	return &Splitter{ChunkSize: chunkSize, ChunkOverlap: chunkOverlap}
}

// Split chunks every unit in order. Blank units produce nothing.
func (s *Splitter) Split(units []models.PageUnit) []models.Chunk {
	var chunks []models.Chunk
	for _, unit := range units {
		for i, span := range s.SplitText(unit.Text) {
			chunks = append(chunks, models.Chunk{
				Text:       span.Text,
				Source:     unit.Source,
				Page:       unit.Page,
				StartIndex: span.Start,
				ChunkID:    i + 1,
			})
		}
	}
	return chunks
}

// SplitText splits a single unit. Offsets and lengths are counted in runes.
func (s *Splitter) SplitText(text string) []Span {
	r := []rune(text)
	n := len(r)
	if n == 0 || isBlank(r) {
		return nil
	}

	var spans []Span
	start := 0
	for {
		if n-start <= s.ChunkSize {
			spans = append(spans, Span{Text: string(r[start:]), Start: start})
			return spans
		}
		// the chunk must outgrow the overlap, otherwise the next start would not advance
		end := findBoundary(r, start+s.ChunkOverlap+1, start+s.ChunkSize)
		spans = append(spans, Span{Text: string(r[start:end]), Start: start})
		start = end - s.ChunkOverlap
	}
}

// findBoundary returns the largest end in [lo, hi] at which the text ends with
// a separator, preferring coarser separator levels. Without any separator the
// window is cut at hi.
func findBoundary(r []rune, lo, hi int) int {
	for _, level := range separators {
		best := -1
		for _, sep := range level {
			if e := lastEndingWith(r, sep, lo, hi); e > best {
				best = e
			}
		}
		if best >= 0 {
			return best
		}
	}
	return hi
}

func lastEndingWith(r []rune, sep string, lo, hi int) int {
	sr := []rune(sep)
	for e := hi; e >= lo && e >= len(sr); e-- {
		if matchAt(r, sr, e-len(sr)) {
			return e
		}
	}
	return -1
}

func matchAt(r, sep []rune, at int) bool {
	for i, c := range sep {
		if r[at+i] != c {
			return false
		}
	}
	return true
}

func isBlank(r []rune) bool {
	for _, c := range r {
		switch c {
		case ' ', '\t', '\n', '\r', '\f', '\v':
		default:
			return false
		}
	}
	return true
}

// JoinChunks rebuilds unit text from consecutive chunks of one unit by
// dropping the leading overlap of every chunk but the first.
func JoinChunks(chunks []models.Chunk, overlap int) string {
	var out []rune
	for i, c := range chunks {
		r := []rune(c.Text)
		if i > 0 {
			r = r[min(overlap, len(r)):]
		}
		out = append(out, r...)
	}
	return string(out)
}
