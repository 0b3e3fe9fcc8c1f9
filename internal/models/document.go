package models

// Document is an uploaded file after it has been written to disk.
type Document struct {
	Filename string
	Path     string
	Size     int64
}

// PageUnit is one loader-produced unit of text (page, slide or sheet)
type PageUnit struct {
	Text   string
	Source string
	Page   int
}

// Chunk represents a bounded window of a PageUnit with its position metadata
type Chunk struct {
	Text       string
	Source     string
	Page       int
	StartIndex int // character offset within the source unit
	ChunkID    int
}

// IndexRecord is a persisted vector together with the chunk it was computed from.
type IndexRecord struct {
	ID        string
	Text      string
	Embedding []float32
	Metadata  map[string]string
}

// Source returns the source filename stored in the record metadata.
func (r IndexRecord) Source() string {
	if s, ok := r.Metadata[MetaSource]; ok && s != "" {
		return s
	}
	return UnknownSource
}

type IngestResult struct {
	Status       string `json:"status"`
	ChunksAdded  int    `json:"chunks_added"`
	DocumentName string `json:"document_name"`
}
