package models

// Question is a user query. ChatHistory is accepted but does not influence
// retrieval or synthesis.
type Question struct {
	Question    string           `json:"question"`
	ChatHistory []map[string]any `json:"chat_history,omitempty"`
}

// RetrievedChunk is a single hit of a similarity search.
type RetrievedChunk struct {
	Rank       int
	Similarity float32
	Record     IndexRecord
}

// RetrievalResult holds hits ordered by descending similarity, ranked from 1.
type RetrievalResult []RetrievedChunk

// Sources collapses the hits into unique source identifiers in first-seen order.
func (r RetrievalResult) Sources() []string {
	seen := make(map[string]struct{}, len(r))
	sources := make([]string, 0, len(r))
	for _, hit := range r {
		src := hit.Record.Source()
		if _, ok := seen[src]; ok {
			continue
		}
		seen[src] = struct{}{}
		sources = append(sources, src)
	}
	return sources
}

type AnswerResult struct {
	Answer  string   `json:"answer"`
	Sources []string `json:"sources"`
}
