package models

const (
	CollectionName = "rag_docs"
	UnknownSource  = "Unknown"
	StatusSuccess  = "success"
	StatusDryRun   = "dry_run"

	MetaSource     = "source"
	MetaPage       = "page"
	MetaStartIndex = "start_index"
	MetaChunkID    = "chunk_id"

	ContextSeparator = "\n\n"
)

var (
	RAGPromptTemplate = `You are a helpful assistant. Use the following pieces of retrieved context to answer the user's question.
If the information is not in the context, just say that you don't know.

Context:
{{.context}}

Question:
{{.input}}
`
)
