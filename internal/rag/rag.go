package rag

import (
	"context"
	"io"

	"github.com/tmc/langchaingo/llms"

	"knowledge-rag/internal/config"
	"knowledge-rag/internal/embedding"
	"knowledge-rag/internal/models"
	"knowledge-rag/internal/telemetry"
	"knowledge-rag/internal/vectorstore"
)

// RAG bundles the ingestion and query pipelines over one shared index.
type RAG struct {
	Ingestor *Ingestor
	Query    *QueryPipeline
}

func NewRAG(cfg *config.Config, embedder embedding.Provider, index vectorstore.Index, model llms.Model, metrics *telemetry.Metrics) *RAG {
	return &RAG{
		Ingestor: NewIngestor(cfg, embedder, index, metrics),
		Query: NewQueryPipeline(
			NewRetriever(embedder, index, cfg.RAG.TopK),
			NewSynthesizer(model, cfg.InferenceLLM.Temperature),
			metrics,
		),
	}
}

func (r *RAG) Ingest(ctx context.Context, filename string, body io.Reader) (*models.IngestResult, error) {
	return r.Ingestor.Ingest(ctx, filename, body)
}

func (r *RAG) Answer(ctx context.Context, q models.Question) (*models.AnswerResult, error) {
	return r.Query.Answer(ctx, q)
}
