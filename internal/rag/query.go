package rag

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/prompts"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"knowledge-rag/internal/embedding"
	"knowledge-rag/internal/models"
	"knowledge-rag/internal/telemetry"
	"knowledge-rag/internal/vectorstore"
)

const (
	stageValidate   = "validate"
	stageRetrieve   = "retrieve"
	stageSynthesize = "synthesize"
)

// Retriever finds the k stored chunks nearest to a question.
type Retriever struct {
	embedder embedding.Provider
	index    vectorstore.Index
	k        int
}

func NewRetriever(embedder embedding.Provider, index vectorstore.Index, k int) *Retriever {
	if k <= 0 {
		k = 3
	}
	return &Retriever{embedder: embedder, index: index, k: k}
}

func (r *Retriever) Retrieve(ctx context.Context, question string) (models.RetrievalResult, error) {
	vectors, err := embedding.Embed(ctx, r.embedder, []string{question})
	if err != nil {
		return nil, err
	}
	return r.index.Query(ctx, vectors[0], r.k)
}

// Synthesizer renders the retrieval prompt and asks the model for an answer.
type Synthesizer struct {
	model       llms.Model
	template    prompts.PromptTemplate
	temperature float64
}

func NewSynthesizer(model llms.Model, temperature float64) *Synthesizer {
	return &Synthesizer{
		model:       model,
		template:    prompts.NewPromptTemplate(models.RAGPromptTemplate, []string{"context", "input"}),
		temperature: temperature,
	}
}

// Prompt renders the template with the retrieved texts as context. An empty
// result still renders, with an empty context.
func (s *Synthesizer) Prompt(question string, hits models.RetrievalResult) (string, error) {
	texts := make([]string, len(hits))
	for i, h := range hits {
		texts[i] = h.Record.Text
	}
	return s.template.Format(map[string]any{
		"context": strings.Join(texts, models.ContextSeparator),
		"input":   question,
	})
}

func (s *Synthesizer) Synthesize(ctx context.Context, question string, hits models.RetrievalResult) (string, error) {
	prompt, err := s.Prompt(question, hits)
	if err != nil {
		return "", models.NewStageError(models.ErrSynthesis, stageSynthesize, fmt.Errorf("failed to render prompt: %w", err))
	}
	answer, err := llms.GenerateFromSinglePrompt(ctx, s.model, prompt, llms.WithTemperature(s.temperature))
	if err != nil {
		return "", models.NewStageError(models.ErrSynthesis, stageSynthesize, err)
	}
	return answer, nil
}

// QueryPipeline answers a question from the index.
type QueryPipeline struct {
	retriever   *Retriever
	synthesizer *Synthesizer
	metrics     *telemetry.Metrics
}

func NewQueryPipeline(retriever *Retriever, synthesizer *Synthesizer, metrics *telemetry.Metrics) *QueryPipeline {
	return &QueryPipeline{retriever: retriever, synthesizer: synthesizer, metrics: metrics}
}

// Answer retrieves context, synthesizes an answer and lists the distinct
// sources of the retrieved chunks. The chat history is not consulted.
func (p *QueryPipeline) Answer(ctx context.Context, q models.Question) (*models.AnswerResult, error) {
	ctx, span := telemetry.Tracer().Start(ctx, "rag.query")
	defer span.End()

	question := strings.TrimSpace(q.Question)
	if question == "" {
		return nil, p.fail(span, stageValidate, models.ErrEmptyQuestion)
	}

	start := time.Now()
	hits, err := p.retriever.Retrieve(ctx, question)
	p.metrics.RecordStage(ctx, "query", stageRetrieve, time.Since(start).Seconds(), err)
	if err != nil {
		return nil, p.fail(span, stageRetrieve, err)
	}
	log.Debug().Int("hits", len(hits)).Msg("Context retrieved")

	start = time.Now()
	answer, err := p.synthesizer.Synthesize(ctx, question, hits)
	p.metrics.RecordStage(ctx, "query", stageSynthesize, time.Since(start).Seconds(), err)
	if err != nil {
		return nil, p.fail(span, stageSynthesize, err)
	}

	sources := hits.Sources()
	span.SetAttributes(attribute.Int("rag.hits", len(hits)), attribute.StringSlice("rag.sources", sources))
	p.metrics.RecordQuery(ctx, len(sources))
	log.Info().Int("hits", len(hits)).Strs("sources", sources).Msg("Question answered")
	return &models.AnswerResult{Answer: answer, Sources: sources}, nil
}

func (p *QueryPipeline) fail(span trace.Span, stage string, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	log.Error().Err(err).Str("stage", stage).Msg("Query failed")
	return err
}
