package embedding

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/googleai"

	"knowledge-rag/internal/config"
)

const defaultGeminiEmbeddingModel = "text-embedding-004"

// NewGeminiEmbedder embeds texts with the Google Generative AI embedding API.
func NewGeminiEmbedder(ctx context.Context, llmConfig *config.LLMConfig) (Provider, error) {
	if llmConfig.Key == "" {
		return nil, fmt.Errorf("missing GEMINI_API_KEY for embeddings")
	}
	model := llmConfig.Model
	if model == "" {
		model = defaultGeminiEmbeddingModel
	}
	llm, err := googleai.New(ctx,
		googleai.WithAPIKey(llmConfig.Key),
		googleai.WithDefaultEmbeddingModel(model),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize gemini client: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	return &langchainProvider{embedder: embedder}, nil
}
