package embedding

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"knowledge-rag/internal/config"
	"knowledge-rag/internal/models"
)

const stageEmbed = "embed"

// Provider converts texts into vectors, one per input and in input order.
type Provider interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// langchainProvider adapts a langchaingo embedder to Provider.
type langchainProvider struct {
	embedder embeddings.Embedder
}

func (p *langchainProvider) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	return p.embedder.EmbedDocuments(ctx, texts)
}

// NewOllamaEmbedder returns a Provider backed by an Ollama server.
func NewOllamaEmbedder(llmConfig *config.LLMConfig) (Provider, error) {
	log.Debug().Interface("config", map[string]string{
		"base_url":        llmConfig.BaseURL,
		"embedding_model": llmConfig.Model,
	}).Msg("Initializing ollama embedder")

	llm, err := ollama.New(
		ollama.WithServerURL(llmConfig.BaseURL),
		ollama.WithModel(llmConfig.Model),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize ollama client: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	return &langchainProvider{embedder: embedder}, nil
}

// NewOpenAIEmbedder returns a Provider for any OpenAI-compatible endpoint.
func NewOpenAIEmbedder(llmConfig *config.LLMConfig) (Provider, error) {
	log.Debug().Interface("config", map[string]string{
		"base_url":        llmConfig.BaseURL,
		"embedding_model": llmConfig.Model,
	}).Msg("Initializing openai embedder")

	opts := []openai.Option{
		openai.WithToken(strings.TrimPrefix(llmConfig.Key, "Bearer ")),
		openai.WithEmbeddingModel(llmConfig.Model),
	}
	if llmConfig.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(llmConfig.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize openai client: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}
	return &langchainProvider{embedder: embedder}, nil
}

// New builds the Provider selected by cfg.EmbedLLM.Provider. The returned
// closer releases clients held by the provider and any cache connection.
func New(ctx context.Context, cfg *config.Config) (Provider, func() error, error) {
	var (
		provider Provider
		closers  []func() error
		err      error
	)
	switch cfg.EmbedLLM.Provider {
	case config.ProviderOllama:
		provider, err = NewOllamaEmbedder(&cfg.EmbedLLM)
	case config.ProviderOpenAI:
		provider, err = NewOpenAIEmbedder(&cfg.EmbedLLM)
	case config.ProviderGemini:
		provider, err = NewGeminiEmbedder(ctx, &cfg.EmbedLLM)
	case config.ProviderHash:
		provider = NewHashEmbedder(cfg.EmbedLLM.Dimension)
	default:
		err = fmt.Errorf("unknown embedding provider: %s", cfg.EmbedLLM.Provider)
	}
	if err != nil {
		return nil, nil, err
	}

	if cfg.Cache.RedisURL != "" {
		rdb, err := NewRedisClient(ctx, cfg.Cache.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		provider = NewCachedProvider(provider, rdb, cfg.EmbedLLM.Provider+":"+cfg.EmbedLLM.Model, cfg.Cache.TTL)
		closers = append(closers, rdb.Close)
		log.Info().Msg("Embedding cache enabled")
	}

	closeAll := func() error {
		var first error
		for _, c := range closers {
			if err := c(); err != nil && first == nil {
				first = err
			}
		}
		return first
	}
	return provider, closeAll, nil
}

// Embed calls the provider and verifies the result. Any failure, including
// an empty or size-mismatched result, is an embedding error.
func Embed(ctx context.Context, p Provider, texts []string) ([][]float32, error) {
	vectors, err := p.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, models.NewStageError(models.ErrEmbedding, stageEmbed, err)
	}
	if err := Verify(vectors, len(texts)); err != nil {
		return nil, models.NewStageError(models.ErrEmbedding, stageEmbed, err)
	}
	return vectors, nil
}

// Verify checks that vectors holds want non-empty vectors of one dimension.
func Verify(vectors [][]float32, want int) error {
	if len(vectors) == 0 {
		return fmt.Errorf("embeddings returned empty list, check that the embedding model or service is running and the model name is correct")
	}
	if len(vectors) != want {
		return fmt.Errorf("embeddings returned %d vectors for %d inputs", len(vectors), want)
	}
	dim := len(vectors[0])
	for i, v := range vectors {
		if len(v) == 0 {
			return fmt.Errorf("embedding %d is empty", i)
		}
		if len(v) != dim {
			return fmt.Errorf("embedding %d has dimension %d, expected %d", i, len(v), dim)
		}
	}
	return nil
}
