package llmservice

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"knowledge-rag/internal/config"
)

// New returns the inference model named by llmConfig.Provider wrapped in a
// circuit breaker and request pacing.
func New(ctx context.Context, llmConfig *config.LLMConfig) (llms.Model, error) {
	log.Debug().Interface("llmConfig", map[string]any{
		"provider": llmConfig.Provider,
		"base_url": llmConfig.BaseURL,
		"model":    llmConfig.Model,
		"rpm":      llmConfig.RequestsPerMinute,
	}).Msg("Initializing inference model")

	var (
		model llms.Model
		err   error
	)
	switch llmConfig.Provider {
	case config.ProviderOpenAI:
		model, err = NewOpenAI(llmConfig)
	case config.ProviderOllama:
		model, err = NewOllama(llmConfig)
	case config.ProviderGemini:
		model, err = NewGemini(ctx, llmConfig)
	default:
		err = fmt.Errorf("unknown inference provider: %s", llmConfig.Provider)
	}
	if err != nil {
		return nil, err
	}
	return NewGuardedModel(model, llmConfig.Provider, llmConfig.RequestsPerMinute), nil
}

// NewOpenAI returns a client for any OpenAI-compatible chat endpoint (Groq by default).
func NewOpenAI(llmConfig *config.LLMConfig) (llms.Model, error) {
	opts := []openai.Option{
		openai.WithToken(strings.TrimPrefix(llmConfig.Key, "Bearer ")),
		openai.WithModel(llmConfig.Model),
	}
	if llmConfig.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(llmConfig.BaseURL))
	}
	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize openai client: %w", err)
	}
	return llm, nil
}

func NewOllama(llmConfig *config.LLMConfig) (llms.Model, error) {
	opts := []ollama.Option{ollama.WithModel(llmConfig.Model)}
	if llmConfig.BaseURL != "" {
		opts = append(opts, ollama.WithServerURL(llmConfig.BaseURL))
	}
	llm, err := ollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize ollama client: %w", err)
	}
	return llm, nil
}
