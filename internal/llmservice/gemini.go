package llmservice

import (
	"context"
	"errors"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/googleai"

	"knowledge-rag/internal/config"
)

const defaultGeminiModel = "gemini-2.0-flash"

func NewGemini(ctx context.Context, llmConfig *config.LLMConfig) (llms.Model, error) {
	if llmConfig.Key == "" {
		return nil, errors.New("missing GEMINI_API_KEY for inference")
	}
	name := llmConfig.Model
	if name == "" {
		name = defaultGeminiModel
	}
	llm, err := googleai.New(ctx,
		googleai.WithAPIKey(llmConfig.Key),
		googleai.WithDefaultModel(name),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize gemini client: %w", err)
	}
	return llm, nil
}
