package llmservice

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"github.com/tmc/langchaingo/llms"
	"golang.org/x/time/rate"
)

// GuardedModel paces requests to the provider and stops calling it while it
// keeps failing. Calls are never retried.
type GuardedModel struct {
	model   llms.Model
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
}

var _ llms.Model = (*GuardedModel)(nil)

// NewGuardedModel wraps model. rpm <= 0 disables pacing.
func NewGuardedModel(model llms.Model, name string, rpm int) *GuardedModel {
	g := &GuardedModel{
		model: model,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name,
			MaxRequests: 1,
			Interval:    60 * time.Second,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
				return counts.Requests >= 3 && failureRatio >= 0.6
			},
			OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
				log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")
			},
		}),
	}
	if rpm > 0 {
		g.limiter = rate.NewLimiter(rate.Limit(float64(rpm)/60.0), max(1, rpm/10))
	}
	return g
}

func (g *GuardedModel) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}
	out, err := g.breaker.Execute(func() (interface{}, error) {
		return g.model.GenerateContent(ctx, messages, options...)
	})
	if err != nil {
		return nil, err
	}
	return out.(*llms.ContentResponse), nil
}

func (g *GuardedModel) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, g, prompt, options...)
}

// State reports the breaker state.
func (g *GuardedModel) State() gobreaker.State {
	return g.breaker.State()
}
