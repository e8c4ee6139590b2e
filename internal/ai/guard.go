package ai

import (
	"context"
	"errors"
	"sync/atomic"

	"github.com/pazpaz/backend/internal/circuitbreaker"
	"github.com/pazpaz/backend/internal/metrics"
	"github.com/pazpaz/backend/internal/retry"
)

// GuardedEmbedder decorates an Embedder with the provider guard stack: the
// circuit breaker fails fast while open, and inside a closed breaker each
// call retries transient faults with backoff. One exhausted retry burst
// counts as one breaker failure.
type GuardedEmbedder struct {
	Provider Embedder
	Breaker  *circuitbreaker.CircuitBreaker
	Policy   retry.Policy
	Metrics  *metrics.Metrics
}

// NewGuardedEmbedder wraps provider with the default provider retry policy.
func NewGuardedEmbedder(provider Embedder, breaker *circuitbreaker.CircuitBreaker, m *metrics.Metrics) *GuardedEmbedder {
	return &GuardedEmbedder{
		Provider: provider,
		Breaker:  breaker,
		Policy:   retry.ProviderDefaults,
		Metrics:  m,
	}
}

// Embed implements Embedder.
func (g *GuardedEmbedder) Embed(ctx context.Context, text string, inputType InputType) ([]float32, error) {
	var attempts int64
	vec, err := circuitbreaker.Do(ctx, g.Breaker, func(ctx context.Context) ([]float32, error) {
		return retry.Value(ctx, g.Policy, Transient, func(ctx context.Context) ([]float32, error) {
			atomic.AddInt64(&attempts, 1)
			return g.Provider.Embed(ctx, text, inputType)
		})
	})
	g.record(err, atomic.LoadInt64(&attempts))
	return vec, err
}

func (g *GuardedEmbedder) record(err error, attempts int64) {
	if g.Metrics != nil {
		g.Metrics.RecordLLMCall(g.Breaker.Name(), callOutcome(err, attempts))
	}
}

// GuardedChat decorates a ChatModel with the same breaker+retry stack.
type GuardedChat struct {
	Provider ChatModel
	Breaker  *circuitbreaker.CircuitBreaker
	Policy   retry.Policy
	Metrics  *metrics.Metrics
}

// NewGuardedChat wraps provider with the default provider retry policy.
func NewGuardedChat(provider ChatModel, breaker *circuitbreaker.CircuitBreaker, m *metrics.Metrics) *GuardedChat {
	return &GuardedChat{
		Provider: provider,
		Breaker:  breaker,
		Policy:   retry.ProviderDefaults,
		Metrics:  m,
	}
}

// Chat implements ChatModel.
func (g *GuardedChat) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	var attempts int64
	resp, err := circuitbreaker.Do(ctx, g.Breaker, func(ctx context.Context) (*ChatResponse, error) {
		return retry.Value(ctx, g.Policy, Transient, func(ctx context.Context) (*ChatResponse, error) {
			atomic.AddInt64(&attempts, 1)
			return g.Provider.Chat(ctx, req)
		})
	})
	if g.Metrics != nil {
		g.Metrics.RecordLLMCall(g.Breaker.Name(), callOutcome(err, atomic.LoadInt64(&attempts)))
	}
	return resp, err
}

func callOutcome(err error, attempts int64) string {
	switch {
	case errors.Is(err, circuitbreaker.ErrCircuitOpen),
		errors.Is(err, circuitbreaker.ErrTooManyRequests):
		return "circuit_open"
	case err != nil:
		return "failure"
	case attempts > 1:
		return "retried"
	default:
		return "success"
	}
}
