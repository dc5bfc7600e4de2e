package llm

import (
	"context"
	"errors"
	"time"

	einocb "github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"github.com/cota-go/dialogue/internal/agent/model"
	"github.com/cota-go/dialogue/internal/metrics"
	logx "github.com/cota-go/dialogue/pkg/logger"
)

// Middleware decorates a Gateway.
type Middleware func(Gateway) Gateway

// Chain applies mws in order; the last one is the outermost.
func Chain(g Gateway, mws ...Middleware) Gateway {
	for _, mw := range mws {
		g = mw(g)
	}
	return g
}

// WithRateLimit bounds outgoing calls to rps. Waiting honours ctx.
func WithRateLimit(rps float64) Middleware {
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}
	limiter := rate.NewLimiter(rate.Limit(rps), burst)

	return func(next Gateway) Gateway {
		return GatewayFunc(func(ctx context.Context, req Request) (*Response, error) {
			if err := limiter.Wait(ctx); err != nil {
				return nil, gatewayError("rate_limiter", err)
			}
			return next.GenerateChat(ctx, req)
		})
	}
}

type BreakerSettings struct {
	// ConsecutiveFailures trips the breaker; default 5.
	ConsecutiveFailures uint32
	// OpenTimeout is how long the breaker stays open; default 30s.
	OpenTimeout time.Duration
}

// WithCircuitBreaker fails fast with a gateway error while the backend keeps
// failing. Cancelled calls do not count as failures.
func WithCircuitBreaker(name string, s BreakerSettings) Middleware {
	if s.ConsecutiveFailures == 0 {
		s.ConsecutiveFailures = 5
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = 30 * time.Second
	}

	cb := gobreaker.NewCircuitBreaker[*Response](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= s.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logx.Warn().Str("llm", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	})

	return func(next Gateway) Gateway {
		return GatewayFunc(func(ctx context.Context, req Request) (*Response, error) {
			resp, err := cb.Execute(func() (*Response, error) {
				return next.GenerateChat(ctx, req)
			})
			if err != nil {
				return nil, gatewayError(name, err)
			}
			return resp, nil
		})
	}
}

// IsCircuitOpen reports whether err came from an open or saturated breaker.
func IsCircuitOpen(err error) bool {
	return errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
}

// WithMetrics records outcome, latency, token usage and cost per call.
func WithMetrics(provider string, c *metrics.Collector) Middleware {
	return func(next Gateway) Gateway {
		return GatewayFunc(func(ctx context.Context, req Request) (*Response, error) {
			start := time.Now()
			resp, err := next.GenerateChat(ctx, req)
			if err != nil {
				c.RecordLLMRequest(provider, "error", time.Since(start))
				return nil, err
			}
			c.RecordLLMRequest(provider, "success", time.Since(start))
			if resp.Usage != nil {
				c.RecordTokens(provider, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
				_, _, total := model.ComputeCost(resp.Usage, model.ResolvePricing(resp.Model))
				c.RecordCost(resp.Model, total)
			}
			return resp, nil
		})
	}
}

// withCallbacks emits eino chat-model callbacks around providers that are not
// eino components, so the same observers see every backend.
func withCallbacks(name, provider string) Middleware {
	info := &einocb.RunInfo{Name: name, Type: provider, Component: components.ComponentOfChatModel}
	return func(next Gateway) Gateway {
		return GatewayFunc(func(ctx context.Context, req Request) (*Response, error) {
			ctx = einocb.ReuseHandlers(ctx, info)
			ctx = einocb.OnStart(ctx, &einomodel.CallbackInput{Messages: req.Messages})

			resp, err := next.GenerateChat(ctx, req)
			if err != nil {
				einocb.OnError(ctx, err)
				return nil, err
			}

			out := &schema.Message{
				Role:         schema.Assistant,
				Content:      resp.Content,
				ToolCalls:    resp.ToolCalls,
				ResponseMeta: &schema.ResponseMeta{Usage: resp.Usage},
			}
			einocb.OnEnd(ctx, &einomodel.CallbackOutput{Message: out})
			return resp, nil
		})
	}
}
