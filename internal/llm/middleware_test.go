package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errx "github.com/cota-go/dialogue/internal/core/error"
	"github.com/cota-go/dialogue/internal/metrics"
)

func failing(calls *int) Gateway {
	return GatewayFunc(func(ctx context.Context, req Request) (*Response, error) {
		*calls++
		return nil, gatewayErrorf("fake", "unavailable")
	})
}

func TestCircuitBreaker_Opens(t *testing.T) {
	calls := 0
	g := Chain(failing(&calls), WithCircuitBreaker("fake", BreakerSettings{ConsecutiveFailures: 2, OpenTimeout: time.Minute}))

	for i := 0; i < 2; i++ {
		_, err := g.GenerateChat(context.Background(), Request{})
		require.Error(t, err)
	}
	_, err := g.GenerateChat(context.Background(), Request{})
	require.Error(t, err)

	assert.Equal(t, 2, calls)
	assert.True(t, IsCircuitOpen(err))
	assert.True(t, errors.Is(err, errx.ErrGateway))
}

func TestRateLimit_HonoursContext(t *testing.T) {
	ok := GatewayFunc(func(ctx context.Context, req Request) (*Response, error) {
		return &Response{Content: "ok"}, nil
	})
	g := Chain(ok, WithRateLimit(0.001))

	_, err := g.GenerateChat(context.Background(), Request{})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = g.GenerateChat(ctx, Request{})
	assert.True(t, errors.Is(err, errx.ErrGateway))
}

func TestMetricsMiddleware(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := metrics.NewCollector(reg)
	ok := GatewayFunc(func(ctx context.Context, req Request) (*Response, error) {
		return &Response{Content: "ok", Model: "gpt-4o-mini", Usage: &schema.TokenUsage{PromptTokens: 1, CompletionTokens: 1}}, nil
	})
	calls := 0

	_, err := Chain(ok, WithMetrics("openai", c)).GenerateChat(context.Background(), Request{})
	require.NoError(t, err)
	_, err = Chain(failing(&calls), WithMetrics("custom", c)).GenerateChat(context.Background(), Request{})
	require.Error(t, err)

	// one success series and one error series
	n, err := testutil.GatherAndCount(reg, "cota_llm_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestGatewayError_NotDoubleWrapped(t *testing.T) {
	inner := gatewayErrorf("openai", "boom")
	assert.Same(t, inner, gatewayError("breaker", inner))
	assert.Nil(t, gatewayError("x", nil))
}
