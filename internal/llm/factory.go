package llm

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/cota-go/dialogue/internal/agent/model"
	"github.com/cota-go/dialogue/internal/agent/prompts"
	errx "github.com/cota-go/dialogue/internal/core/error"
	"github.com/cota-go/dialogue/internal/metrics"
	logx "github.com/cota-go/dialogue/pkg/logger"
)

const defaultOpenAIBase = "https://api.openai.com/v1"

type options struct {
	httpClient *http.Client
	collector  *metrics.Collector
}

type Option func(*options)

// WithHTTPClient overrides the HTTP client of HTTP-based providers.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

func WithCollector(c *metrics.Collector) Option {
	return func(o *options) { o.collector = c }
}

// Provider maps the (apitype, userag) flags to a provider name. It is a pure
// function of the two flags; every other combination is a configuration error.
func Provider(cfg model.LLMConfig) (string, error) {
	switch {
	case cfg.APIType == model.APITypeOpenAI && !cfg.UseRAG:
		return ProviderOpenAI, nil
	case cfg.APIType == model.APITypeOpenAI && cfg.UseRAG:
		return ProviderOpenAIRAG, nil
	case cfg.APIType == model.APITypeCustom && !cfg.UseRAG:
		return ProviderCustom, nil
	case cfg.APIType == model.APITypeCustom && cfg.UseRAG:
		return ProviderCustomRAG, nil
	case cfg.APIType == model.APITypeGemini && !cfg.UseRAG:
		return ProviderGemini, nil
	default:
		return "", errx.Configuration("unsupported llm combination apitype=%q userag=%t", cfg.APIType, cfg.UseRAG)
	}
}

// New builds the gateway for cfg and wraps it with the configured
// middleware. It never performs network I/O.
func New(ctx context.Context, name string, cfg model.LLMConfig, opts ...Option) (Gateway, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	provider, err := Provider(cfg)
	if err != nil {
		return nil, err
	}

	hc := o.httpClient
	if hc == nil {
		hc = &http.Client{Timeout: time.Duration(cfg.Timeout) * time.Second}
	}

	var g Gateway
	switch provider {
	case ProviderOpenAI:
		g = newOpenAIGateway(cfg, hc)
	case ProviderOpenAIRAG:
		if cfg.KnowledgeID == "" {
			return nil, errx.Configuration("llm %s: userag requires knowledge_id", name)
		}
		base := cfg.APIBase
		if base == "" {
			base = defaultOpenAIBase
		}
		ragPrompt := cfg.RAGPrompt
		if ragPrompt == "" {
			ragPrompt = prompts.MustDefault(prompts.RAG)
		}
		g = &httpGateway{
			provider: provider,
			url:      strings.TrimRight(base, "/") + "/chat/completions",
			key:      cfg.Key,
			model:    cfg.Model,
			client:   hc,
			retrieval: &Retrieval{
				KnowledgeID:    cfg.KnowledgeID,
				PromptTemplate: ragPrompt,
			},
		}
	case ProviderCustom, ProviderCustomRAG:
		if cfg.APIBase == "" {
			return nil, errx.Configuration("llm %s: custom provider requires apibase", name)
		}
		hg := &httpGateway{
			provider: provider,
			url:      cfg.APIBase,
			key:      cfg.Key,
			model:    cfg.Model,
			client:   hc,
		}
		if provider == ProviderCustomRAG {
			if cfg.KnowledgeID == "" {
				return nil, errx.Configuration("llm %s: userag requires knowledge_id", name)
			}
			hg.knowledgeID = cfg.KnowledgeID
		}
		g = hg
	case ProviderGemini:
		gg, err := newGeminiGateway(ctx, name, cfg)
		if err != nil {
			return nil, err
		}
		g = gg
	}

	// eino-ext models emit chat-model callbacks themselves.
	if provider != ProviderGemini {
		g = withCallbacks(name, provider)(g)
	}
	mws := []Middleware{}
	if cfg.RPS > 0 {
		mws = append(mws, WithRateLimit(cfg.RPS))
	}
	if cfg.Breaker {
		mws = append(mws, WithCircuitBreaker(name, BreakerSettings{}))
	}
	if o.collector != nil {
		mws = append(mws, WithMetrics(provider, o.collector))
	}

	logx.Debug().Str("llm", name).Str("provider", provider).Str("model", cfg.Model).Msg("llm gateway ready")
	return Chain(g, mws...), nil
}
