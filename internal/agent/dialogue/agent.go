// Package dialogue wires configuration, gateways, policies and actions into
// an Agent, and runs sessions against it.
package dialogue

import (
	"context"
	"fmt"
	"net/http"
	"sort"

	einocb "github.com/cloudwego/eino/callbacks"

	"github.com/cota-go/dialogue/internal/agent/actions"
	"github.com/cota-go/dialogue/internal/agent/dpl"
	"github.com/cota-go/dialogue/internal/agent/model"
	"github.com/cota-go/dialogue/internal/agent/repo"
	errx "github.com/cota-go/dialogue/internal/core/error"
	"github.com/cota-go/dialogue/internal/llm"
	"github.com/cota-go/dialogue/internal/metrics"
	logx "github.com/cota-go/dialogue/pkg/logger"
)

// Agent is the immutable, shareable part of a dialogue system. Sessions
// created from one Agent share its configuration, gateways and policies but
// nothing mutable.
type Agent struct {
	cfg       *model.AgentConfig
	gateways  map[string]llm.Gateway
	knowledge model.KnowledgeRepository
	catalog   *actions.Catalog
	chain     *dpl.Chain
	breaker   *dpl.Breaker
	metrics   *metrics.Collector
	callbacks []einocb.Handler
}

type Option func(*options)

type options struct {
	gateways   map[string]llm.Gateway
	knowledge  model.KnowledgeRepository
	collector  *metrics.Collector
	callbacks  []einocb.Handler
	httpClient *http.Client
}

// WithGateway uses g for the named LLM instead of building it from the
// document.
func WithGateway(name string, g llm.Gateway) Option {
	return func(o *options) { o.gateways[name] = g }
}

// WithKnowledge sets the repository behind repository-backed RAG policies.
// Documents listed in the agent document are added to it.
func WithKnowledge(r model.KnowledgeRepository) Option {
	return func(o *options) { o.knowledge = r }
}

func WithMetrics(c *metrics.Collector) Option {
	return func(o *options) { o.collector = c }
}

// WithCallbacks installs eino callback handlers for every session.
func WithCallbacks(handlers ...einocb.Handler) Option {
	return func(o *options) { o.callbacks = append(o.callbacks, handlers...) }
}

// WithHTTPClient is used by HTTP gateways and form executers.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// New builds an Agent from a resolved configuration. Every failure here is a
// configuration error; nothing is deferred to the first session.
func New(ctx context.Context, cfg *model.AgentConfig, opts ...Option) (*Agent, error) {
	o := &options{gateways: make(map[string]llm.Gateway)}
	for _, opt := range opts {
		opt(o)
	}

	a := &Agent{
		cfg:       cfg,
		gateways:  make(map[string]llm.Gateway, len(cfg.LLMs)+len(o.gateways)),
		metrics:   o.collector,
		callbacks: o.callbacks,
	}

	var llmOpts []llm.Option
	if o.httpClient != nil {
		llmOpts = append(llmOpts, llm.WithHTTPClient(o.httpClient))
	}
	if o.collector != nil {
		llmOpts = append(llmOpts, llm.WithCollector(o.collector))
	}
	for name, lc := range cfg.LLMs {
		if _, ok := o.gateways[name]; ok {
			continue
		}
		g, err := llm.New(ctx, name, lc, llmOpts...)
		if err != nil {
			return nil, err
		}
		a.gateways[name] = g
	}
	for name, g := range o.gateways {
		a.gateways[name] = g
	}

	if err := a.checkReferences(); err != nil {
		return nil, err
	}

	a.knowledge = o.knowledge
	if a.knowledge == nil {
		a.knowledge = repo.NewMemoryKnowledgeRepository()
	}
	for _, doc := range cfg.Knowledge {
		if err := a.knowledge.AddDocument(ctx, doc); err != nil {
			return nil, errx.New(errx.KindConfiguration, err, fmt.Sprintf("seed knowledge %s", doc.ID))
		}
	}

	var catalogOpts []actions.CatalogOption
	if o.httpClient != nil {
		catalogOpts = append(catalogOpts, actions.WithExecuterClient(o.httpClient))
	}
	catalog, err := actions.NewCatalog(cfg, catalogOpts...)
	if err != nil {
		return nil, err
	}
	a.catalog = catalog

	chain, err := dpl.NewChain(cfg, dpl.Deps{
		Gateways:  a,
		Knowledge: a.knowledge,
		MaxTokens: cfg.Dialogue.MaxTokens,
	})
	if err != nil {
		return nil, err
	}
	a.chain = chain

	if cfg.Dialogue.UseProxyUser && cfg.Dialogue.UseProxyUserBreaker {
		if a.breaker, err = dpl.NewBreaker(cfg, a); err != nil {
			return nil, err
		}
	}

	logx.Info().
		Str("component", "dialogue").
		Int("actions", len(cfg.Actions)).
		Int("policies", len(cfg.Policies)).
		Strs("llms", a.llmNames()).
		Msg("agent ready")
	return a, nil
}

// checkReferences rejects actions that name an LLM the agent does not have.
// Implicit references to the default backend are resolved when used.
func (a *Agent) checkReferences() error {
	check := func(owner, name string) error {
		if name == "" {
			return nil
		}
		if _, ok := a.gateways[name]; !ok {
			return errx.Configuration("%s references undefined llm %q", owner, name)
		}
		return nil
	}
	for name, ac := range a.cfg.Actions {
		if err := check("action "+name, ac.LLM); err != nil {
			return err
		}
		if err := check("action "+name+" updater", ac.Updater.LLM); err != nil {
			return err
		}
		if ac.Breaker != nil {
			if err := check("action "+name+" breaker", ac.Breaker.LLM); err != nil {
				return err
			}
		}
	}
	return nil
}

func (a *Agent) llmNames() []string {
	names := make([]string, 0, len(a.gateways))
	for n := range a.gateways {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Gateway returns the named backend.
func (a *Agent) Gateway(name string) (llm.Gateway, error) {
	g, ok := a.gateways[name]
	if !ok {
		return nil, errx.Configuration("llm %q is not defined", name)
	}
	return g, nil
}

// Retries is the caller-side retry budget configured for the named backend.
func (a *Agent) Retries(name string) int {
	lc, ok := a.cfg.LLMs[name]
	if !ok || lc.MaxRetries < 0 {
		return 0
	}
	return lc.MaxRetries
}

func (a *Agent) Config() *model.AgentConfig { return a.cfg }

// Knowledge is the repository behind repository-backed RAG policies.
func (a *Agent) Knowledge() model.KnowledgeRepository { return a.knowledge }

var (
	_ actions.Runtime     = (*Agent)(nil)
	_ dpl.GatewayProvider = (*Agent)(nil)
)
