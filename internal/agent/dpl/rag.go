package dpl

import (
	"context"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/schema"

	"github.com/cota-go/dialogue/internal/agent/dst"
	"github.com/cota-go/dialogue/internal/agent/model"
	"github.com/cota-go/dialogue/internal/agent/prompts"
	errx "github.com/cota-go/dialogue/internal/core/error"
	"github.com/cota-go/dialogue/internal/llm"
	logx "github.com/cota-go/dialogue/pkg/logger"
)

// RAG retrieves knowledge for the latest user query, either from a
// knowledge repository or from a retrieval-enabled gateway. The lookup runs
// once per user utterance; retrieved fragments are kept in the tracker's
// bounded per-policy cache.
type RAG struct {
	name        string
	topK        int
	maxThoughts int
	action      string
	maxTokens   int

	repo      model.KnowledgeRepository
	lookup    llm.Gateway
	summarize llm.Gateway
}

func NewRAG(cfg model.PolicyConfig, deps Deps) (*RAG, error) {
	p := &RAG{
		name:        cfg.Name,
		topK:        cfg.TopK,
		maxThoughts: cfg.MaxThoughts,
		action:      cfg.Action,
		maxTokens:   deps.MaxTokens,
		repo:        deps.Knowledge,
	}

	gateway := func(name string) (llm.Gateway, error) {
		if deps.Gateways == nil {
			return nil, errx.Configuration("policy %s: llm %q is not available", cfg.Name, name)
		}
		g, err := deps.Gateways.Gateway(name)
		if err != nil {
			return nil, errx.New(errx.KindConfiguration, err, fmt.Sprintf("policy %s", cfg.Name))
		}
		return g, nil
	}

	var err error
	if cfg.LLM != "" {
		if p.lookup, err = gateway(cfg.LLM); err != nil {
			return nil, err
		}
	} else if p.repo == nil {
		return nil, errx.Configuration("policy %s needs an llm or a knowledge repository", cfg.Name)
	}
	if cfg.SummarizeLLM != "" {
		if p.summarize, err = gateway(cfg.SummarizeLLM); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *RAG) Name() string { return p.name }

func (p *RAG) GenerateThoughts(context.Context, *dst.Tracker, dst.Action) (string, error) {
	return "", nil
}

// GenerateKnowledge retrieves for the latest query and returns the cached
// fragments, oldest first.
func (p *RAG) GenerateKnowledge(ctx context.Context, t *dst.Tracker, _ dst.Action) (string, error) {
	if _, err := p.retrieve(ctx, t); err != nil {
		return "", err
	}
	return strings.Join(t.Knowledge(p.name), "\n"), nil
}

// GenerateActions proposes the configured action when knowledge was found
// for the latest query.
func (p *RAG) GenerateActions(ctx context.Context, t *dst.Tracker) ([]string, error) {
	if p.action == "" {
		return nil, nil
	}
	latest := t.LatestAction()
	if latest == nil || latest.Kind() != model.KindUserUtter {
		return nil, nil
	}
	frag, err := p.retrieve(ctx, t)
	if err != nil {
		return nil, err
	}
	if frag == "" {
		return nil, nil
	}
	return []string{p.action}, nil
}

func (p *RAG) retrieve(ctx context.Context, t *dst.Tracker) (string, error) {
	query := t.LatestQueryText()
	if strings.TrimSpace(query) == "" {
		return "", nil
	}
	if frag, ok := t.Retrieval(p.name); ok {
		return frag, nil
	}

	if p.summarize != nil {
		q, err := p.summarizeQuery(ctx, t)
		if err != nil {
			return "", err
		}
		if q != "" {
			query = q
		}
	}

	var frag string
	var err error
	if p.lookup != nil {
		frag, err = p.fromGateway(ctx, query)
	} else {
		frag, err = p.fromRepository(ctx, query)
	}
	if err != nil {
		return "", err
	}

	t.RememberRetrieval(p.name, frag)
	if cached := t.Knowledge(p.name); frag != "" && (len(cached) == 0 || cached[len(cached)-1] != frag) {
		t.RememberKnowledge(p.name, frag, p.maxThoughts)
	}

	logx.Debug().
		Str("component", "dpl").
		Str("session_id", t.SessionID()).
		Str("policy", p.name).
		Bool("found", frag != "").
		Msg("knowledge retrieved")
	return frag, nil
}

func (p *RAG) summarizeQuery(ctx context.Context, t *dst.Tracker) (string, error) {
	prompt, err := t.FormatPrompt(ctx, prompts.MustDefault(prompts.RAGSummary), nil)
	if err != nil {
		return "", err
	}
	resp, err := p.summarize.GenerateChat(ctx, llm.Request{
		Messages:  []*schema.Message{schema.UserMessage(prompt)},
		MaxTokens: p.maxTokens,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

func (p *RAG) fromGateway(ctx context.Context, query string) (string, error) {
	resp, err := p.lookup.GenerateChat(ctx, llm.Request{
		Messages:  []*schema.Message{schema.UserMessage(query)},
		MaxTokens: p.maxTokens,
	})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

func (p *RAG) fromRepository(ctx context.Context, query string) (string, error) {
	docs, err := p.repo.Search(ctx, query, p.topK)
	if err != nil {
		return "", err
	}
	lines := make([]string, 0, len(docs))
	for _, d := range docs {
		lines = append(lines, "- "+d.Text)
	}
	return strings.Join(lines, "\n"), nil
}
