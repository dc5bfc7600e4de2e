package dpl

import (
	"context"

	"github.com/cloudwego/eino/schema"

	"github.com/cota-go/dialogue/internal/agent/dst"
	"github.com/cota-go/dialogue/internal/agent/model"
	"github.com/cota-go/dialogue/internal/agent/parsers"
	errx "github.com/cota-go/dialogue/internal/core/error"
	"github.com/cota-go/dialogue/internal/llm"
	logx "github.com/cota-go/dialogue/pkg/logger"
)

// Breaker asks a model whether a simulated conversation should end.
type Breaker struct {
	persona   string
	prompt    string
	gateway   llm.Gateway
	maxTokens int
}

// NewBreaker builds the judge from the UserUtter breaker definition. It
// returns nil, nil when no breaker is defined.
func NewBreaker(cfg *model.AgentConfig, gateways GatewayProvider) (*Breaker, error) {
	uu, ok := cfg.Actions[model.ActionUserUtter]
	if !ok || uu.Breaker == nil || uu.Breaker.Prompt == "" {
		return nil, nil
	}
	if gateways == nil {
		return nil, errx.Configuration("breaker needs an llm")
	}
	g, err := gateways.Gateway(model.LLMName(uu.Breaker.LLM))
	if err != nil {
		return nil, errx.New(errx.KindConfiguration, err, "breaker")
	}
	return &Breaker{
		persona:   uu.Breaker.Description,
		prompt:    uu.Breaker.Prompt,
		gateway:   g,
		maxTokens: cfg.Dialogue.MaxTokens,
	}, nil
}

// ShouldStop reports the judge's verdict. Any failure means continue.
func (b *Breaker) ShouldStop(ctx context.Context, t *dst.Tracker) bool {
	if b == nil {
		return false
	}
	stop, err := b.judge(ctx, t)
	if err != nil {
		logx.Warn().Err(err).
			Str("component", "dpl").
			Str("session_id", t.SessionID()).
			Msg("breaker failed, continuing")
		return false
	}
	return stop
}

func (b *Breaker) judge(ctx context.Context, t *dst.Tracker) (bool, error) {
	prompt, err := t.FormatPrompt(ctx, b.prompt, nil)
	if err != nil {
		return false, err
	}
	msgs := []*schema.Message{schema.UserMessage(prompt)}
	if b.persona != "" {
		msgs = append([]*schema.Message{schema.SystemMessage(b.persona)}, msgs...)
	}
	resp, err := b.gateway.GenerateChat(ctx, llm.Request{Messages: msgs, MaxTokens: b.maxTokens})
	if err != nil {
		return false, err
	}
	return parsers.ParseBreaker(resp.Content)
}
