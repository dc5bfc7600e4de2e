// Package dpl holds the dialogue policies and the chain that resolves the
// next action from them.
package dpl

import (
	"context"
	"fmt"
	"strings"

	"github.com/cota-go/dialogue/internal/agent/dst"
	"github.com/cota-go/dialogue/internal/agent/model"
	errx "github.com/cota-go/dialogue/internal/core/error"
	"github.com/cota-go/dialogue/internal/llm"
	logx "github.com/cota-go/dialogue/pkg/logger"
)

// Policy names accepted in the agent document.
const (
	PolicyTrigger = "trigger"
	PolicyMatch   = "match"
	PolicyRAG     = "rag"
)

// GatewayProvider resolves configured LLM backends by name.
type GatewayProvider interface {
	Gateway(name string) (llm.Gateway, error)
}

// Deps are the collaborators a policy may be built with.
type Deps struct {
	Gateways  GatewayProvider
	Knowledge model.KnowledgeRepository
	MaxTokens int
}

type builder func(cfg model.PolicyConfig, deps Deps) (dst.Policy, error)

var builders = map[string]builder{
	PolicyTrigger: func(cfg model.PolicyConfig, _ Deps) (dst.Policy, error) { return NewTrigger(cfg), nil },
	PolicyMatch:   func(cfg model.PolicyConfig, _ Deps) (dst.Policy, error) { return NewMatch(cfg) },
	PolicyRAG:     func(cfg model.PolicyConfig, deps Deps) (dst.Policy, error) { return NewRAG(cfg, deps) },
}

// Chain is the ordered policy list of an agent. It holds no session state
// and is shared by every session.
type Chain struct {
	policies []dst.Policy
}

// NewChain builds the configured policies in order. An empty list or an
// unknown policy name is a configuration error.
func NewChain(cfg *model.AgentConfig, deps Deps) (*Chain, error) {
	if len(cfg.Policies) == 0 {
		return nil, errx.Configuration("no policies configured")
	}

	policies := make([]dst.Policy, 0, len(cfg.Policies))
	for i, pc := range cfg.Policies {
		build, ok := builders[strings.ToLower(pc.Name)]
		if !ok {
			return nil, errx.Configuration("policy %d: unknown policy %q", i, pc.Name)
		}
		p, err := build(pc, deps)
		if err != nil {
			return nil, err
		}
		policies = append(policies, p)
	}
	return &Chain{policies: policies}, nil
}

// NewChainOf wraps ready-made policies.
func NewChainOf(policies ...dst.Policy) (*Chain, error) {
	if len(policies) == 0 {
		return nil, errx.Configuration("no policies configured")
	}
	return &Chain{policies: policies}, nil
}

func (c *Chain) Policies() []dst.Policy { return append([]dst.Policy(nil), c.policies...) }

// Next resolves the action names for the next bot step. A pending selection
// or an active form wins over every policy; after that the first policy with
// a non-empty proposal wins. Policy errors are never swallowed.
func (c *Chain) Next(ctx context.Context, t *dst.Tracker) ([]string, error) {
	if name, ok := t.PendingAction(); ok {
		logx.Debug().
			Str("component", "dpl").
			Str("session_id", t.SessionID()).
			Str("action", name).
			Msg("pending action selected")
		return []string{name}, nil
	}

	for _, p := range c.policies {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		names, err := p.GenerateActions(ctx, t)
		if err != nil {
			return nil, errx.New(errx.KindActionExecution, err, fmt.Sprintf("policy %s", p.Name()))
		}
		if len(names) > 0 {
			logx.Debug().
				Str("component", "dpl").
				Str("session_id", t.SessionID()).
				Str("policy", p.Name()).
				Strs("actions", names).
				Msg("policy proposed actions")
			return names, nil
		}
	}

	after := "session start"
	if la := t.LatestAction(); la != nil {
		after = la.Name()
	}
	return nil, errx.Newf(errx.KindNoApplicablePolicy, "no policy proposed an action after %s", after)
}
