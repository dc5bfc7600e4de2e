// Package actions implements the action execution protocol:
// Created -> PromptComposed -> [ModelInvoked] -> ResultRecorded -> Applied.
package actions

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cloudwego/eino/schema"

	"github.com/cota-go/dialogue/internal/agent/dst"
	"github.com/cota-go/dialogue/internal/agent/model"
	"github.com/cota-go/dialogue/internal/agent/prompts"
	errx "github.com/cota-go/dialogue/internal/core/error"
	"github.com/cota-go/dialogue/internal/llm"
	logx "github.com/cota-go/dialogue/pkg/logger"
)

type State uint8

const (
	Created State = iota
	PromptComposed
	ModelInvoked
	ResultRecorded
	Applied
)

func (s State) String() string {
	switch s {
	case Created:
		return "created"
	case PromptComposed:
		return "prompt_composed"
	case ModelInvoked:
		return "model_invoked"
	case ResultRecorded:
		return "result_recorded"
	case Applied:
		return "applied"
	default:
		return fmt.Sprintf("state(%d)", s)
	}
}

// ErrAlreadyApplied is returned by a second ApplyTo on the same instance.
var ErrAlreadyApplied = errors.New("action already applied")

// Runtime is the agent-side context an action runs in.
type Runtime interface {
	Gateway(name string) (llm.Gateway, error)
	// Retries is the retry budget for calls through the named gateway.
	Retries(name string) int
	Config() *model.AgentConfig
}

// Action is an executable dialogue step. Each instance runs once and is
// applied at most once.
type Action interface {
	dst.Action
	State() State
	Run(ctx context.Context, rt Runtime, t *dst.Tracker) error
	ApplyTo(t *dst.Tracker) error
	// EndsTurn reports whether control passes to the other party once the
	// action is applied.
	EndsTurn() bool
}

// Parties identifies the two sides of a session.
type Parties struct {
	User string
	Bot  string
}

type base struct {
	name        string
	kind        model.ActionKind
	description string
	prompt      string
	llm         string
	senderID    string
	receiverID  string

	result []model.Message
	state  State
}

func newBase(name string, cfg model.ActionConfig, sender, receiver string) base {
	return base{
		name:        name,
		kind:        cfg.Type,
		description: cfg.Description,
		prompt:      cfg.Prompt,
		llm:         model.LLMName(cfg.LLM),
		senderID:    sender,
		receiverID:  receiver,
	}
}

func (b *base) Name() string            { return b.name }
func (b *base) Kind() model.ActionKind  { return b.kind }
func (b *base) Description() string     { return b.description }
func (b *base) Result() []model.Message { return append([]model.Message(nil), b.result...) }
func (b *base) FormBound() bool         { return false }
func (b *base) SenderID() string        { return b.senderID }
func (b *base) ReceiverID() string      { return b.receiverID }
func (b *base) State() State            { return b.state }

// transition moves forward through the protocol. ModelInvoked may be skipped
// by deterministic actions; nothing may move backwards.
func (b *base) transition(to State) error {
	ok := false
	switch to {
	case PromptComposed:
		ok = b.state == Created
	case ModelInvoked:
		ok = b.state == PromptComposed
	case ResultRecorded:
		ok = b.state == PromptComposed || b.state == ModelInvoked
	case Applied:
		ok = b.state == ResultRecorded
	}
	if !ok {
		return errx.Newf(errx.KindActionExecution, "%s: invalid transition %s -> %s", b.name, b.state, to)
	}
	b.state = to
	return nil
}

func (b *base) record(msgs ...model.Message) error {
	if err := b.transition(ResultRecorded); err != nil {
		return err
	}
	b.result = append(b.result, msgs...)
	return nil
}

// apply commits self to the tracker once.
func (b *base) apply(self dst.Action, t *dst.Tracker) error {
	if b.state == Applied {
		return ErrAlreadyApplied
	}
	if err := b.transition(Applied); err != nil {
		return err
	}
	t.Apply(self)
	return nil
}

// compose gathers thoughts and knowledge and resolves the action prompt.
func (b *base) compose(ctx context.Context, self dst.Action, t *dst.Tracker, extra ...[]prompts.Fragment) (string, error) {
	thoughts := t.FormatThoughts(ctx, self)
	knowledge := t.FormatRAG(ctx, self)
	groups := append([][]prompts.Fragment{{thoughts, knowledge}}, extra...)
	return t.FormatPrompt(ctx, b.prompt, self, groups...)
}

// chat builds the message list with an optional system persona.
func chat(system, prompt string) []*schema.Message {
	if system == "" {
		return []*schema.Message{schema.UserMessage(prompt)}
	}
	return []*schema.Message{schema.SystemMessage(system), schema.UserMessage(prompt)}
}

// invoke calls the named gateway with bounded exponential backoff. Context
// errors stop retrying at once. Exhausted retries become ActionExecution
// errors.
func (b *base) invoke(ctx context.Context, rt Runtime, llmName string, msgs []*schema.Message) (*llm.Response, error) {
	if b.state != ModelInvoked {
		if err := b.transition(ModelInvoked); err != nil {
			return nil, err
		}
	}

	gw, err := rt.Gateway(llmName)
	if err != nil {
		return nil, errx.New(errx.KindActionExecution, err, b.name)
	}

	req := llm.Request{Messages: msgs, MaxTokens: rt.Config().Dialogue.MaxTokens}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	retries := rt.Retries(llmName)
	if retries < 0 {
		retries = 0
	}

	var resp *llm.Response
	attempt := 0
	op := func() error {
		attempt++
		r, err := gw.GenerateChat(ctx, req)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			logx.Warn().Err(err).
				Str("component", "actions").
				Str("action", b.name).
				Str("llm", llmName).
				Int("attempt", attempt).
				Msg("model call failed")
			return err
		}
		resp = r
		return nil
	}

	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(retries)), ctx)); err != nil {
		return nil, errx.New(errx.KindActionExecution, err, fmt.Sprintf("%s after %d attempt(s)", b.name, attempt))
	}
	if err := ctx.Err(); err != nil {
		return nil, errx.New(errx.KindActionExecution, err, b.name)
	}
	return resp, nil
}

// costMeta attaches model and cost of resp to metadata.
func costMeta(resp *llm.Response, meta map[string]any) map[string]any {
	if meta == nil {
		meta = make(map[string]any)
	}
	if resp.Model != "" {
		meta[model.MetaModel] = resp.Model
	}
	if resp.Usage != nil {
		_, _, total := model.ComputeCost(resp.Usage, model.ResolvePricing(resp.Model))
		if total > 0 {
			meta[model.MetaCostUSD] = total
		}
	}
	return meta
}
