package actions

import (
	"context"

	"github.com/cota-go/dialogue/internal/agent/dst"
	"github.com/cota-go/dialogue/internal/agent/model"
	errx "github.com/cota-go/dialogue/internal/core/error"
	logx "github.com/cota-go/dialogue/pkg/logger"
)

// UserUtter is a user-side utterance: literal input or an LLM-simulated
// user speaking with the user_proxy persona.
type UserUtter struct {
	base
}

func NewUserUtter(name string, cfg model.ActionConfig, p Parties) *UserUtter {
	return &UserUtter{base: newBase(name, cfg, p.User, p.Bot)}
}

// RunFromString records text without calling a model.
func (a *UserUtter) RunFromString(text string) error {
	if err := a.transition(PromptComposed); err != nil {
		return err
	}
	return a.record(model.NewMessage(model.SenderUser, text, nil))
}

func (a *UserUtter) Run(ctx context.Context, rt Runtime, t *dst.Tracker) error {
	return runUtter(ctx, &a.base, a, rt, t, rt.Config().UserProxy.Description, model.SenderUser)
}

func (a *UserUtter) ApplyTo(t *dst.Tracker) error { return a.apply(a, t) }

func (a *UserUtter) EndsTurn() bool { return true }

// BotUtter is a free-form bot reply with the system persona.
type BotUtter struct {
	base
}

func NewBotUtter(name string, cfg model.ActionConfig, p Parties) *BotUtter {
	return &BotUtter{base: newBase(name, cfg, p.Bot, p.User)}
}

func (a *BotUtter) Run(ctx context.Context, rt Runtime, t *dst.Tracker) error {
	return runUtter(ctx, &a.base, a, rt, t, rt.Config().System.Description, model.SenderBot)
}

func (a *BotUtter) ApplyTo(t *dst.Tracker) error { return a.apply(a, t) }

func (a *BotUtter) EndsTurn() bool { return true }

func runUtter(ctx context.Context, b *base, self dst.Action, rt Runtime, t *dst.Tracker, persona, sender string) error {
	prompt, err := b.compose(ctx, self, t)
	if err != nil {
		return err
	}
	if err := b.transition(PromptComposed); err != nil {
		return err
	}

	resp, err := b.invoke(ctx, rt, b.llm, chat(persona, prompt))
	if err != nil {
		return err
	}
	if resp.Content == "" && len(resp.ToolCalls) == 0 {
		return errx.Newf(errx.KindActionExecution, "%s: empty model output", b.name)
	}

	logx.Debug().
		Str("component", "actions").
		Str("session_id", t.SessionID()).
		Str("action", b.name).
		Str("sender", sender).
		Msg("utterance generated")

	return b.record(model.NewMessage(sender, resp.Content, costMeta(resp, nil)))
}
