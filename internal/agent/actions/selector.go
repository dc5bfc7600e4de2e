package actions

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/cota-go/dialogue/internal/agent/dst"
	"github.com/cota-go/dialogue/internal/agent/model"
	"github.com/cota-go/dialogue/internal/agent/parsers"
	"github.com/cota-go/dialogue/internal/agent/prompts"
	errx "github.com/cota-go/dialogue/internal/core/error"
)

// Selector lets the model pick the next bot action. The choice is recorded
// as message metadata and executed on the next step, before any policy.
type Selector struct {
	base
}

func NewSelector(name string, cfg model.ActionConfig, p Parties) *Selector {
	return &Selector{base: newBase(name, cfg, p.Bot, p.User)}
}

// Candidates lists the bot actions a selector may choose, sorted by name.
func Candidates(cfg *model.AgentConfig) []string {
	var names []string
	for name, ac := range cfg.BotActions() {
		if ac.Type == model.KindSelector {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RunFromString records a literal choice without calling a model.
func (a *Selector) RunFromString(rt Runtime, name string) error {
	if !slices.Contains(Candidates(rt.Config()), name) {
		return errx.Newf(errx.KindActionExecution, "%s: unknown action %q", a.name, name)
	}
	if err := a.transition(PromptComposed); err != nil {
		return err
	}
	return a.record(selection(name, nil))
}

func (a *Selector) Run(ctx context.Context, rt Runtime, t *dst.Tracker) error {
	cfg := rt.Config()
	names := Candidates(cfg)

	descs := make([]string, 0, len(names))
	for _, n := range names {
		descs = append(descs, fmt.Sprintf("%s: %s", n, cfg.Actions[n].Description))
	}
	vars := []prompts.Fragment{
		{Key: "bot_action_names_for_selector", Value: strings.Join(names, "\n")},
		{Key: "bot_action_descriptions_for_selector", Value: strings.Join(descs, "\n")},
		{Key: "history_actions_for_selector", Value: strings.Join(dst.ActionNames(t.FormlessActions()), "\n")},
	}

	prompt, err := a.compose(ctx, a, t, vars)
	if err != nil {
		return err
	}
	if err := a.transition(PromptComposed); err != nil {
		return err
	}

	resp, err := a.invoke(ctx, rt, a.llm, chat(prompts.DefaultSelectorPersona, prompt))
	if err != nil {
		return err
	}
	choice, err := parsers.ParseSelection(resp.Content, names)
	if err != nil {
		return errx.New(errx.KindActionExecution, err, a.name)
	}
	return a.record(selection(choice, costMeta(resp, nil)))
}

func (a *Selector) ApplyTo(t *dst.Tracker) error { return a.apply(a, t) }

func (a *Selector) EndsTurn() bool { return false }

func selection(name string, meta map[string]any) model.Message {
	if meta == nil {
		meta = make(map[string]any)
	}
	meta[model.MetaSelection] = name
	return model.NewMessage(model.SenderBot, "", meta)
}
