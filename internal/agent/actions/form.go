package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/cota-go/dialogue/internal/agent/dst"
	"github.com/cota-go/dialogue/internal/agent/model"
	"github.com/cota-go/dialogue/internal/agent/parsers"
	"github.com/cota-go/dialogue/internal/agent/prompts"
	errx "github.com/cota-go/dialogue/internal/core/error"
	logx "github.com/cota-go/dialogue/pkg/logger"
)

const maxExecuterBody = 64 * 1024

// Form is a slot-filling action. Each run lets the updater model fill or
// reset the declared slots; once every slot has a value the executer runs
// and the form reports its result. Until then the reply asks for the
// missing slots and the form stays active.
type Form struct {
	base
	slots    map[string]string
	executer model.ExecuterConfig
	updater  model.UpdaterConfig
	client   *http.Client
	complete bool
}

func NewForm(name string, cfg model.ActionConfig, p Parties, client *http.Client) *Form {
	if client == nil {
		client = &http.Client{Timeout: time.Duration(cfg.Executer.Timeout) * time.Second}
	}
	updater := cfg.Updater
	if updater.LLM == "" {
		updater.LLM = cfg.LLM
	}
	updater.LLM = model.LLMName(updater.LLM)
	return &Form{
		base:     newBase(name, cfg, p.Bot, p.User),
		slots:    cfg.Slots,
		executer: cfg.Executer,
		updater:  updater,
		client:   client,
	}
}

func (a *Form) FormBound() bool { return true }

func (a *Form) Complete() bool { return a.complete }

func (a *Form) ApplyTo(t *dst.Tracker) error { return a.apply(a, t) }

func (a *Form) EndsTurn() bool { return true }

func (a *Form) slotNames() []string {
	names := make([]string, 0, len(a.slots))
	for n := range a.slots {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (a *Form) Run(ctx context.Context, rt Runtime, t *dst.Tracker) error {
	updates, err := a.update(ctx, rt, t)
	if err != nil {
		return err
	}

	state := a.state(t)
	for k, v := range updates {
		state[k] = v
	}

	var result string
	if missing := a.missing(state); len(missing) > 0 {
		lines := make([]string, len(missing))
		for i, n := range missing {
			lines[i] = fmt.Sprintf("- %s: %s", n, a.slots[n])
		}
		result = "Still missing, ask the user for:\n" + strings.Join(lines, "\n")
	} else {
		result, err = a.execute(ctx, state)
		if err != nil {
			return errx.New(errx.KindActionExecution, err, a.name+" executer")
		}
		a.complete = true
	}

	prompt, err := a.compose(ctx, a, t, a.vars(state), []prompts.Fragment{
		{Key: "current_form_execute_result", Value: result},
	})
	if err != nil {
		return err
	}
	resp, err := a.invoke(ctx, rt, a.llm, chat(rt.Config().System.Description, prompt))
	if err != nil {
		return err
	}

	logx.Debug().
		Str("component", "actions").
		Str("session_id", t.SessionID()).
		Str("action", a.name).
		Bool("complete", a.complete).
		Msg("form step")

	meta := costMeta(resp, map[string]any{model.MetaSlots: updates})
	return a.record(model.NewMessage(model.SenderBot, resp.Content, meta))
}

// update runs the updater model and returns the declared slots it set.
func (a *Form) update(ctx context.Context, rt Runtime, t *dst.Tracker) (map[string]any, error) {
	cfg := rt.Config()
	descs := make([]string, 0, len(cfg.Actions))
	for name, ac := range cfg.Actions {
		descs = append(descs, fmt.Sprintf("%s: %s", name, ac.Description))
	}
	sort.Strings(descs)

	vars := append(a.vars(a.state(t)),
		prompts.Fragment{Key: "history_actions_for_update", Value: strings.Join(dst.ActionNames(t.FormlessActions()), "\n")},
		prompts.Fragment{Key: "action_descriptions", Value: strings.Join(descs, "\n")},
	)
	prompt, err := t.FormatPrompt(ctx, a.updater.Prompt, a, vars)
	if err != nil {
		return nil, err
	}
	if err := a.transition(PromptComposed); err != nil {
		return nil, err
	}

	resp, err := a.invoke(ctx, rt, a.updater.LLM, chat(prompts.DefaultUpdaterPersona, prompt))
	if err != nil {
		return nil, err
	}
	updates, err := parsers.ParseSlots(resp.Content, a.slotNames())
	if err != nil {
		return nil, errx.New(errx.KindActionExecution, err, a.name+" updater")
	}
	return updates, nil
}

func (a *Form) vars(state map[string]any) []prompts.Fragment {
	return []prompts.Fragment{
		{Key: "current_form_name", Value: a.name},
		{Key: "current_form_description", Value: a.description},
		{Key: "current_form_slot_states", Value: mustJSON(state)},
		{Key: "current_form_slot_descriptions", Value: mustJSON(a.slots)},
	}
}

// state returns the declared slots with their tracker values; unset slots
// are nil.
func (a *Form) state(t *dst.Tracker) map[string]any {
	out := make(map[string]any, len(a.slots))
	for _, n := range a.slotNames() {
		v, _ := t.Slot(n)
		out[n] = v
	}
	return out
}

func (a *Form) missing(state map[string]any) []string {
	var out []string
	for _, n := range a.slotNames() {
		if !filled(state[n]) {
			out = append(out, n)
		}
	}
	return out
}

func filled(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case string:
		return strings.TrimSpace(x) != ""
	default:
		return true
	}
}

func (a *Form) execute(ctx context.Context, state map[string]any) (string, error) {
	if a.executer.Mock {
		if len(a.executer.Output) == 0 {
			return mustJSON(state), nil
		}
		return strings.Join(a.executer.Output, "\n"), nil
	}

	var req *http.Request
	var err error
	switch strings.ToLower(a.executer.Method) {
	case "get":
		u, perr := url.Parse(a.executer.URL)
		if perr != nil {
			return "", perr
		}
		q := u.Query()
		for k, v := range state {
			q.Set(k, fmt.Sprint(v))
		}
		u.RawQuery = q.Encode()
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	case "post":
		body, merr := json.Marshal(state)
		if merr != nil {
			return "", merr
		}
		req, err = http.NewRequestWithContext(ctx, http.MethodPost, a.executer.URL, bytes.NewReader(body))
		if err == nil {
			req.Header.Set("Content-Type", "application/json")
		}
	default:
		return "", fmt.Errorf("unsupported executer method %q", a.executer.Method)
	}
	if err != nil {
		return "", err
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxExecuterBody))
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("executer status %d", resp.StatusCode)
	}
	return selectOutput(raw, a.executer.Output), nil
}

// selectOutput keeps the listed top-level fields of a JSON object response
// as "field: value" lines. Other bodies are returned as text.
func selectOutput(raw []byte, fields []string) string {
	if len(fields) == 0 {
		return string(raw)
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil {
		return string(raw)
	}
	lines := make([]string, 0, len(fields))
	for _, f := range fields {
		if v, ok := obj[f]; ok {
			lines = append(lines, fmt.Sprintf("%s: %v", f, v))
		}
	}
	return strings.Join(lines, "\n")
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
