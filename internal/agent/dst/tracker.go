package dst

import (
	"context"
	"encoding/json"
	"maps"
	"strings"

	"github.com/cota-go/dialogue/internal/agent/model"
	"github.com/cota-go/dialogue/internal/agent/prompts"
	errx "github.com/cota-go/dialogue/internal/core/error"
	logx "github.com/cota-go/dialogue/pkg/logger"
)

// Fragment keys produced by the tracker.
const (
	KeyThoughts  = "thoughts"
	KeyKnowledge = "knowledge"
)

// Tracker is the dialogue state of one session. It is owned by a single
// goroutine; only Action.ApplyTo calls Apply.
type Tracker struct {
	sessionID string
	policies  []Policy

	actions          []Action
	slots            map[string]any
	latestAction     Action
	latestQuery      Action
	latestSenderID   string
	latestReceiverID string
	activeForm       string
	totalCostUSD     float64

	// knowledge holds bounded per-policy retrieval caches, oldest first.
	knowledge map[string][]string
	// retrievals is the last lookup of each policy and the query it ran for.
	retrievals map[string]retrieval
}

type retrieval struct {
	query    Action
	fragment string
}

func New(sessionID string, policies []Policy) *Tracker {
	return &Tracker{
		sessionID:  sessionID,
		policies:   policies,
		slots:      make(map[string]any),
		knowledge:  make(map[string][]string),
		retrievals: make(map[string]retrieval),
	}
}

// Apply records a finished action: it is appended to the log, its slot
// updates are merged (last writer wins, nil resets a slot) and the latest
// pointers move to it.
func (t *Tracker) Apply(a Action) {
	t.actions = append(t.actions, a)

	for _, m := range a.Result() {
		for k, v := range m.Slots() {
			if v == nil {
				delete(t.slots, k)
				continue
			}
			t.slots[k] = v
		}
		t.totalCostUSD += m.CostUSD()
	}

	t.latestAction = a
	if a.Kind() == model.KindUserUtter {
		t.latestQuery = a
	}
	if a.SenderID() != "" {
		t.latestSenderID = a.SenderID()
		t.latestReceiverID = a.ReceiverID()
	}

	if fa, ok := a.(FormAction); ok {
		if fa.Complete() {
			t.activeForm = ""
		} else {
			t.activeForm = a.Name()
		}
	}

	logx.Debug().
		Str("component", "dst").
		Str("session_id", t.sessionID).
		Str("action", a.Name()).
		Int("actions", len(t.actions)).
		Msg("action applied")
}

func (t *Tracker) SessionID() string { return t.sessionID }

func (t *Tracker) Policies() []Policy { return t.policies }

// Actions returns a copy of the action log.
func (t *Tracker) Actions() []Action { return append([]Action(nil), t.actions...) }

func (t *Tracker) Len() int { return len(t.actions) }

// FormlessActions is the log filtered to actions outside slot-filling flows.
func (t *Tracker) FormlessActions() []Action {
	out := make([]Action, 0, len(t.actions))
	for _, a := range t.actions {
		if !a.FormBound() {
			out = append(out, a)
		}
	}
	return out
}

func (t *Tracker) Slots() map[string]any { return maps.Clone(t.slots) }

func (t *Tracker) Slot(name string) (any, bool) {
	v, ok := t.slots[name]
	return v, ok
}

func (t *Tracker) LatestAction() Action { return t.latestAction }

func (t *Tracker) LatestQuery() Action { return t.latestQuery }

func (t *Tracker) LatestSenderID() string { return t.latestSenderID }

func (t *Tracker) LatestReceiverID() string { return t.latestReceiverID }

func (t *Tracker) ActiveForm() string { return t.activeForm }

func (t *Tracker) TotalCostUSD() float64 { return t.totalCostUSD }

// LatestQueryText returns the text of the most recent user utterance.
func (t *Tracker) LatestQueryText() string {
	if t.latestQuery == nil {
		return ""
	}
	return joinText(t.latestQuery.Result())
}

// PendingAction returns an action a previous step already committed to: the
// choice of a selector that just ran, or an incomplete form after the user
// answered it.
func (t *Tracker) PendingAction() (string, bool) {
	la := t.latestAction
	if la == nil {
		return "", false
	}
	switch la.Kind() {
	case model.KindSelector:
		for _, m := range la.Result() {
			if sel := m.Selection(); sel != "" {
				return sel, true
			}
		}
	case model.KindUserUtter:
		if t.activeForm != "" {
			return t.activeForm, true
		}
	}
	return "", false
}

// RememberKnowledge appends a retrieval fragment to the policy's cache,
// discarding the oldest entries beyond max.
func (t *Tracker) RememberKnowledge(policy, fragment string, max int) {
	if fragment == "" {
		return
	}
	c := append(t.knowledge[policy], fragment)
	if max > 0 && len(c) > max {
		c = append([]string(nil), c[len(c)-max:]...)
	}
	t.knowledge[policy] = c
}

// Knowledge returns the cached fragments of a policy, oldest first.
func (t *Tracker) Knowledge(policy string) []string {
	return append([]string(nil), t.knowledge[policy]...)
}

// Retrieval returns what the policy retrieved for the current latest query.
// ok is false when the policy has not run since the user last spoke.
func (t *Tracker) Retrieval(policy string) (fragment string, ok bool) {
	r, found := t.retrievals[policy]
	if !found || t.latestQuery == nil || r.query != t.latestQuery {
		return "", false
	}
	return r.fragment, true
}

// RememberRetrieval records the policy's lookup result for the current latest
// query. An empty fragment is remembered too.
func (t *Tracker) RememberRetrieval(policy, fragment string) {
	t.retrievals[policy] = retrieval{query: t.latestQuery, fragment: fragment}
}

// HistoryMessages renders the transcript as "sender: text" lines.
func (t *Tracker) HistoryMessages() string {
	var b strings.Builder
	for _, a := range t.actions {
		for _, m := range a.Result() {
			if m.Text() == "" {
				continue
			}
			b.WriteString(m.Sender())
			b.WriteString(": ")
			b.WriteString(m.Text())
			b.WriteByte('\n')
		}
	}
	return strings.TrimRight(b.String(), "\n")
}

// ActionNames lists the names of actions in order.
func ActionNames(actions []Action) []string {
	names := make([]string, len(actions))
	for i, a := range actions {
		names[i] = a.Name()
	}
	return names
}

// FormatThoughts asks every policy for a thought. Failing policies are
// logged and skipped; the fragment joins the remaining thoughts in policy
// order.
func (t *Tracker) FormatThoughts(ctx context.Context, a Action) prompts.Fragment {
	var parts []string
	for _, p := range t.policies {
		th, err := guarded(p.Name(), func() (string, error) { return p.GenerateThoughts(ctx, t, a) })
		if err != nil {
			logx.Warn().Err(err).
				Str("component", "dst").
				Str("session_id", t.sessionID).
				Str("policy", p.Name()).
				Msg("thought generation failed")
			continue
		}
		if th = strings.TrimSpace(th); th != "" {
			parts = append(parts, th)
		}
	}
	return prompts.Fragment{Key: KeyThoughts, Value: strings.Join(parts, "\n")}
}

// FormatRAG collects knowledge from the policies that retrieve it.
func (t *Tracker) FormatRAG(ctx context.Context, a Action) prompts.Fragment {
	var parts []string
	for _, p := range t.policies {
		kp, ok := p.(KnowledgePolicy)
		if !ok {
			continue
		}
		k, err := guarded(p.Name(), func() (string, error) { return kp.GenerateKnowledge(ctx, t, a) })
		if err != nil {
			logx.Warn().Err(err).
				Str("component", "dst").
				Str("session_id", t.sessionID).
				Str("policy", p.Name()).
				Msg("knowledge retrieval failed")
			continue
		}
		if k = strings.TrimSpace(k); k != "" {
			parts = append(parts, k)
		}
	}
	return prompts.Fragment{Key: KeyKnowledge, Value: strings.Join(parts, "\n")}
}

// guarded turns a panicking policy call into an error of that policy.
func guarded(policy string, call func() (string, error)) (out string, err error) {
	// panic safety
	defer func() {
		if r := recover(); r != nil {
			logx.Error().Str("component", "dst").Str("policy", policy).Msgf("panic recovered: %v", r)
			out, err = "", errx.Newf(errx.KindActionExecution, "policy %s panicked", policy)
		}
	}()
	return call()
}

// FormatPrompt resolves tpl against the session built-ins overlaid with the
// supplied fragment groups. An unbound placeholder is an error.
func (t *Tracker) FormatPrompt(ctx context.Context, tpl string, a Action, groups ...[]prompts.Fragment) (string, error) {
	all := append([][]prompts.Fragment{t.builtins(a)}, groups...)
	return prompts.Render(ctx, tpl, prompts.Merge(all...))
}

func (t *Tracker) builtins(a Action) []prompts.Fragment {
	f := []prompts.Fragment{
		{Key: "history_messages", Value: t.HistoryMessages()},
		{Key: "history_actions", Value: strings.Join(ActionNames(t.FormlessActions()), "\n")},
		{Key: "latest_user_query", Value: t.LatestQueryText()},
		{Key: "slots", Value: slotsJSON(t.slots)},
	}
	if a != nil {
		f = append(f,
			prompts.Fragment{Key: "action_name", Value: a.Name()},
			prompts.Fragment{Key: "action_description", Value: a.Description()},
			prompts.Fragment{Key: "task_description", Value: a.Description()},
		)
	}
	return f
}

func slotsJSON(slots map[string]any) string {
	if len(slots) == 0 {
		return "{}"
	}
	b, err := json.Marshal(slots)
	if err != nil {
		logx.Warn().Err(err).Str("component", "dst").Msg("slots not serialisable")
		return "{}"
	}
	return string(b)
}

func joinText(msgs []model.Message) string {
	parts := make([]string, 0, len(msgs))
	for _, m := range msgs {
		if m.Text() != "" {
			parts = append(parts, m.Text())
		}
	}
	return strings.Join(parts, "\n")
}
