package dst

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/cota-go/dialogue/internal/agent/model"
	"github.com/cota-go/dialogue/internal/agent/prompts"
	errx "github.com/cota-go/dialogue/internal/core/error"
)

type fakeAction struct {
	name     string
	kind     model.ActionKind
	result   []model.Message
	form     bool
	complete bool
	sender   string
}

func (f *fakeAction) Name() string            { return f.name }
func (f *fakeAction) Kind() model.ActionKind  { return f.kind }
func (f *fakeAction) Description() string     { return f.name + " description" }
func (f *fakeAction) Result() []model.Message { return f.result }
func (f *fakeAction) FormBound() bool         { return f.form }
func (f *fakeAction) SenderID() string        { return f.sender }
func (f *fakeAction) ReceiverID() string      { return "other-" + f.sender }

type fakeForm struct{ fakeAction }

func (f *fakeForm) Complete() bool { return f.complete }

func user(text string) *fakeAction {
	return &fakeAction{
		name:   model.ActionUserUtter,
		kind:   model.KindUserUtter,
		result: []model.Message{model.NewMessage(model.SenderUser, text, nil)},
		sender: "u1",
	}
}

func bot(name, text string, slots map[string]any) *fakeAction {
	var meta map[string]any
	if slots != nil {
		meta = map[string]any{model.MetaSlots: slots}
	}
	return &fakeAction{
		name:   name,
		kind:   model.KindBotUtter,
		result: []model.Message{model.NewMessage(model.SenderBot, text, meta)},
		sender: "b1",
	}
}

type fakePolicy struct {
	name      string
	thought   string
	knowledge string
	err       error
	panics    bool
}

func (p *fakePolicy) Name() string { return p.name }
func (p *fakePolicy) GenerateThoughts(context.Context, *Tracker, Action) (string, error) {
	if p.panics {
		panic("thought index out of range")
	}
	return p.thought, p.err
}
func (p *fakePolicy) GenerateActions(context.Context, *Tracker) ([]string, error) { return nil, nil }

type fakeKnowledgePolicy struct{ fakePolicy }

func (p *fakeKnowledgePolicy) GenerateKnowledge(context.Context, *Tracker, Action) (string, error) {
	if p.panics {
		panic("nil repository")
	}
	return p.knowledge, p.err
}

func TestApply_UpdatesPointers(t *testing.T) {
	tr := New("s1", nil)

	u := user("I want a refund")
	tr.Apply(u)
	assert.Same(t, u, tr.LatestQuery())
	assert.Equal(t, "u1", tr.LatestSenderID())
	assert.Equal(t, "other-u1", tr.LatestReceiverID())

	b := bot("BotUtterRefund", "Sure", nil)
	tr.Apply(b)
	assert.Equal(t, 2, tr.Len())
	assert.Same(t, b, tr.LatestAction())
	assert.Same(t, u, tr.LatestQuery())
	assert.Equal(t, "b1", tr.LatestSenderID())
	assert.Equal(t, "I want a refund", tr.LatestQueryText())
	assert.Equal(t, "user: I want a refund\nbot: Sure", tr.HistoryMessages())
}

func TestApply_SlotMerge(t *testing.T) {
	tr := New("s1", nil)
	tr.Apply(bot("A", "", map[string]any{"a": 1, "b": "x"}))
	tr.Apply(bot("B", "", map[string]any{"a": 2}))
	tr.Apply(bot("C", "", map[string]any{"b": nil}))

	assert.Equal(t, map[string]any{"a": 2}, tr.Slots())
}

func TestApply_SlotMergeWithinResult(t *testing.T) {
	tr := New("s1", nil)
	a := &fakeAction{name: "A", kind: model.KindBotUtter, result: []model.Message{
		model.NewMessage(model.SenderBot, "", map[string]any{model.MetaSlots: map[string]any{"a": 1}}),
		model.NewMessage(model.SenderBot, "", map[string]any{model.MetaSlots: map[string]any{"a": 1}}),
	}}
	tr.Apply(a)
	assert.Equal(t, map[string]any{"a": 1}, tr.Slots())
}

func TestApply_AccumulatesCost(t *testing.T) {
	tr := New("s1", nil)
	tr.Apply(&fakeAction{name: "A", kind: model.KindBotUtter, result: []model.Message{
		model.NewMessage(model.SenderBot, "x", map[string]any{model.MetaCostUSD: 0.5}),
	}})
	tr.Apply(&fakeAction{name: "B", kind: model.KindBotUtter, result: []model.Message{
		model.NewMessage(model.SenderBot, "y", map[string]any{model.MetaCostUSD: 0.25}),
	}})
	assert.InDelta(t, 0.75, tr.TotalCostUSD(), 1e-9)
}

func TestFormlessActionsAndActiveForm(t *testing.T) {
	tr := New("s1", nil)
	tr.Apply(user("weather?"))
	form := &fakeForm{fakeAction{name: "Weather", kind: model.KindForm, form: true}}
	tr.Apply(form)

	assert.Equal(t, []string{model.ActionUserUtter}, ActionNames(tr.FormlessActions()))
	assert.Equal(t, "Weather", tr.ActiveForm())

	_, ok := tr.PendingAction()
	assert.False(t, ok, "form is pending only after the user answers")

	tr.Apply(user("Paris"))
	name, ok := tr.PendingAction()
	assert.True(t, ok)
	assert.Equal(t, "Weather", name)

	done := &fakeForm{fakeAction{name: "Weather", kind: model.KindForm, form: true, complete: true}}
	tr.Apply(done)
	assert.Empty(t, tr.ActiveForm())
}

func TestPendingAction_Selector(t *testing.T) {
	tr := New("s1", nil)
	tr.Apply(&fakeAction{name: model.ActionSelector, kind: model.KindSelector, result: []model.Message{
		model.NewMessage(model.SenderBot, "<BotUtter>", map[string]any{model.MetaSelection: "BotUtter"}),
	}})
	name, ok := tr.PendingAction()
	require.True(t, ok)
	assert.Equal(t, "BotUtter", name)

	tr.Apply(bot("BotUtter", "hi", nil))
	_, ok = tr.PendingAction()
	assert.False(t, ok)
}

func TestFormatThoughts_MergesInOrderAndSkipsFailures(t *testing.T) {
	tr := New("s1", []Policy{
		&fakePolicy{name: "p1", thought: "A"},
		&fakePolicy{name: "p2"},
		&fakePolicy{name: "bad", thought: "X", err: errors.New("boom")},
		&fakePolicy{name: "p3", thought: "C"},
	})
	f := tr.FormatThoughts(context.Background(), nil)
	assert.Equal(t, KeyThoughts, f.Key)
	assert.Equal(t, "A\nC", f.Value)
}

func TestFormatRAG_OnlyKnowledgePolicies(t *testing.T) {
	tr := New("s1", []Policy{
		&fakePolicy{name: "plain", thought: "ignored"},
		&fakeKnowledgePolicy{fakePolicy{name: "rag", knowledge: "doc text"}},
		&fakeKnowledgePolicy{fakePolicy{name: "broken", knowledge: "nope", err: errors.New("down")}},
	})
	f := tr.FormatRAG(context.Background(), nil)
	assert.Equal(t, KeyKnowledge, f.Key)
	assert.Equal(t, "doc text", f.Value)
}

func TestFormat_PanickingPolicyContributesNothing(t *testing.T) {
	tr := New("s1", []Policy{
		&fakePolicy{name: "p1", thought: "A"},
		&fakePolicy{name: "crash", thought: "X", panics: true},
		&fakeKnowledgePolicy{fakePolicy{name: "rag-crash", knowledge: "nope", panics: true}},
		&fakeKnowledgePolicy{fakePolicy{name: "rag", thought: "C", knowledge: "doc text"}},
	})

	var th, rag prompts.Fragment
	require.NotPanics(t, func() {
		th = tr.FormatThoughts(context.Background(), nil)
		rag = tr.FormatRAG(context.Background(), nil)
	})
	assert.Equal(t, "A\nC", th.Value)
	assert.Equal(t, "doc text", rag.Value)
}

func TestRetrieval_KeyedOnLatestQuery(t *testing.T) {
	tr := New("s1", nil)
	_, ok := tr.Retrieval("rag")
	assert.False(t, ok)

	tr.Apply(user("refund"))
	tr.RememberRetrieval("rag", "- refunds take 14 days")
	frag, ok := tr.Retrieval("rag")
	require.True(t, ok)
	assert.Equal(t, "- refunds take 14 days", frag)

	tr.Apply(bot("BotUtter", "Sure", nil))
	_, ok = tr.Retrieval("rag")
	assert.True(t, ok, "bot actions keep the latest query")
	_, ok = tr.Retrieval("other")
	assert.False(t, ok)

	tr.Apply(user("refund"))
	_, ok = tr.Retrieval("rag")
	assert.False(t, ok, "a new utterance invalidates the lookup even with the same text")

	tr.RememberRetrieval("rag", "")
	frag, ok = tr.Retrieval("rag")
	assert.True(t, ok)
	assert.Empty(t, frag)
}

func TestFormatPrompt(t *testing.T) {
	tr := New("s1", nil)
	tr.Apply(user("hello"))
	a := bot("BotUtter", "", nil)

	out, err := tr.FormatPrompt(context.Background(), "{{task_description}}|{{latest_user_query}}|{{thoughts}}", a,
		[]prompts.Fragment{{Key: KeyThoughts, Value: "t"}})
	require.NoError(t, err)
	assert.Equal(t, "BotUtter description|hello|t", out)

	out, err = tr.FormatPrompt(context.Background(), "{{latest_user_query}}", a,
		[]prompts.Fragment{{Key: "latest_user_query", Value: "override"}})
	require.NoError(t, err)
	assert.Equal(t, "override", out)

	_, err = tr.FormatPrompt(context.Background(), "{{nope}}", a)
	assert.True(t, errors.Is(err, errx.ErrTemplateResolution))
}

func TestRememberKnowledge_Bounded(t *testing.T) {
	tr := New("s1", nil)
	for _, s := range []string{"1", "2", "3", "", "4"} {
		tr.RememberKnowledge("rag", s, 3)
	}
	assert.Equal(t, []string{"2", "3", "4"}, tr.Knowledge("rag"))
	assert.Empty(t, tr.Knowledge("other"))
}

func TestApply_Properties(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		tr := New("s", nil)
		n := rapid.IntRange(0, 30).Draw(rt, "n")
		want := map[string]any{}
		var last Action
		for i := 0; i < n; i++ {
			key := rapid.SampledFrom([]string{"a", "b", "c"}).Draw(rt, "key")
			val := rapid.IntRange(0, 3).Draw(rt, "val")
			a := bot("A", "x", map[string]any{key: val})
			tr.Apply(a)
			want[key] = val
			last = a
		}
		if tr.Len() != n {
			rt.Fatalf("len %d, applied %d", tr.Len(), n)
		}
		if n > 0 && tr.LatestAction() != last {
			rt.Fatalf("latest action is not the last applied")
		}
		got := tr.Slots()
		if len(got) != len(want) {
			rt.Fatalf("slots %v, want %v", got, want)
		}
		for k, v := range want {
			if got[k] != v {
				rt.Fatalf("slot %s = %v, want %v", k, got[k], v)
			}
		}
	})
}

func TestFormatThoughts_Property(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		thoughts := rapid.SliceOfN(rapid.SampledFrom([]string{"", "A", "B", "C"}), 0, 8).Draw(rt, "thoughts")
		policies := make([]Policy, len(thoughts))
		var want []string
		for i, th := range thoughts {
			policies[i] = &fakePolicy{name: "p", thought: th}
			if th != "" {
				want = append(want, th)
			}
		}
		got := New("s", policies).FormatThoughts(context.Background(), nil).Value
		exp := ""
		for i, w := range want {
			if i > 0 {
				exp += "\n"
			}
			exp += w
		}
		if got != exp {
			rt.Fatalf("got %q, want %q", got, exp)
		}
	})
}
