package actions

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cota-go/dialogue/internal/agent/dst"
	"github.com/cota-go/dialogue/internal/agent/model"
	errx "github.com/cota-go/dialogue/internal/core/error"
	"github.com/cota-go/dialogue/internal/llm"
)

type reply struct {
	content string
	err     error
}

// scripted replays canned replies and records every request.
type scripted struct {
	replies []reply
	reqs    []llm.Request
}

func (s *scripted) GenerateChat(ctx context.Context, req llm.Request) (*llm.Response, error) {
	s.reqs = append(s.reqs, req)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(s.replies) == 0 {
		return nil, errors.New("script exhausted")
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	if r.err != nil {
		return nil, r.err
	}
	return &llm.Response{
		Content: r.content,
		Model:   "gpt-4o-mini",
		Usage:   &schema.TokenUsage{PromptTokens: 1_000_000, CompletionTokens: 1_000_000},
	}, nil
}

func (s *scripted) lastPrompt() string {
	msgs := s.reqs[len(s.reqs)-1].Messages
	return msgs[len(msgs)-1].Content
}

type fakeRuntime struct {
	cfg     *model.AgentConfig
	gw      *scripted
	retries int
}

func (r *fakeRuntime) Gateway(name string) (llm.Gateway, error) {
	if name != model.DefaultLLM {
		return nil, errx.Configuration("llm %q not defined", name)
	}
	return r.gw, nil
}
func (r *fakeRuntime) Retries(string) int         { return r.retries }
func (r *fakeRuntime) Config() *model.AgentConfig { return r.cfg }

const testDoc = `
system:
  description: bot persona
user_proxy:
  description: user persona
actions:
  BotUtterRefund:
    description: explain refunds
    prompt: "Refund reply. {{history_messages}} {{thoughts}}"
  Broken:
    prompt: "{{not_bound}}"
  Weather:
    type: form
    description: weather lookup
    slots:
      city: the city name
    executer:
      mock: true
      output: ["sunny, 24C"]
policies:
  - name: trigger
`

func newRuntime(t *testing.T, replies ...reply) *fakeRuntime {
	t.Helper()
	cfg, err := model.ParseAgentConfig([]byte(testDoc))
	require.NoError(t, err)
	return &fakeRuntime{cfg: cfg, gw: &scripted{replies: replies}}
}

var parties = Parties{User: "user-1", Bot: "bot-1"}

func TestUserUtter_RunFromString(t *testing.T) {
	rt := newRuntime(t)
	cat, err := NewCatalog(rt.cfg)
	require.NoError(t, err)
	tr := dst.New("s", nil)

	u := cat.UserUtter(parties)
	assert.Equal(t, Created, u.State())
	require.NoError(t, u.RunFromString("I want a refund"))
	assert.Equal(t, ResultRecorded, u.State())

	require.NoError(t, u.ApplyTo(tr))
	assert.Equal(t, Applied, u.State())
	assert.ErrorIs(t, u.ApplyTo(tr), ErrAlreadyApplied)
	assert.Equal(t, 1, tr.Len())
	assert.Equal(t, "user-1", tr.LatestSenderID())
	assert.Empty(t, rt.gw.reqs)
}

func TestApplyBeforeResult(t *testing.T) {
	rt := newRuntime(t)
	cat, _ := NewCatalog(rt.cfg)
	a, err := cat.New("BotUtterRefund", parties)
	require.NoError(t, err)

	tr := dst.New("s", nil)
	err = a.ApplyTo(tr)
	assert.True(t, errors.Is(err, errx.ErrActionExecution))
	assert.Zero(t, tr.Len())
}

func TestBotUtter_Run(t *testing.T) {
	rt := newRuntime(t, reply{content: "Refunds take 14 days."})
	cat, _ := NewCatalog(rt.cfg)
	tr := dst.New("s", nil)

	u := cat.UserUtter(parties)
	require.NoError(t, u.RunFromString("refund please"))
	require.NoError(t, u.ApplyTo(tr))

	a, err := cat.New("BotUtterRefund", parties)
	require.NoError(t, err)
	require.NoError(t, a.Run(context.Background(), rt, tr))
	require.NoError(t, a.ApplyTo(tr))

	req := rt.gw.reqs[0]
	assert.Equal(t, 500, req.MaxTokens)
	require.Len(t, req.Messages, 2)
	assert.Equal(t, schema.System, req.Messages[0].Role)
	assert.Equal(t, "bot persona", req.Messages[0].Content)
	assert.Contains(t, rt.gw.lastPrompt(), "user: refund please")

	res := a.Result()
	require.Len(t, res, 1)
	assert.Equal(t, model.SenderBot, res[0].Sender())
	assert.Equal(t, "Refunds take 14 days.", res[0].Text())
	assert.InDelta(t, 0.75, tr.TotalCostUSD(), 1e-9)
	assert.Equal(t, "bot-1", tr.LatestSenderID())
	assert.True(t, a.EndsTurn())
}

func TestUserUtter_RunUsesProxyPersona(t *testing.T) {
	rt := newRuntime(t, reply{content: "Where is my parcel?"})
	cat, _ := NewCatalog(rt.cfg)
	tr := dst.New("s", nil)

	u := cat.UserUtter(parties)
	require.NoError(t, u.Run(context.Background(), rt, tr))
	assert.Equal(t, "user persona", rt.gw.reqs[0].Messages[0].Content)
	assert.Equal(t, model.SenderUser, u.Result()[0].Sender())
}

func TestInvoke_Retries(t *testing.T) {
	rt := newRuntime(t, reply{err: errors.New("flaky")}, reply{content: "ok"})
	rt.retries = 1
	cat, _ := NewCatalog(rt.cfg)

	a, _ := cat.New("BotUtterRefund", parties)
	require.NoError(t, a.Run(context.Background(), rt, dst.New("s", nil)))
	assert.Len(t, rt.gw.reqs, 2)
}

func TestInvoke_ExhaustedRetries(t *testing.T) {
	gwErr := errx.New(errx.KindGateway, errors.New("down"), "openai")
	rt := newRuntime(t, reply{err: gwErr}, reply{err: gwErr})
	rt.retries = 1
	cat, _ := NewCatalog(rt.cfg)
	tr := dst.New("s", nil)

	a, _ := cat.New("BotUtterRefund", parties)
	err := a.Run(context.Background(), rt, tr)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errx.ErrActionExecution))
	assert.True(t, errors.Is(err, errx.ErrGateway))
	assert.Equal(t, ModelInvoked, a.State())

	assert.Error(t, a.ApplyTo(tr))
	assert.Zero(t, tr.Len())
}

func TestRun_CancelledNeverApplies(t *testing.T) {
	rt := newRuntime(t, reply{content: "late"})
	rt.retries = 3
	cat, _ := NewCatalog(rt.cfg)
	tr := dst.New("s", nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a, _ := cat.New("BotUtterRefund", parties)
	err := a.Run(ctx, rt, tr)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotEqual(t, ResultRecorded, a.State())
	assert.Error(t, a.ApplyTo(tr))
	assert.Zero(t, tr.Len())
	assert.Len(t, rt.gw.reqs, 1, "cancellation is not retried")
}

func TestRun_TemplateError(t *testing.T) {
	rt := newRuntime(t)
	cat, _ := NewCatalog(rt.cfg)

	a, _ := cat.New("Broken", parties)
	err := a.Run(context.Background(), rt, dst.New("s", nil))
	assert.True(t, errors.Is(err, errx.ErrTemplateResolution))
	assert.Empty(t, rt.gw.reqs)
	assert.Equal(t, Created, a.State())
}

func TestSelector(t *testing.T) {
	rt := newRuntime(t, reply{content: "I pick <BotUtterRefund>"}, reply{content: "<Nope>"})
	cat, _ := NewCatalog(rt.cfg)
	tr := dst.New("s", nil)

	assert.Equal(t, []string{"BotUtter", "BotUtterRefund", "Broken", "Weather"}, Candidates(rt.cfg))

	sel, _ := cat.New(model.ActionSelector, parties)
	require.NoError(t, sel.Run(context.Background(), rt, tr))
	require.NoError(t, sel.ApplyTo(tr))
	assert.False(t, sel.EndsTurn())
	assert.Contains(t, rt.gw.lastPrompt(), "BotUtterRefund: explain refunds")

	name, ok := tr.PendingAction()
	require.True(t, ok)
	assert.Equal(t, "BotUtterRefund", name)
	assert.Empty(t, tr.HistoryMessages(), "selections are not part of the transcript")

	bad, _ := cat.New(model.ActionSelector, parties)
	err := bad.Run(context.Background(), rt, tr)
	assert.True(t, errors.Is(err, errx.ErrActionExecution))
}

func TestSelector_RunFromString(t *testing.T) {
	rt := newRuntime(t)
	s := NewSelector(model.ActionSelector, rt.cfg.Actions[model.ActionSelector], parties)
	assert.Error(t, s.RunFromString(rt, "Missing"))
	assert.Equal(t, Created, s.State())

	require.NoError(t, s.RunFromString(rt, "Weather"))
	assert.Equal(t, "Weather", s.Result()[0].Selection())
	assert.Empty(t, rt.gw.reqs)
}

func TestForm_AsksThenExecutes(t *testing.T) {
	rt := newRuntime(t,
		reply{content: `{"city": null}`},
		reply{content: "Which city?"},
		reply{content: "```json\n{\"city\": \"Paris\", \"bogus\": 1}\n```"},
		reply{content: "It is sunny in Paris."},
	)
	cat, _ := NewCatalog(rt.cfg)
	tr := dst.New("s", nil)

	u := cat.UserUtter(parties)
	require.NoError(t, u.RunFromString("weather?"))
	require.NoError(t, u.ApplyTo(tr))

	f1, _ := cat.New("Weather", parties)
	require.NoError(t, f1.Run(context.Background(), rt, tr))
	require.NoError(t, f1.ApplyTo(tr))
	assert.Contains(t, rt.gw.lastPrompt(), "city: the city name")
	assert.Equal(t, "Weather", tr.ActiveForm())
	assert.True(t, f1.FormBound())

	u2 := cat.UserUtter(parties)
	require.NoError(t, u2.RunFromString("Paris"))
	require.NoError(t, u2.ApplyTo(tr))
	name, ok := tr.PendingAction()
	require.True(t, ok)
	assert.Equal(t, "Weather", name)

	f2, _ := cat.New("Weather", parties)
	require.NoError(t, f2.Run(context.Background(), rt, tr))
	require.NoError(t, f2.ApplyTo(tr))

	assert.Contains(t, rt.gw.lastPrompt(), "sunny, 24C")
	assert.Equal(t, map[string]any{"city": "Paris"}, tr.Slots())
	assert.Empty(t, tr.ActiveForm())
	assert.Equal(t, []string{model.ActionUserUtter, model.ActionUserUtter}, dst.ActionNames(tr.FormlessActions()))
}

func TestForm_UpdaterGarbage(t *testing.T) {
	rt := newRuntime(t, reply{content: "no json"})
	cat, _ := NewCatalog(rt.cfg)

	f, _ := cat.New("Weather", parties)
	err := f.Run(context.Background(), rt, dst.New("s", nil))
	assert.True(t, errors.Is(err, errx.ErrActionExecution))
}

func TestForm_HTTPExecuter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Paris", r.URL.Query().Get("city"))
		_, _ = w.Write([]byte(`{"forecast":"rain","ignored":true}`))
	}))
	defer srv.Close()

	cfg := model.ActionConfig{
		Type:        model.KindForm,
		Description: "weather",
		Prompt:      "{{current_form_execute_result}}",
		Slots:       map[string]string{"city": "city"},
		Executer:    model.ExecuterConfig{URL: srv.URL, Method: "get", Output: []string{"forecast"}},
		Updater:     model.UpdaterConfig{Prompt: "{{current_form_slot_states}}"},
	}
	rt := newRuntime(t, reply{content: `{"city":"Paris"}`}, reply{content: "Rain today."})
	f := NewForm("Live", cfg, parties, srv.Client())

	require.NoError(t, f.Run(context.Background(), rt, dst.New("s", nil)))
	assert.Equal(t, "forecast: rain", rt.gw.lastPrompt())
	assert.True(t, f.Complete())
}

func TestForm_HTTPExecuterFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	cfg := model.ActionConfig{
		Type:     model.KindForm,
		Prompt:   "{{current_form_execute_result}}",
		Slots:    map[string]string{"city": "city"},
		Executer: model.ExecuterConfig{URL: srv.URL, Method: "post"},
		Updater:  model.UpdaterConfig{Prompt: "{{current_form_slot_states}}"},
	}
	rt := newRuntime(t, reply{content: `{"city":"Paris"}`})
	f := NewForm("Live", cfg, parties, srv.Client())

	err := f.Run(context.Background(), rt, dst.New("s", nil))
	assert.True(t, errors.Is(err, errx.ErrActionExecution))
	assert.True(t, strings.Contains(err.Error(), "executer"))
	assert.False(t, f.Complete())
}

func TestCatalog(t *testing.T) {
	rt := newRuntime(t)
	cat, err := NewCatalog(rt.cfg)
	require.NoError(t, err)

	assert.True(t, cat.Has("Weather"))
	_, err = cat.New("Nope", parties)
	assert.True(t, errors.Is(err, errx.ErrActionExecution))

	for name, want := range map[string]model.ActionKind{
		model.ActionUserUtter: model.KindUserUtter,
		model.ActionBotUtter:  model.KindBotUtter,
		model.ActionSelector:  model.KindSelector,
		"Weather":             model.KindForm,
	} {
		a, err := cat.New(name, parties)
		require.NoError(t, err)
		assert.Equal(t, want, a.Kind(), name)
	}

	bad := &model.AgentConfig{Actions: map[string]model.ActionConfig{"X": {Type: "robot"}}}
	_, err = NewCatalog(bad)
	assert.True(t, errors.Is(err, errx.ErrConfiguration))
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "prompt_composed", PromptComposed.String())
	assert.Equal(t, "state(9)", State(9).String())
}
