package dialogue

import (
	"context"
	"errors"

	einocb "github.com/cloudwego/eino/callbacks"
	"github.com/google/uuid"

	"github.com/cota-go/dialogue/internal/agent/actions"
	"github.com/cota-go/dialogue/internal/agent/dst"
	"github.com/cota-go/dialogue/internal/agent/model"
	errx "github.com/cota-go/dialogue/internal/core/error"
	logx "github.com/cota-go/dialogue/pkg/logger"
)

// Reasons a proxy session ends.
const (
	ReasonBotBudget          = "bot_budget"
	ReasonUserBudget         = "user_budget"
	ReasonBreaker            = "breaker"
	ReasonCancelled          = "cancelled"
	ReasonNoApplicablePolicy = "no_applicable_policy"
	ReasonError              = "error"
)

// Outcome summarises a finished proxy session.
type Outcome struct {
	Reason    string
	BotSteps  int
	UserSteps int
}

// Session is one conversation. It is not safe for concurrent use; run each
// session on its own goroutine.
type Session struct {
	agent   *Agent
	id      string
	parties actions.Parties
	tracker *dst.Tracker

	botSteps  int
	userSteps int
}

type SessionOption func(*Session)

func WithSessionID(id string) SessionOption {
	return func(s *Session) { s.id = id }
}

// WithParties sets the user and bot identifiers.
func WithParties(p actions.Parties) SessionOption {
	return func(s *Session) { s.parties = p }
}

func (a *Agent) NewSession(opts ...SessionOption) *Session {
	s := &Session{
		agent: a,
		id:    uuid.NewString(),
		parties: actions.Parties{
			User: "user-" + uuid.NewString(),
			Bot:  "bot-" + uuid.NewString(),
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	s.tracker = dst.New(s.id, a.chain.Policies())
	return s
}

func (s *Session) ID() string { return s.id }

func (s *Session) Parties() actions.Parties { return s.parties }

func (s *Session) Tracker() *dst.Tracker { return s.tracker }

// HandleUserMessage applies text as the user's utterance and runs bot steps
// until one ends the turn or max_bot_step steps were taken in this turn. It
// returns the bot messages produced.
func (s *Session) HandleUserMessage(ctx context.Context, text string) ([]model.Message, error) {
	ctx = s.withCallbacks(ctx)

	u := s.agent.catalog.UserUtter(s.parties)
	if err := u.RunFromString(text); err != nil {
		return nil, err
	}
	if err := s.apply(ctx, u); err != nil {
		return nil, err
	}
	s.userSteps++

	start := s.tracker.Len()
	steps, err := s.botTurn(ctx, s.agent.cfg.Dialogue.MaxBotStep)
	s.botSteps += steps
	return s.repliesSince(start), err
}

// Run simulates the user with the user_proxy persona. Budgets are counted
// over the whole session and checked, together with the breaker verdict
// and ctx, before every turn.
func (s *Session) Run(ctx context.Context) (Outcome, error) {
	dc := s.agent.cfg.Dialogue
	if !dc.UseProxyUser {
		return s.outcome(""), errx.Configuration("dialogue.use_proxy_user is disabled")
	}
	ctx = s.withCallbacks(ctx)

	for {
		switch {
		case s.botSteps >= dc.MaxBotStep:
			return s.end(ReasonBotBudget, nil)
		case s.userSteps >= dc.MaxProxyUserStep:
			return s.end(ReasonUserBudget, nil)
		case ctx.Err() != nil:
			return s.end(ReasonCancelled, ctx.Err())
		}

		if la := s.tracker.LatestAction(); la == nil || la.Kind() != model.KindUserUtter {
			err := s.userTurn(ctx)
			s.userSteps++
			if err != nil {
				if !s.skippable(err) {
					return s.end(reasonFor(err), err)
				}
				continue
			}
			if s.agent.breaker.ShouldStop(ctx, s.tracker) {
				return s.end(ReasonBreaker, nil)
			}
			if s.botSteps >= dc.MaxBotStep {
				continue
			}
		}

		steps, err := s.botTurn(ctx, dc.MaxBotStep-s.botSteps)
		s.botSteps += steps
		if err != nil {
			return s.end(reasonFor(err), err)
		}
	}
}

func (s *Session) userTurn(ctx context.Context) error {
	u := s.agent.catalog.UserUtter(s.parties)
	if err := u.Run(ctx, s.agent, s.tracker); err != nil {
		s.agent.metrics.RecordAction(u.Name(), "error")
		return err
	}
	return s.apply(ctx, u)
}

// botTurn runs at most budget bot steps. Skippable failures end the turn
// without error when on_action_error is skip.
func (s *Session) botTurn(ctx context.Context, budget int) (int, error) {
	steps := 0
	for steps < budget {
		if err := ctx.Err(); err != nil {
			return steps, err
		}

		names, err := s.agent.chain.Next(ctx, s.tracker)
		if err != nil {
			if s.skippable(err) {
				return steps + 1, nil
			}
			return steps, err
		}

		for _, name := range names {
			if steps >= budget {
				break
			}
			steps++
			ends, err := s.step(ctx, name)
			if err != nil {
				if s.skippable(err) {
					return steps, nil
				}
				return steps, err
			}
			if ends {
				return steps, nil
			}
		}
	}

	logx.Warn().
		Str("component", "dialogue").
		Str("session_id", s.id).
		Int("max_bot_step", budget).
		Msg("bot step budget exhausted")
	return steps, nil
}

func (s *Session) step(ctx context.Context, name string) (bool, error) {
	a, err := s.agent.catalog.New(name, s.parties)
	if err != nil {
		return false, err
	}
	if a.Kind() == model.KindUserUtter {
		return false, errx.Newf(errx.KindActionExecution, "%s is not a bot action", name)
	}

	if err := a.Run(ctx, s.agent, s.tracker); err != nil {
		s.agent.metrics.RecordAction(name, "error")
		logx.Error().Err(err).
			Str("component", "dialogue").
			Str("session_id", s.id).
			Str("action", name).
			Msg("action failed")
		return false, err
	}
	if err := s.apply(ctx, a); err != nil {
		return false, err
	}
	return a.EndsTurn(), nil
}

// apply commits a recorded action unless ctx was cancelled meanwhile.
func (s *Session) apply(ctx context.Context, a actions.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := a.ApplyTo(s.tracker); err != nil {
		return err
	}

	side := "bot"
	if a.Kind() == model.KindUserUtter {
		side = "user"
	}
	s.agent.metrics.RecordTurn(side)
	s.agent.metrics.RecordAction(a.Name(), "applied")
	return nil
}

// skippable reports whether err only fails the current turn and the
// document asks to carry on.
func (s *Session) skippable(err error) bool {
	if s.agent.cfg.Dialogue.OnActionError != model.OnErrorSkip {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch errx.KindOf(err) {
	case errx.KindActionExecution, errx.KindTemplateResolution, errx.KindGateway:
		logx.Warn().Err(err).
			Str("component", "dialogue").
			Str("session_id", s.id).
			Msg("turn skipped")
		return true
	}
	return false
}

func reasonFor(err error) string {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return ReasonCancelled
	case errors.Is(err, errx.ErrNoApplicablePolicy):
		return ReasonNoApplicablePolicy
	default:
		return ReasonError
	}
}

func (s *Session) end(reason string, err error) (Outcome, error) {
	s.agent.metrics.RecordSessionEnd(reason)
	ev := logx.Info()
	if err != nil {
		ev = logx.Error().Err(err)
	}
	ev.Str("component", "dialogue").
		Str("session_id", s.id).
		Str("reason", reason).
		Int("bot_steps", s.botSteps).
		Int("user_steps", s.userSteps).
		Float64("cost_usd", s.tracker.TotalCostUSD()).
		Msg("session ended")
	return s.outcome(reason), err
}

func (s *Session) outcome(reason string) Outcome {
	return Outcome{Reason: reason, BotSteps: s.botSteps, UserSteps: s.userSteps}
}

func (s *Session) repliesSince(start int) []model.Message {
	var out []model.Message
	for _, a := range s.tracker.Actions()[start:] {
		for _, m := range a.Result() {
			if m.Sender() == model.SenderBot && m.Text() != "" {
				out = append(out, m)
			}
		}
	}
	return out
}

func (s *Session) withCallbacks(ctx context.Context) context.Context {
	if len(s.agent.callbacks) == 0 {
		return ctx
	}
	return einocb.InitCallbacks(ctx, &einocb.RunInfo{Name: "dialogue", Type: "session"}, s.agent.callbacks...)
}
