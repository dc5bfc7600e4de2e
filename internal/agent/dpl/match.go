package dpl

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/cota-go/dialogue/internal/agent/dst"
	"github.com/cota-go/dialogue/internal/agent/model"
	errx "github.com/cota-go/dialogue/internal/core/error"
)

type matchRule struct {
	re      *regexp.Regexp
	thought string
	actions []string
}

// Match applies regular expressions to the latest user query.
type Match struct {
	name  string
	rules []matchRule
}

func NewMatch(cfg model.PolicyConfig) (*Match, error) {
	rules := make([]matchRule, 0, len(cfg.Patterns))
	for _, r := range cfg.Patterns {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, errx.New(errx.KindConfiguration, err, fmt.Sprintf("policy %s: invalid pattern %q", cfg.Name, r.Pattern))
		}
		rules = append(rules, matchRule{re: re, thought: r.Thought, actions: r.Actions})
	}
	return &Match{name: cfg.Name, rules: rules}, nil
}

func (p *Match) Name() string { return p.name }

// GenerateThoughts joins the thoughts of every matching rule in rule order.
func (p *Match) GenerateThoughts(_ context.Context, t *dst.Tracker, _ dst.Action) (string, error) {
	query := t.LatestQueryText()
	if query == "" {
		return "", nil
	}
	var thoughts []string
	for _, r := range p.rules {
		if r.thought != "" && r.re.MatchString(query) {
			thoughts = append(thoughts, r.thought)
		}
	}
	return strings.Join(thoughts, "\n"), nil
}

// GenerateActions proposes the actions of the first matching rule that has
// any; it only fires right after a user utterance.
func (p *Match) GenerateActions(_ context.Context, t *dst.Tracker) ([]string, error) {
	latest := t.LatestAction()
	if latest == nil || latest.Kind() != model.KindUserUtter {
		return nil, nil
	}
	query := t.LatestQueryText()
	for _, r := range p.rules {
		if len(r.actions) > 0 && r.re.MatchString(query) {
			return slices.Clone(r.actions), nil
		}
	}
	return nil, nil
}
