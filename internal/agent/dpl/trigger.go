package dpl

import (
	"context"
	"slices"
	"strings"

	"github.com/cota-go/dialogue/internal/agent/dst"
	"github.com/cota-go/dialogue/internal/agent/model"
)

// Trigger maps recent action sequences and query keywords to fixed actions.
type Trigger struct {
	name  string
	rules []model.TriggerRule
}

func NewTrigger(cfg model.PolicyConfig) *Trigger {
	return &Trigger{name: cfg.Name, rules: cfg.Triggers}
}

func (p *Trigger) Name() string { return p.name }

func (p *Trigger) GenerateThoughts(context.Context, *dst.Tracker, dst.Action) (string, error) {
	return "", nil
}

// GenerateActions returns the actions of the first matching rule. A rule
// with `after` matches when its names end the formless history; a rule
// without it matches only right after a user utterance. `query` must occur
// in the latest query, ignoring case.
func (p *Trigger) GenerateActions(_ context.Context, t *dst.Tracker) ([]string, error) {
	history := dst.ActionNames(t.FormlessActions())
	query := strings.ToLower(t.LatestQueryText())
	latest := t.LatestAction()

	for _, r := range p.rules {
		if len(r.Actions) == 0 {
			continue
		}
		if len(r.After) == 0 {
			if latest == nil || latest.Kind() != model.KindUserUtter {
				continue
			}
		} else if !hasSuffix(history, r.After) {
			continue
		}
		if r.Query != "" && !strings.Contains(query, strings.ToLower(r.Query)) {
			continue
		}
		return slices.Clone(r.Actions), nil
	}
	return nil, nil
}

func hasSuffix(history, suffix []string) bool {
	if len(suffix) > len(history) {
		return false
	}
	return slices.Equal(history[len(history)-len(suffix):], suffix)
}
