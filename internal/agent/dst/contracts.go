package dst

import (
	"context"

	"github.com/cota-go/dialogue/internal/agent/model"
)

// Action is the read side of an executed action as seen by the tracker and
// by policies.
type Action interface {
	Name() string
	Kind() model.ActionKind
	Description() string
	// Result holds the messages produced by the action, normally one.
	Result() []model.Message
	// FormBound reports whether the action belongs to a slot-filling flow.
	FormBound() bool
	SenderID() string
	ReceiverID() string
}

// FormAction is implemented by form-bound actions. An incomplete form stays
// active and is re-selected after the next user utterance.
type FormAction interface {
	Action
	Complete() bool
}

// Policy proposes next actions and prompt thoughts. Implementations hold no
// session state and may be shared across sessions.
type Policy interface {
	Name() string
	// GenerateThoughts returns a short hint for a prompt; "" means none.
	GenerateThoughts(ctx context.Context, t *Tracker, a Action) (string, error)
	// GenerateActions returns candidate action names; empty defers to the
	// next policy.
	GenerateActions(ctx context.Context, t *Tracker) ([]string, error)
}

// KnowledgePolicy is a Policy that also contributes retrieved knowledge.
type KnowledgePolicy interface {
	Policy
	GenerateKnowledge(ctx context.Context, t *Tracker, a Action) (string, error)
}
