package actions

import (
	"net/http"

	"github.com/cota-go/dialogue/internal/agent/model"
	errx "github.com/cota-go/dialogue/internal/core/error"
)

// Factory builds an action instance from its definition.
type Factory func(name string, cfg model.ActionConfig, p Parties) Action

// Catalog resolves action names to fresh instances. Definitions are checked
// against the factory table once, at construction.
type Catalog struct {
	defs      map[string]model.ActionConfig
	factories map[model.ActionKind]Factory
}

type CatalogOption func(*catalogOptions)

type catalogOptions struct {
	httpClient *http.Client
}

// WithExecuterClient sets the HTTP client used by form executers.
func WithExecuterClient(c *http.Client) CatalogOption {
	return func(o *catalogOptions) { o.httpClient = c }
}

func NewCatalog(cfg *model.AgentConfig, opts ...CatalogOption) (*Catalog, error) {
	o := &catalogOptions{}
	for _, opt := range opts {
		opt(o)
	}

	c := &Catalog{
		defs: cfg.Actions,
		factories: map[model.ActionKind]Factory{
			model.KindUserUtter: func(name string, ac model.ActionConfig, p Parties) Action {
				return NewUserUtter(name, ac, p)
			},
			model.KindBotUtter: func(name string, ac model.ActionConfig, p Parties) Action {
				return NewBotUtter(name, ac, p)
			},
			model.KindSelector: func(name string, ac model.ActionConfig, p Parties) Action {
				return NewSelector(name, ac, p)
			},
			model.KindForm: func(name string, ac model.ActionConfig, p Parties) Action {
				return NewForm(name, ac, p, o.httpClient)
			},
		},
	}

	for name, ac := range c.defs {
		if _, ok := c.factories[ac.Type]; !ok {
			return nil, errx.Configuration("action %s has unknown type %q", name, ac.Type)
		}
	}
	return c, nil
}

func (c *Catalog) Has(name string) bool {
	_, ok := c.defs[name]
	return ok
}

// New returns a fresh instance of the named action. An undefined name fails
// the current turn.
func (c *Catalog) New(name string, p Parties) (Action, error) {
	ac, ok := c.defs[name]
	if !ok {
		return nil, errx.Newf(errx.KindActionExecution, "action %q is not defined", name)
	}
	return c.factories[ac.Type](name, ac, p), nil
}

// UserUtter returns a fresh user utterance.
func (c *Catalog) UserUtter(p Parties) *UserUtter {
	return NewUserUtter(model.ActionUserUtter, c.defs[model.ActionUserUtter], p)
}
