package prompts

import (
	"embed"
	"fmt"
)

// Name identifies an embedded default template.
type Name string

const (
	Query       Name = "query"
	Breaker     Name = "breaker"
	Response    Name = "response"
	Selector    Name = "selector"
	Form        Name = "form"
	FormUpdater Name = "form_updater"
	RAG         Name = "rag"
	RAGSummary  Name = "rag_summary"
)

//go:embed template/*.txt
var templates embed.FS

const (
	DefaultSystemPersona = "You are a diligent personal assistant. You are warm, friendly and polite, and good at solving all kinds of user problems."
	DefaultUserPersona   = "You are a friendly user asking a personal assistant for help."
	// DefaultSelectorPersona and DefaultUpdaterPersona are the system messages
	// of the selector and the form updater.
	DefaultSelectorPersona = "You are an agent skilled at planning and prediction. Follow the user's instructions strictly."
	DefaultUpdaterPersona  = "You are an agent skilled at summarising and keeping track of dialogue state. Follow the user's instructions strictly."

	DefaultQueryDescription    = "The user asks the assistant a question"
	DefaultBreakerDescription  = "Decide whether the dialogue should end"
	DefaultResponseDescription = "Reply to the user"
	DefaultSelectorDescription = "Select the appropriate action"
)

// Default returns the embedded template text for name.
func Default(name Name) (string, error) {
	b, err := templates.ReadFile("template/" + string(name) + ".txt")
	if err != nil {
		return "", fmt.Errorf("unknown default template %q: %w", name, err)
	}
	return string(b), nil
}

func MustDefault(name Name) string {
	s, err := Default(name)
	if err != nil {
		panic(err)
	}
	return s
}
