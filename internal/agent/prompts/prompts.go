package prompts

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"

	einocb "github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components"
	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"

	errx "github.com/cota-go/dialogue/internal/core/error"
)

var placeholderRe = regexp.MustCompile(`\{\{\s*(\w+)\s*\}\}`)

// Fragment is a named piece of prompt context.
type Fragment struct {
	Key   string
	Value string
}

// Merge folds fragment groups into a binding map in order; a later fragment
// with the same key replaces an earlier one.
func Merge(groups ...[]Fragment) map[string]string {
	out := make(map[string]string)
	for _, g := range groups {
		for _, f := range g {
			out[f.Key] = f.Value
		}
	}
	return out
}

// Placeholders lists the distinct placeholder names in tpl in order of first
// appearance.
func Placeholders(tpl string) []string {
	seen := make(map[string]struct{})
	var names []string
	for _, m := range placeholderRe.FindAllStringSubmatch(tpl, -1) {
		if _, ok := seen[m[1]]; ok {
			continue
		}
		seen[m[1]] = struct{}{}
		names = append(names, m[1])
	}
	return names
}

// Resolve substitutes every {{name}} in tpl. A placeholder without a binding
// is a TemplateResolution error; an empty binding is allowed.
func Resolve(tpl string, vars map[string]string) (string, error) {
	var missing []string
	for _, name := range Placeholders(tpl) {
		if _, ok := vars[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		sort.Strings(missing)
		return "", errx.Newf(errx.KindTemplateResolution, "unbound placeholders: %s", strings.Join(missing, ", "))
	}

	out := placeholderRe.ReplaceAllStringFunc(tpl, func(m string) string {
		name := placeholderRe.FindStringSubmatch(m)[1]
		return vars[name]
	})
	return out, nil
}

// Render resolves tpl and passes the result through an eino prompt component
// so prompt callbacks observe the final text.
func Render(ctx context.Context, tpl string, vars map[string]string) (string, error) {
	content, err := Resolve(tpl, vars)
	if err != nil {
		return "", err
	}

	// Values may contain braces, so the text travels as a placeholder message
	// rather than being formatted again.
	ctx = einocb.ReuseHandlers(ctx, &einocb.RunInfo{Name: "prompt", Type: "DefaultChatTemplate", Component: components.ComponentOfPrompt})
	chat := prompt.FromMessages(
		schema.FString,
		schema.MessagesPlaceholder("prompt_messages", false),
	)
	msgs, err := chat.Format(ctx, map[string]any{
		"prompt_messages": []*schema.Message{schema.UserMessage(content)},
	})
	if err != nil {
		return "", fmt.Errorf("prompt callbacks: %w", err)
	}
	if len(msgs) == 0 || msgs[0] == nil {
		return "", fmt.Errorf("prompt callbacks: empty result")
	}
	return msgs[0].Content, nil
}
