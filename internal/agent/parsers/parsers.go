package parsers

import (
	"encoding/json"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"unicode/utf8"

	logx "github.com/cota-go/dialogue/pkg/logger"
)

// basic safety limits to avoid pathological model output
const (
	maxContentLen = 64 * 1024 // 64KB
	maxSlotsJSON  = 16 * 1024 // 16KB
	maxErrSnippet = 200       // limit error snippet size
)

var (
	angleRe   = regexp.MustCompile(`<\s*([^<>\s]+)\s*>`)
	booleanRe = regexp.MustCompile(`(?i)\b(true|false)\b`)
)

func guard(content, component string) string {
	if len(content) > maxContentLen {
		logx.Warn().
			Str("component", component).
			Int("max_len", maxContentLen).
			Int("orig_len", len(content)).
			Msg("content truncated due to size limit")
		content = content[:runeCut(content, maxContentLen)]
	}
	return strings.TrimSpace(content)
}

// runeCut backs n off to the start of the rune it falls in.
func runeCut(s string, n int) int {
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return n
}

// ParseSelection extracts the action name from selector output of the form
// "<Action>". The last bracketed token wins, since models tend to restate the
// format before answering. A bare answer equal to a known name is accepted.
func ParseSelection(content string, known []string) (string, error) {
	content = guard(content, "selector_parser")

	var candidate string
	if ms := angleRe.FindAllStringSubmatch(content, -1); len(ms) > 0 {
		candidate = ms[len(ms)-1][1]
	} else {
		candidate = strings.Trim(content, " \t\r\n.`'\"")
	}

	if candidate == "" {
		return "", fmt.Errorf("selector output has no action")
	}
	if !slices.Contains(known, candidate) {
		return "", fmt.Errorf("selector chose unknown action %q", safeSnippet(candidate))
	}
	return candidate, nil
}

// ParseBreaker reads a true/false verdict. The last flag in the output wins.
func ParseBreaker(content string) (bool, error) {
	content = guard(content, "breaker_parser")

	ms := booleanRe.FindAllString(content, -1)
	if len(ms) == 0 {
		return false, fmt.Errorf("breaker output has no verdict: %s", safeSnippet(content))
	}
	return strings.EqualFold(ms[len(ms)-1], "true"), nil
}

// ParseSlots decodes the form updater's JSON object and keeps only the
// declared slot names. A null value resets the slot.
func ParseSlots(content string, declared []string) (slots map[string]any, err error) {
	// panic safety
	defer func() {
		if r := recover(); r != nil {
			logx.Error().Str("component", "slot_parser").Msgf("panic recovered: %v", r)
			slots, err = nil, fmt.Errorf("slot parser panic")
		}
	}()

	content = guard(content, "slot_parser")
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("updater output is not a json object: %s", safeSnippet(content))
	}
	body := content[start : end+1]
	if len(body) > maxSlotsJSON {
		return nil, fmt.Errorf("updater output too large")
	}
	if !utf8.ValidString(body) {
		return nil, fmt.Errorf("updater output invalid utf8")
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(body), &raw); err != nil {
		return nil, fmt.Errorf("updater output: %w", err)
	}

	slots = make(map[string]any, len(declared))
	for _, name := range declared {
		v, ok := raw[name]
		if !ok {
			continue
		}
		slots[name] = v
	}
	if dropped := len(raw) - len(slots); dropped > 0 {
		logx.Debug().Str("component", "slot_parser").Int("dropped", dropped).Msg("ignored undeclared slots")
	}
	return slots, nil
}

func safeSnippet(s string) string {
	if len(s) <= maxErrSnippet {
		return s
	}
	return s[:runeCut(s, maxErrSnippet)] + "..."
}
