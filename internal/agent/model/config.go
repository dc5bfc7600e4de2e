package model

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/cota-go/dialogue/internal/agent/prompts"
	errx "github.com/cota-go/dialogue/internal/core/error"
)

// ================ Agent document ================

// AgentConfig is the fully resolved agent document. It is built once by
// ParseAgentConfig and must not be mutated afterwards; sessions share it.
type AgentConfig struct {
	System    Persona                 `yaml:"system"`
	UserProxy Persona                 `yaml:"user_proxy"`
	Actions   map[string]ActionConfig `yaml:"actions"`
	Policies  []PolicyConfig          `yaml:"policies"`
	Dialogue  DialogueConfig          `yaml:"dialogue"`
	LLMs      map[string]LLMConfig    `yaml:"llms"`
	Knowledge []KnowledgeDocument     `yaml:"knowledge"`
}

type Persona struct {
	Description string `yaml:"description"`
}

// ActionKind selects the Action variant built for an action definition.
type ActionKind string

const (
	KindUserUtter ActionKind = "user_utter"
	KindBotUtter  ActionKind = "bot_utter"
	KindSelector  ActionKind = "selector"
	KindForm      ActionKind = "form"
)

// Reserved action names.
const (
	ActionUserUtter = "UserUtter"
	ActionBotUtter  = "BotUtter"
	ActionSelector  = "Selector"
)

// DefaultLLM is used by actions and policies that do not name a backend.
const DefaultLLM = "default"

type ActionConfig struct {
	Type        ActionKind        `yaml:"type"`
	Description string            `yaml:"description"`
	Prompt      string            `yaml:"prompt"`
	LLM         string            `yaml:"llm"`
	Breaker     *BreakerConfig    `yaml:"breaker"`
	Slots       map[string]string `yaml:"slots"`
	Executer    ExecuterConfig    `yaml:"executer"`
	Updater     UpdaterConfig     `yaml:"updater"`
}

type BreakerConfig struct {
	Description string `yaml:"description"`
	Prompt      string `yaml:"prompt"`
	LLM         string `yaml:"llm"`
}

// ExecuterConfig describes how a form turns filled slots into a result.
type ExecuterConfig struct {
	URL     string   `yaml:"url"`
	Method  string   `yaml:"method"`
	Mock    bool     `yaml:"mock"`
	Output  []string `yaml:"output"`
	Timeout int      `yaml:"timeout"`
}

type UpdaterConfig struct {
	Prompt string `yaml:"prompt"`
	LLM    string `yaml:"llm"`
}

type PolicyConfig struct {
	Name string `yaml:"name"`

	// rag
	LLM          string `yaml:"llm"`
	SummarizeLLM string `yaml:"summarize_llm"`
	TopK         int    `yaml:"top_k"`
	MaxThoughts  int    `yaml:"max_thoughts"`
	Action       string `yaml:"action"`

	// trigger
	Triggers []TriggerRule `yaml:"triggers"`

	// match
	Patterns []MatchRule `yaml:"patterns"`
}

type TriggerRule struct {
	After   []string `yaml:"after"`
	Query   string   `yaml:"query"`
	Actions []string `yaml:"actions"`
}

type MatchRule struct {
	Pattern string   `yaml:"pattern"`
	Thought string   `yaml:"thought"`
	Actions []string `yaml:"actions"`
}

// OnActionError values.
const (
	OnErrorStop = "stop"
	OnErrorSkip = "skip"
)

type DialogueConfig struct {
	Mode                string `yaml:"mode"`
	MaxBotStep          int    `yaml:"max_bot_step"`
	UseProxyUser        bool   `yaml:"use_proxy_user"`
	MaxProxyUserStep    int    `yaml:"max_proxy_user_step"`
	UseProxyUserBreaker bool   `yaml:"use_proxy_user_breaker"`
	MaxTokens           int    `yaml:"max_tokens"`
	OnActionError       string `yaml:"on_action_error"`
}

// ================ LLM providers ================

type APIType string

const (
	APITypeOpenAI APIType = "openai"
	APITypeCustom APIType = "custom"
	APITypeGemini APIType = "gemini"
)

type LLMConfig struct {
	APIType     APIType  `yaml:"apitype"`
	UseRAG      bool     `yaml:"userag"`
	Key         string   `yaml:"key"`
	APIBase     string   `yaml:"apibase"`
	Model       string   `yaml:"model"`
	KnowledgeID string   `yaml:"knowledge_id"`
	RAGPrompt   string   `yaml:"rag_prompt"`
	Temperature *float32 `yaml:"temperature"`
	// Timeout is in seconds.
	Timeout int     `yaml:"timeout"`
	RPS     float64 `yaml:"rps"`
	Breaker bool    `yaml:"breaker"`
	// MaxRetries is the caller-side retry budget; negative disables retries.
	MaxRetries int `yaml:"max_retries"`
}

const (
	defaultLLMTimeout    = 30
	defaultLLMMaxRetries = 3
	defaultTopK          = 3
	defaultMaxThoughts   = 5
)

// ================ Builder ================

// DefaultAgentConfig returns the built-in personas, the reserved actions and
// the dialogue defaults.
func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		System:    Persona{Description: prompts.DefaultSystemPersona},
		UserProxy: Persona{Description: prompts.DefaultUserPersona},
		Actions:   defaultActions(),
		Dialogue: DialogueConfig{
			Mode:                "agent",
			MaxBotStep:          20,
			UseProxyUser:        false,
			MaxProxyUserStep:    20,
			UseProxyUserBreaker: false,
			MaxTokens:           500,
			OnActionError:       OnErrorStop,
		},
		LLMs: map[string]LLMConfig{},
	}
}

func defaultActions() map[string]ActionConfig {
	return map[string]ActionConfig{
		ActionUserUtter: {
			Type:        KindUserUtter,
			Description: prompts.DefaultQueryDescription,
			Prompt:      prompts.MustDefault(prompts.Query),
			Breaker: &BreakerConfig{
				Description: prompts.DefaultBreakerDescription,
				Prompt:      prompts.MustDefault(prompts.Breaker),
			},
		},
		ActionBotUtter: {
			Type:        KindBotUtter,
			Description: prompts.DefaultResponseDescription,
			Prompt:      prompts.MustDefault(prompts.Response),
		},
		ActionSelector: {
			Type:        KindSelector,
			Description: prompts.DefaultSelectorDescription,
			Prompt:      prompts.MustDefault(prompts.Selector),
		},
	}
}

// LoadAgentConfig reads, expands and parses the YAML agent document at path.
func LoadAgentConfig(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errx.New(errx.KindConfiguration, err, fmt.Sprintf("read agent config %s", path))
	}
	return ParseAgentConfig(data)
}

// ParseAgentConfig merges the document over DefaultAgentConfig and validates
// the result. ${VAR} references are expanded from the environment first.
func ParseAgentConfig(data []byte) (*AgentConfig, error) {
	cfg := DefaultAgentConfig()
	defaults := cfg.Actions
	cfg.Actions = nil

	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, errx.New(errx.KindConfiguration, err, "parse agent config")
	}

	cfg.Actions = mergeActions(defaults, cfg.Actions)
	cfg.fill()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// mergeActions overlays user definitions on the defaults field by field, so a
// document may override only the prompt of a reserved action.
func mergeActions(defaults, user map[string]ActionConfig) map[string]ActionConfig {
	out := make(map[string]ActionConfig, len(defaults)+len(user))
	for name, def := range defaults {
		out[name] = def
	}
	for name, ac := range user {
		def, ok := out[name]
		if !ok {
			out[name] = ac
			continue
		}
		if ac.Type != "" {
			def.Type = ac.Type
		}
		if ac.Description != "" {
			def.Description = ac.Description
		}
		if ac.Prompt != "" {
			def.Prompt = ac.Prompt
		}
		if ac.LLM != "" {
			def.LLM = ac.LLM
		}
		if ac.Breaker != nil {
			b := *ac.Breaker
			if def.Breaker != nil {
				if b.Description == "" {
					b.Description = def.Breaker.Description
				}
				if b.Prompt == "" {
					b.Prompt = def.Breaker.Prompt
				}
			}
			def.Breaker = &b
		}
		out[name] = def
	}
	return out
}

func (c *AgentConfig) fill() {
	for name, ac := range c.Actions {
		if ac.Type == "" {
			ac.Type = inferKind(name)
		}
		if ac.Type == KindForm {
			if ac.Executer.Method == "" {
				ac.Executer.Method = "get"
			}
			if ac.Executer.Timeout <= 0 {
				ac.Executer.Timeout = 10
			}
			if ac.Prompt == "" {
				ac.Prompt = prompts.MustDefault(prompts.Form)
			}
			if ac.Updater.Prompt == "" {
				ac.Updater.Prompt = prompts.MustDefault(prompts.FormUpdater)
			}
		}
		if ac.Prompt == "" {
			switch ac.Type {
			case KindBotUtter:
				ac.Prompt = prompts.MustDefault(prompts.Response)
			case KindSelector:
				ac.Prompt = prompts.MustDefault(prompts.Selector)
			}
		}
		c.Actions[name] = ac
	}

	for i := range c.Policies {
		p := &c.Policies[i]
		if p.MaxThoughts <= 0 {
			p.MaxThoughts = defaultMaxThoughts
		}
		if p.TopK <= 0 {
			p.TopK = defaultTopK
		}
	}

	for name, l := range c.LLMs {
		if l.Timeout <= 0 {
			l.Timeout = defaultLLMTimeout
		}
		if l.MaxRetries == 0 {
			l.MaxRetries = defaultLLMMaxRetries
		}
		c.LLMs[name] = l
	}

	if c.Dialogue.OnActionError == "" {
		c.Dialogue.OnActionError = OnErrorStop
	}
}

func inferKind(name string) ActionKind {
	switch name {
	case ActionUserUtter:
		return KindUserUtter
	case ActionSelector:
		return KindSelector
	default:
		return KindBotUtter
	}
}

// Validate checks document-level constraints. Policy names, provider
// combinations and LLM references are checked by their factories.
func (c *AgentConfig) Validate() error {
	if len(c.Policies) == 0 {
		return errx.Configuration("no policies configured")
	}
	if c.Dialogue.Mode != "agent" {
		return errx.Configuration("unsupported dialogue mode %q", c.Dialogue.Mode)
	}
	if c.Dialogue.MaxBotStep <= 0 {
		return errx.Configuration("dialogue.max_bot_step must be positive")
	}
	if c.Dialogue.UseProxyUser && c.Dialogue.MaxProxyUserStep <= 0 {
		return errx.Configuration("dialogue.max_proxy_user_step must be positive")
	}
	if c.Dialogue.MaxTokens <= 0 {
		return errx.Configuration("dialogue.max_tokens must be positive")
	}
	switch c.Dialogue.OnActionError {
	case OnErrorStop, OnErrorSkip:
	default:
		return errx.Configuration("unknown dialogue.on_action_error %q", c.Dialogue.OnActionError)
	}

	if _, ok := c.Actions[ActionUserUtter]; !ok {
		return errx.Configuration("action %s must be defined", ActionUserUtter)
	}
	for name, ac := range c.Actions {
		switch ac.Type {
		case KindUserUtter, KindBotUtter, KindSelector:
		case KindForm:
			if len(ac.Slots) == 0 {
				return errx.Configuration("form %s declares no slots", name)
			}
			if !ac.Executer.Mock && ac.Executer.URL == "" {
				return errx.Configuration("form %s needs executer.url or executer.mock", name)
			}
		default:
			return errx.Configuration("action %s has unknown type %q", name, ac.Type)
		}
	}

	for i, p := range c.Policies {
		for _, r := range p.Patterns {
			if _, err := regexp.Compile(r.Pattern); err != nil {
				return errx.New(errx.KindConfiguration, err, fmt.Sprintf("policy %d: invalid pattern %q", i, r.Pattern))
			}
		}
	}
	return nil
}

// LLMName resolves an empty backend reference to DefaultLLM.
func LLMName(name string) string {
	if name == "" {
		return DefaultLLM
	}
	return name
}

// BotActions lists action names the bot side may run, i.e. everything except
// UserUtter.
func (c *AgentConfig) BotActions() map[string]ActionConfig {
	out := make(map[string]ActionConfig, len(c.Actions))
	for name, ac := range c.Actions {
		if ac.Type == KindUserUtter {
			continue
		}
		out[name] = ac
	}
	return out
}
