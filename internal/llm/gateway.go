// Package llm is the chat-completion boundary. Every provider implements
// Gateway and surfaces failures as errx.KindGateway errors, so callers never
// branch on provider identity.
package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/cloudwego/eino/schema"

	errx "github.com/cota-go/dialogue/internal/core/error"
)

// Provider names, one per supported (apitype, userag) combination.
const (
	ProviderOpenAI    = "openai"
	ProviderOpenAIRAG = "openai_rag"
	ProviderCustom    = "custom"
	ProviderCustomRAG = "custom_rag"
	ProviderGemini    = "gemini"
)

const defaultMaxTokens = 500

// Tool is a request tool entry. Function tools carry Function; the
// retrieval tool injected by RAG providers carries Retrieval.
type Tool struct {
	Type      string        `json:"type"`
	Function  *ToolFunction `json:"function,omitempty"`
	Retrieval *Retrieval    `json:"retrieval,omitempty"`
}

type ToolFunction struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type Retrieval struct {
	KnowledgeID    string `json:"knowledge_id"`
	PromptTemplate string `json:"prompt_template,omitempty"`
}

// FunctionTool builds a function tool entry.
func FunctionTool(name, description string, parameters map[string]any) Tool {
	return Tool{Type: "function", Function: &ToolFunction{Name: name, Description: description, Parameters: parameters}}
}

type Request struct {
	Messages  []*schema.Message
	MaxTokens int
	// ResponseFormat defaults to {"type":"text"}.
	ResponseFormat map[string]any
	Tools          []Tool
	ToolChoice     any
}

// Normalize fills defaults. Providers call it before building the wire body.
func (r Request) Normalize() Request {
	if r.MaxTokens <= 0 {
		r.MaxTokens = defaultMaxTokens
	}
	if r.ResponseFormat == nil {
		r.ResponseFormat = map[string]any{"type": "text"}
	}
	return r
}

type Response struct {
	Content   string
	ToolCalls []schema.ToolCall
	Usage     *schema.TokenUsage
	Model     string
}

type Gateway interface {
	GenerateChat(ctx context.Context, req Request) (*Response, error)
}

// GatewayFunc adapts a function to Gateway.
type GatewayFunc func(ctx context.Context, req Request) (*Response, error)

func (f GatewayFunc) GenerateChat(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}

// gatewayError tags err with KindGateway unless it already is one.
func gatewayError(provider string, err error) error {
	if err == nil {
		return nil
	}
	var app *errx.AppError
	if errors.As(err, &app) && app.Kind == errx.KindGateway {
		return err
	}
	return errx.New(errx.KindGateway, err, provider)
}

func gatewayErrorf(provider, format string, args ...any) error {
	return errx.New(errx.KindGateway, fmt.Errorf(format, args...), provider)
}
