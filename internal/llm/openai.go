package llm

import (
	"context"
	"fmt"
	"net/http"

	"github.com/cloudwego/eino/schema"
	openai "github.com/sashabaranov/go-openai"

	"github.com/cota-go/dialogue/internal/agent/model"
)

type openAIGateway struct {
	client      *openai.Client
	model       string
	temperature *float32
}

func newOpenAIGateway(cfg model.LLMConfig, hc *http.Client) *openAIGateway {
	cc := openai.DefaultConfig(cfg.Key)
	if cfg.APIBase != "" {
		cc.BaseURL = cfg.APIBase
	}
	cc.HTTPClient = hc
	return &openAIGateway{
		client:      openai.NewClientWithConfig(cc),
		model:       cfg.Model,
		temperature: cfg.Temperature,
	}
}

func (g *openAIGateway) GenerateChat(ctx context.Context, req Request) (*Response, error) {
	req = req.Normalize()

	creq := openai.ChatCompletionRequest{
		Model:     g.model,
		Messages:  toOpenAIMessages(req.Messages),
		MaxTokens: req.MaxTokens,
	}
	if g.temperature != nil {
		creq.Temperature = *g.temperature
	}
	if t, _ := req.ResponseFormat["type"].(string); t == string(openai.ChatCompletionResponseFormatTypeJSONObject) {
		creq.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}
	if len(req.Tools) > 0 {
		tools, err := toOpenAITools(req.Tools)
		if err != nil {
			return nil, gatewayError(ProviderOpenAI, err)
		}
		creq.Tools = tools
		creq.ToolChoice = req.ToolChoice
	}

	resp, err := g.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		return nil, gatewayError(ProviderOpenAI, err)
	}
	if len(resp.Choices) == 0 {
		return nil, gatewayErrorf(ProviderOpenAI, "no choices in response")
	}

	msg := resp.Choices[0].Message
	out := &Response{
		Content: msg.Content,
		Model:   resp.Model,
		Usage: &schema.TokenUsage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	for _, tc := range msg.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, schema.ToolCall{
			ID:   tc.ID,
			Type: string(tc.Type),
			Function: schema.FunctionCall{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}
	return out, nil
}

func toOpenAIMessages(msgs []*schema.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		cm := openai.ChatCompletionMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			cm.ToolCalls = append(cm.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		out = append(out, cm)
	}
	return out
}

func toOpenAITools(tools []Tool) ([]openai.Tool, error) {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		if t.Function == nil {
			return nil, fmt.Errorf("tool type %q is not supported by the direct api", t.Type)
		}
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  t.Function.Parameters,
			},
		})
	}
	return out, nil
}
