package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/cloudwego/eino/schema"
)

const (
	maxErrBody      = 512
	maxResponseBody = 4 << 20
)

// httpGateway speaks the OpenAI-compatible wire format to a relay. It backs
// the custom providers and the retrieval-augmented OpenAI variant.
type httpGateway struct {
	provider    string
	url         string
	key         string
	model       string
	knowledgeID string
	retrieval   *Retrieval
	client      *http.Client
}

type wireMessage struct {
	Role       string            `json:"role"`
	Content    string            `json:"content"`
	ToolCalls  []schema.ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string            `json:"tool_call_id,omitempty"`
}

type wireRequest struct {
	Model          string         `json:"model"`
	Messages       []wireMessage  `json:"messages"`
	MaxTokens      int            `json:"max_tokens"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
	Tools          []Tool         `json:"tools,omitempty"`
	ToolChoice     any            `json:"tool_choice,omitempty"`
	KnowledgeID    string         `json:"knowledge_id,omitempty"`
}

type wireUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// wireResponse accepts both the OpenAI shape (choices[0].message) and an
// already-normalised {content, tool_calls} body.
type wireResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content   string            `json:"content"`
			ToolCalls []schema.ToolCall `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
	Content   *string           `json:"content"`
	ToolCalls []schema.ToolCall `json:"tool_calls"`
	Usage     *wireUsage        `json:"usage"`
}

func toWireMessages(msgs []*schema.Message) []wireMessage {
	out := make([]wireMessage, 0, len(msgs))
	for _, m := range msgs {
		if m == nil {
			continue
		}
		out = append(out, wireMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
		})
	}
	return out
}

func (g *httpGateway) GenerateChat(ctx context.Context, req Request) (*Response, error) {
	req = req.Normalize()

	body := wireRequest{
		Model:          g.model,
		Messages:       toWireMessages(req.Messages),
		MaxTokens:      req.MaxTokens,
		ResponseFormat: req.ResponseFormat,
		KnowledgeID:    g.knowledgeID,
	}
	if g.retrieval != nil {
		body.Tools = append([]Tool{{Type: "retrieval", Retrieval: g.retrieval}}, req.Tools...)
	} else if len(req.Tools) > 0 {
		body.Tools = req.Tools
	}
	if len(req.Tools) > 0 {
		body.ToolChoice = req.ToolChoice
	}

	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, gatewayErrorf(g.provider, "marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, gatewayErrorf(g.provider, "create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.key != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.key)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, gatewayError(g.provider, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody+1))
	if err != nil {
		return nil, gatewayErrorf(g.provider, "read response: %w", err)
	}
	if len(raw) > maxResponseBody {
		return nil, gatewayErrorf(g.provider, "response exceeds %d bytes", maxResponseBody)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, gatewayErrorf(g.provider, "status %d: %s", resp.StatusCode, snippet(raw))
	}

	var wr wireResponse
	if err := json.Unmarshal(raw, &wr); err != nil {
		return nil, gatewayErrorf(g.provider, "decode response: %w", err)
	}

	out := &Response{Model: wr.Model}
	switch {
	case len(wr.Choices) > 0:
		out.Content = wr.Choices[0].Message.Content
		out.ToolCalls = wr.Choices[0].Message.ToolCalls
	case wr.Content != nil || len(wr.ToolCalls) > 0:
		if wr.Content != nil {
			out.Content = *wr.Content
		}
		out.ToolCalls = wr.ToolCalls
	default:
		return nil, gatewayErrorf(g.provider, "no choices in response")
	}
	if out.Model == "" {
		out.Model = g.model
	}
	if wr.Usage != nil {
		out.Usage = &schema.TokenUsage{
			PromptTokens:     wr.Usage.PromptTokens,
			CompletionTokens: wr.Usage.CompletionTokens,
			TotalTokens:      wr.Usage.TotalTokens,
		}
	}
	return out, nil
}

func snippet(b []byte) string {
	if len(b) > maxErrBody {
		return fmt.Sprintf("%s...", b[:maxErrBody])
	}
	return string(b)
}
