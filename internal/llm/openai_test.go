package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cota-go/dialogue/internal/agent/model"
	errx "github.com/cota-go/dialogue/internal/core/error"
)

func TestOpenAIGateway(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id":"x","object":"chat.completion","model":"gpt-4o-mini",
			"choices":[{"index":0,"finish_reason":"tool_calls","message":{"role":"assistant","content":"hi there",
				"tool_calls":[{"id":"call_1","type":"function","function":{"name":"lookup","arguments":"{}"}}]}}],
			"usage":{"prompt_tokens":7,"completion_tokens":3,"total_tokens":10}}`))
	}))
	defer srv.Close()

	g, err := New(context.Background(), "default", model.LLMConfig{APIType: model.APITypeOpenAI, APIBase: srv.URL, Key: "sk-test", Model: "gpt-4o-mini"})
	require.NoError(t, err)

	resp, err := g.GenerateChat(context.Background(), Request{
		Messages:   userMsgs("hello"),
		MaxTokens:  42,
		Tools:      []Tool{FunctionTool("lookup", "find", map[string]any{"type": "object"})},
		ToolChoice: "auto",
	})
	require.NoError(t, err)

	assert.Equal(t, "hi there", resp.Content)
	assert.Equal(t, "gpt-4o-mini", resp.Model)
	require.Len(t, resp.ToolCalls, 1)
	assert.Equal(t, "lookup", resp.ToolCalls[0].Function.Name)
	assert.Equal(t, 10, resp.Usage.TotalTokens)

	assert.EqualValues(t, 42, body["max_tokens"])
	assert.Equal(t, "auto", body["tool_choice"])
	assert.Len(t, body["tools"], 1)
}

func TestOpenAIGateway_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"slow down","type":"rate_limit"}}`))
	}))
	defer srv.Close()

	g, err := New(context.Background(), "default", model.LLMConfig{APIType: model.APITypeOpenAI, APIBase: srv.URL, Key: "sk-test", Model: "gpt-4o-mini"})
	require.NoError(t, err)

	_, err = g.GenerateChat(context.Background(), Request{Messages: userMsgs("hello")})
	assert.True(t, errors.Is(err, errx.ErrGateway))

	_, err = g.GenerateChat(context.Background(), Request{
		Messages: userMsgs("hello"),
		Tools:    []Tool{{Type: "retrieval", Retrieval: &Retrieval{KnowledgeID: "kb"}}},
	})
	assert.True(t, errors.Is(err, errx.ErrGateway))
}
