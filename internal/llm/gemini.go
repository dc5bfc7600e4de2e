package llm

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino-ext/components/model/gemini"
	einocb "github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components"
	einomodel "github.com/cloudwego/eino/components/model"
	"google.golang.org/genai"

	"github.com/cota-go/dialogue/internal/agent/model"
	errx "github.com/cota-go/dialogue/internal/core/error"
	logx "github.com/cota-go/dialogue/pkg/logger"
)

type geminiGateway struct {
	name  string
	chat  *gemini.ChatModel
	model string
}

func newGeminiGateway(ctx context.Context, name string, cfg model.LLMConfig) (*geminiGateway, error) {
	clientCfg := &genai.ClientConfig{
		APIKey:  cfg.Key,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.APIBase != "" {
		clientCfg.HTTPOptions.BaseURL = cfg.APIBase
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		logx.Error().Err(err).Msg("Error creating Gemini client")
		return nil, errx.New(errx.KindConfiguration, err, "create gemini client")
	}

	chat, err := gemini.NewChatModel(ctx, &gemini.Config{
		Client:      client,
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
	})
	if err != nil {
		logx.Error().Err(err).Msg("Error creating Gemini chat model")
		return nil, errx.New(errx.KindConfiguration, err, "create gemini chat model")
	}

	return &geminiGateway{name: name, chat: chat, model: cfg.Model}, nil
}

func (g *geminiGateway) GenerateChat(ctx context.Context, req Request) (*Response, error) {
	req = req.Normalize()
	if len(req.Tools) > 0 {
		return nil, gatewayErrorf(ProviderGemini, "tool calling is not supported by this provider")
	}

	// The model keeps an existing run info, so name the call before it.
	ctx = einocb.ReuseHandlers(ctx, &einocb.RunInfo{Name: g.name, Type: ProviderGemini, Component: components.ComponentOfChatModel})
	msg, err := g.chat.Generate(ctx, req.Messages, einomodel.WithMaxTokens(req.MaxTokens))
	if err != nil {
		return nil, gatewayError(ProviderGemini, err)
	}
	if msg == nil {
		return nil, gatewayError(ProviderGemini, fmt.Errorf("empty response"))
	}

	out := &Response{Content: msg.Content, ToolCalls: msg.ToolCalls, Model: g.model}
	if msg.ResponseMeta != nil {
		out.Usage = msg.ResponseMeta.Usage
	}
	return out, nil
}
