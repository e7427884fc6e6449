package genai

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// DefaultOpenAIModel is used when no model is configured.
const DefaultOpenAIModel = openai.ChatModelGPT4oMini

// chatCompletions is the subset of the OpenAI SDK used here.
type chatCompletions interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// OpenAIClient generates text with the OpenAI chat completions API.
type OpenAIClient struct {
	chat        chatCompletions
	model       string
	temperature float64
}

// NewOpenAIClient creates an OpenAI backend.
func NewOpenAIClient(opts ...Option) (*OpenAIClient, error) {
	cfg := Opts{Model: DefaultOpenAIModel, Temperature: 0.7}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai: %w", ErrMissingAPIKey)
	}
	reqOpts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.BaseURL))
	}
	client := openai.NewClient(reqOpts...)
	slog.Debug("OpenAIClient.New: client created", "model", cfg.Model, "customBaseURL", cfg.BaseURL != "")
	return &OpenAIClient{chat: &client.Chat.Completions, model: cfg.Model, temperature: cfg.Temperature}, nil
}

// Generate implements Generator.
func (c *OpenAIClient) Generate(ctx context.Context, req Request) (Response, error) {
	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(c.model),
		Messages:    toOpenAIMessages(req.Messages),
		Temperature: openai.Float(c.temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.JSON {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	resp, err := c.chat.New(ctx, params)
	if err != nil {
		slog.Error("OpenAIClient.Generate: completion failed", "error", err, "model", c.model)
		return Response{}, fmt.Errorf("openai completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, ErrNoChoices
	}
	text := resp.Choices[0].Message.Content
	if text == "" {
		return Response{}, ErrEmptyReply
	}
	out := Response{
		Text:  text,
		Model: resp.Model,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	slog.Debug("OpenAIClient.Generate: completion succeeded", "model", out.Model, "totalTokens", out.Usage.TotalTokens)
	return out, nil
}

func toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}
