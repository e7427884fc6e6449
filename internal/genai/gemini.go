package genai

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	gemini "google.golang.org/genai"
)

// DefaultGeminiModel is used when no model is configured.
const DefaultGeminiModel = "gemini-2.5-flash"

// GeminiClient generates text with the Gemini API.
type GeminiClient struct {
	client      *gemini.Client
	model       string
	temperature float32
}

// NewGeminiClient creates a Gemini backend.
func NewGeminiClient(ctx context.Context, opts ...Option) (*GeminiClient, error) {
	cfg := Opts{Model: DefaultGeminiModel, Temperature: 0.7}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini: %w", ErrMissingAPIKey)
	}
	client, err := gemini.NewClient(ctx, &gemini.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: gemini.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	slog.Debug("GeminiClient.New: client created", "model", cfg.Model)
	return &GeminiClient{client: client, model: cfg.Model, temperature: float32(cfg.Temperature)}, nil
}

// Generate implements Generator. System messages are folded into the system
// instruction; assistant messages map to the model role.
func (c *GeminiClient) Generate(ctx context.Context, req Request) (Response, error) {
	var system []string
	var contents []*gemini.Content
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleAssistant:
			contents = append(contents, gemini.NewContentFromText(m.Content, gemini.RoleModel))
		default:
			contents = append(contents, gemini.NewContentFromText(m.Content, gemini.RoleUser))
		}
	}

	temp := c.temperature
	config := &gemini.GenerateContentConfig{Temperature: &temp}
	if len(system) > 0 {
		config.SystemInstruction = gemini.NewContentFromText(strings.Join(system, "\n\n"), gemini.RoleUser)
	}
	if req.JSON {
		config.ResponseMIMEType = "application/json"
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}

	resp, err := c.client.Models.GenerateContent(ctx, c.model, contents, config)
	if err != nil {
		slog.Error("GeminiClient.Generate: generation failed", "error", err, "model", c.model)
		return Response{}, fmt.Errorf("gemini generation failed: %w", err)
	}
	text := resp.Text()
	if text == "" {
		return Response{}, ErrEmptyReply
	}
	out := Response{Text: text, Model: c.model}
	if u := resp.UsageMetadata; u != nil {
		out.Usage = Usage{
			PromptTokens:     int64(u.PromptTokenCount),
			CompletionTokens: int64(u.CandidatesTokenCount),
			TotalTokens:      int64(u.TotalTokenCount),
		}
	}
	slog.Debug("GeminiClient.Generate: generation succeeded", "model", c.model, "totalTokens", out.Usage.TotalTokens)
	return out, nil
}
