// Package genai provides text generation backends for CarePipe.
//
// A Generator takes a role-tagged message list and returns text plus token
// usage. OpenAI and Gemini backends are provided; MockGenerator serves tests
// and offline use.
package genai

import (
	"context"
	"errors"
	"fmt"
)

// Role tags a message for the generator.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry of a generation request.
type Message struct {
	Role    Role
	Content string
}

// Request is a single generation call.
type Request struct {
	Messages []Message
	// JSON asks the backend for a JSON object response.
	JSON      bool
	MaxTokens int
}

// Usage is token accounting reported by the backend.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Add accumulates another usage into u.
func (u *Usage) Add(o Usage) {
	u.PromptTokens += o.PromptTokens
	u.CompletionTokens += o.CompletionTokens
	u.TotalTokens += o.TotalTokens
}

// Response is the result of a generation call.
type Response struct {
	Text  string
	Model string
	Usage Usage
}

// Generator produces text for a request.
type Generator interface {
	Generate(ctx context.Context, req Request) (Response, error)
}

// Errors returned by backends.
var (
	ErrMissingAPIKey = errors.New("API key not set")
	ErrNoChoices     = errors.New("no choices returned")
	ErrEmptyReply    = errors.New("empty reply")
)

// Provider names a backend.
type Provider string

const (
	ProviderOpenAI Provider = "openai"
	ProviderGemini Provider = "gemini"
	ProviderMock   Provider = "mock"
)

// Opts holds backend configuration.
type Opts struct {
	APIKey      string
	Model       string
	BaseURL     string
	Temperature float64
}

// Option configures a backend.
type Option func(*Opts)

// WithAPIKey sets the provider API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the model name.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// WithBaseURL points the OpenAI backend at a compatible endpoint.
func WithBaseURL(url string) Option {
	return func(o *Opts) { o.BaseURL = url }
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) Option {
	return func(o *Opts) { o.Temperature = t }
}

// New builds the backend named by provider.
func New(ctx context.Context, provider Provider, opts ...Option) (Generator, error) {
	switch provider {
	case ProviderOpenAI, "":
		return NewOpenAIClient(opts...)
	case ProviderGemini:
		return NewGeminiClient(ctx, opts...)
	case ProviderMock:
		return NewMockGenerator(), nil
	default:
		return nil, fmt.Errorf("unknown generation provider %q", provider)
	}
}
