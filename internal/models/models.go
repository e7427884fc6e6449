// Package models defines the core data structures for CarePipe.
//
// It includes the per-turn reading of a user message, the persisted
// conversation state, catalog entries, plans handed to the generator, and the
// JSON envelope used by the HTTP API.
package models

import (
	"errors"
	"time"
)

// Validation constants for input validation
const (
	// MaxMessageLength defines the maximum accepted length of a user message, in characters.
	MaxMessageLength = 4000
	// MaxSessionIDLength defines the maximum accepted length of a session id.
	MaxSessionIDLength = 128
	// HistoryWindow is the number of prior turns handed to the parser.
	HistoryWindow = 5
)

// Error variables for better error handling and testability
var (
	ErrEmptySessionID     = errors.New("session id cannot be empty")
	ErrSessionIDTooLong   = errors.New("session id exceeds maximum length")
	ErrEmptyMessage       = errors.New("message cannot be empty")
	ErrMessageTooLong     = errors.New("message exceeds maximum length")
	ErrSessionNotFound    = errors.New("session not found")
	ErrInvalidStage       = errors.New("invalid conversation stage")
	ErrInvalidFeedback    = errors.New("invalid feedback signal")
	ErrFeedbackNotAllowed = errors.New("feedback is only accepted while summarizing")
	ErrCardUnavailable    = errors.New("care card is only available while inviting")
	ErrUnknownStyle       = errors.New("unknown style")
	ErrVersionConflict    = errors.New("conversation state was modified concurrently")
)

// MessageRole identifies who authored a message.
type MessageRole string

const (
	// RoleUser marks a message written by the user.
	RoleUser MessageRole = "user"
	// RoleAssistant marks a message produced by the engine.
	RoleAssistant MessageRole = "assistant"
)

// MessageRecord is a persisted chat message with the tags the parser produced for it.
// Assistant messages carry no tags.
type MessageRecord struct {
	SessionID string      `json:"session_id"`
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	Emotions  []Emotion   `json:"emotions,omitempty"`
	Intensity int         `json:"intensity,omitempty"`
	Scene     Scene       `json:"scene,omitempty"`
	RiskLevel RiskLevel   `json:"risk_level,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// HistoryEntry converts a record into the shape the parser consumes.
func (m MessageRecord) HistoryEntry() HistoryEntry {
	return HistoryEntry{
		Role:      m.Role,
		Content:   m.Content,
		Emotions:  append([]Emotion(nil), m.Emotions...),
		Intensity: m.Intensity,
	}
}

// HistoryEntry is one prior turn as seen by the parser.
type HistoryEntry struct {
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	Emotions  []Emotion   `json:"emotions,omitempty"`
	Intensity int         `json:"intensity,omitempty"`
}

// APIStatus represents the status of an API response.
type APIStatus string

const (
	// APIStatusOK indicates an API request completed successfully.
	APIStatusOK APIStatus = "ok"
	// APIStatusError indicates an API request failed with an error.
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// APIResponseBuilder provides a fluent interface for building API responses.
type APIResponseBuilder struct {
	response APIResponse
}

// NewAPIResponseBuilder creates a new APIResponseBuilder instance.
func NewAPIResponseBuilder() *APIResponseBuilder {
	return &APIResponseBuilder{}
}

// WithStatus sets the status of the API response.
func (b *APIResponseBuilder) WithStatus(status APIStatus) *APIResponseBuilder {
	b.response.Status = string(status)
	return b
}

// WithMessage sets the message of the API response.
func (b *APIResponseBuilder) WithMessage(message string) *APIResponseBuilder {
	b.response.Message = message
	return b
}

// WithResult sets the result data of the API response.
func (b *APIResponseBuilder) WithResult(result interface{}) *APIResponseBuilder {
	b.response.Result = result
	return b
}

// Build constructs and returns the final APIResponse.
func (b *APIResponseBuilder) Build() APIResponse {
	return b.response
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusOK).
		WithResult(result).
		Build()
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return NewAPIResponseBuilder().
		WithStatus(APIStatusError).
		WithMessage(message).
		Build()
}
