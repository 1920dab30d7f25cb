// Package provider defines the secondary (cloud) model providers the
// dispatcher falls back to when an on-device capability cannot serve a
// request. Each adapter (openai.go, anthropic.go) normalizes its vendor API
// into a single request/response shape.
package provider

import (
	"context"
	"errors"
)

// ── Message types ────────────────────────────────────────────────────────────

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is a single chat message.
type Message struct {
	Role    Role
	Content string
}

// ── Request types ────────────────────────────────────────────────────────────

// ChatRequest is the unified request sent to a provider.
type ChatRequest struct {
	Model        string // empty uses the provider default
	SystemPrompt string
	Messages     []Message
	Temperature  *float64 // nil uses the provider default
	MaxTokens    int      // 0 uses the provider default
}

// ChatResponse is a complete, non-streamed reply.
type ChatResponse struct {
	Text  string
	Model string
	Usage Usage
}

// Usage records token consumption for an API call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// ErrEmptyResponse is returned when the API answers without any text.
var ErrEmptyResponse = errors.New("provider returned no content")

// ── Provider interface ───────────────────────────────────────────────────────

// Provider is a request/response chat completion endpoint.
type Provider interface {
	// Complete sends req and waits for the full reply.
	Complete(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// Name returns the provider identifier, e.g. "openrouter", "anthropic".
	Name() string

	// DefaultModel returns the model used when a request names none.
	DefaultModel() string
}

// UserPrompt builds a single-turn request.
func UserPrompt(system, prompt string) *ChatRequest {
	return &ChatRequest{
		SystemPrompt: system,
		Messages:     []Message{{Role: RoleUser, Content: prompt}},
	}
}
