// Package llm provides the AI engine interface and its provider adapters.
package llm

import (
	"context"
	"encoding/json"

	"github.com/capitalize-ai/meeting-scheduler/internal/model"
)

// ToolSpec describes a tool the engine may call. Parameters is a JSON schema
// object with "properties" and "required".
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Request is one engine round trip over the full conversation context.
type Request struct {
	Model     string
	System    string
	Turns     []model.Turn
	Tools     []ToolSpec
	MaxTokens int
}

// Response is either final text or a set of tool calls. Providers may return
// both; callers treat any tool call as the tool branch.
type Response struct {
	Text       string
	ToolCalls  []model.ToolCall
	Model      string
	TokensIn   int
	TokensOut  int
	StopReason string
	LatencyMs  int64
}

// HasToolCalls reports whether the engine asked for tools.
func (r *Response) HasToolCalls() bool {
	return len(r.ToolCalls) > 0
}

// Client is the interface for LLM providers.
type Client interface {
	// Complete sends the conversation and tool schema and returns the reply.
	Complete(ctx context.Context, req *Request) (*Response, error)

	// Name returns the provider name.
	Name() string
}

// Provider is the type of LLM provider.
type Provider string

const (
	ProviderAnthropic Provider = "anthropic"
	ProviderOpenAI    Provider = "openai"
)

// Options configures a provider client.
type Options struct {
	APIKey string
	Model  string
	// BaseURL overrides the provider endpoint.
	BaseURL string
}

// NewClient creates a new LLM client based on provider.
func NewClient(provider Provider, opts Options) (Client, error) {
	switch provider {
	case ProviderOpenAI:
		return NewOpenAIClient(opts)
	default:
		return NewAnthropicClient(opts)
	}
}

const defaultMaxTokens = 2048

func maxTokens(req *Request) int {
	if req.MaxTokens > 0 {
		return req.MaxTokens
	}
	return defaultMaxTokens
}

// arguments returns a tool call's arguments as a JSON object, never empty.
func arguments(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 || string(raw) == "null" {
		return json.RawMessage("{}")
	}
	return raw
}
