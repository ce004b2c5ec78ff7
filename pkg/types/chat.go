// Package types defines the wire-neutral request/response shapes the
// engine operates on internally. Both public dialects (OpenAI chat,
// Anthropic messages) are translated into and out of these types by
// internal/dialect; provider adapters build their upstream requests from
// ChatRequest directly.
package types

import "github.com/goccy/go-json"

// ChatRequest is the unified chat-completion request. It is intentionally
// shaped after the OpenAI dialect since that is the lower common
// denominator most providers speak natively.
type ChatRequest struct {
	Model            string          `json:"model"`
	Messages         []ChatMessage   `json:"messages"`
	System           string          `json:"-"` // hoisted out of Messages by the Anthropic translator
	Stream           bool            `json:"stream,omitempty"`
	MaxTokens        int             `json:"max_tokens,omitempty"`
	Temperature      *float64        `json:"temperature,omitempty"`
	TopP             *float64        `json:"top_p,omitempty"`
	Stop             []string        `json:"stop,omitempty"`
	Tools            []Tool          `json:"tools,omitempty"`
	ToolChoice       json.RawMessage `json:"tool_choice,omitempty"`
	ReasoningEffort  string          `json:"reasoning_effort,omitempty"`
	StreamOptions    *StreamOptions  `json:"stream_options,omitempty"`

	// Extra carries provider-specific fields through untouched.
	Extra map[string]json.RawMessage `json:"-"`
}

// ChatMessage is one turn of the conversation.
type ChatMessage struct {
	Role       string          `json:"role"`
	Content    json.RawMessage `json:"content"`
	Name       string          `json:"name,omitempty"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	// ReasoningContent carries extended-thinking output (Anthropic's
	// thinking block) hoisted onto the OpenAI-shaped message by
	// internal/dialect so a non-streaming response round-trips it.
	ReasoningContent string `json:"reasoning_content,omitempty"`
}

// Tool is a function the model may call.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction describes a callable function's schema.
type ToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ToolCall is a single function invocation requested by the model. Index
// correlates partial argument fragments across successive stream chunks
// when several tool calls are in flight in parallel; it is always 0 (and
// omitted) on a non-streaming response, where slice order is sufficient.
type ToolCall struct {
	Index    int              `json:"index,omitempty"`
	ID       string           `json:"id,omitempty"`
	Type     string           `json:"type,omitempty"`
	Function ToolCallFunction `json:"function"`
}

// ToolCallFunction carries the raw (possibly chunked) call arguments.
type ToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// StreamOptions controls streaming behavior (e.g. trailing usage chunk).
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage,omitempty"`
}

// ChatResponse is the unified non-streaming response.
type ChatResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []Choice `json:"choices"`
	Usage   *Usage   `json:"usage,omitempty"`
}

// Choice is a single completion choice.
type Choice struct {
	Index        int         `json:"index"`
	Message      ChatMessage `json:"message"`
	FinishReason string      `json:"finish_reason"`
}

// Usage carries token accounting for a single upstream call. Provider is
// set by the adapter and stripped before the value is echoed to a client.
type Usage struct {
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
	Provider         string `json:"-"`
}

// StreamChunk is one SSE delta in the unified (OpenAI-shaped) stream.
type StreamChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []StreamChoice `json:"choices"`
	Usage   *Usage         `json:"usage,omitempty"`
}

// StreamChoice is a choice within a StreamChunk.
type StreamChoice struct {
	Index        int         `json:"index"`
	Delta        StreamDelta `json:"delta"`
	FinishReason string      `json:"finish_reason,omitempty"`
}

// StreamDelta is the incremental content of a single stream chunk.
type StreamDelta struct {
	Role             string     `json:"role,omitempty"`
	Content          string     `json:"content,omitempty"`
	ReasoningContent string     `json:"reasoning_content,omitempty"`
	ToolCalls        []ToolCall `json:"tool_calls,omitempty"`
}
