// Package dialect translates between the public wire dialects a client may
// speak (OpenAI chat completions, Anthropic messages) and the engine's
// unified, OpenAI-shaped internal types. Grounded on this codebase's
// providers/anthropic/anthropic.go, which does the same request/response
// shape-shifting one level down (unified type to upstream wire format); here
// it runs one level up, between the public HTTP surface and the unified type.
package dialect

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/relayforge/llmgateway/pkg/types"
)

// anthropicRequest mirrors the Anthropic Messages API request body.
type anthropicRequest struct {
	Model         string             `json:"model"`
	Messages      []anthropicMessage `json:"messages"`
	System        json.RawMessage    `json:"system,omitempty"`
	MaxTokens     int                `json:"max_tokens"`
	Temperature   *float64           `json:"temperature,omitempty"`
	TopP          *float64           `json:"top_p,omitempty"`
	StopSequences []string           `json:"stop_sequences,omitempty"`
	Stream        bool               `json:"stream,omitempty"`
	Tools         []anthropicTool    `json:"tools,omitempty"`
	ToolChoice    json.RawMessage    `json:"tool_choice,omitempty"`
	Thinking      *anthropicThinking `json:"thinking,omitempty"`
}

type anthropicThinking struct {
	Type         string `json:"type"`
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type anthropicContentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	Thinking  string          `json:"thinking,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type anthropicTool struct {
	Name        string              `json:"name"`
	Description string              `json:"description,omitempty"`
	InputSchema anthropicToolSchema `json:"input_schema"`
}

type anthropicToolSchema struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties,omitempty"`
	Required   []string        `json:"required,omitempty"`
}

// anthropicResponse mirrors the Anthropic Messages API response body.
type anthropicResponse struct {
	ID           string                  `json:"id"`
	Type         string                  `json:"type"`
	Role         string                  `json:"role"`
	Content      []anthropicContentBlock `json:"content"`
	Model        string                  `json:"model"`
	StopReason   string                  `json:"stop_reason"`
	StopSequence string                  `json:"stop_sequence,omitempty"`
	Usage        anthropicUsage          `json:"usage"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// DecodeAnthropicRequest turns an Anthropic Messages request body into the
// unified, OpenAI-shaped ChatRequest the engine dispatches on.
func DecodeAnthropicRequest(body []byte) (*types.ChatRequest, error) {
	var areq anthropicRequest
	if err := json.Unmarshal(body, &areq); err != nil {
		return nil, fmt.Errorf("decode anthropic request: %w", err)
	}

	req := &types.ChatRequest{
		Model:       areq.Model,
		MaxTokens:   areq.MaxTokens,
		Temperature: areq.Temperature,
		TopP:        areq.TopP,
		Stop:        areq.StopSequences,
		Stream:      areq.Stream,
	}

	if len(areq.System) > 0 {
		req.System = flattenAnthropicText(areq.System)
	}

	messages, err := anthropicMessagesToUnified(areq.Messages)
	if err != nil {
		return nil, err
	}
	req.Messages = messages

	if len(areq.Tools) > 0 {
		req.Tools = anthropicToolsToUnified(areq.Tools)
	}

	if len(areq.ToolChoice) > 0 {
		if tc := anthropicToolChoiceToUnified(areq.ToolChoice); tc != nil {
			req.ToolChoice = tc
		}
	}

	if areq.Thinking != nil && areq.Thinking.Type == "enabled" {
		req.ReasoningEffort = thinkingBudgetToEffort(areq.Thinking.BudgetTokens)
	}

	return req, nil
}

// flattenAnthropicText accepts either a bare JSON string or an array of
// {"type":"text","text":"..."} blocks, as Anthropic's "system" field may be
// either shape, and concatenates it into a single string.
func flattenAnthropicText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var blocks []anthropicContentBlock
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return ""
	}
	var sb strings.Builder
	for _, b := range blocks {
		sb.WriteString(b.Text)
	}
	return sb.String()
}

func anthropicMessagesToUnified(messages []anthropicMessage) ([]types.ChatMessage, error) {
	result := make([]types.ChatMessage, 0, len(messages))
	for _, msg := range messages {
		raw, err := json.Marshal(msg.Content)
		if err != nil {
			return nil, fmt.Errorf("re-marshal message content: %w", err)
		}

		var text string
		if err := json.Unmarshal(raw, &text); err == nil {
			content, _ := json.Marshal(text)
			result = append(result, types.ChatMessage{Role: msg.Role, Content: content})
			continue
		}

		var blocks []anthropicContentBlock
		if err := json.Unmarshal(raw, &blocks); err != nil {
			return nil, fmt.Errorf("unrecognized message content shape for role %q", msg.Role)
		}

		chatMsg, toolResults := anthropicBlocksToUnified(msg.Role, blocks)
		if !isEmptyChatMessage(chatMsg) {
			result = append(result, chatMsg)
		}
		result = append(result, toolResults...)
	}
	return result, nil
}

// anthropicBlocksToUnified converts one Anthropic message's content blocks.
// tool_result blocks become standalone "tool" role messages, matching the
// unified (OpenAI) dialect's convention of one message per tool result.
func anthropicBlocksToUnified(role string, blocks []anthropicContentBlock) (types.ChatMessage, []types.ChatMessage) {
	chatMsg := types.ChatMessage{Role: role}
	var text strings.Builder
	var toolCalls []types.ToolCall
	var toolResults []types.ChatMessage
	var reasoning strings.Builder

	for _, b := range blocks {
		switch b.Type {
		case "text":
			text.WriteString(b.Text)
		case "thinking":
			reasoning.WriteString(b.Thinking)
		case "tool_use":
			input := b.Input
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			toolCalls = append(toolCalls, types.ToolCall{
				ID:   b.ID,
				Type: "function",
				Function: types.ToolCallFunction{
					Name:      b.Name,
					Arguments: string(input),
				},
			})
		case "tool_result":
			content, _ := json.Marshal(b.Content)
			toolResults = append(toolResults, types.ChatMessage{
				Role:       "tool",
				Content:    content,
				ToolCallID: b.ToolUseID,
			})
		}
	}

	content, _ := json.Marshal(text.String())
	chatMsg.Content = content
	chatMsg.ToolCalls = toolCalls
	chatMsg.ReasoningContent = reasoning.String()
	return chatMsg, toolResults
}

// isEmptyChatMessage reports whether a message carries no text, reasoning,
// or tool calls — the leftover shell of an Anthropic message whose entire
// content was tool_result blocks (which become standalone "tool" messages).
func isEmptyChatMessage(msg types.ChatMessage) bool {
	if len(msg.ToolCalls) > 0 || msg.ReasoningContent != "" {
		return false
	}
	var text string
	if len(msg.Content) > 0 {
		_ = json.Unmarshal(msg.Content, &text)
	}
	return text == ""
}

func anthropicToolsToUnified(tools []anthropicTool) []types.Tool {
	result := make([]types.Tool, 0, len(tools))
	for _, t := range tools {
		params, _ := json.Marshal(map[string]any{
			"type":       orDefault(t.InputSchema.Type, "object"),
			"properties": jsonRawOrEmptyObject(t.InputSchema.Properties),
			"required":   t.InputSchema.Required,
		})
		result = append(result, types.Tool{
			Type: "function",
			Function: types.ToolFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  params,
			},
		})
	}
	return result
}

func jsonRawOrEmptyObject(raw json.RawMessage) json.RawMessage {
	if len(raw) == 0 {
		return json.RawMessage("{}")
	}
	return raw
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// anthropicToolChoiceToUnified maps Anthropic's {"type":"auto"|"any"|"tool","name":...}
// shape to the unified dialect's OpenAI-style tool_choice value.
func anthropicToolChoiceToUnified(raw json.RawMessage) json.RawMessage {
	var tc struct {
		Type string `json:"type"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &tc); err != nil {
		return nil
	}
	switch tc.Type {
	case "auto":
		v, _ := json.Marshal("auto")
		return v
	case "any":
		v, _ := json.Marshal("required")
		return v
	case "none":
		v, _ := json.Marshal("none")
		return v
	case "tool":
		v, _ := json.Marshal(map[string]any{
			"type":     "function",
			"function": map[string]string{"name": tc.Name},
		})
		return v
	default:
		return nil
	}
}

// thinkingBudgetToEffort maps Anthropic's token-budget thinking control onto
// the coarser reasoning_effort levels most OpenAI-dialect providers expect.
func thinkingBudgetToEffort(budgetTokens int) string {
	switch {
	case budgetTokens <= 0:
		return "medium"
	case budgetTokens < 4096:
		return "low"
	case budgetTokens < 16384:
		return "medium"
	default:
		return "high"
	}
}

// EncodeAnthropicResponse turns a unified ChatResponse into an Anthropic
// Messages API response body.
func EncodeAnthropicResponse(resp *types.ChatResponse) ([]byte, error) {
	aresp := anthropicResponse{
		ID:     resp.ID,
		Type:   "message",
		Role:   "assistant",
		Model:  resp.Model,
		Usage:  anthropicUsage{},
	}
	if resp.Usage != nil {
		aresp.Usage.InputTokens = resp.Usage.PromptTokens
		aresp.Usage.OutputTokens = resp.Usage.CompletionTokens
	}

	if len(resp.Choices) > 0 {
		choice := resp.Choices[0]
		aresp.Content = unifiedMessageToAnthropicBlocks(choice.Message)
		aresp.StopReason = mapFinishReasonToAnthropic(choice.FinishReason)
	}

	return json.Marshal(aresp)
}

func unifiedMessageToAnthropicBlocks(msg types.ChatMessage) []anthropicContentBlock {
	var blocks []anthropicContentBlock
	if msg.ReasoningContent != "" {
		blocks = append(blocks, anthropicContentBlock{Type: "thinking", Thinking: msg.ReasoningContent})
	}

	var text string
	if len(msg.Content) > 0 {
		_ = json.Unmarshal(msg.Content, &text)
	}
	if text != "" {
		blocks = append(blocks, anthropicContentBlock{Type: "text", Text: text})
	}

	for _, tc := range msg.ToolCalls {
		blocks = append(blocks, anthropicContentBlock{
			Type:  "tool_use",
			ID:    tc.ID,
			Name:  tc.Function.Name,
			Input: json.RawMessage(tc.Function.Arguments),
		})
	}
	return blocks
}

func mapFinishReasonToAnthropic(reason string) string {
	switch reason {
	case "stop":
		return "end_turn"
	case "length":
		return "max_tokens"
	case "tool_calls":
		return "tool_use"
	case "content_filter":
		return "stop_sequence"
	default:
		return reason
	}
}
