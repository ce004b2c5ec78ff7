package dialect

import (
	"fmt"
	"strings"

	"github.com/goccy/go-json"

	"github.com/relayforge/llmgateway/pkg/types"
)

// AnthropicStreamEncoder turns the unified (OpenAI-shaped) StreamChunk
// sequence into the Anthropic Messages API's SSE event sequence:
// message_start, (content_block_start, content_block_delta*,
// content_block_stop)*, message_delta, message_stop. Grounded on this
// codebase's internal/streaming/parsers.go AnthropicParser, run in reverse.
type AnthropicStreamEncoder struct {
	id    string
	model string

	started    bool
	textIndex  int
	textOpen   bool
	nextIndex  int
	toolBlocks map[int]int // OpenAI tool-call index -> Anthropic content-block index
	toolOpen   map[int]bool
	stopReason string
	usage      types.Usage
}

// NewAnthropicStreamEncoder creates an encoder for one response stream. id
// and model seed the message_start event and are usually taken from the
// first unified chunk.
func NewAnthropicStreamEncoder(id, model string) *AnthropicStreamEncoder {
	return &AnthropicStreamEncoder{
		id:         id,
		model:      model,
		toolBlocks: make(map[int]int),
		toolOpen:   make(map[int]bool),
	}
}

// Encode consumes one unified StreamChunk and returns the zero or more
// Anthropic SSE frames it produces, already formatted as "event: ...\ndata:
// ...\n\n" text ready to write to the client.
func (e *AnthropicStreamEncoder) Encode(chunk *types.StreamChunk) ([]byte, error) {
	var out strings.Builder

	if !e.started {
		if e.id == "" {
			e.id = chunk.ID
		}
		if e.model == "" {
			e.model = chunk.Model
		}
		if err := e.writeEvent(&out, "message_start", map[string]any{
			"type": "message_start",
			"message": map[string]any{
				"id":            e.id,
				"type":          "message",
				"role":          "assistant",
				"model":         e.model,
				"content":       []any{},
				"stop_reason":   nil,
				"stop_sequence": nil,
				"usage":         map[string]int{"input_tokens": 0, "output_tokens": 0},
			},
		}); err != nil {
			return nil, err
		}
		e.started = true
	}

	if chunk.Usage != nil {
		e.usage = *chunk.Usage
	}

	for _, choice := range chunk.Choices {
		if choice.FinishReason != "" {
			e.stopReason = mapFinishReasonToAnthropic(choice.FinishReason)
		}
		if err := e.encodeDelta(&out, choice.Delta); err != nil {
			return nil, err
		}
	}

	return []byte(out.String()), nil
}

func (e *AnthropicStreamEncoder) encodeDelta(out *strings.Builder, delta types.StreamDelta) error {
	if delta.ReasoningContent != "" {
		if err := e.emitTextLikeDelta(out, "thinking", delta.ReasoningContent); err != nil {
			return err
		}
	}
	if delta.Content != "" {
		if err := e.emitTextLikeDelta(out, "text", delta.Content); err != nil {
			return err
		}
	}
	for _, tc := range delta.ToolCalls {
		if err := e.emitToolCallDelta(out, tc); err != nil {
			return err
		}
	}
	return nil
}

// emitTextLikeDelta opens the shared text/thinking content block on first
// use and emits a content_block_delta for every call thereafter.
func (e *AnthropicStreamEncoder) emitTextLikeDelta(out *strings.Builder, blockType, text string) error {
	if !e.textOpen {
		e.textIndex = e.nextIndex
		e.nextIndex++
		if err := e.writeEvent(out, "content_block_start", map[string]any{
			"type":  "content_block_start",
			"index": e.textIndex,
			"content_block": map[string]any{
				"type": blockType,
				"text": "",
			},
		}); err != nil {
			return err
		}
		e.textOpen = true
	}

	deltaType := "text_delta"
	field := "text"
	if blockType == "thinking" {
		deltaType = "thinking_delta"
		field = "thinking"
	}
	return e.writeEvent(out, "content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": e.textIndex,
		"delta": map[string]any{"type": deltaType, field: text},
	})
}

func (e *AnthropicStreamEncoder) emitToolCallDelta(out *strings.Builder, tc types.ToolCall) error {
	blockIndex, known := e.toolBlocks[tc.Index]
	if !known {
		blockIndex = e.nextIndex
		e.nextIndex++
		e.toolBlocks[tc.Index] = blockIndex
		if err := e.writeEvent(out, "content_block_start", map[string]any{
			"type":  "content_block_start",
			"index": blockIndex,
			"content_block": map[string]any{
				"type":  "tool_use",
				"id":    tc.ID,
				"name":  tc.Function.Name,
				"input": map[string]any{},
			},
		}); err != nil {
			return err
		}
		e.toolOpen[tc.Index] = true
	}

	if tc.Function.Arguments == "" {
		return nil
	}
	return e.writeEvent(out, "content_block_delta", map[string]any{
		"type":  "content_block_delta",
		"index": blockIndex,
		"delta": map[string]any{"type": "input_json_delta", "partial_json": tc.Function.Arguments},
	})
}

// Close finalizes all open content blocks and emits message_delta and
// message_stop. It must be called exactly once, after the final Encode.
func (e *AnthropicStreamEncoder) Close() ([]byte, error) {
	var out strings.Builder

	if e.textOpen {
		if err := e.writeEvent(&out, "content_block_stop", map[string]any{
			"type": "content_block_stop", "index": e.textIndex,
		}); err != nil {
			return nil, err
		}
	}
	for toolIdx, open := range e.toolOpen {
		if !open {
			continue
		}
		if err := e.writeEvent(&out, "content_block_stop", map[string]any{
			"type": "content_block_stop", "index": e.toolBlocks[toolIdx],
		}); err != nil {
			return nil, err
		}
	}

	stopReason := e.stopReason
	if stopReason == "" {
		stopReason = "end_turn"
	}
	if err := e.writeEvent(&out, "message_delta", map[string]any{
		"type":  "message_delta",
		"delta": map[string]any{"stop_reason": stopReason, "stop_sequence": nil},
		"usage": map[string]int{"input_tokens": e.usage.PromptTokens, "output_tokens": e.usage.CompletionTokens},
	}); err != nil {
		return nil, err
	}
	if err := e.writeEvent(&out, "message_stop", map[string]any{"type": "message_stop"}); err != nil {
		return nil, err
	}

	return []byte(out.String()), nil
}

func (e *AnthropicStreamEncoder) writeEvent(out *strings.Builder, event string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event, err)
	}
	out.WriteString("event: ")
	out.WriteString(event)
	out.WriteString("\ndata: ")
	out.Write(body)
	out.WriteString("\n\n")
	return nil
}
