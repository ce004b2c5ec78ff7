package dialect

import (
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayforge/llmgateway/pkg/types"
)

func TestDecodeAnthropicRequest_SystemAndMessages(t *testing.T) {
	body := []byte(`{
		"model": "claude-3-5-sonnet-20241022",
		"system": "be concise",
		"max_tokens": 256,
		"messages": [
			{"role": "user", "content": "hello"},
			{"role": "assistant", "content": [{"type":"text","text":"hi there"}]}
		]
	}`)

	req, err := DecodeAnthropicRequest(body)
	require.NoError(t, err)
	assert.Equal(t, "claude-3-5-sonnet-20241022", req.Model)
	assert.Equal(t, "be concise", req.System)
	assert.Equal(t, 256, req.MaxTokens)
	require.Len(t, req.Messages, 2)

	var userContent string
	require.NoError(t, json.Unmarshal(req.Messages[0].Content, &userContent))
	assert.Equal(t, "hello", userContent)

	var assistantContent string
	require.NoError(t, json.Unmarshal(req.Messages[1].Content, &assistantContent))
	assert.Equal(t, "hi there", assistantContent)
}

func TestDecodeAnthropicRequest_ToolUseAndToolResult(t *testing.T) {
	body := []byte(`{
		"model": "claude-3-5-sonnet-20241022",
		"max_tokens": 100,
		"messages": [
			{"role": "assistant", "content": [{"type":"tool_use","id":"call_1","name":"lookup","input":{"q":"x"}}]},
			{"role": "user", "content": [{"type":"tool_result","tool_use_id":"call_1","content":"42"}]}
		],
		"tools": [{"name":"lookup","description":"look things up","input_schema":{"type":"object","properties":{"q":{"type":"string"}},"required":["q"]}}],
		"tool_choice": {"type":"any"}
	}`)

	req, err := DecodeAnthropicRequest(body)
	require.NoError(t, err)
	require.Len(t, req.Messages, 2)

	assistantMsg := req.Messages[0]
	require.Len(t, assistantMsg.ToolCalls, 1)
	assert.Equal(t, "call_1", assistantMsg.ToolCalls[0].ID)
	assert.Equal(t, "lookup", assistantMsg.ToolCalls[0].Function.Name)

	toolMsg := req.Messages[1]
	assert.Equal(t, "tool", toolMsg.Role)
	assert.Equal(t, "call_1", toolMsg.ToolCallID)

	require.Len(t, req.Tools, 1)
	assert.Equal(t, "lookup", req.Tools[0].Function.Name)

	var toolChoice string
	require.NoError(t, json.Unmarshal(req.ToolChoice, &toolChoice))
	assert.Equal(t, "required", toolChoice)
}

func TestDecodeAnthropicRequest_ThinkingMapsToReasoningEffort(t *testing.T) {
	body := []byte(`{
		"model": "claude-3-5-sonnet-20241022",
		"max_tokens": 100,
		"messages": [{"role":"user","content":"x"}],
		"thinking": {"type":"enabled","budget_tokens":20000}
	}`)

	req, err := DecodeAnthropicRequest(body)
	require.NoError(t, err)
	assert.Equal(t, "high", req.ReasoningEffort)
}

func TestEncodeAnthropicResponse_TextAndToolUse(t *testing.T) {
	content, _ := json.Marshal("the answer")
	resp := &types.ChatResponse{
		ID:    "resp_1",
		Model: "claude-3-5-sonnet-20241022",
		Choices: []types.Choice{{
			Message: types.ChatMessage{
				Role:    "assistant",
				Content: content,
				ToolCalls: []types.ToolCall{{
					ID:       "call_1",
					Type:     "function",
					Function: types.ToolCallFunction{Name: "lookup", Arguments: `{"q":"x"}`},
				}},
			},
			FinishReason: "tool_calls",
		}},
		Usage: &types.Usage{PromptTokens: 10, CompletionTokens: 5},
	}

	body, err := EncodeAnthropicResponse(resp)
	require.NoError(t, err)

	var decoded anthropicResponse
	require.NoError(t, json.Unmarshal(body, &decoded))
	assert.Equal(t, "resp_1", decoded.ID)
	assert.Equal(t, "tool_use", decoded.StopReason)
	require.Len(t, decoded.Content, 2)
	assert.Equal(t, "text", decoded.Content[0].Type)
	assert.Equal(t, "the answer", decoded.Content[0].Text)
	assert.Equal(t, "tool_use", decoded.Content[1].Type)
	assert.Equal(t, "lookup", decoded.Content[1].Name)
	assert.Equal(t, 10, decoded.Usage.InputTokens)
}

func TestAnthropicStreamEncoder_TextSequence(t *testing.T) {
	enc := NewAnthropicStreamEncoder("resp_1", "claude-3-5-sonnet-20241022")

	frame1, err := enc.Encode(&types.StreamChunk{
		ID:    "resp_1",
		Model: "claude-3-5-sonnet-20241022",
		Choices: []types.StreamChoice{{Delta: types.StreamDelta{Role: "assistant"}}},
	})
	require.NoError(t, err)
	assert.Contains(t, string(frame1), "message_start")

	frame2, err := enc.Encode(&types.StreamChunk{
		Choices: []types.StreamChoice{{Delta: types.StreamDelta{Content: "hi"}}},
	})
	require.NoError(t, err)
	assert.Contains(t, string(frame2), "content_block_start")
	assert.Contains(t, string(frame2), "content_block_delta")

	frame3, err := enc.Encode(&types.StreamChunk{
		Choices: []types.StreamChoice{{Delta: types.StreamDelta{Content: " there"}, FinishReason: "stop"}},
	})
	require.NoError(t, err)
	assert.NotContains(t, string(frame3), "content_block_start", "the text block stays open across chunks")

	final, err := enc.Close()
	require.NoError(t, err)
	assert.Contains(t, string(final), "content_block_stop")
	assert.Contains(t, string(final), "message_delta")
	assert.Contains(t, string(final), "end_turn")
	assert.Contains(t, string(final), "message_stop")
}

func TestAnthropicStreamEncoder_ToolCallArgumentAggregation(t *testing.T) {
	enc := NewAnthropicStreamEncoder("resp_1", "claude-3-5-sonnet-20241022")
	_, err := enc.Encode(&types.StreamChunk{Choices: []types.StreamChoice{{Delta: types.StreamDelta{Role: "assistant"}}}})
	require.NoError(t, err)

	frame1, err := enc.Encode(&types.StreamChunk{Choices: []types.StreamChoice{{Delta: types.StreamDelta{
		ToolCalls: []types.ToolCall{{Index: 0, ID: "call_1", Function: types.ToolCallFunction{Name: "lookup"}}},
	}}}})
	require.NoError(t, err)
	assert.Contains(t, string(frame1), `"type":"tool_use"`)

	frame2, err := enc.Encode(&types.StreamChunk{Choices: []types.StreamChoice{{Delta: types.StreamDelta{
		ToolCalls: []types.ToolCall{{Index: 0, Function: types.ToolCallFunction{Arguments: `{"q":`}}},
	}}}})
	require.NoError(t, err)
	assert.Contains(t, string(frame2), "input_json_delta")
	assert.Contains(t, string(frame2), `{\"q\":`)

	final, err := enc.Close()
	require.NoError(t, err)
	assert.Contains(t, string(final), "content_block_stop")
}
