// Package googleoauth builds the C6 descriptor for Google-OAuth-backed
// providers that speak the contents/parts/systemInstruction request shape
// and report quota exhaustion via a structured google.rpc.RetryInfo detail
// in the 429 body, grounded on this codebase's existing Gemini adapter conventions.
package googleoauth

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/relayforge/llmgateway/internal/provider"
	"github.com/relayforge/llmgateway/pkg/errors"
	"github.com/relayforge/llmgateway/pkg/types"
)

// Options configures a Google-OAuth descriptor instance.
type Options struct {
	Provider        string
	BaseURL         string
	APIVersion      string
	Models          []string
	TierFunc        func(*types.Credential) int
	MinTierForModel func(model string) int
	QuotaGroups     []types.QuotaGroup
	RotationMode    types.RotationMode
}

// New builds a provider.Descriptor for a Google-OAuth provider.
func New(opts Options) provider.Descriptor {
	baseURL := strings.TrimSuffix(opts.BaseURL, "/")
	apiVersion := opts.APIVersion
	if apiVersion == "" {
		apiVersion = "v1beta"
	}
	rotation := opts.RotationMode
	if rotation == "" {
		rotation = types.RotationBalanced
	}

	return provider.Descriptor{
		Provider:            opts.Provider,
		Models:              opts.Models,
		DefaultRotationMode: rotation,
		TierFunc:            opts.TierFunc,
		MinTierForModel:     opts.MinTierForModel,
		QuotaGroups:         opts.QuotaGroups,
		BuildRequest:        buildRequest(baseURL, apiVersion),
		ParseResponse:       parseResponse,
		ParseStream:         parseStreamChunk,
		ParseQuotaError:     parseQuotaError,
		ClassifyError:       classifyError,
	}
}

type geminiRequest struct {
	Contents          []geminiContent   `json:"contents"`
	SystemInstruction *geminiContent    `json:"systemInstruction,omitempty"`
	GenerationConfig  *generationConfig `json:"generationConfig,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

type generationConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	TopP            *float64 `json:"topP,omitempty"`
	MaxOutputTokens int      `json:"maxOutputTokens,omitempty"`
	StopSequences   []string `json:"stopSequences,omitempty"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate `json:"candidates"`
	UsageMetadata *usageMetadata    `json:"usageMetadata,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type usageMetadata struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

func buildRequest(baseURL, apiVersion string) func(ctx context.Context, req provider.NormalizedRequest, cred *types.Credential, authHeader string) (*http.Request, error) {
	return func(ctx context.Context, req provider.NormalizedRequest, cred *types.Credential, authHeader string) (*http.Request, error) {
		if req.Chat == nil {
			return nil, fmt.Errorf("googleoauth: only chat requests are supported")
		}
		greq := transformRequest(req.Chat)
		body, err := json.Marshal(greq)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}

		action := "generateContent"
		if req.Chat.Stream {
			action = "streamGenerateContent"
		}

		base, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("parse base_url: %w", err)
		}
		base.Path = base.Path + "/" + apiVersion + "/models/" + url.PathEscape(req.Chat.Model) + ":" + action
		if req.Chat.Stream {
			q := base.Query()
			q.Set("alt", "sse")
			base.RawQuery = q.Encode()
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base.String(), bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if authHeader != "" {
			httpReq.Header.Set("Authorization", authHeader)
		}
		if cred.ProjectID != "" {
			httpReq.Header.Set("X-Goog-User-Project", cred.ProjectID)
		}
		return httpReq, nil
	}
}

func transformRequest(req *types.ChatRequest) *geminiRequest {
	greq := &geminiRequest{GenerationConfig: &generationConfig{}}
	if req.MaxTokens > 0 {
		greq.GenerationConfig.MaxOutputTokens = req.MaxTokens
	}
	if req.Temperature != nil {
		greq.GenerationConfig.Temperature = req.Temperature
	}
	if req.TopP != nil {
		greq.GenerationConfig.TopP = req.TopP
	}
	if len(req.Stop) > 0 {
		greq.GenerationConfig.StopSequences = req.Stop
	}
	if req.System != "" {
		greq.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.System}}}
	}

	for _, msg := range req.Messages {
		if msg.Role == "system" {
			var content string
			if err := json.Unmarshal(msg.Content, &content); err == nil {
				greq.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: content}}}
			}
			continue
		}
		role := msg.Role
		if role == "assistant" {
			role = "model"
		}
		var content string
		if err := json.Unmarshal(msg.Content, &content); err == nil {
			greq.Contents = append(greq.Contents, geminiContent{
				Role:  role,
				Parts: []geminiPart{{Text: content}},
			})
		}
	}
	return greq
}

func parseResponse(resp *http.Response) (provider.NormalizedResponse, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return provider.NormalizedResponse{}, fmt.Errorf("read response: %w", err)
	}
	var gresp geminiResponse
	if err := json.Unmarshal(body, &gresp); err != nil {
		return provider.NormalizedResponse{}, fmt.Errorf("unmarshal response: %w", err)
	}
	return provider.NormalizedResponse{Chat: transformResponse(&gresp)}, nil
}

func transformResponse(resp *geminiResponse) *types.ChatResponse {
	choices := make([]types.Choice, 0, len(resp.Candidates))
	for i, c := range resp.Candidates {
		var text string
		for _, part := range c.Content.Parts {
			text += part.Text
		}
		content, _ := json.Marshal(text)
		choices = append(choices, types.Choice{
			Index:        i,
			Message:      types.ChatMessage{Role: "assistant", Content: content},
			FinishReason: mapFinishReason(c.FinishReason),
		})
	}
	chatResp := &types.ChatResponse{Object: "chat.completion", Choices: choices}
	if resp.UsageMetadata != nil {
		chatResp.Usage = &types.Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		}
	}
	return chatResp
}

func mapFinishReason(reason string) string {
	switch reason {
	case "STOP":
		return "stop"
	case "MAX_TOKENS":
		return "length"
	case "SAFETY", "RECITATION":
		return "content_filter"
	default:
		return reason
	}
}

func parseStreamChunk(frame []byte) (*types.StreamChunk, error) {
	trimmed := bytes.TrimSpace(frame)
	if bytes.HasPrefix(trimmed, []byte("data:")) {
		trimmed = bytes.TrimSpace(trimmed[len("data:"):])
	}
	if len(trimmed) == 0 {
		return nil, nil
	}
	var resp geminiResponse
	if err := json.Unmarshal(trimmed, &resp); err != nil {
		return nil, nil
	}
	if len(resp.Candidates) == 0 {
		return nil, nil
	}
	c := resp.Candidates[0]
	var text string
	for _, part := range c.Content.Parts {
		text += part.Text
	}
	chunk := &types.StreamChunk{
		Object:  "chat.completion.chunk",
		Choices: []types.StreamChoice{{Index: 0, Delta: types.StreamDelta{Content: text}}},
	}
	if c.FinishReason != "" {
		chunk.Choices[0].FinishReason = mapFinishReason(c.FinishReason)
	}
	return chunk, nil
}

// googleError mirrors the structured google.rpc error envelope: a 429/403
// body carries a RetryInfo detail with an authoritative retryDelay and
// often a QuotaFailure detail naming the exhausted metric.
type googleError struct {
	Error struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Status  string `json:"status"`
		Details []struct {
			Type       string `json:"@type"`
			RetryDelay string `json:"retryDelay"`
		} `json:"details"`
	} `json:"error"`
}

func parseQuotaError(statusCode int, body []byte, headers http.Header) (provider.QuotaErrorInfo, bool) {
	if statusCode != http.StatusTooManyRequests && statusCode != http.StatusForbidden {
		return provider.QuotaErrorInfo{}, false
	}
	var ge googleError
	if err := json.Unmarshal(body, &ge); err != nil {
		return provider.QuotaErrorInfo{}, false
	}
	info := provider.QuotaErrorInfo{}
	found := false
	for _, d := range ge.Error.Details {
		if !strings.Contains(d.Type, "google.rpc.RetryInfo") || d.RetryDelay == "" {
			continue
		}
		if secs, ok := parseGoDuration(d.RetryDelay); ok {
			info.RetryAfterSeconds = secs
			found = true
		}
	}
	if !found && statusCode != http.StatusTooManyRequests {
		return provider.QuotaErrorInfo{}, false
	}
	return info, true
}

// parseGoDuration parses a protobuf Duration-style string like "30s" or
// "1.500s" into whole seconds, rounding up so a quota window is never
// treated as available early.
func parseGoDuration(s string) (int, bool) {
	s = strings.TrimSuffix(s, "s")
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	d := time.Duration(f * float64(time.Second))
	secs := int(d / time.Second)
	if d%time.Second != 0 {
		secs++
	}
	return secs, true
}

func classifyError(statusCode int, body []byte) (string, string) {
	var ge googleError
	message := "unknown error"
	if err := json.Unmarshal(body, &ge); err == nil && ge.Error.Message != "" {
		message = ge.Error.Message
	}

	switch statusCode {
	case http.StatusUnauthorized:
		return string(errors.KindAuthentication), message
	case http.StatusForbidden:
		if ge.Error.Status == "RESOURCE_EXHAUSTED" {
			return string(errors.KindQuota), message
		}
		return string(errors.KindAuthentication), message
	case http.StatusTooManyRequests:
		return string(errors.KindQuota), message
	case http.StatusBadRequest:
		if ge.Error.Status == "INVALID_ARGUMENT" && strings.Contains(strings.ToLower(message), "token") {
			return string(errors.KindContextLength), message
		}
		return string(errors.KindUnknown), message
	case http.StatusNotFound:
		return string(errors.KindNotFound), message
	case http.StatusRequestTimeout, http.StatusGatewayTimeout:
		return string(errors.KindTimeout), message
	case http.StatusServiceUnavailable, http.StatusBadGateway:
		return string(errors.KindServerError), message
	default:
		if statusCode >= 500 {
			return string(errors.KindServerError), message
		}
		return string(errors.KindUnknown), message
	}
}
