// Package staticauth builds the C6 descriptor for OpenAI-dialect providers
// authenticated by a static bearer key: request/response pass through the
// unified wire shape almost unchanged, grounded on this codebase's
// providers/openai/openai.go.
package staticauth

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/goccy/go-json"

	"github.com/relayforge/llmgateway/internal/provider"
	"github.com/relayforge/llmgateway/pkg/errors"
	"github.com/relayforge/llmgateway/pkg/types"
)

// Options configures a static-auth descriptor instance.
type Options struct {
	Provider string
	BaseURL  string
	Models   []string
	// ChatPath defaults to "/chat/completions".
	ChatPath string
	// EmbeddingsPath defaults to "/embeddings".
	EmbeddingsPath string
	// TierFunc and MinTierForModel are threaded through unchanged; see
	// internal/provider.Descriptor.
	TierFunc        func(*types.Credential) int
	MinTierForModel func(model string) int
	QuotaGroups     []types.QuotaGroup
	RotationMode    types.RotationMode
	ExtraHeaders    map[string]string
}

// New builds a provider.Descriptor for a static-bearer-key provider.
func New(opts Options) provider.Descriptor {
	chatPath := opts.ChatPath
	if chatPath == "" {
		chatPath = "/chat/completions"
	}
	embeddingsPath := opts.EmbeddingsPath
	if embeddingsPath == "" {
		embeddingsPath = "/embeddings"
	}
	baseURL := strings.TrimSuffix(opts.BaseURL, "/")
	rotation := opts.RotationMode
	if rotation == "" {
		rotation = types.RotationBalanced
	}

	return provider.Descriptor{
		Provider:             opts.Provider,
		Models:               opts.Models,
		DefaultRotationMode:  rotation,
		TierFunc:             opts.TierFunc,
		MinTierForModel:      opts.MinTierForModel,
		QuotaGroups:          opts.QuotaGroups,
		BuildRequest:         buildRequest(baseURL, chatPath, embeddingsPath, opts.ExtraHeaders),
		ParseResponse:        parseResponse,
		ParseStream:          parseStreamChunk,
		ParseQuotaError:      parseQuotaError,
		ClassifyError:        classifyError,
	}
}

func buildRequest(baseURL, chatPath, embeddingsPath string, extraHeaders map[string]string) func(ctx context.Context, req provider.NormalizedRequest, cred *types.Credential, authHeader string) (*http.Request, error) {
	return func(ctx context.Context, req provider.NormalizedRequest, cred *types.Credential, authHeader string) (*http.Request, error) {
		var path string
		var body []byte
		var err error
		switch {
		case req.Chat != nil:
			path = chatPath
			body, err = json.Marshal(req.Chat)
		case req.Embedding != nil:
			path = embeddingsPath
			body, err = json.Marshal(req.Embedding)
		default:
			return nil, fmt.Errorf("staticauth: request has neither chat nor embedding payload")
		}
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}

		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+path, bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if authHeader != "" {
			httpReq.Header.Set("Authorization", authHeader)
		} else if cred.StaticKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+cred.StaticKey)
		}
		for k, v := range extraHeaders {
			httpReq.Header.Set(k, v)
		}
		return httpReq, nil
	}
}

func parseResponse(resp *http.Response) (provider.NormalizedResponse, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return provider.NormalizedResponse{}, fmt.Errorf("read response: %w", err)
	}
	var probe struct {
		Object string `json:"object"`
	}
	_ = json.Unmarshal(body, &probe)
	if probe.Object == "list" {
		var embResp types.EmbeddingResponse
		if err := json.Unmarshal(body, &embResp); err != nil {
			return provider.NormalizedResponse{}, fmt.Errorf("unmarshal embedding response: %w", err)
		}
		return provider.NormalizedResponse{Embedding: &embResp}, nil
	}
	var chatResp types.ChatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return provider.NormalizedResponse{}, fmt.Errorf("unmarshal response: %w", err)
	}
	return provider.NormalizedResponse{Chat: &chatResp}, nil
}

func parseStreamChunk(frame []byte) (*types.StreamChunk, error) {
	trimmed := bytes.TrimSpace(frame)
	if bytes.HasPrefix(trimmed, []byte("data:")) {
		trimmed = bytes.TrimSpace(trimmed[len("data:"):])
	}
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("[DONE]")) {
		return nil, nil
	}
	var chunk types.StreamChunk
	if err := json.Unmarshal(trimmed, &chunk); err != nil {
		return nil, fmt.Errorf("unmarshal chunk: %w", err)
	}
	return &chunk, nil
}

func parseQuotaError(statusCode int, body []byte, headers http.Header) (provider.QuotaErrorInfo, bool) {
	if statusCode != http.StatusTooManyRequests {
		return provider.QuotaErrorInfo{}, false
	}
	info := provider.QuotaErrorInfo{}
	if ra := headers.Get("Retry-After"); ra != "" {
		var secs int
		if _, err := fmt.Sscanf(ra, "%d", &secs); err == nil {
			info.RetryAfterSeconds = secs
		}
	}
	return info, true
}

func classifyError(statusCode int, body []byte) (string, string) {
	var errResp struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    string `json:"code"`
		} `json:"error"`
	}
	message := "unknown error"
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Error.Message != "" {
		message = errResp.Error.Message
	}

	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden:
		return string(errors.KindAuthentication), message
	case http.StatusTooManyRequests:
		if errResp.Error.Type == "insufficient_quota" || errResp.Error.Code == "insufficient_quota" {
			return string(errors.KindQuota), message
		}
		return string(errors.KindRateLimit), message
	case http.StatusBadRequest:
		if strings.Contains(strings.ToLower(message), "context") || strings.Contains(strings.ToLower(message), "maximum context length") {
			return string(errors.KindContextLength), message
		}
		if errResp.Error.Code == "content_filter" {
			return string(errors.KindContentFilter), message
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
