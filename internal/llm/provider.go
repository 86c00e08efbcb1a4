package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/tracklet/tracklet/internal/common/config"
	"github.com/tracklet/tracklet/internal/common/logger"
)

// ErrNoProvider is returned when no model endpoint is configured and a
// planning action tries to invoke the model anyway.
var ErrNoProvider = errors.New("no language model endpoint configured")

// NewProvider builds the provider for the configured endpoint. Without an
// endpoint the returned provider fails every call with ErrNoProvider, which
// surfaces as a failed plan or run instead of a hung request.
func NewProvider(cfg config.LLMConfig, log *logger.Logger) Provider {
	if cfg.Endpoint == "" {
		log.Warn("No LLM endpoint configured; planning and execution will fail until one is set")
		return disabledProvider{}
	}
	log.Info("LLM provider configured",
		zap.String("endpoint", cfg.Endpoint),
		zap.String("model", cfg.Model))
	return &httpProvider{
		endpoint: cfg.Endpoint,
		apiKey:   cfg.APIKey,
		model:    cfg.Model,
		client:   &http.Client{Timeout: cfg.RequestTimeoutDuration()},
	}
}

type disabledProvider struct{}

func (disabledProvider) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	return nil, ErrNoProvider
}

// httpProvider speaks the OpenAI-compatible chat completions protocol, which
// most hosted and local model servers expose.
type httpProvider struct {
	endpoint string
	apiKey   string
	model    string
	client   *http.Client
}

type chatCompletionRequest struct {
	Model    string            `json:"model"`
	Messages []chatWireMessage `json:"messages"`
	Tools    []chatWireTool    `json:"tools,omitempty"`
}

type chatWireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatWireTool struct {
	Type     string           `json:"type"`
	Function chatWireFunction `json:"function"`
}

type chatWireFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

type chatCompletionResponse struct {
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (p *httpProvider) Complete(ctx context.Context, req CompletionRequest) (*Completion, error) {
	wire := chatCompletionRequest{Model: p.model}
	if req.System != "" {
		wire.Messages = append(wire.Messages, chatWireMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		wire.Messages = append(wire.Messages, chatWireMessage{Role: string(m.Role), Content: m.Content})
	}
	for _, t := range req.Tools {
		wire.Tools = append(wire.Tools, chatWireTool{
			Type: "function",
			Function: chatWireFunction{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}

	body, err := json.Marshal(wire)
	if err != nil {
		return nil, fmt.Errorf("encode completion request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build completion request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("completion request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return nil, fmt.Errorf("read completion response: %w", err)
	}

	var decoded chatCompletionResponse
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return nil, fmt.Errorf("decode completion response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		if decoded.Error != nil && decoded.Error.Message != "" {
			return nil, fmt.Errorf("completion failed: %s", decoded.Error.Message)
		}
		return nil, fmt.Errorf("completion failed with status %d", resp.StatusCode)
	}
	if len(decoded.Choices) == 0 {
		return nil, errors.New("completion response has no choices")
	}

	choice := decoded.Choices[0].Message
	completion := &Completion{Text: choice.Content}
	for _, tc := range choice.ToolCalls {
		call := ToolCall{ID: tc.ID, Name: tc.Function.Name}
		if tc.Function.Arguments != "" {
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &call.Arguments); err != nil {
				return nil, fmt.Errorf("decode tool call arguments for %s: %w", tc.Function.Name, err)
			}
		}
		completion.ToolCalls = append(completion.ToolCalls, call)
	}
	return completion, nil
}
