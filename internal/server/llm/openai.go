package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/dotbot-sh/dotbot/internal/backoff"
)

const defaultOpenAIModel = "gpt-4o"

// ChatClient is the subset of the go-openai client the adapter uses.
// Narrowed to an interface so tests can substitute a fake.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
}

// OpenAIProvider implements Provider against the OpenAI Chat Completions
// API (non-streaming).
type OpenAIProvider struct {
	chat         ChatClient
	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
}

// OpenAIConfig configures an OpenAIProvider. Only APIKey is required.
type OpenAIConfig struct {
	APIKey       string
	BaseURL      string
	MaxRetries   int
	RetryDelay   time.Duration
	DefaultModel string
}

// NewOpenAIProvider validates the config, applies defaults, and builds the
// SDK client.
func NewOpenAIProvider(cfg OpenAIConfig) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if strings.TrimSpace(cfg.BaseURL) != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return newOpenAIProvider(openai.NewClientWithConfig(clientCfg), cfg), nil
}

func newOpenAIProvider(chat ChatClient, cfg OpenAIConfig) *OpenAIProvider {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultOpenAIModel
	}
	return &OpenAIProvider{
		chat:         chat,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
		defaultModel: cfg.DefaultModel,
	}
}

func (p *OpenAIProvider) Name() string {
	return "openai"
}

// Complete runs one completion with exponential-backoff retries for
// transient failures.
func (p *OpenAIProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    model,
		Messages: convertOpenAIMessages(req.Messages, req.System),
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		chatReq.Temperature = float32(req.Temperature)
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertOpenAITools(req.Tools)
	}

	res, err := backoff.RetryWithBackoff(ctx, retryPolicy(p.retryDelay), p.maxRetries,
		func(int) (openai.ChatCompletionResponse, error) {
			resp, err := p.chat.CreateChatCompletion(ctx, chatReq)
			if err == nil {
				return resp, nil
			}
			wrapped := wrapOpenAIError(err, model)
			if !IsRetryable(wrapped) {
				return resp, backoff.Permanent(wrapped)
			}
			return resp, wrapped
		})
	if err != nil {
		if errors.Is(err, backoff.ErrMaxAttemptsExhausted) {
			return nil, fmt.Errorf("openai: max retries exceeded: %w", res.LastError)
		}
		return nil, err
	}

	return convertOpenAIResponse(res.Value), nil
}

// convertOpenAIMessages maps conversation turns onto the chat-completions
// shape: the system prompt leads the array, tool results each become a
// separate tool-role message, and images use the multi-content part format.
func convertOpenAIMessages(messages []Message, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		if msg.Role == "tool" || len(msg.ToolResults) > 0 {
			for _, tr := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}
			continue
		}

		out := openai.ChatCompletionMessage{Role: msg.Role}

		if len(msg.Images) > 0 {
			var parts []openai.ChatMessagePart
			if msg.Content != "" {
				parts = append(parts, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeText,
					Text: msg.Content,
				})
			}
			for _, img := range msg.Images {
				parts = append(parts, openai.ChatMessagePart{
					Type: openai.ChatMessagePartTypeImageURL,
					ImageURL: &openai.ChatMessageImageURL{
						URL:    fmt.Sprintf("data:%s;base64,%s", img.MediaType, img.Data),
						Detail: openai.ImageURLDetailAuto,
					},
				})
			}
			out.MultiContent = parts
		} else {
			out.Content = msg.Content
		}

		if len(msg.ToolCalls) > 0 {
			out.ToolCalls = make([]openai.ToolCall, len(msg.ToolCalls))
			for i, tc := range msg.ToolCalls {
				out.ToolCalls[i] = openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Input),
					},
				}
			}
		}

		result = append(result, out)
	}

	return result
}

func convertOpenAITools(tools []Tool) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schema map[string]any
		if err := json.Unmarshal(tool.Schema, &schema); err != nil || schema == nil {
			// Keep the other tools usable when one schema is broken.
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		}
	}
	return result
}

func convertOpenAIResponse(resp openai.ChatCompletionResponse) *Response {
	out := &Response{
		Model: resp.Model,
		Usage: Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
	}
	if len(resp.Choices) == 0 {
		return out
	}

	choice := resp.Choices[0]
	out.StopReason = string(choice.FinishReason)
	out.Content = choice.Message.Content
	for _, call := range choice.Message.ToolCalls {
		input := json.RawMessage(call.Function.Arguments)
		if len(input) == 0 {
			input = json.RawMessage("{}")
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{
			ID:    call.ID,
			Name:  call.Function.Name,
			Input: input,
		})
	}
	return out
}

func wrapOpenAIError(err error, model string) error {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		wrapped := NewProviderError("openai", model, err).
			WithStatus(apiErr.HTTPStatusCode).
			WithMessage(apiErr.Message)
		if code, ok := apiErr.Code.(string); ok && code != "" {
			wrapped = wrapped.WithCode(code)
		}
		return wrapped
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return NewProviderError("openai", model, err).WithStatus(reqErr.HTTPStatusCode)
	}

	return NewProviderError("openai", model, err)
}
