package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/dotbot-sh/dotbot/internal/backoff"
)

const (
	defaultAnthropicModel = "claude-sonnet-4-20250514"
	defaultMaxTokens      = 4096
)

// AnthropicProvider implements Provider against the Anthropic Messages API.
// Requests are non-streaming: the pipeline and tool loop consume whole
// turns, and partial text reaches the user through task_progress envelopes
// instead of token streams.
type AnthropicProvider struct {
	client       anthropic.Client
	maxRetries   int
	retryDelay   time.Duration
	defaultModel string

	// newMessage is the API call, overridable in tests.
	newMessage func(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error)
}

// AnthropicConfig configures an AnthropicProvider. Only APIKey is required.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	MaxRetries   int
	RetryDelay   time.Duration
	DefaultModel string
}

// NewAnthropicProvider validates the config, applies defaults, and builds
// the SDK client.
func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultAnthropicModel
	}

	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if strings.TrimSpace(cfg.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	p := &AnthropicProvider{
		client:       client,
		maxRetries:   cfg.MaxRetries,
		retryDelay:   cfg.RetryDelay,
		defaultModel: cfg.DefaultModel,
	}
	p.newMessage = func(ctx context.Context, params anthropic.MessageNewParams) (*anthropic.Message, error) {
		return p.client.Messages.New(ctx, params)
	}
	return p, nil
}

func (p *AnthropicProvider) Name() string {
	return "anthropic"
}

// Complete runs one completion with exponential-backoff retries for
// transient failures (rate limits, 5xx, timeouts).
func (p *AnthropicProvider) Complete(ctx context.Context, req *Request) (*Response, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return nil, err
	}

	res, err := backoff.RetryWithBackoff(ctx, retryPolicy(p.retryDelay), p.maxRetries+1,
		func(int) (*anthropic.Message, error) {
			msg, err := p.newMessage(ctx, params)
			if err == nil {
				return msg, nil
			}
			wrapped := p.wrapError(err, string(params.Model))
			if !IsRetryable(wrapped) {
				return nil, backoff.Permanent(wrapped)
			}
			return nil, wrapped
		})
	if err != nil {
		if errors.Is(err, backoff.ErrMaxAttemptsExhausted) {
			return nil, fmt.Errorf("anthropic: max retries exceeded: %w", res.LastError)
		}
		return nil, err
	}

	return convertAnthropicResponse(res.Value), nil
}

func (p *AnthropicProvider) buildParams(req *Request) (anthropic.MessageNewParams, error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: convert messages: %w", err)
	}
	if len(messages) == 0 {
		return anthropic.MessageNewParams{}, errors.New("anthropic: no messages to send")
	}

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  messages,
		MaxTokens: int64(maxTokens),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: req.System}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if len(req.Tools) > 0 {
		tools, err := convertAnthropicTools(req.Tools)
		if err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("anthropic: convert tools: %w", err)
		}
		params.Tools = tools
	}
	return params, nil
}

// convertAnthropicMessages maps conversation turns onto Anthropic content
// blocks. The API has no per-turn system role, so mid-conversation system
// notes (the loop's stuck warnings) travel as user messages. Tool results
// become tool_result blocks on a user message.
func convertAnthropicMessages(messages []Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range messages {
		var content []anthropic.ContentBlockParamUnion

		if msg.Content != "" {
			content = append(content, anthropic.NewTextBlock(msg.Content))
		}
		for _, img := range msg.Images {
			content = append(content, anthropic.NewImageBlockBase64(img.MediaType, img.Data))
		}
		for _, tr := range msg.ToolResults {
			content = append(content, toolResultBlock(tr))
		}
		for _, tc := range msg.ToolCalls {
			input := map[string]any{}
			if len(tc.Input) > 0 {
				if err := json.Unmarshal(tc.Input, &input); err != nil {
					return nil, fmt.Errorf("tool call %s: invalid input: %w", tc.ID, err)
				}
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}

		if len(content) == 0 {
			continue
		}
		if msg.Role == "assistant" {
			result = append(result, anthropic.NewAssistantMessage(content...))
		} else {
			result = append(result, anthropic.NewUserMessage(content...))
		}
	}

	return result, nil
}

func toolResultBlock(tr ToolResult) anthropic.ContentBlockParamUnion {
	if len(tr.Images) == 0 {
		return anthropic.NewToolResultBlock(tr.ToolCallID, tr.Content, tr.IsError)
	}

	block := anthropic.ToolResultBlockParam{ToolUseID: tr.ToolCallID}
	if tr.IsError {
		block.IsError = anthropic.Bool(true)
	}
	var parts []anthropic.ToolResultBlockParamContentUnion
	if tr.Content != "" {
		parts = append(parts, anthropic.ToolResultBlockParamContentUnion{
			OfText: &anthropic.TextBlockParam{Text: tr.Content},
		})
	}
	for _, img := range tr.Images {
		parts = append(parts, anthropic.ToolResultBlockParamContentUnion{
			OfImage: &anthropic.ImageBlockParam{
				Source: anthropic.ImageBlockParamSourceUnion{
					OfBase64: &anthropic.Base64ImageSourceParam{
						MediaType: anthropic.Base64ImageSourceMediaType(img.MediaType),
						Data:      img.Data,
					},
				},
			},
		})
	}
	block.Content = parts
	return anthropic.ContentBlockParamUnion{OfToolResult: &block}
}

func convertAnthropicTools(tools []Tool) ([]anthropic.ToolUnionParam, error) {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if len(tool.Schema) > 0 {
			if err := json.Unmarshal(tool.Schema, &schema); err != nil {
				return nil, fmt.Errorf("invalid schema for %s: %w", tool.Name, err)
			}
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid schema for %s: missing tool definition", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, param)
	}
	return result, nil
}

func convertAnthropicResponse(msg *anthropic.Message) *Response {
	resp := &Response{
		Model:      string(msg.Model),
		StopReason: string(msg.StopReason),
		Usage: Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			resp.Content += block.Text
		case "tool_use":
			input := block.Input
			if len(input) == 0 {
				input = json.RawMessage("{}")
			}
			resp.ToolCalls = append(resp.ToolCalls, ToolCall{
				ID:    block.ID,
				Name:  block.Name,
				Input: input,
			})
		}
	}
	return resp
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		wrapped := NewProviderError("anthropic", model, err).WithStatus(apiErr.StatusCode)
		if id := apiErr.RequestID; id != "" {
			wrapped = wrapped.WithRequestID(id)
		}
		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil {
				if payload.Error.Message != "" {
					wrapped = wrapped.WithMessage(payload.Error.Message)
				}
				if payload.Error.Type != "" {
					wrapped = wrapped.WithCode(payload.Error.Type)
				}
				if payload.RequestID != "" {
					wrapped = wrapped.WithRequestID(payload.RequestID)
				}
			}
		}
		return wrapped
	}

	return NewProviderError("anthropic", model, err)
}
