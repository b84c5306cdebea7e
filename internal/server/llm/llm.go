// Package llm provides the server's model access layer: a provider
// abstraction over the Anthropic and OpenAI APIs plus the role registry
// that maps the pipeline's model tiers (intake, workhorse, smart) onto
// concrete provider/model pairs.
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

// Model role tiers. The pipeline picks a tier, never a raw model id:
// intake for cheap classification turns, workhorse for agent loops,
// smart for synthesis and escalations.
const (
	RoleIntake    = "intake"
	RoleWorkhorse = "workhorse"
	RoleSmart     = "smart"
)

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID    string
	Name  string
	Input json.RawMessage
}

// ToolResult answers a prior ToolCall. Images carries screenshots or other
// binary output extracted from the raw result text.
type ToolResult struct {
	ToolCallID string
	Content    string
	IsError    bool
	Images     []ImageBlock
}

// ImageBlock is an inline base64 image attached to a message or tool result.
type ImageBlock struct {
	MediaType string
	Data      string
}

// Message is one turn of a conversation. Role is one of "system", "user",
// "assistant", or "tool". Assistant turns may carry ToolCalls; tool turns
// carry ToolResults.
type Message struct {
	Role        string
	Content     string
	ToolCalls   []ToolCall
	ToolResults []ToolResult
	Images      []ImageBlock
}

// Tool describes one callable tool offered to the model. Schema is a JSON
// Schema object for the tool's arguments.
type Tool struct {
	Name        string
	Description string
	Schema      json.RawMessage
}

// Request is a single completion call.
type Request struct {
	Model       string
	System      string
	Messages    []Message
	Tools       []Tool
	Temperature float64
	MaxTokens   int
}

// Usage is the token accounting for one completion.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Response is the model's answer: assistant text, any tool calls it wants
// executed, and usage. StopReason is the provider's native stop reason
// ("end_turn", "tool_use", "stop", "tool_calls", ...).
type Response struct {
	Content    string
	ToolCalls  []ToolCall
	Usage      Usage
	Model      string
	StopReason string
}

// HasToolCalls reports whether the model requested any tool executions.
func (r *Response) HasToolCalls() bool {
	return len(r.ToolCalls) > 0
}

// Provider is a model backend. Implementations are safe for concurrent use.
type Provider interface {
	Name() string
	Complete(ctx context.Context, req *Request) (*Response, error)
}

// RoleBinding names the provider and model serving one role tier.
type RoleBinding struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

// Roles maps role tier → binding. Loaded from server config.
type Roles map[string]RoleBinding

// ErrProviderUnknown means a role binding names a provider that was never
// registered (typically a missing API key).
var ErrProviderUnknown = errors.New("llm provider not configured")

// Registry holds the configured providers and the role table. Bindings for
// unknown roles fall back to the workhorse binding so callers can invent
// narrower tiers without config churn.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
	roles     Roles
}

// NewRegistry creates a registry with the given role table and no providers.
func NewRegistry(roles Roles) *Registry {
	return &Registry{
		providers: make(map[string]Provider),
		roles:     roles,
	}
}

// Register adds a provider under its Name().
func (r *Registry) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.Name()] = p
}

// Provider looks up a registered provider by name.
func (r *Registry) Provider(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// ForRole resolves a role tier to its provider and model id.
func (r *Registry) ForRole(role string) (Provider, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	binding, ok := r.roles[role]
	if !ok {
		binding, ok = r.roles[RoleWorkhorse]
		if !ok {
			return nil, "", fmt.Errorf("no binding for role %q and no workhorse fallback", role)
		}
	}
	p, ok := r.providers[binding.Provider]
	if !ok {
		return nil, "", fmt.Errorf("role %q: provider %q: %w", role, binding.Provider, ErrProviderUnknown)
	}
	return p, binding.Model, nil
}

// Complete resolves the role and runs the completion. An explicit req.Model
// overrides the binding's model; the binding's provider is used either way.
func (r *Registry) Complete(ctx context.Context, role string, req *Request) (*Response, error) {
	p, model, err := r.ForRole(role)
	if err != nil {
		return nil, err
	}
	if req.Model == "" {
		req.Model = model
	}
	return p.Complete(ctx, req)
}
