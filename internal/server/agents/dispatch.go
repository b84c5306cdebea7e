package agents

import (
	"context"
	"strings"
	"time"

	"github.com/dotbot-sh/dotbot/internal/server/llm"
	"github.com/dotbot-sh/dotbot/pkg/wire"
)

// Dispatcher executes one real tool call and returns its textual
// result. Implementations route between server-side executors and the
// device over the channel; the loop supplies the deadline.
type Dispatcher interface {
	Dispatch(ctx context.Context, call llm.ToolCall, def wire.ToolDef) (string, error)
}

// DispatcherFunc adapts a function to the Dispatcher interface.
type DispatcherFunc func(ctx context.Context, call llm.ToolCall, def wire.ToolDef) (string, error)

func (f DispatcherFunc) Dispatch(ctx context.Context, call llm.ToolCall, def wire.ToolDef) (string, error) {
	return f(ctx, call, def)
}

// CategoryTimeout returns the execution deadline for a tool category.
// Slow categories cover subprocess-heavy work on the device; anything
// unrecognized gets the short default.
func CategoryTimeout(category string) time.Duration {
	switch category {
	case "codegen":
		return 11 * time.Minute
	case "secrets":
		return 16 * time.Minute
	case "shell":
		return 5 * time.Minute
	case "market":
		return 3 * time.Minute
	case "browser", "gui":
		return time.Minute
	default:
		return 30 * time.Second
	}
}

// ServerExecuted reports whether a tool runs on the server instead of
// being shipped to the device as an execution_request.
func ServerExecuted(def wire.ToolDef) bool {
	if strings.HasPrefix(def.ID, "mcp.") || strings.HasPrefix(def.ID, "result.") {
		return true
	}
	switch def.Category {
	case "premium", "imagegen", "knowledge.ingest", "schedule", "research":
		return true
	}
	return false
}

// infraDown reports whether a tool failure means the device itself is
// unreachable. Further tool calls would fail the same way, so the loop
// stops instead of burning iterations.
func infraDown(msg string) bool {
	lower := strings.ToLower(msg)
	for _, phrase := range []string{"no local-agent", "not connected", "no device"} {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}
