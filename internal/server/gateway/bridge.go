package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/dotbot-sh/dotbot/internal/server/agents"
	"github.com/dotbot-sh/dotbot/internal/server/collections"
	"github.com/dotbot-sh/dotbot/internal/server/llm"
	"github.com/dotbot-sh/dotbot/internal/server/pipeline"
	"github.com/dotbot-sh/dotbot/pkg/wire"
)

// notifier carries pipeline progress to the device as envelopes. Every
// method may be called from agent goroutines; enqueue is safe for
// that.
type notifier struct{ s *Session }

func (n notifier) Ack(text string, estimate time.Duration) {
	_ = n.s.enqueue(wire.MustNew(wire.TypeTaskAcknowledged, wire.TaskAcknowledged{
		Acknowledgment: text,
		EstimatedLabel: estimateLabel(estimate),
	}))
}

func (n notifier) AgentStarted(agentID, topic string) {
	_ = n.s.enqueue(wire.MustNew(wire.TypeAgentStarted, wire.AgentStarted{
		AgentID: agentID,
		Topic:   topic,
	}))
}

func (n notifier) AgentFinished(agentID, topic, response string, failed bool) {
	status := "completed"
	if failed {
		status = "failed"
	}
	_ = n.s.enqueue(wire.MustNew(wire.TypeAgentComplete, wire.AgentComplete{
		AgentID:  agentID,
		Topic:    topic,
		Status:   status,
		Response: response,
	}))
}

func (n notifier) Stream(_, text string) {
	_ = n.s.enqueue(wire.MustNew(wire.TypeStreamChunk, wire.StreamChunk{Text: text}))
}

func (n notifier) WaitingOnUser(_, reason, hint string) {
	msg := "An agent needs your input: " + reason
	if hint != "" {
		msg += " (" + hint + ")"
	}
	_ = n.s.enqueue(wire.MustNew(wire.TypeUserNotification, wire.UserNotification{
		Message:  msg,
		Priority: "high",
	}))
}

func (n notifier) TaskDone(taskID string, resp *pipeline.Response) {
	n.s.sendResponse(resp, taskID, "")
}

// RunLog does not enqueue directly: the gateway's event recorder fans
// recorded task events back out to every subscribed session.
func (n notifier) RunLog(taskID string, entry pipeline.RunLogEntry) {
	n.s.gw.recordRunLog(n.s.deviceID, taskID, entry)
}

func (n notifier) SaveAgentWork(agentID, topic, content string) {
	_ = n.s.enqueue(wire.MustNew(wire.TypeSaveAgentWork, wire.SaveAgentWork{
		AgentID: agentID,
		Topic:   topic,
		Content: content,
	}))
}

// estimateLabel renders a duration as the rough "about …" phrase shown
// in acknowledgments.
func estimateLabel(d time.Duration) string {
	switch {
	case d <= 0:
		return ""
	case d < time.Minute:
		return fmt.Sprintf("about %d seconds", int(d.Seconds()))
	case d < 2*time.Minute:
		return "about a minute"
	default:
		return fmt.Sprintf("about %d minutes", int(d.Minutes()))
	}
}

// toolDispatcher routes agent tool calls. MCP and collection tools run
// on the server; everything else ships to the device as an
// execution_request. Oversized results come back as collection
// overviews instead of raw text.
type toolDispatcher struct{ s *Session }

func (d toolDispatcher) Dispatch(ctx context.Context, call llm.ToolCall, def wire.ToolDef) (string, error) {
	started := time.Now()
	out, err := d.dispatch(ctx, call, def)
	if d.s.gw.metrics != nil {
		status := "ok"
		if err != nil {
			status = "error"
		}
		d.s.gw.metrics.RecordToolExecution(def.ID, status, time.Since(started).Seconds())
	}
	return out, err
}

func (d toolDispatcher) dispatch(ctx context.Context, call llm.ToolCall, def wire.ToolDef) (string, error) {
	s := d.s
	switch {
	case strings.HasPrefix(def.ID, "mcp."):
		out, err := s.gw.mcp.Call(ctx, s.deviceID, def.ID, call.Input)
		if err != nil {
			return "", err
		}
		return s.nav.Intercept(ctx, def.ID, out), nil
	case collections.Handles(def.ID):
		return s.nav.Handle(ctx, def.ID, call.Input)
	case agents.ServerExecuted(def):
		return "", fmt.Errorf("no server-side executor for %s (category %s)", def.ID, def.Category)
	}
	out, err := s.execute(ctx, wire.ExecutionRequest{
		RequestID: newRequestID(),
		Tool:      def.ID,
		Args:      call.Input,
		Category:  def.Category,
	})
	if err != nil {
		return "", err
	}
	return s.nav.Intercept(ctx, def.ID, out), nil
}

// clientFS reads and writes files on the device through filesystem
// tool calls. The collections navigator caches raw results through it.
// Results bypass Intercept: reading a cached collection back must not
// mint another collection.
type clientFS struct{ s *Session }

func (f clientFS) CreateFile(ctx context.Context, path, content string) error {
	args, err := json.Marshal(map[string]string{"path": path, "content": content})
	if err != nil {
		return err
	}
	_, err = f.s.execute(ctx, wire.ExecutionRequest{
		RequestID: newRequestID(),
		Tool:      "filesystem.create_file",
		Args:      args,
		Category:  "filesystem",
	})
	return err
}

func (f clientFS) ReadFile(ctx context.Context, path string) (string, error) {
	args, err := json.Marshal(map[string]string{"path": path})
	if err != nil {
		return "", err
	}
	return f.s.execute(ctx, wire.ExecutionRequest{
		RequestID: newRequestID(),
		Tool:      "filesystem.read_file",
		Args:      args,
		Category:  "filesystem",
	})
}

// sessionMemory proxies long-term fact lookups to the device's memory
// store over the channel.
type sessionMemory struct{ s *Session }

func (m sessionMemory) Search(ctx context.Context, query string, limit int) ([]string, error) {
	params, err := json.Marshal(map[string]any{"query": query, "limit": limit})
	if err != nil {
		return nil, err
	}
	data, err := m.s.store(ctx, wire.TypeMemoryRequest, "search", params)
	if err != nil {
		return nil, err
	}
	var out struct {
		Facts []string `json:"facts"`
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &out); err != nil {
			return nil, fmt.Errorf("memory search result: %w", err)
		}
	}
	return out.Facts, nil
}

func (m sessionMemory) Store(ctx context.Context, fact string) error {
	params, err := json.Marshal(map[string]string{"fact": fact})
	if err != nil {
		return err
	}
	_, err = m.s.store(ctx, wire.TypeMemoryRequest, "store", params)
	return err
}
