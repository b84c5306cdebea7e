package agents

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/dotbot-sh/dotbot/internal/server/llm"
	"github.com/dotbot-sh/dotbot/pkg/wire"
)

const (
	defaultMaxIterations = 10

	stuckWarnThreshold     = 3
	stuckEscalateThreshold = 5

	// Synthetic tools the loop implements itself. Never part of the
	// device manifest.
	toolEscalate        = "agent.escalate"
	toolWaitForUser     = "agent.wait_for_user"
	toolRequestTools    = "agent.request_tools"
	toolRequestResearch = "agent.request_research"
)

const (
	skillNudgeText = "Make the tool calls now, do not describe them."

	synthesisPrompt = "You have reached the step limit. Summarize in plain text what you accomplished and what remains to be done."

	// infraDownResponse is the fixed reply when tool execution reveals
	// the device is unreachable.
	infraDownResponse = "I can't reach your computer right now. The local agent looks disconnected. Start dotbot on your machine and try again."
)

// Options are the per-run LLM knobs.
type Options struct {
	Model         string
	Temperature   float64
	MaxTokens     int
	MaxIterations int
	// SkillNudge corrects personas that narrate tool calls instead of
	// making them.
	SkillNudge bool
}

// Callbacks surface loop progress to the session. Any field may be nil.
type Callbacks struct {
	// OnStream receives intermediate assistant text from turns that go
	// on to call tools. The final response is returned, not streamed.
	OnStream      func(text string)
	OnToolStart   func(call llm.ToolCall)
	OnToolResult  func(call llm.ToolCall, content string, isError bool)
	OnLLMResponse func(resp *llm.Response)
	// OnWait fires when the agent suspends itself for user input. The
	// reply is delivered through Agent.Resume.
	OnWait func(reason, hint string)
	// RequestTools grants extra manifest entries for agent.request_tools.
	RequestTools func(categories []string, reason string) []wire.ToolDef
	// Research runs a research sub-agent to completion and returns its
	// findings. Nil removes agent.request_research from the offered
	// tools, which is how sub-agents are kept from recursing.
	Research func(ctx context.Context, query, depth, format string) (string, error)
}

// RunInput is everything one loop run needs beyond the agent record.
type RunInput struct {
	FirstMessage string
	History      []llm.Message
	Manifest     []wire.ToolDef
	// Runtime is a short host/capability description appended to the
	// system prompt.
	Runtime   string
	Options   Options
	Callbacks Callbacks
}

// ToolCallRecord is one executed call in a Result.
type ToolCallRecord struct {
	ID      string
	Name    string
	Args    json.RawMessage
	Result  string
	Success bool
}

// Escalation says why an agent handed the task back to the user.
type Escalation struct {
	Reason           string
	NeededCategories []string
}

// Result is what a finished run produced. Completed is set when the
// run ended with a usable response (a text-only turn or the synthesis
// pass), not when it was aborted, escalated, or cut off from the
// device.
type Result struct {
	FinalResponse string
	ToolCalls     []ToolCallRecord
	Iterations    int
	Completed     bool
	Escalated     *Escalation
	InfraDown     bool
}

// Runner drives spawned agents against the model registry and a tool
// dispatcher. One Runner serves a whole server; runs are independent
// and may overlap, one LLM turn in flight per agent.
type Runner struct {
	llm        *llm.Registry
	dispatcher Dispatcher
	log        *slog.Logger
}

// NewRunner creates a Runner. A nil logger falls back to slog.Default.
func NewRunner(registry *llm.Registry, dispatcher Dispatcher, log *slog.Logger) *Runner {
	if log == nil {
		log = slog.Default()
	}
	return &Runner{llm: registry, dispatcher: dispatcher, log: log}
}

// loopState is the mutable state of one run.
type loopState struct {
	messages  []llm.Message
	manifest  []wire.ToolDef
	byID      map[string]wire.ToolDef
	records   []ToolCallRecord
	seen      map[string]bool // tool_id:args keys called so far
	lastTool  string
	stuck     int
	warned    bool
	final     string
	iteration int
}

// Run drives the agent until it produces a final response, escalates,
// or hits the iteration cap. Context cancellation is the abort signal:
// the loop stops at the next checkpoint and returns whatever it has.
func (r *Runner) Run(ctx context.Context, a *Agent, in RunInput) (*Result, error) {
	if r.llm == nil {
		return nil, errors.New("agents: no llm registry")
	}
	if a == nil {
		return nil, errors.New("agents: agent is nil")
	}

	a.SetStatus(StatusRunning)
	res, err := r.run(ctx, a, in)
	if err != nil {
		a.SetStatus(StatusFailed)
		return res, err
	}
	a.SetStatus(StatusCompleted)
	return res, nil
}

func (r *Runner) run(ctx context.Context, a *Agent, in RunInput) (*Result, error) {
	maxIter := in.Options.MaxIterations
	if maxIter <= 0 {
		maxIter = defaultMaxIterations
	}

	st := &loopState{
		manifest: append([]wire.ToolDef(nil), in.Manifest...),
		byID:     make(map[string]wire.ToolDef, len(in.Manifest)),
		seen:     make(map[string]bool),
	}
	for _, def := range st.manifest {
		st.byID[def.ID] = def
	}
	st.messages = append(st.messages, in.History...)
	if in.FirstMessage != "" {
		st.messages = append(st.messages, llm.Message{Role: "user", Content: in.FirstMessage})
	}

	system := a.SystemPrompt
	if in.Runtime != "" {
		system += "\n\n" + in.Runtime
	}

	res := &Result{}

	for st.iteration < maxIter {
		// Queued user text lands first: a fresh user turn resets the
		// direction of the conversation.
		for _, text := range a.drainInjected() {
			st.messages = append(st.messages, llm.Message{Role: "user", Content: text})
		}

		if ctx.Err() != nil {
			res.FinalResponse = st.final
			res.ToolCalls = st.records
			res.Iterations = st.iteration
			return res, nil
		}

		st.iteration++
		res.Iterations = st.iteration

		req := &llm.Request{
			Model:       in.Options.Model,
			System:      system,
			Messages:    st.messages,
			Tools:       r.offeredTools(st, in),
			Temperature: in.Options.Temperature,
			MaxTokens:   in.Options.MaxTokens,
		}
		resp, err := r.llm.Complete(ctx, a.ModelRole, req)
		if err != nil {
			res.ToolCalls = st.records
			return res, fmt.Errorf("llm call: %w", err)
		}
		if in.Callbacks.OnLLMResponse != nil {
			in.Callbacks.OnLLMResponse(resp)
		}

		if !resp.HasToolCalls() {
			if in.Options.SkillNudge && st.iteration <= 2 && len(st.records) == 0 {
				st.messages = append(st.messages,
					llm.Message{Role: "assistant", Content: resp.Content},
					llm.Message{Role: "user", Content: skillNudgeText},
				)
				continue
			}
			res.FinalResponse = resp.Content
			res.ToolCalls = st.records
			res.Completed = true
			return res, nil
		}

		if resp.Content != "" && in.Callbacks.OnStream != nil {
			in.Callbacks.OnStream(resp.Content)
		}

		st.messages = append(st.messages, llm.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		trackRepeats(st, resp.ToolCalls)

		if st.stuck >= stuckEscalateThreshold {
			// Force-escalate: answer the whole batch with skipped
			// placeholders and stop.
			res.Escalated = &Escalation{
				Reason: fmt.Sprintf("stopped after %d consecutive %s calls without progress", st.stuck, st.lastTool),
			}
			st.messages = append(st.messages, skippedBatch(resp.ToolCalls))
			res.FinalResponse = resp.Content
			res.ToolCalls = st.records
			r.log.Warn("agent loop stuck, escalating", "agent_id", a.ID, "tool", st.lastTool, "count", st.stuck)
			return res, nil
		}

		stop := r.executeBatch(ctx, a, st, in, resp.ToolCalls, res)
		st.messages = sanitizeSequence(st.messages)

		if st.stuck == stuckWarnThreshold && !st.warned {
			st.warned = true
			st.messages = append(st.messages, llm.Message{
				Role: "system",
				Content: fmt.Sprintf("You have called %s %d times in a row. If it is not working, use what you already have, try a different tool, or call agent.escalate.",
					st.lastTool, st.stuck),
			})
		}

		if stop {
			if res.FinalResponse == "" {
				res.FinalResponse = resp.Content
			}
			res.ToolCalls = st.records
			return res, nil
		}
	}

	// Iteration cap without a text-only turn: one synthesis pass.
	final, err := r.synthesize(ctx, a.ModelRole, system, st, in)
	if err != nil {
		res.ToolCalls = st.records
		return res, fmt.Errorf("synthesis call: %w", err)
	}
	res.FinalResponse = final
	res.ToolCalls = st.records
	res.Completed = true
	return res, nil
}

// executeBatch runs every tool call of one assistant turn, appends the
// tool-result message, and reports whether the loop must stop. Calls
// after a terminating one are answered with skipped placeholders.
func (r *Runner) executeBatch(ctx context.Context, a *Agent, st *loopState, in RunInput, calls []llm.ToolCall, res *Result) bool {
	msg := llm.Message{Role: "tool"}
	stop := false

	for _, call := range calls {
		if stop || ctx.Err() != nil {
			msg.ToolResults = append(msg.ToolResults, llm.ToolResult{
				ToolCallID: call.ID,
				Content:    skippedResultText,
			})
			continue
		}

		if in.Callbacks.OnToolStart != nil {
			in.Callbacks.OnToolStart(call)
		}

		var (
			content string
			isErr   bool
			images  []llm.ImageBlock
		)
		switch call.Name {
		case toolEscalate:
			content = handleEscalate(call, res)
			stop = true
		case toolWaitForUser:
			content, isErr = r.handleWait(ctx, a, in, call)
			if ctx.Err() != nil {
				stop = true
			}
		case toolRequestTools:
			content = handleRequestTools(st, in, call)
		case toolRequestResearch:
			content, isErr = handleResearch(ctx, in, call)
		default:
			content, isErr = r.dispatch(ctx, st, call)
			if isErr && infraDown(content) {
				res.InfraDown = true
				res.FinalResponse = infraDownResponse
				stop = true
			}
			content, images = extractImages(content)
		}
		content = truncateResult(content)

		msg.ToolResults = append(msg.ToolResults, llm.ToolResult{
			ToolCallID: call.ID,
			Content:    content,
			IsError:    isErr,
			Images:     images,
		})
		st.records = append(st.records, ToolCallRecord{
			ID:      call.ID,
			Name:    call.Name,
			Args:    call.Input,
			Result:  content,
			Success: !isErr,
		})
		if in.Callbacks.OnToolResult != nil {
			in.Callbacks.OnToolResult(call, content, isErr)
		}
	}

	st.messages = append(st.messages, msg)
	return stop
}

// dispatch routes one real tool call through the dispatcher with its
// category deadline.
func (r *Runner) dispatch(ctx context.Context, st *loopState, call llm.ToolCall) (string, bool) {
	def, ok := st.byID[call.Name]
	if !ok {
		return "unknown tool: " + call.Name, true
	}
	if r.dispatcher == nil {
		return "no tool dispatcher configured", true
	}
	tctx, cancel := context.WithTimeout(ctx, CategoryTimeout(def.Category))
	defer cancel()
	content, err := r.dispatcher.Dispatch(tctx, call, def)
	if err != nil {
		return err.Error(), true
	}
	return content, false
}

func handleEscalate(call llm.ToolCall, res *Result) string {
	var args struct {
		Reason           string   `json:"reason"`
		EscalationReason string   `json:"escalation_reason"`
		NeededCategories []string `json:"needed_tool_categories"`
	}
	_ = json.Unmarshal(call.Input, &args)
	reason := args.EscalationReason
	if reason == "" {
		reason = args.Reason
	}
	if reason == "" {
		reason = "agent requested escalation"
	}
	res.Escalated = &Escalation{Reason: reason, NeededCategories: args.NeededCategories}
	return "escalated: " + reason
}

// handleWait suspends the run until the user replies, the optional
// timeout lapses, or the run is aborted.
func (r *Runner) handleWait(ctx context.Context, a *Agent, in RunInput, call llm.ToolCall) (string, bool) {
	var args struct {
		Reason         string  `json:"reason"`
		ResumeHint     string  `json:"resume_hint"`
		TimeoutMinutes float64 `json:"timeout_minutes"`
	}
	_ = json.Unmarshal(call.Input, &args)

	ch := a.beginWait()
	defer a.endWait()
	if in.Callbacks.OnWait != nil {
		in.Callbacks.OnWait(args.Reason, args.ResumeHint)
	}

	var timeout <-chan time.Time
	if args.TimeoutMinutes > 0 {
		t := time.NewTimer(time.Duration(args.TimeoutMinutes * float64(time.Minute)))
		defer t.Stop()
		timeout = t.C
	}

	select {
	case reply := <-ch:
		return reply, false
	case <-timeout:
		// A reply racing the timer still wins.
		select {
		case reply := <-ch:
			return reply, false
		default:
		}
		return fmt.Sprintf("(no user reply within %g minutes)", args.TimeoutMinutes), false
	case <-ctx.Done():
		return "(run aborted while waiting for the user)", true
	}
}

func handleRequestTools(st *loopState, in RunInput, call llm.ToolCall) string {
	var args struct {
		Categories []string `json:"categories"`
		Reason     string   `json:"reason"`
	}
	_ = json.Unmarshal(call.Input, &args)

	if in.Callbacks.RequestTools == nil {
		return "no additional tools are available"
	}
	var ids []string
	for _, def := range in.Callbacks.RequestTools(args.Categories, args.Reason) {
		if _, ok := st.byID[def.ID]; ok {
			continue
		}
		st.byID[def.ID] = def
		st.manifest = append(st.manifest, def)
		ids = append(ids, def.ID)
	}
	if len(ids) == 0 {
		return "no additional tools granted"
	}
	return "granted tools: " + strings.Join(ids, ", ")
}

func handleResearch(ctx context.Context, in RunInput, call llm.ToolCall) (string, bool) {
	var args struct {
		Query  string `json:"query"`
		Depth  string `json:"depth"`
		Format string `json:"format"`
	}
	_ = json.Unmarshal(call.Input, &args)

	if in.Callbacks.Research == nil {
		return "research is not available in this session", true
	}
	findings, err := in.Callbacks.Research(ctx, args.Query, args.Depth, args.Format)
	if err != nil {
		return "research failed: " + err.Error(), true
	}
	return findings, false
}

// trackRepeats updates duplicate and stuck detection for one turn. An
// exact repeat of an earlier call bumps the counter even in multi-tool
// turns; consecutive single-tool turns on the same tool always do.
func trackRepeats(st *loopState, calls []llm.ToolCall) {
	dup := false
	for _, call := range calls {
		key := call.Name + ":" + string(call.Input)
		if st.seen[key] {
			dup = true
		}
		st.seen[key] = true
	}

	single := len(calls) == 1
	switch {
	case single && calls[0].Name == st.lastTool:
		st.stuck++
	case dup:
		st.stuck++
		if single {
			st.lastTool = calls[0].Name
		}
	case single:
		st.lastTool = calls[0].Name
		st.stuck = 1
	default:
		st.lastTool = ""
		st.stuck = 0
	}
}

// synthesize asks for a plain-text wrap-up when the iteration cap is
// hit without a text-only turn. No tools are offered.
func (r *Runner) synthesize(ctx context.Context, role, system string, st *loopState, in RunInput) (string, error) {
	messages := append(append([]llm.Message(nil), st.messages...), llm.Message{
		Role:    "user",
		Content: synthesisPrompt,
	})
	req := &llm.Request{
		Model:       in.Options.Model,
		System:      system,
		Messages:    messages,
		Temperature: in.Options.Temperature,
		MaxTokens:   in.Options.MaxTokens,
	}
	resp, err := r.llm.Complete(ctx, role, req)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

// offeredTools is the device manifest plus the loop's synthetic tools.
func (r *Runner) offeredTools(st *loopState, in RunInput) []llm.Tool {
	tools := make([]llm.Tool, 0, len(st.manifest)+4)
	for _, def := range st.manifest {
		schema := def.Schema
		if len(schema) == 0 {
			schema = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		tools = append(tools, llm.Tool{Name: def.ID, Description: def.Description, Schema: schema})
	}
	return append(tools, syntheticTools(in.Callbacks.Research != nil)...)
}

func syntheticTools(researchAvailable bool) []llm.Tool {
	tools := []llm.Tool{
		{
			Name:        toolEscalate,
			Description: "Hand the task back to the user when you cannot finish it. Explain why and name any tool categories you were missing.",
			Schema:      json.RawMessage(`{"type":"object","properties":{"reason":{"type":"string"},"needed_tool_categories":{"type":"array","items":{"type":"string"}}},"required":["reason"]}`),
		},
		{
			Name:        toolWaitForUser,
			Description: "Pause and ask the user something. The result is their reply.",
			Schema:      json.RawMessage(`{"type":"object","properties":{"reason":{"type":"string"},"resume_hint":{"type":"string"},"timeout_minutes":{"type":"number"}},"required":["reason"]}`),
		},
		{
			Name:        toolRequestTools,
			Description: "Ask for additional tool categories to be added to your toolset.",
			Schema:      json.RawMessage(`{"type":"object","properties":{"categories":{"type":"array","items":{"type":"string"}},"reason":{"type":"string"}},"required":["categories"]}`),
		},
	}
	if researchAvailable {
		tools = append(tools, llm.Tool{
			Name:        toolRequestResearch,
			Description: "Delegate a research question to a focused sub-agent and wait for its findings.",
			Schema:      json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"},"depth":{"type":"string","enum":["quick","moderate","thorough"]},"format":{"type":"string","enum":["plain_text","structured_json","markdown"]}},"required":["query"]}`),
		})
	}
	return tools
}

// skippedBatch answers every call in the batch with the skipped
// placeholder.
func skippedBatch(calls []llm.ToolCall) llm.Message {
	msg := llm.Message{Role: "tool"}
	for _, call := range calls {
		msg.ToolResults = append(msg.ToolResults, llm.ToolResult{
			ToolCallID: call.ID,
			Content:    skippedResultText,
		})
	}
	return msg
}
