// Package pipeline implements the server's prompt orchestration: the
// short-path bypass, receptionist classification, per-task planning,
// agent spawning through the router, and synthesis of agent outputs
// into a single user-facing response.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dotbot-sh/dotbot/internal/observability"
	"github.com/dotbot-sh/dotbot/internal/server/agents"
	"github.com/dotbot-sh/dotbot/internal/server/llm"
	"github.com/dotbot-sh/dotbot/internal/server/router"
	"github.com/dotbot-sh/dotbot/internal/server/tasks"
	"github.com/dotbot-sh/dotbot/pkg/models"
	"github.com/dotbot-sh/dotbot/pkg/wire"
)

// errorResponse is the fixed user-facing reply when a pipeline stage
// fails. The conversation continues; the cause goes to the log.
const errorResponse = "I encountered an error while working on that. Give me a moment and try again."

// MemoryLookup searches and stores long-lived user facts. The short
// path reads it for "what's my ..." questions; MEMORY_UPDATE prompts
// write to it.
type MemoryLookup interface {
	Search(ctx context.Context, query string, limit int) ([]string, error)
	Store(ctx context.Context, fact string) error
}

// Notifier carries progress events to the user's device. The gateway
// implements it with envelopes; any method may be called from agent
// goroutines.
type Notifier interface {
	// Ack surfaces the receptionist's acknowledgment with a rough
	// duration label.
	Ack(text string, estimate time.Duration)
	AgentStarted(agentID, topic string)
	AgentFinished(agentID, topic, response string, failed bool)
	// Stream delivers intermediate assistant text from tool turns.
	Stream(agentID, text string)
	// WaitingOnUser fires when an agent suspends on wait_for_user.
	WaitingOnUser(agentID, reason, hint string)
	// TaskDone delivers the merged response of a background task.
	TaskDone(taskID string, resp *Response)
	// RunLog streams one structured execution-trace record for the
	// client to persist under the task's run log.
	RunLog(taskID string, entry RunLogEntry)
	// SaveAgentWork hands intermediate agent output to the client for
	// caching. Research findings go through here; the user never sees
	// them directly.
	SaveAgentWork(agentID, topic, content string)
}

type nopNotifier struct{}

func (nopNotifier) Ack(string, time.Duration)                  {}
func (nopNotifier) AgentStarted(string, string)                {}
func (nopNotifier) AgentFinished(string, string, string, bool) {}
func (nopNotifier) Stream(string, string)                      {}
func (nopNotifier) WaitingOnUser(string, string, string)       {}
func (nopNotifier) TaskDone(string, *Response)                 {}
func (nopNotifier) RunLog(string, RunLogEntry)                 {}
func (nopNotifier) SaveAgentWork(string, string, string)       {}

// RunLogEntry is one record in a task's execution trace. The gateway
// lands these in its event timeline and streams them to devices.
type RunLogEntry struct {
	At      time.Time `json:"at"`
	Event   string    `json:"event"`
	AgentID string    `json:"agent_id,omitempty"`
	Topic   string    `json:"topic,omitempty"`
	Detail  string    `json:"detail,omitempty"`
}

// Section is one labeled part of a multi-agent response. Chat surfaces
// render sections as separate embeds.
type Section struct {
	Topic string `json:"topic,omitempty"`
	Text  string `json:"text"`
}

// Response is the pipeline's answer to one prompt.
type Response struct {
	Text           string         `json:"text"`
	Sections       []Section      `json:"sections,omitempty"`
	Classification Classification `json:"classification"`
	TaskIDs        []string       `json:"task_ids,omitempty"`
	// Background marks an acknowledgment for work still running.
	Background bool `json:"background,omitempty"`
}

// Deps wires the pipeline's collaborators. LLM, Runner, and Router are
// required; the rest default to inert implementations.
type Deps struct {
	LLM      *llm.Registry
	Runner   *agents.Runner
	Router   *router.Router
	Tasks    *tasks.Tracker
	Identity Identity
	Memory   MemoryLookup
	Notifier Notifier
	// Manifest returns the session's current tool definitions. Called
	// per prompt so MCP registrations show up without replumbing.
	Manifest func() []wire.ToolDef
	// Runtime is an optional host/capability line appended to agent
	// system prompts.
	Runtime func() string
	Metrics *observability.Metrics
	// Tracer exports spans around stages and agent runs. Nil means no
	// export.
	Tracer *observability.Tracer
	Log    *slog.Logger
}

// Pipeline orchestrates prompts for one session.
type Pipeline struct {
	llm      *llm.Registry
	runner   *agents.Runner
	router   *router.Router
	tasks    *tasks.Tracker
	identity Identity
	memory   MemoryLookup
	notify   Notifier
	manifest func() []wire.ToolDef
	runtime  func() string
	metrics  *observability.Metrics
	tracer   *observability.Tracer
	log      *slog.Logger

	mu     sync.Mutex
	thread models.Thread
}

// New creates a pipeline for one session.
func New(deps Deps) *Pipeline {
	p := &Pipeline{
		llm:      deps.LLM,
		runner:   deps.Runner,
		router:   deps.Router,
		tasks:    deps.Tasks,
		identity: deps.Identity,
		memory:   deps.Memory,
		notify:   deps.Notifier,
		manifest: deps.Manifest,
		runtime:  deps.Runtime,
		metrics:  deps.Metrics,
		tracer:   deps.Tracer,
		log:      deps.Log,
	}
	if p.tasks == nil {
		p.tasks = tasks.NewTracker()
	}
	if p.tracer == nil {
		p.tracer, _ = observability.NewTracer(observability.TraceConfig{ServiceName: "dotbot-server"})
	}
	if p.notify == nil {
		p.notify = nopNotifier{}
	}
	if p.manifest == nil {
		p.manifest = func() []wire.ToolDef { return nil }
	}
	if p.runtime == nil {
		p.runtime = func() string { return "" }
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	return p
}

// Run handles one user prompt end to end and returns the response to
// deliver. Stage failures come back as the generic error response, not
// as errors; the only error returned is context cancellation.
func (p *Pipeline) Run(ctx context.Context, prompt, userID, deviceID string) (*Response, error) {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return &Response{Text: "I didn't catch that. What do you need?", Classification: ClassConversational}, nil
	}
	if p.metrics != nil {
		p.metrics.TaskStarted("prompt")
	}
	p.log.Debug("prompt accepted", "user_id", userID, "device_id", deviceID, "words", len(strings.Fields(prompt)))

	feedIdx := p.appendTurn(models.RoleUser, prompt, "")

	// A reply for a blocked agent wins over everything else: their
	// question is the freshest thing on the user's screen.
	if resp, ok := p.resumeBlocked(prompt, feedIdx); ok {
		return resp, nil
	}

	started := time.Now()
	spCtx, spSpan := p.tracer.TracePipelineStage(ctx, "short_path", "")
	resp, hit := p.shortPath(spCtx, prompt)
	spSpan.End()
	if hit {
		p.stageDone("short_path", started)
		p.appendTurn(models.RoleAssistant, resp.Text, "")
		return resp, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	started = time.Now()
	clsCtx, clsSpan := p.tracer.TracePipelineStage(ctx, "classify", "")
	decision, err := p.classify(clsCtx, prompt)
	if err != nil {
		p.tracer.RecordError(clsSpan, err)
		clsSpan.End()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return p.failResponse("receptionist", err, ""), nil
	}
	clsSpan.End()
	p.stageDone("classify", started)

	switch decision.Classification {
	case ClassConversational:
		return p.converse(ctx)
	case ClassMemoryUpdate:
		return p.rememberFact(ctx, prompt, decision)
	case ClassContinuation:
		if resp, ok := p.continueExisting(decision, prompt, feedIdx); ok {
			return resp, nil
		}
		// Nothing live to continue; run it as fresh work.
	}
	return p.dispatchWork(ctx, prompt, decision, feedIdx)
}

// CancelBeforeRestart aborts all in-flight tasks and returns their
// prompts for the client's restart queue.
func (p *Pipeline) CancelBeforeRestart() []string {
	return p.tasks.CancelBeforeRestart()
}

// Router exposes the session router, mainly for status surfaces.
func (p *Pipeline) Router() *router.Router { return p.router }

// resumeBlocked delivers the prompt to a blocked agent when one is
// waiting. With exactly one blocked agent the message goes to it
// regardless of keyword overlap.
func (p *Pipeline) resumeBlocked(prompt string, feedIdx int) (*Response, bool) {
	blocked := p.router.Blocked()
	if len(blocked) == 0 {
		return nil, false
	}
	target := blocked[0]
	if len(blocked) > 1 {
		if best := p.router.FindBest(prompt, true); best != nil && best.Status() == agents.StatusBlocked {
			target = best
		}
	}

	p.router.Assign(feedIdx, target.ID, target.Topic)
	if !target.Resume(prompt) {
		target.Inject(prompt)
	}
	p.log.Debug("prompt routed to blocked agent", "agent_id", target.ID, "topic", target.Topic)
	return &Response{
		Text:           fmt.Sprintf("Passed that along to the %s work.", target.Topic),
		Classification: ClassContinuation,
	}, true
}

// converse answers a conversational prompt with one persona-seeded
// call over recent history.
func (p *Pipeline) converse(ctx context.Context) (*Response, error) {
	resp, err := p.llm.Complete(ctx, llm.RoleWorkhorse, &llm.Request{
		System:      p.identity.PersonaPrompt(),
		Messages:    p.recentTurns(8),
		Temperature: 0.7,
		MaxTokens:   1000,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return p.failResponse("conversational", err, ""), nil
	}
	p.appendTurn(models.RoleAssistant, resp.Content, "")
	return &Response{Text: resp.Content, Classification: ClassConversational}, nil
}

// rememberFact stores a MEMORY_UPDATE prompt and confirms.
func (p *Pipeline) rememberFact(ctx context.Context, prompt string, d *Decision) (*Response, error) {
	if p.memory != nil {
		if err := p.memory.Store(ctx, prompt); err != nil {
			return p.failResponse("memory", err, ""), nil
		}
	} else {
		p.log.Warn("memory update with no memory store configured")
	}
	text := d.Acknowledgment
	if text == "" {
		text = "Noted. I'll remember that."
	}
	p.appendTurn(models.RoleAssistant, text, "")
	return &Response{Text: text, Classification: ClassMemoryUpdate}, nil
}

// continueExisting routes a CONTINUATION prompt to the agent the
// receptionist named, or the router's best active match.
func (p *Pipeline) continueExisting(d *Decision, prompt string, feedIdx int) (*Response, bool) {
	var target *agents.Agent
	if d.RouteTo != "" {
		if a, ok := p.router.Agent(d.RouteTo); ok && a.Status().Active() {
			target = a
		}
	}
	if target == nil {
		target = p.router.FindBest(prompt, true)
	}
	if target == nil || !target.Status().Active() {
		return nil, false
	}

	p.router.Assign(feedIdx, target.ID, target.Topic)
	if !target.Resume(prompt) {
		target.Inject(prompt)
	}
	ack := d.Acknowledgment
	if ack == "" {
		ack = fmt.Sprintf("Passed that along to the %s work.", target.Topic)
	}
	p.notify.Ack(ack, TimeEstimate(ClassContinuation))
	return &Response{Text: ack, Classification: ClassContinuation}, true
}

// agentOutcome is one spawned agent's finished contribution.
type agentOutcome struct {
	agentID string
	topic   string
	text    string
	failed  bool
}

// dispatchWork plans, spawns, and runs the decision's sub-tasks.
// BLOCKING and FOREGROUND priorities await the agents; BACKGROUND
// returns the acknowledgment and lets them run detached.
func (p *Pipeline) dispatchWork(ctx context.Context, prompt string, d *Decision, feedIdx int) (*Response, error) {
	manifest := p.manifest()
	ack := d.Acknowledgment
	if ack == "" {
		ack = "On it."
	}
	p.notify.Ack(ack, TimeEstimate(d.Classification))

	background := d.Priority == PriorityBackground
	base := ctx
	if background {
		// Detached agents outlive the prompt that spawned them.
		base = context.WithoutCancel(ctx)
	}
	runCtx, cancel := context.WithCancel(base)
	task := p.tasks.Create(prompt, cancel)

	planCtx, planSpan := p.tracer.TracePipelineStage(ctx, "plan", task.ID)
	spawned := make([]*agents.Agent, 0, len(d.SubTasks))
	inputs := make([]agents.RunInput, 0, len(d.SubTasks))
	for _, sub := range d.SubTasks {
		plan := p.plan(planCtx, sub, manifest)
		a := agents.New(agents.Config{
			Topic:        sub.Topic,
			Task:         sub.Task,
			SystemPrompt: p.agentSystemPrompt(sub),
			Persona:      sub.Persona,
			Tools:        plan.Tools,
			ModelRole:    plan.ModelRole,
		})
		p.router.Register(a)
		p.router.Assign(feedIdx, a.ID, a.Topic)
		p.tasks.AddAgent(task.ID, a.ID)

		spawned = append(spawned, a)
		inputs = append(inputs, agents.RunInput{
			FirstMessage: sub.Task,
			History:      p.historyFor(a.ID, feedIdx),
			Manifest:     filterByIDs(manifest, plan.Tools),
			Runtime:      p.runtime(),
			Options:      agents.Options{SkillNudge: sub.Persona != ""},
			Callbacks:    p.agentCallbacks(a),
		})
	}
	p.tracer.SetAttributes(planSpan, "subtasks", len(d.SubTasks))
	planSpan.End()

	topics := make([]string, len(spawned))
	for i, a := range spawned {
		topics[i] = a.Topic
	}
	p.notify.RunLog(task.ID, RunLogEntry{
		At:     time.Now().UTC(),
		Event:  "task_started",
		Detail: strings.Join(topics, ", "),
	})

	if background {
		go func() {
			defer cancel()
			outcomes := p.runAll(runCtx, task.ID, spawned, inputs)
			resp := p.synthesize(d, outcomes)
			resp.TaskIDs = []string{task.ID}
			p.recordOutcomes(outcomes)
			p.finishTask(task.ID, outcomes)
			p.notify.TaskDone(task.ID, resp)
		}()
		return &Response{
			Text:           ack,
			Classification: d.Classification,
			TaskIDs:        []string{task.ID},
			Background:     true,
		}, nil
	}

	defer cancel()
	outcomes := p.runAll(runCtx, task.ID, spawned, inputs)
	resp := p.synthesize(d, outcomes)
	resp.TaskIDs = []string{task.ID}
	p.recordOutcomes(outcomes)
	p.finishTask(task.ID, outcomes)
	return resp, nil
}

// runAll drives every spawned agent concurrently and returns their
// outcomes in spawn order.
func (p *Pipeline) runAll(ctx context.Context, taskID string, spawned []*agents.Agent, inputs []agents.RunInput) []agentOutcome {
	outcomes := make([]agentOutcome, len(spawned))
	var wg sync.WaitGroup
	for i := range spawned {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = p.runOne(ctx, taskID, spawned[i], inputs[i])
		}(i)
	}
	wg.Wait()
	return outcomes
}

func (p *Pipeline) runOne(ctx context.Context, taskID string, a *agents.Agent, in agents.RunInput) agentOutcome {
	if p.metrics != nil {
		p.metrics.AgentSpawned()
		defer p.metrics.AgentFinished()
	}
	ctx, span := p.tracer.Start(ctx, "pipeline.agent")
	defer span.End()
	p.tracer.SetAttributes(span, "agent_id", a.ID, "topic", a.Topic)

	// Every loop iteration that reaches for a tool shows up as an event
	// on the agent span. Callbacks run on the loop goroutine, so this is
	// single-threaded per span.
	prevToolStart := in.Callbacks.OnToolStart
	in.Callbacks.OnToolStart = func(call llm.ToolCall) {
		p.tracer.AddEvent(span, "tool_call", "tool.id", call.Name)
		if prevToolStart != nil {
			prevToolStart(call)
		}
	}

	p.notify.AgentStarted(a.ID, a.Topic)
	p.notify.RunLog(taskID, RunLogEntry{
		At:      time.Now().UTC(),
		Event:   "agent_started",
		AgentID: a.ID,
		Topic:   a.Topic,
	})

	out := agentOutcome{agentID: a.ID, topic: a.Topic}
	res, err := p.runner.Run(ctx, a, in)
	if err != nil {
		p.tracer.RecordError(span, err)
	}
	switch {
	case err != nil:
		p.log.Error("agent run failed", "agent_id", a.ID, "topic", a.Topic, "error", err)
		out.failed = true
		out.text = "I ran into an error on this part."
	case res.Escalated != nil:
		out.text = res.FinalResponse
		if out.text == "" {
			out.text = "I couldn't finish this: " + res.Escalated.Reason
		}
		if len(res.Escalated.NeededCategories) > 0 {
			out.text += "\n(I'd need access to: " + strings.Join(res.Escalated.NeededCategories, ", ") + ")"
		}
	default:
		out.text = res.FinalResponse
	}

	entry := RunLogEntry{At: time.Now().UTC(), Event: "agent_finished", AgentID: a.ID, Topic: a.Topic}
	if out.failed {
		entry.Event = "agent_failed"
	}
	if res != nil {
		entry.Detail = fmt.Sprintf("%d iterations, %d tool calls", res.Iterations, len(res.ToolCalls))
	}
	p.notify.RunLog(taskID, entry)

	p.notify.AgentFinished(a.ID, a.Topic, out.text, out.failed)
	return out
}

// synthesize merges agent outcomes: single agents pass through,
// multiple agents become labeled sections.
func (p *Pipeline) synthesize(d *Decision, outcomes []agentOutcome) *Response {
	resp := &Response{Classification: d.Classification}
	if len(outcomes) == 0 {
		resp.Text = errorResponse
		resp.Classification = ClassConversational
		return resp
	}
	if len(outcomes) == 1 {
		resp.Text = outcomes[0].text
		resp.Sections = []Section{{Topic: outcomes[0].topic, Text: outcomes[0].text}}
		return resp
	}

	var b strings.Builder
	for i, out := range outcomes {
		if i > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "**%s**\n%s", out.topic, out.text)
		resp.Sections = append(resp.Sections, Section{Topic: out.topic, Text: out.text})
	}
	resp.Text = b.String()
	return resp
}

// recordOutcomes appends each agent's answer to the feed assigned to
// that agent, keeping per-agent history coherent for follow-ups.
func (p *Pipeline) recordOutcomes(outcomes []agentOutcome) {
	for _, out := range outcomes {
		if out.text == "" {
			continue
		}
		idx := p.appendTurn(models.RoleAssistant, out.text, out.topic)
		p.router.Assign(idx, out.agentID, out.topic)
	}
}

// finishTask closes the tracked task: failed only when every agent
// failed, since a partial answer was still delivered.
func (p *Pipeline) finishTask(taskID string, outcomes []agentOutcome) {
	allFailed := len(outcomes) > 0
	for _, out := range outcomes {
		if !out.failed {
			allFailed = false
			break
		}
	}
	if allFailed {
		p.tasks.Fail(taskID)
		p.notify.RunLog(taskID, RunLogEntry{At: time.Now().UTC(), Event: "task_failed"})
		return
	}
	p.tasks.Complete(taskID)
	p.notify.RunLog(taskID, RunLogEntry{At: time.Now().UTC(), Event: "task_completed"})
}

func (p *Pipeline) agentCallbacks(a *agents.Agent) agents.Callbacks {
	return agents.Callbacks{
		OnStream: func(text string) { p.notify.Stream(a.ID, text) },
		OnWait: func(reason, hint string) {
			p.notify.WaitingOnUser(a.ID, reason, hint)
		},
		RequestTools: p.grantTools,
		Research:     p.research,
	}
}

// grantTools serves agent.request_tools from the live manifest by
// category.
func (p *Pipeline) grantTools(categories []string, reason string) []wire.ToolDef {
	allowed := make(map[string]bool, len(categories))
	for _, c := range categories {
		allowed[c] = true
	}
	var out []wire.ToolDef
	for _, def := range p.manifest() {
		if allowed[def.Category] {
			out = append(out, def)
		}
	}
	p.log.Debug("tool request", "categories", categories, "reason", reason, "granted", len(out))
	return out
}

// research runs a focused sub-agent to completion and returns its
// findings. The sub-agent gets no Research callback, so it cannot
// recurse, and it is never registered with the router: it is internal
// to its parent.
func (p *Pipeline) research(ctx context.Context, query, depth, format string) (string, error) {
	ctx, span := p.tracer.Start(ctx, "pipeline.research")
	defer span.End()
	p.tracer.SetAttributes(span, "depth", depth)

	iterations, categories := agents.ResearchPlan(depth)
	manifest := agents.FilterManifest(p.manifest(), categories)

	sub := agents.New(agents.Config{
		Topic:        "research: " + topicLabel(query),
		Task:         query,
		SystemPrompt: agents.ResearchSystemPrompt,
		ModelRole:    llm.RoleWorkhorse,
	})
	res, err := p.runner.Run(ctx, sub, agents.RunInput{
		FirstMessage: query + "\n\n" + agents.FormatInstruction(format),
		Manifest:     manifest,
		Runtime:      p.runtime(),
		Options:      agents.Options{MaxIterations: iterations},
	})
	if err != nil {
		return "", err
	}
	// Findings feed the parent agent, not the user, so the client caches
	// them for the sleep cycle to fold into memory.
	if res.FinalResponse != "" {
		p.notify.SaveAgentWork(sub.ID, sub.Topic, res.FinalResponse)
	}
	return res.FinalResponse, nil
}

// agentSystemPrompt builds a spawned agent's system prompt from the
// session persona and its task.
func (p *Pipeline) agentSystemPrompt(sub SubTask) string {
	var b strings.Builder
	b.WriteString(p.identity.PersonaPrompt())
	b.WriteString("\n\nYou are handling one task for the user: ")
	b.WriteString(sub.Task)
	b.WriteString("\nUse your tools to get it done, then reply with the result as plain text.")
	return b.String()
}

// appendTurn adds a turn to the session feed and returns its index.
func (p *Pipeline) appendTurn(role models.Role, content, topic string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.thread.Append(models.Turn{
		Role:      role,
		Content:   content,
		Topic:     topic,
		CreatedAt: time.Now(),
	})
	return len(p.thread.Turns) - 1
}

// historyFor converts the turns assigned to an agent before the given
// index into LLM messages.
func (p *Pipeline) historyFor(agentID string, beforeIdx int) []llm.Message {
	p.mu.Lock()
	turns := append([]models.Turn(nil), p.thread.Turns...)
	p.mu.Unlock()
	if beforeIdx >= 0 && beforeIdx <= len(turns) {
		turns = turns[:beforeIdx]
	}

	assigned := p.router.MessagesFor(agentID, turns)
	msgs := make([]llm.Message, 0, len(assigned))
	for _, t := range assigned {
		msgs = append(msgs, llm.Message{Role: string(t.Role), Content: t.Content})
	}
	return msgs
}

// recentTurns returns the last n user/assistant turns as LLM messages.
func (p *Pipeline) recentTurns(n int) []llm.Message {
	p.mu.Lock()
	turns := append([]models.Turn(nil), p.thread.Turns...)
	p.mu.Unlock()

	var msgs []llm.Message
	for _, t := range turns {
		if t.Role != models.RoleUser && t.Role != models.RoleAssistant {
			continue
		}
		msgs = append(msgs, llm.Message{Role: string(t.Role), Content: t.Content})
	}
	if len(msgs) > n {
		msgs = msgs[len(msgs)-n:]
	}
	return msgs
}

func (p *Pipeline) failResponse(stage string, err error, taskID string) *Response {
	p.log.Error("pipeline stage failed", "stage", stage, "error", err)
	if p.metrics != nil {
		p.metrics.ErrorCounter.WithLabelValues("pipeline", stage).Inc()
	}
	if taskID != "" {
		p.tasks.Fail(taskID)
	}
	return &Response{Text: errorResponse, Classification: ClassConversational}
}

func (p *Pipeline) stageDone(stage string, started time.Time) {
	if p.metrics != nil {
		p.metrics.RecordPipelineStage(stage, time.Since(started).Seconds())
	}
}
