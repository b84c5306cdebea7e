package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dotbot-sh/dotbot/internal/server/agents"
	"github.com/dotbot-sh/dotbot/internal/server/llm"
	"github.com/dotbot-sh/dotbot/internal/server/router"
	"github.com/dotbot-sh/dotbot/internal/server/tasks"
	"github.com/dotbot-sh/dotbot/pkg/wire"
)

// fakeProvider answers every role's completions through one respond
// function. Tests dispatch on the request's stage.
type fakeProvider struct {
	mu       sync.Mutex
	requests []*llm.Request
	respond  func(req *llm.Request) (*llm.Response, error)
}

func (p *fakeProvider) Name() string { return "stub" }

func (p *fakeProvider) Complete(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	respond := p.respond
	p.mu.Unlock()
	if respond == nil {
		return &llm.Response{Content: "ok"}, nil
	}
	return respond(req)
}

func (p *fakeProvider) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// stage identifies which pipeline call a request belongs to.
func stage(req *llm.Request) string {
	switch {
	case strings.Contains(req.System, "intake classifier"):
		return "receptionist"
	case strings.Contains(req.System, "assign tools"):
		return "planner"
	case strings.Contains(req.System, "small talk"):
		return "tiny"
	case strings.Contains(req.System, "from these notes"):
		return "memory"
	case strings.Contains(req.System, "research agent"):
		return "research"
	case strings.Contains(req.System, "handling one task"):
		return "agent"
	default:
		return "chat"
	}
}

type recordingNotifier struct {
	mu        sync.Mutex
	acks      []string
	started   []string
	finished  []string
	runLogs   []string
	savedWork []string
	waits     chan [2]string
	taskDone  chan *Response
}

func newRecordingNotifier() *recordingNotifier {
	return &recordingNotifier{
		waits:    make(chan [2]string, 4),
		taskDone: make(chan *Response, 4),
	}
}

func (n *recordingNotifier) Ack(text string, estimate time.Duration) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.acks = append(n.acks, text)
}

func (n *recordingNotifier) AgentStarted(agentID, topic string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.started = append(n.started, topic)
}

func (n *recordingNotifier) AgentFinished(agentID, topic, response string, failed bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.finished = append(n.finished, topic)
}

func (n *recordingNotifier) Stream(agentID, text string) {}

func (n *recordingNotifier) WaitingOnUser(agentID, reason, hint string) {
	n.waits <- [2]string{reason, hint}
}

func (n *recordingNotifier) TaskDone(taskID string, resp *Response) {
	n.taskDone <- resp
}

func (n *recordingNotifier) RunLog(taskID string, entry RunLogEntry) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.runLogs = append(n.runLogs, entry.Event)
}

func (n *recordingNotifier) SaveAgentWork(agentID, topic, content string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.savedWork = append(n.savedWork, content)
}

func (n *recordingNotifier) finishedTopics() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.finished...)
}

func (n *recordingNotifier) runLogEvents() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.runLogs...)
}

type fakeMemory struct {
	mu     sync.Mutex
	facts  []string
	stored []string
}

func (m *fakeMemory) Search(ctx context.Context, query string, limit int) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.facts...), nil
}

func (m *fakeMemory) Store(ctx context.Context, fact string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stored = append(m.stored, fact)
	return nil
}

func newTestPipeline(t *testing.T, provider *fakeProvider, manifest []wire.ToolDef, mem MemoryLookup) (*Pipeline, *recordingNotifier, *tasks.Tracker) {
	t.Helper()
	reg := llm.NewRegistry(llm.Roles{
		llm.RoleIntake:    {Provider: "stub", Model: "intake-model"},
		llm.RoleWorkhorse: {Provider: "stub", Model: "work-model"},
		llm.RoleSmart:     {Provider: "stub", Model: "smart-model"},
	})
	reg.Register(provider)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	dispatcher := agents.DispatcherFunc(func(ctx context.Context, call llm.ToolCall, def wire.ToolDef) (string, error) {
		return "tool ok", nil
	})
	notifier := newRecordingNotifier()
	tracker := tasks.NewTracker()

	p := New(Deps{
		LLM:      reg,
		Runner:   agents.NewRunner(reg, dispatcher, log),
		Router:   router.New(),
		Tasks:    tracker,
		Identity: Identity{Name: "Ada", Role: "chief of staff"},
		Memory:   mem,
		Notifier: notifier,
		Manifest: func() []wire.ToolDef { return manifest },
		Log:      log,
	})
	return p, notifier, tracker
}

func toolManifest() []wire.ToolDef {
	return []wire.ToolDef{
		{ID: "search.web", Description: "Search the web", Category: "search"},
		{ID: "filesystem.read_file", Description: "Read a file", Category: "filesystem"},
	}
}

func TestRunShortPathGreeting(t *testing.T) {
	provider := &fakeProvider{}
	p, _, _ := newTestPipeline(t, provider, nil, nil)

	resp, err := p.Run(context.Background(), "hey!", "u1", "d1")
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if resp.Classification != ClassConversational || !strings.Contains(resp.Text, "Ada") {
		t.Fatalf("Run() = %+v, want persona greeting", resp)
	}
	if provider.count() != 0 {
		t.Fatalf("llm calls = %d, want 0 for a rule hit", provider.count())
	}
}

func TestRunActionSpawnsAgent(t *testing.T) {
	provider := &fakeProvider{}
	provider.respond = func(req *llm.Request) (*llm.Response, error) {
		switch stage(req) {
		case "tiny":
			// The short message reaches the capped fallback first; it
			// declines so the receptionist takes over.
			return &llm.Response{Content: "PASS"}, nil
		case "receptionist":
			return &llm.Response{Content: `{"classification":"ACTION","priority":"BLOCKING","acknowledgment":"Checking your inbox.","sub_tasks":[{"topic":"email triage","task":"check the inbox for new mail"}]}`}, nil
		case "planner":
			return &llm.Response{Content: `{"tools":["search.web"],"model_role":"workhorse"}`}, nil
		case "agent":
			if req.Model != "work-model" {
				t.Errorf("agent ran on %q, want work-model", req.Model)
			}
			return &llm.Response{Content: "Your inbox is clean."}, nil
		default:
			return nil, errors.New("unexpected stage")
		}
	}
	p, notifier, tracker := newTestPipeline(t, provider, toolManifest(), nil)

	resp, err := p.Run(context.Background(), "check my email for anything new please", "u1", "d1")
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if resp.Text != "Your inbox is clean." || resp.Classification != ClassAction {
		t.Fatalf("Run() = %+v", resp)
	}
	if len(resp.TaskIDs) != 1 {
		t.Fatalf("TaskIDs = %v", resp.TaskIDs)
	}

	task, ok := tracker.Get(resp.TaskIDs[0])
	if !ok || task.Status != tasks.StatusCompleted || len(task.AgentIDs) != 1 {
		t.Fatalf("tracked task = %+v", task)
	}
	if got := notifier.finishedTopics(); len(got) != 1 || got[0] != "email triage" {
		t.Fatalf("finished topics = %v", got)
	}

	a, ok := p.Router().Agent(task.AgentIDs[0])
	if !ok || a.Status() != agents.StatusCompleted {
		t.Fatalf("spawned agent = %+v", a)
	}
	if len(a.Tools) != 1 || a.Tools[0] != "search.web" {
		t.Fatalf("agent tools = %v", a.Tools)
	}

	want := []string{"task_started", "agent_started", "agent_finished", "task_completed"}
	if got := notifier.runLogEvents(); !reflect.DeepEqual(got, want) {
		t.Fatalf("run log events = %v, want %v", got, want)
	}
}

func TestRunCompoundProducesSections(t *testing.T) {
	provider := &fakeProvider{}
	provider.respond = func(req *llm.Request) (*llm.Response, error) {
		switch stage(req) {
		case "receptionist":
			return &llm.Response{Content: `{"classification":"COMPOUND","priority":"BLOCKING","sub_tasks":[{"topic":"morning plan","task":"plan the morning with the kids"},{"topic":"business proposal","task":"draft the business proposal"}]}`}, nil
		case "planner":
			return &llm.Response{Content: `{"tools":[],"model_role":"workhorse"}`}, nil
		case "agent":
			if strings.Contains(req.System, "morning") {
				return &llm.Response{Content: "Morning planned."}, nil
			}
			return &llm.Response{Content: "Draft attached."}, nil
		default:
			return nil, errors.New("unexpected stage")
		}
	}
	p, notifier, _ := newTestPipeline(t, provider, toolManifest(), nil)

	resp, err := p.Run(context.Background(), "plan my morning with the kids and draft the business proposal", "u1", "d1")
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if len(resp.Sections) != 2 {
		t.Fatalf("Sections = %+v", resp.Sections)
	}
	if resp.Sections[0].Topic != "morning plan" || resp.Sections[0].Text != "Morning planned." {
		t.Fatalf("first section = %+v", resp.Sections[0])
	}
	if resp.Sections[1].Topic != "business proposal" || resp.Sections[1].Text != "Draft attached." {
		t.Fatalf("second section = %+v", resp.Sections[1])
	}
	if !strings.Contains(resp.Text, "**morning plan**") || !strings.Contains(resp.Text, "Draft attached.") {
		t.Fatalf("merged text = %q", resp.Text)
	}
	if got := notifier.finishedTopics(); len(got) != 2 {
		t.Fatalf("finished topics = %v", got)
	}
}

func TestRunBackgroundAcknowledges(t *testing.T) {
	provider := &fakeProvider{}
	provider.respond = func(req *llm.Request) (*llm.Response, error) {
		switch stage(req) {
		case "receptionist":
			return &llm.Response{Content: `{"classification":"ACTION","priority":"BACKGROUND","acknowledgment":"I'll work on that in the background.","sub_tasks":[{"topic":"report cleanup","task":"tidy the quarterly report"}]}`}, nil
		case "planner":
			return &llm.Response{Content: `{"tools":[],"model_role":"workhorse"}`}, nil
		case "agent":
			return &llm.Response{Content: "Report tidied."}, nil
		default:
			return nil, errors.New("unexpected stage")
		}
	}
	p, notifier, tracker := newTestPipeline(t, provider, toolManifest(), nil)

	resp, err := p.Run(context.Background(), "tidy up the quarterly report when you get a chance", "u1", "d1")
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if !resp.Background || resp.Text != "I'll work on that in the background." {
		t.Fatalf("Run() = %+v, want immediate ack", resp)
	}

	select {
	case done := <-notifier.taskDone:
		if done.Text != "Report tidied." {
			t.Fatalf("TaskDone = %+v", done)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("background task never finished")
	}

	task, _ := tracker.Get(resp.TaskIDs[0])
	if task.Status != tasks.StatusCompleted {
		t.Fatalf("task status = %s", task.Status)
	}
}

func TestRunWaitForUserRoundTrip(t *testing.T) {
	provider := &fakeProvider{}
	provider.respond = func(req *llm.Request) (*llm.Response, error) {
		switch stage(req) {
		case "tiny":
			return &llm.Response{Content: "PASS"}, nil
		case "receptionist":
			return &llm.Response{Content: `{"classification":"ACTION","priority":"BLOCKING","sub_tasks":[{"topic":"account update","task":"update the billing account"}]}`}, nil
		case "planner":
			return &llm.Response{Content: `{"tools":[],"model_role":"workhorse"}`}, nil
		case "agent":
			last := req.Messages[len(req.Messages)-1]
			if last.Role == "tool" {
				return &llm.Response{Content: "Done with account 42."}, nil
			}
			return &llm.Response{
				ToolCalls: []llm.ToolCall{{
					ID:    "w1",
					Name:  "agent.wait_for_user",
					Input: []byte(`{"reason":"which account?"}`),
				}},
				StopReason: "tool_use",
			}, nil
		default:
			return nil, errors.New("unexpected stage")
		}
	}
	p, notifier, _ := newTestPipeline(t, provider, toolManifest(), nil)

	results := make(chan *Response, 1)
	go func() {
		resp, err := p.Run(context.Background(), "update my billing account", "u1", "d1")
		if err != nil {
			t.Errorf("blocking Run() error: %v", err)
		}
		results <- resp
	}()

	select {
	case wait := <-notifier.waits:
		if wait[0] != "which account?" {
			t.Fatalf("wait reason = %q", wait[0])
		}
	case <-time.After(2 * time.Second):
		t.Fatal("agent never asked for input")
	}

	reply, err := p.Run(context.Background(), "account 42", "u1", "d1")
	if err != nil {
		t.Fatalf("reply Run() error: %v", err)
	}
	if reply.Classification != ClassContinuation || !strings.Contains(reply.Text, "account update") {
		t.Fatalf("reply = %+v, want hand-off to blocked agent", reply)
	}

	select {
	case resp := <-results:
		if resp.Text != "Done with account 42." {
			t.Fatalf("final response = %+v", resp)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("blocking run never completed")
	}
}

func TestRunConversational(t *testing.T) {
	provider := &fakeProvider{}
	provider.respond = func(req *llm.Request) (*llm.Response, error) {
		switch stage(req) {
		case "receptionist":
			return &llm.Response{Content: `{"classification":"CONVERSATIONAL","priority":"BLOCKING"}`}, nil
		case "chat":
			if !strings.Contains(req.System, "Ada") {
				t.Errorf("conversational call missing persona: %q", req.System)
			}
			return &llm.Response{Content: "Doing great, thanks for asking!"}, nil
		default:
			return nil, errors.New("unexpected stage")
		}
	}
	p, _, _ := newTestPipeline(t, provider, nil, nil)

	// Eleven words so the short path's tiny fallback is skipped.
	resp, err := p.Run(context.Background(), "tell me honestly how you are doing today my good friend", "u1", "d1")
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if resp.Text != "Doing great, thanks for asking!" || resp.Classification != ClassConversational {
		t.Fatalf("Run() = %+v", resp)
	}
}

func TestRunMemoryUpdate(t *testing.T) {
	provider := &fakeProvider{}
	provider.respond = func(req *llm.Request) (*llm.Response, error) {
		switch stage(req) {
		case "tiny":
			return &llm.Response{Content: "PASS"}, nil
		case "receptionist":
			return &llm.Response{Content: `{"classification":"MEMORY_UPDATE","priority":"BLOCKING","acknowledgment":"Got it, noted."}`}, nil
		}
		return nil, errors.New("unexpected stage")
	}
	mem := &fakeMemory{}
	p, _, _ := newTestPipeline(t, provider, nil, mem)

	resp, err := p.Run(context.Background(), "remember that my parking spot is number 14 downstairs", "u1", "d1")
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if resp.Text != "Got it, noted." || resp.Classification != ClassMemoryUpdate {
		t.Fatalf("Run() = %+v", resp)
	}
	if len(mem.stored) != 1 || !strings.Contains(mem.stored[0], "parking spot") {
		t.Fatalf("stored facts = %v", mem.stored)
	}
}

func TestRunReceptionistFailure(t *testing.T) {
	provider := &fakeProvider{}
	provider.respond = func(req *llm.Request) (*llm.Response, error) {
		return nil, errors.New("provider down")
	}
	p, _, _ := newTestPipeline(t, provider, nil, nil)

	resp, err := p.Run(context.Background(), "please check my calendar for tomorrow and reschedule everything", "u1", "d1")
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if !strings.Contains(resp.Text, "I encountered an error") || resp.Classification != ClassConversational {
		t.Fatalf("Run() = %+v, want generic error response", resp)
	}
}

func TestRunContinuationRoutesToActiveAgent(t *testing.T) {
	provider := &fakeProvider{}
	p, _, _ := newTestPipeline(t, provider, nil, nil)

	existing := agents.New(agents.Config{ID: "a1", Topic: "email triage", Task: "triage the inbox"})
	existing.SetStatus(agents.StatusRunning)
	p.Router().Register(existing)

	provider.respond = func(req *llm.Request) (*llm.Response, error) {
		if stage(req) == "receptionist" {
			return &llm.Response{Content: `{"classification":"CONTINUATION","priority":"BLOCKING","route_to":"a1","acknowledgment":"Adding that to the triage."}`}, nil
		}
		return nil, errors.New("unexpected stage")
	}

	resp, err := p.Run(context.Background(), "also archive the newsletters", "u1", "d1")
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if resp.Classification != ClassContinuation || resp.Text != "Adding that to the triage." {
		t.Fatalf("Run() = %+v", resp)
	}
	// No new agent was spawned.
	if got := len(p.Router().ActiveAgents()); got != 1 {
		t.Fatalf("active agents = %d, want 1", got)
	}
}

func TestRunEmptyPrompt(t *testing.T) {
	provider := &fakeProvider{}
	p, _, _ := newTestPipeline(t, provider, nil, nil)

	resp, err := p.Run(context.Background(), "   ", "u1", "d1")
	if err != nil {
		t.Fatalf("Run() error: %v", err)
	}
	if resp.Classification != ClassConversational || resp.Text == "" {
		t.Fatalf("Run() = %+v", resp)
	}
	if provider.count() != 0 {
		t.Fatalf("llm calls = %d, want 0", provider.count())
	}
}
