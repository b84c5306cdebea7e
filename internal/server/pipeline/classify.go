package pipeline

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/dotbot-sh/dotbot/internal/server/llm"
)

// Classification buckets every inbound prompt. The receptionist picks
// one per message.
type Classification string

const (
	ClassConversational Classification = "CONVERSATIONAL"
	ClassInfoRequest    Classification = "INFO_REQUEST"
	ClassAction         Classification = "ACTION"
	ClassCompound       Classification = "COMPOUND"
	ClassContinuation   Classification = "CONTINUATION"
	ClassMemoryUpdate   Classification = "MEMORY_UPDATE"
)

// Priority controls whether the pipeline awaits the spawned agents or
// acknowledges and lets them run.
type Priority string

const (
	PriorityBlocking   Priority = "BLOCKING"
	PriorityForeground Priority = "FOREGROUND"
	PriorityBackground Priority = "BACKGROUND"
)

// TimeEstimate is the progress-notification window for a
// classification. It drives "this may take about X" labels, never
// timeouts.
func TimeEstimate(c Classification) time.Duration {
	switch c {
	case ClassInfoRequest:
		return 15 * time.Second
	case ClassAction, ClassContinuation:
		return 30 * time.Second
	case ClassCompound:
		return 60 * time.Second
	case ClassConversational, ClassMemoryUpdate:
		return 10 * time.Second
	default:
		return 30 * time.Second
	}
}

// SubTask is one unit of work the receptionist carved out of a prompt.
type SubTask struct {
	Topic   string `json:"topic"`
	Task    string `json:"task"`
	Persona string `json:"persona,omitempty"`
}

// Decision is the receptionist's output for one prompt.
type Decision struct {
	Classification Classification `json:"classification"`
	Priority       Priority       `json:"priority"`
	Acknowledgment string         `json:"acknowledgment,omitempty"`
	// RouteTo names an existing agent for CONTINUATION messages.
	RouteTo  string    `json:"route_to,omitempty"`
	SubTasks []SubTask `json:"sub_tasks,omitempty"`
}

const receptionistPrompt = `You are the intake classifier for a personal AI assistant. Classify the user's message and reply with a single JSON object and nothing else:
{
  "classification": "CONVERSATIONAL" | "INFO_REQUEST" | "ACTION" | "COMPOUND" | "CONTINUATION" | "MEMORY_UPDATE",
  "priority": "BLOCKING" | "FOREGROUND" | "BACKGROUND",
  "acknowledgment": "one short line to show the user while work happens",
  "route_to": "agent id, only when the message continues an existing agent's work",
  "sub_tasks": [{"topic": "two to four word label", "task": "what to do, self-contained", "persona": "optional persona id"}]
}

Rules:
- COMPOUND only when the message contains clearly separable requests; one sub_task per part.
- CONTINUATION when the message belongs to one of the active agents listed below; set route_to.
- MEMORY_UPDATE when the user states a fact about themselves to remember.
- Default priority is BLOCKING. Use BACKGROUND when the user defers the work ("in the background", "when you get a chance") or no immediate answer is expected.
- Every non-CONVERSATIONAL decision needs at least one sub_task.`

// classify runs the receptionist call on the intake tier and
// normalizes its JSON decision. A malformed reply degrades to a single
// blocking ACTION rather than failing the prompt.
func (p *Pipeline) classify(ctx context.Context, prompt string) (*Decision, error) {
	system := receptionistPrompt
	if summary := p.router.Summary(); summary != "" {
		system += "\n\nActive agents:\n" + summary
	} else {
		system += "\n\nActive agents: none"
	}

	resp, err := p.llm.Complete(ctx, llm.RoleIntake, &llm.Request{
		System:      system,
		Messages:    []llm.Message{{Role: "user", Content: prompt}},
		Temperature: 0.1,
		MaxTokens:   600,
	})
	if err != nil {
		return nil, err
	}
	return parseDecision(resp.Content, prompt), nil
}

// parseDecision decodes and normalizes a receptionist reply. Any
// shortfall falls back to a single blocking ACTION carrying the whole
// prompt, so a flaky classifier can never drop a request.
func parseDecision(content, prompt string) *Decision {
	var d Decision
	if err := json.Unmarshal([]byte(extractJSON(content)), &d); err != nil {
		d = Decision{}
	}

	d.Classification = Classification(strings.ToUpper(strings.TrimSpace(string(d.Classification))))
	switch d.Classification {
	case ClassConversational, ClassInfoRequest, ClassAction, ClassCompound, ClassContinuation, ClassMemoryUpdate:
	default:
		d.Classification = ClassAction
	}

	d.Priority = Priority(strings.ToUpper(strings.TrimSpace(string(d.Priority))))
	switch d.Priority {
	case PriorityBlocking, PriorityForeground, PriorityBackground:
	default:
		d.Priority = PriorityBlocking
	}

	if d.Classification != ClassConversational && d.Classification != ClassMemoryUpdate && len(d.SubTasks) == 0 {
		d.SubTasks = []SubTask{{Topic: topicLabel(prompt), Task: prompt}}
	}
	for i := range d.SubTasks {
		if d.SubTasks[i].Task == "" {
			d.SubTasks[i].Task = prompt
		}
		if d.SubTasks[i].Topic == "" {
			d.SubTasks[i].Topic = topicLabel(d.SubTasks[i].Task)
		}
	}
	return &d
}

// topicLabel derives a short display topic from a task sentence.
func topicLabel(task string) string {
	words := strings.Fields(task)
	if len(words) > 4 {
		words = words[:4]
	}
	label := strings.Join(words, " ")
	return strings.TrimRight(strings.ToLower(label), ".,!?")
}

// extractJSON returns the first top-level JSON object in s, tolerating
// code fences and prose around it.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}
