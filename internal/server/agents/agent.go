// Package agents holds the server-side spawned agent: a session-scoped
// worker created by the planner to carry out one task, driven by the
// tool loop until it produces a final response, escalates, or fails.
package agents

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a spawned agent.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusBlocked   Status = "blocked"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Active reports whether an agent in this state can still receive user
// messages.
func (s Status) Active() bool {
	return s == StatusRunning || s == StatusBlocked
}

// Config describes a spawned agent at creation time.
type Config struct {
	ID           string
	Topic        string
	Task         string
	SystemPrompt string
	Persona      string
	Tools        []string
	ModelRole    string
}

// Agent is one spawned worker: a task, a persona, a permitted tool set
// and a lifecycle status. Construct with New; the zero value is not
// usable.
type Agent struct {
	ID           string
	Topic        string
	Task         string
	SystemPrompt string
	Persona      string
	Tools        []string
	ModelRole    string
	CreatedAt    time.Time

	mu       sync.Mutex
	status   Status
	injected []string
	resume   chan string // non-nil while suspended in wait_for_user
}

// New creates a pending agent. An empty ID is filled in.
func New(cfg Config) *Agent {
	id := cfg.ID
	if id == "" {
		id = uuid.NewString()
	}
	return &Agent{
		ID:           id,
		Topic:        cfg.Topic,
		Task:         cfg.Task,
		SystemPrompt: cfg.SystemPrompt,
		Persona:      cfg.Persona,
		Tools:        cfg.Tools,
		ModelRole:    cfg.ModelRole,
		CreatedAt:    time.Now(),
		status:       StatusPending,
	}
}

// Status returns the current lifecycle state.
func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// SetStatus transitions the agent to s.
func (a *Agent) SetStatus(s Status) {
	a.mu.Lock()
	a.status = s
	a.mu.Unlock()
}

// Inject queues user text for the loop to pick up at the top of its
// next iteration.
func (a *Agent) Inject(text string) {
	if text == "" {
		return
	}
	a.mu.Lock()
	a.injected = append(a.injected, text)
	a.mu.Unlock()
}

// drainInjected returns and clears any queued text.
func (a *Agent) drainInjected() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.injected
	a.injected = nil
	return out
}

// Resume delivers a user reply to an agent suspended in wait_for_user
// and reports whether the agent was actually waiting.
func (a *Agent) Resume(text string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.resume == nil {
		return false
	}
	a.resume <- text
	a.resume = nil
	return true
}

// beginWait flips the agent to blocked and returns the channel the
// loop blocks on until Resume delivers a reply.
func (a *Agent) beginWait() chan string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch := make(chan string, 1)
	a.resume = ch
	a.status = StatusBlocked
	return ch
}

// endWait clears the suspension. A blocked agent goes back to running;
// terminal states are left alone.
func (a *Agent) endWait() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resume = nil
	if a.status == StatusBlocked {
		a.status = StatusRunning
	}
}
