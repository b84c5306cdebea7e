// Package tasks tracks in-flight user requests on the server: one task
// per pipeline run that spawned agents, so restarts can cancel and
// hand the prompts back for resubmission.
package tasks

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Status is the lifecycle state of a tracked task.
type Status string

const (
	// StatusRunning indicates the task's agents are still working.
	StatusRunning Status = "running"

	// StatusCompleted indicates every agent finished and a response
	// was delivered.
	StatusCompleted Status = "completed"

	// StatusFailed indicates a pipeline stage or agent errored.
	StatusFailed Status = "failed"

	// StatusCancelled indicates the task was aborted, typically for a
	// client restart.
	StatusCancelled Status = "cancelled"
)

// Task is one tracked request.
type Task struct {
	ID          string     `json:"id"`
	Prompt      string     `json:"prompt"`
	Status      Status     `json:"status"`
	AgentIDs    []string   `json:"agent_ids,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Tracker holds the live task table for one session. Safe for
// concurrent use.
type Tracker struct {
	mu      sync.Mutex
	tasks   map[string]*Task
	order   []string // creation order
	cancels map[string]context.CancelFunc

	now func() time.Time
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		tasks:   make(map[string]*Task),
		cancels: make(map[string]context.CancelFunc),
		now:     time.Now,
	}
}

// Create registers a running task. cancel aborts the task's agents and
// may be nil for tasks that finish synchronously.
func (t *Tracker) Create(prompt string, cancel context.CancelFunc) *Task {
	t.mu.Lock()
	defer t.mu.Unlock()

	task := &Task{
		ID:        uuid.NewString(),
		Prompt:    prompt,
		Status:    StatusRunning,
		CreatedAt: t.now(),
	}
	t.tasks[task.ID] = task
	t.order = append(t.order, task.ID)
	if cancel != nil {
		t.cancels[task.ID] = cancel
	}
	return t.snapshot(task)
}

// AddAgent attaches a spawned agent id to the task.
func (t *Tracker) AddAgent(taskID, agentID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if task, ok := t.tasks[taskID]; ok {
		task.AgentIDs = append(task.AgentIDs, agentID)
	}
}

// Complete marks the task completed.
func (t *Tracker) Complete(taskID string) { t.finish(taskID, StatusCompleted) }

// Fail marks the task failed.
func (t *Tracker) Fail(taskID string) { t.finish(taskID, StatusFailed) }

func (t *Tracker) finish(taskID string, status Status) {
	t.mu.Lock()
	defer t.mu.Unlock()
	task, ok := t.tasks[taskID]
	if !ok || task.Status != StatusRunning {
		return
	}
	task.Status = status
	done := t.now()
	task.CompletedAt = &done
	delete(t.cancels, taskID)
}

// Get returns a snapshot of one task.
func (t *Tracker) Get(taskID string) (*Task, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	task, ok := t.tasks[taskID]
	if !ok {
		return nil, false
	}
	return t.snapshot(task), true
}

// InFlight returns snapshots of all running tasks in creation order.
func (t *Tracker) InFlight() []*Task {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []*Task
	for _, id := range t.order {
		if task := t.tasks[id]; task.Status == StatusRunning {
			out = append(out, t.snapshot(task))
		}
	}
	return out
}

// CancelBeforeRestart aborts every running task and returns their
// prompts in creation order, for the client to persist and resubmit
// after it comes back.
func (t *Tracker) CancelBeforeRestart() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	var prompts []string
	for _, id := range t.order {
		task := t.tasks[id]
		if task.Status != StatusRunning {
			continue
		}
		prompts = append(prompts, task.Prompt)
		task.Status = StatusCancelled
		done := t.now()
		task.CompletedAt = &done
		if cancel, ok := t.cancels[id]; ok {
			cancel()
			delete(t.cancels, id)
		}
	}
	return prompts
}

// snapshot copies a task so callers never share the tracked struct.
// Callers hold t.mu.
func (t *Tracker) snapshot(task *Task) *Task {
	cp := *task
	cp.AgentIDs = append([]string(nil), task.AgentIDs...)
	if task.CompletedAt != nil {
		done := *task.CompletedAt
		cp.CompletedAt = &done
	}
	return &cp
}
