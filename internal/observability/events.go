// Package observability provides logging, metrics, tracing, and the task
// event timeline. This file implements the timeline: an in-memory record of
// what happened during each task, with subscription hooks used to stream
// run-log entries down to the device.
package observability

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType categorizes timeline events for filtering and display.
type EventType string

const (
	EventTypeTaskStart     EventType = "task.start"
	EventTypeTaskEnd       EventType = "task.end"
	EventTypeTaskError     EventType = "task.error"
	EventTypeStageStart    EventType = "stage.start"
	EventTypeStageEnd      EventType = "stage.end"
	EventTypeAgentSpawn    EventType = "agent.spawn"
	EventTypeAgentComplete EventType = "agent.complete"
	EventTypeToolStart     EventType = "tool.start"
	EventTypeToolEnd       EventType = "tool.end"
	EventTypeToolError     EventType = "tool.error"
	EventTypeLLMRequest    EventType = "llm.request"
	EventTypeLLMResponse   EventType = "llm.response"
	EventTypeLLMError      EventType = "llm.error"
	EventTypeDeviceConnect EventType = "device.connect"
	EventTypeDeviceGone    EventType = "device.disconnect"
	EventTypeCredProxy     EventType = "credential.proxy"
	EventTypeCustom        EventType = "custom"
)

// Event represents a single event in the timeline.
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	TaskID    string         `json:"task_id,omitempty"`
	AgentID   string         `json:"agent_id,omitempty"`
	DeviceID  string         `json:"device_id,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	Name      string         `json:"name,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
	Duration  time.Duration  `json:"duration_ns,omitempty"`
	Error     string         `json:"error,omitempty"`
	TraceID   string         `json:"trace_id,omitempty"`
	SpanID    string         `json:"span_id,omitempty"`
}

// EventStore stores and retrieves events for debugging and run-log replay.
type EventStore interface {
	// Record stores an event.
	Record(event *Event) error

	// GetByTaskID returns all events for a task, sorted by timestamp.
	GetByTaskID(taskID string) ([]*Event, error)

	// GetByType returns recent events of a specific type, newest first.
	GetByType(eventType EventType, limit int) ([]*Event, error)

	// Delete removes events older than the given duration and returns the
	// number removed.
	Delete(olderThan time.Duration) (int, error)
}

// MemoryEventStore is an in-memory implementation of EventStore with a size
// cap. When the cap is reached the oldest tenth of events is evicted.
type MemoryEventStore struct {
	mu      sync.RWMutex
	events  map[string]*Event
	byTask  map[string][]string
	maxSize int
}

// NewMemoryEventStore creates a new in-memory event store.
func NewMemoryEventStore(maxSize int) *MemoryEventStore {
	if maxSize <= 0 {
		maxSize = 10000
	}
	return &MemoryEventStore{
		events:  make(map[string]*Event),
		byTask:  make(map[string][]string),
		maxSize: maxSize,
	}
}

func (s *MemoryEventStore) Record(event *Event) error {
	if event == nil {
		return errors.New("event cannot be nil")
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.events) >= s.maxSize {
		s.evictOldest()
	}

	s.events[event.ID] = event
	if event.TaskID != "" {
		s.byTask[event.TaskID] = append(s.byTask[event.TaskID], event.ID)
	}
	return nil
}

func (s *MemoryEventStore) GetByTaskID(taskID string) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byTask[taskID]
	events := make([]*Event, 0, len(ids))
	for _, id := range ids {
		if e, ok := s.events[id]; ok {
			events = append(events, e)
		}
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})
	return events, nil
}

func (s *MemoryEventStore) GetByType(eventType EventType, limit int) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var events []*Event
	for _, e := range s.events {
		if e.Type == eventType {
			events = append(events, e)
		}
	}

	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.After(events[j].Timestamp)
	})

	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func (s *MemoryEventStore) Delete(olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().Add(-olderThan)
	deleted := 0

	for id, e := range s.events {
		if e.Timestamp.Before(cutoff) {
			delete(s.events, id)
			deleted++
		}
	}

	for taskID, ids := range s.byTask {
		var remaining []string
		for _, id := range ids {
			if _, ok := s.events[id]; ok {
				remaining = append(remaining, id)
			}
		}
		if len(remaining) == 0 {
			delete(s.byTask, taskID)
		} else {
			s.byTask[taskID] = remaining
		}
	}

	return deleted, nil
}

func (s *MemoryEventStore) evictOldest() {
	toRemove := s.maxSize / 10
	if toRemove < 1 {
		toRemove = 1
	}

	var events []*Event
	for _, e := range s.events {
		events = append(events, e)
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})

	for i := 0; i < toRemove && i < len(events); i++ {
		delete(s.events, events[i].ID)
	}
}

// EventRecorder records events into a store and fans them out to
// subscribers. The gateway subscribes per device so task events stream to
// the client as run-log entries; slow subscribers never block recording.
type EventRecorder struct {
	store  EventStore
	logger *Logger

	mu   sync.RWMutex
	subs map[string]func(*Event)
}

// NewEventRecorder creates a new event recorder.
func NewEventRecorder(store EventStore, logger *Logger) *EventRecorder {
	return &EventRecorder{
		store:  store,
		logger: logger,
		subs:   make(map[string]func(*Event)),
	}
}

// Subscribe registers fn for every recorded event and returns an
// unsubscribe function. fn is called on the recorder's goroutine; it must
// not block.
func (r *EventRecorder) Subscribe(fn func(*Event)) func() {
	id := uuid.NewString()
	r.mu.Lock()
	r.subs[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.subs, id)
		r.mu.Unlock()
	}
}

// Record records an event, extracting correlation ids from context.
func (r *EventRecorder) Record(ctx context.Context, eventType EventType, name string, data map[string]any) error {
	event := &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now(),
		TaskID:    GetTaskID(ctx),
		AgentID:   GetAgentID(ctx),
		RequestID: GetRequestID(ctx),
		Name:      name,
		Data:      data,
		TraceID:   GetTraceID(ctx),
		SpanID:    GetSpanID(ctx),
	}
	if deviceID, ok := ctx.Value(DeviceIDKey).(string); ok {
		event.DeviceID = deviceID
	}

	if r.logger != nil {
		r.logger.Debug(ctx, "event recorded",
			"event_type", string(eventType),
			"event_name", name,
			"event_id", event.ID,
		)
	}

	if err := r.store.Record(event); err != nil {
		return err
	}

	r.mu.RLock()
	for _, fn := range r.subs {
		fn(event)
	}
	r.mu.RUnlock()
	return nil
}

// RecordError records an error event.
func (r *EventRecorder) RecordError(ctx context.Context, eventType EventType, name string, err error, data map[string]any) error {
	if data == nil {
		data = make(map[string]any)
	}
	event := &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now(),
		TaskID:    GetTaskID(ctx),
		AgentID:   GetAgentID(ctx),
		RequestID: GetRequestID(ctx),
		Name:      name,
		Data:      data,
		TraceID:   GetTraceID(ctx),
		SpanID:    GetSpanID(ctx),
	}
	if err != nil {
		event.Error = err.Error()
	}
	if deviceID, ok := ctx.Value(DeviceIDKey).(string); ok {
		event.DeviceID = deviceID
	}

	if recordErr := r.store.Record(event); recordErr != nil {
		return recordErr
	}

	r.mu.RLock()
	for _, fn := range r.subs {
		fn(event)
	}
	r.mu.RUnlock()
	return nil
}

// RecordDuration records an event carrying an operation duration.
func (r *EventRecorder) RecordDuration(ctx context.Context, eventType EventType, name string, d time.Duration, data map[string]any) error {
	event := &Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now(),
		TaskID:    GetTaskID(ctx),
		AgentID:   GetAgentID(ctx),
		RequestID: GetRequestID(ctx),
		Name:      name,
		Data:      data,
		Duration:  d,
		TraceID:   GetTraceID(ctx),
		SpanID:    GetSpanID(ctx),
	}
	if deviceID, ok := ctx.Value(DeviceIDKey).(string); ok {
		event.DeviceID = deviceID
	}

	if err := r.store.Record(event); err != nil {
		return err
	}

	r.mu.RLock()
	for _, fn := range r.subs {
		fn(event)
	}
	r.mu.RUnlock()
	return nil
}

// Prune drops events older than the given age and returns how many were
// removed.
func (r *EventRecorder) Prune(olderThan time.Duration) (int, error) {
	return r.store.Delete(olderThan)
}

// TaskTimeline returns the ordered events for one task rendered as strings,
// oldest first. Used for debugging stuck tasks.
func (r *EventRecorder) TaskTimeline(taskID string) ([]string, error) {
	events, err := r.store.GetByTaskID(taskID)
	if err != nil {
		return nil, err
	}
	lines := make([]string, 0, len(events))
	for _, e := range events {
		line := fmt.Sprintf("%s %s %s", e.Timestamp.Format(time.RFC3339Nano), e.Type, e.Name)
		if e.Error != "" {
			line += " error=" + e.Error
		}
		lines = append(lines, line)
	}
	return lines, nil
}
