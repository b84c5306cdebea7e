// Package frontend fans conversation between the user and the server
// channel. Each surface (terminal, Discord) registers with the hub:
// prompts flow in through Submit, and acknowledgments, progress,
// responses, and notifications flow back out as render events.
//
// Responses carry the source of the prompt that produced them and
// route back to the surface that submitted it; every other event kind
// is broadcast. Rendering runs on a single worker goroutine so a slow
// surface never blocks the channel read loop.
package frontend

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/dotbot-sh/dotbot/pkg/wire"
)

// EventKind discriminates what a surface is being asked to render.
type EventKind string

const (
	// EventAck is the immediate acknowledgment of a submitted prompt.
	EventAck EventKind = "ack"
	// EventAgentStarted reports a background agent picking up a topic.
	EventAgentStarted EventKind = "agent_started"
	// EventAgentDone reports a background agent finishing its topic.
	EventAgentDone EventKind = "agent_done"
	// EventProgress is a one-line status update on a running task.
	EventProgress EventKind = "progress"
	// EventChunk is intermediate assistant text emitted between tool
	// turns. It is not part of the final response.
	EventChunk EventKind = "chunk"
	// EventResponse is the final answer to a prompt.
	EventResponse EventKind = "response"
	// EventNotification is an unprompted notice for the user, raised
	// either by the server or locally (reminders, maintenance).
	EventNotification EventKind = "notification"
	// EventRunLog is a structured execution-trace line. Only log
	// surfaces render these.
	EventRunLog EventKind = "run_log"
)

// Event is one unit of output handed to a surface. Fields beyond Kind
// are populated per kind; surfaces ignore what they do not render.
type Event struct {
	Kind     EventKind
	Source   string
	Text     string
	Estimate string
	Sections []wire.ResponseSection
	TaskID   string
	AgentID  string
	Topic    string
	Failed   bool
	Priority string
	Entry    json.RawMessage
}

// Surface is one conversation front-end.
type Surface interface {
	// Source tags prompts submitted through this surface. Responses
	// carrying the same source route back here.
	Source() string
	// Deliver renders one event. It runs on the hub worker goroutine
	// and may block on surface I/O without stalling the channel.
	Deliver(ev Event)
}

// Hub connects surfaces to the channel.
type Hub struct {
	send   func(*wire.Envelope) error
	log    *slog.Logger
	events chan Event

	mu       sync.RWMutex
	surfaces []Surface
}

// NewHub builds a hub that submits prompts through send.
func NewHub(send func(*wire.Envelope) error, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	return &Hub{
		send:   send,
		log:    log.With("component", "frontend"),
		events: make(chan Event, 256),
	}
}

// Register adds a surface. Surfaces registered after Start still
// receive events; registration is not ordered against delivery.
func (h *Hub) Register(s Surface) {
	h.mu.Lock()
	h.surfaces = append(h.surfaces, s)
	h.mu.Unlock()
}

// Start launches the delivery worker. It returns immediately; the
// worker exits when ctx is cancelled.
func (h *Hub) Start(ctx context.Context) {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-h.events:
				h.route(ev)
			}
		}
	}()
}

// Submit sends a user prompt up the channel. Source names the surface
// the prompt came from; userID is the platform identity of the sender
// when the surface has one.
func (h *Hub) Submit(source, userID, prompt, hints string) error {
	env, err := wire.New(wire.TypePrompt, wire.Prompt{
		Prompt:       prompt,
		Source:       source,
		Hints:        hints,
		SourceUserID: userID,
	})
	if err != nil {
		return err
	}
	return h.send(env)
}

// Notify raises a locally generated notice (reminder due, maintenance
// finding, credential entry link) on every surface.
func (h *Hub) Notify(message string) {
	h.enqueue(Event{Kind: EventNotification, Text: message})
}

// Handlers returns the envelope handlers the hub consumes, keyed by
// envelope kind, ready to register on the channel.
func (h *Hub) Handlers() map[wire.Type]func(context.Context, *wire.Envelope) {
	return map[wire.Type]func(context.Context, *wire.Envelope){
		wire.TypeTaskAcknowledged: h.onAck,
		wire.TypeAgentStarted:     h.onAgentStarted,
		wire.TypeAgentComplete:    h.onAgentComplete,
		wire.TypeTaskProgress:     h.onProgress,
		wire.TypeStreamChunk:      h.onChunk,
		wire.TypeResponse:         h.onResponse,
		wire.TypeUserNotification: h.onNotification,
		wire.TypeRunLog:           h.onRunLog,
	}
}

func (h *Hub) onAck(_ context.Context, env *wire.Envelope) {
	var p wire.TaskAcknowledged
	if err := env.Decode(&p); err != nil {
		h.log.Warn("bad task_acknowledged payload", "error", err)
		return
	}
	h.enqueue(Event{Kind: EventAck, Text: p.Acknowledgment, Estimate: p.EstimatedLabel, TaskID: p.TaskID})
}

func (h *Hub) onAgentStarted(_ context.Context, env *wire.Envelope) {
	var p wire.AgentStarted
	if err := env.Decode(&p); err != nil {
		h.log.Warn("bad agent_started payload", "error", err)
		return
	}
	h.enqueue(Event{Kind: EventAgentStarted, AgentID: p.AgentID, Topic: p.Topic, TaskID: p.TaskID})
}

func (h *Hub) onAgentComplete(_ context.Context, env *wire.Envelope) {
	var p wire.AgentComplete
	if err := env.Decode(&p); err != nil {
		h.log.Warn("bad agent_complete payload", "error", err)
		return
	}
	h.enqueue(Event{
		Kind:    EventAgentDone,
		AgentID: p.AgentID,
		Topic:   p.Topic,
		Failed:  p.Status == "failed",
		Text:    p.Response,
	})
}

func (h *Hub) onProgress(_ context.Context, env *wire.Envelope) {
	var p wire.TaskProgress
	if err := env.Decode(&p); err != nil {
		h.log.Warn("bad task_progress payload", "error", err)
		return
	}
	h.enqueue(Event{Kind: EventProgress, Text: p.Message, TaskID: p.TaskID})
}

func (h *Hub) onChunk(_ context.Context, env *wire.Envelope) {
	var p wire.StreamChunk
	if err := env.Decode(&p); err != nil {
		h.log.Warn("bad stream_chunk payload", "error", err)
		return
	}
	h.enqueue(Event{Kind: EventChunk, Text: p.Text, TaskID: p.TaskID})
}

func (h *Hub) onResponse(_ context.Context, env *wire.Envelope) {
	var p wire.Response
	if err := env.Decode(&p); err != nil {
		h.log.Warn("bad response payload", "error", err)
		return
	}
	h.enqueue(Event{
		Kind:     EventResponse,
		Source:   p.Source,
		Text:     p.Text,
		Sections: p.Sections,
		TaskID:   p.TaskID,
	})
}

func (h *Hub) onNotification(_ context.Context, env *wire.Envelope) {
	var p wire.UserNotification
	if err := env.Decode(&p); err != nil {
		h.log.Warn("bad user_notification payload", "error", err)
		return
	}
	h.enqueue(Event{Kind: EventNotification, Text: p.Message, Priority: p.Priority})
}

func (h *Hub) onRunLog(_ context.Context, env *wire.Envelope) {
	var p wire.RunLog
	if err := env.Decode(&p); err != nil {
		h.log.Warn("bad run_log payload", "error", err)
		return
	}
	h.enqueue(Event{Kind: EventRunLog, TaskID: p.TaskID, Entry: p.Entry})
}

func (h *Hub) enqueue(ev Event) {
	select {
	case h.events <- ev:
	default:
		h.log.Warn("event queue full, dropping event", "kind", ev.Kind)
	}
}

// route hands an event to its surfaces. A response with a source goes
// only to the surfaces that claim that source; when none does, and for
// every other kind, the event fans out to all surfaces.
func (h *Hub) route(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if ev.Kind == EventResponse && ev.Source != "" {
		claimed := false
		for _, s := range h.surfaces {
			if s.Source() == ev.Source {
				s.Deliver(ev)
				claimed = true
			}
		}
		if claimed {
			return
		}
	}
	for _, s := range h.surfaces {
		s.Deliver(ev)
	}
}
