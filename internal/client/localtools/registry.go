// Package localtools executes the server's tool calls on the device and
// answers its store requests from the .bot directory. Everything here runs
// on the user's machine with the user's files; the server only ever sees
// envelope payloads.
package localtools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dotbot-sh/dotbot/pkg/wire"
)

const (
	defaultExecTimeout      = 60 * time.Second
	maxConcurrentExecutions = 4
)

// Handler runs one tool call and returns the text handed back to the
// calling agent loop.
type Handler func(ctx context.Context, args json.RawMessage) (string, error)

// Registry holds the device's local tools. The manifest it produces is
// declared to the server at auth time, so registration happens before the
// channel comes up.
type Registry struct {
	log *slog.Logger

	mu    sync.RWMutex
	tools map[string]registered
}

type registered struct {
	def wire.ToolDef
	run Handler
}

func NewRegistry(log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		log:   log.With("component", "localtools"),
		tools: make(map[string]registered),
	}
}

// Register adds one tool. Re-registering an id replaces the handler.
func (r *Registry) Register(def wire.ToolDef, run Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[def.ID] = registered{def: def, run: run}
}

// Manifest lists the registered tool definitions, sorted by id.
func (r *Registry) Manifest() []wire.ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]wire.ToolDef, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.def)
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].ID < defs[j].ID })
	return defs
}

// Execute runs one execution request to completion and shapes the result
// envelope payload. Handler panics become tool errors: a broken tool must
// not take the whole agent down.
func (r *Registry) Execute(ctx context.Context, req wire.ExecutionRequest) (res wire.ExecutionResult) {
	res = wire.ExecutionResult{RequestID: req.RequestID}
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("tool panicked", "tool", req.Tool, "panic", rec)
			res.Success = false
			res.Result = ""
			res.Error = fmt.Sprintf("tool %s panicked: %v", req.Tool, rec)
		}
	}()

	r.mu.RLock()
	tool, ok := r.tools[req.Tool]
	r.mu.RUnlock()
	if !ok {
		res.Error = fmt.Sprintf("no local tool %q on this device", req.Tool)
		return res
	}

	timeout := defaultExecTimeout
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	out, err := tool.run(ctx, req.Args)
	elapsed := time.Since(started)
	if err != nil {
		r.log.Warn("tool failed", "tool", req.Tool, "elapsed", elapsed, "error", err)
		res.Error = err.Error()
		return res
	}
	r.log.Debug("tool completed", "tool", req.Tool, "elapsed", elapsed)
	res.Success = true
	res.Result = out
	return res
}

// Dispatcher turns execution_request envelopes into bounded concurrent tool
// runs, answering each with an execution_result.
type Dispatcher struct {
	reg  *Registry
	send func(*wire.Envelope) error
	log  *slog.Logger
	sem  chan struct{}
}

func NewDispatcher(reg *Registry, send func(*wire.Envelope) error, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		reg:  reg,
		send: send,
		log:  log.With("component", "localtools"),
		sem:  make(chan struct{}, maxConcurrentExecutions),
	}
}

// HandleExecutionRequest is the channel handler for execution_request. It
// leaves the read loop immediately; the tool runs on its own goroutine
// behind the concurrency gate.
func (d *Dispatcher) HandleExecutionRequest(ctx context.Context, env *wire.Envelope) {
	var req wire.ExecutionRequest
	if err := env.Decode(&req); err != nil {
		d.log.Warn("bad execution request", "error", err)
		return
	}
	go func() {
		select {
		case d.sem <- struct{}{}:
			defer func() { <-d.sem }()
		case <-ctx.Done():
			return
		}
		res := d.reg.Execute(ctx, req)
		if err := d.send(wire.MustNew(wire.TypeExecutionResult, res)); err != nil {
			d.log.Warn("dropping execution result", "tool", req.Tool, "error", err)
		}
	}()
}
