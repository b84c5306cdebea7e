package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dotbot-sh/dotbot/internal/observability"
	"github.com/dotbot-sh/dotbot/internal/ratelimit"
	"github.com/dotbot-sh/dotbot/internal/server/agents"
	"github.com/dotbot-sh/dotbot/internal/server/collections"
	"github.com/dotbot-sh/dotbot/internal/server/pipeline"
	"github.com/dotbot-sh/dotbot/internal/server/router"
	"github.com/dotbot-sh/dotbot/internal/server/tasks"
	"github.com/dotbot-sh/dotbot/pkg/wire"
)

// Connection pacing. The client pings every 30 s, so three missed
// pings mean the peer is gone. Before auth the deadline is short: a
// fresh socket gets one handshake exchange, not a parking spot.
const (
	wsMaxPayloadBytes = 1 << 20
	wsAuthWait        = 10 * time.Second
	wsReadWait        = 90 * time.Second
	wsWriteWait       = 10 * time.Second
	sendBufferSize    = 64

	// closeGrace lets the outbound pump flush a terminal frame (an
	// auth_failed, usually) before the socket is torn down.
	closeGrace = 500 * time.Millisecond

	// serverCallTimeout caps server-initiated round trips into the
	// device. Device-side tool runs can legitimately take minutes;
	// store reads should not.
	serverCallTimeout = 10 * time.Minute
	storeTimeout      = 30 * time.Second

	// dedupWindow is how many recent envelope ids are remembered for
	// transport-level duplicate drops.
	dedupWindow = 512
)

// Session is one device connection. It is created on upgrade, carries
// the handshake, and after a successful auth owns the per-device
// pipeline stack: router, task tracker, collections navigator, and the
// agent runner's tool dispatcher. All writes to the socket go through
// the send channel and a single pump goroutine.
type Session struct {
	gw  *Gateway
	log *slog.Logger

	conn      *websocket.Conn
	send      chan []byte
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once

	remoteIP string
	authed   atomic.Bool

	// Identity, written once by the handshake and read-only after.
	deviceID    string
	userID      string
	name        string
	platform    string
	tempDir     string
	caps        []string
	unsubEvents func()

	limiter *ratelimit.Bucket

	mu          sync.Mutex
	clientTools []wire.ToolDef
	mcpTools    []wire.ToolDef
	pending     map[string]chan *wire.Envelope
	seen        []string
	seenSet     map[string]struct{}
	seenAt      int

	pipe  *pipeline.Pipeline
	tasks *tasks.Tracker
	nav   *collections.Navigator
}

func (gw *Gateway) newSession(conn *websocket.Conn, remoteIP string) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		gw:       gw,
		log:      gw.log.With("remote", remoteIP),
		conn:     conn,
		send:     make(chan []byte, sendBufferSize),
		ctx:      ctx,
		cancel:   cancel,
		remoteIP: remoteIP,
		pending:  make(map[string]chan *wire.Envelope),
		seen:     make([]string, dedupWindow),
		seenSet:  make(map[string]struct{}, dedupWindow),
	}
	if gw.cfg.EnvelopeRate.Enabled {
		s.limiter = ratelimit.NewBucket(gw.cfg.EnvelopeRate)
	}
	return s
}

// run services the connection until either pump fails, then tears the
// session down.
func (s *Session) run() {
	go s.writeLoop()
	s.readLoop()
	s.shutdown()
}

func (s *Session) shutdown() {
	s.closeOnce.Do(func() {
		s.cancel()
		_ = s.conn.Close()
		if s.authed.Load() {
			s.unsubEvents()
			s.gw.detach(s)
		}
	})
}

func (s *Session) readLoop() {
	s.conn.SetReadLimit(wsMaxPayloadBytes)
	_ = s.conn.SetReadDeadline(time.Now().Add(wsAuthWait))
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("read loop ended", "error", err)
			}
			return
		}
		wait := wsReadWait
		if !s.authed.Load() {
			wait = wsAuthWait
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(wait))
		s.handleFrame(data)
	}
}

func (s *Session) writeLoop() {
	// adopt swaps s.log on the read side; hold one logger for the
	// lifetime of the pump.
	log := s.log
	for {
		select {
		case <-s.ctx.Done():
			return
		case data := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Debug("write failed, closing session", "error", err)
				s.shutdown()
				return
			}
		}
	}
}

// enqueue hands an envelope to the outbound pump. It never blocks: a
// device that stops draining its socket loses frames, not the server.
func (s *Session) enqueue(env *wire.Envelope) error {
	data, err := env.Encode()
	if err != nil {
		return err
	}
	if len(data) > wsMaxPayloadBytes {
		return fmt.Errorf("outbound %s envelope exceeds payload limit", env.Type)
	}
	select {
	case <-s.ctx.Done():
		return errors.New("session closed")
	default:
	}
	select {
	case s.send <- data:
		if s.gw.metrics != nil {
			s.gw.metrics.EnvelopeSent(string(env.Type))
		}
		return nil
	default:
		return fmt.Errorf("send buffer full, dropping %s", env.Type)
	}
}

func (s *Session) handleFrame(data []byte) {
	env, err := wire.Parse(data)
	if err != nil {
		s.log.Warn("unparseable frame dropped", "error", err)
		return
	}
	if err := wire.ValidateInbound(data, env); err != nil {
		s.log.Warn("envelope failed validation", "kind", env.Type, "error", err)
		if !s.authed.Load() {
			s.refuse(wire.ReasonInvalidCredentials, "malformed "+string(env.Type)+" payload")
		}
		return
	}
	if s.duplicate(env.ID) {
		s.log.Debug("duplicate envelope dropped", "kind", env.Type, "envelope_id", env.ID)
		return
	}
	if s.gw.metrics != nil {
		s.gw.metrics.EnvelopeReceived(string(env.Type))
	}
	if !s.authed.Load() {
		s.handshake(env)
		return
	}
	if s.limiter != nil && !s.limiter.Allow() {
		s.log.Warn("session envelope budget exceeded", "kind", env.Type)
		return
	}
	s.dispatch(env)
}

// duplicate records the envelope id in a fixed-size ring and reports
// whether it was already present.
func (s *Session) duplicate(id string) bool {
	if id == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seenSet[id]; ok {
		return true
	}
	if old := s.seen[s.seenAt]; old != "" {
		delete(s.seenSet, old)
	}
	s.seen[s.seenAt] = id
	s.seenSet[id] = struct{}{}
	s.seenAt = (s.seenAt + 1) % dedupWindow
	return false
}

// adopt promotes the session to authenticated and builds its pipeline
// stack. Called exactly once, from the handshake.
func (s *Session) adopt(deviceID, label string, auth wire.Auth) {
	s.deviceID = deviceID
	s.userID = s.gw.cfg.UserID
	s.name = auth.DeviceName
	if s.name == "" {
		s.name = label
	}
	s.platform = auth.Platform
	s.tempDir = auth.TempDir
	s.caps = auth.Capabilities
	s.log = s.gw.log.With("device_id", deviceID, "device", s.name)

	s.mu.Lock()
	s.clientTools = append([]wire.ToolDef(nil), auth.Tools...)
	s.mu.Unlock()

	s.nav = collections.New(clientFS{s}, s.gw.hints, s.log)
	s.tasks = tasks.NewTracker()
	runner := agents.NewRunner(s.gw.llm, toolDispatcher{s}, s.log)
	s.pipe = pipeline.New(pipeline.Deps{
		LLM:      s.gw.llm,
		Runner:   runner,
		Router:   router.New(),
		Tasks:    s.tasks,
		Identity: s.gw.identity,
		Memory:   sessionMemory{s},
		Notifier: notifier{s},
		Manifest: s.Manifest,
		Runtime:  s.runtimeLine,
		Metrics:  s.gw.metrics,
		Tracer:   s.gw.tracer,
		Log:      s.log,
	})
	go s.nav.Run(s.ctx)
	s.unsubEvents = s.gw.events.Subscribe(s.forwardEvent)

	s.authed.Store(true)
	s.gw.attach(s)
}

// forwardEvent streams recorded task events to the device as run_log
// envelopes. Events without a task id are gateway bookkeeping and stay
// server-side.
func (s *Session) forwardEvent(e *observability.Event) {
	if e.TaskID == "" {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	_ = s.enqueue(wire.MustNew(wire.TypeRunLog, wire.RunLog{TaskID: e.TaskID, Entry: data}))
}

// Manifest is the session's live tool surface: the tools the device
// declared at auth, current MCP registrations, and collection tools
// when any collection is live.
func (s *Session) Manifest() []wire.ToolDef {
	s.mu.Lock()
	defs := make([]wire.ToolDef, 0, len(s.clientTools)+len(s.mcpTools))
	defs = append(defs, s.clientTools...)
	defs = append(defs, s.mcpTools...)
	s.mu.Unlock()
	if s.nav != nil {
		defs = append(defs, s.nav.ToolDefs()...)
	}
	return defs
}

func (s *Session) setMCPTools(defs []wire.ToolDef) {
	s.mu.Lock()
	s.mcpTools = defs
	s.mu.Unlock()
}

// runtimeLine describes the connected device for agent system prompts.
func (s *Session) runtimeLine() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Connected device: %s (%s).", s.name, s.platform)
	if s.tempDir != "" {
		fmt.Fprintf(&b, " Scratch directory: %s.", s.tempDir)
	}
	if len(s.caps) > 0 {
		fmt.Fprintf(&b, " Device capabilities: %s.", strings.Join(s.caps, ", "))
	}
	return b.String()
}

func (s *Session) hasCapability(name string) bool {
	for _, c := range s.caps {
		if c == name {
			return true
		}
	}
	return false
}

// await registers a correlation id for a server-initiated request. The
// channel receives the response envelope exactly once.
func (s *Session) await(requestID string) chan *wire.Envelope {
	ch := make(chan *wire.Envelope, 1)
	s.mu.Lock()
	s.pending[requestID] = ch
	s.mu.Unlock()
	return ch
}

func (s *Session) forget(requestID string) {
	s.mu.Lock()
	delete(s.pending, requestID)
	s.mu.Unlock()
}

// resolve delivers an inbound response to its waiter. Responses with
// no registered waiter are dropped; they are late answers to requests
// that already timed out.
func (s *Session) resolve(requestID string, env *wire.Envelope) {
	s.mu.Lock()
	ch, ok := s.pending[requestID]
	if ok {
		delete(s.pending, requestID)
	}
	s.mu.Unlock()
	if !ok {
		s.log.Debug("response for unknown correlation id", "kind", env.Type, "request_id", requestID)
		return
	}
	ch <- env
}

// roundTrip sends a request envelope and waits for its correlated
// response. Timing out resolves to a nil envelope, not an error;
// losing the session is an error.
func (s *Session) roundTrip(ctx context.Context, env *wire.Envelope, requestID string, timeout time.Duration) (*wire.Envelope, error) {
	if timeout <= 0 || timeout > serverCallTimeout {
		timeout = serverCallTimeout
	}
	ch := s.await(requestID)
	defer s.forget(requestID)

	if err := s.enqueue(env); err != nil {
		return nil, err
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		return resp, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.ctx.Done():
		// Worded so the agent loop recognizes it as infrastructure
		// loss, not a retryable tool error.
		return nil, errors.New("device not connected")
	}
}

// execute runs one tool on the device and returns its raw result text.
func (s *Session) execute(ctx context.Context, req wire.ExecutionRequest) (string, error) {
	if deadline, ok := ctx.Deadline(); ok {
		req.TimeoutMS = time.Until(deadline).Milliseconds()
	}
	env, err := wire.New(wire.TypeExecutionRequest, req)
	if err != nil {
		return "", err
	}
	timeout := serverCallTimeout
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}
	resp, err := s.roundTrip(ctx, env, req.RequestID, timeout)
	if err != nil {
		return "", err
	}
	if resp == nil {
		return "", fmt.Errorf("%s: no result from the device", req.Tool)
	}
	var res wire.ExecutionResult
	if err := resp.Decode(&res); err != nil {
		return "", err
	}
	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "tool failed on the device"
		}
		return "", errors.New(msg)
	}
	return res.Result, nil
}

// store round-trips one request against the device's on-disk stores
// (memory, skills, personas, threads, assets). Unlike tool execution,
// a timeout here is an error: every caller needs the data.
func (s *Session) store(ctx context.Context, kind wire.Type, op string, params []byte) ([]byte, error) {
	req := wire.StoreRequest{RequestID: newRequestID(), Op: op, Params: params}
	env, err := wire.New(kind, req)
	if err != nil {
		return nil, err
	}
	resp, err := s.roundTrip(ctx, env, req.RequestID, storeTimeout)
	if err != nil {
		return nil, err
	}
	if resp == nil {
		return nil, fmt.Errorf("%s %s: no reply from the device", kind, op)
	}
	var out wire.StoreResponse
	if err := resp.Decode(&out); err != nil {
		return nil, err
	}
	if !out.OK {
		msg := out.Error
		if msg == "" {
			msg = "store operation failed"
		}
		return nil, fmt.Errorf("%s %s: %s", kind, op, msg)
	}
	return out.Data, nil
}
