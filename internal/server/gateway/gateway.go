// Package gateway is the server end of the device channel. It owns the
// HTTP surface (/ws, /healthz, /metrics, the credential entry pages),
// upgrades device connections, runs the auth handshake, and carries
// envelopes between each device and its server-side pipeline.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dotbot-sh/dotbot/internal/observability"
	"github.com/dotbot-sh/dotbot/internal/ratelimit"
	"github.com/dotbot-sh/dotbot/internal/server/collections"
	"github.com/dotbot-sh/dotbot/internal/server/creds"
	"github.com/dotbot-sh/dotbot/internal/server/devices"
	"github.com/dotbot-sh/dotbot/internal/server/llm"
	"github.com/dotbot-sh/dotbot/internal/server/mcpgw"
	"github.com/dotbot-sh/dotbot/internal/server/pipeline"
	"github.com/dotbot-sh/dotbot/pkg/wire"
)

const (
	authFailWindow = 15 * time.Minute
	sweepEvery     = 5 * time.Minute

	// eventTTL bounds the in-memory task timeline. A day covers any
	// "what did that task do last night" debugging session.
	eventTTL = 24 * time.Hour
)

// Config tunes the gateway. Zero values get sensible defaults.
type Config struct {
	// UserID identifies the server's owner. A dotbot server is
	// single-tenant: every authenticated device acts for this user.
	UserID string
	// Version is the server build version, reported on /healthz so
	// devices can notice when they are running an older build.
	Version string
	// AuthFailLimit caps failed auth and registration attempts per
	// source IP inside a rolling 15-minute window.
	AuthFailLimit int
	// EnvelopeRate throttles inbound envelopes per session once
	// authenticated.
	EnvelopeRate ratelimit.Config
}

// Deps are the gateway's collaborators. Devices and LLM are required;
// nil credential pieces disable the corresponding envelope kinds.
type Deps struct {
	Devices      *devices.Store
	LLM          *llm.Registry
	Cipher       *creds.Cipher
	CredSessions *creds.SessionStore
	Proxy        *creds.Proxy
	Identity     pipeline.Identity
	Metrics      *observability.Metrics
	Tracer       *observability.Tracer
	Log          *slog.Logger
}

// Gateway terminates device connections and fans envelopes into the
// pipeline, the MCP gateway, and the credential subsystem.
type Gateway struct {
	cfg          Config
	devices      *devices.Store
	llm          *llm.Registry
	mcp          *mcpgw.Gateway
	cipher       *creds.Cipher
	credSessions *creds.SessionStore
	proxy        *creds.Proxy
	credWeb      *creds.Web
	identity     pipeline.Identity
	hints        *collections.HintStore
	metrics      *observability.Metrics
	tracer       *observability.Tracer
	events       *observability.EventRecorder
	log          *slog.Logger

	authFails *ratelimit.Window
	upgrader  websocket.Upgrader

	mu     sync.Mutex
	active map[string]*Session
}

// New builds a gateway. The MCP gateway is constructed here so its
// tool pushes land back in the owning session's manifest.
func New(cfg Config, deps Deps) *Gateway {
	if cfg.UserID == "" {
		cfg.UserID = "owner"
	}
	if cfg.AuthFailLimit <= 0 {
		cfg.AuthFailLimit = 10
	}
	if cfg.EnvelopeRate == (ratelimit.Config{}) {
		cfg.EnvelopeRate = ratelimit.DefaultConfig()
	}
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	gw := &Gateway{
		cfg:          cfg,
		devices:      deps.Devices,
		llm:          deps.LLM,
		cipher:       deps.Cipher,
		credSessions: deps.CredSessions,
		proxy:        deps.Proxy,
		identity:     deps.Identity,
		hints:        collections.NewHintStore(),
		metrics:      deps.Metrics,
		tracer:       deps.Tracer,
		events:       observability.NewEventRecorder(observability.NewMemoryEventStore(0), nil),
		log:          log,
		authFails:    ratelimit.NewWindow(cfg.AuthFailLimit, authFailWindow),
		active:       make(map[string]*Session),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  8192,
			WriteBufferSize: 8192,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	gw.mcp = mcpgw.New(deps.Cipher, log, gw.mcpToolsChanged)
	return gw
}

// Handler builds the gateway's HTTP mux. The credential entry pages
// register alongside /ws when web is non-nil; without them the
// credential_session envelope kind reports itself unavailable.
func (gw *Gateway) Handler(web *creds.Web) *http.ServeMux {
	gw.credWeb = web
	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", gw.handleWS)
	mux.HandleFunc("GET /healthz", gw.handleHealthz)
	mux.Handle("GET /metrics", promhttp.Handler())
	if web != nil {
		web.Register(mux)
	}
	return mux
}

func (gw *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := gw.upgrader.Upgrade(w, r, nil)
	if err != nil {
		gw.log.Warn("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	s := gw.newSession(conn, clientIP(r))
	s.run()
}

func (gw *Gateway) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	gw.mu.Lock()
	n := len(gw.active)
	gw.mu.Unlock()
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, "{\"status\":\"ok\",\"version\":%q,\"devices\":%d}\n", gw.cfg.Version, n)
}

// attach registers an authenticated session. A device reconnecting
// while its previous socket is still up replaces it: the new
// connection wins and the old one is closed.
func (gw *Gateway) attach(s *Session) {
	gw.mu.Lock()
	old := gw.active[s.deviceID]
	gw.active[s.deviceID] = s
	gw.mu.Unlock()

	if old != nil {
		gw.log.Info("device reconnected, closing previous session", "device_id", s.deviceID)
		old.shutdown()
	} else if gw.metrics != nil {
		gw.metrics.DeviceConnected()
	}
	gw.recordDeviceEvent(observability.EventTypeDeviceConnect, s)
	gw.log.Info("device session open", "device_id", s.deviceID, "device", s.name, "platform", s.platform)
}

// detach removes a session if it is still the device's current one.
// Superseded sessions skip the MCP teardown so they cannot yank the
// replacement's server connections.
func (gw *Gateway) detach(s *Session) {
	gw.mu.Lock()
	current := gw.active[s.deviceID] == s
	if current {
		delete(gw.active, s.deviceID)
	}
	gw.mu.Unlock()
	if !current {
		return
	}
	gw.mcp.Disconnect(s.deviceID)
	if gw.metrics != nil {
		gw.metrics.DeviceDisconnected()
	}
	gw.recordDeviceEvent(observability.EventTypeDeviceGone, s)
	gw.log.Info("device session closed", "device_id", s.deviceID, "device", s.name)
}

func (gw *Gateway) recordDeviceEvent(t observability.EventType, s *Session) {
	ctx := observability.AddDeviceID(context.Background(), s.deviceID)
	_ = gw.events.Record(ctx, t, s.name, nil)
}

// session returns the live session for a device id.
func (gw *Gateway) session(deviceID string) (*Session, bool) {
	gw.mu.Lock()
	defer gw.mu.Unlock()
	s, ok := gw.active[deviceID]
	return s, ok
}

// mcpToolsChanged lands MCP tool registrations in the owning session's
// manifest. Pushes for devices that dropped meanwhile are discarded.
func (gw *Gateway) mcpToolsChanged(deviceID string, tools []wire.ToolDef) {
	s, ok := gw.session(deviceID)
	if !ok {
		return
	}
	s.setMCPTools(tools)
	gw.log.Debug("mcp manifest updated", "device_id", deviceID, "tools", len(tools))
}

// DeliverCredential sends a freshly encrypted blob to the device that
// requested the entry session. Wired as the credential web surface's
// deliver callback.
func (gw *Gateway) DeliverCredential(deviceID string, stored wire.CredentialStored) error {
	s, ok := gw.session(deviceID)
	if !ok {
		return fmt.Errorf("device %s is not connected", deviceID)
	}
	return s.enqueue(wire.MustNew(wire.TypeCredentialStored, stored))
}

// recordRunLog lands one pipeline trace record in the event timeline.
// Delivery to devices rides the recorder's subscriptions, so every
// connected device sees run-log entries, not just the one whose
// session started the task.
func (gw *Gateway) recordRunLog(deviceID, taskID string, entry pipeline.RunLogEntry) {
	var data map[string]any
	if entry.Topic != "" || entry.Detail != "" {
		data = make(map[string]any, 2)
		if entry.Topic != "" {
			data["topic"] = entry.Topic
		}
		if entry.Detail != "" {
			data["detail"] = entry.Detail
		}
	}
	ctx := observability.AddTaskID(context.Background(), taskID)
	ctx = observability.AddDeviceID(ctx, deviceID)
	if entry.AgentID != "" {
		ctx = observability.AddAgentID(ctx, entry.AgentID)
	}
	_ = gw.events.Record(ctx, runLogEventType(entry.Event), entry.Event, data)
}

// runLogEventType maps pipeline trace events onto timeline types.
func runLogEventType(event string) observability.EventType {
	switch event {
	case "task_started":
		return observability.EventTypeTaskStart
	case "task_completed":
		return observability.EventTypeTaskEnd
	case "task_failed":
		return observability.EventTypeTaskError
	case "agent_started":
		return observability.EventTypeAgentSpawn
	case "agent_finished", "agent_failed":
		return observability.EventTypeAgentComplete
	}
	return observability.EventTypeCustom
}

// Run sweeps the rolling auth-failure window, aged timeline events,
// and expired credential entry sessions until ctx ends.
func (gw *Gateway) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			gw.authFails.Sweep()
			if n, err := gw.events.Prune(eventTTL); err == nil && n > 0 {
				gw.log.Debug("aged timeline events pruned", "count", n)
			}
			if gw.credSessions != nil {
				if n := gw.credSessions.Sweep(); n > 0 {
					gw.log.Debug("expired credential sessions swept", "count", n)
				}
			}
		}
	}
}

// Close tears down every active session. Stopping the HTTP listener is
// the caller's job.
func (gw *Gateway) Close() {
	gw.mu.Lock()
	open := make([]*Session, 0, len(gw.active))
	for _, s := range gw.active {
		open = append(open, s)
	}
	gw.mu.Unlock()
	for _, s := range open {
		s.shutdown()
	}
}

func newRequestID() string { return uuid.NewString() }

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		parts := strings.Split(fwd, ",")
		return strings.TrimSpace(parts[0])
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
