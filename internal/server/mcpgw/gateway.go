// Package mcpgw owns the server side of MCP: it connects to the external
// tool servers a device's config lists, on the device's behalf, and bridges
// their tools into the device manifest under mcp.<server>.<tool> ids.
// Credentialed servers get their secret decrypted here so the plaintext
// never travels to the device.
package mcpgw

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dotbot-sh/dotbot/internal/server/creds"
	"github.com/dotbot-sh/dotbot/pkg/wire"
)

const (
	// configDebounce coalesces the mcp_configs re-sends a reconnect storm
	// produces into one application per quiet window.
	configDebounce = 3 * time.Second

	// connectRetries is the number of extra attempts after the first
	// failed connect; connectBackoff separates them.
	connectRetries = 2
	connectBackoff = 3 * time.Second

	// reconnectAfter delays the single reconnect scheduled when a live
	// connection drops.
	reconnectAfter = 5 * time.Second

	keepaliveEvery = 30 * time.Second
	connectTimeout = 30 * time.Second

	// resultCap bounds the flattened tool output handed to the tool loop.
	resultCap = 8000
)

// Status is the connection state of one configured MCP server.
type Status int

const (
	StatusDisconnected Status = iota
	StatusConnecting
	StatusConnected
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnecting:
		return "connecting"
	case StatusConnected:
		return "connected"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// mcpClient is the slice of the mcp-go client surface the gateway uses.
// *client.Client satisfies it; tests substitute a scripted fake.
type mcpClient interface {
	Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Ping(ctx context.Context) error
	Close() error
}

type dialFunc func(ctx context.Context, cfg wire.MCPServerConfig, headers map[string]string, env []string) (mcpClient, error)

// Gateway manages MCP connections per device. All methods are safe for
// concurrent use.
type Gateway struct {
	cipher  *creds.Cipher
	log     *slog.Logger
	onTools func(deviceID string, tools []wire.ToolDef)

	mu      sync.Mutex
	devices map[string]*deviceState

	dial          dialFunc
	debounce      time.Duration
	backoff       time.Duration
	reconnectWait time.Duration
	keepalive     time.Duration
}

// deviceState tracks one device's configured servers. generation bumps on
// every applied config set; handlers spawned under an older generation
// become no-ops.
type deviceState struct {
	userID     string
	generation int
	pending    []wire.MCPServerConfig
	timer      *time.Timer
	servers    map[string]*serverConn
}

// New builds a Gateway. onTools, when non-nil, receives the device's full
// MCP manifest slice every time a server set is applied or a reconnect
// lands. cipher may be nil when no credentialed servers are expected.
func New(cipher *creds.Cipher, log *slog.Logger, onTools func(deviceID string, tools []wire.ToolDef)) *Gateway {
	if log == nil {
		log = slog.Default()
	}
	return &Gateway{
		cipher:        cipher,
		log:           log,
		onTools:       onTools,
		devices:       make(map[string]*deviceState),
		dial:          dialMCP,
		debounce:      configDebounce,
		backoff:       connectBackoff,
		reconnectWait: reconnectAfter,
		keepalive:     keepaliveEvery,
	}
}

// Apply replaces the device's MCP server set. The swap is debounced: each
// call resets the window, so only the last config set of a burst connects.
func (g *Gateway) Apply(deviceID, userID string, configs []wire.MCPServerConfig) {
	g.mu.Lock()
	defer g.mu.Unlock()

	state, ok := g.devices[deviceID]
	if !ok {
		state = &deviceState{servers: make(map[string]*serverConn)}
		g.devices[deviceID] = state
	}
	state.userID = userID
	state.pending = configs
	if state.timer != nil {
		state.timer.Stop()
	}
	state.timer = time.AfterFunc(g.debounce, func() { g.applyPending(deviceID) })
}

// applyPending runs when the debounce window closes: it bumps the device
// generation, tears down the previous connections, and connects the new
// set concurrently.
func (g *Gateway) applyPending(deviceID string) {
	g.mu.Lock()
	state, ok := g.devices[deviceID]
	if !ok {
		g.mu.Unlock()
		return
	}
	configs := state.pending
	state.pending = nil
	state.timer = nil
	state.generation++
	gen := state.generation
	userID := state.userID
	old := state.servers
	state.servers = make(map[string]*serverConn, len(configs))

	conns := make([]*serverConn, 0, len(configs))
	for _, cfg := range configs {
		if cfg.Name == "" {
			g.log.Warn("mcp config with empty name skipped", "device_id", deviceID)
			continue
		}
		if _, dup := state.servers[cfg.Name]; dup {
			g.log.Warn("duplicate mcp server name skipped", "device_id", deviceID, "server", cfg.Name)
			continue
		}
		conn := &serverConn{deviceID: deviceID, generation: gen, cfg: cfg, status: StatusConnecting}
		state.servers[cfg.Name] = conn
		conns = append(conns, conn)
	}
	g.mu.Unlock()

	for _, conn := range old {
		conn.teardown()
	}

	g.log.Info("applying mcp config",
		"device_id", deviceID,
		"user_id", userID,
		"servers", len(conns),
		"generation", gen,
	)

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(c *serverConn) {
			defer wg.Done()
			g.connect(c)
		}(conn)
	}
	wg.Wait()

	g.pushTools(deviceID)
}

// Disconnect tears down every MCP connection the device owns, including a
// pending debounced apply. Called when the device's channel closes.
func (g *Gateway) Disconnect(deviceID string) {
	g.mu.Lock()
	state, ok := g.devices[deviceID]
	if ok {
		delete(g.devices, deviceID)
	}
	g.mu.Unlock()
	if !ok {
		return
	}

	if state.timer != nil {
		state.timer.Stop()
	}
	for _, conn := range state.servers {
		conn.teardown()
	}
	g.log.Debug("mcp connections closed", "device_id", deviceID, "servers", len(state.servers))
}

// Tools returns the manifest entries of every connected server for the
// device, grouped by server in name order.
func (g *Gateway) Tools(deviceID string) []wire.ToolDef {
	g.mu.Lock()
	state, ok := g.devices[deviceID]
	if !ok {
		g.mu.Unlock()
		return nil
	}
	conns := make([]*serverConn, 0, len(state.servers))
	for _, conn := range state.servers {
		conns = append(conns, conn)
	}
	g.mu.Unlock()

	sort.Slice(conns, func(i, j int) bool { return conns[i].cfg.Name < conns[j].cfg.Name })

	var defs []wire.ToolDef
	for _, conn := range conns {
		conn.mu.Lock()
		if conn.status == StatusConnected {
			defs = append(defs, conn.tools...)
		}
		conn.mu.Unlock()
	}
	return defs
}

// ServerStatus reports the connection state of one configured server.
func (g *Gateway) ServerStatus(deviceID, server string) Status {
	g.mu.Lock()
	state, ok := g.devices[deviceID]
	var conn *serverConn
	if ok {
		conn = state.servers[server]
	}
	g.mu.Unlock()
	if conn == nil {
		return StatusDisconnected
	}
	conn.mu.Lock()
	defer conn.mu.Unlock()
	return conn.status
}

// Call routes one mcp.<server>.<tool> invocation to the owning connection
// and flattens the result's content blocks for the tool loop.
func (g *Gateway) Call(ctx context.Context, deviceID, toolID string, args json.RawMessage) (string, error) {
	server, tool, ok := splitToolID(toolID)
	if !ok {
		return "", fmt.Errorf("malformed mcp tool id %q", toolID)
	}

	g.mu.Lock()
	state, found := g.devices[deviceID]
	var conn *serverConn
	if found {
		conn = state.servers[server]
	}
	g.mu.Unlock()
	if conn == nil {
		return "", fmt.Errorf("no mcp server %q for this device", server)
	}

	conn.mu.Lock()
	cli := conn.client
	status := conn.status
	conn.mu.Unlock()
	if cli == nil {
		return "", fmt.Errorf("mcp server %q is %s", server, status)
	}

	var params map[string]any
	if len(args) > 0 {
		if err := json.Unmarshal(args, &params); err != nil {
			return "", fmt.Errorf("parse arguments for %s: %w", toolID, err)
		}
	}

	req := mcp.CallToolRequest{}
	req.Params.Name = tool
	req.Params.Arguments = params

	res, err := cli.CallTool(ctx, req)
	if err != nil {
		return "", fmt.Errorf("call %s: %w", toolID, err)
	}

	text := flattenContent(res.Content)
	if res.IsError {
		if text == "" {
			text = "tool reported an error"
		}
		return "", fmt.Errorf("%s: %s", toolID, text)
	}
	return text, nil
}

// pushTools delivers the device's current MCP manifest slice to the sink.
func (g *Gateway) pushTools(deviceID string) {
	if g.onTools == nil {
		return
	}
	g.onTools(deviceID, g.Tools(deviceID))
}

// current reports whether the conn still belongs to the device's live
// generation. Drop and reconnect handlers check this before acting.
func (g *Gateway) current(conn *serverConn) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	state, ok := g.devices[conn.deviceID]
	return ok && state.generation == conn.generation && state.servers[conn.cfg.Name] == conn
}

// splitToolID unpacks mcp.<server>.<tool>; the tool segment may itself
// contain dots.
func splitToolID(id string) (server, tool string, ok bool) {
	rest, found := strings.CutPrefix(id, "mcp.")
	if !found {
		return "", "", false
	}
	server, tool, found = strings.Cut(rest, ".")
	if !found || server == "" || tool == "" {
		return "", "", false
	}
	return server, tool, true
}

// toolDefs maps discovered tools into manifest entries under the server's
// mcp.<server> namespace.
func toolDefs(server string, tools []mcp.Tool) []wire.ToolDef {
	defs := make([]wire.ToolDef, 0, len(tools))
	for _, t := range tools {
		schema, err := json.Marshal(t.InputSchema)
		if err != nil {
			schema = json.RawMessage(`{"type":"object"}`)
		}
		defs = append(defs, wire.ToolDef{
			ID:          "mcp." + server + "." + t.Name,
			Description: t.Description,
			Schema:      schema,
			Category:    "mcp." + server,
		})
	}
	return defs
}
