package mcpgw

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dotbot-sh/dotbot/pkg/wire"
)

const (
	transportStdio = "stdio"
	transportSSE   = "sse"
	transportHTTP  = "http"
)

// serverConn is one upstream MCP server connection. Its mutex covers only
// the mutable fields; dialing happens outside it.
type serverConn struct {
	deviceID   string
	generation int
	cfg        wire.MCPServerConfig

	mu           sync.Mutex
	client       mcpClient
	tools        []wire.ToolDef
	status       Status
	reconnecting bool
	closed       bool
	stopPing     context.CancelFunc
}

// adopt installs a freshly connected client. Returns false when the conn
// was torn down while the dial was in flight; the caller must close cli.
func (c *serverConn) adopt(cli mcpClient, tools []wire.ToolDef) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.client = cli
	c.tools = tools
	c.status = StatusConnected
	c.reconnecting = false
	return true
}

func (c *serverConn) done() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *serverConn) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

// teardown closes the connection and marks the conn dead so late dials and
// drop handlers become no-ops. Idempotent.
func (c *serverConn) teardown() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.status = StatusDisconnected
	cli := c.client
	c.client = nil
	stop := c.stopPing
	c.stopPing = nil
	c.mu.Unlock()

	if stop != nil {
		stop()
	}
	if cli != nil {
		cli.Close()
	}
}

// connect resolves credentials, then dials, initializes, and lists tools,
// retrying the whole sequence up to connectRetries extra times. Returns
// true once the conn is adopted and its keepalive is running.
func (g *Gateway) connect(conn *serverConn) bool {
	headers, env, err := g.credentials(conn.cfg)
	if err != nil {
		conn.setStatus(StatusError)
		g.log.Warn("mcp credential unavailable",
			"device_id", conn.deviceID, "server", conn.cfg.Name, "error", err)
		return false
	}

	var lastErr error
	for attempt := 0; attempt <= connectRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(g.backoff)
		}
		if conn.done() || !g.current(conn) {
			return false
		}
		cli, tools, err := g.dialOnce(conn.cfg, headers, env)
		if err != nil {
			lastErr = err
			continue
		}
		if !conn.adopt(cli, tools) {
			cli.Close()
			return false
		}
		g.startKeepalive(conn)
		g.log.Info("mcp server connected",
			"device_id", conn.deviceID, "server", conn.cfg.Name, "tools", len(tools))
		return true
	}

	conn.setStatus(StatusError)
	g.log.Warn("mcp server unreachable",
		"device_id", conn.deviceID, "server", conn.cfg.Name,
		"attempts", connectRetries+1, "error", lastErr)
	return false
}

// dialOnce performs one full connect: transport dial, protocol handshake,
// tool discovery.
func (g *Gateway) dialOnce(cfg wire.MCPServerConfig, headers map[string]string, env []string) (mcpClient, []wire.ToolDef, error) {
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()

	cli, err := g.dial(ctx, cfg, headers, env)
	if err != nil {
		return nil, nil, err
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	initReq.Params.ClientInfo = mcp.Implementation{Name: "dotbot-server", Version: "1.0.0"}
	if _, err := cli.Initialize(ctx, initReq); err != nil {
		cli.Close()
		return nil, nil, fmt.Errorf("initialize %s: %w", cfg.Name, err)
	}

	listed, err := cli.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		cli.Close()
		return nil, nil, fmt.Errorf("list tools on %s: %w", cfg.Name, err)
	}

	return cli, toolDefs(cfg.Name, listed.Tools), nil
}

// startKeepalive pings the server until cancelled. A failed ping is
// treated as a dropped connection.
func (g *Gateway) startKeepalive(conn *serverConn) {
	ctx, cancel := context.WithCancel(context.Background())
	conn.mu.Lock()
	if conn.closed || conn.client == nil {
		conn.mu.Unlock()
		cancel()
		return
	}
	if conn.stopPing != nil {
		conn.stopPing()
	}
	conn.stopPing = cancel
	cli := conn.client
	conn.mu.Unlock()

	go func() {
		ticker := time.NewTicker(g.keepalive)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				pingCtx, pingCancel := context.WithTimeout(ctx, 10*time.Second)
				err := cli.Ping(pingCtx)
				pingCancel()
				if err != nil {
					g.handleDrop(conn, err)
					return
				}
			}
		}
	}()
}

// handleDrop schedules a single reconnect after a live connection fails.
// The reconnecting flag suppresses repeat scheduling; handlers from a
// superseded config generation are ignored.
func (g *Gateway) handleDrop(conn *serverConn, cause error) {
	if !g.current(conn) {
		return
	}

	conn.mu.Lock()
	if conn.closed || conn.reconnecting {
		conn.mu.Unlock()
		return
	}
	conn.reconnecting = true
	conn.status = StatusError
	cli := conn.client
	conn.client = nil
	stop := conn.stopPing
	conn.stopPing = nil
	conn.mu.Unlock()

	if stop != nil {
		stop()
	}
	if cli != nil {
		cli.Close()
	}

	g.log.Warn("mcp connection lost",
		"device_id", conn.deviceID, "server", conn.cfg.Name, "error", cause)

	time.AfterFunc(g.reconnectWait, func() {
		if conn.done() || !g.current(conn) {
			return
		}
		conn.mu.Lock()
		conn.reconnecting = false
		conn.status = StatusConnecting
		conn.mu.Unlock()
		if g.connect(conn) {
			g.pushTools(conn.deviceID)
		}
	})
}

// credentials resolves the config's encrypted credential, if any, into
// connect-time headers (sse, http) or a subprocess environment entry
// (stdio). URL-bound blobs must match the server's hostname, the same
// check the credential proxy applies.
func (g *Gateway) credentials(cfg wire.MCPServerConfig) (map[string]string, []string, error) {
	headers := make(map[string]string, len(cfg.Headers)+1)
	for k, v := range cfg.Headers {
		headers[k] = v
	}
	env := envList(cfg.Env)

	if cfg.CredentialBlob == "" {
		return headers, env, nil
	}
	if g.cipher == nil {
		return nil, nil, fmt.Errorf("server %s requires credential %q but no cipher is configured", cfg.Name, cfg.CredentialKey)
	}

	plaintext, _, err := g.cipher.Decrypt(cfg.CredentialBlob, credentialDomain(cfg))
	if err != nil {
		return nil, nil, fmt.Errorf("decrypt credential %q: %w", cfg.CredentialKey, err)
	}

	if transportKind(cfg) == transportStdio {
		env = append(env, envName(cfg.CredentialKey)+"="+plaintext)
		return headers, env, nil
	}

	value := plaintext
	if cfg.AuthPrefix != "" {
		value = cfg.AuthPrefix + value
	}
	header := cfg.AuthHeader
	if header == "" {
		header = "Authorization"
	}
	headers[header] = value
	return headers, env, nil
}

// dialMCP builds a transport-specific mcp-go client. Stdio clients spawn
// their subprocess on construction; the HTTP transports need an explicit
// Start before the protocol handshake.
func dialMCP(ctx context.Context, cfg wire.MCPServerConfig, headers map[string]string, env []string) (mcpClient, error) {
	switch transportKind(cfg) {
	case transportStdio:
		if cfg.Command == "" {
			return nil, fmt.Errorf("stdio server %s has no command", cfg.Name)
		}
		return client.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
	case transportSSE:
		cli, err := client.NewSSEMCPClient(cfg.URL, transport.WithHeaders(headers))
		if err != nil {
			return nil, err
		}
		if err := cli.Start(ctx); err != nil {
			cli.Close()
			return nil, err
		}
		return cli, nil
	case transportHTTP:
		cli, err := client.NewStreamableHttpClient(cfg.URL, transport.WithHTTPHeaders(headers))
		if err != nil {
			return nil, err
		}
		if err := cli.Start(ctx); err != nil {
			cli.Close()
			return nil, err
		}
		return cli, nil
	default:
		return nil, fmt.Errorf("unsupported transport %q for server %s", cfg.Transport, cfg.Name)
	}
}

// transportKind normalizes the config's transport field. Configs without
// one are stdio when they carry a command, streamable HTTP otherwise.
func transportKind(cfg wire.MCPServerConfig) string {
	switch cfg.Transport {
	case transportStdio, transportSSE, transportHTTP:
		return cfg.Transport
	case "streamable-http", "streamable_http":
		return transportHTTP
	case "":
		if cfg.Command != "" {
			return transportStdio
		}
		return transportHTTP
	default:
		return cfg.Transport
	}
}

// credentialDomain is the hostname a URL-transport credential must be
// bound to. Stdio servers have no domain; their blobs skip the check.
func credentialDomain(cfg wire.MCPServerConfig) string {
	if cfg.URL == "" {
		return ""
	}
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// envList renders an env map into the sorted KEY=VALUE form the stdio
// transport expects.
func envList(env map[string]string) []string {
	if len(env) == 0 {
		return nil
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}

// envName converts a credential key like "linear-api" into LINEAR_API for
// the subprocess environment.
func envName(key string) string {
	out := make([]rune, 0, len(key))
	for _, r := range strings.ToUpper(key) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			out = append(out, r)
		} else {
			out = append(out, '_')
		}
	}
	return string(out)
}
