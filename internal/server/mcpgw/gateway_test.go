package mcpgw

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/dotbot-sh/dotbot/internal/server/creds"
	"github.com/dotbot-sh/dotbot/pkg/wire"
)

type fakeMCPClient struct {
	mu      sync.Mutex
	tools   []mcp.Tool
	callRes *mcp.CallToolResult
	calls   []mcp.CallToolRequest
	pingErr error
	closed  bool
}

func (c *fakeMCPClient) Initialize(ctx context.Context, req mcp.InitializeRequest) (*mcp.InitializeResult, error) {
	return &mcp.InitializeResult{}, nil
}

func (c *fakeMCPClient) ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &mcp.ListToolsResult{Tools: c.tools}, nil
}

func (c *fakeMCPClient) CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, req)
	if c.callRes != nil {
		return c.callRes, nil
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "ok"}},
	}, nil
}

func (c *fakeMCPClient) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pingErr
}

func (c *fakeMCPClient) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeMCPClient) failPing(err error) {
	c.mu.Lock()
	c.pingErr = err
	c.mu.Unlock()
}

func (c *fakeMCPClient) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeMCPClient) lastCall() (mcp.CallToolRequest, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.calls) == 0 {
		return mcp.CallToolRequest{}, false
	}
	return c.calls[len(c.calls)-1], true
}

type dialRecord struct {
	server  string
	headers map[string]string
	env     []string
}

// fakeDialer spawns a fresh fakeMCPClient per dial and records every
// attempt. failures[name] makes that server's first n dials fail.
type fakeDialer struct {
	mu       sync.Mutex
	tools    map[string][]mcp.Tool
	failures map[string]int
	records  []dialRecord
	clients  []*fakeMCPClient
	dialed   chan string
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{
		tools:    make(map[string][]mcp.Tool),
		failures: make(map[string]int),
		dialed:   make(chan string, 32),
	}
}

func (d *fakeDialer) dial(ctx context.Context, cfg wire.MCPServerConfig, headers map[string]string, env []string) (mcpClient, error) {
	d.mu.Lock()
	h := make(map[string]string, len(headers))
	for k, v := range headers {
		h[k] = v
	}
	d.records = append(d.records, dialRecord{server: cfg.Name, headers: h, env: append([]string(nil), env...)})
	fail := d.failures[cfg.Name] > 0
	if fail {
		d.failures[cfg.Name]--
	}
	var cli *fakeMCPClient
	if !fail {
		cli = &fakeMCPClient{tools: d.tools[cfg.Name]}
		d.clients = append(d.clients, cli)
	}
	d.mu.Unlock()

	d.dialed <- cfg.Name
	if fail {
		return nil, errors.New("connection refused")
	}
	return cli, nil
}

func (d *fakeDialer) dialCount(server string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, r := range d.records {
		if r.server == server {
			n++
		}
	}
	return n
}

func (d *fakeDialer) lastRecord(t *testing.T, server string) dialRecord {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.records) - 1; i >= 0; i-- {
		if d.records[i].server == server {
			return d.records[i]
		}
	}
	t.Fatalf("no dial recorded for %s", server)
	return dialRecord{}
}

func (d *fakeDialer) lastClient(t *testing.T) *fakeMCPClient {
	t.Helper()
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.clients) == 0 {
		t.Fatal("no client was dialed")
	}
	return d.clients[len(d.clients)-1]
}

type toolPush struct {
	deviceID string
	tools    []wire.ToolDef
}

func newTestGateway(d *fakeDialer, cipher *creds.Cipher) (*Gateway, chan toolPush) {
	pushes := make(chan toolPush, 8)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	g := New(cipher, log, func(deviceID string, tools []wire.ToolDef) {
		pushes <- toolPush{deviceID: deviceID, tools: tools}
	})
	g.dial = d.dial
	g.debounce = 5 * time.Millisecond
	g.backoff = time.Millisecond
	g.reconnectWait = 15 * time.Millisecond
	g.keepalive = 5 * time.Millisecond
	return g, pushes
}

func awaitPush(t *testing.T, pushes chan toolPush) toolPush {
	t.Helper()
	select {
	case p := <-pushes:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a manifest push")
		return toolPush{}
	}
}

func awaitDial(t *testing.T, d *fakeDialer) string {
	t.Helper()
	select {
	case name := <-d.dialed:
		return name
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a dial")
		return ""
	}
}

func sseConfig(name string) wire.MCPServerConfig {
	return wire.MCPServerConfig{
		Name:      name,
		Transport: "sse",
		URL:       "https://" + name + ".example.com/sse",
	}
}

func linearTools() []mcp.Tool {
	return []mcp.Tool{
		{
			Name:        "list_issues",
			Description: "List issues in the workspace.",
			InputSchema: mcp.ToolInputSchema{
				Type:       "object",
				Properties: map[string]any{"team": map[string]any{"type": "string"}},
			},
		},
		{
			Name:        "create_issue",
			Description: "Create one issue.",
			InputSchema: mcp.ToolInputSchema{Type: "object"},
		},
	}
}

func TestApplyConnectsAndRegistersTools(t *testing.T) {
	d := newFakeDialer()
	d.tools["linear"] = linearTools()
	g, pushes := newTestGateway(d, nil)

	g.Apply("dev-1", "user-1", []wire.MCPServerConfig{sseConfig("linear")})

	push := awaitPush(t, pushes)
	if push.deviceID != "dev-1" {
		t.Fatalf("push device = %q, want dev-1", push.deviceID)
	}
	if len(push.tools) != 2 {
		t.Fatalf("got %d tools, want 2", len(push.tools))
	}
	if push.tools[0].ID != "mcp.linear.list_issues" {
		t.Errorf("tool id = %q, want mcp.linear.list_issues", push.tools[0].ID)
	}
	if push.tools[0].Category != "mcp.linear" {
		t.Errorf("category = %q, want mcp.linear", push.tools[0].Category)
	}
	if !strings.Contains(string(push.tools[0].Schema), `"team"`) {
		t.Errorf("schema %s does not carry the team property", push.tools[0].Schema)
	}
	if got := g.ServerStatus("dev-1", "linear"); got != StatusConnected {
		t.Errorf("status = %s, want connected", got)
	}
	if got := g.Tools("dev-1"); !reflect.DeepEqual(got, push.tools) {
		t.Errorf("Tools() = %+v, want the pushed set", got)
	}
}

func TestApplyDebounceCoalesces(t *testing.T) {
	d := newFakeDialer()
	g, pushes := newTestGateway(d, nil)

	g.Apply("dev-1", "user-1", []wire.MCPServerConfig{sseConfig("first")})
	g.Apply("dev-1", "user-1", []wire.MCPServerConfig{sseConfig("second")})
	g.Apply("dev-1", "user-1", []wire.MCPServerConfig{sseConfig("third")})

	if name := awaitDial(t, d); name != "third" {
		t.Fatalf("dialed %q, want third", name)
	}
	awaitPush(t, pushes)
	if n := d.dialCount("first") + d.dialCount("second"); n != 0 {
		t.Errorf("superseded configs dialed %d times, want 0", n)
	}
}

func TestConnectRetriesThenSucceeds(t *testing.T) {
	d := newFakeDialer()
	d.tools["flaky"] = linearTools()
	d.failures["flaky"] = 2
	g, pushes := newTestGateway(d, nil)

	g.Apply("dev-1", "user-1", []wire.MCPServerConfig{sseConfig("flaky")})

	push := awaitPush(t, pushes)
	if len(push.tools) != 2 {
		t.Fatalf("got %d tools after retries, want 2", len(push.tools))
	}
	if n := d.dialCount("flaky"); n != 3 {
		t.Errorf("dialed %d times, want 3", n)
	}
	if got := g.ServerStatus("dev-1", "flaky"); got != StatusConnected {
		t.Errorf("status = %s, want connected", got)
	}
}

func TestConnectGivesUp(t *testing.T) {
	d := newFakeDialer()
	d.failures["dead"] = 100
	g, pushes := newTestGateway(d, nil)

	g.Apply("dev-1", "user-1", []wire.MCPServerConfig{sseConfig("dead")})

	push := awaitPush(t, pushes)
	if len(push.tools) != 0 {
		t.Fatalf("got %d tools from a dead server, want 0", len(push.tools))
	}
	if n := d.dialCount("dead"); n != 3 {
		t.Errorf("dialed %d times, want 3 (one attempt plus two retries)", n)
	}
	if got := g.ServerStatus("dev-1", "dead"); got != StatusError {
		t.Errorf("status = %s, want error", got)
	}
}

func TestDropSchedulesOneReconnect(t *testing.T) {
	d := newFakeDialer()
	d.tools["linear"] = linearTools()
	g, pushes := newTestGateway(d, nil)

	g.Apply("dev-1", "user-1", []wire.MCPServerConfig{sseConfig("linear")})
	awaitDial(t, d)
	awaitPush(t, pushes)

	d.lastClient(t).failPing(errors.New("stream reset"))

	if name := awaitDial(t, d); name != "linear" {
		t.Fatalf("reconnect dialed %q, want linear", name)
	}
	push := awaitPush(t, pushes)
	if len(push.tools) != 2 {
		t.Fatalf("manifest after reconnect has %d tools, want 2", len(push.tools))
	}
	if got := g.ServerStatus("dev-1", "linear"); got != StatusConnected {
		t.Errorf("status = %s, want connected", got)
	}

	time.Sleep(5 * g.reconnectWait)
	if n := d.dialCount("linear"); n != 2 {
		t.Errorf("dialed %d times, want 2 (connect plus one reconnect)", n)
	}
}

func TestStaleDropHandlerIgnored(t *testing.T) {
	d := newFakeDialer()
	d.tools["alpha"] = linearTools()
	g, pushes := newTestGateway(d, nil)
	g.reconnectWait = 60 * time.Millisecond

	g.Apply("dev-1", "user-1", []wire.MCPServerConfig{sseConfig("alpha")})
	awaitDial(t, d)
	awaitPush(t, pushes)

	// Drop alpha, then replace the server set before the scheduled
	// reconnect fires. The reconnect must see the newer generation and
	// stand down.
	d.lastClient(t).failPing(errors.New("gone"))
	time.Sleep(10 * time.Millisecond)
	g.Apply("dev-1", "user-1", []wire.MCPServerConfig{sseConfig("beta")})

	if name := awaitDial(t, d); name != "beta" {
		t.Fatalf("dialed %q, want beta", name)
	}
	awaitPush(t, pushes)

	time.Sleep(3 * g.reconnectWait)
	if n := d.dialCount("alpha"); n != 1 {
		t.Errorf("alpha dialed %d times, want 1 (stale reconnect must not fire)", n)
	}
}

func TestDisconnectTearsDown(t *testing.T) {
	d := newFakeDialer()
	d.tools["linear"] = linearTools()
	g, pushes := newTestGateway(d, nil)

	g.Apply("dev-1", "user-1", []wire.MCPServerConfig{sseConfig("linear")})
	awaitDial(t, d)
	awaitPush(t, pushes)
	cli := d.lastClient(t)

	g.Disconnect("dev-1")

	if !cli.isClosed() {
		t.Error("client was not closed on disconnect")
	}
	if got := g.Tools("dev-1"); got != nil {
		t.Errorf("Tools after disconnect = %+v, want nil", got)
	}
	if got := g.ServerStatus("dev-1", "linear"); got != StatusDisconnected {
		t.Errorf("status = %s, want disconnected", got)
	}

	cli.failPing(errors.New("gone"))
	time.Sleep(4 * g.reconnectWait)
	if n := d.dialCount("linear"); n != 1 {
		t.Errorf("dialed %d times after disconnect, want 1", n)
	}
}

func TestDisconnectCancelsPendingApply(t *testing.T) {
	d := newFakeDialer()
	g, _ := newTestGateway(d, nil)

	g.Apply("dev-1", "user-1", []wire.MCPServerConfig{sseConfig("linear")})
	g.Disconnect("dev-1")

	time.Sleep(4 * g.debounce)
	if n := d.dialCount("linear"); n != 0 {
		t.Errorf("cancelled apply still dialed %d times", n)
	}
}

func TestCall(t *testing.T) {
	d := newFakeDialer()
	d.tools["linear"] = linearTools()
	g, pushes := newTestGateway(d, nil)

	g.Apply("dev-1", "user-1", []wire.MCPServerConfig{sseConfig("linear")})
	awaitPush(t, pushes)
	cli := d.lastClient(t)

	got, err := g.Call(context.Background(), "dev-1", "mcp.linear.list_issues", json.RawMessage(`{"team":"core"}`))
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got != "ok" {
		t.Errorf("result = %q, want ok", got)
	}

	call, found := cli.lastCall()
	if !found {
		t.Fatal("no call reached the client")
	}
	if call.Params.Name != "list_issues" {
		t.Errorf("called %q, want list_issues", call.Params.Name)
	}
	args, _ := call.Params.Arguments.(map[string]any)
	if args["team"] != "core" {
		t.Errorf("arguments = %v, want team=core", call.Params.Arguments)
	}
}

func TestCallErrors(t *testing.T) {
	d := newFakeDialer()
	d.tools["linear"] = linearTools()
	g, pushes := newTestGateway(d, nil)
	g.Apply("dev-1", "user-1", []wire.MCPServerConfig{sseConfig("linear")})
	awaitPush(t, pushes)

	ctx := context.Background()

	t.Run("malformed id", func(t *testing.T) {
		if _, err := g.Call(ctx, "dev-1", "linear.list_issues", nil); err == nil {
			t.Fatal("want error for an id without the mcp prefix")
		}
	})

	t.Run("unknown server", func(t *testing.T) {
		_, err := g.Call(ctx, "dev-1", "mcp.github.search", nil)
		if err == nil || !strings.Contains(err.Error(), `"github"`) {
			t.Fatalf("err = %v, want unknown server", err)
		}
	})

	t.Run("unknown device", func(t *testing.T) {
		if _, err := g.Call(ctx, "dev-9", "mcp.linear.list_issues", nil); err == nil {
			t.Fatal("want error for an unknown device")
		}
	})

	t.Run("tool error result", func(t *testing.T) {
		cli := d.lastClient(t)
		cli.mu.Lock()
		cli.callRes = &mcp.CallToolResult{
			IsError: true,
			Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "rate limited"}},
		}
		cli.mu.Unlock()
		_, err := g.Call(ctx, "dev-1", "mcp.linear.list_issues", nil)
		if err == nil || !strings.Contains(err.Error(), "rate limited") {
			t.Fatalf("err = %v, want the flattened tool error", err)
		}
	})

	t.Run("bad arguments json", func(t *testing.T) {
		if _, err := g.Call(ctx, "dev-1", "mcp.linear.list_issues", json.RawMessage("{")); err == nil {
			t.Fatal("want error for malformed arguments")
		}
	})
}

func testCipher(t *testing.T) *creds.Cipher {
	t.Helper()
	cipher, err := creds.NewCipher(bytes.Repeat([]byte{0x42}, 32))
	if err != nil {
		t.Fatalf("NewCipher: %v", err)
	}
	return cipher
}

func TestCredentialHeaderInjection(t *testing.T) {
	cipher := testCipher(t)
	blob, err := cipher.Encrypt("tok-123", "user-1", "linear.example.com")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	d := newFakeDialer()
	d.tools["linear"] = linearTools()
	g, pushes := newTestGateway(d, cipher)

	cfg := sseConfig("linear")
	cfg.CredentialKey = "linear-api"
	cfg.CredentialBlob = blob
	cfg.AuthPrefix = "Bearer "
	g.Apply("dev-1", "user-1", []wire.MCPServerConfig{cfg})
	awaitPush(t, pushes)

	rec := d.lastRecord(t, "linear")
	if got := rec.headers["Authorization"]; got != "Bearer tok-123" {
		t.Errorf("Authorization = %q, want the decrypted token with prefix", got)
	}
}

func TestCredentialCustomHeader(t *testing.T) {
	cipher := testCipher(t)
	blob, err := cipher.Encrypt("tok-456", "user-1", "api.example.com")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	d := newFakeDialer()
	g, pushes := newTestGateway(d, cipher)

	cfg := wire.MCPServerConfig{
		Name:           "api",
		Transport:      "http",
		URL:            "https://api.example.com/mcp",
		Headers:        map[string]string{"X-Client": "dotbot"},
		CredentialKey:  "api-key",
		CredentialBlob: blob,
		AuthHeader:     "X-Api-Key",
	}
	g.Apply("dev-1", "user-1", []wire.MCPServerConfig{cfg})
	awaitPush(t, pushes)

	rec := d.lastRecord(t, "api")
	if got := rec.headers["X-Api-Key"]; got != "tok-456" {
		t.Errorf("X-Api-Key = %q, want the bare decrypted token", got)
	}
	if got := rec.headers["X-Client"]; got != "dotbot" {
		t.Errorf("configured header X-Client = %q was dropped", got)
	}
}

func TestCredentialEnvInjectionForStdio(t *testing.T) {
	cipher := testCipher(t)
	blob, err := cipher.Encrypt("tok-999", "user-1", "files.local")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	d := newFakeDialer()
	g, pushes := newTestGateway(d, cipher)

	cfg := wire.MCPServerConfig{
		Name:           "files",
		Transport:      "stdio",
		Command:        "mcp-files",
		Env:            map[string]string{"HOME": "/home/bot"},
		CredentialKey:  "files-token",
		CredentialBlob: blob,
	}
	g.Apply("dev-1", "user-1", []wire.MCPServerConfig{cfg})
	awaitPush(t, pushes)

	rec := d.lastRecord(t, "files")
	want := []string{"HOME=/home/bot", "FILES_TOKEN=tok-999"}
	if !reflect.DeepEqual(rec.env, want) {
		t.Errorf("env = %v, want %v", rec.env, want)
	}
}

func TestCredentialDomainMismatch(t *testing.T) {
	cipher := testCipher(t)
	blob, err := cipher.Encrypt("tok-123", "user-1", "other.example.com")
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	d := newFakeDialer()
	g, pushes := newTestGateway(d, cipher)

	cfg := sseConfig("linear")
	cfg.CredentialKey = "linear-api"
	cfg.CredentialBlob = blob
	g.Apply("dev-1", "user-1", []wire.MCPServerConfig{cfg})

	push := awaitPush(t, pushes)
	if len(push.tools) != 0 {
		t.Fatalf("got %d tools despite the domain mismatch", len(push.tools))
	}
	if n := d.dialCount("linear"); n != 0 {
		t.Errorf("dialed %d times with an unusable credential, want 0", n)
	}
	if got := g.ServerStatus("dev-1", "linear"); got != StatusError {
		t.Errorf("status = %s, want error", got)
	}
}

func TestSplitToolID(t *testing.T) {
	tests := []struct {
		id     string
		server string
		tool   string
		ok     bool
	}{
		{"mcp.linear.create_issue", "linear", "create_issue", true},
		{"mcp.gmail.messages.list", "gmail", "messages.list", true},
		{"result.query", "", "", false},
		{"mcp.linear", "", "", false},
		{"mcp..tool", "", "", false},
		{"mcp.linear.", "", "", false},
	}
	for _, tt := range tests {
		server, tool, ok := splitToolID(tt.id)
		if server != tt.server || tool != tt.tool || ok != tt.ok {
			t.Errorf("splitToolID(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.id, server, tool, ok, tt.server, tt.tool, tt.ok)
		}
	}
}

func TestTransportKind(t *testing.T) {
	tests := []struct {
		cfg  wire.MCPServerConfig
		want string
	}{
		{wire.MCPServerConfig{Transport: "stdio", Command: "x"}, transportStdio},
		{wire.MCPServerConfig{Transport: "sse", URL: "https://a"}, transportSSE},
		{wire.MCPServerConfig{Transport: "http", URL: "https://a"}, transportHTTP},
		{wire.MCPServerConfig{Transport: "streamable-http", URL: "https://a"}, transportHTTP},
		{wire.MCPServerConfig{Command: "x"}, transportStdio},
		{wire.MCPServerConfig{URL: "https://a"}, transportHTTP},
	}
	for _, tt := range tests {
		if got := transportKind(tt.cfg); got != tt.want {
			t.Errorf("transportKind(%+v) = %q, want %q", tt.cfg, got, tt.want)
		}
	}
}

func TestEnvName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"linear-api", "LINEAR_API"},
		{"files.token", "FILES_TOKEN"},
		{"TOKEN", "TOKEN"},
		{"a b-c", "A_B_C"},
	}
	for _, tt := range tests {
		if got := envName(tt.in); got != tt.want {
			t.Errorf("envName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
