// Package channel maintains the persistent envelope channel between the
// local agent and the dotbot server: dial, register or authenticate,
// dispatch inbound envelopes by kind, keep the connection alive, and
// reconnect with backoff when it drops.
package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/dotbot-sh/dotbot/internal/client/identity"
	"github.com/dotbot-sh/dotbot/pkg/wire"
)

const (
	dialTimeout    = 15 * time.Second
	handshakeWait  = 10 * time.Second
	keepaliveEvery = 30 * time.Second
	wsReadWait     = 90 * time.Second
	wsWriteWait    = 10 * time.Second
	callTimeout    = 2 * time.Minute
	restartAckWait = 3 * time.Second
	sendBufferSize = 64
	breakerWindow  = time.Hour
	maxAttempts    = 50
)

var (
	// ErrNotConnected is returned by Send when no session is up.
	ErrNotConnected = errors.New("channel: not connected")

	// ErrAuthRejected marks a fatal authentication failure. The process
	// exits permanently; a supervisor must not restart it.
	ErrAuthRejected = errors.New("authentication rejected")

	// ErrBreakerTripped means the connection has been failing for over an
	// hour. The process exits permanently.
	ErrBreakerTripped = errors.New("connection failing for over an hour")

	// ErrTooManyAttempts means the reconnect counter passed its cap before
	// the breaker window elapsed. The launcher should restart the process to
	// shed any stale internal state.
	ErrTooManyAttempts = errors.New("too many reconnect attempts")

	// ErrRestartRequested means a tool asked for a restart. The launcher
	// should start a fresh process.
	ErrRestartRequested = errors.New("restart requested")
)

// ExitCode maps a Run error to the daemon's exit-code contract: 0 for a
// clean shutdown, 42 when the launcher should restart the process, 1 for
// permanent failures.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case errors.Is(err, ErrTooManyAttempts), errors.Is(err, ErrRestartRequested):
		return 42
	default:
		return 1
	}
}

// Handler processes one inbound envelope. Handlers run on the read loop;
// anything that blocks or does I/O must spawn its own goroutine and answer
// through Send.
type Handler func(ctx context.Context, env *wire.Envelope)

// Config wires a Client to its surroundings.
type Config struct {
	// ServerURL is the normalized channel endpoint (ws:// or wss://).
	ServerURL string

	// Credential is the stored device identity, or nil when this device has
	// not registered yet.
	Credential *identity.Credential

	// InviteToken redeems a registration when Credential is nil.
	InviteToken string

	// Fingerprint is the hardware fingerprint presented on every register
	// and auth envelope.
	Fingerprint string

	// DeviceName is the human label for this device.
	DeviceName string

	// Platform defaults to the running OS.
	Platform string

	// TempDir is advertised to the server for asset exchange.
	TempDir string

	// Capabilities and Tools form the manifest declared at auth time.
	Capabilities []string
	Tools        []wire.ToolDef

	// OnRegistered persists a freshly issued credential and removes the
	// consumed invite token. A persist failure aborts the session: losing
	// the credential would strand the invite.
	OnRegistered func(cred *identity.Credential) error

	// OnAuthenticated runs in its own goroutine after every successful
	// auth; the restart queue replay and format-fix offers live here.
	OnAuthenticated func(ctx context.Context)

	// OnActivity fires for every inbound envelope except ping, pong, and
	// the auth family. Feeds idle tracking.
	OnActivity func()

	// OnRestart receives the prompts that were in flight when the restart
	// handshake completed, so they can be queued for resubmission.
	OnRestart func(prompts []string)

	Log *slog.Logger
}

// Client is the local agent's end of the channel.
type Client struct {
	cfg  Config
	log  *slog.Logger
	cred *identity.Credential

	mu       sync.Mutex
	handlers map[wire.Type]Handler
	pending  map[string]chan *wire.Envelope
	outbound chan *wire.Envelope

	restartOnce sync.Once
	restartCh   chan struct{}
}

// New builds a Client. Register handlers before calling Run.
func New(cfg Config) (*Client, error) {
	if cfg.ServerURL == "" {
		return nil, errors.New("channel: server URL is required")
	}
	if cfg.Fingerprint == "" {
		return nil, errors.New("channel: fingerprint is required")
	}
	if cfg.Platform == "" {
		cfg.Platform = runtime.GOOS
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		cfg:       cfg,
		log:       log.With("component", "channel"),
		cred:      cfg.Credential,
		handlers:  make(map[wire.Type]Handler),
		pending:   make(map[string]chan *wire.Envelope),
		restartCh: make(chan struct{}),
	}, nil
}

// Handle registers the handler for one envelope kind.
func (c *Client) Handle(kind wire.Type, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[kind] = h
}

// Connected reports whether a session is currently up.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outbound != nil
}

// Send enqueues an envelope on the single-writer outbound pump. It never
// blocks; a full queue or a closed session returns an error.
func (c *Client) Send(env *wire.Envelope) error {
	c.mu.Lock()
	outbound := c.outbound
	c.mu.Unlock()
	if outbound == nil {
		return ErrNotConnected
	}
	select {
	case outbound <- env:
		return nil
	default:
		return fmt.Errorf("channel: outbound queue full, dropping %s", env.Type)
	}
}

// Call sends a request envelope and awaits the response carrying the same
// correlation id. A timeout resolves to (nil, nil) — "no answer, move on" —
// rather than an error.
func (c *Client) Call(ctx context.Context, env *wire.Envelope, requestID string) (*wire.Envelope, error) {
	return c.CallTimeout(ctx, env, requestID, callTimeout)
}

// CallTimeout is Call with an explicit response ceiling.
func (c *Client) CallTimeout(ctx context.Context, env *wire.Envelope, requestID string, timeout time.Duration) (*wire.Envelope, error) {
	if requestID == "" {
		return nil, errors.New("channel: call without a request id")
	}

	ch := make(chan *wire.Envelope, 1)
	c.mu.Lock()
	c.pending[requestID] = ch
	c.mu.Unlock()

	if err := c.Send(env); err != nil {
		c.forget(requestID)
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-ch:
		return reply, nil
	case <-timer.C:
		c.forget(requestID)
		return nil, nil
	case <-ctx.Done():
		c.forget(requestID)
		return nil, ctx.Err()
	}
}

// RequestRestart begins the restart handshake: cancel in-flight server work,
// persist the returned prompts, and make Run return ErrRestartRequested.
// Safe to call from any goroutine, including envelope handlers.
func (c *Client) RequestRestart() {
	c.restartOnce.Do(func() { close(c.restartCh) })
}

func (c *Client) forget(requestID string) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.mu.Unlock()
}

// resolve completes the pending call for a response envelope. Responses with
// no pending entry are dropped without comment.
func (c *Client) resolve(env *wire.Envelope) {
	var probe struct {
		RequestID string `json:"request_id"`
	}
	if err := env.Decode(&probe); err != nil || probe.RequestID == "" {
		return
	}

	c.mu.Lock()
	ch, ok := c.pending[probe.RequestID]
	if ok {
		delete(c.pending, probe.RequestID)
	}
	c.mu.Unlock()
	if ok {
		ch <- env
	}
}

// failPending resolves every outstanding call to "no answer" when the
// session drops, so callers move on instead of waiting out their timeouts.
func (c *Client) failPending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		ch <- nil
	}
}

func (c *Client) notifyActivity() {
	if c.cfg.OnActivity != nil {
		c.cfg.OnActivity()
	}
}
