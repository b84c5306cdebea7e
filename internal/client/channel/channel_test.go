package channel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dotbot-sh/dotbot/internal/client/identity"
	"github.com/dotbot-sh/dotbot/pkg/wire"
)

// fakeServer accepts channel connections so tests can script the server's
// side of the conversation.
type fakeServer struct {
	srv   *httptest.Server
	url   string
	conns chan *websocket.Conn
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	f := &fakeServer{conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		f.conns <- conn
	}))
	t.Cleanup(f.srv.Close)
	f.url = "ws" + strings.TrimPrefix(f.srv.URL, "http")
	return f
}

func (f *fakeServer) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case conn := <-f.conns:
		t.Cleanup(func() { conn.Close() })
		return conn
	case <-time.After(5 * time.Second):
		t.Fatal("no connection arrived")
		return nil
	}
}

func sendEnv(t *testing.T, conn *websocket.Conn, kind wire.Type, payload any) {
	t.Helper()
	env, err := wire.New(kind, payload)
	if err != nil {
		t.Fatalf("build %s: %v", kind, err)
	}
	data, err := env.Encode()
	if err != nil {
		t.Fatalf("encode %s: %v", kind, err)
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("send %s: %v", kind, err)
	}
}

func readEnv(t *testing.T, conn *websocket.Conn) *wire.Envelope {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read envelope: %v", err)
	}
	env, err := wire.Parse(data)
	if err != nil {
		t.Fatalf("parse envelope: %v", err)
	}
	return env
}

// awaitKind reads until the wanted kind arrives, skipping keepalive pings.
func awaitKind(t *testing.T, conn *websocket.Conn, kind wire.Type) *wire.Envelope {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		env := readEnv(t, conn)
		if env.Type == kind {
			return env
		}
		if env.Type != wire.TypePing && env.Type != wire.TypePong {
			t.Fatalf("unexpected %s while waiting for %s", env.Type, kind)
		}
	}
	t.Fatalf("no %s envelope arrived", kind)
	return nil
}

func testCredential() *identity.Credential {
	return &identity.Credential{DeviceID: "dev-1", DeviceSecret: "secret-1"}
}

// acceptAuth plays the server's side of a credential handshake.
func acceptAuth(t *testing.T, conn *websocket.Conn, cred *identity.Credential) {
	t.Helper()
	env := readEnv(t, conn)
	if env.Type != wire.TypeAuth {
		t.Fatalf("first envelope = %s, want %s", env.Type, wire.TypeAuth)
	}
	var auth wire.Auth
	if err := env.Decode(&auth); err != nil {
		t.Fatalf("decode auth: %v", err)
	}
	if auth.DeviceID != cred.DeviceID || auth.DeviceSecret != cred.DeviceSecret {
		t.Fatalf("auth presented device %q, want %q", auth.DeviceID, cred.DeviceID)
	}
	sendEnv(t, conn, wire.TypeAuth, wire.AuthResult{Success: true})
}

func startClient(t *testing.T, cfg Config) (*Client, <-chan error, context.CancelFunc) {
	t.Helper()
	if cfg.Fingerprint == "" {
		cfg.Fingerprint = "fp-test"
	}
	c, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()
	return c, done, cancel
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(5 * time.Second):
		t.Fatal("client did not stop")
		return nil
	}
}

func TestRegistrationIssuesAndPersistsCredential(t *testing.T) {
	f := newFakeServer(t)

	persisted := make(chan *identity.Credential, 1)
	_, done, cancel := startClient(t, Config{
		ServerURL:   f.url,
		InviteToken: "tok-abc",
		DeviceName:  "laptop",
		OnRegistered: func(cred *identity.Credential) error {
			persisted <- cred
			return nil
		},
	})

	conn := f.accept(t)
	env := readEnv(t, conn)
	if env.Type != wire.TypeRegisterDevice {
		t.Fatalf("first envelope = %s, want %s", env.Type, wire.TypeRegisterDevice)
	}
	var reg wire.RegisterDevice
	if err := env.Decode(&reg); err != nil {
		t.Fatalf("decode register: %v", err)
	}
	if reg.InviteToken != "tok-abc" {
		t.Fatalf("invite token = %q, want tok-abc", reg.InviteToken)
	}
	if reg.Label != "laptop" {
		t.Fatalf("label = %q, want laptop", reg.Label)
	}
	if reg.Fingerprint == "" {
		t.Fatal("registration carried no fingerprint")
	}
	sendEnv(t, conn, wire.TypeDeviceRegistered, wire.DeviceRegistered{
		DeviceID:     "dev-new",
		DeviceSecret: "secret-new",
	})

	// Auth follows on the same connection with the issued pair.
	authEnv := readEnv(t, conn)
	if authEnv.Type != wire.TypeAuth {
		t.Fatalf("post-register envelope = %s, want %s", authEnv.Type, wire.TypeAuth)
	}
	var auth wire.Auth
	if err := authEnv.Decode(&auth); err != nil {
		t.Fatalf("decode auth: %v", err)
	}
	if auth.DeviceID != "dev-new" || auth.DeviceSecret != "secret-new" {
		t.Fatalf("auth presented %q/%q, want issued pair", auth.DeviceID, auth.DeviceSecret)
	}
	sendEnv(t, conn, wire.TypeAuth, wire.AuthResult{Success: true})

	select {
	case cred := <-persisted:
		if cred.DeviceID != "dev-new" || cred.DeviceSecret != "secret-new" {
			t.Fatalf("persisted %q/%q, want issued pair", cred.DeviceID, cred.DeviceSecret)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("credential was never persisted")
	}

	cancel()
	if err := waitDone(t, done); err != nil {
		t.Fatalf("Run after cancel = %v, want nil", err)
	}
}

func TestRegistrationWithoutTokenIsFatal(t *testing.T) {
	f := newFakeServer(t)
	_, done, _ := startClient(t, Config{ServerURL: f.url})

	err := waitDone(t, done)
	if !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("Run = %v, want ErrAuthRejected", err)
	}
	if ExitCode(err) != 1 {
		t.Fatalf("exit code = %d, want 1", ExitCode(err))
	}
}

func TestAuthFailureIsFatalWithRemediation(t *testing.T) {
	f := newFakeServer(t)
	_, done, _ := startClient(t, Config{
		ServerURL:  f.url,
		Credential: testCredential(),
	})

	conn := f.accept(t)
	readEnv(t, conn) // auth envelope
	sendEnv(t, conn, wire.TypeAuthFailed, wire.AuthFailed{
		Reason:  wire.ReasonDeviceRevoked,
		Message: "device revoked by admin",
	})

	err := waitDone(t, done)
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("Run = %v, want *AuthError", err)
	}
	if authErr.Reason != wire.ReasonDeviceRevoked {
		t.Fatalf("reason = %s, want %s", authErr.Reason, wire.ReasonDeviceRevoked)
	}
	if len(authErr.Remediation()) == 0 {
		t.Fatal("no remediation steps for revoked device")
	}
	if ExitCode(err) != 1 {
		t.Fatalf("exit code = %d, want 1", ExitCode(err))
	}
}

func TestCallResolvesMatchingResponse(t *testing.T) {
	f := newFakeServer(t)
	cred := testCredential()
	c, _, _ := startClient(t, Config{ServerURL: f.url, Credential: cred})

	conn := f.accept(t)
	acceptAuth(t, conn, cred)

	reqID := uuid.NewString()
	env := wire.MustNew(wire.TypeHeartbeat, wire.Heartbeat{RequestID: reqID, IdleMinutes: 3})

	got := make(chan *wire.Envelope, 1)
	go func() {
		reply, err := c.Call(context.Background(), env, reqID)
		if err != nil {
			t.Errorf("Call: %v", err)
		}
		got <- reply
	}()

	inbound := awaitKind(t, conn, wire.TypeHeartbeat)
	var hb wire.Heartbeat
	if err := inbound.Decode(&hb); err != nil {
		t.Fatalf("decode heartbeat: %v", err)
	}
	sendEnv(t, conn, wire.TypeHeartbeatResponse, wire.HeartbeatResponse{
		RequestID: hb.RequestID,
		Message:   "your 14:00 meeting starts soon",
	})

	select {
	case reply := <-got:
		if reply == nil {
			t.Fatal("call resolved to no answer")
		}
		var resp wire.HeartbeatResponse
		if err := reply.Decode(&resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if resp.Message == "" {
			t.Fatal("response lost its message")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("call never resolved")
	}
}

func TestCallTimeoutResolvesToNoAnswer(t *testing.T) {
	f := newFakeServer(t)
	cred := testCredential()
	c, _, _ := startClient(t, Config{ServerURL: f.url, Credential: cred})

	conn := f.accept(t)
	acceptAuth(t, conn, cred)

	reqID := uuid.NewString()
	env := wire.MustNew(wire.TypeHeartbeat, wire.Heartbeat{RequestID: reqID})
	reply, err := c.CallTimeout(context.Background(), env, reqID, 150*time.Millisecond)
	if err != nil {
		t.Fatalf("CallTimeout: %v", err)
	}
	if reply != nil {
		t.Fatalf("reply = %v, want nil on timeout", reply)
	}
}

func TestUnmatchedResponseIsDroppedSilently(t *testing.T) {
	f := newFakeServer(t)
	cred := testCredential()
	c, _, _ := startClient(t, Config{ServerURL: f.url, Credential: cred})

	notified := make(chan wire.UserNotification, 1)
	c.Handle(wire.TypeUserNotification, func(ctx context.Context, env *wire.Envelope) {
		var n wire.UserNotification
		if err := env.Decode(&n); err == nil {
			notified <- n
		}
	})

	conn := f.accept(t)
	acceptAuth(t, conn, cred)

	// A response nobody asked for must not wedge the loop.
	sendEnv(t, conn, wire.TypeHeartbeatResponse, wire.HeartbeatResponse{RequestID: "nobody-waits"})
	sendEnv(t, conn, wire.TypeUserNotification, wire.UserNotification{Message: "still alive"})

	select {
	case n := <-notified:
		if n.Message != "still alive" {
			t.Fatalf("notification = %q", n.Message)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("dispatch stopped after unmatched response")
	}
}

func TestActivityExcludesKeepalive(t *testing.T) {
	f := newFakeServer(t)
	cred := testCredential()
	var activity atomic.Int64
	c, _, _ := startClient(t, Config{
		ServerURL:  f.url,
		Credential: cred,
		OnActivity: func() { activity.Add(1) },
	})

	handled := make(chan struct{}, 1)
	c.Handle(wire.TypeUserNotification, func(ctx context.Context, env *wire.Envelope) {
		handled <- struct{}{}
	})

	conn := f.accept(t)
	acceptAuth(t, conn, cred)

	// A server ping earns a pong; the pong arriving proves the ping was
	// dispatched, and it must not have counted as activity.
	sendEnv(t, conn, wire.TypePing, struct{}{})
	awaitKind(t, conn, wire.TypePong)
	if n := activity.Load(); n != 0 {
		t.Fatalf("activity after ping = %d, want 0", n)
	}

	sendEnv(t, conn, wire.TypeUserNotification, wire.UserNotification{Message: "hello"})
	select {
	case <-handled:
	case <-time.After(5 * time.Second):
		t.Fatal("notification never dispatched")
	}
	if n := activity.Load(); n != 1 {
		t.Fatalf("activity after notification = %d, want 1", n)
	}
}

func TestRestartHandshakeCollectsPrompts(t *testing.T) {
	f := newFakeServer(t)
	cred := testCredential()

	queued := make(chan []string, 1)
	c, done, _ := startClient(t, Config{
		ServerURL:  f.url,
		Credential: cred,
		OnRestart:  func(prompts []string) { queued <- prompts },
	})

	conn := f.accept(t)
	acceptAuth(t, conn, cred)

	c.RequestRestart()

	env := awaitKind(t, conn, wire.TypeCancelBeforeRestart)
	var cancelReq wire.CancelBeforeRestart
	if err := env.Decode(&cancelReq); err != nil {
		t.Fatalf("decode cancel request: %v", err)
	}
	sendEnv(t, conn, wire.TypeCancelBeforeRestartAck, wire.CancelBeforeRestartAck{
		RequestID: cancelReq.RequestID,
		Cancelled: 1,
		Prompts:   []string{"finish the quarterly report"},
	})

	select {
	case prompts := <-queued:
		if len(prompts) != 1 || prompts[0] != "finish the quarterly report" {
			t.Fatalf("queued prompts = %v", prompts)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("restart callback never ran")
	}

	err := waitDone(t, done)
	if !errors.Is(err, ErrRestartRequested) {
		t.Fatalf("Run = %v, want ErrRestartRequested", err)
	}
	if ExitCode(err) != 42 {
		t.Fatalf("exit code = %d, want 42", ExitCode(err))
	}
}

func TestReconnectAfterServerDrop(t *testing.T) {
	if testing.Short() {
		t.Skip("reconnect test sleeps through the backoff delay")
	}
	f := newFakeServer(t)
	cred := testCredential()

	authed := make(chan struct{}, 4)
	_, done, cancel := startClient(t, Config{
		ServerURL:       f.url,
		Credential:      cred,
		OnAuthenticated: func(ctx context.Context) { authed <- struct{}{} },
	})

	first := f.accept(t)
	acceptAuth(t, first, cred)
	<-authed
	first.Close()

	// First reconnect attempt lands after the initial 2s backoff step.
	second := f.accept(t)
	acceptAuth(t, second, cred)
	select {
	case <-authed:
	case <-time.After(10 * time.Second):
		t.Fatal("client never re-authenticated")
	}

	cancel()
	if err := waitDone(t, done); err != nil {
		t.Fatalf("Run after cancel = %v, want nil", err)
	}
}

func TestExitCodeContract(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"clean shutdown", nil, 0},
		{"restart requested", ErrRestartRequested, 42},
		{"attempt cap", ErrTooManyAttempts, 42},
		{"breaker tripped", ErrBreakerTripped, 1},
		{"auth rejected", &AuthError{Reason: wire.ReasonInvalidToken}, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExitCode(tc.err); got != tc.want {
				t.Fatalf("ExitCode(%v) = %d, want %d", tc.err, got, tc.want)
			}
		})
	}
}
