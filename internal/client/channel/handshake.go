package channel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/dotbot-sh/dotbot/internal/backoff"
	"github.com/dotbot-sh/dotbot/internal/client/identity"
	"github.com/dotbot-sh/dotbot/pkg/wire"
)

// AuthError is a fatal authentication failure. It carries user-facing
// remediation steps; the daemon prints them and exits permanently.
type AuthError struct {
	Reason  wire.AuthFailReason
	Message string
}

func (e *AuthError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("authentication rejected (%s): %s", e.Reason, e.Message)
	}
	return fmt.Sprintf("authentication rejected (%s)", e.Reason)
}

func (e *AuthError) Unwrap() error { return ErrAuthRejected }

// Remediation returns the steps a user can take for this specific failure.
func (e *AuthError) Remediation() []string {
	switch e.Reason {
	case wire.ReasonInvalidToken:
		return []string{
			"Check DOTBOT_INVITE_TOKEN in ~/.bot/.env for typos.",
			"Ask your server admin for a fresh invite token if the value looks right.",
		}
	case wire.ReasonTokenExpired:
		return []string{
			"This invite token has expired.",
			"Ask your server admin to create a new invite and update DOTBOT_INVITE_TOKEN in ~/.bot/.env.",
		}
	case wire.ReasonTokenConsumed:
		return []string{
			"This invite token was already redeemed by another device.",
			"Ask your server admin to create a new invite and update DOTBOT_INVITE_TOKEN in ~/.bot/.env.",
		}
	case wire.ReasonTokenRevoked:
		return []string{
			"This invite token was revoked.",
			"Ask your server admin to create a new invite and update DOTBOT_INVITE_TOKEN in ~/.bot/.env.",
		}
	case wire.ReasonInvalidCredentials:
		return []string{
			"The stored device credential was not accepted by the server.",
			"Delete ~/.bot/device.json.",
			"Set a fresh DOTBOT_INVITE_TOKEN in ~/.bot/.env and start again to re-register.",
		}
	case wire.ReasonDeviceRevoked:
		return []string{
			"This device was revoked on the server.",
			"Ask your server admin to create a new invite if the revocation was a mistake.",
			"Delete ~/.bot/device.json, set DOTBOT_INVITE_TOKEN in ~/.bot/.env, and start again.",
		}
	case wire.ReasonFingerprintMismatch:
		return []string{
			"The stored credential was issued to different hardware.",
			"If this machine replaced the old one, ask your server admin to revoke the old device and create a new invite.",
			"Delete ~/.bot/device.json, set DOTBOT_INVITE_TOKEN in ~/.bot/.env, and start again.",
		}
	case wire.ReasonRateLimited:
		return []string{
			"Too many failed authentication attempts from this address.",
			"Wait 15 minutes before starting again.",
		}
	default:
		return []string{
			"Ask your server admin to check the server logs for this device.",
		}
	}
}

// Run connects and serves the channel until the context is cancelled,
// reconnecting with exponential backoff after transport failures. It returns
// nil on graceful shutdown and a sentinel-wrapped error when the process
// must exit: see ExitCode.
func (c *Client) Run(ctx context.Context) error {
	policy := backoff.ReconnectPolicy()
	attempt := 0
	var firstFailure time.Time

	for {
		if ctx.Err() != nil {
			return nil
		}
		select {
		case <-c.restartCh:
			return ErrRestartRequested
		default:
		}

		authed, err := c.runOnce(ctx)

		select {
		case <-c.restartCh:
			return ErrRestartRequested
		default:
		}
		if ctx.Err() != nil {
			return nil
		}

		var authErr *AuthError
		if errors.As(err, &authErr) {
			return err
		}
		if errors.Is(err, ErrAuthRejected) {
			return err
		}

		if authed {
			// A successful authenticated session ended; the failure streak
			// starts over.
			attempt = 0
			firstFailure = time.Time{}
		}
		attempt++
		if firstFailure.IsZero() {
			firstFailure = time.Now()
		}

		if time.Since(firstFailure) > breakerWindow {
			c.log.Error("channel has been failing for over an hour, giving up",
				"attempts", attempt,
				"since", firstFailure.Format(time.RFC3339))
			return ErrBreakerTripped
		}
		if attempt > maxAttempts {
			c.log.Warn("reconnect attempt cap reached, requesting a process restart",
				"attempts", attempt)
			return ErrTooManyAttempts
		}

		delay := backoff.Compute(policy, attempt)
		if err != nil {
			c.log.Info("channel lost, reconnecting",
				"attempt", attempt,
				"delay", delay,
				"error", err)
		} else {
			c.log.Info("channel closed, reconnecting",
				"attempt", attempt,
				"delay", delay)
		}
		if backoff.SleepWithContext(ctx, delay) != nil {
			return nil
		}
	}
}

// runOnce dials, completes the handshake, and serves one session until the
// connection drops. authed reports whether authentication succeeded, which
// resets the reconnect streak.
func (c *Client) runOnce(ctx context.Context) (authed bool, err error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, c.cfg.ServerURL, nil)
	cancel()
	if err != nil {
		return false, fmt.Errorf("dial %s: %w", c.cfg.ServerURL, err)
	}
	defer conn.Close()

	if c.cred == nil {
		if err := c.register(conn); err != nil {
			return false, err
		}
	}
	if err := c.authenticate(conn); err != nil {
		return false, err
	}

	c.log.Info("channel established",
		"server", c.cfg.ServerURL,
		"device_id", c.cred.DeviceID)

	return true, c.serve(ctx, conn)
}

// register redeems the invite token for a device credential on a fresh
// machine and persists it before authenticating on the same connection.
func (c *Client) register(conn *websocket.Conn) error {
	if c.cfg.InviteToken == "" {
		return &AuthError{
			Reason:  wire.ReasonInvalidToken,
			Message: "no device credential and no DOTBOT_INVITE_TOKEN set",
		}
	}

	env, err := wire.New(wire.TypeRegisterDevice, wire.RegisterDevice{
		InviteToken:  c.cfg.InviteToken,
		Label:        c.cfg.DeviceName,
		Fingerprint:  c.cfg.Fingerprint,
		Capabilities: c.cfg.Capabilities,
		Tools:        c.cfg.Tools,
		TempDir:      c.cfg.TempDir,
		Platform:     c.cfg.Platform,
	})
	if err != nil {
		return err
	}
	if err := writeEnvelope(conn, env); err != nil {
		return fmt.Errorf("send registration: %w", err)
	}

	reply, err := readEnvelope(conn, handshakeWait)
	if err != nil {
		return fmt.Errorf("await registration result: %w", err)
	}
	switch reply.Type {
	case wire.TypeDeviceRegistered:
		var issued wire.DeviceRegistered
		if err := reply.Decode(&issued); err != nil {
			return fmt.Errorf("decode registration result: %w", err)
		}
		cred := &identity.Credential{
			DeviceID:     issued.DeviceID,
			DeviceSecret: issued.DeviceSecret,
			ServerURL:    c.cfg.ServerURL,
			Label:        c.cfg.DeviceName,
			RegisteredAt: time.Now().UTC(),
		}
		if c.cfg.OnRegistered != nil {
			if err := c.cfg.OnRegistered(cred); err != nil {
				// Without the persisted credential the redeemed invite is
				// lost, so this cannot be retried.
				return fmt.Errorf("%w: persist device credential: %v", ErrAuthRejected, err)
			}
		}
		c.cred = cred
		c.log.Info("device registered", "device_id", cred.DeviceID)
		return nil
	case wire.TypeAuthFailed:
		return authFailure(reply)
	default:
		return fmt.Errorf("unexpected %s envelope during registration", reply.Type)
	}
}

// authenticate presents the stored credential plus the device manifest and
// waits for the server's verdict.
func (c *Client) authenticate(conn *websocket.Conn) error {
	env, err := wire.New(wire.TypeAuth, wire.Auth{
		DeviceID:     c.cred.DeviceID,
		DeviceSecret: c.cred.DeviceSecret,
		Fingerprint:  c.cfg.Fingerprint,
		DeviceName:   c.cfg.DeviceName,
		Platform:     c.cfg.Platform,
		TempDir:      c.cfg.TempDir,
		Capabilities: c.cfg.Capabilities,
		Tools:        c.cfg.Tools,
	})
	if err != nil {
		return err
	}
	if err := writeEnvelope(conn, env); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}

	reply, err := readEnvelope(conn, handshakeWait)
	if err != nil {
		return fmt.Errorf("await auth result: %w", err)
	}
	switch reply.Type {
	case wire.TypeAuth:
		var result wire.AuthResult
		if err := reply.Decode(&result); err != nil {
			return fmt.Errorf("decode auth result: %w", err)
		}
		if !result.Success {
			return &AuthError{Reason: wire.ReasonInvalidCredentials, Message: "server declined the session"}
		}
		return nil
	case wire.TypeAuthFailed:
		return authFailure(reply)
	default:
		return fmt.Errorf("unexpected %s envelope during auth", reply.Type)
	}
}

func authFailure(env *wire.Envelope) error {
	var failed wire.AuthFailed
	if err := env.Decode(&failed); err != nil {
		return &AuthError{Reason: wire.ReasonInvalidCredentials, Message: "unreadable auth_failed payload"}
	}
	return &AuthError{Reason: failed.Reason, Message: failed.Message}
}

// restartHandshake asks the server to cancel in-flight work for this device,
// waits briefly for the ack, and hands the returned prompts to OnRestart.
// It proceeds on timeout: a restart must not hang on a slow server.
func (c *Client) restartHandshake(ctx context.Context) {
	reqID := uuid.NewString()
	env, err := wire.New(wire.TypeCancelBeforeRestart, wire.CancelBeforeRestart{RequestID: reqID})

	var prompts []string
	if err == nil {
		reply, callErr := c.CallTimeout(ctx, env, reqID, restartAckWait)
		if callErr == nil && reply != nil {
			var ack wire.CancelBeforeRestartAck
			if reply.Decode(&ack) == nil {
				prompts = ack.Prompts
			}
		}
	}

	c.log.Info("restart handshake complete", "queued_prompts", len(prompts))
	if c.cfg.OnRestart != nil {
		c.cfg.OnRestart(prompts)
	}
}
