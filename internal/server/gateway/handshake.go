package gateway

import (
	"time"

	"github.com/dotbot-sh/dotbot/internal/server/devices"
	"github.com/dotbot-sh/dotbot/pkg/wire"
)

// handshake gates a fresh connection: the first envelope must be
// register_device or auth. Anything else is refused and the socket
// closed; the client treats every auth_failed reason as fatal.
func (s *Session) handshake(env *wire.Envelope) {
	switch env.Type {
	case wire.TypeRegisterDevice:
		s.handleRegister(env)
	case wire.TypeAuth:
		s.handleAuth(env)
	default:
		s.log.Warn("envelope before auth refused", "kind", env.Type)
		s.refuse(wire.ReasonInvalidCredentials, "authenticate before sending "+string(env.Type))
	}
}

// refuse sends an auth failure and schedules the close, leaving the
// pump a grace period to flush the frame.
func (s *Session) refuse(reason wire.AuthFailReason, msg string) {
	if s.gw.metrics != nil {
		s.gw.metrics.RecordError("gateway", string(reason))
	}
	_ = s.enqueue(wire.MustNew(wire.TypeAuthFailed, wire.AuthFailed{Reason: reason, Message: msg}))
	time.AfterFunc(closeGrace, s.shutdown)
}

func (s *Session) handleRegister(env *wire.Envelope) {
	var reg wire.RegisterDevice
	if err := env.Decode(&reg); err != nil {
		s.log.Warn("malformed registration", "error", err)
		s.refuse(wire.ReasonInvalidToken, "malformed registration payload")
		return
	}
	if !s.gw.authFails.Allow(s.remoteIP) {
		s.recordAuth("register", "rate_limited")
		s.refuse(wire.ReasonRateLimited, "too many attempts from this address, try again later")
		return
	}

	deviceID, secret, err := s.gw.devices.Register(s.ctx, reg.InviteToken, reg.Label, reg.Fingerprint, reg.Platform)
	if err != nil {
		s.gw.authFails.Record(s.remoteIP)
		reason := devices.FailReason(err)
		s.recordAuth("register", "failed")
		s.log.Warn("device registration rejected", "reason", reason, "label", reg.Label)
		s.refuse(reason, registerHelp(reason))
		return
	}

	s.recordAuth("register", "ok")
	s.log.Info("device registered", "device_id", deviceID, "label", reg.Label, "platform", reg.Platform)
	_ = s.enqueue(wire.MustNew(wire.TypeDeviceRegistered, wire.DeviceRegistered{
		DeviceID:     deviceID,
		DeviceSecret: secret,
	}))
	// The connection stays pre-auth: the client persists the pair and
	// follows up with an auth envelope inside the same deadline.
}

func (s *Session) handleAuth(env *wire.Envelope) {
	var auth wire.Auth
	if err := env.Decode(&auth); err != nil {
		s.log.Warn("malformed auth", "error", err)
		s.refuse(wire.ReasonInvalidCredentials, "malformed auth payload")
		return
	}
	if !s.gw.authFails.Allow(s.remoteIP) {
		s.recordAuth("auth", "rate_limited")
		s.refuse(wire.ReasonRateLimited, "too many attempts from this address, try again later")
		return
	}

	dev, err := s.gw.devices.Authenticate(s.ctx, auth.DeviceID, auth.DeviceSecret, auth.Fingerprint)
	if err != nil {
		s.gw.authFails.Record(s.remoteIP)
		reason := devices.FailReason(err)
		s.recordAuth("auth", "failed")
		s.log.Warn("auth rejected", "reason", reason, "device_id", auth.DeviceID)
		s.refuse(reason, authHelp(reason))
		return
	}

	s.adopt(dev.ID, dev.Label, auth)
	s.recordAuth("auth", "ok")
	_ = s.enqueue(wire.MustNew(wire.TypeAuth, wire.AuthResult{Success: true, UserID: s.userID}))
}

func (s *Session) recordAuth(kind, status string) {
	if s.gw.metrics != nil {
		s.gw.metrics.RecordAuthAttempt(kind, status)
	}
}

// registerHelp and authHelp are the one-line remediation hints carried
// in auth_failed. The client expands them into numbered steps.
func registerHelp(reason wire.AuthFailReason) string {
	switch reason {
	case wire.ReasonInvalidToken:
		return "the invite token is not recognized; ask for a fresh invite"
	case wire.ReasonTokenExpired:
		return "the invite token has expired; ask for a fresh invite"
	case wire.ReasonTokenConsumed:
		return "the invite token was already used; ask for a fresh invite"
	case wire.ReasonTokenRevoked:
		return "the invite token was revoked; ask for a fresh invite"
	default:
		return "registration failed"
	}
}

func authHelp(reason wire.AuthFailReason) string {
	switch reason {
	case wire.ReasonFingerprintMismatch:
		return "this credential was issued to different hardware; the device has been revoked"
	case wire.ReasonDeviceRevoked:
		return "this device has been revoked; register again with a fresh invite"
	case wire.ReasonInvalidCredentials:
		return "device id or secret not recognized"
	default:
		return "authentication failed"
	}
}
