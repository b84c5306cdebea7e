package gateway

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dotbot-sh/dotbot/pkg/wire"
)

const adminTimeout = 30 * time.Second

// handleAdmin serves operator commands from the client CLI. Invite
// management lives here because invites are generated from an
// admin-privileged device, never over an unauthenticated surface.
func (s *Session) handleAdmin(env *wire.Envelope) {
	var req wire.Admin
	if err := env.Decode(&req); err != nil {
		s.log.Warn("bad admin payload", "error", err)
		return
	}
	resp := wire.AdminResponse{RequestID: req.RequestID}
	if !s.hasCapability("admin") {
		resp.Error = "this device does not have the admin capability"
		_ = s.enqueue(wire.MustNew(wire.TypeAdminResponse, resp))
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, adminTimeout)
	defer cancel()
	out, err := s.runAdmin(ctx, req.Command, req.Args)
	if err != nil {
		resp.Error = err.Error()
	} else {
		resp.Output = out
	}
	s.log.Info("admin command", "command", req.Command, "ok", err == nil)
	_ = s.enqueue(wire.MustNew(wire.TypeAdminResponse, resp))
}

func (s *Session) runAdmin(ctx context.Context, command string, args []string) (string, error) {
	switch command {
	case "status":
		return s.adminStatus(), nil
	case "timeline":
		if len(args) != 1 {
			return "", fmt.Errorf("usage: timeline <task-id>")
		}
		lines, err := s.gw.events.TaskTimeline(args[0])
		if err != nil {
			return "", err
		}
		if len(lines) == 0 {
			return "no events recorded for task " + args[0], nil
		}
		return strings.Join(lines, "\n"), nil
	case "devices":
		return s.adminDevices(ctx)
	case "invites":
		return s.adminInvites(ctx)
	case "invite":
		return s.adminCreateInvite(ctx, args)
	case "revoke":
		if len(args) != 1 {
			return "", fmt.Errorf("usage: revoke <device-id>")
		}
		if err := s.gw.devices.Revoke(ctx, args[0]); err != nil {
			return "", err
		}
		return "device " + args[0] + " revoked", nil
	case "revoke-invite":
		if len(args) != 1 {
			return "", fmt.Errorf("usage: revoke-invite <token>")
		}
		if err := s.gw.devices.RevokeInvite(ctx, args[0]); err != nil {
			return "", err
		}
		return "invite revoked", nil
	default:
		return "", fmt.Errorf("unknown command %q (try: status, timeline, devices, invites, invite, revoke, revoke-invite)", command)
	}
}

func (s *Session) adminStatus() string {
	s.gw.mu.Lock()
	connected := make([]string, 0, len(s.gw.active))
	for _, sess := range s.gw.active {
		connected = append(connected, fmt.Sprintf("%s (%s)", sess.name, sess.platform))
	}
	s.gw.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "connected devices: %d\n", len(connected))
	for _, line := range connected {
		fmt.Fprintf(&b, "  %s\n", line)
	}
	inflight := s.tasks.InFlight()
	fmt.Fprintf(&b, "tasks in flight: %d\n", len(inflight))
	for _, task := range inflight {
		prompt := task.Prompt
		if len(prompt) > 60 {
			prompt = prompt[:60] + "…"
		}
		fmt.Fprintf(&b, "  %s  %s  agents=%d\n", task.ID, prompt, len(task.AgentIDs))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (s *Session) adminDevices(ctx context.Context) (string, error) {
	list, err := s.gw.devices.ListDevices(ctx)
	if err != nil {
		return "", err
	}
	if len(list) == 0 {
		return "no devices registered", nil
	}
	var b strings.Builder
	for _, d := range list {
		state := "active"
		if d.Revoked {
			state = "revoked"
		}
		fmt.Fprintf(&b, "%s  %-20s  %-10s  %s  registered %s\n",
			d.ID, d.Label, d.Platform, state, d.RegisteredAt.Format("2006-01-02"))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (s *Session) adminInvites(ctx context.Context) (string, error) {
	list, err := s.gw.devices.ListInvites(ctx)
	if err != nil {
		return "", err
	}
	if len(list) == 0 {
		return "no open invites", nil
	}
	var b strings.Builder
	for _, inv := range list {
		state := "open"
		switch {
		case inv.Revoked:
			state = "revoked"
		case inv.Uses >= inv.MaxUses:
			state = "consumed"
		case time.Now().After(inv.ExpiresAt):
			state = "expired"
		}
		fmt.Fprintf(&b, "%s  %-20s  uses %d/%d  %s  expires %s\n",
			inv.Token, inv.Label, inv.Uses, inv.MaxUses, state, inv.ExpiresAt.Format("2006-01-02"))
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

func (s *Session) adminCreateInvite(ctx context.Context, args []string) (string, error) {
	label := "invite"
	maxUses, expiryDays := 1, 7
	if len(args) > 0 {
		label = args[0]
	}
	if len(args) > 1 {
		n, err := strconv.Atoi(args[1])
		if err != nil {
			return "", fmt.Errorf("max uses: %w", err)
		}
		maxUses = n
	}
	if len(args) > 2 {
		n, err := strconv.Atoi(args[2])
		if err != nil {
			return "", fmt.Errorf("expiry days: %w", err)
		}
		expiryDays = n
	}
	inv, err := s.gw.devices.CreateInvite(ctx, label, maxUses, expiryDays)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s\nexpires %s, max uses %d", inv.Token, inv.ExpiresAt.Format(time.RFC3339), inv.MaxUses), nil
}
