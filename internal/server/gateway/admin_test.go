package gateway

import (
	"strings"
	"testing"

	"github.com/gorilla/websocket"

	"github.com/dotbot-sh/dotbot/internal/server/pipeline"
	"github.com/dotbot-sh/dotbot/pkg/wire"
)

func runAdminCommand(t *testing.T, conn *websocket.Conn, command string, args ...string) wire.AdminResponse {
	t.Helper()
	sendEnv(t, conn, wire.TypeAdmin, wire.Admin{RequestID: "a1", Command: command, Args: args})
	env := pump(t, conn, wire.TypeAdminResponse, nil)
	var resp wire.AdminResponse
	if err := env.Decode(&resp); err != nil {
		t.Fatalf("decode admin response: %v", err)
	}
	return resp
}

func TestAdminRequiresCapability(t *testing.T) {
	h := newTestHarness(t)
	conn := h.connect(t, nil) // no admin capability

	resp := runAdminCommand(t, conn, "status")
	if resp.Error != "this device does not have the admin capability" {
		t.Fatalf("error = %q", resp.Error)
	}
	if resp.Output != "" {
		t.Fatalf("output = %q, want none", resp.Output)
	}
}

func TestAdminStatus(t *testing.T) {
	h := newTestHarness(t)
	conn := h.connect(t, nil, "admin")

	resp := runAdminCommand(t, conn, "status")
	if resp.Error != "" {
		t.Fatalf("error = %q", resp.Error)
	}
	if !strings.Contains(resp.Output, "connected devices: 1") {
		t.Fatalf("output = %q", resp.Output)
	}
	if !strings.Contains(resp.Output, "tasks in flight: 0") {
		t.Fatalf("output = %q", resp.Output)
	}
}

func TestAdminInviteLifecycle(t *testing.T) {
	h := newTestHarness(t)
	conn := h.connect(t, nil, "admin")

	created := runAdminCommand(t, conn, "invite", "phone", "2", "3")
	if created.Error != "" {
		t.Fatalf("invite error = %q", created.Error)
	}
	token := strings.SplitN(created.Output, "\n", 2)[0]
	if !strings.HasPrefix(token, "dbot-") {
		t.Fatalf("token = %q", token)
	}
	if !strings.Contains(created.Output, "max uses 2") {
		t.Fatalf("output = %q", created.Output)
	}

	listed := runAdminCommand(t, conn, "invites")
	if !strings.Contains(listed.Output, token) || !strings.Contains(listed.Output, "uses 0/2") {
		t.Fatalf("invites = %q", listed.Output)
	}

	revoked := runAdminCommand(t, conn, "revoke-invite", token)
	if revoked.Output != "invite revoked" {
		t.Fatalf("revoke output = %q, error = %q", revoked.Output, revoked.Error)
	}

	listed = runAdminCommand(t, conn, "invites")
	if !strings.Contains(listed.Output, "revoked") {
		t.Fatalf("invites after revoke = %q", listed.Output)
	}
}

func TestAdminDevicesListsRegistrations(t *testing.T) {
	h := newTestHarness(t)
	conn := h.connect(t, nil, "admin")

	resp := runAdminCommand(t, conn, "devices")
	if resp.Error != "" {
		t.Fatalf("error = %q", resp.Error)
	}
	if !strings.Contains(resp.Output, "laptop") || !strings.Contains(resp.Output, "active") {
		t.Fatalf("devices = %q", resp.Output)
	}
}

func TestAdminRevokeUsage(t *testing.T) {
	h := newTestHarness(t)
	conn := h.connect(t, nil, "admin")

	resp := runAdminCommand(t, conn, "revoke")
	if !strings.Contains(resp.Error, "usage: revoke") {
		t.Fatalf("error = %q", resp.Error)
	}
}

func TestAdminTimeline(t *testing.T) {
	h := newTestHarness(t)
	conn := h.connect(t, nil, "admin")

	resp := runAdminCommand(t, conn, "timeline")
	if !strings.Contains(resp.Error, "usage: timeline") {
		t.Fatalf("error = %q", resp.Error)
	}

	resp = runAdminCommand(t, conn, "timeline", "t-404")
	if resp.Output != "no events recorded for task t-404" {
		t.Fatalf("output = %q, error = %q", resp.Output, resp.Error)
	}

	h.gw.recordRunLog("dev-1", "t-1", pipeline.RunLogEntry{Event: "task_started", Detail: "research"})
	h.gw.recordRunLog("dev-1", "t-1", pipeline.RunLogEntry{Event: "task_completed"})

	resp = runAdminCommand(t, conn, "timeline", "t-1")
	if resp.Error != "" {
		t.Fatalf("error = %q", resp.Error)
	}
	lines := strings.Split(resp.Output, "\n")
	if len(lines) != 2 {
		t.Fatalf("timeline = %q, want 2 lines", resp.Output)
	}
	if !strings.Contains(lines[0], "task.start") || !strings.Contains(lines[1], "task.end") {
		t.Fatalf("timeline = %q", resp.Output)
	}
}

func TestAdminUnknownCommand(t *testing.T) {
	h := newTestHarness(t)
	conn := h.connect(t, nil, "admin")

	resp := runAdminCommand(t, conn, "frobnicate")
	if !strings.Contains(resp.Error, `unknown command "frobnicate"`) {
		t.Fatalf("error = %q", resp.Error)
	}
}
