package main

import (
	"strings"
	"testing"
	"time"

	"github.com/dotbot-sh/dotbot/internal/server/devices"
)

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()

	names := make(map[string]bool)
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	for _, want := range []string{"serve", "invite", "devices"} {
		if !names[want] {
			t.Errorf("root command is missing subcommand %q", want)
		}
	}
}

func TestBuildInviteCmdIncludesSubcommands(t *testing.T) {
	cmd := buildInviteCmd()

	names := make(map[string]bool)
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	for _, want := range []string{"create", "list", "revoke"} {
		if !names[want] {
			t.Errorf("invite command is missing subcommand %q", want)
		}
	}
}

func TestInviteStatus(t *testing.T) {
	future := time.Now().Add(48 * time.Hour)
	past := time.Now().Add(-time.Hour)

	tests := []struct {
		name string
		inv  *devices.Invite
		want string
	}{
		{
			name: "revoked wins over everything",
			inv:  &devices.Invite{Revoked: true, ExpiresAt: past, Uses: 1, MaxUses: 1},
			want: "revoked",
		},
		{
			name: "expired",
			inv:  &devices.Invite{ExpiresAt: past},
			want: "expired",
		},
		{
			name: "exhausted",
			inv:  &devices.Invite{ExpiresAt: future, Uses: 1, MaxUses: 1},
			want: "exhausted",
		},
		{
			name: "usable",
			inv:  &devices.Invite{ExpiresAt: future, Uses: 0, MaxUses: 2},
			want: "0/2 used",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := inviteStatus(tt.inv)
			if !strings.Contains(got, tt.want) {
				t.Errorf("inviteStatus() = %q, want containing %q", got, tt.want)
			}
		})
	}
}
