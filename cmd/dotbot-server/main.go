// Package main is the dotbot server: the cloud half of a personal AI
// agent. It terminates device WebSocket connections, classifies and
// dispatches prompts across LLM-backed agents, and holds the
// credential store that devices can use but never read.
//
// Start the server:
//
//	dotbot-server serve --config dotbot-server.yaml
//
// Pair a device:
//
//	dotbot-server invite create --label "laptop"
//
// Manage paired devices:
//
//	dotbot-server devices list
//	dotbot-server devices revoke <device-id>
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v0.4.0 -X main.commit=$(git rev-parse --short HEAD)" ./cmd/dotbot-server
var (
	version = "dev"
	commit  = "none"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
// Separated from main() for testing.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dotbot-server",
		Short: "dotbot server - the cloud half of a personal AI agent",
		Long: `The dotbot server accepts WebSocket connections from paired dotbot
devices, runs their prompts through the orchestration pipeline, and
stores credentials encrypted under a master key that never leaves
this host.

Pair a device by creating an invite here and passing its token to
the dotbot daemon on the device.`,
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildServeCmd(),
		buildInviteCmd(),
		buildDevicesCmd(),
	)

	return rootCmd
}
