package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/dotbot-sh/dotbot/internal/config"
	"github.com/dotbot-sh/dotbot/internal/server/devices"
)

// withStore loads config and opens the device store for an admin
// command. The data dir is created so invites can be minted before the
// server has ever run.
func withStore(configPath string, fn func(ctx context.Context, store *devices.Store) error) error {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Server.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	store, err := devices.Open(cfg.DevicesPath())
	if err != nil {
		return fmt.Errorf("open device store: %w", err)
	}
	defer store.Close()
	return fn(context.Background(), store)
}

func buildInviteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invite",
		Short: "Manage device invite tokens",
	}
	cmd.AddCommand(
		buildInviteCreateCmd(),
		buildInviteListCmd(),
		buildInviteRevokeCmd(),
	)
	return cmd
}

func buildInviteCreateCmd() *cobra.Command {
	var (
		configPath string
		label      string
		maxUses    int
		expiryDays int
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an invite token for pairing a new device",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(configPath, func(ctx context.Context, store *devices.Store) error {
				inv, err := store.CreateInvite(ctx, label, maxUses, expiryDays)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "Invite token: %s\n", inv.Token)
				fmt.Fprintf(out, "Expires:      %s\n", inv.ExpiresAt.Format(time.RFC1123))
				fmt.Fprintf(out, "Max uses:     %d\n", inv.MaxUses)
				fmt.Fprintln(out)
				fmt.Fprintln(out, "On the device, run:")
				fmt.Fprintf(out, "  DOTBOT_INVITE_TOKEN=%s dotbot\n", inv.Token)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Path to configuration file")
	cmd.Flags().StringVarP(&label, "label", "l", "", "Label for the device that will register")
	cmd.Flags().IntVar(&maxUses, "max-uses", 1, "Registrations this token allows")
	cmd.Flags().IntVar(&expiryDays, "expiry-days", 7, "Days until the token expires")
	return cmd
}

func buildInviteListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List invite tokens",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(configPath, func(ctx context.Context, store *devices.Store) error {
				invites, err := store.ListInvites(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(invites) == 0 {
					fmt.Fprintln(out, "No invites.")
					return nil
				}
				for _, inv := range invites {
					label := inv.Label
					if label == "" {
						label = "-"
					}
					fmt.Fprintf(out, "  %s  %-20s %s\n", inv.Token, label, inviteStatus(inv))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Path to configuration file")
	return cmd
}

func inviteStatus(inv *devices.Invite) string {
	switch {
	case inv.Revoked:
		return "revoked"
	case !inv.ExpiresAt.After(time.Now()):
		return "expired"
	case inv.Uses >= inv.MaxUses:
		return "exhausted"
	}
	expiresIn := time.Until(inv.ExpiresAt).Round(time.Minute)
	if expiresIn < 0 {
		expiresIn = 0
	}
	return fmt.Sprintf("%d/%d used, expires in %s", inv.Uses, inv.MaxUses, expiresIn)
}

func buildInviteRevokeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "revoke <token>",
		Short: "Revoke an invite token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(configPath, func(ctx context.Context, store *devices.Store) error {
				if err := store.RevokeInvite(ctx, args[0]); err != nil {
					if errors.Is(err, devices.ErrInviteNotFound) {
						return fmt.Errorf("invite %q not found", args[0])
					}
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Revoked invite %s.\n", args[0])
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Path to configuration file")
	return cmd
}

func buildDevicesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devices",
		Short: "Manage paired devices",
	}
	cmd.AddCommand(
		buildDevicesListCmd(),
		buildDevicesRevokeCmd(),
	)
	return cmd
}

func buildDevicesListCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List paired devices",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(configPath, func(ctx context.Context, store *devices.Store) error {
				paired, err := store.ListDevices(ctx)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if len(paired) == 0 {
					fmt.Fprintln(out, "No paired devices.")
					return nil
				}
				for _, d := range paired {
					status := "active"
					if d.Revoked {
						status = "revoked"
					}
					label := d.Label
					if label == "" {
						label = "-"
					}
					fmt.Fprintf(out, "  %s  %-20s %-8s %-8s registered %s\n",
						d.ID, label, d.Platform, status, d.RegisteredAt.Format("2006-01-02"))
				}
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Path to configuration file")
	return cmd
}

func buildDevicesRevokeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "revoke <device-id>",
		Short: "Revoke a paired device",
		Long: `Revoke a paired device. Its credentials stop working immediately;
an open connection is cut the next time it sends an envelope.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(configPath, func(ctx context.Context, store *devices.Store) error {
				if err := store.Revoke(ctx, args[0]); err != nil {
					if errors.Is(err, devices.ErrInvalidCredentials) {
						return fmt.Errorf("device %q not found", args[0])
					}
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Revoked device %s.\n", args[0])
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Path to configuration file")
	return cmd
}
