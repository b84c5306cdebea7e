// dotbot is the local agent daemon. It owns the bot directory, keeps
// the channel to the server alive, executes device-side tools, and
// renders the conversation on the terminal and (when configured)
// Discord.
//
// Exit codes follow the launcher contract: 0 for a clean shutdown, 42
// when the launcher should start a fresh process, 1 for permanent
// failures such as a rejected credential.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/google/uuid"

	"github.com/dotbot-sh/dotbot/internal/client/botdir"
	"github.com/dotbot-sh/dotbot/internal/client/channel"
	"github.com/dotbot-sh/dotbot/internal/client/frontend"
	"github.com/dotbot-sh/dotbot/internal/client/identity"
	"github.com/dotbot-sh/dotbot/internal/client/localtools"
	"github.com/dotbot-sh/dotbot/internal/client/periodic"
	"github.com/dotbot-sh/dotbot/internal/client/reminders"
	"github.com/dotbot-sh/dotbot/internal/client/restartq"
	"github.com/dotbot-sh/dotbot/internal/client/validate"
	"github.com/dotbot-sh/dotbot/internal/client/vault"
	"github.com/dotbot-sh/dotbot/pkg/wire"
)

// version is stamped at build time:
//
//	go build -ldflags "-X main.version=v0.4.0" ./cmd/dotbot
var version = "dev"

func main() {
	dirFlag := flag.String("dir", "", "bot directory (default ~/.bot)")
	serverFlag := flag.String("server", "", "server URL (overrides DOTBOT_SERVER)")
	verbose := flag.Bool("v", false, "enable debug logging")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err := run(ctx, logger, *dirFlag, *serverFlag)
	if err == nil {
		logger.Info("dotbot stopped")
		return
	}

	var authErr *channel.AuthError
	if errors.As(err, &authErr) {
		logger.Error("authentication failed", "reason", authErr.Reason, "message", authErr.Message)
		for _, step := range authErr.Remediation() {
			fmt.Fprintln(os.Stderr, "  - "+step)
		}
	} else {
		logger.Error("dotbot exited", "error", err)
	}
	os.Exit(channel.ExitCode(err))
}

func run(ctx context.Context, logger *slog.Logger, dirPath, serverOverride string) error {
	var dir botdir.Dir
	if dirPath != "" {
		dir = botdir.At(dirPath)
	} else {
		var err error
		dir, err = botdir.Default()
		if err != nil {
			return err
		}
	}
	if err := dir.EnsureLayout(); err != nil {
		return err
	}
	if err := dir.LoadEnv(); err != nil {
		logger.Warn("could not load .env", "error", err)
	}

	serverURL := serverOverride
	if serverURL == "" {
		serverURL = os.Getenv(botdir.EnvServer)
	}
	serverURL = botdir.NormalizeServerURL(serverURL)

	tempDir := os.Getenv(botdir.EnvTempDir)
	if tempDir == "" {
		tempDir = filepath.Join(os.TempDir(), "dotbot")
	}
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}

	deviceName := os.Getenv(botdir.EnvDeviceName)
	if deviceName == "" {
		if host, err := os.Hostname(); err == nil {
			deviceName = host
		}
	}

	// Normalize the content tree before anything reads it. The validator
	// logs its own summary; problems are re-checked after auth when
	// remote format fixing is enabled.
	validator := validate.New(dir, logger)
	if _, err := validator.Run(); err != nil {
		return fmt.Errorf("validate content tree: %w", err)
	}

	cred, err := identity.Load(dir.DeviceFile())
	if err != nil {
		return err
	}
	v, err := vault.Open(dir.CredentialsFile())
	if err != nil {
		return err
	}
	rem, err := reminders.OpenStore(dir.RemindersFile())
	if err != nil {
		return err
	}
	runLogs := localtools.NewRunLogs(dir.RunLogsDir(), logger)
	tracker := periodic.NewTracker()

	// The registry needs the channel for restart and secrets tools, and
	// the channel needs the registry's manifest. Tools only execute after
	// authentication, so a late-bound reference is safe.
	var ch *channel.Client

	hub := frontend.NewHub(func(env *wire.Envelope) error {
		if ch == nil {
			return channel.ErrNotConnected
		}
		return ch.Send(env)
	}, logger)
	hub.Start(ctx)

	term := frontend.NewTerminal(hub, os.Stdin, os.Stdout, logger)
	hub.Register(term)

	reg := localtools.NewRegistry(logger)
	localtools.RegisterFilesystem(reg, tempDir, dir.Root())
	localtools.RegisterReminders(reg, rem)
	localtools.RegisterSystem(reg, func() { ch.RequestRestart() })
	localtools.RegisterSecrets(reg, channelRef{&ch}, v, hub.Notify)

	stores := localtools.NewStores(dir, reg.Manifest, logger)

	var (
		discordMu sync.Mutex
		discordUp bool
	)

	ch, err = channel.New(channel.Config{
		ServerURL:    serverURL,
		Credential:   cred,
		InviteToken:  os.Getenv(botdir.EnvInviteToken),
		Fingerprint:  identity.Fingerprint(),
		DeviceName:   deviceName,
		TempDir:      tempDir,
		Capabilities: capabilities(reg.Manifest()),
		Tools:        reg.Manifest(),
		Log:          logger,
		OnRegistered: func(c *identity.Credential) error {
			if err := identity.Save(dir.DeviceFile(), c); err != nil {
				return err
			}
			if err := dir.RemoveEnvKey(botdir.EnvInviteToken); err != nil {
				logger.Warn("could not drop the consumed invite token from .env", "error", err)
			}
			logger.Info("device registered", "device_id", c.DeviceID)
			return nil
		},
		OnAuthenticated: func(sctx context.Context) {
			resubmitQueued(logger, dir, ch)
			offerFormatFixes(sctx, logger, validator, ch)
			pushMCPConfigs(logger, dir, ch)

			discordMu.Lock()
			defer discordMu.Unlock()
			if !discordUp {
				discordUp = launchDiscord(ctx, sctx, logger, hub, ch, v)
			}
		},
		OnActivity: tracker.NotifyActivity,
		OnRestart: func(prompts []string) {
			if err := restartq.Write(dir.RestartQueueFile(), prompts); err != nil {
				logger.Warn("could not persist the restart queue", "error", err)
			}
		},
	})
	if err != nil {
		return err
	}

	disp := localtools.NewDispatcher(reg, ch.Send, logger)
	ch.Handle(wire.TypeExecutionRequest, disp.HandleExecutionRequest)

	for _, kind := range localtools.StoreKinds {
		ch.Handle(kind, stores.HandlerFor(kind, ch.Send))
	}
	ch.Handle(wire.TypeSaveAgentWork, stores.HandleSaveAgentWork)

	ch.Handle(wire.TypeCredentialStored, func(_ context.Context, env *wire.Envelope) {
		var stored wire.CredentialStored
		if err := env.Decode(&stored); err != nil {
			logger.Warn("bad credential_stored payload", "error", err)
			return
		}
		if err := v.Store(stored.KeyName, stored.EncryptedBlob); err != nil {
			logger.Warn("could not store credential blob", "key", stored.KeyName, "error", err)
			return
		}
		logger.Info("credential stored", "key", stored.KeyName)
		hub.Notify(fmt.Sprintf("Credential %q is stored and ready to use.", stored.KeyName))
	})

	hubHandlers := hub.Handlers()
	for kind, h := range hubHandlers {
		ch.Handle(kind, h)
	}
	// Run log lines persist locally and mirror to the log surface.
	hubRunLog := hubHandlers[wire.TypeRunLog]
	ch.Handle(wire.TypeRunLog, func(hctx context.Context, env *wire.Envelope) {
		runLogs.Handle(hctx, env)
		hubRunLog(hctx, env)
	})

	manager := periodic.NewManager(tracker, logger)
	manager.Add(periodic.Tasks(periodic.Deps{
		Dir:       dir,
		Channel:   ch,
		Tracker:   tracker,
		Reminders: rem,
		RunLogs:   runLogs,
		ServerURL: serverURL,
		Version:   version,
		Notify:    hub.Notify,
	})...)
	manager.Start(ctx)

	go func() {
		err := validator.Watch(ctx, func(r *validate.Report) {
			if len(r.Problems) > 0 {
				logger.Warn("content tree has problems after change", "problems", len(r.Problems))
			}
		})
		if err != nil {
			logger.Warn("content watcher not running", "error", err)
		}
	}()

	go func() {
		if err := term.Run(ctx); err != nil {
			logger.Warn("terminal input closed", "error", err)
		}
	}()

	logger.Info("dotbot starting",
		"version", version,
		"server", serverURL,
		"dir", dir.Root(),
		"tools", len(reg.Manifest()),
		"registered", cred != nil,
	)
	return ch.Run(ctx)
}

// resubmitQueued replays the prompts that were in flight when the
// previous process restarted.
func resubmitQueued(logger *slog.Logger, dir botdir.Dir, ch *channel.Client) {
	prompts, err := restartq.Consume(dir.RestartQueueFile())
	if err != nil {
		logger.Warn("could not read the restart queue", "error", err)
		return
	}
	if len(prompts) == 0 {
		return
	}
	for _, p := range prompts {
		env, err := wire.New(wire.TypePrompt, wire.Prompt{
			Prompt: restartq.ResumedPrefix + p,
			Source: "restart-queue",
		})
		if err != nil {
			continue
		}
		if err := ch.Send(env); err != nil {
			logger.Warn("could not resubmit a queued prompt", "error", err)
			return
		}
	}
	logger.Info("resubmitted prompts from before the restart", "count", len(prompts))
}

// offerFormatFixes asks the server to repair malformed content files.
// Opt-in via DOTBOT_FORMAT_FIX, and only after auth so a broken file
// never blocks connecting.
func offerFormatFixes(ctx context.Context, logger *slog.Logger, validator *validate.Validator, ch *channel.Client) {
	if !envEnabled(botdir.EnvFormatFix) {
		return
	}
	report, err := validator.Run()
	if err != nil || len(report.Problems) == 0 {
		return
	}
	fixed := validator.FixRemotely(ctx, ch, report.Problems)
	if fixed == 0 {
		return
	}
	if after, err := validator.Run(); err == nil {
		logger.Info("server repaired malformed content files",
			"fixed", fixed, "remaining", len(after.Problems))
	}
}

// pushMCPConfigs sends the local MCP server list so the server can dial
// those servers on this device's behalf.
func pushMCPConfigs(logger *slog.Logger, dir botdir.Dir, ch *channel.Client) {
	data, err := os.ReadFile(dir.MCPConfigFile())
	if err != nil {
		if !os.IsNotExist(err) {
			logger.Warn("could not read mcp.json", "error", err)
		}
		return
	}
	var cfgs wire.MCPConfigs
	if err := json.Unmarshal(data, &cfgs); err != nil {
		logger.Warn("mcp.json is not valid", "error", err)
		return
	}
	if len(cfgs.Configs) == 0 {
		return
	}
	if err := ch.Send(wire.MustNew(wire.TypeMCPConfigs, cfgs)); err != nil {
		logger.Warn("could not push mcp configs", "error", err)
		return
	}
	logger.Info("pushed mcp server configs", "count", len(cfgs.Configs))
}

// launchDiscord starts the Discord surface when the env names a
// conversation channel and a bot token can be found, either directly in
// DISCORD_BOT_TOKEN or as a vault blob under that name. Returns whether
// the surface is up; a false return is retried on the next auth.
func launchDiscord(runCtx, sessionCtx context.Context, logger *slog.Logger, hub *frontend.Hub, ch *channel.Client, v *vault.Vault) bool {
	conversation := os.Getenv(botdir.EnvDiscordConversation)
	userID := os.Getenv(botdir.EnvDiscordUserID)
	if conversation == "" || userID == "" {
		return false
	}

	token := os.Getenv(botdir.EnvDiscordBotToken)
	if token == "" {
		token = resolveVaultSecret(sessionCtx, logger, ch, v, botdir.EnvDiscordBotToken)
	}
	if token == "" {
		logger.Info("discord channels configured but no bot token available yet")
		return false
	}

	d, err := frontend.NewDiscord(hub, frontend.DiscordConfig{
		Token:               token,
		AuthorizedUserID:    userID,
		ConversationChannel: conversation,
		UpdatesChannel:      os.Getenv(botdir.EnvDiscordUpdates),
		LogsChannel:         os.Getenv(botdir.EnvDiscordLogs),
	}, logger)
	if err != nil {
		logger.Warn("discord surface not started", "error", err)
		return false
	}
	hub.Register(d)
	// The surface outlives the session that resolved its token.
	go func() {
		if err := d.Run(runCtx); err != nil {
			logger.Warn("discord surface stopped", "error", err)
		}
	}()
	return true
}

// resolveVaultSecret asks the server to decrypt a stored blob for local
// use. The plaintext lands only in the in-memory resolve cache.
func resolveVaultSecret(ctx context.Context, logger *slog.Logger, ch *channel.Client, v *vault.Vault, key string) string {
	if plain, ok := v.Resolved(key); ok {
		return plain
	}
	blob, ok := v.Get(key)
	if !ok {
		return ""
	}
	reqID := uuid.NewString()
	env, err := wire.New(wire.TypeCredentialResolve, wire.CredentialResolve{
		RequestID:     reqID,
		KeyName:       key,
		EncryptedBlob: blob,
	})
	if err != nil {
		return ""
	}
	reply, err := ch.Call(ctx, env, reqID)
	if err != nil || reply == nil {
		logger.Warn("credential resolve did not answer", "key", key)
		return ""
	}
	var resp wire.CredentialResolveResponse
	if err := reply.Decode(&resp); err != nil || !resp.Found {
		logger.Warn("credential resolve failed", "key", key)
		return ""
	}
	v.CacheResolved(key, resp.Value)
	return resp.Value
}

// capabilities collapses the tool manifest into its category names.
func capabilities(tools []wire.ToolDef) []string {
	seen := make(map[string]bool)
	var caps []string
	for _, t := range tools {
		if t.Category == "" || seen[t.Category] {
			continue
		}
		seen[t.Category] = true
		caps = append(caps, t.Category)
	}
	sort.Strings(caps)
	return caps
}

func envEnabled(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// channelRef defers the channel dependency for tools registered before
// the client exists. Tools only run after authentication, by which time
// the client is long assigned.
type channelRef struct{ c **channel.Client }

func (r channelRef) Call(ctx context.Context, env *wire.Envelope, requestID string) (*wire.Envelope, error) {
	if *r.c == nil {
		return nil, channel.ErrNotConnected
	}
	return (*r.c).Call(ctx, env, requestID)
}
