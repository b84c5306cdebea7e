package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dotbot-sh/dotbot/internal/config"
	"github.com/dotbot-sh/dotbot/internal/observability"
	"github.com/dotbot-sh/dotbot/internal/server/creds"
	"github.com/dotbot-sh/dotbot/internal/server/devices"
	"github.com/dotbot-sh/dotbot/internal/server/gateway"
	"github.com/dotbot-sh/dotbot/internal/server/llm"
	"github.com/dotbot-sh/dotbot/internal/server/pipeline"
)

func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the dotbot server",
		RunE: func(_ *cobra.Command, _ []string) error {
			return runServe(configPath, debug)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", config.DefaultPath, "Path to configuration file")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

// runServe assembles the full server and blocks until a shutdown signal
// or a fatal listener error.
func runServe(configPath string, debug bool) error {
	cfg, err := config.LoadOrDefault(configPath)
	if err != nil {
		return err
	}
	if debug {
		cfg.Logging.Level = "debug"
	}

	logger := buildLogger(cfg.Logging)
	slog.SetDefault(logger)

	// The credential subsystem logs through the redacting logger so
	// blobs and keys cannot leak even on error paths.
	credLogger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: os.Stderr,
	})

	if err := os.MkdirAll(cfg.Server.DataDir, 0o700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	tracer, stopTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    "dotbot-server",
		ServiceVersion: version,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.Insecure,
	})
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := stopTracer(flushCtx); err != nil {
			logger.Warn("tracer shutdown failed", "error", err)
		}
	}()

	store, err := devices.Open(cfg.DevicesPath())
	if err != nil {
		return fmt.Errorf("open device store: %w", err)
	}
	defer store.Close()

	masterKey, generated, err := creds.LoadMasterKey(cfg.MasterKeyPath())
	if err != nil {
		return fmt.Errorf("load master key: %w", err)
	}
	if generated {
		logger.Info("generated credential master key", "path", cfg.MasterKeyPath())
	}
	if !creds.MasterKeyPermissionsEnforced() {
		logger.Warn("master key file permissions are not enforced on this platform",
			"path", cfg.MasterKeyPath())
	}
	cipher, err := creds.NewCipher(masterKey)
	if err != nil {
		return fmt.Errorf("credential cipher: %w", err)
	}

	metrics := observability.NewMetrics()
	registry, err := buildRegistry(cfg.LLM, logger)
	if err != nil {
		return err
	}

	sessions := creds.NewSessionStore()
	proxy := creds.NewProxy(cipher, credLogger, metrics)

	gw := gateway.New(gateway.Config{
		UserID:        cfg.Server.UserID,
		Version:       version,
		AuthFailLimit: cfg.Limits.AuthFailLimit,
		EnvelopeRate:  cfg.Limits.EnvelopeRate,
	}, gateway.Deps{
		Devices:      store,
		LLM:          registry,
		Cipher:       cipher,
		CredSessions: sessions,
		Proxy:        proxy,
		Identity: pipeline.Identity{
			Name:         cfg.Identity.Name,
			Role:         cfg.Identity.Role,
			Traits:       cfg.Identity.Traits,
			Style:        cfg.Identity.Style,
			Instructions: cfg.Identity.Instructions,
		},
		Metrics: metrics,
		Tracer:  tracer,
		Log:     logger,
	})

	cookieSecret := cfg.Server.CookieSecret
	if cookieSecret == "" {
		cookieSecret, err = randomSecret()
		if err != nil {
			return err
		}
		logger.Warn("no cookie secret configured; credential entry sessions will not survive a restart")
	}
	web := creds.NewWeb(sessions, cipher, gw.DeliverCredential, credLogger, cfg.Server.PublicURL, cookieSecret)

	srv := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           gw.Handler(web),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go gw.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		logger.Info("dotbot server listening",
			"addr", cfg.Server.Listen,
			"public_url", cfg.Server.PublicURL,
			"version", version)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		return fmt.Errorf("server: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	gw.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("dotbot server stopped")
	return nil
}

// buildRegistry registers every configured LLM provider. Starting with
// none is allowed so pairing can be set up first, but prompts will fail
// until a provider is added.
func buildRegistry(cfg config.LLMConfig, logger *slog.Logger) (*llm.Registry, error) {
	registry := llm.NewRegistry(cfg.Roles)

	providers := 0
	if cfg.Anthropic.Configured() {
		p, err := llm.NewAnthropicProvider(llm.AnthropicConfig{
			APIKey:  cfg.Anthropic.APIKey,
			BaseURL: cfg.Anthropic.BaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("anthropic provider: %w", err)
		}
		registry.Register(p)
		providers++
	}
	if cfg.OpenAI.Configured() {
		p, err := llm.NewOpenAIProvider(llm.OpenAIConfig{
			APIKey:  cfg.OpenAI.APIKey,
			BaseURL: cfg.OpenAI.BaseURL,
		})
		if err != nil {
			return nil, fmt.Errorf("openai provider: %w", err)
		}
		registry.Register(p)
		providers++
	}
	if providers == 0 {
		logger.Warn("no LLM provider configured; set an API key in the llm section")
	}
	return registry, nil
}

func buildLogger(cfg config.LoggingConfig) *slog.Logger {
	opts := &slog.HandlerOptions{Level: observability.LogLevelFromString(cfg.Level)}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// randomSecret generates a per-boot cookie signing secret.
func randomSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, b); err != nil {
		return "", fmt.Errorf("generate cookie secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}
