package botdir

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// Environment keys recognized by the local agent.
const (
	EnvServer               = "DOTBOT_SERVER"
	EnvDeviceName           = "DEVICE_NAME"
	EnvInviteToken          = "DOTBOT_INVITE_TOKEN"
	EnvTempDir              = "DOTBOT_TEMP_DIR"
	EnvFormatFix            = "DOTBOT_FORMAT_FIX"
	EnvHeartbeatEnabled     = "HEARTBEAT_ENABLED"
	EnvHeartbeatIntervalMin = "HEARTBEAT_INTERVAL_MIN"
	EnvHeartbeatActiveStart = "HEARTBEAT_ACTIVE_START"
	EnvHeartbeatActiveEnd   = "HEARTBEAT_ACTIVE_END"
	EnvDiscordConversation  = "DISCORD_CHANNEL_CONVERSATION"
	EnvDiscordUpdates       = "DISCORD_CHANNEL_UPDATES"
	EnvDiscordLogs          = "DISCORD_CHANNEL_LOGS"
	EnvDiscordUserID        = "DISCORD_AUTHORIZED_USER_ID"
	EnvDiscordBotToken      = "DISCORD_BOT_TOKEN"
)

const utf8BOM = "\xef\xbb\xbf"

// LoadEnv reads the .env file and applies each KEY=VALUE to the process
// environment. Values already set in the process environment win. A missing
// file is not an error. A UTF-8 byte-order mark at the start of the file is
// stripped before parsing.
func (d Dir) LoadEnv() error {
	data, err := os.ReadFile(d.EnvFile())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", d.EnvFile(), err)
	}

	content := strings.TrimPrefix(string(data), utf8BOM)
	values, err := godotenv.Unmarshal(content)
	if err != nil {
		return fmt.Errorf("parse %s: %w", d.EnvFile(), err)
	}

	for key, value := range values {
		if _, exists := os.LookupEnv(key); exists {
			continue
		}
		if err := os.Setenv(key, value); err != nil {
			return fmt.Errorf("set %s: %w", key, err)
		}
	}
	return nil
}

// RemoveEnvKey deletes the line defining key from the .env file, leaving
// every other line byte-for-byte intact. Called after a successful
// registration to drop the consumed invite token.
func (d Dir) RemoveEnvKey(key string) error {
	data, err := os.ReadFile(d.EnvFile())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read %s: %w", d.EnvFile(), err)
	}

	content := strings.TrimPrefix(string(data), utf8BOM)
	lines := strings.Split(content, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		trimmed = strings.TrimPrefix(trimmed, "export ")
		if name, _, ok := strings.Cut(trimmed, "="); ok && strings.TrimSpace(name) == key {
			continue
		}
		kept = append(kept, line)
	}

	out := strings.Join(kept, "\n")
	if err := os.WriteFile(d.EnvFile(), []byte(out), 0o600); err != nil {
		return fmt.Errorf("write %s: %w", d.EnvFile(), err)
	}
	return nil
}

// NormalizeServerURL coerces a configured server address into a channel
// endpoint. Non-localhost hosts are forced onto wss:// and have /ws appended
// when no path is given; localhost keeps a plain ws:// scheme for local
// development. An empty address falls back to the local default.
func NormalizeServerURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "ws://localhost:8787/ws"
	}
	raw = strings.TrimSuffix(raw, "/")

	if !strings.Contains(raw, "://") {
		if isLocalHost(hostOf(raw)) {
			raw = "ws://" + raw
		} else {
			raw = "wss://" + raw
		}
	}

	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}

	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	}
	if !isLocalHost(u.Hostname()) {
		u.Scheme = "wss"
	}

	if u.Path == "" || u.Path == "/" {
		u.Path = "/ws"
	}
	return u.String()
}

func hostOf(addr string) string {
	host := addr
	if i := strings.Index(host, "/"); i >= 0 {
		host = host[:i]
	}
	if i := strings.LastIndex(host, ":"); i >= 0 {
		host = host[:i]
	}
	return host
}

func isLocalHost(host string) bool {
	switch strings.ToLower(host) {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}
