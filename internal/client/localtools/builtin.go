package localtools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
	qrcode "github.com/skip2/go-qrcode"

	"github.com/dotbot-sh/dotbot/internal/client/reminders"
	"github.com/dotbot-sh/dotbot/internal/client/vault"
	"github.com/dotbot-sh/dotbot/pkg/wire"
)

// RegisterFilesystem adds the file tools the server's collections layer
// drives. Paths resolve inside the temp directory; extraRoots widens the
// fence for callers that need the .bot tree as well.
func RegisterFilesystem(reg *Registry, tempDir string, extraRoots ...string) {
	roots := append([]string{tempDir}, extraRoots...)
	resolve := func(raw string) (string, error) {
		if raw == "" {
			return "", errors.New("path is required")
		}
		path := filepath.Clean(raw)
		if !filepath.IsAbs(path) {
			path = filepath.Join(tempDir, path)
		}
		for _, root := range roots {
			if root == "" {
				continue
			}
			root = filepath.Clean(root)
			if path == root || strings.HasPrefix(path, root+string(filepath.Separator)) {
				return path, nil
			}
		}
		return "", fmt.Errorf("path %s is outside the directories this device allows", raw)
	}

	reg.Register(wire.ToolDef{
		ID:          "filesystem.create_file",
		Description: "Create or overwrite a file on the device",
		Category:    "filesystem",
		Schema:      json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"},"content":{"type":"string"}},"required":["path","content"]}`),
	}, func(ctx context.Context, args json.RawMessage) (string, error) {
		var p struct {
			Path    string `json:"path"`
			Content string `json:"content"`
		}
		if err := json.Unmarshal(args, &p); err != nil {
			return "", err
		}
		path, err := resolve(p.Path)
		if err != nil {
			return "", err
		}
		if err := writeFileAtomic(path, []byte(p.Content), 0o644); err != nil {
			return "", err
		}
		return fmt.Sprintf("created %s (%d bytes)", path, len(p.Content)), nil
	})

	reg.Register(wire.ToolDef{
		ID:          "filesystem.read_file",
		Description: "Read a file from the device",
		Category:    "filesystem",
		Schema:      json.RawMessage(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`),
	}, func(ctx context.Context, args json.RawMessage) (string, error) {
		var p struct {
			Path string `json:"path"`
		}
		if err := json.Unmarshal(args, &p); err != nil {
			return "", err
		}
		path, err := resolve(p.Path)
		if err != nil {
			return "", err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return string(data), nil
	})
}

// RegisterReminders adds create/list/cancel over the local reminder store.
func RegisterReminders(reg *Registry, store *reminders.Store) {
	reg.Register(wire.ToolDef{
		ID:          "reminders.create",
		Description: "Schedule a reminder on the device. Provide at (RFC 3339) or in_minutes.",
		Category:    "reminders",
		Schema:      json.RawMessage(`{"type":"object","properties":{"message":{"type":"string"},"at":{"type":"string"},"in_minutes":{"type":"number"},"priority":{"type":"string","enum":["P0","P1","P2","P3"]}},"required":["message"]}`),
	}, func(ctx context.Context, args json.RawMessage) (string, error) {
		var p struct {
			Message   string  `json:"message"`
			At        string  `json:"at"`
			InMinutes float64 `json:"in_minutes"`
			Priority  string  `json:"priority"`
		}
		if err := json.Unmarshal(args, &p); err != nil {
			return "", err
		}
		var when time.Time
		switch {
		case p.At != "":
			t, err := time.Parse(time.RFC3339, p.At)
			if err != nil {
				return "", fmt.Errorf("at must be RFC 3339, like 2026-03-01T09:00:00Z: %w", err)
			}
			when = t
		case p.InMinutes > 0:
			when = time.Now().Add(time.Duration(p.InMinutes * float64(time.Minute)))
		default:
			return "", errors.New("either at (RFC 3339) or in_minutes is required")
		}
		rem, err := store.Add(p.Message, when, reminders.Priority(p.Priority))
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("reminder %s set for %s (%s)",
			rem.ID, rem.ScheduledFor.Local().Format("Mon Jan 2 15:04"), rem.Priority), nil
	})

	reg.Register(wire.ToolDef{
		ID:          "reminders.list",
		Description: "List the reminders on this device",
		Category:    "reminders",
		Schema:      json.RawMessage(`{"type":"object","properties":{}}`),
	}, func(ctx context.Context, args json.RawMessage) (string, error) {
		items := store.List()
		if len(items) == 0 {
			return "no reminders", nil
		}
		var b strings.Builder
		for _, r := range items {
			fmt.Fprintf(&b, "- %s [%s, %s] %s (id %s)\n",
				r.ScheduledFor.Local().Format("Mon Jan 2 15:04"), r.Priority, r.Status, r.Message, r.ID)
		}
		return strings.TrimRight(b.String(), "\n"), nil
	})

	reg.Register(wire.ToolDef{
		ID:          "reminders.cancel",
		Description: "Cancel a scheduled reminder by id",
		Category:    "reminders",
		Schema:      json.RawMessage(`{"type":"object","properties":{"id":{"type":"string"}},"required":["id"]}`),
	}, func(ctx context.Context, args json.RawMessage) (string, error) {
		var p struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(args, &p); err != nil {
			return "", err
		}
		if err := store.Cancel(p.ID); err != nil {
			return "", err
		}
		return fmt.Sprintf("reminder %s cancelled", p.ID), nil
	})
}

// RegisterSystem adds device introspection plus the restart tool. restart
// begins the cancel-and-requeue handshake and must not block.
func RegisterSystem(reg *Registry, restart func()) {
	reg.Register(wire.ToolDef{
		ID:          "system.restart",
		Description: "Restart the local agent process. In-flight work is cancelled and resubmitted after the restart.",
		Category:    "system",
		Schema:      json.RawMessage(`{"type":"object","properties":{}}`),
	}, func(ctx context.Context, args json.RawMessage) (string, error) {
		restart()
		return "restarting the local agent; the launcher will bring it back up", nil
	})

	reg.Register(wire.ToolDef{
		ID:          "system.info",
		Description: "Report hostname, platform, and local time for this device",
		Category:    "system",
		Schema:      json.RawMessage(`{"type":"object","properties":{}}`),
	}, func(ctx context.Context, args json.RawMessage) (string, error) {
		host, _ := os.Hostname()
		return fmt.Sprintf("hostname: %s\nplatform: %s/%s\nlocal time: %s",
			host, runtime.GOOS, runtime.GOARCH, time.Now().Local().Format(time.RFC1123)), nil
	})
}

// Channel is the slice of the envelope channel the secrets tools need.
type Channel interface {
	Call(ctx context.Context, env *wire.Envelope, requestID string) (*wire.Envelope, error)
}

// proxyBodyCap bounds the response body a proxied request hands back to
// the tool loop.
const proxyBodyCap = 8000

// RegisterSecrets adds the credential entry flow. The tool never sees the
// secret: it mints a one-time entry link on the server, shows the URL and a
// QR code to the user, and the encrypted blob arrives later as a
// credential_stored envelope.
func RegisterSecrets(reg *Registry, ch Channel, v *vault.Vault, surface func(message string)) {
	reg.Register(wire.ToolDef{
		ID:          "secrets.prompt_user",
		Description: "Ask the user to enter a secret through a one-time web page. The value is stored encrypted and never passes through the model.",
		Category:    "secrets",
		Schema:      json.RawMessage(`{"type":"object","properties":{"key_name":{"type":"string"},"prompt":{"type":"string"},"title":{"type":"string"},"allowed_domain":{"type":"string"}},"required":["key_name","prompt","allowed_domain"]}`),
	}, func(ctx context.Context, args json.RawMessage) (string, error) {
		var p struct {
			KeyName       string `json:"key_name"`
			Prompt        string `json:"prompt"`
			Title         string `json:"title"`
			AllowedDomain string `json:"allowed_domain"`
		}
		if err := json.Unmarshal(args, &p); err != nil {
			return "", err
		}
		if p.KeyName == "" {
			return "", errors.New("key_name is required")
		}
		if p.AllowedDomain == "" {
			return "", errors.New("allowed_domain is required: the secret will only ever be sent to that domain")
		}

		reqID := uuid.NewString()
		env, err := wire.New(wire.TypeCredentialSession, wire.CredentialSession{
			RequestID:     reqID,
			KeyName:       p.KeyName,
			Prompt:        p.Prompt,
			Title:         p.Title,
			AllowedDomain: p.AllowedDomain,
		})
		if err != nil {
			return "", err
		}
		reply, err := ch.Call(ctx, env, reqID)
		if err != nil {
			return "", err
		}
		if reply == nil {
			return "", errors.New("the server did not answer the credential session request")
		}
		var ready wire.CredentialSessionReady
		if err := reply.Decode(&ready); err != nil {
			return "", err
		}
		if ready.Error != "" {
			return "", errors.New(ready.Error)
		}

		msg := fmt.Sprintf("To provide %q, open:\n%s", p.KeyName, ready.URL)
		if qr, err := qrcode.New(ready.URL, qrcode.Medium); err == nil {
			msg += "\n\n" + qr.ToSmallString(false)
		}
		if ready.ExpiresAt > 0 {
			msg += fmt.Sprintf("\nThe link expires at %s.",
				time.UnixMilli(ready.ExpiresAt).Local().Format("15:04"))
		}
		surface(msg)
		return fmt.Sprintf("a one-time entry link for %q was shown to the user; once they submit, the credential is stored encrypted under that name", p.KeyName), nil
	})

	reg.Register(wire.ToolDef{
		ID:          "secrets.list",
		Description: "List the names of stored credentials. Values are never readable.",
		Category:    "secrets",
		Schema:      json.RawMessage(`{"type":"object","properties":{}}`),
	}, func(ctx context.Context, args json.RawMessage) (string, error) {
		keys := v.Keys()
		if len(keys) == 0 {
			return "no stored credentials", nil
		}
		return "stored credentials: " + strings.Join(keys, ", "), nil
	})

	reg.Register(wire.ToolDef{
		ID:          "secrets.http_request",
		Description: "Call an HTTPS API with a stored credential. The secret is injected server-side; only the response comes back.",
		Category:    "secrets",
		Schema:      json.RawMessage(`{"type":"object","properties":{"key_name":{"type":"string"},"method":{"type":"string"},"base_url":{"type":"string"},"path":{"type":"string"},"headers":{"type":"object"},"body":{"type":"string"},"header":{"type":"string"},"query":{"type":"string"},"prefix":{"type":"string"}},"required":["key_name","method","base_url"]}`),
	}, func(ctx context.Context, args json.RawMessage) (string, error) {
		var p struct {
			KeyName string            `json:"key_name"`
			Method  string            `json:"method"`
			BaseURL string            `json:"base_url"`
			Path    string            `json:"path"`
			Headers map[string]string `json:"headers"`
			Body    string            `json:"body"`
			Header  string            `json:"header"`
			Query   string            `json:"query"`
			Prefix  string            `json:"prefix"`
		}
		if err := json.Unmarshal(args, &p); err != nil {
			return "", err
		}
		blob, ok := v.Get(p.KeyName)
		if !ok {
			return "", fmt.Errorf("no stored credential named %q; use secrets.prompt_user first", p.KeyName)
		}

		reqID := uuid.NewString()
		env, err := wire.New(wire.TypeCredentialProxy, wire.CredentialProxy{
			RequestID:     reqID,
			KeyName:       p.KeyName,
			EncryptedBlob: blob,
			Request: wire.ProxyRequest{
				BaseURL: p.BaseURL,
				Method:  p.Method,
				Path:    p.Path,
				Headers: p.Headers,
				Body:    p.Body,
				Placement: wire.ProxyPlacement{
					Header: p.Header,
					Query:  p.Query,
					Prefix: p.Prefix,
				},
			},
		})
		if err != nil {
			return "", err
		}
		reply, err := ch.Call(ctx, env, reqID)
		if err != nil {
			return "", err
		}
		if reply == nil {
			return "", errors.New("the server did not answer the proxied request")
		}
		var resp wire.CredentialProxyResponse
		if err := reply.Decode(&resp); err != nil {
			return "", err
		}
		if resp.Error != "" {
			return "", errors.New(resp.Error)
		}
		body := resp.Body
		if len(body) > proxyBodyCap {
			body = body[:proxyBodyCap] + "\n… (truncated)"
		}
		return fmt.Sprintf("HTTP %d\n%s", resp.Status, body), nil
	})
}
