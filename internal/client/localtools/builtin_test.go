package localtools

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dotbot-sh/dotbot/internal/client/reminders"
	"github.com/dotbot-sh/dotbot/internal/client/vault"
	"github.com/dotbot-sh/dotbot/pkg/wire"
)

func run(t *testing.T, reg *Registry, tool string, args any) wire.ExecutionResult {
	t.Helper()
	var raw json.RawMessage
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			t.Fatalf("marshal args: %v", err)
		}
		raw = data
	}
	return reg.Execute(context.Background(), wire.ExecutionRequest{
		RequestID: "req",
		Tool:      tool,
		Args:      raw,
	})
}

func TestFilesystemRoundTrip(t *testing.T) {
	tempDir := t.TempDir()
	reg := NewRegistry(nil)
	RegisterFilesystem(reg, tempDir)

	res := run(t, reg, "filesystem.create_file", map[string]string{
		"path":    "notes/draft.md",
		"content": "# Draft\n",
	})
	if !res.Success {
		t.Fatalf("create failed: %s", res.Error)
	}

	res = run(t, reg, "filesystem.read_file", map[string]string{"path": "notes/draft.md"})
	if !res.Success {
		t.Fatalf("read failed: %s", res.Error)
	}
	if res.Result != "# Draft\n" {
		t.Fatalf("content = %q", res.Result)
	}
}

func TestFilesystemAbsolutePathInsideRoot(t *testing.T) {
	tempDir := t.TempDir()
	reg := NewRegistry(nil)
	RegisterFilesystem(reg, tempDir)

	abs := filepath.Join(tempDir, "cache.json")
	res := run(t, reg, "filesystem.create_file", map[string]string{"path": abs, "content": "{}"})
	if !res.Success {
		t.Fatalf("absolute in-root path rejected: %s", res.Error)
	}
}

func TestFilesystemConfinement(t *testing.T) {
	tempDir := t.TempDir()
	reg := NewRegistry(nil)
	RegisterFilesystem(reg, tempDir)

	for _, path := range []string{"/etc/passwd", "../outside.txt", tempDir + "/../sibling"} {
		res := run(t, reg, "filesystem.read_file", map[string]string{"path": path})
		if res.Success {
			t.Fatalf("path %q escaped the fence", path)
		}
	}
}

func TestFilesystemExtraRoot(t *testing.T) {
	tempDir := t.TempDir()
	extra := t.TempDir()
	reg := NewRegistry(nil)
	RegisterFilesystem(reg, tempDir, extra)

	res := run(t, reg, "filesystem.create_file", map[string]string{
		"path":    filepath.Join(extra, "allowed.txt"),
		"content": "ok",
	})
	if !res.Success {
		t.Fatalf("extra root rejected: %s", res.Error)
	}
}

func TestReminderTools(t *testing.T) {
	store, err := reminders.OpenStore(filepath.Join(t.TempDir(), "reminders.json"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	reg := NewRegistry(nil)
	RegisterReminders(reg, store)

	res := run(t, reg, "reminders.create", map[string]any{
		"message":    "water the plants",
		"in_minutes": 30,
		"priority":   "P1",
	})
	if !res.Success {
		t.Fatalf("create failed: %s", res.Error)
	}
	if store.Pending() != 1 {
		t.Fatalf("pending = %d, want 1", store.Pending())
	}

	res = run(t, reg, "reminders.list", nil)
	if !res.Success || !strings.Contains(res.Result, "water the plants") {
		t.Fatalf("list = %q (%s)", res.Result, res.Error)
	}

	id := store.List()[0].ID
	res = run(t, reg, "reminders.cancel", map[string]string{"id": id})
	if !res.Success {
		t.Fatalf("cancel failed: %s", res.Error)
	}
	if store.Pending() != 0 {
		t.Fatalf("pending after cancel = %d, want 0", store.Pending())
	}
}

func TestReminderCreateNeedsATime(t *testing.T) {
	store, err := reminders.OpenStore(filepath.Join(t.TempDir(), "reminders.json"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	reg := NewRegistry(nil)
	RegisterReminders(reg, store)

	res := run(t, reg, "reminders.create", map[string]string{"message": "sometime"})
	if res.Success {
		t.Fatal("reminder without a time was accepted")
	}
	if !strings.Contains(res.Error, "in_minutes") {
		t.Fatalf("error = %q, want the accepted fields named", res.Error)
	}
}

func TestSystemRestartTool(t *testing.T) {
	reg := NewRegistry(nil)
	called := false
	RegisterSystem(reg, func() { called = true })

	res := run(t, reg, "system.restart", nil)
	if !res.Success {
		t.Fatalf("restart failed: %s", res.Error)
	}
	if !called {
		t.Fatal("restart callback never ran")
	}
}

type fakeChannel struct {
	reply *wire.Envelope
	err   error
	sent  *wire.Envelope
}

func (f *fakeChannel) Call(ctx context.Context, env *wire.Envelope, requestID string) (*wire.Envelope, error) {
	f.sent = env
	return f.reply, f.err
}

func TestSecretsPromptUserSurfacesEntryLink(t *testing.T) {
	v, err := vault.Open(filepath.Join(t.TempDir(), "credentials.json"))
	if err != nil {
		t.Fatalf("open vault: %v", err)
	}

	ready := wire.MustNew(wire.TypeCredentialSessionReady, wire.CredentialSessionReady{
		RequestID: "any",
		URL:       "https://bot.example.com/credentials/enter/tok123",
	})
	ch := &fakeChannel{reply: ready}

	var surfaced string
	reg := NewRegistry(nil)
	RegisterSecrets(reg, ch, v, func(msg string) { surfaced = msg })

	res := run(t, reg, "secrets.prompt_user", map[string]string{
		"key_name":       "GITHUB_TOKEN",
		"prompt":         "Paste a fine-grained GitHub token",
		"allowed_domain": "api.github.com",
	})
	if !res.Success {
		t.Fatalf("prompt_user failed: %s", res.Error)
	}
	if !strings.Contains(surfaced, "credentials/enter/tok123") {
		t.Fatalf("surfaced message lacks the entry URL: %q", surfaced)
	}
	if !strings.Contains(res.Result, "GITHUB_TOKEN") {
		t.Fatalf("result = %q", res.Result)
	}
	if ch.sent == nil || ch.sent.Type != wire.TypeCredentialSession {
		t.Fatal("no credential_session envelope was sent")
	}
	// The secret itself must never appear anywhere in this flow.
	var sent wire.CredentialSession
	if err := ch.sent.Decode(&sent); err != nil {
		t.Fatalf("decode session request: %v", err)
	}
	if sent.AllowedDomain != "api.github.com" {
		t.Fatalf("allowed domain = %q", sent.AllowedDomain)
	}
}

func TestSecretsPromptUserRequiresDomain(t *testing.T) {
	v, err := vault.Open(filepath.Join(t.TempDir(), "credentials.json"))
	if err != nil {
		t.Fatalf("open vault: %v", err)
	}
	reg := NewRegistry(nil)
	RegisterSecrets(reg, &fakeChannel{}, v, func(string) {})

	res := run(t, reg, "secrets.prompt_user", map[string]string{
		"key_name": "GITHUB_TOKEN",
		"prompt":   "Paste a token",
	})
	if res.Success {
		t.Fatal("prompt_user without allowed_domain was accepted")
	}
}

func TestSecretsListNamesOnly(t *testing.T) {
	v, err := vault.Open(filepath.Join(t.TempDir(), "credentials.json"))
	if err != nil {
		t.Fatalf("open vault: %v", err)
	}
	if err := v.Store("GITHUB_TOKEN", vault.BlobPrefix+"opaque"); err != nil {
		t.Fatalf("store: %v", err)
	}

	reg := NewRegistry(nil)
	RegisterSecrets(reg, &fakeChannel{}, v, func(string) {})

	res := run(t, reg, "secrets.list", nil)
	if !res.Success {
		t.Fatalf("list failed: %s", res.Error)
	}
	if !strings.Contains(res.Result, "GITHUB_TOKEN") {
		t.Fatalf("list = %q", res.Result)
	}
	if strings.Contains(res.Result, "opaque") {
		t.Fatalf("list leaked blob content: %q", res.Result)
	}
}

func TestSecretsHTTPRequestAttachesBlob(t *testing.T) {
	v, err := vault.Open(filepath.Join(t.TempDir(), "credentials.json"))
	if err != nil {
		t.Fatalf("open vault: %v", err)
	}
	if err := v.Store("GITHUB_TOKEN", vault.BlobPrefix+"blob-bytes"); err != nil {
		t.Fatalf("store: %v", err)
	}

	ch := &fakeChannel{reply: wire.MustNew(wire.TypeCredentialProxyResponse, wire.CredentialProxyResponse{
		RequestID: "any",
		OK:        true,
		Status:    200,
		Body:      `{"login":"octocat"}`,
	})}
	reg := NewRegistry(nil)
	RegisterSecrets(reg, ch, v, func(string) {})

	res := run(t, reg, "secrets.http_request", map[string]any{
		"key_name": "GITHUB_TOKEN",
		"method":   "GET",
		"base_url": "https://api.github.com",
		"path":     "/user",
		"header":   "Authorization",
		"prefix":   "Bearer ",
	})
	if !res.Success {
		t.Fatalf("http_request failed: %s", res.Error)
	}
	if !strings.Contains(res.Result, "HTTP 200") || !strings.Contains(res.Result, "octocat") {
		t.Fatalf("result = %q", res.Result)
	}

	var sent wire.CredentialProxy
	if err := ch.sent.Decode(&sent); err != nil {
		t.Fatalf("decode proxy request: %v", err)
	}
	if sent.EncryptedBlob != vault.BlobPrefix+"blob-bytes" {
		t.Fatalf("blob = %q", sent.EncryptedBlob)
	}
	if sent.Request.Placement.Header != "Authorization" || sent.Request.Placement.Prefix != "Bearer " {
		t.Fatalf("placement = %+v", sent.Request.Placement)
	}
}

func TestSecretsHTTPRequestUnknownKey(t *testing.T) {
	v, err := vault.Open(filepath.Join(t.TempDir(), "credentials.json"))
	if err != nil {
		t.Fatalf("open vault: %v", err)
	}
	reg := NewRegistry(nil)
	RegisterSecrets(reg, &fakeChannel{}, v, func(string) {})

	res := run(t, reg, "secrets.http_request", map[string]string{
		"key_name": "MISSING",
		"method":   "GET",
		"base_url": "https://api.example.com",
	})
	if res.Success {
		t.Fatal("request with an unknown key was accepted")
	}
	if !strings.Contains(res.Error, "prompt_user") {
		t.Fatalf("error = %q", res.Error)
	}
}
