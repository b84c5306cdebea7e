package localtools

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dotbot-sh/dotbot/pkg/wire"
)

func TestRunLogAppendAccumulates(t *testing.T) {
	dir := t.TempDir()
	logs := NewRunLogs(dir, nil)

	if err := logs.Append("task-1", json.RawMessage(`{"step":"ack"}`)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := logs.Append("task-1", json.RawMessage(`{"step":"done"}`)); err != nil {
		t.Fatalf("append: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "task-1.json"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var file struct {
		TaskID  string            `json:"task_id"`
		Entries []json.RawMessage `json:"entries"`
	}
	if err := json.Unmarshal(data, &file); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if file.TaskID != "task-1" || len(file.Entries) != 2 {
		t.Fatalf("log = %+v", file)
	}
}

func TestRunLogRejectsInvalidEntry(t *testing.T) {
	logs := NewRunLogs(t.TempDir(), nil)
	if err := logs.Append("task-1", json.RawMessage(`{broken`)); err == nil {
		t.Fatal("invalid JSON entry was accepted")
	}
}

func TestRunLogUnsafeTaskIDFallsBack(t *testing.T) {
	dir := t.TempDir()
	logs := NewRunLogs(dir, nil)
	if err := logs.Append("../escape", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("append: %v", err)
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("files = %d, want 1", len(entries))
	}
	if name := entries[0].Name(); len(name) < len("untagged-") || name[:9] != "untagged-" {
		t.Fatalf("file = %q, want untagged fallback", name)
	}
}

func TestRunLogHandleEnvelope(t *testing.T) {
	dir := t.TempDir()
	logs := NewRunLogs(dir, nil)

	env := wire.MustNew(wire.TypeRunLog, wire.RunLog{
		TaskID: "task-9",
		Entry:  json.RawMessage(`{"text":"agent started"}`),
	})
	logs.Handle(context.Background(), env)

	if _, err := os.Stat(filepath.Join(dir, "task-9.json")); err != nil {
		t.Fatalf("log file missing: %v", err)
	}
}

func TestRunLogPruneRespectsRetention(t *testing.T) {
	dir := t.TempDir()
	logs := NewRunLogs(dir, nil)

	if err := logs.Append("old-task", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := logs.Append("new-task", json.RawMessage(`{}`)); err != nil {
		t.Fatalf("append: %v", err)
	}
	aged := time.Now().Add(-15 * 24 * time.Hour)
	if err := os.Chtimes(filepath.Join(dir, "old-task.json"), aged, aged); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	removed, err := logs.Prune()
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 1 {
		t.Fatalf("removed = %d, want 1", removed)
	}
	if _, err := os.Stat(filepath.Join(dir, "old-task.json")); !os.IsNotExist(err) {
		t.Fatal("old log survived the prune")
	}
	if _, err := os.Stat(filepath.Join(dir, "new-task.json")); err != nil {
		t.Fatal("fresh log was pruned")
	}
}
