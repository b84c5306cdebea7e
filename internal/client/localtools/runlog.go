package localtools

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/dotbot-sh/dotbot/pkg/wire"
)

// runLogRetention is how long per-task run logs survive before the daily
// prune removes them.
const runLogRetention = 14 * 24 * time.Hour

// RunLogs persists the server's run_log stream, one JSON file per task.
type RunLogs struct {
	dir string
	log *slog.Logger
	mu  sync.Mutex
}

func NewRunLogs(dir string, log *slog.Logger) *RunLogs {
	if log == nil {
		log = slog.Default()
	}
	return &RunLogs{dir: dir, log: log.With("component", "runlogs")}
}

type runLogFile struct {
	TaskID    string            `json:"task_id"`
	UpdatedAt time.Time         `json:"updated_at"`
	Entries   []json.RawMessage `json:"entries"`
}

// Handle is the channel handler for run_log envelopes.
func (r *RunLogs) Handle(ctx context.Context, env *wire.Envelope) {
	var entry wire.RunLog
	if err := env.Decode(&entry); err != nil {
		r.log.Warn("bad run log payload", "error", err)
		return
	}
	if err := r.Append(entry.TaskID, entry.Entry); err != nil {
		r.log.Warn("run log write failed", "task", entry.TaskID, "error", err)
	}
}

// Append adds one entry to the task's run log, creating the file as needed.
func (r *RunLogs) Append(taskID string, entry json.RawMessage) error {
	if len(entry) == 0 || !json.Valid(entry) {
		return errors.New("run log entry is not valid JSON")
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	id := taskID
	if id == "" || safeName(id) != nil {
		id = "untagged-" + time.Now().Format("20060102")
	}
	path := filepath.Join(r.dir, id+".json")

	file := runLogFile{TaskID: id}
	if data, err := os.ReadFile(path); err == nil {
		// A corrupt log starts over rather than blocking the stream.
		_ = json.Unmarshal(data, &file)
	}
	file.Entries = append(file.Entries, entry)
	file.UpdatedAt = time.Now().UTC()
	return writeJSON(path, file)
}

// Prune removes run logs past the retention window and reports how many
// went. The daily maintenance task drives it.
func (r *RunLogs) Prune() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := time.Now().Add(-runLogRetention)
	entries, err := os.ReadDir(r.dir)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if os.Remove(filepath.Join(r.dir, e.Name())) == nil {
			removed++
		}
	}
	if removed > 0 {
		r.log.Info("pruned old run logs", "removed", removed)
	}
	return removed, nil
}
