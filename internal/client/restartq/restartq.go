// Package restartq carries in-flight prompts across a client restart. The
// queue is written right before the process exits for a restart and consumed
// exactly once on the next successful authentication.
package restartq

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// ResumedPrefix marks a prompt as a resubmission so the pipeline and the
// user can tell it apart from fresh input.
const ResumedPrefix = "[Resumed after restart] "

type queueFile struct {
	Version int      `json:"version"`
	SavedAt int64    `json:"saved_at"`
	Prompts []string `json:"prompts"`
}

// Write persists the prompts that were in flight when the restart began.
// An empty set removes any stale queue instead of writing one.
func Write(path string, prompts []string) error {
	if len(prompts) == 0 {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("clear restart queue: %w", err)
		}
		return nil
	}

	data, err := json.MarshalIndent(queueFile{
		Version: 1,
		SavedAt: time.Now().UnixMilli(),
		Prompts: prompts,
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal restart queue: %w", err)
	}
	data = append(data, '\n')

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write restart queue: %w", err)
	}
	return nil
}

// Consume reads the queue and deletes the file, so a second restart never
// resubmits the same prompts. A missing or unreadable file yields nothing;
// corrupt files are removed.
func Consume(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read restart queue: %w", err)
	}

	var q queueFile
	if err := json.Unmarshal(data, &q); err != nil || q.Version != 1 {
		os.Remove(path)
		return nil, nil
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("delete restart queue: %w", err)
	}
	return q.Prompts, nil
}
