// Package botdir owns the fixed .bot directory under the user's home: the
// device credential, the .env configuration file, and the on-disk stores the
// local agent serves to the server (memory, skills, personas, councils,
// reminders, run logs, restart queue).
package botdir

import (
	"fmt"
	"os"
	"path/filepath"
)

const dirName = ".bot"

// Dir locates everything under one .bot root. The zero value is unusable;
// construct with Default or At.
type Dir struct {
	root string
}

// Default resolves the .bot directory under the current user's home.
func Default() (Dir, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return Dir{}, fmt.Errorf("resolve home directory: %w", err)
	}
	return Dir{root: filepath.Join(home, dirName)}, nil
}

// At returns a Dir rooted at an explicit path. Used by the -dir flag and by
// tests.
func At(root string) Dir {
	return Dir{root: root}
}

// Root returns the .bot root path.
func (d Dir) Root() string { return d.root }

// DeviceFile is the persisted device credential pair.
func (d Dir) DeviceFile() string { return filepath.Join(d.root, "device.json") }

// EnvFile is the non-sensitive KEY=VALUE configuration file.
func (d Dir) EnvFile() string { return filepath.Join(d.root, ".env") }

// CredentialsFile is the vault of server-encrypted credential blobs.
func (d Dir) CredentialsFile() string { return filepath.Join(d.root, "credentials.json") }

// RemindersFile holds the reminder store.
func (d Dir) RemindersFile() string { return filepath.Join(d.root, "reminders.json") }

// RestartQueueFile holds prompts carried across a restart.
func (d Dir) RestartQueueFile() string { return filepath.Join(d.root, "restart-queue.json") }

// MemoryDir is the root of the memory store.
func (d Dir) MemoryDir() string { return filepath.Join(d.root, "memory") }

// MemoryIndexFile is the flat fact store inside the memory root.
func (d Dir) MemoryIndexFile() string { return filepath.Join(d.MemoryDir(), "index.json") }

// ModelsDir holds mental-model JSON files maintained by the sleep cycle.
func (d Dir) ModelsDir() string { return filepath.Join(d.MemoryDir(), "models") }

// SchemasDir holds memory schema JSON files.
func (d Dir) SchemasDir() string { return filepath.Join(d.MemoryDir(), "schemas") }

// ThreadsDir holds persisted conversation threads.
func (d Dir) ThreadsDir() string { return filepath.Join(d.MemoryDir(), "threads") }

// ResearchCacheDir holds markdown research notes scanned by the sleep cycle.
func (d Dir) ResearchCacheDir() string { return filepath.Join(d.MemoryDir(), "research-cache") }

// SkillsDir holds one subdirectory per skill, each with a SKILL.md.
func (d Dir) SkillsDir() string { return filepath.Join(d.root, "skills") }

// PersonasDir holds one subdirectory per persona, each with a persona.json
// and an optional knowledge directory.
func (d Dir) PersonasDir() string { return filepath.Join(d.root, "personas") }

// CouncilsDir holds council definition markdown files.
func (d Dir) CouncilsDir() string { return filepath.Join(d.root, "councils") }

// RunLogsDir holds per-task run logs, pruned on a fixed retention.
func (d Dir) RunLogsDir() string { return filepath.Join(d.root, "run-logs") }

// AssetsDir holds binary assets stored on behalf of agents.
func (d Dir) AssetsDir() string { return filepath.Join(d.root, "assets") }

// OnboardingFile records onboarding progress for the once-a-day nag.
func (d Dir) OnboardingFile() string { return filepath.Join(d.root, "onboarding.json") }

// MCPConfigFile lists the external MCP servers the server should connect
// to on this device's behalf.
func (d Dir) MCPConfigFile() string { return filepath.Join(d.root, "mcp.json") }

// EnsureLayout creates the directory tree. Idempotent.
func (d Dir) EnsureLayout() error {
	dirs := []string{
		d.root,
		d.MemoryDir(),
		d.ModelsDir(),
		d.SchemasDir(),
		d.ThreadsDir(),
		d.ResearchCacheDir(),
		d.SkillsDir(),
		d.PersonasDir(),
		d.CouncilsDir(),
		d.RunLogsDir(),
		d.AssetsDir(),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}
