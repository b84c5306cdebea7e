package periodic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dotbot-sh/dotbot/internal/client/botdir"
	"github.com/dotbot-sh/dotbot/internal/client/reminders"
	"github.com/dotbot-sh/dotbot/pkg/wire"
)

const (
	heartbeatEvery   = 5 * time.Minute
	sleepCycleEvery  = 30 * time.Minute
	onboardingNagGap = 24 * time.Hour

	// Sleep-cycle material thresholds. Notes younger than noteMinAge are
	// still being worked on and stay untouched.
	condenseMinFiles = 3
	condenseMaxBytes = 24 * 1024
	noteMinAge       = time.Hour
	rawCacheMaxAge   = 24 * time.Hour
	maxLoopCalls     = 3
)

// Channel is the slice of the device channel the background tasks use.
type Channel interface {
	Call(ctx context.Context, env *wire.Envelope, requestID string) (*wire.Envelope, error)
	Connected() bool
}

// Pruner retires aged run logs.
type Pruner interface {
	Prune() (int, error)
}

// Deps are the collaborators the built-in tasks draw on.
type Deps struct {
	Dir       botdir.Dir
	Channel   Channel
	Tracker   *Tracker
	Reminders *reminders.Store
	RunLogs   Pruner
	ServerURL string
	Version   string
	Notify    func(message string)
}

func (d Deps) notify(message string) {
	if d.Notify != nil {
		d.Notify(message)
	}
}

// Tasks returns the full built-in set wired to d.
func Tasks(d Deps) []Task {
	return []Task{
		HeartbeatTask(d),
		ReminderTask(d),
		SleepCycleTask(d),
		OnboardingTask(d),
		UpdateTask(d),
		RunLogPruneTask(d),
	}
}

// HeartbeatTask periodically asks the server whether anything deserves
// the user's attention, reporting how idle the device is. Off unless
// HEARTBEAT_ENABLED is set; quiet outside the configured active hours.
func HeartbeatTask(d Deps) Task {
	interval := heartbeatEvery
	if v := os.Getenv(botdir.EnvHeartbeatIntervalMin); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			interval = time.Duration(n) * time.Minute
		}
	}
	return Task{
		ID:           "heartbeat",
		Name:         "proactive check-in",
		Every:        interval,
		InitialDelay: time.Minute,
		Enabled:      func() bool { return envBool(botdir.EnvHeartbeatEnabled) },
		CanRun: func() bool {
			return d.Channel != nil && d.Channel.Connected() && withinActiveHours(time.Now())
		},
		Run: func(ctx context.Context, idle time.Duration) error {
			req := wire.Heartbeat{
				RequestID:   uuid.NewString(),
				IdleMinutes: idle.Minutes(),
				LocalTime:   time.Now().Format("Mon 15:04"),
				Context:     heartbeatContext(d),
			}
			reply, err := d.Channel.Call(ctx, wire.MustNew(wire.TypeHeartbeat, req), req.RequestID)
			if err != nil || reply == nil {
				return err
			}
			var resp wire.HeartbeatResponse
			if err := reply.Decode(&resp); err != nil {
				return err
			}
			if resp.Error != "" {
				return errors.New(resp.Error)
			}
			if resp.Message != "" {
				d.notify(resp.Message)
			}
			return nil
		},
	}
}

func heartbeatContext(d Deps) string {
	if d.Reminders == nil {
		return ""
	}
	var next *reminders.Reminder
	pending := 0
	for _, r := range d.Reminders.List() {
		if r.Status != reminders.StatusScheduled {
			continue
		}
		pending++
		if next == nil || r.ScheduledFor.Before(next.ScheduledFor) {
			next = r
		}
	}
	if next == nil {
		return ""
	}
	return fmt.Sprintf("%d reminder(s) pending; next at %s: %s",
		pending, next.ScheduledFor.Local().Format("15:04"), next.Message)
}

// ReminderTask delivers due reminders. It bypasses the idle check:
// a reminder set for 7:00 fires at 7:00 whether or not anyone has
// talked to the bot lately.
func ReminderTask(d Deps) Task {
	return Task{
		ID:              "reminder-check",
		Name:            "reminder delivery",
		Every:           15 * time.Second,
		InitialDelay:    10 * time.Second,
		BypassIdleCheck: true,
		CanRun:          func() bool { return d.Reminders != nil && d.Reminders.Pending() > 0 },
		Run: func(ctx context.Context, _ time.Duration) error {
			fired, err := d.Reminders.Due(time.Now())
			if err != nil {
				return err
			}
			for _, r := range fired {
				d.notify(fmt.Sprintf("Reminder (%s): %s", r.Priority, r.Message))
			}
			return nil
		},
	}
}

// SleepCycleTask is the consolidation pass: aged research notes are
// condensed into a digest, stale raw collection caches are dropped, and
// open loops in the mental models are offered to the server for
// closure. It runs while the user is away, so it bypasses idle gating.
func SleepCycleTask(d Deps) Task {
	return Task{
		ID:              "sleep-cycle",
		Name:            "memory consolidation",
		Every:           sleepCycleEvery,
		InitialDelay:    2 * time.Minute,
		BypassIdleCheck: true,
		CanRun:          func() bool { return d.Channel != nil && d.Channel.Connected() },
		Run: func(ctx context.Context, _ time.Duration) error {
			var errs []error
			if err := condenseResearch(ctx, d); err != nil {
				errs = append(errs, err)
			}
			if err := pruneRawCaches(d); err != nil {
				errs = append(errs, err)
			}
			if err := resolveOpenLoops(ctx, d); err != nil {
				errs = append(errs, err)
			}
			return errors.Join(errs...)
		},
	}
}

// condenseResearch folds aged markdown notes in the research cache into
// a single digest via the server, then removes the originals.
func condenseResearch(ctx context.Context, d Deps) error {
	dir := d.Dir.ResearchCacheDir()
	aged, err := agedFiles(dir, ".md", noteMinAge)
	if err != nil || len(aged) < condenseMinFiles {
		return err
	}

	var buf strings.Builder
	var used []string
	for _, name := range aged {
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		if buf.Len()+len(data) > condenseMaxBytes && buf.Len() > 0 {
			break
		}
		fmt.Fprintf(&buf, "## %s\n\n%s\n\n", name, strings.TrimSpace(string(data)))
		used = append(used, name)
	}
	if len(used) < condenseMinFiles {
		return nil
	}

	req := wire.Condense{RequestID: uuid.NewString(), Kind: "research-cache", Content: buf.String()}
	reply, err := d.Channel.Call(ctx, wire.MustNew(wire.TypeCondense, req), req.RequestID)
	if err != nil || reply == nil {
		return err
	}
	var resp wire.CondenseResponse
	if err := reply.Decode(&resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return errors.New(resp.Error)
	}
	if strings.TrimSpace(resp.Summary) == "" {
		return nil
	}

	digest := filepath.Join(dir, "digest-"+time.Now().Format("20060102-1504")+".md")
	body := "# Consolidated research notes\n\n" + strings.TrimSpace(resp.Summary) + "\n"
	if err := writeFileAtomic(digest, []byte(body), 0o644); err != nil {
		return err
	}
	for _, name := range used {
		os.Remove(filepath.Join(dir, name))
	}
	d.notify(fmt.Sprintf("Condensed %d research notes into a digest.", len(used)))
	return nil
}

// pruneRawCaches drops raw collection caches past their useful life.
// Collection references expire within the hour; the files only exist so
// the navigator can re-read them.
func pruneRawCaches(d Deps) error {
	dir := d.Dir.ResearchCacheDir()
	stale, err := agedFiles(dir, ".json", rawCacheMaxAge)
	if err != nil {
		return err
	}
	for _, name := range stale {
		os.Remove(filepath.Join(dir, name))
	}
	return nil
}

// mentalModel is one topic the agent maintains an understanding of,
// with the loops still waiting on something.
type mentalModel struct {
	Topic       string       `json:"topic"`
	Summary     string       `json:"summary,omitempty"`
	OpenLoops   []string     `json:"open_loops,omitempty"`
	ClosedLoops []closedLoop `json:"closed_loops,omitempty"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

type closedLoop struct {
	Loop       string    `json:"loop"`
	Resolution string    `json:"resolution"`
	ClosedAt   time.Time `json:"closed_at"`
}

// resolveOpenLoops offers open loops from the mental models to the
// server, at most maxLoopCalls per cycle, and records resolutions.
func resolveOpenLoops(ctx context.Context, d Deps) error {
	dir := d.Dir.ModelsDir()
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	calls := 0
	for _, e := range entries {
		if calls >= maxLoopCalls {
			break
		}
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var model mentalModel
		if err := json.Unmarshal(data, &model); err != nil {
			continue
		}

		changed := false
		remaining := model.OpenLoops[:0]
		for _, loop := range model.OpenLoops {
			if calls >= maxLoopCalls {
				remaining = append(remaining, loop)
				continue
			}
			calls++
			req := wire.ResolveLoop{RequestID: uuid.NewString(), Loop: loop, Context: model.Topic + ": " + model.Summary}
			reply, err := d.Channel.Call(ctx, wire.MustNew(wire.TypeResolveLoop, req), req.RequestID)
			if err != nil || reply == nil {
				remaining = append(remaining, loop)
				continue
			}
			var resp wire.ResolveLoopResponse
			if err := reply.Decode(&resp); err != nil || resp.Error != "" || !resp.Resolved {
				remaining = append(remaining, loop)
				continue
			}
			model.ClosedLoops = append(model.ClosedLoops, closedLoop{
				Loop:       loop,
				Resolution: resp.Resolution,
				ClosedAt:   time.Now().UTC(),
			})
			d.notify("Closed an open loop: " + resp.Resolution)
			changed = true
		}
		if changed {
			model.OpenLoops = remaining
			model.UpdatedAt = time.Now().UTC()
			out, err := json.MarshalIndent(model, "", "  ")
			if err != nil {
				continue
			}
			_ = writeFileAtomic(path, append(out, '\n'), 0o644)
		}
	}
	return nil
}

// onboardingState tracks the setup nag so it fires at most once a day
// and never again once setup is complete.
type onboardingState struct {
	Done    bool      `json:"done"`
	LastNag time.Time `json:"last_nag,omitempty"`
}

// OnboardingTask checks whether setup is finished and nags about the
// missing pieces at most once per day.
func OnboardingTask(d Deps) Task {
	return Task{
		ID:           "onboarding-check",
		Name:         "setup completeness",
		Every:        time.Hour,
		InitialDelay: 5 * time.Minute,
		Run: func(ctx context.Context, _ time.Duration) error {
			path := d.Dir.OnboardingFile()
			var state onboardingState
			if data, err := os.ReadFile(path); err == nil {
				_ = json.Unmarshal(data, &state)
			}
			if state.Done {
				return nil
			}

			missing := missingSetup(d.Dir)
			if len(missing) == 0 {
				state.Done = true
				return writeState(path, state)
			}
			if time.Since(state.LastNag) < onboardingNagGap {
				return nil
			}
			d.notify("dotbot setup is unfinished: " + strings.Join(missing, "; ") + ".")
			state.LastNag = time.Now().UTC()
			return writeState(path, state)
		},
	}
}

func missingSetup(dir botdir.Dir) []string {
	var missing []string
	if countDirs(dir.PersonasDir()) == 0 {
		missing = append(missing, "no personas yet")
	}
	if countDirs(dir.SkillsDir()) == 0 {
		missing = append(missing, "no skills yet")
	}
	if os.Getenv(botdir.EnvHeartbeatEnabled) == "" {
		missing = append(missing, "heartbeat not configured ("+botdir.EnvHeartbeatEnabled+" unset)")
	}
	return missing
}

func countDirs(path string) int {
	entries, err := os.ReadDir(path)
	if err != nil {
		return 0
	}
	n := 0
	for _, e := range entries {
		if e.IsDir() {
			n++
		}
	}
	return n
}

func writeState(path string, state onboardingState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(path, append(data, '\n'), 0o644)
}

// UpdateTask compares this build against the version the server
// reports on /healthz and surfaces a notice once per new version.
// Dev builds stay quiet.
func UpdateTask(d Deps) Task {
	client := &http.Client{Timeout: 10 * time.Second}
	var mu sync.Mutex
	var notified string
	return Task{
		ID:           "update-check",
		Name:         "update check",
		Every:        6 * time.Hour,
		InitialDelay: 10 * time.Minute,
		CanRun: func() bool {
			return d.ServerURL != "" && d.Version != "" && d.Version != "dev"
		},
		Run: func(ctx context.Context, _ time.Duration) error {
			target, err := healthzURL(d.ServerURL)
			if err != nil {
				return err
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
			if err != nil {
				return err
			}
			resp, err := client.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			var health struct {
				Version string `json:"version"`
			}
			if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
				return err
			}
			if health.Version == "" || health.Version == d.Version {
				return nil
			}
			mu.Lock()
			seen := notified == health.Version
			notified = health.Version
			mu.Unlock()
			if !seen {
				d.notify(fmt.Sprintf("The server is running %s; this device is on %s. Update and restart to match.",
					health.Version, d.Version))
			}
			return nil
		},
	}
}

// healthzURL maps a channel endpoint onto the server's health endpoint.
func healthzURL(server string) (string, error) {
	u, err := url.Parse(server)
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = "/healthz"
	u.RawQuery = ""
	return u.String(), nil
}

// RunLogPruneTask retires run logs past their retention window.
func RunLogPruneTask(d Deps) Task {
	return Task{
		ID:              "runlog-prune",
		Name:            "run log retention",
		Every:           24 * time.Hour,
		InitialDelay:    15 * time.Minute,
		BypassIdleCheck: true,
		CanRun:          func() bool { return d.RunLogs != nil },
		Run: func(ctx context.Context, _ time.Duration) error {
			_, err := d.RunLogs.Prune()
			return err
		},
	}
}

// agedFiles lists names in dir with the given extension whose mtime is
// older than minAge, oldest first.
func agedFiles(dir, ext string, minAge time.Duration) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	cutoff := time.Now().Add(-minAge)
	type aged struct {
		name string
		mod  time.Time
	}
	var out []aged
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ext) {
			continue
		}
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		out = append(out, aged{e.Name(), info.ModTime()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].mod.Before(out[j].mod) })
	names := make([]string, len(out))
	for i, a := range out {
		names[i] = a.name
	}
	return names, nil
}

func envBool(key string) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// withinActiveHours checks the HEARTBEAT_ACTIVE_START/END window.
// An unset or unparsable window means always active. Windows may wrap
// midnight (22:00 to 07:00).
func withinActiveHours(now time.Time) bool {
	return withinWindow(now,
		os.Getenv(botdir.EnvHeartbeatActiveStart),
		os.Getenv(botdir.EnvHeartbeatActiveEnd))
}

func withinWindow(now time.Time, start, end string) bool {
	startM, okS := parseClock(start)
	endM, okE := parseClock(end)
	if !okS || !okE {
		return true
	}
	nowM := now.Hour()*60 + now.Minute()
	if startM == endM {
		return true
	}
	if startM < endM {
		return nowM >= startM && nowM < endM
	}
	return nowM >= startM || nowM < endM
}

// parseClock accepts "HH:MM" or a bare hour ("8").
func parseClock(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, false
	}
	hs, ms, ok := strings.Cut(s, ":")
	h, err := strconv.Atoi(hs)
	if err != nil || h < 0 || h > 23 {
		return 0, false
	}
	minute := 0
	if ok {
		minute, err = strconv.Atoi(ms)
		if err != nil || minute < 0 || minute > 59 {
			return 0, false
		}
	}
	return h*60 + minute, true
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
