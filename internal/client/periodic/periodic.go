// Package periodic runs the local agent's background loops on a shared
// cron runner: the heartbeat, reminder delivery, the sleep cycle, the
// onboarding nag, the update check, and run-log pruning. A tick that
// lands while the previous execution of the same task is still running
// is dropped, and most tasks stand down once the device has been idle
// for a long stretch.
package periodic

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// idleSuppressAfter is how long the channel must be quiet before tasks
// without BypassIdleCheck stop ticking. Any activity wakes them again.
const idleSuppressAfter = 6 * time.Hour

// Tracker records when the channel last carried real traffic. Keepalive
// pings and the auth handshake do not count as activity.
type Tracker struct {
	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

func NewTracker() *Tracker {
	t := &Tracker{now: time.Now}
	t.last = t.now()
	return t
}

// NotifyActivity marks the current instant as the last time something
// happened. The channel dispatch path calls this on every inbound
// envelope other than ping, pong, and the auth kinds.
func (t *Tracker) NotifyActivity() {
	t.mu.Lock()
	t.last = t.now()
	t.mu.Unlock()
}

// Idle reports how long it has been since the last activity.
func (t *Tracker) Idle() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.now().Sub(t.last)
}

// Task is one background loop. Enabled and CanRun are consulted fresh
// on every tick; a nil func means always. Run receives the current idle
// duration so tasks like the heartbeat can report or throttle on it.
type Task struct {
	ID              string
	Name            string
	Every           time.Duration
	InitialDelay    time.Duration
	Enabled         func() bool
	BypassIdleCheck bool
	CanRun          func() bool
	Run             func(ctx context.Context, idle time.Duration) error
}

// Manager owns the cron runner and the gating common to every task.
type Manager struct {
	tracker *Tracker
	log     *slog.Logger
	cron    *cron.Cron
	tasks   []Task
	ctx     context.Context
}

// NewManager builds an empty runner. Add tasks, then Start.
func NewManager(tracker *Tracker, log *slog.Logger) *Manager {
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "periodic")
	cl := cronLogger{log}
	return &Manager{
		tracker: tracker,
		log:     log,
		cron: cron.New(cron.WithChain(
			cron.Recover(cl),
			cron.SkipIfStillRunning(cl),
		)),
	}
}

func (m *Manager) Add(tasks ...Task) {
	m.tasks = append(m.tasks, tasks...)
}

// Start schedules every added task and launches the runner. It does not
// block; the runner drains and stops when ctx is cancelled.
func (m *Manager) Start(ctx context.Context) {
	m.ctx = ctx
	for _, task := range m.tasks {
		task := task
		every := task.Every
		if every < time.Second {
			every = time.Second
		}
		delay := task.InitialDelay
		if delay < time.Second {
			delay = time.Second
		}
		m.cron.Schedule(
			delaySchedule{first: time.Now().Add(delay), every: every},
			cron.FuncJob(func() { m.runTask(task) }),
		)
		m.log.Debug("scheduled task", "task", task.ID, "every", every, "initial_delay", delay)
	}
	m.cron.Start()
	go func() {
		<-ctx.Done()
		<-m.cron.Stop().Done()
		m.log.Debug("periodic runner stopped")
	}()
}

func (m *Manager) runTask(t Task) {
	if t.Enabled != nil && !t.Enabled() {
		return
	}
	var idle time.Duration
	if m.tracker != nil {
		idle = m.tracker.Idle()
	}
	if !t.BypassIdleCheck && idle > idleSuppressAfter {
		m.log.Debug("task standing down while idle", "task", t.ID, "idle", idle.Round(time.Minute))
		return
	}
	if t.CanRun != nil && !t.CanRun() {
		return
	}
	start := time.Now()
	if err := t.Run(m.ctx, idle); err != nil {
		m.log.Warn("periodic task failed", "task", t.ID, "error", err)
		return
	}
	m.log.Debug("periodic task ran", "task", t.ID, "took", time.Since(start).Round(time.Millisecond))
}

// delaySchedule fires once at an absolute start time, then at a fixed
// interval. It lets a task's first run land sooner (or later) than its
// steady cadence.
type delaySchedule struct {
	first time.Time
	every time.Duration
}

func (s delaySchedule) Next(t time.Time) time.Time {
	if t.Before(s.first) {
		return s.first
	}
	return t.Add(s.every - time.Duration(t.Nanosecond())*time.Nanosecond)
}

// cronLogger adapts slog to the runner's logger interface. Skip notices
// land at debug; they are routine under load.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append([]any{"error", err}, keysAndValues...)...)
}
