// Package reminders persists scheduled reminders in the bot directory and
// marks them triggered as they come due.
package reminders

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Priority orders reminders from drop-everything to whenever.
type Priority string

const (
	PriorityP0 Priority = "P0"
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
	PriorityP3 Priority = "P3"
)

// Status is the reminder lifecycle state.
type Status string

const (
	StatusScheduled Status = "scheduled"
	StatusTriggered Status = "triggered"
	StatusCancelled Status = "cancelled"
)

// Reminder is one scheduled notification.
type Reminder struct {
	ID           string     `json:"id"`
	Message      string     `json:"message"`
	ScheduledFor time.Time  `json:"scheduled_for"`
	Priority     Priority   `json:"priority"`
	Status       Status     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	TriggeredAt  *time.Time `json:"triggered_at,omitempty"`
}

// Store is the on-disk reminder collection.
type Store struct {
	path string

	mu    sync.Mutex
	items []*Reminder
	now   func() time.Time
}

// OpenStore loads the reminder file, starting empty when it does not exist.
func OpenStore(path string) (*Store, error) {
	s := &Store{path: path, now: time.Now}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read reminders: %w", err)
	}
	if err := json.Unmarshal(data, &s.items); err != nil {
		return nil, fmt.Errorf("parse reminders %s: %w", path, err)
	}
	return s, nil
}

// Add schedules a new reminder. An unrecognized priority defaults to P2.
func (s *Store) Add(message string, at time.Time, priority Priority) (*Reminder, error) {
	if message == "" {
		return nil, fmt.Errorf("reminders: empty message")
	}
	switch priority {
	case PriorityP0, PriorityP1, PriorityP2, PriorityP3:
	default:
		priority = PriorityP2
	}

	r := &Reminder{
		ID:           uuid.NewString(),
		Message:      message,
		ScheduledFor: at,
		Priority:     priority,
		Status:       StatusScheduled,
		CreatedAt:    s.now(),
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = append(s.items, r)
	if err := s.save(); err != nil {
		s.items = s.items[:len(s.items)-1]
		return nil, err
	}
	clone := *r
	return &clone, nil
}

// List returns a copy of every reminder.
func (s *Store) List() []*Reminder {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Reminder, 0, len(s.items))
	for _, r := range s.items {
		clone := *r
		out = append(out, &clone)
	}
	return out
}

// Pending counts reminders still waiting to fire. The periodic reminder
// check only runs when this is non-zero.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, r := range s.items {
		if r.Status == StatusScheduled {
			count++
		}
	}
	return count
}

// Cancel marks a scheduled reminder cancelled.
func (s *Store) Cancel(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.items {
		if r.ID != id {
			continue
		}
		if r.Status != StatusScheduled {
			return fmt.Errorf("reminders: %s is already %s", id, r.Status)
		}
		r.Status = StatusCancelled
		return s.save()
	}
	return fmt.Errorf("reminders: no reminder with id %s", id)
}

// Due flips every scheduled reminder whose time has passed to triggered and
// returns the batch. A reminder fires at most once.
func (s *Store) Due(now time.Time) ([]*Reminder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var fired []*Reminder
	for _, r := range s.items {
		if r.Status != StatusScheduled || r.ScheduledFor.After(now) {
			continue
		}
		r.Status = StatusTriggered
		at := now
		r.TriggeredAt = &at
		clone := *r
		fired = append(fired, &clone)
	}
	if len(fired) == 0 {
		return nil, nil
	}
	if err := s.save(); err != nil {
		return nil, err
	}
	return fired, nil
}

// save writes the collection atomically. Caller holds s.mu.
func (s *Store) save() error {
	data, err := json.MarshalIndent(s.items, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal reminders: %w", err)
	}
	data = append(data, '\n')

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write reminders: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace reminders: %w", err)
	}
	return nil
}
