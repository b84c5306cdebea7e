// Package models holds the conversation types shared by the server
// pipeline and its tests.
package models

import "time"

// Role identifies who produced a conversation turn.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one entry in a session's conversation feed.
type Turn struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Topic     string    `json:"topic,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Thread is a persisted ordered sequence of conversation turns under a
// single topic label.
type Thread struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Topic     string    `json:"topic"`
	Turns     []Turn    `json:"turns"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Append adds a turn and bumps UpdatedAt.
func (t *Thread) Append(turn Turn) {
	t.Turns = append(t.Turns, turn)
	if turn.CreatedAt.After(t.UpdatedAt) {
		t.UpdatedAt = turn.CreatedAt
	}
}
