package creds

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"sync"
	"time"
)

// SessionTTL is how long a credential entry session stays usable.
const SessionTTL = 15 * time.Minute

var (
	// ErrDomainRequired rejects session requests without an allowed domain.
	// Domain scoping is mandatory; there is no wildcard credential.
	ErrDomainRequired = errors.New("allowed_domain is required")

	// ErrSessionNotFound covers unknown, expired, and already-consumed
	// tokens alike so callers cannot distinguish them.
	ErrSessionNotFound = errors.New("credential session not found")
)

// EntrySession is one pending credential entry: a one-time token plus
// everything needed to encrypt the submitted value and route the blob back.
type EntrySession struct {
	Token         string
	UserID        string
	DeviceID      string
	KeyName       string
	Prompt        string
	Title         string
	AllowedDomain string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	Consumed      bool
}

// SessionStore holds pending entry sessions. It is process-wide; all access
// goes through the mutex and writes never block on I/O.
type SessionStore struct {
	mu       sync.Mutex
	sessions map[string]*EntrySession
	ttl      time.Duration

	now  func() time.Time
	rand io.Reader
}

// NewSessionStore creates an empty session store with the default TTL.
func NewSessionStore() *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*EntrySession),
		ttl:      SessionTTL,
		now:      time.Now,
		rand:     rand.Reader,
	}
}

// Create mints a new one-time entry session. The token is 32 random bytes,
// hex-encoded.
func (s *SessionStore) Create(userID, deviceID, keyName, prompt, title, allowedDomain string) (*EntrySession, error) {
	allowedDomain = strings.ToLower(strings.TrimSpace(allowedDomain))
	if allowedDomain == "" {
		return nil, ErrDomainRequired
	}
	if strings.TrimSpace(keyName) == "" {
		return nil, errors.New("key_name is required")
	}

	buf := make([]byte, 32)
	if _, err := io.ReadFull(s.rand, buf); err != nil {
		return nil, err
	}
	token := hex.EncodeToString(buf)

	now := s.now()
	session := &EntrySession{
		Token:         token,
		UserID:        userID,
		DeviceID:      deviceID,
		KeyName:       keyName,
		Prompt:        prompt,
		Title:         title,
		AllowedDomain: allowedDomain,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.ttl),
	}

	s.mu.Lock()
	s.sessions[token] = session
	s.mu.Unlock()

	return session, nil
}

// Peek returns a live session without consuming it. The GET form handler
// uses this; consumption happens only on POST.
func (s *SessionStore) Peek(token string) (*EntrySession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[token]
	if !ok || session.Consumed || !session.ExpiresAt.After(s.now()) {
		return nil, ErrSessionNotFound
	}
	copied := *session
	return &copied, nil
}

// Consume atomically retrieves and marks a session consumed. The second POST
// with the same token fails even while the entry is still in the map.
func (s *SessionStore) Consume(token string) (*EntrySession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[token]
	if !ok || session.Consumed || !session.ExpiresAt.After(s.now()) {
		return nil, ErrSessionNotFound
	}
	session.Consumed = true
	copied := *session
	return &copied, nil
}

// Sweep drops expired and consumed sessions. The gateway runs this on a
// timer.
func (s *SessionStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for token, session := range s.sessions {
		if session.Consumed || !session.ExpiresAt.After(now) {
			delete(s.sessions, token)
			removed++
		}
	}
	return removed
}

// Len returns the number of sessions currently held, live or not.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
