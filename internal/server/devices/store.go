// Package devices is the server-side registry of paired devices and the
// invite tokens that admit them. Device secrets are stored as SHA-256
// hashes; the plaintext secret exists exactly once, in the registration
// reply.
package devices

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

var (
	ErrInviteNotFound      = errors.New("invite token not found")
	ErrInviteExpired       = errors.New("invite token expired")
	ErrInviteExhausted     = errors.New("invite token fully consumed")
	ErrInviteRevoked       = errors.New("invite token revoked")
	ErrInvalidCredentials  = errors.New("invalid device credentials")
	ErrDeviceRevoked       = errors.New("device revoked")
	ErrFingerprintMismatch = errors.New("hardware fingerprint mismatch")
)

// deviceSecretBytes is the entropy of a freshly issued device secret.
const deviceSecretBytes = 64

// Device is one registered local agent installation.
type Device struct {
	ID           string
	Label        string
	Fingerprint  string
	Platform     string
	RegisteredAt time.Time
	Revoked      bool
}

// Invite is one admission token, single-use unless MaxUses says otherwise.
type Invite struct {
	Token     string
	Label     string
	MaxUses   int
	Uses      int
	ExpiresAt time.Time
	CreatedAt time.Time
	Revoked   bool
}

// Store is the sqlite-backed device registry.
type Store struct {
	db *sql.DB

	now  func() time.Time
	rand io.Reader
}

// Open opens (creating if necessary) the registry database at path.
func Open(path string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open device registry: %w", err)
	}
	// The registry sees little concurrency; a single connection sidesteps
	// sqlite writer contention entirely.
	db.SetMaxOpenConns(1)

	store := &Store{db: db, now: time.Now, rand: rand.Reader}
	if err := store.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS devices (
	id            TEXT PRIMARY KEY,
	secret_hash   TEXT NOT NULL,
	label         TEXT NOT NULL DEFAULT '',
	fingerprint   TEXT NOT NULL,
	platform      TEXT NOT NULL DEFAULT '',
	registered_at INTEGER NOT NULL,
	revoked       INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS invites (
	token      TEXT PRIMARY KEY,
	label      TEXT NOT NULL DEFAULT '',
	max_uses   INTEGER NOT NULL DEFAULT 1,
	uses       INTEGER NOT NULL DEFAULT 0,
	expires_at INTEGER NOT NULL,
	created_at INTEGER NOT NULL,
	revoked    INTEGER NOT NULL DEFAULT 0
);`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate device registry: %w", err)
	}
	return nil
}

// CreateInvite mints a new invite token. maxUses <= 0 means single-use;
// expiryDays <= 0 defaults to 7.
func (s *Store) CreateInvite(ctx context.Context, label string, maxUses, expiryDays int) (*Invite, error) {
	if maxUses <= 0 {
		maxUses = 1
	}
	if expiryDays <= 0 {
		expiryDays = 7
	}

	token, err := generateInviteToken(s.rand)
	if err != nil {
		return nil, err
	}

	now := s.now()
	invite := &Invite{
		Token:     token,
		Label:     strings.TrimSpace(label),
		MaxUses:   maxUses,
		ExpiresAt: now.Add(time.Duration(expiryDays) * 24 * time.Hour),
		CreatedAt: now,
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO invites (token, label, max_uses, uses, expires_at, created_at, revoked)
		 VALUES (?, ?, ?, 0, ?, ?, 0)`,
		invite.Token, invite.Label, invite.MaxUses, invite.ExpiresAt.Unix(), invite.CreatedAt.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("create invite: %w", err)
	}
	return invite, nil
}

// ListInvites returns all invites, newest first.
func (s *Store) ListInvites(ctx context.Context) ([]*Invite, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT token, label, max_uses, uses, expires_at, created_at, revoked
		 FROM invites ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list invites: %w", err)
	}
	defer rows.Close()

	var invites []*Invite
	for rows.Next() {
		invite, err := scanInvite(rows)
		if err != nil {
			return nil, err
		}
		invites = append(invites, invite)
	}
	return invites, rows.Err()
}

// RevokeInvite invalidates an invite token.
func (s *Store) RevokeInvite(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE invites SET revoked = 1 WHERE token = ?`, NormalizeInviteToken(token))
	if err != nil {
		return fmt.Errorf("revoke invite: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return ErrInviteNotFound
	}
	return nil
}

// Register redeems an invite into a fresh device credential. The returned
// secret is the only copy that will ever exist in plaintext.
func (s *Store) Register(ctx context.Context, inviteToken, label, fingerprint, platform string) (deviceID, secret string, err error) {
	inviteToken = NormalizeInviteToken(inviteToken)
	if fingerprint == "" {
		return "", "", errors.New("fingerprint is required")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", "", fmt.Errorf("begin registration: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	var invite Invite
	var expiresAt, createdAt int64
	var revoked int
	row := tx.QueryRowContext(ctx,
		`SELECT token, max_uses, uses, expires_at, created_at, revoked FROM invites WHERE token = ?`,
		inviteToken)
	if scanErr := row.Scan(&invite.Token, &invite.MaxUses, &invite.Uses, &expiresAt, &createdAt, &revoked); scanErr != nil {
		if errors.Is(scanErr, sql.ErrNoRows) {
			return "", "", ErrInviteNotFound
		}
		return "", "", fmt.Errorf("load invite: %w", scanErr)
	}

	now := s.now()
	switch {
	case revoked != 0:
		return "", "", ErrInviteRevoked
	case now.After(time.Unix(expiresAt, 0)):
		return "", "", ErrInviteExpired
	case invite.Uses >= invite.MaxUses:
		return "", "", ErrInviteExhausted
	}

	if _, err = tx.ExecContext(ctx,
		`UPDATE invites SET uses = uses + 1 WHERE token = ?`, inviteToken); err != nil {
		return "", "", fmt.Errorf("consume invite: %w", err)
	}

	deviceID = uuid.NewString()
	secretBytes := make([]byte, deviceSecretBytes)
	if _, err = io.ReadFull(s.rand, secretBytes); err != nil {
		return "", "", fmt.Errorf("generate device secret: %w", err)
	}
	secret = hex.EncodeToString(secretBytes)

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO devices (id, secret_hash, label, fingerprint, platform, registered_at, revoked)
		 VALUES (?, ?, ?, ?, ?, ?, 0)`,
		deviceID, hashSecret(secret), strings.TrimSpace(label), fingerprint, platform, now.Unix(),
	); err != nil {
		return "", "", fmt.Errorf("insert device: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return "", "", fmt.Errorf("commit registration: %w", err)
	}
	return deviceID, secret, nil
}

// Authenticate verifies a credential pair and fingerprint. A fingerprint
// mismatch on an otherwise valid credential permanently revokes the device.
func (s *Store) Authenticate(ctx context.Context, deviceID, secret, fingerprint string) (*Device, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, secret_hash, label, fingerprint, platform, registered_at, revoked
		 FROM devices WHERE id = ?`, deviceID)

	var device Device
	var secretHash string
	var registeredAt int64
	var revoked int
	if err := row.Scan(&device.ID, &secretHash, &device.Label, &device.Fingerprint,
		&device.Platform, &registeredAt, &revoked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrInvalidCredentials
		}
		return nil, fmt.Errorf("load device: %w", err)
	}
	device.RegisteredAt = time.Unix(registeredAt, 0)
	device.Revoked = revoked != 0

	if subtle.ConstantTimeCompare([]byte(hashSecret(secret)), []byte(secretHash)) != 1 {
		return nil, ErrInvalidCredentials
	}
	if device.Revoked {
		return nil, ErrDeviceRevoked
	}
	if device.Fingerprint != fingerprint {
		// Valid secret from different hardware: treat as theft and burn the
		// credential.
		if _, err := s.db.ExecContext(ctx,
			`UPDATE devices SET revoked = 1 WHERE id = ?`, deviceID); err != nil {
			return nil, fmt.Errorf("revoke on fingerprint mismatch: %w", err)
		}
		return nil, ErrFingerprintMismatch
	}

	return &device, nil
}

// Revoke permanently disables a device.
func (s *Store) Revoke(ctx context.Context, deviceID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE devices SET revoked = 1 WHERE id = ?`, deviceID)
	if err != nil {
		return fmt.Errorf("revoke device: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return ErrInvalidCredentials
	}
	return nil
}

// ListDevices returns all registered devices, newest first.
func (s *Store) ListDevices(ctx context.Context) ([]*Device, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, label, fingerprint, platform, registered_at, revoked
		 FROM devices ORDER BY registered_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var devices []*Device
	for rows.Next() {
		var device Device
		var registeredAt int64
		var revoked int
		if err := rows.Scan(&device.ID, &device.Label, &device.Fingerprint,
			&device.Platform, &registeredAt, &revoked); err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		device.RegisteredAt = time.Unix(registeredAt, 0)
		device.Revoked = revoked != 0
		devices = append(devices, &device)
	}
	return devices, rows.Err()
}

func scanInvite(rows *sql.Rows) (*Invite, error) {
	var invite Invite
	var expiresAt, createdAt int64
	var revoked int
	if err := rows.Scan(&invite.Token, &invite.Label, &invite.MaxUses, &invite.Uses,
		&expiresAt, &createdAt, &revoked); err != nil {
		return nil, fmt.Errorf("scan invite: %w", err)
	}
	invite.ExpiresAt = time.Unix(expiresAt, 0)
	invite.CreatedAt = time.Unix(createdAt, 0)
	invite.Revoked = revoked != 0
	return &invite, nil
}

func hashSecret(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}
