// Package creds implements the split-knowledge credential system: the server
// holds a master key and derives one AES key per (user, domain) pair, the
// client holds only opaque encrypted blobs, and plaintext exists server-side
// for the duration of a single proxied request.
package creds

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"golang.org/x/crypto/hkdf"
)

const (
	// BlobPrefix marks a string as a server-encrypted credential blob.
	BlobPrefix = "srv:"

	blobVersion    = 1
	masterKeyBytes = 32
	derivedKeyLen  = 32
	ivLen          = 16
	tagLen         = 16

	derivationInfo = "dotbot-credential-v1:"
)

var (
	// ErrMasterKeyCorrupt means the master key file exists but does not hold
	// exactly 32 bytes. Startup must abort rather than regenerate: a new key
	// would silently invalidate every stored blob.
	ErrMasterKeyCorrupt = errors.New("master key file is corrupt")

	// ErrMalformedBlob means the blob is not a valid srv: envelope.
	ErrMalformedBlob = errors.New("malformed credential blob")

	// ErrDomainMismatch covers both an explicit request-domain mismatch and a
	// GCM authentication failure, which is what decrypting with the wrong
	// domain's key looks like.
	ErrDomainMismatch = errors.New("credential domain mismatch")
)

// blobEnvelope is the JSON structure inside a srv: blob. IV, tag, and
// ciphertext are hex-encoded; the whole object is base64-encoded on the wire.
type blobEnvelope struct {
	V   int    `json:"v"`
	U   string `json:"u"`
	D   string `json:"d"`
	IV  string `json:"iv"`
	Tag string `json:"tag"`
	CT  string `json:"ct"`
}

// Cipher seals and opens credential blobs. It is process-wide and read-only
// after construction, so it is safe for concurrent use.
type Cipher struct {
	masterKey []byte
	rand      io.Reader
}

// NewCipher builds a Cipher over a 32-byte master key.
func NewCipher(masterKey []byte) (*Cipher, error) {
	if len(masterKey) != masterKeyBytes {
		return nil, fmt.Errorf("master key must be %d bytes, got %d: %w", masterKeyBytes, len(masterKey), ErrMasterKeyCorrupt)
	}
	key := make([]byte, masterKeyBytes)
	copy(key, masterKey)
	return &Cipher{masterKey: key, rand: rand.Reader}, nil
}

// LoadMasterKey reads the master key from path, generating and persisting a
// fresh one on first start. A file with the wrong length aborts with
// ErrMasterKeyCorrupt; regeneration is never attempted.
func LoadMasterKey(path string) (key []byte, generated bool, err error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != masterKeyBytes {
			return nil, false, fmt.Errorf("%s holds %d bytes, want %d: %w", path, len(data), masterKeyBytes, ErrMasterKeyCorrupt)
		}
		return data, false, nil
	}
	if !os.IsNotExist(err) {
		return nil, false, fmt.Errorf("read master key: %w", err)
	}

	key = make([]byte, masterKeyBytes)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, false, fmt.Errorf("generate master key: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, false, fmt.Errorf("create master key dir: %w", err)
	}
	if err := writeFileAtomic(path, key, 0600); err != nil {
		return nil, false, fmt.Errorf("write master key: %w", err)
	}
	return key, true, nil
}

// MasterKeyPermissionsEnforced reports whether 0600 on the key file actually
// restricts access on this platform. Callers log a warning when it is false.
func MasterKeyPermissionsEnforced() bool {
	return runtime.GOOS != "windows"
}

// deriveKey computes the per-credential AES key for a (user, domain) pair.
// The domain is folded into the HKDF info parameter, so a blob sealed for one
// domain cannot be opened with any other domain's key.
func (c *Cipher) deriveKey(userID, domain string) ([]byte, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	if domain == "" {
		return nil, errors.New("allowed domain is required")
	}
	r := hkdf.New(sha512.New, c.masterKey, []byte(userID), []byte(derivationInfo+domain))
	key := make([]byte, derivedKeyLen)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive credential key: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext for the given user and domain and returns the
// srv:-prefixed blob the client will store.
func (c *Cipher) Encrypt(plaintext, userID, domain string) (string, error) {
	domain = strings.ToLower(strings.TrimSpace(domain))
	key, err := c.deriveKey(userID, domain)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivLen)
	if err != nil {
		return "", fmt.Errorf("init gcm: %w", err)
	}

	iv := make([]byte, ivLen)
	if _, err := io.ReadFull(c.rand, iv); err != nil {
		return "", fmt.Errorf("generate iv: %w", err)
	}

	sealed := gcm.Seal(nil, iv, []byte(plaintext), nil)
	ct := sealed[:len(sealed)-tagLen]
	tag := sealed[len(sealed)-tagLen:]

	env := blobEnvelope{
		V:   blobVersion,
		U:   userID,
		D:   domain,
		IV:  hex.EncodeToString(iv),
		Tag: hex.EncodeToString(tag),
		CT:  hex.EncodeToString(ct),
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("marshal blob: %w", err)
	}
	return BlobPrefix + base64.StdEncoding.EncodeToString(raw), nil
}

// Decrypt opens a srv: blob and returns the plaintext and the domain it was
// sealed for. When requestDomain is non-empty it must equal the stored domain
// before key derivation is even attempted.
func (c *Cipher) Decrypt(blob, requestDomain string) (plaintext, domain string, err error) {
	env, err := parseBlob(blob)
	if err != nil {
		return "", "", err
	}

	if requestDomain != "" && strings.ToLower(strings.TrimSpace(requestDomain)) != env.D {
		return "", "", fmt.Errorf("blob is bound to %q, requested %q: %w", env.D, requestDomain, ErrDomainMismatch)
	}

	key, err := c.deriveKey(env.U, env.D)
	if err != nil {
		return "", "", err
	}

	iv, err := hex.DecodeString(env.IV)
	if err != nil || len(iv) != ivLen {
		return "", "", fmt.Errorf("invalid iv: %w", ErrMalformedBlob)
	}
	tag, err := hex.DecodeString(env.Tag)
	if err != nil || len(tag) != tagLen {
		return "", "", fmt.Errorf("invalid auth tag: %w", ErrMalformedBlob)
	}
	ct, err := hex.DecodeString(env.CT)
	if err != nil {
		return "", "", fmt.Errorf("invalid ciphertext: %w", ErrMalformedBlob)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", "", fmt.Errorf("init cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, ivLen)
	if err != nil {
		return "", "", fmt.Errorf("init gcm: %w", err)
	}

	opened, err := gcm.Open(nil, iv, append(ct, tag...), nil)
	if err != nil {
		// Wrong key or tampered blob; the two are indistinguishable here.
		return "", "", ErrDomainMismatch
	}
	return string(opened), env.D, nil
}

// BlobDomain returns the allowed domain a blob is bound to without
// decrypting it. The proxy uses this for its host check.
func BlobDomain(blob string) (string, error) {
	env, err := parseBlob(blob)
	if err != nil {
		return "", err
	}
	return env.D, nil
}

// IsBlob reports whether a stored value looks like a server-encrypted blob.
func IsBlob(value string) bool {
	return strings.HasPrefix(value, BlobPrefix)
}

func parseBlob(blob string) (*blobEnvelope, error) {
	if !strings.HasPrefix(blob, BlobPrefix) {
		return nil, fmt.Errorf("missing %q prefix: %w", BlobPrefix, ErrMalformedBlob)
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(blob, BlobPrefix))
	if err != nil {
		return nil, fmt.Errorf("decode blob: %w", ErrMalformedBlob)
	}
	var env blobEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("parse blob: %w", ErrMalformedBlob)
	}
	if env.V != blobVersion {
		return nil, fmt.Errorf("unsupported blob version %d: %w", env.V, ErrMalformedBlob)
	}
	if env.D == "" || env.IV == "" || env.CT == "" {
		return nil, fmt.Errorf("incomplete blob: %w", ErrMalformedBlob)
	}
	return &env, nil
}

func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
