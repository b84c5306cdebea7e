// Package vault stores server-encrypted credential blobs on disk. The blobs
// are opaque to the client: it cannot decrypt them and only carries them back
// to the server inside resolve and proxy envelopes. Plaintext values resolved
// for local gateways live in a memory-only cache that is never persisted.
package vault

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
)

// BlobPrefix marks a server-encrypted blob. Everything the vault stores
// carries it.
const BlobPrefix = "srv:"

// Vault is the on-disk blob store plus the in-memory resolve cache.
type Vault struct {
	path string

	mu       sync.Mutex
	entries  map[string]string
	resolved map[string]string
}

// Open loads the vault file, creating an empty vault when the file does not
// exist yet.
func Open(path string) (*Vault, error) {
	v := &Vault{
		path:     path,
		entries:  make(map[string]string),
		resolved: make(map[string]string),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return v, nil
		}
		return nil, fmt.Errorf("read vault: %w", err)
	}
	if err := json.Unmarshal(data, &v.entries); err != nil {
		return nil, fmt.Errorf("parse vault %s: %w", path, err)
	}
	return v, nil
}

// Store persists an encrypted blob under key and drops any cached resolved
// value so gateways pick up the fresh credential.
func (v *Vault) Store(key, blob string) error {
	if key == "" {
		return fmt.Errorf("vault: empty key name")
	}
	if !strings.HasPrefix(blob, BlobPrefix) {
		return fmt.Errorf("vault: blob for %s does not carry the %s prefix", key, BlobPrefix)
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.entries[key] = blob
	delete(v.resolved, key)
	return v.save()
}

// Get returns the stored blob for key.
func (v *Vault) Get(key string) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	blob, ok := v.entries[key]
	return blob, ok
}

// Delete removes a blob and its cached resolution.
func (v *Vault) Delete(key string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.entries[key]; !ok {
		return nil
	}
	delete(v.entries, key)
	delete(v.resolved, key)
	return v.save()
}

// Keys lists stored key names in sorted order.
func (v *Vault) Keys() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	keys := make([]string, 0, len(v.entries))
	for key := range v.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// CacheResolved remembers a plaintext obtained from the server for the
// lifetime of this process.
func (v *Vault) CacheResolved(key, plaintext string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.resolved[key] = plaintext
}

// Resolved returns the cached plaintext for key, if any.
func (v *Vault) Resolved(key string) (string, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	value, ok := v.resolved[key]
	return value, ok
}

// save writes the entries map atomically with owner-only permissions. Caller
// holds v.mu.
func (v *Vault) save() error {
	data, err := json.MarshalIndent(v.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal vault: %w", err)
	}
	data = append(data, '\n')

	tmp := v.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write vault: %w", err)
	}
	if err := os.Rename(tmp, v.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace vault: %w", err)
	}
	return nil
}
