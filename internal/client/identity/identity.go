// Package identity manages the persisted device credential and the hardware
// fingerprint a device presents when authenticating. The fingerprint is
// derived once at startup and held in memory only.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Credential is the device's identity as issued by the server on
// registration. It is persisted to device.json with 0600 permissions and
// loaded on every startup.
type Credential struct {
	DeviceID     string    `json:"device_id"`
	DeviceSecret string    `json:"device_secret"`
	ServerURL    string    `json:"server_url"`
	Label        string    `json:"label"`
	RegisteredAt time.Time `json:"registered_at"`
}

// Load reads the credential file. A missing file returns (nil, nil): the
// caller treats that as "not registered yet".
func Load(path string) (*Credential, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read credential: %w", err)
	}

	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return nil, fmt.Errorf("parse credential: %w", err)
	}
	if cred.DeviceID == "" || cred.DeviceSecret == "" {
		return nil, fmt.Errorf("credential file %s is missing device_id or device_secret", path)
	}
	return &cred, nil
}

// Save writes the credential atomically with owner-only permissions.
func Save(path string, cred *Credential) error {
	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credential: %w", err)
	}
	data = append(data, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write credential: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace credential: %w", err)
	}
	return nil
}

// Remove deletes the credential file. Used only on explicit user action.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove credential: %w", err)
	}
	return nil
}

var machineIDPaths = []string{
	"/etc/machine-id",
	"/var/lib/dbus/machine-id",
}

// Fingerprint derives a stable hardware fingerprint: a SHA-256 over the
// sorted set of machine identifiers available on this host (machine id file,
// MAC addresses, hostname). The result never leaves process memory except
// inside register/auth envelopes.
func Fingerprint() string {
	return fingerprintFrom(machineID(), macAddresses(), hostname())
}

func fingerprintFrom(machineID string, macs []string, host string) string {
	parts := make([]string, 0, len(macs)+1)
	if machineID != "" {
		parts = append(parts, "machine:"+machineID)
	}
	for _, mac := range macs {
		parts = append(parts, "mac:"+mac)
	}
	if len(parts) == 0 {
		// No stable hardware identifiers found. The hostname is weaker but
		// better than an empty fingerprint.
		parts = append(parts, "host:"+host)
	}
	sort.Strings(parts)

	sum := sha256.Sum256([]byte(strings.Join(parts, "\n")))
	return hex.EncodeToString(sum[:])
}

func machineID() string {
	for _, path := range machineIDPaths {
		data, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			continue
		}
		if id := strings.TrimSpace(string(data)); id != "" {
			return id
		}
	}
	return ""
}

func macAddresses() []string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil
	}
	var macs []string
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 {
			continue
		}
		if addr := iface.HardwareAddr.String(); addr != "" {
			macs = append(macs, addr)
		}
	}
	return macs
}

func hostname() string {
	host, err := os.Hostname()
	if err != nil {
		return ""
	}
	return host
}
