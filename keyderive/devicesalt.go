package keyderive

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"os"
	"strings"
)

// InstallSaltSize is the size of the random per-install salt component.
const InstallSaltSize = 16

// NewInstallSalt generates the random per-install salt component.
func NewInstallSalt() ([]byte, error) {
	salt := make([]byte, InstallSaltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate install salt: %w", err)
	}
	return salt, nil
}

// DeviceSalt combines the per-install random salt with a device-bound
// identifier, so the same passphrase yields different MEKs on different
// installs and different devices.
func DeviceSalt(installSalt []byte) []byte {
	h := sha256.New()
	h.Write([]byte("credvault/device-salt/v1"))
	h.Write(installSalt)
	h.Write(deviceIdentifier())
	return h.Sum(nil)
}

// deviceIdentifier returns a stable per-device value. The machine ID is
// preferred; the hostname is the fallback on platforms without one.
func deviceIdentifier() []byte {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if data, err := os.ReadFile(path); err == nil {
			if id := strings.TrimSpace(string(data)); id != "" {
				return []byte(id)
			}
		}
	}
	host, err := os.Hostname()
	if err != nil {
		return []byte("credvault-unknown-device")
	}
	return []byte(host)
}

// DeviceFingerprint hashes the device identifier for embedding in export
// blobs. Cross-device decryption is flagged on mismatch, not blocked.
func DeviceFingerprint() []byte {
	sum := sha256.Sum256(deviceIdentifier())
	return sum[:8]
}
