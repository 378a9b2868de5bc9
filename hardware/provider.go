// Package hardware abstracts the secure hardware provider: creation and
// custody of non-extractable key-encryption keys addressed by alias, the
// secure-backing capability probe, and auth-bound keys for the biometric
// unlock flow. Raw key bytes never cross the provider boundary.
package hardware

import (
	"sync"

	"github.com/credvault/credvault/aead"
)

// KeyAlias is an opaque handle naming a hardware-resident key.
type KeyAlias string

// Well-known aliases used by the core.
const (
	// AliasStoreKEK wraps the store's data-encryption key.
	AliasStoreKEK KeyAlias = "credvault.kek.store"

	// AliasDeviceSalt wraps the persisted device-salt record.
	AliasDeviceSalt KeyAlias = "credvault.kek.devicesalt"

	// AliasBiometricMEK is the auth-bound key wrapping the MEK for
	// biometric unlock.
	AliasBiometricMEK KeyAlias = "credvault.kek.biometric"

	// aliasProbe is the throwaway key used by the capability probe.
	aliasProbe KeyAlias = "credvault.kek.probe"
)

// Provider is the secure hardware collaborator. Implementations must fail
// closed: no silent downgrade to software custody.
type Provider interface {
	// EnsureKey creates the named non-extractable AEAD key if it does not
	// exist. Idempotent.
	EnsureKey(alias KeyAlias) error

	// Key returns a handle for the named key. The handle supplies AEAD
	// primitives without exposing key bytes.
	Key(alias KeyAlias) (aead.KeyHandle, error)

	// EnsureAuthBoundKey creates a key usable only after a successful
	// biometric ceremony. Idempotent.
	EnsureAuthBoundKey(alias KeyAlias) error

	// AuthBoundKey returns a handle for an auth-bound key. It reports
	// HardwareKeyInvalidated when the key was invalidated by an
	// enrollment change; callers must fall back to the passphrase.
	AuthBoundKey(alias KeyAlias) (aead.KeyHandle, error)

	// IsHardwareBacked reports whether the named key lives in secure
	// hardware.
	IsHardwareBacked(alias KeyAlias) (bool, error)

	// DeleteKey removes the named key. Deleting a missing key is not an
	// error.
	DeleteKey(alias KeyAlias) error
}

// Probe answers the facade's one-time capability question by creating a
// throwaway key and inspecting its backing. The result is cached for the
// process lifetime.
type Probe struct {
	provider Provider
	once     sync.Once
	secure   bool
}

// NewProbe builds a probe over the given provider.
func NewProbe(p Provider) *Probe {
	return &Probe{provider: p}
}

// SecureHardware implements aead.CapabilityProber.
func (p *Probe) SecureHardware() bool {
	p.once.Do(func() {
		if p.provider == nil {
			return
		}
		if err := p.provider.EnsureKey(aliasProbe); err != nil {
			return
		}
		defer func() { _ = p.provider.DeleteKey(aliasProbe) }()

		backed, err := p.provider.IsHardwareBacked(aliasProbe)
		if err != nil {
			return
		}
		p.secure = backed
	})
	return p.secure
}
