// Package store implements the encrypted store collaborator: a SQLite
// database whose item rows are encrypted under the store DEK, plus the
// at-rest metadata the crypto core persists outside the encrypted area
// (wrapped-key table, device-salt record, passphrase verifier, optional
// wrapped MEK for biometric unlock).
package store

import (
	"time"

	"github.com/fxamacker/cbor/v2"
)

// Meta record names persisted by the core. Values are wrapped or public;
// nothing stored under these names is plaintext secret material.
const (
	MetaDeviceSalt   = "device_salt"   // hardware-wrapped install salt
	MetaVerifier     = "passphrase_verifier"
	MetaBiometricMEK = "biometric_wrapped_mek"
	MetaInstallID    = "install_id"
)

// WrappedKeyRecord is one row of the wrapped-key table: a key encrypted
// under the hardware KEK, safe to store at rest.
type WrappedKeyRecord struct {
	Algorithm  byte   `cbor:"1,keyasint"`
	IV         []byte `cbor:"2,keyasint"`
	Ciphertext []byte `cbor:"3,keyasint"`
	Version    int64  `cbor:"4,keyasint"`
}

// SealedRecord is a CBOR-serialized wrapped blob stored under a meta name,
// e.g. the device-salt record or the biometric wrapped MEK.
type SealedRecord struct {
	IV         []byte    `cbor:"1,keyasint"`
	Ciphertext []byte    `cbor:"2,keyasint"`
	CreatedAt  time.Time `cbor:"3,keyasint,omitempty"`
	Algorithm  byte      `cbor:"4,keyasint,omitempty"`
}

// EncodeSealed serializes a sealed record for meta storage.
func EncodeSealed(r *SealedRecord) ([]byte, error) {
	return cbor.Marshal(r)
}

// DecodeSealed parses a sealed record from meta storage.
func DecodeSealed(data []byte) (*SealedRecord, error) {
	var r SealedRecord
	if err := cbor.Unmarshal(data, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

// Store is the encrypted store as seen by the key-wrapping vault: it can
// be opened with raw key bytes and re-keyed atomically in place.
type Store interface {
	// Open unlocks item access with the given 32-byte DEK. Fails with
	// DecryptionFailed when the key does not match the store contents.
	Open(dek []byte) error

	// Rekey re-encrypts the entire store in place under newDEK, all or
	// nothing. On success the store is open under newDEK; on failure the
	// previous key remains the sole valid key.
	Rekey(newDEK []byte) error

	// IsOpen reports whether item access is unlocked.
	IsOpen() bool

	// Lock drops the in-memory DEK and closes item access.
	Lock()
}

// WrappedKeys is the persistence surface for the wrapped-key table.
type WrappedKeys interface {
	SaveWrappedKey(purpose string, rec *WrappedKeyRecord) error
	LoadWrappedKey(purpose string) (*WrappedKeyRecord, error)
	DeleteWrappedKey(purpose string) error
}
