// Package keywrap owns data-encryption-key custody: generating random
// DEKs, wrapping and unwrapping them under the non-extractable hardware
// KEK, and rotating the store key without ever leaving the store in a
// state where no key opens it.
package keywrap

import (
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/credvault/credvault/aead"
	"github.com/credvault/credvault/hardware"
	"github.com/credvault/credvault/secret"
	"github.com/credvault/credvault/store"
	"github.com/credvault/credvault/vaulterr"
)

// StoreKeyPurpose is the wrapped-key table entry holding the store DEK.
const StoreKeyPurpose = "database"

// Backend is the persistence the vault needs: the rekeyable store plus the
// wrapped-key table.
type Backend interface {
	store.Store
	store.WrappedKeys
}

// auditor is implemented by backends that keep a rotation audit trail.
type auditor interface {
	RecordRotation(oldFP, newFP []byte, startedAt time.Time) error
}

// Vault generates, wraps and rotates data-encryption keys.
type Vault struct {
	provider hardware.Provider
	facade   *aead.Facade
	backend  Backend

	// rotateMu serializes rotations: only one may be in flight.
	rotateMu sync.Mutex
}

// New builds a key-wrapping vault over the given hardware provider and
// backend.
func New(provider hardware.Provider, facade *aead.Facade, backend Backend) *Vault {
	return &Vault{provider: provider, facade: facade, backend: backend}
}

// GenerateKey returns a fresh random 256-bit key in a wipeable buffer.
func (v *Vault) GenerateKey() (*secret.Buffer, error) {
	key := secret.New(aead.KeySize)
	if _, err := rand.Read(key.Bytes()); err != nil {
		key.Close()
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return key, nil
}

// Wrap encrypts plainKey under the named hardware KEK with a fresh IV and
// returns the persistable record. The caller keeps ownership of plainKey
// and must wipe it after the call.
func (v *Vault) Wrap(plainKey *secret.Buffer, kekAlias hardware.KeyAlias) (*store.WrappedKeyRecord, error) {
	const op = "keywrap.Wrap"

	if plainKey == nil || plainKey.Len() != aead.KeySize {
		return nil, vaulterr.New(vaulterr.CorruptEnvelope, op)
	}

	if err := v.provider.EnsureKey(kekAlias); err != nil {
		return nil, err
	}
	kek, err := v.provider.Key(kekAlias)
	if err != nil {
		return nil, err
	}

	env, err := v.facade.Encrypt(plainKey.Bytes(), aead.AlgorithmAuto, kek)
	if err != nil {
		return nil, err
	}
	return &store.WrappedKeyRecord{
		Algorithm:  byte(env.Algorithm),
		IV:         env.IV,
		Ciphertext: env.Ciphertext,
		Version:    int64(env.Version),
	}, nil
}

// Unwrap decrypts a wrapped record under the named hardware KEK. Any
// authentication mismatch - wrong key, corrupted record, tampering -
// reports DecryptionFailed with no partial plaintext.
func (v *Vault) Unwrap(rec *store.WrappedKeyRecord, kekAlias hardware.KeyAlias) (*secret.Buffer, error) {
	const op = "keywrap.Unwrap"

	if rec == nil {
		return nil, vaulterr.New(vaulterr.CorruptEnvelope, op)
	}
	kek, err := v.provider.Key(kekAlias)
	if err != nil {
		return nil, err
	}

	env := &aead.Envelope{
		Version:    byte(rec.Version),
		Algorithm:  aead.Algorithm(rec.Algorithm),
		IV:         rec.IV,
		Ciphertext: rec.Ciphertext,
	}
	plain, err := v.facade.Decrypt(env, kek)
	if err != nil {
		return nil, err
	}
	return secret.FromBytes(plain), nil
}

// InitializeStoreKey generates the first store DEK, opens the store with
// it, and persists the wrapped record. Fails if a store key already
// exists.
func (v *Vault) InitializeStoreKey() error {
	const op = "keywrap.InitializeStoreKey"

	switch _, err := v.backend.LoadWrappedKey(StoreKeyPurpose); {
	case err == nil:
		return fmt.Errorf("%s: store key already initialized", op)
	case !errors.Is(err, store.ErrNotFound):
		// A transient load failure is not absence; generating a second
		// DEK here would shadow a key that may still exist.
		return fmt.Errorf("%s: failed to check for existing store key: %w", op, err)
	}

	dek, err := v.GenerateKey()
	if err != nil {
		return err
	}
	defer dek.Close()

	rec, err := v.Wrap(dek, hardware.AliasStoreKEK)
	if err != nil {
		return err
	}
	if err := v.backend.Open(dek.Bytes()); err != nil {
		return err
	}
	return v.backend.SaveWrappedKey(StoreKeyPurpose, rec)
}

// OpenStore unwraps the persisted store DEK and opens the store with it.
func (v *Vault) OpenStore() error {
	rec, err := v.backend.LoadWrappedKey(StoreKeyPurpose)
	if err != nil {
		return vaulterr.Wrap(vaulterr.CorruptEnvelope, "keywrap.OpenStore", err)
	}
	dek, err := v.Unwrap(rec, hardware.AliasStoreKEK)
	if err != nil {
		return err
	}
	defer dek.Close()
	return v.backend.Open(dek.Bytes())
}

// RotateStoreKey generates a new DEK, re-encrypts the store in place, and
// overwrites the persisted wrapped key only after the store confirms the
// rekey succeeded. If the rekey fails, the old wrapped key remains the
// sole valid key. Only one rotation may be in flight.
func (v *Vault) RotateStoreKey() error {
	const op = "keywrap.RotateStoreKey"

	v.rotateMu.Lock()
	defer v.rotateMu.Unlock()

	startedAt := time.Now()

	oldRec, err := v.backend.LoadWrappedKey(StoreKeyPurpose)
	if err != nil {
		return vaulterr.Wrap(vaulterr.RotationFailed, op, err)
	}

	newDEK, err := v.GenerateKey()
	if err != nil {
		return vaulterr.Wrap(vaulterr.RotationFailed, op, err)
	}
	defer newDEK.Close()

	// Wrap before the rekey so a wrapping failure cannot strand the store
	// under a key with no persisted record.
	newRec, err := v.Wrap(newDEK, hardware.AliasStoreKEK)
	if err != nil {
		return vaulterr.Wrap(vaulterr.RotationFailed, op, err)
	}

	if err := v.backend.Rekey(newDEK.Bytes()); err != nil {
		// Old wrapped key is still authoritative; nothing was
		// overwritten.
		log.Warn().Msg("Store rekey failed, old store key remains authoritative")
		if vaulterr.KindOf(err) == vaulterr.RotationFailed {
			return err
		}
		return vaulterr.Wrap(vaulterr.RotationFailed, op, err)
	}

	// Commit point: the store now only opens under the new DEK.
	if err := v.backend.SaveWrappedKey(StoreKeyPurpose, newRec); err != nil {
		return vaulterr.Wrap(vaulterr.RotationFailed, op, err)
	}

	if a, ok := v.backend.(auditor); ok {
		if err := a.RecordRotation(store.Fingerprint(oldRec), store.Fingerprint(newRec), startedAt); err != nil {
			log.Warn().Err(err).Msg("Failed to record rotation audit entry")
		}
	}

	log.Info().Msg("Store key rotated")
	return nil
}
