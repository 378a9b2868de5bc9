// Package biometric implements the biometric-gated unlock flow: a state
// machine that wraps the MEK under a hardware key usable only after a
// successful biometric ceremony, and unwraps it again on unlock. Hardware
// key invalidation (enrollment change) disables the flow and forces the
// passphrase fallback; it is a user-visible condition, not a crash.
package biometric

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/credvault/credvault/aead"
	"github.com/credvault/credvault/hardware"
	"github.com/credvault/credvault/secret"
	"github.com/credvault/credvault/store"
	"github.com/credvault/credvault/vaulterr"
)

// State of the biometric unlock feature.
type State int

const (
	StateDisabled State = iota
	StateSettingUp
	StateEnabled
	StateInvalidated
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateSettingUp:
		return "setting_up"
	case StateEnabled:
		return "enabled"
	case StateInvalidated:
		return "invalidated"
	default:
		return "unknown"
	}
}

// Outcome is the terminal result of one biometric ceremony.
type Outcome int

const (
	OutcomeSuccess Outcome = iota + 1
	OutcomeError
	OutcomeCancelled
)

// Result is the tagged outcome of a ceremony. Err is set only for
// OutcomeError and never carries key material.
type Result struct {
	Outcome Outcome
	Err     error
}

// Authenticator runs the user-paced biometric ceremony. One ceremony is
// outstanding per unlock attempt; a failed single sample surfaces as
// OutcomeError and the user may simply retry the operation.
type Authenticator interface {
	Authenticate(ctx context.Context, reason string) Result
}

// Ceremony failures that are not taxonomy errors: the user can retry
// without re-running setup.
var (
	ErrCeremonyFailed    = errors.New("biometric: ceremony failed")
	ErrCeremonyCancelled = errors.New("biometric: ceremony cancelled")
	ErrNotEnabled        = errors.New("biometric: unlock not enabled")
)

// metaStore is the slice of the store the flow persists into.
type metaStore interface {
	SetMeta(name string, value []byte) error
	GetMeta(name string) ([]byte, error)
	DeleteMeta(name string) error
}

// Flow owns the biometric unlock state machine.
type Flow struct {
	provider hardware.Provider
	facade   *aead.Facade
	meta     metaStore
	auth     Authenticator

	mu    sync.Mutex
	state State
}

// NewFlow restores the flow state from the persisted wrapped-MEK record:
// Enabled when one exists, Disabled otherwise.
func NewFlow(provider hardware.Provider, facade *aead.Facade, meta metaStore, auth Authenticator) *Flow {
	f := &Flow{provider: provider, facade: facade, meta: meta, auth: auth, state: StateDisabled}
	if _, err := meta.GetMeta(store.MetaBiometricMEK); err == nil {
		f.state = StateEnabled
	}
	return f
}

// State returns the current feature state.
func (f *Flow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Setup enables biometric unlock by wrapping the MEK under a fresh
// auth-bound hardware key. The caller derived the MEK from the passphrase
// and keeps ownership of it; on any failure the feature stays Disabled and
// nothing is persisted.
func (f *Flow) Setup(ctx context.Context, mek *secret.Buffer) error {
	const op = "biometric.Setup"

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state == StateEnabled || f.state == StateSettingUp {
		return errors.New("biometric: already enabled")
	}
	if mek == nil || mek.Len() == 0 {
		return vaulterr.New(vaulterr.InvalidPassphrase, op)
	}
	f.state = StateSettingUp

	if err := f.provider.EnsureAuthBoundKey(hardware.AliasBiometricMEK); err != nil {
		f.state = StateDisabled
		return err
	}

	// The ceremony authenticates the user before the cipher is used.
	switch res := f.auth.Authenticate(ctx, "Enable biometric unlock"); res.Outcome {
	case OutcomeSuccess:
	case OutcomeCancelled:
		f.state = StateDisabled
		return ErrCeremonyCancelled
	default:
		f.state = StateDisabled
		if res.Err != nil {
			return errors.Join(ErrCeremonyFailed, res.Err)
		}
		return ErrCeremonyFailed
	}

	key, err := f.provider.AuthBoundKey(hardware.AliasBiometricMEK)
	if err != nil {
		f.state = StateDisabled
		return err
	}

	env, err := f.facade.Encrypt(mek.Bytes(), aead.AlgorithmAuto, key)
	if err != nil {
		f.state = StateDisabled
		return err
	}

	record, err := store.EncodeSealed(&store.SealedRecord{
		IV:         env.IV,
		Ciphertext: env.Ciphertext,
		Algorithm:  byte(env.Algorithm),
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		f.state = StateDisabled
		return err
	}
	if err := f.meta.SetMeta(store.MetaBiometricMEK, record); err != nil {
		f.state = StateDisabled
		return err
	}

	f.state = StateEnabled
	log.Info().Msg("Biometric unlock enabled")
	return nil
}

// Unlock recovers the MEK after a successful ceremony. The returned buffer
// is owned by the caller, who must wipe it. On hardware key invalidation
// the feature is disabled and the caller must fall back to the passphrase.
func (f *Flow) Unlock(ctx context.Context) (*secret.Buffer, error) {
	const op = "biometric.Unlock"

	f.mu.Lock()
	defer f.mu.Unlock()

	if f.state != StateEnabled {
		return nil, ErrNotEnabled
	}

	raw, err := f.meta.GetMeta(store.MetaBiometricMEK)
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.CorruptEnvelope, op, err)
	}
	record, err := store.DecodeSealed(raw)
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.CorruptEnvelope, op, err)
	}

	key, err := f.provider.AuthBoundKey(hardware.AliasBiometricMEK)
	if err != nil {
		if vaulterr.KindOf(err) == vaulterr.HardwareKeyInvalidated {
			// Enrollment changed: the wrapped MEK is unrecoverable.
			// Disable the feature; passphrase unlock still works.
			f.disableLocked()
			f.state = StateInvalidated
			log.Warn().Msg("Biometric key invalidated, falling back to passphrase unlock")
		}
		return nil, err
	}

	switch res := f.auth.Authenticate(ctx, "Unlock vault"); res.Outcome {
	case OutcomeSuccess:
	case OutcomeCancelled:
		return nil, ErrCeremonyCancelled
	default:
		if res.Err != nil {
			return nil, errors.Join(ErrCeremonyFailed, res.Err)
		}
		return nil, ErrCeremonyFailed
	}

	env := &aead.Envelope{
		Version:    aead.EnvelopeVersion,
		Algorithm:  aead.Algorithm(record.Algorithm),
		IV:         record.IV,
		Ciphertext: record.Ciphertext,
	}
	mek, err := f.facade.Decrypt(env, key)
	if err != nil {
		return nil, err
	}
	return secret.FromBytes(mek), nil
}

// Disable deletes the hardware key and the persisted wrapped MEK.
func (f *Flow) Disable() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := f.disableLocked()
	f.state = StateDisabled
	if err == nil {
		log.Info().Msg("Biometric unlock disabled")
	}
	return err
}

func (f *Flow) disableLocked() error {
	keyErr := f.provider.DeleteKey(hardware.AliasBiometricMEK)
	metaErr := f.meta.DeleteMeta(store.MetaBiometricMEK)
	if keyErr != nil {
		return keyErr
	}
	return metaErr
}
