// Package vault owns the single in-memory session and exposes the
// operations the application layer consumes: initialize, unlock, lock,
// passphrase change, biometric setup and unlock, field-level encryption,
// password hashing, and store-key rotation.
//
// Passphrase and MEK derivation are CPU-intensive and synchronous; callers
// must invoke them off any latency-sensitive goroutine. Entering and
// leaving the Unlocked state is serialized by one mutex: two concurrent
// unlock or lock sequences can never race on the shared key material.
package vault

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/credvault/credvault/aead"
	"github.com/credvault/credvault/biometric"
	"github.com/credvault/credvault/config"
	"github.com/credvault/credvault/hardware"
	"github.com/credvault/credvault/keyderive"
	"github.com/credvault/credvault/keywrap"
	"github.com/credvault/credvault/passhash"
	"github.com/credvault/credvault/secret"
	"github.com/credvault/credvault/store"
	"github.com/credvault/credvault/vaulterr"
)

// SessionState is the lock state of the vault session.
type SessionState int

const (
	StateLocked SessionState = iota
	StateUnlocked
)

func (s SessionState) String() string {
	if s == StateUnlocked {
		return "unlocked"
	}
	return "locked"
}

// Service is the crypto core entry point. At most one Unlocked session
// exists per Service; no key survives a lock transition.
type Service struct {
	cfg      *config.Config
	provider hardware.Provider
	backend  *store.SQLite
	facade   *aead.Facade
	hashes   *passhash.Service
	wrapper  *keywrap.Vault
	bio      *biometric.Flow

	mu      sync.Mutex
	state   SessionState
	mek     *secret.Buffer // nil while locked
	lastUse time.Time
}

// NewService wires the crypto core together. The hardware provider and
// the password hashing service are constructor-injected so tests can
// substitute fast fakes without weakening production behavior.
func NewService(cfg *config.Config, provider hardware.Provider, backend *store.SQLite,
	hashes *passhash.Service, auth biometric.Authenticator) *Service {

	facade := aead.NewFacade(hardware.NewProbe(provider))
	return &Service{
		cfg:      cfg,
		provider: provider,
		backend:  backend,
		facade:   facade,
		hashes:   hashes,
		wrapper:  keywrap.New(provider, facade, backend),
		bio:      biometric.NewFlow(provider, facade, backend, auth),
	}
}

// State returns the current session state.
func (s *Service) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// BiometricState reports the biometric unlock feature state.
func (s *Service) BiometricState() biometric.State {
	return s.bio.State()
}

// Initialized reports whether the vault has been set up.
func (s *Service) Initialized() bool {
	_, err := s.backend.GetMeta(store.MetaVerifier)
	return err == nil
}

// InitializeVault sets up a new vault from a passphrase: install salt and
// verifier are persisted, the store key is generated and wrapped, and the
// session enters Unlocked. The passphrase bytes are wiped before return.
func (s *Service) InitializeVault(passphrase []byte) error {
	const op = "vault.InitializeVault"

	pass := secret.FromBytes(passphrase)
	defer pass.Close()

	s.mu.Lock()
	defer s.mu.Unlock()

	if pass.Len() == 0 {
		return vaulterr.New(vaulterr.InvalidPassphrase, op)
	}
	if s.Initialized() {
		return vaulterr.New(vaulterr.InvalidPassphrase, op)
	}

	// Per-install salt, wrapped under the device-salt KEK before it is
	// persisted.
	installSalt, err := keyderive.NewInstallSalt()
	if err != nil {
		return err
	}
	defer secret.Wipe(installSalt)
	if err := s.saveInstallSalt(installSalt); err != nil {
		return err
	}
	if err := s.backend.SetMeta(store.MetaInstallID, []byte(uuid.NewString())); err != nil {
		return err
	}

	mek, err := keyderive.DeriveMEK(pass, keyderive.DeviceSalt(installSalt), s.cfg.KDFParams())
	if err != nil {
		return err
	}

	if err := s.wrapper.InitializeStoreKey(); err != nil {
		mek.Close()
		return err
	}

	// The verifier is written last: its presence marks the vault
	// initialized, so a failure above never leaves a vault that looks
	// complete but cannot open.
	verifier, err := s.hashes.Hash(pass.Bytes())
	if err != nil {
		mek.Close()
		return err
	}
	if err := s.backend.SetMeta(store.MetaVerifier, []byte(verifier)); err != nil {
		mek.Close()
		return err
	}

	s.enterUnlocked(mek)
	log.Info().Msg("Vault initialized")
	return nil
}

// Unlock opens the session from a passphrase. A wrong passphrase reports
// WrongCredential and leaves the session Locked. The passphrase bytes are
// wiped before return.
func (s *Service) Unlock(passphrase []byte) error {
	const op = "vault.Unlock"

	pass := secret.FromBytes(passphrase)
	defer pass.Close()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateUnlocked {
		return vaulterr.New(vaulterr.InvalidPassphrase, op)
	}
	if pass.Len() == 0 {
		return vaulterr.New(vaulterr.InvalidPassphrase, op)
	}

	if err := s.verifyPassphraseLocked(pass); err != nil {
		return err
	}

	mek, err := s.deriveMEKLocked(pass)
	if err != nil {
		return err
	}

	if err := s.wrapper.OpenStore(); err != nil {
		mek.Close()
		return err
	}

	s.enterUnlocked(mek)
	log.Info().Msg("Vault unlocked with passphrase")
	return nil
}

// UnlockWithBiometric opens the session through the biometric ceremony.
// On hardware key invalidation the feature is disabled and the error is
// surfaced so the caller can fall back to the passphrase.
func (s *Service) UnlockWithBiometric(ctx context.Context) error {
	const op = "vault.UnlockWithBiometric"

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state == StateUnlocked {
		return vaulterr.New(vaulterr.InvalidPassphrase, op)
	}

	mek, err := s.bio.Unlock(ctx)
	if err != nil {
		return err
	}

	if err := s.wrapper.OpenStore(); err != nil {
		mek.Close()
		return err
	}

	s.enterUnlocked(mek)
	log.Info().Msg("Vault unlocked with biometric")
	return nil
}

// Lock closes the session: the store handle is closed and every live key
// buffer is wiped before the transition completes. Idempotent.
func (s *Service) Lock() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lockLocked()
}

func (s *Service) lockLocked() {
	if s.state == StateLocked {
		return
	}
	s.backend.Lock()
	if s.mek != nil {
		s.mek.Close()
		s.mek = nil
	}
	s.state = StateLocked
	log.Info().Msg("Vault locked")
}

// ChangePassphrase rotates the authentication gate: the old passphrase is
// verified, the verifier is re-hashed under the new one, and the session
// key material is re-derived. Biometric unlock is disabled because its
// wrapped MEK is stale; the user must re-run setup. Both inputs are wiped
// before return.
func (s *Service) ChangePassphrase(oldPassphrase, newPassphrase []byte) error {
	const op = "vault.ChangePassphrase"

	oldPass := secret.FromBytes(oldPassphrase)
	defer oldPass.Close()
	newPass := secret.FromBytes(newPassphrase)
	defer newPass.Close()

	s.mu.Lock()
	defer s.mu.Unlock()

	if oldPass.Len() == 0 || newPass.Len() == 0 {
		return vaulterr.New(vaulterr.InvalidPassphrase, op)
	}
	if err := s.verifyPassphraseLocked(oldPass); err != nil {
		return err
	}

	newMEK, err := s.deriveMEKLocked(newPass)
	if err != nil {
		return err
	}

	verifier, err := s.hashes.Hash(newPass.Bytes())
	if err != nil {
		newMEK.Close()
		return err
	}
	if err := s.backend.SetMeta(store.MetaVerifier, []byte(verifier)); err != nil {
		newMEK.Close()
		return err
	}

	// The biometric wrapped MEK no longer matches; drop it rather than
	// leave an unlockable record behind.
	if s.bio.State() == biometric.StateEnabled {
		if err := s.bio.Disable(); err != nil {
			log.Warn().Err(err).Msg("Failed to disable stale biometric unlock")
		}
	}

	if s.state == StateUnlocked {
		s.mek.Close()
		s.mek = newMEK
		s.lastUse = time.Now()
	} else {
		newMEK.Close()
	}

	log.Info().Msg("Passphrase changed")
	return nil
}

// SetupBiometricUnlock enables biometric unlock. The passphrase is
// verified and the derived MEK is wrapped under an auth-bound hardware
// key; on ceremony cancellation or failure nothing is persisted. The
// passphrase bytes and the derived MEK are wiped on every exit path.
func (s *Service) SetupBiometricUnlock(ctx context.Context, passphrase []byte) error {
	const op = "vault.SetupBiometricUnlock"

	pass := secret.FromBytes(passphrase)
	defer pass.Close()

	s.mu.Lock()
	defer s.mu.Unlock()

	if pass.Len() == 0 {
		return vaulterr.New(vaulterr.InvalidPassphrase, op)
	}
	if err := s.verifyPassphraseLocked(pass); err != nil {
		return err
	}

	mek, err := s.deriveMEKLocked(pass)
	if err != nil {
		return err
	}
	defer mek.Close()

	return s.bio.Setup(ctx, mek)
}

// DisableBiometricUnlock deletes the auth-bound hardware key and the
// persisted wrapped MEK.
func (s *Service) DisableBiometricUnlock() error {
	return s.bio.Disable()
}

// EncryptField encrypts bytes under the purpose-specific subkey and
// returns the serialized envelope. Requires an Unlocked session.
func (s *Service) EncryptField(plaintext []byte, purpose keyderive.Purpose) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, err := s.subkeyLocked(purpose)
	if err != nil {
		return nil, err
	}
	defer key.Close()

	handle, err := aead.NewSoftwareKey(key)
	if err != nil {
		return nil, err
	}
	env, err := s.facade.Encrypt(plaintext, aead.AlgorithmAuto, handle)
	if err != nil {
		return nil, err
	}
	s.lastUse = time.Now()
	return env.Encode(), nil
}

// DecryptField decrypts a serialized envelope under the purpose-specific
// subkey. Requires an Unlocked session.
func (s *Service) DecryptField(data []byte, purpose keyderive.Purpose) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	env, err := aead.Decode(data)
	if err != nil {
		return nil, err
	}

	key, err := s.subkeyLocked(purpose)
	if err != nil {
		return nil, err
	}
	defer key.Close()

	handle, err := aead.NewSoftwareKey(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := s.facade.Decrypt(env, handle)
	if err != nil {
		return nil, err
	}
	s.lastUse = time.Now()
	return plaintext, nil
}

// EncryptExport encrypts bytes under the export subkey with the device
// fingerprint embedded ahead of the payload.
func (s *Service) EncryptExport(plaintext []byte) ([]byte, error) {
	framed := append(append([]byte(nil), keyderive.DeviceFingerprint()...), plaintext...)
	defer secret.Wipe(framed)
	return s.EncryptField(framed, keyderive.PurposeExport)
}

// DecryptExport decrypts an export blob. A fingerprint from another
// device is flagged in the log, not rejected: cross-device import is a
// user decision, not a hard boundary.
func (s *Service) DecryptExport(data []byte) ([]byte, error) {
	framed, err := s.DecryptField(data, keyderive.PurposeExport)
	if err != nil {
		return nil, err
	}
	fpLen := len(keyderive.DeviceFingerprint())
	if len(framed) < fpLen {
		return nil, vaulterr.New(vaulterr.CorruptEnvelope, "vault.DecryptExport")
	}
	if !bytes.Equal(framed[:fpLen], keyderive.DeviceFingerprint()) {
		log.Warn().Msg("Export blob was created on a different device")
	}
	return framed[fpLen:], nil
}

// HashPassword hashes an item-level password for the authentication gate.
// Independent of the session state.
func (s *Service) HashPassword(password []byte) (string, error) {
	return s.hashes.Hash(password)
}

// VerifyPassword verifies a password against an encoded hash.
func (s *Service) VerifyPassword(password []byte, encodedHash string) (bool, error) {
	return s.hashes.Verify(password, encodedHash)
}

// RotateStoreKey rotates the store DEK. Requires an Unlocked session;
// rotations are serialized and all-or-nothing.
func (s *Service) RotateStoreKey() error {
	s.mu.Lock()
	if s.state != StateUnlocked {
		s.mu.Unlock()
		return vaulterr.New(vaulterr.RotationFailed, "vault.RotateStoreKey")
	}
	s.lastUse = time.Now()
	s.mu.Unlock()

	// The wrapper serializes concurrent rotations on its own mutex; the
	// session mutex is released so a long rekey does not block Lock.
	return s.wrapper.RotateStoreKey()
}

// Store exposes the open encrypted store for the item layer.
func (s *Service) Store() *store.SQLite { return s.backend }

// AutoLockLoop locks the session after the configured inactivity timeout.
// It returns when ctx is done.
func (s *Service) AutoLockLoop(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.lockIfIdle(now)
		}
	}
}

func (s *Service) lockIfIdle(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateUnlocked && now.Sub(s.lastUse) >= s.cfg.AutoLockTimeout() {
		log.Info().Msg("Auto-locking after inactivity")
		s.lockLocked()
	}
}

// --- internals (callers hold s.mu) ---

func (s *Service) enterUnlocked(mek *secret.Buffer) {
	s.mek = mek
	s.state = StateUnlocked
	s.lastUse = time.Now()
}

// verifyPassphraseLocked checks the passphrase against the persisted
// verifier. Mismatch and missing verifier both report WrongCredential.
func (s *Service) verifyPassphraseLocked(pass *secret.Buffer) error {
	const op = "vault.verifyPassphrase"

	verifier, err := s.backend.GetMeta(store.MetaVerifier)
	if err != nil {
		return vaulterr.New(vaulterr.WrongCredential, op)
	}
	ok, err := s.hashes.Verify(pass.Bytes(), string(verifier))
	if err != nil {
		return err
	}
	if !ok {
		return vaulterr.New(vaulterr.WrongCredential, op)
	}
	return nil
}

// deriveMEKLocked recovers the install salt and derives the MEK.
func (s *Service) deriveMEKLocked(pass *secret.Buffer) (*secret.Buffer, error) {
	installSalt, err := s.loadInstallSalt()
	if err != nil {
		return nil, err
	}
	defer secret.Wipe(installSalt)
	return keyderive.DeriveMEK(pass, keyderive.DeviceSalt(installSalt), s.cfg.KDFParams())
}

func (s *Service) subkeyLocked(purpose keyderive.Purpose) (*secret.Buffer, error) {
	if s.state != StateUnlocked {
		return nil, vaulterr.New(vaulterr.WrongCredential, "vault.subkey")
	}
	return keyderive.DeriveSubkey(s.mek, purpose)
}

// saveInstallSalt wraps the install salt under the device-salt KEK and
// persists the sealed record.
func (s *Service) saveInstallSalt(installSalt []byte) error {
	if err := s.provider.EnsureKey(hardware.AliasDeviceSalt); err != nil {
		return err
	}
	kek, err := s.provider.Key(hardware.AliasDeviceSalt)
	if err != nil {
		return err
	}
	env, err := s.facade.Encrypt(installSalt, aead.AlgorithmAuto, kek)
	if err != nil {
		return err
	}
	record, err := store.EncodeSealed(&store.SealedRecord{
		IV:         env.IV,
		Ciphertext: env.Ciphertext,
		Algorithm:  byte(env.Algorithm),
		CreatedAt:  time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return s.backend.SetMeta(store.MetaDeviceSalt, record)
}

func (s *Service) loadInstallSalt() ([]byte, error) {
	const op = "vault.loadInstallSalt"

	raw, err := s.backend.GetMeta(store.MetaDeviceSalt)
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.CorruptEnvelope, op, err)
	}
	record, err := store.DecodeSealed(raw)
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.CorruptEnvelope, op, err)
	}
	kek, err := s.provider.Key(hardware.AliasDeviceSalt)
	if err != nil {
		return nil, err
	}
	env := &aead.Envelope{
		Version:    aead.EnvelopeVersion,
		Algorithm:  aead.Algorithm(record.Algorithm),
		IV:         record.IV,
		Ciphertext: record.Ciphertext,
	}
	return s.facade.Decrypt(env, kek)
}
